package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"report-evaluation-pipeline/reports/internal/dispatch"
	"report-evaluation-pipeline/reports/internal/models"
	"report-evaluation-pipeline/reports/internal/repos"
	"report-evaluation-pipeline/shared/cachex"
	"report-evaluation-pipeline/shared/httpx"
	"report-evaluation-pipeline/shared/logx"
)

type Dispatcher interface {
	DispatchReport(ctx context.Context, reportID int64, opts dispatch.Options) (models.DispatchReceipt, error)
}

type ReportReader interface {
	GetReport(ctx context.Context, id int64) (models.Report, error)
}

// EvaluationCache is a read-through cache; load runs only on a miss.
type EvaluationCache interface {
	Remember(ctx context.Context, key string, ttl time.Duration, dest any, load func(context.Context) (any, error)) (bool, error)
}

type Reports struct {
	Dispatcher Dispatcher
	Reports    ReportReader
	// Cache is optional.
	Cache    EvaluationCache
	CacheTTL time.Duration
	Logger   logx.Logger
}

type dispatchRequest struct {
	Priority string `json:"priority"`
}

type dispatchResponse struct {
	ReportID    int64     `json:"report_id"`
	MessageID   string    `json:"message_id"`
	Attempts    int       `json:"attempts"`
	Priority    string    `json:"priority"`
	Indicators  int       `json:"indicators"`
	RequestedAt time.Time `json:"requested_at"`
	ConfirmedAt time.Time `json:"confirmed_at"`
}

type EvaluationView struct {
	ReportID     int64              `json:"report_id"`
	Status       string             `json:"status"`
	Score        *float64           `json:"score,omitempty"`
	KeyResults   map[string]float64 `json:"key_results,omitempty"`
	Observations []string           `json:"observations,omitempty"`
	AnalyzedAt   *time.Time         `json:"analyzed_at,omitempty"`
	DispatchedAt *time.Time         `json:"dispatched_at,omitempty"`
}

// Register mounts the report routes; protect wraps the operator-only ones.
func (h Reports) Register(mux *http.ServeMux, protect func(http.Handler) http.Handler) {
	if protect == nil {
		protect = func(next http.Handler) http.Handler { return next }
	}
	mux.Handle("POST /api/v1/reports/{id}/dispatch", protect(http.HandlerFunc(h.dispatch)))
	mux.HandleFunc("GET /api/v1/reports/{id}/evaluation", h.evaluation)
}

func (h Reports) dispatch(w http.ResponseWriter, r *http.Request) {
	id, ok := reportID(w, r)
	if !ok {
		return
	}
	var req dispatchRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "invalid request body", nil)
		return
	}
	priority, err := models.ParsePriority(req.Priority)
	if err != nil {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error(), nil)
		return
	}
	force, _ := strconv.ParseBool(strings.TrimSpace(r.URL.Query().Get("force")))

	receipt, err := h.Dispatcher.DispatchReport(r.Context(), id, dispatch.Options{Priority: priority, Force: force})
	if err != nil {
		h.writeDispatchError(w, r, id, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, dispatchResponse{
		ReportID:    receipt.ReportID,
		MessageID:   receipt.MessageID,
		Attempts:    receipt.Attempts,
		Priority:    string(receipt.WorkItem.Priority),
		Indicators:  len(receipt.WorkItem.Indicators),
		RequestedAt: receipt.RequestedAt,
		ConfirmedAt: receipt.ConfirmedAt,
	})
}

func (h Reports) writeDispatchError(w http.ResponseWriter, r *http.Request, id int64, err error) {
	var derr *dispatch.Error
	switch {
	case errors.Is(err, repos.ErrReportNotFound):
		httpx.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", "report not found", nil)
	case errors.As(err, &derr):
		status, code := dispatchErrorStatus(derr.Kind)
		httpx.WriteError(w, r, status, code, err.Error(), map[string]any{"kind": derr.Kind, "attempts": derr.Attempts})
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		httpx.WriteError(w, r, http.StatusGatewayTimeout, "TIMEOUT", "dispatch did not finish in time", nil)
	default:
		h.Logger.Error(r.Context(), "dispatch_failed", "dispatch failed",
			append(logx.Err("INTERNAL_ERROR", err), slog.Int64("report_id", id))...)
		httpx.WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "dispatch failed", nil)
	}
}

func dispatchErrorStatus(kind dispatch.Kind) (int, string) {
	switch kind {
	case dispatch.KindNotDispatchable, dispatch.KindAlreadyDispatched, dispatch.KindInProgress:
		return http.StatusConflict, "CONFLICT"
	case dispatch.KindNoIndicators, dispatch.KindInvalidWorkItem:
		return http.StatusUnprocessableEntity, "FAILED_PRECONDITION"
	case dispatch.KindTransportExhausted:
		return http.StatusServiceUnavailable, "UNAVAILABLE"
	case dispatch.KindPublishRejected:
		return http.StatusBadGateway, "UNAVAILABLE"
	default:
		return http.StatusInternalServerError, "INTERNAL_ERROR"
	}
}

func (h Reports) evaluation(w http.ResponseWriter, r *http.Request) {
	id, ok := reportID(w, r)
	if !ok {
		return
	}
	load := func(ctx context.Context) (any, error) {
		report, err := h.Reports.GetReport(ctx, id)
		if err != nil {
			return nil, err
		}
		return EvaluationView{
			ReportID:     report.ID,
			Status:       report.Status,
			Score:        report.Score,
			KeyResults:   report.KeyResults,
			Observations: report.Observations,
			AnalyzedAt:   report.AnalyzedAt,
			DispatchedAt: report.DispatchedAt,
		}, nil
	}

	var view EvaluationView
	var hit bool
	var err error
	if h.Cache != nil {
		hit, err = h.Cache.Remember(r.Context(), cachex.EvaluationKey(id), h.CacheTTL, &view, load)
	} else {
		var v any
		if v, err = load(r.Context()); err == nil {
			view = v.(EvaluationView)
		}
	}
	if errors.Is(err, repos.ErrReportNotFound) {
		httpx.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", "report not found", nil)
		return
	}
	if err != nil {
		h.Logger.Error(r.Context(), "report_read_failed", "report read failed",
			append(logx.Err("INTERNAL_ERROR", err), slog.Int64("report_id", id))...)
		httpx.WriteError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "failed to load report", nil)
		return
	}
	if hit {
		w.Header().Set("X-Cache", "HIT")
	} else {
		w.Header().Set("X-Cache", "MISS")
	}
	httpx.WriteJSON(w, http.StatusOK, view)
}

func reportID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(strings.TrimSpace(r.PathValue("id")), 10, 64)
	if err != nil || id <= 0 {
		httpx.WriteError(w, r, http.StatusBadRequest, "INVALID_ARGUMENT", "report id must be a positive integer", nil)
		return 0, false
	}
	return id, true
}
