package notifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"report-evaluation-pipeline/shared/clients/notify"
	"report-evaluation-pipeline/shared/events"
	"report-evaluation-pipeline/shared/influxx"
	"report-evaluation-pipeline/shared/logx"
	"report-evaluation-pipeline/shared/metricsx"
	"report-evaluation-pipeline/shared/mqx"
)

type PointWriter interface {
	WriteEvaluation(ctx context.Context, e influxx.Evaluation) error
}

type Cache interface {
	ForgetEvaluations(ctx context.Context, reportIDs ...int64) error
}

type Notifier interface {
	NotifyEvaluation(ctx context.Context, notice notify.EvaluationNotice) error
}

// Handler fans a report.evaluated event out to the time series store, the
// read cache and the notification service. Any of the three may be nil.
type Handler struct {
	points PointWriter
	cache  Cache
	notify Notifier
	logger logx.Logger
}

func NewHandler(points PointWriter, cache Cache, notifier Notifier, logger logx.Logger) *Handler {
	return &Handler{points: points, cache: cache, notify: notifier, logger: logger}
}

// Handle only fails when the notification could not be delivered, so the
// consumer retries it; series and cache are best effort.
func (h *Handler) Handle(ctx context.Context, env events.Envelope) error {
	if env.EventType != events.EventReportEvaluated {
		return nil
	}
	var ev events.ReportEvaluated
	if err := json.Unmarshal(env.Payload, &ev); err != nil {
		h.logger.Error(ctx, "event_malformed", "dropping undecodable report.evaluated payload",
			append(logx.Err("INVALID_ARGUMENT", err), slog.String("event_id", env.EventID.String()))...)
		return nil
	}
	logger := h.logger.With(
		slog.String("event_id", env.EventID.String()),
		slog.Int64("report_id", ev.ReportID),
	)

	if h.points != nil {
		err := h.points.WriteEvaluation(ctx, influxx.Evaluation{
			ReportID:   ev.ReportID,
			GroupID:    ev.GroupID,
			Status:     ev.Status,
			Score:      ev.Score,
			KeyResults: ev.KeyResults,
			AnalyzedAt: ev.AnalyzedAt,
		})
		if err != nil {
			metricsx.IncInfluxWriteFailure()
			logger.Warn(ctx, "influx_write_failed", "evaluation point not written", logx.Err("UNAVAILABLE", err)...)
		}
	}

	if h.cache != nil {
		if err := h.cache.ForgetEvaluations(ctx, ev.ReportID); err != nil {
			logger.Warn(ctx, "cache_invalidate_failed", "cached evaluation not dropped", logx.Err("UNAVAILABLE", err)...)
		}
	}

	if h.notify != nil {
		err := h.notify.NotifyEvaluation(ctx, notify.EvaluationNotice{
			EventID:    env.EventID.String(),
			ReportID:   ev.ReportID,
			GroupID:    ev.GroupID,
			Status:     ev.Status,
			Score:      ev.Score,
			AnalyzedAt: ev.AnalyzedAt.UTC().Format(time.RFC3339),
		})
		if errors.Is(err, notify.ErrRejected) {
			return fmt.Errorf("notify report %d: %w: %v", ev.ReportID, mqx.ErrPermanent, err)
		}
		if err != nil {
			return fmt.Errorf("notify report %d: %w", ev.ReportID, err)
		}
	}

	logger.Info(ctx, "report_evaluated_handled", "report evaluation fanned out", slog.String("status", ev.Status))
	return nil
}
