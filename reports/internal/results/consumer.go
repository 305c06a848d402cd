package results

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"report-evaluation-pipeline/reports/internal/models"
	"report-evaluation-pipeline/reports/internal/repos"
	"report-evaluation-pipeline/shared/brokerx"
	"report-evaluation-pipeline/shared/config"
	"report-evaluation-pipeline/shared/logx"
	"report-evaluation-pipeline/shared/metricsx"
	"report-evaluation-pipeline/shared/workflow"
)

type Outcome string

const (
	OutcomeApplied       Outcome = "applied"
	OutcomeDuplicate     Outcome = "duplicate"
	OutcomeConflict      Outcome = "conflict"
	OutcomeMalformed     Outcome = "malformed"
	OutcomeUnknownReport Outcome = "unknown_report"
	OutcomeTransient     Outcome = "transient"
)

// Decision maps an outcome onto the broker settlement. Only transient
// failures go back to the queue.
func (o Outcome) Decision() brokerx.Decision {
	if o == OutcomeTransient {
		return brokerx.NackRequeue
	}
	return brokerx.Ack
}

type Store interface {
	GetReport(ctx context.Context, id int64) (models.Report, error)
	ApplyEvaluation(ctx context.Context, expected models.Report, eval models.Evaluation) (models.Report, error)
	RecordConflict(ctx context.Context, c models.EvaluationConflict) error
}

// Cache holds read views of reports; an applied evaluation makes them stale.
type Cache interface {
	ForgetEvaluations(ctx context.Context, reportIDs ...int64) error
}

type Config struct {
	HandlerTimeout time.Duration
	// CASAttempts bounds re-reads after a lost compare-and-set.
	CASAttempts int
}

func ConfigFrom(cfg config.Config) Config {
	return Config{HandlerTimeout: cfg.ConsumerHandlerTimeout()}
}

// ResultsQueue is the durable queue completion events arrive on.
func ResultsQueue(cfg config.Config) brokerx.QueueSpec {
	return brokerx.QueueSpec{
		Name:        cfg.RMQResultsQueue,
		Exchange:    cfg.RMQExchange,
		RoutingKeys: []string{cfg.RMQResultsKey},
		DeadLetter:  cfg.RMQDeadLetter,
	}
}

type Consumer struct {
	store  Store
	cache  Cache
	logger logx.Logger
	cfg    Config
	now    func() time.Time
}

// NewConsumer builds the results handler. cache may be nil.
func NewConsumer(store Store, cache Cache, logger logx.Logger, cfg Config) *Consumer {
	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = 15 * time.Second
	}
	if cfg.CASAttempts <= 0 {
		cfg.CASAttempts = 3
	}
	return &Consumer{store: store, cache: cache, logger: logger, cfg: cfg, now: time.Now}
}

// Handle is the brokerx.Handler for the results queue.
func (c *Consumer) Handle(ctx context.Context, d brokerx.Delivery) brokerx.Decision {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.HandlerTimeout)
	defer cancel()

	started := time.Now()
	outcome, _ := c.Process(ctx, d.Body, d.MessageID)
	metricsx.ObserveCompletion(string(outcome), time.Since(started))
	return outcome.Decision()
}

// Process validates one completion event and applies it at most once.
// The returned error explains every outcome other than applied and duplicate.
func (c *Consumer) Process(ctx context.Context, body []byte, messageID string) (Outcome, error) {
	logger := c.logger.With(slog.String("message_id", messageID))

	ev, err := models.ParseCompletionEvent(body)
	if err != nil {
		logger.Error(ctx, "completion_malformed", "dropping unparseable completion event",
			append(logx.Err("INVALID_ARGUMENT", err), slog.String("payload", string(body)))...)
		return OutcomeMalformed, err
	}
	logger = logger.With(slog.Int64("report_id", ev.ReportID))

	var lastErr error
	for attempt := 1; attempt <= c.cfg.CASAttempts; attempt++ {
		report, err := c.store.GetReport(ctx, ev.ReportID)
		if errors.Is(err, repos.ErrReportNotFound) {
			logger.Error(ctx, "completion_unknown_report", "completion event references no report",
				append(logx.Err("FAILED_PRECONDITION", err), slog.String("payload", string(body)))...)
			return OutcomeUnknownReport, err
		}
		if err != nil {
			logger.Warn(ctx, "completion_store_unavailable", "report lookup failed, requeueing",
				logx.Err("UNAVAILABLE", err)...)
			return OutcomeTransient, err
		}
		if ev.GroupID != nil && *ev.GroupID != report.GroupID {
			err := fmt.Errorf("%w: group %d does not own report %d", models.ErrMalformedEvent, *ev.GroupID, report.ID)
			logger.Error(ctx, "completion_malformed", "dropping completion event for another group",
				append(logx.Err("INVALID_ARGUMENT", err), slog.String("payload", string(body)))...)
			return OutcomeMalformed, err
		}

		if !workflow.CanTransition(report.Status, ev.Status) {
			if sameOutcome(report, ev) {
				logger.Info(ctx, "completion_duplicate", "report already holds this outcome",
					slog.String("status", report.Status))
				return OutcomeDuplicate, nil
			}
			return c.conflict(ctx, logger, report, ev, body, messageID)
		}

		if !ev.Terminal() && sameInterim(report, ev) {
			logger.Info(ctx, "completion_duplicate", "interim result already applied")
			return OutcomeDuplicate, nil
		}

		eval := models.Evaluation{
			Status:       ev.Status,
			Score:        ev.Score,
			KeyResults:   ev.KeyResults,
			Observations: ev.Observations,
			AnalyzedAt:   c.now().UTC(),
			ProcessedAt:  ev.ProcessedAt,
		}
		updated, err := c.store.ApplyEvaluation(ctx, report, eval)
		if errors.Is(err, repos.ErrStaleReport) {
			lastErr = err
			logger.Debug(ctx, "completion_cas_retry", "report changed underneath, re-reading",
				slog.Int("attempt", attempt))
			continue
		}
		if err != nil {
			logger.Warn(ctx, "completion_store_unavailable", "evaluation write failed, requeueing",
				logx.Err("UNAVAILABLE", err)...)
			return OutcomeTransient, err
		}
		attrs := []slog.Attr{
			slog.String("from", report.Status),
			slog.String("to", updated.Status),
			slog.String("transition", workflow.EventTypeForTransition(report.Status, updated.Status)),
		}
		if ev.ProcessedAt != nil {
			attrs = append(attrs, slog.Time("processed_at", *ev.ProcessedAt))
		}
		logger.Info(ctx, "completion_applied", "evaluation applied", attrs...)
		c.forget(ctx, logger, report.ID)
		return OutcomeApplied, nil
	}

	logger.Warn(ctx, "completion_cas_exhausted", "lost every compare-and-set, requeueing",
		logx.Err("CONFLICT", lastErr)...)
	return OutcomeTransient, lastErr
}

func (c *Consumer) conflict(ctx context.Context, logger logx.Logger, report models.Report, ev models.CompletionEvent, body []byte, messageID string) (Outcome, error) {
	err := c.store.RecordConflict(ctx, models.EvaluationConflict{
		ReportID:       report.ID,
		StoredStatus:   report.Status,
		StoredScore:    report.Score,
		IncomingStatus: ev.Status,
		IncomingScore:  ev.Score,
		ProcessedAt:    ev.ProcessedAt,
		MessageID:      messageID,
		Payload:        body,
		DetectedAt:     c.now().UTC(),
	})
	if err != nil {
		logger.Warn(ctx, "completion_store_unavailable", "conflict could not be recorded, requeueing",
			logx.Err("UNAVAILABLE", err)...)
		return OutcomeTransient, err
	}
	conflictErr := fmt.Errorf("report %d is %s, event says %s", report.ID, report.Status, ev.Status)
	logger.Error(ctx, "completion_conflict", "terminal report received a different outcome; manual review required",
		append(logx.Err("CONFLICT", conflictErr),
			slog.String("stored_status", report.Status),
			slog.String("incoming_status", ev.Status),
			slog.String("payload", string(body)),
		)...)
	return OutcomeConflict, conflictErr
}

// forget drops the cached evaluation view; the write already happened, so a
// failure only leaves the view stale until its TTL.
func (c *Consumer) forget(ctx context.Context, logger logx.Logger, reportID int64) {
	if c.cache == nil {
		return
	}
	if err := c.cache.ForgetEvaluations(ctx, reportID); err != nil {
		logger.Warn(ctx, "cache_invalidate_failed", "cached evaluation view not dropped",
			logx.Err("UNAVAILABLE", err)...)
	}
}

func sameOutcome(report models.Report, ev models.CompletionEvent) bool {
	return workflow.NormalizeReportStatus(report.Status) == ev.Status && sameScore(report.Score, ev.Score)
}

// sameInterim spots a redelivered interim result that was already written.
func sameInterim(report models.Report, ev models.CompletionEvent) bool {
	if report.AnalyzedAt == nil || !sameScore(report.Score, ev.Score) {
		return false
	}
	if len(report.KeyResults) != len(ev.KeyResults) {
		return false
	}
	for k, v := range ev.KeyResults {
		stored, ok := report.KeyResults[k]
		if !ok || !closeEnough(stored, v) {
			return false
		}
	}
	return true
}

func sameScore(a *float64, b *float64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return closeEnough(*a, *b)
}

func closeEnough(a float64, b float64) bool {
	return math.Abs(a-b) < 1e-9
}
