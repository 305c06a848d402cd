package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"report-evaluation-pipeline/reports/internal/models"
	"report-evaluation-pipeline/shared/brokerx"
	"report-evaluation-pipeline/shared/cachex"
	"report-evaluation-pipeline/shared/config"
	"report-evaluation-pipeline/shared/lockx"
	"report-evaluation-pipeline/shared/logx"
	"report-evaluation-pipeline/shared/metricsx"
	"report-evaluation-pipeline/shared/workflow"
)

type Publisher interface {
	Publish(ctx context.Context, exchange string, routingKey string, body []byte, opts brokerx.PublishOptions) error
}

type ReportStore interface {
	GetReport(ctx context.Context, id int64) (models.Report, error)
	MarkDispatched(ctx context.Context, id int64, messageID string, at time.Time) error
}

type IndicatorProvider interface {
	FindAllActive(ctx context.Context) ([]models.Indicator, error)
}

// Locker serializes dispatches of one report across processes.
type Locker interface {
	WithLock(ctx context.Context, key string, ttl time.Duration, fn func(ctx context.Context) error) error
}

type Config struct {
	Exchange             string
	RoutingKey           string
	MaxAttempts          int
	BaseBackoff          time.Duration
	AttemptTimeout       time.Duration
	AllowEmptyIndicators bool
	LockTTL              time.Duration
}

func ConfigFrom(cfg config.Config) Config {
	return Config{
		Exchange:             cfg.RMQExchange,
		RoutingKey:           cfg.RMQRequestKey,
		MaxAttempts:          cfg.DispatchMaxAttempts,
		BaseBackoff:          cfg.DispatchBackoff(),
		AttemptTimeout:       cfg.RMQPublishTimeout(),
		AllowEmptyIndicators: cfg.DispatchAllowEmpty,
		LockTTL:              time.Duration(cfg.DispatchLockTTLSec) * time.Second,
	}
}

// RequestQueue is the durable queue evaluation workers read work items from.
func RequestQueue(cfg config.Config) brokerx.QueueSpec {
	return brokerx.QueueSpec{
		Name:        cfg.RMQRequestQueue,
		Exchange:    cfg.RMQExchange,
		RoutingKeys: []string{cfg.RMQRequestKey},
	}
}

type Deps struct {
	Publisher  Publisher
	Reports    ReportStore
	Indicators IndicatorProvider
	// Locker is optional; without it concurrent DispatchReport calls for the
	// same report may both publish.
	Locker Locker
	Logger logx.Logger
	Now    func() time.Time
	Sleep  func(ctx context.Context, d time.Duration) error
}

type Options struct {
	Priority models.Priority
	// Force re-sends a report that already has a confirmed dispatch.
	Force bool
}

type Dispatcher struct {
	cfg  Config
	deps Deps
}

func New(deps Deps, cfg Config) *Dispatcher {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = 10 * time.Second
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 10 * time.Second
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 2 * time.Minute
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Sleep == nil {
		deps.Sleep = sleepCtx
	}
	return &Dispatcher{cfg: cfg, deps: deps}
}

// Dispatch snapshots indicators into a work item and publishes it once,
// retrying transient transport failures with exponential backoff. It returns
// only after the broker confirmed the message or the retry budget ran out.
func (d *Dispatcher) Dispatch(ctx context.Context, report models.Report, indicators []models.Indicator, opts Options) (models.DispatchReceipt, error) {
	ctx, span := otel.Tracer("dispatch").Start(ctx, "dispatch.report")
	span.SetAttributes(attribute.Int64("report.id", report.ID))
	defer span.End()

	started := d.deps.Now()
	logger := d.deps.Logger.With(slog.Int64("report_id", report.ID))

	if status := workflow.NormalizeReportStatus(report.Status); status != workflow.ReportStatusUnderReview {
		metricsx.IncDispatch("rejected")
		return models.DispatchReceipt{}, &Error{Kind: KindNotDispatchable, ReportID: report.ID, Err: fmt.Errorf("status is %s", report.Status)}
	}
	if len(indicators) == 0 && !d.cfg.AllowEmptyIndicators {
		metricsx.IncDispatch("rejected")
		return models.DispatchReceipt{}, &Error{Kind: KindNoIndicators, ReportID: report.ID}
	}

	priority := opts.Priority
	if priority == "" {
		priority = models.PriorityNormal
	}
	item, err := models.NewWorkItem(report, indicators, priority, started)
	if err != nil {
		metricsx.IncDispatch("invalid")
		return models.DispatchReceipt{}, &Error{Kind: KindInvalidWorkItem, ReportID: report.ID, Err: err}
	}
	body, err := item.Encode()
	if err != nil {
		metricsx.IncDispatch("invalid")
		return models.DispatchReceipt{}, &Error{Kind: KindInvalidWorkItem, ReportID: report.ID, Err: err}
	}

	// One message id across attempts lets the worker drop a duplicate when a
	// confirm was lost after the broker stored the message.
	pubOpts := brokerx.PublishOptions{
		MessageID:   uuid.NewString(),
		ContentType: "application/json",
		Priority:    priority.AMQP(),
		Timestamp:   item.RequestedAt,
	}

	var lastErr error
	attempts := 0
	for attempts < d.cfg.MaxAttempts {
		attempts++
		lastErr = d.publishOnce(ctx, body, pubOpts)
		if lastErr == nil {
			confirmed := d.deps.Now()
			metricsx.IncDispatch("confirmed")
			metricsx.ObserveDispatchLatency(confirmed.Sub(started))
			logger.Info(ctx, "dispatch_confirmed", "work item confirmed by broker",
				slog.String("message_id", pubOpts.MessageID),
				slog.Int("attempts", attempts),
				slog.Int("indicators", len(item.Indicators)),
			)
			return models.DispatchReceipt{
				ReportID:    report.ID,
				MessageID:   pubOpts.MessageID,
				Exchange:    d.cfg.Exchange,
				RoutingKey:  d.cfg.RoutingKey,
				Attempts:    attempts,
				RequestedAt: item.RequestedAt,
				ConfirmedAt: confirmed,
				WorkItem:    item,
			}, nil
		}
		if errors.Is(ctx.Err(), context.Canceled) {
			span.SetStatus(codes.Error, "cancelled")
			return models.DispatchReceipt{}, fmt.Errorf("dispatch report %d: %w", report.ID, ctx.Err())
		}
		if ctx.Err() != nil {
			break
		}
		if !brokerx.IsTransient(lastErr) {
			metricsx.IncDispatch("rejected")
			span.SetStatus(codes.Error, lastErr.Error())
			logger.Error(ctx, "dispatch_rejected", "broker refused work item",
				append(logx.Err("FAILED_PRECONDITION", lastErr), slog.Int("attempt", attempts))...)
			return models.DispatchReceipt{}, &Error{Kind: KindPublishRejected, ReportID: report.ID, Attempts: attempts, Err: lastErr}
		}
		if attempts == d.cfg.MaxAttempts {
			break
		}
		delay := d.backoff(attempts)
		if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < delay {
			logger.Warn(ctx, "dispatch_deadline", "caller deadline ends before the next attempt",
				append(logx.Err("UNAVAILABLE", lastErr),
					slog.Int("attempt", attempts),
					slog.Duration("delay", delay),
				)...)
			break
		}
		logger.Warn(ctx, "dispatch_retry", "publish failed, retrying",
			append(logx.Err("UNAVAILABLE", lastErr),
				slog.Int("attempt", attempts),
				slog.Duration("delay", delay),
			)...)
		if err := d.deps.Sleep(ctx, delay); err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				break
			}
			span.SetStatus(codes.Error, "cancelled")
			return models.DispatchReceipt{}, fmt.Errorf("dispatch report %d: %w", report.ID, err)
		}
	}

	metricsx.IncDispatch("exhausted")
	span.SetStatus(codes.Error, "transport exhausted")
	logger.Error(ctx, "dispatch_exhausted", "retry budget exhausted; report stays under_review",
		append(logx.Err("UNAVAILABLE", lastErr), slog.Int("attempts", attempts))...)
	return models.DispatchReceipt{}, &Error{Kind: KindTransportExhausted, ReportID: report.ID, Attempts: attempts, Err: lastErr}
}

func (d *Dispatcher) publishOnce(ctx context.Context, body []byte, opts brokerx.PublishOptions) error {
	attemptCtx, cancel := context.WithTimeout(ctx, d.cfg.AttemptTimeout)
	defer cancel()
	return d.deps.Publisher.Publish(attemptCtx, d.cfg.Exchange, d.cfg.RoutingKey, body, opts)
}

// backoff returns the wait after the given failed attempt: base, 2*base, 4*base...
func (d *Dispatcher) backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return d.cfg.BaseBackoff * time.Duration(1<<(attempt-1))
}

// DispatchReport loads the report and the active indicators and dispatches
// it, recording the confirmed message on the report row.
func (d *Dispatcher) DispatchReport(ctx context.Context, reportID int64, opts Options) (models.DispatchReceipt, error) {
	var receipt models.DispatchReceipt
	run := func(ctx context.Context) error {
		report, err := d.deps.Reports.GetReport(ctx, reportID)
		if err != nil {
			return fmt.Errorf("load report %d: %w", reportID, err)
		}
		if report.DispatchedAt != nil && !opts.Force {
			return &Error{Kind: KindAlreadyDispatched, ReportID: reportID}
		}
		indicators, err := d.deps.Indicators.FindAllActive(ctx)
		if err != nil {
			return fmt.Errorf("load indicators: %w", err)
		}
		receipt, err = d.Dispatch(ctx, report, indicators, opts)
		if err != nil {
			return err
		}
		if err := d.deps.Reports.MarkDispatched(ctx, reportID, receipt.MessageID, receipt.ConfirmedAt); err != nil {
			d.deps.Logger.Warn(ctx, "dispatch_bookkeeping_failed", "work item sent but dispatch not recorded",
				append(logx.Err("INTERNAL_ERROR", err),
					slog.Int64("report_id", reportID),
					slog.String("message_id", receipt.MessageID),
				)...)
		}
		return nil
	}

	var err error
	if d.deps.Locker == nil {
		err = run(ctx)
	} else {
		err = d.deps.Locker.WithLock(ctx, cachex.DispatchLockKey(reportID), d.cfg.LockTTL, run)
		if errors.Is(err, lockx.ErrHeld) {
			err = &Error{Kind: KindInProgress, ReportID: reportID, Err: err}
		}
	}
	if err != nil {
		return models.DispatchReceipt{}, err
	}
	return receipt, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
