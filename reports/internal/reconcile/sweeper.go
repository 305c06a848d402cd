package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"report-evaluation-pipeline/reports/internal/dispatch"
	"report-evaluation-pipeline/reports/internal/models"
	"report-evaluation-pipeline/shared/config"
	"report-evaluation-pipeline/shared/logx"
	"report-evaluation-pipeline/shared/metricsx"
)

const TaskSweep = "reconcile.sweep"

type Lister interface {
	ListStaleUndispatched(ctx context.Context, olderThan time.Time, limit int) ([]models.Report, error)
}

type Dispatcher interface {
	DispatchReport(ctx context.Context, reportID int64, opts dispatch.Options) (models.DispatchReceipt, error)
}

type Config struct {
	StaleAfter time.Duration
	BatchSize  int
}

func ConfigFrom(cfg config.Config) Config {
	return Config{
		StaleAfter: time.Duration(cfg.ReconcileStaleSec) * time.Second,
		BatchSize:  cfg.ReconcileBatchSize,
	}
}

type Result struct {
	Scanned    int
	Dispatched int
	Skipped    int
	Failed     int
}

// Sweeper re-dispatches reports that were uploaded but never reached the
// broker, for example after an exhausted dispatch or a crash before publish.
type Sweeper struct {
	reports    Lister
	dispatcher Dispatcher
	logger     logx.Logger
	cfg        Config
	now        func() time.Time
}

func NewSweeper(reports Lister, dispatcher Dispatcher, logger logx.Logger, cfg Config) *Sweeper {
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 5 * time.Minute
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	return &Sweeper{reports: reports, dispatcher: dispatcher, logger: logger, cfg: cfg, now: time.Now}
}

func (s *Sweeper) Sweep(ctx context.Context) (Result, error) {
	var res Result
	stale, err := s.reports.ListStaleUndispatched(ctx, s.now().Add(-s.cfg.StaleAfter), s.cfg.BatchSize)
	if err != nil {
		metricsx.IncReconcile("list_failed")
		return res, err
	}
	res.Scanned = len(stale)

	for _, report := range stale {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		_, err := s.dispatcher.DispatchReport(ctx, report.ID, dispatch.Options{})
		switch {
		case err == nil:
			res.Dispatched++
			metricsx.IncReconcile("dispatched")
		case errors.Is(err, dispatch.ErrAlreadyDispatched),
			errors.Is(err, dispatch.ErrInProgress),
			errors.Is(err, dispatch.ErrNotDispatchable):
			res.Skipped++
			metricsx.IncReconcile("skipped")
		default:
			res.Failed++
			metricsx.IncReconcile("failed")
			s.logger.Warn(ctx, "reconcile_dispatch_failed", "stale report still undispatched",
				append(logx.Err("UNAVAILABLE", err), slog.Int64("report_id", report.ID))...)
		}
	}

	if res.Scanned > 0 {
		s.logger.Info(ctx, "reconcile_sweep", "reconciliation sweep finished",
			slog.Int("scanned", res.Scanned),
			slog.Int("dispatched", res.Dispatched),
			slog.Int("skipped", res.Skipped),
			slog.Int("failed", res.Failed),
		)
	}
	return res, nil
}
