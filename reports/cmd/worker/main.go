package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"report-evaluation-pipeline/reports/internal/dispatch"
	"report-evaluation-pipeline/reports/internal/outbox"
	"report-evaluation-pipeline/reports/internal/reconcile"
	"report-evaluation-pipeline/reports/internal/repos"
	"report-evaluation-pipeline/shared/brokerx"
	"report-evaluation-pipeline/shared/cachex"
	"report-evaluation-pipeline/shared/clients/indicators"
	"report-evaluation-pipeline/shared/config"
	"report-evaluation-pipeline/shared/dbx"
	"report-evaluation-pipeline/shared/lockx"
	"report-evaluation-pipeline/shared/logx"
	"report-evaluation-pipeline/shared/metricsx"
	"report-evaluation-pipeline/shared/mqx"
	"report-evaluation-pipeline/shared/observability"
)

func main() {
	cfg, problems := config.Load("reports-worker", 8083)
	version := strings.TrimSpace(os.Getenv("VERSION"))
	logger := logx.New(cfg.ServiceName, cfg.Env, version, cfg.LogLevel)

	if cfg.DatabaseURL == "" {
		problems = append(problems, config.Problem{Field: "DATABASE_URL", Message: "DATABASE_URL is required"})
	}
	if cfg.AsynqRedisAddr == "" {
		problems = append(problems, config.Problem{Field: "ASYNQ_REDIS_ADDR", Message: "ASYNQ_REDIS_ADDR is required"})
	}
	if len(cfg.KafkaBrokers) == 0 {
		problems = append(problems, config.Problem{Field: "KAFKA_BROKERS", Message: "KAFKA_BROKERS is required"})
	}
	if len(problems) > 0 {
		logger.Error(context.Background(), "config_invalid", "invalid config",
			slog.String("error_code", "FAILED_PRECONDITION"),
			slog.Any("problems", problems),
		)
		os.Exit(1)
	}

	if cfg.OtelEnabled {
		if shutdown, err := observability.InitTracer(context.Background(), observability.TracerConfigFrom(cfg, version, logger)); err == nil {
			defer func() { _ = shutdown(context.Background()) }()
		}
	}

	dbPool, err := dbx.NewPool(context.Background(), cfg)
	if err != nil {
		logger.Error(context.Background(), "db_init_failed", "db init failed", logx.Err("FAILED_PRECONDITION", err)...)
		os.Exit(1)
	}
	defer dbPool.Close()

	producer, err := mqx.NewProducer(cfg)
	if err != nil {
		logger.Error(context.Background(), "kafka_init_failed", "kafka producer init failed", logx.Err("FAILED_PRECONDITION", err)...)
		os.Exit(1)
	}
	defer producer.Close()

	relay := outbox.NewRelay(repos.NewOutboxRepo(dbPool), producer, logger, outbox.Config{
		Owner:       cfg.ServiceName,
		BatchSize:   cfg.OutboxBatchSize,
		MaxAttempts: cfg.OutboxMaxAttempts,
	})

	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.AsynqRedisAddr,
		Password: cfg.AsynqRedisPass,
		DB:       cfg.AsynqRedisDB,
	}
	client := asynq.NewClient(redisOpt)
	defer client.Close()

	server := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: cfg.AsynqConcurrency,
		Queues: map[string]int{
			cfg.AsynqQueue: 1,
		},
	})
	defer server.Shutdown()

	mux := asynq.NewServeMux()
	mux.HandleFunc(outbox.TaskScan, func(ctx context.Context, t *asynq.Task) error {
		_, err := relay.Scan(ctx, func(ctx context.Context, eventID uuid.UUID) error {
			_, err := client.EnqueueContext(ctx, outbox.NewDeliverTask(eventID, cfg.AsynqQueue))
			return err
		})
		return err
	})
	mux.HandleFunc(outbox.TaskDeliver, func(ctx context.Context, t *asynq.Task) error {
		eventID, err := outbox.ParseDeliverTask(t)
		if err != nil {
			return fmt.Errorf("%w: %v", asynq.SkipRetry, err)
		}
		return relay.Deliver(ctx, eventID)
	})

	// Re-dispatch needs the broker; without it the worker only relays the outbox.
	var broker *brokerx.AMQPTransport
	if cfg.RMQEnabled {
		broker = brokerx.OpenAMQP(brokerx.AMQPConfigFrom(cfg), logger)
		defer broker.Close()
		if err := broker.DeclareDurableQueue(context.Background(), dispatch.RequestQueue(cfg)); err != nil && !errors.Is(err, brokerx.ErrNotConnected) {
			logger.Error(context.Background(), "queue_declare_failed", "request queue declare failed", logx.Err("FAILED_PRECONDITION", err)...)
			os.Exit(1)
		}

		var locker dispatch.Locker
		if cache, err := cachex.New(cfg); err == nil {
			defer cache.Close()
			locker = lockx.New(cache.Redis())
		}
		var indicatorSource dispatch.IndicatorProvider = repos.NewIndicatorsRepo(dbPool)
		if cfg.IndicatorsURL != "" {
			if remote, err := indicators.New(cfg); err == nil {
				indicatorSource = dispatch.NewRemoteIndicators(remote)
			}
		}
		reportsRepo := repos.NewReportsRepo(dbPool)
		dispatcher := dispatch.New(dispatch.Deps{
			Publisher:  broker,
			Reports:    reportsRepo,
			Indicators: indicatorSource,
			Locker:     locker,
			Logger:     logger,
		}, dispatch.ConfigFrom(cfg))
		sweeper := reconcile.NewSweeper(reportsRepo, dispatcher, logger, reconcile.ConfigFrom(cfg))

		mux.HandleFunc(reconcile.TaskSweep, func(ctx context.Context, t *asynq.Task) error {
			if !broker.Connected() {
				return brokerx.ErrNotConnected
			}
			_, err := sweeper.Sweep(ctx)
			return err
		})
	}

	scheduler := asynq.NewScheduler(redisOpt, &asynq.SchedulerOpts{
		Location: time.UTC,
	})
	defer scheduler.Shutdown()
	inspector := asynq.NewInspector(redisOpt)
	defer inspector.Close()

	type schedule struct {
		spec string
		task *asynq.Task
	}
	schedules := []schedule{{
		spec: "@every " + strconv.Itoa(cfg.OutboxScanSec) + "s",
		task: asynq.NewTask(outbox.TaskScan, nil, asynq.Queue(cfg.AsynqQueue)),
	}}
	if broker != nil {
		interval := time.Duration(cfg.ReconcileIntervalSec) * time.Second
		schedules = append(schedules, schedule{
			spec: "@every " + strconv.Itoa(cfg.ReconcileIntervalSec) + "s",
			task: asynq.NewTask(reconcile.TaskSweep, nil,
				asynq.Queue(cfg.AsynqQueue),
				asynq.Unique(interval),
				asynq.MaxRetry(0),
			),
		})
	}
	for _, s := range schedules {
		if _, err := scheduler.Register(s.spec, s.task); err != nil {
			logger.Error(context.Background(), "scheduler_init_failed", "scheduler init failed",
				append(logx.Err("FAILED_PRECONDITION", err), slog.String("task", s.task.Type()))...)
			os.Exit(1)
		}
	}
	if err := scheduler.Start(); err != nil {
		logger.Error(context.Background(), "scheduler_start_failed", "scheduler start failed", logx.Err("INTERNAL_ERROR", err)...)
		os.Exit(1)
	}

	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			info, err := inspector.GetQueueInfo(cfg.AsynqQueue)
			if err != nil {
				continue
			}
			metricsx.SetAsynqQueueDepth(cfg.AsynqQueue, info.Size)
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		logger.Info(context.Background(), "worker_start", "reports worker started",
			slog.String("queue", cfg.AsynqQueue),
			slog.Int("concurrency", cfg.AsynqConcurrency),
			slog.Bool("reconcile", broker != nil),
		)
		errCh <- server.Run(mux)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info(context.Background(), "shutdown_signal", "received signal", slog.String("signal", sig.String()))
	case err := <-errCh:
		if !errors.Is(err, asynq.ErrServerClosed) {
			logger.Error(context.Background(), "worker_failed", "worker failed", logx.Err("INTERNAL_ERROR", err)...)
			os.Exit(1)
		}
	}

	logger.Info(context.Background(), "worker_stop", "reports worker stopped")
}
