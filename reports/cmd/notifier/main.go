package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"report-evaluation-pipeline/reports/internal/notifier"
	"report-evaluation-pipeline/shared/cachex"
	"report-evaluation-pipeline/shared/clients/notify"
	"report-evaluation-pipeline/shared/config"
	"report-evaluation-pipeline/shared/events"
	"report-evaluation-pipeline/shared/influxx"
	"report-evaluation-pipeline/shared/logx"
	"report-evaluation-pipeline/shared/mqx"
	"report-evaluation-pipeline/shared/observability"
)

func main() {
	cfg, problems := config.Load("evaluation-notifier", 8084)
	version := strings.TrimSpace(os.Getenv("VERSION"))
	logger := logx.New(cfg.ServiceName, cfg.Env, version, cfg.LogLevel)

	if len(cfg.KafkaBrokers) == 0 {
		problems = append(problems, config.Problem{Field: "KAFKA_BROKERS", Message: "KAFKA_BROKERS is required"})
	}
	if cfg.KafkaGroupID == "" {
		problems = append(problems, config.Problem{Field: "KAFKA_CONSUMER_GROUP", Message: "KAFKA_CONSUMER_GROUP is required"})
	}
	if cfg.NotifyEnabled && cfg.NotifyURL == "" {
		problems = append(problems, config.Problem{Field: "NOTIFY_SERVICE_URL", Message: "NOTIFY_SERVICE_URL is required when NOTIFY_ENABLED"})
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

	// Each sink is optional. They are assigned only when configured so the
	// handler sees a nil interface rather than a nil pointer.
	var points notifier.PointWriter
	if influx, err := influxx.New(cfg); err == nil {
		defer influx.Close()
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := influx.Ping(pingCtx); err != nil {
			logger.Warn(context.Background(), "influx_unreachable", "influx not answering at startup", logx.Err("UNAVAILABLE", err)...)
		}
		cancel()
		points = influx
	} else {
		logger.Warn(context.Background(), "influx_disabled", "evaluation series disabled", logx.Err("FAILED_PRECONDITION", err)...)
	}

	var cache notifier.Cache
	if redisCache, err := cachex.New(cfg); err == nil {
		defer redisCache.Close()
		cache = redisCache
	} else {
		logger.Warn(context.Background(), "cache_disabled", "evaluation cache invalidation disabled", logx.Err("FAILED_PRECONDITION", err)...)
	}

	var sink notifier.Notifier
	if cfg.NotifyEnabled {
		client, err := notify.NewClient(cfg.NotifyURL, cfg.NotifyToken, time.Duration(cfg.NotifyTimeoutMS)*time.Millisecond)
		if err != nil {
			logger.Error(context.Background(), "notify_init_failed", "notify client init failed", logx.Err("FAILED_PRECONDITION", err)...)
			os.Exit(1)
		}
		sink = client
	}

	consumer, err := mqx.NewConsumer(cfg, events.TopicReportEvaluated, cfg.KafkaGroupID, logger)
	if err != nil {
		logger.Error(context.Background(), "kafka_init_failed", "kafka reader init failed", logx.Err("FAILED_PRECONDITION", err)...)
		os.Exit(1)
	}
	defer consumer.Close()

	handler := notifier.NewHandler(points, cache, sink, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info(context.Background(), "shutdown_signal", "received signal", slog.String("signal", sig.String()))
		cancel()
	}()

	logger.Info(ctx, "consumer_start", "evaluation notifier started",
		slog.String("topic", events.TopicReportEvaluated),
		slog.String("group", cfg.KafkaGroupID),
		slog.Bool("influx", points != nil),
		slog.Bool("notify", sink != nil),
	)
	if err := consumer.Run(ctx, handler.Handle); err != nil {
		logger.Error(context.Background(), "consumer_failed", "consumer failed", logx.Err("INTERNAL_ERROR", err)...)
		os.Exit(1)
	}
	logger.Info(context.Background(), "consumer_stop", "evaluation notifier stopped")
}
