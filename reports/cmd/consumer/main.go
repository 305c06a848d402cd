package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"report-evaluation-pipeline/reports/internal/repos"
	"report-evaluation-pipeline/reports/internal/results"
	"report-evaluation-pipeline/shared/brokerx"
	"report-evaluation-pipeline/shared/cachex"
	"report-evaluation-pipeline/shared/config"
	"report-evaluation-pipeline/shared/dbx"
	"report-evaluation-pipeline/shared/httpx"
	"report-evaluation-pipeline/shared/logx"
	"report-evaluation-pipeline/shared/metricsx"
	"report-evaluation-pipeline/shared/observability"
)

func main() {
	cfg, problems := config.Load("results-consumer", 8082)
	version := strings.TrimSpace(os.Getenv("VERSION"))
	logger := logx.New(cfg.ServiceName, cfg.Env, version, cfg.LogLevel)
	metricsx.Register()

	if cfg.DatabaseURL == "" {
		problems = append(problems, config.Problem{Field: "DATABASE_URL", Message: "DATABASE_URL is required"})
	}
	if !cfg.RMQEnabled || cfg.RMQURL == "" {
		problems = append(problems, config.Problem{Field: "RMQ_URL", Message: "RMQ_ENABLED and RMQ_URL are required"})
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

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dbPool, err := dbx.NewPool(ctx, cfg)
	if err != nil {
		logger.Error(ctx, "db_init_failed", "db init failed", logx.Err("FAILED_PRECONDITION", err)...)
		os.Exit(1)
	}
	defer dbPool.Close()

	transport := brokerx.OpenAMQP(brokerx.AMQPConfigFrom(cfg), logger)
	defer transport.Close()

	queue := results.ResultsQueue(cfg)
	// Declared topology is replayed on every reconnect, so a broker that is
	// still down at startup is not fatal.
	if err := transport.DeclareDurableQueue(ctx, queue); errors.Is(err, brokerx.ErrNotConnected) {
		logger.Warn(ctx, "queue_declare_deferred", "broker not connected yet; queue will be declared on connect",
			slog.String("queue", queue.Name))
	} else if err != nil {
		logger.Error(ctx, "queue_declare_failed", "results queue declare failed",
			append(logx.Err("FAILED_PRECONDITION", err), slog.String("queue", queue.Name))...)
		os.Exit(1)
	}

	var evalCache results.Cache
	if cache, err := cachex.New(cfg); err != nil {
		logger.Warn(ctx, "cache_disabled", "redis not configured; cached evaluation views expire by TTL only",
			logx.Err("FAILED_PRECONDITION", err)...)
	} else {
		defer cache.Close()
		evalCache = cache
	}

	consumer := results.NewConsumer(repos.NewReportsRepo(dbPool), evalCache, logger, results.ConfigFrom(cfg))

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": cfg.ServiceName})
	})
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if !transport.Connected() {
			httpx.WriteError(w, r, http.StatusServiceUnavailable, "UNAVAILABLE", "message broker unavailable", nil)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, map[string]string{"status": "ready", "service": cfg.ServiceName})
	})
	mux.Handle("GET /metrics", metricsx.Handler())
	probes := &http.Server{
		Addr:              net.JoinHostPort("", strconv.Itoa(cfg.HTTPPort)),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := probes.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(ctx, "probe_server_failed", "probe server failed", logx.Err("INTERNAL_ERROR", err)...)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info(context.Background(), "shutdown_signal", "received signal", slog.String("signal", sig.String()))
		cancel()
	}()

	logger.Info(ctx, "consumer_start", "results consumer started",
		slog.String("queue", queue.Name),
		slog.String("routing_key", cfg.RMQResultsKey),
		slog.Int("prefetch", cfg.RMQPrefetch),
		slog.Int("max_redeliveries", cfg.RMQMaxRedeliveries),
	)

	err = transport.Consume(ctx, queue.Name, consumer.Handle, brokerx.ConsumeOptions{
		Prefetch:        cfg.RMQPrefetch,
		MaxRedeliveries: cfg.RMQMaxRedeliveries,
		ConsumerTag:     cfg.ServiceName,
	})

	shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	_ = probes.Shutdown(shutdownCtx)

	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error(context.Background(), "consumer_failed", "consumer failed", logx.Err("INTERNAL_ERROR", err)...)
		os.Exit(1)
	}
	logger.Info(context.Background(), "consumer_stop", "results consumer stopped")
}
