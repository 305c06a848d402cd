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

	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"report-evaluation-pipeline/reports/internal/dispatch"
	"report-evaluation-pipeline/reports/internal/handlers"
	"report-evaluation-pipeline/reports/internal/middleware"
	"report-evaluation-pipeline/reports/internal/repos"
	"report-evaluation-pipeline/shared/authx"
	"report-evaluation-pipeline/shared/brokerx"
	"report-evaluation-pipeline/shared/cachex"
	"report-evaluation-pipeline/shared/clients/indicators"
	"report-evaluation-pipeline/shared/config"
	"report-evaluation-pipeline/shared/dbx"
	"report-evaluation-pipeline/shared/httpx"
	"report-evaluation-pipeline/shared/lockx"
	"report-evaluation-pipeline/shared/logx"
	"report-evaluation-pipeline/shared/metricsx"
	"report-evaluation-pipeline/shared/observability"
)

type statusResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
	Env     string `json:"env,omitempty"`
	Version string `json:"version,omitempty"`
}

func main() {
	cfg, readyProblems := config.Load("reports-api", 8080)
	version := strings.TrimSpace(os.Getenv("VERSION"))
	logger := logx.New(cfg.ServiceName, cfg.Env, version, cfg.LogLevel)
	metricsx.Register()

	if cfg.OtelEnabled {
		shutdown, err := observability.InitTracer(context.Background(), observability.TracerConfigFrom(cfg, version, logger))
		if err != nil {
			logger.Warn(context.Background(), "otel_init_failed", "tracing disabled", logx.Err("FAILED_PRECONDITION", err)...)
		} else {
			defer func() { _ = shutdown(context.Background()) }()
		}
	}

	if cfg.DatabaseURL == "" {
		readyProblems = append(readyProblems, config.Problem{Field: "DATABASE_URL", Message: "DATABASE_URL is required"})
	}
	var dbPool *pgxpool.Pool
	if cfg.DatabaseURL != "" {
		var err error
		dbPool, err = dbx.NewPool(context.Background(), cfg)
		if err != nil {
			readyProblems = append(readyProblems, config.Problem{Field: "DATABASE_URL", Message: "failed to connect to database"})
			logger.Error(context.Background(), "db_init_failed", "database init failed", logx.Err("FAILED_PRECONDITION", err)...)
		}
	}

	// broker stays a nil interface when disabled; the dependencies middleware
	// then refuses writes instead of handlers touching a nil transport.
	var broker brokerx.Transport
	if cfg.RMQEnabled {
		amqpTransport := brokerx.OpenAMQP(brokerx.AMQPConfigFrom(cfg), logger)
		declareCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := amqpTransport.DeclareDurableQueue(declareCtx, dispatch.RequestQueue(cfg)); err != nil {
			logger.Warn(context.Background(), "queue_declare_failed", "request queue not declared yet",
				append(logx.Err("UNAVAILABLE", err), slog.String("queue", cfg.RMQRequestQueue))...)
		}
		cancel()
		broker = amqpTransport
	} else {
		readyProblems = append(readyProblems, config.Problem{Field: "RMQ_ENABLED", Message: "message broker disabled; dispatch unavailable"})
	}

	reportsRepo := repos.NewReportsRepo(dbPool)
	auditRepo := repos.NewAuditRepo(dbPool)

	var evalCache handlers.EvaluationCache
	var locker dispatch.Locker
	cache, err := cachex.New(cfg)
	if err != nil {
		logger.Warn(context.Background(), "cache_disabled", "redis not configured; evaluation cache and dispatch lock disabled",
			logx.Err("FAILED_PRECONDITION", err)...)
	} else {
		defer cache.Close()
		evalCache = cache
		locker = lockx.New(cache.Redis())
	}

	var indicatorSource dispatch.IndicatorProvider = repos.NewIndicatorsRepo(dbPool)
	if cfg.IndicatorsURL != "" {
		client, err := indicators.New(cfg)
		if err != nil {
			readyProblems = append(readyProblems, config.Problem{Field: "INDICATORS_SERVICE_URL", Message: "failed to initialize indicators client"})
		} else {
			indicatorSource = dispatch.NewRemoteIndicators(client)
		}
	}

	dispatcher := dispatch.New(dispatch.Deps{
		Publisher:  broker,
		Reports:    reportsRepo,
		Indicators: indicatorSource,
		Locker:     locker,
		Logger:     logger,
	}, dispatch.ConfigFrom(cfg))

	var verifier middleware.TokenVerifier
	if cfg.OIDCIssuer != "" && cfg.OIDCAudience != "" {
		jwtVerifier, err := authx.NewJWTVerifier(context.Background(), authx.VerifierConfigFrom(cfg))
		if err != nil {
			readyProblems = append(readyProblems, config.Problem{Field: "OIDC_ISSUER", Message: "failed to initialize JWT verifier"})
		} else {
			verifier = jwtVerifier
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteJSON(w, http.StatusOK, statusResponse{
			Status:  "ok",
			Service: cfg.ServiceName,
			Env:     cfg.Env,
			Version: version,
		})
	})
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if len(readyProblems) > 0 {
			httpx.WriteError(w, r, http.StatusServiceUnavailable, "FAILED_PRECONDITION",
				"service not ready: invalid configuration",
				map[string]any{"problems": readyProblems},
			)
			return
		}
		if err := dbx.Ping(r.Context(), dbPool); err != nil {
			httpx.WriteError(w, r, http.StatusServiceUnavailable, "FAILED_PRECONDITION",
				"service not ready: database unavailable",
				map[string]any{"problem": "db_ping_failed"},
			)
			return
		}
		if broker == nil || !broker.Connected() {
			httpx.WriteError(w, r, http.StatusServiceUnavailable, "UNAVAILABLE",
				"service not ready: message broker unavailable",
				map[string]any{"problem": "broker_disconnected"},
			)
			return
		}
		httpx.WriteJSON(w, http.StatusOK, statusResponse{
			Status:  "ready",
			Service: cfg.ServiceName,
			Env:     cfg.Env,
			Version: version,
		})
	})
	mux.Handle("GET /metrics", metricsx.Handler())

	handlers.Reports{
		Dispatcher: dispatcher,
		Reports:    reportsRepo,
		Cache:      evalCache,
		CacheTTL:   time.Duration(cfg.ReportCacheTTLSec) * time.Second,
		Logger:     logger,
	}.Register(mux, func(next http.Handler) http.Handler {
		return middleware.RequireRole(cfg.OperatorRole, next)
	})

	notFound := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpx.WriteError(w, r, http.StatusNotFound, "NOT_FOUND", "route not found", nil)
	})
	skipProbes := func(r *http.Request) bool {
		return r.URL.Path == "/healthz" || r.URL.Path == "/readyz" || r.URL.Path == "/metrics"
	}

	var limiter *middleware.ClientRateLimiter
	if cfg.RateLimitRPS > 0 {
		limiter = middleware.NewClientRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst, 10*time.Minute)
	}

	var auditQueue *middleware.AuditQueue
	auditDone := make(chan struct{})
	if cfg.AuditEnabled && dbPool != nil {
		auditQueue = middleware.NewAuditQueue(auditRepo, logger, 512)
		go func() {
			defer close(auditDone)
			auditQueue.Run()
		}()
	} else {
		close(auditDone)
	}

	handler := httpx.WrapServeMux(mux, notFound)
	handler = middleware.DependenciesMiddleware{Pool: dbPool, Broker: broker, Skip: skipProbes}.Wrap(handler)
	handler = middleware.AuditMiddleware{Queue: auditQueue, Skip: skipProbes}.Wrap(handler)
	handler = middleware.AuthMiddleware{Verifier: verifier, Skip: skipProbes}.Wrap(handler)
	handler = middleware.RateLimitMiddleware{Limiter: limiter, Skip: skipProbes}.Wrap(handler)
	handler = httpx.WithTimeout(cfg.RequestTimeout, handler)
	handler = httpx.WithRequestID(handler)
	handler = httpx.WithRecover(logger, handler)
	handler = httpx.WithRequestLog(logger, httpx.RequestLogOptions{SkipPaths: map[string]bool{"/healthz": true, "/metrics": true}}, handler)
	handler = metricsx.Instrument(handler)
	handler = otelhttp.NewHandler(handler, "reports-api")

	server := &http.Server{
		Addr:              net.JoinHostPort("", strconv.Itoa(cfg.HTTPPort)),
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      cfg.RequestTimeout + 10*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(context.Background(), "service_start", "starting service",
			slog.String("addr", server.Addr),
			slog.Int("http_port", cfg.HTTPPort),
			slog.String("log_level", cfg.LogLevel),
			slog.Duration("request_timeout", cfg.RequestTimeout),
			slog.Bool("broker_enabled", cfg.RMQEnabled),
		)
		errCh <- server.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info(context.Background(), "shutdown_signal", "received signal", slog.String("signal", sig.String()))
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			logger.Error(context.Background(), "server_failed", "server failed", logx.Err("INTERNAL_ERROR", err)...)
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error(context.Background(), "shutdown_failed", "shutdown failed", logx.Err("INTERNAL_ERROR", err)...)
	}
	if auditQueue != nil {
		auditQueue.Close()
	}
	<-auditDone
	if broker != nil {
		_ = broker.Close()
	}
	if dbPool != nil {
		dbPool.Close()
	}
	logger.Info(context.Background(), "service_stop", "service stopped")
}
