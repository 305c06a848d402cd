package dbx

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"report-evaluation-pipeline/shared/config"
)

var ErrNoPool = errors.New("dbx: pool not initialized")

const txAttempts = 3

// NewPool opens the pool and traces every query as a client span.
func NewPool(ctx context.Context, cfg config.Config) (*pgxpool.Pool, error) {
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		return nil, errors.New("dbx: DATABASE_URL is required")
	}
	pc, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	pc.MaxConns = int32(cfg.DBMaxConns)
	pc.MinConns = int32(cfg.DBMinConns)
	pc.MaxConnIdleTime = time.Duration(cfg.DBConnMaxIdleSec) * time.Second
	pc.MaxConnLifetime = time.Duration(cfg.DBConnMaxLifeSec) * time.Second
	pc.ConnConfig.Tracer = queryTracer{tracer: otel.Tracer("report-evaluation-pipeline/dbx")}
	return pgxpool.NewWithConfig(ctx, pc)
}

func Ping(ctx context.Context, pool *pgxpool.Pool) error {
	if pool == nil {
		return ErrNoPool
	}
	return pool.Ping(ctx)
}

// WithTx runs fn in a transaction, committing when it returns nil. A
// serialization failure or deadlock restarts the whole transaction.
func WithTx(ctx context.Context, pool *pgxpool.Pool, fn func(pgx.Tx) error) error {
	if pool == nil {
		return ErrNoPool
	}
	var err error
	for attempt := 0; attempt < txAttempts; attempt++ {
		if err = pgx.BeginFunc(ctx, pool, fn); !Retryable(err) {
			return err
		}
	}
	return err
}

// Retryable reports SQLSTATE 40001 and 40P01.
func Retryable(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "40001" || pgErr.Code == "40P01"
}

type queryTracer struct {
	tracer trace.Tracer
}

func (t queryTracer) TraceQueryStart(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryStartData) context.Context {
	ctx, _ = t.tracer.Start(ctx, "db.query",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("db.system", "postgresql"),
			attribute.String("db.operation", operation(data.SQL)),
		),
	)
	return ctx
}

func (t queryTracer) TraceQueryEnd(ctx context.Context, _ *pgx.Conn, data pgx.TraceQueryEndData) {
	span := trace.SpanFromContext(ctx)
	if data.Err != nil && !errors.Is(data.Err, pgx.ErrNoRows) {
		span.RecordError(data.Err)
		span.SetStatus(codes.Error, data.Err.Error())
	} else {
		span.SetAttributes(attribute.Int64("db.rows_affected", data.CommandTag.RowsAffected()))
	}
	span.End()
}

// operation is the leading SQL keyword; statement text stays out of spans.
func operation(sql string) string {
	fields := strings.Fields(sql)
	if len(fields) == 0 {
		return ""
	}
	return strings.ToUpper(fields[0])
}
