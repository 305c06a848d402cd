package repos

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"report-evaluation-pipeline/reports/internal/models"
)

var auditColumns = []string{
	"occurred_at", "subject", "action", "resource_type", "resource_id",
	"request_id", "method", "path", "status_code", "duration_ms",
	"client_ip", "user_agent", "details",
}

type AuditRepo struct {
	pool *pgxpool.Pool
}

func NewAuditRepo(pool *pgxpool.Pool) *AuditRepo {
	return &AuditRepo{pool: pool}
}

// WriteAuditLog stores a batch of entries with one COPY.
func (r *AuditRepo) WriteAuditLog(ctx context.Context, entries []models.AuditLog) error {
	if len(entries) == 0 {
		return nil
	}
	now := time.Now().UTC()
	n, err := r.pool.CopyFrom(ctx, pgx.Identifier{"audit_logs"}, auditColumns,
		pgx.CopyFromSlice(len(entries), func(i int) ([]any, error) {
			e := entries[i]
			at := e.OccurredAt
			if at.IsZero() {
				at = now
			}
			var details any
			if len(e.Details) > 0 {
				details = e.Details
			}
			return []any{
				at, nullIfEmpty(e.Subject), e.Action, e.ResourceType, e.ResourceID,
				nullIfEmpty(e.RequestID), nullIfEmpty(e.Method), nullIfEmpty(e.Path), e.StatusCode, e.DurationMS,
				nullIfEmpty(e.ClientIP), nullIfEmpty(e.UserAgent), details,
			}, nil
		}),
	)
	if err != nil {
		return fmt.Errorf("copy audit_logs: %w", err)
	}
	if int(n) != len(entries) {
		return fmt.Errorf("copy audit_logs: wrote %d of %d rows", n, len(entries))
	}
	return nil
}
