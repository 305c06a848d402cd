package repos

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"report-evaluation-pipeline/reports/internal/models"
)

// Outbox event lifecycle: pending -> sending -> delivered, with failures
// returning to pending until the attempt budget is spent, then dead.
const (
	OutboxStatusPending   = "pending"
	OutboxStatusSending   = "sending"
	OutboxStatusDelivered = "delivered"
	OutboxStatusDead      = "dead"
)

const outboxColumns = `event_id, aggregate_type, aggregate_id, event_type, topic, payload, status, attempts,
	next_retry_at, locked_at, locked_by, last_error, created_at, updated_at, published_at`

type OutboxRepo struct {
	pool *pgxpool.Pool
}

func NewOutboxRepo(pool *pgxpool.Pool) *OutboxRepo {
	return &OutboxRepo{pool: pool}
}

// Insert runs on db so the caller can enlist it in its own transaction.
func (r *OutboxRepo) Insert(ctx context.Context, db DBTX, event models.OutboxEvent) (models.OutboxEvent, error) {
	if event.EventID == uuid.Nil {
		event.EventID = uuid.New()
	}
	if event.Status == "" {
		event.Status = OutboxStatusPending
	}
	rows, err := db.Query(ctx, `
		INSERT INTO outbox_events (event_id, aggregate_type, aggregate_id, event_type, topic, payload, status, next_retry_at)
		VALUES (@event_id, @aggregate_type, @aggregate_id, @event_type, @topic, @payload, @status, @next_retry_at)
		RETURNING `+outboxColumns,
		pgx.NamedArgs{
			"event_id":       event.EventID,
			"aggregate_type": event.AggregateType,
			"aggregate_id":   event.AggregateID,
			"event_type":     event.EventType,
			"topic":          event.Topic,
			"payload":        event.Payload,
			"status":         event.Status,
			"next_retry_at":  event.NextRetryAt,
		},
	)
	if err != nil {
		return models.OutboxEvent{}, err
	}
	return pgx.CollectExactlyOneRow(rows, pgx.RowToStructByName[models.OutboxEvent])
}

// ClaimPending moves up to limit due events to sending, oldest first. SKIP
// LOCKED keeps concurrent relays off each other's rows.
func (r *OutboxRepo) ClaimPending(ctx context.Context, owner string, limit int) ([]models.OutboxEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.pool.Query(ctx, `
		UPDATE outbox_events
		SET status = @sending, locked_at = now(), locked_by = @owner, updated_at = now()
		WHERE event_id IN (
			SELECT event_id FROM outbox_events
			WHERE status = @pending AND coalesce(next_retry_at, '-infinity') <= now()
			ORDER BY created_at
			LIMIT @limit
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+outboxColumns,
		pgx.NamedArgs{"sending": OutboxStatusSending, "pending": OutboxStatusPending, "owner": owner, "limit": limit},
	)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowToStructByName[models.OutboxEvent])
}

// ReleaseStale hands claims older than olderThan back to pending; their relay
// presumably died between claim and delivery.
func (r *OutboxRepo) ReleaseStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE outbox_events
		SET status = @pending, locked_at = NULL, locked_by = NULL, updated_at = now()
		WHERE status = @sending AND locked_at < @cutoff`,
		pgx.NamedArgs{
			"pending": OutboxStatusPending,
			"sending": OutboxStatusSending,
			"cutoff":  time.Now().UTC().Add(-olderThan),
		},
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func (r *OutboxRepo) GetByID(ctx context.Context, eventID uuid.UUID) (models.OutboxEvent, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+outboxColumns+` FROM outbox_events WHERE event_id = $1`, eventID)
	if err != nil {
		return models.OutboxEvent{}, err
	}
	return pgx.CollectExactlyOneRow(rows, pgx.RowToStructByName[models.OutboxEvent])
}

func (r *OutboxRepo) MarkDelivered(ctx context.Context, eventID uuid.UUID) error {
	return r.settle(ctx, eventID, pgx.NamedArgs{"status": OutboxStatusDelivered, "published": true})
}

// MarkFailed records a failed attempt. A dead event keeps its last error and
// is never claimed again.
func (r *OutboxRepo) MarkFailed(ctx context.Context, eventID uuid.UUID, attempts int, nextRetryAt *time.Time, lastErr string, dead bool) error {
	args := pgx.NamedArgs{"status": OutboxStatusPending, "attempts": attempts, "next_retry_at": nextRetryAt, "last_error": lastErr}
	if dead {
		args["status"] = OutboxStatusDead
		args["next_retry_at"] = nil
	}
	return r.settle(ctx, eventID, args)
}

// settle releases the claim and applies whichever of status, attempts,
// next_retry_at, last_error and published are present in args.
func (r *OutboxRepo) settle(ctx context.Context, eventID uuid.UUID, args pgx.NamedArgs) error {
	for _, k := range []string{"attempts", "next_retry_at", "last_error", "published"} {
		if _, ok := args[k]; !ok {
			args[k] = nil
		}
	}
	args["event_id"] = eventID
	_, err := r.pool.Exec(ctx, `
		UPDATE outbox_events
		SET status = @status,
			attempts = coalesce(@attempts::int, attempts),
			next_retry_at = CASE WHEN @status::text = 'pending' THEN @next_retry_at::timestamptz ELSE NULL END,
			last_error = coalesce(@last_error::text, last_error),
			published_at = CASE WHEN @published::bool THEN now() ELSE published_at END,
			locked_at = NULL, locked_by = NULL, updated_at = now()
		WHERE event_id = @event_id`, args)
	return err
}
