package outbox

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"report-evaluation-pipeline/reports/internal/models"
	"report-evaluation-pipeline/reports/internal/repos"
	"report-evaluation-pipeline/shared/logx"
	"report-evaluation-pipeline/shared/metricsx"
)

const (
	TaskScan    = "outbox.scan"
	TaskDeliver = "outbox.dispatch"
)

// claims older than this are assumed lost with their worker
const staleClaim = 5 * time.Minute

type deliverPayload struct {
	EventID string `json:"event_id"`
}

func NewDeliverTask(eventID uuid.UUID, queue string) *asynq.Task {
	payload, _ := json.Marshal(deliverPayload{EventID: eventID.String()})
	return asynq.NewTask(TaskDeliver, payload, asynq.Queue(queue))
}

func ParseDeliverTask(t *asynq.Task) (uuid.UUID, error) {
	var payload deliverPayload
	if err := json.Unmarshal(t.Payload(), &payload); err != nil {
		return uuid.Nil, err
	}
	return uuid.Parse(strings.TrimSpace(payload.EventID))
}

type Store interface {
	ClaimPending(ctx context.Context, owner string, limit int) ([]models.OutboxEvent, error)
	ReleaseStale(ctx context.Context, olderThan time.Duration) (int64, error)
	GetByID(ctx context.Context, eventID uuid.UUID) (models.OutboxEvent, error)
	MarkDelivered(ctx context.Context, eventID uuid.UUID) error
	MarkFailed(ctx context.Context, eventID uuid.UUID, attempts int, nextRetryAt *time.Time, lastErr string, dead bool) error
}

type Producer interface {
	Publish(ctx context.Context, topic string, key []byte, value []byte, headers map[string]string) error
}

type Config struct {
	Owner       string
	BatchSize   int
	MaxAttempts int
}

type Relay struct {
	store    Store
	producer Producer
	logger   logx.Logger
	cfg      Config
	now      func() time.Time
}

func NewRelay(store Store, producer Producer, logger logx.Logger, cfg Config) *Relay {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 20
	}
	return &Relay{store: store, producer: producer, logger: logger, cfg: cfg, now: time.Now}
}

// Scan claims due events and hands each to enqueue. An event that cannot be
// enqueued is put back with a retry delay.
func (r *Relay) Scan(ctx context.Context, enqueue func(ctx context.Context, eventID uuid.UUID) error) (int, error) {
	if released, err := r.store.ReleaseStale(ctx, staleClaim); err != nil {
		r.logger.Warn(ctx, "outbox_release_failed", "failed to release stale claims", logx.Err("INTERNAL_ERROR", err)...)
	} else if released > 0 {
		r.logger.Warn(ctx, "outbox_released", "released stale outbox claims", slog.Int64("count", released))
	}

	events, err := r.store.ClaimPending(ctx, r.cfg.Owner, r.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	for _, event := range events {
		if err := enqueue(ctx, event.EventID); err != nil {
			r.logger.Error(ctx, "enqueue_failed", "failed to enqueue outbox delivery",
				append(logx.Err("INTERNAL_ERROR", err), slog.String("event_id", event.EventID.String()))...)
			r.fail(ctx, event, err)
		}
	}
	return len(events), nil
}

// Deliver publishes one event to Kafka keyed by its aggregate so a report's
// events stay ordered within a partition. A nil return means the task is done,
// including when the event was given up on.
func (r *Relay) Deliver(ctx context.Context, eventID uuid.UUID) error {
	ctx, span := otel.Tracer("outbox").Start(ctx, "outbox.deliver")
	span.SetAttributes(attribute.String("event_id", eventID.String()))
	defer span.End()

	event, err := r.store.GetByID(ctx, eventID)
	if err != nil {
		return err
	}
	// Only a claimed event is delivered; a failed one went back to pending and
	// is picked up again by the next scan.
	if event.Status != repos.OutboxStatusSending {
		return nil
	}
	headers := map[string]string{
		"event_id":       event.EventID.String(),
		"event_type":     event.EventType,
		"aggregate_type": event.AggregateType,
		"aggregate_id":   event.AggregateID,
		"published_at":   r.now().UTC().Format(time.RFC3339Nano),
	}
	if err := r.producer.Publish(ctx, event.Topic, []byte(event.AggregateID), event.Payload, headers); err != nil {
		if dead := r.fail(ctx, event, err); dead {
			return nil
		}
		metricsx.IncOutboxRelay("retry")
		return err
	}
	if err := r.store.MarkDelivered(ctx, event.EventID); err != nil {
		return err
	}
	metricsx.IncOutboxRelay("delivered")
	return nil
}

func (r *Relay) fail(ctx context.Context, event models.OutboxEvent, cause error) bool {
	attempts := event.Attempts + 1
	nextRetry := r.now().UTC().Add(RetryDelay(attempts))
	dead := attempts >= r.cfg.MaxAttempts
	if err := r.store.MarkFailed(ctx, event.EventID, attempts, &nextRetry, cause.Error(), dead); err != nil {
		r.logger.Error(ctx, "outbox_mark_failed", "failed to record outbox failure",
			append(logx.Err("INTERNAL_ERROR", err), slog.String("event_id", event.EventID.String()))...)
	}
	if dead {
		metricsx.IncOutboxRelay("dead")
		r.logger.Warn(ctx, "outbox_dead", "outbox event moved to dead-letter",
			slog.String("event_id", event.EventID.String()),
			slog.Int("attempts", attempts),
		)
	}
	return dead
}

// RetryDelay grows quadratically from 5s and caps at five minutes.
func RetryDelay(attempt int) time.Duration {
	if attempt <= 0 {
		return 5 * time.Second
	}
	delay := time.Duration(attempt*attempt) * 5 * time.Second
	if delay > 5*time.Minute {
		return 5 * time.Minute
	}
	return delay
}
