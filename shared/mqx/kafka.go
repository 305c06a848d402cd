package mqx

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"report-evaluation-pipeline/shared/config"
	"report-evaluation-pipeline/shared/events"
	"report-evaluation-pipeline/shared/logx"
	"report-evaluation-pipeline/shared/metricsx"
)

// ErrPermanent marks handler errors that retrying cannot fix; the event is
// logged and committed without further attempts.
var ErrPermanent = errors.New("permanent failure")

type Producer struct {
	writer *kafka.Writer
}

func NewProducer(cfg config.Config) (*Producer, error) {
	if len(cfg.KafkaBrokers) == 0 {
		return nil, errors.New("KAFKA_BROKERS is required")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.KafkaBrokers...),
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Async:        false,
		MaxAttempts:  max(cfg.KafkaRetryMax, 1),
		BatchTimeout: time.Duration(cfg.KafkaWriteMS) * time.Millisecond,
		Transport: &kafka.Transport{
			ClientID: cfg.KafkaClientID,
		},
	}
	return &Producer{writer: w}, nil
}

// Publish writes one message; the key pins all events of a report to one partition.
func (p *Producer) Publish(ctx context.Context, topic string, key []byte, value []byte, headers map[string]string) error {
	if p == nil || p.writer == nil {
		return errors.New("producer not initialized")
	}
	ctx, span := otel.Tracer("mqx").Start(ctx, "kafka.produce")
	span.SetAttributes(
		attribute.String("messaging.system", "kafka"),
		attribute.String("messaging.destination", topic),
	)
	defer span.End()
	msg := kafka.Message{
		Topic: topic,
		Key:   key,
		Value: value,
	}
	if len(headers) > 0 {
		msg.Headers = make([]kafka.Header, 0, len(headers))
		for k, v := range headers {
			msg.Headers = append(msg.Headers, kafka.Header{Key: k, Value: []byte(v)})
		}
	}
	return p.writer.WriteMessages(ctx, msg)
}

func (p *Producer) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}

func NewReader(cfg config.Config, topic string, groupID string) (*kafka.Reader, error) {
	if len(cfg.KafkaBrokers) == 0 {
		return nil, errors.New("KAFKA_BROKERS is required")
	}
	if groupID == "" {
		groupID = cfg.KafkaGroupID
	}
	if groupID == "" {
		return nil, errors.New("KAFKA_CONSUMER_GROUP is required")
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.KafkaBrokers,
		GroupID:  groupID,
		Topic:    topic,
		MinBytes: 1e3,
		MaxBytes: 10e6,
	})
	return reader, nil
}

// EnvelopeHandler processes one decoded event. Handlers must be idempotent:
// an offset is committed only after the handler returns.
type EnvelopeHandler func(ctx context.Context, env events.Envelope) error

type Consumer struct {
	reader *kafka.Reader
	group  string
	logger logx.Logger
}

func NewConsumer(cfg config.Config, topic string, groupID string, logger logx.Logger) (*Consumer, error) {
	reader, err := NewReader(cfg, topic, groupID)
	if err != nil {
		return nil, err
	}
	if groupID == "" {
		groupID = cfg.KafkaGroupID
	}
	return &Consumer{reader: reader, group: groupID, logger: logger}, nil
}

// Run fetches until ctx is cancelled. Undecodable messages are committed and
// skipped; a failing handler is retried on the same message up to handlerAttempts times.
func (c *Consumer) Run(ctx context.Context, handle EnvelopeHandler) error {
	topic := c.reader.Config().Topic
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return nil
			}
			c.logger.Error(ctx, "kafka_fetch_failed", "failed to fetch message",
				logx.Err("INTERNAL_ERROR", err)...,
			)
			if !sleepCtx(ctx, 500*time.Millisecond) {
				return nil
			}
			continue
		}

		var env events.Envelope
		if err := json.Unmarshal(msg.Value, &env); err != nil {
			c.logger.Warn(ctx, "event_malformed", "skipping undecodable event",
				append(logx.Err("INVALID_ARGUMENT", err), slog.Int64("offset", msg.Offset))...,
			)
		} else if !c.handleWithRetry(ctx, topic, env, handle) {
			return nil
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			c.logger.Error(ctx, "kafka_commit_failed", "failed to commit message",
				logx.Err("INTERNAL_ERROR", err)...,
			)
		}
		stats := c.reader.Stats()
		metricsx.SetKafkaLag(topic, c.group, stats.Lag)
	}
}

const handlerAttempts = 5

// handleWithRetry returns false only when ctx ended before the message was settled.
func (c *Consumer) handleWithRetry(ctx context.Context, topic string, env events.Envelope, handle EnvelopeHandler) bool {
	delay := 500 * time.Millisecond
	for attempt := 1; ; attempt++ {
		err := c.handle(ctx, topic, env, handle)
		if err == nil {
			return true
		}
		attrs := append(logx.Err("INTERNAL_ERROR", err),
			slog.String("event_id", env.EventID.String()),
			slog.Int("attempt", attempt),
		)
		if errors.Is(err, ErrPermanent) || attempt >= handlerAttempts {
			c.logger.Error(ctx, "event_dropped", "giving up on event after repeated failures", attrs...)
			return true
		}
		c.logger.Warn(ctx, "event_handle_failed", "failed to handle event, retrying", attrs...)
		if !sleepCtx(ctx, delay) {
			return false
		}
		delay *= 2
	}
}

func (c *Consumer) handle(ctx context.Context, topic string, env events.Envelope, handle EnvelopeHandler) error {
	spanCtx, span := otel.Tracer("mqx").Start(ctx, "kafka.consume")
	span.SetAttributes(
		attribute.String("messaging.system", "kafka"),
		attribute.String("messaging.destination", topic),
		attribute.String("event.type", env.EventType),
	)
	defer span.End()
	return handle(spanCtx, env)
}

func (c *Consumer) Close() error {
	if c == nil || c.reader == nil {
		return nil
	}
	return c.reader.Close()
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
