package brokerx

import (
	"context"
	"errors"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/streadway/amqp"
)

var (
	ErrNotConnected = errors.New("broker not connected")
	ErrClosed       = errors.New("broker transport closed")
	ErrNacked       = errors.New("broker rejected publish")
	ErrUnroutable   = errors.New("message unroutable")
)

const RedeliveryHeader = "x-redelivery-count"

type Decision int

const (
	Ack Decision = iota
	NackRequeue
	NackDiscard
)

func (d Decision) String() string {
	switch d {
	case Ack:
		return "ack"
	case NackRequeue:
		return "nack_requeue"
	case NackDiscard:
		return "nack_discard"
	default:
		return "unknown"
	}
}

type Delivery struct {
	Body        []byte
	Exchange    string
	RoutingKey  string
	ContentType string
	MessageID   string
	Timestamp   time.Time
	Redelivered bool
	// Attempt counts transport-level retries, starting at 0.
	Attempt int
	Headers map[string]any
}

type Handler func(ctx context.Context, d Delivery) Decision

type PublishOptions struct {
	MessageID   string
	ContentType string
	Priority    uint8
	Timestamp   time.Time
	Headers     map[string]any
}

// QueueSpec describes a durable queue and its topic bindings.
type QueueSpec struct {
	Name        string
	Exchange    string
	RoutingKeys []string
	DeadLetter  bool
}

func (q QueueSpec) DeadLetterExchange() string { return q.Name + ".dlx" }
func (q QueueSpec) DeadLetterQueue() string    { return q.Name + ".dead" }

type ConsumeOptions struct {
	Prefetch int
	// MaxRedeliveries bounds NackRequeue decisions; 0 leaves requeue to the broker.
	MaxRedeliveries int
	ConsumerTag     string
}

type Transport interface {
	Publish(ctx context.Context, exchange string, routingKey string, body []byte, opts PublishOptions) error
	DeclareDurableQueue(ctx context.Context, spec QueueSpec) error
	Consume(ctx context.Context, queue string, handler Handler, opts ConsumeOptions) error
	Connected() bool
	Close() error
}

type outcome int

const (
	outcomeAck outcome = iota
	outcomeRequeue
	outcomeRetry
	outcomeDeadLetter
)

func (o outcome) String() string {
	switch o {
	case outcomeAck:
		return "ack"
	case outcomeRequeue:
		return "requeue"
	case outcomeRetry:
		return "retry"
	default:
		return "dead_letter"
	}
}

func resolve(d Decision, attempt int, maxRedeliveries int) outcome {
	switch d {
	case Ack:
		return outcomeAck
	case NackDiscard:
		return outcomeDeadLetter
	}
	if maxRedeliveries <= 0 {
		return outcomeRequeue
	}
	if attempt >= maxRedeliveries {
		return outcomeDeadLetter
	}
	return outcomeRetry
}

// IsTransient reports whether a publish error may succeed on retry.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	switch {
	case errors.Is(err, ErrClosed), errors.Is(err, ErrUnroutable):
		return false
	case errors.Is(err, ErrNotConnected), errors.Is(err, ErrNacked), errors.Is(err, amqp.ErrClosed):
		return true
	case errors.Is(err, context.DeadlineExceeded):
		return true
	case errors.Is(err, context.Canceled):
		return false
	}
	var amqpErr *amqp.Error
	if errors.As(err, &amqpErr) {
		return amqpErr.Recover || amqpErr.Code == amqp.ConnectionForced || amqpErr.Code == amqp.ChannelError
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return isConnClosedErr(err)
}

func isConnClosedErr(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, amqp.ErrClosed) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "channel/connection is not open") || strings.Contains(msg, "connection reset")
}

func attemptFromHeaders(headers map[string]any) int {
	if headers == nil {
		return 0
	}
	v, ok := headers[RedeliveryHeader]
	if !ok || v == nil {
		return 0
	}
	maxInt := int(^uint(0) >> 1)
	switch t := v.(type) {
	case int:
		return clampAttempt(int64(t), maxInt)
	case int16:
		return clampAttempt(int64(t), maxInt)
	case int32:
		return clampAttempt(int64(t), maxInt)
	case int64:
		return clampAttempt(t, maxInt)
	case uint32:
		return clampAttempt(int64(t), maxInt)
	case string:
		if n, err := strconv.Atoi(t); err == nil && n >= 0 {
			return n
		}
	}
	return 0
}

func clampAttempt(v int64, maxInt int) int {
	if v < 0 {
		return 0
	}
	if v > int64(maxInt) {
		return maxInt
	}
	return int(v)
}

func withAttempt(headers map[string]any, next int) map[string]any {
	out := make(map[string]any, len(headers)+1)
	for k, v := range headers {
		out[k] = v
	}
	if next < 0 {
		next = 0
	}
	out[RedeliveryHeader] = int32(next)
	return out
}

// topicMatch implements AMQP topic matching for '*' and '#'.
func topicMatch(pattern string, key string) bool {
	return matchWords(strings.Split(pattern, "."), strings.Split(key, "."))
}

func matchWords(pattern []string, key []string) bool {
	if len(pattern) == 0 {
		return len(key) == 0
	}
	switch pattern[0] {
	case "#":
		for i := 0; i <= len(key); i++ {
			if matchWords(pattern[1:], key[i:]) {
				return true
			}
		}
		return false
	case "*":
		return len(key) > 0 && matchWords(pattern[1:], key[1:])
	default:
		return len(key) > 0 && pattern[0] == key[0] && matchWords(pattern[1:], key[1:])
	}
}
