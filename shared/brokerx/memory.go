package brokerx

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Published is one message accepted by a MemoryTransport.
type Published struct {
	Exchange   string
	RoutingKey string
	Body       []byte
	Options    PublishOptions
}

// Settlement records how a consumed message left its queue.
type Settlement struct {
	Queue     string
	MessageID string
	Decision  Decision
	Outcome   string
	Attempt   int
}

// MemoryTransport is an in-process Transport with broker-like routing,
// used by tests and by local runs with the broker disabled.
type MemoryTransport struct {
	mu          sync.Mutex
	connected   bool
	closed      bool
	queues      map[string]*memQueue
	published   []Published
	settled     []Settlement
	publishErrs []error
	done        chan struct{}
}

type memQueue struct {
	spec     QueueSpec
	messages chan Delivery
}

func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{
		connected: true,
		queues:    make(map[string]*memQueue),
		done:      make(chan struct{}),
	}
}

// FailNextPublishes makes the following publishes return errs in order.
func (m *MemoryTransport) FailNextPublishes(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publishErrs = append(m.publishErrs, errs...)
}

func (m *MemoryTransport) SetConnected(connected bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = connected
}

func (m *MemoryTransport) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected && !m.closed
}

func (m *MemoryTransport) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.done)
	}
	return nil
}

func (m *MemoryTransport) DeclareDurableQueue(_ context.Context, spec QueueSpec) error {
	if spec.Name == "" {
		return errors.New("queue name is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.declareLocked(spec)
	if spec.DeadLetter {
		m.declareLocked(QueueSpec{Name: spec.DeadLetterQueue()})
	}
	return nil
}

func (m *MemoryTransport) declareLocked(spec QueueSpec) {
	if q, ok := m.queues[spec.Name]; ok {
		q.spec = spec
		return
	}
	m.queues[spec.Name] = &memQueue{spec: spec, messages: make(chan Delivery, 256)}
}

func (m *MemoryTransport) Publish(ctx context.Context, exchange string, routingKey string, body []byte, opts PublishOptions) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if len(m.publishErrs) > 0 {
		err := m.publishErrs[0]
		m.publishErrs = m.publishErrs[1:]
		if err != nil {
			return err
		}
	}
	if !m.connected {
		return ErrNotConnected
	}

	targets := m.routeLocked(exchange, routingKey)
	if len(targets) == 0 {
		return ErrUnroutable
	}
	if opts.MessageID == "" {
		opts.MessageID = uuid.NewString()
	}
	if opts.Timestamp.IsZero() {
		opts.Timestamp = time.Now().UTC()
	}
	payload := append([]byte(nil), body...)
	m.published = append(m.published, Published{Exchange: exchange, RoutingKey: routingKey, Body: payload, Options: opts})
	for _, q := range targets {
		d := Delivery{
			Body:        payload,
			Exchange:    exchange,
			RoutingKey:  routingKey,
			ContentType: opts.ContentType,
			MessageID:   opts.MessageID,
			Timestamp:   opts.Timestamp,
			Attempt:     attemptFromHeaders(opts.Headers),
			Headers:     opts.Headers,
		}
		if !offer(q, d) {
			return errors.New("memory queue full: " + q.spec.Name)
		}
	}
	return nil
}

func (m *MemoryTransport) routeLocked(exchange string, routingKey string) []*memQueue {
	if exchange == "" {
		if q, ok := m.queues[routingKey]; ok {
			return []*memQueue{q}
		}
		return nil
	}
	var out []*memQueue
	for _, q := range m.queues {
		if q.spec.Exchange != exchange {
			continue
		}
		for _, pattern := range q.spec.RoutingKeys {
			if topicMatch(pattern, routingKey) {
				out = append(out, q)
				break
			}
		}
	}
	return out
}

// Consume delivers messages one at a time until ctx is done or the transport closes.
func (m *MemoryTransport) Consume(ctx context.Context, queue string, handler Handler, opts ConsumeOptions) error {
	m.mu.Lock()
	q, ok := m.queues[queue]
	m.mu.Unlock()
	if !ok {
		return errors.New("queue not declared: " + queue)
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-m.done:
			return ErrClosed
		case d := <-q.messages:
			m.settle(ctx, q, d, handler, opts)
		}
	}
}

func (m *MemoryTransport) settle(ctx context.Context, q *memQueue, d Delivery, handler Handler, opts ConsumeOptions) {
	decision := invokeSafely(ctx, handler, d)
	out := resolve(decision, d.Attempt, opts.MaxRedeliveries)

	m.mu.Lock()
	defer m.mu.Unlock()
	outcome := out.String()
	switch out {
	case outcomeRequeue:
		d.Redelivered = true
		if !offer(q, d) {
			outcome = "overflow"
		}
	case outcomeRetry:
		d.Redelivered = true
		d.Headers = withAttempt(d.Headers, d.Attempt+1)
		d.Attempt++
		if !offer(q, d) {
			outcome = "overflow"
		}
	case outcomeDeadLetter:
		if q.spec.DeadLetter {
			if dead, ok := m.queues[q.spec.DeadLetterQueue()]; ok && !offer(dead, d) {
				outcome = "overflow"
			}
		}
	}
	m.settled = append(m.settled, Settlement{
		Queue:     q.spec.Name,
		MessageID: d.MessageID,
		Decision:  decision,
		Outcome:   outcome,
		Attempt:   d.Attempt,
	})
}

// offer never blocks; a full queue drops d.
func offer(q *memQueue, d Delivery) bool {
	select {
	case q.messages <- d:
		return true
	default:
		return false
	}
}

func invokeSafely(ctx context.Context, handler Handler, d Delivery) (decision Decision) {
	defer func() {
		if rec := recover(); rec != nil {
			decision = NackDiscard
		}
	}()
	return handler(ctx, d)
}

func (m *MemoryTransport) Published() []Published {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Published, len(m.published))
	copy(out, m.published)
	return out
}

func (m *MemoryTransport) Settlements() []Settlement {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Settlement, len(m.settled))
	copy(out, m.settled)
	return out
}

// Pending returns the number of messages waiting in a queue.
func (m *MemoryTransport) Pending(queue string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	q, ok := m.queues[queue]
	if !ok {
		return 0
	}
	return len(q.messages)
}

var _ Transport = (*MemoryTransport)(nil)
