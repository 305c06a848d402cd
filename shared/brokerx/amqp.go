package brokerx

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/streadway/amqp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"report-evaluation-pipeline/shared/config"
	"report-evaluation-pipeline/shared/logx"
	"report-evaluation-pipeline/shared/metricsx"
)

type AMQPConfig struct {
	URL            string
	ReconnectDelay time.Duration
	PublishTimeout time.Duration
}

func AMQPConfigFrom(cfg config.Config) AMQPConfig {
	return AMQPConfig{
		URL:            cfg.RMQURL,
		ReconnectDelay: cfg.RMQReconnectDelay(),
		PublishTimeout: cfg.RMQPublishTimeout(),
	}
}

// AMQPTransport owns one connection with a confirm-mode publish channel.
// Consumers open their own channels on the shared connection.
type AMQPTransport struct {
	cfg    AMQPConfig
	logger logx.Logger

	// mu guards conn, pub, ready and topology. It is never held while
	// waiting on the broker for a confirm.
	mu       sync.Mutex
	conn     *amqp.Connection
	pub      *publishChannel
	ready    chan struct{}
	topology []QueueSpec

	connected atomic.Bool
	// publishing is a one-slot lane; its holder owns the confirm stream.
	publishing chan struct{}

	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

type publishChannel struct {
	ch       *amqp.Channel
	confirms chan amqp.Confirmation
	returns  chan amqp.Return
	seq      uint64
}

// OpenAMQP starts the connection supervisor. The first dial happens in the
// background; use WaitConnected to block on it.
func OpenAMQP(cfg AMQPConfig, logger logx.Logger) *AMQPTransport {
	t := newAMQPTransport(cfg, logger)
	t.wg.Add(1)
	go t.supervise()
	return t
}

func newAMQPTransport(cfg AMQPConfig, logger logx.Logger) *AMQPTransport {
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 5 * time.Second
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 10 * time.Second
	}
	return &AMQPTransport{
		cfg:        cfg,
		logger:     logger.With(slog.String("component", "amqp")),
		ready:      make(chan struct{}),
		publishing: make(chan struct{}, 1),
		closed:     make(chan struct{}),
	}
}

func (t *AMQPTransport) WaitConnected(ctx context.Context) error {
	_, err := t.waitConnection(ctx)
	return err
}

func (t *AMQPTransport) Connected() bool {
	return t.connected.Load()
}

func (t *AMQPTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.closed)
		t.mu.Lock()
		err = t.teardownLocked()
		t.mu.Unlock()
		t.wg.Wait()
		t.logger.Info(context.Background(), "broker_closed", "amqp transport closed")
	})
	return err
}

func (t *AMQPTransport) supervise() {
	defer t.wg.Done()
	for {
		closeCh, err := t.connect()
		if err != nil {
			metricsx.IncBrokerReconnect()
			t.logger.Warn(context.Background(), "broker_connect_failed", "amqp connect failed, retrying",
				append(logx.Err("FAILED_PRECONDITION", err), slog.Duration("retry_in", t.cfg.ReconnectDelay))...,
			)
			if !t.pause(t.cfg.ReconnectDelay) {
				return
			}
			continue
		}

		select {
		case <-t.closed:
			return
		case amqpErr := <-closeCh:
			t.mu.Lock()
			_ = t.teardownLocked()
			t.mu.Unlock()
			attrs := []slog.Attr{slog.Duration("retry_in", t.cfg.ReconnectDelay)}
			if amqpErr != nil {
				attrs = append(attrs, logx.Err("INTERNAL_ERROR", amqpErr)...)
			}
			t.logger.Warn(context.Background(), "broker_disconnected", "amqp connection lost", attrs...)
			if !t.pause(t.cfg.ReconnectDelay) {
				return
			}
		}
	}
}

func (t *AMQPTransport) pause(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-t.closed:
		return false
	case <-timer.C:
		return true
	}
}

func (t *AMQPTransport) connect() (chan *amqp.Error, error) {
	conn, err := amqp.Dial(t.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("dial: %w", err)
	}
	closeCh := conn.NotifyClose(make(chan *amqp.Error, 1))

	t.mu.Lock()
	defer t.mu.Unlock()
	select {
	case <-t.closed:
		_ = conn.Close()
		return nil, ErrClosed
	default:
	}
	for _, spec := range t.topology {
		if err := declareTopology(conn, spec); err != nil {
			_ = conn.Close()
			return nil, err
		}
	}
	t.conn = conn
	if err := t.openPublishChannelLocked(); err != nil {
		_ = conn.Close()
		t.conn = nil
		return nil, err
	}
	t.connected.Store(true)
	close(t.ready)
	metricsx.SetBrokerConnected(true)
	t.logger.Info(context.Background(), "broker_connected", "amqp connection established",
		slog.Int("queues", len(t.topology)),
	)
	return closeCh, nil
}

func (t *AMQPTransport) openPublishChannelLocked() error {
	if t.conn == nil || t.conn.IsClosed() {
		return ErrNotConnected
	}
	ch, err := t.conn.Channel()
	if err != nil {
		return fmt.Errorf("open publish channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return fmt.Errorf("enable publisher confirms: %w", err)
	}
	t.pub = &publishChannel{
		ch:       ch,
		confirms: ch.NotifyPublish(make(chan amqp.Confirmation, 8)),
		returns:  ch.NotifyReturn(make(chan amqp.Return, 8)),
	}
	return nil
}

// currentPublishChannel returns the live publish channel, reopening it when a
// previous publish dropped it.
func (t *AMQPTransport) currentPublishChannel() (*publishChannel, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.connected.Load() {
		return nil, ErrNotConnected
	}
	if t.pub == nil {
		if err := t.openPublishChannelLocked(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrNotConnected, err)
		}
	}
	return t.pub, nil
}

// resetPublishChannel drops a channel whose confirm stream can no longer be
// trusted. A reconnect may already have replaced pc; then nothing happens.
func (t *AMQPTransport) resetPublishChannel(pc *publishChannel) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pub != pc {
		return
	}
	_ = pc.ch.Close()
	t.pub = nil
	if err := t.openPublishChannelLocked(); err != nil {
		t.logger.Warn(context.Background(), "broker_publish_channel_failed", "could not reopen publish channel",
			logx.Err("INTERNAL_ERROR", err)...,
		)
	}
}

func (t *AMQPTransport) teardownLocked() error {
	var err error
	if t.pub != nil {
		_ = t.pub.ch.Close()
		t.pub = nil
	}
	if t.conn != nil {
		if !t.conn.IsClosed() {
			err = t.conn.Close()
		}
		t.conn = nil
	}
	if t.connected.Swap(false) {
		t.ready = make(chan struct{})
	}
	metricsx.SetBrokerConnected(false)
	return err
}

func (t *AMQPTransport) waitConnection(ctx context.Context) (*amqp.Connection, error) {
	for {
		t.mu.Lock()
		if t.connected.Load() && t.conn != nil {
			conn := t.conn
			t.mu.Unlock()
			return conn, nil
		}
		ready := t.ready
		t.mu.Unlock()

		select {
		case <-ready:
		case <-t.closed:
			return nil, ErrClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (t *AMQPTransport) Publish(ctx context.Context, exchange string, routingKey string, body []byte, opts PublishOptions) error {
	ctx, span := otel.Tracer("brokerx").Start(ctx, "amqp.publish")
	span.SetAttributes(
		attribute.String("messaging.system", "rabbitmq"),
		attribute.String("messaging.destination", exchange),
		attribute.String("messaging.rabbitmq.routing_key", routingKey),
	)
	defer span.End()

	select {
	case <-t.closed:
		return ErrClosed
	default:
	}

	ctx, cancel := context.WithTimeout(ctx, t.cfg.PublishTimeout)
	defer cancel()

	if opts.MessageID == "" {
		opts.MessageID = uuid.NewString()
	}
	if opts.ContentType == "" {
		opts.ContentType = "application/json"
	}
	if opts.Timestamp.IsZero() {
		opts.Timestamp = time.Now().UTC()
	}
	msg := amqp.Publishing{
		Headers:      amqp.Table(opts.Headers),
		ContentType:  opts.ContentType,
		DeliveryMode: amqp.Persistent,
		Priority:     opts.Priority,
		MessageId:    opts.MessageID,
		Timestamp:    opts.Timestamp,
		Body:         body,
	}

	if !t.connected.Load() {
		metricsx.IncBrokerPublish("not_connected")
		return ErrNotConnected
	}
	select {
	case t.publishing <- struct{}{}:
	case <-ctx.Done():
		metricsx.IncBrokerPublish("timeout")
		return fmt.Errorf("wait for publish channel: %w", ctx.Err())
	case <-t.closed:
		return ErrClosed
	}
	defer func() { <-t.publishing }()

	pc, err := t.currentPublishChannel()
	if err != nil {
		metricsx.IncBrokerPublish("not_connected")
		return err
	}
	if err := pc.ch.Publish(exchange, routingKey, true, false, msg); err != nil {
		t.resetPublishChannel(pc)
		metricsx.IncBrokerPublish("error")
		return fmt.Errorf("publish %s/%s: %w", exchange, routingKey, err)
	}
	pc.seq++
	err = t.awaitConfirm(ctx, pc, pc.seq, opts.MessageID)
	switch {
	case err == nil:
		metricsx.IncBrokerPublish("confirmed")
	case errors.Is(err, ErrUnroutable):
		metricsx.IncBrokerPublish("unroutable")
	case errors.Is(err, ErrNacked):
		metricsx.IncBrokerPublish("nacked")
	default:
		metricsx.IncBrokerPublish("error")
	}
	return err
}

// awaitConfirm runs in the publishing lane, which makes it the only reader of
// pc's confirm and return streams.
func (t *AMQPTransport) awaitConfirm(ctx context.Context, pc *publishChannel, tag uint64, messageID string) error {
	returned := false
	for {
		select {
		case r, ok := <-pc.returns:
			if !ok {
				pc.returns = nil
				continue
			}
			if r.MessageId == messageID {
				returned = true
			}
		case c, ok := <-pc.confirms:
			if !ok {
				t.resetPublishChannel(pc)
				return ErrNotConnected
			}
			if c.DeliveryTag < tag {
				continue
			}
			returned = returned || drainReturns(pc, messageID)
			if !c.Ack {
				return ErrNacked
			}
			if returned {
				return ErrUnroutable
			}
			return nil
		case <-ctx.Done():
			t.resetPublishChannel(pc)
			return fmt.Errorf("await publisher confirm: %w", ctx.Err())
		}
	}
}

func drainReturns(pc *publishChannel, messageID string) bool {
	found := false
	for {
		select {
		case r, ok := <-pc.returns:
			if !ok {
				pc.returns = nil
				return found
			}
			if r.MessageId == messageID {
				found = true
			}
		default:
			return found
		}
	}
}

func (t *AMQPTransport) DeclareDurableQueue(ctx context.Context, spec QueueSpec) error {
	if strings.TrimSpace(spec.Name) == "" {
		return errors.New("queue name is required")
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	replaced := false
	for i := range t.topology {
		if t.topology[i].Name == spec.Name {
			t.topology[i] = spec
			replaced = true
		}
	}
	if !replaced {
		t.topology = append(t.topology, spec)
	}
	if !t.connected.Load() || t.conn == nil {
		return ErrNotConnected
	}
	return declareTopology(t.conn, spec)
}

func declareTopology(conn *amqp.Connection, spec QueueSpec) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open topology channel: %w", err)
	}
	defer ch.Close()

	var args amqp.Table
	if spec.DeadLetter {
		if err := ch.ExchangeDeclare(spec.DeadLetterExchange(), "fanout", true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare dead-letter exchange: %w", err)
		}
		if _, err := ch.QueueDeclare(spec.DeadLetterQueue(), true, false, false, false, nil); err != nil {
			return fmt.Errorf("declare dead-letter queue: %w", err)
		}
		if err := ch.QueueBind(spec.DeadLetterQueue(), "", spec.DeadLetterExchange(), false, nil); err != nil {
			return fmt.Errorf("bind dead-letter queue: %w", err)
		}
		args = amqp.Table{"x-dead-letter-exchange": spec.DeadLetterExchange()}
	}
	if _, err := ch.QueueDeclare(spec.Name, true, false, false, false, args); err != nil {
		return fmt.Errorf("declare queue %s: %w", spec.Name, err)
	}
	if spec.Exchange == "" {
		return nil
	}
	// Broker-reserved amq.* exchanges can only be checked, not declared.
	if strings.HasPrefix(spec.Exchange, "amq.") {
		err = ch.ExchangeDeclarePassive(spec.Exchange, "topic", true, false, false, false, nil)
	} else {
		err = ch.ExchangeDeclare(spec.Exchange, "topic", true, false, false, false, nil)
	}
	if err != nil {
		return fmt.Errorf("declare exchange %s: %w", spec.Exchange, err)
	}
	for _, key := range spec.RoutingKeys {
		if err := ch.QueueBind(spec.Name, key, spec.Exchange, false, nil); err != nil {
			return fmt.Errorf("bind %s to %s/%s: %w", spec.Name, spec.Exchange, key, err)
		}
	}
	return nil
}

// Consume blocks until ctx is cancelled or the transport is closed, resuming
// after every reconnect.
func (t *AMQPTransport) Consume(ctx context.Context, queue string, handler Handler, opts ConsumeOptions) error {
	if opts.Prefetch <= 0 {
		opts.Prefetch = 10
	}
	if opts.ConsumerTag == "" {
		opts.ConsumerTag = queue + "-" + uuid.NewString()[:8]
	}
	for {
		conn, err := t.waitConnection(ctx)
		if err != nil {
			if errors.Is(err, ErrClosed) {
				return err
			}
			return nil
		}

		t.logger.Info(ctx, "consumer_subscribed", "consuming queue",
			slog.String("queue", queue),
			slog.Int("prefetch", opts.Prefetch),
			slog.Int("max_redeliveries", opts.MaxRedeliveries),
		)
		err = t.consumeOnce(ctx, conn, queue, handler, opts)
		if ctx.Err() != nil {
			return nil
		}
		select {
		case <-t.closed:
			return ErrClosed
		default:
		}
		t.logger.Warn(ctx, "consumer_interrupted", "consumer channel closed, resubscribing",
			append(logx.Err("INTERNAL_ERROR", err), slog.String("queue", queue))...,
		)

		timer := time.NewTimer(t.cfg.ReconnectDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-t.closed:
			timer.Stop()
			return ErrClosed
		case <-timer.C:
		}
	}
}

func (t *AMQPTransport) consumeOnce(ctx context.Context, conn *amqp.Connection, queue string, handler Handler, opts ConsumeOptions) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open consume channel: %w", err)
	}
	defer ch.Close()

	if err := ch.Qos(opts.Prefetch, 0, false); err != nil {
		return fmt.Errorf("qos: %w", err)
	}
	deliveries, err := ch.Consume(queue, opts.ConsumerTag, false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", queue, err)
	}

	// In-flight handlers finish even when ctx is cancelled; they carry their own timeouts.
	handlerCtx := context.WithoutCancel(ctx)
	var opMu sync.Mutex
	jobs := make(chan amqp.Delivery)
	var wg sync.WaitGroup
	for i := 0; i < opts.Prefetch; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for d := range jobs {
				t.settle(handlerCtx, &opMu, queue, d, handler, opts)
			}
		}()
	}
	defer func() {
		close(jobs)
		wg.Wait()
	}()

	for {
		select {
		case <-ctx.Done():
			opMu.Lock()
			_ = ch.Cancel(opts.ConsumerTag, false)
			opMu.Unlock()
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return errors.New("delivery channel closed")
			}
			select {
			case jobs <- d:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

func (t *AMQPTransport) settle(ctx context.Context, opMu *sync.Mutex, queue string, d amqp.Delivery, handler Handler, opts ConsumeOptions) {
	del := Delivery{
		Body:        d.Body,
		Exchange:    d.Exchange,
		RoutingKey:  d.RoutingKey,
		ContentType: d.ContentType,
		MessageID:   d.MessageId,
		Timestamp:   d.Timestamp,
		Redelivered: d.Redelivered,
		Attempt:     attemptFromHeaders(d.Headers),
		Headers:     map[string]any(d.Headers),
	}

	spanCtx, span := otel.Tracer("brokerx").Start(ctx, "amqp.consume")
	span.SetAttributes(
		attribute.String("messaging.system", "rabbitmq"),
		attribute.String("messaging.source", queue),
		attribute.Int("messaging.rabbitmq.attempt", del.Attempt),
	)
	decision := t.invoke(spanCtx, handler, del)
	span.End()

	out := resolve(decision, del.Attempt, opts.MaxRedeliveries)
	var settleErr error
	switch out {
	case outcomeAck:
		opMu.Lock()
		settleErr = d.Ack(false)
		opMu.Unlock()
	case outcomeRequeue:
		opMu.Lock()
		settleErr = d.Nack(false, true)
		opMu.Unlock()
	case outcomeDeadLetter:
		opMu.Lock()
		settleErr = d.Nack(false, false)
		opMu.Unlock()
	case outcomeRetry:
		// Republish with a bumped counter, then ack; fall back to a plain requeue.
		err := t.Publish(ctx, "", queue, d.Body, PublishOptions{
			MessageID:   d.MessageId,
			ContentType: d.ContentType,
			Timestamp:   d.Timestamp,
			Headers:     withAttempt(del.Headers, del.Attempt+1),
		})
		opMu.Lock()
		if err != nil {
			out = outcomeRequeue
			settleErr = d.Nack(false, true)
		} else {
			settleErr = d.Ack(false)
		}
		opMu.Unlock()
	}
	metricsx.IncBrokerDelivery(queue, out.String())

	attrs := []slog.Attr{
		slog.String("queue", queue),
		slog.String("message_id", d.MessageId),
		slog.String("decision", decision.String()),
		slog.String("outcome", out.String()),
		slog.Int("attempt", del.Attempt),
	}
	if settleErr != nil {
		t.logger.Error(ctx, "delivery_settle_failed", "could not settle delivery",
			append(attrs, logx.Err("INTERNAL_ERROR", settleErr)...)...,
		)
		return
	}
	if out == outcomeDeadLetter {
		t.logger.Error(ctx, "delivery_dead_lettered", "delivery rejected without requeue",
			append(attrs, slog.String("payload", string(d.Body)))...,
		)
	}
}

func (t *AMQPTransport) invoke(ctx context.Context, handler Handler, d Delivery) (decision Decision) {
	defer func() {
		if rec := recover(); rec != nil {
			t.logger.Error(ctx, "handler_panic", "delivery handler panicked",
				slog.String("error_code", "INTERNAL_ERROR"),
				slog.Any("error", rec),
				slog.String("message_id", d.MessageID),
			)
			decision = NackDiscard
		}
	}()
	return handler(ctx, d)
}

var _ Transport = (*AMQPTransport)(nil)
