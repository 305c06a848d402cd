//go:build integration

package integration

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"github.com/streadway/amqp"

	"report-evaluation-pipeline/shared/brokerx"
	"report-evaluation-pipeline/shared/cachex"
	"report-evaluation-pipeline/shared/lockx"
	"report-evaluation-pipeline/shared/logx"
)

func requireEnv(t *testing.T, key string) string {
	t.Helper()
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		t.Skipf("%s not set", key)
	}
	return v
}

func TestPostgres(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, requireEnv(t, "DATABASE_URL"))
	if err != nil {
		t.Fatalf("db connect failed: %v", err)
	}
	defer pool.Close()
	if err := pool.Ping(ctx); err != nil {
		t.Fatalf("db ping failed: %v", err)
	}
	var exists bool
	if err := pool.QueryRow(ctx, `SELECT to_regclass('public.reports') IS NOT NULL`).Scan(&exists); err != nil {
		t.Fatalf("schema check failed: %v", err)
	}
	if !exists {
		t.Fatalf("reports table missing; run migrations first")
	}
}

func TestKafka(t *testing.T) {
	brokers := strings.Split(requireEnv(t, "KAFKA_BROKERS"), ",")
	conn, err := kafka.Dial("tcp", strings.TrimSpace(brokers[0]))
	if err != nil {
		t.Fatalf("kafka dial failed: %v", err)
	}
	_ = conn.Close()
}

func TestRedisAndAsynq(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	redisClient := redis.NewClient(&redis.Options{Addr: requireEnv(t, "REDIS_ADDR")})
	defer redisClient.Close()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		t.Fatalf("redis ping failed: %v", err)
	}

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: requireEnv(t, "ASYNQ_REDIS_ADDR")})
	defer inspector.Close()
	if _, err := inspector.Queues(); err != nil {
		t.Fatalf("asynq inspector failed: %v", err)
	}
}

func TestDispatchLockLease(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	rdb := redis.NewClient(&redis.Options{Addr: requireEnv(t, "REDIS_ADDR")})
	defer rdb.Close()
	locker := lockx.New(rdb)
	key := cachex.DispatchLockKey(time.Now().UnixNano())

	err := locker.WithLock(ctx, key, 300*time.Millisecond, func(ctx context.Context) error {
		if err := locker.WithLock(ctx, key, time.Second, func(context.Context) error { return nil }); err != lockx.ErrHeld {
			t.Fatalf("nested acquire: got %v, want ErrHeld", err)
		}
		// outlive the ttl; renewal keeps the key
		time.Sleep(700 * time.Millisecond)
		if n, err := rdb.Exists(ctx, key).Result(); err != nil || n != 1 {
			t.Fatalf("lease expired during work: n=%d err=%v", n, err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("with lock: %v", err)
	}
	if n, _ := rdb.Exists(ctx, key).Result(); n != 0 {
		t.Fatalf("lock not released")
	}
}

func TestInflux(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, requireEnv(t, "INFLUX_URL")+"/health", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("influx health failed: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		t.Fatalf("influx health status: %d", resp.StatusCode)
	}
}

// TestRabbitMQRoundTrip publishes a confirmed message through a throwaway
// queue and reads it back through the same transport the services use.
func TestRabbitMQRoundTrip(t *testing.T) {
	url := requireEnv(t, "RMQ_URL")
	conn, err := amqp.Dial(url)
	if err != nil {
		t.Fatalf("amqp dial failed: %v", err)
	}
	_ = conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	transport := brokerx.OpenAMQP(brokerx.AMQPConfig{URL: url, ReconnectDelay: time.Second}, logx.Nop())
	defer transport.Close()
	if err := transport.WaitConnected(ctx); err != nil {
		t.Fatalf("transport never connected: %v", err)
	}

	queue := "it_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	spec := brokerx.QueueSpec{Name: queue, Exchange: "amq.topic", RoutingKeys: []string{queue}}
	if err := transport.DeclareDurableQueue(ctx, spec); err != nil {
		t.Fatalf("declare failed: %v", err)
	}
	t.Cleanup(func() {
		if c, err := amqp.Dial(url); err == nil {
			if ch, err := c.Channel(); err == nil {
				_, _ = ch.QueueDelete(queue, false, false, false)
			}
			_ = c.Close()
		}
	})

	messageID := uuid.NewString()
	if err := transport.Publish(ctx, "amq.topic", queue, []byte(`{"ping":true}`), brokerx.PublishOptions{MessageID: messageID, ContentType: "application/json"}); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	got := make(chan string, 1)
	consumeCtx, stop := context.WithCancel(ctx)
	defer stop()
	go func() {
		_ = transport.Consume(consumeCtx, queue, func(_ context.Context, d brokerx.Delivery) brokerx.Decision {
			select {
			case got <- d.MessageID:
			default:
			}
			return brokerx.Ack
		}, brokerx.ConsumeOptions{Prefetch: 1})
	}()

	select {
	case id := <-got:
		if id != messageID {
			t.Fatalf("message id = %q, want %q", id, messageID)
		}
	case <-ctx.Done():
		t.Fatalf("message never delivered")
	}
}

// TestRabbitMQRedeliveryDeadLetters nacks every delivery and follows the
// message through counted republishes into the dead-letter queue.
func TestRabbitMQRedeliveryDeadLetters(t *testing.T) {
	url := requireEnv(t, "RMQ_URL")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	transport := brokerx.OpenAMQP(brokerx.AMQPConfig{URL: url, ReconnectDelay: time.Second}, logx.Nop())
	defer transport.Close()
	if err := transport.WaitConnected(ctx); err != nil {
		t.Fatalf("transport never connected: %v", err)
	}

	queue := "it_dlx_" + strings.ReplaceAll(uuid.NewString(), "-", "")
	spec := brokerx.QueueSpec{Name: queue, DeadLetter: true}
	if err := transport.DeclareDurableQueue(ctx, spec); err != nil {
		t.Fatalf("declare failed: %v", err)
	}
	t.Cleanup(func() {
		if c, err := amqp.Dial(url); err == nil {
			if ch, err := c.Channel(); err == nil {
				_, _ = ch.QueueDelete(queue, false, false, false)
				_, _ = ch.QueueDelete(spec.DeadLetterQueue(), false, false, false)
				_ = ch.ExchangeDelete(spec.DeadLetterExchange(), false, false)
			}
			_ = c.Close()
		}
	})

	messageID := uuid.NewString()
	if err := transport.Publish(ctx, "", queue, []byte(`{"reportId":1}`), brokerx.PublishOptions{MessageID: messageID}); err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	const maxRedeliveries = 2
	attempts := make(chan int, maxRedeliveries+2)
	consumeCtx, stop := context.WithCancel(ctx)
	defer stop()
	go func() {
		_ = transport.Consume(consumeCtx, queue, func(_ context.Context, d brokerx.Delivery) brokerx.Decision {
			attempts <- d.Attempt
			return brokerx.NackRequeue
		}, brokerx.ConsumeOptions{Prefetch: 1, MaxRedeliveries: maxRedeliveries})
	}()

	for want := 0; want <= maxRedeliveries; want++ {
		select {
		case got := <-attempts:
			if got != want {
				t.Fatalf("delivery %d carried attempt %d", want, got)
			}
		case <-ctx.Done():
			t.Fatalf("delivery %d never arrived", want)
		}
	}

	conn, err := amqp.Dial(url)
	if err != nil {
		t.Fatalf("amqp dial failed: %v", err)
	}
	defer conn.Close()
	ch, err := conn.Channel()
	if err != nil {
		t.Fatalf("channel: %v", err)
	}
	for {
		msg, ok, err := ch.Get(spec.DeadLetterQueue(), true)
		if err != nil {
			t.Fatalf("get dead letter: %v", err)
		}
		if ok {
			if msg.MessageId != messageID {
				t.Fatalf("dead letter message id = %q, want %q", msg.MessageId, messageID)
			}
			if got := fmt.Sprint(msg.Headers[brokerx.RedeliveryHeader]); got != fmt.Sprint(maxRedeliveries) {
				t.Fatalf("dead letter %s = %s, want %d", brokerx.RedeliveryHeader, got, maxRedeliveries)
			}
			break
		}
		select {
		case <-ctx.Done():
			t.Fatalf("message never reached %s", spec.DeadLetterQueue())
		case <-time.After(100 * time.Millisecond):
		}
	}

	select {
	case extra := <-attempts:
		t.Fatalf("unexpected delivery after dead-lettering (attempt %d)", extra)
	default:
	}
}
