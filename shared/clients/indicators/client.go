package indicators

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"report-evaluation-pipeline/shared/config"
	"report-evaluation-pipeline/shared/metricsx"
)

var ErrCircuitOpen = errors.New("indicators circuit open")

type Indicator struct {
	ID           int64    `json:"id"`
	Key          string   `json:"key"`
	Title        string   `json:"title"`
	ThresholdMin *float64 `json:"thresholdMin,omitempty"`
	ThresholdMax *float64 `json:"thresholdMax,omitempty"`
	Type         string   `json:"type"`
	Active       bool     `json:"active"`
}

type Client struct {
	baseURL  string
	retryMax int
	backoff  time.Duration
	http     *http.Client
	breaker  *breaker
}

func New(cfg config.Config) (*Client, error) {
	if cfg.IndicatorsURL == "" {
		return nil, errors.New("INDICATORS_SERVICE_URL is required")
	}
	timeout := time.Duration(cfg.IndicatorsTimeoutMS) * time.Millisecond
	return &Client{
		baseURL:  strings.TrimRight(cfg.IndicatorsURL, "/"),
		retryMax: cfg.IndicatorsRetryMax,
		backoff:  200 * time.Millisecond,
		http: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		breaker: newBreaker(5, 30*time.Second),
	}, nil
}

// FindAllActive returns the active indicators in the order the service
// lists them. 5xx and transport errors are retried with jittered exponential
// backoff and count against the breaker; other statuses fail at once.
func (c *Client) FindAllActive(ctx context.Context) ([]Indicator, error) {
	if c == nil || c.http == nil {
		return nil, errors.New("indicators client not initialized")
	}
	start := time.Now()
	var lastErr error
	for attempt := 0; attempt <= c.retryMax; attempt++ {
		if attempt > 0 {
			if err := sleep(ctx, jitter(c.backoff<<(attempt-1))); err != nil {
				lastErr = err
				break
			}
		}
		if !c.breaker.Allow() {
			lastErr = ErrCircuitOpen
			break
		}
		out, retry, err := c.fetchActive(ctx)
		if err == nil {
			c.breaker.Record(true)
			metricsx.ObserveIndicatorFetchLatency(time.Since(start))
			return out, nil
		}
		lastErr = err
		if !retry {
			c.breaker.Record(true)
			break
		}
		c.breaker.Record(false)
	}
	metricsx.IncIndicatorFetchFailure()
	return nil, lastErr
}

func (c *Client) fetchActive(ctx context.Context) ([]Indicator, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/v1/indicators?active=true", nil)
	if err != nil {
		return nil, false, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, ctx.Err() == nil, err
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode >= 500:
		return nil, true, fmt.Errorf("indicators service: status %d", resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return nil, false, fmt.Errorf("indicators service rejected request: status %d", resp.StatusCode)
	}
	var all []Indicator
	if err := json.NewDecoder(resp.Body).Decode(&all); err != nil {
		return nil, false, fmt.Errorf("decode indicators: %w", err)
	}
	active := make([]Indicator, 0, len(all))
	for _, ind := range all {
		if ind.Active {
			active = append(active, ind)
		}
	}
	return active, false, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// jitter spreads d over [d/2, d).
func jitter(d time.Duration) time.Duration {
	if d <= 1 {
		return d
	}
	half := d / 2
	return half + time.Duration(rand.Int63n(int64(half)))
}

type breakerState int

const (
	stateClosed breakerState = iota
	stateOpen
	stateHalfOpen
)

// breaker opens after threshold consecutive failures. Once cooldown passes a
// single probe is let through; its outcome closes or reopens the circuit.
type breaker struct {
	threshold int
	cooldown  time.Duration
	now       func() time.Time

	mu       sync.Mutex
	state    breakerState
	failures int
	openedAt time.Time
	probing  bool
}

func newBreaker(threshold int, cooldown time.Duration) *breaker {
	return &breaker{threshold: threshold, cooldown: cooldown, now: time.Now}
}

func (b *breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case stateOpen:
		if b.now().Sub(b.openedAt) < b.cooldown {
			return false
		}
		b.state = stateHalfOpen
		b.probing = true
		return true
	case stateHalfOpen:
		if b.probing {
			return false
		}
		b.probing = true
		return true
	default:
		return true
	}
}

func (b *breaker) Record(ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.probing = false
	if ok {
		b.state = stateClosed
		b.failures = 0
		return
	}
	b.failures++
	if b.state == stateHalfOpen || b.failures >= b.threshold {
		b.state = stateOpen
		b.openedAt = b.now()
	}
}
