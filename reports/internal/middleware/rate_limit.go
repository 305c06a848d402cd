package middleware

import (
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"report-evaluation-pipeline/shared/httpx"
)

// RateLimitMiddleware throttles per client address. Rejections carry
// Retry-After with the wait until the next token.
type RateLimitMiddleware struct {
	Limiter *ClientRateLimiter
	Skip    func(*http.Request) bool
}

func (m RateLimitMiddleware) Wrap(next http.Handler) http.Handler {
	if m.Limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.Skip != nil && m.Skip(r) {
			next.ServeHTTP(w, r)
			return
		}
		if wait := m.Limiter.Reserve(httpx.ClientIP(r)); wait > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
			httpx.WriteError(w, r, http.StatusTooManyRequests, "RESOURCE_EXHAUSTED", "rate limit exceeded", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// ClientRateLimiter keeps a token bucket per client. Buckets idle for longer
// than idle are swept at most once per idle period.
type ClientRateLimiter struct {
	limit rate.Limit
	burst int
	idle  time.Duration
	now   func() time.Time

	mu        sync.Mutex
	buckets   map[string]*bucket
	lastSweep time.Time
}

type bucket struct {
	limiter *rate.Limiter
	seen    time.Time
}

func NewClientRateLimiter(rps float64, burst int, idle time.Duration) *ClientRateLimiter {
	return &ClientRateLimiter{
		limit:   rate.Limit(orDefault(rps, 5)),
		burst:   int(orDefault(float64(burst), 10)),
		idle:    time.Duration(orDefault(float64(idle), float64(2*time.Minute))),
		now:     time.Now,
		buckets: make(map[string]*bucket),
	}
}

func orDefault(v, def float64) float64 {
	if v <= 0 {
		return def
	}
	return v
}

// Reserve takes a token for key. It returns zero when the request may
// proceed, otherwise how long the client should wait; no token is consumed
// in that case.
func (l *ClientRateLimiter) Reserve(key string) time.Duration {
	if key == "" {
		key = "unknown"
	}
	now := l.now()

	l.mu.Lock()
	if now.Sub(l.lastSweep) >= l.idle {
		for k, b := range l.buckets {
			if now.Sub(b.seen) > l.idle {
				delete(l.buckets, k)
			}
		}
		l.lastSweep = now
	}
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[key] = b
	}
	b.seen = now
	l.mu.Unlock()

	res := b.limiter.ReserveN(now, 1)
	if !res.OK() {
		return l.idle
	}
	if wait := res.DelayFrom(now); wait > 0 {
		res.CancelAt(now)
		return wait
	}
	return 0
}
