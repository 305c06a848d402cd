package lockx

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	// ErrHeld means another owner holds the key.
	ErrHeld = errors.New("lock held by another owner")
	// ErrLost cancels the guarded work when a renewal finds the key gone or re-owned.
	ErrLost = errors.New("lock ownership lost")
)

var (
	releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0`)
	renewScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
end
return 0`)
)

// Locker hands out token-guarded leases on Redis keys. Leases are renewed
// while the guarded function runs, so work longer than the TTL keeps the key.
type Locker struct {
	rdb *redis.Client
}

func New(rdb *redis.Client) *Locker {
	return &Locker{rdb: rdb}
}

// Lease is one acquisition of a key.
type Lease struct {
	Key   string
	Token string
	TTL   time.Duration
}

// TryAcquire reports false without error when the key is taken.
func (l *Locker) TryAcquire(ctx context.Context, key string, ttl time.Duration) (*Lease, bool, error) {
	if l == nil || l.rdb == nil {
		return nil, false, errors.New("lockx: redis client not initialized")
	}
	if ttl < time.Millisecond {
		return nil, false, errors.New("lockx: ttl must be at least 1ms")
	}
	lease := &Lease{Key: key, Token: uuid.NewString(), TTL: ttl}
	ok, err := l.rdb.SetNX(ctx, key, lease.Token, ttl).Result()
	if err != nil || !ok {
		return nil, false, err
	}
	return lease, true, nil
}

// Renew pushes the expiry out by the lease TTL. It returns ErrLost when the
// key no longer carries this lease's token.
func (l *Locker) Renew(ctx context.Context, lease *Lease) error {
	n, err := renewScript.Run(ctx, l.rdb, []string{lease.Key}, lease.Token, lease.TTL.Milliseconds()).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLost
	}
	return nil
}

// Release deletes the key only if it still carries this lease's token.
func (l *Locker) Release(ctx context.Context, lease *Lease) error {
	return releaseScript.Run(ctx, l.rdb, []string{lease.Key}, lease.Token).Err()
}

// WithLock runs fn while holding key. The lease is renewed every third of
// its TTL; if ownership is lost fn's context is cancelled with ErrLost.
// Release runs on a detached context so a cancelled caller still frees the key.
func (l *Locker) WithLock(ctx context.Context, key string, ttl time.Duration, fn func(ctx context.Context) error) error {
	lease, ok, err := l.TryAcquire(ctx, key, ttl)
	if err != nil {
		return err
	}
	if !ok {
		return ErrHeld
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	renewDone := make(chan struct{})
	go func() {
		defer close(renewDone)
		l.keepAlive(runCtx, lease, cancel)
	}()

	defer func() {
		cancel(nil)
		<-renewDone
		releaseCtx, done := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer done()
		_ = l.Release(releaseCtx, lease)
	}()

	err = fn(runCtx)
	if err == nil {
		if cause := context.Cause(runCtx); errors.Is(cause, ErrLost) {
			return ErrLost
		}
	}
	return err
}

func (l *Locker) keepAlive(ctx context.Context, lease *Lease, cancel context.CancelCauseFunc) {
	ticker := time.NewTicker(max(lease.TTL/3, time.Millisecond))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := l.Renew(ctx, lease); errors.Is(err, ErrLost) {
				cancel(ErrLost)
				return
			}
		}
	}
}
