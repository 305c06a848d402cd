package cachex

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"report-evaluation-pipeline/shared/config"
	"report-evaluation-pipeline/shared/metricsx"
)

var ErrDisabled = errors.New("cachex: redis not configured")

const loadTimeout = 10 * time.Second

const (
	evaluationPrefix   = "report:evaluation:"
	dispatchLockPrefix = "lock:report:dispatch:"
)

// EvaluationKey is shared by every service so the notifier can drop what the API stored.
func EvaluationKey(reportID int64) string {
	return evaluationPrefix + strconv.FormatInt(reportID, 10)
}

func DispatchLockKey(reportID int64) string {
	return dispatchLockPrefix + strconv.FormatInt(reportID, 10)
}

// Store is a JSON document cache on Redis. Concurrent misses for the same
// key share one load.
type Store struct {
	rdb    *redis.Client
	flight singleflight.Group
}

func New(cfg config.Config) (*Store, error) {
	if cfg.RedisAddr == "" {
		return nil, ErrDisabled
	}
	return Wrap(redis.NewClient(&redis.Options{
		Addr:         cfg.RedisAddr,
		Password:     cfg.RedisPassword,
		DB:           cfg.RedisDB,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
	})), nil
}

func Wrap(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

func (s *Store) ready() error {
	if s == nil || s.rdb == nil {
		return ErrDisabled
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	if err := s.ready(); err != nil {
		return err
	}
	return s.rdb.Ping(ctx).Err()
}

func (s *Store) Close() error {
	if s.ready() != nil {
		return nil
	}
	return s.rdb.Close()
}

// Redis exposes the underlying client for the dispatch lock.
func (s *Store) Redis() *redis.Client {
	if s == nil {
		return nil
	}
	return s.rdb
}

// GetJSON reports false without error on a miss.
func (s *Store) GetJSON(ctx context.Context, key string, dest any) (bool, error) {
	if err := s.ready(); err != nil {
		return false, err
	}
	raw, err := s.rdb.Get(ctx, key).Bytes()
	switch {
	case errors.Is(err, redis.Nil):
		return false, nil
	case err != nil:
		return false, err
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return false, fmt.Errorf("cachex: decode %s: %w", key, err)
	}
	return true, nil
}

// Remember fills dest from the cache, or from load on a miss and stores the
// result for ttl. Redis failures degrade to calling load; only load errors
// are returned. hit is true when dest came from Redis.
func (s *Store) Remember(ctx context.Context, key string, ttl time.Duration, dest any, load func(context.Context) (any, error)) (bool, error) {
	if s == nil {
		return false, loadInto(ctx, dest, load)
	}
	if s.ready() == nil {
		hit, err := s.GetJSON(ctx, key, dest)
		switch {
		case err != nil:
			metricsx.IncCacheLookup("error")
		case hit:
			metricsx.IncCacheLookup("hit")
			return true, nil
		default:
			metricsx.IncCacheLookup("miss")
		}
	}

	// The shared load outlives any one caller; each caller still stops
	// waiting when its own ctx ends.
	ch := s.flight.DoChan(key, func() (any, error) {
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), loadTimeout)
		defer cancel()
		value, err := load(loadCtx)
		if err != nil {
			return nil, err
		}
		raw, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("cachex: encode %s: %w", key, err)
		}
		if ttl > 0 && s.ready() == nil {
			if err := s.rdb.Set(loadCtx, key, raw, ttl).Err(); err != nil {
				metricsx.IncCacheLookup("error")
			}
		}
		return raw, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return false, res.Err
		}
		return false, json.Unmarshal(res.Val.([]byte), dest)
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func (s *Store) Delete(ctx context.Context, keys ...string) error {
	if err := s.ready(); err != nil {
		return err
	}
	if len(keys) == 0 {
		return nil
	}
	return s.rdb.Del(ctx, keys...).Err()
}

// ForgetEvaluations drops the cached evaluation views of the given reports.
func (s *Store) ForgetEvaluations(ctx context.Context, reportIDs ...int64) error {
	keys := make([]string, 0, len(reportIDs))
	for _, id := range reportIDs {
		keys = append(keys, EvaluationKey(id))
	}
	return s.Delete(ctx, keys...)
}

func loadInto(ctx context.Context, dest any, load func(context.Context) (any, error)) error {
	value, err := load(ctx)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dest)
}
