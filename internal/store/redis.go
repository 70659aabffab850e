package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/taut0logy/kothakoli/pkg/breaker"
	"github.com/taut0logy/kothakoli/pkg/database"
)

var (
	// KEYS[1] counter, ARGV[1] window in ms. Returns {count, pttl}.
	incrWindowScript = redis.NewScript(`
local count = redis.call('INCR', KEYS[1])
local ttl = redis.call('PTTL', KEYS[1])
if ttl < 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
  ttl = tonumber(ARGV[1])
end
return {count, ttl}
`)

	// KEYS[1] key, ARGV[1] value, ARGV[2] ttl in ms. Returns 1 when written.
	setMaxTTLScript = redis.NewScript(`
local current = redis.call('PTTL', KEYS[1])
if current == -1 or current >= tonumber(ARGV[2]) then
  return 0
end
redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
return 1
`)

	// KEYS[1] hash, ARGV[1] field. Returns HGETALL after the increment, or nil
	// when the hash is absent.
	incrFieldScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return false
end
redis.call('HINCRBY', KEYS[1], ARGV[1], 1)
return redis.call('HGETALL', KEYS[1])
`)

	// KEYS[1] hash, ARGV[1] field, ARGV[2] expected value. Returns 1 when deleted.
	deleteIfFieldScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], ARGV[1]) == ARGV[2] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)
)

var storeOps = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "shared_store_operations_total",
		Help: "Shared store operations by outcome (ok, miss, unavailable)",
	},
	[]string{"op", "result"},
)

// RedisStore implements Store on Redis. Every call runs under a per-call
// timeout and through a circuit breaker so an outage degrades quickly.
type RedisStore struct {
	client    redis.Cmdable
	breaker   *breaker.Breaker
	opTimeout time.Duration
	logger    *slog.Logger
	degraded  rate.Sometimes
}

// NewRedisStore wires a Redis client behind the given breaker.
func NewRedisStore(client redis.Cmdable, b *breaker.Breaker, opTimeout time.Duration, logger *slog.Logger) *RedisStore {
	return &RedisStore{
		client:    client,
		breaker:   b,
		opTimeout: opTimeout,
		logger:    logger,
		degraded:  rate.Sometimes{First: 1, Interval: 10 * time.Second},
	}
}

// run executes fn under the breaker. fn reports a legitimate miss through
// its bool so that misses never count as failures.
func run[T any](ctx context.Context, s *RedisStore, op, key string, fn func(ctx context.Context) (T, bool, error)) (T, error) {
	ctx, end := database.TraceCommand(ctx, op, key)

	if s.opTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opTimeout)
		defer cancel()
	}

	type result struct {
		v     T
		found bool
	}
	res, err := breaker.Execute(s.breaker, func() (result, error) {
		v, found, err := fn(ctx)
		return result{v: v, found: found}, err
	})
	end(err)

	switch {
	case err != nil:
		storeOps.WithLabelValues(op, "unavailable").Inc()
		s.degraded.Do(func() {
			s.logger.WarnContext(ctx, "shared store degraded",
				slog.String("op", op),
				slog.String("error", err.Error()),
			)
		})
		var zero T
		return zero, fmt.Errorf("%w: %s: %w", ErrUnavailable, op, err)
	case !res.found:
		storeOps.WithLabelValues(op, "miss").Inc()
		return res.v, ErrNotFound
	default:
		storeOps.WithLabelValues(op, "ok").Inc()
		return res.v, nil
	}
}

// IncrWindow implements Store.
func (s *RedisStore) IncrWindow(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	type counter struct {
		count int64
		ttl   time.Duration
	}
	c, err := run(ctx, s, "IncrWindow", key, func(ctx context.Context) (counter, bool, error) {
		vals, err := incrWindowScript.Run(ctx, s.client, []string{key}, window.Milliseconds()).Int64Slice()
		if err != nil {
			return counter{}, true, err
		}
		if len(vals) != 2 {
			return counter{}, true, fmt.Errorf("unexpected script reply length %d", len(vals))
		}
		return counter{count: vals[0], ttl: time.Duration(vals[1]) * time.Millisecond}, true, nil
	})
	return c.count, c.ttl, err
}

// SetMaxTTL implements Store.
func (s *RedisStore) SetMaxTTL(ctx context.Context, key, value string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	// PX rejects 0, so sub-millisecond lifetimes round up.
	ms := max(ttl.Milliseconds(), 1)
	_, err := run(ctx, s, "SetMaxTTL", key, func(ctx context.Context) (struct{}, bool, error) {
		return struct{}{}, true, setMaxTTLScript.Run(ctx, s.client, []string{key}, value, ms).Err()
	})
	return err
}

// Exists implements Store.
func (s *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	return run(ctx, s, "Exists", key, func(ctx context.Context) (bool, bool, error) {
		n, err := s.client.Exists(ctx, key).Result()
		return n > 0, true, err
	})
}

// Delete implements Store.
func (s *RedisStore) Delete(ctx context.Context, key string) (bool, error) {
	return run(ctx, s, "Delete", key, func(ctx context.Context) (bool, bool, error) {
		n, err := s.client.Del(ctx, key).Result()
		return n > 0, true, err
	})
}

// PutRecord implements Store.
func (s *RedisStore) PutRecord(ctx context.Context, key string, fields map[string]string, ttl time.Duration) error {
	values := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		values = append(values, k, v)
	}
	_, err := run(ctx, s, "PutRecord", key, func(ctx context.Context) (struct{}, bool, error) {
		_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, key)
			pipe.HSet(ctx, key, values...)
			pipe.PExpire(ctx, key, ttl)
			return nil
		})
		return struct{}{}, true, err
	})
	return err
}

// IncrField implements Store.
func (s *RedisStore) IncrField(ctx context.Context, key, field string) (map[string]string, error) {
	return run(ctx, s, "IncrField", key, func(ctx context.Context) (map[string]string, bool, error) {
		pairs, err := incrFieldScript.Run(ctx, s.client, []string{key}, field).StringSlice()
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		if err != nil {
			return nil, true, err
		}
		if len(pairs)%2 != 0 {
			return nil, true, fmt.Errorf("unexpected script reply length %d", len(pairs))
		}
		fields := make(map[string]string, len(pairs)/2)
		for i := 0; i < len(pairs); i += 2 {
			fields[pairs[i]] = pairs[i+1]
		}
		return fields, true, nil
	})
}

// DeleteIfField implements Store.
func (s *RedisStore) DeleteIfField(ctx context.Context, key, field, value string) (bool, error) {
	return run(ctx, s, "DeleteIfField", key, func(ctx context.Context) (bool, bool, error) {
		n, err := deleteIfFieldScript.Run(ctx, s.client, []string{key}, field, value).Int64()
		return n > 0, true, err
	})
}

// Ping implements Store.
func (s *RedisStore) Ping(ctx context.Context) error {
	_, err := run(ctx, s, "Ping", "", func(ctx context.Context) (struct{}, bool, error) {
		return struct{}{}, true, s.client.Ping(ctx).Err()
	})
	return err
}
