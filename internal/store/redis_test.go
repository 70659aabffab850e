package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taut0logy/kothakoli/pkg/breaker"
	"github.com/taut0logy/kothakoli/pkg/logger"
)

func setupStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { client.Close() })

	b := breaker.New(breaker.DefaultConfig("store-test"), logger.Discard())
	return NewRedisStore(client, b, time.Second, logger.Discard()), mr
}

// ============================================================================
// IncrWindow
// ============================================================================

func TestIncrWindow_SetsTTLOnFirstIncrementOnly(t *testing.T) {
	s, mr := setupStore(t)
	ctx := context.Background()

	count, ttl, err := s.IncrWindow(ctx, "ratelimit:ip:1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
	assert.Equal(t, time.Minute, ttl)

	mr.FastForward(20 * time.Second)

	count, ttl, err = s.IncrWindow(ctx, "ratelimit:ip:1", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
	assert.Equal(t, 40*time.Second, ttl, "window must not be extended by later hits")
}

func TestIncrWindow_ResetsAfterWindow(t *testing.T) {
	s, mr := setupStore(t)
	ctx := context.Background()

	for range 3 {
		_, _, err := s.IncrWindow(ctx, "k", time.Minute)
		require.NoError(t, err)
	}
	mr.FastForward(time.Minute)

	count, _, err := s.IncrWindow(ctx, "k", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestIncrWindow_RepairsCounterWithoutTTL(t *testing.T) {
	s, mr := setupStore(t)
	require.NoError(t, mr.Set("k", "7"))

	count, ttl, err := s.IncrWindow(context.Background(), "k", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(8), count)
	assert.Equal(t, time.Minute, ttl)
	assert.Equal(t, time.Minute, mr.TTL("k"))
}

func TestIncrWindow_NoLostUpdates(t *testing.T) {
	s, _ := setupStore(t)
	ctx := context.Background()

	const workers = 50
	var wg sync.WaitGroup
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _, err := s.IncrWindow(ctx, "shared", time.Minute)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	count, _, err := s.IncrWindow(ctx, "shared", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(workers+1), count)
}

// ============================================================================
// SetMaxTTL
// ============================================================================

func TestSetMaxTTL_NeverShortens(t *testing.T) {
	s, mr := setupStore(t)
	ctx := context.Background()

	require.NoError(t, s.SetMaxTTL(ctx, "blacklist:a", "logout", 10*time.Minute))
	assert.Equal(t, 10*time.Minute, mr.TTL("blacklist:a"))

	require.NoError(t, s.SetMaxTTL(ctx, "blacklist:a", "logout", time.Minute))
	assert.Equal(t, 10*time.Minute, mr.TTL("blacklist:a"))

	require.NoError(t, s.SetMaxTTL(ctx, "blacklist:a", "revoked", 20*time.Minute))
	assert.Equal(t, 20*time.Minute, mr.TTL("blacklist:a"))
	got, err := mr.Get("blacklist:a")
	require.NoError(t, err)
	assert.Equal(t, "revoked", got)
}

func TestSetMaxTTL_LeavesPersistentKey(t *testing.T) {
	s, mr := setupStore(t)
	require.NoError(t, mr.Set("k", "v"))

	require.NoError(t, s.SetMaxTTL(context.Background(), "k", "other", time.Minute))
	got, _ := mr.Get("k")
	assert.Equal(t, "v", got)
	assert.Zero(t, mr.TTL("k"))
}

func TestSetMaxTTL_SubMillisecondRoundsUp(t *testing.T) {
	s, mr := setupStore(t)
	require.NoError(t, s.SetMaxTTL(context.Background(), "k", "v", 500*time.Microsecond))
	assert.True(t, mr.Exists("k"))
	assert.Equal(t, time.Millisecond, mr.TTL("k"))
}

func TestSetMaxTTL_ZeroTTLIsNoop(t *testing.T) {
	s, mr := setupStore(t)
	require.NoError(t, s.SetMaxTTL(context.Background(), "k", "v", 0))
	assert.False(t, mr.Exists("k"))
}

// ============================================================================
// Exists / Delete
// ============================================================================

func TestExistsAndDelete(t *testing.T) {
	s, mr := setupStore(t)
	ctx := context.Background()

	ok, err := s.Exists(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, mr.Set("k", "v"))
	ok, err = s.Exists(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)

	removed, err := s.Delete(ctx, "k")
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = s.Delete(ctx, "k")
	require.NoError(t, err)
	assert.False(t, removed)
}

// ============================================================================
// Records
// ============================================================================

func TestPutRecord_Overwrites(t *testing.T) {
	s, mr := setupStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutRecord(ctx, "otp:a", map[string]string{"code": "111111", "stale": "x"}, time.Hour))
	require.NoError(t, s.PutRecord(ctx, "otp:a", map[string]string{"code": "222222"}, 15*time.Minute))

	keys, err := mr.HKeys("otp:a")
	require.NoError(t, err)
	assert.Equal(t, []string{"code"}, keys)
	assert.Equal(t, "222222", mr.HGet("otp:a", "code"))
	assert.Equal(t, 15*time.Minute, mr.TTL("otp:a"))
}

func TestIncrField_ReturnsRecordAfterIncrement(t *testing.T) {
	s, mr := setupStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutRecord(ctx, "otp:a", map[string]string{"code": "123456", "attempts": "0"}, time.Hour))

	fields, err := s.IncrField(ctx, "otp:a", "attempts")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"code": "123456", "attempts": "1"}, fields)
	assert.Equal(t, time.Hour, mr.TTL("otp:a"), "increment must keep the record TTL")

	fields, err = s.IncrField(ctx, "otp:a", "attempts")
	require.NoError(t, err)
	assert.Equal(t, "2", fields["attempts"])
}

func TestIncrField_DoesNotResurrect(t *testing.T) {
	s, mr := setupStore(t)

	fields, err := s.IncrField(context.Background(), "otp:gone", "attempts")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.Nil(t, fields)
	assert.False(t, mr.Exists("otp:gone"))
}

func TestDeleteIfField(t *testing.T) {
	s, mr := setupStore(t)
	ctx := context.Background()

	require.NoError(t, s.PutRecord(ctx, "otp:a", map[string]string{"code": "222222"}, time.Hour))

	removed, err := s.DeleteIfField(ctx, "otp:a", "code", "111111")
	require.NoError(t, err)
	assert.False(t, removed)
	assert.True(t, mr.Exists("otp:a"), "a record holding another value stays")

	removed, err = s.DeleteIfField(ctx, "otp:a", "code", "222222")
	require.NoError(t, err)
	assert.True(t, removed)
	assert.False(t, mr.Exists("otp:a"))

	removed, err = s.DeleteIfField(ctx, "otp:a", "code", "222222")
	require.NoError(t, err)
	assert.False(t, removed)
}

// ============================================================================
// Outage
// ============================================================================

func TestOutage_ReportsUnavailable(t *testing.T) {
	s, mr := setupStore(t)
	mr.Close()
	ctx := context.Background()

	_, _, err := s.IncrWindow(ctx, "k", time.Minute)
	assert.ErrorIs(t, err, ErrUnavailable)

	_, err = s.Exists(ctx, "k")
	assert.ErrorIs(t, err, ErrUnavailable)

	_, err = s.IncrField(ctx, "k", "f")
	assert.ErrorIs(t, err, ErrUnavailable)

	_, err = s.DeleteIfField(ctx, "k", "f", "v")
	assert.ErrorIs(t, err, ErrUnavailable)

	assert.ErrorIs(t, s.Ping(ctx), ErrUnavailable)
}

func TestOutage_BreakerOpensAndShortCircuits(t *testing.T) {
	s, mr := setupStore(t)
	mr.Close()
	ctx := context.Background()

	for range 5 {
		_, err := s.Exists(ctx, "k")
		require.ErrorIs(t, err, ErrUnavailable)
	}

	require.NoError(t, mr.Restart())

	_, err := s.Exists(ctx, "k")
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.ErrorIs(t, err, breaker.ErrOpen)
}

func TestMisses_DoNotTripBreaker(t *testing.T) {
	s, _ := setupStore(t)
	ctx := context.Background()

	for range 10 {
		_, err := s.IncrField(ctx, "missing", "attempts")
		require.ErrorIs(t, err, ErrNotFound)
	}

	_, err := s.Exists(ctx, "k")
	assert.NoError(t, err)
}
