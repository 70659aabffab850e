package blacklist

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taut0logy/kothakoli/internal/store"
	"github.com/taut0logy/kothakoli/pkg/breaker"
	"github.com/taut0logy/kothakoli/pkg/logger"
)

func setup(t *testing.T) (*Blacklist, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { client.Close() })

	s := store.NewRedisStore(client, breaker.New(breaker.DefaultConfig("blacklist-test"), logger.Discard()), time.Second, logger.Discard())
	return New(s, logger.Discard()), mr
}

func TestDigest(t *testing.T) {
	d := Digest("abc")
	assert.Len(t, d, 64)
	assert.Equal(t, d, Digest("abc"))
	assert.NotEqual(t, d, Digest("abd"))
}

func TestAddAndContains(t *testing.T) {
	bl, mr := setup(t)
	ctx := context.Background()

	found, err := bl.Contains(ctx, "tok")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, bl.Add(ctx, "tok", "logout", 10*time.Minute))

	found, err = bl.Contains(ctx, "tok")
	require.NoError(t, err)
	assert.True(t, found)

	assert.False(t, mr.Exists("blacklist:tok"), "raw token must not be used as key")
	assert.True(t, mr.Exists(keyPrefix+Digest("tok")))
}

func TestEntryExpiresWithToken(t *testing.T) {
	bl, mr := setup(t)
	ctx := context.Background()

	require.NoError(t, bl.Add(ctx, "tok", "logout", 5*time.Minute))
	mr.FastForward(5 * time.Minute)

	found, err := bl.Contains(ctx, "tok")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestAdd_IdempotentAndNeverShortens(t *testing.T) {
	bl, mr := setup(t)
	ctx := context.Background()
	key := keyPrefix + Digest("tok")

	require.NoError(t, bl.Add(ctx, "tok", "logout", 30*time.Minute))
	require.NoError(t, bl.Add(ctx, "tok", "logout", 30*time.Minute))
	require.NoError(t, bl.Add(ctx, "tok", "password_reset", time.Minute))

	assert.Equal(t, 30*time.Minute, mr.TTL(key))
}

func TestAdd_ExpiredTokenIsSkipped(t *testing.T) {
	bl, mr := setup(t)
	require.NoError(t, bl.Add(context.Background(), "tok", "logout", 0))
	assert.False(t, mr.Exists(keyPrefix+Digest("tok")))
}

func TestAddDigest(t *testing.T) {
	bl, _ := setup(t)
	ctx := context.Background()

	require.NoError(t, bl.AddDigest(ctx, Digest("tok"), "sessions_revoked", time.Hour))

	found, err := bl.Contains(ctx, "tok")
	require.NoError(t, err)
	assert.True(t, found)
}

func TestContains_StoreDownIsUnknown(t *testing.T) {
	bl, mr := setup(t)
	mr.Close()

	found, err := bl.Contains(context.Background(), "tok")
	assert.False(t, found)
	assert.ErrorIs(t, err, store.ErrUnavailable)
}
