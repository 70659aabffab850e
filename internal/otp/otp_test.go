package otp

import (
	"context"
	"regexp"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taut0logy/kothakoli/internal/domain"
	"github.com/taut0logy/kothakoli/internal/store"
	"github.com/taut0logy/kothakoli/pkg/breaker"
	"github.com/taut0logy/kothakoli/pkg/logger"
)

const email = "alice@example.com"

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func setup(t *testing.T, maxAttempts int) (*Engine, *miniredis.Miniredis, *clock) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { client.Close() })

	s := store.NewRedisStore(client, breaker.New(breaker.DefaultConfig("otp-test"), logger.Discard()), time.Second, logger.Discard())
	c := &clock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	e := NewEngine(s, Config{
		TTL: map[domain.Purpose]time.Duration{
			domain.PurposePasswordReset:     15 * time.Minute,
			domain.PurposeEmailVerification: time.Hour,
		},
		MaxAttempts: maxAttempts,
	}, c.Now, logger.Discard())
	return e, mr, c
}

func wrongCode(code string) string {
	if code == "000000" {
		return "111111"
	}
	return "000000"
}

// ============================================================================
// Issue
// ============================================================================

func TestIssue_SixDigitsWithTTL(t *testing.T) {
	e, mr, c := setup(t, 3)

	code, expiresAt, err := e.Issue(context.Background(), email, domain.PurposePasswordReset)
	require.NoError(t, err)
	assert.Regexp(t, regexp.MustCompile(`^\d{6}$`), code)
	assert.Equal(t, c.Now().Add(15*time.Minute), expiresAt)

	key := "otp:alice@example.com:password_reset"
	assert.Equal(t, 15*time.Minute, mr.TTL(key))
	assert.Equal(t, "0", mr.HGet(key, "attempts"))
	assert.Equal(t, "3", mr.HGet(key, "max_attempts"))
}

func TestIssue_PerPurposeTTL(t *testing.T) {
	e, mr, _ := setup(t, 3)

	_, _, err := e.Issue(context.Background(), email, domain.PurposeEmailVerification)
	require.NoError(t, err)
	assert.Equal(t, time.Hour, mr.TTL("otp:alice@example.com:email_verification"))
}

func TestIssue_UnconfiguredPurpose(t *testing.T) {
	e, _, _ := setup(t, 3)
	_, _, err := e.Issue(context.Background(), email, domain.PurposeAccess)
	assert.Error(t, err)
}

func TestIssue_ReplacesPreviousCode(t *testing.T) {
	e, _, _ := setup(t, 3)
	ctx := context.Background()

	var old, current string
	for {
		var err error
		old, _, err = e.Issue(ctx, email, domain.PurposePasswordReset)
		require.NoError(t, err)
		current, _, err = e.Issue(ctx, email, domain.PurposePasswordReset)
		require.NoError(t, err)
		if old != current {
			break
		}
	}

	ok, err := e.Verify(ctx, email, domain.PurposePasswordReset, old)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = e.Verify(ctx, email, domain.PurposePasswordReset, current)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestIssue_StoreDown(t *testing.T) {
	e, mr, _ := setup(t, 3)
	mr.Close()

	_, _, err := e.Issue(context.Background(), email, domain.PurposePasswordReset)
	assert.ErrorIs(t, err, store.ErrUnavailable)
}

// ============================================================================
// Verify
// ============================================================================

func TestVerify_CorrectCodeIsSingleUse(t *testing.T) {
	e, mr, _ := setup(t, 3)
	ctx := context.Background()

	code, _, err := e.Issue(ctx, email, domain.PurposePasswordReset)
	require.NoError(t, err)

	ok, err := e.Verify(ctx, email, domain.PurposePasswordReset, code)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.False(t, mr.Exists("otp:alice@example.com:password_reset"))

	ok, err = e.Verify(ctx, email, domain.PurposePasswordReset, code)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerify_IdentityIsCaseInsensitive(t *testing.T) {
	e, _, _ := setup(t, 3)
	ctx := context.Background()

	code, _, err := e.Issue(ctx, "Alice@Example.com", domain.PurposePasswordReset)
	require.NoError(t, err)

	ok, err := e.Verify(ctx, email, domain.PurposePasswordReset, code)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestVerify_PurposeIsolation(t *testing.T) {
	e, _, _ := setup(t, 3)
	ctx := context.Background()

	code, _, err := e.Issue(ctx, email, domain.PurposeEmailVerification)
	require.NoError(t, err)

	ok, err := e.Verify(ctx, email, domain.PurposePasswordReset, code)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerify_ThreeWrongThenCorrectFails(t *testing.T) {
	e, mr, _ := setup(t, 3)
	ctx := context.Background()

	code, _, err := e.Issue(ctx, email, domain.PurposePasswordReset)
	require.NoError(t, err)

	for i := range 3 {
		ok, err := e.Verify(ctx, email, domain.PurposePasswordReset, wrongCode(code))
		require.NoError(t, err)
		assert.False(t, ok, "attempt %d", i+1)
	}
	assert.False(t, mr.Exists("otp:alice@example.com:password_reset"))

	ok, err := e.Verify(ctx, email, domain.PurposePasswordReset, code)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerify_CorrectOnFinalAttemptSucceeds(t *testing.T) {
	e, _, _ := setup(t, 3)
	ctx := context.Background()

	code, _, err := e.Issue(ctx, email, domain.PurposePasswordReset)
	require.NoError(t, err)

	for range 2 {
		ok, err := e.Verify(ctx, email, domain.PurposePasswordReset, wrongCode(code))
		require.NoError(t, err)
		assert.False(t, ok)
	}

	ok, err := e.Verify(ctx, email, domain.PurposePasswordReset, code)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestVerify_AttemptsNeverExceedBudget(t *testing.T) {
	e, mr, _ := setup(t, 3)
	ctx := context.Background()
	key := "otp:alice@example.com:password_reset"

	code, _, err := e.Issue(ctx, email, domain.PurposePasswordReset)
	require.NoError(t, err)

	_, err = e.Verify(ctx, email, domain.PurposePasswordReset, wrongCode(code))
	require.NoError(t, err)
	assert.Equal(t, "1", mr.HGet(key, "attempts"))

	_, err = e.Verify(ctx, email, domain.PurposePasswordReset, wrongCode(code))
	require.NoError(t, err)
	assert.Equal(t, "2", mr.HGet(key, "attempts"))
}

func TestVerify_ExpiredByClock(t *testing.T) {
	e, mr, c := setup(t, 3)
	ctx := context.Background()

	code, _, err := e.Issue(ctx, email, domain.PurposePasswordReset)
	require.NoError(t, err)

	c.Advance(15 * time.Minute)

	ok, err := e.Verify(ctx, email, domain.PurposePasswordReset, code)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, mr.Exists("otp:alice@example.com:password_reset"), "expired record must be deleted")
}

func TestVerify_ExpiredByStoreTTL(t *testing.T) {
	e, mr, _ := setup(t, 3)
	ctx := context.Background()

	code, _, err := e.Issue(ctx, email, domain.PurposePasswordReset)
	require.NoError(t, err)

	mr.FastForward(15 * time.Minute)

	ok, err := e.Verify(ctx, email, domain.PurposePasswordReset, code)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerify_NoCode(t *testing.T) {
	e, _, _ := setup(t, 3)
	ok, err := e.Verify(context.Background(), email, domain.PurposePasswordReset, "123456")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestVerify_StoreDownFailsClosed(t *testing.T) {
	e, mr, _ := setup(t, 3)
	ctx := context.Background()

	code, _, err := e.Issue(ctx, email, domain.PurposePasswordReset)
	require.NoError(t, err)
	mr.Close()

	ok, err := e.Verify(ctx, email, domain.PurposePasswordReset, code)
	assert.False(t, ok)
	assert.ErrorIs(t, err, store.ErrUnavailable)
}

func TestVerify_ConcurrentCorrectSubmissionsSucceedOnce(t *testing.T) {
	e, _, _ := setup(t, 20)
	ctx := context.Background()

	code, _, err := e.Issue(ctx, email, domain.PurposePasswordReset)
	require.NoError(t, err)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := e.Verify(ctx, email, domain.PurposePasswordReset, code)
			assert.NoError(t, err)
			if ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
}

// reissuingStore runs reissue once, right after the first attempt is counted.
type reissuingStore struct {
	store.Store
	once    sync.Once
	reissue func()
}

func (s *reissuingStore) IncrField(ctx context.Context, key, field string) (map[string]string, error) {
	rec, err := s.Store.IncrField(ctx, key, field)
	s.once.Do(s.reissue)
	return rec, err
}

func TestVerify_CodeSupersededMidVerifyIsRejected(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { client.Close() })

	rs := &reissuingStore{Store: store.NewRedisStore(client, breaker.New(breaker.DefaultConfig("otp-test"), logger.Discard()), time.Second, logger.Discard())}
	c := &clock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	e := NewEngine(rs, Config{
		TTL:         map[domain.Purpose]time.Duration{domain.PurposePasswordReset: 15 * time.Minute},
		MaxAttempts: 3,
	}, c.Now, logger.Discard())
	ctx := context.Background()

	old, _, err := e.Issue(ctx, email, domain.PurposePasswordReset)
	require.NoError(t, err)

	var fresh string
	rs.reissue = func() {
		for {
			code, _, err := e.Issue(ctx, email, domain.PurposePasswordReset)
			require.NoError(t, err)
			if code != old {
				fresh = code
				return
			}
		}
	}

	ok, err := e.Verify(ctx, email, domain.PurposePasswordReset, old)
	require.NoError(t, err)
	assert.False(t, ok, "superseded code must not verify")
	require.NotEmpty(t, fresh)

	ok, err = e.Verify(ctx, email, domain.PurposePasswordReset, fresh)
	require.NoError(t, err)
	assert.True(t, ok, "replacement code must survive")
}

func TestVerify_CountsOutcomes(t *testing.T) {
	e, _, _ := setup(t, 3)
	ctx := context.Background()

	before := testutil.ToFloat64(verificationsTotal.WithLabelValues("password_reset", "consumed"))

	code, _, err := e.Issue(ctx, email, domain.PurposePasswordReset)
	require.NoError(t, err)
	ok, err := e.Verify(ctx, email, domain.PurposePasswordReset, code)
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, before+1, testutil.ToFloat64(verificationsTotal.WithLabelValues("password_reset", "consumed")))
}

// ============================================================================
// Invalidate
// ============================================================================

func TestInvalidate(t *testing.T) {
	e, _, _ := setup(t, 3)
	ctx := context.Background()

	code, _, err := e.Issue(ctx, email, domain.PurposePasswordReset)
	require.NoError(t, err)

	require.NoError(t, e.Invalidate(ctx, email, domain.PurposePasswordReset))
	require.NoError(t, e.Invalidate(ctx, email, domain.PurposePasswordReset))

	ok, err := e.Verify(ctx, email, domain.PurposePasswordReset, code)
	require.NoError(t, err)
	assert.False(t, ok)
}
