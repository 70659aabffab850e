package ratelimit

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taut0logy/kothakoli/internal/auth"
	"github.com/taut0logy/kothakoli/internal/domain"
	"github.com/taut0logy/kothakoli/pkg/logger"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
})

func fixedKey(k string) KeyFunc {
	return func(*http.Request) string { return k }
}

func TestMiddleware_SetsHeadersAndRejects(t *testing.T) {
	s, _ := newStore(t)
	l := New(s, "strict", 2, time.Minute, logger.Discard())
	h := Middleware(l, fixedKey("ip:1.2.3.4"), logger.Discard())(okHandler)

	for want := 1; want >= 0; want-- {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", nil))
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "2", rec.Header().Get(HeaderLimit))
		assert.Equal(t, strconv.Itoa(want), rec.Header().Get(HeaderRemaining))
		assert.Equal(t, "60", rec.Header().Get(HeaderReset))
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", nil))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "0", rec.Header().Get(HeaderRemaining))
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))

	var body struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "RATE_LIMITED", body.Error.Code)
}

func TestMiddleware_FailOpenPassesThrough(t *testing.T) {
	s, mr := newStore(t)
	l := New(s, "strict", 1, time.Minute, logger.Discard())
	h := Middleware(l, fixedKey("ip:1.2.3.4"), logger.Discard())(okHandler)
	mr.Close()

	for range 3 {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "1", rec.Header().Get(HeaderLimit))
	}
}

func TestSubjectOrIP(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	signer := auth.NewSigner("test-secret-that-is-long-enough-for-hs256", "kothakoli", clock)
	keyFn := SubjectOrIP(signer, false)

	tok, err := signer.Sign("tok-1", "user-42", domain.RoleUser, domain.PurposeAccess, now, now.Add(time.Hour))
	require.NoError(t, err)

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.1.2.3:5555"
	assert.Equal(t, "ip:10.1.2.3", keyFn(r))

	r.Header.Set("Authorization", "Bearer "+tok)
	assert.Equal(t, "user:user-42", keyFn(r))

	r.Header.Set("Authorization", "Bearer "+tok+"tampered")
	assert.Equal(t, "ip:10.1.2.3", keyFn(r))
}

func TestSubjectOrIP_IgnoresForwardedHeadersUnlessTrusted(t *testing.T) {
	signer := auth.NewSigner("secret", "kothakoli", nil)

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.RemoteAddr = "10.1.2.3:5555"
	r.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")

	assert.Equal(t, "ip:10.1.2.3", SubjectOrIP(signer, false)(r))
	assert.Equal(t, "ip:203.0.113.9", SubjectOrIP(signer, true)(r))
}
