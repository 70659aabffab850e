// Package otp issues and verifies six-digit one-time codes bound to an
// (identity, purpose) pair. A record lives in the shared store and is deleted
// on success, exhaustion or expiry.
package otp

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/taut0logy/kothakoli/internal/domain"
	"github.com/taut0logy/kothakoli/internal/store"
	"github.com/taut0logy/kothakoli/pkg/logger"
)

// CodeLength is the number of digits in a code.
const CodeLength = 6

const (
	fieldCode        = "code"
	fieldAttempts    = "attempts"
	fieldMaxAttempts = "max_attempts"
	fieldExpiresAt   = "expires_at"
)

var (
	issuedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "otp_issued_total",
			Help: "One-time codes issued by purpose",
		},
		[]string{"purpose"},
	)
	verificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "otp_verifications_total",
			Help: "One-time code verifications by purpose and outcome",
		},
		[]string{"purpose", "outcome"},
	)
)

var codeSpace = big.NewInt(1_000_000)

// Config sets the code lifetime per purpose and the attempt budget.
type Config struct {
	TTL         map[domain.Purpose]time.Duration
	MaxAttempts int
}

// Engine issues and verifies one-time codes.
type Engine struct {
	store       store.Store
	ttl         map[domain.Purpose]time.Duration
	maxAttempts int
	now         func() time.Time
	random      io.Reader
	logger      *slog.Logger
}

// NewEngine creates an Engine. A nil clock means time.Now.
func NewEngine(s store.Store, cfg Config, now func() time.Time, logger *slog.Logger) *Engine {
	if now == nil {
		now = time.Now
	}
	return &Engine{
		store:       s,
		ttl:         cfg.TTL,
		maxAttempts: cfg.MaxAttempts,
		now:         now,
		random:      rand.Reader,
		logger:      logger,
	}
}

func recordKey(identity string, purpose domain.Purpose) string {
	return "otp:" + strings.ToLower(strings.TrimSpace(identity)) + ":" + string(purpose)
}

// Issue creates a fresh code for the pair, replacing any live one.
func (e *Engine) Issue(ctx context.Context, identity string, purpose domain.Purpose) (string, time.Time, error) {
	ttl, ok := e.ttl[purpose]
	if !ok || ttl <= 0 {
		return "", time.Time{}, fmt.Errorf("no code lifetime configured for purpose %q", purpose)
	}

	n, err := rand.Int(e.random, codeSpace)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("generate code: %w", err)
	}
	code := fmt.Sprintf("%0*d", CodeLength, n.Int64())
	expiresAt := e.now().Add(ttl)

	err = e.store.PutRecord(ctx, recordKey(identity, purpose), map[string]string{
		fieldCode:        code,
		fieldAttempts:    "0",
		fieldMaxAttempts: strconv.Itoa(e.maxAttempts),
		fieldExpiresAt:   strconv.FormatInt(expiresAt.UnixMilli(), 10),
	}, ttl)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("store %s code: %w", purpose, err)
	}

	issuedTotal.WithLabelValues(string(purpose)).Inc()
	logger.FromContext(ctx).InfoContext(ctx, "one-time code issued",
		slog.String("identity", logger.MaskEmail(identity)),
		slog.String("purpose", string(purpose)),
		slog.Time("expires_at", expiresAt),
	)
	return code, expiresAt, nil
}

// Verify consumes one attempt and reports whether candidate is the live code.
// The attempt is counted, and the record read, in a single store step before
// the comparison. A correct code deletes the record only while it still holds
// that code, so a code superseded by a concurrent Issue never succeeds and
// never removes its replacement. Of two concurrent correct submissions only
// one succeeds. A non-nil error means the store could not be consulted; the
// result is then always false.
func (e *Engine) Verify(ctx context.Context, identity string, purpose domain.Purpose, candidate string) (bool, error) {
	key := recordKey(identity, purpose)

	rec, err := e.store.IncrField(ctx, key, fieldAttempts)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return e.outcome(ctx, identity, purpose, "absent", false), nil
		}
		e.outcome(ctx, identity, purpose, "unavailable", false)
		return false, fmt.Errorf("count %s attempt: %w", purpose, err)
	}
	stored := rec[fieldCode]

	expiresAt, err := strconv.ParseInt(rec[fieldExpiresAt], 10, 64)
	if err != nil || !e.now().Before(time.UnixMilli(expiresAt)) {
		return e.discard(ctx, key, stored, identity, purpose, "expired")
	}

	attempts, err := strconv.ParseInt(rec[fieldAttempts], 10, 64)
	if err != nil {
		return e.discard(ctx, key, stored, identity, purpose, "exhausted")
	}
	limit, err := strconv.ParseInt(rec[fieldMaxAttempts], 10, 64)
	if err != nil {
		limit = int64(e.maxAttempts)
	}
	if attempts > limit {
		return e.discard(ctx, key, stored, identity, purpose, "exhausted")
	}

	if stored != "" && subtle.ConstantTimeCompare([]byte(strings.TrimSpace(candidate)), []byte(stored)) == 1 {
		removed, err := e.store.DeleteIfField(ctx, key, fieldCode, stored)
		if err != nil {
			e.outcome(ctx, identity, purpose, "unavailable", false)
			return false, fmt.Errorf("consume %s code: %w", purpose, err)
		}
		if !removed {
			return e.outcome(ctx, identity, purpose, "raced", false), nil
		}
		return e.outcome(ctx, identity, purpose, "consumed", true), nil
	}

	if attempts >= limit {
		return e.discard(ctx, key, stored, identity, purpose, "exhausted")
	}
	return e.outcome(ctx, identity, purpose, "mismatch", false), nil
}

// Invalidate deletes any live code for the pair.
func (e *Engine) Invalidate(ctx context.Context, identity string, purpose domain.Purpose) error {
	if _, err := e.store.Delete(ctx, recordKey(identity, purpose)); err != nil {
		return fmt.Errorf("invalidate %s code: %w", purpose, err)
	}
	return nil
}

// discard removes the record read by Verify, leaving any newer code in place.
func (e *Engine) discard(ctx context.Context, key, code, identity string, purpose domain.Purpose, outcome string) (bool, error) {
	if _, err := e.store.DeleteIfField(ctx, key, fieldCode, code); err != nil {
		e.logger.WarnContext(ctx, "failed to delete one-time code",
			slog.String("purpose", string(purpose)),
			slog.String("error", err.Error()),
		)
	}
	return e.outcome(ctx, identity, purpose, outcome, false), nil
}

func (e *Engine) outcome(ctx context.Context, identity string, purpose domain.Purpose, outcome string, ok bool) bool {
	verificationsTotal.WithLabelValues(string(purpose), outcome).Inc()
	logger.FromContext(ctx).InfoContext(ctx, "one-time code verification",
		slog.String("identity", logger.MaskEmail(identity)),
		slog.String("purpose", string(purpose)),
		slog.String("outcome", outcome),
	)
	return ok
}
