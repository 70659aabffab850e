// Package blacklist is the fast-path revocation ledger. Entries are keyed by
// the SHA-256 digest of the token and expire when the token would have.
package blacklist

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/taut0logy/kothakoli/internal/store"
)

const keyPrefix = "blacklist:"

var checksTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "blacklist_checks_total",
		Help: "Blacklist lookups by result (hit, miss, unknown)",
	},
	[]string{"result"},
)

// Digest returns the hex SHA-256 digest of a raw token string.
func Digest(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// Blacklist records revoked tokens in the shared store.
type Blacklist struct {
	store  store.Store
	logger *slog.Logger
}

// New creates a Blacklist on top of the shared store.
func New(s store.Store, logger *slog.Logger) *Blacklist {
	return &Blacklist{store: s, logger: logger}
}

// Add blacklists token for ttl. Adding an entry that already outlives ttl
// leaves it untouched.
func (b *Blacklist) Add(ctx context.Context, token, reason string, ttl time.Duration) error {
	return b.AddDigest(ctx, Digest(token), reason, ttl)
}

// AddDigest is Add for callers that only hold the token digest, such as a
// fan-out revocation over persisted records.
func (b *Blacklist) AddDigest(ctx context.Context, digest, reason string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	return b.store.SetMaxTTL(ctx, keyPrefix+digest, reason, ttl)
}

// Contains reports whether token is blacklisted. A non-nil error means the
// answer is unknown; callers must fall through to the authoritative check
// rather than allow or deny on it.
func (b *Blacklist) Contains(ctx context.Context, token string) (bool, error) {
	found, err := b.store.Exists(ctx, keyPrefix+Digest(token))
	switch {
	case err != nil:
		checksTotal.WithLabelValues("unknown").Inc()
		if !errors.Is(err, store.ErrUnavailable) {
			b.logger.ErrorContext(ctx, "blacklist lookup failed", slog.String("error", err.Error()))
		}
		return false, err
	case found:
		checksTotal.WithLabelValues("hit").Inc()
	default:
		checksTotal.WithLabelValues("miss").Inc()
	}
	return found, nil
}
