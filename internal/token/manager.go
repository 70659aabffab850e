// Package token owns the lifecycle of bearer session tokens: issuance with a
// persisted side record, verification against signature and record, revocation
// and periodic cleanup.
package token

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/taut0logy/kothakoli/internal/auth"
	"github.com/taut0logy/kothakoli/internal/blacklist"
	"github.com/taut0logy/kothakoli/internal/domain"
	"github.com/taut0logy/kothakoli/internal/repository"
	apperrors "github.com/taut0logy/kothakoli/pkg/errors"
	"github.com/taut0logy/kothakoli/pkg/logger"
)

var verificationsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "token_verifications_total",
		Help: "Token verifications by result",
	},
	[]string{"result"},
)

// Rejection reasons. They are logged and counted but never returned to callers.
const (
	reasonSignature   = "signature"
	reasonExpired     = "expired"
	reasonPurpose     = "purpose"
	reasonBlacklisted = "blacklisted"
	reasonUnknown     = "unknown_token"
	reasonRevoked     = "revoked"
	reasonMismatch    = "record_mismatch"
	reasonLookup      = "lookup_failed"
)

// Blacklist is the fast-path revocation ledger used by the Manager.
type Blacklist interface {
	Add(ctx context.Context, token, reason string, ttl time.Duration) error
	AddDigest(ctx context.Context, digest, reason string, ttl time.Duration) error
	Contains(ctx context.Context, token string) (bool, error)
}

// Manager issues, verifies and revokes session tokens.
type Manager struct {
	signer       *auth.Signer
	repo         repository.SessionTokenRepository
	blacklist    Blacklist
	now          func() time.Time
	revokedGrace time.Duration
	logger       *slog.Logger
}

// NewManager creates a Manager. now must be the same clock the signer uses.
func NewManager(
	signer *auth.Signer,
	repo repository.SessionTokenRepository,
	bl Blacklist,
	now func() time.Time,
	revokedGrace time.Duration,
	logger *slog.Logger,
) *Manager {
	if now == nil {
		now = time.Now
	}
	return &Manager{
		signer:       signer,
		repo:         repo,
		blacklist:    bl,
		now:          now,
		revokedGrace: revokedGrace,
		logger:       logger,
	}
}

// Issue signs a token for the user and persists its record. When the record
// cannot be stored no token is returned.
func (m *Manager) Issue(ctx context.Context, userID string, role domain.Role, purpose domain.Purpose, ttl time.Duration) (string, *domain.SessionToken, error) {
	if ttl <= 0 {
		return "", nil, fmt.Errorf("issue %s token: ttl must be positive", purpose)
	}

	now := m.now().UTC().Truncate(time.Second)
	rec := &domain.SessionToken{
		ID:           uuid.New().String(),
		UserID:       userID,
		RoleSnapshot: role,
		Purpose:      purpose,
		IssuedAt:     now,
		ExpiresAt:    now.Add(ttl),
	}

	signed, err := m.signer.Sign(rec.ID, userID, role, purpose, rec.IssuedAt, rec.ExpiresAt)
	if err != nil {
		return "", nil, fmt.Errorf("sign %s token: %w", purpose, err)
	}
	rec.TokenHash = blacklist.Digest(signed)

	if err := m.repo.Create(ctx, rec); err != nil {
		return "", nil, fmt.Errorf("persist %s token: %w", purpose, err)
	}

	logger.FromContext(ctx).DebugContext(ctx, "token issued",
		slog.String("token_id", rec.ID),
		slog.String("purpose", string(purpose)),
		slog.Time("expires_at", rec.ExpiresAt),
	)
	return signed, rec, nil
}

// Verify checks the token's signature and expiry, the blacklist, and then
// the persisted record. Every failure yields the same unauthenticated error.
// The returned role is the persisted snapshot, not the embedded claim.
func (m *Manager) Verify(ctx context.Context, token string, purpose domain.Purpose) (*domain.Identity, error) {
	claims, err := m.signer.Parse(token)
	if err != nil {
		reason := reasonSignature
		if errors.Is(err, auth.ErrTokenExpired) {
			reason = reasonExpired
		}
		return nil, m.reject(ctx, reason, "", err)
	}
	if claims.Purpose != purpose {
		return nil, m.reject(ctx, reasonPurpose, claims.ID, nil)
	}

	// An unreachable blacklist is not an answer either way; the record decides.
	if listed, err := m.blacklist.Contains(ctx, token); err == nil && listed {
		return nil, m.reject(ctx, reasonBlacklisted, claims.ID, nil)
	}

	rec, err := m.repo.Get(ctx, claims.ID)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return nil, m.reject(ctx, reasonUnknown, claims.ID, nil)
		}
		return nil, m.reject(ctx, reasonLookup, claims.ID, err)
	}

	now := m.now()
	switch {
	case rec.Revoked:
		return nil, m.reject(ctx, reasonRevoked, rec.ID, nil)
	case !rec.ActiveAt(now):
		return nil, m.reject(ctx, reasonExpired, rec.ID, nil)
	case rec.UserID != claims.Subject || rec.Purpose != claims.Purpose:
		return nil, m.reject(ctx, reasonMismatch, rec.ID, nil)
	}

	verificationsTotal.WithLabelValues("ok").Inc()
	return &domain.Identity{
		UserID:    rec.UserID,
		Role:      rec.RoleSnapshot,
		Purpose:   rec.Purpose,
		TokenID:   rec.ID,
		IssuedAt:  rec.IssuedAt,
		ExpiresAt: rec.ExpiresAt,
	}, nil
}

func (m *Manager) reject(ctx context.Context, reason, tokenID string, cause error) error {
	verificationsTotal.WithLabelValues(reason).Inc()

	attrs := []any{slog.String("reason", reason)}
	if tokenID != "" {
		attrs = append(attrs, slog.String("token_id", tokenID))
	}
	if cause != nil {
		attrs = append(attrs, slog.String("error", cause.Error()))
	}

	log := logger.FromContext(ctx)
	if reason == reasonLookup {
		log.ErrorContext(ctx, "token rejected", attrs...)
	} else {
		log.InfoContext(ctx, "token rejected", attrs...)
	}
	return apperrors.Unauthenticated()
}

// Revoke marks the token's record revoked and blacklists the token for the
// rest of its lifetime. Revoking twice is harmless. An already expired token
// with a valid signature can still be revoked.
func (m *Manager) Revoke(ctx context.Context, token, reason string) error {
	claims, err := m.signer.ParseSignature(token)
	if err != nil {
		return m.reject(ctx, reasonSignature, "", err)
	}

	now := m.now()
	rec, err := m.repo.Revoke(ctx, claims.ID, now)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return m.reject(ctx, reasonUnknown, claims.ID, nil)
		}
		return fmt.Errorf("revoke token %s: %w", claims.ID, err)
	}

	if err := m.blacklist.Add(ctx, token, reason, rec.RemainingAt(now)); err != nil {
		logger.FromContext(ctx).WarnContext(ctx, "token revoked but not blacklisted",
			slog.String("token_id", rec.ID),
			slog.String("error", err.Error()),
		)
	}

	logger.FromContext(ctx).InfoContext(ctx, "token revoked",
		slog.String("token_id", rec.ID),
		slog.String("reason", reason),
	)
	return nil
}

// RevokeAllForUser revokes every live token of the user and returns how many
// were revoked.
func (m *Manager) RevokeAllForUser(ctx context.Context, userID, reason string) (int, error) {
	now := m.now()
	recs, err := m.repo.RevokeByUserID(ctx, userID, now)
	if err != nil {
		return 0, fmt.Errorf("revoke tokens for user %s: %w", userID, err)
	}

	for _, rec := range recs {
		if err := m.blacklist.AddDigest(ctx, rec.TokenHash, reason, rec.RemainingAt(now)); err != nil {
			logger.FromContext(ctx).WarnContext(ctx, "token revoked but not blacklisted",
				slog.String("token_id", rec.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	logger.FromContext(ctx).InfoContext(ctx, "user tokens revoked",
		slog.String("target_user_id", userID),
		slog.Int("count", len(recs)),
		slog.String("reason", reason),
	)
	return len(recs), nil
}

// Cleanup deletes expired records and revoked records past the grace period.
func (m *Manager) Cleanup(ctx context.Context) (int64, error) {
	now := m.now()
	n, err := m.repo.DeleteExpired(ctx, now, now.Add(-m.revokedGrace))
	if err != nil {
		return 0, fmt.Errorf("cleanup token records: %w", err)
	}
	return n, nil
}
