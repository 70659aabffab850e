package domain

import (
	"fmt"
	"time"
)

// Purpose binds a session token or one-time code to a single use.
type Purpose string

const (
	// PurposeAccess tokens authenticate API calls.
	PurposeAccess Purpose = "access"
	// PurposePasswordReset tokens and codes authorize one password reset.
	PurposePasswordReset Purpose = "password_reset"
	// PurposeEmailVerification codes confirm ownership of an email address.
	PurposeEmailVerification Purpose = "email_verification"
)

// ParsePurpose validates a purpose string.
func ParsePurpose(s string) (Purpose, error) {
	switch p := Purpose(s); p {
	case PurposeAccess, PurposePasswordReset, PurposeEmailVerification:
		return p, nil
	default:
		return "", fmt.Errorf("unknown purpose %q", s)
	}
}

// SessionToken is the persisted side record of an issued bearer token. The
// token string itself is never stored; TokenHash is its SHA-256 digest.
type SessionToken struct {
	ID           string
	TokenHash    string
	UserID       string
	RoleSnapshot Role
	Purpose      Purpose
	IssuedAt     time.Time
	ExpiresAt    time.Time
	Revoked      bool
	RevokedAt    *time.Time
}

// ActiveAt reports whether the record still authorizes its token at now.
func (t *SessionToken) ActiveAt(now time.Time) bool {
	return !t.Revoked && now.Before(t.ExpiresAt)
}

// RemainingAt is the token's remaining lifetime at now, never negative.
func (t *SessionToken) RemainingAt(now time.Time) time.Duration {
	if d := t.ExpiresAt.Sub(now); d > 0 {
		return d
	}
	return 0
}

// Identity is the verified caller behind a bearer token. Role comes from the
// persisted record, not from the token's embedded claim.
type Identity struct {
	UserID    string
	Role      Role
	Purpose   Purpose
	TokenID   string
	IssuedAt  time.Time
	ExpiresAt time.Time
}
