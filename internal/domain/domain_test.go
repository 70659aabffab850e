package domain

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Role
// ============================================================================

func TestRole_Satisfies(t *testing.T) {
	tests := []struct {
		have, need Role
		want       bool
	}{
		{RoleAdmin, RoleAdmin, true},
		{RoleAdmin, RoleUser, true},
		{RoleUser, RoleUser, true},
		{RoleUser, RoleAdmin, false},
		{Role("admin"), RoleUser, false},
		{Role(""), RoleUser, false},
		{RoleAdmin, Role("SUPERUSER"), false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.have.Satisfies(tt.need), "%q satisfies %q", tt.have, tt.need)
	}
}

func TestParseRole(t *testing.T) {
	r, err := ParseRole("ADMIN")
	require.NoError(t, err)
	assert.Equal(t, RoleAdmin, r)
	assert.True(t, r.Valid())

	_, err = ParseRole("customer")
	assert.Error(t, err)
}

// ============================================================================
// Purpose
// ============================================================================

func TestParsePurpose(t *testing.T) {
	for _, s := range []string{"access", "password_reset", "email_verification"} {
		p, err := ParsePurpose(s)
		require.NoError(t, err)
		assert.Equal(t, s, string(p))
	}

	_, err := ParsePurpose("refresh")
	assert.Error(t, err)
}

// ============================================================================
// SessionToken
// ============================================================================

func TestSessionToken_ActiveAt(t *testing.T) {
	issued := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	rec := SessionToken{IssuedAt: issued, ExpiresAt: issued.Add(time.Hour)}

	assert.True(t, rec.ActiveAt(issued))
	assert.True(t, rec.ActiveAt(issued.Add(59*time.Minute)))
	assert.False(t, rec.ActiveAt(issued.Add(time.Hour)))
	assert.False(t, rec.ActiveAt(issued.Add(61*time.Minute)))

	rec.Revoked = true
	assert.False(t, rec.ActiveAt(issued))
}

func TestSessionToken_RemainingAt(t *testing.T) {
	issued := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	rec := SessionToken{ExpiresAt: issued.Add(30 * time.Minute)}

	assert.Equal(t, 20*time.Minute, rec.RemainingAt(issued.Add(10*time.Minute)))
	assert.Zero(t, rec.RemainingAt(issued.Add(time.Hour)))
}

// ============================================================================
// User
// ============================================================================

func TestUser_PasswordHashNotSerialized(t *testing.T) {
	raw, err := json.Marshal(User{ID: "u1", Email: "a@example.com", PasswordHash: "$2a$12$secret", Role: RoleUser})
	require.NoError(t, err)

	assert.NotContains(t, string(raw), "secret")
	assert.Contains(t, string(raw), `"role":"USER"`)
}
