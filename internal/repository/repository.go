package repository

import (
	"context"
	"time"

	"github.com/taut0logy/kothakoli/internal/domain"
)

// UserRepository defines the interface for user persistence operations.
type UserRepository interface {
	// Create inserts a new user into the store.
	Create(ctx context.Context, user *domain.User) error

	// GetByID retrieves a user by their unique identifier.
	GetByID(ctx context.Context, id string) (*domain.User, error)

	// GetByEmail retrieves a user by their email address.
	GetByEmail(ctx context.Context, email string) (*domain.User, error)

	// Update modifies an existing user in the store.
	Update(ctx context.Context, user *domain.User) error

	// Delete removes a user. Session token records cascade.
	Delete(ctx context.Context, id string) error

	// List returns one page of users ordered by creation time and the total count.
	List(ctx context.Context, offset, limit int) ([]domain.User, int, error)
}

// SessionTokenRepository persists the revocable side records of issued tokens.
type SessionTokenRepository interface {
	// Create stores a new record.
	Create(ctx context.Context, token *domain.SessionToken) error

	// Get retrieves a record by token id.
	Get(ctx context.Context, id string) (*domain.SessionToken, error)

	// Revoke marks the record revoked and returns it. Revoking an already
	// revoked record keeps its original revocation time.
	Revoke(ctx context.Context, id string, at time.Time) (*domain.SessionToken, error)

	// RevokeByUserID revokes every live record of the user and returns the
	// records it changed.
	RevokeByUserID(ctx context.Context, userID string, at time.Time) ([]domain.SessionToken, error)

	// DeleteExpired removes records expired at now and records revoked before
	// revokedBefore. It returns the number of rows removed.
	DeleteExpired(ctx context.Context, now, revokedBefore time.Time) (int64, error)
}
