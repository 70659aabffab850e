package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/taut0logy/kothakoli/internal/domain"
	"github.com/taut0logy/kothakoli/pkg/database"
	apperrors "github.com/taut0logy/kothakoli/pkg/errors"
)

const sessionTokenColumns = `id, token_hash, user_id, role_snapshot, purpose, issued_at, expires_at, revoked, revoked_at`

// SessionTokenRepository implements repository.SessionTokenRepository using PostgreSQL.
type SessionTokenRepository struct {
	db database.DBTX
}

// NewSessionTokenRepository creates a new PostgreSQL-backed token record repository.
func NewSessionTokenRepository(db database.DBTX) *SessionTokenRepository {
	return &SessionTokenRepository{db: db}
}

// Create inserts a token record.
func (r *SessionTokenRepository) Create(ctx context.Context, t *domain.SessionToken) (err error) {
	query := `
		INSERT INTO session_tokens (id, token_hash, user_id, role_snapshot, purpose, issued_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	ctx, end := database.TraceQuery(ctx, "CreateSessionToken", query)
	defer func() { end(err) }()

	_, err = r.db.Exec(ctx, query,
		t.ID,
		t.TokenHash,
		t.UserID,
		t.RoleSnapshot,
		t.Purpose,
		t.IssuedAt,
		t.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("insert session token: %w", err)
	}

	return nil
}

// Get retrieves a token record by id.
func (r *SessionTokenRepository) Get(ctx context.Context, id string) (_ *domain.SessionToken, err error) {
	query := `SELECT ` + sessionTokenColumns + ` FROM session_tokens WHERE id = $1`

	ctx, end := database.TraceQuery(ctx, "GetSessionToken", query)
	defer func() { end(err) }()

	var t domain.SessionToken
	if err = scanSessionToken(r.db.QueryRow(ctx, query, id), &t); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("scan session token: %w", err)
	}

	return &t, nil
}

// Revoke flips the revoked flag. The flag never goes back to false and the
// first revocation time is kept.
func (r *SessionTokenRepository) Revoke(ctx context.Context, id string, at time.Time) (_ *domain.SessionToken, err error) {
	query := `
		UPDATE session_tokens
		SET revoked = TRUE, revoked_at = COALESCE(revoked_at, $1)
		WHERE id = $2
		RETURNING ` + sessionTokenColumns

	ctx, end := database.TraceQuery(ctx, "RevokeSessionToken", query)
	defer func() { end(err) }()

	var t domain.SessionToken
	if err = scanSessionToken(r.db.QueryRow(ctx, query, at, id), &t); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("revoke session token: %w", err)
	}

	return &t, nil
}

// RevokeByUserID revokes every unrevoked, unexpired record of the user.
func (r *SessionTokenRepository) RevokeByUserID(ctx context.Context, userID string, at time.Time) (_ []domain.SessionToken, err error) {
	query := `
		UPDATE session_tokens
		SET revoked = TRUE, revoked_at = $1
		WHERE user_id = $2 AND revoked = FALSE AND expires_at > $1
		RETURNING ` + sessionTokenColumns

	ctx, end := database.TraceQuery(ctx, "RevokeSessionTokensByUser", query)
	defer func() { end(err) }()

	rows, err := r.db.Query(ctx, query, at, userID)
	if err != nil {
		return nil, fmt.Errorf("revoke session tokens by user: %w", err)
	}
	defer rows.Close()

	var revoked []domain.SessionToken
	for rows.Next() {
		var t domain.SessionToken
		if err = scanSessionToken(rows, &t); err != nil {
			return nil, fmt.Errorf("scan session token: %w", err)
		}
		revoked = append(revoked, t)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate revoked session tokens: %w", err)
	}

	return revoked, nil
}

// DeleteExpired removes expired records and revoked records older than
// revokedBefore.
func (r *SessionTokenRepository) DeleteExpired(ctx context.Context, now, revokedBefore time.Time) (_ int64, err error) {
	query := `
		DELETE FROM session_tokens
		WHERE expires_at <= $1 OR (revoked AND revoked_at < $2)`

	ctx, end := database.TraceQuery(ctx, "DeleteExpiredSessionTokens", query)
	defer func() { end(err) }()

	ct, err := r.db.Exec(ctx, query, now, revokedBefore)
	if err != nil {
		return 0, fmt.Errorf("delete expired session tokens: %w", err)
	}

	return ct.RowsAffected(), nil
}

func scanSessionToken(row pgx.Row, t *domain.SessionToken) error {
	return row.Scan(
		&t.ID,
		&t.TokenHash,
		&t.UserID,
		&t.RoleSnapshot,
		&t.Purpose,
		&t.IssuedAt,
		&t.ExpiresAt,
		&t.Revoked,
		&t.RevokedAt,
	)
}
