package service

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/taut0logy/kothakoli/internal/domain"
	"github.com/taut0logy/kothakoli/internal/repository"
	apperrors "github.com/taut0logy/kothakoli/pkg/errors"
	"github.com/taut0logy/kothakoli/pkg/logger"
	"github.com/taut0logy/kothakoli/pkg/pagination"
)

// bcryptCost is the cost factor for bcrypt password hashing.
const bcryptCost = 12

// minPasswordLength is the minimum password length required.
const minPasswordLength = 8

// maxPasswordBytes is the longest input bcrypt accepts.
const maxPasswordBytes = 72

const (
	generatedPasswordLength = 16
	generatedPasswordChars  = "ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz23456789"
)

// Revocation reasons recorded on blacklist entries and in logs.
const (
	ReasonLogout         = "logout"
	ReasonRefresh        = "refresh"
	ReasonPasswordReset  = "password_reset"
	ReasonPasswordChange = "password_change"
	ReasonAdmin          = "admin"
	ReasonAccountDeleted = "account_deleted"
)

// Tokens is the token lifecycle the service drives.
type Tokens interface {
	Issue(ctx context.Context, userID string, role domain.Role, purpose domain.Purpose, ttl time.Duration) (string, *domain.SessionToken, error)
	Verify(ctx context.Context, token string, purpose domain.Purpose) (*domain.Identity, error)
	Revoke(ctx context.Context, token, reason string) error
	RevokeAllForUser(ctx context.Context, userID, reason string) (int, error)
}

// Codes is the one-time code engine.
type Codes interface {
	Issue(ctx context.Context, identity string, purpose domain.Purpose) (string, time.Time, error)
	Verify(ctx context.Context, identity string, purpose domain.Purpose, candidate string) (bool, error)
	Invalidate(ctx context.Context, identity string, purpose domain.Purpose) error
}

// Notifier delivers events to out-of-band collaborators.
type Notifier interface {
	OTPIssued(ctx context.Context, email string, purpose domain.Purpose, code string, expiresAt time.Time) error
	SessionsRevoked(ctx context.Context, userID string, count int, reason string) error
	AdminCreated(ctx context.Context, email, name, password string) error
}

// TokenTTLs sets token lifetimes per use.
type TokenTTLs struct {
	Access        time.Duration
	RememberMe    time.Duration
	PasswordReset time.Duration
}

// AccountService implements signup, login and the recovery flows on top of
// the token manager and the one-time code engine.
type AccountService struct {
	users    repository.UserRepository
	tokens   Tokens
	codes    Codes
	notifier Notifier
	ttl      TokenTTLs
	now      func() time.Time
	logger   *slog.Logger

	hashCost  int
	dummyOnce sync.Once
	dummyHash []byte
}

// NewAccountService creates a new account service.
func NewAccountService(
	users repository.UserRepository,
	tokens Tokens,
	codes Codes,
	notifier Notifier,
	ttl TokenTTLs,
	now func() time.Time,
	logger *slog.Logger,
) *AccountService {
	if now == nil {
		now = time.Now
	}
	return &AccountService{
		users:    users,
		tokens:   tokens,
		codes:    codes,
		notifier: notifier,
		ttl:      ttl,
		now:      now,
		logger:   logger,
		hashCost: bcryptCost,
	}
}

// WithHashCost sets the bcrypt cost used for new password hashes. Values
// outside bcrypt's range are ignored.
func (s *AccountService) WithHashCost(cost int) *AccountService {
	if cost >= bcrypt.MinCost && cost <= bcrypt.MaxCost {
		s.hashCost = cost
	}
	return s
}

// --- Input/Output types ---

// SignupInput holds the parameters for creating an account.
type SignupInput struct {
	Email    string
	Password string
	Name     string
}

// CreateAdminInput holds the parameters for creating an administrator.
type CreateAdminInput struct {
	Email string
	Name  string
}

// LoginInput holds the parameters for user login.
type LoginInput struct {
	Email      string
	Password   string
	RememberMe bool
}

// IssuedToken is a bearer token handed to the caller.
type IssuedToken struct {
	Token     string
	ExpiresAt time.Time
}

// LoginResult is returned by Login.
type LoginResult struct {
	User  *domain.User
	Token IssuedToken
}

// --- Auth Operations ---

// Signup creates an unverified USER account and sends an email verification code.
func (s *AccountService) Signup(ctx context.Context, input SignupInput) (*domain.User, error) {
	email := normalizeEmail(input.Email)
	if email == "" {
		return nil, apperrors.InvalidInput("email is required")
	}
	if strings.TrimSpace(input.Name) == "" {
		return nil, apperrors.InvalidInput("name is required")
	}
	if err := validatePassword(input.Password); err != nil {
		return nil, err
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(input.Password), s.hashCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	now := s.now().UTC()
	user := &domain.User{
		ID:           uuid.New().String(),
		Email:        email,
		PasswordHash: string(hashed),
		Name:         strings.TrimSpace(input.Name),
		Role:         domain.RoleUser,
		IsVerified:   false,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := s.users.Create(ctx, user); err != nil {
		return nil, err
	}

	s.sendCode(ctx, user.Email, domain.PurposeEmailVerification)

	s.logger.InfoContext(ctx, "user signed up",
		slog.String("user_id", user.ID),
		slog.String("email", logger.MaskEmail(user.Email)),
	)
	return user, nil
}

// Login checks the password and issues an access token. Unknown emails and
// wrong passwords produce the same error after the same amount of work.
func (s *AccountService) Login(ctx context.Context, input LoginInput) (*LoginResult, error) {
	email := normalizeEmail(input.Email)
	if email == "" || input.Password == "" {
		return nil, apperrors.InvalidInput("email and password are required")
	}

	user, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		if !errors.Is(err, apperrors.ErrNotFound) {
			return nil, fmt.Errorf("get user for login: %w", err)
		}
		_ = bcrypt.CompareHashAndPassword(s.dummy(), []byte(input.Password))
		return nil, apperrors.Unauthorized("invalid email or password")
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(input.Password)); err != nil {
		s.logger.InfoContext(ctx, "login rejected", slog.String("user_id", user.ID))
		return nil, apperrors.Unauthorized("invalid email or password")
	}

	ttl := s.ttl.Access
	if input.RememberMe {
		ttl = s.ttl.RememberMe
	}

	token, rec, err := s.tokens.Issue(ctx, user.ID, user.Role, domain.PurposeAccess, ttl)
	if err != nil {
		return nil, fmt.Errorf("issue access token: %w", err)
	}

	s.logger.InfoContext(ctx, "user logged in",
		slog.String("user_id", user.ID),
		slog.Bool("remember_me", input.RememberMe),
	)
	return &LoginResult{User: user, Token: IssuedToken{Token: token, ExpiresAt: rec.ExpiresAt}}, nil
}

// Refresh exchanges a live access token for a new one with the same
// lifetime and revokes the old one. The new token carries the user's
// current role.
func (s *AccountService) Refresh(ctx context.Context, token string) (*IssuedToken, error) {
	id, err := s.tokens.Verify(ctx, token, domain.PurposeAccess)
	if err != nil {
		return nil, err
	}

	user, err := s.users.GetByID(ctx, id.UserID)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return nil, apperrors.Unauthenticated()
		}
		return nil, fmt.Errorf("get user for refresh: %w", err)
	}

	ttl := id.ExpiresAt.Sub(id.IssuedAt)
	if ttl <= 0 || ttl > s.ttl.RememberMe {
		ttl = s.ttl.Access
	}

	fresh, rec, err := s.tokens.Issue(ctx, user.ID, user.Role, domain.PurposeAccess, ttl)
	if err != nil {
		return nil, fmt.Errorf("issue refreshed token: %w", err)
	}

	if err := s.tokens.Revoke(ctx, token, ReasonRefresh); err != nil {
		s.logger.ErrorContext(ctx, "failed to revoke refreshed token",
			slog.String("token_id", id.TokenID),
			slog.String("error", err.Error()),
		)
	}

	s.logger.InfoContext(ctx, "token refreshed", slog.String("user_id", user.ID))
	return &IssuedToken{Token: fresh, ExpiresAt: rec.ExpiresAt}, nil
}

// Logout revokes the presented token.
func (s *AccountService) Logout(ctx context.Context, token string) error {
	return s.tokens.Revoke(ctx, token, ReasonLogout)
}

// VerifyEmail consumes an email verification code and marks the account verified.
func (s *AccountService) VerifyEmail(ctx context.Context, email, code string) error {
	email = normalizeEmail(email)
	if !s.checkCode(ctx, email, domain.PurposeEmailVerification, code) {
		return apperrors.InvalidCode()
	}

	user, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return apperrors.InvalidCode()
		}
		return fmt.Errorf("get user for email verification: %w", err)
	}
	if user.IsVerified {
		return nil
	}

	user.IsVerified = true
	user.UpdatedAt = s.now().UTC()
	if err := s.users.Update(ctx, user); err != nil {
		return fmt.Errorf("mark email verified: %w", err)
	}

	s.logger.InfoContext(ctx, "email verified", slog.String("user_id", user.ID))
	return nil
}

// ResendVerification sends a new verification code. It reports success for
// unknown and already verified addresses too.
func (s *AccountService) ResendVerification(ctx context.Context, email string) error {
	email = normalizeEmail(email)
	user, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("get user for verification resend: %w", err)
	}
	if user.IsVerified {
		return nil
	}

	s.sendCode(ctx, user.Email, domain.PurposeEmailVerification)
	return nil
}

// ForgotPassword sends a password reset code. The response never reveals
// whether the address exists.
func (s *AccountService) ForgotPassword(ctx context.Context, email string) error {
	email = normalizeEmail(email)
	user, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			s.logger.InfoContext(ctx, "password reset requested for unknown email",
				slog.String("email", logger.MaskEmail(email)),
			)
			return nil
		}
		return fmt.Errorf("get user for password reset: %w", err)
	}

	s.sendCode(ctx, user.Email, domain.PurposePasswordReset)

	s.logger.InfoContext(ctx, "password reset requested", slog.String("user_id", user.ID))
	return nil
}

// VerifyResetCode consumes a password reset code and returns a short-lived
// token that authorizes exactly one password reset.
func (s *AccountService) VerifyResetCode(ctx context.Context, email, code string) (*IssuedToken, error) {
	email = normalizeEmail(email)
	if !s.checkCode(ctx, email, domain.PurposePasswordReset, code) {
		return nil, apperrors.InvalidCode()
	}

	user, err := s.users.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return nil, apperrors.InvalidCode()
		}
		return nil, fmt.Errorf("get user for reset code: %w", err)
	}

	token, rec, err := s.tokens.Issue(ctx, user.ID, user.Role, domain.PurposePasswordReset, s.ttl.PasswordReset)
	if err != nil {
		return nil, fmt.Errorf("issue reset token: %w", err)
	}
	return &IssuedToken{Token: token, ExpiresAt: rec.ExpiresAt}, nil
}

// ResetPassword sets a new password using a reset token, then revokes the
// reset token, every session of the user and any leftover reset code.
func (s *AccountService) ResetPassword(ctx context.Context, resetToken, newPassword string) error {
	if err := validatePassword(newPassword); err != nil {
		return err
	}

	id, err := s.tokens.Verify(ctx, resetToken, domain.PurposePasswordReset)
	if err != nil {
		return err
	}

	user, err := s.users.GetByID(ctx, id.UserID)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return apperrors.Unauthenticated()
		}
		return fmt.Errorf("get user for password reset: %w", err)
	}

	if err := s.setPassword(ctx, user, newPassword); err != nil {
		return err
	}

	if err := s.tokens.Revoke(ctx, resetToken, ReasonPasswordReset); err != nil {
		s.logger.ErrorContext(ctx, "failed to revoke reset token",
			slog.String("user_id", user.ID),
			slog.String("error", err.Error()),
		)
	}
	s.revokeAll(ctx, user.ID, ReasonPasswordReset)
	s.invalidateCode(ctx, user.Email, domain.PurposePasswordReset)

	s.logger.InfoContext(ctx, "password reset completed", slog.String("user_id", user.ID))
	return nil
}

// ChangePassword lets a verified user change their password and signs out
// every session, including the current one.
func (s *AccountService) ChangePassword(ctx context.Context, userID, currentPassword, newPassword string) error {
	if currentPassword == "" {
		return apperrors.InvalidInput("current password is required")
	}
	if err := validatePassword(newPassword); err != nil {
		return err
	}
	if currentPassword == newPassword {
		return apperrors.InvalidInput("new password must be different from current password")
	}

	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return fmt.Errorf("get user for password change: %w", err)
	}
	if !user.IsVerified {
		return apperrors.Forbidden("email address is not verified")
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(currentPassword)); err != nil {
		return apperrors.Unauthorized("current password is incorrect")
	}

	if err := s.setPassword(ctx, user, newPassword); err != nil {
		return err
	}
	s.revokeAll(ctx, user.ID, ReasonPasswordChange)
	s.invalidateCode(ctx, user.Email, domain.PurposePasswordReset)

	s.logger.InfoContext(ctx, "password changed", slog.String("user_id", user.ID))
	return nil
}

// --- Account queries ---

// GetUser retrieves a user by their ID.
func (s *AccountService) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return user, nil
}

// DeleteAccount revokes every session of the user and then deletes the
// account. Deletion is refused when revocation fails, so no live token
// outlives its account.
func (s *AccountService) DeleteAccount(ctx context.Context, userID string) error {
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return apperrors.NotFound("user", userID)
		}
		return fmt.Errorf("get user for deletion: %w", err)
	}

	n, err := s.tokens.RevokeAllForUser(ctx, user.ID, ReasonAccountDeleted)
	if err != nil {
		return fmt.Errorf("revoke sessions before deletion: %w", err)
	}
	s.invalidateCode(ctx, user.Email, domain.PurposeEmailVerification)
	s.invalidateCode(ctx, user.Email, domain.PurposePasswordReset)

	if err := s.users.Delete(ctx, user.ID); err != nil {
		return fmt.Errorf("delete user: %w", err)
	}

	if err := s.notifier.SessionsRevoked(ctx, user.ID, n, ReasonAccountDeleted); err != nil {
		s.logger.ErrorContext(ctx, "failed to publish sessions_revoked event",
			slog.String("user_id", user.ID),
			slog.String("error", err.Error()),
		)
	}

	s.logger.InfoContext(ctx, "account deleted",
		slog.String("user_id", user.ID),
		slog.Int("revoked", n),
	)
	return nil
}

// --- Admin Operations ---

// CreateAdmin creates an unverified ADMIN account with a generated password.
// The password is handed to the notifier and never returned; the account
// must verify its email before it can use the admin endpoints.
func (s *AccountService) CreateAdmin(ctx context.Context, input CreateAdminInput) (*domain.User, error) {
	email := normalizeEmail(input.Email)
	if email == "" {
		return nil, apperrors.InvalidInput("email is required")
	}
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return nil, apperrors.InvalidInput("name is required")
	}

	password, err := generatePassword()
	if err != nil {
		return nil, err
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), s.hashCost)
	if err != nil {
		return nil, fmt.Errorf("hash generated password: %w", err)
	}

	now := s.now().UTC()
	user := &domain.User{
		ID:           uuid.New().String(),
		Email:        email,
		PasswordHash: string(hashed),
		Name:         name,
		Role:         domain.RoleAdmin,
		IsVerified:   false,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.users.Create(ctx, user); err != nil {
		return nil, err
	}

	if err := s.notifier.AdminCreated(ctx, user.Email, user.Name, password); err != nil {
		s.logger.ErrorContext(ctx, "failed to publish admin_created event",
			slog.String("user_id", user.ID),
			slog.String("error", err.Error()),
		)
	}
	s.sendCode(ctx, user.Email, domain.PurposeEmailVerification)

	s.logger.InfoContext(ctx, "admin account created",
		slog.String("user_id", user.ID),
		slog.String("email", logger.MaskEmail(user.Email)),
	)
	return user, nil
}

// --- Admin Operations ---

// RevokeUserSessions revokes every live token of a user.
func (s *AccountService) RevokeUserSessions(ctx context.Context, userID string) (int, error) {
	if _, err := s.users.GetByID(ctx, userID); err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return 0, apperrors.NotFound("user", userID)
		}
		return 0, fmt.Errorf("get user for session revocation: %w", err)
	}

	n, err := s.tokens.RevokeAllForUser(ctx, userID, ReasonAdmin)
	if err != nil {
		return 0, err
	}

	if err := s.notifier.SessionsRevoked(ctx, userID, n, ReasonAdmin); err != nil {
		s.logger.ErrorContext(ctx, "failed to publish sessions_revoked event",
			slog.String("target_user_id", userID),
			slog.String("error", err.Error()),
		)
	}
	return n, nil
}

// ListUsers returns one page of users.
func (s *AccountService) ListUsers(ctx context.Context, params pagination.Params) (pagination.Result[domain.User], error) {
	users, total, err := s.users.List(ctx, params.Offset, params.PerPage)
	if err != nil {
		return pagination.Result[domain.User]{}, fmt.Errorf("list users: %w", err)
	}
	return pagination.NewResult(users, total, params), nil
}

// --- Helpers ---

// sendCode issues a code and publishes it for delivery. Failures are logged
// only; the caller can request a new code.
func (s *AccountService) sendCode(ctx context.Context, email string, purpose domain.Purpose) {
	code, expiresAt, err := s.codes.Issue(ctx, email, purpose)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to issue one-time code",
			slog.String("purpose", string(purpose)),
			slog.String("error", err.Error()),
		)
		return
	}

	if err := s.notifier.OTPIssued(ctx, email, purpose, code, expiresAt); err != nil {
		s.logger.ErrorContext(ctx, "failed to publish otp_issued event",
			slog.String("purpose", string(purpose)),
			slog.String("error", err.Error()),
		)
	}
}

// checkCode reports whether the code verified. A store failure counts as a
// rejection.
func (s *AccountService) checkCode(ctx context.Context, email string, purpose domain.Purpose, code string) bool {
	ok, err := s.codes.Verify(ctx, email, purpose, code)
	if err != nil {
		s.logger.ErrorContext(ctx, "one-time code check failed",
			slog.String("purpose", string(purpose)),
			slog.String("error", err.Error()),
		)
		return false
	}
	return ok
}

func (s *AccountService) setPassword(ctx context.Context, user *domain.User, password string) error {
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), s.hashCost)
	if err != nil {
		return fmt.Errorf("hash new password: %w", err)
	}

	user.PasswordHash = string(hashed)
	user.UpdatedAt = s.now().UTC()
	if err := s.users.Update(ctx, user); err != nil {
		return fmt.Errorf("update user password: %w", err)
	}
	return nil
}

func (s *AccountService) revokeAll(ctx context.Context, userID, reason string) {
	n, err := s.tokens.RevokeAllForUser(ctx, userID, reason)
	if err != nil {
		s.logger.ErrorContext(ctx, "failed to revoke sessions",
			slog.String("user_id", userID),
			slog.String("reason", reason),
			slog.String("error", err.Error()),
		)
		return
	}
	if err := s.notifier.SessionsRevoked(ctx, userID, n, reason); err != nil {
		s.logger.ErrorContext(ctx, "failed to publish sessions_revoked event",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
	}
}

func (s *AccountService) invalidateCode(ctx context.Context, email string, purpose domain.Purpose) {
	if err := s.codes.Invalidate(ctx, email, purpose); err != nil {
		s.logger.WarnContext(ctx, "failed to invalidate one-time code",
			slog.String("purpose", string(purpose)),
			slog.String("error", err.Error()),
		)
	}
}

// dummy returns a hash compared against when the email is unknown, so that
// both login failures cost one bcrypt comparison.
func (s *AccountService) dummy() []byte {
	s.dummyOnce.Do(func() {
		s.dummyHash, _ = bcrypt.GenerateFromPassword([]byte("kothakoli-dummy-password"), s.hashCost)
	})
	return s.dummyHash
}

// generatePassword returns a random password that passes validatePassword.
func generatePassword() (string, error) {
	limit := big.NewInt(int64(len(generatedPasswordChars)))
	buf := make([]byte, generatedPasswordLength)
	for {
		for i := range buf {
			n, err := rand.Int(rand.Reader, limit)
			if err != nil {
				return "", fmt.Errorf("generate password: %w", err)
			}
			buf[i] = generatedPasswordChars[n.Int64()]
		}
		if validatePassword(string(buf)) == nil {
			return string(buf), nil
		}
	}
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// validatePassword checks that the password meets minimum complexity requirements.
func validatePassword(password string) error {
	if len(password) < minPasswordLength {
		return apperrors.InvalidInput(fmt.Sprintf("password must be at least %d characters", minPasswordLength))
	}
	if len(password) > maxPasswordBytes {
		return apperrors.InvalidInput(fmt.Sprintf("password must be at most %d bytes", maxPasswordBytes))
	}

	var hasUpper, hasLower, hasDigit bool
	for _, ch := range password {
		switch {
		case unicode.IsUpper(ch):
			hasUpper = true
		case unicode.IsLower(ch):
			hasLower = true
		case unicode.IsDigit(ch):
			hasDigit = true
		}
	}

	if !hasUpper || !hasLower || !hasDigit {
		return apperrors.InvalidInput("password must contain at least one uppercase letter, one lowercase letter, and one digit")
	}

	return nil
}
