package http

import (
	"context"
	"errors"
	"log/slog"
	"mime"
	"net/http"

	"github.com/taut0logy/kothakoli/internal/domain"
	apperrors "github.com/taut0logy/kothakoli/pkg/errors"
	"github.com/taut0logy/kothakoli/pkg/httputil"
	"github.com/taut0logy/kothakoli/pkg/logger"
	"github.com/taut0logy/kothakoli/pkg/middleware"
)

// TokenVerifier checks a bearer token for a purpose.
type TokenVerifier interface {
	Verify(ctx context.Context, token string, purpose domain.Purpose) (*domain.Identity, error)
}

// UserLookup loads the current account state of a verified caller.
type UserLookup interface {
	GetUser(ctx context.Context, userID string) (*domain.User, error)
}

type ctxKey int

const (
	identityKey ctxKey = iota
	tokenKey
)

// IdentityFromContext returns the caller verified by Authenticate.
func IdentityFromContext(ctx context.Context) (*domain.Identity, bool) {
	id, ok := ctx.Value(identityKey).(*domain.Identity)
	return id, ok
}

// TokenFromContext returns the raw bearer token accepted by Authenticate.
func TokenFromContext(ctx context.Context) string {
	t, _ := ctx.Value(tokenKey).(string)
	return t
}

// Authenticate requires a live access token. Every failure, whatever its
// cause, produces the same 401.
func Authenticate(v TokenVerifier, fallback *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw, err := middleware.BearerToken(r)
			if err != nil {
				httputil.WriteError(w, r, apperrors.Unauthenticated(), fallback)
				return
			}

			id, err := v.Verify(r.Context(), raw, domain.PurposeAccess)
			if err != nil {
				httputil.WriteError(w, r, apperrors.Unauthenticated(), fallback)
				return
			}

			ctx := context.WithValue(r.Context(), identityKey, id)
			ctx = context.WithValue(ctx, tokenKey, raw)
			ctx = logger.WithUserID(ctx, id.UserID)
			ctx = logger.NewContext(ctx, logger.FromContext(ctx).With(slog.String("user_id", id.UserID)))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequireRole rejects callers whose role does not satisfy required. Mount it
// after Authenticate.
func RequireRole(required domain.Role, fallback *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := IdentityFromContext(r.Context())
			if !ok {
				httputil.WriteError(w, r, apperrors.Unauthenticated(), fallback)
				return
			}
			if !id.Role.Satisfies(required) {
				logger.FromContext(r.Context()).WarnContext(r.Context(), "role check failed",
					slog.String("role", string(id.Role)),
					slog.String("required", string(required)),
				)
				httputil.WriteError(w, r, apperrors.Forbidden("insufficient permissions"), fallback)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// RequireVerified rejects callers whose email address is not verified. The
// account is loaded on every request, so a verification takes effect without
// a new token. Mount it after Authenticate.
func RequireVerified(users UserLookup, fallback *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := IdentityFromContext(r.Context())
			if !ok {
				httputil.WriteError(w, r, apperrors.Unauthenticated(), fallback)
				return
			}

			user, err := users.GetUser(r.Context(), id.UserID)
			if err != nil {
				if errors.Is(err, apperrors.ErrNotFound) {
					httputil.WriteError(w, r, apperrors.Unauthenticated(), fallback)
					return
				}
				httputil.WriteError(w, r, err, fallback)
				return
			}
			if !user.IsVerified {
				httputil.WriteError(w, r, apperrors.Forbidden("email verification required"), fallback)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ContentTypeJSON rejects bodies sent with a Content-Type other than JSON.
// A missing Content-Type is accepted.
func ContentTypeJSON(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if ct := r.Header.Get("Content-Type"); ct != "" && r.ContentLength != 0 {
			mt, _, err := mime.ParseMediaType(ct)
			if err != nil || mt != "application/json" {
				httputil.WriteJSON(w, http.StatusUnsupportedMediaType, httputil.Response{
					Error: &httputil.ErrorResponse{
						Code:    "UNSUPPORTED_MEDIA_TYPE",
						Message: "Content-Type must be application/json",
					},
				})
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}
