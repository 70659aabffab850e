package ratelimit

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/taut0logy/kothakoli/internal/auth"
	apperrors "github.com/taut0logy/kothakoli/pkg/errors"
	"github.com/taut0logy/kothakoli/pkg/httputil"
	"github.com/taut0logy/kothakoli/pkg/logger"
	"github.com/taut0logy/kothakoli/pkg/middleware"
)

// Headers surfaced on every limited response.
const (
	HeaderLimit     = "X-RateLimit-Limit"
	HeaderRemaining = "X-RateLimit-Remaining"
	HeaderReset     = "X-RateLimit-Reset"
)

// KeyFunc derives the caller identity key from a request.
type KeyFunc func(r *http.Request) string

// SubjectOrIP keys a request by the token subject when it carries a bearer
// token with a valid signature, and by client address otherwise. A caller
// keeps the same key whether or not the token is later revoked, so toggling
// authentication does not reset the budget.
func SubjectOrIP(signer *auth.Signer, trustProxy bool) KeyFunc {
	return func(r *http.Request) string {
		if raw, err := middleware.BearerToken(r); err == nil {
			if claims, err := signer.Parse(raw); err == nil {
				return "user:" + claims.Subject
			}
		}
		return "ip:" + middleware.ClientIP(r, trustProxy)
	}
}

// Middleware enforces l on every request and writes the rate limit headers.
// Rejected requests get 429 with Retry-After.
func Middleware(l *Limiter, key KeyFunc, fallback *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			callerKey := key(r)
			d := l.Check(r.Context(), callerKey)

			h := w.Header()
			h.Set(HeaderLimit, strconv.Itoa(d.Limit))
			h.Set(HeaderRemaining, strconv.Itoa(d.Remaining))
			h.Set(HeaderReset, strconv.Itoa(d.ResetSeconds))

			if !d.Allowed {
				logger.FromContext(r.Context()).WarnContext(r.Context(), "rate limit exceeded",
					slog.String("limiter", l.Name()),
					slog.String("caller_key", callerKey),
					slog.String("path", r.URL.Path),
				)
				httputil.WriteError(w, r, apperrors.TooManyRequests(time.Duration(d.ResetSeconds)*time.Second), fallback)
				return
			}

			ctx := logger.WithCallerKey(r.Context(), callerKey)
			ctx = logger.NewContext(ctx, logger.FromContext(ctx).With(slog.String("caller_key", callerKey)))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
