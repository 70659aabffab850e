package http

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/taut0logy/kothakoli/internal/domain"
	"github.com/taut0logy/kothakoli/internal/ratelimit"
	"github.com/taut0logy/kothakoli/internal/service"
	"github.com/taut0logy/kothakoli/pkg/health"
	"github.com/taut0logy/kothakoli/pkg/middleware"
)

// Limiters holds the three rate limit presets.
type Limiters struct {
	Strict  *ratelimit.Limiter
	Default *ratelimit.Limiter
	Lenient *ratelimit.Limiter
}

// RouterConfig carries everything NewRouter mounts.
type RouterConfig struct {
	ServiceName string
	Accounts    *service.AccountService
	Verifier    TokenVerifier
	Limiters    Limiters
	CallerKey   ratelimit.KeyFunc
	Health      *health.Handler
	CORS        middleware.CORSConfig
	PprofCIDRs  []string
	Logger      *slog.Logger
}

// NewRouter creates a chi router with all routes registered.
func NewRouter(cfg RouterConfig) http.Handler {
	logger := cfg.Logger
	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.CORS(cfg.CORS))
	r.Use(middleware.Recovery(logger))
	r.Use(middleware.RequestLogging(logger))
	r.Use(middleware.Tracing())
	r.Use(middleware.RequestLogger(logger))
	r.Use(middleware.PrometheusMetrics(cfg.ServiceName))

	r.Get("/health/live", cfg.Health.LivenessHandler())
	r.Get("/health/ready", cfg.Health.ReadinessHandler())
	r.Handle("/metrics", promhttp.Handler())

	if len(cfg.PprofCIDRs) > 0 {
		middleware.RegisterPprof(r, cfg.PprofCIDRs, logger)
	}

	authHandler := NewAuthHandler(cfg.Accounts, logger)
	adminHandler := NewAdminHandler(cfg.Accounts, logger)
	limit := func(l *ratelimit.Limiter) func(http.Handler) http.Handler {
		return ratelimit.Middleware(l, cfg.CallerKey, logger)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(ContentTypeJSON)

		// Public auth endpoints
		r.Group(func(r chi.Router) {
			r.Use(limit(cfg.Limiters.Strict))

			r.Post("/auth/signup", authHandler.Signup)
			r.Post("/auth/verify-email", authHandler.VerifyEmail)
			r.Post("/auth/resend-verification", authHandler.ResendVerification)
			r.Post("/auth/forgot-password", authHandler.ForgotPassword)
			r.With(middleware.NoStore).Post("/auth/login", authHandler.Login)
			r.With(middleware.NoStore).Post("/auth/verify-reset-code", authHandler.VerifyResetCode)
			r.Post("/auth/reset-password", authHandler.ResetPassword)
		})

		// Authenticated session endpoints
		r.Group(func(r chi.Router) {
			r.Use(limit(cfg.Limiters.Default))
			r.Use(Authenticate(cfg.Verifier, logger))

			r.With(middleware.NoStore).Post("/auth/refresh", authHandler.Refresh)
			r.Post("/auth/logout", authHandler.Logout)
			r.Get("/auth/me", authHandler.Me)
			r.Delete("/auth/me", authHandler.DeleteMe)
			r.With(RequireVerified(cfg.Accounts, logger)).Post("/auth/change-password", authHandler.ChangePassword)
		})

		// Admin endpoints
		r.Group(func(r chi.Router) {
			r.Use(limit(cfg.Limiters.Lenient))
			r.Use(Authenticate(cfg.Verifier, logger))
			r.Use(RequireRole(domain.RoleAdmin, logger))
			r.Use(RequireVerified(cfg.Accounts, logger))

			r.Get("/admin/users", adminHandler.ListUsers)
			r.Post("/admin/users", adminHandler.CreateAdmin)
			r.Post("/admin/users/{id}/revoke-sessions", adminHandler.RevokeSessions)
		})
	})

	return r
}
