package http

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/taut0logy/kothakoli/internal/service"
	"github.com/taut0logy/kothakoli/pkg/httputil"
	"github.com/taut0logy/kothakoli/pkg/pagination"
	"github.com/taut0logy/kothakoli/pkg/validator"
)

// AdminHandler serves the administrative endpoints.
type AdminHandler struct {
	service *service.AccountService
	logger  *slog.Logger
}

// NewAdminHandler creates a new admin HTTP handler.
func NewAdminHandler(svc *service.AccountService, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{service: svc, logger: logger}
}

// CreateAdminRequest is the JSON request body for creating an administrator.
type CreateAdminRequest struct {
	Email string `json:"email" validate:"required,email"`
	Name  string `json:"name" validate:"required,min=1,max=100"`
}

// RevokeSessionsResponse reports how many tokens were revoked.
type RevokeSessionsResponse struct {
	UserID  string `json:"user_id"`
	Revoked int    `json:"revoked"`
}

// ListUsers handles GET /api/v1/admin/users
func (h *AdminHandler) ListUsers(w http.ResponseWriter, r *http.Request) {
	res, err := h.service.ListUsers(r.Context(), pagination.FromRequest(r))
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WriteJSON(w, http.StatusOK, res)
}

// RevokeSessions handles POST /api/v1/admin/users/{id}/revoke-sessions
func (h *AdminHandler) RevokeSessions(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "id")

	n, err := h.service.RevokeUserSessions(r.Context(), userID)
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	h.logger.InfoContext(r.Context(), "admin revoked user sessions",
		slog.String("target_user_id", userID),
		slog.Int("revoked", n),
	)
	httputil.WriteData(w, http.StatusOK, RevokeSessionsResponse{UserID: userID, Revoked: n})
}

// CreateAdmin handles POST /api/v1/admin/users
func (h *AdminHandler) CreateAdmin(w http.ResponseWriter, r *http.Request) {
	var req CreateAdminRequest
	if err := validator.DecodeAndValidate(w, r, &req); err != nil {
		httputil.WriteValidationError(w, err)
		return
	}

	user, err := h.service.CreateAdmin(r.Context(), service.CreateAdminInput{
		Email: req.Email,
		Name:  req.Name,
	})
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}

	httputil.WriteData(w, http.StatusCreated, user)
}
