package resolver

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/sentra-qms/sentra-authz/internal/platform/httpx"
)

// Handler serves the decision endpoint and the per-user permission summary.
type Handler struct {
	logger   *slog.Logger
	resolver *Resolver
	validate *validator.Validate
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, resolver *Resolver) *Handler {
	return &Handler{logger: logger, resolver: resolver, validate: validator.New()}
}

// MountDecide registers the decision route.
func (h *Handler) MountDecide(r chi.Router) {
	r.Post("/decide", h.decide)
}

// MountUserPermissions registers the summary route on a user-scoped router.
func (h *Handler) MountUserPermissions(r chi.Router) {
	r.Get("/permissions", h.permissions)
}

type decideRequest struct {
	UserID     int64  `json:"user_id" validate:"required,gt=0"`
	Permission string `json:"permission" validate:"required,contains=:"`
	ResourceID string `json:"resource_id"`
}

func (h *Handler) decide(w http.ResponseWriter, r *http.Request) {
	var req decideRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	d, err := h.resolver.Decide(r.Context(), CheckRequest{
		UserID:     req.UserID,
		Permission: req.Permission,
		ResourceID: req.ResourceID,
	})
	if err != nil {
		h.logger.Error("decide", slog.Int64("user_id", req.UserID),
			slog.String("permission", req.Permission), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, d)
}

type summaryResponse struct {
	UserID      int64             `json:"user_id"`
	Role        string            `json:"role,omitempty"`
	Permissions []PermissionGrant `json:"permissions"`
	Denied      []string          `json:"denied,omitempty"`
	Temporary   []temporaryEntry  `json:"temporary,omitempty"`
	Contexts    []contextEntry    `json:"contexts,omitempty"`
	Overrides   []overrideEntry   `json:"overrides,omitempty"`
	ResolvedAt  time.Time         `json:"resolved_at"`
}

type temporaryEntry struct {
	Permission string    `json:"permission"`
	ExpiresAt  time.Time `json:"expires_at"`
}

type contextEntry struct {
	Name         string   `json:"name"`
	ResourceType string   `json:"resource_type"`
	Permissions  []string `json:"permissions"`
}

type overrideEntry struct {
	ResourceType string   `json:"resource_type"`
	ResourceID   string   `json:"resource_id"`
	Granted      []string `json:"granted,omitempty"`
	Denied       []string `json:"denied,omitempty"`
}

func (h *Handler) permissions(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(chi.URLParam(r, "userID"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid user id")
		return
	}
	summary, err := h.resolver.EffectivePermissions(r.Context(), userID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	out := summaryResponse{
		UserID:      summary.UserID,
		Role:        summary.Role,
		Permissions: summary.Permissions,
		Denied:      summary.Denied,
		ResolvedAt:  summary.ResolvedAt,
	}
	for _, g := range summary.Temporary {
		out.Temporary = append(out.Temporary, temporaryEntry{Permission: g.Permission, ExpiresAt: g.ExpiresAt})
	}
	for _, c := range summary.Contexts {
		out.Contexts = append(out.Contexts, contextEntry{Name: c.Name, ResourceType: c.ResourceType, Permissions: c.Permissions})
	}
	for _, o := range summary.Overrides {
		out.Overrides = append(out.Overrides, overrideEntry{
			ResourceType: o.ResourceType,
			ResourceID:   o.ResourceID,
			Granted:      o.Granted,
			Denied:       o.Denied,
		})
	}
	httpx.JSON(w, http.StatusOK, out)
}
