package grants

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/sentra-qms/sentra-authz/internal/platform/httpx"
)

// Handler manages per-user grant administration endpoints, mounted under
// /v1/admin/users/{userID}.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes registers grant routes on a router already scoped to one user.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/state", h.state)
	r.Put("/role", h.assignRole)
	r.Post("/grants", h.grant)
	r.Delete("/grants/{permissionID}", h.revoke)
	r.Post("/denials", h.deny)
	r.Delete("/denials/{permissionID}", h.removeDenial)
	r.Post("/contexts", h.assignContext)
	r.Delete("/contexts/{contextID}", h.removeContext)
	r.Put("/overrides", h.setOverride)
	r.Delete("/overrides/{resourceType}/{resourceID}", h.removeOverride)
}

type assignRoleRequest struct {
	RoleID int64 `json:"role_id" validate:"required,gt=0"`
}

type grantRequest struct {
	PermissionID int64      `json:"permission_id" validate:"required,gt=0"`
	ExpiresAt    *time.Time `json:"expires_at"`
	Reason       string     `json:"reason"`
}

type denyRequest struct {
	PermissionID int64 `json:"permission_id" validate:"required,gt=0"`
}

type assignContextRequest struct {
	ContextID int64 `json:"context_id" validate:"required,gt=0"`
}

type overrideRequest struct {
	ResourceType string     `json:"resource_type" validate:"required"`
	ResourceID   string     `json:"resource_id" validate:"required"`
	GrantedIDs   []int64    `json:"granted_ids"`
	DeniedIDs    []int64    `json:"denied_ids"`
	ExpiresAt    *time.Time `json:"expires_at"`
}

func (h *Handler) assignRole(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	var req assignRoleRequest
	if !h.decode(w, r, &req) {
		return
	}
	status, err := h.service.AssignRole(r.Context(), userID, req.RoleID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	code := http.StatusOK
	if status == AssignPending {
		code = http.StatusAccepted
	}
	httpx.JSON(w, code, map[string]any{"status": status})
}

func (h *Handler) grant(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	var req grantRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.ExpiresAt != nil && !req.ExpiresAt.After(time.Now()) {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "expires_at must be in the future")
		return
	}
	err := h.service.GrantPermission(r.Context(), userID, req.PermissionID, GrantOptions{ExpiresAt: req.ExpiresAt, Reason: req.Reason})
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, map[string]any{"status": "granted"})
}

func (h *Handler) revoke(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	permissionID, err := strconv.ParseInt(chi.URLParam(r, "permissionID"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid permission id")
		return
	}
	if err := h.service.RevokePermission(r.Context(), userID, permissionID); err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"status": "revoked"})
}

func (h *Handler) deny(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	var req denyRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.service.DenyPermission(r.Context(), userID, req.PermissionID); err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, map[string]any{"status": "denied"})
}

func (h *Handler) removeDenial(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	permissionID, err := strconv.ParseInt(chi.URLParam(r, "permissionID"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid permission id")
		return
	}
	if err := h.service.RemoveDenial(r.Context(), userID, permissionID); err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"status": "removed"})
}

func (h *Handler) assignContext(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	var req assignContextRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.service.AssignContext(r.Context(), userID, req.ContextID); err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, map[string]any{"status": "assigned"})
}

func (h *Handler) removeContext(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	contextID, err := strconv.ParseInt(chi.URLParam(r, "contextID"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid context id")
		return
	}
	if err := h.service.RemoveContext(r.Context(), userID, contextID); err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"status": "removed"})
}

func (h *Handler) setOverride(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	var req overrideRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.ExpiresAt != nil && !req.ExpiresAt.After(time.Now()) {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "expires_at must be in the future")
		return
	}
	err := h.service.SetResourceOverride(r.Context(), userID, req.ResourceType, req.ResourceID, req.GrantedIDs, req.DeniedIDs, req.ExpiresAt)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"status": "set"})
}

func (h *Handler) removeOverride(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	resourceType := chi.URLParam(r, "resourceType")
	resourceID := chi.URLParam(r, "resourceID")
	if err := h.service.RemoveResourceOverride(r.Context(), userID, resourceType, resourceID); err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"status": "removed"})
}

func (h *Handler) state(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userID(w, r)
	if !ok {
		return
	}
	state, err := h.service.State(r.Context(), userID)
	if err != nil {
		h.logger.Error("load user state", slog.Int64("user_id", userID), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toStateResponse(state))
}

func (h *Handler) userID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "userID"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid user id")
		return 0, false
	}
	return id, true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := httpx.DecodeJSON(r, dst); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid JSON body")
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return false
	}
	return true
}

type stateResponse struct {
	UserID          int64              `json:"user_id"`
	Role            string             `json:"role,omitempty"`
	RolePermissions []string           `json:"role_permissions,omitempty"`
	CustomGranted   []string           `json:"custom_granted,omitempty"`
	CustomDenied    []string           `json:"custom_denied,omitempty"`
	TemporaryGrants []temporaryGrantResponse `json:"temporary_grants,omitempty"`
	Contexts        []contextResponse  `json:"contexts,omitempty"`
	Overrides       []overrideResponse `json:"overrides,omitempty"`
	LastUpdated     time.Time          `json:"last_updated"`
}

type temporaryGrantResponse struct {
	Permission string    `json:"permission"`
	ExpiresAt  time.Time `json:"expires_at"`
	Reason     string    `json:"reason,omitempty"`
}

type contextResponse struct {
	ID           int64    `json:"id"`
	Name         string   `json:"name"`
	ResourceType string   `json:"resource_type"`
	Permissions  []string `json:"permissions"`
}

type overrideResponse struct {
	ResourceType string     `json:"resource_type"`
	ResourceID   string     `json:"resource_id"`
	Granted      []string   `json:"granted,omitempty"`
	Denied       []string   `json:"denied,omitempty"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
}

func toStateResponse(s EffectiveState) stateResponse {
	out := stateResponse{
		UserID:          s.UserID,
		Role:            s.RoleName,
		RolePermissions: s.RolePermissions,
		CustomGranted:   s.CustomGranted,
		CustomDenied:    s.CustomDenied,
		LastUpdated:     s.LastUpdated,
	}
	for _, g := range s.TemporaryGrants {
		out.TemporaryGrants = append(out.TemporaryGrants, temporaryGrantResponse{
			Permission: g.Permission,
			ExpiresAt:  g.ExpiresAt,
			Reason:     g.Reason,
		})
	}
	for _, c := range s.Contexts {
		out.Contexts = append(out.Contexts, contextResponse{
			ID:           c.ContextID,
			Name:         c.Name,
			ResourceType: c.ResourceType,
			Permissions:  c.Permissions,
		})
	}
	for _, o := range s.Overrides {
		out.Overrides = append(out.Overrides, overrideResponse{
			ResourceType: o.ResourceType,
			ResourceID:   o.ResourceID,
			Granted:      o.Granted,
			Denied:       o.Denied,
			ExpiresAt:    o.ExpiresAt,
		})
	}
	return out
}
