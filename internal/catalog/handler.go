package catalog

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/sentra-qms/sentra-authz/internal/platform/httpx"
)

// Handler manages permission catalog endpoints.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes registers catalog routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/", h.list)
	r.Post("/", h.create)
	r.Get("/categories", h.categories)
	r.Get("/{id}", h.get)
	r.Post("/{id}/deactivate", h.deactivate)
}

type permissionResponse struct {
	ID          int64    `json:"id"`
	Name        string   `json:"name"`
	Resource    string   `json:"resource"`
	Actions     []string `json:"actions"`
	Category    string   `json:"category"`
	RequiresMFA bool     `json:"requires_mfa"`
	IsActive    bool     `json:"is_active"`
}

type createPermissionRequest struct {
	Name        string `json:"name" validate:"required,contains=:"`
	Category    string `json:"category"`
	RequiresMFA bool   `json:"requires_mfa"`
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	var req createPermissionRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	perm, err := h.service.Create(r.Context(), CreateInput{Name: req.Name, Category: req.Category, RequiresMFA: req.RequiresMFA})
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toResponse(perm))
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	onlyActive := r.URL.Query().Get("include_inactive") != "1"
	perms, err := h.service.List(r.Context(), onlyActive, r.URL.Query().Get("category"))
	if err != nil {
		h.logger.Error("list permissions", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	out := make([]permissionResponse, 0, len(perms))
	for _, p := range perms {
		out = append(out, toResponse(p))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"permissions": out})
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid permission id")
		return
	}
	perm, err := h.service.Get(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toResponse(perm))
}

func (h *Handler) deactivate(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid permission id")
		return
	}
	if err := h.service.Deactivate(r.Context(), id); err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"status": "deactivated"})
}

func (h *Handler) categories(w http.ResponseWriter, r *http.Request) {
	cats, err := h.service.Categories(r.Context())
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"categories": cats})
}

func toResponse(p Permission) permissionResponse {
	return permissionResponse{
		ID:          p.ID,
		Name:        p.Name,
		Resource:    p.Resource,
		Actions:     p.Actions,
		Category:    p.Category,
		RequiresMFA: p.RequiresMFA,
		IsActive:    p.IsActive,
	}
}
