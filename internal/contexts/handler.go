package contexts

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/sentra-qms/sentra-authz/internal/platform/httpx"
)

// Handler manages permission context endpoints.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	return &Handler{logger: logger, service: service, validate: validator.New()}
}

// MountRoutes registers context routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/", h.list)
	r.Post("/", h.create)
	r.Get("/{id}", h.get)
	r.Post("/{id}/deactivate", h.deactivate)
}

type conditionPayload struct {
	Field     string `json:"field" validate:"required"`
	Operator  string `json:"operator" validate:"required"`
	Value     any    `json:"value,omitempty"`
	ValueFrom string `json:"value_from,omitempty"`
}

type createContextRequest struct {
	Name          string           `json:"name" validate:"required"`
	ResourceType  string           `json:"resource_type" validate:"required"`
	Condition     conditionPayload `json:"condition" validate:"required"`
	PermissionIDs []int64          `json:"permission_ids"`
}

type contextResponse struct {
	ID            int64     `json:"id"`
	Name          string    `json:"name"`
	ResourceType  string    `json:"resource_type"`
	Condition     Condition `json:"condition"`
	PermissionIDs []int64   `json:"permission_ids"`
	IsActive      bool      `json:"is_active"`
}

func (h *Handler) create(w http.ResponseWriter, r *http.Request) {
	var req createContextRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid JSON body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error())
		return
	}
	pc, err := h.service.Create(r.Context(), CreateInput{
		Name:         req.Name,
		ResourceType: req.ResourceType,
		Condition: Condition{
			Field:     req.Condition.Field,
			Operator:  Operator(req.Condition.Operator),
			Value:     req.Condition.Value,
			ValueFrom: req.Condition.ValueFrom,
		},
		PermissionIDs: req.PermissionIDs,
	})
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, toContextResponse(pc))
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	onlyActive := r.URL.Query().Get("include_inactive") != "1"
	list, err := h.service.List(r.Context(), onlyActive)
	if err != nil {
		h.logger.Error("list contexts", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	out := make([]contextResponse, 0, len(list))
	for _, pc := range list {
		out = append(out, toContextResponse(pc))
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"contexts": out})
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid context id")
		return
	}
	pc, err := h.service.Get(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toContextResponse(pc))
}

func (h *Handler) deactivate(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid context id")
		return
	}
	if err := h.service.Deactivate(r.Context(), id); err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"status": "deactivated"})
}

func toContextResponse(pc PermissionContext) contextResponse {
	return contextResponse{
		ID:            pc.ID,
		Name:          pc.Name,
		ResourceType:  pc.ResourceType,
		Condition:     pc.Condition,
		PermissionIDs: pc.PermissionIDs,
		IsActive:      pc.IsActive,
	}
}
