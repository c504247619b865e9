package app

import (
	"net/http"
	"strconv"

	"github.com/sentra-qms/sentra-authz/internal/platform/httpx"
	"github.com/sentra-qms/sentra-authz/internal/shared"
)

// auditTimeline serves the admin audit trail, filterable by entity,
// entity id and actor.
func auditTimeline(audit *shared.AuditRecorder) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		filter := shared.TimelineFilter{
			Entity:   q.Get("entity"),
			EntityID: q.Get("entity_id"),
		}
		if raw := q.Get("actor_id"); raw != "" {
			actorID, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid actor_id")
				return
			}
			filter.ActorID = actorID
		}
		if raw := q.Get("limit"); raw != "" {
			limit, err := strconv.Atoi(raw)
			if err != nil {
				httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "invalid limit")
				return
			}
			filter.Limit = limit
		}

		events, err := audit.Timeline(r.Context(), filter)
		if err != nil {
			httpx.RespondError(w, err)
			return
		}
		httpx.JSON(w, http.StatusOK, map[string]any{"events": events})
	}
}
