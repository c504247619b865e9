package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/sentra-qms/sentra-authz/internal/catalog"
	"github.com/sentra-qms/sentra-authz/internal/contexts"
	"github.com/sentra-qms/sentra-authz/internal/grants"
	"github.com/sentra-qms/sentra-authz/internal/observability"
	"github.com/sentra-qms/sentra-authz/internal/resolver"
	"github.com/sentra-qms/sentra-authz/internal/roles"
	"github.com/sentra-qms/sentra-authz/internal/shared"
	"github.com/sentra-qms/sentra-authz/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger          *slog.Logger
	Config          *Config
	CatalogHandler  *catalog.Handler
	RolesHandler    *roles.Handler
	ContextsHandler *contexts.Handler
	GrantsHandler   *grants.Handler
	ResolverHandler *resolver.Handler
	JobHandler      *jobs.Handler
	Audit           *shared.AuditRecorder
	Pool            *pgxpool.Pool
	Metrics         *observability.Metrics
}

// NewRouter constructs the chi.Router with service defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Use(chimw.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if params.Pool != nil {
			if err := params.Pool.Ping(r.Context()); err != nil {
				http.Error(w, `{"status":"degraded"}`, http.StatusServiceUnavailable)
				return
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	r.Route("/v1", func(r chi.Router) {
		params.ResolverHandler.MountDecide(r)

		r.Route("/users/{userID}", func(r chi.Router) {
			params.ResolverHandler.MountUserPermissions(r)
		})

		r.Route("/admin", func(r chi.Router) {
			var tokenHash string
			if params.Config != nil {
				tokenHash = params.Config.AdminTokenHash
			}
			r.Use(AdminAuth(params.Logger, tokenHash))

			r.Route("/permissions", params.CatalogHandler.MountRoutes)
			r.Route("/roles", params.RolesHandler.MountRoutes)
			r.Route("/contexts", params.ContextsHandler.MountRoutes)
			r.Route("/users/{userID}", params.GrantsHandler.MountRoutes)
			if params.JobHandler != nil {
				r.Route("/jobs", params.JobHandler.MountRoutes)
			}
			if params.Audit != nil {
				r.Get("/audit", auditTimeline(params.Audit))
			}
		})
	})

	return r
}
