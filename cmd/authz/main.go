package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/sentra-qms/sentra-authz/internal/app"
	"github.com/sentra-qms/sentra-authz/internal/catalog"
	"github.com/sentra-qms/sentra-authz/internal/contexts"
	"github.com/sentra-qms/sentra-authz/internal/grants"
	"github.com/sentra-qms/sentra-authz/internal/identity"
	"github.com/sentra-qms/sentra-authz/internal/observability"
	"github.com/sentra-qms/sentra-authz/internal/platform/cache"
	"github.com/sentra-qms/sentra-authz/internal/platform/db"
	"github.com/sentra-qms/sentra-authz/internal/resolver"
	"github.com/sentra-qms/sentra-authz/internal/resources"
	"github.com/sentra-qms/sentra-authz/internal/roles"
	"github.com/sentra-qms/sentra-authz/internal/shared"
	"github.com/sentra-qms/sentra-authz/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Warn("redis unavailable, decisions resolve uncached", slog.Any("error", err))
	}
	defer func() {
		if redisClient == nil {
			return
		}
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()
	audit := shared.NewAuditRecorder(pool, logger)
	defer audit.Close()

	decisionCache := resolver.NewCache(redisClient, cfg.DecisionTTL)

	catalogService := catalog.NewService(catalog.NewRepository(pool))
	rolesRepo := roles.NewRepository(pool)
	rolesService := roles.NewService(rolesRepo, decisionCache, audit)
	contextsService := contexts.NewService(contexts.NewRepository(pool))
	identityRepo := identity.NewRepository(pool)

	grantsRepo := grants.NewRepository(pool)
	grantsService := grants.NewService(grantsRepo, rolesRepo, catalogService, contextsService, identityRepo, decisionCache, audit)

	fetcher := resources.NewStore(pool, resources.DefaultTables(), cfg.ResourceFetchTimeout)
	engine := resolver.New(logger, identityRepo, grantsRepo, fetcher, decisionCache, metrics)

	jobClient, err := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	if err != nil {
		logger.Error("init job client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := jobClient.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()
	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})

	router := app.NewRouter(app.RouterParams{
		Logger:          logger,
		Config:          cfg,
		CatalogHandler:  catalog.NewHandler(logger, catalogService),
		RolesHandler:    roles.NewHandler(logger, rolesService),
		ContextsHandler: contexts.NewHandler(logger, contextsService),
		GrantsHandler:   grants.NewHandler(logger, grantsService),
		ResolverHandler: resolver.NewHandler(logger, engine),
		JobHandler:      jobs.NewHandler(inspector, jobClient, logger),
		Audit:           audit,
		Pool:            pool,
		Metrics:         metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", slog.String("addr", cfg.AppAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown", slog.Any("error", err))
		}
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", slog.Any("error", err))
			os.Exit(1)
		}
	}
}
