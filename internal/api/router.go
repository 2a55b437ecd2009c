package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/Dean-Rough/transferjuice/internal/auth"
	"github.com/Dean-Rough/transferjuice/internal/broadcast"
	"github.com/Dean-Rough/transferjuice/internal/database"
	"github.com/Dean-Rough/transferjuice/internal/logging"
	"github.com/Dean-Rough/transferjuice/internal/metrics"
	"github.com/Dean-Rough/transferjuice/internal/models"
	"github.com/Dean-Rough/transferjuice/internal/quota"
)

// Dependencies are the components the HTTP surface exposes. ErrorRepo and
// Health may be nil when no database is configured.
type Dependencies struct {
	Broadcaster *broadcast.Broadcaster
	Store       models.AccountStore
	Tracker     *quota.Tracker
	Sweeps      SweepRunner
	// SweepContext bounds manually triggered sweeps; cancel it on shutdown.
	// Defaults to context.Background.
	SweepContext     context.Context
	ErrorRepo        database.IngestionErrorRepository
	Metrics          *metrics.Collector
	Auth             auth.Config
	Health           func(context.Context) error
	DBStats          func() database.PoolStats
	SubscriberBuffer int
	Logger           *slog.Logger
}

// NewRouter builds the API mux, instrumented with request metrics.
func NewRouter(deps Dependencies) http.Handler {
	if deps.Logger == nil {
		deps.Logger = logging.Discard()
	}
	logger := deps.Logger.With("component", "api")
	deps.Logger = logger

	handler := NewHandler(deps)
	authHandler := NewAuthHandler(deps.Auth, logger)
	adminHandler := NewAdminHandler(deps.SweepContext, deps.Broadcaster, deps.Sweeps, logger)
	stream := broadcast.NewHandler(deps.Broadcaster, deps.SubscriberBuffer, logger)

	authMiddleware := auth.Middleware(deps.Auth)
	protected := func(h http.HandlerFunc) http.Handler {
		return authMiddleware(h)
	}

	mux := http.NewServeMux()

	// Public routes
	mux.HandleFunc("GET /healthz", handler.Healthz)
	mux.Handle("GET /metrics", deps.Metrics.Handler())
	mux.Handle("GET /api/stream", stream)
	mux.HandleFunc("GET /api/accounts", handler.GetAccounts)
	mux.HandleFunc("GET /api/quota", handler.GetQuota)
	mux.HandleFunc("GET /api/stats", handler.GetStats)

	// Authentication routes
	mux.HandleFunc("POST /api/auth/login", authHandler.Login)
	mux.Handle("GET /api/auth/validate", protected(authHandler.ValidateToken))

	// Admin routes
	mux.Handle("POST /api/admin/sweep", protected(adminHandler.TriggerSweep))
	mux.Handle("POST /api/admin/announce", protected(adminHandler.Announce))

	if deps.ErrorRepo != nil {
		errorHandler := NewIngestionErrorHandler(deps.ErrorRepo, logger)
		mux.Handle("GET /api/admin/ingestion-errors", protected(errorHandler.ListErrors))
		mux.Handle("POST /api/admin/ingestion-errors/{id}/resolve", protected(errorHandler.ResolveError))
	}

	return deps.Metrics.InstrumentHandler(mux)
}
