package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/Dean-Rough/transferjuice/internal/broadcast"
	"github.com/Dean-Rough/transferjuice/internal/cloudsql"
	"github.com/Dean-Rough/transferjuice/internal/config"
	"github.com/Dean-Rough/transferjuice/internal/database"
	"github.com/Dean-Rough/transferjuice/internal/ingestion"
	"github.com/Dean-Rough/transferjuice/internal/metrics"
	"github.com/Dean-Rough/transferjuice/internal/models"
	"github.com/Dean-Rough/transferjuice/internal/quota"
	"github.com/Dean-Rough/transferjuice/internal/storage"
)

type appOptions struct {
	// memoryStore keeps cursors in memory only.
	memoryStore bool
	// wrapPublisher, when set, decorates the broadcaster as seen by the pipeline.
	wrapPublisher func(ingestion.Publisher) ingestion.Publisher
}

// app is the composed ingestion and distribution stack.
type app struct {
	cfg    config.Config
	logger *slog.Logger

	metrics     *metrics.Collector
	store       models.AccountStore
	db          *sql.DB
	bolt        *storage.BoltStore
	errorRepo   database.IngestionErrorRepository
	tracker     *quota.Tracker
	twitter     *ingestion.TwitterClient
	broadcaster *broadcast.Broadcaster
	pipeline    *ingestion.Pipeline
}

func newApp(ctx context.Context, cfg config.Config, logger *slog.Logger, opts appOptions) (*app, error) {
	accounts, err := config.LoadRoster(cfg.Sweep.RosterPath)
	if err != nil {
		return nil, err
	}
	logger.Info("roster loaded", "path", cfg.Sweep.RosterPath, "accounts", len(accounts))

	collector, err := metrics.NewCollector()
	if err != nil {
		return nil, fmt.Errorf("create metrics collector: %w", err)
	}

	a := &app{
		cfg:     cfg,
		logger:  logger,
		metrics: collector,
		tracker: quota.NewTracker(nil),
	}

	if err := a.openStore(ctx, opts.memoryStore); err != nil {
		a.Close()
		return nil, err
	}
	if err := a.store.Sync(ctx, accounts); err != nil {
		a.Close()
		return nil, fmt.Errorf("sync roster: %w", err)
	}

	a.twitter = ingestion.NewTwitterClient(cfg.Twitter, a.tracker, collector, logger)
	if err := a.twitter.Validate(); err != nil {
		logger.Warn("primary fetch path misconfigured", "error", err)
	}

	var secondary ingestion.SecondaryFetcher
	if cfg.Scraper.FallbackEnabled() {
		secondary = ingestion.NewScraperClient(cfg.Scraper, ingestion.RetryPolicyFromConfig(cfg.Retry), logger)
		logger.Info("fallback fetch path enabled", "render_url", cfg.Scraper.RenderURL)
	} else {
		logger.Warn("no fallback fetch path configured, quota-exhausted accounts will be skipped")
	}

	orchestrator := ingestion.NewOrchestrator(a.twitter, secondary, a.store, ingestion.OrchestratorConfig{
		Retry:               ingestion.RetryPolicyFromConfig(cfg.Retry),
		MaxResults:          cfg.Twitter.MaxResults,
		Window:              cfg.Twitter.FirstFetchWindow,
		FallbackConcurrency: cfg.Scraper.Concurrency,
	}, logger, collector)

	a.broadcaster, err = broadcast.New(broadcast.OptionsFromConfig(cfg.Broadcast), logger, collector)
	if err != nil {
		a.Close()
		return nil, err
	}

	var publisher ingestion.Publisher = a.broadcaster
	if opts.wrapPublisher != nil {
		publisher = opts.wrapPublisher(publisher)
	}

	var recorder models.IngestionErrorRecorder
	if a.errorRepo != nil {
		recorder = a.errorRepo
	}

	pipelineCfg := ingestion.DefaultPipelineConfig()
	pipelineCfg.ProfileBaseURL = cfg.Scraper.ProfileBaseURL
	pipelineCfg.BreakingMarkers = cfg.Sweep.BreakingMarkers
	a.pipeline = ingestion.NewPipeline(a.store, orchestrator, publisher, recorder, logger, collector, pipelineCfg)

	return a, nil
}

// openStore picks Postgres when a database URL can be built and falls back
// to the local bbolt file otherwise.
func (a *app) openStore(ctx context.Context, memory bool) error {
	if memory {
		a.store = ingestion.NewMemoryAccountStore()
		a.logger.Info("using in-memory account store")
		return nil
	}

	dbURL, err := cloudsql.BuildDatabaseURL()
	switch {
	case err == nil:
		return a.openPostgres(ctx, dbURL)
	case errors.Is(err, cloudsql.ErrNotConfigured):
		return a.openBolt()
	default:
		return fmt.Errorf("build database url: %w", err)
	}
}

func (a *app) openPostgres(ctx context.Context, dbURL string) error {
	a.logger.Info("database configuration", cloudsql.Describe()...)

	db, err := database.Connect(ctx, database.DefaultConfig(dbURL))
	if err != nil {
		return err
	}
	a.db = db

	if _, err := database.RunMigrations(ctx, db, os.DirFS(a.cfg.Storage.MigrationsDir), a.logger); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	a.store = database.NewPostgresAccountStore(db)
	a.errorRepo = database.NewPostgresIngestionErrorRepository(db)
	a.logger.Info("database connected")
	return nil
}

func (a *app) openBolt() error {
	path := a.cfg.Storage.CursorDBPath
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create cursor db directory: %w", err)
	}

	bs, err := storage.Open(path)
	if err != nil {
		return err
	}
	a.bolt = bs
	a.store = bs

	states, err := bs.LoadQuota()
	if err != nil {
		a.logger.Warn("failed to load saved quota windows", "error", err)
	} else if n := a.tracker.Restore(states); n > 0 {
		a.logger.Info("restored quota windows", "endpoints", n)
	}

	a.logger.Info("using local cursor store", "path", path)
	return nil
}

// health reports database reachability; nil when there is no database.
func (a *app) health() func(context.Context) error {
	if a.db == nil {
		return nil
	}
	return func(ctx context.Context) error {
		return database.HealthCheck(ctx, a.db)
	}
}

// dbStats exposes connection pool statistics; nil when there is no database.
func (a *app) dbStats() func() database.PoolStats {
	if a.db == nil {
		return nil
	}
	return func() database.PoolStats {
		return database.Stats(a.db)
	}
}

// Close persists quota windows and releases storage.
func (a *app) Close() {
	if a.bolt != nil {
		if err := a.bolt.SaveQuota(a.tracker.Snapshot()); err != nil {
			a.logger.Warn("failed to save quota windows", "error", err)
		}
		if err := a.bolt.Close(); err != nil {
			a.logger.Warn("failed to close cursor store", "error", err)
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Warn("failed to close database", "error", err)
		}
	}
}
