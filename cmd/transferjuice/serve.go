package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Dean-Rough/transferjuice/internal/api"
	"github.com/Dean-Rough/transferjuice/internal/auth"
	"github.com/Dean-Rough/transferjuice/internal/scheduler"
	"github.com/Dean-Rough/transferjuice/internal/server"
)

func (c *cli) serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run scheduled sweeps and serve the live feed",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := c.load(os.Stdout); err != nil {
				return err
			}
			return c.serve(cmd.Context())
		},
	}
}

func (c *cli) serve(parent context.Context) error {
	logger := c.logger
	logger.Info("starting transferjuice", "version", Version)

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	authConfig, err := auth.LoadConfigFromEnv()
	if err != nil {
		return err
	}
	if !authConfig.Enabled() {
		logger.Warn("admin endpoints disabled, set ADMIN_JWT_SECRET and ADMIN_PASSWORD to enable")
	}

	a, err := newApp(ctx, c.cfg, logger, appOptions{})
	if err != nil {
		return err
	}
	defer a.Close()

	a.broadcaster.Start(ctx)

	sched := scheduler.NewIngestionScheduler(a.pipeline, c.cfg.Sweep.Interval, logger)
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer sched.Stop()

	sweepCtx, cancelSweeps := context.WithCancel(ctx)
	defer cancelSweeps()

	router := api.NewRouter(api.Dependencies{
		Broadcaster:      a.broadcaster,
		Store:            a.store,
		Tracker:          a.tracker,
		Sweeps:           a.pipeline,
		SweepContext:     sweepCtx,
		ErrorRepo:        a.errorRepo,
		Metrics:          a.metrics,
		Auth:             authConfig,
		Health:           a.health(),
		DBStats:          a.dbStats(),
		SubscriberBuffer: c.cfg.Broadcast.SubscriberBuffer,
		Logger:           logger,
	})

	srv := server.New(c.cfg.Server, logger, router)
	srv.OnShutdown(func() {
		if err := a.broadcaster.Shutdown(context.Background()); err != nil {
			logger.Error("broadcaster shutdown error", "error", err)
		}
	})

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Start()
	}()

	logger.Info("transferjuice started", "port", c.cfg.Server.Port, "sweep_interval", c.cfg.Sweep.Interval)

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("received shutdown signal")
	case err := <-serveErr:
		if err != nil {
			logger.Error("server error", "error", err)
			runErr = err
		}
	}

	logger.Info("shutting down")
	sched.Stop()

	if err := srv.Shutdown(context.Background()); err != nil {
		logger.Error("shutdown error", "error", err)
		runErr = errors.Join(runErr, err)
	}
	if err := a.broadcaster.Shutdown(context.Background()); err != nil {
		logger.Error("broadcaster shutdown error", "error", err)
	}

	// A manually triggered sweep may still be writing cursors; the store
	// closes only after it returns.
	cancelSweeps()
	waitCtx, cancelWait := context.WithTimeout(context.Background(), c.cfg.Server.ShutdownTimeout)
	defer cancelWait()
	if err := a.pipeline.Wait(waitCtx); err != nil {
		logger.Error("sweep still running at shutdown", "error", err)
	}

	logger.Info("shutdown complete")
	return runErr
}
