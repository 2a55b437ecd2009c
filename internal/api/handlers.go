package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/Dean-Rough/transferjuice/internal/broadcast"
	"github.com/Dean-Rough/transferjuice/internal/database"
	"github.com/Dean-Rough/transferjuice/internal/ingestion"
	"github.com/Dean-Rough/transferjuice/internal/models"
	"github.com/Dean-Rough/transferjuice/internal/quota"
)

// SweepRunner is the sweep surface the API reads and triggers;
// *ingestion.Pipeline satisfies it.
type SweepRunner interface {
	Sweep(ctx context.Context) (ingestion.SweepReport, error)
	IsRunning() bool
	LastReport() (ingestion.SweepReport, bool)
	DedupStats() ingestion.DeduplicationStats
}

// Handler serves the public read endpoints.
type Handler struct {
	broadcaster *broadcast.Broadcaster
	store       models.AccountStore
	tracker     *quota.Tracker
	sweeps      SweepRunner
	health      func(context.Context) error
	dbStats     func() database.PoolStats
	logger      *slog.Logger
	startTime   time.Time
}

// NewHandler creates a new API handler
func NewHandler(deps Dependencies) *Handler {
	return &Handler{
		broadcaster: deps.Broadcaster,
		store:       deps.Store,
		tracker:     deps.Tracker,
		sweeps:      deps.Sweeps,
		health:      deps.Health,
		dbStats:     deps.DBStats,
		logger:      deps.Logger,
		startTime:   time.Now(),
	}
}

// StatsResponse is the body of GET /api/stats.
type StatsResponse struct {
	Broadcast       broadcast.Stats              `json:"broadcast"`
	Dedup           ingestion.DeduplicationStats `json:"dedup"`
	LastSweep       *ingestion.SweepReport       `json:"last_sweep,omitempty"`
	SweepRunning    bool                         `json:"sweep_running"`
	Database        *database.PoolStats          `json:"database,omitempty"`
	UptimeSeconds   int64                        `json:"uptime_seconds"`
	UptimeFormatted string                       `json:"uptime_formatted"`
}

// Healthz handles GET /healthz
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	if h.health != nil {
		if err := h.health(r.Context()); err != nil {
			h.logger.Warn("health check failed", "error", err)
			http.Error(w, "unhealthy", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// GetAccounts handles GET /api/accounts
func (h *Handler) GetAccounts(w http.ResponseWriter, r *http.Request) {
	accounts, err := h.store.List(r.Context())
	if err != nil {
		h.logger.Error("failed to list accounts", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	if accounts == nil {
		accounts = []models.TrackedAccount{}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"accounts": accounts,
		"count":    len(accounts),
	}, h.logger)
}

// GetQuota handles GET /api/quota
func (h *Handler) GetQuota(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"endpoints": h.tracker.Snapshot(),
	}, h.logger)
}

// GetStats handles GET /api/stats
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	uptime := time.Since(h.startTime)
	stats := StatsResponse{
		Broadcast:     h.broadcaster.Stats(),
		UptimeSeconds: int64(uptime.Seconds()),
		UptimeFormatted: fmt.Sprintf("%02d:%02d:%02d",
			int64(uptime.Hours()), int64(uptime.Minutes())%60, int64(uptime.Seconds())%60),
	}
	if h.sweeps != nil {
		stats.Dedup = h.sweeps.DedupStats()
		stats.SweepRunning = h.sweeps.IsRunning()
		if report, ok := h.sweeps.LastReport(); ok {
			stats.LastSweep = &report
		}
	}

	if h.dbStats != nil {
		pool := h.dbStats()
		stats.Database = &pool
	}

	writeJSON(w, http.StatusOK, stats, h.logger)
}

func writeJSON(w http.ResponseWriter, status int, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("failed to encode response", "error", err)
	}
}
