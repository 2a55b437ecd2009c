package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Dean-Rough/transferjuice/internal/broadcast"
	"github.com/Dean-Rough/transferjuice/internal/ingestion"
	"github.com/Dean-Rough/transferjuice/internal/models"
)

const announceHandle = "transferjuice"

// AdminHandler handles operator actions
type AdminHandler struct {
	sweepCtx    context.Context
	broadcaster *broadcast.Broadcaster
	sweeps      SweepRunner
	logger      *slog.Logger
}

// NewAdminHandler creates a new admin handler. Triggered sweeps run under
// sweepCtx rather than the request context.
func NewAdminHandler(sweepCtx context.Context, broadcaster *broadcast.Broadcaster, sweeps SweepRunner, logger *slog.Logger) *AdminHandler {
	if sweepCtx == nil {
		sweepCtx = context.Background()
	}
	return &AdminHandler{
		sweepCtx:    sweepCtx,
		broadcaster: broadcaster,
		sweeps:      sweeps,
		logger:      logger,
	}
}

// AnnounceRequest is an operator-authored feed item.
type AnnounceRequest struct {
	Text     string   `json:"text"`
	Tags     []string `json:"tags"`
	Breaking bool     `json:"breaking"`
}

// TriggerSweep handles POST /api/admin/sweep. The sweep runs in the
// background; 409 means one is already running.
func (h *AdminHandler) TriggerSweep(w http.ResponseWriter, r *http.Request) {
	if h.sweeps == nil {
		http.Error(w, "Sweeps not configured", http.StatusServiceUnavailable)
		return
	}
	if h.sweeps.IsRunning() {
		http.Error(w, ingestion.ErrSweepInProgress.Error(), http.StatusConflict)
		return
	}

	ctx := h.sweepCtx
	go func() {
		report, err := h.sweeps.Sweep(ctx)
		var batchErr *ingestion.BatchError
		switch {
		case errors.Is(err, ingestion.ErrSweepInProgress):
			h.logger.Debug("manual sweep skipped", "error", err)
		case errors.As(err, &batchErr):
			h.logger.Warn("manual sweep degraded", "published", report.Published, "degraded", len(report.Degraded))
		case err != nil:
			h.logger.Error("manual sweep failed", "error", err)
		default:
			h.logger.Info("manual sweep completed", "published", report.Published)
		}
	}()

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"}, h.logger)
}

// Announce handles POST /api/admin/announce
func (h *AdminHandler) Announce(w http.ResponseWriter, r *http.Request) {
	var req AnnounceRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	req.Text = strings.TrimSpace(req.Text)
	if req.Text == "" {
		http.Error(w, "text is required", http.StatusBadRequest)
		return
	}

	tags := []string{}
	for _, t := range req.Tags {
		if t = strings.TrimSpace(t); t != "" {
			tags = append(tags, t)
		}
	}

	eventType, priority := broadcast.EventFeedUpdate, broadcast.PriorityMedium
	if req.Breaking {
		eventType, priority = broadcast.EventBreakingNews, broadcast.PriorityHigh
	}

	item := models.FeedItem{
		NormalizedUpdate: models.NormalizedUpdate{
			ID:        uuid.NewString(),
			Text:      req.Text,
			CreatedAt: time.Now().UTC(),
			Media:     []models.Media{},
		},
		Handle:   announceHandle,
		Tags:     tags,
		Priority: string(priority),
	}

	msg, err := h.broadcaster.Broadcast(eventType, item, broadcast.Route{Tags: tags, Priority: priority})
	if err != nil {
		h.logger.Warn("announcement rejected", "error", err)
		http.Error(w, "Broadcast unavailable", http.StatusServiceUnavailable)
		return
	}

	h.logger.Info("announcement published", "message_id", msg.ID, "type", eventType)
	writeJSON(w, http.StatusCreated, msg, h.logger)
}
