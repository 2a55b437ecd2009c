package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/Dean-Rough/transferjuice/internal/database"
	"github.com/Dean-Rough/transferjuice/internal/models"
)

// IngestionErrorHandler handles ingestion error-related requests
type IngestionErrorHandler struct {
	repo   database.IngestionErrorRepository
	logger *slog.Logger
}

// NewIngestionErrorHandler creates a new ingestion error handler
func NewIngestionErrorHandler(repo database.IngestionErrorRepository, logger *slog.Logger) *IngestionErrorHandler {
	return &IngestionErrorHandler{
		repo:   repo,
		logger: logger,
	}
}

// ListErrors handles GET /api/admin/ingestion-errors
func (h *IngestionErrorHandler) ListErrors(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		parsed, err := strconv.Atoi(limitStr)
		if err != nil || parsed < 1 || parsed > 1000 {
			http.Error(w, "limit must be between 1 and 1000", http.StatusBadRequest)
			return
		}
		limit = parsed
	}
	unresolvedOnly := r.URL.Query().Get("unresolved_only") == "true"

	errs, err := h.repo.List(r.Context(), limit, unresolvedOnly)
	if err != nil {
		h.logger.Error("failed to list ingestion errors", "error", err)
		http.Error(w, "Failed to list ingestion errors", http.StatusInternalServerError)
		return
	}
	if errs == nil {
		errs = []models.IngestionError{}
	}

	unresolved, err := h.repo.CountUnresolved(r.Context())
	if err != nil {
		h.logger.Error("failed to count unresolved errors", "error", err)
		unresolved = 0
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"errors":           errs,
		"count":            len(errs),
		"unresolved_count": unresolved,
	}, h.logger)
}

// ResolveError handles POST /api/admin/ingestion-errors/{id}/resolve
func (h *IngestionErrorHandler) ResolveError(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := uuid.Parse(id); err != nil {
		http.Error(w, "Invalid error ID", http.StatusBadRequest)
		return
	}

	err := h.repo.MarkResolved(r.Context(), id)
	if errors.Is(err, database.ErrIngestionErrorNotFound) {
		http.Error(w, "Ingestion error not found", http.StatusNotFound)
		return
	}
	if err != nil {
		h.logger.Error("failed to mark error as resolved", "error", err, "id", id)
		http.Error(w, "Failed to mark error as resolved", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
