package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/assiminee/facegate/internal/database"
)

// ModelHealthChecker is the slice of the model client health checks need.
type ModelHealthChecker interface {
	Healthy(ctx context.Context) error
}

// StatsHandler serves operational state for venue dashboards.
type StatsHandler struct {
	templates database.TemplateReader
	model     ModelHealthChecker
	logger    *slog.Logger
}

// NewStatsHandler creates a stats handler.
func NewStatsHandler(templates database.TemplateReader, model ModelHealthChecker, logger *slog.Logger) *StatsHandler {
	return &StatsHandler{templates: templates, model: model, logger: logger}
}

// Get handles GET /api/v1/stats.
func (h *StatsHandler) Get(w http.ResponseWriter, r *http.Request) {
	count, err := h.templates.Count(r.Context())
	if err != nil {
		h.logger.Error("stats query failed", "error", err)
		respondError(w, http.StatusInternalServerError, "internal error")
		return
	}

	modelStatus := "ok"
	if h.model != nil {
		if err := h.model.Healthy(r.Context()); err != nil {
			modelStatus = "unavailable"
		}
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"templates":     count,
		"model_service": modelStatus,
	})
}

// HealthCheck handles the health check endpoint.
func HealthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}
