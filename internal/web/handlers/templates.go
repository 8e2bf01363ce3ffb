package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/assiminee/facegate/internal/database"
	"github.com/assiminee/facegate/internal/embedder"
	"github.com/assiminee/facegate/internal/enroll"
	"github.com/assiminee/facegate/internal/quality"
	"github.com/go-chi/chi/v5"
)

// TemplatesHandler serves explicit enrollment and template removal.
type TemplatesHandler struct {
	service   *enroll.Service
	templates database.TemplateWriter
	logger    *slog.Logger
}

// NewTemplatesHandler creates a templates handler.
func NewTemplatesHandler(service *enroll.Service, templates database.TemplateWriter, logger *slog.Logger) *TemplatesHandler {
	return &TemplatesHandler{service: service, templates: templates, logger: logger}
}

type templateResponse struct {
	TemplateID   string  `json:"template_id"`
	SpectatorID  string  `json:"spectator_id"`
	QualityScore float64 `json:"quality_score"`
	EnrolledAt   string  `json:"enrolled_at"`
}

// Enroll handles POST /api/v1/spectators/{spectatorID}/templates. The
// multipart form carries the enrollment photo under "file". Enrollment is
// synchronous; the operator sees the stored template or the exact refusal.
func (h *TemplatesHandler) Enroll(w http.ResponseWriter, r *http.Request) {
	spectatorID := chi.URLParam(r, "spectatorID")
	if spectatorID == "" {
		respondError(w, http.StatusBadRequest, "missing spectator ID")
		return
	}

	image, ok := readImageFile(w, r)
	if !ok {
		return
	}

	tpl, err := h.service.Enroll(r.Context(), spectatorID, image)
	if err != nil {
		h.respondEnrollError(w, spectatorID, err)
		return
	}

	respondJSON(w, http.StatusCreated, templateResponse{
		TemplateID:   tpl.ID,
		SpectatorID:  tpl.SpectatorID,
		QualityScore: tpl.QualityScore,
		EnrolledAt:   tpl.EnrolledAt.Format(time.RFC3339),
	})
}

// Remove handles DELETE /api/v1/templates/{templateID}. Removal is a
// tombstone; the template stops matching immediately.
func (h *TemplatesHandler) Remove(w http.ResponseWriter, r *http.Request) {
	templateID := chi.URLParam(r, "templateID")
	if templateID == "" {
		respondError(w, http.StatusBadRequest, "missing template ID")
		return
	}

	if err := h.templates.Remove(r.Context(), templateID); err != nil {
		if errors.Is(err, database.ErrTemplateNotFound) {
			respondError(w, http.StatusNotFound, "template not found")
			return
		}
		h.logger.Error("template removal failed", "template_id", sanitizeForLog(templateID), "error", err)
		respondError(w, http.StatusInternalServerError, "internal error")
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

func (h *TemplatesHandler) respondEnrollError(w http.ResponseWriter, spectatorID string, err error) {
	var rej *quality.Rejection
	switch {
	case errors.As(err, &rej):
		respondJSON(w, http.StatusUnprocessableEntity, retakeResponse{
			Error:  rej.Detail,
			Reason: rej.Reason,
			Retake: true,
		})
	case errors.Is(err, enroll.ErrNoConsent):
		respondError(w, http.StatusForbidden, "spectator has not granted biometric consent")
	case errors.Is(err, enroll.ErrDuplicateImage):
		respondError(w, http.StatusConflict, "image already enrolled")
	case errors.Is(err, enroll.ErrIdentityConflict):
		respondError(w, http.StatusConflict, "face already enrolled under another identity")
	case errors.Is(err, embedder.ErrBadImage):
		respondError(w, http.StatusBadRequest, "model service rejected the image")
	case errors.Is(err, embedder.ErrModelInference):
		respondError(w, http.StatusServiceUnavailable, "model service unavailable")
	default:
		h.logger.Error("enrollment failed", "spectator_id", sanitizeForLog(spectatorID), "error", err)
		respondError(w, http.StatusInternalServerError, "internal error")
	}
}
