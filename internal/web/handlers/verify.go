package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/assiminee/facegate/internal/database"
	"github.com/assiminee/facegate/internal/embedder"
	"github.com/assiminee/facegate/internal/quality"
	"github.com/assiminee/facegate/internal/verify"
)

// VerifyHandler serves the gate terminal's verification endpoint.
type VerifyHandler struct {
	service *verify.Service
	logger  *slog.Logger
}

// NewVerifyHandler creates a verification handler.
func NewVerifyHandler(service *verify.Service, logger *slog.Logger) *VerifyHandler {
	return &VerifyHandler{service: service, logger: logger}
}

// verifyResponse is the wire form of a decision.
type verifyResponse struct {
	AttemptID    string  `json:"attempt_id"`
	Decision     string  `json:"decision"`
	Reason       string  `json:"reason,omitempty"`
	SpectatorID  string  `json:"spectator_id,omitempty"`
	Distance     float64 `json:"distance"`
	QualityScore float64 `json:"quality_score"`
	CheckedInAt  string  `json:"checked_in_at,omitempty"`
}

// retakeResponse tells the terminal to re-capture rather than refuse.
type retakeResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason"`
	Retake bool   `json:"retake"`
}

// Verify handles POST /api/v1/verify. The multipart form carries the
// capture under "file", the ticket under "ticket_id", and optionally the
// capture timestamp under "captured_at" (RFC 3339, defaults to now).
func (h *VerifyHandler) Verify(w http.ResponseWriter, r *http.Request) {
	image, ok := readImageFile(w, r)
	if !ok {
		return
	}

	ticketID := r.FormValue("ticket_id")
	if ticketID == "" {
		respondError(w, http.StatusBadRequest, "missing ticket_id field")
		return
	}

	capturedAt := time.Now().UTC()
	if raw := r.FormValue("captured_at"); raw != "" {
		parsed, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			respondError(w, http.StatusBadRequest, "captured_at must be RFC 3339")
			return
		}
		capturedAt = parsed
	}

	outcome, err := h.service.Verify(r.Context(), ticketID, image, capturedAt)
	if err != nil {
		h.respondPipelineError(w, ticketID, err)
		return
	}

	resp := verifyResponse{
		AttemptID:    outcome.AttemptID,
		Decision:     outcome.Decision,
		Reason:       outcome.Reason,
		SpectatorID:  outcome.SpectatorID,
		Distance:     outcome.BestDistance,
		QualityScore: outcome.QualityScore,
	}
	if !outcome.CheckedInAt.IsZero() {
		resp.CheckedInAt = outcome.CheckedInAt.Format(time.RFC3339)
	}
	respondJSON(w, http.StatusOK, resp)
}

// respondPipelineError maps pipeline failures onto HTTP statuses. Policy
// and biometric rejects never reach here; they are 200 decisions.
func (h *VerifyHandler) respondPipelineError(w http.ResponseWriter, ticketID string, err error) {
	var rej *quality.Rejection
	switch {
	case errors.As(err, &rej):
		respondJSON(w, http.StatusUnprocessableEntity, retakeResponse{
			Error:  rej.Detail,
			Reason: rej.Reason,
			Retake: true,
		})
	case errors.Is(err, database.ErrTicketNotFound):
		respondError(w, http.StatusNotFound, "ticket not found")
	case errors.Is(err, verify.ErrBusy):
		w.Header().Set("Retry-After", "1")
		respondError(w, http.StatusTooManyRequests, "verification queue is full, retry")
	case errors.Is(err, verify.ErrTimeout):
		respondError(w, http.StatusGatewayTimeout, "model inference timed out")
	case errors.Is(err, embedder.ErrBadImage):
		respondError(w, http.StatusBadRequest, "model service rejected the image")
	case errors.Is(err, embedder.ErrModelInference):
		respondError(w, http.StatusServiceUnavailable, "model service unavailable")
	default:
		h.logger.Error("verification pipeline failed", "ticket_id", sanitizeForLog(ticketID), "error", err)
		respondError(w, http.StatusInternalServerError, "internal error")
	}
}
