// Package enroll turns approved captures into stored face templates. The
// explicit path runs synchronously behind the enrollment endpoint; the
// auto-enroll path feeds accepted gate captures through a bounded queue so
// template growth never adds latency to an entry decision.
package enroll

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/assiminee/facegate/internal/database"
	"github.com/assiminee/facegate/internal/embedder"
	"github.com/assiminee/facegate/internal/quality"
	"github.com/google/uuid"
)

// Sentinel errors for enrollment.
var (
	// ErrNoConsent means the spectator has not granted biometric consent.
	ErrNoConsent = errors.New("spectator has not granted biometric consent")
	// ErrDuplicateImage means the exact image was already enrolled.
	ErrDuplicateImage = errors.New("image already enrolled")
	// ErrIdentityConflict means the face matches a different enrolled spectator.
	ErrIdentityConflict = errors.New("face already enrolled under another identity")
)

// ModelClient is the slice of the model service enrollment needs.
type ModelClient interface {
	Detect(ctx context.Context, imageData []byte) ([]embedder.Detection, error)
	Embed(ctx context.Context, imageData []byte) ([]float32, error)
}

// Service performs template enrollment.
type Service struct {
	templates database.TemplateWriter
	model     ModelClient
	gate      *quality.Gate
	consent   ConsentChecker
	threshold float64 // conflict distance, same scale as the match threshold
	logger    *slog.Logger
}

// NewService creates an enrollment service. conflictThreshold is the cosine
// distance below which a match against another spectator blocks enrollment.
func NewService(templates database.TemplateWriter, model ModelClient, gate *quality.Gate,
	consent ConsentChecker, conflictThreshold float64, logger *slog.Logger) *Service {
	return &Service{
		templates: templates,
		model:     model,
		gate:      gate,
		consent:   consent,
		threshold: conflictThreshold,
		logger:    logger,
	}
}

// Enroll runs the full pipeline for one capture: consent, duplicate image
// check, quality, embedding, identity conflict check, insert. The returned
// template is the stored record.
func (s *Service) Enroll(ctx context.Context, spectatorID string, imageData []byte) (*database.StoredTemplate, error) {
	ok, err := s.consent.HasConsent(ctx, spectatorID)
	if err != nil {
		return nil, fmt.Errorf("checking consent for %s: %w", spectatorID, err)
	}
	if !ok {
		return nil, ErrNoConsent
	}

	hash := sha256.Sum256(imageData)
	imageHash := hex.EncodeToString(hash[:])
	seen, err := s.templates.HasImageHash(ctx, imageHash)
	if err != nil {
		return nil, fmt.Errorf("checking image hash: %w", err)
	}
	if seen {
		return nil, ErrDuplicateImage
	}

	detections, err := s.model.Detect(ctx, imageData)
	if err != nil {
		return nil, fmt.Errorf("detecting face: %w", err)
	}

	assessment, err := s.gate.Assess(imageData, detections)
	if err != nil {
		return nil, err
	}

	vec, err := s.model.Embed(ctx, assessment.Crop)
	if err != nil {
		return nil, fmt.Errorf("embedding face: %w", err)
	}
	vec = database.Normalize(vec)

	// A strong match to someone else means either a shared photo or an
	// attempt to register one face under two identities. Refuse both.
	candidates, err := s.templates.FindNearest(ctx, vec, 1)
	if err != nil {
		return nil, fmt.Errorf("checking identity conflict: %w", err)
	}
	if len(candidates) > 0 && candidates[0].SpectatorID != spectatorID && candidates[0].Distance <= s.threshold {
		return nil, fmt.Errorf("%w: matches spectator %s at distance %.3f",
			ErrIdentityConflict, candidates[0].SpectatorID, candidates[0].Distance)
	}

	tpl := &database.StoredTemplate{
		ID:           uuid.NewString(),
		SpectatorID:  spectatorID,
		Embedding:    vec,
		Dim:          len(vec),
		QualityScore: assessment.Score,
		ImageHash:    imageHash,
		EnrolledAt:   time.Now().UTC(),
	}
	if err := s.templates.Insert(ctx, tpl); err != nil {
		return nil, fmt.Errorf("storing template: %w", err)
	}

	s.logger.Info("enrolled template",
		"spectator_id", spectatorID,
		"template_id", tpl.ID,
		"quality_score", tpl.QualityScore)
	return tpl, nil
}

// Capture is one accepted gate capture queued for auto-enrollment.
type Capture struct {
	SpectatorID string
	Image       []byte
}

// Feed runs auto-enrollment off the verification hot path. Enqueue is
// non-blocking; a full queue drops the capture, which only costs a future
// template, never an entry decision.
type Feed struct {
	service *Service
	queue   chan Capture
	wg      sync.WaitGroup
	logger  *slog.Logger

	closeOnce sync.Once
}

// NewFeed creates an auto-enrollment feed with the given queue capacity
// and worker count.
func NewFeed(service *Service, queueSize, workers int, logger *slog.Logger) *Feed {
	f := &Feed{
		service: service,
		queue:   make(chan Capture, queueSize),
		logger:  logger,
	}
	for i := 0; i < workers; i++ {
		f.wg.Add(1)
		go f.worker()
	}
	return f
}

// Enqueue offers a capture for auto-enrollment. Returns false when the
// queue is full or closed.
func (f *Feed) Enqueue(c Capture) (queued bool) {
	defer func() {
		// Enqueue after Close loses the race to the channel close.
		if recover() != nil {
			queued = false
		}
	}()
	select {
	case f.queue <- c:
		return true
	default:
		return false
	}
}

// Len returns the current queue depth.
func (f *Feed) Len() int {
	return len(f.queue)
}

func (f *Feed) worker() {
	defer f.wg.Done()
	for c := range f.queue {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		_, err := f.service.Enroll(ctx, c.SpectatorID, c.Image)
		cancel()

		switch {
		case err == nil:
		case errors.Is(err, ErrNoConsent), errors.Is(err, ErrDuplicateImage):
			// Expected outcomes, not failures.
			f.logger.Debug("auto-enrollment skipped", "spectator_id", c.SpectatorID, "reason", err)
		default:
			f.logger.Warn("auto-enrollment failed", "spectator_id", c.SpectatorID, "error", err)
		}
	}
}

// Close stops accepting captures and waits for in-flight enrollments.
func (f *Feed) Close() {
	f.closeOnce.Do(func() {
		close(f.queue)
	})
	f.wg.Wait()
}
