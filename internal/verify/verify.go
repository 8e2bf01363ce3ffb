// Package verify orchestrates the entry pipeline: ticket lookup, admission
// control, capture quality, embedding, biometric match, and the gate
// decision, with every attempt recorded for audit.
package verify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/assiminee/facegate/internal/database"
	"github.com/assiminee/facegate/internal/enroll"
	"github.com/assiminee/facegate/internal/gate"
	"github.com/assiminee/facegate/internal/match"
	"github.com/assiminee/facegate/internal/metrics"
	"github.com/assiminee/facegate/internal/quality"
	"github.com/google/uuid"
)

// Sentinel errors for the verification pipeline.
var (
	// ErrBusy means the admission queue is full; the terminal should retry.
	ErrBusy = errors.New("verification queue is full")
	// ErrTimeout means the model did not answer within the embed timeout.
	ErrTimeout = errors.New("model inference timed out")
)

// Outcome is the final result of one verification attempt.
type Outcome struct {
	AttemptID    string
	Decision     string
	Reason       string // empty on accept
	SpectatorID  string
	BestDistance float64
	QualityScore float64
	CheckedInAt  time.Time // zero unless accepted
}

// Accepted reports whether the spectator was admitted.
func (o *Outcome) Accepted() bool {
	return o.Decision == match.DecisionAccept
}

// Service runs the verification pipeline. A semaphore sized to the
// embedding worker pool bounds concurrent model work; requests beyond the
// queue fail fast with ErrBusy instead of stacking up latency.
type Service struct {
	tickets   database.TicketStore
	attempts  database.AttemptWriter
	model     enroll.ModelClient
	gate      *quality.Gate
	matcher   *match.Engine
	machine   *gate.Machine
	feed      *enroll.Feed     // nil disables auto-enrollment
	metrics   *metrics.Manager // nil disables instrumentation
	admission chan struct{}
	timeout   time.Duration
	logger    *slog.Logger
}

// Options configures optional service collaborators.
type Options struct {
	Feed    *enroll.Feed
	Metrics *metrics.Manager
}

// NewService creates a verification service. queueSize bounds concurrent
// pipeline executions; timeout caps each model call.
func NewService(
	tickets database.TicketStore,
	attempts database.AttemptWriter,
	model enroll.ModelClient,
	qualityGate *quality.Gate,
	matcher *match.Engine,
	machine *gate.Machine,
	queueSize int,
	timeout time.Duration,
	logger *slog.Logger,
	opts Options,
) *Service {
	return &Service{
		tickets:   tickets,
		attempts:  attempts,
		model:     model,
		gate:      qualityGate,
		matcher:   matcher,
		machine:   machine,
		feed:      opts.Feed,
		metrics:   opts.Metrics,
		admission: make(chan struct{}, queueSize),
		timeout:   timeout,
		logger:    logger,
	}
}

// Verify runs the full pipeline for one capture presented with a ticket.
// Pipeline failures (quality, busy, model) return errors; policy and
// biometric refusals return a reject Outcome with a reason.
func (s *Service) Verify(ctx context.Context, ticketID string, image []byte, capturedAt time.Time) (*Outcome, error) {
	ticket, err := s.tickets.GetTicket(ctx, ticketID)
	if err != nil {
		return nil, err
	}

	select {
	case s.admission <- struct{}{}:
		if s.metrics != nil {
			s.metrics.SetAdmissionDepth(len(s.admission))
		}
		defer func() {
			<-s.admission
			if s.metrics != nil {
				s.metrics.SetAdmissionDepth(len(s.admission))
			}
		}()
	default:
		if s.metrics != nil {
			s.metrics.RecordBusy()
		}
		return nil, ErrBusy
	}

	outcome, err := s.run(ctx, ticket, image, capturedAt)
	if err != nil {
		return nil, err
	}

	s.record(ticket, outcome, capturedAt)
	if s.metrics != nil {
		s.metrics.RecordDecision(outcome.Decision, outcome.Reason)
	}

	if outcome.Accepted() && s.feed != nil {
		if queued := s.feed.Enqueue(enroll.Capture{SpectatorID: ticket.SpectatorID, Image: image}); !queued {
			s.logger.Debug("auto-enroll queue full, capture dropped", "ticket_id", ticket.ID)
		}
		if s.metrics != nil {
			s.metrics.SetEnrollQueueDepth(s.feed.Len())
		}
	}

	return outcome, nil
}

func (s *Service) run(ctx context.Context, ticket *database.Ticket, image []byte, capturedAt time.Time) (*Outcome, error) {
	outcome := &Outcome{AttemptID: uuid.NewString()}

	detections, err := s.model.Detect(ctx, image)
	if err != nil {
		return nil, s.modelError("detecting face", err)
	}

	assessment, err := s.gate.Assess(image, detections)
	if err != nil {
		var rej *quality.Rejection
		if errors.As(err, &rej) && s.metrics != nil {
			s.metrics.RecordQualityRejection(rej.Reason)
		}
		return nil, err
	}
	outcome.QualityScore = assessment.Score

	embedCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	start := time.Now()
	probe, err := s.model.Embed(embedCtx, assessment.Crop)
	if s.metrics != nil {
		s.metrics.ObserveEmbedLatency(time.Since(start))
	}
	if err != nil {
		return nil, s.modelError("embedding face", err)
	}
	probe = database.Normalize(probe)

	result, err := s.matcher.Decide(ctx, probe, ticket.SpectatorID)
	if err != nil {
		return nil, fmt.Errorf("matching templates: %w", err)
	}
	outcome.SpectatorID = result.BestSpectatorID
	outcome.BestDistance = result.BestDistance

	if !result.Accepted() {
		outcome.Decision = match.DecisionReject
		outcome.Reason = result.Reason
		return outcome, nil
	}

	if err := s.machine.Admit(ctx, ticket, capturedAt); err != nil {
		var pe *gate.PolicyError
		if errors.As(err, &pe) {
			outcome.Decision = match.DecisionReject
			outcome.Reason = pe.Reason
			return outcome, nil
		}
		return nil, err
	}

	outcome.Decision = match.DecisionAccept
	outcome.CheckedInAt = capturedAt
	if s.metrics != nil {
		s.metrics.RecordCheckIn()
	}
	return outcome, nil
}

// modelError maps a failed model call onto the pipeline's sentinel errors.
func (s *Service) modelError(stage string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", stage, ErrTimeout)
	}
	return fmt.Errorf("%s: %w", stage, err)
}

// record persists the attempt. Auditing is best effort; a storage failure
// must not turn an issued decision into an error for the terminal.
func (s *Service) record(ticket *database.Ticket, outcome *Outcome, capturedAt time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	attempt := &database.VerificationAttempt{
		ID:                   outcome.AttemptID,
		TicketID:             ticket.ID,
		CapturedAt:           capturedAt,
		QualityScore:         outcome.QualityScore,
		BestMatchSpectatorID: outcome.SpectatorID,
		BestMatchDistance:    outcome.BestDistance,
		Decision:             outcome.Decision,
		Reason:               outcome.Reason,
		CreatedAt:            time.Now().UTC(),
	}
	if err := s.attempts.RecordAttempt(ctx, attempt); err != nil {
		s.logger.Error("failed to record verification attempt",
			"attempt_id", attempt.ID, "ticket_id", ticket.ID, "error", err)
	}

	s.logger.Info("verification decision",
		"attempt_id", attempt.ID,
		"ticket_id", ticket.ID,
		"decision", outcome.Decision,
		"reason", outcome.Reason,
		"distance", outcome.BestDistance)
}
