package match

import (
	"context"
	"fmt"

	"github.com/assiminee/facegate/internal/config"
	"github.com/assiminee/facegate/internal/database"
)

// Decisions for a biometric comparison.
const (
	DecisionAccept = "accept"
	DecisionReject = "reject"
)

// Rejection reasons for the biometric stage.
const (
	NoEnrolledTemplate       = "no_enrolled_template"
	BelowConfidenceThreshold = "below_confidence_threshold"
	AmbiguousMatch           = "ambiguous_match"
)

// Result is the outcome of comparing a probe embedding against the
// template store.
type Result struct {
	Decision          string
	Reason            string // empty on accept
	BestSpectatorID   string
	BestTemplateID    string
	BestDistance      float64
	RunnerUpDistance  float64 // best distance to any other spectator, open search only
	CandidateCount    int
	ClaimedSpectator  string
	OpenSearchApplied bool
}

// Accepted reports whether the comparison passed.
func (r *Result) Accepted() bool {
	return r.Decision == DecisionAccept
}

// Engine decides whether a probe embedding belongs to the claimed
// spectator. In verification mode only the claimed spectator's templates
// are searched. In open search mode the whole store is searched and an
// ambiguity margin guards against near ties between different people.
type Engine struct {
	searcher   database.TemplateSearcher
	threshold  float64
	margin     float64
	k          int
	openSearch bool
}

// NewEngine creates a match engine over a template searcher.
func NewEngine(searcher database.TemplateSearcher, cfg config.MatchingConfig) *Engine {
	return &Engine{
		searcher:   searcher,
		threshold:  cfg.AcceptThreshold,
		margin:     cfg.AmbiguityMargin,
		k:          cfg.K,
		openSearch: cfg.OpenSearch,
	}
}

// Decide compares the probe against the claimed spectator's templates.
// The probe must be L2-normalized; distances are cosine, lower is closer.
func (e *Engine) Decide(ctx context.Context, probe []float32, claimedSpectatorID string) (*Result, error) {
	if e.openSearch {
		return e.decideOpen(ctx, probe, claimedSpectatorID)
	}
	return e.decideClaimed(ctx, probe, claimedSpectatorID)
}

// decideClaimed is plain 1:1 verification. Only the claimed identity's
// templates are in play, so no ambiguity margin applies.
func (e *Engine) decideClaimed(ctx context.Context, probe []float32, claimedSpectatorID string) (*Result, error) {
	candidates, err := e.searcher.FindNearestBySpectator(ctx, probe, claimedSpectatorID, e.k)
	if err != nil {
		return nil, fmt.Errorf("searching claimed spectator templates: %w", err)
	}

	result := &Result{
		ClaimedSpectator: claimedSpectatorID,
		CandidateCount:   len(candidates),
	}

	if len(candidates) == 0 {
		result.Decision = DecisionReject
		result.Reason = NoEnrolledTemplate
		return result, nil
	}

	best := candidates[0]
	result.BestSpectatorID = best.SpectatorID
	result.BestTemplateID = best.TemplateID
	result.BestDistance = best.Distance

	if best.Distance > e.threshold {
		result.Decision = DecisionReject
		result.Reason = BelowConfidenceThreshold
		return result, nil
	}

	result.Decision = DecisionAccept
	return result, nil
}

// decideOpen searches the whole store. The claimed spectator must hold the
// best match, and the best match to any other spectator must trail by at
// least the ambiguity margin.
func (e *Engine) decideOpen(ctx context.Context, probe []float32, claimedSpectatorID string) (*Result, error) {
	candidates, err := e.searcher.FindNearest(ctx, probe, e.k)
	if err != nil {
		return nil, fmt.Errorf("searching templates: %w", err)
	}

	result := &Result{
		ClaimedSpectator:  claimedSpectatorID,
		CandidateCount:    len(candidates),
		OpenSearchApplied: true,
	}

	// The claimed spectator may be absent from the global top-k while
	// still being enrolled. Fall back to a targeted search so the reason
	// distinguishes an unknown face from an unenrolled spectator.
	claimedBest, found := bestForSpectator(candidates, claimedSpectatorID)
	if !found {
		targeted, err := e.searcher.FindNearestBySpectator(ctx, probe, claimedSpectatorID, 1)
		if err != nil {
			return nil, fmt.Errorf("searching claimed spectator templates: %w", err)
		}
		if len(targeted) == 0 {
			result.Decision = DecisionReject
			result.Reason = NoEnrolledTemplate
			return result, nil
		}
		claimedBest = targeted[0]
	}

	result.BestSpectatorID = claimedBest.SpectatorID
	result.BestTemplateID = claimedBest.TemplateID
	result.BestDistance = claimedBest.Distance

	if claimedBest.Distance > e.threshold {
		result.Decision = DecisionReject
		result.Reason = BelowConfidenceThreshold
		return result, nil
	}

	if other, ok := bestForOtherSpectator(candidates, claimedSpectatorID); ok {
		result.RunnerUpDistance = other.Distance
		if other.Distance-claimedBest.Distance < e.margin {
			result.Decision = DecisionReject
			result.Reason = AmbiguousMatch
			return result, nil
		}
	}

	result.Decision = DecisionAccept
	return result, nil
}

func bestForSpectator(candidates []database.Candidate, spectatorID string) (database.Candidate, bool) {
	for _, c := range candidates {
		if c.SpectatorID == spectatorID {
			return c, true
		}
	}
	return database.Candidate{}, false
}

func bestForOtherSpectator(candidates []database.Candidate, spectatorID string) (database.Candidate, bool) {
	for _, c := range candidates {
		if c.SpectatorID != spectatorID {
			return c, true
		}
	}
	return database.Candidate{}, false
}
