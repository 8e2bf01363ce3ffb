// Package memory provides in-memory storage backends. They back unit tests
// and single-terminal deployments that run without Postgres or the ticketing
// database; the semantics mirror the SQL-backed repositories exactly.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/assiminee/facegate/internal/database"
)

// TemplateRepository keeps templates in a TemplateIndex plus a tombstone map.
type TemplateRepository struct {
	index       *database.TemplateIndex
	mu          sync.RWMutex
	all         map[string]*database.StoredTemplate // includes tombstoned
	imageHash   map[string]string                   // sha256 -> template ID
	bySpectator map[string]int                      // live template count per spectator
}

// NewTemplateRepository creates an empty in-memory template repository for
// vectors of the given dimensionality.
func NewTemplateRepository(dim int) *TemplateRepository {
	return &TemplateRepository{
		index:       database.NewTemplateIndex(dim),
		all:         make(map[string]*database.StoredTemplate),
		imageHash:   make(map[string]string),
		bySpectator: make(map[string]int),
	}
}

// Insert appends a new template and indexes it.
func (r *TemplateRepository) Insert(ctx context.Context, tpl *database.StoredTemplate) error {
	cp := *tpl
	cp.Embedding = database.Normalize(tpl.Embedding)

	if err := r.index.Insert(&cp); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.all[cp.ID] = &cp
	r.bySpectator[cp.SpectatorID]++
	if cp.ImageHash != "" {
		r.imageHash[cp.ImageHash] = cp.ID
	}
	return nil
}

// Remove tombstones a template.
func (r *TemplateRepository) Remove(ctx context.Context, templateID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	tpl, ok := r.all[templateID]
	if !ok || tpl.RemovedAt != nil {
		return database.ErrTemplateNotFound
	}
	now := time.Now()
	tpl.RemovedAt = &now
	r.bySpectator[tpl.SpectatorID]--
	r.index.Remove(templateID)
	return nil
}

// Get retrieves a live template by ID.
func (r *TemplateRepository) Get(ctx context.Context, templateID string) (*database.StoredTemplate, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tpl, ok := r.all[templateID]
	if !ok || tpl.RemovedAt != nil {
		return nil, database.ErrTemplateNotFound
	}
	cp := *tpl
	return &cp, nil
}

// Count returns the number of live templates.
func (r *TemplateRepository) Count(ctx context.Context) (int, error) {
	return r.index.Count(), nil
}

// CountBySpectator returns the number of live templates for a spectator.
func (r *TemplateRepository) CountBySpectator(ctx context.Context, spectatorID string) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.bySpectator[spectatorID], nil
}

// HasImageHash reports whether an image with this hash was already enrolled.
func (r *TemplateRepository) HasImageHash(ctx context.Context, hash string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.imageHash[hash]
	return ok, nil
}

// FindNearest searches across all spectators.
func (r *TemplateRepository) FindNearest(ctx context.Context, vector []float32, k int) ([]database.Candidate, error) {
	return r.index.Search(database.Normalize(vector), k)
}

// FindNearestBySpectator restricts the search to one claimed identity.
func (r *TemplateRepository) FindNearestBySpectator(ctx context.Context, vector []float32, spectatorID string, k int) ([]database.Candidate, error) {
	return r.index.SearchBySpectator(database.Normalize(vector), spectatorID, k)
}

// TicketStore keeps tickets in memory with a per-ticket linearization point
// for the unused -> checked_in transition.
type TicketStore struct {
	mu       sync.Mutex
	tickets  map[string]*database.Ticket
	checkins map[string]*database.CheckInRecord
}

// NewTicketStore creates an empty in-memory ticket store.
func NewTicketStore() *TicketStore {
	return &TicketStore{
		tickets:  make(map[string]*database.Ticket),
		checkins: make(map[string]*database.CheckInRecord),
	}
}

// PutTicket stores or replaces a ticket. Test and CLI seeding helper.
func (s *TicketStore) PutTicket(t *database.Ticket) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	s.tickets[t.ID] = &cp
}

// GetTicket retrieves a ticket by ID.
func (s *TicketStore) GetTicket(ctx context.Context, ticketID string) (*database.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tickets[ticketID]
	if !ok {
		return nil, database.ErrTicketNotFound
	}
	cp := *t
	return &cp, nil
}

// CheckInIfUnused atomically flips status and records the check-in. The store
// mutex is the linearization point: exactly one concurrent caller wins.
func (s *TicketStore) CheckInIfUnused(ctx context.Context, ticketID string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tickets[ticketID]
	if !ok {
		return false, database.ErrTicketNotFound
	}
	if t.Status != database.TicketUnused {
		return false, nil
	}

	t.Status = database.TicketCheckedIn
	s.checkins[ticketID] = &database.CheckInRecord{TicketID: ticketID, CheckedInAt: at}
	return true, nil
}

// GetCheckIn returns the check-in record for a ticket, nil if never used.
func (s *TicketStore) GetCheckIn(ticketID string) *database.CheckInRecord {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.checkins[ticketID]
	if !ok {
		return nil
	}
	cp := *rec
	return &cp
}

// ExpireOverdue marks unused tickets whose window closed before now as expired.
func (s *TicketStore) ExpireOverdue(ctx context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for _, t := range s.tickets {
		after := t.WindowAfter
		if after == 0 {
			after = database.DefaultWindowAfter
		}
		if t.Status == database.TicketUnused && now.After(t.EventStart.Add(after)) {
			t.Status = database.TicketExpired
			n++
		}
	}
	return n, nil
}

// AttemptLog records verification attempts in memory.
type AttemptLog struct {
	mu       sync.Mutex
	attempts []database.VerificationAttempt
}

// NewAttemptLog creates an empty in-memory attempt log.
func NewAttemptLog() *AttemptLog {
	return &AttemptLog{}
}

// RecordAttempt appends an attempt.
func (l *AttemptLog) RecordAttempt(ctx context.Context, attempt *database.VerificationAttempt) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.attempts = append(l.attempts, *attempt)
	return nil
}

// Attempts returns a copy of all recorded attempts.
func (l *AttemptLog) Attempts() []database.VerificationAttempt {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]database.VerificationAttempt, len(l.attempts))
	copy(out, l.attempts)
	return out
}
