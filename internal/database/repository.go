package database

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors shared by all storage backends.
var (
	ErrTicketNotFound   = errors.New("ticket not found")
	ErrTemplateNotFound = errors.New("template not found")
)

// TemplateReader provides read-only access to enrolled templates.
type TemplateReader interface {
	// Get retrieves a template by ID, returns ErrTemplateNotFound if missing or tombstoned
	Get(ctx context.Context, templateID string) (*StoredTemplate, error)
	// Count returns the number of live templates stored
	Count(ctx context.Context) (int, error)
	// CountBySpectator returns the number of live templates enrolled for a spectator
	CountBySpectator(ctx context.Context, spectatorID string) (int, error)
	// HasImageHash reports whether an image with this hash has already been enrolled
	HasImageHash(ctx context.Context, hash string) (bool, error)
}

// TemplateSearcher answers nearest-neighbor queries over live templates.
// Results are ascending by cosine distance with length <= k; a query observes
// only templates whose insert completed before the query started.
type TemplateSearcher interface {
	// FindNearest searches across all spectators (open 1:N identification)
	FindNearest(ctx context.Context, vector []float32, k int) ([]Candidate, error)
	// FindNearestBySpectator restricts the search to one claimed identity (1:1 verification)
	FindNearestBySpectator(ctx context.Context, vector []float32, spectatorID string, k int) ([]Candidate, error)
}

// TemplateWriter provides append-only write access to templates.
type TemplateWriter interface {
	TemplateReader
	TemplateSearcher

	// Insert appends a new template; it never overwrites an existing one
	Insert(ctx context.Context, tpl *StoredTemplate) error
	// Remove tombstones a template (consent withdrawal)
	Remove(ctx context.Context, templateID string) error
}

// AttemptWriter records verification attempts for audit and fraud review.
type AttemptWriter interface {
	// RecordAttempt appends a verification attempt; attempts are never mutated
	RecordAttempt(ctx context.Context, attempt *VerificationAttempt) error
}

// TicketStore is the boundary to the external ticketing database. Only the
// gate state machine may call CheckInIfUnused; every other component treats
// tickets as read-only.
type TicketStore interface {
	// GetTicket retrieves a ticket, returns ErrTicketNotFound if unknown
	GetTicket(ctx context.Context, ticketID string) (*Ticket, error)

	// CheckInIfUnused atomically flips status unused -> checked_in and creates
	// the check-in record in the same transaction. Returns false when another
	// request won the race or the ticket is not unused.
	CheckInIfUnused(ctx context.Context, ticketID string, at time.Time) (bool, error)

	// ExpireOverdue marks unused tickets whose entry window closed before the
	// given time as expired, returning how many were transitioned.
	ExpireOverdue(ctx context.Context, now time.Time) (int64, error)
}
