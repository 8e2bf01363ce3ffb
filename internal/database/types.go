package database

import (
	"time"
)

// TicketStatus is the lifecycle state of a ticket in the ticketing database.
type TicketStatus string

const (
	TicketUnused    TicketStatus = "unused"
	TicketCheckedIn TicketStatus = "checked_in"
	TicketExpired   TicketStatus = "expired"
)

// Ticket is the slice of a ticketing-service record the gate engine consumes.
// Tickets are owned by the external ticketing service; the only mutation this
// system performs is the unused -> checked_in transition.
type Ticket struct {
	ID           string
	SpectatorID  string
	EventStart   time.Time
	WindowBefore time.Duration // zero means use the deployment default
	WindowAfter  time.Duration // zero means use the deployment default
	Status       TicketStatus
}

// StoredTemplate is an enrolled biometric template. Vectors are immutable once
// stored; re-enrollment creates new rows, consent withdrawal tombstones them.
type StoredTemplate struct {
	ID           string // uuid
	SpectatorID  string
	Embedding    []float32 // L2-normalized, fixed dimensionality
	Dim          int
	QualityScore float64
	ImageHash    string // sha256 of the source image, used for enrollment dedupe
	EnrolledAt   time.Time
	RemovedAt    *time.Time // tombstone; removed templates never match
}

// VerificationAttempt is the append-only audit record of one gate request.
// It is written after the decision and never mutated.
type VerificationAttempt struct {
	ID                   string // uuid
	TicketID             string
	CapturedAt           time.Time
	QualityScore         float64
	BestMatchSpectatorID string
	BestMatchDistance    float64
	Decision             string
	Reason               string
	CreatedAt            time.Time
}

// CheckInRecord is the durable proof that a ticket was used for biometric
// entry. Its existence is the sole source of truth for "already used".
type CheckInRecord struct {
	TicketID    string
	CheckedInAt time.Time
}

// Candidate is one nearest-neighbor result from the similarity index,
// ordered ascending by cosine distance.
type Candidate struct {
	TemplateID  string
	SpectatorID string
	Distance    float64
}
