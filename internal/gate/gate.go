package gate

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/assiminee/facegate/internal/config"
	"github.com/assiminee/facegate/internal/database"
)

// Policy rejection reasons. Unlike quality rejections these are final for
// the attempt; the spectator is refused, not asked to retake.
const (
	OutOfWindow = "out_of_window"
	AlreadyUsed = "already_used"
	Expired     = "expired"
)

// PolicyError is returned when the ticket, not the face, blocks entry.
type PolicyError struct {
	Reason string
	Detail string
}

func (e *PolicyError) Error() string {
	return fmt.Sprintf("entry refused (%s): %s", e.Reason, e.Detail)
}

// Machine enforces ticket policy and performs the exactly-once check-in.
// Biometric acceptance is a precondition; the machine never sees a capture.
type Machine struct {
	tickets database.TicketStore
	window  config.WindowConfig
}

// NewMachine creates a gate machine with deployment default windows.
func NewMachine(tickets database.TicketStore, window config.WindowConfig) *Machine {
	return &Machine{tickets: tickets, window: window}
}

// windowFor resolves the entry window for a ticket, falling back to the
// deployment defaults when the ticket carries none.
func (m *Machine) windowFor(t *database.Ticket) (open, close time.Time) {
	before := t.WindowBefore
	if before == 0 {
		before = m.window.Before
	}
	after := t.WindowAfter
	if after == 0 {
		after = m.window.After
	}
	return t.EventStart.Add(-before), t.EventStart.Add(after)
}

// Admit checks ticket policy at capture time and, if everything holds,
// atomically consumes the ticket. Check order is status first, then
// window, so a used ticket reports already_used even outside the window.
func (m *Machine) Admit(ctx context.Context, ticket *database.Ticket, at time.Time) error {
	switch ticket.Status {
	case database.TicketCheckedIn:
		return &PolicyError{Reason: AlreadyUsed, Detail: fmt.Sprintf("ticket %s already checked in", ticket.ID)}
	case database.TicketExpired:
		return &PolicyError{Reason: Expired, Detail: fmt.Sprintf("ticket %s expired", ticket.ID)}
	}

	open, close := m.windowFor(ticket)
	if at.Before(open) || at.After(close) {
		return &PolicyError{
			Reason: OutOfWindow,
			Detail: fmt.Sprintf("capture at %s outside entry window [%s, %s]",
				at.Format(time.RFC3339), open.Format(time.RFC3339), close.Format(time.RFC3339)),
		}
	}

	won, err := m.tickets.CheckInIfUnused(ctx, ticket.ID, at)
	if err != nil {
		return fmt.Errorf("checking in ticket %s: %w", ticket.ID, err)
	}
	if !won {
		// The stale status read said unused, but another gate consumed
		// the ticket in between. Losing the race means refusal.
		return &PolicyError{Reason: AlreadyUsed, Detail: fmt.Sprintf("ticket %s consumed concurrently", ticket.ID)}
	}
	return nil
}

// Sweeper periodically expires unused tickets whose window has closed.
type Sweeper struct {
	tickets  database.TicketStore
	interval time.Duration
	logger   *slog.Logger
}

// NewSweeper creates an expiry sweeper.
func NewSweeper(tickets database.TicketStore, interval time.Duration, logger *slog.Logger) *Sweeper {
	return &Sweeper{tickets: tickets, interval: interval, logger: logger}
}

// Run sweeps until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			expired, err := s.tickets.ExpireOverdue(ctx, time.Now())
			if err != nil {
				s.logger.Error("ticket expiry sweep failed", "error", err)
				continue
			}
			if expired > 0 {
				s.logger.Info("expired overdue tickets", "count", expired)
			}
		}
	}
}
