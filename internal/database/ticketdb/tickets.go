package ticketdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/assiminee/facegate/internal/database"
)

// TicketStore implements database.TicketStore against the ticketing system's
// MariaDB schema. The tickets table is owned by the ticketing system; this
// store only flips status and appends check-in rows.
type TicketStore struct {
	pool *Pool
}

// NewTicketStore creates a ticket store backed by the ticketing database.
func NewTicketStore(pool *Pool) *TicketStore {
	return &TicketStore{pool: pool}
}

// GetTicket fetches a ticket by its external ID.
func (s *TicketStore) GetTicket(ctx context.Context, ticketID string) (*database.Ticket, error) {
	query := `
		SELECT ticket_id, spectator_id, event_start, window_before_secs, window_after_secs, status
		FROM tickets
		WHERE ticket_id = ?
	`

	var t database.Ticket
	var beforeSecs, afterSecs sql.NullInt64

	err := s.pool.db.QueryRowContext(ctx, query, ticketID).Scan(
		&t.ID, &t.SpectatorID, &t.EventStart, &beforeSecs, &afterSecs, &t.Status,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, database.ErrTicketNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query ticket: %w", err)
	}

	if beforeSecs.Valid {
		t.WindowBefore = time.Duration(beforeSecs.Int64) * time.Second
	}
	if afterSecs.Valid {
		t.WindowAfter = time.Duration(afterSecs.Int64) * time.Second
	}
	return &t, nil
}

// CheckInIfUnused atomically transitions a ticket from unused to checked_in
// and records the check-in. The conditional UPDATE is the linearization
// point; a concurrent caller that loses the race sees zero rows affected
// and gets false back.
func (s *TicketStore) CheckInIfUnused(ctx context.Context, ticketID string, at time.Time) (bool, error) {
	tx, err := s.pool.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin check-in transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	result, err := tx.ExecContext(ctx,
		"UPDATE tickets SET status = ? WHERE ticket_id = ? AND status = ?",
		database.TicketCheckedIn, ticketID, database.TicketUnused)
	if err != nil {
		return false, fmt.Errorf("update ticket status: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("check-in rows affected: %w", err)
	}
	if affected == 0 {
		// Either the ticket does not exist or another gate won.
		var exists bool
		err := tx.QueryRowContext(ctx, "SELECT 1 FROM tickets WHERE ticket_id = ?", ticketID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return false, database.ErrTicketNotFound
		}
		if err != nil {
			return false, fmt.Errorf("query ticket existence: %w", err)
		}
		return false, nil
	}

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO checkins (ticket_id, checked_in_at) VALUES (?, ?)",
		ticketID, at.UTC()); err != nil {
		return false, fmt.Errorf("insert check-in record: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit check-in: %w", err)
	}
	return true, nil
}

// ExpireOverdue marks unused tickets whose entry window has closed as
// expired. Returns the number of tickets transitioned.
func (s *TicketStore) ExpireOverdue(ctx context.Context, now time.Time) (int64, error) {
	query := `
		UPDATE tickets
		SET status = ?
		WHERE status = ?
		  AND DATE_ADD(event_start, INTERVAL COALESCE(window_after_secs, ?) SECOND) < ?
	`

	result, err := s.pool.db.ExecContext(ctx, query,
		database.TicketExpired, database.TicketUnused,
		int64(database.DefaultWindowAfter/time.Second), now.UTC())
	if err != nil {
		return 0, fmt.Errorf("expire overdue tickets: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("expire rows affected: %w", err)
	}
	return affected, nil
}
