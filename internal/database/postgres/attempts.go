package postgres

import (
	"context"
	"fmt"

	"github.com/assiminee/facegate/internal/database"
)

// AttemptRepository persists the audit trail of verification attempts.
type AttemptRepository struct {
	pool *Pool
}

// NewAttemptRepository creates a new PostgreSQL attempt repository.
func NewAttemptRepository(pool *Pool) *AttemptRepository {
	return &AttemptRepository{pool: pool}
}

// RecordAttempt stores one verification attempt.
func (r *AttemptRepository) RecordAttempt(ctx context.Context, attempt *database.VerificationAttempt) error {
	query := `
		INSERT INTO verification_attempts
			(id, ticket_id, captured_at, quality_score, best_match_spectator_id, best_match_distance, decision, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`

	// The column is NOT NULL; an attempt without a best match stores the
	// empty string, never SQL NULL.
	_, err := r.pool.Exec(ctx, query,
		attempt.ID, attempt.TicketID, attempt.CapturedAt, attempt.QualityScore,
		attempt.BestMatchSpectatorID, attempt.BestMatchDistance, attempt.Decision, attempt.Reason, attempt.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert verification attempt: %w", err)
	}
	return nil
}

// RecentAttempts returns the newest attempts for a ticket, newest first.
func (r *AttemptRepository) RecentAttempts(ctx context.Context, ticketID string, limit int) ([]database.VerificationAttempt, error) {
	query := `
		SELECT id, ticket_id, captured_at, quality_score, best_match_spectator_id, best_match_distance, decision, reason, created_at
		FROM verification_attempts
		WHERE ticket_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`

	rows, err := r.pool.Query(ctx, query, ticketID, limit)
	if err != nil {
		return nil, fmt.Errorf("query verification attempts: %w", err)
	}
	defer rows.Close()

	var attempts []database.VerificationAttempt
	for rows.Next() {
		var a database.VerificationAttempt
		if err := rows.Scan(
			&a.ID, &a.TicketID, &a.CapturedAt, &a.QualityScore,
			&a.BestMatchSpectatorID, &a.BestMatchDistance, &a.Decision, &a.Reason, &a.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan verification attempt: %w", err)
		}
		attempts = append(attempts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate verification attempts: %w", err)
	}
	return attempts, nil
}
