package events

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type rowQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// ProcessedStore records (scope, event id) pairs that were already handled:
// inbound provider message ids and promotion cancellation keys.
type ProcessedStore struct {
	db rowQuerier
}

func NewProcessedStore(db rowQuerier) *ProcessedStore {
	if db == nil {
		panic("events: db required")
	}
	return &ProcessedStore{db: db}
}

// AlreadyProcessed checks whether eventID was seen in scope.
func (s *ProcessedStore) AlreadyProcessed(ctx context.Context, scope, eventID string) (bool, error) {
	query := `SELECT 1 FROM processed_events WHERE scope = $1 AND event_id = $2`
	var exists int
	if err := s.db.QueryRow(ctx, query, scope, eventID).Scan(&exists); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("events: check processed: %w", err)
	}
	return true, nil
}

// MarkProcessed inserts eventID for scope, returning false if it already
// existed. It is the claim primitive: exactly one caller gets true.
func (s *ProcessedStore) MarkProcessed(ctx context.Context, scope, eventID string) (bool, error) {
	query := `
		INSERT INTO processed_events (scope, event_id)
		VALUES ($1, $2)
		ON CONFLICT DO NOTHING
	`
	ct, err := s.db.Exec(ctx, query, scope, eventID)
	if err != nil {
		return false, fmt.Errorf("events: mark processed: %w", err)
	}
	return ct.RowsAffected() > 0, nil
}

// Forget removes eventID from scope so the event can be claimed again.
func (s *ProcessedStore) Forget(ctx context.Context, scope, eventID string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM processed_events WHERE scope = $1 AND event_id = $2`, scope, eventID); err != nil {
		return fmt.Errorf("events: forget processed: %w", err)
	}
	return nil
}
