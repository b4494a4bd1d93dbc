package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/desklab/optiondesk/internal/domain"
)

// EventStore implements domain.EventStore using PostgreSQL. Lifecycle
// events are append-only; nothing here mutates or rewrites history.
type EventStore struct {
	pool *pgxpool.Pool
}

// NewEventStore creates a new EventStore backed by the given connection pool.
func NewEventStore(pool *pgxpool.Pool) *EventStore {
	return &EventStore{pool: pool}
}

// Append persists one lifecycle event.
func (s *EventStore) Append(ctx context.Context, event domain.LifecycleEvent) error {
	const query = `
		INSERT INTO position_events (
			id, position_id, event_type, price, trim_percent, pnl_at_event, occurred_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := s.pool.Exec(ctx, query,
		event.ID, event.PositionID, string(event.Type),
		event.Price, event.TrimPercent, event.PnLAtEvent, event.At,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch pgErr.Code {
			case "23505":
				return domain.ErrAlreadyExists
			case "23503":
				// No parent position row.
				return domain.ErrNotFound
			}
		}
		return fmt.Errorf("postgres: append event %s for position %s: %w", event.Type, event.PositionID, err)
	}
	return nil
}

// ListByPosition returns a position's events in occurrence order.
func (s *EventStore) ListByPosition(ctx context.Context, positionID string) ([]domain.LifecycleEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, position_id, event_type, price, trim_percent, pnl_at_event, occurred_at
		 FROM position_events
		 WHERE position_id = $1
		 ORDER BY occurred_at ASC, created_at ASC`, positionID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list events for position %s: %w", positionID, err)
	}
	defer rows.Close()

	var events []domain.LifecycleEvent
	for rows.Next() {
		var e domain.LifecycleEvent
		var eventType string
		if err := rows.Scan(&e.ID, &e.PositionID, &eventType, &e.Price, &e.TrimPercent, &e.PnLAtEvent, &e.At); err != nil {
			return nil, fmt.Errorf("postgres: scan event for position %s: %w", positionID, err)
		}
		e.Type = domain.EventType(eventType)
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list events for position %s rows: %w", positionID, err)
	}
	return events, nil
}

// DeleteByPosition removes a position's events. Reserved for the archiver;
// the cascade on position deletion covers the normal path.
func (s *EventStore) DeleteByPosition(ctx context.Context, positionID string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM position_events WHERE position_id = $1`, positionID)
	if err != nil {
		return fmt.Errorf("postgres: delete events for position %s: %w", positionID, err)
	}
	return nil
}
