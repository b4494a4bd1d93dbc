package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and time filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// PositionStore persists position records. Exited positions are marked
// archived, never deleted by the trading path; Delete exists solely for the
// cold-storage archiver after a verified upload.
type PositionStore interface {
	Create(ctx context.Context, pos Position) error
	GetByID(ctx context.Context, id string) (Position, error)
	ListOpen(ctx context.Context) ([]Position, error)
	ListByState(ctx context.Context, state PositionState, opts ListOpts) ([]Position, error)
	UpdateState(ctx context.Context, id string, state PositionState) error
	SetEntry(ctx context.Context, id string, price float64, at time.Time) error
	SetRisk(ctx context.Context, id string, target, stop float64) error
	MarkExited(ctx context.Context, id string, at time.Time) error
	ListExitedBefore(ctx context.Context, cutoff time.Time, limit int) ([]Position, error)
	Delete(ctx context.Context, id string) error
	Count(ctx context.Context) (int64, error)
}

// EventStore persists the append-only lifecycle history.
type EventStore interface {
	Append(ctx context.Context, event LifecycleEvent) error
	ListByPosition(ctx context.Context, positionID string) ([]LifecycleEvent, error)
	DeleteByPosition(ctx context.Context, positionID string) error
}

// PortfolioHistoryStore persists sampled portfolio aggregates.
type PortfolioHistoryStore interface {
	Insert(ctx context.Context, point PortfolioPoint) error
	ListRecent(ctx context.Context, limit int) ([]PortfolioPoint, error)
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only operational audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}
