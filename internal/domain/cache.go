package domain

import (
	"context"
	"time"
)

// SnapshotCache holds the latest serialized valuation per position and the
// latest portfolio aggregate so that read-only server instances can answer
// without a local engine.
type SnapshotCache interface {
	SetValuation(ctx context.Context, positionID string, event ValuationEvent) error
	GetValuation(ctx context.Context, positionID string) (ValuationEvent, error)
	Invalidate(ctx context.Context, positionID string) error
	SetPortfolio(ctx context.Context, event PortfolioEvent) error
	GetPortfolio(ctx context.Context) (PortfolioEvent, error)
}

// RateLimiter provides distributed rate limiting.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
	Wait(ctx context.Context, key string) error
}

// LockManager provides distributed locking.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// StreamMessage represents a single entry from a Redis stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// SignalBus provides pub/sub and durable streams.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}
