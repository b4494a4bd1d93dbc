package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/desklab/optiondesk/internal/domain"
)

// snapshotTTL bounds how long a cached valuation outlives its engine. A
// stale entry past this age is worse than none; readers fall back to
// ErrNoSnapshot.
const snapshotTTL = 5 * time.Minute

// SnapshotCache implements domain.SnapshotCache. The latest valuation event
// per position is stored as JSON at "valuation:{positionID}" so read-only
// server instances can answer without a local engine.
type SnapshotCache struct {
	rdb *redis.Client
}

// NewSnapshotCache creates a SnapshotCache backed by the given Client.
func NewSnapshotCache(c *Client) *SnapshotCache {
	return &SnapshotCache{rdb: c.Underlying()}
}

const portfolioKey = "portfolio:aggregate"

func valuationKey(positionID string) string {
	return "valuation:" + positionID
}

// SetValuation stores the latest valuation event for a position.
func (sc *SnapshotCache) SetValuation(ctx context.Context, positionID string, event domain.ValuationEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("redis: marshal valuation %s: %w", positionID, err)
	}
	if err := sc.rdb.Set(ctx, valuationKey(positionID), data, snapshotTTL).Err(); err != nil {
		return fmt.Errorf("redis: set valuation %s: %w", positionID, err)
	}
	return nil
}

// GetValuation retrieves the latest valuation event for a position. It
// returns domain.ErrNoSnapshot when none has been published yet or the
// cached entry has expired.
func (sc *SnapshotCache) GetValuation(ctx context.Context, positionID string) (domain.ValuationEvent, error) {
	data, err := sc.rdb.Get(ctx, valuationKey(positionID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.ValuationEvent{}, domain.ErrNoSnapshot
		}
		return domain.ValuationEvent{}, fmt.Errorf("redis: get valuation %s: %w", positionID, err)
	}

	var event domain.ValuationEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return domain.ValuationEvent{}, fmt.Errorf("redis: unmarshal valuation %s: %w", positionID, err)
	}
	return event, nil
}

// Invalidate drops the cached valuation, typically on release or exit.
func (sc *SnapshotCache) Invalidate(ctx context.Context, positionID string) error {
	if err := sc.rdb.Del(ctx, valuationKey(positionID)).Err(); err != nil {
		return fmt.Errorf("redis: invalidate valuation %s: %w", positionID, err)
	}
	return nil
}

// SetPortfolio stores the latest portfolio aggregate.
func (sc *SnapshotCache) SetPortfolio(ctx context.Context, event domain.PortfolioEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("redis: marshal portfolio: %w", err)
	}
	if err := sc.rdb.Set(ctx, portfolioKey, data, snapshotTTL).Err(); err != nil {
		return fmt.Errorf("redis: set portfolio: %w", err)
	}
	return nil
}

// GetPortfolio retrieves the latest portfolio aggregate. It returns
// domain.ErrNoSnapshot when no engine has published one recently.
func (sc *SnapshotCache) GetPortfolio(ctx context.Context) (domain.PortfolioEvent, error) {
	data, err := sc.rdb.Get(ctx, portfolioKey).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.PortfolioEvent{}, domain.ErrNoSnapshot
		}
		return domain.PortfolioEvent{}, fmt.Errorf("redis: get portfolio: %w", err)
	}

	var event domain.PortfolioEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return domain.PortfolioEvent{}, fmt.Errorf("redis: unmarshal portfolio: %w", err)
	}
	return event, nil
}

// Compile-time interface check.
var _ domain.SnapshotCache = (*SnapshotCache)(nil)
