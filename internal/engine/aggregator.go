package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/desklab/optiondesk/internal/domain"
)

const (
	aggregatorBuffer = 256
	tombstoneLimit   = 512
	tombstoneTTL     = time.Hour
)

// report is one reporter update: a position's latest blended P&L percent.
type report struct {
	positionID string
	pnlPercent float64
}

// Aggregator folds per-position P&L reports into the live portfolio view.
// Each entered position's worker is the only writer for its key; updates
// arrive on one channel and a single consumer applies them, so the merge is
// last-write-wins per key and commutative across keys.
//
// Removal is synchronous under the same lock reads take: once Drop returns,
// no reader can observe the key, and a tombstone keeps any update still
// buffered in the channel from resurrecting it.
type Aggregator struct {
	logger   *slog.Logger
	onChange func(domain.PortfolioAggregate)
	updates  chan report

	mu      sync.RWMutex
	entries map[string]float64
	removed map[string]time.Time
}

// NewAggregator creates an Aggregator. onChange, if non-nil, is invoked
// with the recomputed aggregate after every fold and every drop.
func NewAggregator(onChange func(domain.PortfolioAggregate), logger *slog.Logger) *Aggregator {
	return &Aggregator{
		logger:   logger.With(slog.String("component", "aggregator")),
		onChange: onChange,
		updates:  make(chan report, aggregatorBuffer),
		entries:  make(map[string]float64),
		removed:  make(map[string]time.Time),
	}
}

// Run consumes reporter updates until the context is cancelled.
func (a *Aggregator) Run(ctx context.Context) error {
	a.logger.InfoContext(ctx, "aggregator started")
	for {
		select {
		case <-ctx.Done():
			a.logger.InfoContext(ctx, "aggregator stopped")
			return ctx.Err()
		case r := <-a.updates:
			if agg, ok := a.fold(r); ok && a.onChange != nil {
				a.onChange(agg)
			}
		}
	}
}

// Report queues one (position, pnl) update. It blocks only when the
// consumer has fallen behind by a full buffer, and respects cancellation.
func (a *Aggregator) Report(ctx context.Context, positionID string, pnlPercent float64) {
	select {
	case a.updates <- report{positionID: positionID, pnlPercent: pnlPercent}:
	case <-ctx.Done():
	}
}

// Drop removes a position's key. It runs synchronously so a reader can
// never see a key for a position it cannot otherwise see as open, and
// records a tombstone so late updates for the id are discarded.
func (a *Aggregator) Drop(positionID string) {
	a.mu.Lock()
	_, existed := a.entries[positionID]
	delete(a.entries, positionID)
	a.removed[positionID] = time.Now()
	agg := a.aggregateLocked()
	a.mu.Unlock()

	if existed && a.onChange != nil {
		a.onChange(agg)
	}
}

// Aggregate returns a copy of the current portfolio view.
func (a *Aggregator) Aggregate() domain.PortfolioAggregate {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.aggregateLocked()
}

// fold applies one update. Updates for tombstoned ids are dropped: the
// position left the open set and its reporter is already torn down.
func (a *Aggregator) fold(r report) (domain.PortfolioAggregate, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, gone := a.removed[r.positionID]; gone {
		return domain.PortfolioAggregate{}, false
	}

	a.entries[r.positionID] = r.pnlPercent
	a.pruneTombstonesLocked()
	return a.aggregateLocked(), true
}

func (a *Aggregator) aggregateLocked() domain.PortfolioAggregate {
	byPos := make(map[string]float64, len(a.entries))
	sum := 0.0
	for id, pnl := range a.entries {
		byPos[id] = pnl
		sum += pnl
	}

	net := 0.0
	if len(a.entries) > 0 {
		net = sum / float64(len(a.entries))
	}

	return domain.PortfolioAggregate{
		PnLByPosition: byPos,
		NetPnLPercent: net,
		TradeCount:    len(a.entries),
		ComputedAt:    time.Now(),
	}
}

// Position ids are never reused, so tombstones exist only to absorb
// updates buffered around a drop; old ones can go.
func (a *Aggregator) pruneTombstonesLocked() {
	if len(a.removed) <= tombstoneLimit {
		return
	}
	cutoff := time.Now().Add(-tombstoneTTL)
	for id, at := range a.removed {
		if at.Before(cutoff) {
			delete(a.removed, id)
		}
	}
}
