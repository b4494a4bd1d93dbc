package domain

import "time"

// Feed age thresholds shared by every reconciler. A sample younger than
// FreshWindow is live; younger than DegradedWindow it is still usable but
// degraded; beyond that the feed is stale regardless of whether a value
// exists.
const (
	FreshWindow    = 5 * time.Second
	DegradedWindow = 30 * time.Second
)

// FeedHealth classifies the freshness of a feed or of a whole snapshot.
// HealthExpired appears only as an overall value: an expired contract
// suppresses health reporting entirely so callers cannot mistake expiry
// for a transient feed problem.
type FeedHealth string

const (
	HealthHealthy  FeedHealth = "healthy"
	HealthDegraded FeedHealth = "degraded"
	HealthStale    FeedHealth = "stale"
	HealthExpired  FeedHealth = "expired"
)

var healthRank = map[FeedHealth]int{
	HealthHealthy:  0,
	HealthDegraded: 1,
	HealthStale:    2,
}

// Worse returns the lower-quality of two health values.
func (h FeedHealth) Worse(other FeedHealth) FeedHealth {
	if healthRank[other] > healthRank[h] {
		return other
	}
	return h
}

// HealthForAge classifies a sample age against the shared thresholds.
func HealthForAge(age time.Duration) FeedHealth {
	switch {
	case age < FreshWindow:
		return HealthHealthy
	case age < DegradedWindow:
		return HealthDegraded
	default:
		return HealthStale
	}
}

// PriceSource labels which rung of the precedence chain produced the
// effective price: a fresh websocket sample, a usable-but-older sample, or
// the static contract snapshot.
type PriceSource string

const (
	PriceSourceLive     PriceSource = "live"
	PriceSourceDelayed  PriceSource = "delayed"
	PriceSourceSnapshot PriceSource = "snapshot"
)

// ValuationSnapshot is the canonical fused view of one position's market
// state at a point in time. It is derived, never persisted to the record
// store, and is a pure function of the inputs that produced it.
type ValuationSnapshot struct {
	PositionID string

	Mid           float64
	Bid           float64
	Ask           float64
	SpreadPercent float64
	PriceSource   PriceSource

	Greeks       Greeks
	IV           float64
	GreeksSource PriceSource

	UnderlyingPrice  float64
	UnderlyingChange float64 // percent

	QuoteHealth      FeedHealth
	GreeksHealth     FeedHealth
	UnderlyingHealth FeedHealth
	Health           FeedHealth // worst of the three, or HealthExpired

	Expired    bool
	ComputedAt time.Time
}
