package domain

import "time"

// Signal bus channel names. Per-position valuation events publish on
// ValuationChannel(id) so consumers can subscribe to one position or use a
// wildcard for all of them.
const (
	ChannelPortfolio = "portfolio"
	ChannelPositions = "positions"
	ChannelHealth    = "health"

	StreamValuations = "stream:valuations"
	StreamPortfolio  = "stream:portfolio"
)

// ValuationChannel returns the bus channel for one position's valuations.
func ValuationChannel(positionID string) string {
	return "valuations." + positionID
}

// ValuationEvent is published every time a position's worker recomputes.
// It carries the full derived state so subscribers never need a follow-up
// read.
type ValuationEvent struct {
	PositionID string
	Snapshot   ValuationSnapshot
	Accounting Accounting
	Risk       RiskMetrics
	Flow       FlowAlignment
	At         time.Time
}

// PositionAction describes what happened to a position record.
type PositionAction string

const (
	PositionLoaded  PositionAction = "loaded"
	PositionEntered PositionAction = "entered"
	PositionUpdated PositionAction = "updated"
	PositionExited  PositionAction = "exited"
)

// PositionEvent is published on every lifecycle mutation.
type PositionEvent struct {
	Action   PositionAction
	Position Position
	Event    *LifecycleEvent // the appended event, nil for plain loads
	At       time.Time
}

// PortfolioEvent is published whenever the aggregate changes.
type PortfolioEvent struct {
	Aggregate PortfolioAggregate
	At        time.Time
}

// HealthEvent is published when a position's overall health transitions.
type HealthEvent struct {
	PositionID string
	Ticker     string
	Previous   FeedHealth
	Current    FeedHealth
	At         time.Time
}

// EngineStatus summarizes the running engine for the status endpoint and
// the hub's hello message.
type EngineStatus struct {
	Mode             string
	FeedConnected    bool
	TrackedPositions int
	UptimeSeconds    int64
}
