package domain

import "time"

// PortfolioAggregate is the fan-in view over the open set: each open
// position's latest blended P&L percent keyed by id, their arithmetic mean,
// and the open-trade count. A key exists in PnLByPosition if and only if
// the position is currently open.
type PortfolioAggregate struct {
	PnLByPosition map[string]float64
	NetPnLPercent float64
	TradeCount    int
	ComputedAt    time.Time
}

// PortfolioPoint is one recorded observation of the aggregate, sampled on
// a schedule into the history table.
type PortfolioPoint struct {
	ID            int64
	NetPnLPercent float64
	TradeCount    int
	RecordedAt    time.Time
}
