package engine

import (
	"time"

	"github.com/desklab/optiondesk/internal/domain"
)

// Flow score bands. Between the two thresholds the tape is considered
// mixed and takes no side.
const (
	flowBullishAbove = 60.0
	flowBearishBelow = 40.0
	// alignedMinPnL keeps barely-breakeven positions out of the aligned
	// state; agreement with the tape only counts once the trade is working.
	alignedMinPnL = 1.0
)

// ClassifyFlow compares a position's directional bias against order-flow
// sentiment and the current P&L sign. The divergent check runs first and
// overrides alignment: direction/flow mismatch is a warning regardless of
// profitability, and that priority must not be reordered.
func ClassifyFlow(contract domain.Contract, flow *domain.FlowSample, pnlPercent float64, now time.Time) domain.FlowAlignment {
	score := 50.0
	if flow != nil {
		if total := flow.CallVolume + flow.PutVolume; total > 0 {
			score = flow.CallVolume / total * 100
		}
	}

	long := contract.IsCall()
	bullish := score > flowBullishAbove
	bearish := score < flowBearishBelow

	stance := domain.FlowNeutral
	switch {
	case (long && bearish) || (!long && bullish):
		stance = domain.FlowDivergent
	case ((long && bullish) || (!long && bearish)) && pnlPercent > alignedMinPnL:
		stance = domain.FlowAligned
	}

	return domain.FlowAlignment{Stance: stance, Score: score, ComputedAt: now}
}
