package domain

import "time"

// FlowStance is the three-state thesis judgment comparing a position's
// directional bias against order-flow sentiment. It cues operator
// attention only and never feeds P&L math.
type FlowStance string

const (
	FlowAligned   FlowStance = "aligned"
	FlowNeutral   FlowStance = "neutral"
	FlowDivergent FlowStance = "divergent"
)

// FlowAlignment pairs the stance with the score that produced it.
// Score is callVolume/(callVolume+putVolume)*100, defaulting to 50 when
// no volume has printed.
type FlowAlignment struct {
	Stance     FlowStance
	Score      float64
	ComputedAt time.Time
}
