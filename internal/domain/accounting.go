package domain

// Accounting splits a position's P&L into realized (banked by past trims)
// and unrealized (on the remaining size) parts, blended into one figure.
// Dollar amounts are per-contract price points against an original size
// basis of 100%.
type Accounting struct {
	RemainingPercent  float64 // always within [0,100]
	RealizedDollars   float64
	RealizedPercent   float64
	UnrealizedDollars float64
	BlendedDollars    float64
	BlendedPercent    float64 // the figure reported to the portfolio aggregator
	Warnings          []string
}

// Clean reports whether the computation completed without data-quality
// warnings (clamped trims, missing entry price, and the like).
func (a Accounting) Clean() bool {
	return len(a.Warnings) == 0
}
