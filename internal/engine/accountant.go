package engine

import (
	"fmt"

	"github.com/desklab/optiondesk/internal/domain"
)

// Account computes the realized/unrealized P&L split for a position against
// the current effective mid. Lifecycle events are applied in timestamp
// order; trim fractions are percentages of the size remaining at that
// moment, not of the original size. The function is pure: reapplying it to
// the same inputs yields the same output.
//
// Invariant violations (fractions outside [0,100], adds past the original
// basis, missing entry price) clamp and surface as data-quality warnings,
// never as errors.
func Account(pos domain.Position, effectiveMid float64) domain.Accounting {
	acc := domain.Accounting{RemainingPercent: 100}

	remaining := 100.0
	realized := 0.0
	entry := pos.EntryPrice
	priced := false // a trim/exit with dollar impact was seen

	for _, ev := range pos.EventsInOrder() {
		switch ev.Type {
		case domain.EventTrim:
			f := ev.TrimPercent
			if f < 0 {
				acc.Warnings = append(acc.Warnings, fmt.Sprintf("trim %s: negative fraction %.2f ignored", ev.ID, f))
				continue
			}
			if f > 100 {
				acc.Warnings = append(acc.Warnings, fmt.Sprintf("trim %s: fraction %.2f clamped to 100", ev.ID, f))
				f = 100
			}
			closedPct := remaining * f / 100
			realized += (ev.Price - entry) * closedPct / 100
			remaining *= 1 - f/100
			priced = true

		case domain.EventAdd:
			f := ev.TrimPercent
			if f < 0 {
				acc.Warnings = append(acc.Warnings, fmt.Sprintf("add %s: negative fraction %.2f ignored", ev.ID, f))
				continue
			}
			grown := remaining * (1 + f/100)
			if grown > 100 {
				acc.Warnings = append(acc.Warnings, fmt.Sprintf("add %s: size clamped at original 100%% basis", ev.ID))
				grown = 100
			}
			remaining = grown

		case domain.EventExit:
			// An exit realizes whatever is left at the exit price.
			if remaining > 0 {
				if ev.Price > 0 {
					realized += (ev.Price - entry) * remaining / 100
					priced = true
				} else {
					acc.Warnings = append(acc.Warnings, fmt.Sprintf("exit %s: no price recorded, remainder closed unrealized", ev.ID))
				}
			}
			remaining = 0
		}
	}

	// The multiplicative algorithm cannot leave [0,100] on its own, but
	// stored histories are not trusted blindly.
	if remaining < 0 {
		acc.Warnings = append(acc.Warnings, fmt.Sprintf("remaining size %.4f clamped to 0", remaining))
		remaining = 0
	}
	if remaining > 100 {
		acc.Warnings = append(acc.Warnings, fmt.Sprintf("remaining size %.4f clamped to 100", remaining))
		remaining = 100
	}

	acc.RemainingPercent = remaining

	// Without an entry price the dollar math is meaningless; report size
	// effects only.
	if entry <= 0 {
		if priced {
			acc.Warnings = append(acc.Warnings, "entry price missing: realized dollars unavailable")
		}
		return acc
	}

	acc.RealizedDollars = realized
	acc.RealizedPercent = realized / entry * 100
	acc.UnrealizedDollars = remaining / 100 * (effectiveMid - entry)
	acc.BlendedDollars = realized + acc.UnrealizedDollars
	acc.BlendedPercent = acc.BlendedDollars / entry * 100
	return acc
}
