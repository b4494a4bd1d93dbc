package domain

import "time"

// DTERisk buckets days-to-expiry into attention levels. It is a pure
// lookup, not a model.
type DTERisk string

const (
	DTECritical DTERisk = "critical" // expiring today or already past
	DTEHigh     DTERisk = "high"     // 1 day out
	DTEMedium   DTERisk = "medium"   // 2-3 days out
	DTELow      DTERisk = "low"
)

// RiskForDTE maps days-to-expiry onto its bucket.
func RiskForDTE(dte int) DTERisk {
	switch {
	case dte <= 0:
		return DTECritical
	case dte == 1:
		return DTEHigh
	case dte <= 3:
		return DTEMedium
	default:
		return DTELow
	}
}

// RiskMetrics are the derived risk and time figures for one position.
// RMultiple and ProgressToTarget are nil when their inputs give them no
// defined value; callers render a placeholder, never 0 or an infinity.
type RiskMetrics struct {
	RMultiple        *float64
	ProgressToTarget *float64 // percent; overshoot beyond 100 is not clamped

	ThetaPerHour float64
	ThetaBurned  float64
	HoursHeld    float64

	DTE     int
	DTERisk DTERisk

	SessionOpen      bool
	TimeToClose      time.Duration // zero when the session is closed
	TimeToCloseLabel string        // "2h 05m" while open, "closed" otherwise

	ComputedAt time.Time
}
