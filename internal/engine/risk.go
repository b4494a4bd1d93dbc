package engine

import (
	"fmt"
	"math"
	"time"

	"github.com/desklab/optiondesk/internal/domain"
)

// tradingHoursPerDay is the regular US equity session length used to
// convert a daily theta into an hourly burn rate.
const tradingHoursPerDay = 6.5

// SessionCalendar answers market-session questions for the risk
// calculator. internal/session provides the production implementation.
type SessionCalendar interface {
	// Session reports whether the regular session is open at the given
	// instant and, if so, how long until it closes.
	Session(at time.Time) (open bool, untilClose time.Duration)
	// DaysToExpiry counts calendar days from the instant to the expiry
	// date in the market's timezone. Same-day expiry is 0.
	DaysToExpiry(at, expiry time.Time) int
}

// ComputeRisk derives the risk and time metrics for one position from its
// record and current snapshot. Metrics whose inputs give them no defined
// value are nil: a stop at or above entry has no defined risk, and a target
// equal to entry (or unset) has no defined progress. Callers render those
// as a placeholder, never as 0 or an infinity.
func ComputeRisk(pos domain.Position, snap domain.ValuationSnapshot, now time.Time, cal SessionCalendar) domain.RiskMetrics {
	m := domain.RiskMetrics{ComputedAt: now}

	if pos.Entered() {
		if stopDistance := pos.EntryPrice - pos.Stop; stopDistance > 0 {
			r := (snap.Mid - pos.EntryPrice) / stopDistance
			m.RMultiple = &r
		}
		if pos.Target > 0 {
			if targetDistance := pos.Target - pos.EntryPrice; targetDistance != 0 {
				// Overshoot past 100 is real information; only a
				// progress-bar rendering clamps, and that lives outside
				// this core.
				p := (snap.Mid - pos.EntryPrice) / targetDistance * 100
				m.ProgressToTarget = &p
			}
		}
		if !pos.EntryTime.IsZero() {
			if held := now.Sub(pos.EntryTime).Hours(); held > 0 {
				m.HoursHeld = held
			}
		}
	}

	m.ThetaPerHour = math.Abs(snap.Greeks.Theta) / tradingHoursPerDay
	m.ThetaBurned = m.ThetaPerHour * m.HoursHeld

	open, untilClose := cal.Session(now)
	m.SessionOpen = open
	if open {
		m.TimeToClose = untilClose
		m.TimeToCloseLabel = formatToClose(untilClose)
	} else {
		m.TimeToCloseLabel = "closed"
	}

	m.DTE = cal.DaysToExpiry(now, pos.Contract.Expiry)
	m.DTERisk = domain.RiskForDTE(m.DTE)
	return m
}

// formatToClose renders a remaining session duration as "1h 05m" (or
// "23m" inside the last hour).
func formatToClose(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	d = d.Round(time.Minute)
	h := int(d / time.Hour)
	min := int(d % time.Hour / time.Minute)
	if h == 0 {
		return fmt.Sprintf("%dm", min)
	}
	return fmt.Sprintf("%dh %02dm", h, min)
}
