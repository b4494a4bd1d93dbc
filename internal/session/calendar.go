// Package session answers US equity market-session questions: whether the
// regular session is open, how long until it closes, and calendar
// days-to-expiry in the market's timezone.
package session

import (
	"fmt"
	"math"
	"time"
)

// Regular session bounds, market local time.
const (
	openHour    = 9
	openMinute  = 30
	closeHour   = 16
	closeMinute = 0
)

// Calendar implements the fixed 09:30-16:00 America/New_York regular
// session with weekends closed. It carries no holiday table; the session
// window is deliberately fixed.
type Calendar struct {
	loc *time.Location
}

// NewCalendar loads the market timezone.
func NewCalendar() (*Calendar, error) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		return nil, fmt.Errorf("session: load market timezone: %w", err)
	}
	return &Calendar{loc: loc}, nil
}

// Session reports whether the regular session is open at the given instant
// and, if so, the remaining duration until close. Closed sessions report a
// zero duration; callers surface the closed state explicitly instead.
func (c *Calendar) Session(at time.Time) (bool, time.Duration) {
	local := at.In(c.loc)
	if wd := local.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return false, 0
	}

	y, m, d := local.Date()
	open := time.Date(y, m, d, openHour, openMinute, 0, 0, c.loc)
	close := time.Date(y, m, d, closeHour, closeMinute, 0, 0, c.loc)

	if local.Before(open) || !local.Before(close) {
		return false, 0
	}
	return true, close.Sub(local)
}

// DaysToExpiry counts calendar days between the instant's date and the
// expiry's date, both in market time. Same-day expiry is 0; past expiry is
// negative. A zero expiry reports 0 so a malformed contract draws
// attention rather than hiding.
func (c *Calendar) DaysToExpiry(at, expiry time.Time) int {
	if expiry.IsZero() {
		return 0
	}
	from := c.dateOf(at)
	to := c.dateOf(expiry)
	// Rounding absorbs the 23/25-hour days around DST transitions.
	return int(math.Round(to.Sub(from).Hours() / 24))
}

// CloseOn returns the session close instant on the given date in market
// time. The contract catalog uses it to normalize date-only expiries.
func (c *Calendar) CloseOn(day time.Time) time.Time {
	local := day.In(c.loc)
	y, m, d := local.Date()
	return time.Date(y, m, d, closeHour, closeMinute, 0, 0, c.loc)
}

// Location exposes the market timezone.
func (c *Calendar) Location() *time.Location {
	return c.loc
}

func (c *Calendar) dateOf(t time.Time) time.Time {
	local := t.In(c.loc)
	y, m, d := local.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, c.loc)
}
