package session

import (
	"testing"
	"time"
)

func mustCalendar(t *testing.T) *Calendar {
	t.Helper()
	c, err := NewCalendar()
	if err != nil {
		t.Fatalf("new calendar: %v", err)
	}
	return c
}

// 2025-03-10 is a Monday; EDT is already in effect (DST started 2025-03-09).
func nyTime(t *testing.T, y int, m time.Month, d, hh, mm int) time.Time {
	t.Helper()
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Fatalf("load tz: %v", err)
	}
	return time.Date(y, m, d, hh, mm, 0, 0, loc)
}

func TestSession_OpenHours(t *testing.T) {
	c := mustCalendar(t)

	tests := []struct {
		name       string
		at         time.Time
		wantOpen   bool
		untilClose time.Duration
	}{
		{"before open", nyTime(t, 2025, 3, 10, 9, 29), false, 0},
		{"at open", nyTime(t, 2025, 3, 10, 9, 30), true, 6*time.Hour + 30*time.Minute},
		{"midday", nyTime(t, 2025, 3, 10, 13, 0), true, 3 * time.Hour},
		{"last minute", nyTime(t, 2025, 3, 10, 15, 59), true, time.Minute},
		{"at close", nyTime(t, 2025, 3, 10, 16, 0), false, 0},
		{"evening", nyTime(t, 2025, 3, 10, 19, 0), false, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			open, until := c.Session(tt.at)
			if open != tt.wantOpen || until != tt.untilClose {
				t.Fatalf("open=%v until=%v want %v/%v", open, until, tt.wantOpen, tt.untilClose)
			}
		})
	}
}

func TestSession_Weekend(t *testing.T) {
	c := mustCalendar(t)

	// Saturday and Sunday midday: closed regardless of clock time.
	for _, d := range []int{8, 9} {
		open, until := c.Session(nyTime(t, 2025, 3, d, 12, 0))
		if open || until != 0 {
			t.Fatalf("day=%d open=%v want closed weekend", d, open)
		}
	}
}

func TestSession_UTCCallerNormalized(t *testing.T) {
	c := mustCalendar(t)

	// 17:00 UTC on an EDT Monday is 13:00 New York, inside the session.
	at := time.Date(2025, 3, 10, 17, 0, 0, 0, time.UTC)
	open, until := c.Session(at)
	if !open || until != 3*time.Hour {
		t.Fatalf("open=%v until=%v want open/3h", open, until)
	}
}

func TestDaysToExpiry(t *testing.T) {
	c := mustCalendar(t)
	now := nyTime(t, 2025, 3, 10, 14, 0)

	tests := []struct {
		name   string
		expiry time.Time
		want   int
	}{
		{"same day", nyTime(t, 2025, 3, 10, 16, 0), 0},
		{"tomorrow", nyTime(t, 2025, 3, 11, 16, 0), 1},
		{"next friday", nyTime(t, 2025, 3, 21, 16, 0), 11},
		{"yesterday", nyTime(t, 2025, 3, 9, 16, 0), -1},
		{"zero expiry", time.Time{}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := c.DaysToExpiry(now, tt.expiry); got != tt.want {
				t.Fatalf("dte=%d want=%d", got, tt.want)
			}
		})
	}
}

func TestDaysToExpiry_AcrossDSTStart(t *testing.T) {
	c := mustCalendar(t)

	// Friday 2025-03-07 (EST) to Friday 2025-03-14 (EDT) spans the spring
	// transition; the 23-hour day must not shave a calendar day off.
	now := nyTime(t, 2025, 3, 7, 14, 0)
	expiry := nyTime(t, 2025, 3, 14, 16, 0)
	if got := c.DaysToExpiry(now, expiry); got != 7 {
		t.Fatalf("dte=%d want=7 across DST", got)
	}
}

func TestCloseOn(t *testing.T) {
	c := mustCalendar(t)

	// Date-only expiries are parsed in market time before normalizing, so
	// the date survives; midnight UTC would still be the prior New York day.
	day, err := time.ParseInLocation("2006-01-02", "2025-03-21", c.Location())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	got := c.CloseOn(day)
	want := nyTime(t, 2025, 3, 21, 16, 0)
	if !got.Equal(want) {
		t.Fatalf("close=%v want=%v", got, want)
	}
}
