package engine

import (
	"math"
	"testing"
	"time"

	"github.com/desklab/optiondesk/internal/domain"
)

var accountantBase = time.Date(2025, 3, 10, 14, 0, 0, 0, time.UTC)

func enteredPosition(entry float64, events ...domain.LifecycleEvent) domain.Position {
	return domain.Position{
		ID:         "pos-1",
		Ticker:     "SPY",
		State:      domain.PositionStateEntered,
		EntryPrice: entry,
		EntryTime:  accountantBase,
		Events:     events,
	}
}

func trimAt(minute int, fraction, price float64) domain.LifecycleEvent {
	return domain.LifecycleEvent{
		ID:          "ev",
		Type:        domain.EventTrim,
		Price:       price,
		TrimPercent: fraction,
		At:          accountantBase.Add(time.Duration(minute) * time.Minute),
	}
}

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestAccount_NoTrims(t *testing.T) {
	acc := Account(enteredPosition(2.00), 2.50)

	if acc.RemainingPercent != 100 {
		t.Fatalf("remaining=%v want=100", acc.RemainingPercent)
	}
	if acc.RealizedDollars != 0 {
		t.Fatalf("realized=%v want=0", acc.RealizedDollars)
	}
	if !almostEqual(acc.BlendedPercent, 25.0) {
		t.Fatalf("blended%%=%v want=25", acc.BlendedPercent)
	}
	if !almostEqual(acc.BlendedDollars, 0.50) {
		t.Fatalf("blended$=%v want=0.50", acc.BlendedDollars)
	}
}

func TestAccount_SingleTrim(t *testing.T) {
	// Entry $2.00, trim 50% at $3.00, remaining mid $2.50.
	acc := Account(enteredPosition(2.00, trimAt(1, 50, 3.00)), 2.50)

	if !almostEqual(acc.RemainingPercent, 50) {
		t.Fatalf("remaining=%v want=50", acc.RemainingPercent)
	}
	if !almostEqual(acc.RealizedDollars, 0.50) {
		t.Fatalf("realized$=%v want=0.50", acc.RealizedDollars)
	}
	if !almostEqual(acc.RealizedPercent, 25) {
		t.Fatalf("realized%%=%v want=25", acc.RealizedPercent)
	}
	if !almostEqual(acc.BlendedDollars, 0.75) {
		t.Fatalf("blended$=%v want=0.75", acc.BlendedDollars)
	}
}

func TestAccount_SequentialTrimsAreMultiplicative(t *testing.T) {
	// Two 50% trims leave 25% of the original, not 0%.
	acc := Account(enteredPosition(2.00, trimAt(1, 50, 3.00), trimAt(2, 50, 4.00)), 2.50)

	if !almostEqual(acc.RemainingPercent, 25) {
		t.Fatalf("remaining=%v want=25", acc.RemainingPercent)
	}
	// 0.50 from the first trim, (4-2)*25/100 = 0.50 from the second.
	if !almostEqual(acc.RealizedDollars, 1.00) {
		t.Fatalf("realized$=%v want=1.00", acc.RealizedDollars)
	}
}

func TestAccount_CollapseProperty(t *testing.T) {
	// With no trims the blended figure must equal the plain unrealized
	// formula exactly, for a spread of entries and mids.
	cases := []struct{ entry, mid float64 }{
		{2.00, 2.50},
		{0.45, 0.30},
		{10.00, 10.00},
		{1.25, 3.75},
	}
	for _, tc := range cases {
		acc := Account(enteredPosition(tc.entry), tc.mid)
		want := (tc.mid - tc.entry) / tc.entry * 100
		if !almostEqual(acc.BlendedPercent, want) {
			t.Fatalf("entry=%v mid=%v blended%%=%v want=%v", tc.entry, tc.mid, acc.BlendedPercent, want)
		}
	}
}

func TestAccount_TrimOrderMatters(t *testing.T) {
	early := trimAt(1, 50, 3.00)
	late := trimAt(2, 50, 4.00)

	// Same events appended in reverse order must yield the same result,
	// because the accountant sorts by timestamp.
	a := Account(enteredPosition(2.00, early, late), 2.50)
	b := Account(enteredPosition(2.00, late, early), 2.50)
	if !almostEqual(a.RealizedDollars, b.RealizedDollars) {
		t.Fatalf("append order changed realized: %v vs %v", a.RealizedDollars, b.RealizedDollars)
	}

	// Swapping the timestamps (50% at $4 first, then 50% at $3) changes
	// which price closes the larger slice.
	swapped := Account(enteredPosition(2.00, trimAt(1, 50, 4.00), trimAt(2, 50, 3.00)), 2.50)
	if almostEqual(a.RealizedDollars, swapped.RealizedDollars) {
		t.Fatalf("trim order should affect realized P&L")
	}
}

func TestAccount_Idempotent(t *testing.T) {
	pos := enteredPosition(2.00, trimAt(1, 25, 2.80), trimAt(2, 50, 3.10))
	first := Account(pos, 2.50)
	second := Account(pos, 2.50)

	if first.RemainingPercent != second.RemainingPercent ||
		first.RealizedDollars != second.RealizedDollars ||
		first.BlendedDollars != second.BlendedDollars {
		t.Fatalf("recomputation diverged: %+v vs %+v", first, second)
	}
}

func TestAccount_RemainingNonIncreasingAndBounded(t *testing.T) {
	pos := enteredPosition(2.00)
	prev := 100.0
	for i, f := range []float64{10, 25, 50, 75, 100, 50} {
		pos.Events = append(pos.Events, trimAt(i+1, f, 2.50))
		acc := Account(pos, 2.50)
		if acc.RemainingPercent > prev {
			t.Fatalf("remaining increased after trim %d: %v > %v", i, acc.RemainingPercent, prev)
		}
		if acc.RemainingPercent < 0 || acc.RemainingPercent > 100 {
			t.Fatalf("remaining out of bounds: %v", acc.RemainingPercent)
		}
		prev = acc.RemainingPercent
	}
}

func TestAccount_OverTrimClampsWithWarning(t *testing.T) {
	acc := Account(enteredPosition(2.00, trimAt(1, 150, 3.00)), 2.50)

	if acc.RemainingPercent != 0 {
		t.Fatalf("remaining=%v want=0", acc.RemainingPercent)
	}
	if acc.Clean() {
		t.Fatalf("expected a data-quality warning")
	}
	// Clamped to a full close at $3.00.
	if !almostEqual(acc.RealizedDollars, 1.00) {
		t.Fatalf("realized$=%v want=1.00", acc.RealizedDollars)
	}
}

func TestAccount_NegativeTrimIgnoredWithWarning(t *testing.T) {
	acc := Account(enteredPosition(2.00, trimAt(1, -10, 3.00)), 2.50)

	if acc.RemainingPercent != 100 {
		t.Fatalf("remaining=%v want=100", acc.RemainingPercent)
	}
	if acc.Clean() {
		t.Fatalf("expected a data-quality warning")
	}
}

func TestAccount_AddClampedAtOriginalBasis(t *testing.T) {
	add := domain.LifecycleEvent{
		Type:        domain.EventAdd,
		TrimPercent: 50,
		Price:       2.20,
		At:          accountantBase.Add(time.Minute),
	}
	acc := Account(enteredPosition(2.00, add), 2.50)

	if acc.RemainingPercent != 100 {
		t.Fatalf("remaining=%v want=100 (clamped)", acc.RemainingPercent)
	}
	if acc.Clean() {
		t.Fatalf("expected clamp warning")
	}

	// After a trim, an add can rebuild up to but not past the basis.
	rebuild := domain.LifecycleEvent{
		Type:        domain.EventAdd,
		TrimPercent: 40,
		Price:       2.20,
		At:          accountantBase.Add(2 * time.Minute),
	}
	acc = Account(enteredPosition(2.00, trimAt(1, 50, 3.00), rebuild), 2.50)
	if !almostEqual(acc.RemainingPercent, 70) {
		t.Fatalf("remaining=%v want=70", acc.RemainingPercent)
	}
}

func TestAccount_ExitRealizesRemainder(t *testing.T) {
	exit := domain.LifecycleEvent{
		Type:  domain.EventExit,
		Price: 3.50,
		At:    accountantBase.Add(5 * time.Minute),
	}
	acc := Account(enteredPosition(2.00, trimAt(1, 50, 3.00), exit), 2.50)

	if acc.RemainingPercent != 0 {
		t.Fatalf("remaining=%v want=0", acc.RemainingPercent)
	}
	// 0.50 banked by the trim + (3.50-2.00)*50% = 0.75 at exit.
	if !almostEqual(acc.RealizedDollars, 1.25) {
		t.Fatalf("realized$=%v want=1.25", acc.RealizedDollars)
	}
	// Everything realized: blended equals realized.
	if !almostEqual(acc.BlendedDollars, acc.RealizedDollars) {
		t.Fatalf("blended$=%v want=%v", acc.BlendedDollars, acc.RealizedDollars)
	}
}

func TestAccount_MissingEntryPrice(t *testing.T) {
	pos := domain.Position{
		ID:     "pos-watch",
		State:  domain.PositionStateWatching,
		Events: nil,
	}
	acc := Account(pos, 2.50)
	if acc.RemainingPercent != 100 || acc.BlendedDollars != 0 {
		t.Fatalf("watching position should be inert: %+v", acc)
	}

	// Dollar-bearing history without an entry price is flagged, not computed.
	pos.Events = []domain.LifecycleEvent{trimAt(1, 50, 3.00)}
	acc = Account(pos, 2.50)
	if acc.Clean() {
		t.Fatalf("expected warning for missing entry price")
	}
	if acc.RealizedDollars != 0 {
		t.Fatalf("realized$=%v want=0 without entry price", acc.RealizedDollars)
	}
}
