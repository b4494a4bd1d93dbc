package engine

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/desklab/optiondesk/internal/domain"
)

type capturePublisher struct {
	valuations chan domain.ValuationEvent
	portfolios chan domain.PortfolioEvent
	healths    chan domain.HealthEvent
}

func newCapturePublisher() *capturePublisher {
	return &capturePublisher{
		valuations: make(chan domain.ValuationEvent, 128),
		portfolios: make(chan domain.PortfolioEvent, 128),
		healths:    make(chan domain.HealthEvent, 128),
	}
}

func (p *capturePublisher) PublishValuation(_ context.Context, ev domain.ValuationEvent) {
	select {
	case p.valuations <- ev:
	default:
	}
}

func (p *capturePublisher) PublishPortfolio(_ context.Context, ev domain.PortfolioEvent) {
	select {
	case p.portfolios <- ev:
	default:
	}
}

func (p *capturePublisher) PublishHealth(_ context.Context, ev domain.HealthEvent) {
	select {
	case p.healths <- ev:
	default:
	}
}

type fakeSubscriber struct {
	mu        sync.Mutex
	watched   []string
	unwatched []string
}

func (f *fakeSubscriber) Watch(_ context.Context, sym, ticker string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.watched = append(f.watched, sym+"/"+ticker)
	return nil
}

func (f *fakeSubscriber) Unwatch(_ context.Context, sym, ticker string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unwatched = append(f.unwatched, sym+"/"+ticker)
	return nil
}

func trackedPosition(id string) domain.Position {
	return domain.Position{
		ID:         id,
		Ticker:     "SPY",
		Contract:   staticContract(),
		State:      domain.PositionStateEntered,
		EntryPrice: 2.00,
		EntryTime:  reconcileNow.Add(-2 * time.Hour),
		Target:     3.00,
		Stop:       1.50,
	}
}

func startEngine(t *testing.T, pub Publisher, subs FeedSubscriber) *Engine {
	t.Helper()
	cfg := Config{
		Mode:          "test",
		SweepInterval: time.Hour, // keep the evaluation clock out of event counting
		Clock:         func() time.Time { return reconcileNow },
	}
	e := New(cfg, pub, fakeCalendar{open: true, untilClose: time.Hour, dte: 11}, subs, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = e.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	eventually(t, func() bool {
		e.mu.RLock()
		defer e.mu.RUnlock()
		return e.runCtx != nil
	}, "engine running")
	return e
}

func eventually(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func awaitValuation(t *testing.T, ch chan domain.ValuationEvent, what string, match func(domain.ValuationEvent) bool) domain.ValuationEvent {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-ch:
			if match(ev) {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for valuation: %s", what)
		}
	}
}

func TestEngine_TrackPublishesInitialValuation(t *testing.T) {
	pub := newCapturePublisher()
	e := startEngine(t, pub, nil)

	if err := e.Track(context.Background(), trackedPosition("pos-1")); err != nil {
		t.Fatalf("track: %v", err)
	}

	// Before any samples the worker values from the contract snapshot.
	ev := awaitValuation(t, pub.valuations, "initial snapshot", func(ev domain.ValuationEvent) bool {
		return ev.PositionID == "pos-1"
	})
	if ev.Snapshot.PriceSource != domain.PriceSourceSnapshot {
		t.Fatalf("source=%v want=snapshot", ev.Snapshot.PriceSource)
	}
	if !almostEqual(ev.Snapshot.Mid, 2.00) {
		t.Fatalf("mid=%v want=2.00", ev.Snapshot.Mid)
	}
	if ev.Snapshot.Health != domain.HealthStale {
		t.Fatalf("health=%v want=stale before any feed data", ev.Snapshot.Health)
	}

	got, err := e.Valuation("pos-1")
	if err != nil {
		t.Fatalf("valuation: %v", err)
	}
	if got.PositionID != "pos-1" || got.Snapshot.PriceSource != domain.PriceSourceSnapshot {
		t.Fatalf("read-path valuation mismatch: %+v", got.Snapshot)
	}

	if _, err := e.Valuation("pos-2"); !errors.Is(err, domain.ErrNotTracked) {
		t.Fatalf("err=%v want=ErrNotTracked", err)
	}
}

func TestEngine_TrackRejectsClosedAndStopped(t *testing.T) {
	pub := newCapturePublisher()
	e := startEngine(t, pub, nil)

	pos := trackedPosition("pos-1")
	pos.State = domain.PositionStateExited
	if err := e.Track(context.Background(), pos); !errors.Is(err, domain.ErrPositionClosed) {
		t.Fatalf("err=%v want=ErrPositionClosed", err)
	}

	idle := New(Config{Clock: func() time.Time { return reconcileNow }}, nil, fakeCalendar{}, nil, testLogger())
	if err := idle.Track(context.Background(), trackedPosition("pos-1")); err == nil {
		t.Fatalf("track on a stopped engine must fail")
	}
}

func TestEngine_QuoteRoutingByContract(t *testing.T) {
	pub := newCapturePublisher()
	e := startEngine(t, pub, nil)

	if err := e.Track(context.Background(), trackedPosition("pos-1")); err != nil {
		t.Fatalf("track: %v", err)
	}
	other := trackedPosition("pos-2")
	other.Contract.Symbol = "QQQ250321C00500000"
	other.Ticker = "QQQ"
	if err := e.Track(context.Background(), other); err != nil {
		t.Fatalf("track: %v", err)
	}

	e.HandleQuote("SPY250321C00580000", *quoteAge(0, domain.SourceWebsocket, 2.50))

	ev := awaitValuation(t, pub.valuations, "live quote", func(ev domain.ValuationEvent) bool {
		return ev.PositionID == "pos-1" && ev.Snapshot.PriceSource == domain.PriceSourceLive
	})
	if !almostEqual(ev.Snapshot.Mid, 2.50) {
		t.Fatalf("mid=%v want=2.50", ev.Snapshot.Mid)
	}

	// The other contract's worker never saw the quote.
	got, err := e.Valuation("pos-2")
	if err != nil {
		t.Fatalf("valuation: %v", err)
	}
	if got.Snapshot.PriceSource != domain.PriceSourceSnapshot {
		t.Fatalf("pos-2 source=%v want=snapshot", got.Snapshot.PriceSource)
	}
}

func TestEngine_SharedContractFanout(t *testing.T) {
	pub := newCapturePublisher()
	e := startEngine(t, pub, nil)

	for _, id := range []string{"pos-1", "pos-2"} {
		if err := e.Track(context.Background(), trackedPosition(id)); err != nil {
			t.Fatalf("track %s: %v", id, err)
		}
	}

	e.HandleQuote("SPY250321C00580000", *quoteAge(0, domain.SourceWebsocket, 2.50))

	seen := map[string]bool{}
	for len(seen) < 2 {
		ev := awaitValuation(t, pub.valuations, "fanout", func(ev domain.ValuationEvent) bool {
			return ev.Snapshot.PriceSource == domain.PriceSourceLive
		})
		seen[ev.PositionID] = true
	}
	if !seen["pos-1"] || !seen["pos-2"] {
		t.Fatalf("fanout missed a worker: %v", seen)
	}
}

func TestEngine_MalformedSampleRetainsStateAndForcesStale(t *testing.T) {
	pub := newCapturePublisher()
	e := startEngine(t, pub, nil)

	if err := e.Track(context.Background(), trackedPosition("pos-1")); err != nil {
		t.Fatalf("track: %v", err)
	}

	// Bring every feed current so overall health reaches healthy.
	e.HandleQuote("SPY250321C00580000", *quoteAge(0, domain.SourceWebsocket, 2.50))
	e.HandleGreeks("SPY250321C00580000", domain.GreeksSample{
		Greeks: domain.Greeks{Delta: 0.52, Theta: -0.09},
		IV:     0.22,
		Source: domain.SourceWebsocket,
		At:     reconcileNow,
	})
	e.HandleUnderlying("SPY", domain.UnderlyingSample{Price: 581.2, ChangePercent: 0.4, Source: domain.SourceWebsocket, At: reconcileNow})

	awaitValuation(t, pub.valuations, "healthy", func(ev domain.ValuationEvent) bool {
		return ev.Snapshot.Health == domain.HealthHealthy
	})

	// A NaN mid is rejected at the boundary: the previous values survive
	// and overall health pins to stale until clean data arrives.
	e.HandleQuote("SPY250321C00580000", domain.QuoteSample{
		Bid: 2.45, Ask: 2.55, Mid: math.NaN(),
		Source: domain.SourceWebsocket, At: reconcileNow,
	})

	ev := awaitValuation(t, pub.valuations, "tainted", func(ev domain.ValuationEvent) bool {
		return ev.Snapshot.Health == domain.HealthStale
	})
	if !almostEqual(ev.Snapshot.Mid, 2.50) {
		t.Fatalf("mid=%v want retained 2.50", ev.Snapshot.Mid)
	}
	if ev.Snapshot.QuoteHealth != domain.HealthHealthy {
		t.Fatalf("quote health=%v; the retained sample is still fresh", ev.Snapshot.QuoteHealth)
	}

	// Clean data clears the taint.
	e.HandleQuote("SPY250321C00580000", *quoteAge(0, domain.SourceWebsocket, 2.60))
	ev = awaitValuation(t, pub.valuations, "recovered", func(ev domain.ValuationEvent) bool {
		return ev.Snapshot.Health == domain.HealthHealthy
	})
	if !almostEqual(ev.Snapshot.Mid, 2.60) {
		t.Fatalf("mid=%v want=2.60", ev.Snapshot.Mid)
	}
}

func TestEngine_HealthTransitionPublishes(t *testing.T) {
	pub := newCapturePublisher()
	e := startEngine(t, pub, nil)

	if err := e.Track(context.Background(), trackedPosition("pos-1")); err != nil {
		t.Fatalf("track: %v", err)
	}

	e.HandleQuote("SPY250321C00580000", *quoteAge(0, domain.SourceWebsocket, 2.50))
	e.HandleGreeks("SPY250321C00580000", domain.GreeksSample{Greeks: domain.Greeks{Delta: 0.5}, IV: 0.2, Source: domain.SourceREST, At: reconcileNow})
	e.HandleUnderlying("SPY", domain.UnderlyingSample{Price: 580.9, Source: domain.SourceWebsocket, At: reconcileNow})

	select {
	case hev := <-pub.healths:
		if hev.Previous != domain.HealthStale || hev.Current != domain.HealthHealthy {
			t.Fatalf("transition %v->%v want stale->healthy", hev.Previous, hev.Current)
		}
		if hev.PositionID != "pos-1" || hev.Ticker != "SPY" {
			t.Fatalf("health event identity: %+v", hev)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no health transition published")
	}
}

func TestEngine_ReleaseRemovesAggregatorKey(t *testing.T) {
	pub := newCapturePublisher()
	e := startEngine(t, pub, nil)

	if err := e.Track(context.Background(), trackedPosition("pos-1")); err != nil {
		t.Fatalf("track: %v", err)
	}
	e.HandleQuote("SPY250321C00580000", *quoteAge(0, domain.SourceWebsocket, 2.50))

	eventually(t, func() bool {
		agg := e.Aggregate()
		pnl, ok := agg.PnLByPosition["pos-1"]
		return ok && almostEqual(pnl, 25.0)
	}, "aggregator fold")

	if err := e.Release(context.Background(), "pos-1"); err != nil {
		t.Fatalf("release: %v", err)
	}

	// Synchronous guarantee: the key is gone the moment Release returns.
	agg := e.Aggregate()
	if _, ok := agg.PnLByPosition["pos-1"]; ok || agg.TradeCount != 0 {
		t.Fatalf("released key still aggregated: %+v", agg)
	}

	// And it stays gone; buffered reports hit the tombstone.
	time.Sleep(20 * time.Millisecond)
	if agg := e.Aggregate(); agg.TradeCount != 0 {
		t.Fatalf("released key resurrected: %+v", agg)
	}

	if _, err := e.Valuation("pos-1"); !errors.Is(err, domain.ErrNotTracked) {
		t.Fatalf("err=%v want=ErrNotTracked", err)
	}
	if err := e.Release(context.Background(), "pos-1"); !errors.Is(err, domain.ErrNotTracked) {
		t.Fatalf("double release err=%v want=ErrNotTracked", err)
	}
}

func TestEngine_UpdateRecordAppliesLifecycle(t *testing.T) {
	pub := newCapturePublisher()
	e := startEngine(t, pub, nil)

	pos := trackedPosition("pos-1")
	if err := e.Track(context.Background(), pos); err != nil {
		t.Fatalf("track: %v", err)
	}
	e.HandleQuote("SPY250321C00580000", *quoteAge(0, domain.SourceWebsocket, 2.50))

	awaitValuation(t, pub.valuations, "pre-trim", func(ev domain.ValuationEvent) bool {
		return ev.Snapshot.PriceSource == domain.PriceSourceLive
	})

	pos.Events = []domain.LifecycleEvent{{
		ID:          "ev-1",
		PositionID:  "pos-1",
		Type:        domain.EventTrim,
		Price:       3.00,
		TrimPercent: 50,
		At:          reconcileNow.Add(-time.Hour),
	}}
	if err := e.UpdateRecord(context.Background(), pos); err != nil {
		t.Fatalf("update: %v", err)
	}

	ev := awaitValuation(t, pub.valuations, "post-trim", func(ev domain.ValuationEvent) bool {
		return ev.Accounting.RemainingPercent == 50
	})
	if !almostEqual(ev.Accounting.RealizedDollars, 0.50) {
		t.Fatalf("realized=%v want=0.50", ev.Accounting.RealizedDollars)
	}
	if !almostEqual(ev.Accounting.BlendedDollars, 0.75) {
		t.Fatalf("blended=%v want=0.75", ev.Accounting.BlendedDollars)
	}

	if err := e.UpdateRecord(context.Background(), trackedPosition("ghost")); !errors.Is(err, domain.ErrNotTracked) {
		t.Fatalf("err=%v want=ErrNotTracked", err)
	}
}

func TestEngine_SubscriberLifecycle(t *testing.T) {
	pub := newCapturePublisher()
	subs := &fakeSubscriber{}
	e := startEngine(t, pub, subs)

	if err := e.Track(context.Background(), trackedPosition("pos-1")); err != nil {
		t.Fatalf("track: %v", err)
	}
	subs.mu.Lock()
	watched := len(subs.watched) == 1 && subs.watched[0] == "SPY250321C00580000/SPY"
	subs.mu.Unlock()
	if !watched {
		t.Fatalf("watch calls=%v want one for SPY contract", subs.watched)
	}

	if err := e.Release(context.Background(), "pos-1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	subs.mu.Lock()
	unwatched := len(subs.unwatched) == 1 && subs.unwatched[0] == "SPY250321C00580000/SPY"
	subs.mu.Unlock()
	if !unwatched {
		t.Fatalf("unwatch calls=%v want one for SPY contract", subs.unwatched)
	}
}

func TestEngine_StatusCounters(t *testing.T) {
	pub := newCapturePublisher()
	e := startEngine(t, pub, nil)

	st := e.Status()
	if st.Mode != "test" || st.TrackedPositions != 0 {
		t.Fatalf("status=%+v want test/0", st)
	}

	if err := e.Track(context.Background(), trackedPosition("pos-1")); err != nil {
		t.Fatalf("track: %v", err)
	}
	if st := e.Status(); st.TrackedPositions != 1 {
		t.Fatalf("tracked=%d want=1", st.TrackedPositions)
	}

	e.SetFeedConnected(true)
	if st := e.Status(); !st.FeedConnected {
		t.Fatalf("feed connected flag not set")
	}
}

func TestEngine_SweepRepublishes(t *testing.T) {
	pub := newCapturePublisher()
	cfg := Config{
		Mode:          "test",
		SweepInterval: 5 * time.Millisecond,
		Clock:         func() time.Time { return reconcileNow },
	}
	e := New(cfg, pub, fakeCalendar{dte: 11}, nil, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = e.Run(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	eventually(t, func() bool {
		e.mu.RLock()
		defer e.mu.RUnlock()
		return e.runCtx != nil
	}, "engine running")

	if err := e.Track(context.Background(), trackedPosition("pos-1")); err != nil {
		t.Fatalf("track: %v", err)
	}

	// The evaluation clock keeps publishing with no feed traffic at all.
	for i := 0; i < 3; i++ {
		awaitValuation(t, pub.valuations, "sweep tick", func(ev domain.ValuationEvent) bool {
			return ev.PositionID == "pos-1"
		})
	}
}
