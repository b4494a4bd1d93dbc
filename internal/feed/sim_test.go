package feed

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/desklab/optiondesk/internal/domain"
)

func TestSimulator_SeededWalkStartsAtStatics(t *testing.T) {
	sink := newSinkRecorder()
	sim := NewSimulator(sink, time.Second, testLogger())

	sim.Seed(domain.Contract{
		Symbol: "SPY250919C00450000",
		Ticker: "SPY",
		Type:   domain.OptionTypeCall,
		Mid:    2.00,
		IV:     0.22,
		Greeks: domain.Greeks{Delta: 0.55, Gamma: 0.04, Theta: -0.08, Vega: 0.11},
	})
	if err := sim.Watch(context.Background(), "SPY250919C00450000", "SPY"); err != nil {
		t.Fatalf("watch: %v", err)
	}

	now := time.Date(2025, 3, 10, 15, 0, 0, 0, time.UTC)
	sim.step(now)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	quotes := sink.quotes["SPY250919C00450000"]
	if len(quotes) != 1 {
		t.Fatalf("quotes=%d want=1", len(quotes))
	}
	// One tick moves the mid by at most 1%.
	if math.Abs(quotes[0].Mid-2.00) > 0.02 {
		t.Fatalf("first tick mid=%v want within 1%% of 2.00", quotes[0].Mid)
	}
	if quotes[0].Bid >= quotes[0].Ask {
		t.Fatalf("bid=%v not below ask=%v", quotes[0].Bid, quotes[0].Ask)
	}
	if quotes[0].At != now {
		t.Fatalf("sample At=%v want=%v", quotes[0].At, now)
	}

	greeks := sink.greeks["SPY250919C00450000"]
	if len(greeks) != 1 {
		t.Fatalf("greeks=%d want=1", len(greeks))
	}
	if greeks[0].Greeks.Theta >= 0 {
		t.Fatalf("theta lost its sign: %v", greeks[0].Greeks.Theta)
	}
	if len(sink.unders["SPY"]) != 1 {
		t.Fatalf("no underlying emitted")
	}
	if len(sink.flows["SPY"]) != 1 {
		t.Fatalf("no flow emitted")
	}
}

func TestSimulator_FlowVolumesAccumulate(t *testing.T) {
	sink := newSinkRecorder()
	sim := NewSimulator(sink, time.Second, testLogger())
	if err := sim.Watch(context.Background(), "QQQ250919P00380000", "QQQ"); err != nil {
		t.Fatalf("watch: %v", err)
	}

	now := time.Date(2025, 3, 10, 15, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		sim.step(now.Add(time.Duration(i) * time.Second))
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	flows := sink.flows["QQQ"]
	if len(flows) != 5 {
		t.Fatalf("flow samples=%d want=5", len(flows))
	}
	for i := 1; i < len(flows); i++ {
		if flows[i].CallVolume < flows[i-1].CallVolume || flows[i].PutVolume < flows[i-1].PutVolume {
			t.Fatalf("volumes regressed at tick %d: %+v after %+v", i, flows[i], flows[i-1])
		}
	}
}

func TestSimulator_UnwatchStopsEmission(t *testing.T) {
	sink := newSinkRecorder()
	sim := NewSimulator(sink, time.Second, testLogger())
	ctx := context.Background()

	if err := sim.Watch(ctx, "SPY250919C00450000", "SPY"); err != nil {
		t.Fatalf("watch: %v", err)
	}
	sim.step(time.Now())
	if got := sink.quoteCount("SPY250919C00450000"); got != 1 {
		t.Fatalf("quotes while watched=%d want=1", got)
	}

	if err := sim.Unwatch(ctx, "SPY250919C00450000", "SPY"); err != nil {
		t.Fatalf("unwatch: %v", err)
	}
	sim.step(time.Now())
	if got := sink.quoteCount("SPY250919C00450000"); got != 1 {
		t.Fatalf("quotes after unwatch=%d want unchanged 1", got)
	}
	if got := sink.flowCount("SPY"); got != 1 {
		t.Fatalf("flow after unwatch=%d want unchanged 1", got)
	}
}

func TestSimulator_RunAnnouncesFeedState(t *testing.T) {
	sink := newSinkRecorder()
	sim := NewSimulator(sink, 5*time.Millisecond, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sim.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != context.Canceled {
			t.Fatalf("run returned %v want context.Canceled", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("simulator did not stop")
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	if len(sink.states) != 2 || !sink.states[0] || sink.states[1] {
		t.Fatalf("feed state transitions=%v want [true false]", sink.states)
	}
}
