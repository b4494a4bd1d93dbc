package engine

import (
	"testing"
	"time"

	"github.com/desklab/optiondesk/internal/domain"
)

var reconcileNow = time.Date(2025, 3, 10, 15, 0, 0, 0, time.UTC)

func staticContract() domain.Contract {
	return domain.Contract{
		Symbol: "SPY250321C00580000",
		Ticker: "SPY",
		Strike: 580,
		Expiry: reconcileNow.Add(11 * 24 * time.Hour),
		Type:   domain.OptionTypeCall,
		Bid:    1.90,
		Ask:    2.10,
		Mid:    2.00,
		IV:     0.21,
		Greeks: domain.Greeks{Delta: 0.45, Theta: -0.08},
	}
}

func quoteAge(age time.Duration, src domain.SampleSource, mid float64) *domain.QuoteSample {
	return &domain.QuoteSample{
		Bid:    mid - 0.05,
		Ask:    mid + 0.05,
		Mid:    mid,
		Source: src,
		At:     reconcileNow.Add(-age),
	}
}

func TestReconcile_PrecedenceChain(t *testing.T) {
	tests := []struct {
		name       string
		in         Inputs
		wantMid    float64
		wantSource domain.PriceSource
	}{
		{
			name: "fresh websocket wins",
			in: Inputs{
				Contract:  staticContract(),
				WSQuote:   quoteAge(time.Second, domain.SourceWebsocket, 2.50),
				RESTQuote: quoteAge(2*time.Second, domain.SourceREST, 2.40),
			},
			wantMid:    2.50,
			wantSource: domain.PriceSourceLive,
		},
		{
			name: "aged websocket falls to usable rest",
			in: Inputs{
				Contract:  staticContract(),
				WSQuote:   quoteAge(20*time.Second, domain.SourceWebsocket, 2.50),
				RESTQuote: quoteAge(8*time.Second, domain.SourceREST, 2.40),
			},
			wantMid:    2.50, // ws sample is newer than the rest one
			wantSource: domain.PriceSourceDelayed,
		},
		{
			name: "rest within degraded window",
			in: Inputs{
				Contract:  staticContract(),
				RESTQuote: quoteAge(10*time.Second, domain.SourceREST, 2.40),
			},
			wantMid:    2.40,
			wantSource: domain.PriceSourceDelayed,
		},
		{
			name: "everything stale falls to static",
			in: Inputs{
				Contract:  staticContract(),
				WSQuote:   quoteAge(40*time.Second, domain.SourceWebsocket, 2.50),
				RESTQuote: quoteAge(45*time.Second, domain.SourceREST, 2.40),
			},
			wantMid:    2.00,
			wantSource: domain.PriceSourceSnapshot,
		},
		{
			name:       "no samples at all",
			in:         Inputs{Contract: staticContract()},
			wantMid:    2.00,
			wantSource: domain.PriceSourceSnapshot,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snap := Reconcile("pos-1", tt.in, reconcileNow)
			if snap.Mid != tt.wantMid {
				t.Fatalf("mid=%v want=%v", snap.Mid, tt.wantMid)
			}
			if snap.PriceSource != tt.wantSource {
				t.Fatalf("source=%v want=%v", snap.PriceSource, tt.wantSource)
			}
		})
	}
}

func TestReconcile_HealthBoundaries(t *testing.T) {
	tests := []struct {
		age  time.Duration
		want domain.FeedHealth
	}{
		{4999 * time.Millisecond, domain.HealthHealthy},
		{5000 * time.Millisecond, domain.HealthDegraded},
		{29999 * time.Millisecond, domain.HealthDegraded},
		{30000 * time.Millisecond, domain.HealthStale},
	}
	for _, tt := range tests {
		in := Inputs{
			Contract: staticContract(),
			WSQuote:  quoteAge(tt.age, domain.SourceWebsocket, 2.50),
		}
		snap := Reconcile("pos-1", in, reconcileNow)
		if snap.QuoteHealth != tt.want {
			t.Fatalf("age=%v quote health=%v want=%v", tt.age, snap.QuoteHealth, tt.want)
		}
	}
}

func TestReconcile_OverallHealthIsWorst(t *testing.T) {
	// Quote 40s old, Greeks fresh: quote stale, greeks healthy, overall stale.
	in := Inputs{
		Contract: staticContract(),
		WSQuote:  quoteAge(40*time.Second, domain.SourceWebsocket, 2.50),
		WSGreeks: &domain.GreeksSample{
			Greeks: domain.Greeks{Delta: 0.5, Theta: -0.05},
			IV:     0.25,
			Source: domain.SourceWebsocket,
			At:     reconcileNow.Add(-time.Second),
		},
		Underlying: &domain.UnderlyingSample{
			Price:  581.2,
			Source: domain.SourceWebsocket,
			At:     reconcileNow.Add(-time.Second),
		},
	}
	snap := Reconcile("pos-1", in, reconcileNow)

	if snap.QuoteHealth != domain.HealthStale {
		t.Fatalf("quote health=%v want=stale", snap.QuoteHealth)
	}
	if snap.GreeksHealth != domain.HealthHealthy {
		t.Fatalf("greeks health=%v want=healthy", snap.GreeksHealth)
	}
	if snap.Health != domain.HealthStale {
		t.Fatalf("overall=%v want=stale", snap.Health)
	}
}

func TestReconcile_NeverHealthyWithStaleContributor(t *testing.T) {
	// Underlying never received: overall cannot report healthy no matter
	// how fresh the other feeds are.
	in := Inputs{
		Contract: staticContract(),
		WSQuote:  quoteAge(time.Second, domain.SourceWebsocket, 2.50),
		WSGreeks: &domain.GreeksSample{
			Greeks: domain.Greeks{Delta: 0.5},
			Source: domain.SourceWebsocket,
			At:     reconcileNow.Add(-time.Second),
		},
	}
	snap := Reconcile("pos-1", in, reconcileNow)
	if snap.Health == domain.HealthHealthy {
		t.Fatalf("overall health reported healthy with a never-received feed")
	}
}

func TestReconcile_GreeksPrecedenceIndependent(t *testing.T) {
	// Stale quote must not drag the Greeks resolution down: greeks have
	// their own chain and fall back to the contract's static values.
	in := Inputs{
		Contract: staticContract(),
		WSQuote:  quoteAge(time.Second, domain.SourceWebsocket, 2.50),
	}
	snap := Reconcile("pos-1", in, reconcileNow)

	if snap.PriceSource != domain.PriceSourceLive {
		t.Fatalf("price source=%v want=live", snap.PriceSource)
	}
	if snap.GreeksSource != domain.PriceSourceSnapshot {
		t.Fatalf("greeks source=%v want=snapshot", snap.GreeksSource)
	}
	if snap.Greeks.Delta != 0.45 {
		t.Fatalf("delta=%v want static 0.45", snap.Greeks.Delta)
	}
}

func TestReconcile_ExpiredSuppressesHealth(t *testing.T) {
	c := staticContract()
	c.Expiry = reconcileNow.Add(-time.Hour)
	in := Inputs{
		Contract: c,
		WSQuote:  quoteAge(time.Second, domain.SourceWebsocket, 2.50),
	}
	snap := Reconcile("pos-1", in, reconcileNow)

	if !snap.Expired {
		t.Fatalf("expected expired flag")
	}
	if snap.Health != domain.HealthExpired {
		t.Fatalf("overall=%v want=expired", snap.Health)
	}
	// Per-feed values stay visible.
	if snap.QuoteHealth != domain.HealthHealthy {
		t.Fatalf("quote health=%v want=healthy", snap.QuoteHealth)
	}
}

func TestReconcile_TaintForcesStale(t *testing.T) {
	in := Inputs{
		Contract: staticContract(),
		WSQuote:  quoteAge(time.Second, domain.SourceWebsocket, 2.50),
		Tainted:  true,
	}
	snap := Reconcile("pos-1", in, reconcileNow)

	if snap.Health != domain.HealthStale {
		t.Fatalf("overall=%v want=stale while tainted", snap.Health)
	}
	// The previous valid value is still served.
	if snap.Mid != 2.50 {
		t.Fatalf("mid=%v want=2.50", snap.Mid)
	}
}

func TestReconcile_SpreadGuard(t *testing.T) {
	c := staticContract()
	c.Bid, c.Ask, c.Mid = 0, 0, 0
	snap := Reconcile("pos-1", Inputs{Contract: c}, reconcileNow)
	if snap.SpreadPercent != 0 {
		t.Fatalf("spread=%v want=0 when mid<=0", snap.SpreadPercent)
	}

	snap = Reconcile("pos-1", Inputs{
		Contract: staticContract(),
		WSQuote:  &domain.QuoteSample{Bid: 1.90, Ask: 2.10, Mid: 2.00, Source: domain.SourceWebsocket, At: reconcileNow},
	}, reconcileNow)
	if !almostEqual(snap.SpreadPercent, 10.0) {
		t.Fatalf("spread=%v want=10", snap.SpreadPercent)
	}
}

func TestReconcile_MidDerivedFromBidAsk(t *testing.T) {
	snap := Reconcile("pos-1", Inputs{
		Contract: staticContract(),
		WSQuote:  &domain.QuoteSample{Bid: 2.00, Ask: 2.20, Source: domain.SourceWebsocket, At: reconcileNow},
	}, reconcileNow)
	if !almostEqual(snap.Mid, 2.10) {
		t.Fatalf("mid=%v want midpoint 2.10", snap.Mid)
	}
}

func TestReconcile_UnderlyingKeepsLastKnown(t *testing.T) {
	in := Inputs{
		Contract: staticContract(),
		Underlying: &domain.UnderlyingSample{
			Price:         580.5,
			ChangePercent: -0.4,
			Source:        domain.SourceREST,
			At:            reconcileNow.Add(-10 * time.Minute),
		},
	}
	snap := Reconcile("pos-1", in, reconcileNow)

	if snap.UnderlyingPrice != 580.5 {
		t.Fatalf("underlying=%v want last-known 580.5", snap.UnderlyingPrice)
	}
	if snap.UnderlyingHealth != domain.HealthStale {
		t.Fatalf("underlying health=%v want=stale", snap.UnderlyingHealth)
	}
}
