package engine

import (
	"testing"

	"github.com/desklab/optiondesk/internal/domain"
)

func callContract() domain.Contract {
	c := staticContract()
	c.Type = domain.OptionTypeCall
	return c
}

func putContract() domain.Contract {
	c := staticContract()
	c.Type = domain.OptionTypePut
	return c
}

func flowSample(callVol, putVol float64) *domain.FlowSample {
	return &domain.FlowSample{CallVolume: callVol, PutVolume: putVol, Source: domain.SourceREST, At: reconcileNow}
}

func TestClassifyFlow_AlignedLongBullish(t *testing.T) {
	// 750/(750+250) = 75: bullish tape, long call up 12% -> aligned.
	a := ClassifyFlow(callContract(), flowSample(750, 250), 12.0, reconcileNow)

	if !almostEqual(a.Score, 75.0) {
		t.Fatalf("score=%v want=75", a.Score)
	}
	if a.Stance != domain.FlowAligned {
		t.Fatalf("stance=%v want=aligned", a.Stance)
	}
}

func TestClassifyFlow_DivergentOverridesProfit(t *testing.T) {
	// Long call against a bearish tape is divergent even while profitable.
	a := ClassifyFlow(callContract(), flowSample(200, 800), 40.0, reconcileNow)
	if a.Stance != domain.FlowDivergent {
		t.Fatalf("stance=%v want=divergent", a.Stance)
	}

	// Short side mirrors: put against a bullish tape.
	a = ClassifyFlow(putContract(), flowSample(900, 100), 25.0, reconcileNow)
	if a.Stance != domain.FlowDivergent {
		t.Fatalf("stance=%v want=divergent", a.Stance)
	}
}

func TestClassifyFlow_ProfitGate(t *testing.T) {
	// Direction and flow agree but the trade is not working yet.
	tests := []struct {
		name string
		pnl  float64
		want domain.FlowStance
	}{
		{"flat", 0, domain.FlowNeutral},
		{"at gate", 1.0, domain.FlowNeutral},
		{"just over", 1.01, domain.FlowAligned},
		{"losing", -5, domain.FlowNeutral},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := ClassifyFlow(callContract(), flowSample(800, 200), tt.pnl, reconcileNow)
			if a.Stance != tt.want {
				t.Fatalf("pnl=%v stance=%v want=%v", tt.pnl, a.Stance, tt.want)
			}
		})
	}
}

func TestClassifyFlow_BandBoundaries(t *testing.T) {
	// Exactly 60 and exactly 40 are inside the mixed band.
	a := ClassifyFlow(callContract(), flowSample(60, 40), 10.0, reconcileNow)
	if a.Stance != domain.FlowNeutral {
		t.Fatalf("score=60 stance=%v want=neutral", a.Stance)
	}

	a = ClassifyFlow(callContract(), flowSample(40, 60), 10.0, reconcileNow)
	if a.Stance != domain.FlowNeutral {
		t.Fatalf("score=40 stance=%v want=neutral", a.Stance)
	}

	a = ClassifyFlow(putContract(), flowSample(40, 60), 10.0, reconcileNow)
	if a.Stance != domain.FlowNeutral {
		t.Fatalf("put score=40 stance=%v want=neutral", a.Stance)
	}
}

func TestClassifyFlow_NoVolumeDefaults(t *testing.T) {
	// Zero total volume scores a neutral 50.
	a := ClassifyFlow(callContract(), flowSample(0, 0), 20.0, reconcileNow)
	if !almostEqual(a.Score, 50.0) || a.Stance != domain.FlowNeutral {
		t.Fatalf("score=%v stance=%v want 50/neutral", a.Score, a.Stance)
	}

	// Missing sample behaves the same.
	a = ClassifyFlow(callContract(), nil, 20.0, reconcileNow)
	if !almostEqual(a.Score, 50.0) || a.Stance != domain.FlowNeutral {
		t.Fatalf("nil sample score=%v stance=%v want 50/neutral", a.Score, a.Stance)
	}
}

func TestClassifyFlow_PutAligned(t *testing.T) {
	// 100/(100+900) = 10: bearish tape, put up 8% -> aligned.
	a := ClassifyFlow(putContract(), flowSample(100, 900), 8.0, reconcileNow)

	if !almostEqual(a.Score, 10.0) {
		t.Fatalf("score=%v want=10", a.Score)
	}
	if a.Stance != domain.FlowAligned {
		t.Fatalf("stance=%v want=aligned", a.Stance)
	}
}
