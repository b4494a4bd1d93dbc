package domain

import (
	"math"
	"time"
)

// SampleSource tags where a feed sample came from. Static samples are
// synthesized from the contract snapshot and only appear as fallbacks.
type SampleSource string

const (
	SourceWebsocket SampleSource = "websocket"
	SourceREST      SampleSource = "rest"
	SourceStatic    SampleSource = "static"
)

// QuoteSample is one observation from the contract quote feed.
type QuoteSample struct {
	Bid    float64
	Ask    float64
	Mid    float64
	Source SampleSource
	At     time.Time
}

// Valid reports whether the sample is well-formed. Non-finite or negative
// prices are malformed input and must be rejected before they reach a
// reconciler's state.
func (s QuoteSample) Valid() bool {
	return finiteNonNegative(s.Bid) && finiteNonNegative(s.Ask) && finiteNonNegative(s.Mid)
}

// GreeksSample is one observation from the Greeks feed.
type GreeksSample struct {
	Greeks Greeks
	IV     float64
	Source SampleSource
	At     time.Time
}

// Valid reports whether the sample is well-formed. Greeks may legitimately
// be negative; only non-finite values and negative IV are malformed.
func (s GreeksSample) Valid() bool {
	return finite(s.Greeks.Delta) && finite(s.Greeks.Gamma) &&
		finite(s.Greeks.Theta) && finite(s.Greeks.Vega) &&
		finiteNonNegative(s.IV)
}

// UnderlyingSample is one observation from the underlying price feed.
type UnderlyingSample struct {
	Price         float64
	ChangePercent float64
	Source        SampleSource
	At            time.Time
}

// Valid reports whether the sample is well-formed.
func (s UnderlyingSample) Valid() bool {
	return finiteNonNegative(s.Price) && finite(s.ChangePercent)
}

// FlowSample is one observation from the order-flow sentiment feed:
// session call and put volume for an underlying.
type FlowSample struct {
	CallVolume float64
	PutVolume  float64
	Source     SampleSource
	At         time.Time
}

// Valid reports whether the sample is well-formed.
func (s FlowSample) Valid() bool {
	return finiteNonNegative(s.CallVolume) && finiteNonNegative(s.PutVolume)
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

func finiteNonNegative(v float64) bool {
	return finite(v) && v >= 0
}
