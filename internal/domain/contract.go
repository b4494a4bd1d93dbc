package domain

import "time"

// OptionType distinguishes calls from puts.
type OptionType string

const (
	OptionTypeCall OptionType = "call"
	OptionTypePut  OptionType = "put"
)

// Greeks are the option sensitivity measures as supplied by the feed.
// They are treated as opaque numbers; no pricing model lives in this system.
type Greeks struct {
	Delta float64
	Gamma float64
	Theta float64
	Vega  float64
}

// Contract is the immutable snapshot of an option contract taken when a
// trade is loaded. Quote fields hold the last values known at acquisition
// and serve as the lowest-priority valuation fallback.
type Contract struct {
	Symbol       string // OCC-style contract symbol, e.g. "SPY240621C00450000"
	Ticker       string // underlying ticker
	Strike       float64
	Expiry       time.Time // normalized to session close on the expiry date
	Type         OptionType
	Bid          float64
	Ask          float64
	Mid          float64
	Volume       int64
	OpenInterest int64
	IV           float64
	Greeks       Greeks
	FetchedAt    time.Time
}

// Expired reports whether the contract's expiry is in the past relative to
// the supplied evaluation clock.
func (c Contract) Expired(now time.Time) bool {
	return !c.Expiry.IsZero() && c.Expiry.Before(now)
}

// IsCall reports whether the contract is a call option.
func (c Contract) IsCall() bool {
	return c.Type == OptionTypeCall
}
