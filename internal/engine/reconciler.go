// Package engine is the valuation core: it fuses contract quotes, Greeks,
// underlying prices, and order-flow sentiment into per-position valuation
// snapshots, accounts for partial exits, derives risk and time metrics, and
// fans per-position P&L into a portfolio aggregate. One worker goroutine owns
// each position's state; every derived figure is a pure function of the
// inputs captured at evaluation time.
package engine

import (
	"time"

	"github.com/desklab/optiondesk/internal/domain"
)

// Inputs is everything a reconciliation pass reads: the static contract
// snapshot plus the last-known sample per feed kind and source. Nil samples
// mean the feed has never produced a valid value. Tainted is set while the
// most recent arrival on any valuation feed was malformed and rejected.
type Inputs struct {
	Contract domain.Contract

	WSQuote    *domain.QuoteSample
	RESTQuote  *domain.QuoteSample
	WSGreeks   *domain.GreeksSample
	RESTGreeks *domain.GreeksSample
	Underlying *domain.UnderlyingSample

	Tainted bool
}

// Reconcile produces the canonical ValuationSnapshot for one position at
// the given evaluation clock. It never fails: missing data falls through
// the source-precedence chain and degrades health instead of erroring.
func Reconcile(positionID string, in Inputs, now time.Time) domain.ValuationSnapshot {
	snap := domain.ValuationSnapshot{
		PositionID: positionID,
		ComputedAt: now,
	}

	resolveQuote(&snap, in, now)
	resolveGreeks(&snap, in, now)
	resolveUnderlying(&snap, in)

	snap.QuoteHealth = quoteHealth(in, now)
	snap.GreeksHealth = greeksHealth(in, now)
	snap.UnderlyingHealth = sampleHealth(sampleAt(in.Underlying), now)

	snap.Health = snap.QuoteHealth.Worse(snap.GreeksHealth).Worse(snap.UnderlyingHealth)
	if in.Tainted {
		snap.Health = domain.HealthStale
	}

	// Expiry suppresses health reporting entirely; per-feed values stay
	// visible so operators can still see which feeds are alive.
	if in.Contract.Expired(now) {
		snap.Expired = true
		snap.Health = domain.HealthExpired
	}

	snap.SpreadPercent = spreadPercent(snap.Bid, snap.Ask, snap.Mid)
	return snap
}

// resolveQuote applies the price precedence chain: fresh websocket sample,
// else the newest usable sample within the degraded window, else the static
// contract values.
func resolveQuote(snap *domain.ValuationSnapshot, in Inputs, now time.Time) {
	if s := in.WSQuote; s != nil && now.Sub(s.At) < domain.FreshWindow {
		snap.Bid, snap.Ask, snap.Mid = s.Bid, s.Ask, effectiveMid(s.Bid, s.Ask, s.Mid)
		snap.PriceSource = domain.PriceSourceLive
		return
	}
	if s := newestQuote(in.WSQuote, in.RESTQuote); s != nil && now.Sub(s.At) < domain.DegradedWindow {
		snap.Bid, snap.Ask, snap.Mid = s.Bid, s.Ask, effectiveMid(s.Bid, s.Ask, s.Mid)
		snap.PriceSource = domain.PriceSourceDelayed
		return
	}
	c := in.Contract
	snap.Bid, snap.Ask, snap.Mid = c.Bid, c.Ask, effectiveMid(c.Bid, c.Ask, c.Mid)
	snap.PriceSource = domain.PriceSourceSnapshot
}

// resolveGreeks applies the same precedence chain independently to Greeks,
// falling back to the contract's acquisition-time Greeks.
func resolveGreeks(snap *domain.ValuationSnapshot, in Inputs, now time.Time) {
	if s := in.WSGreeks; s != nil && now.Sub(s.At) < domain.FreshWindow {
		snap.Greeks, snap.IV = s.Greeks, s.IV
		snap.GreeksSource = domain.PriceSourceLive
		return
	}
	if s := newestGreeks(in.WSGreeks, in.RESTGreeks); s != nil && now.Sub(s.At) < domain.DegradedWindow {
		snap.Greeks, snap.IV = s.Greeks, s.IV
		snap.GreeksSource = domain.PriceSourceDelayed
		return
	}
	snap.Greeks, snap.IV = in.Contract.Greeks, in.Contract.IV
	snap.GreeksSource = domain.PriceSourceSnapshot
}

// resolveUnderlying has no static fallback: the last-known sample is used
// at any age, and absence leaves zero values with stale health.
func resolveUnderlying(snap *domain.ValuationSnapshot, in Inputs) {
	if s := in.Underlying; s != nil {
		snap.UnderlyingPrice = s.Price
		snap.UnderlyingChange = s.ChangePercent
	}
}

func quoteHealth(in Inputs, now time.Time) domain.FeedHealth {
	return sampleHealth(newerTime(sampleAtQ(in.WSQuote), sampleAtQ(in.RESTQuote)), now)
}

func greeksHealth(in Inputs, now time.Time) domain.FeedHealth {
	return sampleHealth(newerTime(sampleAtG(in.WSGreeks), sampleAtG(in.RESTGreeks)), now)
}

// sampleHealth classifies the newest arrival time for a feed kind. A zero
// time means the feed has never produced a valid sample.
func sampleHealth(at time.Time, now time.Time) domain.FeedHealth {
	if at.IsZero() {
		return domain.HealthStale
	}
	return domain.HealthForAge(now.Sub(at))
}

// effectiveMid prefers the feed's own mid, deriving the midpoint from
// bid/ask when the feed omits it.
func effectiveMid(bid, ask, mid float64) float64 {
	if mid > 0 {
		return mid
	}
	if bid > 0 && ask > 0 {
		return (bid + ask) / 2
	}
	return mid
}

// spreadPercent is guarded to 0 whenever the mid is not positive.
func spreadPercent(bid, ask, mid float64) float64 {
	if mid <= 0 {
		return 0
	}
	return (ask - bid) / mid * 100
}

func newestQuote(a, b *domain.QuoteSample) *domain.QuoteSample {
	if a == nil {
		return b
	}
	if b == nil || a.At.After(b.At) {
		return a
	}
	return b
}

func newestGreeks(a, b *domain.GreeksSample) *domain.GreeksSample {
	if a == nil {
		return b
	}
	if b == nil || a.At.After(b.At) {
		return a
	}
	return b
}

func sampleAt(s *domain.UnderlyingSample) time.Time {
	if s == nil {
		return time.Time{}
	}
	return s.At
}

func sampleAtQ(s *domain.QuoteSample) time.Time {
	if s == nil {
		return time.Time{}
	}
	return s.At
}

func sampleAtG(s *domain.GreeksSample) time.Time {
	if s == nil {
		return time.Time{}
	}
	return s.At
}

func newerTime(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}
