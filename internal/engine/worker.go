package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/desklab/optiondesk/internal/domain"
)

const workerInbox = 64

// Publisher receives every derived-state change the engine produces. The
// app wires a bus+cache backed implementation; tests use NopPublisher.
type Publisher interface {
	PublishValuation(ctx context.Context, ev domain.ValuationEvent)
	PublishPortfolio(ctx context.Context, ev domain.PortfolioEvent)
	PublishHealth(ctx context.Context, ev domain.HealthEvent)
}

// NopPublisher discards everything.
type NopPublisher struct{}

func (NopPublisher) PublishValuation(context.Context, domain.ValuationEvent) {}
func (NopPublisher) PublishPortfolio(context.Context, domain.PortfolioEvent) {}
func (NopPublisher) PublishHealth(context.Context, domain.HealthEvent)       {}

type msgKind int

const (
	msgQuote msgKind = iota
	msgGreeks
	msgUnderlying
	msgFlow
	msgRecord
	msgSweep
)

type workerMsg struct {
	kind   msgKind
	quote  domain.QuoteSample
	greeks domain.GreeksSample
	under  domain.UnderlyingSample
	flow   domain.FlowSample
	pos    *domain.Position
}

// worker is the single logical owner of one position's market state. All
// mutation happens on its run goroutine via the inbox; reads derive a fresh
// view under the lock at the caller's clock, so staleness is never frozen
// into a cached result.
type worker struct {
	id          string
	contractSym string // immutable for the worker's lifetime
	ticker      string
	logger      *slog.Logger
	agg         *Aggregator
	pub         Publisher
	cal         SessionCalendar
	clock       func() time.Time

	inbox chan workerMsg
	done  chan struct{}

	mu          sync.RWMutex
	pos         domain.Position
	wsQuote     *domain.QuoteSample
	restQuote   *domain.QuoteSample
	wsGreeks    *domain.GreeksSample
	restGreeks  *domain.GreeksSample
	underlying  *domain.UnderlyingSample
	flow        *domain.FlowSample
	taintQuote  bool
	taintGreeks bool
	taintUnder  bool
	prevHealth  domain.FeedHealth
}

func newWorker(pos domain.Position, agg *Aggregator, pub Publisher, cal SessionCalendar, clock func() time.Time, logger *slog.Logger) *worker {
	return &worker{
		id:          pos.ID,
		contractSym: pos.Contract.Symbol,
		ticker:      pos.Ticker,
		logger:      logger.With(slog.String("component", "worker"), slog.String("position_id", pos.ID)),
		agg:         agg,
		pub:         pub,
		cal:         cal,
		clock:       clock,
		inbox:       make(chan workerMsg, workerInbox),
		done:        make(chan struct{}),
		pos:         pos,
	}
}

// run owns all state mutation. The first pass computes a snapshot from the
// static contract alone so a just-tracked position is immediately readable.
func (w *worker) run(ctx context.Context) {
	defer close(w.done)

	w.recompute(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-w.inbox:
			if w.apply(msg) {
				w.recompute(ctx)
			}
		}
	}
}

// apply folds one message into the worker state, returning false when the
// message changed nothing worth recomputing for.
func (w *worker) apply(msg workerMsg) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	switch msg.kind {
	case msgQuote:
		s := msg.quote
		if !s.Valid() {
			w.taintQuote = true
			w.logger.Warn("malformed quote sample rejected",
				slog.Float64("bid", s.Bid), slog.Float64("ask", s.Ask), slog.Float64("mid", s.Mid))
			return true
		}
		slot := &w.restQuote
		if s.Source == domain.SourceWebsocket {
			slot = &w.wsQuote
		}
		if *slot != nil && (*slot).At.After(s.At) {
			return false // late arrival, superseded already
		}
		*slot = &s
		w.taintQuote = false

	case msgGreeks:
		s := msg.greeks
		if !s.Valid() {
			w.taintGreeks = true
			w.logger.Warn("malformed greeks sample rejected")
			return true
		}
		slot := &w.restGreeks
		if s.Source == domain.SourceWebsocket {
			slot = &w.wsGreeks
		}
		if *slot != nil && (*slot).At.After(s.At) {
			return false
		}
		*slot = &s
		w.taintGreeks = false

	case msgUnderlying:
		s := msg.under
		if !s.Valid() {
			w.taintUnder = true
			w.logger.Warn("malformed underlying sample rejected", slog.Float64("price", s.Price))
			return true
		}
		if w.underlying != nil && w.underlying.At.After(s.At) {
			return false
		}
		w.underlying = &s
		w.taintUnder = false

	case msgFlow:
		s := msg.flow
		if !s.Valid() {
			w.logger.Warn("malformed flow sample dropped")
			return false
		}
		if w.flow != nil && w.flow.At.After(s.At) {
			return false
		}
		w.flow = &s

	case msgRecord:
		if msg.pos != nil {
			w.pos = *msg.pos
		}

	case msgSweep:
		// evaluation-clock tick: recompute so health decay surfaces on
		// the push path even while feeds are silent.
	}

	return true
}

// recompute derives the full valuation at the current clock and publishes
// it: aggregator report (entered positions only), valuation event, and a
// health event on transitions.
func (w *worker) recompute(ctx context.Context) {
	w.mu.Lock()
	now := w.clock()
	ev := w.computeLocked(now)
	prev := w.prevHealth
	w.prevHealth = ev.Snapshot.Health
	entered := w.pos.Entered()
	ticker := w.pos.Ticker
	w.mu.Unlock()

	if entered {
		w.agg.Report(ctx, w.id, ev.Accounting.BlendedPercent)
	}

	w.pub.PublishValuation(ctx, ev)

	if prev != "" && prev != ev.Snapshot.Health {
		w.pub.PublishHealth(ctx, domain.HealthEvent{
			PositionID: w.id,
			Ticker:     ticker,
			Previous:   prev,
			Current:    ev.Snapshot.Health,
			At:         now,
		})
	}
}

// computeLocked builds the derived state at the given clock. Callers hold
// w.mu in at least read mode.
func (w *worker) computeLocked(now time.Time) domain.ValuationEvent {
	in := Inputs{
		Contract:   w.pos.Contract,
		WSQuote:    w.wsQuote,
		RESTQuote:  w.restQuote,
		WSGreeks:   w.wsGreeks,
		RESTGreeks: w.restGreeks,
		Underlying: w.underlying,
		Tainted:    w.taintQuote || w.taintGreeks || w.taintUnder,
	}

	snap := Reconcile(w.id, in, now)
	acc := Account(w.pos, snap.Mid)
	risk := ComputeRisk(w.pos, snap, now, w.cal)
	flow := ClassifyFlow(w.pos.Contract, w.flow, acc.BlendedPercent, now)

	return domain.ValuationEvent{
		PositionID: w.id,
		Snapshot:   snap,
		Accounting: acc,
		Risk:       risk,
		Flow:       flow,
		At:         now,
	}
}

// current computes a fresh view for the read path.
func (w *worker) current(now time.Time) domain.ValuationEvent {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.computeLocked(now)
}

// enqueue delivers a message without blocking the feed path; a full inbox
// drops the message, which is safe for samples because the next arrival
// supersedes it.
func (w *worker) enqueue(msg workerMsg) {
	select {
	case w.inbox <- msg:
	default:
		w.logger.Debug("inbox full, message dropped", slog.Int("kind", int(msg.kind)))
	}
}

// enqueueRecord delivers a position-record refresh. Lifecycle changes must
// not be dropped, so this blocks until accepted or the context ends.
func (w *worker) enqueueRecord(ctx context.Context, pos domain.Position) {
	select {
	case w.inbox <- workerMsg{kind: msgRecord, pos: &pos}:
	case <-ctx.Done():
	}
}
