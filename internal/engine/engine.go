package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/desklab/optiondesk/internal/domain"
)

const defaultSweepInterval = 2 * time.Second

// ErrNotRunning is returned by Track before Run has started the engine.
// Callers that race engine startup (resuming positions after a restart)
// retry on it.
var ErrNotRunning = errors.New("engine: not running")

// FeedSubscriber is notified as positions enter and leave the tracked set
// so the feed layer can manage vendor subscriptions. Implementations
// refcount shared keys (several positions on one underlying).
type FeedSubscriber interface {
	Watch(ctx context.Context, contractSymbol, ticker string) error
	Unwatch(ctx context.Context, contractSymbol, ticker string) error
}

// NopSubscriber ignores subscription changes (sim and test wiring).
type NopSubscriber struct{}

func (NopSubscriber) Watch(context.Context, string, string) error   { return nil }
func (NopSubscriber) Unwatch(context.Context, string, string) error { return nil }

// Config carries the engine's tunables.
type Config struct {
	Mode          string
	SweepInterval time.Duration    // evaluation-clock tick; default 2s
	Clock         func() time.Time // test hook; default time.Now
}

// Engine owns the tracked-position set: one worker per open position,
// sample routing from the feed layer into workers, the portfolio
// aggregator, and the periodic evaluation-clock sweep.
type Engine struct {
	logger *slog.Logger
	cfg    Config
	agg    *Aggregator
	pub    Publisher
	cal    SessionCalendar
	subs   FeedSubscriber

	feedUp atomic.Bool

	mu         sync.RWMutex
	runCtx     context.Context
	started    time.Time
	workers    map[string]*worker
	cancels    map[string]context.CancelFunc
	byContract map[string]map[string]*worker
	byTicker   map[string]map[string]*worker
	wg         sync.WaitGroup
}

// New creates an Engine. pub and subs may be nil; no-op implementations
// are substituted.
func New(cfg Config, pub Publisher, cal SessionCalendar, subs FeedSubscriber, logger *slog.Logger) *Engine {
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if pub == nil {
		pub = NopPublisher{}
	}
	if subs == nil {
		subs = NopSubscriber{}
	}

	e := &Engine{
		logger:     logger.With(slog.String("component", "engine")),
		cfg:        cfg,
		pub:        pub,
		cal:        cal,
		subs:       subs,
		workers:    make(map[string]*worker),
		cancels:    make(map[string]context.CancelFunc),
		byContract: make(map[string]map[string]*worker),
		byTicker:   make(map[string]map[string]*worker),
	}
	e.agg = NewAggregator(func(agg domain.PortfolioAggregate) {
		e.pub.PublishPortfolio(e.publishCtx(), domain.PortfolioEvent{Aggregate: agg, At: agg.ComputedAt})
	}, logger)
	return e
}

// Run drives the aggregator and the evaluation-clock sweep until the
// context is cancelled, then stops every worker.
func (e *Engine) Run(ctx context.Context) error {
	e.mu.Lock()
	e.runCtx = ctx
	e.started = e.cfg.Clock()
	e.mu.Unlock()

	e.logger.InfoContext(ctx, "engine started",
		slog.String("mode", e.cfg.Mode),
		slog.Duration("sweep_interval", e.cfg.SweepInterval),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.agg.Run(gctx) })
	g.Go(func() error { return e.sweepLoop(gctx) })

	err := g.Wait()
	e.stopAll()
	e.logger.Info("engine stopped")
	return err
}

// Track starts (or refreshes) valuation for a position. Tracking an
// already-tracked id delivers the updated record to its worker instead.
func (e *Engine) Track(ctx context.Context, pos domain.Position) error {
	if !pos.Open() {
		return domain.ErrPositionClosed
	}

	e.mu.Lock()
	if e.runCtx == nil {
		e.mu.Unlock()
		return ErrNotRunning
	}
	if w, ok := e.workers[pos.ID]; ok {
		e.mu.Unlock()
		w.enqueueRecord(ctx, pos)
		return nil
	}

	w := newWorker(pos, e.agg, e.pub, e.cal, e.cfg.Clock, e.logger)
	wctx, cancel := context.WithCancel(e.runCtx)
	e.workers[pos.ID] = w
	e.cancels[pos.ID] = cancel
	indexAdd(e.byContract, pos.Contract.Symbol, w)
	indexAdd(e.byTicker, pos.Ticker, w)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		w.run(wctx)
	}()
	e.mu.Unlock()

	if err := e.subs.Watch(ctx, pos.Contract.Symbol, pos.Ticker); err != nil {
		e.logger.WarnContext(ctx, "feed watch failed",
			slog.String("position_id", pos.ID),
			slog.String("contract", pos.Contract.Symbol),
			slog.String("error", err.Error()),
		)
	}

	e.logger.InfoContext(ctx, "position tracked",
		slog.String("position_id", pos.ID),
		slog.String("ticker", pos.Ticker),
		slog.String("contract", pos.Contract.Symbol),
	)
	return nil
}

// Release tears a position down: worker stopped, indexes cleared, feed
// subscriptions released, and the aggregator key removed. The aggregator
// drop happens after the worker has fully stopped, so no new report can
// follow it, and its tombstone absorbs any still-buffered ones.
func (e *Engine) Release(ctx context.Context, positionID string) error {
	e.mu.Lock()
	w, ok := e.workers[positionID]
	if !ok {
		e.mu.Unlock()
		return domain.ErrNotTracked
	}
	cancel := e.cancels[positionID]
	contract := w.contractSym
	ticker := w.ticker
	delete(e.workers, positionID)
	delete(e.cancels, positionID)
	indexRemove(e.byContract, contract, positionID)
	indexRemove(e.byTicker, ticker, positionID)
	e.mu.Unlock()

	cancel()
	<-w.done

	e.agg.Drop(positionID)

	if err := e.subs.Unwatch(ctx, contract, ticker); err != nil {
		e.logger.WarnContext(ctx, "feed unwatch failed",
			slog.String("position_id", positionID),
			slog.String("error", err.Error()),
		)
	}

	e.logger.InfoContext(ctx, "position released", slog.String("position_id", positionID))
	return nil
}

// UpdateRecord delivers a refreshed position record (new lifecycle events,
// moved stops) to its worker.
func (e *Engine) UpdateRecord(ctx context.Context, pos domain.Position) error {
	e.mu.RLock()
	w, ok := e.workers[pos.ID]
	e.mu.RUnlock()
	if !ok {
		return domain.ErrNotTracked
	}
	w.enqueueRecord(ctx, pos)
	return nil
}

// HandleQuote routes a contract quote sample to every position on that
// contract.
func (e *Engine) HandleQuote(contractSymbol string, s domain.QuoteSample) {
	for _, w := range e.lookup(e.byContract, contractSymbol) {
		w.enqueue(workerMsg{kind: msgQuote, quote: s})
	}
}

// HandleGreeks routes a Greeks sample to every position on that contract.
func (e *Engine) HandleGreeks(contractSymbol string, s domain.GreeksSample) {
	for _, w := range e.lookup(e.byContract, contractSymbol) {
		w.enqueue(workerMsg{kind: msgGreeks, greeks: s})
	}
}

// HandleUnderlying routes an underlying price sample to every position on
// that ticker.
func (e *Engine) HandleUnderlying(ticker string, s domain.UnderlyingSample) {
	for _, w := range e.lookup(e.byTicker, ticker) {
		w.enqueue(workerMsg{kind: msgUnderlying, under: s})
	}
}

// HandleFlow routes an order-flow sample to every position on that ticker.
func (e *Engine) HandleFlow(ticker string, s domain.FlowSample) {
	for _, w := range e.lookup(e.byTicker, ticker) {
		w.enqueue(workerMsg{kind: msgFlow, flow: s})
	}
}

// Valuation returns the full derived state for a tracked position,
// computed fresh at the evaluation clock.
func (e *Engine) Valuation(positionID string) (domain.ValuationEvent, error) {
	e.mu.RLock()
	w, ok := e.workers[positionID]
	e.mu.RUnlock()
	if !ok {
		return domain.ValuationEvent{}, domain.ErrNotTracked
	}
	return w.current(e.cfg.Clock()), nil
}

// Aggregate returns the live portfolio view.
func (e *Engine) Aggregate() domain.PortfolioAggregate {
	return e.agg.Aggregate()
}

// SetFeedConnected records feed connectivity for the status endpoint.
func (e *Engine) SetFeedConnected(up bool) {
	e.feedUp.Store(up)
}

// Status summarizes the engine for /api/status and the hub hello.
func (e *Engine) Status() domain.EngineStatus {
	e.mu.RLock()
	tracked := len(e.workers)
	started := e.started
	e.mu.RUnlock()

	uptime := int64(0)
	if !started.IsZero() {
		uptime = int64(e.cfg.Clock().Sub(started).Seconds())
	}

	return domain.EngineStatus{
		Mode:             e.cfg.Mode,
		FeedConnected:    e.feedUp.Load(),
		TrackedPositions: tracked,
		UptimeSeconds:    uptime,
	}
}

// sweepLoop delivers the evaluation clock to every worker so staleness
// transitions surface without new samples.
func (e *Engine) sweepLoop(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			e.mu.RLock()
			ws := make([]*worker, 0, len(e.workers))
			for _, w := range e.workers {
				ws = append(ws, w)
			}
			e.mu.RUnlock()
			for _, w := range ws {
				w.enqueue(workerMsg{kind: msgSweep})
			}
		}
	}
}

func (e *Engine) stopAll() {
	e.mu.Lock()
	for id, cancel := range e.cancels {
		cancel()
		delete(e.cancels, id)
		delete(e.workers, id)
	}
	e.byContract = make(map[string]map[string]*worker)
	e.byTicker = make(map[string]map[string]*worker)
	e.mu.Unlock()
	e.wg.Wait()
}

func (e *Engine) publishCtx() context.Context {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.runCtx != nil {
		return e.runCtx
	}
	return context.Background()
}

func (e *Engine) lookup(index map[string]map[string]*worker, key string) []*worker {
	e.mu.RLock()
	defer e.mu.RUnlock()
	set := index[key]
	if len(set) == 0 {
		return nil
	}
	out := make([]*worker, 0, len(set))
	for _, w := range set {
		out = append(out, w)
	}
	return out
}

func indexAdd(index map[string]map[string]*worker, key string, w *worker) {
	set, ok := index[key]
	if !ok {
		set = make(map[string]*worker)
		index[key] = set
	}
	set[w.id] = w
}

func indexRemove(index map[string]map[string]*worker, key, id string) {
	if set, ok := index[key]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(index, key)
		}
	}
}
