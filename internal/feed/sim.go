package feed

import (
	"context"
	"hash/fnv"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/desklab/optiondesk/internal/domain"
)

// Simulator stands in for the vendor in sim mode. It honors the same
// Watch/Unwatch contract as the stream manager and emits a plausible random
// walk for every watched key, seeded from contract statics when available.
type Simulator struct {
	logger *slog.Logger
	sink   SampleSink
	tick   time.Duration

	mu        sync.Mutex
	contracts map[string]*simContract
	tickers   map[string]*simTicker
}

type simContract struct {
	refs   int
	rng    *rand.Rand
	mid    float64
	iv     float64
	greeks domain.Greeks
}

type simTicker struct {
	refs    int
	rng     *rand.Rand
	open    float64
	price   float64
	callVol float64
	putVol  float64
}

func NewSimulator(sink SampleSink, tick time.Duration, logger *slog.Logger) *Simulator {
	if tick <= 0 {
		tick = time.Second
	}
	return &Simulator{
		logger:    logger.With(slog.String("component", "feed_sim")),
		sink:      sink,
		tick:      tick,
		contracts: make(map[string]*simContract),
		tickers:   make(map[string]*simTicker),
	}
}

// Seed primes the walk for a contract from its static snapshot so sim
// valuations start where the loaded position left off. Watching an unseeded
// symbol still works; the walk then starts from hashed defaults.
func (s *Simulator) Seed(contract domain.Contract) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sc := s.contracts[contract.Symbol]
	if sc == nil {
		sc = newSimContract(contract.Symbol)
		s.contracts[contract.Symbol] = sc
	}
	if contract.Mid > 0 {
		sc.mid = contract.Mid
	}
	if contract.IV > 0 {
		sc.iv = contract.IV
	}
	if contract.Greeks != (domain.Greeks{}) {
		sc.greeks = contract.Greeks
	}
}

// Watch activates emission for the contract and its underlying.
func (s *Simulator) Watch(ctx context.Context, contractSymbol, ticker string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sc := s.contracts[contractSymbol]
	if sc == nil {
		sc = newSimContract(contractSymbol)
		s.contracts[contractSymbol] = sc
	}
	sc.refs++

	st := s.tickers[ticker]
	if st == nil {
		st = newSimTicker(ticker)
		s.tickers[ticker] = st
	}
	st.refs++
	return nil
}

func (s *Simulator) Unwatch(ctx context.Context, contractSymbol, ticker string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sc := s.contracts[contractSymbol]; sc != nil {
		sc.refs--
		if sc.refs <= 0 {
			delete(s.contracts, contractSymbol)
		}
	}
	if st := s.tickers[ticker]; st != nil {
		st.refs--
		if st.refs <= 0 {
			delete(s.tickers, ticker)
		}
	}
	return nil
}

// Run emits one round of samples per tick until the context is cancelled.
func (s *Simulator) Run(ctx context.Context) error {
	s.logger.InfoContext(ctx, "simulator started", slog.Duration("tick", s.tick))
	s.sink.SetFeedConnected(true)
	defer s.sink.SetFeedConnected(false)

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.InfoContext(ctx, "simulator stopped")
			return ctx.Err()
		case <-ticker.C:
			s.step(time.Now().UTC())
		}
	}
}

// step advances every watched walk by one tick and pushes the samples.
func (s *Simulator) step(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for sym, sc := range s.contracts {
		sc.mid *= 1 + (sc.rng.Float64()-0.5)*0.02
		if sc.mid < 0.01 {
			sc.mid = 0.01
		}
		spread := sc.mid * 0.02
		if spread < 0.01 {
			spread = 0.01
		}
		s.sink.HandleQuote(sym, domain.QuoteSample{
			Bid:    sc.mid - spread/2,
			Ask:    sc.mid + spread/2,
			Mid:    sc.mid,
			Source: domain.SourceWebsocket,
			At:     now,
		})

		sc.iv *= 1 + (sc.rng.Float64()-0.5)*0.01
		if sc.iv < 0.01 {
			sc.iv = 0.01
		}
		sc.greeks = jitterGreeks(sc.greeks, sc.rng)
		s.sink.HandleGreeks(sym, domain.GreeksSample{
			Greeks: sc.greeks,
			IV:     sc.iv,
			Source: domain.SourceWebsocket,
			At:     now,
		})
	}

	for tk, st := range s.tickers {
		st.price *= 1 + (st.rng.Float64()-0.5)*0.004
		if st.price < 0.01 {
			st.price = 0.01
		}
		s.sink.HandleUnderlying(tk, domain.UnderlyingSample{
			Price:         st.price,
			ChangePercent: (st.price - st.open) / st.open * 100,
			Source:        domain.SourceWebsocket,
			At:            now,
		})

		st.callVol += float64(st.rng.Intn(300))
		st.putVol += float64(st.rng.Intn(200))
		s.sink.HandleFlow(tk, domain.FlowSample{
			CallVolume: st.callVol,
			PutVolume:  st.putVol,
			Source:     domain.SourceWebsocket,
			At:         now,
		})
	}
}

func newSimContract(symbol string) *simContract {
	h := hashSeed(symbol)
	return &simContract{
		rng:    rand.New(rand.NewSource(int64(h))),
		mid:    0.50 + float64(h%400)/100,
		iv:     0.30,
		greeks: domain.Greeks{Delta: 0.5, Gamma: 0.05, Theta: -0.05, Vega: 0.10},
	}
}

func newSimTicker(ticker string) *simTicker {
	h := hashSeed(ticker)
	base := 50 + float64(h%450)
	return &simTicker{
		rng:   rand.New(rand.NewSource(int64(h))),
		open:  base,
		price: base,
	}
}

// jitterGreeks nudges each sensitivity by a few percent of its magnitude,
// keeping signs and the delta bound intact.
func jitterGreeks(g domain.Greeks, rng *rand.Rand) domain.Greeks {
	nudge := func(v float64) float64 {
		if v == 0 {
			return (rng.Float64() - 0.5) * 0.002
		}
		return v * (1 + (rng.Float64()-0.5)*0.04)
	}
	g.Delta = nudge(g.Delta)
	if g.Delta > 1 {
		g.Delta = 1
	}
	if g.Delta < -1 {
		g.Delta = -1
	}
	g.Gamma = nudge(g.Gamma)
	g.Theta = nudge(g.Theta)
	g.Vega = nudge(g.Vega)
	return g
}

func hashSeed(s string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(s))
	return h.Sum32()
}
