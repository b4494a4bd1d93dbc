// Package feed connects the vendor clients to the valuation engine. The
// manager refcounts per-contract stream subscriptions, the poller fetches
// REST fallbacks for every watched key, and the simulator synthesizes
// traffic when no vendor is configured.
package feed

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/desklab/optiondesk/internal/domain"
	"github.com/desklab/optiondesk/internal/platform/marketfeed"
)

// SampleSink receives every sample the feed layer produces. The engine
// implements it.
type SampleSink interface {
	HandleQuote(contractSymbol string, s domain.QuoteSample)
	HandleGreeks(contractSymbol string, s domain.GreeksSample)
	HandleUnderlying(ticker string, s domain.UnderlyingSample)
	HandleFlow(ticker string, s domain.FlowSample)
	SetFeedConnected(up bool)
}

// StreamClient is the stream surface the manager needs. *marketfeed.WSClient
// implements it.
type StreamClient interface {
	Subscribe(ctx context.Context, channel string, symbols []string) error
	Unsubscribe(ctx context.Context, channel string, symbols []string) error
	OnQuote(h marketfeed.QuoteHandler)
	OnGreeks(h marketfeed.GreeksHandler)
	OnUnderlying(h marketfeed.UnderlyingHandler)
	OnStateChange(h marketfeed.StateHandler)
}

// Manager owns the stream subscriptions for the tracked-position set.
// Several positions on one contract or one underlying share a single vendor
// subscription; the manager refcounts keys so the last release unsubscribes.
type Manager struct {
	logger *slog.Logger
	ws     StreamClient

	mu        sync.Mutex
	contracts map[string]int
	tickers   map[string]int
}

// NewManager wires the stream client's handlers into the sink and returns
// the subscription manager.
func NewManager(ws StreamClient, sink SampleSink, logger *slog.Logger) *Manager {
	ws.OnQuote(sink.HandleQuote)
	ws.OnGreeks(sink.HandleGreeks)
	ws.OnUnderlying(sink.HandleUnderlying)
	ws.OnStateChange(sink.SetFeedConnected)

	return &Manager{
		logger:    logger.With(slog.String("component", "feed_manager")),
		ws:        ws,
		contracts: make(map[string]int),
		tickers:   make(map[string]int),
	}
}

// Watch subscribes the contract's quote and Greeks channels and the
// underlying's trade channel, unless another position already holds them.
func (m *Manager) Watch(ctx context.Context, contractSymbol, ticker string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.contracts[contractSymbol] == 0 {
		if err := m.ws.Subscribe(ctx, marketfeed.ChannelQuotes, []string{contractSymbol}); err != nil {
			return fmt.Errorf("feed: watch quotes %s: %w", contractSymbol, err)
		}
		if err := m.ws.Subscribe(ctx, marketfeed.ChannelGreeks, []string{contractSymbol}); err != nil {
			return fmt.Errorf("feed: watch greeks %s: %w", contractSymbol, err)
		}
	}
	m.contracts[contractSymbol]++

	if m.tickers[ticker] == 0 {
		if err := m.ws.Subscribe(ctx, marketfeed.ChannelUnderlying, []string{ticker}); err != nil {
			// Roll the contract count back so a retry re-subscribes cleanly.
			m.contracts[contractSymbol]--
			return fmt.Errorf("feed: watch underlying %s: %w", ticker, err)
		}
	}
	m.tickers[ticker]++

	m.logger.DebugContext(ctx, "feed watch",
		slog.String("contract", contractSymbol),
		slog.String("ticker", ticker),
		slog.Int("contract_refs", m.contracts[contractSymbol]),
		slog.Int("ticker_refs", m.tickers[ticker]),
	)
	return nil
}

// Unwatch drops one reference; the vendor subscription ends when the last
// holder releases.
func (m *Manager) Unwatch(ctx context.Context, contractSymbol, ticker string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if n := m.contracts[contractSymbol]; n > 0 {
		m.contracts[contractSymbol] = n - 1
		if n == 1 {
			delete(m.contracts, contractSymbol)
			if err := m.ws.Unsubscribe(ctx, marketfeed.ChannelQuotes, []string{contractSymbol}); err != nil {
				return fmt.Errorf("feed: unwatch quotes %s: %w", contractSymbol, err)
			}
			if err := m.ws.Unsubscribe(ctx, marketfeed.ChannelGreeks, []string{contractSymbol}); err != nil {
				return fmt.Errorf("feed: unwatch greeks %s: %w", contractSymbol, err)
			}
		}
	}

	if n := m.tickers[ticker]; n > 0 {
		m.tickers[ticker] = n - 1
		if n == 1 {
			delete(m.tickers, ticker)
			if err := m.ws.Unsubscribe(ctx, marketfeed.ChannelUnderlying, []string{ticker}); err != nil {
				return fmt.Errorf("feed: unwatch underlying %s: %w", ticker, err)
			}
		}
	}

	return nil
}

// Watched returns the currently subscribed contract symbols and underlying
// tickers. The poller uses it as its work list.
func (m *Manager) Watched() (contracts, tickers []string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	contracts = make([]string, 0, len(m.contracts))
	for sym := range m.contracts {
		contracts = append(contracts, sym)
	}
	tickers = make([]string, 0, len(m.tickers))
	for tk := range m.tickers {
		tickers = append(tickers, tk)
	}
	return contracts, tickers
}
