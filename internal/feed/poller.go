package feed

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/desklab/optiondesk/internal/domain"
)

// SampleFetcher is the REST surface the poller needs. *marketfeed.DataClient
// implements it.
type SampleFetcher interface {
	GetQuote(ctx context.Context, symbol string) (domain.QuoteSample, error)
	GetGreeks(ctx context.Context, symbol string) (domain.GreeksSample, error)
	GetUnderlying(ctx context.Context, ticker string) (domain.UnderlyingSample, error)
	GetFlow(ctx context.Context, ticker string) (domain.FlowSample, error)
}

// WatchSet names the keys currently worth polling. *Manager implements it.
type WatchSet interface {
	Watched() (contracts, tickers []string)
}

// Poller fetches REST snapshots for every watched contract and underlying.
// It backstops the stream: when the socket drops or a symbol goes quiet the
// polled samples keep valuations inside the delayed window.
type Poller struct {
	logger  *slog.Logger
	fetcher SampleFetcher
	watch   WatchSet
	sink    SampleSink
}

func NewPoller(fetcher SampleFetcher, watch WatchSet, sink SampleSink, logger *slog.Logger) *Poller {
	return &Poller{
		logger:  logger.With(slog.String("component", "feed_poller")),
		fetcher: fetcher,
		watch:   watch,
		sink:    sink,
	}
}

// Run performs a single polling pass over the watch set. Per-key fetch
// failures are logged and skipped; the pass only aborts on context
// cancellation.
func (p *Poller) Run(ctx context.Context) error {
	start := time.Now()
	contracts, tickers := p.watch.Watched()

	var fetched, failed int
	for _, sym := range contracts {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("feed: polling pass aborted: %w", err)
		}
		if quote, err := p.fetcher.GetQuote(ctx, sym); err != nil {
			failed++
			p.logger.WarnContext(ctx, "quote poll failed", slog.String("contract", sym), slog.Any("error", err))
		} else {
			fetched++
			p.sink.HandleQuote(sym, quote)
		}
		if greeks, err := p.fetcher.GetGreeks(ctx, sym); err != nil {
			failed++
			p.logger.WarnContext(ctx, "greeks poll failed", slog.String("contract", sym), slog.Any("error", err))
		} else {
			fetched++
			p.sink.HandleGreeks(sym, greeks)
		}
	}

	for _, tk := range tickers {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("feed: polling pass aborted: %w", err)
		}
		if under, err := p.fetcher.GetUnderlying(ctx, tk); err != nil {
			failed++
			p.logger.WarnContext(ctx, "underlying poll failed", slog.String("ticker", tk), slog.Any("error", err))
		} else {
			fetched++
			p.sink.HandleUnderlying(tk, under)
		}
		if flow, err := p.fetcher.GetFlow(ctx, tk); err != nil {
			failed++
			p.logger.WarnContext(ctx, "flow poll failed", slog.String("ticker", tk), slog.Any("error", err))
		} else {
			fetched++
			p.sink.HandleFlow(tk, flow)
		}
	}

	p.logger.InfoContext(ctx, "polling pass complete",
		slog.Int("contracts", len(contracts)),
		slog.Int("tickers", len(tickers)),
		slog.Int("fetched", fetched),
		slog.Int("failed", failed),
		slog.Duration("elapsed", time.Since(start)),
	)
	return nil
}

// RunLoop runs a pass immediately, then at every interval until the context
// is cancelled.
func (p *Poller) RunLoop(ctx context.Context, interval time.Duration) error {
	p.logger.InfoContext(ctx, "starting polling loop", slog.Duration("interval", interval))

	if err := p.Run(ctx); err != nil {
		p.logger.ErrorContext(ctx, "polling pass failed", slog.Any("error", err))
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.InfoContext(ctx, "polling loop stopped")
			return ctx.Err()
		case <-ticker.C:
			if err := p.Run(ctx); err != nil {
				p.logger.ErrorContext(ctx, "polling pass failed", slog.Any("error", err))
			}
		}
	}
}
