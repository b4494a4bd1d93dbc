package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/desklab/optiondesk/internal/domain"
)

// AggregateSource exposes the current portfolio aggregate. The valuation
// engine satisfies it directly.
type AggregateSource interface {
	Aggregate() domain.PortfolioAggregate
}

// HistorySampler records the portfolio aggregate into the history table on
// a fixed interval, giving the dashboard a P&L line that survives restarts.
type HistorySampler struct {
	source   AggregateSource
	store    domain.PortfolioHistoryStore
	interval time.Duration
	logger   *slog.Logger
}

// NewHistorySampler creates a HistorySampler recording every interval.
func NewHistorySampler(source AggregateSource, store domain.PortfolioHistoryStore, interval time.Duration, logger *slog.Logger) *HistorySampler {
	return &HistorySampler{
		source:   source,
		store:    store,
		interval: interval,
		logger:   logger,
	}
}

// RunLoop samples immediately, then on every tick until the context is
// cancelled.
func (s *HistorySampler) RunLoop(ctx context.Context) error {
	s.logger.InfoContext(ctx, "pipeline: history sampler started",
		slog.Duration("interval", s.interval),
	)

	s.sample(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("pipeline: history sampler stopped")
			return ctx.Err()
		case <-ticker.C:
			s.sample(ctx)
		}
	}
}

// sample records one observation. An empty portfolio still records a zero
// point so gaps in the history line mean downtime, not flatness.
func (s *HistorySampler) sample(ctx context.Context) {
	agg := s.source.Aggregate()

	point := domain.PortfolioPoint{
		NetPnLPercent: agg.NetPnLPercent,
		TradeCount:    agg.TradeCount,
		RecordedAt:    time.Now().UTC(),
	}

	if err := s.store.Insert(ctx, point); err != nil {
		s.logger.WarnContext(ctx, "pipeline: history sample insert failed",
			slog.String("error", err.Error()),
		)
		return
	}

	s.logger.DebugContext(ctx, "pipeline: recorded history sample",
		slog.Float64("net_pnl_percent", point.NetPnLPercent),
		slog.Int("trade_count", point.TradeCount),
	)
}
