package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/desklab/optiondesk/internal/domain"
	"github.com/desklab/optiondesk/internal/notify"
)

// busPublisher is the engine's publish sink. Every valuation lands in the
// snapshot cache so the read API answers without touching the engine, on the
// per-position Pub/Sub channel for WebSocket fan-out, and on a durable stream
// for replay. Publish failures are logged and swallowed: a Redis blip must
// not stall valuation workers.
type busPublisher struct {
	snapshots domain.SnapshotCache
	bus       domain.SignalBus
	logger    *slog.Logger
}

func newBusPublisher(snapshots domain.SnapshotCache, bus domain.SignalBus, logger *slog.Logger) *busPublisher {
	return &busPublisher{
		snapshots: snapshots,
		bus:       bus,
		logger:    logger.With(slog.String("component", "publisher")),
	}
}

func (p *busPublisher) PublishValuation(ctx context.Context, ev domain.ValuationEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		p.logger.ErrorContext(ctx, "marshal valuation event",
			slog.String("position_id", ev.PositionID),
			slog.String("error", err.Error()),
		)
		return
	}
	if err := p.snapshots.SetValuation(ctx, ev.PositionID, ev); err != nil {
		p.logger.WarnContext(ctx, "cache valuation failed",
			slog.String("position_id", ev.PositionID),
			slog.String("error", err.Error()),
		)
	}
	if err := p.bus.Publish(ctx, domain.ValuationChannel(ev.PositionID), payload); err != nil {
		p.logger.WarnContext(ctx, "publish valuation failed",
			slog.String("position_id", ev.PositionID),
			slog.String("error", err.Error()),
		)
	}
	if err := p.bus.StreamAppend(ctx, domain.StreamValuations, payload); err != nil {
		p.logger.WarnContext(ctx, "append valuation stream failed",
			slog.String("position_id", ev.PositionID),
			slog.String("error", err.Error()),
		)
	}
}

func (p *busPublisher) PublishPortfolio(ctx context.Context, ev domain.PortfolioEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		p.logger.ErrorContext(ctx, "marshal portfolio event", slog.String("error", err.Error()))
		return
	}
	if err := p.snapshots.SetPortfolio(ctx, ev); err != nil {
		p.logger.WarnContext(ctx, "cache portfolio failed", slog.String("error", err.Error()))
	}
	if err := p.bus.Publish(ctx, domain.ChannelPortfolio, payload); err != nil {
		p.logger.WarnContext(ctx, "publish portfolio failed", slog.String("error", err.Error()))
	}
	if err := p.bus.StreamAppend(ctx, domain.StreamPortfolio, payload); err != nil {
		p.logger.WarnContext(ctx, "append portfolio stream failed", slog.String("error", err.Error()))
	}
}

func (p *busPublisher) PublishHealth(ctx context.Context, ev domain.HealthEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		p.logger.ErrorContext(ctx, "marshal health event",
			slog.String("position_id", ev.PositionID),
			slog.String("error", err.Error()),
		)
		return
	}
	if err := p.bus.Publish(ctx, domain.ChannelHealth, payload); err != nil {
		p.logger.WarnContext(ctx, "publish health failed",
			slog.String("position_id", ev.PositionID),
			slog.String("error", err.Error()),
		)
	}
}

// watchHealthAlerts forwards stale-health transitions to the notifier. Entry
// and exit alerts ride the position service write path; staleness is derived
// inside the engine, so it arrives over the bus like any other consumer
// would see it. The position id rides in the title so the notifier's dedup
// window gates each position separately.
func watchHealthAlerts(ctx context.Context, bus domain.SignalBus, alerter *notify.Notifier, logger *slog.Logger) error {
	ch, err := bus.Subscribe(ctx, domain.ChannelHealth)
	if err != nil {
		return fmt.Errorf("app: subscribe %s: %w", domain.ChannelHealth, err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case payload, ok := <-ch:
			if !ok {
				return nil
			}
			var ev domain.HealthEvent
			if err := json.Unmarshal(payload, &ev); err != nil {
				logger.WarnContext(ctx, "health event decode failed", slog.String("error", err.Error()))
				continue
			}
			if ev.Current != domain.HealthStale {
				continue
			}
			title := fmt.Sprintf("Valuation stale: %s [%s]", ev.Ticker, ev.PositionID)
			message := fmt.Sprintf("Position %s on %s dropped from %s to %s; check the vendor feed.",
				ev.PositionID, ev.Ticker, ev.Previous, ev.Current)
			if err := alerter.Notify(ctx, notify.EventHealthStale, title, message); err != nil {
				logger.WarnContext(ctx, "health alert delivery failed",
					slog.String("position_id", ev.PositionID),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}
