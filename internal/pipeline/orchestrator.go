package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"
)

// Orchestrator manages the pipeline goroutines: history sampling and
// cold-storage archival. Either component may be nil when the running mode
// does not need it.
type Orchestrator struct {
	sampler     *HistorySampler
	archive     *ArchiveScheduler
	archiveCron string
	logger      *slog.Logger
}

// NewOrchestrator creates an Orchestrator coordinating the given components.
func NewOrchestrator(sampler *HistorySampler, archive *ArchiveScheduler, archiveCron string, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		sampler:     sampler,
		archive:     archive,
		archiveCron: archiveCron,
		logger:      logger,
	}
}

// Run starts the configured pipelines as concurrent goroutines using an
// errgroup. Each goroutine respects ctx cancellation. If any goroutine
// returns a non-context error, the errgroup cancels the shared context and
// Run returns that error.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.logger.Info("pipeline orchestrator starting",
		slog.String("archive_cron", o.archiveCron),
	)

	g, ctx := errgroup.WithContext(ctx)

	if o.sampler != nil {
		g.Go(func() error {
			err := o.sampler.RunLoop(ctx)
			if ctx.Err() != nil {
				return nil // clean shutdown
			}
			return fmt.Errorf("history sampler: %w", err)
		})
	}

	if o.archive != nil {
		g.Go(func() error {
			err := o.archive.RunCron(ctx, o.archiveCron)
			if ctx.Err() != nil {
				return nil // clean shutdown
			}
			return fmt.Errorf("archive scheduler: %w", err)
		})
	}

	if err := g.Wait(); err != nil {
		o.logger.Error("pipeline orchestrator stopped with error", slog.String("error", err.Error()))
		return err
	}

	o.logger.Info("pipeline orchestrator stopped cleanly")
	return nil
}
