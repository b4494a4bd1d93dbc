// Package pipeline runs the background maintenance jobs: portfolio history
// sampling on a fixed interval and cold-storage archival on a cron
// schedule.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/desklab/optiondesk/internal/domain"
)

// archiveLockTTL bounds one archive run. The run re-acquires nothing; if it
// somehow outlives the TTL another instance may start, and the verify-
// before-delete ordering keeps that safe.
const archiveLockTTL = 10 * time.Minute

// archiveLockKey is shared by every instance so at most one archive run is
// active across the deployment.
const archiveLockKey = "archive:positions"

// ArchiveScheduler runs the cold-storage archiver on a cron schedule, under
// a distributed lock, with an optional API-driven trigger channel.
type ArchiveScheduler struct {
	archiver      domain.Archiver
	locks         domain.LockManager
	retentionDays int
	trigger       <-chan struct{}
	logger        *slog.Logger
}

// NewArchiveScheduler creates an ArchiveScheduler. Positions exited more
// than retentionDays ago are moved to object storage on each run.
func NewArchiveScheduler(archiver domain.Archiver, locks domain.LockManager, retentionDays int, logger *slog.Logger) *ArchiveScheduler {
	return &ArchiveScheduler{
		archiver:      archiver,
		locks:         locks,
		retentionDays: retentionDays,
		logger:        logger,
	}
}

// WithTrigger sets a channel that forces an immediate run when signalled,
// used by the POST /api/pipeline/archive endpoint.
func (a *ArchiveScheduler) WithTrigger(ch <-chan struct{}) *ArchiveScheduler {
	a.trigger = ch
	return a
}

// Run executes a single archive run under the distributed lock. A run that
// finds the lock held elsewhere is skipped without error.
func (a *ArchiveScheduler) Run(ctx context.Context) error {
	unlock, err := a.locks.Acquire(ctx, archiveLockKey, archiveLockTTL)
	if err != nil {
		if errors.Is(err, domain.ErrLockHeld) {
			a.logger.InfoContext(ctx, "pipeline: archive lock held elsewhere, skipping run")
			return nil
		}
		return fmt.Errorf("pipeline: acquire archive lock: %w", err)
	}
	defer unlock()

	cutoff := time.Now().UTC().Add(-time.Duration(a.retentionDays) * 24 * time.Hour)
	a.logger.InfoContext(ctx, "pipeline: starting archive run",
		slog.Time("cutoff", cutoff),
		slog.Int("retention_days", a.retentionDays),
	)

	count, err := a.archiver.ArchivePositions(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("pipeline: archive positions before %v: %w", cutoff, err)
	}

	a.logger.InfoContext(ctx, "pipeline: archive run complete",
		slog.Int64("positions_archived", count),
	)
	return nil
}

// RunCron runs the archiver on the given cron schedule (standard 5-field
// format) until the context is cancelled. Trigger signals force an
// immediate run between scheduled ones.
func (a *ArchiveScheduler) RunCron(ctx context.Context, spec string) error {
	c := cron.New()
	_, err := c.AddFunc(spec, func() {
		if err := a.Run(ctx); err != nil {
			a.logger.ErrorContext(ctx, "pipeline: scheduled archive run failed",
				slog.String("error", err.Error()),
			)
		}
	})
	if err != nil {
		return fmt.Errorf("pipeline: parse archive cron %q: %w", spec, err)
	}

	a.logger.InfoContext(ctx, "pipeline: archive cron started", slog.String("cron", spec))
	c.Start()
	defer func() {
		// Stop returns a context that completes when running jobs drain.
		<-c.Stop().Done()
		a.logger.Info("pipeline: archive cron stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-a.trigger:
			if !ok {
				// Run only on the schedule once the trigger closes.
				a.trigger = nil
				continue
			}
			a.logger.InfoContext(ctx, "pipeline: archive run triggered via api")
			if err := a.Run(ctx); err != nil {
				a.logger.ErrorContext(ctx, "pipeline: triggered archive run failed",
					slog.String("error", err.Error()),
				)
			}
		}
	}
}
