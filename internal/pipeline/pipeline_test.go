package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/desklab/optiondesk/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeArchiver struct {
	mu      sync.Mutex
	cutoffs []time.Time
	count   int64
	err     error
}

func (f *fakeArchiver) ArchivePositions(_ context.Context, before time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cutoffs = append(f.cutoffs, before)
	return f.count, f.err
}

func (f *fakeArchiver) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.cutoffs)
}

type fakeLockManager struct {
	mu       sync.Mutex
	held     bool
	keys     []string
	unlocked int
}

func (f *fakeLockManager) Acquire(_ context.Context, key string, _ time.Duration) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.held {
		return nil, domain.ErrLockHeld
	}
	f.keys = append(f.keys, key)
	return func() {
		f.mu.Lock()
		f.unlocked++
		f.mu.Unlock()
	}, nil
}

func TestArchiveScheduler_RunArchivesUnderLock(t *testing.T) {
	arch := &fakeArchiver{count: 7}
	locks := &fakeLockManager{}
	sched := NewArchiveScheduler(arch, locks, 30, testLogger())

	if err := sched.Run(context.Background()); err != nil {
		t.Fatalf("Run failed: %v", err)
	}

	if arch.calls() != 1 {
		t.Fatalf("archiver calls=%d want=1", arch.calls())
	}
	wantCutoff := time.Now().UTC().Add(-30 * 24 * time.Hour)
	got := arch.cutoffs[0]
	if diff := got.Sub(wantCutoff); diff < -time.Minute || diff > time.Minute {
		t.Errorf("cutoff=%v want about %v", got, wantCutoff)
	}
	if len(locks.keys) != 1 || locks.keys[0] != archiveLockKey {
		t.Errorf("lock keys=%v want=[%s]", locks.keys, archiveLockKey)
	}
	if locks.unlocked != 1 {
		t.Errorf("unlocked=%d want=1", locks.unlocked)
	}
}

func TestArchiveScheduler_SkipsWhenLockHeldElsewhere(t *testing.T) {
	arch := &fakeArchiver{}
	locks := &fakeLockManager{held: true}
	sched := NewArchiveScheduler(arch, locks, 30, testLogger())

	if err := sched.Run(context.Background()); err != nil {
		t.Fatalf("Run should skip silently, got: %v", err)
	}
	if arch.calls() != 0 {
		t.Errorf("archiver calls=%d want=0", arch.calls())
	}
}

func TestArchiveScheduler_ReleasesLockOnFailure(t *testing.T) {
	arch := &fakeArchiver{err: errors.New("s3 unavailable")}
	locks := &fakeLockManager{}
	sched := NewArchiveScheduler(arch, locks, 30, testLogger())

	if err := sched.Run(context.Background()); err == nil {
		t.Fatal("expected archive error, got nil")
	}
	if locks.unlocked != 1 {
		t.Errorf("unlocked=%d want=1", locks.unlocked)
	}
}

func TestArchiveScheduler_TriggerForcesRun(t *testing.T) {
	arch := &fakeArchiver{}
	locks := &fakeLockManager{}
	trigger := make(chan struct{}, 1)
	sched := NewArchiveScheduler(arch, locks, 30, testLogger()).WithTrigger(trigger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		// 03:00 daily never fires during the test; only the trigger runs.
		done <- sched.RunCron(ctx, "0 3 * * *")
	}()

	trigger <- struct{}{}
	deadline := time.After(2 * time.Second)
	for arch.calls() == 0 {
		select {
		case <-deadline:
			t.Fatal("triggered run never executed")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("RunCron returned %v, want context.Canceled", err)
	}
}

func TestArchiveScheduler_RejectsBadCronSpec(t *testing.T) {
	sched := NewArchiveScheduler(&fakeArchiver{}, &fakeLockManager{}, 30, testLogger())

	if err := sched.RunCron(context.Background(), "not a cron"); err == nil {
		t.Fatal("expected cron parse error, got nil")
	}
}

type fakeAggregateSource struct {
	agg domain.PortfolioAggregate
}

func (f *fakeAggregateSource) Aggregate() domain.PortfolioAggregate { return f.agg }

type fakeHistoryStore struct {
	mu     sync.Mutex
	points []domain.PortfolioPoint
}

func (f *fakeHistoryStore) Insert(_ context.Context, point domain.PortfolioPoint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.points = append(f.points, point)
	return nil
}

func (f *fakeHistoryStore) ListRecent(context.Context, int) ([]domain.PortfolioPoint, error) {
	return nil, nil
}

func (f *fakeHistoryStore) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.points)
}

func TestHistorySampler_RecordsAggregate(t *testing.T) {
	source := &fakeAggregateSource{agg: domain.PortfolioAggregate{
		NetPnLPercent: 12.5,
		TradeCount:    3,
		ComputedAt:    time.Now().UTC(),
	}}
	store := &fakeHistoryStore{}
	sampler := NewHistorySampler(source, store, time.Minute, testLogger())

	sampler.sample(context.Background())

	if store.count() != 1 {
		t.Fatalf("points=%d want=1", store.count())
	}
	p := store.points[0]
	if p.NetPnLPercent != 12.5 {
		t.Errorf("NetPnLPercent=%v want=12.5", p.NetPnLPercent)
	}
	if p.TradeCount != 3 {
		t.Errorf("TradeCount=%d want=3", p.TradeCount)
	}
	if p.RecordedAt.IsZero() {
		t.Error("RecordedAt not stamped")
	}
}

func TestHistorySampler_RunLoopSamplesImmediately(t *testing.T) {
	source := &fakeAggregateSource{}
	store := &fakeHistoryStore{}
	sampler := NewHistorySampler(source, store, time.Hour, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sampler.RunLoop(ctx) }()

	deadline := time.After(2 * time.Second)
	for store.count() == 0 {
		select {
		case <-deadline:
			t.Fatal("no immediate sample recorded")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("RunLoop returned %v, want context.Canceled", err)
	}
}
