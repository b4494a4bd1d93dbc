package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/desklab/optiondesk/internal/crypto"
	"github.com/desklab/optiondesk/internal/domain"
	"github.com/desklab/optiondesk/internal/engine"
	"github.com/desklab/optiondesk/internal/feed"
	"github.com/desklab/optiondesk/internal/pipeline"
	"github.com/desklab/optiondesk/internal/platform/marketfeed"
	"github.com/desklab/optiondesk/internal/server"
	"github.com/desklab/optiondesk/internal/server/handler"
	"github.com/desklab/optiondesk/internal/server/ws"
	"github.com/desklab/optiondesk/internal/service"
	"github.com/desklab/optiondesk/internal/session"
)

// deferredSubscriber breaks the construction cycle between the engine and
// the feed layer: the engine wants its subscriber at construction and the
// feed side wants the engine as its sample sink. The destination is set
// during wiring, before anything is tracked.
type deferredSubscriber struct {
	dest engine.FeedSubscriber
}

func (d *deferredSubscriber) Watch(ctx context.Context, contractSymbol, ticker string) error {
	if d.dest == nil {
		return nil
	}
	return d.dest.Watch(ctx, contractSymbol, ticker)
}

func (d *deferredSubscriber) Unwatch(ctx context.Context, contractSymbol, ticker string) error {
	if d.dest == nil {
		return nil
	}
	return d.dest.Unwatch(ctx, contractSymbol, ticker)
}

// apiDeps carries the mode-dependent parts of the HTTP surface: which
// catalog backs contract lookups, where engine status comes from, and
// whether an archive trigger is wired.
type apiDeps struct {
	positions      *service.PositionService
	catalog        handler.ContractCatalog
	status         func() domain.EngineStatus
	archiveTrigger chan struct{}
}

// LiveMode runs the valuation engine against the vendor's stream and REST
// endpoints, with the write API, WebSocket fan-out, and history sampling.
func (a *App) LiveMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting live mode")

	g, ctx := errgroup.WithContext(ctx)

	cal, err := session.NewCalendar()
	if err != nil {
		return fmt.Errorf("live mode: %w", err)
	}

	sub := &deferredSubscriber{}
	eng := a.newEngine(deps, cal, sub)

	catalog, err := a.startVendorFeed(ctx, g, eng, sub, cal)
	if err != nil {
		return fmt.Errorf("live mode: %w", err)
	}

	positionSvc := a.newPositionService(deps, eng)

	g.Go(func() error { return eng.Run(ctx) })
	g.Go(func() error { return deps.Notifier.Run(ctx) })
	g.Go(func() error { return watchHealthAlerts(ctx, deps.SignalBus, deps.Notifier, a.logger) })
	g.Go(func() error { return a.resumeTracking(ctx, deps.PositionStore, eng) })

	a.startPipeline(ctx, g, deps, eng, nil)

	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, apiDeps{
			positions: positionSvc,
			catalog:   catalog,
			status:    eng.Status,
		})
	}

	return g.Wait()
}

// SimMode runs the valuation engine against a synthetic feed so the whole
// stack can be exercised without vendor credentials. Everything downstream
// of the feed layer behaves exactly as in live mode.
func (a *App) SimMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting sim mode")

	g, ctx := errgroup.WithContext(ctx)

	cal, err := session.NewCalendar()
	if err != nil {
		return fmt.Errorf("sim mode: %w", err)
	}

	sub := &deferredSubscriber{}
	eng := a.newEngine(deps, cal, sub)

	sim := feed.NewSimulator(eng, a.cfg.Engine.SimTick.Duration, a.logger)
	sub.dest = sim
	catalog := service.NewSimCatalog(cal, sim, a.logger)

	positionSvc := a.newPositionService(deps, eng)

	g.Go(func() error { return eng.Run(ctx) })
	g.Go(func() error { return sim.Run(ctx) })
	g.Go(func() error { return deps.Notifier.Run(ctx) })
	g.Go(func() error { return watchHealthAlerts(ctx, deps.SignalBus, deps.Notifier, a.logger) })
	g.Go(func() error { return a.resumeTracking(ctx, deps.PositionStore, eng) })

	a.startPipeline(ctx, g, deps, eng, nil)

	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, apiDeps{
			positions: positionSvc,
			catalog:   catalog,
			status:    eng.Status,
		})
	}

	return g.Wait()
}

// ServerMode serves the API and WebSocket hub with no local engine.
// Valuations and the portfolio aggregate are read from the snapshot cache,
// fed by whichever live instance is publishing. Position writes still land
// in the store and on the bus; a live engine picks them up when it next
// resumes.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode")

	g, ctx := errgroup.WithContext(ctx)

	cal, err := session.NewCalendar()
	if err != nil {
		return fmt.Errorf("server mode: %w", err)
	}

	positionSvc := a.newPositionService(deps, nil)

	g.Go(func() error { return deps.Notifier.Run(ctx) })

	startedAt := time.Now().UTC()
	status := func() domain.EngineStatus {
		return domain.EngineStatus{
			Mode:          a.cfg.Mode,
			UptimeSeconds: int64(time.Since(startedAt).Seconds()),
		}
	}

	a.startHTTPServer(ctx, g, deps, apiDeps{
		positions: positionSvc,
		catalog:   a.serverCatalog(ctx, cal),
		status:    status,
	})

	return g.Wait()
}

// ArchiveMode runs one archive sweep and exits. Deploy it as a cron job or
// kick it by hand; the scheduler's lock keeps it from overlapping a full
// mode instance.
func (a *App) ArchiveMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting archive mode",
		slog.Int("retention_days", a.cfg.Pipeline.ArchiveAfterDays),
	)

	sched := pipeline.NewArchiveScheduler(deps.Archiver, deps.LockManager, a.cfg.Pipeline.ArchiveAfterDays, a.logger)
	return sched.Run(ctx)
}

// FullMode runs everything: the live valuation stack plus the scheduled
// pipeline, with the API's archive trigger wired through to the scheduler.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	g, ctx := errgroup.WithContext(ctx)

	cal, err := session.NewCalendar()
	if err != nil {
		return fmt.Errorf("full mode: %w", err)
	}

	sub := &deferredSubscriber{}
	eng := a.newEngine(deps, cal, sub)

	catalog, err := a.startVendorFeed(ctx, g, eng, sub, cal)
	if err != nil {
		return fmt.Errorf("full mode: %w", err)
	}

	positionSvc := a.newPositionService(deps, eng)

	g.Go(func() error { return eng.Run(ctx) })
	g.Go(func() error { return deps.Notifier.Run(ctx) })
	g.Go(func() error { return watchHealthAlerts(ctx, deps.SignalBus, deps.Notifier, a.logger) })
	g.Go(func() error { return a.resumeTracking(ctx, deps.PositionStore, eng) })

	if !a.cfg.Pipeline.Enabled {
		a.logger.WarnContext(ctx, "pipeline.enabled is false, full mode runs the sampler anyway")
	}
	archiveTrigger := make(chan struct{}, 1)
	a.startPipeline(ctx, g, deps, eng, archiveTrigger)

	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, apiDeps{
			positions:      positionSvc,
			catalog:        catalog,
			status:         eng.Status,
			archiveTrigger: archiveTrigger,
		})
	}

	return g.Wait()
}

// newEngine builds the valuation engine with the cache+bus publish sink.
func (a *App) newEngine(deps *Dependencies, cal *session.Calendar, sub engine.FeedSubscriber) *engine.Engine {
	pub := newBusPublisher(deps.Snapshots, deps.SignalBus, a.logger)
	return engine.New(engine.Config{
		Mode:          a.cfg.Mode,
		SweepInterval: a.cfg.Engine.SweepInterval.Duration,
	}, pub, cal, sub, a.logger)
}

// newPositionService builds the position write path. tracker is nil in
// server mode, where no local engine follows the position set.
func (a *App) newPositionService(deps *Dependencies, tracker service.Tracker) *service.PositionService {
	return service.NewPositionService(
		deps.PositionStore,
		deps.EventStore,
		deps.Snapshots,
		deps.SignalBus,
		deps.AuditStore,
		tracker,
		deps.Notifier,
		a.logger,
	)
}

// startVendorFeed builds the vendor clients and the stream and poll plumbing
// around the engine. The returned catalog serves contract lookups for the
// API using the same REST client the poller uses.
func (a *App) startVendorFeed(ctx context.Context, g *errgroup.Group, eng *engine.Engine, sub *deferredSubscriber, cal *session.Calendar) (*service.ContractService, error) {
	secret, err := crypto.LoadSecret(crypto.SecretConfig{
		RawSecret:           a.cfg.Vendor.ApiSecret,
		EncryptedSecretPath: a.cfg.Vendor.EncryptedSecretPath,
		SecretPassword:      a.cfg.Vendor.SecretPassword,
	})
	if err != nil {
		return nil, fmt.Errorf("vendor feed: %w", err)
	}

	auth := &crypto.HMACAuth{Key: a.cfg.Vendor.ApiKey, Secret: secret}
	data := marketfeed.NewDataClient(a.cfg.Vendor.RestHost, auth, cal.Location())
	wsClient := marketfeed.NewWSClient(a.cfg.Vendor.WsHost, a.cfg.Vendor.ApiKey)

	mgr := feed.NewManager(wsClient, eng, a.logger)
	sub.dest = mgr

	// Once connected the client reconnects on its own; this loop only
	// covers a vendor that is down at startup. The poller keeps valuations
	// inside the delayed window until the stream is up.
	g.Go(func() error {
		defer func() { _ = wsClient.Close() }()
		backoff := time.Second
		for {
			err := wsClient.Connect(ctx)
			if err == nil {
				<-ctx.Done()
				return ctx.Err()
			}
			a.logger.WarnContext(ctx, "vendor stream connect failed, polling only",
				slog.Duration("retry_in", backoff),
				slog.String("error", err.Error()),
			)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
		}
	})

	poller := feed.NewPoller(data, mgr, eng, a.logger)
	pollInterval := a.cfg.Engine.PollInterval.Duration
	g.Go(func() error {
		err := poller.RunLoop(ctx, pollInterval)
		if ctx.Err() != nil {
			return nil
		}
		return err
	})

	return service.NewContractService(data, cal, a.logger), nil
}

// serverCatalog picks the contract source for an engineless API instance:
// the vendor catalog when credentials are configured, otherwise the
// synthetic one so position loading still works.
func (a *App) serverCatalog(ctx context.Context, cal *session.Calendar) handler.ContractCatalog {
	if a.cfg.Vendor.RestHost != "" {
		secret, err := crypto.LoadSecret(crypto.SecretConfig{
			RawSecret:           a.cfg.Vendor.ApiSecret,
			EncryptedSecretPath: a.cfg.Vendor.EncryptedSecretPath,
			SecretPassword:      a.cfg.Vendor.SecretPassword,
		})
		if err != nil {
			a.logger.WarnContext(ctx, "vendor secret unavailable, using synthetic catalog",
				slog.String("error", err.Error()),
			)
		} else {
			auth := &crypto.HMACAuth{Key: a.cfg.Vendor.ApiKey, Secret: secret}
			data := marketfeed.NewDataClient(a.cfg.Vendor.RestHost, auth, cal.Location())
			return service.NewContractService(data, cal, a.logger)
		}
	}
	return service.NewSimCatalog(cal, nil, a.logger)
}

// resumeTracking reloads open positions into the engine after a restart so
// valuation continues across deploys. A failed list is fatal: untracked
// positions silently missing from the portfolio is worse than a crash loop.
func (a *App) resumeTracking(ctx context.Context, store domain.PositionStore, eng *engine.Engine) error {
	open, err := store.ListOpen(ctx)
	if err != nil {
		return fmt.Errorf("resume tracking: %w", err)
	}

	tracked := 0
	for _, pos := range open {
		err := eng.Track(ctx, pos)
		for errors.Is(err, engine.ErrNotRunning) {
			// Run stamps the engine context moments after its goroutine
			// starts; wait it out rather than racing.
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(10 * time.Millisecond):
			}
			err = eng.Track(ctx, pos)
		}
		if err != nil {
			a.logger.WarnContext(ctx, "resume tracking failed",
				slog.String("position_id", pos.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		tracked++
	}
	if tracked > 0 {
		a.logger.InfoContext(ctx, "resumed open positions", slog.Int("count", tracked))
	}
	return nil
}

// startPipeline adds the background jobs a mode carries: the history
// sampler wherever an engine runs, and the cron archiver when object
// storage is wired. archiveTrigger is optional; when non-nil, POST
// /api/pipeline/archive forces a run between cron fires.
func (a *App) startPipeline(ctx context.Context, g *errgroup.Group, deps *Dependencies, eng *engine.Engine, archiveTrigger chan struct{}) {
	var sampler *pipeline.HistorySampler
	if a.cfg.Pipeline.Enabled || archiveTrigger != nil {
		sampler = pipeline.NewHistorySampler(eng, deps.HistoryStore, a.cfg.Pipeline.HistoryInterval.Duration, a.logger)
	}

	var sched *pipeline.ArchiveScheduler
	if archiveTrigger != nil {
		if deps.Archiver == nil {
			a.logger.WarnContext(ctx, "object storage not configured, archiver disabled")
		} else {
			sched = pipeline.NewArchiveScheduler(deps.Archiver, deps.LockManager, a.cfg.Pipeline.ArchiveAfterDays, a.logger).
				WithTrigger(archiveTrigger)
		}
	}

	if sampler == nil && sched == nil {
		return
	}

	orch := pipeline.NewOrchestrator(sampler, sched, a.cfg.Pipeline.ArchiveCron, a.logger)
	g.Go(func() error { return orch.Run(ctx) })
}

// startHTTPServer adds the HTTP server and WebSocket hub goroutines to the
// given errgroup. Route registration and the middleware chain live in the
// server package; this only assembles handlers from what the mode built.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, api apiDeps) {
	hub := ws.NewHub(deps.SignalBus, a.logger, ws.Config{
		Mode:      a.cfg.Mode,
		StartedAt: time.Now().UTC(),
		Status:    api.status,
	})
	g.Go(func() error { return hub.Run(ctx) })

	checks := make(map[string]handler.Check, len(deps.HealthChecks))
	for name, fn := range deps.HealthChecks {
		checks[name] = fn
	}

	ph := handler.NewPipelineHandler(a.logger)
	if api.archiveTrigger != nil {
		ph = ph.WithArchiveTrigger(api.archiveTrigger)
	}

	handlers := server.Handlers{
		Health:     handler.NewHealthHandler(checks, a.logger),
		Status:     handler.NewStatusHandler(api.status),
		Positions:  handler.NewPositionHandler(api.positions, api.catalog, a.logger).WithValuations(deps.Snapshots),
		Valuations: handler.NewValuationHandler(deps.Snapshots, api.positions, a.logger),
		Portfolio:  handler.NewPortfolioHandler(deps.Snapshots, deps.HistoryStore, a.logger),
		Contracts:  handler.NewContractHandler(api.catalog, a.logger),
		Audit:      handler.NewAuditHandler(deps.AuditStore, a.logger),
		Pipeline:   ph,
	}

	srv := server.NewServer(server.Config{
		Port:               a.cfg.Server.Port,
		CORSOrigins:        a.cfg.Server.CORSOrigins,
		APIToken:           a.cfg.Server.ApiToken,
		RateLimitPerMinute: a.cfg.Server.RateLimitPerMinute,
	}, handlers, hub, deps.RateLimiter, a.logger)

	g.Go(func() error {
		return srv.Start()
	})
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}
