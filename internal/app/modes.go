package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/whiplashfi/whiplash/internal/idempotency"
	"github.com/whiplashfi/whiplash/internal/server"
	"github.com/whiplashfi/whiplash/internal/server/handler"
	"github.com/whiplashfi/whiplash/internal/server/middleware"
	"github.com/whiplashfi/whiplash/internal/server/ws"
	"github.com/whiplashfi/whiplash/internal/service"
	"github.com/whiplashfi/whiplash/internal/settlement"
)

// dedupSweepInterval is how often expired idempotency keys are dropped.
const dedupSweepInterval = time.Minute

// runtime holds the services both modes share.
type runtime struct {
	engine *settlement.Engine
	settle *service.SettlementService
	query  *service.QueryService
	dedup  *idempotency.Dedup
	hub    *ws.Hub
}

func (a *App) buildRuntime(deps *Dependencies, opts ...settlement.Option) *runtime {
	opts = append(opts, settlement.WithLogger(a.logger))
	engine := settlement.New(a.cfg.ProgramKey(), opts...)

	oracle := service.NewOracleService(deps.Prices, deps.PriceCache, a.cfg.Oracle.CacheTTL.Duration, deps.Metrics, a.logger)
	meta := service.NewMetadataService(deps.Metadata, deps.Chain, deps.MetadataCache, a.cfg.Metadata.CacheTTL.Duration, a.logger)

	return &runtime{
		engine: engine,
		settle: service.NewSettlementService(
			engine,
			deps.LockManager,
			deps.SignalBus,
			deps.Audit,
			deps.Notifier,
			deps.Metrics,
			a.cfg.Engine.LockTTL.Duration,
			a.logger,
		),
		query: service.NewQueryService(engine, oracle, meta, deps.Settlements, a.logger),
		dedup: idempotency.NewDedup(a.cfg.Engine.DedupWindow.Duration),
		hub: ws.NewHub(deps.SignalBus, a.logger, ws.Config{
			Mode:           a.cfg.Mode,
			AllowedOrigins: a.cfg.Server.CORSOrigins,
			Stats: func() (int, int) {
				return len(engine.Pools()), len(engine.OpenPositions())
			},
			StartedAt: time.Now(),
		}),
	}
}

// serve starts the HTTP server, the websocket hub and the idempotency sweeper
// on g. mirror is nil in engine mode.
func (a *App) serve(ctx context.Context, g *errgroup.Group, deps *Dependencies, rt *runtime, mirror *service.Mirror) {
	var (
		poolSync  handler.PoolSyncer
		ownerSync handler.OwnerSyncer
	)
	if mirror != nil {
		poolSync, ownerSync = mirror, mirror
	}

	handlers := server.Handlers{
		Health:    handler.NewHealthHandler(a.cfg.Mode, deps.Probes, a.logger),
		Pools:     handler.NewPoolHandler(rt.query, rt.settle, poolSync, a.logger),
		Positions: handler.NewPositionHandler(rt.query, rt.settle, ownerSync, a.logger),
		Market:    handler.NewMarketHandler(rt.query, a.logger),
		Feed:      handler.NewFeedHandler(deps.SignalBus, a.logger),
		Audit:     handler.NewAuditHandler(deps.Audit, a.logger),
		Metrics:   deps.Metrics.Handler(),
	}
	if deps.BlobReader != nil {
		handlers.Archive = handler.NewArchiveHandler(deps.BlobReader, a.logger)
	}

	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		RateLimit:   middleware.RateLimitPolicy{
			Read:   a.cfg.Server.RateLimit,
			Write:  a.cfg.Server.WriteRateLimit,
			Window: a.cfg.Server.RateWindow.Duration,
		},
		ReadOnly: mirror != nil,
	}, handlers, server.Deps{
		Limiter: deps.RateLimiter,
		Dedup:   rt.dedup,
		Hub:     rt.hub,
	}, a.logger)

	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error { return rt.hub.Run(ctx) })
	g.Go(func() error { return rt.dedup.Run(ctx, dedupSweepInterval) })
}

func (a *App) monitor(ctx context.Context, g *errgroup.Group, deps *Dependencies, rt *runtime) {
	if !a.cfg.Monitor.Enabled {
		return
	}
	mon := service.NewLimboMonitor(
		rt.engine,
		deps.Positions,
		deps.SignalBus,
		deps.Notifier,
		deps.Metrics,
		a.cfg.Monitor.Interval.Duration,
		a.logger,
	)
	g.Go(func() error { return mon.Run(ctx) })
}

// EngineMode runs the authoritative settlement engine: state is restored from
// PostgreSQL, every write is journalled through the ledger, and the limbo
// monitor and archive job run alongside the API.
func (a *App) EngineMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "entering engine mode")

	rt := a.buildRuntime(deps, settlement.WithLedger(deps.Ledger))

	pools, positions, err := deps.Ledger.Snapshot(ctx)
	if err != nil {
		return fmt.Errorf("engine mode: load snapshot: %w", err)
	}
	rt.engine.Restore(pools, positions)

	g, ctx := errgroup.WithContext(ctx)
	a.serve(ctx, g, deps, rt, nil)
	a.monitor(ctx, g, deps, rt)

	retention := time.Duration(a.cfg.Engine.ArchiveRetentionDays) * 24 * time.Hour
	if deps.Archiver != nil && retention > 0 {
		job := service.NewArchiveJob(deps.Archiver, retention, a.cfg.Engine.ArchiveInterval.Duration, deps.Metrics, a.logger)
		g.Go(func() error { return job.Run(ctx) })
	}

	return ignoreCanceled(g.Wait())
}

// MirrorMode serves a read-only view of pools and positions owned by the
// on-chain program. Write routes answer 403.
func (a *App) MirrorMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "entering mirror mode", slog.String("program", a.cfg.ProgramKey().String()))

	rt := a.buildRuntime(deps)
	mirror := service.NewMirror(
		deps.Chain,
		rt.engine,
		deps.Pools,
		deps.Positions,
		deps.SignalBus,
		deps.Metrics,
		a.cfg.Indexer.Interval.Duration,
		a.logger,
	)

	g, ctx := errgroup.WithContext(ctx)
	a.serve(ctx, g, deps, rt, mirror)
	a.monitor(ctx, g, deps, rt)
	g.Go(func() error { return mirror.Run(ctx) })

	return ignoreCanceled(g.Wait())
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
