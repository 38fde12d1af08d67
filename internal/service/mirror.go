package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"

	"github.com/whiplashfi/whiplash/internal/domain"
	"github.com/whiplashfi/whiplash/internal/metrics"
	"github.com/whiplashfi/whiplash/internal/settlement"
)

// ChainReader lists the program's accounts.
type ChainReader interface {
	Pools(ctx context.Context) ([]domain.Pool, error)
	PoolByMint(ctx context.Context, mint solana.PublicKey) (domain.Pool, error)
	Positions(ctx context.Context) ([]domain.Position, error)
	PositionsByOwner(ctx context.Context, owner solana.PublicKey) ([]domain.Position, error)
}

// Mirror keeps the engine and the stores in step with the on-chain program.
// Each sync diffs the fetched accounts against the engine's current state,
// persists what changed, and restores the engine from the result.
type Mirror struct {
	chain     ChainReader
	engine    *settlement.Engine
	pools     domain.PoolStore
	positions domain.PositionStore
	metrics   *metrics.Metrics
	events    publisher
	interval  time.Duration
	now       func() time.Time
	logger    *slog.Logger

	mu sync.Mutex
}

// NewMirror creates a Mirror. The stores, bus and m may be nil.
func NewMirror(
	chain ChainReader,
	engine *settlement.Engine,
	pools domain.PoolStore,
	positions domain.PositionStore,
	bus domain.SignalBus,
	m *metrics.Metrics,
	interval time.Duration,
	logger *slog.Logger,
) *Mirror {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	logger = logger.With(slog.String("component", "mirror"))
	return &Mirror{
		chain:     chain,
		engine:    engine,
		pools:     pools,
		positions: positions,
		metrics:   m,
		events:    publisher{bus: bus, logger: logger},
		interval:  interval,
		now:       time.Now,
		logger:    logger,
	}
}

// Run syncs immediately and then every interval until ctx is cancelled.
func (m *Mirror) Run(ctx context.Context) error {
	if err := m.Sync(ctx); err != nil {
		m.logger.ErrorContext(ctx, "mirror: initial sync failed", slog.String("error", err.Error()))
	}
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := m.Sync(ctx); err != nil && !errors.Is(err, context.Canceled) {
				m.logger.ErrorContext(ctx, "mirror: sync failed", slog.String("error", err.Error()))
			}
		}
	}
}

// MirrorStats summarises one reconciliation.
type MirrorStats struct {
	PoolsChanged     int
	PositionsChanged int
	PositionsClosed  int
}

// Sync fetches every pool and position account.
func (m *Mirror) Sync(ctx context.Context) error {
	pools, err := m.chain.Pools(ctx)
	if err != nil {
		m.metrics.IncMirrorSync(false)
		return fmt.Errorf("mirror: pools: %w", err)
	}
	positions, err := m.chain.Positions(ctx)
	if err != nil {
		m.metrics.IncMirrorSync(false)
		return fmt.Errorf("mirror: positions: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	nextPools := make(map[solana.PublicKey]domain.Pool, len(pools))
	for _, p := range pools {
		nextPools[p.TokenYMint] = p
	}
	stats, err := m.reconcile(ctx, nextPools, positions, nil)
	m.metrics.IncMirrorSync(err == nil)
	if err != nil {
		return err
	}
	if stats != (MirrorStats{}) {
		m.logger.InfoContext(ctx, "mirror: synced",
			slog.Int("pools", len(pools)),
			slog.Int("positions", len(positions)),
			slog.Int("pools_changed", stats.PoolsChanged),
			slog.Int("positions_changed", stats.PositionsChanged),
			slog.Int("positions_closed", stats.PositionsClosed),
		)
	}
	return nil
}

// SyncPool refreshes a single pool, typically one launched since the last
// poll.
func (m *Mirror) SyncPool(ctx context.Context, mint solana.PublicKey) error {
	p, err := m.chain.PoolByMint(ctx, mint)
	if err != nil {
		return fmt.Errorf("mirror: pool %s: %w", mint, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	nextPools := m.currentPools()
	nextPools[p.TokenYMint] = p
	_, err = m.reconcile(ctx, nextPools, m.engine.OpenPositions(), nil)
	return err
}

// SyncOwner refreshes one owner's positions so a client sees a transaction
// it just landed without waiting for the next poll.
func (m *Mirror) SyncOwner(ctx context.Context, owner solana.PublicKey) error {
	fetched, err := m.chain.PositionsByOwner(ctx, owner)
	if err != nil {
		return fmt.Errorf("mirror: positions of %s: %w", owner, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	_, err = m.reconcile(ctx, m.currentPools(), fetched, &owner)
	return err
}

func (m *Mirror) currentPools() map[solana.PublicKey]domain.Pool {
	pools := m.engine.Pools()
	out := make(map[solana.PublicKey]domain.Pool, len(pools))
	for _, p := range pools {
		out[p.TokenYMint] = p
	}
	return out
}

// reconcile diffs next against the engine and applies the difference. When
// owner is set, fetched holds only that owner's positions and everyone
// else's are carried over unchanged. The caller holds m.mu.
func (m *Mirror) reconcile(ctx context.Context, next map[solana.PublicKey]domain.Pool, fetched []domain.Position, owner *solana.PublicKey) (MirrorStats, error) {
	var stats MirrorStats
	now := m.now().UTC()

	prevPools := m.currentPools()
	mintByPool := make(map[solana.PublicKey]solana.PublicKey, len(next))
	pools := make([]domain.Pool, 0, len(next))
	for mint, p := range next {
		prev, known := prevPools[mint]
		p = mergePool(p, prev, known, now)
		if !known || p.Version != prev.Version {
			stats.PoolsChanged++
			if m.pools != nil {
				if err := m.pools.Upsert(ctx, p); err != nil {
					return stats, fmt.Errorf("mirror: store pool %s: %w", mint, err)
				}
			}
		}
		mintByPool[p.Address] = mint
		pools = append(pools, p)
	}

	prevPositions := make(map[solana.PublicKey]domain.Position)
	var carried []domain.Position
	for _, pos := range m.engine.OpenPositions() {
		if owner != nil && pos.Authority != *owner {
			carried = append(carried, pos)
			continue
		}
		prevPositions[pos.Address] = pos
	}

	positions := make([]domain.Position, 0, len(fetched)+len(carried))
	live := make(map[solana.PublicKey]struct{}, len(fetched))
	for _, pos := range fetched {
		mint, ok := mintByPool[pos.Pool]
		if !ok {
			m.logger.WarnContext(ctx, "mirror: position references unknown pool",
				slog.String("position", pos.Address.String()),
				slog.String("pool", pos.Pool.String()),
			)
			continue
		}
		pos.TokenYMint = mint
		prev, known := prevPositions[pos.Address]
		if known {
			pos.OpenedAt = prev.OpenedAt
			pos.LimboSince = prev.LimboSince
		} else {
			pos.OpenedAt = now
		}
		if !known || !samePosition(pos, prev) {
			stats.PositionsChanged++
			if m.positions != nil {
				if err := m.positions.Upsert(ctx, pos); err != nil {
					return stats, fmt.Errorf("mirror: store position %s: %w", pos.Address, err)
				}
			}
		}
		live[pos.Address] = struct{}{}
		positions = append(positions, pos)
	}

	for addr, prev := range prevPositions {
		if _, ok := live[addr]; ok {
			continue
		}
		stats.PositionsClosed++
		if m.positions != nil {
			if err := m.positions.Delete(ctx, addr); err != nil && !errors.Is(err, domain.ErrPositionNotFound) {
				return stats, fmt.Errorf("mirror: drop position %s: %w", addr, err)
			}
		}
		m.events.publish(ctx, domain.ChannelPositions, domain.PositionEvent{
			Position:   addr,
			Owner:      prev.Authority,
			TokenYMint: prev.TokenYMint,
			From:       domain.PositionHealthy,
			To:         domain.PositionClosed,
			At:         now,
		})
	}

	m.engine.Restore(pools, append(positions, carried...))
	return stats, nil
}

// mergePool carries over what the chain account does not hold: launch
// metadata, the version counter and the update time.
func mergePool(p, prev domain.Pool, known bool, now time.Time) domain.Pool {
	if !known {
		p.Version = 1
		p.UpdatedAt = now
		return p
	}
	if p.Name == "" {
		p.Name, p.Symbol, p.URI = prev.Name, prev.Symbol, prev.URI
	}
	p.Version, p.UpdatedAt = prev.Version, prev.UpdatedAt
	if amountsChanged(p, prev) {
		p.Version++
		p.UpdatedAt = now
	}
	return p
}

func amountsChanged(a, b domain.Pool) bool {
	return a.TokenYAmount != b.TokenYAmount ||
		a.VirtualTokenYAmount != b.VirtualTokenYAmount ||
		a.Lamports != b.Lamports ||
		a.VirtualSolAmount != b.VirtualSolAmount ||
		a.LeveragedSolAmount != b.LeveragedSolAmount ||
		a.LeveragedTokenYAmount != b.LeveragedTokenYAmount
}

// samePosition compares the on-chain fields of two positions.
func samePosition(a, b domain.Position) bool {
	return a.Authority == b.Authority &&
		a.Pool == b.Pool &&
		a.PositionVault == b.PositionVault &&
		a.IsLong == b.IsLong &&
		a.Collateral == b.Collateral &&
		a.Leverage == b.Leverage &&
		a.EntryPrice == b.EntryPrice &&
		a.Size == b.Size &&
		a.Nonce == b.Nonce &&
		a.Bump == b.Bump
}
