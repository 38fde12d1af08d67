// Package settlement is the authoritative state machine for pools and
// leveraged positions. Every mutation of a pool runs under that pool's lock,
// is computed on a copy, handed to the ledger journal, and only then made
// visible. A failed operation leaves no trace.
package settlement

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"

	"github.com/whiplashfi/whiplash/internal/amm"
	"github.com/whiplashfi/whiplash/internal/domain"
)

// Option customises an Engine.
type Option func(*Engine)

// WithLedger makes every commit durable before it becomes visible.
func WithLedger(l domain.Ledger) Option {
	return func(e *Engine) { e.ledger = l }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l.With(slog.String("component", "settlement")) }
}

// Engine holds pool and position state in memory.
type Engine struct {
	programID solana.PublicKey
	ledger    domain.Ledger
	logger    *slog.Logger
	now       func() time.Time
	locks     *lockMap

	mu        sync.RWMutex
	pools     map[solana.PublicKey]domain.Pool     // by token mint
	positions map[solana.PublicKey]domain.Position // by position address
	byOwner   map[solana.PublicKey]map[solana.PublicKey]struct{}
}

// New creates an empty engine for the given program.
func New(programID solana.PublicKey, opts ...Option) *Engine {
	e := &Engine{
		programID: programID,
		logger:    slog.Default().With(slog.String("component", "settlement")),
		now:       time.Now,
		locks:     newLockMap(),
		pools:     make(map[solana.PublicKey]domain.Pool),
		positions: make(map[solana.PublicKey]domain.Position),
		byOwner:   make(map[solana.PublicKey]map[solana.PublicKey]struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ProgramID returns the program the engine derives addresses for.
func (e *Engine) ProgramID() solana.PublicKey { return e.programID }

// Restore replaces all in-memory state, typically from the stores at startup
// or from a chain snapshot. Positions without a token mint are joined to
// their pool by pool address.
func (e *Engine) Restore(pools []domain.Pool, positions []domain.Position) {
	mintByPool := make(map[solana.PublicKey]solana.PublicKey, len(pools))

	e.mu.Lock()
	defer e.mu.Unlock()

	e.pools = make(map[solana.PublicKey]domain.Pool, len(pools))
	e.positions = make(map[solana.PublicKey]domain.Position, len(positions))
	e.byOwner = make(map[solana.PublicKey]map[solana.PublicKey]struct{})
	for _, p := range pools {
		e.pools[p.TokenYMint] = p
		mintByPool[p.Address] = p.TokenYMint
	}
	for _, pos := range positions {
		if pos.TokenYMint.IsZero() {
			mint, ok := mintByPool[pos.Pool]
			if !ok {
				e.logger.Warn("settlement: restore skipped orphan position",
					slog.String("position", pos.Address.String()),
					slog.String("pool", pos.Pool.String()),
				)
				continue
			}
			pos.TokenYMint = mint
		}
		e.putPositionLocked(pos)
	}
	e.logger.Info("settlement: state restored",
		slog.Int("pools", len(e.pools)),
		slog.Int("positions", len(e.positions)),
	)
}

// ── Reads ──

// Pool returns a snapshot of the pool for a token mint.
func (e *Engine) Pool(mint solana.PublicKey) (domain.Pool, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, ok := e.pools[mint]
	if !ok {
		return domain.Pool{}, fmt.Errorf("settlement: pool %s: %w", mint, domain.ErrPoolNotFound)
	}
	return p, nil
}

// Pools returns all pools, newest first.
func (e *Engine) Pools() []domain.Pool {
	e.mu.RLock()
	out := make([]domain.Pool, 0, len(e.pools))
	for _, p := range e.pools {
		out = append(out, p)
	}
	e.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreationTimestamp != out[j].CreationTimestamp {
			return out[i].CreationTimestamp > out[j].CreationTimestamp
		}
		return out[i].TokenYMint.String() < out[j].TokenYMint.String()
	})
	return out
}

// Position returns a snapshot of an open position.
func (e *Engine) Position(address solana.PublicKey) (domain.Position, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	p, ok := e.positions[address]
	if !ok {
		return domain.Position{}, fmt.Errorf("settlement: position %s: %w", address, domain.ErrPositionNotFound)
	}
	return p, nil
}

// PositionsByOwner lists an owner's open positions, optionally restricted to
// one token mint, oldest first.
func (e *Engine) PositionsByOwner(owner solana.PublicKey, mint *solana.PublicKey) []domain.Position {
	e.mu.RLock()
	out := make([]domain.Position, 0, len(e.byOwner[owner]))
	for addr := range e.byOwner[owner] {
		pos := e.positions[addr]
		if mint != nil && pos.TokenYMint != *mint {
			continue
		}
		out = append(out, pos)
	}
	e.mu.RUnlock()

	sortPositions(out)
	return out
}

// OpenPositions lists every open position, oldest first.
func (e *Engine) OpenPositions() []domain.Position {
	e.mu.RLock()
	out := make([]domain.Position, 0, len(e.positions))
	for _, pos := range e.positions {
		out = append(out, pos)
	}
	e.mu.RUnlock()

	sortPositions(out)
	return out
}

func sortPositions(ps []domain.Position) {
	sort.Slice(ps, func(i, j int) bool {
		if !ps[i].OpenedAt.Equal(ps[j].OpenedAt) {
			return ps[i].OpenedAt.Before(ps[j].OpenedAt)
		}
		return ps[i].Address.String() < ps[j].Address.String()
	})
}

// Quote prices a spot swap against the current reserves without mutating
// anything.
func (e *Engine) Quote(mint solana.PublicKey, amountIn uint64, dir amm.Direction) (uint64, error) {
	pool, err := e.Pool(mint)
	if err != nil {
		return 0, err
	}
	out, err := amm.Quote(amm.ReservesOf(pool), amountIn, dir)
	if err != nil {
		return 0, fmt.Errorf("settlement: quote %s: %w", mint, err)
	}
	return out, nil
}

// Evaluate classifies a position against a consistent snapshot of its pool.
func (e *Engine) Evaluate(address solana.PublicKey) (domain.PositionHealth, error) {
	e.mu.RLock()
	pos, ok := e.positions[address]
	pool := e.pools[pos.TokenYMint]
	e.mu.RUnlock()
	if !ok {
		return domain.PositionHealth{}, fmt.Errorf("settlement: evaluate %s: %w", address, domain.ErrPositionNotFound)
	}
	return Evaluate(pos, pool)
}

// ── Internal helpers ──

func (e *Engine) putPositionLocked(pos domain.Position) {
	e.positions[pos.Address] = pos
	set, ok := e.byOwner[pos.Authority]
	if !ok {
		set = make(map[solana.PublicKey]struct{})
		e.byOwner[pos.Authority] = set
	}
	set[pos.Address] = struct{}{}
}

func (e *Engine) deletePositionLocked(address solana.PublicKey) {
	pos, ok := e.positions[address]
	if !ok {
		return
	}
	delete(e.positions, address)
	if set := e.byOwner[pos.Authority]; set != nil {
		delete(set, address)
		if len(set) == 0 {
			delete(e.byOwner, pos.Authority)
		}
	}
}

// stamp bumps the pool version and builds the settlement header.
func (e *Engine) stamp(pool *domain.Pool, kind domain.SettlementKind, actor solana.PublicKey) domain.Settlement {
	now := e.now().UTC()
	pool.Version++
	pool.UpdatedAt = now
	return domain.Settlement{
		ID:          uuid.New().String(),
		Kind:        kind,
		TokenYMint:  pool.TokenYMint,
		Actor:       actor,
		PoolVersion: pool.Version,
		CreatedAt:   now,
	}
}

// commit journals c and then publishes it to the in-memory state. The caller
// must hold the pool lock.
func (e *Engine) commit(ctx context.Context, c domain.LedgerCommit) error {
	if e.ledger != nil {
		if err := e.ledger.Apply(ctx, c); err != nil {
			return fmt.Errorf("settlement: journal %s: %w", c.Settlement.Kind, err)
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.pools[c.Pool.TokenYMint] = c.Pool
	if c.UpsertPosition != nil {
		e.putPositionLocked(*c.UpsertPosition)
	}
	if c.DeletePosition != nil {
		e.deletePositionLocked(*c.DeletePosition)
	}
	return nil
}

// checkSolvency verifies that the curve is priced on both sides and that the
// pool physically holds at least what its bookkeeping says it lent out.
func checkSolvency(p domain.Pool) error {
	if err := amm.ReservesOf(p).Validate(); err != nil {
		return err
	}
	return checkCustody(p)
}

func checkCustody(p domain.Pool) error {
	if p.Lamports < p.LeveragedSolAmount {
		return fmt.Errorf("%w: sol custody would go negative", domain.ErrInsufficientReserves)
	}
	if p.TokenYAmount < p.LeveragedTokenYAmount {
		return fmt.Errorf("%w: token custody would go negative", domain.ErrInsufficientReserves)
	}
	return nil
}
