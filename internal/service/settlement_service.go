package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/gagliardetto/solana-go"

	"github.com/whiplashfi/whiplash/internal/domain"
	"github.com/whiplashfi/whiplash/internal/metrics"
	"github.com/whiplashfi/whiplash/internal/notify"
	"github.com/whiplashfi/whiplash/internal/settlement"
)

// SettlementService is the write path in front of the engine. Around each
// engine call it takes the cross-instance pool lock, records metrics, and
// publishes, audits and alerts on the committed settlement.
type SettlementService struct {
	engine   *settlement.Engine
	locks    domain.LockManager
	audit    domain.AuditStore
	notifier *notify.Notifier
	metrics  *metrics.Metrics
	events   publisher
	lockTTL  time.Duration
	logger   *slog.Logger
}

// NewSettlementService creates a SettlementService. locks, bus, audit,
// notifier and m may be nil.
func NewSettlementService(
	engine *settlement.Engine,
	locks domain.LockManager,
	bus domain.SignalBus,
	audit domain.AuditStore,
	notifier *notify.Notifier,
	m *metrics.Metrics,
	lockTTL time.Duration,
	logger *slog.Logger,
) *SettlementService {
	logger = logger.With(slog.String("component", "settlement_service"))
	return &SettlementService{
		engine:   engine,
		locks:    locks,
		audit:    audit,
		notifier: notifier,
		metrics:  m,
		events:   publisher{bus: bus, logger: logger},
		lockTTL:  lockTTL,
		logger:   logger,
	}
}

// Engine exposes the underlying engine for read paths.
func (s *SettlementService) Engine() *settlement.Engine { return s.engine }

// poolLockKey names the distributed lock serialising writes to one pool.
func poolLockKey(mint solana.PublicKey) string {
	return "pool:" + mint.String()
}

// withPoolLock runs fn while holding the distributed lock for mint. Without a
// lock manager only the engine's in-process lock applies.
func (s *SettlementService) withPoolLock(ctx context.Context, mint solana.PublicKey, fn func() error) error {
	if s.locks == nil {
		return fn()
	}
	start := time.Now()
	unlock, err := s.locks.Acquire(ctx, poolLockKey(mint), s.lockTTL)
	s.metrics.ObserveLockWait(time.Since(start))
	if err != nil {
		return fmt.Errorf("settlement_service: lock %s: %w", mint, err)
	}
	defer unlock()
	return fn()
}

// observe records the outcome of one settlement request.
func (s *SettlementService) observe(ctx context.Context, kind domain.SettlementKind, start time.Time, err error) {
	if err != nil {
		reason := errorReason(err)
		s.metrics.ObserveSettlement(string(kind), reason, time.Since(start))
		s.logger.DebugContext(ctx, "settlement_service: rejected",
			slog.String("kind", string(kind)),
			slog.String("reason", reason),
			slog.String("error", err.Error()),
		)
		return
	}
	s.metrics.ObserveSettlement(string(kind), "", time.Since(start))
}

// committed publishes and audits a settlement that is already durable.
// Failures here are logged and never undo the settlement.
func (s *SettlementService) committed(ctx context.Context, st domain.Settlement, detail map[string]any) {
	s.events.settlement(ctx, st)
	if s.audit == nil {
		return
	}
	if detail == nil {
		detail = make(map[string]any)
	}
	detail["settlement_id"] = st.ID
	detail["mint"] = st.TokenYMint.String()
	detail["actor"] = st.Actor.String()
	if err := s.audit.Log(ctx, "settlement."+string(st.Kind), detail); err != nil {
		s.logger.WarnContext(ctx, "settlement_service: audit log failed",
			slog.String("settlement_id", st.ID),
			slog.String("error", err.Error()),
		)
	}
}

// Launch creates a pool.
func (s *SettlementService) Launch(ctx context.Context, req settlement.LaunchRequest) (domain.Pool, error) {
	start := time.Now()
	var res settlement.LaunchResult
	err := s.withPoolLock(ctx, req.Mint, func() error {
		var err error
		res, err = s.engine.Launch(ctx, req)
		return err
	})
	s.observe(ctx, domain.SettlementLaunch, start, err)
	if err != nil {
		return domain.Pool{}, err
	}

	s.committed(ctx, res.Settlement, map[string]any{
		"symbol":      res.Pool.Symbol,
		"virtual_sol": res.Pool.VirtualSolAmount,
	})
	return res.Pool, nil
}

// Swap executes a spot swap.
func (s *SettlementService) Swap(ctx context.Context, req settlement.SwapRequest) (settlement.SwapResult, error) {
	start := time.Now()
	var res settlement.SwapResult
	err := s.withPoolLock(ctx, req.Mint, func() error {
		var err error
		res, err = s.engine.Swap(ctx, req)
		return err
	})
	s.observe(ctx, domain.SettlementSwap, start, err)
	if err != nil {
		return settlement.SwapResult{}, err
	}

	s.committed(ctx, res.Settlement, map[string]any{
		"side":       res.Settlement.Side,
		"amount_in":  res.Settlement.AmountIn,
		"amount_out": res.AmountOut,
	})
	return res, nil
}

// OpenLeverage opens a leveraged position.
func (s *SettlementService) OpenLeverage(ctx context.Context, req settlement.OpenRequest) (settlement.OpenResult, error) {
	start := time.Now()
	var res settlement.OpenResult
	err := s.withPoolLock(ctx, req.Mint, func() error {
		var err error
		res, err = s.engine.OpenLeverage(ctx, req)
		return err
	})
	s.observe(ctx, domain.SettlementOpen, start, err)
	if err != nil {
		return settlement.OpenResult{}, err
	}

	s.committed(ctx, res.Settlement, map[string]any{
		"position":   res.Position.Address.String(),
		"long":       res.Position.IsLong,
		"collateral": res.Position.Collateral,
		"leverage":   res.Position.Leverage,
		"size":       res.Position.Size,
	})
	return res, nil
}

// ClosePosition closes a position for its owner, or liquidates it when the
// caller is someone else and the position is underwater.
func (s *SettlementService) ClosePosition(ctx context.Context, address, caller solana.PublicKey) (settlement.CloseResult, error) {
	return s.settle(ctx, domain.SettlementClose, address, caller, s.engine.ClosePosition)
}

// Liquidate settles an underwater position on behalf of any caller.
func (s *SettlementService) Liquidate(ctx context.Context, address, liquidator solana.PublicKey) (settlement.CloseResult, error) {
	return s.settle(ctx, domain.SettlementLiquidate, address, liquidator, s.engine.Liquidate)
}

type settleFunc func(ctx context.Context, address, caller solana.PublicKey) (settlement.CloseResult, error)

func (s *SettlementService) settle(ctx context.Context, kind domain.SettlementKind, address, caller solana.PublicKey, fn settleFunc) (settlement.CloseResult, error) {
	start := time.Now()
	pos, err := s.engine.Position(address)
	if err != nil {
		s.observe(ctx, kind, start, err)
		return settlement.CloseResult{}, err
	}

	var res settlement.CloseResult
	err = s.withPoolLock(ctx, pos.TokenYMint, func() error {
		var err error
		res, err = fn(ctx, address, caller)
		return err
	})
	// A close by a non-owner is committed as a liquidation.
	if err == nil {
		kind = res.Settlement.Kind
	}
	s.observe(ctx, kind, start, err)
	if err != nil {
		return settlement.CloseResult{}, err
	}

	s.committed(ctx, res.Settlement, map[string]any{
		"position": address.String(),
		"owner":    res.Position.Authority.String(),
		"output":   res.CurrentOutput,
		"borrowed": res.Borrowed,
		"payout":   res.Payout,
	})

	if res.Status == domain.PositionLiquidated && s.notifier.Enabled() {
		if err := s.notifier.Notify(ctx, notify.Liquidation(res.Settlement, res.Position.Authority)); err != nil {
			s.logger.WarnContext(ctx, "settlement_service: liquidation alert failed",
				slog.String("position", address.String()),
				slog.String("error", err.Error()),
			)
		}
	}
	return res, nil
}
