package settlement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/gagliardetto/solana-go"

	"github.com/whiplashfi/whiplash/internal/amm"
	"github.com/whiplashfi/whiplash/internal/domain"
	"github.com/whiplashfi/whiplash/internal/layout"
)

// EntryPriceScale is the fixed-point scale of Position.EntryPrice.
const EntryPriceScale = 1_000_000_000

// OpenRequest opens a leveraged position. Leverage is scaled by 10 and must
// lie in (10, 100]. A long posts SOL collateral, a short posts token Y.
type OpenRequest struct {
	Mint         solana.PublicKey
	Owner        solana.PublicKey
	Collateral   uint64
	Leverage     uint64
	MinAmountOut uint64
	Direction    amm.Direction
	Nonce        uint64
}

// OpenResult is the outcome of a committed open.
type OpenResult struct {
	Position   domain.Position
	Pool       domain.Pool
	Effective  uint64
	Borrowed   uint64
	Settlement domain.Settlement
}

// CloseResult is the outcome of a close or liquidation.
type CloseResult struct {
	Position      domain.Position
	Pool          domain.Pool
	Status        domain.PositionStatus // PositionClosed or PositionLiquidated
	CurrentOutput uint64
	Borrowed      uint64
	Payout        uint64
	Settlement    domain.Settlement
}

// ValidateLeverage rejects multipliers outside (1.0, MaxLeverage].
func ValidateLeverage(lev10 uint64) error {
	if lev10 <= amm.LeverageScale || lev10 > domain.MaxLeverageScaled {
		return fmt.Errorf("%w: %d.%dx outside (1.0x, %d.0x]",
			domain.ErrInvalidLeverage, lev10/amm.LeverageScale, lev10%amm.LeverageScale, domain.MaxLeverage)
	}
	return nil
}

// Terms returns the effective traded size and the borrowed part of it.
func Terms(collateral, lev10 uint64) (effective, borrowed uint64, err error) {
	effective, err = amm.ScaleLeverage(collateral, lev10)
	if err != nil {
		return 0, 0, err
	}
	borrowed, err = amm.CheckedSub(effective, collateral)
	if err != nil {
		return 0, 0, err
	}
	return effective, borrowed, nil
}

// openDirection is the side the position traded on when it was opened.
func openDirection(pos domain.Position) amm.Direction {
	if pos.IsLong {
		return amm.Buy
	}
	return amm.Sell
}

// Evaluate prices closing pos against pool. A position whose close would not
// cover its borrow is underwater: Limbo once the monitor has flagged it,
// LiquidationEligible before that. A healthy payout never exceeds what the
// pool physically holds on the output side; the excess is reported as
// Shortfall.
func Evaluate(pos domain.Position, pool domain.Pool) (domain.PositionHealth, error) {
	_, borrowed, err := Terms(pos.Collateral, pos.Leverage)
	if err != nil {
		return domain.PositionHealth{}, fmt.Errorf("settlement: evaluate %s: %w", pos.Address, err)
	}
	curve, err := amm.CurveOut(amm.ReservesOf(pool), pos.Size, openDirection(pos).Reverse())
	if err != nil {
		return domain.PositionHealth{}, fmt.Errorf("settlement: evaluate %s: %w", pos.Address, err)
	}

	h := domain.PositionHealth{Position: pos, Borrowed: borrowed}
	if curve < borrowed {
		h.CurrentOutput = curve
		h.Shortfall = borrowed - curve
		h.Status = domain.PositionLiquidationEligible
		if pos.LimboSince != nil {
			h.Status = domain.PositionLimbo
		}
		return h, nil
	}
	h.Status = domain.PositionHealthy
	h.Payout = min(curve-borrowed, payable(pool, pos.IsLong, borrowed))
	h.CurrentOutput = borrowed + h.Payout
	h.Shortfall = curve - h.CurrentOutput
	return h, nil
}

// payable is the most a close can pay out on the output side: the custody
// held there, less one unit when paying all of it would leave that side of
// the curve empty.
func payable(pool domain.Pool, long bool, borrowed uint64) uint64 {
	held, leveraged, virtual := pool.Lamports, pool.LeveragedSolAmount, pool.VirtualSolAmount
	if !long {
		held, leveraged, virtual = pool.TokenYAmount, pool.LeveragedTokenYAmount, pool.VirtualTokenYAmount
	}
	if held <= leveraged {
		return 0
	}
	custody := held - leveraged
	if virtual == 0 && leveraged <= borrowed {
		custody--
	}
	return custody
}

// OpenLeverage trades collateral*leverage against the pool as if it were a
// spot swap and parks the output in the position vault. The borrowed part of
// the input is recorded as leveraged bookkeeping on the input side.
func (e *Engine) OpenLeverage(ctx context.Context, req OpenRequest) (OpenResult, error) {
	if err := ValidateLeverage(req.Leverage); err != nil {
		return OpenResult{}, fmt.Errorf("settlement: open: %w", err)
	}
	if req.Collateral == 0 {
		return OpenResult{}, fmt.Errorf("settlement: open: %w: collateral must be positive", domain.ErrInvalidAmount)
	}
	effective, borrowed, err := Terms(req.Collateral, req.Leverage)
	if err != nil {
		return OpenResult{}, fmt.Errorf("settlement: open: %w", err)
	}

	unlock := e.locks.Lock(req.Mint)
	defer unlock()

	pool, err := e.Pool(req.Mint)
	if err != nil {
		return OpenResult{}, err
	}

	addr, bump, err := layout.PositionAddress(e.programID, pool.Address, req.Owner, req.Nonce)
	if err != nil {
		return OpenResult{}, err
	}
	if _, err := e.Position(addr); err == nil {
		return OpenResult{}, fmt.Errorf("settlement: open: nonce %d for %s: %w", req.Nonce, req.Owner, domain.ErrAlreadyExists)
	}
	vault, err := layout.VaultAddress(e.programID, addr)
	if err != nil {
		return OpenResult{}, err
	}

	out, next, err := amm.Swap(amm.ReservesOf(pool), effective, req.MinAmountOut, req.Direction)
	if err != nil {
		return OpenResult{}, fmt.Errorf("settlement: open %s: %w", req.Mint, err)
	}
	next.Store(&pool)
	if req.Direction == amm.Buy {
		pool.LeveragedSolAmount, err = amm.CheckedAdd(pool.LeveragedSolAmount, borrowed)
	} else {
		pool.LeveragedTokenYAmount, err = amm.CheckedAdd(pool.LeveragedTokenYAmount, borrowed)
	}
	if err != nil {
		return OpenResult{}, fmt.Errorf("settlement: open %s: %w", req.Mint, err)
	}
	if err := checkSolvency(pool); err != nil {
		return OpenResult{}, fmt.Errorf("settlement: open %s: %w", req.Mint, err)
	}

	pos := domain.Position{
		Address:       addr,
		Authority:     req.Owner,
		Pool:          pool.Address,
		TokenYMint:    pool.TokenYMint,
		PositionVault: vault,
		IsLong:        req.Direction == amm.Buy,
		Collateral:    req.Collateral,
		Leverage:      req.Leverage,
		EntryPrice:    entryPrice(effective, out),
		Size:          out,
		Nonce:         req.Nonce,
		Bump:          bump,
		OpenedAt:      e.now().UTC(),
	}

	s := e.stamp(&pool, domain.SettlementOpen, req.Owner)
	s.Position = addr
	s.Side = req.Direction.String()
	s.AmountIn = effective
	s.AmountOut = out
	s.Borrowed = borrowed

	if err := e.commit(ctx, domain.LedgerCommit{Pool: pool, UpsertPosition: &pos, Settlement: s}); err != nil {
		return OpenResult{}, err
	}

	e.logger.InfoContext(ctx, "settlement: position opened",
		slog.String("position", addr.String()),
		slog.String("mint", req.Mint.String()),
		slog.Bool("long", pos.IsLong),
		slog.Uint64("collateral", req.Collateral),
		slog.Uint64("leverage", req.Leverage),
		slog.Uint64("size", out),
	)
	return OpenResult{
		Position:   pos,
		Pool:       pool,
		Effective:  effective,
		Borrowed:   borrowed,
		Settlement: s,
	}, nil
}

// ClosePosition settles a position at the current price. The owner may close
// at any time. Anyone else may close it only while it is underwater, which
// is a liquidation.
func (e *Engine) ClosePosition(ctx context.Context, address, caller solana.PublicKey) (CloseResult, error) {
	return e.settle(ctx, address, caller, false)
}

// Liquidate settles an underwater position on behalf of any caller.
// Liquidation carries no reward: the liquidator receives nothing and the
// owner receives whatever remains after the borrow is repaid.
func (e *Engine) Liquidate(ctx context.Context, address, liquidator solana.PublicKey) (CloseResult, error) {
	return e.settle(ctx, address, liquidator, true)
}

func (e *Engine) settle(ctx context.Context, address, caller solana.PublicKey, liquidate bool) (CloseResult, error) {
	pos, err := e.Position(address)
	if err != nil {
		return CloseResult{}, err
	}

	unlock := e.locks.Lock(pos.TokenYMint)
	defer unlock()

	// Another settlement may have won the race while we waited.
	if pos, err = e.Position(address); err != nil {
		return CloseResult{}, err
	}
	pool, err := e.Pool(pos.TokenYMint)
	if err != nil {
		return CloseResult{}, err
	}

	h, err := Evaluate(pos, pool)
	if err != nil {
		return CloseResult{}, err
	}
	underwater := h.Status.Underwater()
	switch {
	case liquidate && !underwater:
		return CloseResult{}, fmt.Errorf("settlement: liquidate %s: %w", address, domain.ErrPositionHealthy)
	case !liquidate && caller != pos.Authority && !underwater:
		return CloseResult{}, fmt.Errorf("settlement: close %s: %w", address, domain.ErrUnauthorized)
	}
	if caller != pos.Authority {
		liquidate = true
	}

	dir := openDirection(pos).Reverse()
	if err := unwind(&pool, pos.IsLong, pos.Size, h); err != nil {
		return CloseResult{}, fmt.Errorf("settlement: settle %s: %w", address, err)
	}
	if err := checkCustody(pool); err != nil {
		return CloseResult{}, fmt.Errorf("settlement: settle %s: %w", address, err)
	}

	kind, status := domain.SettlementClose, domain.PositionClosed
	if liquidate {
		kind, status = domain.SettlementLiquidate, domain.PositionLiquidated
	}
	s := e.stamp(&pool, kind, caller)
	s.Position = address
	s.Side = dir.String()
	s.AmountIn = pos.Size
	s.AmountOut = h.CurrentOutput
	s.Borrowed = h.Borrowed
	s.Payout = h.Payout

	if err := e.commit(ctx, domain.LedgerCommit{Pool: pool, DeletePosition: &address, Settlement: s}); err != nil {
		return CloseResult{}, err
	}

	e.logger.InfoContext(ctx, "settlement: position settled",
		slog.String("position", address.String()),
		slog.String("status", string(status)),
		slog.Uint64("output", h.CurrentOutput),
		slog.Uint64("borrowed", h.Borrowed),
		slog.Uint64("payout", h.Payout),
	)
	return CloseResult{
		Position:      pos,
		Pool:          pool,
		Status:        status,
		CurrentOutput: h.CurrentOutput,
		Borrowed:      h.Borrowed,
		Payout:        h.Payout,
		Settlement:    s,
	}, nil
}

// unwind applies a close to the pool. The position's size returns to the
// input side. On the output side the borrow leaves the leveraged bookkeeping
// and the real reserve gives up the borrow plus the payout, so custody falls
// by exactly the payout. An underwater close pays nothing and custody is
// untouched: the unrepaid part of the borrow was never real capital.
func unwind(pool *domain.Pool, long bool, size uint64, h domain.PositionHealth) error {
	in, out, leveraged := &pool.TokenYAmount, &pool.Lamports, &pool.LeveragedSolAmount
	if !long {
		in, out, leveraged = &pool.Lamports, &pool.TokenYAmount, &pool.LeveragedTokenYAmount
	}

	taken, err := amm.CheckedAdd(h.Borrowed, h.Payout)
	if err != nil {
		return err
	}
	if *leveraged, err = amm.CheckedSub(*leveraged, h.Borrowed); err != nil {
		return fmt.Errorf("%w: borrow exceeds leveraged bookkeeping", domain.ErrInsufficientReserves)
	}
	if *out, err = amm.CheckedSub(*out, taken); err != nil {
		return fmt.Errorf("%w: close exceeds real reserve", domain.ErrInsufficientReserves)
	}
	if *in, err = amm.CheckedAdd(*in, size); err != nil {
		return err
	}
	return nil
}

// SetLimbo records (since != nil) or clears the monitor's limbo flag on a
// position. It does not touch reserves.
func (e *Engine) SetLimbo(address solana.PublicKey, since *time.Time) (domain.Position, error) {
	pos, err := e.Position(address)
	if err != nil {
		return domain.Position{}, err
	}

	unlock := e.locks.Lock(pos.TokenYMint)
	defer unlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	pos, ok := e.positions[address]
	if !ok {
		return domain.Position{}, fmt.Errorf("settlement: limbo %s: %w", address, domain.ErrPositionNotFound)
	}
	if since != nil {
		t := since.UTC()
		pos.LimboSince = &t
	} else {
		pos.LimboSince = nil
	}
	e.positions[address] = pos
	return pos, nil
}

func entryPrice(effective, size uint64) uint64 {
	p, err := amm.MulDivFloor(effective, EntryPriceScale, size)
	if errors.Is(err, amm.ErrOverflow) {
		return math.MaxUint64
	}
	return p
}
