package settlement

import (
	"context"
	"fmt"
	"log/slog"
	"unicode/utf8"

	"github.com/gagliardetto/solana-go"

	"github.com/whiplashfi/whiplash/internal/amm"
	"github.com/whiplashfi/whiplash/internal/domain"
	"github.com/whiplashfi/whiplash/internal/layout"
)

// Metadata limits enforced by the token metadata program.
const (
	maxNameLen   = 32
	maxSymbolLen = 10
	maxURILen    = 200
)

// LaunchRequest creates a pool for a new token.
type LaunchRequest struct {
	Authority         solana.PublicKey
	Mint              solana.PublicKey
	VirtualSolReserve uint64
	Name              string
	Symbol            string
	URI               string
}

// LaunchResult is the outcome of a committed launch.
type LaunchResult struct {
	Pool       domain.Pool
	Settlement domain.Settlement
}

// SwapRequest is a spot swap. Buy spends SOL, Sell spends token Y.
type SwapRequest struct {
	Mint         solana.PublicKey
	Trader       solana.PublicKey
	AmountIn     uint64
	MinAmountOut uint64
	Direction    amm.Direction
}

// SwapResult is the outcome of a committed swap.
type SwapResult struct {
	AmountOut  uint64
	Pool       domain.Pool
	Settlement domain.Settlement
}

// Launch creates the pool for req.Mint. The whole token supply is deposited
// as the real token reserve and the SOL side is priced purely by the
// creator's virtual reserve.
func (e *Engine) Launch(ctx context.Context, req LaunchRequest) (LaunchResult, error) {
	if req.VirtualSolReserve == 0 {
		return LaunchResult{}, fmt.Errorf("settlement: launch: %w: virtual sol reserve must be positive", domain.ErrInvalidAmount)
	}
	if err := validateMetadata(req.Name, req.Symbol, req.URI); err != nil {
		return LaunchResult{}, fmt.Errorf("settlement: launch: %w", err)
	}

	unlock := e.locks.Lock(req.Mint)
	defer unlock()

	if _, err := e.Pool(req.Mint); err == nil {
		return LaunchResult{}, fmt.Errorf("settlement: launch %s: %w", req.Mint, domain.ErrAlreadyExists)
	}

	addr, bump, err := layout.PoolAddress(e.programID, req.Mint)
	if err != nil {
		return LaunchResult{}, err
	}
	vault, err := layout.VaultAddress(e.programID, addr)
	if err != nil {
		return LaunchResult{}, err
	}

	pool := domain.Pool{
		Address:             addr,
		Authority:           req.Authority,
		TokenYMint:          req.Mint,
		TokenYVault:         vault,
		TokenYAmount:        domain.TokenYSupply,
		VirtualTokenYAmount: 0,
		Lamports:            0,
		VirtualSolAmount:    req.VirtualSolReserve,
		CreationTimestamp:   e.now().Unix(),
		Bump:                bump,
		Name:                req.Name,
		Symbol:              req.Symbol,
		URI:                 req.URI,
	}
	s := e.stamp(&pool, domain.SettlementLaunch, req.Authority)

	if err := e.commit(ctx, domain.LedgerCommit{Pool: pool, Settlement: s}); err != nil {
		return LaunchResult{}, err
	}

	e.logger.InfoContext(ctx, "settlement: pool launched",
		slog.String("mint", req.Mint.String()),
		slog.String("symbol", req.Symbol),
		slog.Uint64("virtual_sol", req.VirtualSolReserve),
	)
	return LaunchResult{Pool: pool, Settlement: s}, nil
}

// Swap executes a spot swap. Only real reserves move.
func (e *Engine) Swap(ctx context.Context, req SwapRequest) (SwapResult, error) {
	unlock := e.locks.Lock(req.Mint)
	defer unlock()

	pool, err := e.Pool(req.Mint)
	if err != nil {
		return SwapResult{}, err
	}

	out, next, err := amm.Swap(amm.ReservesOf(pool), req.AmountIn, req.MinAmountOut, req.Direction)
	if err != nil {
		return SwapResult{}, fmt.Errorf("settlement: swap %s: %w", req.Mint, err)
	}
	next.Store(&pool)
	if err := checkSolvency(pool); err != nil {
		return SwapResult{}, fmt.Errorf("settlement: swap %s: %w", req.Mint, err)
	}

	s := e.stamp(&pool, domain.SettlementSwap, req.Trader)
	s.Side = req.Direction.String()
	s.AmountIn = req.AmountIn
	s.AmountOut = out

	if err := e.commit(ctx, domain.LedgerCommit{Pool: pool, Settlement: s}); err != nil {
		return SwapResult{}, err
	}

	e.logger.DebugContext(ctx, "settlement: swap",
		slog.String("mint", req.Mint.String()),
		slog.String("side", s.Side),
		slog.Uint64("in", req.AmountIn),
		slog.Uint64("out", out),
	)
	return SwapResult{AmountOut: out, Pool: pool, Settlement: s}, nil
}

func validateMetadata(name, symbol, uri string) error {
	switch {
	case name == "" || utf8.RuneCountInString(name) > maxNameLen:
		return fmt.Errorf("%w: name must be 1-%d characters", domain.ErrInvalidMetadata, maxNameLen)
	case symbol == "" || utf8.RuneCountInString(symbol) > maxSymbolLen:
		return fmt.Errorf("%w: symbol must be 1-%d characters", domain.ErrInvalidMetadata, maxSymbolLen)
	case len(uri) > maxURILen:
		return fmt.Errorf("%w: uri longer than %d bytes", domain.ErrInvalidMetadata, maxURILen)
	}
	return nil
}
