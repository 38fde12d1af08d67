package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gagliardetto/solana-go"

	"github.com/whiplashfi/whiplash/internal/amm"
	"github.com/whiplashfi/whiplash/internal/domain"
	"github.com/whiplashfi/whiplash/internal/service"
	"github.com/whiplashfi/whiplash/internal/settlement"
)

// PoolQuerier is the read side of pools.
type PoolQuerier interface {
	ListPools(ctx context.Context, limit, offset int) ([]service.PoolView, error)
	GetPool(ctx context.Context, mint solana.PublicKey) (service.PoolView, error)
	Quote(ctx context.Context, mint solana.PublicKey, amountIn uint64, dir amm.Direction) (service.QuoteView, error)
	Settlements(ctx context.Context, mint solana.PublicKey, opts domain.ListOpts) ([]service.SettlementView, error)
}

// PoolSettler is the write side of pools.
type PoolSettler interface {
	Launch(ctx context.Context, req settlement.LaunchRequest) (domain.Pool, error)
	Swap(ctx context.Context, req settlement.SwapRequest) (settlement.SwapResult, error)
	OpenLeverage(ctx context.Context, req settlement.OpenRequest) (settlement.OpenResult, error)
}

// PoolSyncer pulls a single pool from chain. Only set in mirror mode.
type PoolSyncer interface {
	SyncPool(ctx context.Context, mint solana.PublicKey) error
}

// PoolHandler serves pool reads, quotes and pool-scoped settlements.
type PoolHandler struct {
	query  PoolQuerier
	settle PoolSettler
	sync   PoolSyncer
	logger *slog.Logger
}

// NewPoolHandler creates a PoolHandler. settle is nil when writes are
// disabled and sync is nil outside mirror mode.
func NewPoolHandler(query PoolQuerier, settle PoolSettler, sync PoolSyncer, logger *slog.Logger) *PoolHandler {
	return &PoolHandler{
		query:  query,
		settle: settle,
		sync:   sync,
		logger: logger.With(slog.String("handler", "pool")),
	}
}

// withPool runs fn and, when the pool is unknown and a syncer is set, pulls
// the pool from chain and runs fn once more.
func (h *PoolHandler) withPool(ctx context.Context, mint solana.PublicKey, fn func() error) error {
	err := fn()
	if h.sync == nil || !errors.Is(err, domain.ErrPoolNotFound) {
		return err
	}
	if serr := h.sync.SyncPool(ctx, mint); serr != nil {
		if !errors.Is(serr, domain.ErrPoolNotFound) {
			h.logger.WarnContext(ctx, "handler: pool sync failed",
				slog.String("mint", mint.String()),
				slog.String("error", serr.Error()),
			)
		}
		return err
	}
	return fn()
}

type listPoolsResponse struct {
	Pools []service.PoolView `json:"pools"`
}

// ListPools returns pools newest first.
// GET /api/pools?limit=&offset=
func (h *PoolHandler) ListPools(w http.ResponseWriter, r *http.Request) {
	opts := parseListOpts(r)
	pools, err := h.query.ListPools(r.Context(), opts.Limit, opts.Offset)
	if err != nil {
		writeServiceError(w, r, h.logger, "list pools", err)
		return
	}
	if pools == nil {
		pools = []service.PoolView{}
	}
	writeJSON(w, http.StatusOK, listPoolsResponse{Pools: pools})
}

// GetPool returns one pool.
// GET /api/pools/{mint}
func (h *PoolHandler) GetPool(w http.ResponseWriter, r *http.Request) {
	mint, err := pathKey(r, "mint")
	if err != nil {
		writeServiceError(w, r, h.logger, "get pool", err)
		return
	}
	var view service.PoolView
	err = h.withPool(r.Context(), mint, func() error {
		var err error
		view, err = h.query.GetPool(r.Context(), mint)
		return err
	})
	if err != nil {
		writeServiceError(w, r, h.logger, "get pool", err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// Quote prices a swap without executing it.
// GET /api/pools/{mint}/quote?amount=&side=buy|sell
func (h *PoolHandler) Quote(w http.ResponseWriter, r *http.Request) {
	mint, err := pathKey(r, "mint")
	if err != nil {
		writeServiceError(w, r, h.logger, "quote", err)
		return
	}
	q := r.URL.Query()
	amount, err := parseAmount("amount", q.Get("amount"))
	if err != nil {
		writeServiceError(w, r, h.logger, "quote", err)
		return
	}
	side := q.Get("side")
	if side == "" {
		side = "buy"
	}
	dir, err := parseSide(side)
	if err != nil {
		writeServiceError(w, r, h.logger, "quote", err)
		return
	}

	var view service.QuoteView
	err = h.withPool(r.Context(), mint, func() error {
		var err error
		view, err = h.query.Quote(r.Context(), mint, amount, dir)
		return err
	})
	if err != nil {
		writeServiceError(w, r, h.logger, "quote", err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

type settlementsResponse struct {
	Settlements []service.SettlementView `json:"settlements"`
}

// Settlements returns a pool's settlement history, newest first.
// GET /api/pools/{mint}/settlements?limit=&offset=
func (h *PoolHandler) Settlements(w http.ResponseWriter, r *http.Request) {
	mint, err := pathKey(r, "mint")
	if err != nil {
		writeServiceError(w, r, h.logger, "settlements", err)
		return
	}
	rows, err := h.query.Settlements(r.Context(), mint, parseListOpts(r))
	if err != nil {
		writeServiceError(w, r, h.logger, "settlements", err)
		return
	}
	if rows == nil {
		rows = []service.SettlementView{}
	}
	writeJSON(w, http.StatusOK, settlementsResponse{Settlements: rows})
}

type launchRequest struct {
	Authority         string `json:"authority"`
	Mint              string `json:"mint"`
	VirtualSolReserve uint64 `json:"virtual_sol_reserve,string"`
	Name              string `json:"name"`
	Symbol            string `json:"symbol"`
	URI               string `json:"uri"`
}

// Launch creates a pool.
// POST /api/pools
func (h *PoolHandler) Launch(w http.ResponseWriter, r *http.Request) {
	var body launchRequest
	if err := decodeBody(r, &body); err != nil {
		writeServiceError(w, r, h.logger, "launch", err)
		return
	}
	authority, err := parseKey("authority", body.Authority)
	if err != nil {
		writeServiceError(w, r, h.logger, "launch", err)
		return
	}
	mint, err := parseKey("mint", body.Mint)
	if err != nil {
		writeServiceError(w, r, h.logger, "launch", err)
		return
	}

	_, err = h.settle.Launch(r.Context(), settlement.LaunchRequest{
		Authority:         authority,
		Mint:              mint,
		VirtualSolReserve: body.VirtualSolReserve,
		Name:              body.Name,
		Symbol:            body.Symbol,
		URI:               body.URI,
	})
	if err != nil {
		writeServiceError(w, r, h.logger, "launch", err)
		return
	}
	view, err := h.query.GetPool(r.Context(), mint)
	if err != nil {
		writeServiceError(w, r, h.logger, "launch", err)
		return
	}
	writeJSON(w, http.StatusCreated, view)
}

type swapRequest struct {
	Trader       string `json:"trader"`
	AmountIn     uint64 `json:"amount_in,string"`
	MinAmountOut uint64 `json:"min_amount_out,string"`
	Side         string `json:"side"`
}

type swapResponse struct {
	AmountOut   uint64                  `json:"amount_out,string"`
	PoolVersion uint64                  `json:"pool_version"`
	Settlement  service.SettlementEvent `json:"settlement"`
}

// Swap executes a spot swap.
// POST /api/pools/{mint}/swap
func (h *PoolHandler) Swap(w http.ResponseWriter, r *http.Request) {
	mint, err := pathKey(r, "mint")
	if err != nil {
		writeServiceError(w, r, h.logger, "swap", err)
		return
	}
	var body swapRequest
	if err := decodeBody(r, &body); err != nil {
		writeServiceError(w, r, h.logger, "swap", err)
		return
	}
	trader, err := parseKey("trader", body.Trader)
	if err != nil {
		writeServiceError(w, r, h.logger, "swap", err)
		return
	}
	dir, err := parseSide(body.Side)
	if err != nil {
		writeServiceError(w, r, h.logger, "swap", err)
		return
	}

	res, err := h.settle.Swap(r.Context(), settlement.SwapRequest{
		Mint:         mint,
		Trader:       trader,
		AmountIn:     body.AmountIn,
		MinAmountOut: body.MinAmountOut,
		Direction:    dir,
	})
	if err != nil {
		writeServiceError(w, r, h.logger, "swap", err)
		return
	}
	writeJSON(w, http.StatusOK, swapResponse{
		AmountOut:   res.AmountOut,
		PoolVersion: res.Pool.Version,
		Settlement:  service.NewSettlementEvent(res.Settlement),
	})
}

type leverageRequest struct {
	Owner        string `json:"owner"`
	Collateral   uint64 `json:"collateral,string"`
	Leverage     uint64 `json:"leverage"`
	MinAmountOut uint64 `json:"min_amount_out,string"`
	Side         string `json:"side"`
	Nonce        uint64 `json:"nonce,string"`
}

type leverageResponse struct {
	Position   string                  `json:"position"`
	Effective  uint64                  `json:"effective,string"`
	Borrowed   uint64                  `json:"borrowed,string"`
	Size       uint64                  `json:"size,string"`
	EntryPrice uint64                  `json:"entry_price,string"`
	Settlement service.SettlementEvent `json:"settlement"`
}

// OpenLeverage opens a leveraged position.
// POST /api/pools/{mint}/leverage
func (h *PoolHandler) OpenLeverage(w http.ResponseWriter, r *http.Request) {
	mint, err := pathKey(r, "mint")
	if err != nil {
		writeServiceError(w, r, h.logger, "leverage", err)
		return
	}
	var body leverageRequest
	if err := decodeBody(r, &body); err != nil {
		writeServiceError(w, r, h.logger, "leverage", err)
		return
	}
	owner, err := parseKey("owner", body.Owner)
	if err != nil {
		writeServiceError(w, r, h.logger, "leverage", err)
		return
	}
	dir, err := parseSide(body.Side)
	if err != nil {
		writeServiceError(w, r, h.logger, "leverage", err)
		return
	}

	res, err := h.settle.OpenLeverage(r.Context(), settlement.OpenRequest{
		Mint:         mint,
		Owner:        owner,
		Collateral:   body.Collateral,
		Leverage:     body.Leverage,
		MinAmountOut: body.MinAmountOut,
		Direction:    dir,
		Nonce:        body.Nonce,
	})
	if err != nil {
		writeServiceError(w, r, h.logger, "leverage", err)
		return
	}
	writeJSON(w, http.StatusCreated, leverageResponse{
		Position:   res.Position.Address.String(),
		Effective:  res.Effective,
		Borrowed:   res.Borrowed,
		Size:       res.Position.Size,
		EntryPrice: res.Position.EntryPrice,
		Settlement: service.NewSettlementEvent(res.Settlement),
	})
}
