package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"

	"github.com/whiplashfi/whiplash/internal/amm"
	"github.com/whiplashfi/whiplash/internal/domain"
	"github.com/whiplashfi/whiplash/internal/projection"
	"github.com/whiplashfi/whiplash/internal/settlement"
)

// Upstreams reported in a view's Degraded list.
const (
	upstreamPrice    = "sol_price"
	upstreamMetadata = "metadata"
)

// PoolView is a pool as served by the API.
type PoolView struct {
	Address               string                `json:"address"`
	Authority             string                `json:"authority"`
	TokenYMint            string                `json:"token_y_mint"`
	TokenYVault           string                `json:"token_y_vault"`
	TokenYAmount          uint64                `json:"token_y_amount,string"`
	VirtualTokenYAmount   uint64                `json:"virtual_token_y_amount,string"`
	Lamports              uint64                `json:"lamports,string"`
	VirtualSolAmount      uint64                `json:"virtual_sol_amount,string"`
	LeveragedSolAmount    uint64                `json:"leveraged_sol_amount,string"`
	LeveragedTokenYAmount uint64                `json:"leveraged_token_y_amount,string"`
	CreationTimestamp     int64                 `json:"creation_timestamp"`
	Version               uint64                `json:"version"`
	PriceSol              decimal.Decimal       `json:"price_sol"`
	Metadata              *domain.TokenMetadata `json:"metadata,omitempty"`
	Stats                 *projection.PoolStats `json:"stats,omitempty"`
	Degraded              []string              `json:"degraded,omitempty"`
}

// PositionView is a position with its current health.
type PositionView struct {
	Address       string                   `json:"address"`
	Authority     string                   `json:"authority"`
	Pool          string                   `json:"pool"`
	TokenYMint    string                   `json:"token_y_mint"`
	PositionVault string                   `json:"position_vault"`
	IsLong        bool                     `json:"is_long"`
	Collateral    uint64                   `json:"collateral,string"`
	Leverage      uint64                   `json:"leverage"`
	EntryPrice    uint64                   `json:"entry_price,string"`
	Size          uint64                   `json:"size,string"`
	Nonce         uint64                   `json:"nonce,string"`
	OpenedAt      time.Time                `json:"opened_at"`
	LimboSince    *time.Time               `json:"limbo_since,omitempty"`
	Status        domain.PositionStatus    `json:"status"`
	CurrentOutput uint64                   `json:"current_output,string"`
	Borrowed      uint64                   `json:"borrowed,string"`
	Payout        uint64                   `json:"payout,string"`
	Shortfall     uint64                   `json:"shortfall,string"`
	Stats         projection.PositionStats `json:"stats"`
	Degraded      []string                 `json:"degraded,omitempty"`
}

// QuoteView is the answer to a swap quote.
type QuoteView struct {
	TokenYMint     string          `json:"token_y_mint"`
	Side           string          `json:"side"`
	AmountIn       uint64          `json:"amount_in,string"`
	AmountOut      uint64          `json:"amount_out,string"`
	PriceImpactPct decimal.Decimal `json:"price_impact_pct"`
}

// SolPriceView is the answer to a SOL price query.
type SolPriceView struct {
	Price     decimal.Decimal `json:"price"`
	UpdatedAt time.Time       `json:"updated_at"`
	Stale     bool            `json:"stale,omitempty"`
}

// SettlementView is one entry of a pool's history.
type SettlementView = SettlementEvent

// defaultTokens are always offered by search.
var defaultTokens = []domain.SearchResult{
	{Address: "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v", Name: "USD Coin", Symbol: "USDC", Image: "https://cryptologos.cc/logos/usd-coin-usdc-logo.png?v=026"},
	{Address: "So11111111111111111111111111111111111111112", Name: "Solana", Symbol: "SOL", Image: "https://cryptologos.cc/logos/solana-sol-logo.png?v=026"},
	{Address: "DezXAZ8z7PnrnRJjz3wXBoRgixCa6xjnB7YaB1pPB263", Name: "Bonk", Symbol: "BONK", Image: "https://cryptologos.cc/logos/bonk-bonk-logo.png?v=026"},
}

// SolPricer is the oracle as seen by read paths.
type SolPricer interface {
	SolUSD(ctx context.Context) (SolPrice, error)
}

// MetadataResolver is the metadata service as seen by read paths.
type MetadataResolver interface {
	Resolve(ctx context.Context, pool domain.Pool) (domain.TokenMetadata, error)
}

// QueryService answers every read route from engine snapshots decorated
// with projections, prices and metadata. An upstream failure degrades the
// view instead of failing it.
type QueryService struct {
	engine      *settlement.Engine
	oracle      SolPricer
	metadata    MetadataResolver
	settlements domain.SettlementStore
	logger      *slog.Logger
}

// NewQueryService creates a QueryService. metadata and settlements may be
// nil.
func NewQueryService(engine *settlement.Engine, oracle SolPricer, metadata MetadataResolver, settlements domain.SettlementStore, logger *slog.Logger) *QueryService {
	return &QueryService{
		engine:      engine,
		oracle:      oracle,
		metadata:    metadata,
		settlements: settlements,
		logger:      logger.With(slog.String("component", "query")),
	}
}

// solUSD returns the SOL price, or false when the oracle is unavailable.
func (q *QueryService) solUSD(ctx context.Context) (decimal.Decimal, bool) {
	p, err := q.oracle.SolUSD(ctx)
	if err != nil {
		q.logger.DebugContext(ctx, "query: sol price unavailable", slog.String("error", err.Error()))
		return decimal.Zero, false
	}
	return p.Price, true
}

func (q *QueryService) poolView(ctx context.Context, p domain.Pool, solUSD decimal.Decimal, havePrice bool) PoolView {
	v := PoolView{
		Address:               p.Address.String(),
		Authority:             p.Authority.String(),
		TokenYMint:            p.TokenYMint.String(),
		TokenYVault:           p.TokenYVault.String(),
		TokenYAmount:          p.TokenYAmount,
		VirtualTokenYAmount:   p.VirtualTokenYAmount,
		Lamports:              p.Lamports,
		VirtualSolAmount:      p.VirtualSolAmount,
		LeveragedSolAmount:    p.LeveragedSolAmount,
		LeveragedTokenYAmount: p.LeveragedTokenYAmount,
		CreationTimestamp:     p.CreationTimestamp,
		Version:               p.Version,
		PriceSol:              projection.Price(p),
	}
	if havePrice {
		stats := projection.Stats(p, solUSD)
		v.Stats = &stats
	} else {
		v.Degraded = append(v.Degraded, upstreamPrice)
	}

	if q.metadata != nil {
		md, err := q.metadata.Resolve(ctx, p)
		if err == nil {
			v.Metadata = &md
		} else if !errors.Is(err, domain.ErrNotFound) {
			v.Degraded = append(v.Degraded, upstreamMetadata)
		}
	}
	if v.Metadata == nil && p.Name != "" {
		v.Metadata = &domain.TokenMetadata{Name: p.Name, Symbol: p.Symbol}
	}
	return v
}

// ListPools returns pools newest first.
func (q *QueryService) ListPools(ctx context.Context, limit, offset int) ([]PoolView, error) {
	pools := q.engine.Pools()
	pools = page(pools, limit, offset)

	solUSD, ok := q.solUSD(ctx)
	out := make([]PoolView, len(pools))
	for i, p := range pools {
		out[i] = q.poolView(ctx, p, solUSD, ok)
	}
	return out, nil
}

// GetPool returns one pool.
func (q *QueryService) GetPool(ctx context.Context, mint solana.PublicKey) (PoolView, error) {
	p, err := q.engine.Pool(mint)
	if err != nil {
		return PoolView{}, err
	}
	solUSD, ok := q.solUSD(ctx)
	return q.poolView(ctx, p, solUSD, ok), nil
}

// Quote prices a spot swap without executing it.
func (q *QueryService) Quote(_ context.Context, mint solana.PublicKey, amountIn uint64, dir amm.Direction) (QuoteView, error) {
	p, err := q.engine.Pool(mint)
	if err != nil {
		return QuoteView{}, err
	}
	out, err := q.engine.Quote(mint, amountIn, dir)
	if err != nil {
		return QuoteView{}, err
	}
	return QuoteView{
		TokenYMint:     mint.String(),
		Side:           dir.String(),
		AmountIn:       amountIn,
		AmountOut:      out,
		PriceImpactPct: projection.PriceImpact(p, amountIn, out, dir),
	}, nil
}

func (q *QueryService) positionView(p domain.Position, solUSD decimal.Decimal, havePrice bool) (PositionView, error) {
	pool, err := q.engine.Pool(p.TokenYMint)
	if err != nil {
		return PositionView{}, err
	}
	h, err := settlement.Evaluate(p, pool)
	if err != nil {
		return PositionView{}, err
	}

	v := PositionView{
		Address:       p.Address.String(),
		Authority:     p.Authority.String(),
		Pool:          p.Pool.String(),
		TokenYMint:    p.TokenYMint.String(),
		PositionVault: p.PositionVault.String(),
		IsLong:        p.IsLong,
		Collateral:    p.Collateral,
		Leverage:      p.Leverage,
		EntryPrice:    p.EntryPrice,
		Size:          p.Size,
		Nonce:         p.Nonce,
		OpenedAt:      p.OpenedAt,
		LimboSince:    p.LimboSince,
		Status:        h.Status,
		CurrentOutput: h.CurrentOutput,
		Borrowed:      h.Borrowed,
		Payout:        h.Payout,
		Shortfall:     h.Shortfall,
		Stats:         projection.Position(p, pool, solUSD),
	}
	if !havePrice {
		v.Degraded = []string{upstreamPrice}
	}
	return v, nil
}

// Positions lists an owner's open positions, optionally for one pool. An
// unknown pool mint is reported as ErrPoolNotFound.
func (q *QueryService) Positions(ctx context.Context, owner solana.PublicKey, mint *solana.PublicKey) ([]PositionView, error) {
	if mint != nil {
		if _, err := q.engine.Pool(*mint); err != nil {
			return nil, err
		}
	}
	positions := q.engine.PositionsByOwner(owner, mint)
	solUSD, ok := q.solUSD(ctx)

	out := make([]PositionView, 0, len(positions))
	for _, p := range positions {
		v, err := q.positionView(p, solUSD, ok)
		if err != nil {
			return nil, fmt.Errorf("query: position %s: %w", p.Address, err)
		}
		out = append(out, v)
	}
	return out, nil
}

// Position returns one open position.
func (q *QueryService) Position(ctx context.Context, address solana.PublicKey) (PositionView, error) {
	p, err := q.engine.Position(address)
	if err != nil {
		return PositionView{}, err
	}
	solUSD, ok := q.solUSD(ctx)
	return q.positionView(p, solUSD, ok)
}

// SolPrice returns the SOL/USD price or ErrUpstreamUnavailable.
func (q *QueryService) SolPrice(ctx context.Context) (SolPriceView, error) {
	p, err := q.oracle.SolUSD(ctx)
	if err != nil {
		return SolPriceView{}, err
	}
	return SolPriceView{Price: p.Price, UpdatedAt: p.UpdatedAt, Stale: p.Stale}, nil
}

// Settlements returns a pool's settlement history, newest first.
func (q *QueryService) Settlements(ctx context.Context, mint solana.PublicKey, opts domain.ListOpts) ([]SettlementView, error) {
	if _, err := q.engine.Pool(mint); err != nil {
		return nil, err
	}
	if q.settlements == nil {
		return []SettlementView{}, nil
	}
	rows, err := q.settlements.ListByMint(ctx, mint, opts)
	if err != nil {
		return nil, fmt.Errorf("query: settlements %s: %w", mint, err)
	}
	out := make([]SettlementView, len(rows))
	for i, s := range rows {
		out[i] = NewSettlementEvent(s)
	}
	return out, nil
}

// Search matches the default tokens and every pool by symbol, name or
// address substring, case-insensitively. A query that parses as an address
// is returned even when nothing else matches it.
func (q *QueryService) Search(ctx context.Context, query string) []domain.SearchResult {
	query = strings.TrimSpace(query)
	if query == "" {
		return []domain.SearchResult{}
	}
	needle := strings.ToLower(query)
	matches := func(r domain.SearchResult) bool {
		return strings.Contains(strings.ToLower(r.Symbol), needle) ||
			strings.Contains(strings.ToLower(r.Name), needle) ||
			strings.Contains(strings.ToLower(r.Address), needle)
	}

	seen := make(map[string]bool)
	var out []domain.SearchResult
	for _, r := range defaultTokens {
		if matches(r) {
			out = append(out, r)
			seen[r.Address] = true
		}
	}

	var pooled []domain.SearchResult
	for _, p := range q.engine.Pools() {
		r := domain.SearchResult{
			Address: p.TokenYMint.String(),
			Name:    p.Name,
			Symbol:  p.Symbol,
			HasPool: true,
		}
		if q.metadata != nil {
			if md, err := q.metadata.Resolve(ctx, p); err == nil {
				r = domain.SearchResult{Address: r.Address, Name: md.Name, Symbol: md.Symbol, Image: md.Image, HasPool: true}
			}
		}
		if r.Symbol == "" {
			r.Symbol = strings.ToUpper(r.Address[:4])
		}
		if !seen[r.Address] && matches(r) {
			pooled = append(pooled, r)
			seen[r.Address] = true
		}
	}
	sort.SliceStable(pooled, func(i, j int) bool { return pooled[i].Symbol < pooled[j].Symbol })
	out = append(out, pooled...)

	if len(query) >= 32 && len(query) <= 44 {
		if key, err := solana.PublicKeyFromBase58(query); err == nil && !seen[key.String()] {
			out = append(out, domain.SearchResult{Address: key.String()})
		}
	}
	if out == nil {
		out = []domain.SearchResult{}
	}
	return out
}

func page[T any](items []T, limit, offset int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return items[:0]
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
