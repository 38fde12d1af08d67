package service

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whiplashfi/whiplash/internal/amm"
	"github.com/whiplashfi/whiplash/internal/domain"
	"github.com/whiplashfi/whiplash/internal/settlement"
)

func newQuery(t *testing.T, price *stubPrice) (*QueryService, *settlement.Engine) {
	t.Helper()
	e := newEngine()
	oracle := NewOracleService(price, nil, 0, nil, discardLogger())
	return NewQueryService(e, oracle, nil, nil, discardLogger()), e
}

func TestQueryPoolWithPrice(t *testing.T) {
	q, e := newQuery(t, &stubPrice{price: decimal.NewFromInt(150)})
	mint := launch(t, e)

	v, err := q.GetPool(context.Background(), mint)
	require.NoError(t, err)
	assert.Equal(t, mint.String(), v.TokenYMint)
	assert.Equal(t, domain.TokenYSupply, v.TokenYAmount)
	assert.NotNil(t, v.Stats)
	assert.Empty(t, v.Degraded)
	require.NotNil(t, v.Metadata)
	assert.Equal(t, "WHIP", v.Metadata.Symbol)
	assert.True(t, v.PriceSol.IsPositive())
}

func TestQueryDegradesWithoutPrice(t *testing.T) {
	q, e := newQuery(t, &stubPrice{err: errors.New("rate limited")})
	launch(t, e)
	launch(t, e)

	views, err := q.ListPools(context.Background(), 0, 0)
	require.NoError(t, err)
	require.Len(t, views, 2)
	for _, v := range views {
		assert.Nil(t, v.Stats)
		assert.Equal(t, []string{upstreamPrice}, v.Degraded)
	}

	views, err = q.ListPools(context.Background(), 1, 1)
	require.NoError(t, err)
	assert.Len(t, views, 1)

	_, err = q.SolPrice(context.Background())
	require.ErrorIs(t, err, domain.ErrUpstreamUnavailable)
}

func TestQueryQuote(t *testing.T) {
	q, e := newQuery(t, &stubPrice{price: decimal.NewFromInt(150)})
	mint := launch(t, e)

	v, err := q.Quote(context.Background(), mint, 1_000_000_000, amm.Buy)
	require.NoError(t, err)
	want, err := e.Quote(mint, 1_000_000_000, amm.Buy)
	require.NoError(t, err)
	assert.Equal(t, want, v.AmountOut)
	assert.Equal(t, "buy", v.Side)
	assert.True(t, v.PriceImpactPct.IsPositive())

	_, err = q.Quote(context.Background(), newKey(), 1, amm.Buy)
	require.ErrorIs(t, err, domain.ErrPoolNotFound)
}

func TestQueryPositions(t *testing.T) {
	ctx := context.Background()
	q, e := newQuery(t, &stubPrice{price: decimal.NewFromInt(150)})
	mint := launch(t, e)

	owner := newKey()
	open, err := e.OpenLeverage(ctx, settlement.OpenRequest{
		Mint: mint, Owner: owner, Collateral: 1_000_000_000, Leverage: 50, Direction: amm.Buy, Nonce: 1,
	})
	require.NoError(t, err)

	views, err := q.Positions(ctx, owner, nil)
	require.NoError(t, err)
	require.Len(t, views, 1)
	assert.Equal(t, open.Position.Address.String(), views[0].Address)
	assert.Equal(t, domain.PositionHealthy, views[0].Status)
	assert.Empty(t, views[0].Degraded)

	views, err = q.Positions(ctx, owner, &mint)
	require.NoError(t, err)
	assert.Len(t, views, 1)

	views, err = q.Positions(ctx, newKey(), nil)
	require.NoError(t, err)
	assert.Empty(t, views)

	other := newKey()
	_, err = q.Positions(ctx, owner, &other)
	require.ErrorIs(t, err, domain.ErrPoolNotFound)

	v, err := q.Position(ctx, open.Position.Address)
	require.NoError(t, err)
	assert.Equal(t, owner.String(), v.Authority)

	_, err = q.Position(ctx, newKey())
	require.ErrorIs(t, err, domain.ErrPositionNotFound)
}

func TestQuerySettlementsWithoutStore(t *testing.T) {
	q, e := newQuery(t, &stubPrice{price: decimal.NewFromInt(150)})
	mint := launch(t, e)

	rows, err := q.Settlements(context.Background(), mint, domain.ListOpts{})
	require.NoError(t, err)
	assert.Empty(t, rows)

	_, err = q.Settlements(context.Background(), newKey(), domain.ListOpts{})
	require.ErrorIs(t, err, domain.ErrPoolNotFound)
}

func TestQuerySearch(t *testing.T) {
	q, e := newQuery(t, &stubPrice{price: decimal.NewFromInt(150)})
	mint := launch(t, e)
	ctx := context.Background()

	got := q.Search(ctx, "bonk")
	require.Len(t, got, 1)
	assert.Equal(t, "BONK", got[0].Symbol)
	assert.False(t, got[0].HasPool)

	got = q.Search(ctx, "  whip ")
	require.Len(t, got, 1)
	assert.Equal(t, mint.String(), got[0].Address)
	assert.True(t, got[0].HasPool)

	got = q.Search(ctx, "So11111111111111111111111111111111111111112")
	require.Len(t, got, 1)
	assert.Equal(t, "SOL", got[0].Symbol)

	unknown := newKey()
	got = q.Search(ctx, unknown.String())
	require.Len(t, got, 1)
	assert.Equal(t, domain.SearchResult{Address: unknown.String()}, got[0])

	assert.Empty(t, q.Search(ctx, ""))
	assert.Empty(t, q.Search(ctx, "zzzz-no-such-token"))
}

func TestPage(t *testing.T) {
	items := []int{1, 2, 3, 4, 5}
	assert.Equal(t, []int{1, 2, 3, 4, 5}, page(items, 0, 0))
	assert.Equal(t, []int{2, 3}, page(items, 2, 1))
	assert.Equal(t, []int{5}, page(items, 10, 4))
	assert.Empty(t, page(items, 2, 9))
	assert.Equal(t, []int{1}, page(items, 1, -3))
}
