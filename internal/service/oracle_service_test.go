package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whiplashfi/whiplash/internal/domain"
)

func newTestOracle(src *stubPrice, cache domain.PriceCache) (*OracleService, *time.Time) {
	o := NewOracleService(src, cache, time.Minute, nil, discardLogger())
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	o.now = func() time.Time { return now }
	return o, &now
}

func TestOracleCachesWithinTTL(t *testing.T) {
	ctx := context.Background()
	src := &stubPrice{price: decimal.NewFromInt(150)}
	cache := newMemPriceCache()
	o, now := newTestOracle(src, cache)

	p, err := o.SolUSD(ctx)
	require.NoError(t, err)
	assert.True(t, p.Price.Equal(decimal.NewFromInt(150)))
	assert.False(t, p.Stale)

	*now = now.Add(30 * time.Second)
	_, err = o.SolUSD(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, src.calls)

	cached, _, err := cache.GetPrice(ctx, solUSDKey)
	require.NoError(t, err)
	assert.True(t, cached.Equal(decimal.NewFromInt(150)))

	src.set(decimal.NewFromInt(160), nil)
	*now = now.Add(time.Minute)
	p, err = o.SolUSD(ctx)
	require.NoError(t, err)
	assert.True(t, p.Price.Equal(decimal.NewFromInt(160)))
	assert.Equal(t, 2, src.calls)
}

func TestOracleServesStaleOnFailure(t *testing.T) {
	ctx := context.Background()
	src := &stubPrice{price: decimal.NewFromInt(150)}
	o, now := newTestOracle(src, nil)

	_, err := o.SolUSD(ctx)
	require.NoError(t, err)

	src.set(decimal.Zero, errors.New("timeout"))
	*now = now.Add(time.Hour)
	p, err := o.SolUSD(ctx)
	require.NoError(t, err)
	assert.True(t, p.Stale)
	assert.True(t, p.Price.Equal(decimal.NewFromInt(150)))
}

func TestOracleUnavailableWithoutHistory(t *testing.T) {
	src := &stubPrice{err: errors.New("connection refused")}
	o, _ := newTestOracle(src, newMemPriceCache())

	_, err := o.SolUSD(context.Background())
	require.ErrorIs(t, err, domain.ErrUpstreamUnavailable)
}

func TestOracleUsesSharedCache(t *testing.T) {
	ctx := context.Background()
	cache := newMemPriceCache()
	src := &stubPrice{err: errors.New("down")}
	o, now := newTestOracle(src, cache)
	require.NoError(t, cache.SetPrice(ctx, solUSDKey, decimal.NewFromInt(140), now.Add(-10*time.Second)))

	p, err := o.SolUSD(ctx)
	require.NoError(t, err)
	assert.False(t, p.Stale)
	assert.True(t, p.Price.Equal(decimal.NewFromInt(140)))
	assert.Zero(t, src.calls)
}
