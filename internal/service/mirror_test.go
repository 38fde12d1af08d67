package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whiplashfi/whiplash/internal/domain"
	"github.com/whiplashfi/whiplash/internal/layout"
)

type fakeChain struct {
	mu        sync.Mutex
	pools     map[solana.PublicKey]domain.Pool
	positions map[solana.PublicKey]domain.Position
	err       error
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		pools:     make(map[solana.PublicKey]domain.Pool),
		positions: make(map[solana.PublicKey]domain.Position),
	}
}

func (c *fakeChain) addPool(t *testing.T, lamports uint64) domain.Pool {
	t.Helper()
	mint := newKey()
	addr, bump, err := layout.PoolAddress(testProgramID, mint)
	require.NoError(t, err)
	p := domain.Pool{
		Address:          addr,
		Authority:        newKey(),
		TokenYMint:       mint,
		TokenYAmount:     domain.TokenYSupply,
		Lamports:         lamports,
		VirtualSolAmount: 100_000_000_000,
		Bump:             bump,
	}
	c.mu.Lock()
	c.pools[mint] = p
	c.mu.Unlock()
	return p
}

func (c *fakeChain) addPosition(t *testing.T, pool domain.Pool, owner solana.PublicKey, nonce uint64) domain.Position {
	t.Helper()
	addr, bump, err := layout.PositionAddress(testProgramID, pool.Address, owner, nonce)
	require.NoError(t, err)
	pos := domain.Position{
		Address:    addr,
		Authority:  owner,
		Pool:       pool.Address,
		IsLong:     true,
		Collateral: 1_000_000_000,
		Leverage:   20,
		Size:       1_000,
		Nonce:      nonce,
		Bump:       bump,
	}
	c.mu.Lock()
	c.positions[addr] = pos
	c.mu.Unlock()
	return pos
}

func (c *fakeChain) Pools(context.Context) ([]domain.Pool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	out := make([]domain.Pool, 0, len(c.pools))
	for _, p := range c.pools {
		out = append(out, p)
	}
	return out, nil
}

func (c *fakeChain) PoolByMint(_ context.Context, mint solana.PublicKey) (domain.Pool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.pools[mint]
	if !ok {
		return domain.Pool{}, domain.ErrPoolNotFound
	}
	return p, nil
}

func (c *fakeChain) Positions(context.Context) ([]domain.Position, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]domain.Position, 0, len(c.positions))
	for _, p := range c.positions {
		out = append(out, p)
	}
	return out, nil
}

func (c *fakeChain) PositionsByOwner(_ context.Context, owner solana.PublicKey) ([]domain.Position, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []domain.Position
	for _, p := range c.positions {
		if p.Authority == owner {
			out = append(out, p)
		}
	}
	return out, nil
}

type mirrorFixture struct {
	chain     *fakeChain
	pools     *memPoolStore
	positions *memPositionStore
	bus       *memBus
	mirror    *Mirror
}

func newMirrorFixture() mirrorFixture {
	f := mirrorFixture{
		chain:     newFakeChain(),
		pools:     newMemPoolStore(),
		positions: newMemPositionStore(),
		bus:       newMemBus(),
	}
	f.mirror = NewMirror(f.chain, newEngine(), f.pools, f.positions, f.bus, nil, time.Second, discardLogger())
	f.mirror.now = fixedClock()
	return f
}

func TestMirrorSync(t *testing.T) {
	ctx := context.Background()
	f := newMirrorFixture()
	pool := f.chain.addPool(t, 0)
	owner := newKey()
	pos := f.chain.addPosition(t, pool, owner, 1)

	require.NoError(t, f.mirror.Sync(ctx))

	got, err := f.mirror.engine.Pool(pool.TokenYMint)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), got.Version)
	assert.Equal(t, 1, f.pools.upserts)
	assert.Equal(t, 1, f.positions.upserts)

	mirrored, err := f.mirror.engine.Position(pos.Address)
	require.NoError(t, err)
	assert.Equal(t, pool.TokenYMint, mirrored.TokenYMint)
	assert.False(t, mirrored.OpenedAt.IsZero())

	// Nothing changed on chain.
	require.NoError(t, f.mirror.Sync(ctx))
	assert.Equal(t, 1, f.pools.upserts)
	assert.Equal(t, 1, f.positions.upserts)
	again, err := f.mirror.engine.Position(pos.Address)
	require.NoError(t, err)
	assert.Equal(t, mirrored.OpenedAt, again.OpenedAt)
}

func TestMirrorBumpsVersionOnChange(t *testing.T) {
	ctx := context.Background()
	f := newMirrorFixture()
	pool := f.chain.addPool(t, 0)
	require.NoError(t, f.mirror.Sync(ctx))

	pool.Lamports = 5_000_000_000
	f.chain.pools[pool.TokenYMint] = pool
	require.NoError(t, f.mirror.Sync(ctx))

	got, err := f.mirror.engine.Pool(pool.TokenYMint)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), got.Version)
	assert.Equal(t, uint64(5_000_000_000), got.Lamports)
	assert.Equal(t, 2, f.pools.upserts)
}

func TestMirrorDropsClosedPositions(t *testing.T) {
	ctx := context.Background()
	f := newMirrorFixture()
	pool := f.chain.addPool(t, 0)
	owner := newKey()
	pos := f.chain.addPosition(t, pool, owner, 1)
	require.NoError(t, f.mirror.Sync(ctx))

	delete(f.chain.positions, pos.Address)
	require.NoError(t, f.mirror.Sync(ctx))

	_, err := f.mirror.engine.Position(pos.Address)
	require.ErrorIs(t, err, domain.ErrPositionNotFound)
	assert.Equal(t, 1, f.positions.deletes)

	msgs := f.bus.on(domain.ChannelPositions)
	require.Len(t, msgs, 1)
	var evt domain.PositionEvent
	require.NoError(t, json.Unmarshal(msgs[0], &evt))
	assert.Equal(t, pos.Address, evt.Position)
	assert.Equal(t, domain.PositionClosed, evt.To)
}

func TestMirrorSyncOwnerKeepsOthers(t *testing.T) {
	ctx := context.Background()
	f := newMirrorFixture()
	pool := f.chain.addPool(t, 0)
	alice, bob := newKey(), newKey()
	f.chain.addPosition(t, pool, alice, 1)
	bobPos := f.chain.addPosition(t, pool, bob, 1)
	require.NoError(t, f.mirror.Sync(ctx))

	fresh := f.chain.addPosition(t, pool, alice, 2)
	delete(f.chain.positions, bobPos.Address)
	require.NoError(t, f.mirror.SyncOwner(ctx, alice))

	assert.Len(t, f.mirror.engine.PositionsByOwner(alice, nil), 2)
	_, err := f.mirror.engine.Position(fresh.Address)
	require.NoError(t, err)
	// Bob is untouched until the next full sync.
	_, err = f.mirror.engine.Position(bobPos.Address)
	require.NoError(t, err)
}

func TestMirrorSyncPool(t *testing.T) {
	ctx := context.Background()
	f := newMirrorFixture()
	first := f.chain.addPool(t, 0)
	require.NoError(t, f.mirror.Sync(ctx))

	second := f.chain.addPool(t, 0)
	require.NoError(t, f.mirror.SyncPool(ctx, second.TokenYMint))
	assert.Len(t, f.mirror.engine.Pools(), 2)
	_, err := f.mirror.engine.Pool(first.TokenYMint)
	require.NoError(t, err)

	err = f.mirror.SyncPool(ctx, newKey())
	require.ErrorIs(t, err, domain.ErrPoolNotFound)
}

func TestMirrorSyncFailure(t *testing.T) {
	f := newMirrorFixture()
	f.chain.err = errors.New("rpc down")
	require.Error(t, f.mirror.Sync(context.Background()))
}

func TestMergePoolKeepsLaunchMetadata(t *testing.T) {
	now := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	prev := domain.Pool{Name: "Whip", Symbol: "WHIP", URI: "u", Version: 4, Lamports: 1}

	same := mergePool(domain.Pool{Lamports: 1}, prev, true, now)
	assert.Equal(t, uint64(4), same.Version)
	assert.Equal(t, "WHIP", same.Symbol)

	moved := mergePool(domain.Pool{Lamports: 2}, prev, true, now)
	assert.Equal(t, uint64(5), moved.Version)
	assert.Equal(t, now, moved.UpdatedAt)
}
