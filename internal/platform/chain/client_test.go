package chain

import (
	"context"
	"errors"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whiplashfi/whiplash/internal/domain"
	"github.com/whiplashfi/whiplash/internal/layout"
)

var testProgramID = solana.MustPublicKeyFromBase58("GHjAHPHGZocJKtxUhe3Eom5B73AF4XGXYukV4QMMDNhZ")

type fakeRPC struct {
	accounts map[solana.PublicKey][]byte
	lastOpts *rpc.GetProgramAccountsOpts
	err      error
}

func (f *fakeRPC) GetProgramAccountsWithOpts(_ context.Context, _ solana.PublicKey, opts *rpc.GetProgramAccountsOpts) (rpc.GetProgramAccountsResult, error) {
	f.lastOpts = opts
	if f.err != nil {
		return nil, f.err
	}
	var out rpc.GetProgramAccountsResult
	for key, data := range f.accounts {
		if !matches(data, opts.Filters) {
			continue
		}
		out = append(out, &rpc.KeyedAccount{
			Pubkey:  key,
			Account: &rpc.Account{Data: rpc.DataBytesOrJSONFromBytes(data)},
		})
	}
	return out, nil
}

func matches(data []byte, filters []rpc.RPCFilter) bool {
	for _, f := range filters {
		if f.DataSize != 0 && uint64(len(data)) != f.DataSize {
			return false
		}
		if m := f.Memcmp; m != nil {
			end := int(m.Offset) + len(m.Bytes)
			if end > len(data) || string(data[m.Offset:end]) != string(m.Bytes) {
				return false
			}
		}
	}
	return true
}

func (f *fakeRPC) GetAccountInfoWithOpts(_ context.Context, account solana.PublicKey, _ *rpc.GetAccountInfoOpts) (*rpc.GetAccountInfoResult, error) {
	data, ok := f.accounts[account]
	if !ok {
		return nil, rpc.ErrNotFound
	}
	return &rpc.GetAccountInfoResult{Value: &rpc.Account{Data: rpc.DataBytesOrJSONFromBytes(data)}}, nil
}

func (f *fakeRPC) GetHealth(context.Context) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return "ok", nil
}

func fixture(t *testing.T) (*fakeRPC, domain.Pool, domain.Position) {
	t.Helper()
	mint := solana.NewWallet().PublicKey()
	poolAddr, bump, err := layout.PoolAddress(testProgramID, mint)
	require.NoError(t, err)
	pool := domain.Pool{
		Address:          poolAddr,
		Authority:        solana.NewWallet().PublicKey(),
		TokenYMint:       mint,
		TokenYAmount:     domain.TokenYSupply,
		VirtualSolAmount: 50_000_000_000,
		Bump:             bump,
	}
	pos := domain.Position{
		Address:    solana.NewWallet().PublicKey(),
		Authority:  solana.NewWallet().PublicKey(),
		Pool:       poolAddr,
		IsLong:     true,
		Collateral: 1_000_000_000,
		Leverage:   30,
		Size:       42,
	}
	poolData, err := layout.EncodePool(pool)
	require.NoError(t, err)
	posData, err := layout.EncodePosition(pos)
	require.NoError(t, err)

	f := &fakeRPC{accounts: map[solana.PublicKey][]byte{
		pool.Address: poolData,
		pos.Address:  posData,
		// Unrelated account of pool size with the wrong discriminator.
		solana.NewWallet().PublicKey(): make([]byte, layout.PoolAccountSize),
	}}
	return f, pool, pos
}

func TestPoolsAndPositions(t *testing.T) {
	f, pool, pos := fixture(t)
	c := newClient(f, testProgramID, "", nil)
	ctx := context.Background()

	pools, err := c.Pools(ctx)
	require.NoError(t, err)
	require.Len(t, pools, 1)
	assert.Equal(t, pool.TokenYMint, pools[0].TokenYMint)
	assert.Equal(t, pool.VirtualSolAmount, pools[0].VirtualSolAmount)
	assert.Equal(t, rpc.CommitmentConfirmed, f.lastOpts.Commitment)

	got, err := c.PoolByMint(ctx, pool.TokenYMint)
	require.NoError(t, err)
	assert.Equal(t, pool.Address, got.Address)

	_, err = c.PoolByMint(ctx, solana.NewWallet().PublicKey())
	assert.ErrorIs(t, err, domain.ErrPoolNotFound)

	positions, err := c.Positions(ctx)
	require.NoError(t, err)
	require.Len(t, positions, 1)
	assert.Equal(t, pos.Address, positions[0].Address)

	mine, err := c.PositionsByOwner(ctx, pos.Authority)
	require.NoError(t, err)
	assert.Len(t, mine, 1)
	none, err := c.PositionsByOwner(ctx, solana.NewWallet().PublicKey())
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestTokenMetadata(t *testing.T) {
	f, pool, _ := fixture(t)
	addr, err := layout.MetadataAddress(pool.TokenYMint)
	require.NoError(t, err)
	data, err := layout.EncodeMetadata(layout.OnChainMetadata{Mint: pool.TokenYMint, Name: "Whip\x00\x00", Symbol: "WHP", URI: "https://x/y.json"})
	require.NoError(t, err)
	f.accounts[addr] = data

	c := newClient(f, testProgramID, "finalized", nil)
	md, err := c.TokenMetadata(context.Background(), pool.TokenYMint)
	require.NoError(t, err)
	assert.Equal(t, "Whip", md.Name)
	assert.Equal(t, "https://x/y.json", md.URI)

	_, err = c.TokenMetadata(context.Background(), solana.NewWallet().PublicKey())
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestUpstreamFailure(t *testing.T) {
	f := &fakeRPC{err: errors.New("connection refused")}
	c := newClient(f, testProgramID, "", nil)

	_, err := c.Pools(context.Background())
	assert.ErrorIs(t, err, domain.ErrUpstreamUnavailable)
	assert.ErrorIs(t, c.Health(context.Background()), domain.ErrUpstreamUnavailable)
}
