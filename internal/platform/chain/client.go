// Package chain reads whiplash program accounts from a Solana RPC node.
package chain

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"

	"github.com/whiplashfi/whiplash/internal/domain"
	"github.com/whiplashfi/whiplash/internal/layout"
)

// rpcAPI is the subset of *rpc.Client the mirror needs.
type rpcAPI interface {
	GetProgramAccountsWithOpts(ctx context.Context, program solana.PublicKey, opts *rpc.GetProgramAccountsOpts) (rpc.GetProgramAccountsResult, error)
	GetAccountInfoWithOpts(ctx context.Context, account solana.PublicKey, opts *rpc.GetAccountInfoOpts) (*rpc.GetAccountInfoResult, error)
	GetHealth(ctx context.Context) (string, error)
}

// Client decodes pool, position and token metadata accounts.
type Client struct {
	rpc        rpcAPI
	programID  solana.PublicKey
	commitment rpc.CommitmentType
	timeout    time.Duration
	logger     *slog.Logger
}

// New creates a Client against an RPC endpoint. Each RPC call is bounded by
// timeout when it is positive.
func New(endpoint string, programID solana.PublicKey, commitment string, timeout time.Duration, logger *slog.Logger) *Client {
	c := newClient(rpc.New(endpoint), programID, commitment, logger)
	c.timeout = timeout
	return c
}

func newClient(api rpcAPI, programID solana.PublicKey, commitment string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := rpc.CommitmentType(commitment)
	if c == "" {
		c = rpc.CommitmentConfirmed
	}
	return &Client{
		rpc:        api,
		programID:  programID,
		commitment: c,
		logger:     logger.With(slog.String("component", "chain")),
	}
}

func (c *Client) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

func memcmpFilter(offset uint64, b []byte) rpc.RPCFilter {
	return rpc.RPCFilter{Memcmp: &rpc.RPCFilterMemcmp{Offset: offset, Bytes: solana.Base58(b)}}
}

func (c *Client) programAccounts(ctx context.Context, size uint64, filters ...rpc.RPCFilter) (rpc.GetProgramAccountsResult, error) {
	disc := layout.PoolDiscriminator
	if size == layout.PositionAccountSize {
		disc = layout.PositionDiscriminator
	}
	opts := &rpc.GetProgramAccountsOpts{
		Commitment: c.commitment,
		Encoding:   solana.EncodingBase64,
		Filters: append([]rpc.RPCFilter{
			{DataSize: size},
			memcmpFilter(0, disc[:]),
		}, filters...),
	}
	ctx, cancel := c.callCtx(ctx)
	defer cancel()
	accs, err := c.rpc.GetProgramAccountsWithOpts(ctx, c.programID, opts)
	if err != nil {
		return nil, fmt.Errorf("chain: get program accounts: %w: %v", domain.ErrUpstreamUnavailable, err)
	}
	return accs, nil
}

// Pools returns every pool account owned by the program. Accounts that fail
// to decode are logged and skipped.
func (c *Client) Pools(ctx context.Context) ([]domain.Pool, error) {
	accs, err := c.programAccounts(ctx, layout.PoolAccountSize)
	if err != nil {
		return nil, err
	}
	pools := make([]domain.Pool, 0, len(accs))
	for _, acc := range accs {
		if acc == nil || acc.Account == nil {
			continue
		}
		p, err := layout.DecodePool(acc.Pubkey, acc.Account.Data.GetBinary())
		if err != nil {
			c.logger.WarnContext(ctx, "chain: skip undecodable pool",
				slog.String("address", acc.Pubkey.String()),
				slog.String("error", err.Error()),
			)
			continue
		}
		pools = append(pools, p)
	}
	return pools, nil
}

// PoolByMint returns the pool for one token mint via a memcmp on the mint
// field.
func (c *Client) PoolByMint(ctx context.Context, mint solana.PublicKey) (domain.Pool, error) {
	accs, err := c.programAccounts(ctx, layout.PoolAccountSize, memcmpFilter(layout.PoolOffsetTokenYMint, mint.Bytes()))
	if err != nil {
		return domain.Pool{}, err
	}
	for _, acc := range accs {
		if acc == nil || acc.Account == nil {
			continue
		}
		return layout.DecodePool(acc.Pubkey, acc.Account.Data.GetBinary())
	}
	return domain.Pool{}, fmt.Errorf("chain: pool %s: %w", mint, domain.ErrPoolNotFound)
}

func (c *Client) decodePositions(ctx context.Context, accs rpc.GetProgramAccountsResult) []domain.Position {
	out := make([]domain.Position, 0, len(accs))
	for _, acc := range accs {
		if acc == nil || acc.Account == nil {
			continue
		}
		p, err := layout.DecodePosition(acc.Pubkey, acc.Account.Data.GetBinary())
		if err != nil {
			c.logger.WarnContext(ctx, "chain: skip undecodable position",
				slog.String("address", acc.Pubkey.String()),
				slog.String("error", err.Error()),
			)
			continue
		}
		out = append(out, p)
	}
	return out
}

// Positions returns every open position account. Token mints are not part
// of the account; callers join them through the pool address.
func (c *Client) Positions(ctx context.Context) ([]domain.Position, error) {
	accs, err := c.programAccounts(ctx, layout.PositionAccountSize)
	if err != nil {
		return nil, err
	}
	return c.decodePositions(ctx, accs), nil
}

// PositionsByOwner returns an owner's position accounts via a memcmp on the
// authority field.
func (c *Client) PositionsByOwner(ctx context.Context, owner solana.PublicKey) ([]domain.Position, error) {
	accs, err := c.programAccounts(ctx, layout.PositionAccountSize, memcmpFilter(layout.PositionOffsetAuthority, owner.Bytes()))
	if err != nil {
		return nil, err
	}
	return c.decodePositions(ctx, accs), nil
}

// TokenMetadata reads the Metaplex metadata account of a mint.
func (c *Client) TokenMetadata(ctx context.Context, mint solana.PublicKey) (layout.OnChainMetadata, error) {
	addr, err := layout.MetadataAddress(mint)
	if err != nil {
		return layout.OnChainMetadata{}, err
	}
	ctx, cancel := c.callCtx(ctx)
	defer cancel()
	res, err := c.rpc.GetAccountInfoWithOpts(ctx, addr, &rpc.GetAccountInfoOpts{
		Commitment: c.commitment,
		Encoding:   solana.EncodingBase64,
	})
	if err != nil {
		if errors.Is(err, rpc.ErrNotFound) {
			return layout.OnChainMetadata{}, fmt.Errorf("chain: metadata %s: %w", mint, domain.ErrNotFound)
		}
		return layout.OnChainMetadata{}, fmt.Errorf("chain: metadata %s: %w: %v", mint, domain.ErrUpstreamUnavailable, err)
	}
	if res == nil || res.Value == nil {
		return layout.OnChainMetadata{}, fmt.Errorf("chain: metadata %s: %w", mint, domain.ErrNotFound)
	}
	return layout.DecodeMetadata(res.Value.Data.GetBinary())
}

// Health reports whether the RPC node considers itself healthy.
func (c *Client) Health(ctx context.Context) error {
	ctx, cancel := c.callCtx(ctx)
	defer cancel()
	status, err := c.rpc.GetHealth(ctx)
	if err != nil {
		return fmt.Errorf("chain: health: %w: %v", domain.ErrUpstreamUnavailable, err)
	}
	if status != "ok" {
		return fmt.Errorf("chain: health %q: %w", status, domain.ErrUpstreamUnavailable)
	}
	return nil
}
