package layout

import (
	"bytes"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"

	"github.com/whiplashfi/whiplash/internal/domain"
)

const (
	PositionOffsetAuthority = 8
	PositionOffsetPool      = 40

	PositionAccountSize = 8 + 32*3 + 1 + 8*5 + 1
)

type positionAccount struct {
	Discriminator Discriminator
	Authority     solana.PublicKey
	Pool          solana.PublicKey
	PositionVault solana.PublicKey
	IsLong        bool
	Collateral    uint64
	Leverage      uint64
	EntryPrice    uint64
	Size          uint64
	Nonce         uint64
	Bump          uint8
}

// EncodePosition serialises a position into its account representation.
func EncodePosition(p domain.Position) ([]byte, error) {
	acc := positionAccount{
		Discriminator: PositionDiscriminator,
		Authority:     p.Authority,
		Pool:          p.Pool,
		PositionVault: p.PositionVault,
		IsLong:        p.IsLong,
		Collateral:    p.Collateral,
		Leverage:      p.Leverage,
		EntryPrice:    p.EntryPrice,
		Size:          p.Size,
		Nonce:         p.Nonce,
		Bump:          p.Bump,
	}
	var buf bytes.Buffer
	buf.Grow(PositionAccountSize)
	if err := bin.NewBorshEncoder(&buf).Encode(&acc); err != nil {
		return nil, fmt.Errorf("layout: encode position: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodePosition parses a Position account. The token mint is not stored on
// chain and is left zero; callers join it from the pool.
func DecodePosition(address solana.PublicKey, data []byte) (domain.Position, error) {
	if len(data) < PositionAccountSize {
		return domain.Position{}, fmt.Errorf("%w: position has %d bytes, want %d", ErrShortAccount, len(data), PositionAccountSize)
	}
	if !bytes.Equal(data[:8], PositionDiscriminator[:]) {
		return domain.Position{}, fmt.Errorf("%w: not a position account", ErrWrongDiscriminator)
	}
	var acc positionAccount
	if err := bin.NewBorshDecoder(data).Decode(&acc); err != nil {
		return domain.Position{}, fmt.Errorf("layout: decode position: %w", err)
	}
	return domain.Position{
		Address:       address,
		Authority:     acc.Authority,
		Pool:          acc.Pool,
		PositionVault: acc.PositionVault,
		IsLong:        acc.IsLong,
		Collateral:    acc.Collateral,
		Leverage:      acc.Leverage,
		EntryPrice:    acc.EntryPrice,
		Size:          acc.Size,
		Nonce:         acc.Nonce,
		Bump:          acc.Bump,
	}, nil
}
