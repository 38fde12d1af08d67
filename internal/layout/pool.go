package layout

import (
	"bytes"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"

	"github.com/whiplashfi/whiplash/internal/domain"
)

// Byte offsets inside a Pool account. Indexers filter on these with memcmp.
const (
	PoolOffsetAuthority             = 8
	PoolOffsetTokenYMint            = 40
	PoolOffsetTokenYVault           = 72
	PoolOffsetTokenYAmount          = 104
	PoolOffsetVirtualTokenYAmount   = 112
	PoolOffsetLamports              = 120
	PoolOffsetVirtualSolAmount      = 128
	PoolOffsetCreationTimestamp     = 136
	PoolOffsetLeveragedSolAmount    = 144
	PoolOffsetLeveragedTokenYAmount = 152
	PoolOffsetBump                  = 160

	PoolAccountSize = 161
)

type poolAccount struct {
	Discriminator         Discriminator
	Authority             solana.PublicKey
	TokenYMint            solana.PublicKey
	TokenYVault           solana.PublicKey
	TokenYAmount          uint64
	VirtualTokenYAmount   uint64
	Lamports              uint64
	VirtualSolAmount      uint64
	CreationTimestamp     int64
	LeveragedSolAmount    uint64
	LeveragedTokenYAmount uint64
	Bump                  uint8
}

// EncodePool serialises a pool into its account representation.
func EncodePool(p domain.Pool) ([]byte, error) {
	acc := poolAccount{
		Discriminator:         PoolDiscriminator,
		Authority:             p.Authority,
		TokenYMint:            p.TokenYMint,
		TokenYVault:           p.TokenYVault,
		TokenYAmount:          p.TokenYAmount,
		VirtualTokenYAmount:   p.VirtualTokenYAmount,
		Lamports:              p.Lamports,
		VirtualSolAmount:      p.VirtualSolAmount,
		CreationTimestamp:     p.CreationTimestamp,
		LeveragedSolAmount:    p.LeveragedSolAmount,
		LeveragedTokenYAmount: p.LeveragedTokenYAmount,
		Bump:                  p.Bump,
	}
	var buf bytes.Buffer
	buf.Grow(PoolAccountSize)
	if err := bin.NewBorshEncoder(&buf).Encode(&acc); err != nil {
		return nil, fmt.Errorf("layout: encode pool: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodePool parses a Pool account. The address is the account's own key.
func DecodePool(address solana.PublicKey, data []byte) (domain.Pool, error) {
	if len(data) < PoolAccountSize {
		return domain.Pool{}, fmt.Errorf("%w: pool has %d bytes, want %d", ErrShortAccount, len(data), PoolAccountSize)
	}
	if !bytes.Equal(data[:8], PoolDiscriminator[:]) {
		return domain.Pool{}, fmt.Errorf("%w: not a pool account", ErrWrongDiscriminator)
	}
	var acc poolAccount
	if err := bin.NewBorshDecoder(data).Decode(&acc); err != nil {
		return domain.Pool{}, fmt.Errorf("layout: decode pool: %w", err)
	}
	return domain.Pool{
		Address:               address,
		Authority:             acc.Authority,
		TokenYMint:            acc.TokenYMint,
		TokenYVault:           acc.TokenYVault,
		TokenYAmount:          acc.TokenYAmount,
		VirtualTokenYAmount:   acc.VirtualTokenYAmount,
		Lamports:              acc.Lamports,
		VirtualSolAmount:      acc.VirtualSolAmount,
		CreationTimestamp:     acc.CreationTimestamp,
		LeveragedSolAmount:    acc.LeveragedSolAmount,
		LeveragedTokenYAmount: acc.LeveragedTokenYAmount,
		Bump:                  acc.Bump,
	}, nil
}
