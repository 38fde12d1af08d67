package layout

import (
	"encoding/binary"
	"strings"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/require"

	"github.com/whiplashfi/whiplash/internal/domain"
)

var testProgramID = solana.MustPublicKeyFromBase58("GHjAHPHGZocJKtxUhe3Eom5B73AF4XGXYukV4QMMDNhZ")

func TestPoolFieldOffsets(t *testing.T) {
	require := require.New(t)

	pool := domain.Pool{
		Authority:             solana.NewWallet().PublicKey(),
		TokenYMint:            solana.NewWallet().PublicKey(),
		TokenYVault:           solana.NewWallet().PublicKey(),
		TokenYAmount:          1_000_000_000_000,
		VirtualTokenYAmount:   7,
		Lamports:              42,
		VirtualSolAmount:      100_000_000_000,
		CreationTimestamp:     1_700_000_000,
		LeveragedSolAmount:    11,
		LeveragedTokenYAmount: 13,
		Bump:                  254,
	}
	data, err := EncodePool(pool)
	require.NoError(err)
	require.Len(data, PoolAccountSize)

	require.Equal(PoolDiscriminator[:], data[:8])
	require.Equal(pool.Authority.Bytes(), data[PoolOffsetAuthority:PoolOffsetAuthority+32])
	require.Equal(pool.TokenYMint.Bytes(), data[PoolOffsetTokenYMint:PoolOffsetTokenYMint+32])
	require.Equal(pool.TokenYVault.Bytes(), data[PoolOffsetTokenYVault:PoolOffsetTokenYVault+32])
	require.Equal(pool.TokenYAmount, binary.LittleEndian.Uint64(data[PoolOffsetTokenYAmount:]))
	require.Equal(pool.VirtualTokenYAmount, binary.LittleEndian.Uint64(data[PoolOffsetVirtualTokenYAmount:]))
	require.Equal(pool.Lamports, binary.LittleEndian.Uint64(data[PoolOffsetLamports:]))
	require.Equal(pool.VirtualSolAmount, binary.LittleEndian.Uint64(data[PoolOffsetVirtualSolAmount:]))
	require.Equal(uint64(pool.CreationTimestamp), binary.LittleEndian.Uint64(data[PoolOffsetCreationTimestamp:]))
	require.Equal(pool.LeveragedSolAmount, binary.LittleEndian.Uint64(data[PoolOffsetLeveragedSolAmount:]))
	require.Equal(pool.LeveragedTokenYAmount, binary.LittleEndian.Uint64(data[PoolOffsetLeveragedTokenYAmount:]))
	require.Equal(pool.Bump, data[PoolOffsetBump])

	addr := solana.NewWallet().PublicKey()
	decoded, err := DecodePool(addr, data)
	require.NoError(err)
	pool.Address = addr
	require.Equal(pool, decoded)
}

func TestDecodePoolRejectsBadInput(t *testing.T) {
	require := require.New(t)

	_, err := DecodePool(solana.PublicKey{}, make([]byte, 40))
	require.ErrorIs(err, ErrShortAccount)

	data, err := EncodePool(domain.Pool{})
	require.NoError(err)
	data[0] ^= 0xff
	_, err = DecodePool(solana.PublicKey{}, data)
	require.ErrorIs(err, ErrWrongDiscriminator)
}

func TestPositionLayout(t *testing.T) {
	require := require.New(t)

	pos := domain.Position{
		Authority:     solana.NewWallet().PublicKey(),
		Pool:          solana.NewWallet().PublicKey(),
		PositionVault: solana.NewWallet().PublicKey(),
		IsLong:        true,
		Collateral:    1_000_000_000,
		Leverage:      50,
		EntryPrice:    123,
		Size:          45_000_000_000,
		Nonce:         777,
		Bump:          253,
	}
	data, err := EncodePosition(pos)
	require.NoError(err)
	require.Len(data, PositionAccountSize)
	require.Equal(pos.Authority.Bytes(), data[PositionOffsetAuthority:PositionOffsetAuthority+32])
	require.Equal(pos.Pool.Bytes(), data[PositionOffsetPool:PositionOffsetPool+32])

	decoded, err := DecodePosition(pos.Address, data)
	require.NoError(err)
	require.Equal(pos, decoded)

	_, err = DecodePosition(pos.Address, data[:PositionAccountSize-1])
	require.ErrorIs(err, ErrShortAccount)
}

func TestInstructionEncoding(t *testing.T) {
	require := require.New(t)

	data, err := EncodeInstruction(InstructionLeverageSwap, LeverageSwapArgs{
		AmountIn:     1_000_000_000,
		MinAmountOut: 5,
		Leverage:     50,
		Nonce:        9,
	})
	require.NoError(err)
	require.Len(data, 8+8+8+4+8)
	d := InstructionDiscriminator(InstructionLeverageSwap)
	require.Equal(d[:], data[:8])

	name, args, err := DecodeInstruction(data)
	require.NoError(err)
	require.Equal(InstructionLeverageSwap, name)
	require.Equal(LeverageSwapArgs{AmountIn: 1_000_000_000, MinAmountOut: 5, Leverage: 50, Nonce: 9}, args)

	data, err = EncodeInstruction(InstructionLaunch, LaunchArgs{VirtualSolReserve: 30, Name: "Whip", Symbol: "WHIP", URI: "ipfs://x"})
	require.NoError(err)
	name, args, err = DecodeInstruction(data)
	require.NoError(err)
	require.Equal(InstructionLaunch, name)
	require.Equal("WHIP", args.(LaunchArgs).Symbol)

	data, err = EncodeInstruction(InstructionClosePosition, ClosePositionArgs{})
	require.NoError(err)
	require.Len(data, 8)

	_, _, err = DecodeInstruction(append(data, 1))
	require.ErrorIs(err, ErrTrailingInstruction)

	_, _, err = DecodeInstruction([]byte{1, 2, 3, 4, 5, 6, 7, 8})
	require.ErrorIs(err, ErrUnknownInstruction)

	_, err = EncodeInstruction("withdraw", struct{}{})
	require.ErrorIs(err, ErrUnknownInstruction)
}

func TestDerivedAddresses(t *testing.T) {
	require := require.New(t)

	mint := solana.NewWallet().PublicKey()
	owner := solana.NewWallet().PublicKey()

	pool, _, err := PoolAddress(testProgramID, mint)
	require.NoError(err)
	again, _, err := PoolAddress(testProgramID, mint)
	require.NoError(err)
	require.Equal(pool, again)

	p1, _, err := PositionAddress(testProgramID, pool, owner, 1)
	require.NoError(err)
	p2, _, err := PositionAddress(testProgramID, pool, owner, 2)
	require.NoError(err)
	require.NotEqual(p1, p2)

	v, err := VaultAddress(testProgramID, p1)
	require.NoError(err)
	require.NotEqual(p1, v)
}

func TestMetadataPaddingTrimmed(t *testing.T) {
	mint := solana.NewWallet().PublicKey()
	data, err := EncodeMetadata(OnChainMetadata{
		Mint:   mint,
		Name:   "Whiplash" + strings.Repeat("\x00", 24),
		Symbol: "WHIP\x00\x00\x00\x00\x00\x00",
		URI:    "https://arweave.net/abc" + strings.Repeat("\x00", 40),
	})
	require.NoError(t, err)
	// Trailing creators and flags are ignored.
	data = append(data, 0, 1, 1, 0)

	md, err := DecodeMetadata(data)
	require.NoError(t, err)
	require.Equal(t, mint, md.Mint)
	require.Equal(t, "Whiplash", md.Name)
	require.Equal(t, "WHIP", md.Symbol)
	require.Equal(t, "https://arweave.net/abc", md.URI)

	data[0] = 7
	_, err = DecodeMetadata(data)
	require.ErrorIs(t, err, ErrWrongDiscriminator)

	addr, err := MetadataAddress(mint)
	require.NoError(t, err)
	require.False(t, addr.IsZero())
}
