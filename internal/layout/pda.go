package layout

import (
	"encoding/binary"
	"fmt"

	"github.com/gagliardetto/solana-go"
)

const (
	poolSeed     = "pool"
	positionSeed = "position"
	vaultSeed    = "vault"
)

// PoolAddress derives the pool PDA for a token mint.
func PoolAddress(programID, mint solana.PublicKey) (solana.PublicKey, uint8, error) {
	addr, bump, err := solana.FindProgramAddress([][]byte{[]byte(poolSeed), mint.Bytes()}, programID)
	if err != nil {
		return solana.PublicKey{}, 0, fmt.Errorf("layout: pool address: %w", err)
	}
	return addr, bump, nil
}

// PositionAddress derives the position PDA from (pool, owner, nonce). The
// nonce is encoded as 8 little-endian bytes.
func PositionAddress(programID, pool, owner solana.PublicKey, nonce uint64) (solana.PublicKey, uint8, error) {
	var n [8]byte
	binary.LittleEndian.PutUint64(n[:], nonce)
	addr, bump, err := solana.FindProgramAddress([][]byte{[]byte(positionSeed), pool.Bytes(), owner.Bytes(), n[:]}, programID)
	if err != nil {
		return solana.PublicKey{}, 0, fmt.Errorf("layout: position address: %w", err)
	}
	return addr, bump, nil
}

// VaultAddress derives the custody account owned by a pool or position.
func VaultAddress(programID, owner solana.PublicKey) (solana.PublicKey, error) {
	addr, _, err := solana.FindProgramAddress([][]byte{[]byte(vaultSeed), owner.Bytes()}, programID)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("layout: vault address: %w", err)
	}
	return addr, nil
}
