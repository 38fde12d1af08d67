package domain

import (
	"time"

	"github.com/gagliardetto/solana-go"
)

const (
	SolDecimals    = 9
	TokenYDecimals = 6

	// TokenYSupply is the fixed supply minted into every pool at launch,
	// one billion tokens in base units.
	TokenYSupply uint64 = 1_000_000_000 * 1_000_000

	// MaxLeverage is the highest multiplier a position may use. Leverage is
	// carried scaled by 10, so the stored ceiling is MaxLeverageScaled.
	MaxLeverage       = 10
	MaxLeverageScaled = MaxLeverage * 10
)

// Pool is the state of one launched token's market. Real reserves are
// withdrawable balances; virtual reserves only shape the price curve.
// The Leveraged* fields are the part of each real reserve that was created
// by position borrowing rather than deposited by traders.
type Pool struct {
	Address     solana.PublicKey
	Authority   solana.PublicKey
	TokenYMint  solana.PublicKey
	TokenYVault solana.PublicKey

	TokenYAmount        uint64
	VirtualTokenYAmount uint64
	Lamports            uint64
	VirtualSolAmount    uint64

	LeveragedSolAmount    uint64
	LeveragedTokenYAmount uint64

	CreationTimestamp int64
	Bump              uint8

	Name   string
	Symbol string
	URI    string

	// Version increments on every committed settlement against the pool.
	Version   uint64
	UpdatedAt time.Time
}

// SolCustody is the lamport balance physically held by the pool.
func (p Pool) SolCustody() uint64 {
	if p.LeveragedSolAmount > p.Lamports {
		return 0
	}
	return p.Lamports - p.LeveragedSolAmount
}

// TokenYCustody is the token balance physically held in the pool vault.
func (p Pool) TokenYCustody() uint64 {
	if p.LeveragedTokenYAmount > p.TokenYAmount {
		return 0
	}
	return p.TokenYAmount - p.LeveragedTokenYAmount
}

// CreatedAt converts the on-chain creation timestamp.
func (p Pool) CreatedAt() time.Time {
	return time.Unix(p.CreationTimestamp, 0).UTC()
}
