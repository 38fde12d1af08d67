package domain

import (
	"time"

	"github.com/gagliardetto/solana-go"
)

// PositionStatus is the health classification of an open position, or the
// terminal state it ended in.
type PositionStatus string

const (
	PositionHealthy             PositionStatus = "healthy"
	PositionLiquidationEligible PositionStatus = "liquidation_eligible"
	PositionLimbo               PositionStatus = "limbo"
	PositionClosed              PositionStatus = "closed"
	PositionLiquidated          PositionStatus = "liquidated"
)

// Underwater reports whether the status means the position can no longer
// repay its borrow from a close.
func (s PositionStatus) Underwater() bool {
	return s == PositionLiquidationEligible || s == PositionLimbo
}

// Position is a leveraged exposure held against one pool. A long posts SOL
// collateral and holds token Y in its vault; a short posts token Y and holds
// SOL.
type Position struct {
	Address       solana.PublicKey
	Authority     solana.PublicKey
	Pool          solana.PublicKey
	TokenYMint    solana.PublicKey
	PositionVault solana.PublicKey

	IsLong     bool
	Collateral uint64
	Leverage   uint64 // scaled by 10
	EntryPrice uint64 // input units per output unit, scaled by 1e9
	Size       uint64
	Nonce      uint64
	Bump       uint8

	OpenedAt   time.Time
	LimboSince *time.Time
}

// PositionHealth is the outcome of evaluating a position against the
// current pool reserves. CurrentOutput is what a close would actually take
// out of the pool. Shortfall is the part of the position's claim the pool
// cannot settle: the unrepaid borrow when underwater, or curve value above
// what the pool physically holds.
type PositionHealth struct {
	Position      Position
	Status        PositionStatus
	Borrowed      uint64
	CurrentOutput uint64
	Payout        uint64
	Shortfall     uint64
}
