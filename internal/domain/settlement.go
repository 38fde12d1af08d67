package domain

import (
	"time"

	"github.com/gagliardetto/solana-go"
)

// SettlementKind names the instruction that produced a settlement.
type SettlementKind string

const (
	SettlementLaunch    SettlementKind = "launch"
	SettlementSwap      SettlementKind = "swap"
	SettlementOpen      SettlementKind = "open_position"
	SettlementClose     SettlementKind = "close_position"
	SettlementLiquidate SettlementKind = "liquidate"
)

// Settlement is the append-only record of one committed mutation.
type Settlement struct {
	ID          string
	Kind        SettlementKind
	TokenYMint  solana.PublicKey
	Position    solana.PublicKey // zero for pool-only settlements
	Actor       solana.PublicKey
	Side        string // "buy" or "sell"
	AmountIn    uint64
	AmountOut   uint64
	Borrowed    uint64
	Payout      uint64
	PoolVersion uint64
	CreatedAt   time.Time
}

// LedgerCommit is everything one settlement writes. It is persisted as a unit:
// the pool row, at most one position upsert or delete, and the history row.
type LedgerCommit struct {
	Pool           Pool
	UpsertPosition *Position
	DeletePosition *solana.PublicKey
	Settlement     Settlement
}

// PositionEvent is published when the limbo monitor observes a status change.
type PositionEvent struct {
	Position   solana.PublicKey `json:"position"`
	Owner      solana.PublicKey `json:"owner"`
	TokenYMint solana.PublicKey `json:"token_y_mint"`
	From       PositionStatus   `json:"from"`
	To         PositionStatus   `json:"to"`
	Output     uint64           `json:"current_output"`
	Borrowed   uint64           `json:"borrowed"`
	At         time.Time        `json:"at"`
}
