package domain

import (
	"context"
	"time"

	"github.com/gagliardetto/solana-go"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// PoolStore persists pool state keyed by token mint.
type PoolStore interface {
	Upsert(ctx context.Context, pool Pool) error
	GetByMint(ctx context.Context, mint solana.PublicKey) (Pool, error)
	List(ctx context.Context, opts ListOpts) ([]Pool, error)
}

// PositionStore persists open positions. Closed positions are deleted; their
// history lives in the SettlementStore.
type PositionStore interface {
	Upsert(ctx context.Context, pos Position) error
	Delete(ctx context.Context, address solana.PublicKey) error
	GetByAddress(ctx context.Context, address solana.PublicKey) (Position, error)
	ListByOwner(ctx context.Context, owner solana.PublicKey, mint *solana.PublicKey) ([]Position, error)
	ListOpen(ctx context.Context) ([]Position, error)
	SetLimbo(ctx context.Context, address solana.PublicKey, since *time.Time) error
}

// SettlementStore persists the settlement history.
type SettlementStore interface {
	Insert(ctx context.Context, s Settlement) error
	ListByMint(ctx context.Context, mint solana.PublicKey, opts ListOpts) ([]Settlement, error)
	ListBefore(ctx context.Context, before time.Time, limit int) ([]Settlement, error)
	Delete(ctx context.Context, ids []string) (int64, error)
}

// Ledger persists a settlement commit atomically.
type Ledger interface {
	Apply(ctx context.Context, c LedgerCommit) error
}

// AuditEntry is a single audit log row. Subject is the position, or failing
// that the mint, the entry is about.
type AuditEntry struct {
	ID        int64
	Event     string
	Subject   string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditFilter narrows an audit listing. An Event ending in ".*" matches by
// prefix, so "settlement.*" selects every settlement kind.
type AuditFilter struct {
	Event   string
	Subject string
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event string, detail map[string]any) error
	List(ctx context.Context, f AuditFilter, opts ListOpts) ([]AuditEntry, error)
}

// AuditSubject picks the subject of an audit detail map.
func AuditSubject(detail map[string]any) string {
	for _, k := range []string{"position", "mint"} {
		if v, ok := detail[k].(string); ok && v != "" {
			return v
		}
	}
	return ""
}
