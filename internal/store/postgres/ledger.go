package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/whiplashfi/whiplash/internal/domain"
)

// Ledger implements domain.Ledger. Each commit writes the pool row, the
// position change and the settlement row in one transaction.
type Ledger struct {
	pool *pgxpool.Pool
}

// NewLedger creates a Ledger backed by the given connection pool.
func NewLedger(pool *pgxpool.Pool) *Ledger {
	return &Ledger{pool: pool}
}

// Apply persists c atomically.
func (l *Ledger) Apply(ctx context.Context, c domain.LedgerCommit) error {
	err := withTx(ctx, l.pool, func(tx pgx.Tx) error {
		if err := upsertPool(ctx, tx, c.Pool); err != nil {
			return err
		}
		if c.UpsertPosition != nil {
			if err := upsertPosition(ctx, tx, *c.UpsertPosition); err != nil {
				return err
			}
		}
		if c.DeletePosition != nil {
			if err := deletePosition(ctx, tx, *c.DeletePosition); err != nil {
				return err
			}
		}
		return insertSettlement(ctx, tx, c.Settlement)
	})
	if err != nil {
		return fmt.Errorf("postgres: ledger %s %s: %w", c.Settlement.Kind, c.Settlement.ID, err)
	}
	return nil
}

// Snapshot loads every pool and open position for engine.Restore.
func (l *Ledger) Snapshot(ctx context.Context) ([]domain.Pool, []domain.Position, error) {
	pools, err := NewPoolStore(l.pool).List(ctx, domain.ListOpts{})
	if err != nil {
		return nil, nil, err
	}
	positions, err := NewPositionStore(l.pool).ListOpen(ctx)
	if err != nil {
		return nil, nil, err
	}
	return pools, positions, nil
}
