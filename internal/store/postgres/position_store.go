package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/whiplashfi/whiplash/internal/domain"
)

// PositionStore implements domain.PositionStore using PostgreSQL.
type PositionStore struct {
	pool *pgxpool.Pool
}

// NewPositionStore creates a new PositionStore backed by the given connection pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

const positionSelectCols = `address, authority, pool, token_y_mint, position_vault,
	is_long, collateral, leverage, entry_price, size, nonce, bump,
	opened_at, limbo_since`

func scanPosition(row pgx.Row) (domain.Position, error) {
	var (
		p                                     domain.Position
		addr, authority, pool, mint, vault    string
		collateral, leverage, entry, size, nc decimal.Decimal
		bump                                  int16
	)
	if err := row.Scan(
		&addr, &authority, &pool, &mint, &vault,
		&p.IsLong, &collateral, &leverage, &entry, &size, &nc, &bump,
		&p.OpenedAt, &p.LimboSince,
	); err != nil {
		return domain.Position{}, err
	}
	p.Bump = uint8(bump)

	var d rowDecoder
	d.key(&p.Address, addr)
	d.key(&p.Authority, authority)
	d.key(&p.Pool, pool)
	d.key(&p.TokenYMint, mint)
	d.key(&p.PositionVault, vault)
	d.u64(&p.Collateral, collateral)
	d.u64(&p.Leverage, leverage)
	d.u64(&p.EntryPrice, entry)
	d.u64(&p.Size, size)
	d.u64(&p.Nonce, nc)
	return p, d.err
}

func scanPositions(rows pgx.Rows) ([]domain.Position, error) {
	var positions []domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

func upsertPosition(ctx context.Context, q querier, p domain.Position) error {
	const query = `
		INSERT INTO positions (
			address, authority, pool, token_y_mint, position_vault,
			is_long, collateral, leverage, entry_price, size, nonce, bump,
			opened_at, limbo_since, updated_at
		) VALUES (
			$1, $2, $3, $4, $5,
			$6, $7, $8, $9, $10, $11, $12,
			$13, $14, NOW()
		)
		ON CONFLICT (address) DO UPDATE SET
			token_y_mint = EXCLUDED.token_y_mint,
			collateral   = EXCLUDED.collateral,
			leverage     = EXCLUDED.leverage,
			entry_price  = EXCLUDED.entry_price,
			size         = EXCLUDED.size,
			limbo_since  = EXCLUDED.limbo_since,
			updated_at   = NOW()`

	opened := p.OpenedAt
	if opened.IsZero() {
		opened = time.Now().UTC()
	}
	_, err := q.Exec(ctx, query,
		p.Address.String(), p.Authority.String(), p.Pool.String(), p.TokenYMint.String(), p.PositionVault.String(),
		p.IsLong, u64(p.Collateral), u64(p.Leverage), u64(p.EntryPrice), u64(p.Size), u64(p.Nonce), int16(p.Bump),
		opened, p.LimboSince,
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert position %s: %w", p.Address, err)
	}
	return nil
}

func deletePosition(ctx context.Context, q querier, address solana.PublicKey) error {
	tag, err := q.Exec(ctx, `DELETE FROM positions WHERE address = $1`, address.String())
	if err != nil {
		return fmt.Errorf("postgres: delete position %s: %w", address, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrPositionNotFound
	}
	return nil
}

// Upsert inserts a position or refreshes its mutable fields.
func (s *PositionStore) Upsert(ctx context.Context, p domain.Position) error {
	return upsertPosition(ctx, s.pool, p)
}

// Delete removes a closed position.
func (s *PositionStore) Delete(ctx context.Context, address solana.PublicKey) error {
	return deletePosition(ctx, s.pool, address)
}

// GetByAddress retrieves a single open position.
func (s *PositionStore) GetByAddress(ctx context.Context, address solana.PublicKey) (domain.Position, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+positionSelectCols+` FROM positions WHERE address = $1`, address.String())

	p, err := scanPosition(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Position{}, domain.ErrPositionNotFound
		}
		return domain.Position{}, fmt.Errorf("postgres: get position %s: %w", address, err)
	}
	return p, nil
}

// ListByOwner returns an owner's open positions, optionally for one mint.
func (s *PositionStore) ListByOwner(ctx context.Context, owner solana.PublicKey, mint *solana.PublicKey) ([]domain.Position, error) {
	query := `SELECT ` + positionSelectCols + ` FROM positions WHERE authority = $1`
	args := []any{owner.String()}
	if mint != nil {
		query += " AND token_y_mint = $2"
		args = append(args, mint.String())
	}
	query += " ORDER BY opened_at, address"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list positions for %s: %w", owner, err)
	}
	defer rows.Close()

	positions, err := scanPositions(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan positions: %w", err)
	}
	return positions, nil
}

// ListOpen returns every open position.
func (s *PositionStore) ListOpen(ctx context.Context) ([]domain.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionSelectCols+` FROM positions ORDER BY opened_at, address`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list open positions: %w", err)
	}
	defer rows.Close()

	positions, err := scanPositions(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan open positions: %w", err)
	}
	return positions, nil
}

// SetLimbo records when the monitor flagged a position, or clears the flag
// when since is nil.
func (s *PositionStore) SetLimbo(ctx context.Context, address solana.PublicKey, since *time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE positions SET limbo_since = $2, updated_at = NOW() WHERE address = $1`,
		address.String(), since)
	if err != nil {
		return fmt.Errorf("postgres: set limbo %s: %w", address, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrPositionNotFound
	}
	return nil
}
