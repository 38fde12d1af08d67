package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/whiplashfi/whiplash/internal/domain"
)

// SettlementStore implements domain.SettlementStore using PostgreSQL.
type SettlementStore struct {
	pool *pgxpool.Pool
}

// NewSettlementStore creates a new SettlementStore backed by the given connection pool.
func NewSettlementStore(pool *pgxpool.Pool) *SettlementStore {
	return &SettlementStore{pool: pool}
}

const settlementSelectCols = `id::text, kind, token_y_mint, position, actor, side,
	amount_in, amount_out, borrowed, payout, pool_version, created_at`

func scanSettlement(row pgx.Row) (domain.Settlement, error) {
	var (
		st                        domain.Settlement
		kind, mint, actor         string
		position                  *string
		in, out, borrowed, payout decimal.Decimal
	)
	if err := row.Scan(
		&st.ID, &kind, &mint, &position, &actor, &st.Side,
		&in, &out, &borrowed, &payout, &st.PoolVersion, &st.CreatedAt,
	); err != nil {
		return domain.Settlement{}, err
	}
	st.Kind = domain.SettlementKind(kind)

	var d rowDecoder
	d.key(&st.TokenYMint, mint)
	d.optKey(&st.Position, position)
	d.key(&st.Actor, actor)
	d.u64(&st.AmountIn, in)
	d.u64(&st.AmountOut, out)
	d.u64(&st.Borrowed, borrowed)
	d.u64(&st.Payout, payout)
	return st, d.err
}

func insertSettlement(ctx context.Context, q querier, st domain.Settlement) error {
	const query = `
		INSERT INTO settlements (
			id, kind, token_y_mint, position, actor, side,
			amount_in, amount_out, borrowed, payout, pool_version, created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6,
			$7, $8, $9, $10, $11, $12
		)
		ON CONFLICT (id) DO NOTHING`

	_, err := q.Exec(ctx, query,
		st.ID, string(st.Kind), st.TokenYMint.String(), nullableKey(st.Position), st.Actor.String(), st.Side,
		u64(st.AmountIn), u64(st.AmountOut), u64(st.Borrowed), u64(st.Payout), int64(st.PoolVersion), st.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("postgres: insert settlement %s: %w", st.ID, err)
	}
	return nil
}

// Insert appends a settlement. Re-inserting the same ID is a no-op.
func (s *SettlementStore) Insert(ctx context.Context, st domain.Settlement) error {
	return insertSettlement(ctx, s.pool, st)
}

func (s *SettlementStore) list(ctx context.Context, query string, args ...any) ([]domain.Settlement, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list settlements: %w", err)
	}
	defer rows.Close()

	var out []domain.Settlement
	for rows.Next() {
		st, err := scanSettlement(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan settlement: %w", err)
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list settlements rows: %w", err)
	}
	return out, nil
}

// ListByMint returns a pool's settlement history, newest first.
func (s *SettlementStore) ListByMint(ctx context.Context, mint solana.PublicKey, opts domain.ListOpts) ([]domain.Settlement, error) {
	query := `SELECT ` + settlementSelectCols + ` FROM settlements WHERE token_y_mint = $1`
	args := []any{mint.String()}
	argIdx := 2

	if opts.Since != nil {
		query += fmt.Sprintf(" AND created_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND created_at <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY created_at DESC, pool_version DESC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}
	return s.list(ctx, query, args...)
}

// ListBefore returns up to limit settlements created before the cutoff,
// oldest first.
func (s *SettlementStore) ListBefore(ctx context.Context, before time.Time, limit int) ([]domain.Settlement, error) {
	return s.list(ctx,
		`SELECT `+settlementSelectCols+` FROM settlements
		 WHERE created_at < $1 ORDER BY created_at, id LIMIT $2`, before, limit)
}

// Delete removes the given settlements, typically after they have been
// archived.
func (s *SettlementStore) Delete(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM settlements WHERE id::text = ANY($1::text[])`, ids)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete settlements: %w", err)
	}
	return tag.RowsAffected(), nil
}
