package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/whiplashfi/whiplash/internal/domain"
)

// PoolStore implements domain.PoolStore using PostgreSQL.
type PoolStore struct {
	pool *pgxpool.Pool
}

// NewPoolStore creates a new PoolStore backed by the given connection pool.
func NewPoolStore(pool *pgxpool.Pool) *PoolStore {
	return &PoolStore{pool: pool}
}

const poolSelectCols = `mint, address, authority, token_y_vault,
	token_y_amount, virtual_token_y_amount, lamports, virtual_sol_amount,
	leveraged_sol_amount, leveraged_token_y_amount,
	creation_timestamp, bump, name, symbol, uri, version, updated_at`

func scanPool(row pgx.Row) (domain.Pool, error) {
	var (
		p                            domain.Pool
		mint, addr, authority, vault string
		tokY, vTokY, lamports, vSol  decimal.Decimal
		levSol, levTokY              decimal.Decimal
		bump                         int16
	)
	if err := row.Scan(
		&mint, &addr, &authority, &vault,
		&tokY, &vTokY, &lamports, &vSol,
		&levSol, &levTokY,
		&p.CreationTimestamp, &bump, &p.Name, &p.Symbol, &p.URI, &p.Version, &p.UpdatedAt,
	); err != nil {
		return domain.Pool{}, err
	}
	p.Bump = uint8(bump)

	var d rowDecoder
	d.key(&p.TokenYMint, mint)
	d.key(&p.Address, addr)
	d.key(&p.Authority, authority)
	d.key(&p.TokenYVault, vault)
	d.u64(&p.TokenYAmount, tokY)
	d.u64(&p.VirtualTokenYAmount, vTokY)
	d.u64(&p.Lamports, lamports)
	d.u64(&p.VirtualSolAmount, vSol)
	d.u64(&p.LeveragedSolAmount, levSol)
	d.u64(&p.LeveragedTokenYAmount, levTokY)
	return p, d.err
}

func upsertPool(ctx context.Context, q querier, p domain.Pool) error {
	const query = `
		INSERT INTO pools (
			mint, address, authority, token_y_vault,
			token_y_amount, virtual_token_y_amount, lamports, virtual_sol_amount,
			leveraged_sol_amount, leveraged_token_y_amount,
			creation_timestamp, bump, name, symbol, uri, version, updated_at
		) VALUES (
			$1, $2, $3, $4,
			$5, $6, $7, $8,
			$9, $10,
			$11, $12, $13, $14, $15, $16, NOW()
		)
		ON CONFLICT (mint) DO UPDATE SET
			token_y_amount           = EXCLUDED.token_y_amount,
			virtual_token_y_amount   = EXCLUDED.virtual_token_y_amount,
			lamports                 = EXCLUDED.lamports,
			virtual_sol_amount       = EXCLUDED.virtual_sol_amount,
			leveraged_sol_amount     = EXCLUDED.leveraged_sol_amount,
			leveraged_token_y_amount = EXCLUDED.leveraged_token_y_amount,
			name                     = CASE WHEN EXCLUDED.name = '' THEN pools.name ELSE EXCLUDED.name END,
			symbol                   = CASE WHEN EXCLUDED.symbol = '' THEN pools.symbol ELSE EXCLUDED.symbol END,
			uri                      = CASE WHEN EXCLUDED.uri = '' THEN pools.uri ELSE EXCLUDED.uri END,
			version                  = GREATEST(pools.version, EXCLUDED.version),
			updated_at               = NOW()`

	_, err := q.Exec(ctx, query,
		p.TokenYMint.String(), p.Address.String(), p.Authority.String(), p.TokenYVault.String(),
		u64(p.TokenYAmount), u64(p.VirtualTokenYAmount), u64(p.Lamports), u64(p.VirtualSolAmount),
		u64(p.LeveragedSolAmount), u64(p.LeveragedTokenYAmount),
		p.CreationTimestamp, int16(p.Bump), p.Name, p.Symbol, p.URI, int64(p.Version),
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert pool %s: %w", p.TokenYMint, err)
	}
	return nil
}

// Upsert inserts or replaces a pool's reserves. Empty metadata fields do not
// overwrite stored ones, since chain snapshots carry no metadata.
func (s *PoolStore) Upsert(ctx context.Context, p domain.Pool) error {
	return upsertPool(ctx, s.pool, p)
}

// GetByMint retrieves the pool for a token mint.
func (s *PoolStore) GetByMint(ctx context.Context, mint solana.PublicKey) (domain.Pool, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+poolSelectCols+` FROM pools WHERE mint = $1`, mint.String())

	p, err := scanPool(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Pool{}, domain.ErrPoolNotFound
		}
		return domain.Pool{}, fmt.Errorf("postgres: get pool %s: %w", mint, err)
	}
	return p, nil
}

// List returns pools newest first with pagination.
func (s *PoolStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.Pool, error) {
	query := `SELECT ` + poolSelectCols + ` FROM pools ORDER BY creation_timestamp DESC, mint`
	args := []any{}
	argIdx := 1

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list pools: %w", err)
	}
	defer rows.Close()

	var pools []domain.Pool
	for rows.Next() {
		p, err := scanPool(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan pool: %w", err)
		}
		pools = append(pools, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list pools rows: %w", err)
	}
	return pools, nil
}
