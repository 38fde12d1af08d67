package postgres

import (
	"fmt"
	"math/big"

	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"
)

// u64 is the query argument for NUMERIC(20,0) columns. decimal.Decimal
// implements driver.Valuer and sql.Scanner, both of which pgx honours.
func u64(v uint64) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(v), 0)
}

// rowDecoder converts scanned text and numeric columns into domain values,
// keeping the first error.
type rowDecoder struct {
	err error
}

func (d *rowDecoder) u64(dst *uint64, v decimal.Decimal) {
	if d.err != nil {
		return
	}
	b := v.BigInt()
	if b.Sign() < 0 || !b.IsUint64() {
		d.err = fmt.Errorf("postgres: numeric %s out of u64 range", v)
		return
	}
	*dst = b.Uint64()
}

func (d *rowDecoder) key(dst *solana.PublicKey, s string) {
	if d.err != nil {
		return
	}
	k, err := solana.PublicKeyFromBase58(s)
	if err != nil {
		d.err = fmt.Errorf("postgres: bad public key %q: %w", s, err)
		return
	}
	*dst = k
}

// optKey stores a nullable key column; NULL leaves the zero key.
func (d *rowDecoder) optKey(dst *solana.PublicKey, s *string) {
	if s != nil && *s != "" {
		d.key(dst, *s)
	}
}

// nullableKey maps the zero key to SQL NULL.
func nullableKey(k solana.PublicKey) *string {
	if k.IsZero() {
		return nil
	}
	s := k.String()
	return &s
}
