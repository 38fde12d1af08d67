package amm

import (
	"fmt"
	"math/big"

	"github.com/whiplashfi/whiplash/internal/domain"
)

// Direction is the side of a swap. Buy sends SOL in and takes token Y out;
// Sell is the reverse.
type Direction uint8

const (
	Buy Direction = iota
	Sell
)

// Reverse returns the opposite direction.
func (d Direction) Reverse() Direction {
	if d == Buy {
		return Sell
	}
	return Buy
}

func (d Direction) String() string {
	if d == Buy {
		return "buy"
	}
	return "sell"
}

// ParseDirection accepts "buy"/"long" and "sell"/"short".
func ParseDirection(s string) (Direction, error) {
	switch s {
	case "buy", "long":
		return Buy, nil
	case "sell", "short":
		return Sell, nil
	}
	return 0, fmt.Errorf("amm: unknown direction %q", s)
}

// Reserves is the curve-relevant part of a pool.
type Reserves struct {
	SolReal      uint64
	SolVirtual   uint64
	TokenReal    uint64
	TokenVirtual uint64
}

// ReservesOf extracts the curve reserves from a pool.
func ReservesOf(p domain.Pool) Reserves {
	return Reserves{
		SolReal:      p.Lamports,
		SolVirtual:   p.VirtualSolAmount,
		TokenReal:    p.TokenYAmount,
		TokenVirtual: p.VirtualTokenYAmount,
	}
}

// EffectiveSol is real plus virtual SOL.
func (r Reserves) EffectiveSol() (uint64, error) {
	return CheckedAdd(r.SolReal, r.SolVirtual)
}

// EffectiveToken is real plus virtual token Y.
func (r Reserves) EffectiveToken() (uint64, error) {
	return CheckedAdd(r.TokenReal, r.TokenVirtual)
}

// K is the constant-product invariant over effective reserves.
func (r Reserves) K() *big.Int {
	x := new(big.Int).SetUint64(r.SolReal)
	x.Add(x, new(big.Int).SetUint64(r.SolVirtual))
	y := new(big.Int).SetUint64(r.TokenReal)
	y.Add(y, new(big.Int).SetUint64(r.TokenVirtual))
	return x.Mul(x, y)
}

// Validate checks that neither side of the curve is empty.
func (r Reserves) Validate() error {
	x, err := r.EffectiveSol()
	if err != nil {
		return err
	}
	y, err := r.EffectiveToken()
	if err != nil {
		return err
	}
	if x == 0 || y == 0 {
		return fmt.Errorf("%w: empty effective reserve", domain.ErrInsufficientReserves)
	}
	return nil
}

// sides returns (effective in, effective out, real out) for a direction.
func (r Reserves) sides(dir Direction) (in, out, realOut uint64, err error) {
	sol, err := r.EffectiveSol()
	if err != nil {
		return 0, 0, 0, err
	}
	tok, err := r.EffectiveToken()
	if err != nil {
		return 0, 0, 0, err
	}
	if dir == Buy {
		return sol, tok, r.TokenReal, nil
	}
	return tok, sol, r.SolReal, nil
}

// CurveOut returns floor(y*in/(x+in)) over the effective reserves with no
// bound against the real output reserve.
func CurveOut(r Reserves, amountIn uint64, dir Direction) (uint64, error) {
	x, y, _, err := r.sides(dir)
	if err != nil {
		return 0, err
	}
	if amountIn == 0 || y == 0 {
		return 0, nil
	}
	denom, err := CheckedAdd(x, amountIn)
	if err != nil {
		return 0, err
	}
	return MulDivFloor(y, amountIn, denom)
}

// Quote returns floor(y*in/(x+in)) where x and y are the effective input and
// output reserves. Rounding is always toward the pool. The output is bounded
// by the real output reserve since virtual liquidity never leaves the pool.
func Quote(r Reserves, amountIn uint64, dir Direction) (uint64, error) {
	if amountIn == 0 {
		return 0, fmt.Errorf("%w: amount in must be positive", domain.ErrInvalidAmount)
	}
	if err := r.Validate(); err != nil {
		return 0, err
	}
	out, err := CurveOut(r, amountIn, dir)
	if err != nil {
		return 0, err
	}
	_, _, realOut, _ := r.sides(dir)
	if out > realOut {
		return 0, fmt.Errorf("%w: output %d exceeds real reserve %d", domain.ErrInsufficientReserves, out, realOut)
	}
	return out, nil
}

// Apply moves amountIn into and amountOut out of the real reserves. Virtual
// reserves are never touched.
func Apply(r Reserves, amountIn, amountOut uint64, dir Direction) (Reserves, error) {
	var err error
	if dir == Buy {
		if r.SolReal, err = CheckedAdd(r.SolReal, amountIn); err != nil {
			return Reserves{}, err
		}
		if r.TokenReal, err = CheckedSub(r.TokenReal, amountOut); err != nil {
			return Reserves{}, fmt.Errorf("%w: token reserve", domain.ErrInsufficientReserves)
		}
		return r, nil
	}
	if r.TokenReal, err = CheckedAdd(r.TokenReal, amountIn); err != nil {
		return Reserves{}, err
	}
	if r.SolReal, err = CheckedSub(r.SolReal, amountOut); err != nil {
		return Reserves{}, fmt.Errorf("%w: sol reserve", domain.ErrInsufficientReserves)
	}
	return r, nil
}

// Swap quotes and applies a swap in one step, enforcing the caller's minimum
// output. On error the input reserves are returned unchanged.
func Swap(r Reserves, amountIn, minOut uint64, dir Direction) (uint64, Reserves, error) {
	out, err := Quote(r, amountIn, dir)
	if err != nil {
		return 0, r, err
	}
	if out == 0 {
		return 0, r, fmt.Errorf("%w: amount in too small to produce output", domain.ErrInvalidAmount)
	}
	if out < minOut {
		return 0, r, fmt.Errorf("%w: got %d, want at least %d", domain.ErrSlippageExceeded, out, minOut)
	}
	next, err := Apply(r, amountIn, out, dir)
	if err != nil {
		return 0, r, err
	}
	return out, next, nil
}

// Store writes the reserves back into a pool copy.
func (r Reserves) Store(p *domain.Pool) {
	p.Lamports = r.SolReal
	p.VirtualSolAmount = r.SolVirtual
	p.TokenYAmount = r.TokenReal
	p.VirtualTokenYAmount = r.TokenVirtual
}
