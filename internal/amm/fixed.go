// Package amm implements the integer arithmetic behind the Whiplash pools:
// overflow-checked u64 helpers and the constant-product curve over effective
// (real + virtual) reserves. Everything in this package is pure and safe for
// concurrent use.
package amm

import (
	"errors"
	"math"

	"github.com/holiman/uint256"
)

var (
	ErrOverflow     = errors.New("amm: arithmetic overflow")
	ErrUnderflow    = errors.New("amm: arithmetic underflow")
	ErrDivideByZero = errors.New("amm: divide by zero")
)

// LeverageScale is the fixed-point denominator of on-chain leverage values
// (15 means 1.5x).
const LeverageScale = 10

// MulDivFloor returns floor(a*b/d). The product is carried in 256 bits so it
// cannot wrap; the quotient must still fit in a uint64.
func MulDivFloor(a, b, d uint64) (uint64, error) {
	if d == 0 {
		return 0, ErrDivideByZero
	}
	prod := new(uint256.Int).Mul(uint256.NewInt(a), uint256.NewInt(b))
	q := prod.Div(prod, uint256.NewInt(d))
	if !q.IsUint64() {
		return 0, ErrOverflow
	}
	return q.Uint64(), nil
}

// CheckedAdd returns a+b or ErrOverflow.
func CheckedAdd(a, b uint64) (uint64, error) {
	if a > math.MaxUint64-b {
		return 0, ErrOverflow
	}
	return a + b, nil
}

// CheckedSub returns a-b or ErrUnderflow when b > a.
func CheckedSub(a, b uint64) (uint64, error) {
	if b > a {
		return 0, ErrUnderflow
	}
	return a - b, nil
}

// ScaleLeverage returns floor(amount * lev10 / 10).
func ScaleLeverage(amount, lev10 uint64) (uint64, error) {
	return MulDivFloor(amount, lev10, LeverageScale)
}
