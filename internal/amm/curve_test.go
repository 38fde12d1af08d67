package amm

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/whiplashfi/whiplash/internal/domain"
)

func launchReserves() Reserves {
	return Reserves{
		SolReal:      0,
		SolVirtual:   100_000_000_000,
		TokenReal:    1_000_000_000_000,
		TokenVirtual: 0,
	}
}

func TestQuoteLaunchPool(t *testing.T) {
	require := require.New(t)

	out, err := Quote(launchReserves(), 1_000_000_000, Buy)
	require.NoError(err)
	require.Equal(uint64(9_900_990_099), out)
}

func TestSwapOnlyTouchesRealReserves(t *testing.T) {
	require := require.New(t)

	r := launchReserves()
	out, next, err := Swap(r, 1_000_000_000, 0, Buy)
	require.NoError(err)
	require.Equal(uint64(9_900_990_099), out)
	require.Equal(uint64(1_000_000_000), next.SolReal)
	require.Equal(r.SolVirtual, next.SolVirtual)
	require.Equal(r.TokenReal-out, next.TokenReal)
	require.Equal(r.TokenVirtual, next.TokenVirtual)
}

func TestSwapSlippage(t *testing.T) {
	require := require.New(t)

	r := launchReserves()
	_, next, err := Swap(r, 1_000_000_000, 9_900_990_100, Buy)
	require.ErrorIs(err, domain.ErrSlippageExceeded)
	require.Equal(r, next)
}

func TestQuoteRejectsZeroInput(t *testing.T) {
	_, err := Quote(launchReserves(), 0, Buy)
	require.ErrorIs(t, err, domain.ErrInvalidAmount)
}

func TestSellIntoEmptyRealSol(t *testing.T) {
	// The launch pool holds no real SOL; only virtual SOL prices the curve.
	_, err := Quote(launchReserves(), 1_000_000, Sell)
	require.ErrorIs(t, err, domain.ErrInsufficientReserves)
}

func TestCurveOutIgnoresRealBound(t *testing.T) {
	require := require.New(t)

	out, err := CurveOut(launchReserves(), 1_000_000, Sell)
	require.NoError(err)
	require.Equal(uint64(99_999), out)

	out, err = CurveOut(Reserves{SolVirtual: 1}, 1_000, Sell)
	require.NoError(err)
	require.Equal(uint64(1), out)

	out, err = CurveOut(Reserves{TokenReal: 5}, 1_000, Sell)
	require.NoError(err)
	require.Zero(out)
}

func TestSwapTooSmall(t *testing.T) {
	r := Reserves{SolVirtual: 1_000_000_000_000_000, TokenReal: 10}
	_, _, err := Swap(r, 1, 0, Buy)
	require.ErrorIs(t, err, domain.ErrInvalidAmount)
}

func TestRoundTripNeverProfits(t *testing.T) {
	require := require.New(t)

	for _, in := range []uint64{1, 999, 1_000_000_000, 37_000_000_000, 500_000_000_000} {
		r := launchReserves()
		tokens, r, err := Swap(r, in, 0, Buy)
		if err != nil {
			require.ErrorIs(err, domain.ErrInvalidAmount)
			continue
		}
		back, _, err := Swap(r, tokens, 0, Sell)
		if err != nil {
			require.ErrorIs(err, domain.ErrInvalidAmount)
			continue
		}
		require.LessOrEqual(back, in)
	}
}

func TestDirection(t *testing.T) {
	require := require.New(t)

	require.Equal(Sell, Buy.Reverse())
	require.Equal(Buy, Sell.Reverse())

	d, err := ParseDirection("long")
	require.NoError(err)
	require.Equal(Buy, d)
	d, err = ParseDirection("sell")
	require.NoError(err)
	require.Equal(Sell, d)
	_, err = ParseDirection("sideways")
	require.Error(err)
}

// FuzzSwapInvariant checks that k never decreases, real reserves never go
// negative, and the output stays below the effective output reserve.
func FuzzSwapInvariant(f *testing.F) {
	f.Add(uint64(1_000_000_000), uint64(5_000_000), true)
	f.Add(uint64(1), uint64(1), true)
	f.Add(uint64(90_000_000_000), uint64(3_000_000_000), false)
	f.Add(uint64(1<<40), uint64(1<<30), true)

	f.Fuzz(func(t *testing.T, buyIn, sellIn uint64, buyFirst bool) {
		buyIn = buyIn%(1<<45) + 1
		sellIn = sellIn%(1<<45) + 1

		r := launchReserves()
		steps := []Direction{Buy, Sell}
		if !buyFirst {
			steps = []Direction{Sell, Buy}
		}
		for _, dir := range steps {
			in := buyIn
			if dir == Sell {
				in = sellIn
			}
			kBefore := r.K()
			_, effOut, _, err := r.sides(dir)
			require.NoError(t, err)

			out, next, err := Swap(r, in, 0, dir)
			if err != nil {
				require.Equal(t, r, next)
				continue
			}
			require.Positive(t, out)
			require.Less(t, out, effOut)
			require.True(t, next.K().Cmp(kBefore) >= 0, "k decreased: before=%s after=%s", kBefore, next.K())
			require.Equal(t, r.SolVirtual, next.SolVirtual)
			require.Equal(t, r.TokenVirtual, next.TokenVirtual)
			r = next
		}
	})
}
