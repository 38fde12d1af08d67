package projection

import (
	"github.com/shopspring/decimal"

	"github.com/whiplashfi/whiplash/internal/amm"
	"github.com/whiplashfi/whiplash/internal/domain"
)

// PositionStats is the set of numbers shown for an open position.
type PositionStats struct {
	EntryRate     decimal.Decimal `json:"entry_rate_sol"`
	EntryPriceUSD decimal.Decimal `json:"entry_price_usd"`
	NetOutput     decimal.Decimal `json:"net_output"`
	PnLPercent    decimal.Decimal `json:"pnl_percent"`
}

func leverageOf(pos domain.Position) decimal.Decimal {
	return fromU64(pos.Leverage).Div(leverageDen)
}

// EntryRate is the SOL-per-token rate the position was opened at. For a long
// that is effective SOL in over tokens out; for a short, SOL out over
// effective tokens in.
func EntryRate(pos domain.Position) decimal.Decimal {
	notional := fromU64(pos.Collateral).Mul(leverageOf(pos))
	size := fromU64(pos.Size)
	if pos.IsLong {
		if size.IsZero() {
			return decimal.Zero
		}
		return notional.Div(size.Mul(decimalGap))
	}
	if notional.IsZero() {
		return decimal.Zero
	}
	return size.Div(notional.Mul(decimalGap))
}

// NetOutput is what closing would return after repaying the borrow, in whole
// units of the collateral asset, clamped at zero.
func NetOutput(pos domain.Position, pool domain.Pool) decimal.Decimal {
	dir, outUnit := amm.Sell, lamportsPerSol
	if !pos.IsLong {
		dir, outUnit = amm.Buy, tokenYUnit
	}
	expected := ExpectedOutput(pool, fromU64(pos.Size), dir).Div(outUnit)
	borrowed := fromU64(pos.Collateral).Div(outUnit).Mul(leverageOf(pos).Sub(decimal.NewFromInt(1)))
	net := expected.Sub(borrowed)
	if net.IsNegative() {
		return decimal.Zero
	}
	return net
}

// PnLPercent compares the net close value with the posted collateral. The
// value is net of the borrow: (output - borrowed - collateral) / collateral.
// Both legs are valued at the same price, so the result does not depend on
// the SOL/USD rate. Because payouts never go below zero the floor is -100.
func PnLPercent(pos domain.Position, pool domain.Pool) decimal.Decimal {
	outUnit := lamportsPerSol
	if !pos.IsLong {
		outUnit = tokenYUnit
	}
	collateral := fromU64(pos.Collateral).Div(outUnit)
	if collateral.IsZero() {
		return decimal.Zero
	}
	return NetOutput(pos, pool).Sub(collateral).Div(collateral).Mul(hundred)
}

// Position computes every position figure at once.
func Position(pos domain.Position, pool domain.Pool, solUSD decimal.Decimal) PositionStats {
	rate := EntryRate(pos)
	return PositionStats{
		EntryRate:     rate,
		EntryPriceUSD: rate.Mul(solUSD),
		NetOutput:     NetOutput(pos, pool),
		PnLPercent:    PnLPercent(pos, pool),
	}
}
