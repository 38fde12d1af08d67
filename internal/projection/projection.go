// Package projection derives display values (price, market cap, liquidity,
// entry rate, PnL) from pool and position snapshots. Nothing here mutates
// state.
package projection

import (
	"math/big"

	"github.com/shopspring/decimal"

	"github.com/whiplashfi/whiplash/internal/amm"
	"github.com/whiplashfi/whiplash/internal/domain"
)

var (
	lamportsPerSol = decimal.New(1, domain.SolDecimals)
	tokenYUnit     = decimal.New(1, domain.TokenYDecimals)
	// decimalGap converts lamports per token base unit into SOL per token.
	decimalGap  = decimal.New(1, domain.SolDecimals-domain.TokenYDecimals)
	totalSupply = decimal.NewFromInt(int64(domain.TokenYSupply)).Div(tokenYUnit)
	leverageDen = decimal.NewFromInt(amm.LeverageScale)
	hundred     = decimal.NewFromInt(100)
	two         = decimal.NewFromInt(2)
)

func fromU64(v uint64) decimal.Decimal {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(v), 0)
}

// PoolStats is the set of numbers shown for a pool.
type PoolStats struct {
	Price        decimal.Decimal `json:"price_sol"`
	RealPrice    decimal.Decimal `json:"real_price_sol"`
	PriceUSD     decimal.Decimal `json:"price_usd"`
	MarketCapUSD decimal.Decimal `json:"market_cap_usd"`
	LiquidityUSD decimal.Decimal `json:"liquidity_usd"`
}

// EffectiveSol returns real plus virtual SOL in whole SOL.
func EffectiveSol(p domain.Pool) decimal.Decimal {
	return fromU64(p.Lamports).Add(fromU64(p.VirtualSolAmount)).Div(lamportsPerSol)
}

// EffectiveTokens returns real plus virtual token Y in whole tokens.
func EffectiveTokens(p domain.Pool) decimal.Decimal {
	return fromU64(p.TokenYAmount).Add(fromU64(p.VirtualTokenYAmount)).Div(tokenYUnit)
}

// Price is SOL per whole token over effective reserves.
func Price(p domain.Pool) decimal.Decimal {
	y := EffectiveTokens(p)
	if y.IsZero() {
		return decimal.Zero
	}
	return EffectiveSol(p).Div(y)
}

// RealPrice is SOL per whole token over real reserves only.
func RealPrice(p domain.Pool) decimal.Decimal {
	y := fromU64(p.TokenYAmount).Div(tokenYUnit)
	if y.IsZero() {
		return decimal.Zero
	}
	return fromU64(p.Lamports).Div(lamportsPerSol).Div(y)
}

// MarketCapUSD values the full fixed supply at the current price.
func MarketCapUSD(p domain.Pool, solUSD decimal.Decimal) decimal.Decimal {
	return totalSupply.Mul(Price(p)).Mul(solUSD)
}

// LiquidityUSD approximates two-sided TVL as twice the effective SOL side.
func LiquidityUSD(p domain.Pool, solUSD decimal.Decimal) decimal.Decimal {
	return EffectiveSol(p).Mul(two).Mul(solUSD)
}

// Stats computes every pool figure at once.
func Stats(p domain.Pool, solUSD decimal.Decimal) PoolStats {
	price := Price(p)
	return PoolStats{
		Price:        price,
		RealPrice:    RealPrice(p),
		PriceUSD:     price.Mul(solUSD),
		MarketCapUSD: MarketCapUSD(p, solUSD),
		LiquidityUSD: LiquidityUSD(p, solUSD),
	}
}

// ExpectedOutput prices amountIn (raw base units) against effective reserves
// without rounding or real-reserve bounds. The result is in raw units of the
// output asset.
func ExpectedOutput(p domain.Pool, amountIn decimal.Decimal, dir amm.Direction) decimal.Decimal {
	sol := fromU64(p.Lamports).Add(fromU64(p.VirtualSolAmount))
	tok := fromU64(p.TokenYAmount).Add(fromU64(p.VirtualTokenYAmount))
	x, y := sol, tok
	if dir == amm.Sell {
		x, y = tok, sol
	}
	den := x.Add(amountIn)
	if den.IsZero() {
		return decimal.Zero
	}
	return y.Mul(amountIn).Div(den)
}

// PriceImpact is how far a fill of amountIn for out falls short of the spot
// rate, in percent. Both amounts are raw base units.
func PriceImpact(p domain.Pool, amountIn, out uint64, dir amm.Direction) decimal.Decimal {
	sol := fromU64(p.Lamports).Add(fromU64(p.VirtualSolAmount))
	tok := fromU64(p.TokenYAmount).Add(fromU64(p.VirtualTokenYAmount))
	x, y := sol, tok
	if dir == amm.Sell {
		x, y = tok, sol
	}
	if x.IsZero() || amountIn == 0 {
		return decimal.Zero
	}
	spot := fromU64(amountIn).Mul(y).Div(x)
	if spot.IsZero() {
		return decimal.Zero
	}
	return decimal.NewFromInt(1).Sub(fromU64(out).Div(spot)).Mul(hundred)
}
