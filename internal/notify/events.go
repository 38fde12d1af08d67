package notify

import (
	"fmt"
	"strings"

	"github.com/gagliardetto/solana-go"

	"github.com/whiplashfi/whiplash/internal/domain"
)

// Event types accepted by the notify.events filter.
const (
	EventLiquidation = "liquidation"
	EventLimbo       = "limbo"
	EventEligible    = "liquidation_eligible"
	EventRecovered   = "recovered"
)

// lamportsPerSol converts lamport amounts for display.
const lamportsPerSol = 1_000_000_000

// PositionTransition renders a monitor status change. ok is false for
// transitions that are not worth alerting on.
func PositionTransition(evt domain.PositionEvent) (a Alert, ok bool) {
	switch evt.To {
	case domain.PositionLimbo:
		a.Event, a.Title = EventLimbo, "Position entered limbo"
	case domain.PositionLiquidationEligible:
		if evt.From == domain.PositionLimbo {
			return Alert{}, false
		}
		a.Event, a.Title = EventEligible, "Position liquidation eligible"
	case domain.PositionHealthy:
		if !evt.From.Underwater() {
			return Alert{}, false
		}
		a.Event, a.Title = EventRecovered, "Position recovered"
	default:
		return Alert{}, false
	}

	var b strings.Builder
	fmt.Fprintf(&b, "position `%s`\n", evt.Position)
	fmt.Fprintf(&b, "owner `%s`\n", evt.Owner)
	fmt.Fprintf(&b, "mint `%s`\n", evt.TokenYMint)
	fmt.Fprintf(&b, "status %s -> %s\n", evt.From, evt.To)
	fmt.Fprintf(&b, "output %d / borrowed %d", evt.Output, evt.Borrowed)
	a.Key, a.Message = evt.Position.String(), b.String()
	return a, true
}

// Liquidation renders a committed liquidation settlement. Amounts are in the
// asset the close swapped into: lamports for a sell, token base units for a
// buy.
func Liquidation(s domain.Settlement, owner solana.PublicKey) Alert {
	unit := "tokens"
	payout := fmt.Sprintf("%d", s.Payout)
	if s.Side == "sell" {
		unit = "SOL"
		payout = formatSol(s.Payout)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "position `%s`\n", s.Position)
	fmt.Fprintf(&b, "owner `%s`\n", owner)
	fmt.Fprintf(&b, "liquidator `%s`\n", s.Actor)
	fmt.Fprintf(&b, "mint `%s`\n", s.TokenYMint)
	fmt.Fprintf(&b, "borrow repaid %d, paid out %s %s", s.Borrowed, payout, unit)
	return Alert{
		Event:   EventLiquidation,
		Key:     s.Position.String(),
		Title:   "Position liquidated",
		Message: b.String(),
	}
}

func formatSol(lamports uint64) string {
	whole := lamports / lamportsPerSol
	frac := lamports % lamportsPerSol
	if frac == 0 {
		return fmt.Sprintf("%d", whole)
	}
	return strings.TrimRight(fmt.Sprintf("%d.%09d", whole, frac), "0")
}
