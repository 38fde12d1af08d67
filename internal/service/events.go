package service

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/whiplashfi/whiplash/internal/domain"
)

// SettlementEvent is the payload published on the settlement channel and
// stream for every committed settlement. Amounts are decimal strings so
// JavaScript clients keep full u64 precision.
type SettlementEvent struct {
	Event       string `json:"event"`
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	TokenYMint  string `json:"token_y_mint"`
	Position    string `json:"position,omitempty"`
	Actor       string `json:"actor"`
	Side        string `json:"side,omitempty"`
	AmountIn    uint64 `json:"amount_in,string"`
	AmountOut   uint64 `json:"amount_out,string"`
	Borrowed    uint64 `json:"borrowed,string"`
	Payout      uint64 `json:"payout,string"`
	PoolVersion uint64 `json:"pool_version"`
	CreatedAt   string `json:"created_at"`
}

// NewSettlementEvent renders a settlement for clients.
func NewSettlementEvent(s domain.Settlement) SettlementEvent {
	evt := SettlementEvent{
		Event:       "settlement",
		ID:          s.ID,
		Kind:        string(s.Kind),
		TokenYMint:  s.TokenYMint.String(),
		Actor:       s.Actor.String(),
		Side:        s.Side,
		AmountIn:    s.AmountIn,
		AmountOut:   s.AmountOut,
		Borrowed:    s.Borrowed,
		Payout:      s.Payout,
		PoolVersion: s.PoolVersion,
		CreatedAt:   s.CreatedAt.Format(time.RFC3339Nano),
	}
	if !s.Position.IsZero() {
		evt.Position = s.Position.String()
	}
	return evt
}

// publisher fans events out to the signal bus. A nil bus drops them.
type publisher struct {
	bus    domain.SignalBus
	logger *slog.Logger
}

func (p publisher) publish(ctx context.Context, channel string, v any) []byte {
	if p.bus == nil {
		return nil
	}
	payload, err := json.Marshal(v)
	if err != nil {
		p.logger.ErrorContext(ctx, "service: marshal event failed", slog.String("error", err.Error()))
		return nil
	}
	if err := p.bus.Publish(ctx, channel, payload); err != nil {
		p.logger.WarnContext(ctx, "service: publish event failed",
			slog.String("channel", channel),
			slog.String("error", err.Error()),
		)
	}
	return payload
}

func (p publisher) settlement(ctx context.Context, s domain.Settlement) {
	payload := p.publish(ctx, domain.ChannelSettlements, NewSettlementEvent(s))
	if payload == nil {
		return
	}
	if err := p.bus.StreamAppend(ctx, domain.StreamSettlements, payload); err != nil {
		p.logger.WarnContext(ctx, "service: stream append failed",
			slog.String("stream", domain.StreamSettlements),
			slog.String("error", err.Error()),
		)
	}
}

// errorReason labels a settlement failure for metrics.
func errorReason(err error) string {
	switch {
	case errors.Is(err, domain.ErrSlippageExceeded):
		return "slippage"
	case errors.Is(err, domain.ErrInsufficientReserves):
		return "reserves"
	case errors.Is(err, domain.ErrInvalidLeverage):
		return "leverage"
	case errors.Is(err, domain.ErrInvalidAmount):
		return "amount"
	case errors.Is(err, domain.ErrInvalidMetadata):
		return "metadata"
	case errors.Is(err, domain.ErrPoolNotFound), errors.Is(err, domain.ErrPositionNotFound):
		return "not_found"
	case errors.Is(err, domain.ErrAlreadyExists):
		return "exists"
	case errors.Is(err, domain.ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, domain.ErrPositionHealthy):
		return "healthy"
	case errors.Is(err, domain.ErrLockHeld), errors.Is(err, context.DeadlineExceeded):
		return "lock"
	default:
		return "internal"
	}
}
