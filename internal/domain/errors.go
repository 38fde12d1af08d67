package domain

import "errors"

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrRateLimited   = errors.New("rate limited")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrLockHeld      = errors.New("lock already held")

	ErrPoolNotFound         = errors.New("pool not found")
	ErrInvalidAddress       = errors.New("invalid address")
	ErrInvalidAmount        = errors.New("invalid amount")
	ErrInvalidMetadata      = errors.New("invalid token metadata")
	ErrSlippageExceeded     = errors.New("slippage exceeded")
	ErrInvalidLeverage      = errors.New("invalid leverage")
	ErrInsufficientReserves = errors.New("insufficient reserves")
	ErrPositionNotFound     = errors.New("position not found")
	ErrPositionHealthy      = errors.New("position is healthy")
	ErrUpstreamUnavailable  = errors.New("upstream unavailable")
)

// ErrAlreadyClosed is reported when a close or liquidation loses the race to
// another settlement. It is the same sentinel as ErrPositionNotFound so
// callers can match either name.
var ErrAlreadyClosed = ErrPositionNotFound
