package domain

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// PriceCache provides fast access to the latest external prices. Entries do
// not expire; callers compare the returned timestamp against their own TTL
// so a stale value stays available as a fallback. SetPrice keeps whichever
// observation is newer, so replicas refreshing concurrently cannot roll a
// price back.
type PriceCache interface {
	SetPrice(ctx context.Context, assetID string, price decimal.Decimal, ts time.Time) error
	GetPrice(ctx context.Context, assetID string) (decimal.Decimal, time.Time, error)
}

// MetadataCache stores resolved token metadata with a TTL.
type MetadataCache interface {
	Set(ctx context.Context, mint string, md TokenMetadata, ttl time.Duration) error
	Get(ctx context.Context, mint string) (TokenMetadata, error)
}

// RateDecision is the outcome of one rate limit check. RetryAfter is only
// set when the request was refused.
type RateDecision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// RateLimiter provides distributed rate limiting over a sliding window.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (RateDecision, error)
}

// LockManager provides distributed locking.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// Channels and streams carrying settlement events.
const (
	ChannelSettlements = "whiplash:settlements"
	ChannelPositions   = "whiplash:positions"
	StreamSettlements  = "whiplash:stream:settlements"
)

// StreamMessage represents a single entry from a Redis stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// SignalBus provides pub/sub and durable streams.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}
