package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/whiplashfi/whiplash/internal/domain"
)

// setIfNewerLua writes the hash only when ARGV[2] (unix millis) is later
// than the stored observation. Returns 1 when written.
const setIfNewerLua = `
local cur = redis.call('HGET', KEYS[1], 'ts')
if cur and tonumber(cur) >= tonumber(ARGV[2]) then
    return 0
end
redis.call('HSET', KEYS[1], 'price', ARGV[1], 'ts', ARGV[2])
return 1
`

// PriceCache implements domain.PriceCache. Each asset is a hash at
// "price:{asset}" with the decimal price and the unix-millisecond time it
// was observed.
type PriceCache struct {
	rdb      *redis.Client
	setNewer *redis.Script
}

// NewPriceCache creates a PriceCache backed by the given Client.
func NewPriceCache(c *Client) *PriceCache {
	return &PriceCache{rdb: c.rdb, setNewer: redis.NewScript(setIfNewerLua)}
}

// SetPrice records price as observed at ts unless a later observation is
// already stored.
func (pc *PriceCache) SetPrice(ctx context.Context, assetID string, price decimal.Decimal, ts time.Time) error {
	err := pc.setNewer.Run(ctx, pc.rdb, []string{"price:" + assetID},
		price.String(), strconv.FormatInt(ts.UnixMilli(), 10),
	).Err()
	if err != nil {
		return fmt.Errorf("redis: set price %s: %w: %v", assetID, domain.ErrUpstreamUnavailable, err)
	}
	return nil
}

// GetPrice returns the stored price and its observation time, or
// domain.ErrNotFound.
func (pc *PriceCache) GetPrice(ctx context.Context, assetID string) (decimal.Decimal, time.Time, error) {
	vals, err := pc.rdb.HMGet(ctx, "price:"+assetID, "price", "ts").Result()
	if err != nil {
		return decimal.Zero, time.Time{}, fmt.Errorf("redis: get price %s: %w: %v", assetID, domain.ErrUpstreamUnavailable, err)
	}
	raw, _ := vals[0].(string)
	rawTS, _ := vals[1].(string)
	if raw == "" || rawTS == "" {
		return decimal.Zero, time.Time{}, fmt.Errorf("redis: price %s: %w", assetID, domain.ErrNotFound)
	}

	price, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, time.Time{}, fmt.Errorf("redis: price %s: %w", assetID, err)
	}
	ms, err := strconv.ParseInt(rawTS, 10, 64)
	if err != nil {
		return decimal.Zero, time.Time{}, fmt.Errorf("redis: price %s timestamp: %w", assetID, err)
	}
	return price, time.UnixMilli(ms), nil
}

var _ domain.PriceCache = (*PriceCache)(nil)
