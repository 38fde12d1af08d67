package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/whiplashfi/whiplash/internal/domain"
)

// MetadataCache implements domain.MetadataCache as JSON strings with a TTL at
// key "metadata:{mint}".
type MetadataCache struct {
	rdb *redis.Client
}

// NewMetadataCache creates a MetadataCache backed by the given Client.
func NewMetadataCache(c *Client) *MetadataCache {
	return &MetadataCache{rdb: c.rdb}
}

func metadataKey(mint string) string {
	return "metadata:" + mint
}

// Set stores md for ttl.
func (mc *MetadataCache) Set(ctx context.Context, mint string, md domain.TokenMetadata, ttl time.Duration) error {
	data, err := json.Marshal(md)
	if err != nil {
		return fmt.Errorf("redis: marshal metadata %s: %w", mint, err)
	}
	if err := mc.rdb.Set(ctx, metadataKey(mint), data, ttl).Err(); err != nil {
		return fmt.Errorf("redis: set metadata %s: %w", mint, err)
	}
	return nil
}

// Get returns cached metadata or domain.ErrNotFound.
func (mc *MetadataCache) Get(ctx context.Context, mint string) (domain.TokenMetadata, error) {
	data, err := mc.rdb.Get(ctx, metadataKey(mint)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.TokenMetadata{}, domain.ErrNotFound
		}
		return domain.TokenMetadata{}, fmt.Errorf("redis: get metadata %s: %w", mint, err)
	}
	var md domain.TokenMetadata
	if err := json.Unmarshal(data, &md); err != nil {
		return domain.TokenMetadata{}, fmt.Errorf("redis: unmarshal metadata %s: %w", mint, err)
	}
	return md, nil
}

// Compile-time interface check.
var _ domain.MetadataCache = (*MetadataCache)(nil)
