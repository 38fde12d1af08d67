package redis

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/whiplashfi/whiplash/internal/domain"
)

// releaseLua deletes the lock only while it still carries the caller's token.
const releaseLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// Backoff bounds while waiting on a held lock.
const (
	lockBackoffMin = 10 * time.Millisecond
	lockBackoffMax = 200 * time.Millisecond
)

// LockManager implements domain.LockManager with SET NX PX and a tokened
// release. Settlement takes "pool:{mint}" around each mutation so replicas
// sharing a Redis never settle against the same pool at once.
type LockManager struct {
	rdb     *redis.Client
	release *redis.Script
}

// NewLockManager creates a LockManager backed by the given Client.
func NewLockManager(c *Client) *LockManager {
	return &LockManager{rdb: c.rdb, release: redis.NewScript(releaseLua)}
}

// TryAcquire makes a single attempt and returns domain.ErrLockHeld if
// someone else holds key.
func (lm *LockManager) TryAcquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	lk := "lock:" + key
	token := uuid.NewString()

	ok, err := lm.rdb.SetNX(ctx, lk, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: lock %s: %w: %v", key, domain.ErrUpstreamUnavailable, err)
	}
	if !ok {
		return nil, fmt.Errorf("redis: lock %s: %w", key, domain.ErrLockHeld)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// Detached from ctx, which is often done by the time we unlock.
			rctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = lm.release.Run(rctx, lm.rdb, []string{lk}, token).Err()
		})
	}, nil
}

// Acquire retries TryAcquire with jittered exponential backoff until it
// wins or ctx is done, in which case the error wraps domain.ErrLockHeld.
// The returned unlock is idempotent.
func (lm *LockManager) Acquire(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	backoff := lockBackoffMin
	for {
		unlock, err := lm.TryAcquire(ctx, key, ttl)
		if err == nil {
			return unlock, nil
		}
		if !errors.Is(err, domain.ErrLockHeld) && ctx.Err() == nil {
			return nil, err
		}

		wait := backoff/2 + rand.N(backoff/2+1)
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("redis: wait for lock %s: %w", key, domain.ErrLockHeld)
		case <-time.After(wait):
		}
		backoff = min(backoff*2, lockBackoffMax)
	}
}

var _ domain.LockManager = (*LockManager)(nil)
