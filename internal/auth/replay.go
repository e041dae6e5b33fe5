package auth

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"
)

// ReplayCache enforces jti replay protection: reject a token whose jti has been seen within the
// configured TTL.
type ReplayCache interface {
	// Seen records jti as used and reports whether it had already been seen. Implementations must make
	// this check-and-set atomic: two concurrent callers with the same jti must not both get false.
	Seen(ctx context.Context, jti string, ttl time.Duration) (alreadySeen bool, err error)
}

// RedisReplayCache implements ReplayCache using a distributed SETNX, so replay protection holds across
// every process serving the same service DID (grounded on the same Redis critical-section pattern used
// by internal/idempotency's lock).
type RedisReplayCache struct {
	redis *redis.Client
}

// NewRedisReplayCache creates a RedisReplayCache.
func NewRedisReplayCache(rdb *redis.Client) *RedisReplayCache {
	return &RedisReplayCache{redis: rdb}
}

func (c *RedisReplayCache) Seen(ctx context.Context, jti string, ttl time.Duration) (bool, error) {
	ok, err := c.redis.SetNX(ctx, "auth:jti:"+jti, 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("check jti replay cache: %w", err)
	}
	// SetNX returns true when the key was newly set, i.e. this jti has NOT been seen before.
	return !ok, nil
}

// LocalReplayCache is an in-process fallback for single-instance deployments or when Redis is
// unavailable, bounded by an expiring LRU so it cannot grow without limit.
type LocalReplayCache struct {
	mu    sync.Mutex // makes Seen's Get-then-Add a single check-and-set
	cache *lru.LRU[string, struct{}]
}

// NewLocalReplayCache creates a LocalReplayCache holding up to size entries for up to ttl each.
func NewLocalReplayCache(size int, ttl time.Duration) *LocalReplayCache {
	return &LocalReplayCache{cache: lru.NewLRU[string, struct{}](size, nil, ttl)}
}

func (c *LocalReplayCache) Seen(_ context.Context, jti string, _ time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.cache.Get(jti); ok {
		return true, nil
	}
	c.cache.Add(jti, struct{}{})
	return false, nil
}
