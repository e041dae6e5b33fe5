package idempotency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// result bundles what the Coordinator returns for one Execute call.
type result struct {
	Body       []byte
	StatusCode int
	Cached     bool
}

// Coordinator implements a three-step dedup: a cache hit returns verbatim; a miss runs the
// handler inside a critical section keyed by (endpoint, key) so concurrent retries don't race it; the
// response is then persisted with a TTL. A process-local singleflight.Group collapses concurrent calls
// for the same key within this instance before any of them touch Redis, backed by a Redis SETNX lock for
// mutual exclusion across instances.
type Coordinator struct {
	store       Store
	redis       *redis.Client
	group       singleflight.Group
	lockTTL     time.Duration
	lockRetryMs time.Duration
	log         zerolog.Logger
}

// NewCoordinator creates a Coordinator. lockTTL bounds how long one instance may hold the Redis critical
// section for a given key (a safety net against a crashed handler holding the lock forever).
func NewCoordinator(store Store, rdb *redis.Client, lockTTL time.Duration, logger zerolog.Logger) *Coordinator {
	return &Coordinator{
		store:       store,
		redis:       rdb,
		lockTTL:     lockTTL,
		lockRetryMs: 50 * time.Millisecond,
		log:         logger,
	}
}

// Execute runs handler under idempotency protection for (endpoint, key). If key is empty, idempotency
// protection is skipped entirely and the handler simply runs: idempotency_key is an optional field.
func (c *Coordinator) Execute(ctx context.Context, endpoint, key string, ttl time.Duration, handler Handler) (body []byte, statusCode int, err error) {
	if key == "" {
		return handler(ctx)
	}

	groupKey := endpoint + "|" + key
	v, err, _ := c.group.Do(groupKey, func() (any, error) {
		return c.executeLocked(ctx, endpoint, key, ttl, handler)
	})
	if err != nil {
		return nil, 0, err
	}
	r := v.(result)
	return r.Body, r.StatusCode, nil
}

func (c *Coordinator) executeLocked(ctx context.Context, endpoint, key string, ttl time.Duration, handler Handler) (result, error) {
	if cached, err := c.store.Get(ctx, endpoint, key); err == nil {
		return result{Body: cached.ResponseBody, StatusCode: cached.StatusCode, Cached: true}, nil
	} else if !errors.Is(err, ErrNotFound) {
		return result{}, fmt.Errorf("check idempotency cache: %w", err)
	}

	lockKey := "idempotency:lock:" + endpoint + ":" + key
	acquired, err := c.acquireLock(ctx, lockKey)
	if err != nil {
		return result{}, fmt.Errorf("acquire idempotency lock: %w", err)
	}
	if !acquired {
		// Another instance is running the handler for this key; wait it out and re-check the durable
		// cache rather than running the handler twice.
		return c.waitForPeer(ctx, endpoint, key)
	}
	defer c.releaseLock(ctx, lockKey)

	// Re-check after acquiring the lock: the holder that just finished may have written the cache record
	// between our first Get and acquiring the lock.
	if cached, err := c.store.Get(ctx, endpoint, key); err == nil {
		return result{Body: cached.ResponseBody, StatusCode: cached.StatusCode, Cached: true}, nil
	} else if !errors.Is(err, ErrNotFound) {
		return result{}, fmt.Errorf("check idempotency cache: %w", err)
	}

	body, status, err := handler(ctx)
	if err != nil {
		return result{}, err
	}

	if putErr := c.store.Put(ctx, endpoint, key, body, status, ttl); putErr != nil {
		c.log.Warn().Err(putErr).Str("endpoint", endpoint).Str("key", key).
			Msg("failed to persist idempotency record; a retry of this key may run the handler again")
	}

	return result{Body: body, StatusCode: status}, nil
}

func (c *Coordinator) acquireLock(ctx context.Context, lockKey string) (bool, error) {
	return c.redis.SetNX(ctx, lockKey, 1, c.lockTTL).Result()
}

func (c *Coordinator) releaseLock(ctx context.Context, lockKey string) {
	if err := c.redis.Del(ctx, lockKey).Err(); err != nil {
		c.log.Warn().Err(err).Str("lock_key", lockKey).Msg("failed to release idempotency lock")
	}
}

// waitForPeer polls the durable cache until the lock holder's response appears or the lock's own TTL has
// had time to expire, whichever comes first.
func (c *Coordinator) waitForPeer(ctx context.Context, endpoint, key string) (result, error) {
	deadline := time.Now().Add(c.lockTTL + time.Second)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return result{}, ctx.Err()
		case <-time.After(c.lockRetryMs):
		}

		cached, err := c.store.Get(ctx, endpoint, key)
		if err == nil {
			return result{Body: cached.ResponseBody, StatusCode: cached.StatusCode, Cached: true}, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return result{}, fmt.Errorf("check idempotency cache: %w", err)
		}
	}
	return result{}, fmt.Errorf("timed out waiting for concurrent request with idempotency key %q to complete", key)
}
