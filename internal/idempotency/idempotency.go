// Package idempotency implements the write-endpoint dedup layer: a durable
// Postgres record of prior responses, a distributed Redis critical section so concurrent retries of the
// same key don't race the handler, and a local singleflight layer that collapses duplicate concurrent
// calls within this process before they even reach Redis.
package idempotency

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors for the idempotency package.
var (
	ErrNotFound = errors.New("no cached response for this idempotency key")
)

// Record is a cached response for one (endpoint, key) pair.
type Record struct {
	Key          string
	Endpoint     string
	ResponseBody []byte
	StatusCode   int
	CreatedAt    time.Time
	ExpiresAt    time.Time
}

// Store is the durable half of the layer: a Postgres-backed cache of (endpoint, key) -> response.
type Store interface {
	// Get returns the cached record for (endpoint, key), or ErrNotFound if absent or expired.
	Get(ctx context.Context, endpoint, key string) (*Record, error)
	// Put writes a record with the given TTL, overwriting any existing one for the same (endpoint, key).
	Put(ctx context.Context, endpoint, key string, responseBody []byte, statusCode int, ttl time.Duration) error
}

// Handler is the work to perform when no cached response exists yet. It returns the response body and
// status code to cache.
type Handler func(ctx context.Context) (responseBody []byte, statusCode int, err error)
