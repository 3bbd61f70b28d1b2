package cache

import (
	"context"
	"time"
)

// Cache is the key/value surface used by the pipeline.
// Get returns "" and a nil error for a missing key.
type Cache interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	SetNX(ctx context.Context, key string, value interface{}, ttl time.Duration) (bool, error)
	Del(ctx context.Context, keys ...string) error
	MGet(ctx context.Context, keys ...string) ([]string, error)

	// Counter operations
	Incr(ctx context.Context, key string) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error
	TTL(ctx context.Context, key string) (time.Duration, error)

	Ping(ctx context.Context) error
	Close() error
}

// Readiness is implemented by caches that track connection health.
type Readiness interface {
	Ready() bool
}

// IsReady reports whether c can be used right now. Caches without health tracking are assumed ready.
func IsReady(c Cache) bool {
	if r, ok := c.(Readiness); ok {
		return r.Ready()
	}
	return true
}
