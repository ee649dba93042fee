// Package cache provides a small in-memory TTL cache used for git
// metadata lookups (default branch, remote URL) that subprocess out and
// rarely change.
package cache

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/zjrosen/aio/internal/log"
)

const (
	DefaultExpiration      = 10 * time.Minute
	DefaultCleanupInterval = 30 * time.Minute
)

// Manager is the cache contract. Implementations must be safe for
// concurrent use.
type Manager[V any] interface {
	Get(ctx context.Context, key string) (V, bool)
	Set(ctx context.Context, key string, value V, ttl time.Duration)
	Delete(ctx context.Context, keys ...string)
	Flush(ctx context.Context)
}

// InMemory is the go-cache backed Manager.
type InMemory[V any] struct {
	useCase string
	cache   *gocache.Cache
}

// NewInMemory initializes an in-memory cache. useCase tags log lines so
// hit rates can be told apart per consumer.
func NewInMemory[V any](useCase string, defaultExpiration, cleanupInterval time.Duration) *InMemory[V] {
	return &InMemory[V]{
		useCase: useCase,
		cache:   gocache.New(defaultExpiration, cleanupInterval),
	}
}

// Get retrieves an item from the cache by its key.
func (c *InMemory[V]) Get(ctx context.Context, key string) (V, bool) {
	var zero V

	value, found := c.cache.Get(key)
	if !found {
		return zero, false
	}

	v, ok := value.(V)
	if !ok {
		log.Error(log.CatCache, "wrong type assertion when getting value", "useCase", c.useCase, "key", key)
		return zero, false
	}

	log.Debug(log.CatCache, "cache hit", "useCase", c.useCase, "key", key)
	return v, true
}

// Set stores a value under key for ttl.
func (c *InMemory[V]) Set(ctx context.Context, key string, value V, ttl time.Duration) {
	c.cache.Set(key, value, ttl)
}

// Delete removes values by key.
func (c *InMemory[V]) Delete(ctx context.Context, keys ...string) {
	for _, key := range keys {
		c.cache.Delete(key)
	}
}

// Flush drops everything.
func (c *InMemory[V]) Flush(ctx context.Context) {
	c.cache.Flush()
}

// ReadThrough wraps a Manager with a loader: misses call fn and store
// the result.
type ReadThrough[V any] struct {
	cache Manager[V]
	fn    func(ctx context.Context) (V, error)
	skip  bool
}

// NewReadThrough builds a read-through cache. skip bypasses caching
// entirely, for tests and one-shot CLI invocations.
func NewReadThrough[V any](cache Manager[V], fn func(ctx context.Context) (V, error), skip bool) *ReadThrough[V] {
	return &ReadThrough[V]{cache: cache, fn: fn, skip: skip}
}

// Get returns the cached value for key, loading and storing it on a miss.
func (r *ReadThrough[V]) Get(ctx context.Context, key string, ttl time.Duration) (V, error) {
	if r.skip {
		return r.fn(ctx)
	}

	if value, ok := r.cache.Get(ctx, key); ok {
		return value, nil
	}

	value, err := r.fn(ctx)
	if err != nil {
		return value, err
	}

	r.cache.Set(ctx, key, value, ttl)
	return value, nil
}
