package crawler

import (
	"context"
	"sync"

	"github.com/datalab-tools/tiktok-research-crawler/internal/metrics"
)

// Cache memoizes fetches for the lifetime of a single run, so user info and
// comments for a video seen in several pages are requested from the API at
// most once. It is scoped to a run and never persisted or expired.
type Cache[K comparable, V any] struct {
	kind string

	mu      sync.Mutex
	entries map[K]V
}

// NewCache builds an empty run-scoped cache. kind labels hit and miss
// metrics.
func NewCache[K comparable, V any](kind string) *Cache[K, V] {
	return &Cache[K, V]{
		kind:    kind,
		entries: make(map[K]V),
	}
}

// GetOrFetch returns the cached value for key, calling fetch and storing the
// result on a miss. A fetch error is returned to the caller and nothing is
// cached, so the next lookup retries.
func (c *Cache[K, V]) GetOrFetch(ctx context.Context, key K, fetch func(ctx context.Context, key K) (V, error)) (V, error) {
	c.mu.Lock()
	if v, ok := c.entries[key]; ok {
		c.mu.Unlock()
		metrics.IncCacheHit(c.kind)
		return v, nil
	}
	c.mu.Unlock()

	metrics.IncCacheMiss(c.kind)
	v, err := fetch(ctx, key)
	if err != nil {
		var zero V
		return zero, err
	}

	c.mu.Lock()
	c.entries[key] = v
	c.mu.Unlock()
	return v, nil
}

// Put stores a value directly, for callers that resolve a key out of band
// (for example recording a username the API reported as unknown).
func (c *Cache[K, V]) Put(key K, v V) {
	c.mu.Lock()
	c.entries[key] = v
	c.mu.Unlock()
}

// Len reports the number of cached entries.
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Clear drops every entry. Called between runs when a cache is reused.
func (c *Cache[K, V]) Clear() {
	c.mu.Lock()
	c.entries = make(map[K]V)
	c.mu.Unlock()
}
