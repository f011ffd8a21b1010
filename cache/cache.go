// Package cache provides a small TTL cache used to bound external API call
// volume for price quotes and AI recommendations.
package cache

import (
	"sync"
	"time"
)

// Clock returns the current time. Injectable so tests can advance virtual
// time to exercise expiry deterministically.
type Clock func() time.Time

type entry[V any] struct {
	value    V
	storedAt time.Time
}

// Cache is a mutex-guarded map with per-entry TTL measured from store time.
// Expired entries are reported as misses but never evicted by reads: a failed
// refresh must not destroy the previous value, and callers decide whether
// stale data is acceptable.
type Cache[V any] struct {
	now     Clock
	entries map[string]entry[V]
	ttl     time.Duration
	mu      sync.Mutex
}

// New creates a cache with the given TTL. A nil clock defaults to time.Now.
func New[V any](ttl time.Duration, now Clock) *Cache[V] {
	if now == nil {
		now = time.Now
	}
	return &Cache[V]{
		ttl:     ttl,
		now:     now,
		entries: make(map[string]entry[V]),
	}
}

// Get returns the cached value for key if present and fresh.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok || c.now().Sub(e.storedAt) >= c.ttl {
		var zero V
		return zero, false
	}
	return e.value, true
}

// Put stores value under key, resetting its TTL.
func (c *Cache[V]) Put(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = entry[V]{value: value, storedAt: c.now()}
}

// Len reports the number of entries held, including expired ones.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
