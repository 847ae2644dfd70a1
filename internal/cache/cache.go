// Package cache provides a small generic TTL cache. rosterd uses it to keep
// result-folder listings and active-run counts off the object store between
// polls — both are full prefix scans that orchestrators and the portal hit
// every few seconds, and both tolerate a few seconds of staleness.
//
// Not intended for run documents (they change mid-solve) or case payloads
// (too large, and reads must be fresh).
package cache

import (
	"sync"
	"time"
)

// DefaultTTL applies when Options.TTL is zero.
const DefaultTTL = 30 * time.Second

// DefaultMaxEntries applies when Options.MaxEntries is zero.
const DefaultMaxEntries = 1000

// Options configures a Cache.
type Options struct {
	// TTL is the lifetime of each entry.
	TTL time.Duration
	// MaxEntries bounds the cache; inserting past it evicts the entry
	// closest to expiry.
	MaxEntries int
}

type item[V any] struct {
	value    V
	deadline time.Time
}

// Cache maps comparable keys to values with per-entry expiry. Safe for
// concurrent use. Expired entries are dropped lazily on Get and swept when
// the cache is full.
type Cache[K comparable, V any] struct {
	mu    sync.RWMutex
	items map[K]item[V]
	ttl   time.Duration
	max   int
}

// New creates a Cache with the given options.
func New[K comparable, V any](opts Options) *Cache[K, V] {
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	max := opts.MaxEntries
	if max <= 0 {
		max = DefaultMaxEntries
	}
	return &Cache[K, V]{
		items: make(map[K]item[V]),
		ttl:   ttl,
		max:   max,
	}
}

// Get returns the live value for key. A missing or expired entry returns the
// zero value and false; expired entries are removed on the way out.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	c.mu.RLock()
	it, ok := c.items[key]
	c.mu.RUnlock()

	if !ok {
		var zero V
		return zero, false
	}
	if time.Now().After(it.deadline) {
		c.mu.Lock()
		// Re-check under the write lock: Set may have refreshed the entry.
		if cur, ok := c.items[key]; ok && time.Now().After(cur.deadline) {
			delete(c.items, key)
		}
		c.mu.Unlock()
		var zero V
		return zero, false
	}
	return it.value, true
}

// Set stores value under key with a fresh TTL. When the cache is full the
// sweep drops expired entries first, then the entry nearest expiry.
func (c *Cache[K, V]) Set(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.items[key]; !exists && len(c.items) >= c.max {
		c.makeRoomLocked()
	}
	c.items[key] = item[V]{value: value, deadline: time.Now().Add(c.ttl)}
}

// Delete removes one entry. No-op for missing keys.
func (c *Cache[K, V]) Delete(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, key)
}

// Clear empties the cache.
func (c *Cache[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[K]item[V])
}

// Len returns the entry count, counting expired entries not yet swept.
func (c *Cache[K, V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// TTL returns the configured entry lifetime.
func (c *Cache[K, V]) TTL() time.Duration {
	return c.ttl
}

// makeRoomLocked frees at least one slot: expired entries go first, and if
// none have expired the entry with the nearest deadline is sacrificed — it
// was going to be the first one gone anyway.
func (c *Cache[K, V]) makeRoomLocked() {
	now := time.Now()
	dropped := false
	for k, it := range c.items {
		if now.After(it.deadline) {
			delete(c.items, k)
			dropped = true
		}
	}
	if dropped {
		return
	}

	var victim K
	var nearest time.Time
	first := true
	for k, it := range c.items {
		if first || it.deadline.Before(nearest) {
			victim, nearest = k, it.deadline
			first = false
		}
	}
	if !first {
		delete(c.items, victim)
	}
}
