package cache

import (
	"sync"
	"time"
)

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// TTL is a thread-safe keyed cache whose entries expire after a fixed
// lifetime. Expired entries are dropped lazily on access.
type TTL[K comparable, V any] struct {
	mu      sync.RWMutex
	ttl     time.Duration
	entries map[K]entry[V]
	now     func() time.Time
}

// NewTTL creates a cache whose entries live for ttl.
func NewTTL[K comparable, V any](ttl time.Duration) *TTL[K, V] {
	return &TTL[K, V]{
		ttl:     ttl,
		entries: make(map[K]entry[V]),
		now:     time.Now,
	}
}

// Get returns the live value stored under key.
func (c *TTL[K, V]) Get(key K) (V, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()

	if !ok {
		var zero V
		return zero, false
	}
	if c.now().After(e.expiresAt) {
		c.Delete(key)
		var zero V
		return zero, false
	}
	return e.value, true
}

// Set stores value under key for the cache lifetime.
func (c *TTL[K, V]) Set(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = entry[V]{value: value, expiresAt: c.now().Add(c.ttl)}
}

// Delete removes key.
func (c *TTL[K, V]) Delete(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// DeleteFunc removes every entry whose key matches.
func (c *TTL[K, V]) DeleteFunc(match func(K, V) bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for k, e := range c.entries {
		if match(k, e.value) {
			delete(c.entries, k)
			removed++
		}
	}
	return removed
}

// Clear drops every entry.
func (c *TTL[K, V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[K]entry[V])
}

// Len counts stored entries, expired ones included.
func (c *TTL[K, V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
