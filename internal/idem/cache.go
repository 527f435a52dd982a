// internal/idem/cache.go
//
// Short-lived idempotency cache: client-supplied operation key -> the
// serialized result the operation previously produced. Retried submissions
// inside the TTL window replay the stored result instead of re-executing.
package idem

import (
	"context"
	"sync"
	"time"
)

// Cache stores operation results under namespaced keys for a bounded TTL.
type Cache interface {
	// Get returns the stored result and whether the key was present.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Put stores result under key for the cache's TTL window.
	Put(ctx context.Context, key string, result []byte) error
}

// MemoryCache is an in-process Cache with lazy expiry and a hard entry cap
// (oldest-expiry eviction) so memory stays bounded.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	ttl     time.Duration
	max     int
	now     func() time.Time
}

type memoryEntry struct {
	result  []byte
	expires time.Time
}

// NewMemoryCache builds a MemoryCache with the given TTL and entry cap.
func NewMemoryCache(ttl time.Duration, max int) *MemoryCache {
	if max <= 0 {
		max = 4096
	}
	return &MemoryCache{
		entries: make(map[string]memoryEntry),
		ttl:     ttl,
		max:     max,
		now:     time.Now,
	}
}

// Get implements Cache.
func (c *MemoryCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return nil, false, nil
	}
	if c.now().After(e.expires) {
		delete(c.entries, key)
		return nil, false, nil
	}
	return e.result, true, nil
}

// Put implements Cache.
func (c *MemoryCache) Put(ctx context.Context, key string, result []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if len(c.entries) >= c.max {
		c.evictLocked(now)
	}
	c.entries[key] = memoryEntry{result: result, expires: now.Add(c.ttl)}
	return nil
}

// evictLocked drops expired entries, then the soonest-to-expire entry if
// the cache is still full.
func (c *MemoryCache) evictLocked(now time.Time) {
	for k, e := range c.entries {
		if now.After(e.expires) {
			delete(c.entries, k)
		}
	}
	if len(c.entries) < c.max {
		return
	}
	var victim string
	var soonest time.Time
	for k, e := range c.entries {
		if victim == "" || e.expires.Before(soonest) {
			victim, soonest = k, e.expires
		}
	}
	delete(c.entries, victim)
}
