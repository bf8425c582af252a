// Package cache implements a process-local TTL key→value store with
// pattern invalidation and atomic hit/miss metrics. The gateway keeps
// two named instances (profiles, models); see NewNamed.
package cache

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// entry is a single cached value stamped with its insertion instant.
type entry struct {
	value   any
	storeAt time.Time
}

// Stats is a point-in-time snapshot of cache metrics.
type Stats struct {
	Name    string
	Hits    int64
	Misses  int64
	Size    int
	HitRate float64
	TTL     time.Duration
}

// Cache is a single named TTL store. Safe for concurrent use.
type Cache struct {
	name string
	ttl  time.Duration

	mu      sync.RWMutex
	entries map[string]entry

	hits   int64
	misses int64
}

// New creates a named cache with the given TTL.
func New(name string, ttl time.Duration) *Cache {
	return &Cache{
		name:    name,
		ttl:     ttl,
		entries: make(map[string]entry),
	}
}

// Get returns the cached value for key and whether it was a hit. An
// entry older than the cache's TTL is treated as absent (and removed).
func (c *Cache) Get(key string) (any, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()

	if ok && time.Since(e.storeAt) <= c.ttl {
		atomic.AddInt64(&c.hits, 1)
		return e.value, true
	}

	atomic.AddInt64(&c.misses, 1)
	if ok {
		// stale; drop it so Size() reflects reality promptly.
		c.mu.Lock()
		if cur, still := c.entries[key]; still && cur.storeAt == e.storeAt {
			delete(c.entries, key)
		}
		c.mu.Unlock()
	}
	return nil, false
}

// Set stores value under key, stamped with the current time.
func (c *Cache) Set(key string, value any) {
	c.mu.Lock()
	c.entries[key] = entry{value: value, storeAt: time.Now()}
	c.mu.Unlock()
}

// Invalidate removes a single key.
func (c *Cache) Invalidate(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// InvalidateByPrefix removes every key starting with prefix.
func (c *Cache) InvalidateByPrefix(prefix string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for k := range c.entries {
		if strings.HasPrefix(k, prefix) {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

// Clear empties the cache.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.entries = make(map[string]entry)
	c.mu.Unlock()
}

// Stats returns a snapshot of current hit/miss/size metrics.
func (c *Cache) Stats() Stats {
	hits := atomic.LoadInt64(&c.hits)
	misses := atomic.LoadInt64(&c.misses)
	c.mu.RLock()
	size := len(c.entries)
	c.mu.RUnlock()

	var rate float64
	if total := hits + misses; total > 0 {
		rate = float64(hits) / float64(total)
	}
	return Stats{
		Name:    c.name,
		Hits:    hits,
		Misses:  misses,
		Size:    size,
		HitRate: rate,
		TTL:     c.ttl,
	}
}

// Caches bundles the gateway's two named cache singletons.
type Caches struct {
	Profiles *Cache
	Models   *Cache
}

// NewNamed constructs the gateway's standard cache set: profiles at a
// 60s TTL (read on every stream) and models at a 300s TTL (read-mostly,
// refreshed by an explicit catalog sync).
func NewNamed() *Caches {
	return &Caches{
		Profiles: New("profiles", 60*time.Second),
		Models:   New("models", 300*time.Second),
	}
}
