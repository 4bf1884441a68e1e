package provider

import (
	"sync"
	"time"

	"github.com/R3E-Network/numhub/infrastructure/cache"
)

// stalenessThreshold is the fraction of TTL elapsed at which an entry is
// considered stale and eligible for background revalidation.
const stalenessThreshold = 0.8

// swrEntry tracks when an entry was written so staleness can be evaluated
// against its own TTL rather than the shared cache's default.
type swrEntry struct {
	storedAt time.Time
	ttl      time.Duration
}

// StaleWhileRevalidateCache wraps infrastructure/cache.Cache, reporting an
// entry as stale once 80% of its TTL has elapsed, with a background
// revalidation goroutine per key.
type StaleWhileRevalidateCache struct {
	cache *cache.Cache

	mu       sync.Mutex
	meta     map[string]swrEntry
	inFlight map[string]bool
}

// NewStaleWhileRevalidateCache builds a cache with the given default TTL.
func NewStaleWhileRevalidateCache(defaultTTL time.Duration) *StaleWhileRevalidateCache {
	return &StaleWhileRevalidateCache{
		cache:    cache.NewCache(cache.CacheConfig{DefaultTTL: defaultTTL}),
		meta:     make(map[string]swrEntry),
		inFlight: make(map[string]bool),
	}
}

// Get returns the cached value and whether the caller should also trigger a
// background revalidation because the entry has crossed the staleness
// threshold (it is still returned: stale-while-revalidate never blocks).
func (c *StaleWhileRevalidateCache) Get(key string) (value interface{}, ok bool, stale bool) {
	value, ok = c.cache.Get(key)
	if !ok {
		return nil, false, false
	}

	c.mu.Lock()
	entry, hasMeta := c.meta[key]
	c.mu.Unlock()
	if !hasMeta {
		return value, true, false
	}

	elapsed := time.Since(entry.storedAt)
	stale = entry.ttl > 0 && float64(elapsed) >= float64(entry.ttl)*stalenessThreshold
	return value, true, stale
}

// Set stores value under key with ttl and records it for staleness tracking.
func (c *StaleWhileRevalidateCache) Set(key string, value interface{}, ttl time.Duration) {
	c.cache.Set(key, value, ttl)
	c.mu.Lock()
	c.meta[key] = swrEntry{storedAt: time.Now(), ttl: ttl}
	c.mu.Unlock()
}

// Revalidate runs refresh in the background at most once concurrently per
// key, replacing the cached value with its result on success. Failures are
// silently dropped: the stale value already returned to callers remains valid
// until the next successful refresh.
func (c *StaleWhileRevalidateCache) Revalidate(key string, ttl time.Duration, refresh func() (interface{}, error)) {
	c.mu.Lock()
	if c.inFlight[key] {
		c.mu.Unlock()
		return
	}
	c.inFlight[key] = true
	c.mu.Unlock()

	go func() {
		defer func() {
			c.mu.Lock()
			delete(c.inFlight, key)
			c.mu.Unlock()
		}()
		value, err := refresh()
		if err != nil {
			return
		}
		c.Set(key, value, ttl)
	}()
}

// Invalidate removes a cached key outright.
func (c *StaleWhileRevalidateCache) Invalidate(key string) {
	c.cache.Invalidate(key)
	c.mu.Lock()
	delete(c.meta, key)
	c.mu.Unlock()
}
