package clouddeploy

import (
	"strconv"
	"sync"
	"time"

	"github.com/juju/clock"
	"golang.org/x/sync/singleflight"
)

// DefaultCacheTTL is how long listing results are served from the cache.
const DefaultCacheTTL = time.Hour

type cacheEntry struct {
	value     interface{}
	expiresAt time.Time
}

// Cache memoizes read-only listing calls for a bounded time. All reads,
// inserts and clears go through a single mutex; an entry is never served
// past its expiry. Concurrent misses on one key share a single fetch.
type Cache struct {
	clock clock.Clock
	ttl   time.Duration
	group singleflight.Group

	mu         sync.Mutex
	entries    map[string]cacheEntry
	generation uint64
}

// CacheOption configures a Cache.
type CacheOption func(*Cache)

// WithCacheClock sets the clock used for expiry.
func WithCacheClock(c clock.Clock) CacheOption {
	return func(cache *Cache) {
		cache.clock = c
	}
}

// WithCacheTTL sets the time-to-live of cached entries.
func WithCacheTTL(ttl time.Duration) CacheOption {
	return func(cache *Cache) {
		if ttl > 0 {
			cache.ttl = ttl
		}
	}
}

// NewCache creates an empty cache.
func NewCache(opts ...CacheOption) *Cache {
	c := &Cache{
		clock:   clock.WallClock,
		ttl:     DefaultCacheTTL,
		entries: make(map[string]cacheEntry),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GetOrFetch returns the unexpired value cached under key, or calls fetch,
// caches its result and returns it. Errors from fetch are not cached.
// The second return value reports whether the value came from the cache.
func (c *Cache) GetOrFetch(key string, fetch func() (interface{}, error)) (interface{}, bool, error) {
	c.mu.Lock()
	if v, ok := c.lookupLocked(key); ok {
		c.mu.Unlock()
		return v, true, nil
	}
	generation := c.generation
	c.mu.Unlock()

	// Fetches started before a Clear must not be joined by calls after it.
	flight := strconv.FormatUint(generation, 10) + "\x00" + key
	v, err, _ := c.group.Do(flight, func() (interface{}, error) {
		value, err := fetch()
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		defer c.mu.Unlock()
		// A Clear since the miss means the remote state changed under us;
		// hand the value to this caller but keep it out of the cache.
		if c.generation == generation {
			c.entries[key] = cacheEntry{
				value:     value,
				expiresAt: c.clock.Now().Add(c.ttl),
			}
		}
		return value, nil
	})
	if err != nil {
		return nil, false, err
	}
	return v, false, nil
}

// Clear removes every entry.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]cacheEntry)
	c.generation++
}

// Len returns the number of unexpired entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for key := range c.entries {
		if _, ok := c.lookupLocked(key); ok {
			n++
		}
	}
	return n
}

func (c *Cache) lookupLocked(key string) (interface{}, bool) {
	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if !c.clock.Now().Before(e.expiresAt) {
		delete(c.entries, key)
		return nil, false
	}
	return e.value, true
}

// Fetch is a typed wrapper around Cache.GetOrFetch.
func Fetch[T any](c *Cache, key string, fetch func() (T, error)) (T, bool, error) {
	v, cached, err := c.GetOrFetch(key, func() (interface{}, error) {
		return fetch()
	})
	if err != nil {
		var zero T
		return zero, false, err
	}
	t, _ := v.(T)
	return t, cached, nil
}
