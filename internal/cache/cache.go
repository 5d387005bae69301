// Package cache provides the cache used for datum lookups: a bounded
// in-memory cache with TTL, a Redis cache shared between processes, and a
// no-op cache.
package cache

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"
)

// Cache provides thread-safe caching with expiration support.
type Cache interface {
	// Get retrieves a value. Returns false if not found or expired.
	Get(key string) (any, bool)
	// Set stores a value. A zero ttl uses the cache default.
	Set(key string, value any, ttl time.Duration)
	// Delete removes a value.
	Delete(key string)
	// Clear removes all values.
	Clear()
	// Stats returns cache statistics.
	Stats() CacheStats
}

// CacheStats holds cache performance counters.
type CacheStats struct {
	Hits        int64 // successful Get operations
	Misses      int64 // failed Get operations (not found or expired)
	Sets        int64 // Set operations
	Evictions   int64 // entries dropped for size or age
	CurrentSize int   // current number of cached entries
}

// Backend names accepted by New.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendNone   = "none"
)

// DefaultMaxSize bounds the memory cache when no size is configured.
const DefaultMaxSize = 100

// Options selects and sizes a cache.
type Options struct {
	Backend string
	MaxSize int
	TTL     time.Duration
	Redis   RedisConfig
}

// New builds the cache described by opts.
func New(opts Options, logger zerolog.Logger) (Cache, error) {
	switch opts.Backend {
	case "", BackendMemory:
		return NewMemoryCache(opts.MaxSize, opts.TTL), nil
	case BackendRedis:
		rc, err := NewRedisCache(opts.Redis, opts.TTL, logger)
		if err != nil {
			return nil, err
		}
		return rc, nil
	case BackendNone:
		return NewNoOpCache(), nil
	default:
		return nil, fmt.Errorf("unknown cache backend %q (supported: %s, %s, %s)",
			opts.Backend, BackendMemory, BackendRedis, BackendNone)
	}
}

// memoryCache is a size-bounded LRU whose entries also expire after the
// configured TTL. Per-entry ttl arguments to Set are ignored.
type memoryCache struct {
	lru   *expirable.LRU[string, any]
	stats struct {
		hits      atomic.Int64
		misses    atomic.Int64
		sets      atomic.Int64
		evictions atomic.Int64
	}
}

// NewMemoryCache creates an in-memory cache holding at most maxSize entries.
// A ttl of zero keeps entries until they are evicted for size.
func NewMemoryCache(maxSize int, ttl time.Duration) Cache {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	c := &memoryCache{}
	c.lru = expirable.NewLRU[string, any](maxSize, func(string, any) {
		c.stats.evictions.Add(1)
	}, ttl)
	return c
}

func (c *memoryCache) Get(key string) (any, bool) {
	v, ok := c.lru.Get(key)
	if !ok {
		c.stats.misses.Add(1)
		return nil, false
	}
	c.stats.hits.Add(1)
	return v, true
}

func (c *memoryCache) Set(key string, value any, _ time.Duration) {
	c.lru.Add(key, value)
	c.stats.sets.Add(1)
}

func (c *memoryCache) Delete(key string) {
	c.lru.Remove(key)
}

func (c *memoryCache) Clear() {
	c.lru.Purge()
}

func (c *memoryCache) Stats() CacheStats {
	return CacheStats{
		Hits:        c.stats.hits.Load(),
		Misses:      c.stats.misses.Load(),
		Sets:        c.stats.sets.Load(),
		Evictions:   c.stats.evictions.Load(),
		CurrentSize: c.lru.Len(),
	}
}

// noOpCache is a cache that does nothing (disables caching).
type noOpCache struct{}

// NewNoOpCache creates a cache that doesn't cache anything.
func NewNoOpCache() Cache {
	return noOpCache{}
}

func (noOpCache) Get(string) (any, bool) { return nil, false }
func (noOpCache) Set(string, any, time.Duration) {}
func (noOpCache) Delete(string) {}
func (noOpCache) Clear() {}
func (noOpCache) Stats() CacheStats { return CacheStats{} }
