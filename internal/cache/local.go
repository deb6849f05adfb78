// Package cache holds the named in-process caches and keeps them consistent
// across instances by broadcasting invalidations.
package cache

import (
	"fmt"
	"sync/atomic"

	"github.com/dgraph-io/ristretto"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/platformkit/platform/internal/config"
)

const (
	BackingLRU = "lru"
	BackingLFU = "lfu"
)

// LocalCache is a thread-safe in-process cache.
type LocalCache interface {
	Get(key string) (any, bool)
	Set(key string, value any) bool
	Delete(key string)
	Clear()
	Close()
	Stats() Stats
}

// Stats is a snapshot of one local cache's counters
type Stats struct {
	Name      string `json:"name"`
	Backing   string `json:"backing"`
	Hits      int64  `json:"hits"`
	Misses    int64  `json:"misses"`
	Evictions int64  `json:"evictions"`
	Size      int64  `json:"size"`
	Capacity  int64  `json:"capacity"`
}

type counters struct {
	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
}

func (c *counters) observe(found bool) {
	if found {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
}

// LRUCache is a size-bounded least-recently-used cache.
type LRUCache struct {
	cache    *lru.Cache[string, any]
	capacity int
	counters
}

// NewLRUCache creates an LRU cache holding at most maxSize entries
func NewLRUCache(maxSize int) (*LRUCache, error) {
	cache, err := lru.New[string, any](maxSize)
	if err != nil {
		return nil, err
	}
	return &LRUCache{cache: cache, capacity: maxSize}, nil
}

func (c *LRUCache) Get(key string) (any, bool) {
	value, found := c.cache.Get(key)
	c.observe(found)
	return value, found
}

func (c *LRUCache) Set(key string, value any) bool {
	if evicted := c.cache.Add(key, value); evicted {
		c.evictions.Add(1)
	}
	return true
}

func (c *LRUCache) Delete(key string) {
	c.cache.Remove(key)
}

func (c *LRUCache) Clear() {
	c.cache.Purge()
}

func (c *LRUCache) Close() {
	c.cache.Purge()
}

func (c *LRUCache) Stats() Stats {
	return Stats{
		Backing:   BackingLRU,
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
		Size:      int64(c.cache.Len()),
		Capacity:  int64(c.capacity),
	}
}

// LFUCache is a cost-bounded cache with TinyLFU admission.
// Writes are applied asynchronously by ristretto; Set waits for them so a
// subsequent Get on the same instance observes the value.
type LFUCache struct {
	cache *ristretto.Cache
	counters
}

// NewLFUCache creates an LFU cache from the named cache settings
func NewLFUCache(cfg config.NamedCacheConfig) (*LFUCache, error) {
	bufferItems := cfg.BufferItems
	if bufferItems <= 0 {
		bufferItems = 64
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: cfg.NumCounters,
		MaxCost:     cfg.MaxCost,
		BufferItems: bufferItems,
		Metrics:     true,
	})
	if err != nil {
		return nil, err
	}
	return &LFUCache{cache: cache}, nil
}

func (c *LFUCache) Get(key string) (any, bool) {
	value, found := c.cache.Get(key)
	c.observe(found)
	return value, found
}

func (c *LFUCache) Set(key string, value any) bool {
	ok := c.cache.Set(key, value, 1)
	c.cache.Wait()
	return ok
}

func (c *LFUCache) Delete(key string) {
	c.cache.Del(key)
}

func (c *LFUCache) Clear() {
	c.cache.Clear()
}

func (c *LFUCache) Close() {
	c.cache.Close()
}

// Stats reports the admission counters tracked by ristretto. Size is the
// number of admitted keys still resident.
func (c *LFUCache) Stats() Stats {
	m := c.cache.Metrics
	added, evicted := m.KeysAdded(), m.KeysEvicted()
	var size int64
	if added > evicted {
		size = int64(added - evicted)
	}
	return Stats{
		Backing:   BackingLFU,
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: int64(evicted),
		Size:      size,
		Capacity:  c.cache.MaxCost(),
	}
}

// newLocalCache builds the backing named by cfg
func newLocalCache(cfg config.NamedCacheConfig) (LocalCache, error) {
	switch cfg.Backing {
	case BackingLRU, "":
		return NewLRUCache(cfg.MaxSize)
	case BackingLFU:
		return NewLFUCache(cfg)
	default:
		return nil, fmt.Errorf("unknown cache backing %q", cfg.Backing)
	}
}
