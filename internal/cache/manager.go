package cache

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/platformkit/platform/internal/config"
	"github.com/platformkit/platform/internal/observability"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
)

// ErrUnknownCache is returned when no cache is registered under a name
var ErrUnknownCache = errors.New("cache: unknown cache")

// Loader produces the value for a cache miss
type Loader func(ctx context.Context) (any, error)

// Manager owns the named local caches of this instance.
type Manager struct {
	mu      sync.RWMutex
	caches  map[string]LocalCache
	loads   singleflight.Group
	metrics *observability.Metrics
}

// NewManager creates one local cache per configured entry
func NewManager(cfgs []config.NamedCacheConfig) (*Manager, error) {
	m := &Manager{
		caches: make(map[string]LocalCache, len(cfgs)),
	}
	for _, cfg := range cfgs {
		if err := m.Register(cfg); err != nil {
			m.Close()
			return nil, err
		}
	}
	return m, nil
}

// SetMetrics sets the metrics instance for recording cache activity
func (m *Manager) SetMetrics(metrics *observability.Metrics) {
	m.metrics = metrics
}

// Register adds a named cache. Registering an existing name is an error.
func (m *Manager) Register(cfg config.NamedCacheConfig) error {
	c, err := newLocalCache(cfg)
	if err != nil {
		return fmt.Errorf("create cache %s: %w", cfg.Name, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.caches[cfg.Name]; exists {
		c.Close()
		return fmt.Errorf("cache %s already registered", cfg.Name)
	}
	m.caches[cfg.Name] = c

	log.Debug().Str("cache", cfg.Name).Str("backing", c.Stats().Backing).Msg("Registered local cache")
	return nil
}

// Get returns the cache registered under name
func (m *Manager) Get(name string) (LocalCache, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.caches[name]
	return c, ok
}

// Names returns the registered cache names in sorted order
func (m *Manager) Names() []string {
	m.mu.RLock()
	names := make([]string, 0, len(m.caches))
	for name := range m.caches {
		names = append(names, name)
	}
	m.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Evict removes key from the named cache. It reports false for unknown caches.
func (m *Manager) Evict(name, key string) bool {
	c, ok := m.Get(name)
	if !ok {
		return false
	}
	c.Delete(key)
	return true
}

// Clear empties the named cache. It reports false for unknown caches.
func (m *Manager) Clear(name string) bool {
	c, ok := m.Get(name)
	if !ok {
		return false
	}
	c.Clear()
	return true
}

// Stats returns a snapshot per registered cache, sorted by name
func (m *Manager) Stats() []Stats {
	names := m.Names()
	stats := make([]Stats, 0, len(names))
	for _, name := range names {
		c, ok := m.Get(name)
		if !ok {
			continue
		}
		s := c.Stats()
		s.Name = name
		stats = append(stats, s)
	}
	return stats
}

// GetOrLoad returns the cached value for key, calling loader on a miss.
// Concurrent misses for the same cache and key share one loader call.
// Loader errors are returned and nothing is cached.
func (m *Manager) GetOrLoad(ctx context.Context, name, key string, loader Loader) (any, error) {
	c, ok := m.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownCache, name)
	}

	if value, found := c.Get(key); found {
		m.metrics.RecordCacheLoad(name, "hit")
		return value, nil
	}

	value, err, shared := m.loads.Do(name+"\x00"+key, func() (any, error) {
		if value, found := c.Get(key); found {
			return value, nil
		}
		value, err := loader(ctx)
		if err != nil {
			return nil, err
		}
		c.Set(key, value)
		return value, nil
	})
	if err != nil {
		m.metrics.RecordCacheLoad(name, "error")
		return nil, err
	}

	if shared {
		m.metrics.RecordCacheLoad(name, "shared")
	} else {
		m.metrics.RecordCacheLoad(name, "loaded")
	}
	return value, nil
}

// Close releases every cache
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, c := range m.caches {
		c.Close()
		delete(m.caches, name)
	}
}
