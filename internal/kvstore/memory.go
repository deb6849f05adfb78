package kvstore

import (
	"context"
	"path"
	"sort"
	"sync"
	"time"
)

type kind int

const (
	kindString kind = iota
	kindHash
	kindList
)

type entry struct {
	kind      kind
	str       string
	hash      map[string]string
	list      []string
	expiresAt time.Time // zero means no expiry
}

func (e *entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// MemoryStore implements Store in process memory.
// It gives a single instance the same semantics as RedisStore and backs the tests;
// it does not share state across instances.
type MemoryStore struct {
	data       map[string]*entry
	mu         sync.RWMutex
	gcInterval time.Duration
	stopCh     chan struct{}
	stopOnce   sync.Once
	closed     bool
}

// NewMemoryStore creates a new in-memory store.
// gcInterval specifies how often expired keys are purged.
func NewMemoryStore(gcInterval time.Duration) *MemoryStore {
	if gcInterval <= 0 {
		gcInterval = time.Minute
	}

	store := &MemoryStore{
		data:       make(map[string]*entry),
		gcInterval: gcInterval,
		stopCh:     make(chan struct{}),
	}

	go store.gc()

	return store
}

// lookup returns a live entry. Callers must hold mu.
func (s *MemoryStore) lookup(key string, now time.Time) (*entry, bool) {
	e, ok := s.data[key]
	if !ok || e.expired(now) {
		return nil, false
	}
	return e, true
}

// SetIfAbsent stores value if key is absent or expired.
func (s *MemoryStore) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false, ErrClosed
	}

	now := time.Now()
	if _, ok := s.lookup(key, now); ok {
		return false, nil
	}

	e := &entry{kind: kindString, str: value}
	if ttl > 0 {
		e.expiresAt = now.Add(ttl)
	}
	s.data[key] = e
	return true, nil
}

// Get returns the string value of key.
func (s *MemoryStore) Get(ctx context.Context, key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return "", ErrClosed
	}

	e, ok := s.lookup(key, time.Now())
	if !ok {
		return "", ErrNotFound
	}
	if e.kind != kindString {
		return "", ErrWrongType
	}
	return e.str, nil
}

// Delete removes key.
func (s *MemoryStore) Delete(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return false, ErrClosed
	}

	_, ok := s.lookup(key, time.Now())
	delete(s.data, key)
	return ok, nil
}

// Exists reports whether key exists.
func (s *MemoryStore) Exists(ctx context.Context, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return false, ErrClosed
	}

	_, ok := s.lookup(key, time.Now())
	return ok, nil
}

// TTL returns the remaining lifetime of key.
func (s *MemoryStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0, ErrClosed
	}

	now := time.Now()
	e, ok := s.lookup(key, now)
	if !ok {
		return 0, ErrNotFound
	}
	if e.expiresAt.IsZero() {
		return NoExpiry, nil
	}
	return e.expiresAt.Sub(now), nil
}

// HashSet sets fields on the hash at key, creating it if needed.
func (s *MemoryStore) HashSet(ctx context.Context, key string, fields map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	e, ok := s.lookup(key, time.Now())
	if !ok {
		e = &entry{kind: kindHash, hash: make(map[string]string, len(fields))}
		s.data[key] = e
	}
	if e.kind != kindHash {
		return ErrWrongType
	}
	for f, v := range fields {
		e.hash[f] = v
	}
	return nil
}

// HashGet returns a single hash field.
func (s *MemoryStore) HashGet(ctx context.Context, key, field string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return "", ErrClosed
	}

	e, ok := s.lookup(key, time.Now())
	if !ok {
		return "", ErrNotFound
	}
	if e.kind != kindHash {
		return "", ErrWrongType
	}
	v, ok := e.hash[field]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

// ListPrepend pushes value to the head of the list and trims it to maxLen.
func (s *MemoryStore) ListPrepend(ctx context.Context, key, value string, maxLen int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	e, ok := s.lookup(key, time.Now())
	if !ok {
		e = &entry{kind: kindList}
		s.data[key] = e
	}
	if e.kind != kindList {
		return ErrWrongType
	}

	list := make([]string, 0, len(e.list)+1)
	list = append(list, value)
	list = append(list, e.list...)
	if maxLen > 0 && int64(len(list)) > maxLen {
		list = list[:maxLen]
	}
	e.list = list
	return nil
}

// ListRange returns elements between start and stop inclusive with LRANGE index rules.
func (s *MemoryStore) ListRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}

	e, ok := s.lookup(key, time.Now())
	if !ok {
		return []string{}, nil
	}
	if e.kind != kindList {
		return nil, ErrWrongType
	}

	n := int64(len(e.list))
	if start < 0 {
		start += n
	}
	if stop < 0 {
		stop += n
	}
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	if start > stop || start >= n {
		return []string{}, nil
	}

	out := make([]string, stop-start+1)
	copy(out, e.list[start:stop+1])
	return out, nil
}

// ListLen returns the length of the list at key.
func (s *MemoryStore) ListLen(ctx context.Context, key string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0, ErrClosed
	}

	e, ok := s.lookup(key, time.Now())
	if !ok {
		return 0, nil
	}
	if e.kind != kindList {
		return 0, ErrWrongType
	}
	return int64(len(e.list)), nil
}

// Keys returns live keys matching pattern, sorted.
func (s *MemoryStore) Keys(ctx context.Context, pattern string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrClosed
	}

	now := time.Now()
	var keys []string
	for k, e := range s.data {
		if e.expired(now) {
			continue
		}
		matched, err := path.Match(pattern, k)
		if err != nil {
			return nil, err
		}
		if matched {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Close stops the garbage collection goroutine. Later calls fail with ErrClosed.
func (s *MemoryStore) Close() error {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.stopCh)
	})
	return nil
}

// gc periodically removes expired entries.
func (s *MemoryStore) gc() {
	ticker := time.NewTicker(s.gcInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.cleanup()
		}
	}
}

// cleanup removes all expired entries.
func (s *MemoryStore) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for key, e := range s.data {
		if e.expired(now) {
			delete(s.data, key)
		}
	}
}
