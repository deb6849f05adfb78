// Package kvstore provides the external key-value store that holds notification
// read state and idempotency claims. It is shared by every instance of the service.
package kvstore

import (
	"context"
	"errors"
	"time"
)

// NoExpiry is returned by TTL for keys that exist without an expiration.
const NoExpiry time.Duration = -1

var (
	// ErrNotFound is returned when a key or hash field does not exist.
	ErrNotFound = errors.New("kvstore: key not found")

	// ErrWrongType is returned when an operation targets a key holding another kind of value.
	ErrWrongType = errors.New("kvstore: operation against a key holding the wrong kind of value")

	// ErrClosed is returned after Close has been called.
	ErrClosed = errors.New("kvstore: store closed")
)

// Store is the interface for key-value backends.
// Backends:
// - Memory: single instance deployments and tests
// - Redis: multi-instance deployments (works with Dragonfly, Redis, Valkey, KeyDB)
type Store interface {
	// SetIfAbsent stores value under key only if the key does not exist.
	// A positive ttl sets the expiration. Returns true if the value was stored.
	SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// Get returns the string value of key or ErrNotFound.
	Get(ctx context.Context, key string) (string, error)

	// Delete removes key. Returns true if the key existed.
	Delete(ctx context.Context, key string) (bool, error)

	// Exists reports whether key exists.
	Exists(ctx context.Context, key string) (bool, error)

	// TTL returns the remaining time to live of key, NoExpiry for persistent keys,
	// or ErrNotFound if the key does not exist.
	TTL(ctx context.Context, key string) (time.Duration, error)

	// HashSet sets the given fields on the hash stored at key.
	HashSet(ctx context.Context, key string, fields map[string]string) error

	// HashGet returns a single hash field or ErrNotFound.
	HashGet(ctx context.Context, key, field string) (string, error)

	// ListPrepend pushes value to the head of the list at key. When maxLen is
	// positive the list is trimmed to its first maxLen elements.
	ListPrepend(ctx context.Context, key, value string, maxLen int64) error

	// ListRange returns the elements between start and stop inclusive.
	// Negative indexes count from the tail, like LRANGE.
	ListRange(ctx context.Context, key string, start, stop int64) ([]string, error)

	// ListLen returns the length of the list at key (0 when absent).
	ListLen(ctx context.Context, key string) (int64, error)

	// Keys returns every key matching the glob pattern.
	Keys(ctx context.Context, pattern string) ([]string, error)

	// Close releases resources held by the store.
	Close() error
}
