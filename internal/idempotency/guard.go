// Package idempotency claims message ids in the shared key-value store so a
// message is processed at most once per TTL across all instances.
package idempotency

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/platformkit/platform/internal/kvstore"
	"github.com/platformkit/platform/internal/observability"
	"github.com/rs/zerolog/log"
)

const (
	// DefaultTTL is how long a claim is held when no TTL is given
	DefaultTTL = 24 * time.Hour
	// DefaultKeyPrefix namespaces claims in the key-value store
	DefaultKeyPrefix = "platform:idempotency:"
)

// ErrConflict is returned by ExecuteOnce when the id was already claimed
var ErrConflict = errors.New("idempotency: duplicate processing detected")

// KeyInfo describes an active claim
type KeyInfo struct {
	MessageID string        `json:"messageId"`
	ClaimedAt time.Time     `json:"claimedAt"`
	TTL       time.Duration `json:"ttl"` // kvstore.NoExpiry for claims without expiry
}

// Guard claims ids with a single set-if-absent write. When the store is
// unavailable it fails open and lets the caller proceed.
type Guard struct {
	store      kvstore.Store
	prefix     string
	defaultTTL time.Duration
	metrics    *observability.Metrics
}

// NewGuard creates a guard over store. Empty prefix and non-positive ttl use the defaults.
func NewGuard(store kvstore.Store, prefix string, defaultTTL time.Duration) *Guard {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	if defaultTTL <= 0 {
		defaultTTL = DefaultTTL
	}
	return &Guard{store: store, prefix: prefix, defaultTTL: defaultTTL}
}

// SetMetrics sets the metrics instance for recording claim outcomes
func (g *Guard) SetMetrics(m *observability.Metrics) {
	g.metrics = m
}

func (g *Guard) key(id string) string {
	return g.prefix + id
}

// TryAcquire claims id for ttl (the guard default when ttl <= 0). It returns
// false only when another caller holds the claim.
func (g *Guard) TryAcquire(ctx context.Context, id string, ttl time.Duration) bool {
	if ttl <= 0 {
		ttl = g.defaultTTL
	}

	claimedAt := strconv.FormatInt(time.Now().UnixMilli(), 10)
	acquired, err := g.store.SetIfAbsent(ctx, g.key(id), claimedAt, ttl)
	if err != nil {
		g.metrics.RecordIdempotencyClaim("fail_open")
		log.Error().Err(err).Str("message_id", id).Msg("Failed to acquire idempotency key, allowing processing")
		return true
	}

	if !acquired {
		g.metrics.RecordIdempotencyClaim("duplicate")
		log.Warn().Str("message_id", id).Msg("Duplicate message detected")
		return false
	}

	g.metrics.RecordIdempotencyClaim("acquired")
	log.Debug().Str("message_id", id).Msg("Idempotency key acquired")
	return true
}

// Release drops the claim on id so the message can be processed again.
func (g *Guard) Release(ctx context.Context, id string) {
	deleted, err := g.store.Delete(ctx, g.key(id))
	if err != nil {
		log.Error().Err(err).Str("message_id", id).Msg("Failed to release idempotency key")
		return
	}
	if deleted {
		g.metrics.RecordIdempotencyClaim("released")
		log.Info().Str("message_id", id).Msg("Idempotency key released")
	}
}

// Exists reports whether id is currently claimed. Store errors report false.
func (g *Guard) Exists(ctx context.Context, id string) bool {
	exists, err := g.store.Exists(ctx, g.key(id))
	if err != nil {
		log.Error().Err(err).Str("message_id", id).Msg("Failed to check idempotency key")
		return false
	}
	return exists
}

// KeyInfo returns the claim on id, or nil when id is not claimed.
func (g *Guard) KeyInfo(ctx context.Context, id string) (*KeyInfo, error) {
	value, err := g.store.Get(ctx, g.key(id))
	if errors.Is(err, kvstore.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get idempotency key %s: %w", id, err)
	}

	ttl, err := g.store.TTL(ctx, g.key(id))
	if errors.Is(err, kvstore.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get idempotency key ttl %s: %w", id, err)
	}

	info := &KeyInfo{MessageID: id, TTL: ttl}
	if millis, err := strconv.ParseInt(value, 10, 64); err == nil {
		info.ClaimedAt = time.UnixMilli(millis)
	}
	return info, nil
}

// ExecuteOnce runs action only if id can be claimed. The claim is released
// when action fails or panics so the message can be retried; the panic is
// re-raised. A successful action keeps the claim until it expires.
func ExecuteOnce[T any](ctx context.Context, g *Guard, id string, ttl time.Duration, action func(ctx context.Context) (T, error)) (result T, err error) {
	if !g.TryAcquire(ctx, id, ttl) {
		return result, fmt.Errorf("%w: %s", ErrConflict, id)
	}

	defer func() {
		if r := recover(); r != nil {
			g.Release(context.WithoutCancel(ctx), id)
			panic(r)
		}
	}()

	result, err = action(ctx)
	if err != nil {
		g.Release(context.WithoutCancel(ctx), id)
		return result, err
	}
	return result, nil
}
