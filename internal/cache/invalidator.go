package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/platformkit/platform/internal/observability"
	"github.com/platformkit/platform/internal/pubsub"
	"github.com/rs/zerolog/log"
)

// InvalidationMessage asks every instance to drop a key, or the whole cache
// when Key is nil.
type InvalidationMessage struct {
	CacheName string  `json:"cacheName"`
	Key       *string `json:"key"`
	Timestamp int64   `json:"timestamp"`
	Sender    string  `json:"sender,omitempty"`
}

func (m InvalidationMessage) target() string {
	if m.Key == nil {
		return m.CacheName
	}
	return m.CacheName + ":" + *m.Key
}

// Broadcaster publishes a payload to every instance subscribed to channel.
// *pubsub.Bridge satisfies it.
type Broadcaster interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// Invalidator evicts locally and then tells the other instances to do the
// same. Consistency is eventual: an instance that misses the broadcast keeps
// its entry until it is evicted again or ages out.
type Invalidator struct {
	manager     *Manager
	broadcaster Broadcaster
	channel     string
	sender      string
	metrics     *observability.Metrics
}

// NewInvalidator creates an invalidator broadcasting on channel as sender
func NewInvalidator(manager *Manager, broadcaster Broadcaster, channel, sender string) *Invalidator {
	return &Invalidator{
		manager:     manager,
		broadcaster: broadcaster,
		channel:     channel,
		sender:      sender,
	}
}

// SetMetrics sets the metrics instance for recording invalidations
func (i *Invalidator) SetMetrics(m *observability.Metrics) {
	i.metrics = m
}

// Evict drops key from the named cache, or clears it when key is nil, and
// broadcasts the invalidation. The local eviction has already happened when
// a broadcast error is returned.
func (i *Invalidator) Evict(ctx context.Context, name string, key *string) error {
	msg := InvalidationMessage{
		CacheName: name,
		Key:       key,
		Timestamp: time.Now().UnixMilli(),
		Sender:    i.sender,
	}

	i.apply(msg, "local")

	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode invalidation: %w", err)
	}
	if err := i.broadcaster.Publish(ctx, i.channel, payload); err != nil {
		log.Error().Err(err).Str("target", msg.target()).Msg("Failed to broadcast cache invalidation")
		return err
	}

	log.Info().Str("target", msg.target()).Msg("Cache invalidation published")
	return nil
}

// EvictKey is Evict for a single key
func (i *Invalidator) EvictKey(ctx context.Context, name, key string) error {
	return i.Evict(ctx, name, &key)
}

// EvictAll clears every named cache and reports the broadcast failures together
func (i *Invalidator) EvictAll(ctx context.Context, names ...string) error {
	var errs []error
	for _, name := range names {
		if err := i.Evict(ctx, name, nil); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Handle applies an invalidation received from the broadcast channel. The
// sender also receives its own message; evicting twice is harmless.
func (i *Invalidator) Handle(_ context.Context, msg pubsub.Message) {
	var inv InvalidationMessage
	if err := json.Unmarshal(msg.Payload, &inv); err != nil {
		log.Warn().Err(err).Str("channel", msg.Channel).Msg("Dropping malformed cache invalidation")
		return
	}
	if inv.CacheName == "" {
		log.Warn().Str("channel", msg.Channel).Msg("Dropping cache invalidation without cache name")
		return
	}
	i.apply(inv, "remote")
}

func (i *Invalidator) apply(msg InvalidationMessage, origin string) {
	scope := "all"
	var ok bool
	if msg.Key != nil {
		scope = "key"
		ok = i.manager.Evict(msg.CacheName, *msg.Key)
	} else {
		ok = i.manager.Clear(msg.CacheName)
	}

	if !ok {
		log.Warn().Str("cache", msg.CacheName).Str("origin", origin).Msg("Invalidation for unknown cache ignored")
		return
	}

	i.metrics.RecordCacheInvalidation(msg.CacheName, origin, scope)
	log.Debug().
		Str("target", msg.target()).
		Str("origin", origin).
		Str("sender", msg.Sender).
		Msg("Cache invalidated")
}
