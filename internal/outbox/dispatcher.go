package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/platformkit/platform/internal/idempotency"
	"github.com/platformkit/platform/internal/pubsub"
	"github.com/rs/zerolog/log"
)

// HandlerFunc consumes one relayed event.
type HandlerFunc func(ctx context.Context, env *Envelope) error

// Dispatcher consumes the outbox channel and routes envelopes by event type.
// Every instance receives every envelope; the guard lets exactly one of them
// run the handler.
type Dispatcher struct {
	guard *idempotency.Guard

	mu       sync.RWMutex
	handlers map[string]HandlerFunc
}

// NewDispatcher creates a dispatcher. A nil guard runs handlers on every instance.
func NewDispatcher(guard *idempotency.Guard) *Dispatcher {
	return &Dispatcher{
		guard:    guard,
		handlers: make(map[string]HandlerFunc),
	}
}

// Register binds a handler to an event type, replacing any previous one.
func (d *Dispatcher) Register(eventType string, h HandlerFunc) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[eventType] = h
}

// Dispatch runs the handler for env at most once across instances.
func (d *Dispatcher) Dispatch(ctx context.Context, env *Envelope) error {
	d.mu.RLock()
	h, ok := d.handlers[env.EventType]
	d.mu.RUnlock()
	if !ok {
		log.Debug().Str("event_type", env.EventType).Msg("No outbox handler registered")
		return nil
	}

	if d.guard == nil {
		return h(ctx, env)
	}
	_, err := idempotency.ExecuteOnce(ctx, d.guard, "outbox-dispatch:"+env.EventID, 0, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, h(ctx, env)
	})
	return err
}

// Handle is the pubsub.Handler for the outbox channel.
func (d *Dispatcher) Handle(ctx context.Context, msg pubsub.Message) {
	env, err := DecodeEnvelope(msg.Payload)
	if err != nil {
		log.Warn().Err(err).Str("channel", msg.Channel).Msg("Dropping malformed outbox message")
		return
	}

	err = d.Dispatch(ctx, env)
	switch {
	case err == nil:
	case errors.Is(err, idempotency.ErrConflict):
		log.Debug().Str("event_id", env.EventID).Msg("Outbox event handled by another instance")
	default:
		log.Error().
			Err(err).
			Str("event_id", env.EventID).
			Str("event_type", env.EventType).
			Msg("Outbox handler failed")
	}
}

// DecodePayload unmarshals the envelope payload into T.
func DecodePayload[T any](env *Envelope) (T, error) {
	var v T
	if err := json.Unmarshal(env.Payload, &v); err != nil {
		return v, fmt.Errorf("outbox: invalid %s payload: %w", env.EventType, err)
	}
	return v, nil
}
