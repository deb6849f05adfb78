package pubsub

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/platformkit/platform/internal/observability"
	"github.com/rs/zerolog/log"
)

// Handler processes one message received on a channel.
// Handlers must not block for long; the subscription buffer fills while they run.
type Handler func(ctx context.Context, msg Message)

// Bridge runs one subscription loop per channel and invokes handlers with a
// panic-recovering boundary, so a faulty message never stops the loop.
type Bridge struct {
	ps      PubSub
	metrics *observability.Metrics
	wg      sync.WaitGroup
}

// NewBridge creates a bridge on top of a pub/sub backend
func NewBridge(ps PubSub) *Bridge {
	return &Bridge{ps: ps}
}

// SetMetrics sets the metrics instance for recording pub/sub traffic
func (b *Bridge) SetMetrics(m *observability.Metrics) {
	b.metrics = m
}

// Publish sends payload to every subscriber of channel on every instance.
func (b *Bridge) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := b.ps.Publish(ctx, channel, payload); err != nil {
		b.metrics.RecordPubSubMessage(channel, "publish_error")
		return fmt.Errorf("publish to %s: %w", channel, err)
	}
	b.metrics.RecordPubSubMessage(channel, "published")
	return nil
}

// Listen subscribes to channel and dispatches every message to h until ctx is
// cancelled or the backend is closed. The subscription is active when Listen returns.
func (b *Bridge) Listen(ctx context.Context, channel string, h Handler) error {
	msgs, err := b.ps.Subscribe(ctx, channel)
	if err != nil {
		return fmt.Errorf("subscribe to %s: %w", channel, err)
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for msg := range msgs {
			b.dispatch(ctx, h, msg)
		}
		log.Debug().Str("channel", channel).Msg("Pub/sub listener stopped")
	}()

	log.Info().Str("channel", channel).Msg("Pub/sub listener started")
	return nil
}

func (b *Bridge) dispatch(ctx context.Context, h Handler, msg Message) {
	defer func() {
		if r := recover(); r != nil {
			b.metrics.RecordPubSubMessage(msg.Channel, "handler_panic")
			log.Error().
				Str("channel", msg.Channel).
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("Pub/sub handler panicked")
		}
	}()

	b.metrics.RecordPubSubMessage(msg.Channel, "received")
	h(ctx, msg)
}

// Wait blocks until every listener loop has exited
func (b *Bridge) Wait() {
	b.wg.Wait()
}

// Close closes the backend and waits for the listener loops to drain
func (b *Bridge) Close() error {
	err := b.ps.Close()
	b.wg.Wait()
	return err
}
