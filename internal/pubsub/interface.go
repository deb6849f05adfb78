// Package pubsub provides the cross-instance publish/subscribe bridge.
// Any instance can publish an event and every instance, including the sender,
// receives it and acts on the resources it holds locally.
package pubsub

import (
	"context"
	"errors"
)

// DefaultBufferSize is the per-subscription buffer used when none is configured.
const DefaultBufferSize = 100

// ErrClosed is returned by Publish and Subscribe after Close.
var ErrClosed = errors.New("pubsub: closed")

// Message represents a pub/sub message
type Message struct {
	// Channel is the channel the message was published to
	Channel string `json:"channel"`

	// Payload is the message content
	Payload []byte `json:"payload"`
}

// PubSub is the interface for pub/sub backends.
// Implementations should handle concurrent access safely.
// Delivery is at-most-once: a subscriber whose buffer is full misses the message.
type PubSub interface {
	// Publish sends a message to all subscribers of a channel on every instance.
	Publish(ctx context.Context, channel string, payload []byte) error

	// Subscribe returns a channel that receives messages published to the given channel.
	// The returned channel is closed when the context is cancelled or Close is called.
	// Multiple calls to Subscribe with the same channel create independent subscriptions.
	Subscribe(ctx context.Context, channel string) (<-chan Message, error)

	// Close releases all resources and closes all subscriptions.
	Close() error
}

func bufferOrDefault(n int) int {
	if n <= 0 {
		return DefaultBufferSize
	}
	return n
}
