package notification

import (
	"context"

	"github.com/platformkit/platform/internal/observability"
	"github.com/platformkit/platform/internal/pubsub"
	"github.com/rs/zerolog/log"
)

// Pusher delivers a payload to the connection held locally for key.
// *realtime.Registry satisfies it.
type Pusher interface {
	Push(key string, payload any) bool
}

// Subscriber delivers broadcast notifications to the connections this
// instance holds. Instances without a connection for the target ignore the event.
type Subscriber struct {
	pusher  Pusher
	metrics *observability.Metrics
}

// NewSubscriber creates a subscriber that pushes through pusher
func NewSubscriber(pusher Pusher) *Subscriber {
	return &Subscriber{pusher: pusher}
}

// SetMetrics sets the metrics instance for recording delivery outcomes
func (s *Subscriber) SetMetrics(m *observability.Metrics) {
	s.metrics = m
}

// Handle decodes one broadcast message and pushes it to the target's
// connection. Failures are logged and never returned to the bridge.
func (s *Subscriber) Handle(_ context.Context, msg pubsub.Message) {
	event, err := DecodeEvent(msg.Payload)
	if err != nil {
		s.metrics.RecordNotificationHandled("malformed")
		log.Warn().Err(err).Str("channel", msg.Channel).Msg("Dropping malformed notification")
		return
	}

	if !s.pusher.Push(event.TargetKey, event) {
		s.metrics.RecordNotificationHandled("no_listener")
		log.Debug().
			Str("target_key", event.TargetKey).
			Str("notification_id", event.ID).
			Msg("No local connection for notification")
		return
	}

	s.metrics.RecordNotificationHandled("delivered")
	log.Debug().
		Str("target_key", event.TargetKey).
		Str("notification_id", event.ID).
		Msg("Notification delivered")
}
