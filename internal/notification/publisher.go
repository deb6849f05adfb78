package notification

import (
	"context"
	"errors"
	"fmt"

	"github.com/platformkit/platform/internal/kvstore"
	"github.com/platformkit/platform/internal/observability"
	"github.com/rs/zerolog/log"
)

// DefaultHistoryLimit bounds the per-target history list when none is configured.
const DefaultHistoryLimit int64 = 1000

// ErrEmptyTarget is returned for events without a target key
var ErrEmptyTarget = errors.New("notification: target key is required")

// Broadcaster publishes a payload to every instance subscribed to channel.
// *pubsub.Bridge satisfies it.
type Broadcaster interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// Publisher sends notification events across the cluster and records them
// in the key-value store so their read state survives reconnects.
type Publisher struct {
	broadcaster  Broadcaster
	store        kvstore.Store
	channel      string
	historyLimit int64
	metrics      *observability.Metrics
}

// NewPublisher creates a publisher that broadcasts on channel
func NewPublisher(broadcaster Broadcaster, store kvstore.Store, channel string, historyLimit int64) *Publisher {
	if historyLimit <= 0 {
		historyLimit = DefaultHistoryLimit
	}
	return &Publisher{
		broadcaster:  broadcaster,
		store:        store,
		channel:      channel,
		historyLimit: historyLimit,
	}
}

// SetMetrics sets the metrics instance for recording publish outcomes
func (p *Publisher) SetMetrics(m *observability.Metrics) {
	p.metrics = m
}

// Publish broadcasts event and then persists it. Persistence runs even when
// the broadcast fails; both failures are reported together.
func (p *Publisher) Publish(ctx context.Context, event *Event) error {
	if event == nil || event.TargetKey == "" {
		return ErrEmptyTarget
	}
	event.normalize()

	payload, err := event.Encode()
	if err != nil {
		p.metrics.RecordNotificationPublished("encode_error")
		return fmt.Errorf("encode notification %s: %w", event.ID, err)
	}

	var errs []error
	if err := p.broadcaster.Publish(ctx, p.channel, payload); err != nil {
		log.Warn().Err(err).
			Str("target_key", event.TargetKey).
			Str("notification_id", event.ID).
			Msg("Failed to broadcast notification")
		errs = append(errs, err)
	}

	if err := p.persist(ctx, event, payload); err != nil {
		log.Warn().Err(err).
			Str("target_key", event.TargetKey).
			Str("notification_id", event.ID).
			Msg("Failed to persist notification")
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		p.metrics.RecordNotificationPublished("error")
		return errors.Join(errs...)
	}

	p.metrics.RecordNotificationPublished("success")
	log.Debug().
		Str("target_key", event.TargetKey).
		Str("notification_id", event.ID).
		Str("type", string(event.Type)).
		Msg("Notification published")
	return nil
}

func (p *Publisher) persist(ctx context.Context, event *Event, payload []byte) error {
	data := string(payload)
	if err := p.store.HashSet(ctx, recordKey(event.TargetKey, event.ID), map[string]string{
		fieldData: data,
		fieldRead: boolString(event.Read),
	}); err != nil {
		return fmt.Errorf("save notification record: %w", err)
	}
	if err := p.store.ListPrepend(ctx, listKey(event.TargetKey), data, p.historyLimit); err != nil {
		return fmt.Errorf("append notification history: %w", err)
	}
	return nil
}

// MarkAsRead flags the notification as read and re-broadcasts the updated
// event. It returns false when no record exists for id. A read notification
// never becomes unread again.
func (p *Publisher) MarkAsRead(ctx context.Context, targetKey, id string) (bool, error) {
	key := recordKey(targetKey, id)

	data, err := p.store.HashGet(ctx, key, fieldData)
	if errors.Is(err, kvstore.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load notification %s: %w", id, err)
	}

	event, err := DecodeEvent([]byte(data))
	if err != nil {
		return false, err
	}
	event.Read = true

	payload, err := event.Encode()
	if err != nil {
		return false, fmt.Errorf("encode notification %s: %w", id, err)
	}

	if err := p.store.HashSet(ctx, key, map[string]string{
		fieldData: string(payload),
		fieldRead: valueTrue,
	}); err != nil {
		return false, fmt.Errorf("mark notification %s as read: %w", id, err)
	}

	if err := p.broadcaster.Publish(ctx, p.channel, payload); err != nil {
		log.Warn().Err(err).
			Str("target_key", targetKey).
			Str("notification_id", id).
			Msg("Failed to broadcast read notification")
		return true, err
	}

	log.Debug().Str("target_key", targetKey).Str("notification_id", id).Msg("Notification marked as read")
	return true, nil
}
