// Package outbox stores domain events in the same transaction as the change
// that produced them and relays them to the pub/sub bus afterwards.
package outbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Status is the relay state of an outbox row.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusProcessed  Status = "PROCESSED"
	StatusFailed     Status = "FAILED"
)

// MaxErrorLength bounds the stored error_message column.
const MaxErrorLength = 1000

var (
	ErrMissingAggregate = errors.New("outbox: aggregate type and id are required")
	ErrMissingEventType = errors.New("outbox: event type is required")
)

// Event is one row of outbox_events.
type Event struct {
	ID            uuid.UUID       `json:"id"`
	AggregateType string          `json:"aggregateType"`
	AggregateID   string          `json:"aggregateId"`
	EventType     string          `json:"eventType"`
	Payload       json.RawMessage `json:"payload"`
	Status        Status          `json:"status"`
	CreatedAt     time.Time       `json:"createdAt"`
	ClaimedAt     *time.Time      `json:"claimedAt,omitempty"`
	ProcessedAt   *time.Time      `json:"processedAt,omitempty"`
	RetryCount    int             `json:"retryCount"`
	ErrorMessage  *string         `json:"errorMessage,omitempty"`
	Version       int64           `json:"version"`
}

// NewEvent builds a pending event, JSON-encoding payload unless it already is raw JSON.
func NewEvent(aggregateType, aggregateID, eventType string, payload any) (*Event, error) {
	if aggregateType == "" || aggregateID == "" {
		return nil, ErrMissingAggregate
	}
	if eventType == "" {
		return nil, ErrMissingEventType
	}

	var raw json.RawMessage
	switch p := payload.(type) {
	case json.RawMessage:
		raw = p
	case []byte:
		raw = p
	default:
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("outbox: failed to encode payload: %w", err)
		}
		raw = b
	}
	if !json.Valid(raw) {
		return nil, fmt.Errorf("outbox: payload is not valid JSON")
	}

	return &Event{
		ID:            uuid.New(),
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		EventType:     eventType,
		Payload:       raw,
		Status:        StatusPending,
		CreatedAt:     time.Now().UTC(),
	}, nil
}

// CanRetry reports whether a failed event still has attempts left.
func (e *Event) CanRetry(maxRetries int) bool {
	return e.Status == StatusFailed && e.RetryCount < maxRetries
}

// Envelope is what the relay publishes on the outbox channel.
type Envelope struct {
	EventID       string          `json:"eventId"`
	EventType     string          `json:"eventType"`
	AggregateType string          `json:"aggregateType"`
	AggregateID   string          `json:"aggregateId"`
	Payload       json.RawMessage `json:"payload"`
	OccurredAt    int64           `json:"occurredAt"`
}

// Envelope converts the row to its published form.
func (e *Event) Envelope() Envelope {
	return Envelope{
		EventID:       e.ID.String(),
		EventType:     e.EventType,
		AggregateType: e.AggregateType,
		AggregateID:   e.AggregateID,
		Payload:       e.Payload,
		OccurredAt:    e.CreatedAt.UnixMilli(),
	}
}

// DecodeEnvelope parses a relayed message.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("outbox: malformed envelope: %w", err)
	}
	if env.EventID == "" || env.EventType == "" {
		return nil, fmt.Errorf("outbox: envelope missing eventId or eventType")
	}
	return &env, nil
}

// truncateError cuts msg to MaxErrorLength runes.
func truncateError(msg string) string {
	if utf8.RuneCountInString(msg) <= MaxErrorLength {
		return msg
	}
	runes := []rune(msg)
	return string(runes[:MaxErrorLength])
}
