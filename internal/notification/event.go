// Package notification publishes user-facing notification events across the
// cluster and keeps their delivery and read state in the key-value store.
package notification

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status is the processing status a notification reports
type Status string

const (
	StatusReceived      Status = "RECEIVED"
	StatusCompleted     Status = "COMPLETED"
	StatusReceiveError  Status = "RECEIVE_ERROR"
	StatusAnalysisError Status = "ANALYSIS_ERROR"
	StatusUnknown       Status = "UNKNOWN"
)

// Type is the presentation category of a notification
type Type string

const (
	TypeInfo      Type = "INFO"
	TypeSuccess   Type = "SUCCESS"
	TypeWarning   Type = "WARNING"
	TypeError     Type = "ERROR"
	TypeChangeset Type = "CHANGESET"
	TypeSystem    Type = "SYSTEM"
)

// ParseType returns the Type for s, case-insensitively
func ParseType(s string) (Type, error) {
	t := Type(strings.ToUpper(strings.TrimSpace(s)))
	switch t {
	case TypeInfo, TypeSuccess, TypeWarning, TypeError, TypeChangeset, TypeSystem:
		return t, nil
	}
	return "", fmt.Errorf("unknown notification type: %q", s)
}

// Event is a notification addressed to one target key.
type Event struct {
	ID            string         `json:"id"`
	TargetKey     string         `json:"targetKey"`
	Status        Status         `json:"status,omitempty"`
	Type          Type           `json:"type,omitempty"`
	Title         string         `json:"title,omitempty"`
	Message       string         `json:"message,omitempty"`
	Description   string         `json:"description,omitempty"`
	SceneID       *int64         `json:"sceneId,omitempty"`
	SceneName     string         `json:"sceneName,omitempty"`
	Location      string         `json:"location,omitempty"`
	Timestamp     int64          `json:"timestamp"` // unix millis
	FormattedDate string         `json:"formattedDate"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	Read          bool           `json:"read"`
}

// NewEvent builds an unread event with a fresh id and the current time.
func NewEvent(targetKey string, status Status, typ Type, title, description string, metadata map[string]any) *Event {
	now := time.Now()
	return &Event{
		ID:            uuid.NewString(),
		TargetKey:     targetKey,
		Status:        status,
		Type:          typ,
		Title:         title,
		Description:   description,
		Timestamp:     now.UnixMilli(),
		FormattedDate: formatDate(now),
		Metadata:      metadata,
	}
}

func formatDate(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// normalize fills the fields a caller may leave empty
func (e *Event) normalize() {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp == 0 {
		e.Timestamp = time.Now().UnixMilli()
	}
	if e.FormattedDate == "" {
		e.FormattedDate = formatDate(time.UnixMilli(e.Timestamp))
	}
}

// Encode returns the wire form of the event
func (e *Event) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// DecodeEvent parses the wire form and rejects events without a target
func DecodeEvent(data []byte) (*Event, error) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("decode notification: %w", err)
	}
	if e.TargetKey == "" {
		return nil, fmt.Errorf("decode notification: missing targetKey")
	}
	return &e, nil
}

// ReadFilter selects notifications by read state
type ReadFilter string

const (
	FilterAll    ReadFilter = "ALL"
	FilterRead   ReadFilter = "READ"
	FilterUnread ReadFilter = "UNREAD"
)

// ParseReadFilter maps s to a filter case-insensitively; unknown values mean ALL.
func ParseReadFilter(s string) ReadFilter {
	switch f := ReadFilter(strings.ToUpper(strings.TrimSpace(s))); f {
	case FilterRead, FilterUnread:
		return f
	default:
		return FilterAll
	}
}

func (f ReadFilter) match(read bool) bool {
	switch f {
	case FilterRead:
		return read
	case FilterUnread:
		return !read
	default:
		return true
	}
}

const (
	keyPrefix  = "notification:"
	fieldData  = "data"
	fieldRead  = "isRead"
	valueTrue  = "true"
	valueFalse = "false"
)

// listKey holds the target's notifications, most recent first
func listKey(targetKey string) string {
	return keyPrefix + targetKey
}

// recordKey holds one notification's data and read flag
func recordKey(targetKey, id string) string {
	return keyPrefix + targetKey + ":" + id
}

// recordPattern matches every record of targetKey. Glob metacharacters in the
// key are escaped so one target never matches another.
func recordPattern(targetKey string) string {
	var b strings.Builder
	b.WriteString(keyPrefix)
	for _, r := range targetKey {
		switch r {
		case '*', '?', '[', ']', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	b.WriteString(":*")
	return b.String()
}

func boolString(b bool) string {
	if b {
		return valueTrue
	}
	return valueFalse
}
