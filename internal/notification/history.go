package notification

import (
	"context"
	"errors"
	"strings"

	"github.com/platformkit/platform/internal/kvstore"
	"github.com/rs/zerolog/log"
)

const (
	// DefaultPageSize is used when a list request does not give a positive size
	DefaultPageSize = 20
	// DefaultMaxPageSize caps list requests when no limit is configured
	DefaultMaxPageSize = 100
)

// Page is one page of a target's notification history.
// Pagination runs over the stored history; the read filter is applied to the
// entries of the requested page, so a filtered page may hold fewer than Size items.
type Page struct {
	Content       []*Event `json:"content"`
	TotalElements int64    `json:"totalElements"`
	TotalPages    int64    `json:"totalPages"`
	Page          int      `json:"page"`
	Size          int      `json:"size"`
	First         bool     `json:"first"`
	Last          bool     `json:"last"`
}

func emptyPage(page, size int) *Page {
	return &Page{
		Content: []*Event{},
		Page:    page,
		Size:    size,
		First:   true,
		Last:    true,
	}
}

// History answers read-state queries over stored notifications. Store errors
// are logged and degrade to zero or empty results.
type History struct {
	store       kvstore.Store
	maxPageSize int
}

// NewHistory creates a history reader over store
func NewHistory(store kvstore.Store, maxPageSize int) *History {
	if maxPageSize <= 0 {
		maxPageSize = DefaultMaxPageSize
	}
	return &History{store: store, maxPageSize: maxPageSize}
}

// UnreadCount returns how many stored notifications for targetKey are unread.
func (h *History) UnreadCount(ctx context.Context, targetKey string) int64 {
	keys, err := h.store.Keys(ctx, recordPattern(targetKey))
	if err != nil {
		log.Error().Err(err).Str("target_key", targetKey).Msg("Failed to list notification records")
		return 0
	}

	var unread int64
	for _, key := range keys {
		if !ownsRecord(targetKey, key) {
			continue
		}
		read, err := h.store.HashGet(ctx, key, fieldRead)
		if err != nil && !errors.Is(err, kvstore.ErrNotFound) {
			log.Warn().Err(err).Str("record", key).Msg("Failed to read notification state")
			continue
		}
		if read != valueTrue {
			unread++
		}
	}
	return unread
}

// List returns page (zero-based) of targetKey's history, most recent first.
func (h *History) List(ctx context.Context, targetKey string, filter ReadFilter, page, size int) *Page {
	if page < 0 {
		page = 0
	}
	if size <= 0 {
		size = DefaultPageSize
	}
	if size > h.maxPageSize {
		size = h.maxPageSize
	}

	total, err := h.store.ListLen(ctx, listKey(targetKey))
	if err != nil {
		log.Error().Err(err).Str("target_key", targetKey).Msg("Failed to count notification history")
		return emptyPage(page, size)
	}
	if total == 0 {
		return emptyPage(page, size)
	}

	start := int64(page) * int64(size)
	entries, err := h.store.ListRange(ctx, listKey(targetKey), start, start+int64(size)-1)
	if err != nil {
		log.Error().Err(err).Str("target_key", targetKey).Msg("Failed to load notification history")
		return emptyPage(page, size)
	}

	content := make([]*Event, 0, len(entries))
	for _, entry := range entries {
		event, err := DecodeEvent([]byte(entry))
		if err != nil {
			log.Warn().Err(err).Str("target_key", targetKey).Msg("Skipping malformed history entry")
			continue
		}
		read, err := h.store.HashGet(ctx, recordKey(targetKey, event.ID), fieldRead)
		if err == nil {
			event.Read = read == valueTrue
		}
		if filter.match(event.Read) {
			content = append(content, event)
		}
	}

	totalPages := (total + int64(size) - 1) / int64(size)
	return &Page{
		Content:       content,
		TotalElements: total,
		TotalPages:    totalPages,
		Page:          page,
		Size:          size,
		First:         page == 0,
		Last:          int64(page) >= totalPages-1,
	}
}

// MarkAllAsRead flags every stored notification for targetKey as read and
// returns how many records changed state.
func (h *History) MarkAllAsRead(ctx context.Context, targetKey string) int {
	keys, err := h.store.Keys(ctx, recordPattern(targetKey))
	if err != nil {
		log.Error().Err(err).Str("target_key", targetKey).Msg("Failed to list notification records")
		return 0
	}

	updated := 0
	for _, key := range keys {
		if !ownsRecord(targetKey, key) {
			continue
		}
		read, err := h.store.HashGet(ctx, key, fieldRead)
		if err == nil && read == valueTrue {
			continue
		}
		if err := h.store.HashSet(ctx, key, map[string]string{fieldRead: valueTrue}); err != nil {
			log.Warn().Err(err).Str("record", key).Msg("Failed to mark notification as read")
			continue
		}
		updated++
	}

	log.Info().Str("target_key", targetKey).Int("updated", updated).Msg("Marked all notifications as read")
	return updated
}

// ownsRecord reports whether key is a record of targetKey itself rather than
// of a longer key sharing its prefix.
func ownsRecord(targetKey, key string) bool {
	id, ok := strings.CutPrefix(key, recordKey(targetKey, ""))
	return ok && id != "" && !strings.Contains(id, ":")
}
