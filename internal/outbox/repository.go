package outbox

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/platformkit/platform/internal/database"
)

// Store is the persistence the relay needs.
type Store interface {
	ClaimPending(ctx context.Context, limit int) ([]*Event, error)
	MarkProcessed(ctx context.Context, id uuid.UUID) error
	MarkFailed(ctx context.Context, id uuid.UUID, reason string) error
	ResetRetryable(ctx context.Context, maxRetries int, since time.Time) (int64, error)
	ResetStuck(ctx context.Context, before time.Time) (int64, error)
	DeleteProcessedBefore(ctx context.Context, before time.Time) (int64, error)
}

const eventColumns = `id, aggregate_type, aggregate_id, event_type, payload, status,
	created_at, claimed_at, processed_at, retry_count, error_message, version`

// Repository is the Postgres Store.
type Repository struct {
	db database.Querier
}

var _ Store = (*Repository)(nil)

// NewRepository creates a repository over db.
func NewRepository(db database.Querier) *Repository {
	return &Repository{db: db}
}

// Insert writes e using q, which is normally the caller's transaction so the
// event commits or rolls back with the business change.
func (r *Repository) Insert(ctx context.Context, q database.Querier, e *Event) error {
	if q == nil {
		q = r.db
	}
	_, err := q.Exec(ctx, `
		INSERT INTO outbox_events (id, aggregate_type, aggregate_id, event_type, payload, status, created_at, retry_count, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 0, 0)`,
		e.ID, e.AggregateType, e.AggregateID, e.EventType, []byte(e.Payload), string(e.Status), e.CreatedAt)
	if err != nil {
		if database.IsUniqueViolation(err) {
			return fmt.Errorf("outbox event %s already exists: %w", e.ID, err)
		}
		return fmt.Errorf("failed to insert outbox event: %w", err)
	}
	return nil
}

// ClaimPending moves up to limit pending rows to PROCESSING, oldest first.
// Rows locked by another relay are skipped.
func (r *Repository) ClaimPending(ctx context.Context, limit int) ([]*Event, error) {
	rows, err := r.db.Query(ctx, `
		WITH claimable AS (
			SELECT id FROM outbox_events
			WHERE status = 'PENDING'
			ORDER BY created_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE outbox_events e
		SET status = 'PROCESSING', claimed_at = now(), version = e.version + 1
		FROM claimable
		WHERE e.id = claimable.id
		RETURNING `+prefixed("e.", eventColumns), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to claim outbox events: %w", err)
	}
	events, err := scanEvents(rows)
	if err != nil {
		return nil, err
	}
	sort.Slice(events, func(i, j int) bool { return events[i].CreatedAt.Before(events[j].CreatedAt) })
	return events, nil
}

// MarkProcessed records a successful publish.
func (r *Repository) MarkProcessed(ctx context.Context, id uuid.UUID) error {
	_, err := r.db.Exec(ctx, `
		UPDATE outbox_events
		SET status = 'PROCESSED', processed_at = now(), error_message = NULL, version = version + 1
		WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to mark outbox event processed: %w", err)
	}
	return nil
}

// MarkFailed records a failed publish and counts the attempt.
func (r *Repository) MarkFailed(ctx context.Context, id uuid.UUID, reason string) error {
	_, err := r.db.Exec(ctx, `
		UPDATE outbox_events
		SET status = 'FAILED', retry_count = retry_count + 1, error_message = $2, version = version + 1
		WHERE id = $1`, id, truncateError(reason))
	if err != nil {
		return fmt.Errorf("failed to mark outbox event failed: %w", err)
	}
	return nil
}

// ResetRetryable returns failed rows created after since with attempts left to PENDING.
func (r *Repository) ResetRetryable(ctx context.Context, maxRetries int, since time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE outbox_events
		SET status = 'PENDING', version = version + 1
		WHERE status = 'FAILED' AND retry_count < $1 AND created_at > $2`, maxRetries, since)
	if err != nil {
		return 0, fmt.Errorf("failed to reset retryable outbox events: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ResetStuck returns rows claimed before the cutoff, whose relay presumably died, to PENDING.
func (r *Repository) ResetStuck(ctx context.Context, before time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE outbox_events
		SET status = 'PENDING', claimed_at = NULL, version = version + 1
		WHERE status = 'PROCESSING' AND claimed_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("failed to reset stuck outbox events: %w", err)
	}
	return tag.RowsAffected(), nil
}

// DeleteProcessedBefore removes processed rows older than before.
func (r *Repository) DeleteProcessedBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `
		DELETE FROM outbox_events
		WHERE status = 'PROCESSED' AND processed_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("failed to delete processed outbox events: %w", err)
	}
	return tag.RowsAffected(), nil
}

// ListByAggregate returns an aggregate's events in creation order.
func (r *Repository) ListByAggregate(ctx context.Context, aggregateType, aggregateID string) ([]*Event, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+eventColumns+`
		FROM outbox_events
		WHERE aggregate_type = $1 AND aggregate_id = $2
		ORDER BY created_at`, aggregateType, aggregateID)
	if err != nil {
		return nil, fmt.Errorf("failed to list outbox events: %w", err)
	}
	return scanEvents(rows)
}

func scanEvents(rows pgx.Rows) ([]*Event, error) {
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		var (
			e       Event
			status  string
			payload []byte
		)
		if err := rows.Scan(
			&e.ID, &e.AggregateType, &e.AggregateID, &e.EventType, &payload, &status,
			&e.CreatedAt, &e.ClaimedAt, &e.ProcessedAt, &e.RetryCount, &e.ErrorMessage, &e.Version,
		); err != nil {
			return nil, fmt.Errorf("failed to scan outbox event: %w", err)
		}
		e.Status = Status(status)
		e.Payload = payload
		events = append(events, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read outbox events: %w", err)
	}
	return events, nil
}

// prefixed qualifies each column in a comma-separated list.
func prefixed(prefix, columns string) string {
	parts := strings.Split(columns, ",")
	for i, col := range parts {
		parts[i] = prefix + strings.TrimSpace(col)
	}
	return strings.Join(parts, ", ")
}
