package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/platformkit/platform/internal/config"
	"github.com/platformkit/platform/internal/idempotency"
	"github.com/platformkit/platform/internal/observability"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// Publisher sends relayed envelopes; *pubsub.Bridge satisfies it.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// LeaderGate reports whether this instance should run the relay.
type LeaderGate interface {
	IsLeader() bool
}

// RunResult summarises one relay run.
type RunResult struct {
	Reset      int64
	Claimed    int
	Processed  int
	Failed     int
	Duplicates int
	Skipped    bool
}

// Relay drains pending outbox rows to the pub/sub channel on a cron schedule.
type Relay struct {
	store     Store
	publisher Publisher
	guard     *idempotency.Guard
	channel   string
	cfg       config.OutboxConfig
	limiter   *rate.Limiter
	leader    LeaderGate
	metrics   *observability.Metrics
	now       func() time.Time

	cron    *cron.Cron
	running atomic.Bool
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewRelay creates a relay. guard may be nil, in which case duplicates are
// not suppressed across a crash between publish and MarkProcessed.
func NewRelay(store Store, publisher Publisher, guard *idempotency.Guard, channel string, cfg config.OutboxConfig) *Relay {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	limit := rate.Inf
	if cfg.PublishRate > 0 {
		limit = rate.Limit(cfg.PublishRate)
	}
	burst := cfg.PublishBurst
	if burst <= 0 {
		burst = 1
	}

	// Accept both 5-field and 6-field (seconds) expressions plus descriptors.
	parser := cron.NewParser(
		cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
	)

	ctx, cancel := context.WithCancel(context.Background())
	return &Relay{
		store:     store,
		publisher: publisher,
		guard:     guard,
		channel:   channel,
		cfg:       cfg,
		limiter:   rate.NewLimiter(limit, burst),
		now:       time.Now,
		cron:      cron.New(cron.WithParser(parser)),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// SetMetrics sets the metrics instance for recording relay outcomes
func (r *Relay) SetMetrics(m *observability.Metrics) {
	r.metrics = m
}

// SetLeaderGate restricts runs to the instance holding leadership.
func (r *Relay) SetLeaderGate(g LeaderGate) {
	r.leader = g
}

// Start registers the relay and cleanup jobs and starts the scheduler.
func (r *Relay) Start() error {
	if _, err := r.cron.AddFunc(r.cfg.Schedule, r.scheduledRun); err != nil {
		return fmt.Errorf("invalid outbox schedule %q: %w", r.cfg.Schedule, err)
	}
	if r.cfg.CleanupSchedule != "" {
		if _, err := r.cron.AddFunc(r.cfg.CleanupSchedule, r.scheduledCleanup); err != nil {
			return fmt.Errorf("invalid outbox cleanup schedule %q: %w", r.cfg.CleanupSchedule, err)
		}
	}
	r.cron.Start()

	log.Info().
		Str("schedule", r.cfg.Schedule).
		Str("cleanup_schedule", r.cfg.CleanupSchedule).
		Int("batch_size", r.cfg.BatchSize).
		Str("channel", r.channel).
		Msg("Outbox relay started")
	return nil
}

// Stop cancels in-flight runs and waits for them to return.
func (r *Relay) Stop() {
	r.cancel()
	stopCtx := r.cron.Stop()

	select {
	case <-stopCtx.Done():
	case <-time.After(30 * time.Second):
		log.Warn().Msg("Outbox relay shutdown timeout, a run may still be in progress")
	}
	log.Info().Msg("Outbox relay stopped")
}

func (r *Relay) scheduledRun() {
	if _, err := r.RunOnce(r.ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("Outbox relay run failed")
	}
}

func (r *Relay) scheduledCleanup() {
	if r.leader != nil && !r.leader.IsLeader() {
		return
	}
	if _, err := r.Cleanup(r.ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Error().Err(err).Msg("Outbox cleanup failed")
	}
}

// RunOnce resets stuck and retryable rows, claims a batch and publishes it.
// Overlapping calls return immediately with Skipped set.
func (r *Relay) RunOnce(ctx context.Context) (RunResult, error) {
	var res RunResult
	if r.leader != nil && !r.leader.IsLeader() {
		res.Skipped = true
		return res, nil
	}
	if !r.running.CompareAndSwap(false, true) {
		res.Skipped = true
		return res, nil
	}
	defer r.running.Store(false)

	start := r.now()
	defer func() { r.metrics.RecordOutboxBatch(time.Since(start)) }()

	if r.cfg.StuckAfter > 0 {
		n, err := r.store.ResetStuck(ctx, start.Add(-r.cfg.StuckAfter))
		if err != nil {
			return res, err
		}
		if n > 0 {
			log.Warn().Int64("count", n).Msg("Reset stuck outbox events")
		}
		res.Reset += n
	}
	if r.cfg.MaxRetries > 0 {
		n, err := r.store.ResetRetryable(ctx, r.cfg.MaxRetries, start.Add(-r.cfg.RetryWindow))
		if err != nil {
			return res, err
		}
		res.Reset += n
	}

	events, err := r.store.ClaimPending(ctx, r.cfg.BatchSize)
	if err != nil {
		return res, err
	}
	res.Claimed = len(events)

	for _, e := range events {
		if err := r.limiter.Wait(ctx); err != nil {
			// Unpublished rows stay PROCESSING until ResetStuck picks them up.
			return res, err
		}
		switch r.relay(ctx, e) {
		case resultProcessed:
			res.Processed++
		case resultDuplicate:
			res.Duplicates++
		case resultFailed:
			res.Failed++
		}
	}

	if res.Claimed > 0 {
		log.Debug().
			Int("claimed", res.Claimed).
			Int("processed", res.Processed).
			Int("failed", res.Failed).
			Int("duplicates", res.Duplicates).
			Msg("Outbox relay run completed")
	}
	return res, nil
}

type relayResult int

const (
	resultProcessed relayResult = iota
	resultDuplicate
	resultFailed
)

func (r *Relay) claimID(e *Event) string {
	return "outbox:" + e.ID.String()
}

func (r *Relay) relay(ctx context.Context, e *Event) relayResult {
	logger := log.With().
		Str("event_id", e.ID.String()).
		Str("event_type", e.EventType).
		Str("aggregate", e.AggregateType+":"+e.AggregateID).
		Logger()

	// A claim that already exists means an earlier run published this event
	// but did not get to mark it processed.
	if r.guard != nil && !r.guard.TryAcquire(ctx, r.claimID(e), 0) {
		if err := r.store.MarkProcessed(ctx, e.ID); err != nil {
			logger.Error().Err(err).Msg("Failed to mark duplicate outbox event processed")
		}
		r.metrics.RecordOutboxEvent("duplicate")
		return resultDuplicate
	}

	payload, err := json.Marshal(e.Envelope())
	if err == nil {
		err = r.publisher.Publish(ctx, r.channel, payload)
	}
	if err != nil {
		if r.guard != nil {
			r.guard.Release(context.WithoutCancel(ctx), r.claimID(e))
		}
		if markErr := r.store.MarkFailed(context.WithoutCancel(ctx), e.ID, err.Error()); markErr != nil {
			logger.Error().Err(markErr).Msg("Failed to mark outbox event failed")
		}
		logger.Warn().Err(err).Int("retry_count", e.RetryCount+1).Msg("Failed to publish outbox event")
		r.metrics.RecordOutboxEvent("failed")
		return resultFailed
	}

	if err := r.store.MarkProcessed(context.WithoutCancel(ctx), e.ID); err != nil {
		logger.Error().Err(err).Msg("Failed to mark outbox event processed")
	}
	r.metrics.RecordOutboxEvent("processed")
	return resultProcessed
}

// Cleanup deletes processed rows older than the retention period.
func (r *Relay) Cleanup(ctx context.Context) (int64, error) {
	if r.cfg.Retention <= 0 {
		return 0, nil
	}
	n, err := r.store.DeleteProcessedBefore(ctx, r.now().Add(-r.cfg.Retention))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		log.Info().Int64("deleted", n).Dur("retention", r.cfg.Retention).Msg("Deleted processed outbox events")
	}
	return n, nil
}
