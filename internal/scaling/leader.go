// Package scaling coordinates work that must run on exactly one instance.
package scaling

import (
	"context"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// Advisory lock ids. The high word spells "Plat".
const (
	OutboxRelayLockID   int64 = 0x506C6174_00000001
	OutboxCleanupLockID int64 = 0x506C6174_00000002
)

// DefaultCheckInterval is how often leadership is re-checked.
const DefaultCheckInterval = 5 * time.Second

// Locker acquires and releases a session-level advisory lock. Implementations
// must keep the lock on one session until Unlock or Close.
type Locker interface {
	TryLock(ctx context.Context, id int64) (bool, error)
	Unlock(ctx context.Context, id int64) error
	Close()
}

// LeaderElector periodically tries to take an advisory lock and tracks whether
// this instance holds it.
type LeaderElector struct {
	locker        Locker
	lockID        int64
	lockName      string
	checkInterval time.Duration

	mu       sync.RWMutex
	isLeader bool

	cancel context.CancelFunc
	done   chan struct{}
}

// NewLeaderElector creates an elector over a pgx pool.
func NewLeaderElector(pool *pgxpool.Pool, lockID int64, lockName string) *LeaderElector {
	return NewLeaderElectorWithLocker(&PoolLocker{pool: pool}, lockID, lockName, DefaultCheckInterval)
}

// NewLeaderElectorWithLocker creates an elector over any Locker.
func NewLeaderElectorWithLocker(locker Locker, lockID int64, lockName string, interval time.Duration) *LeaderElector {
	if interval <= 0 {
		interval = DefaultCheckInterval
	}
	return &LeaderElector{
		locker:        locker,
		lockID:        lockID,
		lockName:      lockName,
		checkInterval: interval,
	}
}

// Start runs the election loop until ctx is cancelled or Stop is called.
// Callbacks run on the election goroutine.
func (le *LeaderElector) Start(ctx context.Context, onBecomeLeader, onLoseLeadership func()) {
	ctx, le.cancel = context.WithCancel(ctx)
	le.done = make(chan struct{})

	log.Info().
		Str("lock", le.lockName).
		Int64("lock_id", le.lockID).
		Msg("Starting leader election")

	go le.electionLoop(ctx, onBecomeLeader, onLoseLeadership)
}

// Stop ends the loop and releases the lock if held.
func (le *LeaderElector) Stop() {
	if le.cancel == nil {
		return
	}
	le.cancel()
	<-le.done

	log.Info().
		Str("lock", le.lockName).
		Bool("was_leader", le.IsLeader()).
		Msg("Stopping leader election")

	if le.IsLeader() {
		le.releaseLock()
	}
	le.locker.Close()
}

// IsLeader reports whether this instance currently holds the lock.
func (le *LeaderElector) IsLeader() bool {
	le.mu.RLock()
	defer le.mu.RUnlock()
	return le.isLeader
}

func (le *LeaderElector) electionLoop(ctx context.Context, onBecomeLeader, onLoseLeadership func()) {
	defer close(le.done)

	ticker := time.NewTicker(le.checkInterval)
	defer ticker.Stop()

	le.tryAcquireLock(ctx, onBecomeLeader, onLoseLeadership)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			le.tryAcquireLock(ctx, onBecomeLeader, onLoseLeadership)
		}
	}
}

func (le *LeaderElector) tryAcquireLock(ctx context.Context, onBecomeLeader, onLoseLeadership func()) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	acquired, err := le.locker.TryLock(ctx, le.lockID)
	if err != nil {
		// A broken session has lost the lock with it.
		log.Error().Err(err).Str("lock", le.lockName).Msg("Failed to try advisory lock")
		acquired = false
	}

	le.mu.Lock()
	wasLeader := le.isLeader
	le.isLeader = acquired
	le.mu.Unlock()

	switch {
	case acquired && !wasLeader:
		log.Info().Str("lock", le.lockName).Msg("Acquired leader lock, this instance is now the leader")
		if onBecomeLeader != nil {
			onBecomeLeader()
		}
	case !acquired && wasLeader:
		log.Warn().Str("lock", le.lockName).Msg("Lost leader lock, this instance is no longer the leader")
		if onLoseLeadership != nil {
			onLoseLeadership()
		}
	}
}

func (le *LeaderElector) releaseLock() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := le.locker.Unlock(ctx, le.lockID); err != nil {
		log.Error().Err(err).Str("lock", le.lockName).Msg("Failed to release advisory lock")
	} else {
		log.Info().Str("lock", le.lockName).Msg("Released leader lock")
	}

	le.mu.Lock()
	le.isLeader = false
	le.mu.Unlock()
}

// PoolLocker pins one pooled connection for the lifetime of the lock, since
// Postgres advisory locks belong to the session that took them.
type PoolLocker struct {
	pool *pgxpool.Pool

	mu   sync.Mutex
	conn *pgxpool.Conn
	held map[int64]bool
}

// TryLock calls pg_try_advisory_lock on the pinned session. An id the session
// already holds is not locked twice, so a single Unlock releases it.
func (l *PoolLocker) TryLock(ctx context.Context, id int64) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.held[id] {
		// Probe the pinned session; if it died the lock died with it.
		if err := l.conn.Ping(ctx); err != nil {
			l.dropConn()
			return false, err
		}
		return true, nil
	}
	if l.conn == nil {
		conn, err := l.pool.Acquire(ctx)
		if err != nil {
			return false, err
		}
		l.conn = conn
	}

	var acquired bool
	if err := l.conn.QueryRow(ctx, "SELECT pg_try_advisory_lock($1)", id).Scan(&acquired); err != nil {
		l.dropConn()
		return false, err
	}
	if acquired {
		if l.held == nil {
			l.held = make(map[int64]bool)
		}
		l.held[id] = true
	}
	return acquired, nil
}

// Unlock releases the lock and returns the pinned session to the pool.
func (l *PoolLocker) Unlock(ctx context.Context, id int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.conn == nil {
		return nil
	}
	var released bool
	err := l.conn.QueryRow(ctx, "SELECT pg_advisory_unlock($1)", id).Scan(&released)
	delete(l.held, id)
	if err != nil {
		l.dropConn()
		return err
	}
	if len(l.held) == 0 {
		l.conn.Release()
		l.conn = nil
	}
	return nil
}

// Close returns the pinned session, if any, which also drops its locks.
func (l *PoolLocker) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.dropConn()
}

// dropConn closes the session so any locks it held are freed by the server.
func (l *PoolLocker) dropConn() {
	if l.conn == nil {
		return
	}
	conn := l.conn.Hijack()
	l.conn = nil
	l.held = nil
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = conn.Close(ctx)
	}()
}
