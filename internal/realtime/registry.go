package realtime

import (
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/platformkit/platform/internal/observability"
	"github.com/rs/zerolog/log"
)

// Registry maps keys to their single open connection on this instance.
// Per-key operations are atomic on the map itself; pushes only take the target
// connection's write lock, never a registry-wide lock.
type Registry struct {
	conns     sync.Map // string -> *Connection
	count     atomic.Int64
	closed    atomic.Bool
	startMu   sync.Mutex
	keepAlive *KeepAlive
	metrics   *observability.Metrics
}

// NewRegistry creates a registry whose connections are kept alive at keepAliveInterval.
func NewRegistry(keepAliveInterval time.Duration) *Registry {
	return &Registry{
		keepAlive: NewKeepAlive(keepAliveInterval),
	}
}

// SetMetrics sets the metrics instance for recording realtime metrics
func (r *Registry) SetMetrics(m *observability.Metrics) {
	r.metrics = m
	r.keepAlive.metrics = m
}

// Open registers a new connection for key and returns it. A connection already
// registered under key is replaced: the new one becomes visible first and the
// old one is torn down afterwards with CauseReplaced.
func (r *Registry) Open(key string, timeout time.Duration, sink Sink) (*Connection, error) {
	if key == "" {
		return nil, ErrEmptyKey
	}
	if r.closed.Load() {
		return nil, ErrRegistryClosed
	}
	if timeout < 0 {
		timeout = 0
	}

	conn := newConnection(key, timeout, sink)
	conn.onClose = r.cleanup
	conn.task = r.keepAlive.newTask()

	prev, loaded := r.conns.Swap(key, conn)
	if !loaded {
		r.count.Add(1)
	}

	// Shutdown may have started between the check above and the swap. The
	// closed check and the keep-alive start share startMu with Shutdown so no
	// task is started once Shutdown is waiting for them.
	r.startMu.Lock()
	if r.closed.Load() {
		r.startMu.Unlock()
		conn.terminate(CauseShutdown, ErrRegistryClosed)
		if loaded {
			prev.(*Connection).terminate(CauseShutdown, nil)
		}
		return nil, ErrRegistryClosed
	}
	r.keepAlive.start(r, conn)
	r.startMu.Unlock()

	conn.armTimeout()

	if loaded {
		old := prev.(*Connection)
		go old.terminate(CauseReplaced, nil)
	}

	r.metrics.RecordConnectionOpened()
	r.metrics.UpdateRealtimeConnections(r.Count())
	log.Info().
		Str("key", key).
		Dur("timeout", timeout).
		Bool("replaced", loaded).
		Msg("SSE connection opened")

	return conn, nil
}

// cleanup is the registry half of Connection.terminate. Cancel first, then
// remove the mapping only if it still points at this connection.
func (r *Registry) cleanup(conn *Connection, cause Cause, err error) {
	conn.task.cancel()

	if r.conns.CompareAndDelete(conn.Key, conn) {
		r.count.Add(-1)
	}

	r.metrics.RecordConnectionClosed(string(cause))
	r.metrics.UpdateRealtimeConnections(r.Count())

	event := log.Debug()
	if cause == CauseError {
		event = log.Warn().Err(err)
	}
	event.
		Str("key", conn.Key).
		Str("cause", string(cause)).
		Dur("duration", time.Since(conn.OpenedAt)).
		Msg("SSE connection closed")
}

func (r *Registry) lookup(key string) (*Connection, bool) {
	v, ok := r.conns.Load(key)
	if !ok {
		return nil, false
	}
	return v.(*Connection), true
}

// Get returns the open connection for key
func (r *Registry) Get(key string) (*Connection, bool) {
	return r.lookup(key)
}

// Push sends payload to the connection for key as an unnamed data frame.
// It never panics; false means nobody received it.
func (r *Registry) Push(key string, payload any) bool {
	return r.PushEvent(key, "", payload)
}

// PushEvent sends payload as a named event. A failed write tears the
// connection down with CauseError.
func (r *Registry) PushEvent(key, event string, payload any) bool {
	conn, ok := r.lookup(key)
	if !ok {
		r.metrics.RecordPush("no_listener")
		log.Debug().Str("key", key).Msg("No open connection for push")
		return false
	}

	data, err := json.Marshal(payload)
	if err != nil {
		r.metrics.RecordPush("failed")
		log.Error().Err(err).Str("key", key).Msg("Failed to encode push payload")
		return false
	}

	if err := conn.writeEvent(event, data); err != nil {
		if errors.Is(err, ErrConnectionClosed) {
			r.metrics.RecordPush("closed")
			log.Debug().Str("key", key).Msg("Push raced with connection teardown")
			return false
		}
		r.metrics.RecordPush("failed")
		log.Warn().Err(err).Str("key", key).Msg("Push failed, closing connection")
		conn.terminate(CauseError, err)
		return false
	}

	r.metrics.RecordPush("delivered")
	return true
}

// Close completes the connection for key. Returns false if none is open.
func (r *Registry) Close(key string) bool {
	conn, ok := r.lookup(key)
	if !ok {
		return false
	}
	return conn.terminate(CauseCompleted, nil)
}

// IsOpen reports whether a connection is registered under key
func (r *Registry) IsOpen(key string) bool {
	_, ok := r.lookup(key)
	return ok
}

// Count returns the number of registered connections
func (r *Registry) Count() int {
	return int(r.count.Load())
}

// Keys returns the registered keys, sorted
func (r *Registry) Keys() []string {
	keys := make([]string, 0, r.Count())
	r.conns.Range(func(k, _ any) bool {
		keys = append(keys, k.(string))
		return true
	})
	sort.Strings(keys)
	return keys
}

// Shutdown force-completes every connection and waits for their keep-alive
// tasks to exit. Open fails with ErrRegistryClosed afterwards.
func (r *Registry) Shutdown() {
	r.startMu.Lock()
	first := r.closed.CompareAndSwap(false, true)
	r.startMu.Unlock()
	if !first {
		return
	}

	var n int
	r.conns.Range(func(_, v any) bool {
		if v.(*Connection).terminate(CauseShutdown, nil) {
			n++
		}
		return true
	})

	r.keepAlive.wait()

	log.Info().Int("connections", n).Msg("SSE registry shut down")
}
