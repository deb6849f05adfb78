// Package realtime holds the server-sent events connection registry and its
// keep-alive scheduler. A key identifies one logical client; at most one
// connection per key is open on an instance at any time.
package realtime

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrConnectionClosed is returned for writes on a connection that has terminated.
	ErrConnectionClosed = errors.New("realtime: connection closed")

	// ErrRegistryClosed is returned by Open after Shutdown.
	ErrRegistryClosed = errors.New("realtime: registry shut down")

	// ErrEmptyKey is returned by Open for an empty key.
	ErrEmptyKey = errors.New("realtime: connection key is empty")
)

// Sink is the push handle of one open stream.
type Sink interface {
	// WriteEvent writes one event frame and flushes it to the client.
	// An empty event name produces an unnamed data frame.
	WriteEvent(event string, data []byte) error

	// WriteComment writes a comment frame, used for keep-alives.
	WriteComment(text string) error

	// Close releases the stream. No write follows Close.
	Close() error
}

// Cause is the terminal state a connection reached.
type Cause string

const (
	CauseCompleted Cause = "completed"
	CauseTimeout   Cause = "timeout"
	CauseError     Cause = "error"
	CauseReplaced  Cause = "replaced"
	CauseShutdown  Cause = "shutdown"
)

// Connection is one open server-push stream bound to a key.
type Connection struct {
	Key      string
	Timeout  time.Duration // 0 means unbounded
	OpenedAt time.Time

	sink    Sink
	writeMu sync.Mutex
	closed  atomic.Bool

	once  sync.Once
	done  chan struct{}
	cause Cause
	err   error

	timerMu sync.Mutex
	timer   *time.Timer
	task    *keepAliveTask
	onClose func(c *Connection, cause Cause, err error)
}

func newConnection(key string, timeout time.Duration, sink Sink) *Connection {
	return &Connection{
		Key:      key,
		Timeout:  timeout,
		OpenedAt: time.Now(),
		sink:     sink,
		done:     make(chan struct{}),
	}
}

// Done is closed once the connection has reached a terminal state and its
// registry mapping and keep-alive are gone.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Cause returns the terminal cause, or "" while the connection is open.
func (c *Connection) Cause() Cause {
	select {
	case <-c.done:
		return c.cause
	default:
		return ""
	}
}

// Err returns the error that terminated the connection, if any.
func (c *Connection) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Closed reports whether the connection has started terminating.
func (c *Connection) Closed() bool {
	return c.closed.Load()
}

func (c *Connection) writeEvent(event string, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.closed.Load() {
		return ErrConnectionClosed
	}
	return c.sink.WriteEvent(event, data)
}

func (c *Connection) writeComment(text string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.closed.Load() {
		return ErrConnectionClosed
	}
	return c.sink.WriteComment(text)
}

// armTimeout starts the lifetime timer. It is a no-op once the connection
// has terminated, so a timer never fires for a connection that was never
// registered.
func (c *Connection) armTimeout() {
	if c.Timeout <= 0 {
		return
	}
	c.timerMu.Lock()
	defer c.timerMu.Unlock()
	if c.closed.Load() {
		return
	}
	c.timer = time.AfterFunc(c.Timeout, func() {
		c.terminate(CauseTimeout, nil)
	})
}

// terminate runs the single teardown path. Only the first call has an effect;
// it returns true for that call.
//
// Order: reject new writes, stop the timeout, run the registry cleanup
// (keep-alive cancel then mapping removal), wait out any in-flight write,
// close the sink, signal Done.
func (c *Connection) terminate(cause Cause, err error) bool {
	first := false
	c.once.Do(func() {
		first = true
		c.closed.Store(true)
		c.cause = cause
		c.err = err

		c.timerMu.Lock()
		if c.timer != nil {
			c.timer.Stop()
		}
		c.timerMu.Unlock()

		if c.onClose != nil {
			c.onClose(c, cause, err)
		}

		c.writeMu.Lock()
		_ = c.sink.Close()
		c.writeMu.Unlock()

		close(c.done)
	})
	return first
}
