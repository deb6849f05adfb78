package realtime

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type frame struct {
	event string
	data  string
}

// recordingSink captures frames and flags any write that follows Close.
type recordingSink struct {
	mu               sync.Mutex
	frames           []frame
	comments         int
	closed           bool
	writesAfterClose int
	eventErr         error
	commentErr       error
}

func (s *recordingSink) WriteEvent(event string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		s.writesAfterClose++
		return ErrConnectionClosed
	}
	if s.eventErr != nil {
		return s.eventErr
	}
	s.frames = append(s.frames, frame{event: event, data: string(data)})
	return nil
}

func (s *recordingSink) WriteComment(text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		s.writesAfterClose++
		return ErrConnectionClosed
	}
	if s.commentErr != nil {
		return s.commentErr
	}
	s.comments++
	return nil
}

func (s *recordingSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *recordingSink) snapshot() (frames []frame, comments, afterClose int, closed bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	frames = append([]frame(nil), s.frames...)
	return frames, s.comments, s.writesAfterClose, s.closed
}

func waitDone(t *testing.T, conn *Connection) {
	t.Helper()
	select {
	case <-conn.Done():
	case <-time.After(2 * time.Second):
		t.Fatalf("connection %s did not terminate", conn.Key)
	}
}

func TestRegistry_PushThenClose(t *testing.T) {
	r := NewRegistry(time.Hour)
	defer r.Shutdown()

	sink := &recordingSink{}
	conn, err := r.Open("u1", 0, sink)
	require.NoError(t, err)

	assert.True(t, r.Push("u1", map[string]string{"title": "hello"}))

	frames, _, _, _ := sink.snapshot()
	require.Len(t, frames, 1)
	assert.Equal(t, "", frames[0].event)
	assert.JSONEq(t, `{"title":"hello"}`, frames[0].data)

	assert.True(t, r.Close("u1"))
	waitDone(t, conn)

	assert.Equal(t, CauseCompleted, conn.Cause())
	assert.False(t, r.IsOpen("u1"))
	assert.False(t, r.Push("u1", map[string]string{"title": "again"}))
	assert.False(t, r.Close("u1"))
	assert.Zero(t, r.Count())
}

func TestRegistry_PushUnknownKey(t *testing.T) {
	r := NewRegistry(time.Hour)
	defer r.Shutdown()

	assert.False(t, r.Push("nobody", "x"))
}

func TestRegistry_OpenRejectsEmptyKey(t *testing.T) {
	r := NewRegistry(time.Hour)
	defer r.Shutdown()

	_, err := r.Open("", 0, &recordingSink{})
	assert.ErrorIs(t, err, ErrEmptyKey)
}

func TestRegistry_ReplaceOnReconnect(t *testing.T) {
	r := NewRegistry(time.Hour)
	defer r.Shutdown()

	oldSink, newSink := &recordingSink{}, &recordingSink{}
	oldConn, err := r.Open("u1", 0, oldSink)
	require.NoError(t, err)

	newConn, err := r.Open("u1", 0, newSink)
	require.NoError(t, err)

	waitDone(t, oldConn)
	assert.Equal(t, CauseReplaced, oldConn.Cause())

	// The stale cleanup must not have removed the newer mapping
	current, ok := r.Get("u1")
	require.True(t, ok)
	assert.Same(t, newConn, current)
	assert.Equal(t, 1, r.Count())
	assert.Equal(t, []string{"u1"}, r.Keys())

	assert.True(t, r.Push("u1", "to-new"))
	oldFrames, _, oldAfterClose, _ := oldSink.snapshot()
	newFrames, _, _, _ := newSink.snapshot()
	assert.Empty(t, oldFrames)
	assert.Zero(t, oldAfterClose)
	assert.Len(t, newFrames, 1)
}

func TestRegistry_ConcurrentOpensLeaveOneConnection(t *testing.T) {
	r := NewRegistry(time.Hour)
	defer r.Shutdown()

	const n = 50
	conns := make([]*Connection, n)
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			conn, err := r.Open("shared", 0, &recordingSink{})
			if err == nil {
				conns[i] = conn
			}
		}(i)
	}
	close(start)
	wg.Wait()

	assert.Equal(t, 1, r.Count())
	current, ok := r.Get("shared")
	require.True(t, ok)

	for _, c := range conns {
		require.NotNil(t, c)
		if c == current {
			continue
		}
		waitDone(t, c)
		assert.Equal(t, CauseReplaced, c.Cause())
	}
	assert.False(t, current.Closed())
}

func TestRegistry_Timeout(t *testing.T) {
	r := NewRegistry(time.Hour)
	defer r.Shutdown()

	conn, err := r.Open("u1", 30*time.Millisecond, &recordingSink{})
	require.NoError(t, err)

	waitDone(t, conn)
	assert.Equal(t, CauseTimeout, conn.Cause())
	assert.False(t, r.IsOpen("u1"))
}

func TestRegistry_PushFailureTearsDown(t *testing.T) {
	r := NewRegistry(time.Hour)
	defer r.Shutdown()

	broken := errors.New("broken pipe")
	sink := &recordingSink{eventErr: broken}
	conn, err := r.Open("u1", 0, sink)
	require.NoError(t, err)

	assert.False(t, r.Push("u1", "x"))
	waitDone(t, conn)
	assert.Equal(t, CauseError, conn.Cause())
	assert.ErrorIs(t, conn.Err(), broken)
	assert.False(t, r.IsOpen("u1"))
}

func TestRegistry_PushUnencodablePayloadKeepsConnection(t *testing.T) {
	r := NewRegistry(time.Hour)
	defer r.Shutdown()

	_, err := r.Open("u1", 0, &recordingSink{})
	require.NoError(t, err)

	assert.NotPanics(t, func() {
		assert.False(t, r.Push("u1", make(chan int)))
	})
	assert.True(t, r.IsOpen("u1"))
}

func TestRegistry_PushEventNamesFrame(t *testing.T) {
	r := NewRegistry(time.Hour)
	defer r.Shutdown()

	sink := &recordingSink{}
	_, err := r.Open("u1", 0, sink)
	require.NoError(t, err)

	require.True(t, r.PushEvent("u1", "notification", map[string]int{"n": 1}))
	frames, _, _, _ := sink.snapshot()
	require.Len(t, frames, 1)
	assert.Equal(t, "notification", frames[0].event)
}

func TestRegistry_Shutdown(t *testing.T) {
	r := NewRegistry(10 * time.Millisecond)

	sinks := make([]*recordingSink, 3)
	conns := make([]*Connection, 3)
	for i, key := range []string{"a", "b", "c"} {
		sinks[i] = &recordingSink{}
		conn, err := r.Open(key, 0, sinks[i])
		require.NoError(t, err)
		conns[i] = conn
	}

	// Pushes racing with shutdown must neither panic nor write after close
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
				r.Push("a", "x")
				r.Push("b", "x")
			}
		}
	}()

	time.Sleep(20 * time.Millisecond)
	r.Shutdown()
	close(stop)
	wg.Wait()

	for i, conn := range conns {
		waitDone(t, conn)
		assert.Equal(t, CauseShutdown, conn.Cause())
		_, _, afterClose, closed := sinks[i].snapshot()
		assert.True(t, closed)
		assert.Zero(t, afterClose)
	}
	assert.Zero(t, r.Count())
	assert.Empty(t, r.Keys())

	_, err := r.Open("d", 0, &recordingSink{})
	assert.ErrorIs(t, err, ErrRegistryClosed)

	assert.NotPanics(t, r.Shutdown)
}

func TestRegistry_ExpiringConnectionsLeaveNoEntries(t *testing.T) {
	r := NewRegistry(time.Hour)
	defer r.Shutdown()

	for i := 0; i < 200; i++ {
		conn, err := r.Open("u1", time.Nanosecond, &recordingSink{})
		require.NoError(t, err)
		waitDone(t, conn)
		assert.Equal(t, CauseTimeout, conn.Cause())
	}

	assert.Zero(t, r.Count())
	assert.Empty(t, r.Keys())
}

func TestRegistry_OpenRacingShutdown(t *testing.T) {
	for round := 0; round < 20; round++ {
		r := NewRegistry(time.Millisecond)

		var (
			mu    sync.Mutex
			conns []*Connection
			wg    sync.WaitGroup
		)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				key := string(rune('a' + i%4))
				for j := 0; j < 10; j++ {
					conn, err := r.Open(key, 0, &recordingSink{})
					if err != nil {
						assert.ErrorIs(t, err, ErrRegistryClosed)
						return
					}
					mu.Lock()
					conns = append(conns, conn)
					mu.Unlock()
				}
			}(i)
		}

		r.Shutdown()
		wg.Wait()

		// Every connection that was handed out reaches a terminal state
		for _, conn := range conns {
			waitDone(t, conn)
		}
		assert.Zero(t, r.Count())
		assert.Empty(t, r.Keys())
	}
}
