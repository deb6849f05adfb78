package realtime

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeepAlive_FirstTickIsImmediate(t *testing.T) {
	r := NewRegistry(time.Hour)
	defer r.Shutdown()

	sink := &recordingSink{}
	_, err := r.Open("u1", 0, sink)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		_, comments, _, _ := sink.snapshot()
		return comments == 1
	}, time.Second, 5*time.Millisecond)
}

func TestKeepAlive_StopsAfterTeardown(t *testing.T) {
	r := NewRegistry(5 * time.Millisecond)
	defer r.Shutdown()

	sink := &recordingSink{}
	conn, err := r.Open("u1", 0, sink)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		_, comments, _, _ := sink.snapshot()
		return comments >= 3
	}, time.Second, 5*time.Millisecond)

	r.Close("u1")
	waitDone(t, conn)

	_, before, _, _ := sink.snapshot()
	time.Sleep(50 * time.Millisecond)
	_, after, afterClose, _ := sink.snapshot()

	assert.Equal(t, before, after, "no keep-alive after teardown")
	assert.Zero(t, afterClose)
}

func TestKeepAlive_FailureTearsDownConnection(t *testing.T) {
	r := NewRegistry(5 * time.Millisecond)
	defer r.Shutdown()

	gone := errors.New("client went away")
	conn, err := r.Open("u1", 0, &recordingSink{commentErr: gone})
	require.NoError(t, err)

	waitDone(t, conn)
	assert.Equal(t, CauseError, conn.Cause())
	assert.ErrorIs(t, conn.Err(), gone)
	assert.False(t, r.IsOpen("u1"))
}

func TestKeepAlive_OldTaskStopsAfterReplacement(t *testing.T) {
	r := NewRegistry(5 * time.Millisecond)
	defer r.Shutdown()

	oldSink := &recordingSink{}
	oldConn, err := r.Open("u1", 0, oldSink)
	require.NoError(t, err)

	newSink := &recordingSink{}
	_, err = r.Open("u1", 0, newSink)
	require.NoError(t, err)
	waitDone(t, oldConn)

	_, before, _, _ := oldSink.snapshot()
	time.Sleep(40 * time.Millisecond)
	_, after, afterClose, _ := oldSink.snapshot()
	assert.Equal(t, before, after)
	assert.Zero(t, afterClose)

	_, newComments, _, _ := newSink.snapshot()
	assert.Greater(t, newComments, 1)
}

func TestKeepAlive_TickStopsForForeignConnection(t *testing.T) {
	r := NewRegistry(time.Hour)
	defer r.Shutdown()

	sink := &recordingSink{}
	orphan := newConnection("u1", 0, sink)
	orphan.task = r.keepAlive.newTask()
	defer orphan.task.cancel()

	assert.False(t, r.keepAlive.tick(r, orphan, orphan.task))
	_, comments, _, _ := sink.snapshot()
	assert.Zero(t, comments)
}

func TestNewKeepAlive_DefaultInterval(t *testing.T) {
	assert.Equal(t, DefaultKeepAliveInterval, NewKeepAlive(0).Interval())
	assert.Equal(t, time.Second, NewKeepAlive(time.Second).Interval())
}
