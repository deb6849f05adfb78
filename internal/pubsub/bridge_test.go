package pubsub

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/platformkit/platform/internal/observability"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBridge_ListenAndPublish(t *testing.T) {
	ps := NewLocalPubSub(0)
	bridge := NewBridge(ps)
	defer bridge.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan Message, 1)
	require.NoError(t, bridge.Listen(ctx, "events", func(ctx context.Context, msg Message) {
		got <- msg
	}))

	require.NoError(t, bridge.Publish(ctx, "events", []byte("payload")))

	select {
	case msg := <-got:
		assert.Equal(t, "events", msg.Channel)
		assert.Equal(t, []byte("payload"), msg.Payload)
	case <-time.After(time.Second):
		t.Fatal("handler was not invoked")
	}
}

func TestBridge_HandlerPanicDoesNotStopLoop(t *testing.T) {
	ps := NewLocalPubSub(0)
	bridge := NewBridge(ps)
	metrics := observability.NewMetrics()
	bridge.SetMetrics(metrics)
	defer bridge.Close()

	ctx := context.Background()

	var (
		mu       sync.Mutex
		received []string
	)
	require.NoError(t, bridge.Listen(ctx, "events", func(ctx context.Context, msg Message) {
		if string(msg.Payload) == "boom" {
			panic("malformed message")
		}
		mu.Lock()
		received = append(received, string(msg.Payload))
		mu.Unlock()
	}))

	require.NoError(t, bridge.Publish(ctx, "events", []byte("boom")))
	require.NoError(t, bridge.Publish(ctx, "events", []byte("ok")))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1 && received[0] == "ok"
	}, time.Second, 10*time.Millisecond)
}

func TestBridge_PublishErrorIsReturned(t *testing.T) {
	ps := NewLocalPubSub(0)
	bridge := NewBridge(ps)
	require.NoError(t, ps.Close())

	err := bridge.Publish(context.Background(), "events", []byte("x"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestBridge_WaitReturnsAfterCancel(t *testing.T) {
	ps := NewLocalPubSub(0)
	defer ps.Close()
	bridge := NewBridge(ps)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, bridge.Listen(ctx, "a", func(context.Context, Message) {}))
	require.NoError(t, bridge.Listen(ctx, "b", func(context.Context, Message) {}))

	cancel()

	done := make(chan struct{})
	go func() {
		bridge.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("listeners did not exit after cancel")
	}
}

func TestBridge_SharedBrokerReachesEveryInstance(t *testing.T) {
	broker := NewLocalPubSub(0)
	defer broker.Close()

	instanceA := NewBridge(broker)
	instanceB := NewBridge(broker)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gotA := make(chan struct{}, 1)
	gotB := make(chan struct{}, 1)
	require.NoError(t, instanceA.Listen(ctx, "events", func(context.Context, Message) { gotA <- struct{}{} }))
	require.NoError(t, instanceB.Listen(ctx, "events", func(context.Context, Message) { gotB <- struct{}{} }))

	require.NoError(t, instanceA.Publish(ctx, "events", []byte("x")))

	for name, ch := range map[string]chan struct{}{"A": gotA, "B": gotB} {
		select {
		case <-ch:
		case <-time.After(time.Second):
			t.Fatalf("instance %s did not receive the message", name)
		}
	}
}
