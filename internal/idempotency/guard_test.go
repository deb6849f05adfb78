package idempotency

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/platformkit/platform/internal/kvstore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// brokenStore fails every call it overrides and panics on the rest.
type brokenStore struct {
	kvstore.Store
	err error
}

func (s brokenStore) SetIfAbsent(context.Context, string, string, time.Duration) (bool, error) {
	return false, s.err
}

func (s brokenStore) Delete(context.Context, string) (bool, error) { return false, s.err }
func (s brokenStore) Exists(context.Context, string) (bool, error) { return false, s.err }

func newGuard(t *testing.T) (*Guard, *kvstore.MemoryStore) {
	t.Helper()
	store := kvstore.NewMemoryStore(time.Minute)
	t.Cleanup(func() { _ = store.Close() })
	return NewGuard(store, "", 0), store
}

func TestTryAcquire(t *testing.T) {
	g, store := newGuard(t)
	ctx := context.Background()

	assert.True(t, g.TryAcquire(ctx, "evt-42", 0))
	assert.False(t, g.TryAcquire(ctx, "evt-42", 0))
	assert.True(t, g.Exists(ctx, "evt-42"))

	ttl, err := store.TTL(ctx, DefaultKeyPrefix+"evt-42")
	require.NoError(t, err)
	assert.Greater(t, ttl, 23*time.Hour)

	g.Release(ctx, "evt-42")
	assert.False(t, g.Exists(ctx, "evt-42"))
	assert.True(t, g.TryAcquire(ctx, "evt-42", 0))
}

func TestTryAcquire_Expires(t *testing.T) {
	g, _ := newGuard(t)
	ctx := context.Background()

	require.True(t, g.TryAcquire(ctx, "short", 50*time.Millisecond))
	assert.False(t, g.TryAcquire(ctx, "short", 50*time.Millisecond))

	time.Sleep(100 * time.Millisecond)
	assert.True(t, g.TryAcquire(ctx, "short", 50*time.Millisecond))
}

func TestTryAcquire_ConcurrentSingleWinner(t *testing.T) {
	g, _ := newGuard(t)

	const callers = 50
	var wins atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if g.TryAcquire(context.Background(), "evt-42", time.Minute) {
				wins.Add(1)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
}

func TestTryAcquire_FailsOpen(t *testing.T) {
	g := NewGuard(brokenStore{err: errors.New("connection refused")}, "", 0)
	ctx := context.Background()

	assert.True(t, g.TryAcquire(ctx, "evt-1", 0))
	assert.True(t, g.TryAcquire(ctx, "evt-1", 0))
	assert.False(t, g.Exists(ctx, "evt-1"))
	assert.NotPanics(t, func() { g.Release(ctx, "evt-1") })
}

func TestKeyInfo(t *testing.T) {
	g, _ := newGuard(t)
	ctx := context.Background()

	info, err := g.KeyInfo(ctx, "evt-42")
	require.NoError(t, err)
	assert.Nil(t, info)

	before := time.Now().Add(-time.Second)
	require.True(t, g.TryAcquire(ctx, "evt-42", time.Hour))

	info, err = g.KeyInfo(ctx, "evt-42")
	require.NoError(t, err)
	require.NotNil(t, info)
	assert.Equal(t, "evt-42", info.MessageID)
	assert.True(t, info.ClaimedAt.After(before))
	assert.Greater(t, info.TTL, 59*time.Minute)
}

func TestExecuteOnce(t *testing.T) {
	g, _ := newGuard(t)
	ctx := context.Background()

	calls := 0
	action := func(context.Context) (string, error) {
		calls++
		return "processed", nil
	}

	result, err := ExecuteOnce(ctx, g, "evt-42", 0, action)
	require.NoError(t, err)
	assert.Equal(t, "processed", result)

	_, err = ExecuteOnce(ctx, g, "evt-42", 0, action)
	assert.ErrorIs(t, err, ErrConflict)
	assert.Equal(t, 1, calls)
	assert.True(t, g.Exists(ctx, "evt-42"))
}

func TestExecuteOnce_ReleasesOnFailure(t *testing.T) {
	g, _ := newGuard(t)
	ctx := context.Background()

	actionErr := errors.New("downstream failed")
	_, err := ExecuteOnce(ctx, g, "evt-7", 0, func(context.Context) (int, error) {
		return 0, actionErr
	})
	assert.ErrorIs(t, err, actionErr)
	assert.False(t, g.Exists(ctx, "evt-7"))

	result, err := ExecuteOnce(ctx, g, "evt-7", 0, func(context.Context) (int, error) {
		return 7, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 7, result)
}

func TestExecuteOnce_ReleasesOnPanic(t *testing.T) {
	g, _ := newGuard(t)
	ctx := context.Background()

	assert.PanicsWithValue(t, "boom", func() {
		_, _ = ExecuteOnce(ctx, g, "evt-9", 0, func(context.Context) (int, error) {
			panic("boom")
		})
	})
	assert.False(t, g.Exists(ctx, "evt-9"))
}
