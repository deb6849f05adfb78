package cache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/platformkit/platform/internal/config"
	"github.com/platformkit/platform/internal/pubsub"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testChannel = "platform.cache.invalidation"

type failingBroadcaster struct{ err error }

func (b failingBroadcaster) Publish(context.Context, string, []byte) error { return b.err }

func newManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(config.DefaultCaches())
	require.NoError(t, err)
	t.Cleanup(m.Close)
	return m
}

func TestLRUCache(t *testing.T) {
	c, err := NewLRUCache(2)
	require.NoError(t, err)
	defer c.Close()

	c.Set("a", 1)
	c.Set("b", 2)
	c.Set("c", 3)

	_, found := c.Get("a")
	assert.False(t, found)
	v, found := c.Get("c")
	require.True(t, found)
	assert.Equal(t, 3, v)

	c.Delete("c")
	_, found = c.Get("c")
	assert.False(t, found)

	stats := c.Stats()
	assert.Equal(t, BackingLRU, stats.Backing)
	assert.Equal(t, int64(1), stats.Hits)
	assert.Equal(t, int64(2), stats.Misses)
	assert.Equal(t, int64(1), stats.Evictions)
	assert.Equal(t, int64(1), stats.Size)
	assert.Equal(t, int64(2), stats.Capacity)

	c.Clear()
	assert.Equal(t, int64(0), c.Stats().Size)
}

func TestLFUCache(t *testing.T) {
	c, err := NewLFUCache(config.NamedCacheConfig{Name: "lfu", Backing: BackingLFU, NumCounters: 1000, MaxCost: 100})
	require.NoError(t, err)
	defer c.Close()

	require.True(t, c.Set("a", "value"))
	v, found := c.Get("a")
	require.True(t, found)
	assert.Equal(t, "value", v)

	c.Delete("a")
	_, found = c.Get("a")
	assert.False(t, found)

	c.Set("b", "value")
	c.Clear()
	_, found = c.Get("b")
	assert.False(t, found)

	stats := c.Stats()
	assert.Equal(t, BackingLFU, stats.Backing)
	assert.Equal(t, int64(100), stats.Capacity)
}

func TestNewManager(t *testing.T) {
	m := newManager(t)

	assert.Equal(t, []string{AOIGeometry, ChangeDetectionDetail, ChangeDetectionResults, ChangeDetectionSummary}, m.Names())

	results, ok := m.Get(ChangeDetectionResults)
	require.True(t, ok)
	assert.IsType(t, &LFUCache{}, results)

	_, ok = m.Get("missing")
	assert.False(t, ok)
	assert.False(t, m.Evict("missing", "k"))
	assert.False(t, m.Clear("missing"))

	err := m.Register(config.NamedCacheConfig{Name: AOIGeometry, MaxSize: 1})
	assert.Error(t, err)

	_, err = NewManager([]config.NamedCacheConfig{{Name: "bad", Backing: "fifo"}})
	assert.Error(t, err)

	stats := m.Stats()
	require.Len(t, stats, 4)
	assert.Equal(t, AOIGeometry, stats[0].Name)
}

func TestManager_GetOrLoadCoalesces(t *testing.T) {
	m := newManager(t)

	var calls atomic.Int32
	release := make(chan struct{})
	loader := func(context.Context) (any, error) {
		calls.Add(1)
		<-release
		return "detail-7", nil
	}

	const callers = 20
	var wg sync.WaitGroup
	results := make([]any, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := m.GetOrLoad(context.Background(), ChangeDetectionDetail, "7", loader)
			assert.NoError(t, err)
			results[i] = v
		}(i)
	}

	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	for _, v := range results {
		assert.Equal(t, "detail-7", v)
	}

	v, err := m.GetOrLoad(context.Background(), ChangeDetectionDetail, "7", func(context.Context) (any, error) {
		t.Fatal("loader called on a hit")
		return nil, nil
	})
	require.NoError(t, err)
	assert.Equal(t, "detail-7", v)
}

func TestManager_GetOrLoadErrors(t *testing.T) {
	m := newManager(t)

	_, err := m.GetOrLoad(context.Background(), "missing", "k", nil)
	assert.ErrorIs(t, err, ErrUnknownCache)

	loadErr := errors.New("database down")
	_, err = m.GetOrLoad(context.Background(), AOIGeometry, "q1", func(context.Context) (any, error) {
		return nil, loadErr
	})
	assert.ErrorIs(t, err, loadErr)

	c, _ := m.Get(AOIGeometry)
	_, found := c.Get("q1")
	assert.False(t, found)

	v, err := m.GetOrLoad(context.Background(), AOIGeometry, "q1", func(context.Context) (any, error) {
		return "polygon", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "polygon", v)
}

func TestInvalidator_BrokerDownStillEvictsLocally(t *testing.T) {
	m := newManager(t)
	brokerErr := errors.New("broker unavailable")
	inv := NewInvalidator(m, failingBroadcaster{err: brokerErr}, testChannel, "node-a")

	summary, _ := m.Get(ChangeDetectionSummary)
	summary.Set("2024-05-01", "summary")
	summary.Set("2024-05-02", "summary")

	err := inv.EvictChangeDetectionSummary(context.Background(), time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC))
	assert.ErrorIs(t, err, brokerErr)

	_, found := summary.Get("2024-05-01")
	assert.False(t, found)
	_, found = summary.Get("2024-05-02")
	assert.True(t, found)
}

func TestInvalidator_UnknownCacheIsNotFatal(t *testing.T) {
	m := newManager(t)
	inv := NewInvalidator(m, failingBroadcaster{}, testChannel, "node-a")

	assert.NoError(t, inv.EvictKey(context.Background(), "missing", "k"))

	assert.NotPanics(t, func() {
		inv.Handle(context.Background(), pubsub.Message{Channel: testChannel, Payload: []byte("not json")})
		inv.Handle(context.Background(), pubsub.Message{Channel: testChannel, Payload: []byte(`{"key":"x"}`)})
		inv.Handle(context.Background(), pubsub.Message{Channel: testChannel, Payload: []byte(`{"cacheName":"missing"}`)})
	})
}

func TestInvalidator_PropagatesToOtherInstance(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shared := pubsub.NewLocalPubSub(10)
	defer shared.Close()

	managerA, managerB := newManager(t), newManager(t)
	bridgeA, bridgeB := pubsub.NewBridge(shared), pubsub.NewBridge(shared)
	invA := NewInvalidator(managerA, bridgeA, testChannel, "node-a")
	invB := NewInvalidator(managerB, bridgeB, testChannel, "node-b")
	require.NoError(t, bridgeA.Listen(ctx, testChannel, invA.Handle))
	require.NoError(t, bridgeB.Listen(ctx, testChannel, invB.Handle))

	for _, m := range []*Manager{managerA, managerB} {
		summary, _ := m.Get(ChangeDetectionSummary)
		summary.Set("2024-05-01", "summary")
		detail, _ := m.Get(ChangeDetectionDetail)
		detail.Set("1", "detail")
		aoi, _ := m.Get(AOIGeometry)
		aoi.Set("q1", "polygon")
	}

	require.NoError(t, invA.EvictKey(ctx, ChangeDetectionSummary, "2024-05-01"))

	summaryB, _ := managerB.Get(ChangeDetectionSummary)
	require.Eventually(t, func() bool {
		_, found := summaryB.Get("2024-05-01")
		return !found
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, invB.EvictAllChangeDetection(ctx))

	detailA, _ := managerA.Get(ChangeDetectionDetail)
	require.Eventually(t, func() bool {
		_, found := detailA.Get("1")
		return !found
	}, 2*time.Second, 10*time.Millisecond)

	aoiA, _ := managerA.Get(AOIGeometry)
	_, found := aoiA.Get("q1")
	assert.True(t, found)
}
