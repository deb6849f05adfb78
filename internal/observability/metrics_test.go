package observability

import (
	"errors"
	"fmt"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusClass(t *testing.T) {
	testCases := []struct {
		status   int
		expected string
	}{
		{200, "2xx"},
		{201, "2xx"},
		{204, "2xx"},
		{299, "2xx"},
		{300, "3xx"},
		{301, "3xx"},
		{304, "3xx"},
		{399, "3xx"},
		{400, "4xx"},
		{401, "4xx"},
		{403, "4xx"},
		{404, "4xx"},
		{499, "4xx"},
		{500, "5xx"},
		{502, "5xx"},
		{503, "5xx"},
		{599, "5xx"},
		{100, "unknown"},
		{0, "unknown"},
		{600, "5xx"}, // >= 500 returns 5xx
	}

	for _, tc := range testCases {
		t.Run(fmt.Sprintf("status_%d", tc.status), func(t *testing.T) {
			result := statusClass(tc.status)
			assert.Equal(t, tc.expected, result)
		})
	}
}

func TestNormalizePath(t *testing.T) {
	t.Run("returns path unchanged for short paths", func(t *testing.T) {
		result := normalizePath("/api/v1/users")
		assert.Equal(t, "/api/v1/users", result)
	})

	t.Run("returns long_path for paths over 50 chars", func(t *testing.T) {
		longPath := "/api/v1/very/long/path/that/exceeds/fifty/characters/limit/here"
		result := normalizePath(longPath)
		assert.Equal(t, "long_path", result)
	})

	t.Run("handles empty path", func(t *testing.T) {
		result := normalizePath("")
		assert.Equal(t, "", result)
	})

	t.Run("handles root path", func(t *testing.T) {
		result := normalizePath("/")
		assert.Equal(t, "/", result)
	})
}

func TestNewMetrics_IndependentRegistries(t *testing.T) {
	// Two instances must not collide on registration
	m1 := NewMetrics()
	m2 := NewMetrics()

	m1.RecordPush("delivered")
	m1.RecordPush("delivered")
	m2.RecordPush("delivered")

	assert.Equal(t, 2.0, testutil.ToFloat64(m1.realtimePushesTotal.WithLabelValues("delivered")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m2.realtimePushesTotal.WithLabelValues("delivered")))
}

func TestMetrics_Recorders(t *testing.T) {
	m := NewMetrics()

	m.UpdateRealtimeConnections(3)
	m.RecordConnectionOpened()
	m.RecordConnectionClosed("replaced")
	m.RecordKeepAlive("sent")
	m.RecordPubSubMessage("platform.notifications", "published")
	m.RecordNotificationPublished("ok")
	m.RecordNotificationHandled("no_listener")
	m.RecordCacheInvalidation("aoiGeometry", "remote", "all")
	m.RecordCacheLoad("aoiGeometry", "hit")
	m.RecordIdempotencyClaim("conflict")
	m.RecordOutboxEvent("processed")
	m.RecordOutboxBatch(10 * time.Millisecond)
	m.RecordRateLimitHit("stream")
	m.RecordDBQuery("select", "outbox_events", 2*time.Millisecond, nil)
	m.RecordDBQuery("update", "outbox_events", 2*time.Millisecond, errors.New("conn closed"))
	m.UpdateUptime(time.Now().Add(-time.Hour))

	assert.Equal(t, 3.0, testutil.ToFloat64(m.realtimeConnections))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.realtimeConnectionsOpened))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.realtimeConnectionsClosed.WithLabelValues("replaced")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.notificationsHandledTotal.WithLabelValues("no_listener")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.cacheInvalidationsTotal.WithLabelValues("aoiGeometry", "remote", "all")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.idempotencyClaimsTotal.WithLabelValues("conflict")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.dbQueriesTotal.WithLabelValues("update", "outbox_events", "error")))
	assert.GreaterOrEqual(t, testutil.ToFloat64(m.systemUptime), 3600.0)
}

func TestMetrics_NilReceiver(t *testing.T) {
	var m *Metrics

	assert.NotPanics(t, func() {
		m.RecordPush("delivered")
		m.RecordConnectionClosed("error")
		m.RecordIdempotencyClaim("fail_open")
		m.UpdateRealtimeConnections(1)
		m.RecordDBQuery("select", "t", time.Millisecond, nil)
	})
}

func TestMetrics_HandlerAndMiddleware(t *testing.T) {
	m := NewMetrics()

	app := fiber.New()
	app.Use(m.MetricsMiddleware())
	app.Get("/items/:id", func(c *fiber.Ctx) error {
		return c.SendString("ok")
	})
	app.Get("/metrics", m.Handler())

	resp, err := app.Test(httptest.NewRequest("GET", "/items/42", nil))
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.httpRequestsTotal.WithLabelValues("GET", "/items/:id", "2xx")))

	resp, err = app.Test(httptest.NewRequest("GET", "/metrics", nil))
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "platform_http_requests_total")
}
