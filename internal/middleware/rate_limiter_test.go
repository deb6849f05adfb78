package middleware

import (
	"encoding/json"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/platformkit/platform/internal/config"
	"github.com/platformkit/platform/internal/observability"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRateLimiter_BlocksOverLimit(t *testing.T) {
	app := fiber.New()
	app.Use(NewRateLimiter(RateLimiterConfig{
		Name:       "test",
		Max:        2,
		Expiration: time.Minute,
	}))
	app.Get("/test", func(c *fiber.Ctx) error {
		return c.SendString("OK")
	})

	for i := 0; i < 2; i++ {
		resp, err := app.Test(httptest.NewRequest("GET", "/test", nil))
		require.NoError(t, err)
		assert.Equal(t, 200, resp.StatusCode)
	}

	resp, err := app.Test(httptest.NewRequest("GET", "/test", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusTooManyRequests, resp.StatusCode)
	assert.Equal(t, "60", resp.Header.Get(fiber.HeaderRetryAfter))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	var payload struct {
		Success bool `json:"success"`
		Error   struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(body, &payload))
	assert.False(t, payload.Success)
	assert.Equal(t, "RATE_LIMITED", payload.Error.Code)
	assert.Contains(t, payload.Error.Message, "Maximum 2 requests per 1m0s")
}

func TestStreamOpenLimiter_KeysByTarget(t *testing.T) {
	metrics := observability.NewMetrics()
	app := fiber.New()
	app.Get("/stream/:key",
		StreamOpenLimiter(config.RealtimeConfig{StreamRateLimit: 1, StreamRateWindow: time.Minute}, metrics),
		func(c *fiber.Ctx) error { return c.SendString("OK") },
	)

	resp, err := app.Test(httptest.NewRequest("GET", "/stream/u1", nil))
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)

	resp, err = app.Test(httptest.NewRequest("GET", "/stream/u1", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusTooManyRequests, resp.StatusCode)

	resp, err = app.Test(httptest.NewRequest("GET", "/stream/u2", nil))
	require.NoError(t, err)
	assert.Equal(t, 200, resp.StatusCode)

	count, err := testutil.GatherAndCount(metrics.Registry(), "platform_rate_limit_hits_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestNotificationSendLimiter(t *testing.T) {
	app := fiber.New()
	app.Post("/send",
		NotificationSendLimiter(config.NotificationConfig{SendRateLimit: 1, SendRateWindow: time.Minute}, nil),
		func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusAccepted) },
	)

	resp, err := app.Test(httptest.NewRequest("POST", "/send", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusAccepted, resp.StatusCode)

	resp, err = app.Test(httptest.NewRequest("POST", "/send", nil))
	require.NoError(t, err)
	assert.Equal(t, fiber.StatusTooManyRequests, resp.StatusCode)
}
