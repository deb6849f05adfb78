package middleware

import (
	"bytes"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultStructuredLoggerConfig(t *testing.T) {
	cfg := DefaultStructuredLoggerConfig()

	assert.Equal(t, []string{"/health", "/metrics"}, cfg.SkipPaths)
	assert.Contains(t, cfg.StreamPathPrefixes, "/api/v1/notifications/stream/")
	assert.False(t, cfg.SkipSuccessfulRequests)
	assert.Nil(t, cfg.Logger)
	assert.Equal(t, 1*time.Second, cfg.SlowRequestThreshold)
}

func TestRedactQueryString(t *testing.T) {
	tests := []struct {
		name        string
		input       string
		expected    []string
		notExpected []string
	}{
		{
			name:     "empty string",
			input:    "",
			expected: []string{""},
		},
		{
			name:     "no sensitive params",
			input:    "page=1&size=10",
			expected: []string{"page=1", "size=10"},
		},
		{
			name:     "target key is kept",
			input:    "key=u1",
			expected: []string{"key=u1"},
		},
		{
			name:        "redacts token",
			input:       "token=secret123&page=1",
			expected:    []string{"token=%5Bredacted%5D", "page=1"},
			notExpected: []string{"secret123"},
		},
		{
			name:        "case insensitive",
			input:       "Api_Key=mixedcase",
			expected:    []string{"%5Bredacted%5D"},
			notExpected: []string{"mixedcase"},
		},
		{
			name:     "invalid query string returns redacted",
			input:    "invalid=%zz",
			expected: []string{"[redacted]"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := redactQueryString(tt.input)

			for _, exp := range tt.expected {
				if exp == "" {
					assert.Equal(t, "", result)
				} else {
					assert.Contains(t, result, exp)
				}
			}
			for _, notExp := range tt.notExpected {
				assert.NotContains(t, result, notExp)
			}
		})
	}
}

func newLoggedApp(buf *bytes.Buffer, mutate func(*StructuredLoggerConfig)) *fiber.App {
	logger := zerolog.New(buf)
	cfg := DefaultStructuredLoggerConfig()
	cfg.Logger = &logger
	if mutate != nil {
		mutate(&cfg)
	}

	app := fiber.New()
	app.Use(StructuredLogger(cfg))
	app.Get("/health", func(c *fiber.Ctx) error { return c.SendString("ok") })
	app.Get("/api/v1/ok", func(c *fiber.Ctx) error { return c.SendString("ok") })
	app.Get("/api/v1/missing", func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusNotFound) })
	app.Get("/api/v1/boom", func(c *fiber.Ctx) error { return fiber.ErrInternalServerError })
	app.Get("/api/v1/slow", func(c *fiber.Ctx) error {
		time.Sleep(20 * time.Millisecond)
		return c.SendString("ok")
	})
	app.Get("/api/v1/notifications/stream/:key", func(c *fiber.Ctx) error {
		time.Sleep(20 * time.Millisecond)
		return c.SendString("data")
	})
	return app
}

func lastEntry(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.NotEmpty(t, lines)
	var entry map[string]any
	require.NoError(t, json.Unmarshal(lines[len(lines)-1], &entry))
	return entry
}

func TestStructuredLogger_Levels(t *testing.T) {
	tests := []struct {
		path  string
		level string
	}{
		{"/api/v1/ok", "info"},
		{"/api/v1/missing", "warn"},
		{"/api/v1/boom", "error"},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			var buf bytes.Buffer
			app := newLoggedApp(&buf, nil)

			req := httptest.NewRequest("GET", tt.path+"?page=2&token=abc", nil)
			req.Header.Set(fiber.HeaderXRequestID, "req-1")
			_, err := app.Test(req)
			require.NoError(t, err)

			entry := lastEntry(t, &buf)
			assert.Equal(t, tt.level, entry["level"])
			assert.Equal(t, tt.path, entry["path"])
			assert.Equal(t, "req-1", entry["request_id"])
			assert.NotContains(t, entry["query"], "abc")
			assert.Equal(t, "HTTP request", entry["message"])
		})
	}
}

func TestStructuredLogger_SkipsPaths(t *testing.T) {
	var buf bytes.Buffer
	app := newLoggedApp(&buf, nil)

	_, err := app.Test(httptest.NewRequest("GET", "/health", nil))
	require.NoError(t, err)
	assert.Empty(t, buf.String())
}

func TestStructuredLogger_SlowAndStream(t *testing.T) {
	var buf bytes.Buffer
	app := newLoggedApp(&buf, func(cfg *StructuredLoggerConfig) {
		cfg.SlowRequestThreshold = 5 * time.Millisecond
	})

	_, err := app.Test(httptest.NewRequest("GET", "/api/v1/slow", nil))
	require.NoError(t, err)
	entry := lastEntry(t, &buf)
	assert.Equal(t, "warn", entry["level"])
	assert.Equal(t, true, entry["slow_request"])

	buf.Reset()
	_, err = app.Test(httptest.NewRequest("GET", "/api/v1/notifications/stream/u1", nil))
	require.NoError(t, err)
	entry = lastEntry(t, &buf)
	assert.Equal(t, "info", entry["level"])
	assert.Equal(t, true, entry["stream"])
	assert.Nil(t, entry["slow_request"])
}

func TestStructuredLogger_SkipSuccessfulRequests(t *testing.T) {
	var buf bytes.Buffer
	app := newLoggedApp(&buf, func(cfg *StructuredLoggerConfig) {
		cfg.SkipSuccessfulRequests = true
	})

	_, err := app.Test(httptest.NewRequest("GET", "/api/v1/ok", nil))
	require.NoError(t, err)
	assert.Empty(t, buf.String())

	_, err = app.Test(httptest.NewRequest("GET", "/api/v1/missing", nil))
	require.NoError(t, err)
	assert.NotEmpty(t, buf.String())
}
