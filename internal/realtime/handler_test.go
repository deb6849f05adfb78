package realtime

import (
	"bufio"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/platformkit/platform/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestApp(r *Registry, cfg config.RealtimeConfig) *fiber.App {
	h := NewHandler(r, cfg)
	app := fiber.New()
	app.Get("/stream/:key", h.Stream)
	app.Delete("/stream/:key", h.Disconnect)
	return app
}

func TestHandler_StreamWritesKeepAliveAndEndsOnTimeout(t *testing.T) {
	r := NewRegistry(10 * time.Millisecond)
	defer r.Shutdown()
	app := newTestApp(r, config.RealtimeConfig{})

	resp, err := app.Test(httptest.NewRequest("GET", "/stream/u1?timeout=1", nil), 5000)
	require.NoError(t, err)

	assert.Equal(t, 200, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	assert.Equal(t, "no-cache", resp.Header.Get("Cache-Control"))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), ": keep-alive\n\n")
	assert.False(t, r.IsOpen("u1"))
}

func TestHandler_StreamRejectsBadTimeout(t *testing.T) {
	r := NewRegistry(time.Hour)
	defer r.Shutdown()
	app := newTestApp(r, config.RealtimeConfig{})

	resp, err := app.Test(httptest.NewRequest("GET", "/stream/u1?timeout=abc", nil))
	require.NoError(t, err)
	assert.Equal(t, 400, resp.StatusCode)
}

func TestHandler_ResolveTimeout(t *testing.T) {
	tests := []struct {
		name  string
		cfg   config.RealtimeConfig
		query string
		want  time.Duration
	}{
		{name: "default unbounded", query: "", want: 0},
		{name: "configured default", cfg: config.RealtimeConfig{DefaultTimeout: time.Minute}, want: time.Minute},
		{name: "query override", query: "?timeout=30", want: 30 * time.Second},
		{name: "capped by max", cfg: config.RealtimeConfig{MaxTimeout: 10 * time.Second}, query: "?timeout=30", want: 10 * time.Second},
		{name: "unbounded capped by max", cfg: config.RealtimeConfig{MaxTimeout: 10 * time.Second}, query: "?timeout=0", want: 10 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHandler(NewRegistry(time.Hour), tt.cfg)
			app := fiber.New()
			var got time.Duration
			app.Get("/t", func(c *fiber.Ctx) error {
				d, err := h.resolveTimeout(c)
				got = d
				return err
			})

			resp, err := app.Test(httptest.NewRequest("GET", "/t"+tt.query, nil))
			require.NoError(t, err)
			assert.Equal(t, 200, resp.StatusCode)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestHandler_StatusAndDisconnect(t *testing.T) {
	r := NewRegistry(time.Hour)
	defer r.Shutdown()
	app := newTestApp(r, config.RealtimeConfig{})

	conn, err := r.Open("u2", 0, &recordingSink{})
	require.NoError(t, err)
	_, err = r.Open("u1", 0, &recordingSink{})
	require.NoError(t, err)

	status := NewHandler(r, config.RealtimeConfig{}).Snapshot()
	assert.Equal(t, 2, status.ConnectionCount)
	assert.Equal(t, []string{"u1", "u2"}, status.ConnectedKeys)

	resp, err := app.Test(httptest.NewRequest("DELETE", "/stream/u2", nil))
	require.NoError(t, err)
	assert.Equal(t, 204, resp.StatusCode)
	waitDone(t, conn)

	resp, err = app.Test(httptest.NewRequest("DELETE", "/stream/u2", nil))
	require.NoError(t, err)
	assert.Equal(t, 404, resp.StatusCode)
}

// app.Test gives every request a fresh Ctx; a real listener reuses pooled
// contexts, which is what the stream writer must survive.
func TestHandler_StreamKeySurvivesContextReuse(t *testing.T) {
	r := NewRegistry(time.Hour)
	app := newTestApp(r, config.RealtimeConfig{})

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = app.Listener(ln) }()
	defer func() { _ = app.Shutdown() }()
	defer r.Shutdown()

	base := "http://" + ln.Addr().String()

	// Headers reach the client with the first frame, so read in the background
	lines := make(chan string, 64)
	go func() {
		defer close(lines)
		resp, err := http.Get(base + "/stream/u1")
		if err != nil {
			return
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return
		}
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	require.Eventually(t, func() bool { return r.IsOpen("u1") }, 2*time.Second, 10*time.Millisecond)

	for i := 0; i < 50; i++ {
		other, err := http.Get(base + "/stream/zzzz?timeout=bad")
		require.NoError(t, err)
		_, _ = io.Copy(io.Discard, other.Body)
		other.Body.Close()
		assert.Equal(t, http.StatusBadRequest, other.StatusCode)
	}

	assert.Equal(t, []string{"u1"}, r.Keys())
	assert.True(t, r.IsOpen("u1"))
	require.True(t, r.Push("u1", map[string]string{"msg": "hi"}))

	deadline := time.After(2 * time.Second)
	for {
		select {
		case line, ok := <-lines:
			require.True(t, ok, "stream ended before the push arrived")
			if strings.HasPrefix(line, "data: ") {
				assert.JSONEq(t, `{"msg":"hi"}`, strings.TrimPrefix(line, "data: "))
				return
			}
		case <-deadline:
			t.Fatal("push did not reach the client")
		}
	}
}
