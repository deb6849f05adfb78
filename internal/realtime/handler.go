package realtime

import (
	"bufio"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/utils"
	"github.com/platformkit/platform/internal/config"
	"github.com/rs/zerolog/log"
)

// Handler serves the server-sent events endpoints
type Handler struct {
	registry       *Registry
	defaultTimeout time.Duration
	maxTimeout     time.Duration
}

// NewHandler creates a new SSE handler
func NewHandler(registry *Registry, cfg config.RealtimeConfig) *Handler {
	return &Handler{
		registry:       registry,
		defaultTimeout: cfg.DefaultTimeout,
		maxTimeout:     cfg.MaxTimeout,
	}
}

// StatusResponse describes the connections open on this instance
type StatusResponse struct {
	ConnectionCount int      `json:"connectionCount"`
	ConnectedKeys   []string `json:"connectedKeys"`
}

// Stream opens a server-sent events stream for the :key path parameter.
// ?timeout= overrides the configured timeout in seconds (0 = unbounded),
// capped at the configured maximum.
func (h *Handler) Stream(c *fiber.Ctx) error {
	// The stream writer outlives the pooled Ctx, so the key must not alias its buffers
	key := utils.CopyString(c.Params("key"))
	if key == "" {
		return fiber.NewError(fiber.StatusBadRequest, "key is required")
	}

	timeout, err := h.resolveTimeout(c)
	if err != nil {
		return err
	}

	c.Set(fiber.HeaderContentType, "text/event-stream")
	c.Set(fiber.HeaderCacheControl, "no-cache")
	c.Set(fiber.HeaderConnection, "keep-alive")
	c.Set("X-Accel-Buffering", "no")

	registry := h.registry
	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		sink := NewSSESink(w)
		conn, err := registry.Open(key, timeout, sink)
		if err != nil {
			log.Warn().Err(err).Str("key", key).Msg("Rejected SSE connection")
			_ = sink.WriteComment(err.Error())
			return
		}
		// The response stays open until the connection terminates
		<-conn.Done()
	})

	return nil
}

func (h *Handler) resolveTimeout(c *fiber.Ctx) (time.Duration, error) {
	timeout := h.defaultTimeout
	if raw := c.Query("timeout"); raw != "" {
		secs := c.QueryInt("timeout", -1)
		if secs < 0 {
			return 0, fiber.NewError(fiber.StatusBadRequest, "timeout must be a non-negative number of seconds")
		}
		timeout = time.Duration(secs) * time.Second
	}

	if h.maxTimeout > 0 && (timeout == 0 || timeout > h.maxTimeout) {
		timeout = h.maxTimeout
	}
	return timeout, nil
}

// Snapshot returns connectionCount and connectedKeys for this instance
func (h *Handler) Snapshot() StatusResponse {
	return StatusResponse{
		ConnectionCount: h.registry.Count(),
		ConnectedKeys:   h.registry.Keys(),
	}
}

// Disconnect completes the stream for :key on this instance
func (h *Handler) Disconnect(c *fiber.Ctx) error {
	key := c.Params("key")
	if !h.registry.Close(key) {
		return fiber.NewError(fiber.StatusNotFound, "no open connection for key")
	}
	return c.SendStatus(fiber.StatusNoContent)
}
