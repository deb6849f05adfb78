package middleware

import (
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/storage/memory/v2"
	"github.com/platformkit/platform/internal/config"
	"github.com/platformkit/platform/internal/observability"
)

// RateLimiterConfig holds configuration for rate limiting
type RateLimiterConfig struct {
	Name       string                  // Limiter name used in metrics
	Max        int                     // Maximum number of requests
	Expiration time.Duration           // Time window for the rate limit
	KeyFunc    func(*fiber.Ctx) string // Function to generate the key for rate limiting
	Message    string                  // Custom error message
	Metrics    *observability.Metrics  // Optional hit counter
}

// NewRateLimiter creates a new rate limiter middleware with custom configuration.
// Counters are kept per instance in memory.
func NewRateLimiter(config RateLimiterConfig) fiber.Handler {
	storage := memory.New(memory.Config{
		GCInterval: 10 * time.Minute,
	})

	if config.KeyFunc == nil {
		config.KeyFunc = func(c *fiber.Ctx) string {
			return c.IP()
		}
	}

	if config.Message == "" {
		config.Message = fmt.Sprintf("Rate limit exceeded. Maximum %d requests per %s allowed.",
			config.Max, config.Expiration.String())
	}

	return limiter.New(limiter.Config{
		Max:          config.Max,
		Expiration:   config.Expiration,
		KeyGenerator: config.KeyFunc,
		LimitReached: func(c *fiber.Ctx) error {
			config.Metrics.RecordRateLimitHit(config.Name)
			c.Set(fiber.HeaderRetryAfter, fmt.Sprintf("%d", int(config.Expiration.Seconds())))
			return c.Status(fiber.StatusTooManyRequests).JSON(errorBody("RATE_LIMITED", config.Message))
		},
		Storage: storage,
	})
}

// StreamOpenLimiter limits how often one client may (re)open the stream of
// one target key. Reconnect storms replace the connection on every attempt.
func StreamOpenLimiter(cfg config.RealtimeConfig, metrics *observability.Metrics) fiber.Handler {
	return NewRateLimiter(RateLimiterConfig{
		Name:       "stream_open",
		Max:        cfg.StreamRateLimit,
		Expiration: cfg.StreamRateWindow,
		KeyFunc: func(c *fiber.Ctx) string {
			return "stream:" + c.Params("key") + ":" + c.IP()
		},
		Message: "Too many stream connections. Please wait before reconnecting.",
		Metrics: metrics,
	})
}

// NotificationSendLimiter limits notification publishing per client IP
func NotificationSendLimiter(cfg config.NotificationConfig, metrics *observability.Metrics) fiber.Handler {
	return NewRateLimiter(RateLimiterConfig{
		Name:       "notification_send",
		Max:        cfg.SendRateLimit,
		Expiration: cfg.SendRateWindow,
		KeyFunc: func(c *fiber.Ctx) string {
			return "send:" + c.IP()
		},
		Metrics: metrics,
	})
}
