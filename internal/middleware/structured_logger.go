package middleware

import (
	"net/url"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// sensitiveQueryParams are query parameters that should be redacted from logs
var sensitiveQueryParams = []string{"token", "access_token", "api_key", "apikey", "secret", "password"}

// StructuredLoggerConfig holds configuration for structured logging
type StructuredLoggerConfig struct {
	// SkipPaths are paths that should not be logged (e.g., health checks)
	SkipPaths []string
	// StreamPathPrefixes mark long-lived streaming routes. They are logged when
	// the stream is accepted and are never flagged as slow.
	StreamPathPrefixes []string
	// SkipSuccessfulRequests skips logging successful requests (2xx status codes)
	SkipSuccessfulRequests bool
	// Logger is the zerolog logger to use (defaults to global log)
	Logger *zerolog.Logger
	// SlowRequestThreshold logs slow requests with WARN level (0 = disabled)
	SlowRequestThreshold time.Duration
}

// DefaultStructuredLoggerConfig returns default configuration
func DefaultStructuredLoggerConfig() StructuredLoggerConfig {
	return StructuredLoggerConfig{
		SkipPaths: []string{
			"/health",
			"/metrics",
		},
		StreamPathPrefixes:   []string{"/api/v1/notifications/stream/"},
		SlowRequestThreshold: 1 * time.Second,
	}
}

// redactQueryString redacts sensitive query parameters from a query string
func redactQueryString(queryString string) string {
	if queryString == "" {
		return ""
	}

	values, err := url.ParseQuery(queryString)
	if err != nil {
		return "[redacted]"
	}

	for key := range values {
		for _, param := range sensitiveQueryParams {
			if strings.EqualFold(key, param) {
				values.Set(key, "[redacted]")
			}
		}
	}

	return values.Encode()
}

func hasAnyPrefix(path string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

// StructuredLogger returns a middleware that logs requests with structured logging
func StructuredLogger(config ...StructuredLoggerConfig) fiber.Handler {
	cfg := DefaultStructuredLoggerConfig()
	if len(config) > 0 {
		cfg = config[0]
	}

	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	skip := make(map[string]bool, len(cfg.SkipPaths))
	for _, p := range cfg.SkipPaths {
		skip[p] = true
	}

	return func(c *fiber.Ctx) error {
		path := c.Path()
		if skip[path] {
			return c.Next()
		}

		start := time.Now()
		requestID := c.Get(fiber.HeaderXRequestID)
		stream := hasAnyPrefix(path, cfg.StreamPathPrefixes)

		err := c.Next()

		duration := time.Since(start)
		status := c.Response().StatusCode()

		if cfg.SkipSuccessfulRequests && status >= 200 && status < 300 {
			return err
		}

		var logEvent *zerolog.Event
		switch {
		case err != nil:
			logEvent = logger.Error().Err(err)
		case status >= 500:
			logEvent = logger.Error()
		case status >= 400:
			logEvent = logger.Warn()
		case !stream && cfg.SlowRequestThreshold > 0 && duration > cfg.SlowRequestThreshold:
			logEvent = logger.Warn().Bool("slow_request", true)
		default:
			logEvent = logger.Info()
		}

		logEvent = logEvent.
			Str("method", c.Method()).
			Str("path", path).
			Str("ip", c.IP()).
			Int("status", status).
			Int64("duration_ms", duration.Milliseconds()).
			Str("user_agent", c.Get(fiber.HeaderUserAgent))

		if requestID != "" {
			logEvent = logEvent.Str("request_id", requestID)
		}
		if queryString := string(c.Request().URI().QueryString()); queryString != "" {
			logEvent = logEvent.Str("query", redactQueryString(queryString))
		}
		if stream {
			logEvent = logEvent.Bool("stream", true)
		} else {
			logEvent = logEvent.Int("response_bytes", len(c.Response().Body()))
		}

		logEvent.Msg("HTTP request")

		return err
	}
}
