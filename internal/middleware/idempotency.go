package middleware

import (
	"fmt"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/platformkit/platform/internal/config"
	"github.com/platformkit/platform/internal/idempotency"
	"github.com/rs/zerolog/log"
)

// IdempotencyConfig configures the idempotency middleware
type IdempotencyConfig struct {
	// Guard claims keys in the shared key-value store
	Guard *idempotency.Guard

	// HeaderName is the header to look for idempotency keys (default: Idempotency-Key)
	HeaderName string

	// TTL is how long a claim is held after a successful request (default: 24h)
	TTL time.Duration

	// Methods to apply idempotency to (default: POST, PUT, DELETE, PATCH)
	Methods []string

	// PathPrefix filters which paths to apply idempotency to (default: /api/)
	PathPrefix string

	// ExcludePaths are paths to exclude from idempotency
	ExcludePaths []string

	// MaxKeyLength is the maximum allowed key length (default: 256)
	MaxKeyLength int
}

// DefaultIdempotencyConfig returns the default configuration
func DefaultIdempotencyConfig() IdempotencyConfig {
	return IdempotencyConfig{
		HeaderName:   "Idempotency-Key",
		TTL:          24 * time.Hour,
		Methods:      []string{"POST", "PUT", "DELETE", "PATCH"},
		PathPrefix:   "/api/",
		MaxKeyLength: 256,
	}
}

// IdempotencyConfigFrom builds the middleware configuration from the
// application settings
func IdempotencyConfigFrom(cfg config.IdempotencyConfig, guard *idempotency.Guard) IdempotencyConfig {
	return IdempotencyConfig{
		Guard:        guard,
		HeaderName:   cfg.HeaderName,
		TTL:          cfg.TTL,
		Methods:      cfg.Methods,
		PathPrefix:   cfg.PathPrefix,
		MaxKeyLength: cfg.MaxKeyLength,
	}
}

// IdempotencyMiddleware rejects a repeated request carrying an idempotency
// key that was already claimed. A request whose handler fails releases its
// claim so the client can retry with the same key.
type IdempotencyMiddleware struct {
	config     IdempotencyConfig
	methodSet  map[string]bool
	excludeSet map[string]bool
}

// NewIdempotencyMiddleware creates a new idempotency middleware
func NewIdempotencyMiddleware(config IdempotencyConfig) *IdempotencyMiddleware {
	defaults := DefaultIdempotencyConfig()
	if config.HeaderName == "" {
		config.HeaderName = defaults.HeaderName
	}
	if config.TTL == 0 {
		config.TTL = defaults.TTL
	}
	if len(config.Methods) == 0 {
		config.Methods = defaults.Methods
	}
	if config.MaxKeyLength == 0 {
		config.MaxKeyLength = defaults.MaxKeyLength
	}

	methodSet := make(map[string]bool)
	for _, m := range config.Methods {
		methodSet[strings.ToUpper(m)] = true
	}

	excludeSet := make(map[string]bool)
	for _, p := range config.ExcludePaths {
		excludeSet[p] = true
	}

	return &IdempotencyMiddleware{
		config:     config,
		methodSet:  methodSet,
		excludeSet: excludeSet,
	}
}

// Middleware returns a Fiber middleware handler
func (m *IdempotencyMiddleware) Middleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if !m.shouldApply(c) {
			return c.Next()
		}

		key := c.Get(m.config.HeaderName)
		if key == "" {
			return c.Next()
		}

		if len(key) > m.config.MaxKeyLength {
			return c.Status(fiber.StatusBadRequest).JSON(errorBody(
				"IDEMPOTENCY_KEY_TOO_LONG",
				fmt.Sprintf("Idempotency key exceeds maximum length of %d characters", m.config.MaxKeyLength),
			))
		}

		claim := claimID(c.Method(), c.Path(), key)

		if !m.config.Guard.TryAcquire(c.UserContext(), claim, m.config.TTL) {
			return c.Status(fiber.StatusConflict).JSON(errorBody(
				"IDEMPOTENCY_CONFLICT",
				"A request with this idempotency key has already been processed",
			))
		}

		err := c.Next()

		if err != nil || c.Response().StatusCode() >= fiber.StatusInternalServerError {
			m.config.Guard.Release(c.UserContext(), claim)
			log.Debug().Str("key", key).Msg("Released idempotency key after failed request")
		}

		return err
	}
}

// shouldApply checks if idempotency should be applied to this request
func (m *IdempotencyMiddleware) shouldApply(c *fiber.Ctx) bool {
	if m.config.Guard == nil {
		return false
	}
	if !m.methodSet[c.Method()] {
		return false
	}

	path := c.Path()
	if m.config.PathPrefix != "" && !strings.HasPrefix(path, m.config.PathPrefix) {
		return false
	}
	return !m.excludeSet[path]
}

func claimID(method, path, key string) string {
	return strings.Join([]string{"http", method, path, key}, ":")
}

func errorBody(code, message string) fiber.Map {
	return fiber.Map{
		"success": false,
		"error": fiber.Map{
			"code":    code,
			"message": message,
		},
	}
}
