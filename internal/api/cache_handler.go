package api

import (
	"github.com/gofiber/fiber/v2"
	"github.com/platformkit/platform/internal/cache"
)

// CacheHandler exposes cluster-wide cache eviction
type CacheHandler struct {
	manager     *cache.Manager
	invalidator *cache.Invalidator
}

// NewCacheHandler creates a cache handler
func NewCacheHandler(manager *cache.Manager, invalidator *cache.Invalidator) *CacheHandler {
	return &CacheHandler{manager: manager, invalidator: invalidator}
}

// RegisterRoutes registers cache routes
func (h *CacheHandler) RegisterRoutes(router fiber.Router) {
	c := router.Group("/cache")
	c.Get("/stats", h.Stats)
	c.Delete("/", h.EvictAll)
	c.Delete("/:name", h.Evict)
}

// Evict handles DELETE /cache/:name?key=. Without a key the whole cache is
// cleared. Local eviction always happens; propagated reports whether the
// other instances were told.
func (h *CacheHandler) Evict(c *fiber.Ctx) error {
	name := c.Params("name")
	if _, ok := h.manager.Get(name); !ok {
		return SendError(c, fiber.StatusNotFound, CodeCacheNotFound, "Unknown cache: "+name)
	}

	var key *string
	if k := c.Query("key"); k != "" {
		key = &k
	}

	err := h.invalidator.Evict(c.UserContext(), name, key)
	return sendOK(c, fiber.Map{
		"cache":      name,
		"key":        key,
		"propagated": err == nil,
	})
}

// EvictAll handles DELETE /cache and clears every registered cache
func (h *CacheHandler) EvictAll(c *fiber.Ctx) error {
	names := h.manager.Names()
	err := h.invalidator.EvictAll(c.UserContext(), names...)
	return sendOK(c, fiber.Map{
		"caches":     names,
		"propagated": err == nil,
	})
}

// Stats handles GET /cache/stats
func (h *CacheHandler) Stats(c *fiber.Ctx) error {
	return sendOK(c, h.manager.Stats())
}
