package api

import (
	"context"
	"runtime"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/platformkit/platform/internal/cache"
	"github.com/platformkit/platform/internal/database"
	"github.com/platformkit/platform/internal/kvstore"
	"github.com/platformkit/platform/internal/realtime"
)

// MonitoringHandler serves health and runtime statistics
type MonitoringHandler struct {
	db        *database.Connection
	store     kvstore.Store
	realtime  *realtime.Handler
	caches    *cache.Manager
	backend   string
	startTime time.Time
}

// NewMonitoringHandler creates a monitoring handler. db may be nil when the
// database is disabled.
func NewMonitoringHandler(db *database.Connection, store kvstore.Store, rt *realtime.Handler, caches *cache.Manager, pubsubBackend string) *MonitoringHandler {
	return &MonitoringHandler{
		db:        db,
		store:     store,
		realtime:  rt,
		caches:    caches,
		backend:   pubsubBackend,
		startTime: time.Now(),
	}
}

// RegisterRoutes registers monitoring routes
func (h *MonitoringHandler) RegisterRoutes(app *fiber.App) {
	app.Get("/health", h.GetHealth)
	app.Get("/api/v1/monitoring/metrics", h.GetMetrics)
}

// SystemMetrics is a point-in-time snapshot of this instance
type SystemMetrics struct {
	Uptime       int64  `json:"uptimeSeconds"`
	GoVersion    string `json:"goVersion"`
	NumGoroutine int    `json:"numGoroutines"`

	MemoryAllocMB uint64 `json:"memoryAllocMb"`
	MemorySysMB   uint64 `json:"memorySysMb"`
	NumGC         uint32 `json:"numGc"`

	Realtime realtime.StatusResponse `json:"realtime"`
	Caches   []cache.Stats           `json:"caches"`
	Database *DatabaseStats          `json:"database,omitempty"`
}

// DatabaseStats summarises the pgx pool
type DatabaseStats struct {
	AcquiredConns     int32   `json:"acquiredConns"`
	IdleConns         int32   `json:"idleConns"`
	TotalConns        int32   `json:"totalConns"`
	MaxConns          int32   `json:"maxConns"`
	AcquireCount      int64   `json:"acquireCount"`
	AcquireDurationMS float64 `json:"acquireDurationMs"`
}

// HealthStatus is the health of one dependency
type HealthStatus struct {
	Status  string `json:"status"` // "healthy", "degraded", "unhealthy"
	Message string `json:"message,omitempty"`
	Latency int64  `json:"latencyMs"`
}

// SystemHealth is the aggregate health of the instance
type SystemHealth struct {
	Status    string                  `json:"status"`
	Services  map[string]HealthStatus `json:"services"`
	Timestamp time.Time               `json:"timestamp"`
}

// GetMetrics returns runtime, connection, cache and pool statistics
func (h *MonitoringHandler) GetMetrics(c *fiber.Ctx) error {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	metrics := SystemMetrics{
		Uptime:        int64(time.Since(h.startTime).Seconds()),
		GoVersion:     runtime.Version(),
		NumGoroutine:  runtime.NumGoroutine(),
		MemoryAllocMB: m.Alloc / 1024 / 1024,
		MemorySysMB:   m.Sys / 1024 / 1024,
		NumGC:         m.NumGC,
		Realtime:      h.realtime.Snapshot(),
		Caches:        h.caches.Stats(),
	}

	if h.db != nil {
		stat := h.db.Stats()
		metrics.Database = &DatabaseStats{
			AcquiredConns:     stat.AcquiredConns(),
			IdleConns:         stat.IdleConns(),
			TotalConns:        stat.TotalConns(),
			MaxConns:          stat.MaxConns(),
			AcquireCount:      stat.AcquireCount(),
			AcquireDurationMS: float64(stat.AcquireDuration().Milliseconds()),
		}
	}

	return sendOK(c, metrics)
}

// GetHealth reports liveness. The key-value store and database are probed;
// a failing store only degrades the instance since delivery keeps working.
func (h *MonitoringHandler) GetHealth(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.UserContext(), 5*time.Second)
	defer cancel()

	health := SystemHealth{
		Status:    "healthy",
		Services:  make(map[string]HealthStatus),
		Timestamp: time.Now().UTC(),
	}

	health.Services["realtime"] = HealthStatus{
		Status:  "healthy",
		Message: "connections: " + strconv.Itoa(h.realtime.Snapshot().ConnectionCount),
	}
	health.Services["pubsub"] = HealthStatus{Status: "healthy", Message: h.backend}

	start := time.Now()
	_, err := h.store.Exists(ctx, "platform:health")
	store := HealthStatus{Status: "healthy", Latency: time.Since(start).Milliseconds()}
	if err != nil {
		store.Status = "degraded"
		store.Message = err.Error()
		health.Status = "degraded"
	}
	health.Services["kvstore"] = store

	if h.db != nil {
		start := time.Now()
		err := h.db.Health(ctx)
		db := HealthStatus{Status: "healthy", Latency: time.Since(start).Milliseconds()}
		if err != nil {
			db.Status = "unhealthy"
			db.Message = err.Error()
			health.Status = "unhealthy"
		}
		health.Services["database"] = db
	}

	if health.Status == "unhealthy" {
		c.Status(fiber.StatusServiceUnavailable)
	}
	return c.JSON(health)
}
