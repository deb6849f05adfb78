package observability

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the platform.
// Each instance owns its registry, so several can coexist in one process.
// All Record/Update methods are safe to call on a nil *Metrics.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP metrics
	httpRequestsTotal    *prometheus.CounterVec
	httpRequestDuration  *prometheus.HistogramVec
	httpRequestsInFlight prometheus.Gauge

	// Realtime metrics
	realtimeConnections       prometheus.Gauge
	realtimeConnectionsOpened prometheus.Counter
	realtimeConnectionsClosed *prometheus.CounterVec
	realtimePushesTotal       *prometheus.CounterVec
	realtimeKeepAlivesTotal   *prometheus.CounterVec

	// Pub/sub metrics
	pubsubMessagesTotal *prometheus.CounterVec

	// Notification metrics
	notificationsPublishedTotal *prometheus.CounterVec
	notificationsHandledTotal   *prometheus.CounterVec

	// Cache metrics
	cacheInvalidationsTotal *prometheus.CounterVec
	cacheLoadsTotal         *prometheus.CounterVec

	// Idempotency metrics
	idempotencyClaimsTotal *prometheus.CounterVec

	// Database metrics
	dbQueriesTotal  *prometheus.CounterVec
	dbQueryDuration *prometheus.HistogramVec

	// Outbox metrics
	outboxEventsTotal   *prometheus.CounterVec
	outboxBatchDuration prometheus.Histogram

	// Rate limiting metrics
	rateLimitHitsTotal *prometheus.CounterVec

	// System metrics
	systemUptime prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics on a fresh registry
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	m := &Metrics{
		registry: reg,

		// HTTP metrics
		httpRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "platform_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		httpRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "platform_http_request_duration_seconds",
				Help:    "HTTP request latency in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path", "status"},
		),
		httpRequestsInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "platform_http_requests_in_flight",
				Help: "Current number of HTTP requests being processed",
			},
		),

		// Realtime metrics
		realtimeConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "platform_realtime_connections",
				Help: "Current number of open server-sent event connections",
			},
		),
		realtimeConnectionsOpened: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "platform_realtime_connections_opened_total",
				Help: "Total number of server-sent event connections opened",
			},
		),
		realtimeConnectionsClosed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "platform_realtime_connections_closed_total",
				Help: "Total number of server-sent event connections closed, by cause",
			},
			[]string{"cause"},
		),
		realtimePushesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "platform_realtime_pushes_total",
				Help: "Total number of push attempts, by result",
			},
			[]string{"result"},
		),
		realtimeKeepAlivesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "platform_realtime_keepalives_total",
				Help: "Total number of keep-alive ticks, by result",
			},
			[]string{"result"},
		),

		// Pub/sub metrics
		pubsubMessagesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "platform_pubsub_messages_total",
				Help: "Total number of pub/sub messages, by channel and outcome",
			},
			[]string{"channel", "outcome"},
		),

		// Notification metrics
		notificationsPublishedTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "platform_notifications_published_total",
				Help: "Total number of notifications published, by result",
			},
			[]string{"result"},
		),
		notificationsHandledTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "platform_notifications_handled_total",
				Help: "Total number of notification messages handled by this instance, by result",
			},
			[]string{"result"},
		),

		// Cache metrics
		cacheInvalidationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "platform_cache_invalidations_total",
				Help: "Total number of cache invalidations applied, by cache, origin and scope",
			},
			[]string{"cache", "origin", "scope"},
		),
		cacheLoadsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "platform_cache_loads_total",
				Help: "Total number of cache lookups through GetOrLoad, by cache and result",
			},
			[]string{"cache", "result"},
		),

		// Idempotency metrics
		idempotencyClaimsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "platform_idempotency_claims_total",
				Help: "Total number of idempotency claims, by result",
			},
			[]string{"result"},
		),

		// Database metrics
		dbQueriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "platform_db_queries_total",
				Help: "Total number of database queries",
			},
			[]string{"operation", "table", "status"},
		),
		dbQueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "platform_db_query_duration_seconds",
				Help:    "Database query duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"operation", "table"},
		),

		// Outbox metrics
		outboxEventsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "platform_outbox_events_total",
				Help: "Total number of outbox events relayed, by result",
			},
			[]string{"result"},
		),
		outboxBatchDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "platform_outbox_batch_duration_seconds",
				Help:    "Duration of outbox relay batches in seconds",
				Buckets: prometheus.DefBuckets,
			},
		),

		// Rate limiting metrics
		rateLimitHitsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "platform_rate_limit_hits_total",
				Help: "Total number of requests rejected by a rate limiter",
			},
			[]string{"limiter"},
		),

		// System metrics
		systemUptime: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "platform_uptime_seconds",
				Help: "Process uptime in seconds",
			},
		),
	}

	return m
}

// Registry returns the registry the metrics are registered on
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// MetricsMiddleware returns a Fiber middleware that collects HTTP metrics
func (m *Metrics) MetricsMiddleware() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if m == nil {
			return c.Next()
		}

		start := time.Now()
		m.httpRequestsInFlight.Inc()
		defer m.httpRequestsInFlight.Dec()

		method := c.Method()

		err := c.Next()

		// Route templates keep label cardinality bounded
		path := normalizePath(c.Path())
		if route := c.Route(); route != nil && route.Path != "" {
			path = route.Path
		}

		status := c.Response().StatusCode()
		if err != nil {
			if fe, ok := err.(*fiber.Error); ok {
				status = fe.Code
			} else {
				status = fiber.StatusInternalServerError
			}
		}
		class := statusClass(status)

		m.httpRequestsTotal.WithLabelValues(method, path, class).Inc()
		m.httpRequestDuration.WithLabelValues(method, path, class).Observe(time.Since(start).Seconds())

		return err
	}
}

// UpdateRealtimeConnections sets the open connection gauge
func (m *Metrics) UpdateRealtimeConnections(n int) {
	if m == nil {
		return
	}
	m.realtimeConnections.Set(float64(n))
}

// RecordConnectionOpened records a new server-sent event connection
func (m *Metrics) RecordConnectionOpened() {
	if m == nil {
		return
	}
	m.realtimeConnectionsOpened.Inc()
}

// RecordConnectionClosed records a connection reaching a terminal state
func (m *Metrics) RecordConnectionClosed(cause string) {
	if m == nil {
		return
	}
	m.realtimeConnectionsClosed.WithLabelValues(cause).Inc()
}

// RecordPush records a push attempt: delivered, no_listener, closed or failed
func (m *Metrics) RecordPush(result string) {
	if m == nil {
		return
	}
	m.realtimePushesTotal.WithLabelValues(result).Inc()
}

// RecordKeepAlive records a keep-alive tick: sent, stopped or failed
func (m *Metrics) RecordKeepAlive(result string) {
	if m == nil {
		return
	}
	m.realtimeKeepAlivesTotal.WithLabelValues(result).Inc()
}

// RecordPubSubMessage records a pub/sub event: published, publish_error, received or handler_panic
func (m *Metrics) RecordPubSubMessage(channel, outcome string) {
	if m == nil {
		return
	}
	m.pubsubMessagesTotal.WithLabelValues(channel, outcome).Inc()
}

// RecordNotificationPublished records a notification publish: ok, publish_error or persist_error
func (m *Metrics) RecordNotificationPublished(result string) {
	if m == nil {
		return
	}
	m.notificationsPublishedTotal.WithLabelValues(result).Inc()
}

// RecordNotificationHandled records a received notification: delivered, no_listener or malformed
func (m *Metrics) RecordNotificationHandled(result string) {
	if m == nil {
		return
	}
	m.notificationsHandledTotal.WithLabelValues(result).Inc()
}

// RecordCacheInvalidation records an applied eviction. origin is local or remote, scope is key or all.
func (m *Metrics) RecordCacheInvalidation(cache, origin, scope string) {
	if m == nil {
		return
	}
	m.cacheInvalidationsTotal.WithLabelValues(cache, origin, scope).Inc()
}

// RecordCacheLoad records a GetOrLoad lookup: hit, loaded or error
func (m *Metrics) RecordCacheLoad(cache, result string) {
	if m == nil {
		return
	}
	m.cacheLoadsTotal.WithLabelValues(cache, result).Inc()
}

// RecordIdempotencyClaim records a claim attempt: acquired, conflict or fail_open
func (m *Metrics) RecordIdempotencyClaim(result string) {
	if m == nil {
		return
	}
	m.idempotencyClaimsTotal.WithLabelValues(result).Inc()
}

// RecordDBQuery records a database query
func (m *Metrics) RecordDBQuery(operation, table string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	m.dbQueriesTotal.WithLabelValues(operation, table, status).Inc()
	m.dbQueryDuration.WithLabelValues(operation, table).Observe(duration.Seconds())
}

// RecordOutboxEvent records a relayed event: processed, failed or duplicate
func (m *Metrics) RecordOutboxEvent(result string) {
	if m == nil {
		return
	}
	m.outboxEventsTotal.WithLabelValues(result).Inc()
}

// RecordOutboxBatch records the duration of one relay run
func (m *Metrics) RecordOutboxBatch(duration time.Duration) {
	if m == nil {
		return
	}
	m.outboxBatchDuration.Observe(duration.Seconds())
}

// RecordRateLimitHit records a rate limit hit
func (m *Metrics) RecordRateLimitHit(limiter string) {
	if m == nil {
		return
	}
	m.rateLimitHitsTotal.WithLabelValues(limiter).Inc()
}

// UpdateUptime updates the system uptime metric
func (m *Metrics) UpdateUptime(startTime time.Time) {
	if m == nil {
		return
	}
	m.systemUptime.Set(time.Since(startTime).Seconds())
}

// Handler returns a Fiber handler that exposes this instance's Prometheus registry
func (m *Metrics) Handler() fiber.Handler {
	return adaptor.HTTPHandler(promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}))
}

// normalizePath bounds the path label for unmatched routes
func normalizePath(path string) string {
	if len(path) > 50 {
		return "long_path"
	}
	return path
}

// statusClass returns the status code class (2xx, 3xx, 4xx, 5xx)
func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	case status >= 200:
		return "2xx"
	default:
		return "unknown"
	}
}
