package api

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/gofiber/fiber/v2/middleware/requestid"
	"github.com/platformkit/platform/internal/cache"
	"github.com/platformkit/platform/internal/config"
	"github.com/platformkit/platform/internal/database"
	"github.com/platformkit/platform/internal/idempotency"
	"github.com/platformkit/platform/internal/kvstore"
	"github.com/platformkit/platform/internal/middleware"
	"github.com/platformkit/platform/internal/notification"
	"github.com/platformkit/platform/internal/observability"
	"github.com/platformkit/platform/internal/outbox"
	"github.com/platformkit/platform/internal/pubsub"
	"github.com/platformkit/platform/internal/realtime"
	"github.com/platformkit/platform/internal/scaling"
	"github.com/rs/zerolog/log"
)

// Deps are the backends a Server runs on. PubSub and Store are required;
// DB and Metrics may be nil.
type Deps struct {
	PubSub  pubsub.PubSub
	Store   kvstore.Store
	DB      *database.Connection
	Metrics *observability.Metrics
}

// Server represents the HTTP server and the services behind it
type Server struct {
	app     *fiber.App
	config  *config.Config
	metrics *observability.Metrics
	started time.Time

	bridge   *pubsub.Bridge
	store    kvstore.Store
	registry *realtime.Registry
	guard    *idempotency.Guard

	realtimeHandler *realtime.Handler
	publisher       *notification.Publisher
	subscriber      *notification.Subscriber
	history         *notification.History

	caches      *cache.Manager
	invalidator *cache.Invalidator

	db         *database.Connection
	outboxRepo *outbox.Repository
	relay      *outbox.Relay
	dispatcher *outbox.Dispatcher
	leader     *scaling.LeaderElector

	notificationHandler *NotificationHandler
	stopBackground      context.CancelFunc
}

// NewServer wires the services and registers routes
func NewServer(cfg *config.Config, deps Deps) (*Server, error) {
	if deps.PubSub == nil || deps.Store == nil {
		return nil, errors.New("api: pubsub and store are required")
	}

	app := fiber.New(fiber.Config{
		ServerHeader:          "Platform",
		AppName:               "Platform",
		BodyLimit:             cfg.Server.BodyLimit,
		ReadTimeout:           cfg.Server.ReadTimeout,
		WriteTimeout:          cfg.Server.WriteTimeout,
		IdleTimeout:           cfg.Server.IdleTimeout,
		DisableStartupMessage: !cfg.Debug,
		ErrorHandler:          errorHandler,
	})

	caches, err := cache.NewManager(cfg.Cache.Caches)
	if err != nil {
		return nil, fmt.Errorf("failed to create caches: %w", err)
	}

	bridge := pubsub.NewBridge(deps.PubSub)
	registry := realtime.NewRegistry(cfg.Realtime.KeepAliveInterval)
	guard := idempotency.NewGuard(deps.Store, cfg.Idempotency.KeyPrefix, cfg.Idempotency.TTL)

	s := &Server{
		app:             app,
		config:          cfg,
		metrics:         deps.Metrics,
		started:         time.Now(),
		bridge:          bridge,
		store:           deps.Store,
		registry:        registry,
		guard:           guard,
		realtimeHandler: realtime.NewHandler(registry, cfg.Realtime),
		publisher:       notification.NewPublisher(bridge, deps.Store, cfg.PubSub.NotificationChannel, cfg.Notification.HistoryLimit),
		subscriber:      notification.NewSubscriber(registry),
		history:         notification.NewHistory(deps.Store, cfg.Notification.MaxPageSize),
		caches:          caches,
		invalidator:     cache.NewInvalidator(caches, bridge, cfg.PubSub.CacheChannel, cfg.InstanceID),
		db:              deps.DB,
		dispatcher:      outbox.NewDispatcher(guard),
	}
	s.notificationHandler = NewNotificationHandler(s.publisher, s.history, s.realtimeHandler)
	s.notificationHandler.RegisterOutboxHandlers(s.dispatcher)

	if deps.DB != nil {
		s.outboxRepo = outbox.NewRepository(deps.DB)
		if cfg.Outbox.Enabled {
			s.relay = outbox.NewRelay(s.outboxRepo, bridge, guard, cfg.PubSub.OutboxChannel, cfg.Outbox)
			s.notificationHandler.UseOutbox(deps.DB, s.outboxRepo)
			if cfg.Outbox.LeaderElection {
				s.leader = scaling.NewLeaderElector(deps.DB.Pool(), scaling.OutboxRelayLockID, "outbox-relay")
				s.relay.SetLeaderGate(s.leader)
			}
		}
	}

	s.applyMetrics()
	s.setupMiddlewares()
	s.setupRoutes()

	return s, nil
}

func (s *Server) applyMetrics() {
	m := s.metrics
	if m == nil {
		return
	}
	s.bridge.SetMetrics(m)
	s.registry.SetMetrics(m)
	s.publisher.SetMetrics(m)
	s.subscriber.SetMetrics(m)
	s.caches.SetMetrics(m)
	s.invalidator.SetMetrics(m)
	if s.db != nil {
		s.db.SetMetrics(m)
	}
	if s.relay != nil {
		s.relay.SetMetrics(m)
	}
}

func (s *Server) setupMiddlewares() {
	// Request ID first so every later log line can carry it
	s.app.Use(requestid.New())

	s.app.Use(recover.New(recover.Config{
		EnableStackTrace: s.config.Debug,
	}))

	s.app.Use(middleware.SecurityHeaders())
	s.app.Use(middleware.StructuredLogger(middleware.DefaultStructuredLoggerConfig()))

	if s.metrics != nil {
		s.app.Use(s.metrics.MetricsMiddleware())
	}

	idem := middleware.NewIdempotencyMiddleware(middleware.IdempotencyConfigFrom(s.config.Idempotency, s.guard))
	s.app.Use(idem.Middleware())
}

func (s *Server) setupRoutes() {
	NewMonitoringHandler(s.db, s.store, s.realtimeHandler, s.caches, s.config.PubSub.Backend).RegisterRoutes(s.app)

	if s.metrics != nil && s.config.Metrics.Enabled {
		s.app.Get(s.config.Metrics.Path, s.metrics.Handler())
	}

	v1 := s.app.Group("/api/v1")

	var streamLimiter, sendLimiter fiber.Handler
	if s.config.Realtime.StreamRateLimit > 0 {
		streamLimiter = middleware.StreamOpenLimiter(s.config.Realtime, s.metrics)
	}
	if s.config.Notification.SendRateLimit > 0 {
		sendLimiter = middleware.NotificationSendLimiter(s.config.Notification, s.metrics)
	}
	if s.config.Realtime.Enabled {
		s.notificationHandler.RegisterRoutes(v1, streamLimiter, sendLimiter)
	}

	NewCacheHandler(s.caches, s.invalidator).RegisterRoutes(v1)

	if s.outboxRepo != nil {
		NewOutboxHandler(s.outboxRepo).RegisterRoutes(v1)
	}

	s.app.Use(func(c *fiber.Ctx) error {
		return SendError(c, fiber.StatusNotFound, CodeNotFound, "Route not found: "+c.Path())
	})
}

// StartBackground subscribes the broadcast channels and starts the outbox
// relay. Subscriptions are active when it returns.
func (s *Server) StartBackground(ctx context.Context) error {
	ctx, s.stopBackground = context.WithCancel(ctx)

	listeners := []struct {
		channel string
		handler pubsub.Handler
	}{
		{s.config.PubSub.NotificationChannel, s.subscriber.Handle},
		{s.config.PubSub.CacheChannel, s.invalidator.Handle},
		{s.config.PubSub.OutboxChannel, s.dispatcher.Handle},
	}
	for _, l := range listeners {
		if err := s.bridge.Listen(ctx, l.channel, l.handler); err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", l.channel, err)
		}
	}

	if s.leader != nil {
		s.leader.Start(ctx,
			func() { log.Info().Str("instance_id", s.config.InstanceID).Msg("Outbox relay leadership acquired") },
			func() { log.Warn().Str("instance_id", s.config.InstanceID).Msg("Outbox relay leadership lost") },
		)
	}
	if s.relay != nil {
		if err := s.relay.Start(); err != nil {
			return err
		}
	}

	if s.metrics != nil {
		go s.reportUptime(ctx)
	}

	log.Info().
		Str("pubsub", s.config.PubSub.Backend).
		Bool("outbox", s.relay != nil).
		Msg("Background services started")
	return nil
}

func (s *Server) reportUptime(ctx context.Context) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		s.metrics.UpdateUptime(s.started)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Start starts the HTTP server
func (s *Server) Start() error {
	return s.app.Listen(s.config.Server.Address)
}

// Shutdown closes streams, stops background work and releases backends.
func (s *Server) Shutdown(ctx context.Context) error {
	// Streaming responses never finish on their own, so they go first
	log.Info().Int("connections", s.registry.Count()).Msg("Closing realtime connections")
	s.registry.Shutdown()

	if s.relay != nil {
		s.relay.Stop()
	}
	if s.leader != nil {
		s.leader.Stop()
	}

	log.Info().Msg("Shutting down HTTP server")
	var errs []error
	if err := s.app.ShutdownWithContext(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}

	if s.stopBackground != nil {
		s.stopBackground()
	}
	if err := s.bridge.Close(); err != nil {
		errs = append(errs, fmt.Errorf("pubsub close: %w", err))
	}
	if err := s.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("kvstore close: %w", err))
	}
	s.caches.Close()
	if s.db != nil {
		s.db.Close()
	}

	return errors.Join(errs...)
}

// App returns the underlying Fiber app instance for testing
func (s *Server) App() *fiber.App {
	return s.app
}

// Publisher exposes the notification publisher to in-process producers
func (s *Server) Publisher() *notification.Publisher {
	return s.publisher
}

// Invalidator exposes cluster-wide cache eviction to in-process producers
func (s *Server) Invalidator() *cache.Invalidator {
	return s.invalidator
}

// Caches returns the named cache manager
func (s *Server) Caches() *cache.Manager {
	return s.caches
}
