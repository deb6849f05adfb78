package api

import (
	"context"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/jackc/pgx/v5"
	"github.com/platformkit/platform/internal/database"
	"github.com/platformkit/platform/internal/notification"
	"github.com/platformkit/platform/internal/outbox"
	"github.com/platformkit/platform/internal/realtime"
	"github.com/rs/zerolog/log"
)

// Outbox event types that carry notification commands
const (
	EventSceneStatusChanged     = "SceneStatusChanged"
	EventInferenceStatusChanged = "InferenceStatusChanged"
)

// NotificationHandler serves the notification endpoints
type NotificationHandler struct {
	publisher *notification.Publisher
	history   *notification.History
	realtime  *realtime.Handler

	// Set when the database is enabled; scene and inference commands are
	// then written to the outbox instead of published directly.
	db         database.Executor
	outboxRepo *outbox.Repository
}

// NewNotificationHandler creates a notification handler
func NewNotificationHandler(publisher *notification.Publisher, history *notification.History, rt *realtime.Handler) *NotificationHandler {
	return &NotificationHandler{
		publisher: publisher,
		history:   history,
		realtime:  rt,
	}
}

// UseOutbox routes scene and inference commands through the transactional outbox.
func (h *NotificationHandler) UseOutbox(db database.Executor, repo *outbox.Repository) {
	h.db = db
	h.outboxRepo = repo
}

// RegisterRoutes registers notification routes. streamLimiter and sendLimiter
// may be nil.
func (h *NotificationHandler) RegisterRoutes(router fiber.Router, streamLimiter, sendLimiter fiber.Handler) {
	if streamLimiter == nil {
		streamLimiter = passThrough
	}
	if sendLimiter == nil {
		sendLimiter = passThrough
	}

	n := router.Group("/notifications")
	n.Get("/status", h.Status)
	n.Post("/send", sendLimiter, h.Send)
	n.Post("/scene", sendLimiter, h.SceneStatusChanged)
	n.Post("/inference", sendLimiter, h.InferenceStatusChanged)
	n.Get("/stream/:key", streamLimiter, h.realtime.Stream)
	n.Delete("/stream/:key", h.realtime.Disconnect)
	n.Post("/:id/read", h.MarkAsRead)
	n.Get("/:key/unread-count", h.UnreadCount)
	n.Get("/:key/list", h.List)
	n.Post("/:key/read-all", h.MarkAllAsRead)
}

func passThrough(c *fiber.Ctx) error {
	return c.Next()
}

// SendRequest is the body of POST /notifications/send
type SendRequest struct {
	TargetKey   string         `json:"targetKey"`
	Status      string         `json:"status"`
	Type        string         `json:"type"`
	Title       string         `json:"title"`
	Message     string         `json:"message"`
	Description string         `json:"description"`
	Metadata    map[string]any `json:"metadata"`
}

// Send publishes an event to every instance and stores it in the target's history
func (h *NotificationHandler) Send(c *fiber.Ctx) error {
	var req SendRequest
	if err := c.BodyParser(&req); err != nil {
		return SendError(c, fiber.StatusBadRequest, CodeBadRequest, "Invalid request body")
	}
	req.TargetKey = strings.TrimSpace(req.TargetKey)
	if req.TargetKey == "" {
		return SendError(c, fiber.StatusBadRequest, CodeValidation, "targetKey is required")
	}

	typ := notification.TypeInfo
	if req.Type != "" {
		parsed, err := notification.ParseType(req.Type)
		if err != nil {
			return SendError(c, fiber.StatusBadRequest, CodeValidation, err.Error())
		}
		typ = parsed
	}
	status := notification.StatusReceived
	if req.Status != "" {
		status = notification.Status(strings.ToUpper(req.Status))
	}

	event := notification.NewEvent(req.TargetKey, status, typ, req.Title, req.Description, req.Metadata)
	event.Message = req.Message

	if err := h.publisher.Publish(c.UserContext(), event); err != nil {
		log.Warn().Err(err).Str("target_key", event.TargetKey).Str("event_id", event.ID).Msg("Notification send incomplete")
		return SendError(c, fiber.StatusServiceUnavailable, CodePublishFailed, "Notification could not be fully delivered")
	}
	return sendCreated(c, event)
}

// SceneCommand asks for a scene status notification to be sent to Targets
type SceneCommand struct {
	Targets []string                  `json:"targets"`
	Scene   notification.ScenePayload `json:"scene"`
}

// InferenceCommand asks for an inference status notification to be sent to Targets
type InferenceCommand struct {
	Targets   []string                      `json:"targets"`
	Inference notification.InferencePayload `json:"inference"`
}

// SceneStatusChanged notifies targets about a scene status change
func (h *NotificationHandler) SceneStatusChanged(c *fiber.Ctx) error {
	var cmd SceneCommand
	if err := c.BodyParser(&cmd); err != nil {
		return SendError(c, fiber.StatusBadRequest, CodeBadRequest, "Invalid request body")
	}
	if len(cmd.Targets) == 0 || cmd.Scene.Status == "" {
		return SendError(c, fiber.StatusBadRequest, CodeValidation, "targets and scene.status are required")
	}
	return h.dispatch(c, "scene", strconv.FormatInt(cmd.Scene.SceneID, 10), EventSceneStatusChanged, cmd, func(ctx context.Context) error {
		return h.publisher.PublishScene(ctx, notification.StaticTargets(cmd.Targets), cmd.Scene)
	})
}

// InferenceStatusChanged notifies targets about an inference status change
func (h *NotificationHandler) InferenceStatusChanged(c *fiber.Ctx) error {
	var cmd InferenceCommand
	if err := c.BodyParser(&cmd); err != nil {
		return SendError(c, fiber.StatusBadRequest, CodeBadRequest, "Invalid request body")
	}
	if len(cmd.Targets) == 0 || cmd.Inference.Status == "" {
		return SendError(c, fiber.StatusBadRequest, CodeValidation, "targets and inference.status are required")
	}
	return h.dispatch(c, "inference", strconv.FormatInt(cmd.Inference.InferenceID, 10), EventInferenceStatusChanged, cmd, func(ctx context.Context) error {
		return h.publisher.PublishInference(ctx, notification.StaticTargets(cmd.Targets), cmd.Inference)
	})
}

// dispatch writes the command to the outbox when one is configured, otherwise
// publishes immediately.
func (h *NotificationHandler) dispatch(c *fiber.Ctx, aggregateType, aggregateID, eventType string, cmd any, direct func(ctx context.Context) error) error {
	if h.outboxRepo == nil {
		if err := direct(c.UserContext()); err != nil {
			log.Warn().Err(err).Str("event_type", eventType).Msg("Notification publish incomplete")
			return SendError(c, fiber.StatusServiceUnavailable, CodePublishFailed, "Notification could not be fully delivered")
		}
		return sendOK(c, fiber.Map{"queued": false})
	}

	event, err := outbox.NewEvent(aggregateType, aggregateID, eventType, cmd)
	if err != nil {
		return SendError(c, fiber.StatusBadRequest, CodeValidation, err.Error())
	}
	if err := h.recordOutboxEvent(c.UserContext(), event); err != nil {
		log.Error().Err(err).Str("event_type", eventType).Msg("Failed to record outbox event")
		return SendError(c, fiber.StatusServiceUnavailable, CodeUnavailable, "Failed to queue notification")
	}
	return c.Status(fiber.StatusAccepted).JSON(Response{Success: true, Data: fiber.Map{"queued": true, "eventId": event.ID}})
}

func (h *NotificationHandler) recordOutboxEvent(ctx context.Context, event *outbox.Event) error {
	return database.WithTx(ctx, h.db, func(tx pgx.Tx) error {
		return h.outboxRepo.Insert(ctx, tx, event)
	})
}

// RegisterOutboxHandlers binds notification commands relayed through the outbox.
func (h *NotificationHandler) RegisterOutboxHandlers(d *outbox.Dispatcher) {
	d.Register(EventSceneStatusChanged, func(ctx context.Context, env *outbox.Envelope) error {
		cmd, err := outbox.DecodePayload[SceneCommand](env)
		if err != nil {
			return err
		}
		return h.publisher.PublishScene(ctx, notification.StaticTargets(cmd.Targets), cmd.Scene)
	})
	d.Register(EventInferenceStatusChanged, func(ctx context.Context, env *outbox.Envelope) error {
		cmd, err := outbox.DecodePayload[InferenceCommand](env)
		if err != nil {
			return err
		}
		return h.publisher.PublishInference(ctx, notification.StaticTargets(cmd.Targets), cmd.Inference)
	})
}

// MarkAsRead handles POST /notifications/:id/read?key=
func (h *NotificationHandler) MarkAsRead(c *fiber.Ctx) error {
	id := c.Params("id")
	key := c.Query("key")
	if key == "" {
		return SendError(c, fiber.StatusBadRequest, CodeValidation, "key query parameter is required")
	}

	found, err := h.publisher.MarkAsRead(c.UserContext(), key, id)
	if !found && err == nil {
		return SendError(c, fiber.StatusNotFound, CodeNotFound, "Notification not found")
	}
	if err != nil && !found {
		return SendError(c, fiber.StatusServiceUnavailable, CodeUnavailable, "Notification store unavailable")
	}
	if err != nil {
		// Stored as read; only the live update failed.
		log.Warn().Err(err).Str("target_key", key).Str("event_id", id).Msg("Read-state broadcast failed")
	}
	return sendOK(c, fiber.Map{"id": id, "read": true})
}

// UnreadCount handles GET /notifications/:key/unread-count
func (h *NotificationHandler) UnreadCount(c *fiber.Ctx) error {
	key := c.Params("key")
	return sendOK(c, fiber.Map{"count": h.history.UnreadCount(c.UserContext(), key)})
}

// List handles GET /notifications/:key/list?status=&page=&size=
func (h *NotificationHandler) List(c *fiber.Ctx) error {
	key := c.Params("key")
	filter := notification.ParseReadFilter(c.Query("status"))
	page := c.QueryInt("page", 0)
	size := c.QueryInt("size", notification.DefaultPageSize)
	return sendOK(c, h.history.List(c.UserContext(), key, filter, page, size))
}

// MarkAllAsRead handles POST /notifications/:key/read-all
func (h *NotificationHandler) MarkAllAsRead(c *fiber.Ctx) error {
	key := c.Params("key")
	return sendOK(c, fiber.Map{"updated": h.history.MarkAllAsRead(c.UserContext(), key)})
}

// Status handles GET /notifications/status
func (h *NotificationHandler) Status(c *fiber.Ctx) error {
	return sendOK(c, h.realtime.Snapshot())
}
