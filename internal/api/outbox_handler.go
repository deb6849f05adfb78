package api

import (
	"encoding/json"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/platformkit/platform/internal/outbox"
	"github.com/rs/zerolog/log"
)

// OutboxHandler records and inspects outbox events. Only registered when the
// database is enabled.
type OutboxHandler struct {
	repo *outbox.Repository
}

// NewOutboxHandler creates an outbox handler
func NewOutboxHandler(repo *outbox.Repository) *OutboxHandler {
	return &OutboxHandler{repo: repo}
}

// RegisterRoutes registers outbox routes
func (h *OutboxHandler) RegisterRoutes(router fiber.Router) {
	o := router.Group("/outbox")
	o.Post("/events", h.Create)
	o.Get("/events", h.List)
}

// CreateEventRequest is the body of POST /outbox/events
type CreateEventRequest struct {
	AggregateType string          `json:"aggregateType"`
	AggregateID   string          `json:"aggregateId"`
	EventType     string          `json:"eventType"`
	Payload       json.RawMessage `json:"payload"`
}

// Create handles POST /outbox/events
func (h *OutboxHandler) Create(c *fiber.Ctx) error {
	var req CreateEventRequest
	if err := c.BodyParser(&req); err != nil {
		return SendError(c, fiber.StatusBadRequest, CodeBadRequest, "Invalid request body")
	}
	if len(req.Payload) == 0 {
		req.Payload = json.RawMessage(`{}`)
	}

	event, err := outbox.NewEvent(
		strings.TrimSpace(req.AggregateType),
		strings.TrimSpace(req.AggregateID),
		strings.TrimSpace(req.EventType),
		req.Payload,
	)
	if err != nil {
		return SendError(c, fiber.StatusBadRequest, CodeValidation, err.Error())
	}

	if err := h.repo.Insert(c.UserContext(), nil, event); err != nil {
		log.Error().Err(err).Str("event_type", event.EventType).Msg("Failed to insert outbox event")
		return SendError(c, fiber.StatusServiceUnavailable, CodeUnavailable, "Failed to record event")
	}
	return sendCreated(c, event)
}

// List handles GET /outbox/events?aggregateType=&aggregateId=
func (h *OutboxHandler) List(c *fiber.Ctx) error {
	aggType := c.Query("aggregateType")
	aggID := c.Query("aggregateId")
	if aggType == "" || aggID == "" {
		return SendError(c, fiber.StatusBadRequest, CodeValidation, "aggregateType and aggregateId are required")
	}

	events, err := h.repo.ListByAggregate(c.UserContext(), aggType, aggID)
	if err != nil {
		log.Error().Err(err).Str("aggregate_type", aggType).Msg("Failed to list outbox events")
		return SendError(c, fiber.StatusServiceUnavailable, CodeUnavailable, "Failed to list events")
	}
	if events == nil {
		events = []*outbox.Event{}
	}
	return sendOK(c, events)
}
