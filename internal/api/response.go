package api

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog/log"
)

// Error codes returned in the error envelope
const (
	CodeBadRequest     = "BAD_REQUEST"
	CodeValidation     = "VALIDATION_ERROR"
	CodeNotFound       = "NOT_FOUND"
	CodeCacheNotFound  = "CACHE_NOT_FOUND"
	CodeConflict       = "CONFLICT"
	CodeRateLimited    = "RATE_LIMITED"
	CodePublishFailed  = "PUBLISH_FAILED"
	CodeUnavailable    = "SERVICE_UNAVAILABLE"
	CodeInternal       = "INTERNAL_ERROR"
	CodeMethodNotFound = "METHOD_NOT_ALLOWED"
)

// Response is the envelope every API endpoint returns.
type Response struct {
	Success bool       `json:"success"`
	Data    any        `json:"data,omitempty"`
	Error   *ErrorBody `json:"error,omitempty"`
}

// ErrorBody describes a failed request.
type ErrorBody struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	RequestID string `json:"requestId,omitempty"`
}

// getRequestID prefers the requestid middleware local and falls back to the header.
func getRequestID(c *fiber.Ctx) string {
	if requestID := c.Locals("requestid"); requestID != nil {
		if id, ok := requestID.(string); ok && id != "" {
			return id
		}
	}
	return c.Get(fiber.HeaderXRequestID, "")
}

func sendOK(c *fiber.Ctx, data any) error {
	return c.JSON(Response{Success: true, Data: data})
}

func sendCreated(c *fiber.Ctx, data any) error {
	return c.Status(fiber.StatusCreated).JSON(Response{Success: true, Data: data})
}

// SendError writes an error envelope with the request id for log correlation.
func SendError(c *fiber.Ctx, status int, code, message string) error {
	return c.Status(status).JSON(Response{
		Success: false,
		Error: &ErrorBody{
			Code:      code,
			Message:   message,
			RequestID: getRequestID(c),
		},
	})
}

func codeForStatus(status int) string {
	switch status {
	case fiber.StatusBadRequest:
		return CodeBadRequest
	case fiber.StatusNotFound:
		return CodeNotFound
	case fiber.StatusMethodNotAllowed:
		return CodeMethodNotFound
	case fiber.StatusConflict:
		return CodeConflict
	case fiber.StatusTooManyRequests:
		return CodeRateLimited
	case fiber.StatusServiceUnavailable:
		return CodeUnavailable
	}
	if status >= 500 {
		return CodeInternal
	}
	return CodeBadRequest
}

// errorHandler renders errors returned by handlers, including *fiber.Error
// from routing and body parsing, as error envelopes.
func errorHandler(c *fiber.Ctx, err error) error {
	status := fiber.StatusInternalServerError
	message := "Internal Server Error"

	var fe *fiber.Error
	if errors.As(err, &fe) {
		status = fe.Code
		message = fe.Message
	}

	if status >= 500 {
		log.Error().Err(err).Str("path", c.Path()).Str("request_id", getRequestID(c)).Msg("Server error")
	}

	return SendError(c, status, codeForStatus(status), message)
}
