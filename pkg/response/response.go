package response

import (
	"errors"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/gabrielkendy/agenciabase-sub002/internal/apperr"
)

// Error codes
const (
	CodeValidationError = "VALIDATION_ERROR"
	CodeUnauthorized    = "UNAUTHORIZED"
	CodeForbidden       = "FORBIDDEN"
	CodeNotFound        = "NOT_FOUND"
	CodeConflict        = "CONFLICT"
	CodeRateLimited     = "RATE_LIMITED"
	CodeInsufficient    = "INSUFFICIENT_CREDITS"
	CodeUnavailable     = "SERVICE_UNAVAILABLE"
	CodeServiceError    = "SERVICE_ERROR"
	CodeAIError         = "AI_ERROR"
)

type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

func Error(c *fiber.Ctx, status int, code, message string, details interface{}) error {
	return c.Status(status).JSON(ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
			Details: details,
		},
	})
}

func ValidationError(c *fiber.Ctx, message string, details interface{}) error {
	return Error(c, fiber.StatusBadRequest, CodeValidationError, message, details)
}

func Unauthorized(c *fiber.Ctx, message string) error {
	return Error(c, fiber.StatusUnauthorized, CodeUnauthorized, message, nil)
}

func Forbidden(c *fiber.Ctx, message string) error {
	return Error(c, fiber.StatusForbidden, CodeForbidden, message, nil)
}

func NotFound(c *fiber.Ctx, message string) error {
	return Error(c, fiber.StatusNotFound, CodeNotFound, message, nil)
}

func RateLimited(c *fiber.Ctx) error {
	return Error(c, fiber.StatusTooManyRequests, CodeRateLimited, "Rate limit exceeded", nil)
}

func Conflict(c *fiber.Ctx, message string) error {
	return Error(c, fiber.StatusConflict, CodeConflict, message, nil)
}

func ServiceError(c *fiber.Ctx, message string) error {
	return Error(c, fiber.StatusInternalServerError, CodeServiceError, message, nil)
}

func AIError(c *fiber.Ctx, message string) error {
	return Error(c, fiber.StatusBadGateway, CodeAIError, message, nil)
}

func OK(c *fiber.Ctx, data interface{}) error {
	return c.JSON(data)
}

func Created(c *fiber.Ctx, data interface{}) error {
	return c.Status(fiber.StatusCreated).JSON(data)
}

func Accepted(c *fiber.Ctx, data interface{}) error {
	return c.Status(fiber.StatusAccepted).JSON(data)
}

func NoContent(c *fiber.Ctx) error {
	return c.SendStatus(fiber.StatusNoContent)
}

// FromError writes the envelope matching err's place in the error taxonomy.
func FromError(c *fiber.Ctx, err error) error {
	var (
		ice *apperr.InsufficientCreditsError
		ve  *apperr.ValidationError
		pe  *apperr.ProviderError
		fe  *fiber.Error
	)
	switch {
	case errors.As(err, &ice):
		return Error(c, fiber.StatusPaymentRequired, CodeInsufficient, "Insufficient credits", fiber.Map{
			"required":  ice.Required,
			"available": ice.Available,
		})
	case errors.As(err, &ve):
		var details interface{}
		if ve.Field != "" {
			details = fiber.Map{"field": ve.Field}
		}
		return ValidationError(c, ve.Message, details)
	case errors.Is(err, apperr.ErrNotFound):
		return NotFound(c, "Resource not found")
	case errors.Is(err, apperr.ErrCircuitOpen):
		return Error(c, fiber.StatusServiceUnavailable, CodeUnavailable, "Upstream temporarily unavailable", nil)
	case errors.As(err, &pe):
		return AIError(c, pe.Error())
	case errors.As(err, &fe):
		return Error(c, fe.Code, codeForStatus(fe.Code), fe.Message, nil)
	}
	log.Errorf("[HTTP] %s %s: %v", c.Method(), c.Path(), err)
	return ServiceError(c, "Internal server error")
}

// ErrorHandler is a fiber.Config ErrorHandler producing the same envelope.
func ErrorHandler(c *fiber.Ctx, err error) error {
	return FromError(c, err)
}

func codeForStatus(status int) string {
	switch status {
	case fiber.StatusBadRequest, fiber.StatusUnprocessableEntity:
		return CodeValidationError
	case fiber.StatusUnauthorized:
		return CodeUnauthorized
	case fiber.StatusForbidden:
		return CodeForbidden
	case fiber.StatusNotFound, fiber.StatusMethodNotAllowed:
		return CodeNotFound
	case fiber.StatusConflict:
		return CodeConflict
	case fiber.StatusTooManyRequests:
		return CodeRateLimited
	}
	return CodeServiceError
}
