package handler

import (
	"github.com/gofiber/fiber/v2"

	"github.com/gabrielkendy/agenciabase-sub002/internal/middleware"
	"github.com/gabrielkendy/agenciabase-sub002/internal/model"
	"github.com/gabrielkendy/agenciabase-sub002/internal/webhook"
	"github.com/gabrielkendy/agenciabase-sub002/pkg/response"
)

type WebhookHandler struct {
	service *webhook.Service
}

func NewWebhookHandler(svc *webhook.Service) *WebhookHandler {
	return &WebhookHandler{service: svc}
}

// webhookWithSecret is the only representation that exposes the signing
// secret. It is returned once on creation and on rotation.
type webhookWithSecret struct {
	model.Webhook
	Secret string `json:"secret"`
}

type setEnabledRequest struct {
	Enabled *bool `json:"enabled"`
}

// Create handles POST /api/webhooks
func (h *WebhookHandler) Create(c *fiber.Ctx) error {
	var req webhook.CreateRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}

	hook, err := h.service.Create(c.UserContext(), middleware.GetOrganizationID(c), req)
	if err != nil {
		return response.FromError(c, err)
	}
	return response.Created(c, webhookWithSecret{Webhook: *hook, Secret: hook.Secret})
}

// List handles GET /api/webhooks
func (h *WebhookHandler) List(c *fiber.Ctx) error {
	hooks, err := h.service.List(c.UserContext(), middleware.GetOrganizationID(c))
	if err != nil {
		return response.FromError(c, err)
	}
	return response.OK(c, fiber.Map{"webhooks": hooks})
}

// RegenerateSecret handles POST /api/webhooks/:id/secret
func (h *WebhookHandler) RegenerateSecret(c *fiber.Ctx) error {
	hook, err := h.service.RegenerateSecret(c.UserContext(), middleware.GetOrganizationID(c), c.Params("id"))
	if err != nil {
		return response.FromError(c, err)
	}
	return response.OK(c, webhookWithSecret{Webhook: *hook, Secret: hook.Secret})
}

// SetEnabled handles PATCH /api/webhooks/:id
func (h *WebhookHandler) SetEnabled(c *fiber.Ctx) error {
	var req setEnabledRequest
	if err := c.BodyParser(&req); err != nil || req.Enabled == nil {
		return response.ValidationError(c, "Invalid request body", fiber.Map{"enabled": "required"})
	}

	if err := h.service.SetEnabled(c.UserContext(), middleware.GetOrganizationID(c), c.Params("id"), *req.Enabled); err != nil {
		return response.FromError(c, err)
	}
	return response.NoContent(c)
}

// Deliveries handles GET /api/webhooks/:id/deliveries
func (h *WebhookHandler) Deliveries(c *fiber.Ctx) error {
	rows, err := h.service.Deliveries(c.UserContext(), middleware.GetOrganizationID(c), c.Params("id"), c.QueryInt("limit", 50))
	if err != nil {
		return response.FromError(c, err)
	}
	return response.OK(c, fiber.Map{"deliveries": rows})
}
