package handler

import (
	"github.com/gofiber/fiber/v2"

	"github.com/gabrielkendy/agenciabase-sub002/internal/middleware"
	"github.com/gabrielkendy/agenciabase-sub002/internal/service"
	"github.com/gabrielkendy/agenciabase-sub002/pkg/response"
)

type CreditHandler struct {
	service *service.CreditService
}

func NewCreditHandler(svc *service.CreditService) *CreditHandler {
	return &CreditHandler{service: svc}
}

// Balance handles GET /api/credits/balance
func (h *CreditHandler) Balance(c *fiber.Ctx) error {
	result, err := h.service.Balance(c.UserContext(), middleware.GetOrganizationID(c))
	if err != nil {
		return response.FromError(c, err)
	}
	return response.OK(c, result)
}

// Transactions handles GET /api/credits/transactions
func (h *CreditHandler) Transactions(c *fiber.Ctx) error {
	txs, err := h.service.Transactions(c.UserContext(), middleware.GetOrganizationID(c), c.QueryInt("limit", 50))
	if err != nil {
		return response.FromError(c, err)
	}
	return response.OK(c, fiber.Map{"transactions": txs})
}
