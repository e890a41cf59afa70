package handler

import (
	"strings"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"

	"github.com/gabrielkendy/agenciabase-sub002/internal/middleware"
	"github.com/gabrielkendy/agenciabase-sub002/internal/model"
	"github.com/gabrielkendy/agenciabase-sub002/internal/service"
	ws "github.com/gabrielkendy/agenciabase-sub002/internal/websocket"
	"github.com/gabrielkendy/agenciabase-sub002/pkg/response"
)

type RealtimeHandler struct {
	hub  *ws.Hub
	jobs *service.JobService
}

func NewRealtimeHandler(hub *ws.Hub, jobs *service.JobService) *RealtimeHandler {
	return &RealtimeHandler{hub: hub, jobs: jobs}
}

// Authorize runs before the upgrade of /ws/:channel. Callers may follow their
// own organization channel or the channel of a job their organization owns.
func (h *RealtimeHandler) Authorize(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}

	orgID := middleware.GetOrganizationID(c)
	channel := c.Params("channel")
	switch {
	case channel == model.OrgChannel(orgID):
	case strings.HasPrefix(channel, "job:"):
		if err := h.jobs.CheckOwner(c.UserContext(), orgID, strings.TrimPrefix(channel, "job:")); err != nil {
			return response.FromError(c, err)
		}
	default:
		return response.Forbidden(c, "Channel not allowed")
	}
	return c.Next()
}

// Connect handles GET /ws/:channel
func (h *RealtimeHandler) Connect() fiber.Handler {
	return websocket.New(func(c *websocket.Conn) {
		h.hub.HandleConnection(c, c.Params("channel"))
	})
}
