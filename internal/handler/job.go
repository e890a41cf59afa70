package handler

import (
	"github.com/gofiber/fiber/v2"

	"github.com/gabrielkendy/agenciabase-sub002/internal/apperr"
	"github.com/gabrielkendy/agenciabase-sub002/internal/middleware"
	"github.com/gabrielkendy/agenciabase-sub002/internal/model"
	"github.com/gabrielkendy/agenciabase-sub002/internal/service"
	"github.com/gabrielkendy/agenciabase-sub002/pkg/response"
)

type JobHandler struct {
	service *service.JobService
}

func NewJobHandler(svc *service.JobService) *JobHandler {
	return &JobHandler{service: svc}
}

// Submit handles POST /api/jobs/:kind
func (h *JobHandler) Submit(c *fiber.Ctx) error {
	kind, err := model.ParseJobKind(c.Params("kind"))
	if err != nil || !kind.IsGeneration() {
		return response.ValidationError(c, "Unknown job type", fiber.Map{"type": c.Params("kind")})
	}

	req, err := parseSubmit(c, kind)
	if err != nil {
		return response.FromError(c, err)
	}

	result, err := h.service.Submit(c.UserContext(), req)
	if err != nil {
		return response.FromError(c, err)
	}
	return response.Accepted(c, result)
}

// SubmitSync handles POST /api/jobs/image/sync
func (h *JobHandler) SubmitSync(c *fiber.Ctx) error {
	req, err := parseSubmit(c, model.JobKindImage)
	if err != nil {
		return response.FromError(c, err)
	}

	result, err := h.service.SubmitSync(c.UserContext(), req)
	if err != nil {
		return response.FromError(c, err)
	}
	return response.OK(c, result)
}

// Status handles GET /api/jobs/:kind/:jobId
func (h *JobHandler) Status(c *fiber.Ctx) error {
	kind, err := model.ParseJobKind(c.Params("kind"))
	if err != nil {
		return response.NotFound(c, "Job not found")
	}

	result, err := h.service.Status(c.UserContext(), middleware.GetOrganizationID(c), kind, c.Params("jobId"))
	if err != nil {
		return response.FromError(c, err)
	}
	return response.OK(c, result)
}

// Cancel handles POST /api/jobs/:kind/:jobId/cancel
func (h *JobHandler) Cancel(c *fiber.Ctx) error {
	kind, err := model.ParseJobKind(c.Params("kind"))
	if err != nil {
		return response.NotFound(c, "Job not found")
	}
	jobID := c.Params("jobId")

	ok, err := h.service.Cancel(c.UserContext(), middleware.GetOrganizationID(c), kind, jobID)
	if err != nil {
		return response.FromError(c, err)
	}
	if !ok {
		return response.Conflict(c, "Job is no longer queued")
	}
	return response.OK(c, fiber.Map{"jobId": jobID, "status": model.JobStatusCanceled})
}

func parseSubmit(c *fiber.Ctx, kind model.JobKind) (service.SubmitRequest, error) {
	var req service.SubmitRequest
	if err := c.BodyParser(&req); err != nil {
		return req, apperr.Validation("", "Invalid request body")
	}
	req.OrganizationID = middleware.GetOrganizationID(c)
	req.UserID = middleware.GetUserID(c)
	req.Type = kind
	return req, nil
}
