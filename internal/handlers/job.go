package handlers

import (
	"redactiq/internal/services"

	"github.com/gofiber/fiber/v2"
)

// JobHandler exposes the engine's submit/inspect/retry operations over HTTP.
type JobHandler struct {
	jobService *services.JobService
}

// NewJobHandler creates a new job handler
func NewJobHandler(jobService *services.JobService) *JobHandler {
	return &JobHandler{jobService: jobService}
}

type processRequestBody struct {
	WorkflowID         string `json:"workflow_id"`
	CustomInstructions string `json:"custom_instructions"`
}

// ProcessRequest handles POST /api/requests/:id/process — submit a workflow
// job for a request.
func (h *JobHandler) ProcessRequest(c *fiber.Ctx) error {
	requestID := c.Params("id")

	var body processRequestBody
	if err := c.BodyParser(&body); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "invalid request body",
		})
	}
	if body.WorkflowID == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "workflow_id is required",
		})
	}

	jobID, err := h.jobService.SubmitWorkflowJob(c.Context(), requestID, body.WorkflowID, body.CustomInstructions)
	if err != nil {
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"job_id": jobID,
	})
}

// GetJob handles GET /api/jobs/:id — run state plus per-block results.
func (h *JobHandler) GetJob(c *fiber.Ctx) error {
	job, err := h.jobService.GetJob(c.Context(), c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": err.Error(),
		})
	}
	return c.JSON(job)
}

// GetQueuePosition handles GET /api/jobs/:id/queue.
func (h *JobHandler) GetQueuePosition(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"position": h.jobService.QueuePosition(c.Params("id")),
	})
}

// RetryJob handles POST /api/jobs/:id/retry — operator-triggered retry of a
// failed run.
func (h *JobHandler) RetryJob(c *fiber.Ctx) error {
	retryID, err := h.jobService.RetryJob(c.Context(), c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error": err.Error(),
		})
	}
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"job_id": retryID,
	})
}
