package handlers

import (
	"context"
	"time"

	"redactiq/internal/database"
	"redactiq/internal/services"

	"github.com/gofiber/fiber/v2"
)

// HealthHandler reports dependency liveness.
type HealthHandler struct {
	db     *database.DB
	mongo  *database.MongoDB
	events *services.EventService
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(db *database.DB, mongo *database.MongoDB, events *services.EventService) *HealthHandler {
	return &HealthHandler{db: db, mongo: mongo, events: events}
}

// Check handles GET /health.
func (h *HealthHandler) Check(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.Context(), 3*time.Second)
	defer cancel()

	checks := fiber.Map{}
	healthy := true

	if err := h.db.PingContext(ctx); err != nil {
		checks["mysql"] = err.Error()
		healthy = false
	} else {
		checks["mysql"] = "ok"
	}

	if err := h.mongo.Ping(ctx); err != nil {
		checks["mongodb"] = err.Error()
		healthy = false
	} else {
		checks["mongodb"] = "ok"
	}

	if err := h.events.Ping(ctx); err != nil {
		checks["redis"] = err.Error()
		healthy = false
	} else {
		checks["redis"] = "ok"
	}

	status := fiber.StatusOK
	if !healthy {
		status = fiber.StatusServiceUnavailable
	}
	return c.Status(status).JSON(fiber.Map{
		"healthy": healthy,
		"checks":  checks,
	})
}
