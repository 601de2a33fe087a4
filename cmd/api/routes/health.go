package routes

import (
	"github.com/labstack/echo/v4"

	"github.com/flowstack/engine/cmd/api/container"
	"github.com/flowstack/engine/cmd/api/handlers"
)

// RegisterHealthRoutes registers liveness and readiness routes
func RegisterHealthRoutes(e *echo.Echo, c *container.Container) {
	h := handlers.NewHealthHandler(
		c.Components.DB,
		c.Components.Redis,
		c.HealthProbe,
		c.Fleet,
		c.Components.Logger,
	)

	e.GET("/healthz", h.Live)                    // GET /healthz
	e.GET("/api/v1/health", h.Health)            // GET /api/v1/health
	e.GET("/api/v1/health/queue", h.QueueHealth) // GET /api/v1/health/queue
	e.GET("/api/v1/workers", h.Workers)          // GET /api/v1/workers
}
