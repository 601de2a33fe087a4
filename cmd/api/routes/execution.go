package routes

import (
	"github.com/labstack/echo/v4"

	"github.com/flowstack/engine/cmd/api/container"
	"github.com/flowstack/engine/cmd/api/handlers"
)

// RegisterExecutionRoutes registers run lifecycle routes
func RegisterExecutionRoutes(e *echo.Echo, c *container.Container) {
	h := handlers.NewExecutionHandler(c.ExecutionService, c.Components.Logger)

	runs := e.Group("/api/v1/runs")
	{
		runs.POST("", h.StartRun)                  // POST /api/v1/runs
		runs.GET("/:id", h.GetRun)                 // GET /api/v1/runs/{id}
		runs.POST("/:id/cancel", h.CancelRun)      // POST /api/v1/runs/{id}/cancel
		runs.GET("/:id/events", h.StreamEvents)    // GET /api/v1/runs/{id}/events?follow=true
	}

	// Runs of a workflow
	e.GET("/api/v1/workflows/:id/runs", h.ListRuns)

	// In-process execution of unsaved drafts, streaming ndjson
	e.POST("/api/v1/execute", h.ExecuteDraft)
}
