package routes

import (
	"github.com/labstack/echo/v4"

	"github.com/flowstack/engine/cmd/api/container"
	"github.com/flowstack/engine/cmd/api/handlers"
)

// RegisterRegistryRoutes registers connector catalog routes
func RegisterRegistryRoutes(e *echo.Echo, c *container.Container) {
	h := handlers.NewRegistryHandler(c.Index)

	e.GET("/api/v1/connectors", h.ListConnectors)                       // GET /api/v1/connectors?implemented=true
	e.GET("/api/v1/connectors/:app/operations/:op", h.OperationSchema) // GET /api/v1/connectors/:app/operations/:op
}
