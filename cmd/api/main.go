package main

import (
	"context"
	"fmt"
	"os"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/flowstack/engine/cmd/api/container"
	"github.com/flowstack/engine/cmd/api/routes"
	"github.com/flowstack/engine/common/bootstrap"
	"github.com/flowstack/engine/common/server"
)

func main() {
	ctx := context.Background()

	// Bootstrap common components (config, logger, DB, Redis)
	components, err := bootstrap.Setup(ctx, "api")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to bootstrap api: %v\n", err)
		os.Exit(1)
	}
	defer components.Shutdown(ctx)

	// Initialize service container (all services created once)
	serviceContainer, err := container.NewContainer(components)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize service container: %v\n", err)
		os.Exit(1)
	}

	// Background queue health polling keeps admission decisions cheap
	go serviceContainer.HealthProbe.Run(ctx)

	e := setupEcho()
	setupMiddleware(e)
	registerRoutes(e, serviceContainer)
	startServer(e, components)
}

// setupEcho initializes the Echo server with basic configuration
func setupEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	return e
}

// setupMiddleware configures all middleware for the Echo server
func setupMiddleware(e *echo.Echo) {
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())
	e.Use(middleware.RequestID())
}

// registerRoutes registers all application routes using the service container
func registerRoutes(e *echo.Echo, serviceContainer *container.Container) {
	routes.RegisterHealthRoutes(e, serviceContainer)
	routes.RegisterWorkflowRoutes(e, serviceContainer)
	routes.RegisterExecutionRoutes(e, serviceContainer)
	routes.RegisterRegistryRoutes(e, serviceContainer)
}

// startServer runs the HTTP server with graceful shutdown
func startServer(e *echo.Echo, components *bootstrap.Components) {
	srv := server.New("api", components.Config.Service.Port, e, components.Logger)
	if err := srv.Start(); err != nil {
		components.Logger.Error("server error", "error", err)
		os.Exit(1)
	}
}
