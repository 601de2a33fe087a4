package routes

import (
	"github.com/labstack/echo/v4"

	"github.com/flowstack/engine/cmd/api/container"
	"github.com/flowstack/engine/cmd/api/handlers"
)

// RegisterWorkflowRoutes registers all workflow-related routes
func RegisterWorkflowRoutes(e *echo.Echo, c *container.Container) {
	h := handlers.NewWorkflowHandler(c.WorkflowService, c.Metadata)

	wf := e.Group("/api/v1/workflows")
	{
		wf.POST("", h.CreateWorkflow)                           // POST /api/v1/workflows
		wf.GET("", h.ListWorkflows)                             // GET /api/v1/workflows
		wf.GET("/:id", h.GetWorkflow)                           // GET /api/v1/workflows/{id}
		wf.PUT("/:id", h.UpdateWorkflow)                        // PUT /api/v1/workflows/{id}
		wf.DELETE("/:id", h.DeleteWorkflow)                     // DELETE /api/v1/workflows/{id}
		wf.POST("/:id/validate", h.ValidateWorkflow)            // POST /api/v1/workflows/{id}/validate
		wf.GET("/:id/diff", h.DiffWorkflow)                     // GET /api/v1/workflows/{id}/diff
		wf.POST("/:id/publish", h.PublishWorkflow)              // POST /api/v1/workflows/{id}/publish
		wf.GET("/:id/nodes/:nodeId/metadata", h.NodeMetadata)   // GET /api/v1/workflows/{id}/nodes/{nodeId}/metadata
	}

	// Validation of unsaved editor drafts
	e.POST("/api/v1/validate", h.ValidateDraft)
}
