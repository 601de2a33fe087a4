package handlers

import (
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/flowstack/engine/cmd/api/service"
	"github.com/flowstack/engine/common/graph"
	"github.com/flowstack/engine/common/metadata"
)

// WorkflowHandler handles workflow draft and revision requests
type WorkflowHandler struct {
	workflows *service.WorkflowService
	metadata  *metadata.Resolver
}

// NewWorkflowHandler creates a new workflow handler
func NewWorkflowHandler(workflows *service.WorkflowService, meta *metadata.Resolver) *WorkflowHandler {
	return &WorkflowHandler{workflows: workflows, metadata: meta}
}

// CreateWorkflow creates a new workflow draft
// POST /api/v1/workflows
func (h *WorkflowHandler) CreateWorkflow(c echo.Context) error {
	var req service.SaveRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody{Code: "BAD_REQUEST", Message: "invalid request body"})
	}
	if req.Name == "" {
		return c.JSON(http.StatusBadRequest, errorBody{Code: "BAD_REQUEST", Message: "name is required"})
	}

	result, err := h.workflows.Create(c.Request().Context(), &req)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusCreated, result)
}

// UpdateWorkflow replaces a workflow draft
// PUT /api/v1/workflows/:id
func (h *WorkflowHandler) UpdateWorkflow(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorBody{Code: "BAD_REQUEST", Message: "invalid workflow id"})
	}

	var req service.SaveRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody{Code: "BAD_REQUEST", Message: "invalid request body"})
	}

	result, err := h.workflows.Update(c.Request().Context(), id, &req)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, result)
}

// GetWorkflow retrieves a workflow draft
// GET /api/v1/workflows/:id
func (h *WorkflowHandler) GetWorkflow(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorBody{Code: "BAD_REQUEST", Message: "invalid workflow id"})
	}

	wf, err := h.workflows.Get(c.Request().Context(), id)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, wf)
}

// ListWorkflows lists workflow summaries
// GET /api/v1/workflows
func (h *WorkflowHandler) ListWorkflows(c echo.Context) error {
	limit := intQuery(c, "limit", 50)
	offset := intQuery(c, "offset", 0)

	workflows, err := h.workflows.List(c.Request().Context(), limit, offset)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"workflows": workflows})
}

// DeleteWorkflow deletes a workflow and its revisions
// DELETE /api/v1/workflows/:id
func (h *WorkflowHandler) DeleteWorkflow(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorBody{Code: "BAD_REQUEST", Message: "invalid workflow id"})
	}

	if err := h.workflows.Delete(c.Request().Context(), id); err != nil {
		return respondError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// ValidateWorkflow validates the stored draft
// POST /api/v1/workflows/:id/validate
func (h *WorkflowHandler) ValidateWorkflow(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorBody{Code: "BAD_REQUEST", Message: "invalid workflow id"})
	}

	result, err := h.workflows.Validate(c.Request().Context(), id)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, result)
}

// ValidateDraft validates an unsaved editor graph
// POST /api/v1/validate
func (h *WorkflowHandler) ValidateDraft(c echo.Context) error {
	var draft graph.Draft
	if err := c.Bind(&draft); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody{Code: "BAD_REQUEST", Message: "invalid graph payload"})
	}
	return c.JSON(http.StatusOK, h.workflows.ValidateDraft(&draft))
}

// DiffWorkflow diffs the draft against the latest published revision
// GET /api/v1/workflows/:id/diff?environment=production
func (h *WorkflowHandler) DiffWorkflow(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorBody{Code: "BAD_REQUEST", Message: "invalid workflow id"})
	}

	env := graph.Environment(c.QueryParam("environment"))
	if env == "" {
		env = graph.EnvProduction
	}

	workflowDiff, err := h.workflows.Diff(c.Request().Context(), id, env)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, workflowDiff)
}

type publishRequest struct {
	Environment string `json:"environment"`
}

// PublishWorkflow snapshots the draft as an immutable revision
// POST /api/v1/workflows/:id/publish
func (h *WorkflowHandler) PublishWorkflow(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorBody{Code: "BAD_REQUEST", Message: "invalid workflow id"})
	}

	var req publishRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody{Code: "BAD_REQUEST", Message: "invalid request body"})
	}
	env := graph.Environment(req.Environment)
	if env == "" {
		env = graph.EnvDevelopment
	}
	if env != graph.EnvDevelopment && env != graph.EnvProduction {
		return c.JSON(http.StatusBadRequest, errorBody{Code: "BAD_REQUEST", Message: "environment must be development or production"})
	}

	result, err := h.workflows.Publish(c.Request().Context(), id, env)
	if err != nil {
		// Publication failures still carry the diagnosis payload
		if result != nil {
			if respErr := respondError(c, err); respErr != nil {
				return respErr
			}
			return nil
		}
		return respondError(c, err)
	}
	return c.JSON(http.StatusCreated, result)
}

// NodeMetadata serves advisory schema hints for one node of the draft
// GET /api/v1/workflows/:id/nodes/:nodeId/metadata
func (h *WorkflowHandler) NodeMetadata(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorBody{Code: "BAD_REQUEST", Message: "invalid workflow id"})
	}

	wf, err := h.workflows.Get(c.Request().Context(), id)
	if err != nil {
		return respondError(c, err)
	}

	node := wf.Graph.NodeByID(c.Param("nodeId"))
	if node == nil {
		return c.JSON(http.StatusNotFound, errorBody{Code: "NOT_FOUND", Message: "node not found in workflow"})
	}

	return c.JSON(http.StatusOK, h.metadata.Resolve(c.Request().Context(), node))
}

func intQuery(c echo.Context, name string, fallback int) int {
	raw := c.QueryParam(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}
