package handlers

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/flowstack/engine/common/registry"
)

// RegistryHandler serves the connector catalog
type RegistryHandler struct {
	index *registry.Index
}

// NewRegistryHandler creates a new registry handler
func NewRegistryHandler(index *registry.Index) *RegistryHandler {
	return &RegistryHandler{index: index}
}

// ListConnectors returns the connector catalog. With implemented=true
// only connectors with a registered runtime are returned, each
// operation carrying its implementation status either way.
// GET /api/v1/connectors?implemented=true
func (h *RegistryHandler) ListConnectors(c echo.Context) error {
	implementedOnly := c.QueryParam("implemented") == "true"
	return c.JSON(http.StatusOK, map[string]any{
		"connectors": h.index.Connectors(implementedOnly),
	})
}

// OperationSchema returns the parameter schema and defaults for one
// operation so editors can render parameter forms.
// GET /api/v1/connectors/:app/operations/:op
func (h *RegistryHandler) OperationSchema(c echo.Context) error {
	capability, err := h.index.Resolve(c.Param("app"), c.Param("op"), registry.RoleAuto)
	if err != nil {
		var resolveErr *registry.ResolveError
		if errors.As(err, &resolveErr) {
			return c.JSON(http.StatusNotFound, errorBody{
				Code:    string(resolveErr.Reason),
				Message: resolveErr.Error(),
			})
		}
		return respondError(c, err)
	}

	return c.JSON(http.StatusOK, map[string]any{
		"app":          capability.Connector.App,
		"operation":    capability.Operation.ID,
		"schema":       capability.Operation.ParamSchema,
		"defaults":     capability.Operation.Defaults,
		"requiresAuth": capability.Operation.RequiresAuth,
		"scopes":       capability.Operation.RequiredScopes,
		"implemented":  capability.Implemented,
	})
}
