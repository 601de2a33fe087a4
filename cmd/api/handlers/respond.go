package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/flowstack/engine/cmd/api/service"
	"github.com/flowstack/engine/common/diff"
	"github.com/flowstack/engine/common/queue"
	"github.com/flowstack/engine/common/repository"
)

// errorBody is the uniform error envelope
type errorBody struct {
	Code              string `json:"code"`
	Message           string `json:"message"`
	RetryAfterSeconds int64  `json:"retryAfterSeconds,omitempty"`
}

// respondError maps domain errors to HTTP responses
func respondError(c echo.Context, err error) error {
	var admission *queue.AdmissionError
	switch {
	case errors.As(err, &admission):
		if admission.RetryAfterSeconds > 0 {
			c.Response().Header().Set("Retry-After", strconv.FormatInt(admission.RetryAfterSeconds, 10))
		}
		return c.JSON(admission.Status, errorBody{
			Code:              admission.Code,
			Message:           admission.Message,
			RetryAfterSeconds: admission.RetryAfterSeconds,
		})

	case errors.Is(err, repository.ErrNotFound):
		return c.JSON(http.StatusNotFound, errorBody{Code: "NOT_FOUND", Message: "resource not found"})

	case errors.Is(err, diff.ErrMigrationPlanRequired):
		return c.JSON(http.StatusConflict, errorBody{Code: "MIGRATION_PLAN_REQUIRED", Message: err.Error()})

	case errors.Is(err, service.ErrValidationFailed):
		return c.JSON(http.StatusUnprocessableEntity, errorBody{Code: "VALIDATION_FAILED", Message: err.Error()})

	case errors.Is(err, service.ErrRunFinished):
		return c.JSON(http.StatusConflict, errorBody{Code: "RUN_FINISHED", Message: err.Error()})

	default:
		return c.JSON(http.StatusInternalServerError, errorBody{Code: "INTERNAL", Message: err.Error()})
	}
}
