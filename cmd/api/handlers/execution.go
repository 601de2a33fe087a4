package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/flowstack/engine/cmd/api/service"
	"github.com/flowstack/engine/common/engine"
	"github.com/flowstack/engine/common/graph"
	"github.com/flowstack/engine/common/logger"
)

// followPollInterval paces event-log polling when a client follows a
// run that is still executing on a worker.
const followPollInterval = 500 * time.Millisecond

// ExecutionHandler handles run lifecycle requests
type ExecutionHandler struct {
	executions *service.ExecutionService
	log        *logger.Logger
}

// NewExecutionHandler creates a new execution handler
func NewExecutionHandler(executions *service.ExecutionService, log *logger.Logger) *ExecutionHandler {
	return &ExecutionHandler{executions: executions, log: log}
}

// StartRun admits and enqueues a run of a published revision
// POST /api/v1/runs
func (h *ExecutionHandler) StartRun(c echo.Context) error {
	var req service.StartRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody{Code: "BAD_REQUEST", Message: "invalid request body"})
	}
	if req.WorkflowID == uuid.Nil {
		return c.JSON(http.StatusBadRequest, errorBody{Code: "BAD_REQUEST", Message: "workflowId is required"})
	}

	run, err := h.executions.Start(c.Request().Context(), &req)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusAccepted, run)
}

// GetRun retrieves a run and its node executions
// GET /api/v1/runs/:id
func (h *ExecutionHandler) GetRun(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorBody{Code: "BAD_REQUEST", Message: "invalid run id"})
	}

	detail, err := h.executions.Get(c.Request().Context(), id)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, detail)
}

// ListRuns lists runs for a workflow
// GET /api/v1/workflows/:id/runs
func (h *ExecutionHandler) ListRuns(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorBody{Code: "BAD_REQUEST", Message: "invalid workflow id"})
	}

	runs, err := h.executions.List(c.Request().Context(), id, intQuery(c, "limit", 50), intQuery(c, "offset", 0))
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"runs": runs})
}

// CancelRun requests cancellation of a queued or running run
// POST /api/v1/runs/:id/cancel
func (h *ExecutionHandler) CancelRun(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorBody{Code: "BAD_REQUEST", Message: "invalid run id"})
	}

	if err := h.executions.Cancel(c.Request().Context(), id); err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusAccepted, map[string]string{"status": "cancelling"})
}

// StreamEvents replays the persisted event log as newline-delimited
// JSON. With follow=true it keeps polling for new events until the run
// reaches a terminal status or the client disconnects.
// GET /api/v1/runs/:id/events?afterSeq=0&follow=true
func (h *ExecutionHandler) StreamEvents(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return c.JSON(http.StatusBadRequest, errorBody{Code: "BAD_REQUEST", Message: "invalid run id"})
	}

	ctx := c.Request().Context()
	afterSeq := intQuery(c, "afterSeq", 0)
	follow := c.QueryParam("follow") == "true"

	// Verify existence before committing to a streaming response
	if _, err := h.executions.RunStatus(ctx, id); err != nil {
		return respondError(c, err)
	}

	resp := c.Response()
	resp.Header().Set(echo.HeaderContentType, "application/x-ndjson")
	resp.WriteHeader(http.StatusOK)
	enc := json.NewEncoder(resp)

	for {
		events, err := h.executions.Events(ctx, id, afterSeq)
		if err != nil {
			h.log.Error("list run events", "run_id", id.String(), "error", err)
			return nil
		}
		for _, ev := range events {
			if err := enc.Encode(ev); err != nil {
				return nil
			}
			afterSeq = ev.Seq
		}
		resp.Flush()

		if !follow {
			return nil
		}

		status, err := h.executions.RunStatus(ctx, id)
		if err != nil || status.Terminal() {
			// Drain whatever landed between the list and the status read
			if tail, tailErr := h.executions.Events(ctx, id, afterSeq); tailErr == nil {
				for _, ev := range tail {
					if encErr := enc.Encode(ev); encErr != nil {
						return nil
					}
				}
				resp.Flush()
			}
			return nil
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(followPollInterval):
		}
	}
}

type executeDraftRequest struct {
	Graph   graph.Draft    `json:"graph"`
	Trigger map[string]any `json:"trigger,omitempty"`
}

// streamLine is one ndjson record of a draft execution stream
type streamLine struct {
	Event  *engine.Event     `json:"event,omitempty"`
	Result *engine.RunResult `json:"result,omitempty"`
	Error  *errorBody        `json:"error,omitempty"`
}

// ExecuteDraft runs an unsaved editor graph in-process and streams
// engine events as newline-delimited JSON, ending with a result line.
// POST /api/v1/execute
func (h *ExecutionHandler) ExecuteDraft(c echo.Context) error {
	var req executeDraftRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errorBody{Code: "BAD_REQUEST", Message: "invalid request body"})
	}

	ctx := c.Request().Context()
	resp := c.Response()
	resp.Header().Set(echo.HeaderContentType, "application/x-ndjson")
	resp.WriteHeader(http.StatusOK)
	enc := json.NewEncoder(resp)

	// Events are written to the response as the dispatcher emits them.
	// The sink serializes emission, so the encoder needs no extra lock.
	writer := engine.EventWriterFunc(func(_ context.Context, ev engine.Event) error {
		if err := enc.Encode(streamLine{Event: &ev}); err != nil {
			return err
		}
		resp.Flush()
		return nil
	})

	runID := uuid.New().String()
	sink := engine.NewSink(runID, writer, h.log)
	defer sink.Close()

	result, validation, err := h.executions.ExecuteDraft(ctx, &req.Graph, req.Trigger, sink)
	if err != nil {
		line := streamLine{Error: &errorBody{Code: "EXECUTION_FAILED", Message: err.Error()}}
		if errors.Is(err, service.ErrValidationFailed) {
			line.Error.Code = "VALIDATION_FAILED"
			if validation != nil {
				if payload, mErr := json.Marshal(validation.Errors); mErr == nil {
					line.Error.Message = err.Error() + ": " + string(payload)
				}
			}
		}
		_ = enc.Encode(line)
		resp.Flush()
		return nil
	}

	if err := enc.Encode(streamLine{Result: result}); err != nil {
		return nil
	}
	resp.Flush()
	return nil
}
