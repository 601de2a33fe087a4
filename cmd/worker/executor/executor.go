package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/flowstack/engine/common/engine"
	"github.com/flowstack/engine/common/graph"
	"github.com/flowstack/engine/common/logger"
	"github.com/flowstack/engine/common/models"
	"github.com/flowstack/engine/common/queue"
	"github.com/flowstack/engine/common/redisx"
	"github.com/flowstack/engine/common/registry"
	"github.com/flowstack/engine/common/repository"
	"github.com/flowstack/engine/common/validate"
)

// cancelPollInterval paces the cancel-marker check during execution
const cancelPollInterval = time.Second

// RunExecutor turns dequeued run requests into dispatcher executions
// and persists their outcomes
type RunExecutor struct {
	workflows  *repository.WorkflowRepository
	runs       *repository.RunRepository
	dispatcher *engine.Dispatcher
	index      *registry.Index
	redis      *redisx.Client
	log        *logger.Logger
}

// Opts wires the run executor
type Opts struct {
	Workflows  *repository.WorkflowRepository
	Runs       *repository.RunRepository
	Dispatcher *engine.Dispatcher
	Index      *registry.Index
	Redis      *redisx.Client
	Logger     *logger.Logger
}

// New creates a run executor
func New(opts Opts) *RunExecutor {
	return &RunExecutor{
		workflows:  opts.Workflows,
		runs:       opts.Runs,
		dispatcher: opts.Dispatcher,
		index:      opts.Index,
		redis:      opts.Redis,
		log:        opts.Logger,
	}
}

// Handle executes one queued run. A nil return acknowledges the queue
// message; runs that already reached a terminal state are acknowledged
// without re-executing, which makes redeliveries safe.
func (e *RunExecutor) Handle(ctx context.Context, req *queue.RunRequest) error {
	runID, err := uuid.Parse(req.RunID)
	if err != nil {
		e.log.Error("drop run with invalid id", "run_id", req.RunID)
		return nil
	}

	log := e.log.WithRunID(req.RunID)

	run, err := e.runs.GetByID(ctx, runID)
	if err != nil {
		return fmt.Errorf("load run %s: %w", req.RunID, err)
	}
	if run.Status.Terminal() {
		log.Info("run already finished, skipping", "status", string(run.Status))
		return nil
	}

	// Cancels issued while the run sat queued are honored before any
	// node executes
	if queue.CancelRequested(ctx, e.redis, req.RunID) {
		return e.runs.Finish(ctx, runID, models.RunCancelled, engine.CodeCancelledByUser, map[string]string{
			"message": "cancelled before start",
		})
	}

	if run.RevisionID == nil {
		return e.runs.Finish(ctx, runID, models.RunFailed, "REVISION_MISSING", map[string]string{
			"message": "run has no revision reference",
		})
	}
	rev, err := e.workflows.GetRevision(ctx, *run.RevisionID)
	if err != nil {
		return fmt.Errorf("load revision %s: %w", run.RevisionID, err)
	}

	// The capability index may have drifted since publish; rejecting the
	// whole run here beats failing nodes one by one mid-execution
	if detail := preflight(&rev.Graph, e.index); detail != nil {
		return e.runs.Finish(ctx, runID, models.RunFailed, "VALIDATION_FAILED", detail)
	}

	if err := e.runs.MarkStarted(ctx, runID); err != nil {
		return fmt.Errorf("mark run started: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go e.pollCancel(runCtx, cancel, req.RunID)

	sink := engine.NewSink(req.RunID, e.eventWriter(runID), log)
	defer sink.Close()

	// Development runs may have published their draft just in time; the
	// stream records which revision the run actually executed
	if req.Deployed {
		sink.Emit(runCtx, engine.Event{Type: engine.EventDeployment, Data: map[string]any{
			"revisionId":  req.RevisionID,
			"environment": req.Environment,
		}})
	}

	result, err := e.dispatcher.Execute(runCtx, req.RunID, &rev.Graph, req.Trigger, sink)
	if err != nil {
		// Graph-level failures happen before any node runs
		finishErr := e.runs.Finish(ctx, runID, models.RunFailed, "DISPATCH_FAILED", map[string]string{
			"message": err.Error(),
		})
		if finishErr != nil {
			log.Error("persist run failure", "error", finishErr)
		}
		return nil
	}

	e.persistNodes(ctx, runID, result, log)

	status := runStatus(result.Status)
	var errInfo any
	if result.Error != nil {
		errInfo = result.Error
	}
	if err := e.runs.Finish(ctx, runID, status, result.Code, errInfo); err != nil {
		return fmt.Errorf("finish run %s: %w", req.RunID, err)
	}

	log.Info("run finished",
		"status", string(status),
		"code", result.Code,
		"nodes", len(result.Nodes))
	return nil
}

// preflight re-validates the published revision against the current
// capability index. A nil return clears the run for dispatch; a non-nil
// detail is the failure payload.
func preflight(g *graph.Graph, index *registry.Index) map[string]any {
	result := validate.Validate(g, index, validate.Options{SkipWarnings: true})
	if result.Valid {
		return nil
	}
	return map[string]any{
		"message": "revision failed validation at run start",
		"errors":  result.Errors,
	}
}

// pollCancel cancels the run context when a cancel marker appears
func (e *RunExecutor) pollCancel(ctx context.Context, cancel context.CancelFunc, runID string) {
	ticker := time.NewTicker(cancelPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if queue.CancelRequested(ctx, e.redis, runID) {
				cancel()
				return
			}
		}
	}
}

// eventWriter persists engine events into the run event log
func (e *RunExecutor) eventWriter(runID uuid.UUID) engine.EventWriter {
	return engine.EventWriterFunc(func(ctx context.Context, ev engine.Event) error {
		body := map[string]any{}
		for k, v := range ev.Data {
			body[k] = v
		}
		if ev.Error != nil {
			body["error"] = ev.Error
		}

		var payload json.RawMessage
		if len(body) > 0 {
			raw, err := json.Marshal(body)
			if err != nil {
				return fmt.Errorf("marshal event payload: %w", err)
			}
			payload = raw
		}

		return e.runs.AppendEvent(ctx, &models.RunEvent{
			RunID:     runID,
			Seq:       ev.Seq,
			Type:      string(ev.Type),
			NodeID:    ev.NodeID,
			Attempt:   ev.Attempt,
			Payload:   payload,
			CreatedAt: ev.Timestamp,
		})
	})
}

// persistNodes records per-node outcomes. Failures here are logged but
// never fail the run; the event log already carries the history.
func (e *RunExecutor) persistNodes(ctx context.Context, runID uuid.UUID, result *engine.RunResult, log *logger.Logger) {
	for _, rec := range result.Nodes {
		ne := &models.NodeExecution{
			RunID:      runID,
			NodeID:     rec.NodeID,
			Status:     string(rec.Status),
			Attempts:   rec.Attempts,
			Branch:     rec.Branch,
			StartedAt:  rec.StartedAt,
			FinishedAt: rec.FinishedAt,
		}
		if rec.Output != nil {
			if raw, err := json.Marshal(rec.Output); err == nil {
				ne.Output = raw
			}
		}
		if rec.Error != nil {
			if raw, err := json.Marshal(rec.Error); err == nil {
				ne.Error = raw
			}
		}
		if err := e.runs.UpsertNodeExecution(ctx, ne); err != nil {
			log.Error("persist node execution", "node_id", rec.NodeID, "error", err)
		}
	}
}

// runStatus maps engine terminal statuses onto the run model
func runStatus(s engine.RunStatus) models.RunStatus {
	switch s {
	case engine.RunSucceeded:
		return models.RunSucceeded
	case engine.RunCancelled:
		return models.RunCancelled
	default:
		return models.RunFailed
	}
}
