package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/flowstack/engine/common/engine"
	"github.com/flowstack/engine/common/graph"
	"github.com/flowstack/engine/common/logger"
	"github.com/flowstack/engine/common/models"
	"github.com/flowstack/engine/common/queue"
	"github.com/flowstack/engine/common/redisx"
	"github.com/flowstack/engine/common/repository"
	"github.com/flowstack/engine/common/validate"
)

// ErrRunFinished is returned when cancelling an already terminal run
var ErrRunFinished = errors.New("run already finished")

// ExecutionService admits, enqueues, inspects, and cancels runs. It
// also serves in-process streaming execution of unsaved drafts.
type ExecutionService struct {
	workflows  *repository.WorkflowRepository
	runs       *repository.RunRepository
	admission  *queue.Admission
	queue      *queue.Queue
	redis      *redisx.Client
	dispatcher *engine.Dispatcher
	wfService  *WorkflowService
	log        *logger.Logger
}

// ExecutionOpts wires the execution service
type ExecutionOpts struct {
	Workflows  *repository.WorkflowRepository
	Runs       *repository.RunRepository
	Admission  *queue.Admission
	Queue      *queue.Queue
	Redis      *redisx.Client
	Dispatcher *engine.Dispatcher
	Workflow   *WorkflowService
	Logger     *logger.Logger
}

// NewExecutionService creates a new execution service
func NewExecutionService(opts ExecutionOpts) *ExecutionService {
	return &ExecutionService{
		workflows:  opts.Workflows,
		runs:       opts.Runs,
		admission:  opts.Admission,
		queue:      opts.Queue,
		redis:      opts.Redis,
		dispatcher: opts.Dispatcher,
		wfService:  opts.Workflow,
		log:        opts.Logger,
	}
}

// SetAdmission injects the admission gate. Admission itself consults
// this service for workflow existence, so the cycle is closed after
// both sides are built.
func (s *ExecutionService) SetAdmission(a *queue.Admission) {
	s.admission = a
}

// WorkflowExists implements queue.WorkflowChecker
func (s *ExecutionService) WorkflowExists(ctx context.Context, workflowID string) (bool, error) {
	id, err := uuid.Parse(workflowID)
	if err != nil {
		return false, nil
	}
	return s.workflows.Exists(ctx, id)
}

// StartRequest asks for a queued execution of a published revision
type StartRequest struct {
	WorkflowID  uuid.UUID      `json:"workflowId"`
	Environment string         `json:"environment"`
	Workspace   string         `json:"workspace"`
	Trigger     map[string]any `json:"trigger,omitempty"`
}

// Start admits the request, records the run, and enqueues it. The run
// row is only written after admission passes, so a dead queue leaves
// no trace.
func (s *ExecutionService) Start(ctx context.Context, req *StartRequest) (*models.Run, error) {
	env := graph.Environment(req.Environment)
	if env == "" {
		env = graph.EnvProduction
	}

	deployed := false
	rev, err := s.workflows.LatestRevision(ctx, req.WorkflowID, env)
	switch {
	case errors.Is(err, repository.ErrNotFound) && env == graph.EnvDevelopment:
		// Development runs publish the current draft just in time; the
		// worker surfaces this as a deployment event on the run stream
		published, pubErr := s.wfService.Publish(ctx, req.WorkflowID, env)
		if pubErr != nil {
			return nil, pubErr
		}
		rev = published.Revision
		deployed = true
	case errors.Is(err, repository.ErrNotFound):
		return nil, &queue.AdmissionError{
			Code:    queue.CodeWorkflowNotFound,
			Status:  404,
			Message: fmt.Sprintf("workflow %s has no %s revision", req.WorkflowID, env),
		}
	case err != nil:
		return nil, err
	}

	if err := s.admission.Admit(ctx, req.Workspace, req.WorkflowID.String(), &rev.Graph); err != nil {
		return nil, err
	}

	triggerJSON, err := json.Marshal(req.Trigger)
	if err != nil {
		return nil, fmt.Errorf("marshal trigger payload: %w", err)
	}

	revID := rev.ID
	run := &models.Run{
		ID:          uuid.New(),
		WorkflowID:  req.WorkflowID,
		RevisionID:  &revID,
		Environment: string(env),
		Workspace:   req.Workspace,
		Status:      models.RunQueued,
		Trigger:     triggerJSON,
		QueuedAt:    time.Now().UTC(),
	}

	if err := s.runs.Create(ctx, run); err != nil {
		return nil, err
	}

	_, err = s.queue.Enqueue(ctx, &queue.RunRequest{
		RunID:       run.ID.String(),
		WorkflowID:  run.WorkflowID.String(),
		RevisionID:  rev.ID.String(),
		Environment: run.Environment,
		Workspace:   run.Workspace,
		Trigger:     req.Trigger,
		Attempt:     1,
		Deployed:    deployed,
	})
	if err != nil {
		// The row exists but the queue lost the message; fail the run so
		// it does not sit queued forever
		finishErr := s.runs.Finish(ctx, run.ID, models.RunFailed, queue.CodeQueueUnavailable, map[string]string{
			"message": "enqueue failed: " + err.Error(),
		})
		if finishErr != nil {
			s.log.Error("mark run failed after enqueue error", "run_id", run.ID.String(), "error", finishErr)
		}
		return nil, err
	}

	return run, nil
}

// RunDetail is a run with its per-node outcomes
type RunDetail struct {
	Run   *models.Run             `json:"run"`
	Nodes []*models.NodeExecution `json:"nodes"`
}

// Get retrieves a run and its node executions
func (s *ExecutionService) Get(ctx context.Context, runID uuid.UUID) (*RunDetail, error) {
	run, err := s.runs.GetByID(ctx, runID)
	if err != nil {
		return nil, err
	}
	nodes, err := s.runs.ListNodeExecutions(ctx, runID)
	if err != nil {
		return nil, err
	}
	return &RunDetail{Run: run, Nodes: nodes}, nil
}

// List retrieves runs for a workflow
func (s *ExecutionService) List(ctx context.Context, workflowID uuid.UUID, limit, offset int) ([]*models.Run, error) {
	if limit < 1 || limit > 200 {
		limit = 50
	}
	return s.runs.ListByWorkflow(ctx, workflowID, limit, offset)
}

// Events returns the persisted event log after the given sequence
func (s *ExecutionService) Events(ctx context.Context, runID uuid.UUID, afterSeq int) ([]*models.RunEvent, error) {
	return s.runs.ListEvents(ctx, runID, afterSeq)
}

// RunStatus returns just the current status of a run
func (s *ExecutionService) RunStatus(ctx context.Context, runID uuid.UUID) (models.RunStatus, error) {
	run, err := s.runs.GetByID(ctx, runID)
	if err != nil {
		return "", err
	}
	return run.Status, nil
}

// Cancel requests cancellation. Queued runs are cancelled directly;
// running ones get a cancel marker the executing worker polls.
func (s *ExecutionService) Cancel(ctx context.Context, runID uuid.UUID) error {
	run, err := s.runs.GetByID(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return ErrRunFinished
	}

	if err := queue.RequestCancel(ctx, s.redis, runID.String()); err != nil {
		return err
	}

	if run.Status == models.RunQueued {
		return s.runs.Finish(ctx, runID, models.RunCancelled, engine.CodeCancelledByUser, map[string]string{
			"message": "cancelled before start",
		})
	}

	s.log.Info("cancel requested", "run_id", runID.String())
	return nil
}

// ExecuteDraft runs an unsaved draft in-process and streams its events
// through the sink. Nothing is persisted; validation errors abort
// before any node runs.
func (s *ExecutionService) ExecuteDraft(ctx context.Context, draft *graph.Draft, trigger map[string]any, sink *engine.Sink) (*engine.RunResult, *validate.Result, error) {
	canonical := graph.Normalize(draft)

	validation := s.wfService.ValidateDraft(draft)
	if !validation.Valid {
		return nil, validation, ErrValidationFailed
	}

	runID := uuid.New().String()
	result, err := s.dispatcher.Execute(ctx, runID, canonical, trigger, sink)
	if err != nil {
		return nil, validation, err
	}
	return result, validation, nil
}
