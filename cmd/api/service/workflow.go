package service

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/flowstack/engine/common/diff"
	"github.com/flowstack/engine/common/graph"
	"github.com/flowstack/engine/common/logger"
	"github.com/flowstack/engine/common/registry"
	"github.com/flowstack/engine/common/repository"
	"github.com/flowstack/engine/common/validate"
)

// ErrValidationFailed blocks publish and execution when the graph has
// validation errors
var ErrValidationFailed = errors.New("workflow has validation errors")

// WorkflowService owns draft lifecycle, validation, diffing, and
// publication
type WorkflowService struct {
	repo  *repository.WorkflowRepository
	index *registry.Index
	log   *logger.Logger
}

// NewWorkflowService creates a new workflow service
func NewWorkflowService(repo *repository.WorkflowRepository, index *registry.Index, log *logger.Logger) *WorkflowService {
	return &WorkflowService{repo: repo, index: index, log: log}
}

// SaveRequest carries an editor draft
type SaveRequest struct {
	Name     string         `json:"name"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Graph    graph.Draft    `json:"graph"`
}

// SaveResult is the persisted draft plus its advisory validation
type SaveResult struct {
	Workflow   *graph.Workflow  `json:"workflow"`
	Validation *validate.Result `json:"validation"`
}

// Create normalizes and persists a new draft. Validation issues are
// reported but never block saving a draft.
func (s *WorkflowService) Create(ctx context.Context, req *SaveRequest) (*SaveResult, error) {
	canonical := graph.Normalize(&req.Graph)

	now := time.Now().UTC()
	wf := &graph.Workflow{
		ID:        uuid.New(),
		Name:      req.Name,
		Version:   1,
		Metadata:  req.Metadata,
		Graph:     *canonical,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.repo.Create(ctx, wf); err != nil {
		return nil, err
	}

	s.log.Info("workflow created",
		"workflow_id", wf.ID.String(),
		"nodes", len(canonical.Nodes),
		"edges", len(canonical.Edges))

	result := validate.Validate(canonical, s.index, validate.Options{})
	return &SaveResult{Workflow: wf, Validation: result}, nil
}

// Update replaces the draft graph and bumps the version
func (s *WorkflowService) Update(ctx context.Context, id uuid.UUID, req *SaveRequest) (*SaveResult, error) {
	existing, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	canonical := graph.Normalize(&req.Graph)

	existing.Graph = *canonical
	if req.Name != "" {
		existing.Name = req.Name
	}
	if req.Metadata != nil {
		existing.Metadata = req.Metadata
	}

	if err := s.repo.Update(ctx, existing); err != nil {
		return nil, err
	}

	result := validate.Validate(canonical, s.index, validate.Options{})
	return &SaveResult{Workflow: existing, Validation: result}, nil
}

// Get retrieves a workflow draft
func (s *WorkflowService) Get(ctx context.Context, id uuid.UUID) (*graph.Workflow, error) {
	return s.repo.GetByID(ctx, id)
}

// List retrieves workflow summaries
func (s *WorkflowService) List(ctx context.Context, limit, offset int) ([]*graph.Workflow, error) {
	if limit < 1 || limit > 200 {
		limit = 50
	}
	return s.repo.List(ctx, limit, offset)
}

// Delete removes a workflow and its revisions
func (s *WorkflowService) Delete(ctx context.Context, id uuid.UUID) error {
	return s.repo.Delete(ctx, id)
}

// Validate runs the full validator over the stored draft
func (s *WorkflowService) Validate(ctx context.Context, id uuid.UUID) (*validate.Result, error) {
	wf, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return validate.Validate(&wf.Graph, s.index, validate.Options{}), nil
}

// ValidateDraft validates an unsaved editor graph
func (s *WorkflowService) ValidateDraft(draft *graph.Draft) *validate.Result {
	canonical := graph.Normalize(draft)
	return validate.Validate(canonical, s.index, validate.Options{})
}

// Diff compares the draft against the latest published revision for an
// environment. A workflow never published to that environment diffs
// against the empty graph.
func (s *WorkflowService) Diff(ctx context.Context, id uuid.UUID, env graph.Environment) (*diff.WorkflowDiff, error) {
	wf, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	from := &graph.Graph{}
	var fromMeta map[string]any
	rev, err := s.repo.LatestRevision(ctx, id, env)
	switch {
	case err == nil:
		from = &rev.Graph
		fromMeta = rev.Metadata
	case errors.Is(err, repository.ErrNotFound):
		// first publish: diff against empty
	default:
		return nil, err
	}

	return diff.Compute(from, &wf.Graph, s.index, fromMeta, wf.Metadata)
}

// PublishResult reports the outcome of a publish attempt
type PublishResult struct {
	Revision   *graph.Revision    `json:"revision,omitempty"`
	Validation *validate.Result   `json:"validation"`
	Diff       *diff.WorkflowDiff `json:"diff,omitempty"`
}

// Publish snapshots the draft as an immutable revision. Validation
// errors block. Promoting breaking changes to production requires a
// complete migration plan in the workflow metadata.
func (s *WorkflowService) Publish(ctx context.Context, id uuid.UUID, env graph.Environment) (*PublishResult, error) {
	wf, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	validation := validate.Validate(&wf.Graph, s.index, validate.Options{})
	if !validation.Valid {
		return &PublishResult{Validation: validation}, ErrValidationFailed
	}

	workflowDiff, err := s.Diff(ctx, id, env)
	if err != nil {
		return nil, err
	}

	if err := diff.CheckPromotion(workflowDiff, env, wf.Metadata); err != nil {
		return &PublishResult{Validation: validation, Diff: workflowDiff}, err
	}

	rev := &graph.Revision{
		ID:          uuid.New(),
		WorkflowID:  wf.ID,
		Environment: env,
		Version:     wf.Version,
		Graph:       wf.Graph,
		Metadata:    wf.Metadata,
		PublishedAt: time.Now().UTC(),
	}

	if err := s.repo.PublishRevision(ctx, rev); err != nil {
		return nil, err
	}

	s.log.Info("workflow published",
		"workflow_id", wf.ID.String(),
		"revision_id", rev.ID.String(),
		"environment", string(env),
		"version", rev.Version,
		"breaking_changes", len(workflowDiff.BreakingChanges))

	return &PublishResult{Revision: rev, Validation: validation, Diff: workflowDiff}, nil
}
