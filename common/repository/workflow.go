package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/flowstack/engine/common/db"
	"github.com/flowstack/engine/common/graph"
)

// ErrNotFound is returned when a requested row does not exist
var ErrNotFound = errors.New("not found")

// WorkflowRepository handles database operations for workflow drafts
// and published revisions
type WorkflowRepository struct {
	db *db.DB
}

// NewWorkflowRepository creates a new workflow repository
func NewWorkflowRepository(database *db.DB) *WorkflowRepository {
	return &WorkflowRepository{db: database}
}

// Create inserts a new workflow draft
func (r *WorkflowRepository) Create(ctx context.Context, wf *graph.Workflow) error {
	graphJSON, err := json.Marshal(wf.Graph)
	if err != nil {
		return fmt.Errorf("marshal graph: %w", err)
	}
	metaJSON, err := json.Marshal(wf.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	query := `
		INSERT INTO workflow (id, name, version, metadata, graph, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err = r.db.Exec(ctx, query, wf.ID, wf.Name, wf.Version, metaJSON, graphJSON, wf.CreatedAt, wf.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create workflow: %w", err)
	}

	return nil
}

// Update saves a new draft graph and bumps the version
func (r *WorkflowRepository) Update(ctx context.Context, wf *graph.Workflow) error {
	graphJSON, err := json.Marshal(wf.Graph)
	if err != nil {
		return fmt.Errorf("marshal graph: %w", err)
	}
	metaJSON, err := json.Marshal(wf.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	query := `
		UPDATE workflow
		SET name = $2, version = version + 1, metadata = $3, graph = $4, updated_at = $5
		WHERE id = $1
		RETURNING version
	`

	err = r.db.QueryRow(ctx, query, wf.ID, wf.Name, metaJSON, graphJSON, time.Now().UTC()).Scan(&wf.Version)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to update workflow: %w", err)
	}

	return nil
}

// GetByID retrieves a workflow draft
func (r *WorkflowRepository) GetByID(ctx context.Context, id uuid.UUID) (*graph.Workflow, error) {
	query := `
		SELECT id, name, version, metadata, graph, created_at, updated_at
		FROM workflow
		WHERE id = $1
	`

	wf := &graph.Workflow{}
	var metaJSON, graphJSON []byte
	err := r.db.QueryRow(ctx, query, id).Scan(
		&wf.ID,
		&wf.Name,
		&wf.Version,
		&metaJSON,
		&graphJSON,
		&wf.CreatedAt,
		&wf.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get workflow: %w", err)
	}

	if err := json.Unmarshal(graphJSON, &wf.Graph); err != nil {
		return nil, fmt.Errorf("unmarshal workflow graph: %w", err)
	}
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &wf.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal workflow metadata: %w", err)
		}
	}

	return wf, nil
}

// Exists reports whether a workflow row is present
func (r *WorkflowRepository) Exists(ctx context.Context, id uuid.UUID) (bool, error) {
	var exists bool
	err := r.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM workflow WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check workflow existence: %w", err)
	}
	return exists, nil
}

// List retrieves workflows ordered by last update
func (r *WorkflowRepository) List(ctx context.Context, limit, offset int) ([]*graph.Workflow, error) {
	query := `
		SELECT id, name, version, metadata, created_at, updated_at
		FROM workflow
		ORDER BY updated_at DESC
		LIMIT $1 OFFSET $2
	`

	rows, err := r.db.Query(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list workflows: %w", err)
	}
	defer rows.Close()

	var workflows []*graph.Workflow
	for rows.Next() {
		wf := &graph.Workflow{}
		var metaJSON []byte
		if err := rows.Scan(&wf.ID, &wf.Name, &wf.Version, &metaJSON, &wf.CreatedAt, &wf.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan workflow: %w", err)
		}
		if len(metaJSON) > 0 {
			if err := json.Unmarshal(metaJSON, &wf.Metadata); err != nil {
				return nil, fmt.Errorf("unmarshal workflow metadata: %w", err)
			}
		}
		workflows = append(workflows, wf)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating workflows: %w", err)
	}

	return workflows, nil
}

// Delete removes a workflow and its revisions
func (r *WorkflowRepository) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM workflow WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete workflow: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// PublishRevision inserts an immutable revision snapshot. One revision
// per (workflow, environment, version).
func (r *WorkflowRepository) PublishRevision(ctx context.Context, rev *graph.Revision) error {
	graphJSON, err := json.Marshal(rev.Graph)
	if err != nil {
		return fmt.Errorf("marshal revision graph: %w", err)
	}
	metaJSON, err := json.Marshal(rev.Metadata)
	if err != nil {
		return fmt.Errorf("marshal revision metadata: %w", err)
	}

	query := `
		INSERT INTO workflow_revision (id, workflow_id, environment, version, graph, metadata, published_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`

	_, err = r.db.Exec(ctx, query, rev.ID, rev.WorkflowID, rev.Environment, rev.Version, graphJSON, metaJSON, rev.PublishedAt)
	if err != nil {
		return fmt.Errorf("failed to publish revision: %w", err)
	}

	return nil
}

// LatestRevision returns the newest revision for an environment
func (r *WorkflowRepository) LatestRevision(ctx context.Context, workflowID uuid.UUID, env graph.Environment) (*graph.Revision, error) {
	query := `
		SELECT id, workflow_id, environment, version, graph, metadata, published_at
		FROM workflow_revision
		WHERE workflow_id = $1 AND environment = $2
		ORDER BY version DESC
		LIMIT 1
	`

	return r.scanRevision(r.db.QueryRow(ctx, query, workflowID, env))
}

// GetRevision retrieves one revision by id
func (r *WorkflowRepository) GetRevision(ctx context.Context, id uuid.UUID) (*graph.Revision, error) {
	query := `
		SELECT id, workflow_id, environment, version, graph, metadata, published_at
		FROM workflow_revision
		WHERE id = $1
	`

	return r.scanRevision(r.db.QueryRow(ctx, query, id))
}

// ListRevisions returns a workflow's revisions newest first
func (r *WorkflowRepository) ListRevisions(ctx context.Context, workflowID uuid.UUID, limit int) ([]*graph.Revision, error) {
	query := `
		SELECT id, workflow_id, environment, version, graph, metadata, published_at
		FROM workflow_revision
		WHERE workflow_id = $1
		ORDER BY published_at DESC
		LIMIT $2
	`

	rows, err := r.db.Query(ctx, query, workflowID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list revisions: %w", err)
	}
	defer rows.Close()

	var revisions []*graph.Revision
	for rows.Next() {
		rev, err := r.scanRevision(rows)
		if err != nil {
			return nil, err
		}
		revisions = append(revisions, rev)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating revisions: %w", err)
	}

	return revisions, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *WorkflowRepository) scanRevision(row rowScanner) (*graph.Revision, error) {
	rev := &graph.Revision{}
	var graphJSON, metaJSON []byte
	err := row.Scan(
		&rev.ID,
		&rev.WorkflowID,
		&rev.Environment,
		&rev.Version,
		&graphJSON,
		&metaJSON,
		&rev.PublishedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get revision: %w", err)
	}

	if err := json.Unmarshal(graphJSON, &rev.Graph); err != nil {
		return nil, fmt.Errorf("unmarshal revision graph: %w", err)
	}
	if len(metaJSON) > 0 {
		if err := json.Unmarshal(metaJSON, &rev.Metadata); err != nil {
			return nil, fmt.Errorf("unmarshal revision metadata: %w", err)
		}
	}

	return rev, nil
}
