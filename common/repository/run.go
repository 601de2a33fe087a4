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
	"github.com/flowstack/engine/common/models"
)

// RunRepository handles database operations for runs, their node
// executions, and the persisted event log
type RunRepository struct {
	db *db.DB
}

// NewRunRepository creates a new run repository
func NewRunRepository(database *db.DB) *RunRepository {
	return &RunRepository{db: database}
}

// Create inserts a new run in queued state
func (r *RunRepository) Create(ctx context.Context, run *models.Run) error {
	query := `
		INSERT INTO run (id, workflow_id, revision_id, environment, workspace, status, trigger, queued_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`

	_, err := r.db.Exec(
		ctx,
		query,
		run.ID,
		run.WorkflowID,
		run.RevisionID,
		run.Environment,
		run.Workspace,
		run.Status,
		run.Trigger,
		run.QueuedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}

	return nil
}

// GetByID retrieves a run by its ID
func (r *RunRepository) GetByID(ctx context.Context, runID uuid.UUID) (*models.Run, error) {
	query := `
		SELECT id, workflow_id, revision_id, environment, workspace, status, code, trigger, error, queued_at, started_at, finished_at
		FROM run
		WHERE id = $1
	`

	run := &models.Run{}
	err := r.db.QueryRow(ctx, query, runID).Scan(
		&run.ID,
		&run.WorkflowID,
		&run.RevisionID,
		&run.Environment,
		&run.Workspace,
		&run.Status,
		&run.Code,
		&run.Trigger,
		&run.Error,
		&run.QueuedAt,
		&run.StartedAt,
		&run.FinishedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	return run, nil
}

// MarkStarted transitions a queued run to running
func (r *RunRepository) MarkStarted(ctx context.Context, runID uuid.UUID) error {
	query := `
		UPDATE run
		SET status = $2, started_at = $3
		WHERE id = $1 AND status = $4
	`

	_, err := r.db.Exec(ctx, query, runID, models.RunRunning, time.Now().UTC(), models.RunQueued)
	if err != nil {
		return fmt.Errorf("failed to mark run started: %w", err)
	}
	return nil
}

// Finish records the terminal status of a run
func (r *RunRepository) Finish(ctx context.Context, runID uuid.UUID, status models.RunStatus, code string, errInfo any) error {
	var errJSON []byte
	if errInfo != nil {
		var err error
		errJSON, err = json.Marshal(errInfo)
		if err != nil {
			return fmt.Errorf("marshal run error: %w", err)
		}
	}

	query := `
		UPDATE run
		SET status = $2, code = $3, error = $4, finished_at = $5
		WHERE id = $1
	`

	_, err := r.db.Exec(ctx, query, runID, status, code, errJSON, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	return nil
}

// ListByWorkflow retrieves runs for a workflow, newest first
func (r *RunRepository) ListByWorkflow(ctx context.Context, workflowID uuid.UUID, limit, offset int) ([]*models.Run, error) {
	query := `
		SELECT id, workflow_id, revision_id, environment, workspace, status, code, trigger, error, queued_at, started_at, finished_at
		FROM run
		WHERE workflow_id = $1
		ORDER BY queued_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.db.Query(ctx, query, workflowID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []*models.Run
	for rows.Next() {
		run := &models.Run{}
		err := rows.Scan(
			&run.ID,
			&run.WorkflowID,
			&run.RevisionID,
			&run.Environment,
			&run.Workspace,
			&run.Status,
			&run.Code,
			&run.Trigger,
			&run.Error,
			&run.QueuedAt,
			&run.StartedAt,
			&run.FinishedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	return runs, nil
}

// AppendEvent persists one run event. Duplicate (run_id, seq) pairs are
// silently ignored so dispatcher retries stay idempotent.
func (r *RunRepository) AppendEvent(ctx context.Context, ev *models.RunEvent) error {
	query := `
		INSERT INTO run_event (run_id, seq, type, node_id, attempt, payload, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (run_id, seq) DO NOTHING
	`

	_, err := r.db.Exec(ctx, query, ev.RunID, ev.Seq, ev.Type, ev.NodeID, ev.Attempt, ev.Payload, ev.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to append run event: %w", err)
	}
	return nil
}

// ListEvents returns a run's event log in sequence order, starting
// after the given sequence number
func (r *RunRepository) ListEvents(ctx context.Context, runID uuid.UUID, afterSeq int) ([]*models.RunEvent, error) {
	query := `
		SELECT run_id, seq, type, node_id, attempt, payload, created_at
		FROM run_event
		WHERE run_id = $1 AND seq > $2
		ORDER BY seq ASC
	`

	rows, err := r.db.Query(ctx, query, runID, afterSeq)
	if err != nil {
		return nil, fmt.Errorf("failed to list run events: %w", err)
	}
	defer rows.Close()

	var events []*models.RunEvent
	for rows.Next() {
		ev := &models.RunEvent{}
		if err := rows.Scan(&ev.RunID, &ev.Seq, &ev.Type, &ev.NodeID, &ev.Attempt, &ev.Payload, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan run event: %w", err)
		}
		events = append(events, ev)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating run events: %w", err)
	}

	return events, nil
}

// UpsertNodeExecution writes the latest state of one node in a run
func (r *RunRepository) UpsertNodeExecution(ctx context.Context, ne *models.NodeExecution) error {
	query := `
		INSERT INTO run_node_execution (run_id, node_id, status, attempts, branch, output, error, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (run_id, node_id) DO UPDATE
		SET status = EXCLUDED.status,
			attempts = EXCLUDED.attempts,
			branch = EXCLUDED.branch,
			output = EXCLUDED.output,
			error = EXCLUDED.error,
			started_at = EXCLUDED.started_at,
			finished_at = EXCLUDED.finished_at
	`

	_, err := r.db.Exec(ctx, query, ne.RunID, ne.NodeID, ne.Status, ne.Attempts, ne.Branch, ne.Output, ne.Error, ne.StartedAt, ne.FinishedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert node execution: %w", err)
	}
	return nil
}

// ListNodeExecutions returns the per-node outcomes for a run
func (r *RunRepository) ListNodeExecutions(ctx context.Context, runID uuid.UUID) ([]*models.NodeExecution, error) {
	query := `
		SELECT run_id, node_id, status, attempts, branch, output, error, started_at, finished_at
		FROM run_node_execution
		WHERE run_id = $1
		ORDER BY node_id ASC
	`

	rows, err := r.db.Query(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list node executions: %w", err)
	}
	defer rows.Close()

	var executions []*models.NodeExecution
	for rows.Next() {
		ne := &models.NodeExecution{}
		if err := rows.Scan(&ne.RunID, &ne.NodeID, &ne.Status, &ne.Attempts, &ne.Branch, &ne.Output, &ne.Error, &ne.StartedAt, &ne.FinishedAt); err != nil {
			return nil, fmt.Errorf("failed to scan node execution: %w", err)
		}
		executions = append(executions, ne)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating node executions: %w", err)
	}

	return executions, nil
}
