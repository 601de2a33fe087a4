package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// RunStatus is the persisted run lifecycle state
type RunStatus string

const (
	RunQueued    RunStatus = "queued"
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// Terminal reports whether the status is final
func (s RunStatus) Terminal() bool {
	switch s {
	case RunSucceeded, RunFailed, RunCancelled:
		return true
	}
	return false
}

// Run is one workflow execution record
type Run struct {
	ID          uuid.UUID       `json:"id"`
	WorkflowID  uuid.UUID       `json:"workflowId"`
	RevisionID  *uuid.UUID      `json:"revisionId,omitempty"`
	Environment string          `json:"environment"`
	Workspace   string          `json:"workspace,omitempty"`
	Status      RunStatus       `json:"status"`
	Code        string          `json:"code,omitempty"`
	Trigger     json.RawMessage `json:"trigger,omitempty"`
	Error       json.RawMessage `json:"error,omitempty"`
	QueuedAt    time.Time       `json:"queuedAt"`
	StartedAt   *time.Time      `json:"startedAt,omitempty"`
	FinishedAt  *time.Time      `json:"finishedAt,omitempty"`
}

// NodeExecution is the per-node outcome row for a run
type NodeExecution struct {
	RunID      uuid.UUID       `json:"runId"`
	NodeID     string          `json:"nodeId"`
	Status     string          `json:"status"`
	Attempts   int             `json:"attempts"`
	Branch     string          `json:"branch,omitempty"`
	Output     json.RawMessage `json:"output,omitempty"`
	Error      json.RawMessage `json:"error,omitempty"`
	StartedAt  *time.Time      `json:"startedAt,omitempty"`
	FinishedAt *time.Time      `json:"finishedAt,omitempty"`
}

// RunEvent is one persisted entry of a run's ordered event log.
// (RunID, Seq) is unique; replays are no-ops.
type RunEvent struct {
	RunID     uuid.UUID       `json:"runId"`
	Seq       int             `json:"seq"`
	Type      string          `json:"type"`
	NodeID    string          `json:"nodeId,omitempty"`
	Attempt   int             `json:"attempt,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}
