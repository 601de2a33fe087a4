package queue

import (
	"context"
	"fmt"
	"net/http"

	"github.com/flowstack/engine/common/graph"
	"github.com/flowstack/engine/common/logger"
	"github.com/flowstack/engine/common/quota"
)

// Admission rejection codes
const (
	CodeQueueUnavailable             = "QUEUE_UNAVAILABLE"
	CodeWorkflowNotFound             = "WORKFLOW_NOT_FOUND"
	CodeExecutionQuotaExceeded       = "EXECUTION_QUOTA_EXCEEDED"
	CodeConnectorConcurrencyExceeded = "CONNECTOR_CONCURRENCY_EXCEEDED"
	CodeUsageQuotaExceeded           = "USAGE_QUOTA_EXCEEDED"
)

// Quota discriminators carried on USAGE_QUOTA_EXCEEDED rejections
const (
	QuotaTypeAPICalls = "apiCalls"
	QuotaTypeTokens   = "tokens"
)

const defaultLLMTokenEstimate = 1000

// AdmissionError is a typed rejection with its HTTP mapping
type AdmissionError struct {
	Code              string `json:"code"`
	Status            int    `json:"-"`
	Message           string `json:"message"`
	QuotaType         string `json:"quotaType,omitempty"`
	RetryAfterSeconds int64  `json:"retryAfterSeconds,omitempty"`
}

func (e *AdmissionError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// WorkflowChecker answers whether the target workflow exists
type WorkflowChecker interface {
	WorkflowExists(ctx context.Context, workflowID string) (bool, error)
}

// FleetView reports worker liveness from heartbeats
type FleetView interface {
	Summary(ctx context.Context) (*FleetSummary, error)
}

// Admission runs the ordered pre-enqueue checks. The queue check comes
// first so a dead queue rejects before any run row is written.
type Admission struct {
	probe     *HealthProbe
	fleet     FleetView
	workflows WorkflowChecker
	quotas    *quota.Checker
	log       *logger.Logger
}

// NewAdmission builds the admission pipeline
func NewAdmission(probe *HealthProbe, fleet FleetView, workflows WorkflowChecker, quotas *quota.Checker, log *logger.Logger) *Admission {
	return &Admission{probe: probe, fleet: fleet, workflows: workflows, quotas: quotas, log: log}
}

// Admit checks the request in order: queue availability, execution
// worker liveness, workflow existence, execution quota, connector
// concurrency, usage quotas. A nil return means the run may be
// recorded and enqueued.
func (a *Admission) Admit(ctx context.Context, workspace, workflowID string, g *graph.Graph) error {
	if !a.probe.Available() {
		status := a.probe.Status()
		return &AdmissionError{
			Code:    CodeQueueUnavailable,
			Status:  http.StatusServiceUnavailable,
			Message: "run queue is unavailable: " + status.Error,
		}
	}

	// A reachable queue with nobody consuming it strands the run, so a
	// missing execution worker rejects the same way a dead queue does
	if a.fleet != nil {
		summary, err := a.fleet.Summary(ctx)
		if err != nil {
			return &AdmissionError{
				Code:    CodeQueueUnavailable,
				Status:  http.StatusServiceUnavailable,
				Message: "worker fleet is unreachable: " + err.Error(),
			}
		}
		if !summary.HasExecutionWorker {
			return &AdmissionError{
				Code:    CodeQueueUnavailable,
				Status:  http.StatusServiceUnavailable,
				Message: "no execution worker has heartbeated recently",
			}
		}
	}

	exists, err := a.workflows.WorkflowExists(ctx, workflowID)
	if err != nil {
		return fmt.Errorf("check workflow %s: %w", workflowID, err)
	}
	if !exists {
		return &AdmissionError{
			Code:    CodeWorkflowNotFound,
			Status:  http.StatusNotFound,
			Message: fmt.Sprintf("workflow %s does not exist", workflowID),
		}
	}

	execResult, err := a.quotas.CheckExecution(ctx, workspace)
	if err != nil {
		return fmt.Errorf("check execution quota: %w", err)
	}
	if !execResult.Allowed {
		return &AdmissionError{
			Code:              CodeExecutionQuotaExceeded,
			Status:            http.StatusTooManyRequests,
			Message:           fmt.Sprintf("execution quota reached (%d/%d this minute)", execResult.CurrentCount, execResult.Limit),
			RetryAfterSeconds: execResult.RetryAfterSeconds,
		}
	}

	if err := a.checkConnectorConcurrency(ctx, workspace, g); err != nil {
		return err
	}

	return a.checkUsage(ctx, workspace, g)
}

func (a *Admission) checkConnectorConcurrency(ctx context.Context, workspace string, g *graph.Graph) error {
	limit := a.quotas.ConnectorLimit()
	if limit <= 0 {
		return nil
	}

	seen := map[string]bool{}
	for i := range g.Nodes {
		app := g.Nodes[i].App
		if app == "" || seen[app] {
			continue
		}
		seen[app] = true

		inFlight, err := a.quotas.ConnectorInFlight(ctx, workspace, app)
		if err != nil {
			return fmt.Errorf("check connector concurrency for %s: %w", app, err)
		}
		if inFlight >= limit {
			return &AdmissionError{
				Code:    CodeConnectorConcurrencyExceeded,
				Status:  http.StatusTooManyRequests,
				Message: fmt.Sprintf("connector %s has %d runs in flight (limit %d)", app, inFlight, limit),
			}
		}
	}
	return nil
}

// checkUsage reserves the run's estimated API call and token budget
func (a *Admission) checkUsage(ctx context.Context, workspace string, g *graph.Graph) error {
	var apiCalls, tokens int64
	for i := range g.Nodes {
		node := &g.Nodes[i]
		if node.Role == graph.RoleAction {
			apiCalls++
		}
		if node.App == "llm" {
			tokens += llmTokenEstimate(node)
		}
	}

	if apiCalls > 0 {
		result, err := a.quotas.CheckAPICalls(ctx, workspace, apiCalls)
		if err != nil {
			return fmt.Errorf("check api call quota: %w", err)
		}
		if !result.Allowed {
			return usageExceeded(QuotaTypeAPICalls, "api call", result)
		}
	}

	if tokens > 0 {
		result, err := a.quotas.CheckTokens(ctx, workspace, tokens)
		if err != nil {
			return fmt.Errorf("check token quota: %w", err)
		}
		if !result.Allowed {
			return usageExceeded(QuotaTypeTokens, "token", result)
		}
	}

	return nil
}

func usageExceeded(quotaType, resource string, result *quota.Result) *AdmissionError {
	return &AdmissionError{
		Code:              CodeUsageQuotaExceeded,
		Status:            http.StatusTooManyRequests,
		Message:           fmt.Sprintf("%s quota reached (%d/%d this minute)", resource, result.CurrentCount, result.Limit),
		QuotaType:         quotaType,
		RetryAfterSeconds: result.RetryAfterSeconds,
	}
}

func llmTokenEstimate(node *graph.Node) int64 {
	if val, ok := node.Params["maxTokens"]; ok && val.Kind == graph.ValueStatic {
		switch n := val.Static.(type) {
		case float64:
			return int64(n)
		case int:
			return int64(n)
		}
	}
	return defaultLLMTokenEstimate
}
