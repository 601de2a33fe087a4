package queue

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/flowstack/engine/common/config"
	"github.com/flowstack/engine/common/graph"
	"github.com/flowstack/engine/common/logger"
	"github.com/flowstack/engine/common/quota"
)

func testLog() *logger.Logger {
	return logger.New("error", "json")
}

type fleetViewFunc func(ctx context.Context) (*FleetSummary, error)

func (f fleetViewFunc) Summary(ctx context.Context) (*FleetSummary, error) { return f(ctx) }

type workflowCheckerFunc func(ctx context.Context, workflowID string) (bool, error)

func (f workflowCheckerFunc) WorkflowExists(ctx context.Context, workflowID string) (bool, error) {
	return f(ctx, workflowID)
}

// passingProbe fakes a healthy queue observation
func passingProbe() *HealthProbe {
	probe := NewHealthProbe(nil, config.QueueConfig{}, testLog())
	probe.last = HealthStatus{State: HealthPass}
	return probe
}

func TestAdmit_RejectsWhenQueueUnprobed(t *testing.T) {
	// A fresh probe has never seen the queue and reports fail, so
	// admission rejects before any other check runs
	probe := NewHealthProbe(nil, config.QueueConfig{}, testLog())
	admission := NewAdmission(probe, nil, nil, nil, testLog())

	err := admission.Admit(context.Background(), "ws-1", "wf-1", &graph.Graph{})
	require.Error(t, err)

	admErr, ok := err.(*AdmissionError)
	require.True(t, ok)
	require.Equal(t, CodeQueueUnavailable, admErr.Code)
	require.Equal(t, http.StatusServiceUnavailable, admErr.Status)
	require.Contains(t, admErr.Message, "not yet probed")
}

func TestAdmit_RejectsWithoutExecutionWorker(t *testing.T) {
	// The queue itself is healthy but nothing would consume the run
	fleet := fleetViewFunc(func(context.Context) (*FleetSummary, error) {
		return &FleetSummary{HealthyWorkers: 2, SchedulerHealthy: true, TimerHealthy: true}, nil
	})
	admission := NewAdmission(passingProbe(), fleet, nil, nil, testLog())

	err := admission.Admit(context.Background(), "ws-1", "wf-1", &graph.Graph{})
	admErr, ok := err.(*AdmissionError)
	require.True(t, ok)
	require.Equal(t, CodeQueueUnavailable, admErr.Code)
	require.Equal(t, http.StatusServiceUnavailable, admErr.Status)
	require.Contains(t, admErr.Message, "execution worker")
}

func TestAdmit_RejectsWhenFleetUnreachable(t *testing.T) {
	fleet := fleetViewFunc(func(context.Context) (*FleetSummary, error) {
		return nil, errors.New("redis timeout")
	})
	admission := NewAdmission(passingProbe(), fleet, nil, nil, testLog())

	err := admission.Admit(context.Background(), "ws-1", "wf-1", &graph.Graph{})
	admErr, ok := err.(*AdmissionError)
	require.True(t, ok)
	require.Equal(t, CodeQueueUnavailable, admErr.Code)
	require.Contains(t, admErr.Message, "redis timeout")
}

func TestAdmit_ProceedsPastLiveFleet(t *testing.T) {
	fleet := fleetViewFunc(func(context.Context) (*FleetSummary, error) {
		return &FleetSummary{HealthyWorkers: 1, HasExecutionWorker: true}, nil
	})
	workflows := workflowCheckerFunc(func(context.Context, string) (bool, error) {
		return false, nil
	})
	admission := NewAdmission(passingProbe(), fleet, workflows, nil, testLog())

	// Reaching the workflow check proves the fleet gate passed
	err := admission.Admit(context.Background(), "ws-1", "wf-1", &graph.Graph{})
	admErr, ok := err.(*AdmissionError)
	require.True(t, ok)
	require.Equal(t, CodeWorkflowNotFound, admErr.Code)
	require.Equal(t, http.StatusNotFound, admErr.Status)
}

func TestUsageExceeded_CarriesQuotaType(t *testing.T) {
	admErr := usageExceeded(QuotaTypeTokens, "token", &quota.Result{
		CurrentCount:      900,
		Limit:             800,
		RetryAfterSeconds: 12,
	})
	require.Equal(t, CodeUsageQuotaExceeded, admErr.Code)
	require.Equal(t, http.StatusTooManyRequests, admErr.Status)
	require.Equal(t, QuotaTypeTokens, admErr.QuotaType)
	require.Equal(t, int64(12), admErr.RetryAfterSeconds)

	payload, err := json.Marshal(admErr)
	require.NoError(t, err)
	require.Contains(t, string(payload), `"quotaType":"tokens"`)
}

func TestHealthProbe_InitialState(t *testing.T) {
	probe := NewHealthProbe(nil, config.QueueConfig{}, testLog())

	require.False(t, probe.Available())
	status := probe.Status()
	require.Equal(t, HealthFail, status.State)
	require.Equal(t, "not yet probed", status.Error)
}

func TestAdmissionError_Message(t *testing.T) {
	err := &AdmissionError{
		Code:    CodeExecutionQuotaExceeded,
		Status:  http.StatusTooManyRequests,
		Message: "execution quota reached (120/120 this minute)",
	}
	require.Equal(t, "EXECUTION_QUOTA_EXCEEDED: execution quota reached (120/120 this minute)", err.Error())
}

func TestLLMTokenEstimate(t *testing.T) {
	withStatic := &graph.Node{Params: map[string]graph.Value{
		"maxTokens": graph.StaticValue(float64(250)),
	}}
	require.Equal(t, int64(250), llmTokenEstimate(withStatic))

	withInt := &graph.Node{Params: map[string]graph.Value{
		"maxTokens": graph.StaticValue(500),
	}}
	require.Equal(t, int64(500), llmTokenEstimate(withInt))

	// Dynamic values cannot be estimated up front
	withRef := &graph.Node{Params: map[string]graph.Value{
		"maxTokens": graph.RefParam("up", "budget"),
	}}
	require.Equal(t, int64(defaultLLMTokenEstimate), llmTokenEstimate(withRef))

	require.Equal(t, int64(defaultLLMTokenEstimate), llmTokenEstimate(&graph.Node{}))
}
