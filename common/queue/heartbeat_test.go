package queue

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/flowstack/engine/common/config"
)

func testFleet() *Fleet {
	return NewFleet(nil, config.QueueConfig{HeartbeatMaxAge: 30 * time.Second}, testLog())
}

func encodedBeat(t *testing.T, workerID string, role WorkerRole, seenAt time.Time) string {
	t.Helper()
	raw, err := json.Marshal(Heartbeat{WorkerID: workerID, Role: role, SeenAt: seenAt})
	require.NoError(t, err)
	return string(raw)
}

func TestFleetSummarize_AggregatesFreshBeats(t *testing.T) {
	fleet := testFleet()
	now := time.Now().UTC()

	entries := map[string]string{
		"w1": encodedBeat(t, "w1", RoleExecution, now.Add(-5*time.Second)),
		"w2": encodedBeat(t, "w2", RoleScheduler, now.Add(-10*time.Second)),
		"w3": encodedBeat(t, "w3", RoleTimer, now.Add(-2*time.Minute)),
		"w4": "not-json",
	}

	summary := fleet.summarize(entries, now)
	require.Equal(t, 2, summary.HealthyWorkers)
	require.True(t, summary.HasExecutionWorker)
	require.True(t, summary.SchedulerHealthy)
	// The timer beat is past the staleness window
	require.False(t, summary.TimerHealthy)
	require.Equal(t, int64(5000), summary.LastBeatAgeMs)
}

func TestFleetSummarize_EmptyFleet(t *testing.T) {
	summary := testFleet().summarize(map[string]string{}, time.Now().UTC())
	require.Equal(t, 0, summary.HealthyWorkers)
	require.False(t, summary.HasExecutionWorker)
	require.Equal(t, int64(-1), summary.LastBeatAgeMs)
}

func TestFleetSummarize_StaleBeatsStillReportAge(t *testing.T) {
	fleet := testFleet()
	now := time.Now().UTC()

	entries := map[string]string{
		"w1": encodedBeat(t, "w1", RoleExecution, now.Add(-2*time.Minute)),
	}

	summary := fleet.summarize(entries, now)
	require.Equal(t, 0, summary.HealthyWorkers)
	require.False(t, summary.HasExecutionWorker)
	require.Equal(t, int64(120000), summary.LastBeatAgeMs)
}
