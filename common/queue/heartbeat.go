package queue

import (
	"context"
	"encoding/json"
	"time"

	"github.com/flowstack/engine/common/config"
	"github.com/flowstack/engine/common/logger"
	"github.com/flowstack/engine/common/redisx"
)

// WorkerRole tags what a worker process does
type WorkerRole string

const (
	RoleExecution WorkerRole = "execution"
	RoleScheduler WorkerRole = "scheduler"
	RoleTimer     WorkerRole = "timer"
)

// Heartbeat is one worker's liveness record
type Heartbeat struct {
	WorkerID string     `json:"workerId"`
	Role     WorkerRole `json:"role"`
	SeenAt   time.Time  `json:"seenAt"`
}

// FleetSummary aggregates live heartbeats for the health surface.
// LastBeatAgeMs is the age of the most recent heartbeat, stale ones
// included; -1 when no worker has ever beaten.
type FleetSummary struct {
	HealthyWorkers     int   `json:"healthyWorkers"`
	HasExecutionWorker bool  `json:"hasExecutionWorker"`
	SchedulerHealthy   bool  `json:"schedulerHealthy"`
	TimerHealthy       bool  `json:"timerHealthy"`
	LastBeatAgeMs      int64 `json:"lastBeatAgeMs"`
}

// Fleet tracks worker heartbeats in a Redis hash
type Fleet struct {
	redis *redisx.Client
	cfg   config.QueueConfig
	log   *logger.Logger
}

// NewFleet builds a fleet tracker
func NewFleet(redis *redisx.Client, cfg config.QueueConfig, log *logger.Logger) *Fleet {
	return &Fleet{redis: redis, cfg: cfg, log: log}
}

// Beat records one heartbeat for the worker
func (f *Fleet) Beat(ctx context.Context, workerID string, role WorkerRole) error {
	hb := Heartbeat{WorkerID: workerID, Role: role, SeenAt: time.Now().UTC()}
	payload, err := json.Marshal(hb)
	if err != nil {
		return err
	}
	return f.redis.SetHash(ctx, f.cfg.HeartbeatKey, workerID, string(payload))
}

// RunBeats heartbeats on a third of the staleness window until the
// context ends
func (f *Fleet) RunBeats(ctx context.Context, workerID string, role WorkerRole) {
	interval := f.cfg.HeartbeatMaxAge / 3
	if interval < time.Second {
		interval = time.Second
	}

	if err := f.Beat(ctx, workerID, role); err != nil {
		f.log.Warn("heartbeat failed", "worker_id", workerID, "error", err)
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := f.Beat(ctx, workerID, role); err != nil {
				f.log.Warn("heartbeat failed", "worker_id", workerID, "error", err)
			}
		}
	}
}

// Summary reads all heartbeats and aggregates the ones still fresh
func (f *Fleet) Summary(ctx context.Context) (*FleetSummary, error) {
	entries, err := f.redis.GetAllHash(ctx, f.cfg.HeartbeatKey)
	if err != nil {
		return nil, err
	}
	return f.summarize(entries, time.Now().UTC()), nil
}

func (f *Fleet) summarize(entries map[string]string, now time.Time) *FleetSummary {
	cutoff := now.Add(-f.cfg.HeartbeatMaxAge)
	summary := &FleetSummary{LastBeatAgeMs: -1}
	var newest time.Time

	for workerID, raw := range entries {
		var hb Heartbeat
		if err := json.Unmarshal([]byte(raw), &hb); err != nil {
			f.log.Debug("skip malformed heartbeat", "worker_id", workerID)
			continue
		}
		if hb.SeenAt.After(newest) {
			newest = hb.SeenAt
		}
		if hb.SeenAt.Before(cutoff) {
			continue
		}

		summary.HealthyWorkers++
		switch hb.Role {
		case RoleExecution:
			summary.HasExecutionWorker = true
		case RoleScheduler:
			summary.SchedulerHealthy = true
		case RoleTimer:
			summary.TimerHealthy = true
		}
	}

	if !newest.IsZero() {
		summary.LastBeatAgeMs = now.Sub(newest).Milliseconds()
	}
	return summary
}
