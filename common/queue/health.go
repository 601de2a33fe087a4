package queue

import (
	"context"
	"sync"
	"time"

	"github.com/flowstack/engine/common/config"
	"github.com/flowstack/engine/common/logger"
	"github.com/flowstack/engine/common/redisx"
)

// HealthState is the queue health verdict
type HealthState string

const (
	HealthPass HealthState = "pass"
	HealthWarn HealthState = "warn"
	HealthFail HealthState = "fail"
)

// HealthStatus is one probe observation
type HealthStatus struct {
	State     HealthState `json:"state"`
	LatencyMs int64       `json:"latencyMs"`
	CheckedAt time.Time   `json:"checkedAt"`
	Error     string      `json:"error,omitempty"`
}

// HealthProbe pings the queue backend on an interval and caches the
// last observation so admission checks never block on a probe
type HealthProbe struct {
	redis *redisx.Client
	cfg   config.QueueConfig
	log   *logger.Logger

	mu   sync.RWMutex
	last HealthStatus
}

// NewHealthProbe builds a probe. Run starts the probe loop.
func NewHealthProbe(redis *redisx.Client, cfg config.QueueConfig, log *logger.Logger) *HealthProbe {
	return &HealthProbe{
		redis: redis,
		cfg:   cfg,
		log:   log,
		last:  HealthStatus{State: HealthFail, Error: "not yet probed"},
	}
}

// Run probes until the context ends
func (p *HealthProbe) Run(ctx context.Context) {
	p.probe(ctx)

	ticker := time.NewTicker(p.cfg.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.probe(ctx)
		}
	}
}

// Check probes immediately and returns the fresh observation
func (p *HealthProbe) Check(ctx context.Context) HealthStatus {
	return p.probe(ctx)
}

// Status returns the cached observation
func (p *HealthProbe) Status() HealthStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.last
}

// Available reports whether runs can currently be enqueued
func (p *HealthProbe) Available() bool {
	return p.Status().State != HealthFail
}

func (p *HealthProbe) probe(ctx context.Context) HealthStatus {
	status := HealthStatus{CheckedAt: time.Now().UTC()}

	latency, err := p.redis.Ping(ctx)
	switch {
	case err != nil:
		status.State = HealthFail
		status.Error = err.Error()
		p.log.Warn("queue health probe failed", "error", err)
	case latency > p.cfg.HealthMaxLatency:
		status.State = HealthWarn
		status.LatencyMs = latency.Milliseconds()
		p.log.Warn("queue latency above threshold",
			"latency_ms", status.LatencyMs,
			"max_ms", p.cfg.HealthMaxLatency.Milliseconds())
	default:
		status.State = HealthPass
		status.LatencyMs = latency.Milliseconds()
	}

	p.mu.Lock()
	p.last = status
	p.mu.Unlock()
	return status
}
