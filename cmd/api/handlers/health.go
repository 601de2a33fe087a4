package handlers

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/flowstack/engine/common/db"
	"github.com/flowstack/engine/common/logger"
	"github.com/flowstack/engine/common/queue"
	"github.com/flowstack/engine/common/redisx"
)

// HealthHandler reports component health
type HealthHandler struct {
	db    *db.DB
	redis *redisx.Client
	probe *queue.HealthProbe
	fleet *queue.Fleet
	log   *logger.Logger
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(database *db.DB, redis *redisx.Client, probe *queue.HealthProbe, fleet *queue.Fleet, log *logger.Logger) *HealthHandler {
	return &HealthHandler{db: database, redis: redis, probe: probe, fleet: fleet, log: log}
}

type componentHealth struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

type healthResponse struct {
	Status   string              `json:"status"`
	Database componentHealth     `json:"database"`
	Redis    componentHealth     `json:"redis"`
	Queue    queue.HealthStatus  `json:"queue"`
	Workers  *queue.FleetSummary `json:"workers,omitempty"`
}

// Health reports readiness of the database, redis, the run queue, and
// the worker fleet
// GET /api/v1/health
func (h *HealthHandler) Health(c echo.Context) error {
	ctx := c.Request().Context()
	resp := healthResponse{Status: "ok"}

	resp.Database = componentHealth{Status: "ok"}
	if err := h.db.Health(ctx); err != nil {
		resp.Database = componentHealth{Status: "fail", Error: err.Error()}
		resp.Status = "degraded"
	}

	resp.Redis = componentHealth{Status: "ok"}
	if _, err := h.redis.Ping(ctx); err != nil {
		resp.Redis = componentHealth{Status: "fail", Error: err.Error()}
		resp.Status = "degraded"
	}

	resp.Queue = h.probe.Status()
	if resp.Queue.State == queue.HealthFail {
		resp.Status = "degraded"
	}

	if summary, err := h.fleet.Summary(ctx); err == nil {
		resp.Workers = summary
		if !summary.HasExecutionWorker {
			resp.Status = "degraded"
		}
	} else {
		h.log.Error("fleet summary", "error", err)
	}

	code := http.StatusOK
	if resp.Status != "ok" {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, resp)
}

// Live is a bare liveness probe
// GET /healthz
func (h *HealthHandler) Live(c echo.Context) error {
	return c.String(http.StatusOK, "ok")
}

// QueueHealth returns the cached queue probe observation
// GET /api/v1/health/queue
func (h *HealthHandler) QueueHealth(c echo.Context) error {
	status := h.probe.Status()
	code := http.StatusOK
	if status.State == queue.HealthFail {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

// Workers returns the heartbeat-derived fleet summary
// GET /api/v1/workers
func (h *HealthHandler) Workers(c echo.Context) error {
	summary, err := h.fleet.Summary(c.Request().Context())
	if err != nil {
		h.log.Error("fleet summary", "error", err)
		return c.JSON(http.StatusServiceUnavailable, errorBody{
			Code:    "FLEET_UNAVAILABLE",
			Message: "worker fleet state is unavailable",
		})
	}
	return c.JSON(http.StatusOK, summary)
}
