package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/tokenwatch/price-oracle/internal/database"
	"github.com/tokenwatch/price-oracle/internal/models"
	"github.com/tokenwatch/price-oracle/internal/monitor"
)

// WorkerStats exposes scheduler lane occupancy to the health endpoint.
type WorkerStats interface {
	LaneStats() map[string]models.LaneStat
}

type HealthHandler struct {
	db      *database.PostgresDB
	redis   *database.RedisClient
	workers WorkerStats
	monitor *monitor.Monitor
}

func NewHealthHandler(db *database.PostgresDB, redis *database.RedisClient,
	workers WorkerStats, mon *monitor.Monitor) *HealthHandler {
	return &HealthHandler{db: db, redis: redis, workers: workers, monitor: mon}
}

type HealthResponse struct {
	Status    string       `json:"status"`
	Timestamp time.Time    `json:"timestamp"`
	Checks    HealthChecks `json:"checks"`
}

type HealthChecks struct {
	Database DependencyCheck `json:"database"`
	Cache    DependencyCheck `json:"cache"`
	Workers  WorkersCheck    `json:"workers"`
}

type DependencyCheck struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

type WorkersCheck struct {
	Status            string                    `json:"status"`
	Lanes             map[string]models.LaneStat `json:"lanes,omitempty"`
	MemoryUsedPercent float64                   `json:"memory_used_percent"`
	CPUPercent        float64                   `json:"cpu_percent"`
}

// GetPing answers liveness probes with no dependency checks at all.
func (h *HealthHandler) GetPing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "alive",
		"timestamp": time.Now().UTC(),
		"service":   "price-oracle",
	})
}

// GetHealth reports dependency reachability and worker pool occupancy.
// Degraded dependencies return 503 so load balancers stop routing here.
func (h *HealthHandler) GetHealth(c *gin.Context) {
	ctx := c.Request.Context()
	response := HealthResponse{
		Status:    models.HealthStatusHealthy,
		Timestamp: time.Now().UTC(),
		Checks: HealthChecks{
			Database: DependencyCheck{Status: "up"},
			Cache:    DependencyCheck{Status: "up"},
			Workers:  WorkersCheck{Status: "ok"},
		},
	}

	if err := h.db.HealthCheck(ctx); err != nil {
		response.Checks.Database = DependencyCheck{Status: "down", Error: err.Error()}
		response.Status = models.HealthStatusUnhealthy
	}
	if err := h.redis.HealthCheck(ctx); err != nil {
		response.Checks.Cache = DependencyCheck{Status: "down", Error: err.Error()}
		response.Status = models.HealthStatusUnhealthy
	}

	if h.workers != nil {
		response.Checks.Workers.Lanes = h.workers.LaneStats()
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		response.Checks.Workers.MemoryUsedPercent = vm.UsedPercent
	}
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		response.Checks.Workers.CPUPercent = percents[0]
	}

	code := http.StatusOK
	if response.Status != models.HealthStatusHealthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, response)
}

// GetBeatHealth reports scheduler and data freshness. Any status other than
// healthy is a 503, but the body is always the full snapshot so operators can
// see which job or category degraded.
func (h *HealthHandler) GetBeatHealth(c *gin.Context) {
	snapshot := h.monitor.Evaluate(c.Request.Context())

	code := http.StatusOK
	if snapshot.Status != models.HealthStatusHealthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, snapshot)
}
