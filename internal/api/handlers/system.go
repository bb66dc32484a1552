package handlers

import (
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"

	"dvr-worker-go/internal/logging"
)

// SystemHandler handles system-related endpoints
type SystemHandler struct {
	WorkerID string
	Version  string
	started  time.Time
}

func NewSystemHandler(workerID, version string) *SystemHandler {
	return &SystemHandler{
		WorkerID: workerID,
		Version:  version,
		started:  time.Now(),
	}
}

// GetInfo reports process and host figures for the shell's about page.
func (h *SystemHandler) GetInfo(c *gin.Context) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	info := gin.H{
		"worker_id":      h.WorkerID,
		"version":        h.Version,
		"uptime_seconds": int64(time.Since(h.started).Seconds()),
		"memory_mb":      m.Alloc / 1024 / 1024,
		"cpu_cores":      runtime.NumCPU(),
		"goroutines":     runtime.NumGoroutine(),
		"go_version":     runtime.Version(),
	}

	if vm, err := mem.VirtualMemoryWithContext(c.Request.Context()); err == nil {
		info["host_memory_total_mb"] = vm.Total / 1024 / 1024
		info["host_memory_used_percent"] = vm.UsedPercent
	} else {
		logging.Debug(c).Err(err).Msg("Host memory unavailable")
	}
	if hi, err := host.InfoWithContext(c.Request.Context()); err == nil {
		info["hostname"] = hi.Hostname
		info["platform"] = hi.Platform
		info["kernel"] = hi.KernelVersion
		info["host_uptime_seconds"] = hi.Uptime
	} else {
		logging.Debug(c).Err(err).Msg("Host info unavailable")
	}

	c.JSON(http.StatusOK, gin.H{
		"success":   true,
		"info":      info,
		"timestamp": time.Now().Unix(),
	})
}
