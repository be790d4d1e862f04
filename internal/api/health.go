package api

import (
	"context"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/avolkov/converse/internal/store"
	"github.com/go-chi/chi/v5"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/load"
	"github.com/shirou/gopsutil/v4/mem"
)

const (
	healthCheckTimeout = 5 * time.Second

	cpuUsageLimitPercent    = 90.0
	memoryUsageLimitPercent = 90.0
	minFreeStorageMB        = 500
)

// HealthHandler aggregates component health checks: the application
// database plus host CPU, memory and storage headroom.
type HealthHandler struct {
	repo       store.Repository
	mountPoint string
}

// NewHealthHandler creates a health handler. mountPoint is the volume
// whose free space gets checked, normally the data directory.
func NewHealthHandler(repo store.Repository, mountPoint string) *HealthHandler {
	return &HealthHandler{repo: repo, mountPoint: mountPoint}
}

// Health runs every component check and reports the aggregate. Any
// failing component degrades the whole response to 503.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	components := []struct {
		name  string
		check func(context.Context) error
	}{
		{"database", h.checkDatabase},
		{"cpu", h.checkCPU},
		{"memory", h.checkMemory},
		{"storage", h.checkStorage},
	}

	checks := make(map[string]string, len(components))
	overall := "ok"
	statusCode := http.StatusOK
	for _, component := range components {
		if err := component.check(ctx); err != nil {
			checks[component.name] = "failed: " + err.Error()
			overall = "degraded"
			statusCode = http.StatusServiceUnavailable
			continue
		}
		checks[component.name] = "ok"
	}

	JSON(w, statusCode, map[string]any{
		"status": overall,
		"checks": checks,
	})
}

func (h *HealthHandler) checkDatabase(ctx context.Context) error {
	return h.repo.Ping(ctx)
}

// checkCPU compares the 15 minute load average against core count.
func (h *HealthHandler) checkCPU(ctx context.Context) error {
	avg, err := load.AvgWithContext(ctx)
	if err != nil {
		return fmt.Errorf("read load average: %w", err)
	}
	usage := avg.Load15 / float64(runtime.NumCPU()) * 100
	if usage > cpuUsageLimitPercent {
		return fmt.Errorf("load at %.0f%% of capacity", usage)
	}
	return nil
}

func (h *HealthHandler) checkMemory(ctx context.Context) error {
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return fmt.Errorf("read memory stats: %w", err)
	}
	if vm.UsedPercent > memoryUsageLimitPercent {
		return fmt.Errorf("memory at %.0f%%", vm.UsedPercent)
	}
	return nil
}

func (h *HealthHandler) checkStorage(ctx context.Context) error {
	usage, err := disk.UsageWithContext(ctx, h.mountPoint)
	if err != nil {
		return fmt.Errorf("read disk usage for %s: %w", h.mountPoint, err)
	}
	freeMB := usage.Free / (1 << 20)
	if freeMB <= minFreeStorageMB {
		return fmt.Errorf("only %d MB free on %s", freeMB, h.mountPoint)
	}
	return nil
}

// RegisterHealth registers the health check route.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/health", h.Health)
}
