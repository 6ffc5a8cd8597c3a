// Package health implements the disk, memory, worktree-count and
// provider-liveness checks described in spec section 2's "Health /
// observability" share, surfaced over HTTP by cmd/agent's webhook server.
package health

import (
	"context"
	"fmt"
	"runtime"
	"syscall"
	"time"

	"github.com/javimaligno/agentctl/internal/config"
	"github.com/javimaligno/agentctl/internal/providers"
	"github.com/javimaligno/agentctl/internal/workingcopy"
)

// Status is the JSON shape returned by GET /health, matching the
// {"status","timestamp",...} shape spec section 6 prescribes for the
// webhook's own health check, extended with named sub-checks.
type Status struct {
	Status    string            `json:"status"`
	Timestamp string            `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
}

// Thresholds bounds what counts as healthy.
type Thresholds struct {
	MinFreeDiskMB uint64
	MaxAllocMB    uint64
}

// DefaultThresholds requires at least 512 MB of free disk and allows at most
// 2048 MB of heap allocation.
func DefaultThresholds() Thresholds {
	return Thresholds{MinFreeDiskMB: 512, MaxAllocMB: 2048}
}

// Checker runs the registered checks against live collaborators.
type Checker struct {
	AgentHome    string
	WorkingCopy  *workingcopy.Manager
	Agent        providers.AgentProvider
	Host         providers.RepositoryHost
	MaxWorktrees int
	Thresholds   Thresholds

	// now is overridable for tests; defaults to time.Now.
	now func() time.Time
}

// New builds a Checker wired to cfg's worktree limit and agent home.
func New(cfg config.Config, wc *workingcopy.Manager, agent providers.AgentProvider, host providers.RepositoryHost) *Checker {
	return &Checker{
		AgentHome:    cfg.AgentHome,
		WorkingCopy:  wc,
		Agent:        agent,
		Host:         host,
		MaxWorktrees: cfg.MaxWorktrees,
		Thresholds:   DefaultThresholds(),
		now:          time.Now,
	}
}

// Check runs every registered check and aggregates a Status.
func (c *Checker) Check(ctx context.Context) Status {
	checks := make(map[string]string)
	healthy := true

	if err := c.checkDisk(); err != nil {
		checks["disk"] = err.Error()
		healthy = false
	} else {
		checks["disk"] = "ok"
	}

	checks["memory"] = c.checkMemory()
	if checks["memory"] != "ok" {
		healthy = false
	}

	if err := c.checkWorktreeCount(); err != nil {
		checks["worktrees"] = err.Error()
		healthy = false
	} else {
		checks["worktrees"] = "ok"
	}

	if c.Agent != nil {
		if c.Agent.IsAvailable(ctx) {
			checks["agent_provider"] = "ok"
		} else {
			checks["agent_provider"] = "unavailable"
			healthy = false
		}
	}

	status := "healthy"
	if !healthy {
		status = "unhealthy"
	}

	nowFn := c.now
	if nowFn == nil {
		nowFn = time.Now
	}
	return Status{
		Status:    status,
		Timestamp: nowFn().UTC().Format(time.RFC3339),
		Checks:    checks,
	}
}

// checkDisk statfs's AgentHome and fails if free space drops below the
// configured threshold. No library in this stack wraps statfs, so this one
// check is stdlib-only (documented in the grounding ledger).
func (c *Checker) checkDisk() error {
	if c.AgentHome == "" {
		return nil
	}
	var stat syscall.Statfs_t
	if err := syscall.Statfs(c.AgentHome, &stat); err != nil {
		return fmt.Errorf("statfs %s: %w", c.AgentHome, err)
	}
	freeMB := (stat.Bavail * uint64(stat.Bsize)) / (1024 * 1024)
	if freeMB < c.Thresholds.MinFreeDiskMB {
		return fmt.Errorf("only %dMB free, below %dMB threshold", freeMB, c.Thresholds.MinFreeDiskMB)
	}
	return nil
}

func (c *Checker) checkMemory() string {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	allocMB := m.Alloc / 1024 / 1024
	if c.Thresholds.MaxAllocMB > 0 && allocMB > c.Thresholds.MaxAllocMB {
		return fmt.Sprintf("allocated %dMB exceeds %dMB threshold", allocMB, c.Thresholds.MaxAllocMB)
	}
	return "ok"
}

func (c *Checker) checkWorktreeCount() error {
	if c.WorkingCopy == nil || c.MaxWorktrees <= 0 {
		return nil
	}
	count := len(c.WorkingCopy.List())
	if count >= c.MaxWorktrees {
		return fmt.Errorf("%d worktrees registered, at or above the %d limit", count, c.MaxWorktrees)
	}
	return nil
}

// RuntimeStats reports a small set of process runtime numbers, grounded on
// the teacher's infrastructure/middleware.RuntimeStats helper.
func RuntimeStats() map[string]interface{} {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return map[string]interface{}{
		"goroutines": runtime.NumGoroutine(),
		"alloc_mb":   m.Alloc / 1024 / 1024,
		"sys_mb":     m.Sys / 1024 / 1024,
		"num_gc":     m.NumGC,
		"go_version": runtime.Version(),
		"num_cpu":    runtime.NumCPU(),
	}
}
