// Package workingcopy implements the registry of isolated on-disk checkouts
// described in spec section 4.4. It wraps the version-control adapter with
// admission limits, a status registry and disk-reconciliation, the same
// shape as the teacher's resource-pool packages: an in-memory mutex-guarded
// map standing in for what those packages did with DB-level atomic
// lock/release operations, since this registry lives in one process only.
package workingcopy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/javimaligno/agentctl/infrastructure/metrics"
	"github.com/javimaligno/agentctl/internal/agenterrors"
	"github.com/javimaligno/agentctl/internal/providers"
	"github.com/javimaligno/agentctl/internal/state"
)

// Limits bounds how many working copies may be live at once, globally and
// per project (spec section 4.4).
type Limits struct {
	MaxWorktrees           int
	MaxWorktreesPerProject int
}

// Manager is the working-copy registry.
type Manager struct {
	vc     providers.VersionControl
	root   string
	limits Limits

	mu      sync.Mutex
	entries map[string]*state.WorkingCopy // keyed by path

	metrics *metrics.Metrics
}

// SetMetrics attaches the publisher used to keep the worktrees_active gauge
// current; nil (the default) disables recording.
func (m *Manager) SetMetrics(metrics *metrics.Metrics) {
	m.metrics = metrics
}

// reportActiveLocked republishes the active-worktree gauge. Callers must
// hold m.mu.
func (m *Manager) reportActiveLocked() {
	if m.metrics != nil {
		m.metrics.SetWorktreesActive(len(m.entries))
	}
}

// New builds a Manager rooted at root (typically ~/.agent/worktrees).
func New(vc providers.VersionControl, root string, limits Limits) *Manager {
	return &Manager{
		vc:      vc,
		root:    root,
		limits:  limits,
		entries: make(map[string]*state.WorkingCopy),
	}
}

func (m *Manager) countLocked(project string) (total, forProject int) {
	for _, e := range m.entries {
		total++
		if e.Project == project {
			forProject++
		}
	}
	return
}

// worktreePath builds the "<repo>-<issue-fragment>" layout from spec section
// 6.
func (m *Manager) worktreePath(repo, issueFragment string) string {
	safeRepo := filepath.Base(repo)
	return filepath.Join(m.root, fmt.Sprintf("%s-%s", safeRepo, issueFragment))
}

// Create registers and checks out a new working copy for issue on branch,
// refusing admission if either limit would be exceeded (spec section 4.4:
// "Admission into create checks total < maxWorktrees and per_project <
// maxWorktreesPerProject, else refuses with a specific reason"). The
// registry entry is created before any file is written (invariant 4).
func (m *Manager) Create(ctx context.Context, repo, branch, issueID, project, issueFragment string) (*state.WorkingCopy, error) {
	m.mu.Lock()
	total, forProject := m.countLocked(project)
	if m.limits.MaxWorktrees > 0 && total >= m.limits.MaxWorktrees {
		m.mu.Unlock()
		return nil, agenterrors.New(agenterrors.Configuration, fmt.Sprintf("max worktrees (%d) reached", m.limits.MaxWorktrees))
	}
	if m.limits.MaxWorktreesPerProject > 0 && forProject >= m.limits.MaxWorktreesPerProject {
		m.mu.Unlock()
		return nil, agenterrors.New(agenterrors.Configuration, fmt.Sprintf("max worktrees for project %s (%d) reached", project, m.limits.MaxWorktreesPerProject))
	}

	path := m.worktreePath(repo, issueFragment)
	wc := &state.WorkingCopy{
		Path:      path,
		Branch:    branch,
		IssueID:   issueID,
		Project:   project,
		Status:    state.WorkingCopyActive,
		CreatedAt: time.Now(),
	}
	m.entries[path] = wc
	m.reportActiveLocked()
	m.mu.Unlock()

	if err := m.vc.CreateWorkingCopy(ctx, repo, branch, path); err != nil {
		m.mu.Lock()
		delete(m.entries, path)
		m.reportActiveLocked()
		m.mu.Unlock()
		return nil, agenterrors.Wrap(agenterrors.VersionControl, "create working copy", err)
	}

	cp := *wc
	return &cp, nil
}

// Remove unregisters path only after the underlying checkout is removed, or
// is proven unnecessary because the path is already missing (invariant 4).
func (m *Manager) Remove(ctx context.Context, path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		m.mu.Lock()
		delete(m.entries, path)
		m.reportActiveLocked()
		m.mu.Unlock()
		return nil
	}

	if err := m.vc.RemoveWorkingCopy(ctx, path); err != nil {
		return agenterrors.Wrap(agenterrors.VersionControl, "remove working copy", err)
	}

	m.mu.Lock()
	delete(m.entries, path)
	m.reportActiveLocked()
	m.mu.Unlock()
	return nil
}

// MarkStatus updates the status of a registered working copy.
func (m *Manager) MarkStatus(path string, status state.WorkingCopyStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	wc, ok := m.entries[path]
	if !ok {
		return agenterrors.NotFoundError("working copy", path)
	}
	wc.Status = status
	return nil
}

// Get returns the registered working copy at path.
func (m *Manager) Get(path string) (*state.WorkingCopy, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wc, ok := m.entries[path]
	if !ok {
		return nil, agenterrors.NotFoundError("working copy", path)
	}
	cp := *wc
	return &cp, nil
}

// List returns every registered working copy, sorted by path.
func (m *Manager) List() []*state.WorkingCopy {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*state.WorkingCopy, 0, len(m.entries))
	for _, wc := range m.entries {
		cp := *wc
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// ListByProject returns every registered working copy for project.
func (m *Manager) ListByProject(project string) []*state.WorkingCopy {
	var out []*state.WorkingCopy
	for _, wc := range m.List() {
		if wc.Project == project {
			out = append(out, wc)
		}
	}
	return out
}

// CleanupCompleted removes every working copy marked completed.
func (m *Manager) CleanupCompleted(ctx context.Context) []error {
	var errs []error
	for _, wc := range m.List() {
		if wc.Status == state.WorkingCopyCompleted {
			if err := m.Remove(ctx, wc.Path); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errs
}

// CleanupByAge removes every working copy older than maxAge regardless of
// status, used to recover from a crash that left one behind.
func (m *Manager) CleanupByAge(ctx context.Context, maxAge time.Duration) []error {
	var errs []error
	cutoff := time.Now().Add(-maxAge)
	for _, wc := range m.List() {
		if wc.CreatedAt.Before(cutoff) {
			if err := m.Remove(ctx, wc.Path); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errs
}

// DetectFileConflicts returns the subset of paths modified in more than one
// working copy, by asking the version-control adapter for each copy's
// changed files.
func (m *Manager) DetectFileConflicts(ctx context.Context, paths []string) ([]string, error) {
	wanted := make(map[string]bool, len(paths))
	for _, p := range paths {
		wanted[p] = true
	}

	owners := make(map[string]int) // path -> number of working copies touching it
	for _, wc := range m.List() {
		modified, err := m.vc.ModifiedFiles(ctx, wc.Path)
		if err != nil {
			return nil, agenterrors.Wrap(agenterrors.VersionControl, "list modified files", err)
		}
		seen := make(map[string]bool)
		for _, f := range modified {
			if len(wanted) > 0 && !wanted[f] {
				continue
			}
			if !seen[f] {
				owners[f]++
				seen[f] = true
			}
		}
	}

	var conflicts []string
	for path, count := range owners {
		if count > 1 {
			conflicts = append(conflicts, path)
		}
	}
	sort.Strings(conflicts)
	return conflicts, nil
}

// SyncWithDisk reconciles the in-memory registry with the actual working
// copies the version-control adapter reports after a crash: on-disk paths
// not in the registry are re-registered as active with an unknown start
// time; registry entries whose path is missing are dropped (spec section
// 4.4).
func (m *Manager) SyncWithDisk(ctx context.Context) error {
	onDisk, err := m.vc.ListWorkingCopies(ctx)
	if err != nil {
		return agenterrors.Wrap(agenterrors.VersionControl, "list working copies", err)
	}
	onDiskSet := make(map[string]bool, len(onDisk))
	for _, path := range onDisk {
		onDiskSet[path] = true
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for path := range m.entries {
		if !onDiskSet[path] {
			delete(m.entries, path)
		}
	}
	for path := range onDiskSet {
		if _, ok := m.entries[path]; !ok {
			m.entries[path] = &state.WorkingCopy{
				Path:   path,
				Status: state.WorkingCopyActive,
				// CreatedAt left zero: start time unknown after a crash.
			}
		}
	}
	m.reportActiveLocked()
	return nil
}
