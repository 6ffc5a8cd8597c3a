// Package cleanup implements the process-wide cleanup registry described in
// spec section 4.7: a priority-ordered set of release tasks that every exit
// path — normal, erroring or signal-driven — can run to guarantee working
// copies and child processes never leak.
package cleanup

import (
	"context"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/javimaligno/agentctl/infrastructure/logging"
)

// TaskType classifies a registered cleanup task.
type TaskType string

const (
	TaskWorktree TaskType = "worktree"
	TaskTempFile TaskType = "temp_file"
	TaskProcess  TaskType = "process"
	TaskCustom   TaskType = "custom"
)

// Task is one registered cleanup unit.
type Task struct {
	ID          string
	Type        TaskType
	Description string
	Priority    int
	CreatedAt   time.Time
	Run         func(ctx context.Context) error
}

// Manager is the process-wide registry. The zero value is not usable; build
// one with New.
type Manager struct {
	logger *logging.Logger

	mu      sync.Mutex
	tasks   map[string]*Task
	running bool

	stop chan struct{}
}

// New builds an empty registry.
func New(logger *logging.Logger) *Manager {
	return &Manager{
		tasks:  make(map[string]*Task),
		logger: logger,
	}
}

// Register adds a task, overwriting any previous task with the same id.
func (m *Manager) Register(id string, typ TaskType, description string, priority int, run func(ctx context.Context) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[id] = &Task{
		ID:          id,
		Type:        typ,
		Description: description,
		Priority:    priority,
		CreatedAt:   time.Now(),
		Run:         run,
	}
}

// Unregister removes a task without running it, used once a working copy or
// process has already been released through its normal path.
func (m *Manager) Unregister(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tasks, id)
}

// Count reports how many tasks are currently registered.
func (m *Manager) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tasks)
}

// RunAll executes every registered task highest-priority first (spec section
// 4.7). Errors are collected and do not stop sibling tasks; only tasks that
// succeed are removed from the registry. RunAll refuses to run re-entrantly,
// returning immediately with a nil error if already in progress.
func (m *Manager) RunAll(ctx context.Context) []error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = true
	ordered := make([]*Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		ordered = append(ordered, t)
	}
	m.mu.Unlock()

	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Priority > ordered[j].Priority })

	var errs []error
	for _, t := range ordered {
		if err := t.Run(ctx); err != nil {
			if m.logger != nil {
				m.logger.WithField("task_id", t.ID).WithField("task_type", string(t.Type)).WithError(err).Warn("cleanup task failed")
			}
			errs = append(errs, err)
			continue
		}
		m.mu.Lock()
		delete(m.tasks, t.ID)
		m.mu.Unlock()
	}

	m.mu.Lock()
	m.running = false
	m.mu.Unlock()
	return errs
}

// InstallSignalHandlers runs RunAll once on SIGINT, SIGTERM or SIGQUIT and
// then exits the process with code 130, matching the command surface's
// user-cancellation exit code (spec section 6). Returns a function that
// cancels the handler, for use in tests.
func (m *Manager) InstallSignalHandlers(ctx context.Context) func() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	done := make(chan struct{})

	go func() {
		select {
		case <-sigCh:
			m.RunAll(ctx)
			os.Exit(130)
		case <-done:
		}
	}()

	return func() {
		signal.Stop(sigCh)
		close(done)
	}
}
