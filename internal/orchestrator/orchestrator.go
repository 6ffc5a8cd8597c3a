// Package orchestrator implements work_parallel (spec section 4.3): it
// drives many execution-engine runs concurrently under a global semaphore
// and a per-project counter, deferring any issue whose predicted file
// targets overlap a currently in-progress issue's, and re-evaluates deferred
// issues whenever any run completes.
package orchestrator

import (
	"context"
	"sync"

	infraresilience "github.com/javimaligno/agentctl/infrastructure/resilience"
	"github.com/javimaligno/agentctl/infrastructure/logging"
	"github.com/javimaligno/agentctl/internal/config"
	"github.com/javimaligno/agentctl/internal/engine"
	"github.com/javimaligno/agentctl/internal/state"
)

// Result is one issue's outcome from a WorkParallel run.
type Result struct {
	IssueID string
	Session *state.Session
	Err     error
}

// Orchestrator schedules engine runs across many issues, honouring the
// global/per-project concurrency limits and the conflict detector.
type Orchestrator struct {
	Engine    *engine.Engine
	Semaphore *infraresilience.Semaphore
	Logger    *logging.Logger

	maxPerProject int

	mu            sync.Mutex
	cond          *sync.Cond
	projectCounts map[string]int
	inProgress    map[string]inProgressEntry
}

// inProgressEntry records one admitted issue's project and predicted
// targets; conflict detection only compares entries within the same
// project, since independent repositories run fully in parallel (spec
// section 4.3) regardless of how their predicted paths happen to read.
type inProgressEntry struct {
	project string
	targets fileTargetSet
}

// New builds an Orchestrator whose global semaphore and per-project limit
// come from cfg (spec section 4.3).
func New(eng *engine.Engine, cfg config.Config, logger *logging.Logger) *Orchestrator {
	o := &Orchestrator{
		Engine:        eng,
		Semaphore:     infraresilience.NewSemaphore(cfg.MaxConcurrentAgents),
		Logger:        logger,
		maxPerProject: cfg.MaxConcurrentPerProject,
		projectCounts: make(map[string]int),
		inProgress:    make(map[string]inProgressEntry),
	}
	o.cond = sync.NewCond(&o.mu)
	return o
}

// WorkParallel drives issues concurrently, admitting them in FIFO order
// subject to the global semaphore, the per-project counter and the
// pre-flight conflict detector (spec section 4.3). It blocks until every
// issue has either run to completion or been abandoned by cancellation, and
// returns one Result per issue in the same order as the input slice.
//
// Cancelling ctx stops admission of further issues and cancels every
// in-flight engine run; each engine's own cleanup still unwinds before
// WorkParallel returns (spec section 5, "Cancellation").
func (o *Orchestrator) WorkParallel(ctx context.Context, issues []*state.Issue, opts engine.Options) []Result {
	results := make([]Result, len(issues))
	targets := make([]fileTargetSet, len(issues))
	for i, issue := range issues {
		targets[i] = predictTargets(issue.Title + "\n" + issue.Body)
	}

	queue := make([]int, len(issues))
	for i := range queue {
		queue[i] = i
	}

	stopWatch := make(chan struct{})
	defer close(stopWatch)
	go func() {
		select {
		case <-ctx.Done():
			o.mu.Lock()
			o.cond.Broadcast()
			o.mu.Unlock()
		case <-stopWatch:
		}
	}()

	var wg sync.WaitGroup

	o.mu.Lock()
	for len(queue) > 0 {
		admitted := false
		for qi, idx := range queue {
			issue := issues[idx]

			if o.maxPerProject > 0 && o.projectCounts[issue.Project] >= o.maxPerProject {
				continue
			}
			if o.conflictsWithInProgressLocked(issue.Project, targets[idx]) {
				continue
			}
			if !o.Semaphore.TryAcquire() {
				continue
			}

			o.projectCounts[issue.Project]++
			o.inProgress[issue.ID] = inProgressEntry{project: issue.Project, targets: targets[idx]}
			queue = append(append([]int{}, queue[:qi]...), queue[qi+1:]...)

			wg.Add(1)
			go o.runOne(ctx, &wg, issue, idx, opts, results)

			admitted = true
			break
		}

		if !admitted {
			if ctx.Err() != nil {
				break
			}
			o.cond.Wait()
		}
	}
	o.mu.Unlock()

	wg.Wait()

	if ctx.Err() != nil {
		o.mu.Lock()
		remaining := queue
		o.mu.Unlock()
		for _, idx := range remaining {
			results[idx] = Result{IssueID: issues[idx].ID, Err: ctx.Err()}
		}
	}

	return results
}

// runOne drives a single admitted issue and releases its slot on exit
// (graceful degradation, spec section 4.3): a failing engine run is logged
// and does not stop the orchestrator, which has already had the issue's
// final legal state decided by the engine's own failure handling.
func (o *Orchestrator) runOne(ctx context.Context, wg *sync.WaitGroup, issue *state.Issue, idx int, opts engine.Options, results []Result) {
	defer wg.Done()

	session, err := o.Engine.Run(ctx, issue.ID, opts)

	o.mu.Lock()
	results[idx] = Result{IssueID: issue.ID, Session: session, Err: err}
	o.projectCounts[issue.Project]--
	if o.projectCounts[issue.Project] <= 0 {
		delete(o.projectCounts, issue.Project)
	}
	delete(o.inProgress, issue.ID)
	o.Semaphore.Release()
	o.cond.Broadcast()
	o.mu.Unlock()

	if err != nil && o.Logger != nil {
		o.Logger.Error(ctx, "work_parallel: engine run failed", err, map[string]interface{}{"issue": issue.ID})
	}
}

// conflictsWithInProgressLocked must be called with o.mu held. It only
// compares against in-progress issues in the same project: independent
// repositories run fully in parallel regardless of predicted path overlap
// (spec section 4.3).
func (o *Orchestrator) conflictsWithInProgressLocked(project string, target fileTargetSet) bool {
	for _, existing := range o.inProgress {
		if existing.project != project {
			continue
		}
		if target.conflicts(existing.targets) {
			return true
		}
	}
	return false
}
