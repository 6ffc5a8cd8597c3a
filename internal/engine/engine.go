// Package engine implements the one-issue pipeline described in spec section
// 4.2: admission, workspace preparation, driving the external agent under a
// watchdog, verification, publication and guaranteed cleanup. It composes
// the state store, working-copy manager, budget gate, cleanup registry and
// resilience primitives rather than owning any of their logic itself.
package engine

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/javimaligno/agentctl/infrastructure/metrics"
	infraresilience "github.com/javimaligno/agentctl/infrastructure/resilience"
	"github.com/javimaligno/agentctl/internal/agenterrors"
	"github.com/javimaligno/agentctl/internal/budget"
	"github.com/javimaligno/agentctl/internal/cleanup"
	"github.com/javimaligno/agentctl/internal/config"
	"github.com/javimaligno/agentctl/internal/providers"
	intresilience "github.com/javimaligno/agentctl/internal/resilience"
	"github.com/javimaligno/agentctl/internal/state"
	"github.com/javimaligno/agentctl/internal/workingcopy"
)

const (
	labelAgentProvider  = "ai-provider"
	labelRepositoryHost = "github-api"
	labelVersionControl = "git-operations"

	serviceName = "agentctl"
)

// Options customises one Run call.
type Options struct {
	// Prompt is the fully-constructed instruction handed to the agent;
	// building it from the issue body is out of scope (spec section 1).
	Prompt string
	// MaxBudget overrides the per-issue estimated cost used for admission; 0
	// means "no additional estimate beyond what has already been spent".
	MaxBudget float64
	Provider  string
	Model     string
}

// Engine drives a single issue end to end.
type Engine struct {
	Store       *state.Store
	WorkingCopy *workingcopy.Manager
	Cleanup     *cleanup.Manager
	Budget      *budget.Gate
	RepoLocks   *infraresilience.RepoLockRegistry
	Breakers    *infraresilience.Registry

	Agent      providers.AgentProvider
	Host       providers.RepositoryHost
	VCS        providers.VersionControl
	LocalCheck providers.LocalChecker

	Config config.Config

	// Metrics publishes the domain counters/gauges on /metrics (spec section
	// 2, "Health / observability"); nil is valid and disables recording.
	Metrics *metrics.Metrics

	activeSessions int64
}

// adjustActiveSessions updates the live session count and republishes the
// gauge, guarding the nil Metrics case so tests that build an Engine without
// one keep working untouched.
func (e *Engine) adjustActiveSessions(delta int64) {
	count := atomic.AddInt64(&e.activeSessions, delta)
	if e.Metrics != nil {
		e.Metrics.SetSessionsActive(int(count))
	}
}

func (e *Engine) recordRun(outcome string, start time.Time) {
	if e.Metrics != nil {
		e.Metrics.RecordEngineRun(serviceName, outcome, time.Since(start))
	}
}

// Run drives issue through the full six-stage pipeline (spec section 4.2).
// At completion either a proposal exists and the returned session is
// completed with the issue in pr_created, or the returned error is non-nil,
// the session is failed, and every resource acquired along the way has been
// released.
func (e *Engine) Run(ctx context.Context, issueID string, opts Options) (*state.Session, error) {
	issue, err := e.Store.GetIssue(ctx, issueID)
	if err != nil {
		return nil, err
	}

	if err := e.admit(ctx, issue, opts.MaxBudget); err != nil {
		return nil, err
	}

	session, err := e.Store.CreateSession(ctx, issue.ID, opts.Provider, opts.Model)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	e.adjustActiveSessions(1)
	defer e.adjustActiveSessions(-1)

	wc, cleanupTaskID, err := e.prepareWorkspace(ctx, issue, session.ID, BranchName(issue))
	if err != nil {
		e.failSession(ctx, issue, session.ID, err)
		e.recordRun("failed", start)
		return nil, err
	}

	runErr := e.drive(ctx, issue, session, wc, opts.Prompt)
	if runErr == nil {
		runErr = e.verify(ctx, issue, session, wc)
	}
	if runErr == nil {
		runErr = e.publish(ctx, issue, session, wc)
	}

	e.finishWorkspace(ctx, wc, cleanupTaskID, runErr == nil)

	if runErr != nil {
		e.failSession(ctx, issue, session.ID, runErr)
		e.recordRun("failed", start)
		return nil, runErr
	}

	if err := e.Store.TransitionSession(ctx, session.ID, state.SessionCompleted, ""); err != nil {
		e.recordRun("failed", start)
		return nil, err
	}
	e.recordRun("completed", start)
	return e.Store.GetSession(ctx, session.ID)
}

// admit runs the budget and rate gates then transitions the issue
// discovered -> queued -> in_progress (spec section 4.2, stage 1). No
// session exists yet when admission refuses.
func (e *Engine) admit(ctx context.Context, issue *state.Issue, estimatedCost float64) error {
	if e.Budget != nil {
		if err := e.Budget.Check(ctx, issue.Project, estimatedCost); err != nil {
			return err
		}
	}

	if issue.State == state.Discovered {
		if err := e.Store.TransitionIssue(ctx, issue.ID, state.Queued, "admitted", ""); err != nil {
			return err
		}
	}
	if err := e.Store.TransitionIssue(ctx, issue.ID, state.InProgress, "admitted", ""); err != nil {
		return err
	}
	issue.State = state.InProgress
	return nil
}

// prepareWorkspace ensures the mirror is current and provisions a fresh
// working copy under the repo-level lock (spec section 4.2, stage 2),
// registering its removal with the cleanup manager before any file is
// written, per invariant 4.
func (e *Engine) prepareWorkspace(ctx context.Context, issue *state.Issue, sessionID, branch string) (*state.WorkingCopy, string, error) {
	fragment := issueFragment(issue)

	var wc *state.WorkingCopy
	lockErr := e.RepoLocks.WithRepoLock(ctx, issue.Project, func() error {
		retryCfg := infraresilience.RetryConfig{MaxAttempts: 3, InitialDelay: time.Second, MaxDelay: 30 * time.Second, Multiplier: 2, Jitter: 0.25}
		if err := intresilience.Guard(ctx, e.Breakers, labelVersionControl, func() error {
			return intresilience.RetryClassified(ctx, retryCfg, func() error {
				return e.VCS.EnsureMirror(ctx, issue.Project)
			})
		}); err != nil {
			return err
		}

		created, err := e.WorkingCopy.Create(ctx, issue.Project, branch, issue.ID, issue.Project, fragment)
		if err != nil {
			return err
		}
		wc = created
		return nil
	})
	if lockErr != nil {
		return nil, "", lockErr
	}

	taskID := fmt.Sprintf("worktree:%s", sessionID)
	e.Cleanup.Register(taskID, cleanup.TaskWorktree, fmt.Sprintf("working copy for %s", issue.ID), 50, func(ctx context.Context) error {
		return e.WorkingCopy.Remove(ctx, wc.Path)
	})

	return wc, taskID, nil
}

// drive calls the external agent with the prepared prompt, wrapping it in a
// watchdog so that a stalled agent times out rather than hanging the engine
// (spec section 4.2, stage 3).
func (e *Engine) drive(ctx context.Context, issue *state.Issue, session *state.Session, wc *state.WorkingCopy, prompt string) error {
	timeout := e.Config.AgentTimeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}

	agentCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	timedOut := make(chan struct{}, 1)
	var result providers.QueryResult

	onTimeout := func(infraresilience.WatchdogContext) {
		select {
		case timedOut <- struct{}{}:
		default:
		}
		cancel()
	}

	wdErr := infraresilience.WithWatchdog(labelAgentProvider, timeout, onTimeout, func(heartbeat func()) error {
		heartbeat()
		err := intresilience.Guard(agentCtx, e.Breakers, labelAgentProvider, func() error {
			r, qErr := e.Agent.Query(agentCtx, prompt, providers.QueryOptions{Cwd: wc.Path, Timeout: timeout})
			if qErr != nil {
				return agenterrors.Wrap(agenterrors.AgentProvider, "agent query failed", qErr)
			}
			result = r
			heartbeat()
			return nil
		})
		return err
	})

	var queryErr error
	select {
	case <-timedOut:
		queryErr = agenterrors.TimeoutError(labelAgentProvider)
	default:
	}

	if result.CostDelta != 0 || result.Success {
		if merr := e.Store.UpdateSessionMetrics(ctx, session.ID, result.CostDelta, 1); merr != nil {
			return merr
		}
		if e.Metrics != nil {
			e.Metrics.AddCost(result.CostDelta)
		}
	}

	if queryErr != nil {
		return queryErr
	}
	if wdErr != nil {
		return wdErr
	}
	if !result.Success {
		return agenterrors.New(agenterrors.AgentProvider, result.Error)
	}
	return nil
}

// verify computes the diff against the base branch, enforces the configured
// maxima, and runs local checks up to maxLocalTestFixIterations times,
// feeding failures back to the agent between rounds (spec section 4.2,
// stage 4).
func (e *Engine) verify(ctx context.Context, issue *state.Issue, session *state.Session, wc *state.WorkingCopy) error {
	diff, err := e.VCS.DiffStat(ctx, wc.Path, "")
	if err != nil {
		return agenterrors.Wrap(agenterrors.VersionControl, "diff working copy", err)
	}
	if e.Config.MaxDiffFiles > 0 && len(diff.FilesChanged) > e.Config.MaxDiffFiles {
		return agenterrors.New(agenterrors.AgentProvider, fmt.Sprintf("changed %d files, exceeds maximum of %d", len(diff.FilesChanged), e.Config.MaxDiffFiles))
	}
	changedLines := diff.LinesAdded + diff.LinesRemoved
	if e.Config.MaxDiffLines > 0 && changedLines > e.Config.MaxDiffLines {
		return agenterrors.New(agenterrors.AgentProvider, fmt.Sprintf("changed %d lines, exceeds maximum of %d", changedLines, e.Config.MaxDiffLines))
	}

	if e.LocalCheck == nil {
		return nil
	}

	maxIterations := e.Config.MaxLocalTestFixIterations
	if maxIterations <= 0 {
		maxIterations = 1
	}

	for i := 0; i < maxIterations; i++ {
		result, err := e.LocalCheck.RunChecks(ctx, wc.Path)
		if err != nil {
			return agenterrors.Wrap(agenterrors.AgentProvider, "run local checks", err)
		}
		if result.Passed {
			return nil
		}
		if i == maxIterations-1 {
			return agenterrors.New(agenterrors.AgentProvider, "local checks failed after "+strconv.Itoa(maxIterations)+" iterations: "+result.Output)
		}
		if err := e.drive(ctx, issue, session, wc, "Fix the following local check failures:\n"+result.Output); err != nil {
			return err
		}
	}
	return nil
}

// publish pushes the branch, creates the proposal upstream, records it on
// the session and transitions the issue in_progress -> pr_created (spec
// section 4.2, stage 5). The daily proposal counter is derived from
// transition history, so no separate counter needs bumping.
func (e *Engine) publish(ctx context.Context, issue *state.Issue, session *state.Session, wc *state.WorkingCopy) error {
	branch := wc.Branch
	retryCfg := infraresilience.RetryConfig{MaxAttempts: 3, InitialDelay: time.Second, MaxDelay: 30 * time.Second, Multiplier: 2, Jitter: 0.25}

	err := e.RepoLocks.WithRepoLock(ctx, issue.Project, func() error {
		return intresilience.Guard(ctx, e.Breakers, labelRepositoryHost, func() error {
			return intresilience.RetryWithRateLimit(ctx, retryCfg, func() error {
				if err := e.Host.PushBranch(ctx, issue.Project, branch); err != nil {
					return classifyHostError("push branch", err)
				}
				return nil
			})
		})
	})
	if err != nil {
		return err
	}

	var proposal providers.Proposal
	err = intresilience.Guard(ctx, e.Breakers, labelRepositoryHost, func() error {
		return intresilience.RetryWithRateLimit(ctx, retryCfg, func() error {
			p, err := e.Host.CreateProposal(ctx, issue.Project, branch, proposalTitle(issue), proposalBody(issue))
			if err != nil {
				return classifyHostError("create proposal", err)
			}
			proposal = p
			return nil
		})
	})
	if err != nil {
		return err
	}

	session.ProposalURL = proposal.URL
	if err := e.Store.SetSessionProposal(ctx, session.ID, proposal.URL); err != nil {
		return err
	}

	issue.ProposalURL = proposal.URL
	if err := e.Store.SaveIssue(ctx, issue); err != nil {
		return err
	}

	if err := e.Store.TransitionIssue(ctx, issue.ID, state.PRCreated, "proposal published", session.ID); err != nil {
		return err
	}
	issue.State = state.PRCreated
	if e.Metrics != nil {
		e.Metrics.RecordProposal(serviceName, issue.Project)
	}
	return nil
}

// publishUpdate pushes an iteration's branch and posts a summary comment on
// the existing proposal instead of creating a new one (spec section 4.6,
// "Iteration").
func (e *Engine) publishUpdate(ctx context.Context, issue *state.Issue, wc *state.WorkingCopy, proposalURL, summary string) error {
	retryCfg := infraresilience.RetryConfig{MaxAttempts: 3, InitialDelay: time.Second, MaxDelay: 30 * time.Second, Multiplier: 2, Jitter: 0.25}
	return e.RepoLocks.WithRepoLock(ctx, issue.Project, func() error {
		return intresilience.Guard(ctx, e.Breakers, labelRepositoryHost, func() error {
			return intresilience.RetryWithRateLimit(ctx, retryCfg, func() error {
				if err := e.Host.PushBranch(ctx, issue.Project, wc.Branch); err != nil {
					return classifyHostError("push branch", err)
				}
				if summary != "" {
					if err := e.Host.PostComment(ctx, proposalURL, summary); err != nil {
						return classifyHostError("post iteration comment", err)
					}
				}
				return nil
			})
		})
	})
}

// classifyHostError preserves an already-classified error's Kind (so a
// RateLimited error's RetryAfter hint survives to RetryWithRateLimit)
// instead of flattening every repository-host failure into VersionControl.
func classifyHostError(op string, err error) error {
	if classified, ok := agenterrors.AsError(err); ok {
		return classified
	}
	return agenterrors.Wrap(agenterrors.VersionControl, op, err)
}

// Iterate drives a new session against an existing proposal's branch using
// feedback as the prompt, instead of opening a new proposal (spec section
// 4.6, "Iteration"). The caller is responsible for having already
// transitioned the issue to awaiting_feedback; Iterate itself drives
// awaiting_feedback -> iterating -> pr_created.
func (e *Engine) Iterate(ctx context.Context, issueID, branch, proposalURL, feedback string, opts Options) (*state.Session, error) {
	issue, err := e.Store.GetIssue(ctx, issueID)
	if err != nil {
		return nil, err
	}

	if err := e.Store.TransitionIssue(ctx, issue.ID, state.Iterating, "feedback received", ""); err != nil {
		return nil, err
	}
	issue.State = state.Iterating

	session, err := e.Store.CreateSession(ctx, issue.ID, opts.Provider, opts.Model)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	e.adjustActiveSessions(1)
	defer e.adjustActiveSessions(-1)

	wc, cleanupTaskID, err := e.prepareWorkspace(ctx, issue, session.ID, branch)
	if err != nil {
		e.failIteration(ctx, issue, session.ID, err)
		e.recordRun("failed", start)
		return nil, err
	}

	runErr := e.drive(ctx, issue, session, wc, feedback)
	if runErr == nil {
		runErr = e.verify(ctx, issue, session, wc)
	}
	if runErr == nil {
		runErr = e.publishUpdate(ctx, issue, wc, proposalURL, "Addressed review feedback.")
	}

	e.finishWorkspace(ctx, wc, cleanupTaskID, runErr == nil)

	if runErr != nil {
		e.failIteration(ctx, issue, session.ID, runErr)
		e.recordRun("failed", start)
		return nil, runErr
	}

	if err := e.Store.TransitionIssue(ctx, issue.ID, state.PRCreated, "iteration published", session.ID); err != nil {
		e.recordRun("failed", start)
		return nil, err
	}
	if err := e.Store.TransitionSession(ctx, session.ID, state.SessionCompleted, ""); err != nil {
		e.recordRun("failed", start)
		return nil, err
	}
	e.recordRun("completed", start)
	return e.Store.GetSession(ctx, session.ID)
}

// failIteration mirrors failSession but returns the issue to
// awaiting_feedback rather than queued/abandoned, since an iteration that
// fails should not discard the existing proposal.
func (e *Engine) failIteration(ctx context.Context, issue *state.Issue, sessionID string, runErr error) {
	_ = e.Store.TransitionSession(ctx, sessionID, state.SessionFailed, runErr.Error())
	if issue.State == state.Iterating {
		_ = e.Store.TransitionIssue(ctx, issue.ID, state.AwaitingFeedback, "iteration failed: "+runErr.Error(), sessionID)
	}
}

// finishWorkspace marks the working copy completed or failed, removes it,
// and unregisters its cleanup task — the stage that always runs, including
// on error (spec section 4.2, stage 6).
func (e *Engine) finishWorkspace(ctx context.Context, wc *state.WorkingCopy, cleanupTaskID string, succeeded bool) {
	status := state.WorkingCopyCompleted
	if !succeeded {
		status = state.WorkingCopyFailed
	}
	_ = e.WorkingCopy.MarkStatus(wc.Path, status)
	_ = e.WorkingCopy.Remove(ctx, wc.Path)
	e.Cleanup.Unregister(cleanupTaskID)
}

// failSession transitions the session to failed and leaves the issue in its
// previous legal state: queued on a retryable failure (so a later pass can
// retry it), abandoned otherwise (spec section 4.2, "Failure semantics").
func (e *Engine) failSession(ctx context.Context, issue *state.Issue, sessionID string, runErr error) {
	_ = e.Store.TransitionSession(ctx, sessionID, state.SessionFailed, runErr.Error())

	to := state.Abandoned
	if classified, ok := agenterrors.AsError(runErr); ok && classified.Retryable() {
		to = state.Queued
	}
	if issue.State == state.InProgress && state.IssueTransitionAllowed(issue.State, to) {
		_ = e.Store.TransitionIssue(ctx, issue.ID, to, "session failed: "+runErr.Error(), sessionID)
	}
}

func BranchName(issue *state.Issue) string {
	return fmt.Sprintf("agent/issue-%d", issue.Number)
}

func issueFragment(issue *state.Issue) string {
	return strconv.Itoa(issue.Number)
}

func proposalTitle(issue *state.Issue) string {
	return fmt.Sprintf("Fix #%d: %s", issue.Number, issue.Title)
}

func proposalBody(issue *state.Issue) string {
	var b strings.Builder
	b.WriteString("Automated change for issue #")
	b.WriteString(strconv.Itoa(issue.Number))
	b.WriteString(".\n\n")
	b.WriteString(issue.Body)
	return b.String()
}
