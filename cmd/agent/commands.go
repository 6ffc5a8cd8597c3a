package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"

	"github.com/javimaligno/agentctl/infrastructure/logging"
	"github.com/javimaligno/agentctl/internal/engine"
	"github.com/javimaligno/agentctl/internal/feedback"
	"github.com/javimaligno/agentctl/internal/providers"
	"github.com/javimaligno/agentctl/internal/state"
)

// withSessionLog tees the app logger's output into a per-run session log
// file for the duration of fn, matching the <op>-<ts>-<issue-id>.log naming
// under ~/.agent/logs/sessions.
func (a *app) withSessionLog(op, issueID string, fn func() error) error {
	writer, err := logging.NewSessionWriter(a.cfg.SessionLogsDir(), op, sanitizeForFilename(issueID))
	if err != nil {
		return fn()
	}
	defer writer.Close()

	a.logger.SetOutput(io.MultiWriter(a.baseLogOutput, writer))
	defer a.logger.SetOutput(a.baseLogOutput)

	return fn()
}

func sanitizeForFilename(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			out = append(out, r)
		default:
			out = append(out, '-')
		}
	}
	return string(out)
}

// seedIssue upserts a discovered issue for id/project/number with the given
// title and body, the shape every command that starts from a bare issue URL
// needs before it can call the engine.
func (a *app) seedIssue(ctx context.Context, id, project string, number int, title, body string) (*state.Issue, error) {
	if existing, err := a.store.GetIssue(ctx, id); err == nil {
		return existing, nil
	}
	issue := &state.Issue{
		ID:      id,
		Project: project,
		Number:  number,
		Title:   title,
		Body:    body,
		State:   state.Discovered,
	}
	if err := a.store.SaveIssue(ctx, issue); err != nil {
		return nil, err
	}
	return issue, nil
}

func (a *app) cmdWork(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("work", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	dryRun := fs.Bool("dry-run", false, "do not invoke the agent or publish a proposal")
	maxBudget := fs.Float64("max-budget", 0, "estimated cost ceiling for this run's admission check")
	title := fs.String("title", "", "issue title, if not already tracked")
	body := fs.String("body", "", "issue body/prompt, if not already tracked")
	if err := fs.Parse(args); err != nil {
		return usageError(err)
	}
	if fs.NArg() < 1 {
		return usageError(errors.New("work requires an issue URL"))
	}

	id, project, number, err := parseIssueURL(fs.Arg(0))
	if err != nil {
		return err
	}
	issue, err := a.seedIssue(ctx, id, project, number, *title, *body)
	if err != nil {
		return err
	}

	eng := a.engine
	if *dryRun {
		clone := *a.engine
		clone.Agent = providers.NewDryRunAgentProvider()
		eng = &clone
	}

	return a.withSessionLog("work", issue.ID, func() error {
		session, err := eng.Run(ctx, issue.ID, engine.Options{Prompt: issue.Title + "\n\n" + issue.Body, MaxBudget: *maxBudget})
		if err != nil {
			return err
		}
		fmt.Printf("session %s completed, cost=$%.2f, proposal=%s\n", session.ID, session.CostUSD, session.ProposalURL)
		return nil
	})
}

func (a *app) cmdWorkParallel(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("work-parallel", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	if err := fs.Parse(args); err != nil {
		return usageError(err)
	}
	if fs.NArg() < 1 {
		return usageError(errors.New("work-parallel requires at least one issue URL"))
	}

	issues := make([]*state.Issue, 0, fs.NArg())
	for _, raw := range fs.Args() {
		id, project, number, err := parseIssueURL(raw)
		if err != nil {
			return err
		}
		issue, err := a.seedIssue(ctx, id, project, number, "", "")
		if err != nil {
			return err
		}
		issues = append(issues, issue)
	}

	results := a.orchestrator.WorkParallel(ctx, issues, engine.Options{})

	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
			fmt.Printf("%s: FAILED: %v\n", r.IssueID, r.Err)
			continue
		}
		fmt.Printf("%s: session %s completed, proposal=%s\n", r.IssueID, r.Session.ID, r.Session.ProposalURL)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d issues failed", failed, len(results))
	}
	return nil
}

func (a *app) cmdIterate(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("iterate", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	feedbackText := fs.String("feedback", "", "feedback prompt override; defaults to parsing the proposal's comments and checks")
	if err := fs.Parse(args); err != nil {
		return usageError(err)
	}
	if fs.NArg() < 1 {
		return usageError(errors.New("iterate requires a proposal URL"))
	}
	proposalURL := fs.Arg(0)

	issue, err := a.store.FindByProposalURL(ctx, proposalURL)
	if err != nil {
		return err
	}

	prompt := *feedbackText
	if prompt == "" {
		proposal, err := a.host.GetProposal(ctx, proposalURL)
		if err != nil {
			return err
		}
		parsed := feedback.Parse(proposal, feedback.DefaultParserConfig())
		prompt = feedback.FeedbackPrompt(parsed.Items)
	}

	return a.withSessionLog("iterate", issue.ID, func() error {
		session, err := a.engine.Iterate(ctx, issue.ID, engine.BranchName(issue), proposalURL, prompt, engine.Options{})
		if err != nil {
			return err
		}
		fmt.Printf("session %s completed, cost=$%.2f\n", session.ID, session.CostUSD)
		return nil
	})
}

func (a *app) cmdWatch(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	interval := fs.Duration("interval", a.cfg.PollInterval, "poll interval")
	once := fs.Bool("once", false, "poll every URL exactly once, then exit")
	autoIterate := fs.Bool("auto-iterate", a.cfg.AutoIterate, "automatically call iterate when feedback arrives")
	if err := fs.Parse(args); err != nil {
		return usageError(err)
	}

	urls := fs.Args()
	monitor := feedback.NewMonitor(a.host, feedback.MonitorConfig{
		Interval:          *interval,
		InactivityTimeout: a.cfg.PollInactivityTimeout,
		Parser:            feedback.DefaultParserConfig(),
	})

	if *once {
		go monitor.PollOnce(ctx, urls)
	} else {
		go monitor.Run(ctx, urls)
	}

	for ev := range monitor.Events() {
		a.handleFeedbackEvent(ctx, ev, *autoIterate)
	}
	return nil
}

// handleFeedbackEvent reacts to one feedback-loop Event the same way for
// both the poll-based watch command and the webhook receiver.
func (a *app) handleFeedbackEvent(ctx context.Context, ev feedback.Event, autoIterate bool) {
	switch ev.Kind {
	case feedback.EventError:
		a.logger.Error(ctx, "feedback poll failed", ev.Err, map[string]interface{}{"proposal": ev.ProposalURL})
	case feedback.EventMerged:
		a.logger.Info(ctx, "proposal merged", map[string]interface{}{"proposal": ev.ProposalURL})
		a.onProposalClosed(ctx, ev.ProposalURL, state.Merged)
	case feedback.EventClosed:
		a.logger.Info(ctx, "proposal closed", map[string]interface{}{"proposal": ev.ProposalURL})
		a.onProposalClosed(ctx, ev.ProposalURL, state.Closed)
	case feedback.EventChecksChanged:
		a.logger.Info(ctx, "checks changed", map[string]interface{}{"proposal": ev.ProposalURL})
	case feedback.EventFeedback:
		a.logger.Info(ctx, "feedback received", map[string]interface{}{"proposal": ev.ProposalURL, "summary": ev.Feedback.Summary})
		if !autoIterate {
			return
		}
		issue, err := a.store.FindByProposalURL(ctx, ev.ProposalURL)
		if err != nil {
			a.logger.Error(ctx, "auto-iterate: no tracked issue for proposal", err, map[string]interface{}{"proposal": ev.ProposalURL})
			return
		}
		prompt := feedback.FeedbackPrompt(ev.Feedback.Items)
		if _, err := a.engine.Iterate(ctx, issue.ID, engine.BranchName(issue), ev.ProposalURL, prompt, engine.Options{}); err != nil {
			a.logger.Error(ctx, "auto-iterate failed", err, map[string]interface{}{"proposal": ev.ProposalURL})
		}
	}
}

func (a *app) onProposalClosed(ctx context.Context, proposalURL string, to state.IssueState) {
	issue, err := a.store.FindByProposalURL(ctx, proposalURL)
	if err != nil {
		return
	}
	if state.IssueTransitionAllowed(issue.State, to) {
		_ = a.store.TransitionIssue(ctx, issue.ID, to, "proposal "+string(to), "")
	}
	if to == state.Merged && a.cfg.DeleteBranchOnMerge {
		_ = a.host.DeleteBranch(ctx, issue.Project, engine.BranchName(issue))
	}
}

func (a *app) cmdStatus(ctx context.Context, args []string) error {
	sessions, err := a.store.ActiveSessions(ctx)
	if err != nil {
		return err
	}
	today, err := a.store.TodayCost(ctx)
	if err != nil {
		return err
	}
	month, err := a.store.MonthCost(ctx)
	if err != nil {
		return err
	}
	counts, err := a.store.TodayProposalCounts(ctx)
	if err != nil {
		return err
	}
	h := a.health.Check(ctx)

	fmt.Printf("status: %s (%s)\n", h.Status, h.Timestamp)
	fmt.Printf("active sessions: %d\n", len(sessions))
	fmt.Printf("spend today: $%.2f, this month: $%.2f\n", today, month)
	fmt.Printf("proposals today: %d projects\n", len(counts))
	fmt.Printf("worktrees: %d/%d\n", len(a.workingCopy.List()), a.cfg.MaxWorktrees)
	for name, result := range h.Checks {
		fmt.Printf("  %-16s %s\n", name, result)
	}
	return nil
}

func (a *app) cmdCleanup(ctx context.Context, args []string) error {
	errs := a.cleanup.RunAll(ctx)
	if len(errs) == 0 {
		fmt.Println("cleanup: all tasks completed")
		return nil
	}
	for _, e := range errs {
		fmt.Printf("cleanup error: %v\n", e)
	}
	return fmt.Errorf("%d cleanup tasks failed", len(errs))
}
