package engine_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	infraresilience "github.com/javimaligno/agentctl/infrastructure/resilience"
	infrastate "github.com/javimaligno/agentctl/infrastructure/state"
	"github.com/javimaligno/agentctl/internal/agenterrors"
	"github.com/javimaligno/agentctl/internal/budget"
	"github.com/javimaligno/agentctl/internal/cleanup"
	"github.com/javimaligno/agentctl/internal/config"
	"github.com/javimaligno/agentctl/internal/engine"
	"github.com/javimaligno/agentctl/internal/providers"
	"github.com/javimaligno/agentctl/internal/state"
	"github.com/javimaligno/agentctl/internal/workingcopy"
)

func newTestEngine(t *testing.T, agent providers.AgentProvider) (*engine.Engine, *state.Store) {
	t.Helper()
	backend := infrastate.NewMemoryBackend(0)
	store, err := state.New(context.Background(), backend, nil)
	require.NoError(t, err)

	vc := providers.NewMockVersionControl()
	host := providers.NewMockRepositoryHost()
	wc := workingcopy.New(vc, t.TempDir(), workingcopy.Limits{MaxWorktrees: 10, MaxWorktreesPerProject: 10})

	ledger := inMemoryLedger{}
	gate := budget.New(ledger, ledger, budget.Limits{DailyBudgetUSD: 100, MonthlyBudgetUSD: 1000, MaxProposalsPerDay: 20, MaxProposalsPerProjectDay: 20})

	e := &engine.Engine{
		Store:       store,
		WorkingCopy: wc,
		Cleanup:     cleanup.New(nil),
		Budget:      gate,
		RepoLocks:   infraresilience.NewRepoLockRegistry(),
		Breakers:    infraresilience.NewRegistry(func(label string) infraresilience.Config { return infraresilience.DefaultConfig() }),
		Agent:       agent,
		Host:        host,
		VCS:         vc,
		Config:      config.Default(),
	}
	return e, store
}

type inMemoryLedger struct{}

func (inMemoryLedger) TodayCost(ctx context.Context) (float64, error) { return 0, nil }
func (inMemoryLedger) MonthCost(ctx context.Context) (float64, error) { return 0, nil }
func (inMemoryLedger) TodayProposalCounts(ctx context.Context) (map[string]int, error) {
	return map[string]int{}, nil
}

func seedIssue(t *testing.T, store *state.Store, id, project string, number int) {
	t.Helper()
	require.NoError(t, store.SaveIssue(context.Background(), &state.Issue{
		ID:      id,
		Project: project,
		Number:  number,
		Title:   "fix the thing",
		Body:    "details",
		State:   state.Discovered,
	}))
}

func TestRunHappyPath(t *testing.T) {
	agent := &providers.MockAgentProvider{
		Available: true,
		Responses: []providers.QueryResult{{Success: true, Output: "done", CostDelta: 0.10}},
	}
	e, store := newTestEngine(t, agent)
	seedIssue(t, store, "github.com/acme/app#42", "acme/app", 42)

	session, err := e.Run(context.Background(), "github.com/acme/app#42", engine.Options{Prompt: "fix it"})
	require.NoError(t, err)
	assert.Equal(t, state.SessionCompleted, session.Status)
	assert.NotEmpty(t, session.ProposalURL)

	issue, err := store.GetIssue(context.Background(), "github.com/acme/app#42")
	require.NoError(t, err)
	assert.Equal(t, state.PRCreated, issue.State)

	transitions, err := store.ListTransitions(context.Background(), "github.com/acme/app#42")
	require.NoError(t, err)
	var seq []string
	for _, tr := range transitions {
		seq = append(seq, tr.ToState)
	}
	assert.Equal(t, []string{"queued", "in_progress", "pr_created"}, seq)
}

func TestRunAdmissionRefusedByBudget(t *testing.T) {
	agent := &providers.MockAgentProvider{Available: true}
	e, store := newTestEngine(t, agent)
	e.Budget = budget.New(inMemoryLedger{}, inMemoryLedger{}, budget.Limits{DailyBudgetUSD: 0.01})
	seedIssue(t, store, "github.com/acme/app#1", "acme/app", 1)

	_, err := e.Run(context.Background(), "github.com/acme/app#1", engine.Options{Prompt: "x", MaxBudget: 1})
	require.Error(t, err)
	assert.True(t, agenterrors.Is(err, agenterrors.BudgetExceeded))

	issue, err := store.GetIssue(context.Background(), "github.com/acme/app#1")
	require.NoError(t, err)
	assert.Equal(t, state.Discovered, issue.State)
}

func TestRunAgentFailureAbandonsIssue(t *testing.T) {
	agent := &providers.MockAgentProvider{
		Available: true,
		Responses: []providers.QueryResult{{Success: false, Error: "agent exploded"}},
	}
	e, store := newTestEngine(t, agent)
	seedIssue(t, store, "github.com/acme/app#2", "acme/app", 2)

	_, err := e.Run(context.Background(), "github.com/acme/app#2", engine.Options{Prompt: "x"})
	require.Error(t, err)

	issue, err := store.GetIssue(context.Background(), "github.com/acme/app#2")
	require.NoError(t, err)
	assert.Equal(t, state.Abandoned, issue.State)

	assert.Empty(t, e.WorkingCopy.List())
}

func TestRunRetryableFailureReturnsIssueToQueued(t *testing.T) {
	agent := &providers.MockAgentProvider{Available: true}
	e, store := newTestEngine(t, agent)

	failingVC := &flakyVersionControl{MockVersionControl: providers.NewMockVersionControl(), failEnsureMirror: true}
	e.VCS = failingVC

	seedIssue(t, store, "github.com/acme/app#3", "acme/app", 3)

	_, err := e.Run(context.Background(), "github.com/acme/app#3", engine.Options{Prompt: "x"})
	require.Error(t, err)

	issue, getErr := store.GetIssue(context.Background(), "github.com/acme/app#3")
	require.NoError(t, getErr)
	assert.Equal(t, state.Queued, issue.State)
}

type flakyVersionControl struct {
	*providers.MockVersionControl
	failEnsureMirror bool
}

func (f *flakyVersionControl) EnsureMirror(ctx context.Context, repo string) error {
	if f.failEnsureMirror {
		return agenterrors.New(agenterrors.Network, "connection reset")
	}
	return f.MockVersionControl.EnsureMirror(ctx, repo)
}

type oversizedDiffVersionControl struct {
	*providers.MockVersionControl
}

func (o *oversizedDiffVersionControl) DiffStat(ctx context.Context, path, baseBranch string) (providers.DiffStat, error) {
	return providers.DiffStat{FilesChanged: []string{"a.go", "b.go", "c.go"}, LinesAdded: 10}, nil
}

func TestRunVerifyRejectsOversizedDiff(t *testing.T) {
	agent := &providers.MockAgentProvider{
		Available: true,
		Responses: []providers.QueryResult{{Success: true}},
	}
	e, store := newTestEngine(t, agent)
	e.VCS = &oversizedDiffVersionControl{MockVersionControl: providers.NewMockVersionControl()}
	e.Config.MaxDiffFiles = 1
	seedIssue(t, store, "github.com/acme/app#4", "acme/app", 4)

	_, err := e.Run(context.Background(), "github.com/acme/app#4", engine.Options{Prompt: "x"})
	require.Error(t, err)
}

func TestRunTimesOutOnStalledAgent(t *testing.T) {
	slow := &slowAgentProvider{available: true, delay: 50 * time.Millisecond}
	e, store := newTestEngine(t, slow)
	e.Config.AgentTimeout = 5 * time.Millisecond
	seedIssue(t, store, "github.com/acme/app#5", "acme/app", 5)

	_, err := e.Run(context.Background(), "github.com/acme/app#5", engine.Options{Prompt: "x"})
	require.Error(t, err)
	assert.True(t, agenterrors.Is(err, agenterrors.Timeout))
}

type slowAgentProvider struct {
	available bool
	delay     time.Duration
}

func (s *slowAgentProvider) Query(ctx context.Context, prompt string, opts providers.QueryOptions) (providers.QueryResult, error) {
	select {
	case <-time.After(s.delay):
		return providers.QueryResult{Success: true}, nil
	case <-ctx.Done():
		return providers.QueryResult{}, ctx.Err()
	}
}

func (s *slowAgentProvider) IsAvailable(ctx context.Context) bool { return s.available }
