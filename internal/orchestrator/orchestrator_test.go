package orchestrator_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	infraresilience "github.com/javimaligno/agentctl/infrastructure/resilience"
	infrastate "github.com/javimaligno/agentctl/infrastructure/state"
	"github.com/javimaligno/agentctl/internal/budget"
	"github.com/javimaligno/agentctl/internal/cleanup"
	"github.com/javimaligno/agentctl/internal/config"
	"github.com/javimaligno/agentctl/internal/engine"
	"github.com/javimaligno/agentctl/internal/orchestrator"
	"github.com/javimaligno/agentctl/internal/providers"
	"github.com/javimaligno/agentctl/internal/state"
	"github.com/javimaligno/agentctl/internal/workingcopy"
)

type inMemoryLedger struct{}

func (inMemoryLedger) TodayCost(ctx context.Context) (float64, error) { return 0, nil }
func (inMemoryLedger) MonthCost(ctx context.Context) (float64, error) { return 0, nil }
func (inMemoryLedger) TodayProposalCounts(ctx context.Context) (map[string]int, error) {
	return map[string]int{}, nil
}

// blockingAgent blocks every Query call until release is closed, recording
// the peak number of simultaneously in-flight calls. This is what lets the
// tests observe the orchestrator's admission limits directly.
type blockingAgent struct {
	mu      sync.Mutex
	current int
	peak    int
	release chan struct{}
}

func newBlockingAgent() *blockingAgent {
	return &blockingAgent{release: make(chan struct{})}
}

func (a *blockingAgent) Query(ctx context.Context, prompt string, opts providers.QueryOptions) (providers.QueryResult, error) {
	a.mu.Lock()
	a.current++
	if a.current > a.peak {
		a.peak = a.current
	}
	a.mu.Unlock()

	select {
	case <-a.release:
	case <-ctx.Done():
	}

	a.mu.Lock()
	a.current--
	a.mu.Unlock()
	return providers.QueryResult{Success: true, Output: "done"}, nil
}

func (a *blockingAgent) IsAvailable(ctx context.Context) bool { return true }

func (a *blockingAgent) Peak() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.peak
}

func newTestEngine(t *testing.T, agent providers.AgentProvider) (*engine.Engine, *state.Store) {
	t.Helper()
	backend := infrastate.NewMemoryBackend(0)
	store, err := state.New(context.Background(), backend, nil)
	require.NoError(t, err)

	vc := providers.NewMockVersionControl()
	host := providers.NewMockRepositoryHost()
	wc := workingcopy.New(vc, t.TempDir(), workingcopy.Limits{MaxWorktrees: 50, MaxWorktreesPerProject: 10})

	ledger := inMemoryLedger{}
	gate := budget.New(ledger, ledger, budget.Limits{DailyBudgetUSD: 1000, MonthlyBudgetUSD: 10000, MaxProposalsPerDay: 100, MaxProposalsPerProjectDay: 100})

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

func seedIssue(t *testing.T, store *state.Store, id, project string, number int, title, body string) *state.Issue {
	t.Helper()
	issue := &state.Issue{ID: id, Project: project, Number: number, Title: title, Body: body, State: state.Discovered}
	require.NoError(t, store.SaveIssue(context.Background(), issue))
	return issue
}

func TestWorkParallelRespectsGlobalSemaphoreBound(t *testing.T) {
	agent := newBlockingAgent()
	eng, store := newTestEngine(t, agent)

	cfg := config.Default()
	cfg.MaxConcurrentAgents = 3
	cfg.MaxConcurrentPerProject = 10
	orch := orchestrator.New(eng, cfg, nil)

	var issues []*state.Issue
	for i := 0; i < 10; i++ {
		id := fmt.Sprintf("github.com/acme/repo%d#1", i)
		project := fmt.Sprintf("acme/repo%d", i)
		issues = append(issues, seedIssue(t, store, id, project, 1, "routine maintenance", "nothing special here"))
	}

	done := make(chan []orchestrator.Result, 1)
	go func() {
		done <- orch.WorkParallel(context.Background(), issues, engine.Options{Prompt: "x"})
	}()

	require.Eventually(t, func() bool { return agent.Peak() == 3 }, time.Second, 2*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 3, agent.Peak(), "at most max=3 engines should run concurrently")

	close(agent.release)

	results := <-done
	require.Len(t, results, 10)
	for _, r := range results {
		assert.NoError(t, r.Err)
		assert.NotNil(t, r.Session)
	}
}

func TestWorkParallelRespectsPerProjectLimit(t *testing.T) {
	agent := newBlockingAgent()
	eng, store := newTestEngine(t, agent)

	cfg := config.Default()
	cfg.MaxConcurrentAgents = 10
	cfg.MaxConcurrentPerProject = 1
	orch := orchestrator.New(eng, cfg, nil)

	var issues []*state.Issue
	for i := 0; i < 4; i++ {
		id := fmt.Sprintf("github.com/acme/shared#%d", i)
		issues = append(issues, seedIssue(t, store, id, "acme/shared", i, "unrelated change", "no overlap keywords here"))
	}

	done := make(chan []orchestrator.Result, 1)
	go func() {
		done <- orch.WorkParallel(context.Background(), issues, engine.Options{Prompt: "x"})
	}()

	require.Eventually(t, func() bool { return agent.Peak() == 1 }, time.Second, 2*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, agent.Peak(), "per-project limit of 1 must not be exceeded even with global room to spare")

	close(agent.release)
	results := <-done
	require.Len(t, results, 4)
	for _, r := range results {
		assert.NoError(t, r.Err)
	}
}

func TestWorkParallelDefersConflictingIssue(t *testing.T) {
	agent := newBlockingAgent()
	eng, store := newTestEngine(t, agent)

	cfg := config.Default()
	cfg.MaxConcurrentAgents = 5
	cfg.MaxConcurrentPerProject = 5
	orch := orchestrator.New(eng, cfg, nil)

	issueA := seedIssue(t, store, "github.com/acme/app#1", "acme/app", 1, "Broad auth rework", "Touch the whole auth module.")
	issueB := seedIssue(t, store, "github.com/acme/app#2", "acme/app", 2, "Fix login bug", "Off-by-one in src/auth/login.ts")

	done := make(chan []orchestrator.Result, 1)
	go func() {
		done <- orch.WorkParallel(context.Background(), []*state.Issue{issueA, issueB}, engine.Options{Prompt: "x"})
	}()

	require.Eventually(t, func() bool { return agent.Peak() >= 1 }, time.Second, 2*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, 1, agent.Peak(), "B predicts src/auth/login.ts, which overlaps A's predicted src/auth; it must not be admitted while A is in progress")

	close(agent.release)

	results := <-done
	require.Len(t, results, 2)
	for _, r := range results {
		assert.NoError(t, r.Err)
	}
}

func TestWorkParallelIndependentRepositoriesRunInParallel(t *testing.T) {
	agent := newBlockingAgent()
	eng, store := newTestEngine(t, agent)

	cfg := config.Default()
	cfg.MaxConcurrentAgents = 5
	cfg.MaxConcurrentPerProject = 5
	orch := orchestrator.New(eng, cfg, nil)

	issueA := seedIssue(t, store, "github.com/acme/one#1", "acme/one", 1, "Fix crash", "src/api/handler.go panics on nil body")
	issueB := seedIssue(t, store, "github.com/acme/two#1", "acme/two", 1, "Fix crash", "src/api/handler.go panics on nil body")

	done := make(chan []orchestrator.Result, 1)
	go func() {
		done <- orch.WorkParallel(context.Background(), []*state.Issue{issueA, issueB}, engine.Options{Prompt: "x"})
	}()

	require.Eventually(t, func() bool { return agent.Peak() == 2 }, time.Second, 2*time.Millisecond)
	assert.Equal(t, 2, agent.Peak(), "same predicted path in different repos must not block each other")

	close(agent.release)
	<-done
}

func TestWorkParallelContinuesAfterEngineFailure(t *testing.T) {
	failingAgent := &providers.MockAgentProvider{
		Available: true,
		// The first query fails; every later query repeats the success.
		Responses: []providers.QueryResult{{Success: false, Error: "boom"}, {Success: true, Output: "done"}},
	}
	eng, store := newTestEngine(t, failingAgent)

	cfg := config.Default()
	cfg.MaxConcurrentAgents = 5
	cfg.MaxConcurrentPerProject = 5
	orch := orchestrator.New(eng, cfg, nil)

	issueA := seedIssue(t, store, "github.com/acme/bad#1", "acme/bad", 1, "will fail", "no overlap")
	issueB := seedIssue(t, store, "github.com/acme/good#1", "acme/good", 1, "will succeed", "no overlap either")

	results := orch.WorkParallel(context.Background(), []*state.Issue{issueA, issueB}, engine.Options{Prompt: "x"})
	require.Len(t, results, 2)

	var sawFailure, sawSuccess bool
	for _, r := range results {
		if r.Err != nil {
			sawFailure = true
		} else {
			sawSuccess = true
		}
	}
	assert.True(t, sawFailure, "failing engine run should surface its error")
	assert.True(t, sawSuccess, "a sibling issue's run should still complete")
}

func TestWorkParallelCancellationStopsAdmission(t *testing.T) {
	agent := newBlockingAgent()
	eng, store := newTestEngine(t, agent)

	cfg := config.Default()
	cfg.MaxConcurrentAgents = 1
	cfg.MaxConcurrentPerProject = 1
	orch := orchestrator.New(eng, cfg, nil)

	var issues []*state.Issue
	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("github.com/acme/cancel%d#1", i)
		project := fmt.Sprintf("acme/cancel%d", i)
		issues = append(issues, seedIssue(t, store, id, project, 1, "independent work", "nothing overlapping"))
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan []orchestrator.Result, 1)
	go func() {
		done <- orch.WorkParallel(ctx, issues, engine.Options{Prompt: "x"})
	}()

	require.Eventually(t, func() bool { return agent.Peak() == 1 }, time.Second, 2*time.Millisecond)
	cancel()
	close(agent.release)

	results := <-done
	require.Len(t, results, 3)
}
