package main

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/javimaligno/agentctl/infrastructure/metrics"
	infraresilience "github.com/javimaligno/agentctl/infrastructure/resilience"
	infrastate "github.com/javimaligno/agentctl/infrastructure/state"
	"github.com/javimaligno/agentctl/infrastructure/logging"
	"github.com/javimaligno/agentctl/internal/budget"
	"github.com/javimaligno/agentctl/internal/cleanup"
	"github.com/javimaligno/agentctl/internal/config"
	"github.com/javimaligno/agentctl/internal/engine"
	"github.com/javimaligno/agentctl/internal/health"
	"github.com/javimaligno/agentctl/internal/orchestrator"
	"github.com/javimaligno/agentctl/internal/providers"
	"github.com/javimaligno/agentctl/internal/state"
	"github.com/javimaligno/agentctl/internal/workingcopy"
)

// app composes every collaborator the command surface dispatches against.
// The agent provider, repository host and version-control adapters are
// in-memory stand-ins (internal/providers.Mock*): wrapping a real coding
// agent process and a real hosting-provider API is explicitly out of scope
// for this module (spec section 1), so the CLI drives the same mocks the
// engine's own tests use.
type app struct {
	cfg           config.Config
	logger        *logging.Logger
	baseLogOutput io.Writer
	store         *state.Store

	agent      providers.AgentProvider
	host       *providers.MockRepositoryHost
	vcs        *providers.MockVersionControl
	localCheck providers.LocalChecker

	workingCopy *workingcopy.Manager
	cleanup     *cleanup.Manager
	breakers    *infraresilience.Registry
	repoLocks   *infraresilience.RepoLockRegistry
	budget      *budget.Gate
	metrics     *metrics.Metrics

	engine       *engine.Engine
	orchestrator *orchestrator.Orchestrator
	health       *health.Checker
}

func newApp(ctx context.Context, configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger := logging.New("agentctl", cfg.LogLevel, cfg.LogFormat)
	baseLogOutput := io.Writer(os.Stdout)
	if dailyLog, err := logging.NewDailyRotatingWriter(cfg.LogsDir()); err == nil {
		baseLogOutput = io.MultiWriter(os.Stdout, dailyLog)
		logger.SetOutput(baseLogOutput)
	}

	backend, err := infrastate.NewFileBackend(filepath.Join(cfg.AgentHome, "state"))
	if err != nil {
		return nil, err
	}
	store, err := state.New(ctx, backend, logger)
	if err != nil {
		return nil, err
	}

	agentProvider := &providers.MockAgentProvider{Available: true}
	host := providers.NewMockRepositoryHost()
	vcs := providers.NewMockVersionControl()
	localCheck := providers.NewMockLocalChecker()

	wc := workingcopy.New(vcs, cfg.WorktreesDir(), workingcopy.Limits{
		MaxWorktrees:           cfg.MaxWorktrees,
		MaxWorktreesPerProject: cfg.MaxWorktreesPerProject,
	})

	m := metrics.New("agentctl")
	wc.SetMetrics(m)

	cleanupMgr := cleanup.New(logger)
	breakers := infraresilience.NewRegistry(func(label string) infraresilience.Config {
		bcfg := infraresilience.DefaultConfig()
		bcfg.OnStateChange = func(_, to infraresilience.State) {
			m.SetCircuitState("agentctl", label, int(to))
		}
		return bcfg
	})
	repoLocks := infraresilience.NewRepoLockRegistry()
	budgetGate := budget.New(store, store, budget.Limits{
		DailyBudgetUSD:            cfg.DailyBudgetUSD,
		MonthlyBudgetUSD:          cfg.MonthlyBudgetUSD,
		MaxProposalsPerDay:        cfg.MaxProposalsPerDay,
		MaxProposalsPerProjectDay: cfg.MaxProposalsPerProjectDay,
	})

	eng := &engine.Engine{
		Store:       store,
		WorkingCopy: wc,
		Cleanup:     cleanupMgr,
		Budget:      budgetGate,
		RepoLocks:   repoLocks,
		Breakers:    breakers,
		Agent:       agentProvider,
		Host:        host,
		VCS:         vcs,
		LocalCheck:  localCheck,
		Config:      cfg,
		Metrics:     m,
	}

	orch := orchestrator.New(eng, cfg, logger)
	healthChecker := health.New(cfg, wc, agentProvider, host)

	return &app{
		cfg:           cfg,
		logger:        logger,
		baseLogOutput: baseLogOutput,
		store:         store,
		agent:        agentProvider,
		host:         host,
		vcs:          vcs,
		localCheck:   localCheck,
		workingCopy:  wc,
		cleanup:      cleanupMgr,
		breakers:     breakers,
		repoLocks:    repoLocks,
		budget:       budgetGate,
		metrics:      m,
		engine:       eng,
		orchestrator: orch,
		health:       healthChecker,
	}, nil
}

func (a *app) Close(ctx context.Context) {
	_ = a.store.Close(ctx)
}
