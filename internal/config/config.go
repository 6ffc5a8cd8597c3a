// Package config resolves the orchestrator's runtime configuration from an
// optional YAML file layered under environment-variable overrides, following
// the cfgValue/env/fallback precedence used throughout the infrastructure
// packages (see infrastructure/runtime).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/javimaligno/agentctl/infrastructure/runtime"
)

// Config is the full set of tunables the orchestrator reads at startup.
type Config struct {
	// AgentHome is the single state directory described in spec section 6,
	// defaulting to ~/.agent.
	AgentHome string `yaml:"agent_home"`

	DailyBudgetUSD   float64 `yaml:"daily_budget_usd"`
	MonthlyBudgetUSD float64 `yaml:"monthly_budget_usd"`

	MaxProposalsPerDay        int `yaml:"max_proposals_per_day"`
	MaxProposalsPerProjectDay int `yaml:"max_proposals_per_project_day"`

	MaxConcurrentAgents     int `yaml:"max_concurrent_agents"`
	MaxConcurrentPerProject int `yaml:"max_concurrent_per_project"`

	MaxWorktrees           int `yaml:"max_worktrees"`
	MaxWorktreesPerProject int `yaml:"max_worktrees_per_project"`

	AgentTimeout          time.Duration `yaml:"agent_timeout"`
	VersionControlTimeout time.Duration `yaml:"version_control_timeout"`
	MonitorHTTPTimeout    time.Duration `yaml:"monitor_http_timeout"`

	MaxLocalTestFixIterations int `yaml:"max_local_test_fix_iterations"`

	MaxDiffFiles int `yaml:"max_diff_files"`
	MaxDiffLines int `yaml:"max_diff_lines"`

	PollInterval         time.Duration `yaml:"poll_interval"`
	PollInactivityTimeout time.Duration `yaml:"poll_inactivity_timeout"`

	// Webhook flags, overridable by WEBHOOK_SECRET / ALLOWED_REPOS / PORT /
	// AUTO_ITERATE / DELETE_BRANCH_ON_MERGE per spec section 6.
	WebhookSecret        string   `yaml:"webhook_secret"`
	AllowedRepos         []string `yaml:"allowed_repos"`
	Port                 int      `yaml:"port"`
	AutoIterate          bool     `yaml:"auto_iterate"`
	DeleteBranchOnMerge  bool     `yaml:"delete_branch_on_merge"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// Default returns the baseline configuration before any file or environment
// overrides are applied.
func Default() Config {
	home, _ := os.UserHomeDir()
	return Config{
		AgentHome:                 filepath.Join(home, ".agent"),
		DailyBudgetUSD:            50,
		MonthlyBudgetUSD:          1000,
		MaxProposalsPerDay:        20,
		MaxProposalsPerProjectDay: 5,
		MaxConcurrentAgents:       4,
		MaxConcurrentPerProject:   2,
		MaxWorktrees:              20,
		MaxWorktreesPerProject:    5,
		AgentTimeout:              5 * time.Minute,
		VersionControlTimeout:     time.Minute,
		MonitorHTTPTimeout:        30 * time.Second,
		MaxLocalTestFixIterations: 3,
		MaxDiffFiles:              50,
		MaxDiffLines:              4000,
		PollInterval:              60 * time.Second,
		PollInactivityTimeout:     120 * time.Minute,
		Port:                      8080,
		AutoIterate:               false,
		DeleteBranchOnMerge:       false,
		LogLevel:                  "info",
		LogFormat:                 "json",
	}
}

// Load reads an optional YAML file at path (silently skipped if it does not
// exist) over Default(), then applies environment-variable overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	if path == "" {
		home, _ := os.UserHomeDir()
		path = filepath.Join(home, ".agent", "config.yaml")
	}

	if raw, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return Config{}, fmt.Errorf("config: read %s: %w", path, err)
	}

	applyEnvOverrides(&cfg)
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	cfg.AgentHome = runtime.ResolveString("", "AGENT_HOME", cfg.AgentHome)
	cfg.WebhookSecret = runtime.ResolveString("", "WEBHOOK_SECRET", cfg.WebhookSecret)
	cfg.Port = runtime.ResolveInt(0, "PORT", cfg.Port)
	cfg.AutoIterate = runtime.ResolveBool(cfg.AutoIterate, "AUTO_ITERATE")
	cfg.DeleteBranchOnMerge = runtime.ResolveBool(cfg.DeleteBranchOnMerge, "DELETE_BRANCH_ON_MERGE")
	cfg.LogLevel = runtime.ResolveString("", "LOG_LEVEL", cfg.LogLevel)
	cfg.LogFormat = runtime.ResolveString("", "LOG_FORMAT", cfg.LogFormat)

	if raw := strings.TrimSpace(os.Getenv("ALLOWED_REPOS")); raw != "" {
		cfg.AllowedRepos = splitAndTrim(raw)
	}
}

func splitAndTrim(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// AllowsRepo reports whether the given host-qualified repo ("owner/repo") is
// permitted by the configured allow-list. An empty allow-list permits every
// repo, matching the teacher's permissive default for optional env gates.
func (c Config) AllowsRepo(repo string) bool {
	if len(c.AllowedRepos) == 0 {
		return true
	}
	for _, allowed := range c.AllowedRepos {
		if allowed == repo {
			return true
		}
	}
	return false
}

// LogsDir, SessionLogsDir, WorktreesDir and StateFile return the well-known
// paths under AgentHome described in spec section 6.
func (c Config) LogsDir() string       { return filepath.Join(c.AgentHome, "logs") }
func (c Config) SessionLogsDir() string { return filepath.Join(c.LogsDir(), "sessions") }
func (c Config) WorktreesDir() string  { return filepath.Join(c.AgentHome, "worktrees") }
func (c Config) StateFile() string     { return filepath.Join(c.AgentHome, "state.json") }
