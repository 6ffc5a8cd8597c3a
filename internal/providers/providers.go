// Package providers declares the thin interfaces the core consumes from its
// external collaborators (spec section 6): the agent provider, the
// repository host adapter and the version-control adapter. None of these
// are implemented here beyond mock/dry-run adapters sufficient to drive the
// core end to end in tests — the real wrappers around hosting-provider CLIs
// and the agent process are explicitly out of scope (spec section 1).
package providers

import (
	"context"
	"time"
)

// QueryOptions is passed to an AgentProvider.Query call.
type QueryOptions struct {
	Cwd         string
	MaxTurns    int
	Timeout     time.Duration
	MaxBudget   float64
}

// QueryResult is what an AgentProvider.Query call returns.
type QueryResult struct {
	Success   bool
	Output    string
	CostDelta float64
	Error     string
}

// AgentProvider drives the external code-generation process. The engine is
// authoritative; the agent is a tool (see GLOSSARY).
type AgentProvider interface {
	Query(ctx context.Context, prompt string, opts QueryOptions) (QueryResult, error)
	IsAvailable(ctx context.Context) bool
}

// ProposalKind distinguishes the vocabulary a host uses for a merge artifact.
type ProposalKind string

const (
	PullRequest  ProposalKind = "pull_request"
	MergeRequest ProposalKind = "merge_request"
)

// CheckConclusion is the normalised outcome of a single check-run.
type CheckConclusion string

const (
	CheckSuccess CheckConclusion = "success"
	CheckFailure CheckConclusion = "failure"
	CheckSkipped CheckConclusion = "skipped"
)

// CheckRun is one CI check attached to a proposal.
type CheckRun struct {
	Name       string
	Conclusion CheckConclusion
}

// ReviewComment is one review comment or inline comment on a proposal.
type ReviewComment struct {
	Author    string
	Body      string
	Path      string
	Line      int
	InReplyTo string // non-empty when this is a direct reply, skipped by the feedback parser
}

// Proposal is the external artifact created to merge the agent's change.
type Proposal struct {
	URL     string
	State   string // "open", "merged", "closed"
	Repo    string
	Number  int
	Comments []ReviewComment
	Checks   []CheckRun
}

// RepositoryHost wraps the hosting-provider API calls the engine and
// feedback loop need.
type RepositoryHost interface {
	ParseURL(url string) (owner, repo string, number int, kind ProposalKind, err error)
	BuildURL(owner, repo string, number int, kind ProposalKind) string
	ForkOrGetRepo(ctx context.Context, owner, repo string) (cloneURL string, err error)
	PushBranch(ctx context.Context, repo, branch string) error
	CreateProposal(ctx context.Context, repo, branch, title, body string) (Proposal, error)
	GetProposal(ctx context.Context, url string) (Proposal, error)
	PostComment(ctx context.Context, url, body string) error
	DeleteBranch(ctx context.Context, repo, branch string) error
}

// DiffStat is the result of diffing a working copy against its base branch.
type DiffStat struct {
	FilesChanged []string
	LinesAdded   int
	LinesRemoved int
}

// VersionControl wraps the local git/vcs operations the working-copy manager
// and engine need.
type VersionControl interface {
	EnsureMirror(ctx context.Context, repo string) error
	CreateWorkingCopy(ctx context.Context, repo, branch, destPath string) error
	RemoveWorkingCopy(ctx context.Context, path string) error
	DiffStat(ctx context.Context, path, baseBranch string) (DiffStat, error)
	Commit(ctx context.Context, path, message string) error
	ModifiedFiles(ctx context.Context, path string) ([]string, error)
	ListWorkingCopies(ctx context.Context) ([]string, error)
}

// CheckResult is the outcome of one local test/lint pass (spec section 4.2,
// "Verify").
type CheckResult struct {
	Passed bool
	Output string
}

// LocalChecker runs the project's configured local tests/lints against a
// working copy, giving the engine's verify stage something to feed failures
// from back into the agent for up to maxLocalTestFixIterations rounds.
type LocalChecker interface {
	RunChecks(ctx context.Context, workingDir string) (CheckResult, error)
}
