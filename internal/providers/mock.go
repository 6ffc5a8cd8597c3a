package providers

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
)

// MockAgentProvider is a scriptable AgentProvider for tests and --dry-run.
// Each call to Query consumes one entry from Responses, in order; once
// exhausted, it repeats the last entry.
type MockAgentProvider struct {
	mu        sync.Mutex
	Responses []QueryResult
	calls     int
	Available bool
}

// NewDryRunAgentProvider returns a provider that always succeeds with zero
// cost, for the CLI's --dry-run mode.
func NewDryRunAgentProvider() *MockAgentProvider {
	return &MockAgentProvider{
		Available: true,
		Responses: []QueryResult{{Success: true, Output: "dry-run: no changes made", CostDelta: 0}},
	}
}

func (m *MockAgentProvider) Query(ctx context.Context, prompt string, opts QueryOptions) (QueryResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Responses) == 0 {
		return QueryResult{Success: true}, nil
	}
	idx := m.calls
	if idx >= len(m.Responses) {
		idx = len(m.Responses) - 1
	}
	m.calls++
	return m.Responses[idx], nil
}

func (m *MockAgentProvider) IsAvailable(ctx context.Context) bool {
	return m.Available
}

// Calls reports how many times Query has been invoked.
func (m *MockAgentProvider) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// MockRepositoryHost is an in-memory RepositoryHost for tests.
type MockRepositoryHost struct {
	mu        sync.Mutex
	proposals map[string]*Proposal
	nextNum   int
}

func NewMockRepositoryHost() *MockRepositoryHost {
	return &MockRepositoryHost{proposals: make(map[string]*Proposal), nextNum: 1}
}

var proposalURLRe = regexp.MustCompile(`^https://([^/]+)/([^/]+)/([^/]+)/(pull|merge_requests)/(\d+)$`)

func (m *MockRepositoryHost) ParseURL(url string) (owner, repo string, number int, kind ProposalKind, err error) {
	matches := proposalURLRe.FindStringSubmatch(url)
	if matches == nil {
		return "", "", 0, "", fmt.Errorf("not a recognised proposal url: %s", url)
	}
	owner = matches[2]
	repo = matches[3]
	number, _ = strconv.Atoi(matches[5])
	kind = PullRequest
	if matches[4] == "merge_requests" {
		kind = MergeRequest
	}
	return owner, repo, number, kind, nil
}

func (m *MockRepositoryHost) BuildURL(owner, repo string, number int, kind ProposalKind) string {
	segment := "pull"
	if kind == MergeRequest {
		segment = "merge_requests"
	}
	return fmt.Sprintf("https://example.test/%s/%s/%s/%d", owner, repo, segment, number)
}

func (m *MockRepositoryHost) ForkOrGetRepo(ctx context.Context, owner, repo string) (string, error) {
	return fmt.Sprintf("https://example.test/%s/%s.git", owner, repo), nil
}

func (m *MockRepositoryHost) PushBranch(ctx context.Context, repo, branch string) error {
	return nil
}

func (m *MockRepositoryHost) CreateProposal(ctx context.Context, repo, branch, title, body string) (Proposal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	parts := strings.SplitN(repo, "/", 2)
	owner, name := repo, ""
	if len(parts) == 2 {
		owner, name = parts[0], parts[1]
	}
	number := m.nextNum
	m.nextNum++
	url := m.BuildURL(owner, name, number, PullRequest)
	p := &Proposal{URL: url, State: "open", Repo: repo, Number: number}
	m.proposals[url] = p
	return *p, nil
}

func (m *MockRepositoryHost) GetProposal(ctx context.Context, url string) (Proposal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.proposals[url]
	if !ok {
		return Proposal{}, fmt.Errorf("no such proposal: %s", url)
	}
	return *p, nil
}

func (m *MockRepositoryHost) PostComment(ctx context.Context, url, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.proposals[url]
	if !ok {
		return fmt.Errorf("no such proposal: %s", url)
	}
	p.Comments = append(p.Comments, ReviewComment{Author: "agent", Body: body})
	return nil
}

func (m *MockRepositoryHost) DeleteBranch(ctx context.Context, repo, branch string) error {
	return nil
}

// SetProposal lets tests seed a proposal's comments/checks directly.
func (m *MockRepositoryHost) SetProposal(p Proposal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.proposals[p.URL] = &p
}

// MockVersionControl is an in-memory VersionControl for tests.
type MockVersionControl struct {
	mu            sync.Mutex
	workingCopies map[string]bool
	DiffStats     map[string]DiffStat
}

func NewMockVersionControl() *MockVersionControl {
	return &MockVersionControl{workingCopies: make(map[string]bool), DiffStats: make(map[string]DiffStat)}
}

func (m *MockVersionControl) EnsureMirror(ctx context.Context, repo string) error { return nil }

func (m *MockVersionControl) CreateWorkingCopy(ctx context.Context, repo, branch, destPath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workingCopies[destPath] = true
	return nil
}

func (m *MockVersionControl) RemoveWorkingCopy(ctx context.Context, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.workingCopies, path)
	return nil
}

func (m *MockVersionControl) DiffStat(ctx context.Context, path, baseBranch string) (DiffStat, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if stat, ok := m.DiffStats[path]; ok {
		return stat, nil
	}
	return DiffStat{FilesChanged: []string{"README.md"}, LinesAdded: 1, LinesRemoved: 0}, nil
}

func (m *MockVersionControl) Commit(ctx context.Context, path, message string) error { return nil }

func (m *MockVersionControl) ModifiedFiles(ctx context.Context, path string) ([]string, error) {
	stat, err := m.DiffStat(ctx, path, "")
	if err != nil {
		return nil, err
	}
	return stat.FilesChanged, nil
}

func (m *MockVersionControl) ListWorkingCopies(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.workingCopies))
	for path := range m.workingCopies {
		out = append(out, path)
	}
	return out, nil
}

// MockLocalChecker is a scriptable LocalChecker for tests. Results are keyed
// by working directory; a missing entry passes by default.
type MockLocalChecker struct {
	mu      sync.Mutex
	Results map[string][]CheckResult
	calls   map[string]int
}

func NewMockLocalChecker() *MockLocalChecker {
	return &MockLocalChecker{Results: make(map[string][]CheckResult), calls: make(map[string]int)}
}

func (m *MockLocalChecker) RunChecks(ctx context.Context, workingDir string) (CheckResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seq, ok := m.Results[workingDir]
	if !ok || len(seq) == 0 {
		return CheckResult{Passed: true}, nil
	}
	idx := m.calls[workingDir]
	if idx >= len(seq) {
		idx = len(seq) - 1
	}
	m.calls[workingDir]++
	return seq[idx], nil
}
