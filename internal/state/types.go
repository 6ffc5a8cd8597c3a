package state

import "time"

// IssueState is the lifecycle state of an Issue (spec section 3).
type IssueState string

const (
	Discovered       IssueState = "discovered"
	Queued           IssueState = "queued"
	InProgress       IssueState = "in_progress"
	PRCreated        IssueState = "pr_created"
	AwaitingFeedback IssueState = "awaiting_feedback"
	Iterating        IssueState = "iterating"
	Merged           IssueState = "merged"
	Closed           IssueState = "closed"
	Abandoned        IssueState = "abandoned"
)

// Terminal reports whether the issue state accepts no further transitions.
func (s IssueState) Terminal() bool {
	switch s {
	case Merged, Closed, Abandoned:
		return true
	default:
		return false
	}
}

// issueTransitions is the allowed-transitions table from spec section 4.1.
// Every recorded Transition must have its (from, to) pair present here.
var issueTransitions = map[IssueState]map[IssueState]bool{
	Discovered: {Queued: true, Abandoned: true},
	Queued:     {InProgress: true, Abandoned: true},
	InProgress: {PRCreated: true, Abandoned: true, Queued: true},
	PRCreated:  {AwaitingFeedback: true, Merged: true, Closed: true},
	AwaitingFeedback: {Iterating: true, Merged: true, Closed: true},
	Iterating:  {AwaitingFeedback: true, Abandoned: true, PRCreated: true},
}

// IssueTransitionAllowed reports whether (from, to) appears in the
// allowed-transitions table.
func IssueTransitionAllowed(from, to IssueState) bool {
	if from.Terminal() {
		return false
	}
	return issueTransitions[from][to]
}

// SessionStatus is the lifecycle state of a Session (spec section 3).
type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
	SessionPaused    SessionStatus = "paused"
)

func (s SessionStatus) Terminal() bool {
	return s == SessionCompleted || s == SessionFailed
}

var sessionTransitions = map[SessionStatus]map[SessionStatus]bool{
	SessionActive: {SessionCompleted: true, SessionFailed: true, SessionPaused: true},
	SessionPaused: {SessionActive: true},
}

// SessionTransitionAllowed reports whether (from, to) is a legal session
// status transition.
func SessionTransitionAllowed(from, to SessionStatus) bool {
	if from.Terminal() {
		return false
	}
	return sessionTransitions[from][to]
}

// Issue is a unit of work identified by host-qualified path and number.
type Issue struct {
	ID          string     `json:"id"` // host-qualified path + number, e.g. "github.com/acme/app#42"
	Project     string     `json:"project"` // "owner/repo", cased exactly as returned by the host
	Number      int        `json:"number"`
	Title       string     `json:"title"`
	Body        string     `json:"body"`
	Labels      []string   `json:"labels"`
	Author      string     `json:"author"`
	Assignee    string     `json:"assignee,omitempty"`
	State       IssueState `json:"state"`
	ProposalURL string     `json:"proposal_url,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Session is a single run of the execution engine against one issue.
type Session struct {
	ID              string        `json:"id"`
	IssueID         string        `json:"issue_id"`
	Status          SessionStatus `json:"status"`
	Provider        string        `json:"provider"`
	Model           string        `json:"model"`
	StartedAt       time.Time     `json:"started_at"`
	LastActivityAt  time.Time     `json:"last_activity_at"`
	FinishedAt      time.Time     `json:"finished_at,omitempty"`
	TurnCount       int           `json:"turn_count"`
	CostUSD         float64       `json:"cost_usd"`
	ProposalURL     string        `json:"proposal_url,omitempty"`
	WorkingDir      string        `json:"working_dir,omitempty"`
	Resumable       bool          `json:"resumable"`
	Error           string        `json:"error,omitempty"`
}

// Transition is an immutable append-only record of a state mutation.
type Transition struct {
	IssueID   string    `json:"issue_id"`
	FromState string    `json:"from_state"`
	ToState   string    `json:"to_state"`
	At        time.Time `json:"at"`
	SessionID string    `json:"session_id,omitempty"`
	Reason    string    `json:"reason,omitempty"`
}

// WorkingCopyStatus mirrors the lifecycle of a WorkingCopy registry entry.
type WorkingCopyStatus string

const (
	WorkingCopyActive    WorkingCopyStatus = "active"
	WorkingCopyCompleted WorkingCopyStatus = "completed"
	WorkingCopyFailed    WorkingCopyStatus = "failed"
)

// WorkingCopy is an isolated on-disk checkout owned exclusively by one
// session while active.
type WorkingCopy struct {
	Path      string            `json:"path"`
	Branch    string            `json:"branch"`
	IssueID   string            `json:"issue_id"`
	Project   string            `json:"project"`
	Status    WorkingCopyStatus `json:"status"`
	CreatedAt time.Time         `json:"created_at"`
}

// FeedbackItemType classifies an actionable feedback item (spec section 4.6).
type FeedbackItemType string

const (
	FeedbackCodeChange    FeedbackItemType = "code_change"
	FeedbackBugFix        FeedbackItemType = "bug_fix"
	FeedbackStyle         FeedbackItemType = "style"
	FeedbackTest          FeedbackItemType = "test"
	FeedbackDocumentation FeedbackItemType = "documentation"
	FeedbackPerformance   FeedbackItemType = "performance"
	FeedbackSecurity      FeedbackItemType = "security"
	FeedbackCIFailure     FeedbackItemType = "ci_failure"
)

// FeedbackItem is one actionable unit parsed from reviews, comments or
// failing checks.
type FeedbackItem struct {
	Type      FeedbackItemType `json:"type"`
	Priority  int              `json:"priority"`
	File      string           `json:"file,omitempty"`
	Line      int              `json:"line,omitempty"`
	RawText   string           `json:"raw_text"`
	Author    string           `json:"author"`
	Addressed bool             `json:"addressed"`
}

// BudgetLedgerEntry is one append-only cost record.
type BudgetLedgerEntry struct {
	Day       string    `json:"day"`   // YYYY-MM-DD, local time
	Month     string    `json:"month"` // YYYY-MM, local time
	SessionID string    `json:"session_id"`
	CostUSD   float64   `json:"cost_usd"`
	At        time.Time `json:"at"`
}
