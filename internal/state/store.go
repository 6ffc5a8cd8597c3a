package state

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/javimaligno/agentctl/infrastructure/logging"
	"github.com/javimaligno/agentctl/internal/agenterrors"
	infrastate "github.com/javimaligno/agentctl/infrastructure/state"
)

const (
	issueKeyPrefix      = "issue:"
	sessionKeyPrefix    = "session:"
	transitionKeyPrefix = "transition:"
	budgetKeyPrefix     = "budget:"
)

// Store is the durable, single-writer state store described in spec section
// 4.1: all mutating operations serialise through writeMu so that concurrent
// callers observe either the pre- or post-state of a call, never a partial
// one, and so Issue/Session invariants (at most one active session, every
// mutation produces exactly one Transition) hold under concurrency.
//
// In-memory indices are the source of truth for reads; every mutation is
// also written through to the backend so that a process restart can
// rebuild the same indices via Load.
type Store struct {
	backend infrastate.PersistenceBackend
	logger  *logging.Logger

	writeMu sync.Mutex

	mu          sync.RWMutex
	issues      map[string]*Issue
	sessions    map[string]*Session
	transitions map[string][]Transition // keyed by issue id
	budget      []BudgetLedgerEntry
}

// New constructs a Store backed by the given persistence backend, rebuilding
// its in-memory indices from whatever the backend already holds.
func New(ctx context.Context, backend infrastate.PersistenceBackend, logger *logging.Logger) (*Store, error) {
	s := &Store{
		backend:     backend,
		logger:      logger,
		issues:      make(map[string]*Issue),
		sessions:    make(map[string]*Session),
		transitions: make(map[string][]Transition),
	}
	if err := s.load(ctx); err != nil {
		return nil, agenterrors.Wrap(agenterrors.Storage, "load existing state", err)
	}
	return s, nil
}

func (s *Store) load(ctx context.Context) error {
	keys, err := s.backend.List(ctx, "")
	if err != nil {
		return err
	}
	for _, key := range keys {
		data, err := s.backend.Load(ctx, key)
		if err != nil {
			continue
		}
		switch {
		case hasPrefix(key, issueKeyPrefix):
			var issue Issue
			if err := json.Unmarshal(data, &issue); err == nil {
				s.issues[issue.ID] = &issue
			}
		case hasPrefix(key, sessionKeyPrefix):
			var session Session
			if err := json.Unmarshal(data, &session); err == nil {
				s.sessions[session.ID] = &session
			}
		case hasPrefix(key, transitionKeyPrefix):
			var list []Transition
			if err := json.Unmarshal(data, &list); err == nil && len(list) > 0 {
				s.transitions[list[0].IssueID] = list
			}
		case hasPrefix(key, budgetKeyPrefix):
			var entry BudgetLedgerEntry
			if err := json.Unmarshal(data, &entry); err == nil {
				s.budget = append(s.budget, entry)
			}
		}
	}
	return nil
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}

func (s *Store) persist(ctx context.Context, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return agenterrors.Wrap(agenterrors.Storage, "marshal state record", err)
	}
	if err := s.backend.Save(ctx, key, data); err != nil {
		return agenterrors.Wrap(agenterrors.Storage, "persist state record", err)
	}
	return nil
}

// SaveIssue inserts or replaces an issue record.
func (s *Store) SaveIssue(ctx context.Context, issue *Issue) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if issue.CreatedAt.IsZero() {
		issue.CreatedAt = time.Now()
	}
	issue.UpdatedAt = time.Now()

	if err := s.persist(ctx, issueKeyPrefix+issue.ID, issue); err != nil {
		return err
	}

	s.mu.Lock()
	cp := *issue
	s.issues[issue.ID] = &cp
	s.mu.Unlock()
	return nil
}

// GetIssue returns the issue by id, which is the host-qualified path plus
// number used as the primary key throughout this package.
func (s *Store) GetIssue(ctx context.Context, id string) (*Issue, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	issue, ok := s.issues[id]
	if !ok {
		return nil, agenterrors.NotFoundError("issue", id)
	}
	cp := *issue
	return &cp, nil
}

// ListByState returns every issue currently in the given state.
func (s *Store) ListByState(ctx context.Context, state IssueState) ([]*Issue, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Issue
	for _, issue := range s.issues {
		if issue.State == state {
			cp := *issue
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// FindByProposalURL returns the issue whose ProposalURL matches url, used by
// the iterate command surface to resolve an issue from a proposal link
// alone. Fails with NotFound if no tracked issue carries that proposal.
func (s *Store) FindByProposalURL(ctx context.Context, url string) (*Issue, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, issue := range s.issues {
		if issue.ProposalURL == url {
			cp := *issue
			return &cp, nil
		}
	}
	return nil, agenterrors.NotFoundError("issue with proposal", url)
}

// TransitionIssue moves an issue to a new state, recording exactly one
// Transition, and fails with InvalidTransition if (from, to) is not in the
// allowed-transitions table.
func (s *Store) TransitionIssue(ctx context.Context, id string, to IssueState, reason, sessionID string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.RLock()
	issue, ok := s.issues[id]
	s.mu.RUnlock()
	if !ok {
		return agenterrors.NotFoundError("issue", id)
	}

	from := issue.State
	if !IssueTransitionAllowed(from, to) {
		return agenterrors.InvalidTransitionError(string(from), string(to))
	}

	transition := Transition{
		IssueID:   id,
		FromState: string(from),
		ToState:   string(to),
		At:        time.Now(),
		SessionID: sessionID,
		Reason:    reason,
	}

	s.mu.Lock()
	issue.State = to
	issue.UpdatedAt = transition.At
	s.transitions[id] = append(s.transitions[id], transition)
	updatedIssue := *issue
	list := append([]Transition(nil), s.transitions[id]...)
	s.mu.Unlock()

	if err := s.persist(ctx, issueKeyPrefix+id, &updatedIssue); err != nil {
		return err
	}
	return s.persist(ctx, transitionKeyPrefix+id, list)
}

// CreateSession creates a new active session for an issue, enforcing that at
// most one active session exists per issue at any moment (spec invariant 3).
func (s *Store) CreateSession(ctx context.Context, issueID, provider, model string) (*Session, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.RLock()
	for _, existing := range s.sessions {
		if existing.IssueID == issueID && existing.Status == SessionActive {
			s.mu.RUnlock()
			return nil, agenterrors.New(agenterrors.InvalidTransition, fmt.Sprintf("issue %s already has an active session", issueID))
		}
	}
	s.mu.RUnlock()

	now := time.Now()
	session := &Session{
		ID:             uuid.NewString(),
		IssueID:        issueID,
		Status:         SessionActive,
		Provider:       provider,
		Model:          model,
		StartedAt:      now,
		LastActivityAt: now,
		Resumable:      true,
	}

	if err := s.persist(ctx, sessionKeyPrefix+session.ID, session); err != nil {
		return nil, err
	}

	s.mu.Lock()
	cp := *session
	s.sessions[session.ID] = &cp
	s.mu.Unlock()
	return session, nil
}

// TransitionSession moves a session to a new status.
func (s *Store) TransitionSession(ctx context.Context, sessionID string, to SessionStatus, errMsg string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.RLock()
	session, ok := s.sessions[sessionID]
	s.mu.RUnlock()
	if !ok {
		return agenterrors.NotFoundError("session", sessionID)
	}

	from := session.Status
	if !SessionTransitionAllowed(from, to) {
		return agenterrors.InvalidTransitionError(string(from), string(to))
	}

	s.mu.Lock()
	session.Status = to
	session.Error = errMsg
	if to.Terminal() {
		session.FinishedAt = time.Now()
	}
	cp := *session
	s.mu.Unlock()

	return s.persist(ctx, sessionKeyPrefix+sessionID, &cp)
}

// UpdateSessionMetrics adds a cost delta (monotonically, per spec invariant
// 2) and turn increment to a session, and records a corresponding
// BudgetLedger row before returning, so that subsequent admission checks see
// in-flight spend immediately (spec section 4.2, "cost accounting").
func (s *Store) UpdateSessionMetrics(ctx context.Context, sessionID string, costDelta float64, turnIncrement int) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.RLock()
	session, ok := s.sessions[sessionID]
	s.mu.RUnlock()
	if !ok {
		return agenterrors.NotFoundError("session", sessionID)
	}
	if costDelta < 0 {
		return agenterrors.New(agenterrors.Unknown, "cost delta must not be negative")
	}

	now := time.Now()
	s.mu.Lock()
	session.CostUSD += costDelta
	session.TurnCount += turnIncrement
	session.LastActivityAt = now
	cp := *session
	entry := BudgetLedgerEntry{
		Day:       now.Format("2006-01-02"),
		Month:     now.Format("2006-01"),
		SessionID: sessionID,
		CostUSD:   costDelta,
		At:        now,
	}
	s.budget = append(s.budget, entry)
	s.mu.Unlock()

	if err := s.persist(ctx, sessionKeyPrefix+sessionID, &cp); err != nil {
		return err
	}
	return s.persist(ctx, fmt.Sprintf("%s%s:%d", budgetKeyPrefix, sessionID, len(s.budget)), &entry)
}

// GetSession returns the session by id.
func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[id]
	if !ok {
		return nil, agenterrors.NotFoundError("session", id)
	}
	cp := *session
	return &cp, nil
}

// SetSessionProposal records the proposal URL a session's run produced.
func (s *Store) SetSessionProposal(ctx context.Context, sessionID, proposalURL string) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	session, ok := s.sessions[sessionID]
	if !ok {
		s.mu.Unlock()
		return agenterrors.NotFoundError("session", sessionID)
	}
	session.ProposalURL = proposalURL
	cp := *session
	s.mu.Unlock()

	return s.persist(ctx, sessionKeyPrefix+sessionID, &cp)
}

// ActiveSessions returns every session currently active.
func (s *Store) ActiveSessions(ctx context.Context) ([]*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Session
	for _, session := range s.sessions {
		if session.Status == SessionActive {
			cp := *session
			out = append(out, &cp)
		}
	}
	return out, nil
}

// TodayCost sums BudgetLedger entries for the current local day.
func (s *Store) TodayCost(ctx context.Context) (float64, error) {
	today := time.Now().Format("2006-01-02")
	s.mu.RLock()
	defer s.mu.RUnlock()
	var total float64
	for _, entry := range s.budget {
		if entry.Day == today {
			total += entry.CostUSD
		}
	}
	return total, nil
}

// MonthCost sums BudgetLedger entries for the current local month.
func (s *Store) MonthCost(ctx context.Context) (float64, error) {
	month := time.Now().Format("2006-01")
	s.mu.RLock()
	defer s.mu.RUnlock()
	var total float64
	for _, entry := range s.budget {
		if entry.Month == month {
			total += entry.CostUSD
		}
	}
	return total, nil
}

// TodayProposalCounts returns, per project (keyed exactly as returned by the
// host per spec section 9's open question — no case folding), how many
// issues transitioned in_progress -> pr_created today.
func (s *Store) TodayProposalCounts(ctx context.Context) (map[string]int, error) {
	today := time.Now().Format("2006-01-02")
	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[string]int)
	for issueID, list := range s.transitions {
		issue, ok := s.issues[issueID]
		if !ok {
			continue
		}
		for _, t := range list {
			if t.FromState == string(InProgress) && t.ToState == string(PRCreated) && t.At.Format("2006-01-02") == today {
				counts[issue.Project]++
			}
		}
	}
	return counts, nil
}

// ListTransitions returns the total, monotonic transition history for an
// issue in the order they were recorded.
func (s *Store) ListTransitions(ctx context.Context, issueID string) ([]Transition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.transitions[issueID]
	out := make([]Transition, len(list))
	copy(out, list)
	return out, nil
}

// Close releases the underlying backend.
func (s *Store) Close(ctx context.Context) error {
	return s.backend.Close(ctx)
}
