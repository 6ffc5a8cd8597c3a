package resilience

import (
	"context"
	"sync"
	"time"
)

// TrackedBreaker wraps a CircuitBreaker and records when it last opened, so
// callers can report a reopen time alongside CircuitOpen failures (spec
// section 7: "CircuitOpen ... carries reopen time").
type TrackedBreaker struct {
	label   string
	timeout time.Duration
	cb      *CircuitBreaker

	mu       sync.Mutex
	openedAt time.Time
}

// NewTrackedBreaker builds a breaker for label, chaining any caller-supplied
// OnStateChange alongside the internal bookkeeping.
func NewTrackedBreaker(label string, cfg Config) *TrackedBreaker {
	tb := &TrackedBreaker{label: label, timeout: cfg.Timeout}

	userHook := cfg.OnStateChange
	cfg.OnStateChange = func(from, to State) {
		if to == StateOpen {
			tb.mu.Lock()
			tb.openedAt = time.Now()
			tb.mu.Unlock()
		}
		if userHook != nil {
			userHook(from, to)
		}
	}

	tb.cb = New(cfg)
	return tb
}

// Label returns the operation label this breaker is registered under.
func (t *TrackedBreaker) Label() string { return t.label }

// State returns the current breaker state.
func (t *TrackedBreaker) State() State { return t.cb.State() }

// ReopenAt returns the time at which an open breaker will allow a half-open
// probe. Meaningless (zero value) while the breaker is not open.
func (t *TrackedBreaker) ReopenAt() time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.openedAt.IsZero() {
		return time.Time{}
	}
	return t.openedAt.Add(t.timeout)
}

// Execute runs fn under the breaker, translating gobreaker's sentinel errors
// into ErrCircuitOpen as CircuitBreaker.Execute already does.
func (t *TrackedBreaker) Execute(ctx context.Context, fn func() error) error {
	return t.cb.Execute(ctx, fn)
}
