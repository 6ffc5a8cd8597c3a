package resilience

import "sync"

// Registry is the process-wide map from operation label (e.g. "ai-provider",
// "github-api", "git-operations") to its circuit breaker, so that every
// caller attempting the same class of I/O shares one breaker (spec section
// 4.5).
type Registry struct {
	mu       sync.Mutex
	breakers map[string]*TrackedBreaker
	cfgFor   func(label string) Config
}

// NewRegistry builds a registry that lazily constructs a breaker for each
// new label using cfgFor, or DefaultConfig() if cfgFor is nil.
func NewRegistry(cfgFor func(label string) Config) *Registry {
	return &Registry{
		breakers: make(map[string]*TrackedBreaker),
		cfgFor:   cfgFor,
	}
}

// Get returns the breaker for label, creating it on first use.
func (r *Registry) Get(label string) *TrackedBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[label]; ok {
		return cb
	}

	cfg := DefaultConfig()
	if r.cfgFor != nil {
		cfg = r.cfgFor(label)
	}
	cb := NewTrackedBreaker(label, cfg)
	r.breakers[label] = cb
	return cb
}

// Labels returns every operation label currently registered.
func (r *Registry) Labels() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	labels := make([]string, 0, len(r.breakers))
	for label := range r.breakers {
		labels = append(labels, label)
	}
	return labels
}
