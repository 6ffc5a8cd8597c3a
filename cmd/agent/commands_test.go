package main

import (
	"context"
	"testing"

	"github.com/javimaligno/agentctl/infrastructure/logging"
	infrastate "github.com/javimaligno/agentctl/infrastructure/state"
	"github.com/javimaligno/agentctl/internal/state"
)

func newTestStore(t *testing.T) *state.Store {
	t.Helper()
	logger := logging.New("test", "error", "text")
	backend := infrastate.NewMemoryBackend(0)
	store, err := state.New(context.Background(), backend, logger)
	if err != nil {
		t.Fatalf("state.New: %v", err)
	}
	return store
}

func TestSeedIssueIsIdempotent(t *testing.T) {
	a := &app{store: newTestStore(t)}
	ctx := context.Background()

	first, err := a.seedIssue(ctx, "github.com/acme/app#1", "acme/app", 1, "title one", "body one")
	if err != nil {
		t.Fatalf("seedIssue: %v", err)
	}
	if first.Title != "title one" {
		t.Errorf("Title = %q, want %q", first.Title, "title one")
	}

	second, err := a.seedIssue(ctx, "github.com/acme/app#1", "acme/app", 1, "title two", "body two")
	if err != nil {
		t.Fatalf("seedIssue (second call): %v", err)
	}
	if second.Title != "title one" {
		t.Errorf("seedIssue overwrote an already-tracked issue: Title = %q, want %q", second.Title, "title one")
	}
}

func TestSanitizeForFilename(t *testing.T) {
	cases := map[string]string{
		"github.com/acme/app#42": "github-com-acme-app-42",
		"plain":                  "plain",
		"a b/c:d":                "a-b-c-d",
	}
	for in, want := range cases {
		if got := sanitizeForFilename(in); got != want {
			t.Errorf("sanitizeForFilename(%q) = %q, want %q", in, got, want)
		}
	}
}
