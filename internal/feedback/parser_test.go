package feedback_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/javimaligno/agentctl/internal/feedback"
	"github.com/javimaligno/agentctl/internal/providers"
	"github.com/javimaligno/agentctl/internal/state"
)

func TestParseClassifiesCommentsByKeyword(t *testing.T) {
	proposal := providers.Proposal{
		Comments: []providers.ReviewComment{
			{Author: "reviewer1", Body: "This has a potential security vulnerability in the auth check.", Path: "auth.go", Line: 12},
			{Author: "reviewer2", Body: "This looks broken, the test is failing locally."},
			{Author: "reviewer3", Body: "Please add a README section for this."},
		},
	}

	parsed := feedback.Parse(proposal, feedback.DefaultParserConfig())
	require.Len(t, parsed.Items, 3)
	assert.Equal(t, state.FeedbackSecurity, parsed.Items[0].Type)
	assert.Equal(t, 1, parsed.Items[0].Priority)
	assert.Equal(t, "auth.go", parsed.Items[0].File)
	assert.Equal(t, state.FeedbackBugFix, parsed.Items[1].Type)
	assert.Equal(t, state.FeedbackDocumentation, parsed.Items[2].Type)
	assert.True(t, parsed.NeedsAttention)
}

func TestParseDropsBotAndReplyComments(t *testing.T) {
	cfg := feedback.ParserConfig{BotAccounts: []string{"ci-bot"}}
	proposal := providers.Proposal{
		Comments: []providers.ReviewComment{
			{Author: "ci-bot", Body: "This is broken"},
			{Author: "reviewer1", Body: "broken test", InReplyTo: "12345"},
		},
	}

	parsed := feedback.Parse(proposal, cfg)
	assert.Empty(t, parsed.Items)
	assert.False(t, parsed.NeedsAttention)
}

func TestParseClassifiesFailingChecksAsCIFailure(t *testing.T) {
	proposal := providers.Proposal{
		Checks: []providers.CheckRun{
			{Name: "unit-tests", Conclusion: providers.CheckFailure},
			{Name: "lint", Conclusion: providers.CheckSuccess},
		},
	}

	parsed := feedback.Parse(proposal, feedback.DefaultParserConfig())
	require.Len(t, parsed.Items, 1)
	assert.Equal(t, state.FeedbackCIFailure, parsed.Items[0].Type)
	assert.Equal(t, 1, parsed.Items[0].Priority)
}

func TestParseLenientOnUnknownConclusions(t *testing.T) {
	proposal := providers.Proposal{
		Checks: []providers.CheckRun{
			{Name: "flaky", Conclusion: providers.CheckConclusion("action_required")},
			{Name: "neutral-check", Conclusion: providers.CheckConclusion("neutral")},
		},
	}

	parsed := feedback.Parse(proposal, feedback.DefaultParserConfig())
	assert.Empty(t, parsed.Items)
}

func TestFeedbackPromptRendersFileAndLine(t *testing.T) {
	items := []state.FeedbackItem{
		{Type: state.FeedbackBugFix, File: "main.go", Line: 42, RawText: "off by one"},
		{Type: state.FeedbackStyle, RawText: "use gofmt"},
	}

	prompt := feedback.FeedbackPrompt(items)
	assert.Contains(t, prompt, "main.go:42")
	assert.Contains(t, prompt, "off by one")
	assert.Contains(t, prompt, "use gofmt")
}
