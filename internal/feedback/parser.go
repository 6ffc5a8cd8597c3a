// Package feedback implements the review-driven iteration loop described in
// spec section 4.6: a keyword-taxonomy parser over proposal reviews,
// comments and check-runs, a poll-based monitor, and an HMAC-verified
// webhook receiver, both converting upstream activity into a small set of
// tagged events the caller reacts to.
package feedback

import (
	"strconv"
	"strings"

	"github.com/javimaligno/agentctl/internal/providers"
	"github.com/javimaligno/agentctl/internal/state"
)

// ParserConfig customises bot filtering and which check-run conclusions are
// treated as failing (spec section 9, "Open question": lenient by default).
type ParserConfig struct {
	BotAccounts     []string
	FailingConclusions map[providers.CheckConclusion]bool
}

// DefaultParserConfig maps every conclusion except failure to non-failing,
// preserving the source's documented leniency toward action_required/neutral
// outcomes.
func DefaultParserConfig() ParserConfig {
	return ParserConfig{
		FailingConclusions: map[providers.CheckConclusion]bool{
			providers.CheckFailure: true,
		},
	}
}

func (c ParserConfig) isBot(author string) bool {
	for _, b := range c.BotAccounts {
		if strings.EqualFold(b, author) {
			return true
		}
	}
	return false
}

// keywordTaxonomy maps substrings found in a comment's body, lowercased, to
// the feedback type they signal. Checked in order; first match wins.
var keywordTaxonomy = []struct {
	needle string
	typ    state.FeedbackItemType
}{
	{"security", state.FeedbackSecurity},
	{"vulnerab", state.FeedbackSecurity},
	{"bug", state.FeedbackBugFix},
	{"broken", state.FeedbackBugFix},
	{"doesn't work", state.FeedbackBugFix},
	{"test", state.FeedbackTest},
	{"coverage", state.FeedbackTest},
	{"doc", state.FeedbackDocumentation},
	{"readme", state.FeedbackDocumentation},
	{"perf", state.FeedbackPerformance},
	{"slow", state.FeedbackPerformance},
	{"style", state.FeedbackStyle},
	{"lint", state.FeedbackStyle},
	{"format", state.FeedbackStyle},
}

func classify(body string) state.FeedbackItemType {
	lower := strings.ToLower(body)
	for _, entry := range keywordTaxonomy {
		if strings.Contains(lower, entry.needle) {
			return entry.typ
		}
	}
	return state.FeedbackCodeChange
}

// priority assigns priority 1 to security and CI-failure items, else a
// heuristic based on type (spec section 4.6).
func priority(typ state.FeedbackItemType) int {
	switch typ {
	case state.FeedbackSecurity, state.FeedbackCIFailure:
		return 1
	case state.FeedbackBugFix:
		return 2
	case state.FeedbackTest, state.FeedbackPerformance:
		return 3
	default:
		return 4
	}
}

// Parsed is the parser's output: a flat list plus a derived needsAttention
// flag and a human-readable summary.
type Parsed struct {
	Items          []state.FeedbackItem
	NeedsAttention bool
	Summary        string
}

// Parse classifies every review comment and failing check-run attached to
// proposal into a FeedbackItem, dropping bot-authored items and direct
// replies (spec section 4.6).
func Parse(proposal providers.Proposal, cfg ParserConfig) Parsed {
	var items []state.FeedbackItem

	for _, c := range proposal.Comments {
		if cfg.isBot(c.Author) {
			continue
		}
		if c.InReplyTo != "" {
			continue
		}
		typ := classify(c.Body)
		items = append(items, state.FeedbackItem{
			Type:     typ,
			Priority: priority(typ),
			File:     c.Path,
			Line:     c.Line,
			RawText:  c.Body,
			Author:   c.Author,
		})
	}

	for _, check := range proposal.Checks {
		if !isFailing(check.Conclusion, cfg) {
			continue
		}
		items = append(items, state.FeedbackItem{
			Type:     state.FeedbackCIFailure,
			Priority: priority(state.FeedbackCIFailure),
			RawText:  "check failed: " + check.Name,
			Author:   "ci",
		})
	}

	return Parsed{
		Items:          items,
		NeedsAttention: len(items) > 0,
		Summary:        summarize(items),
	}
}

// isFailing maps an unknown conclusion to non-failing, matching the
// source's "unknown conclusions mapped to skipped, not failure" leniency
// (spec section 9).
func isFailing(conclusion providers.CheckConclusion, cfg ParserConfig) bool {
	failing := cfg.FailingConclusions
	if failing == nil {
		failing = DefaultParserConfig().FailingConclusions
	}
	return failing[conclusion]
}

func summarize(items []state.FeedbackItem) string {
	if len(items) == 0 {
		return "No actionable feedback."
	}
	counts := make(map[state.FeedbackItemType]int)
	for _, item := range items {
		counts[item.Type]++
	}
	var b strings.Builder
	b.WriteString("Feedback: ")
	first := true
	for _, typ := range []state.FeedbackItemType{
		state.FeedbackSecurity, state.FeedbackCIFailure, state.FeedbackBugFix,
		state.FeedbackTest, state.FeedbackPerformance, state.FeedbackStyle,
		state.FeedbackDocumentation, state.FeedbackCodeChange,
	} {
		if n, ok := counts[typ]; ok {
			if !first {
				b.WriteString(", ")
			}
			b.WriteString(strings.ToLower(string(typ)))
			if n > 1 {
				b.WriteString(" x")
				b.WriteString(strconv.Itoa(n))
			}
			first = false
		}
	}
	return b.String()
}

// FeedbackPrompt renders items into the prompt text handed to the agent for
// an iteration.
func FeedbackPrompt(items []state.FeedbackItem) string {
	var b strings.Builder
	b.WriteString("Address the following review feedback:\n\n")
	for _, item := range items {
		b.WriteString("- [")
		b.WriteString(string(item.Type))
		b.WriteString("] ")
		if item.File != "" {
			b.WriteString(item.File)
			if item.Line > 0 {
				b.WriteString(":")
				b.WriteString(strconv.Itoa(item.Line))
			}
			b.WriteString(": ")
		}
		b.WriteString(item.RawText)
		b.WriteString("\n")
	}
	return b.String()
}
