// Package budget implements the admission gates described in spec section
// 4.8: a cost gate over the daily/monthly BudgetLedger totals and a
// publish-rate gate over today's proposal counts, both backed by the state
// store's read-side queries.
package budget

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/javimaligno/agentctl/infrastructure/ratelimit"
	"github.com/javimaligno/agentctl/internal/agenterrors"
)

// CostLedger is the subset of the state store the cost gate reads.
type CostLedger interface {
	TodayCost(ctx context.Context) (float64, error)
	MonthCost(ctx context.Context) (float64, error)
}

// RateLedger is the subset of the state store the rate gate reads.
type RateLedger interface {
	TodayProposalCounts(ctx context.Context) (map[string]int, error)
}

// Limits bounds daily/monthly cost and daily proposal counts.
type Limits struct {
	DailyBudgetUSD            float64
	MonthlyBudgetUSD          float64
	MaxProposalsPerDay        int
	MaxProposalsPerProjectDay int
}

// Gate composes the cost and rate gates behind the single admission check
// the execution engine calls at stage 1 (spec section 4.2, "Admission").
type Gate struct {
	cost   CostLedger
	rate   RateLedger
	limits Limits

	burstMu  sync.Mutex
	burstCfg ratelimit.RateLimitConfig
	burst    map[string]*ratelimit.RateLimiter
}

func New(cost CostLedger, rate RateLedger, limits Limits) *Gate {
	perDay := limits.MaxProposalsPerProjectDay
	if perDay <= 0 {
		perDay = limits.MaxProposalsPerDay
	}
	if perDay <= 0 {
		perDay = 100
	}
	perSecond := float64(perDay) / 86400
	return &Gate{
		cost:   cost,
		rate:   rate,
		limits: limits,
		burstCfg: ratelimit.RateLimitConfig{
			RequestsPerSecond: perSecond,
			Burst:             3,
		},
		burst: make(map[string]*ratelimit.RateLimiter),
	}
}

// burstLimiterFor returns the short-window token bucket for project,
// distinct from the day-boundary counters CheckRate otherwise enforces:
// this one catches many proposals published in a tight window even while
// under the daily cap.
func (g *Gate) burstLimiterFor(project string) *ratelimit.RateLimiter {
	g.burstMu.Lock()
	defer g.burstMu.Unlock()
	rl, ok := g.burst[project]
	if !ok {
		rl = ratelimit.New(g.burstCfg)
		g.burst[project] = rl
	}
	return rl
}

// CheckBudget refuses with BudgetExceeded if adding estimatedCost to today's
// or this month's spend would cross either limit. Comparisons use unrounded
// values (spec section 4.2, "Tie-breaks / numeric semantics").
func (g *Gate) CheckBudget(ctx context.Context, estimatedCost float64) error {
	today, err := g.cost.TodayCost(ctx)
	if err != nil {
		return agenterrors.Wrap(agenterrors.Storage, "read today cost", err)
	}
	if g.limits.DailyBudgetUSD > 0 && today+estimatedCost > g.limits.DailyBudgetUSD {
		return agenterrors.BudgetExceededError("Estimated cost would exceed daily limit")
	}

	month, err := g.cost.MonthCost(ctx)
	if err != nil {
		return agenterrors.Wrap(agenterrors.Storage, "read month cost", err)
	}
	if g.limits.MonthlyBudgetUSD > 0 && month+estimatedCost > g.limits.MonthlyBudgetUSD {
		return agenterrors.BudgetExceededError("Estimated cost would exceed monthly limit")
	}
	return nil
}

// CheckRate refuses with RateLimited if project's short-window burst limiter
// has no token left, with a next-available time one second ahead. Otherwise
// it refuses with RateLimited if today's publish count for the process
// overall or for project is at or past its cap, with the next local midnight
// as the next-available time.
func (g *Gate) CheckRate(ctx context.Context, project string) error {
	if !g.burstLimiterFor(project).Allow() {
		return agenterrors.RateLimitedError(fmt.Sprintf("publish burst limit reached for project %s", project), time.Now().Add(time.Second))
	}

	counts, err := g.rate.TodayProposalCounts(ctx)
	if err != nil {
		return agenterrors.Wrap(agenterrors.Storage, "read today proposal counts", err)
	}

	total := 0
	for _, c := range counts {
		total += c
	}
	if g.limits.MaxProposalsPerDay > 0 && total >= g.limits.MaxProposalsPerDay {
		return agenterrors.RateLimitedError("daily proposal limit reached", nextLocalMidnight())
	}
	if g.limits.MaxProposalsPerProjectDay > 0 && counts[project] >= g.limits.MaxProposalsPerProjectDay {
		return agenterrors.RateLimitedError(fmt.Sprintf("daily proposal limit reached for project %s", project), nextLocalMidnight())
	}
	return nil
}

// Check runs both gates, budget first, matching the engine's admission
// ordering (spec section 4.2, stage 1).
func (g *Gate) Check(ctx context.Context, project string, estimatedCost float64) error {
	if err := g.CheckBudget(ctx, estimatedCost); err != nil {
		return err
	}
	return g.CheckRate(ctx, project)
}

func nextLocalMidnight() time.Time {
	now := time.Now()
	y, m, d := now.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, now.Location()).AddDate(0, 0, 1)
}
