package failure

import (
	"math"
	"time"
)

// Strategy selects how the retry delay grows with the retry count.
type Strategy string

const (
	StrategyExponential Strategy = "exponential"
	StrategyLinear      Strategy = "linear"
	StrategyFixed       Strategy = "fixed"
)

// Policy is the retry schedule for one category. MaxRetries of zero defers
// to the task's own limit.
type Policy struct {
	Strategy   Strategy
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	MaxRetries int
}

// DefaultPolicy applies to categories without an explicit policy.
var DefaultPolicy = Policy{
	Strategy:   StrategyExponential,
	BaseDelay:  10 * time.Second,
	MaxDelay:   300 * time.Second,
	MaxRetries: 3,
}

// DefaultPolicies returns the built-in per-category schedules.
func DefaultPolicies() map[Category]Policy {
	return map[Category]Policy{
		CategoryNetwork:        {Strategy: StrategyExponential, BaseDelay: 5 * time.Second, MaxDelay: 300 * time.Second, MaxRetries: 5},
		CategoryDatabase:       {Strategy: StrategyExponential, BaseDelay: 2 * time.Second, MaxDelay: 60 * time.Second, MaxRetries: 5},
		CategoryRateLimit:      {Strategy: StrategyLinear, BaseDelay: 60 * time.Second, MaxDelay: 900 * time.Second, MaxRetries: 10},
		CategoryAuthentication: {Strategy: StrategyFixed, BaseDelay: 30 * time.Second, MaxRetries: 2},
		CategorySystem:         {Strategy: StrategyExponential, BaseDelay: 30 * time.Second, MaxDelay: 600 * time.Second, MaxRetries: 3},
	}
}

// Plan is the retry decision for one failed attempt.
type Plan struct {
	ShouldRetry bool
	Delay       time.Duration
	NextRetryAt time.Time
	// Reason explains a negative decision.
	Reason string
}

// Planner turns classifications into retry plans.
type Planner struct {
	policies map[Category]Policy
	fallback Policy
}

// PlannerOption customises a Planner.
type PlannerOption func(*Planner)

// WithPolicy overrides the schedule for one category.
func WithPolicy(c Category, p Policy) PlannerOption {
	return func(pl *Planner) { pl.policies[c] = p }
}

// WithFallbackPolicy overrides DefaultPolicy.
func WithFallbackPolicy(p Policy) PlannerOption {
	return func(pl *Planner) { pl.fallback = p }
}

// NewPlanner creates a Planner seeded with DefaultPolicies.
func NewPlanner(opts ...PlannerOption) *Planner {
	p := &Planner{
		policies: DefaultPolicies(),
		fallback: DefaultPolicy,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Policy returns the schedule used for category c.
func (p *Planner) Policy(c Category) Policy {
	if pol, ok := p.policies[c]; ok {
		return pol
	}
	return p.fallback
}

// Limit is the effective retry budget: the task's maxRetries, lowered to the
// category's MaxRetries when that is set and smaller.
func (p *Planner) Limit(c Category, maxRetries int) int {
	pol := p.Policy(c)
	if pol.MaxRetries > 0 && pol.MaxRetries < maxRetries {
		return pol.MaxRetries
	}
	return maxRetries
}

// Plan decides whether a task that has already failed retryCount times, and
// has just failed again with c, runs again. The failure being planned counts
// against the budget, so a task with maxRetries=2 is given up on when its
// second failure arrives.
func (p *Planner) Plan(c Classification, retryCount, maxRetries int, now time.Time) Plan {
	if !c.Recoverable {
		return Plan{Reason: "non-recoverable " + string(c.Category) + " error"}
	}

	limit := p.Limit(c.Category, maxRetries)
	if retryCount+1 >= limit {
		return Plan{Reason: "retry budget exhausted"}
	}

	delay := p.Delay(c.Category, retryCount)
	return Plan{
		ShouldRetry: true,
		Delay:       delay,
		NextRetryAt: now.Add(delay),
	}
}

// Delay computes the backoff before retry number retryCount+1.
func (p *Planner) Delay(c Category, retryCount int) time.Duration {
	return p.Policy(c).delay(retryCount)
}

func (pol Policy) delay(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}

	var d time.Duration
	switch pol.Strategy {
	case StrategyFixed:
		return pol.BaseDelay
	case StrategyLinear:
		d = pol.BaseDelay * time.Duration(retryCount+1)
	default:
		f := float64(pol.BaseDelay) * math.Pow(2, float64(retryCount))
		if f >= float64(math.MaxInt64) {
			d = time.Duration(math.MaxInt64)
		} else {
			d = time.Duration(f)
		}
	}

	if pol.MaxDelay > 0 && d > pol.MaxDelay {
		return pol.MaxDelay
	}
	return d
}
