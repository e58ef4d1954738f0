package quota

import (
	"context"
	"fmt"
	"regexp"

	"github.com/fleetmeter/fleetmeter-engine/internal/ledger"
)

// RuleAction selects how a refresh rule changes matched balances.
type RuleAction string

const (
	ActionAdd RuleAction = "add"
	ActionSet RuleAction = "set"
)

// RuleTargets narrows which ledger rows a refresh rule applies to. All
// configured filters must match (logical AND). Unlimited users are excluded
// unless IncludeUnlimited is set.
type RuleTargets struct {
	IncludeUnlimited bool     `json:"includeUnlimited" yaml:"includeUnlimited"`
	BalanceBelow     *int     `json:"balanceBelow,omitempty" yaml:"balanceBelow"`
	BalanceAbove     *int     `json:"balanceAbove,omitempty" yaml:"balanceAbove"`
	IncludeUsers     []string `json:"includeUsers,omitempty" yaml:"includeUsers"`
	ExcludeUsers     []string `json:"excludeUsers,omitempty" yaml:"excludeUsers"`
	UsernamePattern  string   `json:"usernamePattern,omitempty" yaml:"usernamePattern"`
}

// RefreshRule is one targeting+adjustment batch applied across the ledger.
// Rules are owned by the external scheduler; the engine only executes them.
type RefreshRule struct {
	Name       string      `json:"rule_name,omitempty" yaml:"name"`
	Action     RuleAction  `json:"action" yaml:"action"`
	Amount     int         `json:"amount" yaml:"amount"`
	MaxBalance *int        `json:"max_balance,omitempty" yaml:"max_balance"`
	MinBalance *int        `json:"min_balance,omitempty" yaml:"min_balance"`
	Targets    RuleTargets `json:"targets" yaml:"targets"`
}

// RefreshSummary reports one rule application. Per-user mutations are
// independently atomic: one user failing does not roll back the rest.
type RefreshSummary struct {
	RuleName     string `json:"rule_name,omitempty"`
	Action       string `json:"action"`
	UsersUpdated int    `json:"users_updated"`
	TotalChange  int    `json:"total_change"`
	Skipped      int    `json:"skipped"`
	Failed       int    `json:"failed"`
}

// compiledRule is a validated rule ready to evaluate against rows.
type compiledRule struct {
	RefreshRule
	pattern *regexp.Regexp
	include map[string]struct{}
	exclude map[string]struct{}
}

// compile validates the rule and pre-compiles its matchers. Validation
// happens before any row is touched; a malformed rule never partially
// applies.
func (r RefreshRule) compile() (*compiledRule, error) {
	if r.Action != ActionAdd && r.Action != ActionSet {
		return nil, fmt.Errorf("%w: action must be add or set, got %q", ErrInvalidRule, r.Action)
	}
	if r.MinBalance != nil && r.MaxBalance != nil && *r.MinBalance > *r.MaxBalance {
		return nil, fmt.Errorf("%w: min_balance %d exceeds max_balance %d", ErrInvalidRule, *r.MinBalance, *r.MaxBalance)
	}

	c := &compiledRule{RefreshRule: r}
	if p := r.Targets.UsernamePattern; p != "" {
		// Anchor at the start, case-insensitive, matching the semantics the
		// admin console has always relied on.
		re, err := regexp.Compile("(?i)^(?:" + p + ")")
		if err != nil {
			return nil, fmt.Errorf("%w: bad username pattern %q: %v", ErrInvalidRule, p, err)
		}
		c.pattern = re
	}
	if len(r.Targets.IncludeUsers) > 0 {
		c.include = make(map[string]struct{}, len(r.Targets.IncludeUsers))
		for _, u := range r.Targets.IncludeUsers {
			c.include[ledger.NormalizeUsername(u)] = struct{}{}
		}
	}
	if len(r.Targets.ExcludeUsers) > 0 {
		c.exclude = make(map[string]struct{}, len(r.Targets.ExcludeUsers))
		for _, u := range r.Targets.ExcludeUsers {
			c.exclude[ledger.NormalizeUsername(u)] = struct{}{}
		}
	}
	return c, nil
}

func (c *compiledRule) matches(row ledger.Row) bool {
	if row.Unlimited && !c.Targets.IncludeUnlimited {
		return false
	}
	if c.Targets.BalanceBelow != nil && row.Balance >= *c.Targets.BalanceBelow {
		return false
	}
	if c.Targets.BalanceAbove != nil && row.Balance <= *c.Targets.BalanceAbove {
		return false
	}
	if c.include != nil {
		if _, ok := c.include[row.Username]; !ok {
			return false
		}
	}
	if c.exclude != nil {
		if _, ok := c.exclude[row.Username]; ok {
			return false
		}
	}
	if c.pattern != nil && !c.pattern.MatchString(row.Username) {
		return false
	}
	return true
}

// newBalance computes the clamped target balance for a matched row.
func (c *compiledRule) newBalance(current int) int {
	nb := current
	switch c.Action {
	case ActionAdd:
		nb = current + c.Amount
	case ActionSet:
		nb = c.Amount
	}
	return ledger.Clamp(nb, c.MinBalance, c.MaxBalance)
}

// ApplyRule evaluates the rule against every ledger row and applies the
// adjustment to matches through the normal ledger primitives, so each change
// produces a refresh transaction. For add rules the clamp is applied by the
// store against the balance it mutates, not against the listing snapshot, so
// a concurrent top-up can never push the result past max_balance. Rows that
// do not match, or whose clamped new balance equals the current balance,
// count as skipped. A per-user failure is counted and logged, then the batch
// continues; no lock spans the whole user set.
func (e *Engine) ApplyRule(ctx context.Context, rule RefreshRule) (RefreshSummary, error) {
	compiled, err := rule.compile()
	if err != nil {
		return RefreshSummary{}, err
	}

	name := rule.Name
	if name == "" {
		name = "manual"
	}

	rows, err := e.ledger.List(ctx)
	if err != nil {
		return RefreshSummary{}, fmt.Errorf("list ledger rows: %w", err)
	}

	summary := RefreshSummary{RuleName: rule.Name, Action: string(rule.Action)}
	for _, row := range rows {
		if !compiled.matches(row) {
			summary.Skipped++
			continue
		}
		nb := compiled.newBalance(row.Balance)
		if nb == row.Balance {
			summary.Skipped++
			continue
		}

		m := ledger.Mutation{
			Type:        ledger.TypeRefresh,
			Description: fmt.Sprintf("Refresh %s (%s)", name, rule.Action),
		}
		applied := 0
		err := e.withRetry(func() error {
			var applyErr error
			switch rule.Action {
			case ActionAdd:
				applied, _, applyErr = e.ledger.AddClamped(ctx, row.Username, rule.Amount, rule.MinBalance, rule.MaxBalance, m)
			case ActionSet:
				_, applyErr = e.ledger.Set(ctx, row.Username, nb, m)
				applied = nb - row.Balance
			}
			return applyErr
		})
		if err != nil {
			summary.Failed++
			e.logf("[ERROR] QuotaEngine: refresh %q failed for %s: %v", name, row.Username, err)
			continue
		}
		if applied == 0 {
			// The row reached the bound between the listing and the write.
			summary.Skipped++
			continue
		}
		summary.UsersUpdated++
		summary.TotalChange += applied
	}

	e.logf("[INFO] QuotaEngine: refresh %q (%s): %d updated, %d skipped, %d failed, change=%+d",
		name, rule.Action, summary.UsersUpdated, summary.Skipped, summary.Failed, summary.TotalChange)
	return summary, nil
}
