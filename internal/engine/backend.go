// Package engine adapts the host's declarative rule engine.
//
// A Backend models the host API surface (get the dynamic rule set, apply an
// atomic add/remove update). The Adapter sits on top and speaks in persisted
// records: it strips bookkeeping, enforces the rule limit and turns host
// failures into the rule error kinds.
package engine

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"sort"

	"grimm.is/paramstrip/internal/rules"
)

// UpdateOptions is one atomic change to the dynamic rule set. Removals are
// applied before additions.
type UpdateOptions struct {
	AddRules      []rules.Rule `json:"addRules,omitempty"`
	RemoveRuleIDs []int        `json:"removeRuleIds,omitempty"`
}

// Backend is the host rule engine.
type Backend interface {
	GetDynamicRules(ctx context.Context) ([]rules.Rule, error)
	UpdateDynamicRules(ctx context.Context, opts UpdateOptions) error
	MaxRules() int
}

// RuleError is a host rejection of one rule.
type RuleError struct {
	RuleID int
	Reason string
}

func (e *RuleError) Error() string {
	return fmt.Sprintf("%v: rule %d: %s", rules.ErrEngineRejected, e.RuleID, e.Reason)
}

func (e *RuleError) Is(target error) bool { return target == rules.ErrEngineRejected }

// applyUpdate computes the rule set after opts, validating the result the
// way the host engine does. current is not modified.
func applyUpdate(current []rules.Rule, opts UpdateOptions, max int) ([]rules.Rule, error) {
	next := make([]rules.Rule, 0, len(current)+len(opts.AddRules))
	for _, r := range current {
		if !slices.Contains(opts.RemoveRuleIDs, r.ID) {
			next = append(next, r)
		}
	}

	seen := make(map[int]bool, len(next))
	for _, r := range next {
		seen[r.ID] = true
	}
	for _, r := range opts.AddRules {
		if err := validateRule(r); err != nil {
			return nil, err
		}
		if seen[r.ID] {
			return nil, &RuleError{RuleID: r.ID, Reason: "rule with this id already exists"}
		}
		seen[r.ID] = true
		next = append(next, r.Clone())
	}

	if len(next) > max {
		return nil, fmt.Errorf("%w: %d rules exceeds limit of %d", rules.ErrMaxRulesExceeded, len(next), max)
	}

	sort.Slice(next, func(i, j int) bool { return next[i].ID < next[j].ID })
	return next, nil
}

func validateRule(r rules.Rule) error {
	if r.ID < 1 {
		return &RuleError{RuleID: r.ID, Reason: "id must be a positive integer"}
	}
	if r.Condition.RegexFilter != "" {
		if _, err := regexp.Compile(r.Condition.RegexFilter); err != nil {
			return &RuleError{RuleID: r.ID, Reason: "invalid regexFilter: " + err.Error()}
		}
	}
	for _, d := range append(slices.Clone(r.Condition.RequestDomains), r.Condition.ExcludedRequestDomains...) {
		if d == "" {
			return &RuleError{RuleID: r.ID, Reason: "empty domain in condition"}
		}
	}

	switch r.Action.Type {
	case rules.ActionRedirect:
		if len(r.RemoveParams()) == 0 {
			return &RuleError{RuleID: r.ID, Reason: "redirect action needs a query transform"}
		}
	case rules.ActionAllow:
		if r.Action.Redirect != nil {
			return &RuleError{RuleID: r.ID, Reason: "allow action cannot carry a redirect"}
		}
	default:
		return &RuleError{RuleID: r.ID, Reason: fmt.Sprintf("unsupported action type %q", r.Action.Type)}
	}
	return nil
}

// isRejection reports whether err is a rule-level refusal rather than a host
// failure.
func isRejection(err error) bool {
	return errors.Is(err, rules.ErrEngineRejected) || errors.Is(err, rules.ErrMaxRulesExceeded)
}
