// Package policy implements the Guardian: the decision function that allows,
// rejects, or flags every AI-initiated tool call before it executes.
//
// Two stages feed one Decision. Dynamic rules, supplied per request or
// loaded from a rules file, are evaluated first, sorted by priority; the
// first matching rule wins and a reject short-circuits. Fixed semantic
// validators for business-document tools (empty line items, non-positive
// quantities, price thresholds) run second, compiled from embedded Rego
// policies. The Guardian performs no I/O and has no side effects: it is a
// pure decision function over the supplied state.
package policy

import (
	"fmt"
)

// Action is the outcome class of a policy decision.
type Action string

const (
	ActionAllow               Action = "allow"
	ActionWarn                Action = "warn"
	ActionReject              Action = "reject"
	ActionRequireConfirmation Action = "require_confirmation"
)

// Operator is a rule condition comparison.
type Operator string

const (
	OpLess     Operator = "<"
	OpGreater  Operator = ">"
	OpEqual    Operator = "=="
	OpNotEqual Operator = "!="
	OpContains Operator = "contains"
)

// Condition is the explicit tagged form of a rule condition, parsed once at
// load time. An empty Tool matches every tool; an empty Field makes the rule
// match on tool name alone.
type Condition struct {
	Tool     string      `yaml:"tool,omitempty" json:"tool,omitempty"`
	Field    string      `yaml:"field,omitempty" json:"field,omitempty"`
	Operator Operator    `yaml:"operator,omitempty" json:"operator,omitempty"`
	Value    interface{} `yaml:"value,omitempty" json:"value,omitempty"`
}

// Rule is a user-authored policy rule. Rules are owned by the caller (rule
// store or request payload) and read-only to the Guardian.
type Rule struct {
	ID        string    `yaml:"id" json:"id"`
	Name      string    `yaml:"name" json:"name"`
	Priority  int       `yaml:"priority" json:"priority"` // lower = evaluated first
	Enabled   bool      `yaml:"enabled" json:"enabled"`
	Condition Condition `yaml:"condition" json:"condition"`
	Action    Action    `yaml:"action" json:"action"`
	Message   string    `yaml:"message,omitempty" json:"message,omitempty"`
}

// Validate checks the parts of a rule that must be well-formed before
// evaluation. Called once at load time, not per evaluation.
func (r *Rule) Validate() error {
	switch r.Action {
	case ActionAllow, ActionWarn, ActionReject, ActionRequireConfirmation:
	default:
		return fmt.Errorf("rule %s: unknown action %q", r.ID, r.Action)
	}
	if r.Condition.Field != "" {
		switch r.Condition.Operator {
		case OpLess, OpGreater, OpEqual, OpNotEqual, OpContains:
		default:
			return fmt.Errorf("rule %s: unknown operator %q", r.ID, r.Condition.Operator)
		}
	}
	return nil
}

// Decision is the ephemeral result of a Guardian check.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Action  Action `json:"action"`
	Message string `json:"message,omitempty"`
}

// severity orders actions so a stricter semantic outcome can override a
// softer rule outcome but never the reverse.
func severity(a Action) int {
	switch a {
	case ActionReject:
		return 3
	case ActionRequireConfirmation:
		return 2
	case ActionWarn:
		return 1
	default:
		return 0
	}
}

// merge combines two decisions, keeping the stricter action. Messages of the
// winning decision are preserved; equal severities keep the earlier message.
func merge(a, b Decision) Decision {
	if severity(b.Action) > severity(a.Action) {
		return b
	}
	if a.Message == "" && severity(b.Action) == severity(a.Action) {
		a.Message = b.Message
	}
	return a
}
