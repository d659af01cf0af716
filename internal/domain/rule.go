package domain

import "time"

// GlobalTenantID owns rules that apply to every tenant.
const GlobalTenantID = "*"

// RuleType groups rules by the kind of signal they inspect.
type RuleType string

const (
	RuleTypeVelocity   RuleType = "velocity"
	RuleTypeAmount     RuleType = "amount"
	RuleTypePattern    RuleType = "pattern"
	RuleTypeGeographic RuleType = "geographic"
	RuleTypeCustom     RuleType = "custom"
)

// Valid reports whether t is a known rule type.
func (t RuleType) Valid() bool {
	switch t {
	case RuleTypeVelocity, RuleTypeAmount, RuleTypePattern, RuleTypeGeographic, RuleTypeCustom:
		return true
	}
	return false
}

// RuleAction is the hint a triggered rule attaches to the evaluation.
type RuleAction string

const (
	RuleActionNone  RuleAction = "none"
	RuleActionFlag  RuleAction = "flag"
	RuleActionBlock RuleAction = "block"
)

// Operator compares a feature with a condition value.
type Operator string

const (
	OpGreater      Operator = "gt"
	OpGreaterEqual Operator = "gte"
	OpLess         Operator = "lt"
	OpLessEqual    Operator = "lte"
	OpEqual        Operator = "eq"
	OpNotEqual     Operator = "neq"
)

// Condition is one declarative predicate of a rule.
type Condition struct {
	Feature  string   `json:"feature"`
	Operator Operator `json:"operator"`
	Value    any      `json:"value"`
}

// Rule is an operator-configured fraud rule.
// A rule matches when all of its conditions hold. Custom rules may instead
// carry a CEL expression over the feature schema.
type Rule struct {
	ID          string `json:"id"`
	TenantID    string `json:"tenantId"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`

	Type     RuleType `json:"type"`
	Priority int      `json:"priority"`
	Active   bool     `json:"active"`

	Conditions []Condition `json:"conditions,omitempty"`
	Expression string      `json:"expression,omitempty"`

	// Score is the contribution to the rule component when triggered.
	Score  float64    `json:"score"`
	Action RuleAction `json:"action"`

	TriggerCount int64     `json:"triggerCount"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// TriggeredRule records a matching rule.
type TriggeredRule struct {
	RuleID   string     `json:"ruleId"`
	RuleName string     `json:"ruleName"`
	RuleType RuleType   `json:"ruleType"`
	Score    float64    `json:"score"`
	Action   RuleAction `json:"action"`
}

// SkippedRule records a rule that did not match.
type SkippedRule struct {
	RuleID   string `json:"ruleId"`
	RuleName string `json:"ruleName"`
	Reason   string `json:"reason,omitempty"`
}

// RuleEvaluation is the output of evaluating all active rules.
type RuleEvaluation struct {
	Triggered    []TriggeredRule `json:"triggered"`
	NotTriggered []SkippedRule   `json:"notTriggered"`
	RulesChecked int             `json:"rulesChecked"`
}

// TriggeredIDs returns the ids of triggered rules in evaluation order.
func (e *RuleEvaluation) TriggeredIDs() []string {
	if e == nil {
		return nil
	}
	ids := make([]string, len(e.Triggered))
	for i, t := range e.Triggered {
		ids[i] = t.RuleID
	}
	return ids
}

// HasAction reports whether any triggered rule carries the action hint.
func (e *RuleEvaluation) HasAction(a RuleAction) bool {
	if e == nil {
		return false
	}
	for _, t := range e.Triggered {
		if t.Action == a {
			return true
		}
	}
	return false
}
