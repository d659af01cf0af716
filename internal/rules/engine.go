// Package rules provides the CEL-Go based rule evaluation engine.
package rules

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
)

// Skip reasons reported for rules that did not trigger.
const (
	ReasonNotMatched = "conditions not met"
	ReasonEvalError  = "evaluation error"
)

// Engine is the CEL-based rule evaluation engine.
type Engine struct {
	mu       sync.RWMutex
	env      *cel.Env
	rules    []*CompiledRule
	recorder domain.TriggerRecorder
	counting domain.TriggerCounting
}

// CompiledRule holds a pre-compiled CEL program.
type CompiledRule struct {
	Rule       *domain.Rule
	Expression string
	Program    cel.Program
}

// NewEngine creates an engine whose environment declares every feature
// in the schema. recorder may be nil, in which case triggers are not
// persisted.
func NewEngine(recorder domain.TriggerRecorder, policy domain.Policy) (*Engine, error) {
	names := make([]string, 0, len(domain.FeatureSchema))
	for name := range domain.FeatureSchema {
		names = append(names, name)
	}
	sort.Strings(names)

	opts := make([]cel.EnvOption, 0, len(names))
	for _, name := range names {
		opts = append(opts, cel.Variable(name, celType(domain.FeatureSchema[name])))
	}

	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	counting := policy.TriggerCounting
	if counting == "" {
		counting = domain.CountDedupe
	}

	return &Engine{
		env:      env,
		recorder: recorder,
		counting: counting,
	}, nil
}

func celType(kind domain.FeatureKind) *cel.Type {
	switch kind {
	case domain.KindBool:
		return cel.BoolType
	case domain.KindString:
		return cel.StringType
	}
	return cel.DoubleType
}

// ValidateRule checks a rule and compiles it without touching the loaded
// set.
func (e *Engine) ValidateRule(rule *domain.Rule) error {
	if rule == nil {
		return fmt.Errorf("%w: rule is required", domain.ErrInvalidInput)
	}
	_, err := e.compileRule(rule)
	return err
}

// LoadRules replaces the loaded set with the active rules given. Rules
// keep their input order among equal priorities. On error the previous
// set stays loaded.
func (e *Engine) LoadRules(rules []*domain.Rule) error {
	compiled := make([]*CompiledRule, 0, len(rules))
	for _, r := range rules {
		if !r.Active {
			continue
		}
		c, err := e.compileRule(r)
		if err != nil {
			return err
		}
		compiled = append(compiled, c)
	}

	sort.SliceStable(compiled, func(i, j int) bool {
		return compiled[i].Rule.Priority > compiled[j].Rule.Priority
	})

	e.mu.Lock()
	e.rules = compiled
	e.mu.Unlock()

	metrics.ActiveRules.Set(float64(len(compiled)))
	return nil
}

// ReloadRules reloads the active global rules from the store.
func (e *Engine) ReloadRules(ctx context.Context, store domain.RuleStore) error {
	rules, err := store.ListRules(ctx, domain.GlobalTenantID, true)
	if err != nil {
		return fmt.Errorf("list rules: %w", err)
	}
	if err := e.LoadRules(rules); err != nil {
		return err
	}
	slog.Info("rules loaded", "count", len(rules))
	return nil
}

// Rules returns the loaded rules in evaluation order.
func (e *Engine) Rules() []*domain.Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]*domain.Rule, len(e.rules))
	for i, c := range e.rules {
		r := *c.Rule
		out[i] = &r
	}
	return out
}

// RulesCount returns the number of loaded rules.
func (e *Engine) RulesCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.rules)
}

// Evaluate runs every loaded rule against features, in priority order.
// A rule that fails to evaluate, for example because a feature it reads
// is absent, does not trigger. Triggers are recorded against orderID.
func (e *Engine) Evaluate(ctx context.Context, tenantID, orderID string, features domain.FeatureSet) (*domain.RuleEvaluation, error) {
	e.mu.RLock()
	rules := e.rules
	e.mu.RUnlock()

	activation := make(map[string]any, len(features))
	for name, v := range features {
		if _, ok := domain.FeatureSchema[name]; ok {
			activation[name] = v
		}
	}

	result := &domain.RuleEvaluation{
		Triggered:    []domain.TriggeredRule{},
		NotTriggered: []domain.SkippedRule{},
	}

	for _, c := range rules {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		result.RulesChecked++

		matched, err := evalBool(c.Program, activation)
		if err != nil {
			slog.Debug("rule evaluation failed", "rule_id", c.Rule.ID, "order_id", orderID, "error", err)
			result.NotTriggered = append(result.NotTriggered, domain.SkippedRule{
				RuleID:   c.Rule.ID,
				RuleName: c.Rule.Name,
				Reason:   ReasonEvalError + ": " + err.Error(),
			})
			continue
		}
		if !matched {
			result.NotTriggered = append(result.NotTriggered, domain.SkippedRule{
				RuleID:   c.Rule.ID,
				RuleName: c.Rule.Name,
				Reason:   ReasonNotMatched,
			})
			continue
		}

		result.Triggered = append(result.Triggered, domain.TriggeredRule{
			RuleID:   c.Rule.ID,
			RuleName: c.Rule.Name,
			RuleType: c.Rule.Type,
			Score:    c.Rule.Score,
			Action:   c.Rule.Action,
		})
		metrics.RuleTriggersTotal.WithLabelValues(c.Rule.ID).Inc()
		e.record(ctx, tenantID, orderID, c.Rule.ID)
	}

	return result, nil
}

func (e *Engine) record(ctx context.Context, tenantID, orderID, ruleID string) {
	if e.recorder == nil || orderID == "" {
		return
	}
	if _, err := e.recorder.RecordRuleTrigger(ctx, tenantID, ruleID, orderID, e.counting); err != nil {
		slog.Warn("failed to record rule trigger",
			"tenant_id", tenantID,
			"rule_id", ruleID,
			"order_id", orderID,
			"error", err,
		)
	}
}

func evalBool(program cel.Program, activation map[string]any) (bool, error) {
	out, _, err := program.Eval(activation)
	if err != nil {
		return false, err
	}
	b, ok := out.(types.Bool)
	if !ok {
		return false, fmt.Errorf("expression returned %s, want bool", out.Type().TypeName())
	}
	return bool(b), nil
}

func (e *Engine) compileRule(rule *domain.Rule) (*CompiledRule, error) {
	if err := checkRule(rule); err != nil {
		return nil, err
	}

	expr := rule.Expression
	if len(rule.Conditions) > 0 {
		var err error
		expr, err = ConditionExpression(rule.Conditions)
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", rule.ID, err)
		}
	}

	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("%w: failed to compile rule %s: %v", domain.ErrInvalidInput, rule.ID, issues.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("%w: rule %s: expression must return bool, got %s", domain.ErrInvalidInput, rule.ID, ast.OutputType())
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for rule %s: %w", rule.ID, err)
	}

	return &CompiledRule{Rule: rule, Expression: expr, Program: program}, nil
}

// checkRule validates the non-expression fields of a rule.
func checkRule(rule *domain.Rule) error {
	var problems []string
	if strings.TrimSpace(rule.ID) == "" {
		problems = append(problems, "id is required")
	}
	if strings.TrimSpace(rule.Name) == "" {
		problems = append(problems, "name is required")
	}
	if !rule.Type.Valid() {
		problems = append(problems, fmt.Sprintf("unknown type %q", rule.Type))
	}
	if rule.Score < 0 || rule.Score > 100 {
		problems = append(problems, "score must be within [0,100]")
	}
	switch rule.Action {
	case "", domain.RuleActionNone, domain.RuleActionFlag, domain.RuleActionBlock:
	default:
		problems = append(problems, fmt.Sprintf("unknown action %q", rule.Action))
	}

	hasConds := len(rule.Conditions) > 0
	hasExpr := strings.TrimSpace(rule.Expression) != ""
	switch {
	case hasConds && hasExpr:
		problems = append(problems, "conditions and expression are mutually exclusive")
	case !hasConds && !hasExpr:
		problems = append(problems, "conditions or expression is required")
	case hasExpr && rule.Type != domain.RuleTypeCustom:
		problems = append(problems, "only custom rules may use an expression")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: rule %q: %s", domain.ErrInvalidInput, rule.ID, strings.Join(problems, "; "))
	}
	return nil
}
