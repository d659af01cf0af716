// Package scoring assembles the total fraud score from the rule component
// and external signals.
package scoring

import (
	"context"
	"fmt"
	"math"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/signals"
)

// weightedGuard is a signal provider with its blend weight.
type weightedGuard struct {
	guard  *signals.Guard
	weight float64
}

// neutralSignal stands in for a standard component with no provider.
type neutralSignal struct {
	name   string
	value  float64
	weight float64
}

// standardSignals are blended in every ensemble evaluation.
var standardSignals = []struct {
	name    string
	neutral float64
}{
	{domain.ComponentML, signals.FallbackML},
	{domain.ComponentAnomaly, signals.FallbackAnomaly},
	{domain.ComponentGraph, signals.FallbackGraph},
}

// Aggregator combines rule results and signals under an immutable policy.
type Aggregator struct {
	policy  domain.Policy
	guards  []weightedGuard
	neutral []neutralSignal
}

// NewAggregator creates an aggregator. Guards named after a standard
// component (ml, anomaly, graph) take their weight from the policy;
// others can be added with WithProvider. A standard component without a
// guard contributes its neutral value in ensemble mode.
func NewAggregator(policy domain.Policy, guards ...*signals.Guard) *Aggregator {
	a := &Aggregator{policy: policy}
	covered := make(map[string]bool, len(guards))
	for _, g := range guards {
		a.guards = append(a.guards, weightedGuard{guard: g, weight: policyWeight(policy.Weights, g.Name())})
		covered[g.Name()] = true
	}
	for _, std := range standardSignals {
		if !covered[std.name] {
			a.neutral = append(a.neutral, neutralSignal{
				name:   std.name,
				value:  std.neutral,
				weight: policyWeight(policy.Weights, std.name),
			})
		}
	}
	return a
}

// WithProvider appends a guarded provider with an explicit weight.
func (a *Aggregator) WithProvider(g *signals.Guard, weight float64) *Aggregator {
	a.guards = append(a.guards, weightedGuard{guard: g, weight: weight})
	return a
}

// Policy returns the aggregator's policy.
func (a *Aggregator) Policy() domain.Policy {
	return a.policy
}

func policyWeight(w domain.Weights, name string) float64 {
	switch name {
	case domain.ComponentML:
		return w.ML
	case domain.ComponentAnomaly:
		return w.Anomaly
	case domain.ComponentGraph:
		return w.Graph
	}
	return 0
}

// Result is the aggregated score.
type Result struct {
	Total     float64
	Rules     float64
	Breakdown []domain.ScoreComponent
	Reasons   []string
	Fallbacks []string
}

// RuleScore sums the contributions of triggered rules, clamped to [0,100].
func RuleScore(eval *domain.RuleEvaluation) float64 {
	if eval == nil {
		return 0
	}
	var sum float64
	for _, t := range eval.Triggered {
		sum += t.Score
	}
	return Clamp(sum)
}

// Aggregate computes the total. Basic mode uses the rule component alone;
// ensemble mode blends it with every provider. Signals never fail the
// aggregation.
func (a *Aggregator) Aggregate(ctx context.Context, eval *domain.RuleEvaluation, features domain.FeatureSet) Result {
	ruleScore := RuleScore(eval)

	res := Result{Rules: ruleScore}
	if eval != nil {
		for _, t := range eval.Triggered {
			res.Reasons = append(res.Reasons, "rule triggered: "+t.RuleName)
		}
	}

	if a.policy.Mode != domain.ModeEnsemble {
		res.Total = ruleScore
		res.Breakdown = []domain.ScoreComponent{{
			Name:         domain.ComponentRules,
			Value:        ruleScore,
			Confidence:   1,
			Weight:       1,
			Contribution: ruleScore,
		}}
		return a.floor(eval, res)
	}

	ruleWeight := a.policy.Weights.Rules
	total := ruleWeight * ruleScore
	res.Breakdown = append(res.Breakdown, domain.ScoreComponent{
		Name:         domain.ComponentRules,
		Value:        ruleScore,
		Confidence:   1,
		Weight:       ruleWeight,
		Contribution: ruleWeight * ruleScore,
	})

	for i, out := range a.scoreSignals(ctx, features) {
		w := a.guards[i].weight
		contribution := w * out.Signal.Value * 100
		total += contribution
		res.Breakdown = append(res.Breakdown, domain.ScoreComponent{
			Name:         out.Name,
			Value:        out.Signal.Value,
			Confidence:   out.Signal.Confidence,
			Weight:       w,
			Contribution: contribution,
			Fallback:     out.Fallback,
		})
		if out.Fallback {
			res.Fallbacks = append(res.Fallbacks, out.Name)
			res.Reasons = append(res.Reasons, fmt.Sprintf("%s signal unavailable, used fallback %.2f", out.Name, out.Signal.Value))
		}
	}

	for _, n := range a.neutral {
		contribution := n.weight * n.value * 100
		total += contribution
		res.Breakdown = append(res.Breakdown, domain.ScoreComponent{
			Name:         n.name,
			Value:        n.value,
			Weight:       n.weight,
			Contribution: contribution,
			Fallback:     true,
		})
		res.Fallbacks = append(res.Fallbacks, n.name)
		res.Reasons = append(res.Reasons, fmt.Sprintf("%s signal not configured, used neutral %.2f", n.name, n.value))
	}

	res.Total = Clamp(total)
	return a.floor(eval, res)
}

// floor raises the total to the critical threshold when a triggered rule
// carries the block hint.
func (a *Aggregator) floor(eval *domain.RuleEvaluation, res Result) Result {
	critical := a.policy.Thresholds.Critical
	if eval.HasAction(domain.RuleActionBlock) && res.Total < critical {
		res.Total = critical
		res.Reasons = append(res.Reasons, "blocking rule triggered")
	}
	return res
}

// scoreSignals calls the guards in order. Each guard bounds its own
// latency, so the sum of their timeouts bounds the whole call.
func (a *Aggregator) scoreSignals(ctx context.Context, features domain.FeatureSet) []signals.Outcome {
	outcomes := make([]signals.Outcome, len(a.guards))
	for i, g := range a.guards {
		outcomes[i] = g.guard.Score(ctx, features.Clone())
	}
	return outcomes
}

// Clamp bounds a score to [0,100]. NaN becomes 0.
func Clamp(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 100:
		return 100
	}
	return v
}
