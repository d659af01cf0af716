package scoring

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/signals"
)

type fixedProvider struct {
	name  string
	value float64
	err   error
	delay time.Duration
}

func (p fixedProvider) Name() string { return p.name }

func (p fixedProvider) Score(ctx context.Context, _ domain.FeatureSet) (signals.Signal, error) {
	if p.delay > 0 {
		select {
		case <-time.After(p.delay):
		case <-ctx.Done():
			return signals.Signal{}, ctx.Err()
		}
	}
	return signals.Signal{Value: p.value, Confidence: 1}, p.err
}

func evaluation(scores ...float64) *domain.RuleEvaluation {
	eval := &domain.RuleEvaluation{}
	for i, s := range scores {
		eval.Triggered = append(eval.Triggered, domain.TriggeredRule{
			RuleID:   string(rune('a' + i)),
			RuleName: string(rune('a' + i)),
			Score:    s,
			Action:   domain.RuleActionFlag,
		})
	}
	return eval
}

func standardGuards(ml, anomaly, graph fixedProvider) []*signals.Guard {
	return []*signals.Guard{
		signals.NewGuard(ml, 50*time.Millisecond, signals.FallbackML),
		signals.NewGuard(anomaly, 50*time.Millisecond, signals.FallbackAnomaly),
		signals.NewGuard(graph, 50*time.Millisecond, signals.FallbackGraph),
	}
}

func TestClamp(t *testing.T) {
	inputs := []float64{-1e9, -0.01, 0, 12.5, 100, 100.01, 1e12, math.Inf(1), math.Inf(-1), math.NaN()}
	for _, v := range inputs {
		got := Clamp(v)
		assert.GreaterOrEqual(t, got, 0.0, "Clamp(%v)", v)
		assert.LessOrEqual(t, got, 100.0, "Clamp(%v)", v)
	}
	assert.Equal(t, 12.5, Clamp(12.5))
}

func TestRuleScore(t *testing.T) {
	assert.Equal(t, 0.0, RuleScore(nil))
	assert.Equal(t, 45.0, RuleScore(evaluation(25, 20)))
	assert.Equal(t, 100.0, RuleScore(evaluation(60, 50, 30)))
}

func TestBasicMode(t *testing.T) {
	agg := NewAggregator(domain.DefaultPolicy(domain.ModeBasic),
		standardGuards(fixedProvider{name: domain.ComponentML, value: 1}, fixedProvider{name: domain.ComponentAnomaly}, fixedProvider{name: domain.ComponentGraph})...)

	res := agg.Aggregate(context.Background(), evaluation(25, 20), nil)
	assert.Equal(t, 45.0, res.Total)
	require.Len(t, res.Breakdown, 1, "basic mode ignores signals")
	assert.Equal(t, domain.ComponentRules, res.Breakdown[0].Name)
	assert.Len(t, res.Reasons, 2)

	res = agg.Aggregate(context.Background(), evaluation(80, 70), nil)
	assert.Equal(t, 100.0, res.Total)
}

func TestEnsembleMode(t *testing.T) {
	policy := domain.DefaultPolicy(domain.ModeEnsemble)
	ctx := context.Background()

	t.Run("Blend", func(t *testing.T) {
		agg := NewAggregator(policy, standardGuards(
			fixedProvider{name: domain.ComponentML, value: 0.8},
			fixedProvider{name: domain.ComponentAnomaly, value: 0.5},
			fixedProvider{name: domain.ComponentGraph, value: 0.2},
		)...)

		res := agg.Aggregate(ctx, evaluation(40), nil)
		// 0.25*40 + 0.40*80 + 0.20*50 + 0.15*20
		assert.InDelta(t, 55.0, res.Total, 1e-9)
		require.Len(t, res.Breakdown, 4)
		assert.InDelta(t, 32.0, res.Breakdown[1].Contribution, 1e-9)
		assert.Empty(t, res.Fallbacks)
	})

	t.Run("ClampedHigh", func(t *testing.T) {
		agg := NewAggregator(policy, standardGuards(
			fixedProvider{name: domain.ComponentML, value: 1},
			fixedProvider{name: domain.ComponentAnomaly, value: 1},
			fixedProvider{name: domain.ComponentGraph, value: 1},
		)...)
		agg.WithProvider(signals.NewGuard(fixedProvider{name: "device-reputation", value: 1}, time.Second, 0), 0.5)

		res := agg.Aggregate(ctx, evaluation(100), nil)
		assert.Equal(t, 100.0, res.Total)
		assert.Len(t, res.Breakdown, 5)
	})

	t.Run("MLTimeoutFallsBack", func(t *testing.T) {
		agg := NewAggregator(policy, standardGuards(
			fixedProvider{name: domain.ComponentML, value: 0.9, delay: time.Second},
			fixedProvider{name: domain.ComponentAnomaly, value: 0},
			fixedProvider{name: domain.ComponentGraph, err: errors.New("503")},
		)...)

		res := agg.Aggregate(ctx, evaluation(), nil)
		ml := res.Breakdown[1]
		assert.Equal(t, domain.ComponentML, ml.Name)
		assert.True(t, ml.Fallback)
		assert.Equal(t, 0.5, ml.Value)
		assert.InDelta(t, 20.0, res.Total, 1e-9)
		assert.ElementsMatch(t, []string{domain.ComponentML, domain.ComponentGraph}, res.Fallbacks)
	})
}

func TestEnsembleWithoutProviders(t *testing.T) {
	policy := domain.DefaultPolicy(domain.ModeEnsemble)
	agg := NewAggregator(policy)

	res := agg.Aggregate(context.Background(), evaluation(100), nil)
	// 0.25*100 + 0.40*50 + 0.20*0 + 0.15*0
	assert.InDelta(t, 45.0, res.Total, 1e-9)
	require.Len(t, res.Breakdown, 4)
	for _, c := range res.Breakdown[1:] {
		assert.True(t, c.Fallback, c.Name)
	}
	assert.Equal(t, []string{domain.ComponentML, domain.ComponentAnomaly, domain.ComponentGraph}, res.Fallbacks)
	assert.GreaterOrEqual(t, res.Total, policy.Thresholds.Medium, "a full rule score must not read as minimal")

	t.Run("PartialProviders", func(t *testing.T) {
		agg := NewAggregator(policy, signals.NewGuard(fixedProvider{name: domain.ComponentAnomaly, value: 1}, time.Second, signals.FallbackAnomaly))

		res := agg.Aggregate(context.Background(), evaluation(), nil)
		// 0.20*100 from anomaly plus the neutral ML 0.40*50
		assert.InDelta(t, 40.0, res.Total, 1e-9)
		assert.ElementsMatch(t, []string{domain.ComponentML, domain.ComponentGraph}, res.Fallbacks)
	})

	t.Run("BasicModeUnaffected", func(t *testing.T) {
		res := NewAggregator(domain.DefaultPolicy(domain.ModeBasic)).Aggregate(context.Background(), evaluation(30), nil)
		assert.Equal(t, 30.0, res.Total)
		assert.Len(t, res.Breakdown, 1)
	})
}

func TestSignalsRunInOrder(t *testing.T) {
	var calls []string
	record := func(name string) signals.Provider {
		return recordingProvider{name: name, calls: &calls}
	}
	agg := NewAggregator(domain.DefaultPolicy(domain.ModeEnsemble),
		signals.NewGuard(record(domain.ComponentML), time.Second, signals.FallbackML),
		signals.NewGuard(record(domain.ComponentAnomaly), time.Second, signals.FallbackAnomaly),
		signals.NewGuard(record(domain.ComponentGraph), time.Second, signals.FallbackGraph),
	)

	agg.Aggregate(context.Background(), evaluation(), nil)
	assert.Equal(t, []string{domain.ComponentML, domain.ComponentAnomaly, domain.ComponentGraph}, calls)
}

// recordingProvider appends its name on every call. Calls are sequential,
// so the slice needs no lock.
type recordingProvider struct {
	name  string
	calls *[]string
}

func (p recordingProvider) Name() string { return p.name }

func (p recordingProvider) Score(context.Context, domain.FeatureSet) (signals.Signal, error) {
	*p.calls = append(*p.calls, p.name)
	return signals.Signal{Value: 0, Confidence: 1}, nil
}

func TestBlockFloor(t *testing.T) {
	policy := domain.DefaultPolicy(domain.ModeBasic)
	agg := NewAggregator(policy)

	eval := evaluation(10)
	eval.Triggered[0].Action = domain.RuleActionBlock

	res := agg.Aggregate(context.Background(), eval, nil)
	assert.Equal(t, policy.Thresholds.Critical, res.Total)
	assert.Contains(t, res.Reasons, "blocking rule triggered")

	eval.Triggered[0].Score = 95
	res = agg.Aggregate(context.Background(), eval, nil)
	assert.Equal(t, 95.0, res.Total)
}
