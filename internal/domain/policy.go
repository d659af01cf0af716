package domain

import (
	"fmt"
	"strings"
)

// ScoringMode selects how the total score is assembled.
type ScoringMode string

const (
	// ModeBasic scores with the rule component only.
	ModeBasic ScoringMode = "basic"

	// ModeEnsemble blends the rule component with external signals.
	ModeEnsemble ScoringMode = "ensemble"
)

// Thresholds is a named score-to-tier table. A score belongs to the
// highest tier whose lower bound it reaches.
type Thresholds struct {
	Name     string  `json:"name"`
	Critical float64 `json:"critical"`
	High     float64 `json:"high"`
	Medium   float64 `json:"medium"`
	Low      float64 `json:"low"`
}

// Built-in threshold tables. They differ only in the critical cutoff.
var (
	BasicThresholds    = Thresholds{Name: "basic", Critical: 90, High: 60, Medium: 40, Low: 30}
	EnsembleThresholds = Thresholds{Name: "ensemble", Critical: 80, High: 60, Medium: 40, Low: 30}
)

// ThresholdsByName returns a built-in table.
func ThresholdsByName(name string) (Thresholds, error) {
	switch strings.ToLower(name) {
	case BasicThresholds.Name:
		return BasicThresholds, nil
	case EnsembleThresholds.Name:
		return EnsembleThresholds, nil
	}
	return Thresholds{}, fmt.Errorf("%w: unknown threshold table %q", ErrInvalidInput, name)
}

// Validate checks the bounds are inside [0,100] and strictly descending.
func (t Thresholds) Validate() error {
	bounds := []float64{t.Critical, t.High, t.Medium, t.Low}
	for i, b := range bounds {
		if b < 0 || b > 100 {
			return fmt.Errorf("%w: threshold %v outside [0,100]", ErrInvalidInput, b)
		}
		if i > 0 && b >= bounds[i-1] {
			return fmt.Errorf("%w: thresholds must be strictly descending", ErrInvalidInput)
		}
	}
	return nil
}

// Weights blends score components in ensemble mode.
type Weights struct {
	Rules   float64 `json:"rules" koanf:"rules"`
	ML      float64 `json:"ml" koanf:"ml"`
	Anomaly float64 `json:"anomaly" koanf:"anomaly"`
	Graph   float64 `json:"graph" koanf:"graph"`
}

// DefaultWeights is the ensemble blend.
var DefaultWeights = Weights{Rules: 0.25, ML: 0.40, Anomaly: 0.20, Graph: 0.15}

// Validate rejects negative weights and an all-zero blend.
func (w Weights) Validate() error {
	if w.Rules < 0 || w.ML < 0 || w.Anomaly < 0 || w.Graph < 0 {
		return fmt.Errorf("%w: weights must be non-negative", ErrInvalidInput)
	}
	if w.Rules+w.ML+w.Anomaly+w.Graph == 0 {
		return fmt.Errorf("%w: at least one weight must be positive", ErrInvalidInput)
	}
	return nil
}

// TriggerCounting controls how rule trigger counters are maintained.
type TriggerCounting string

const (
	// CountDedupe increments a rule's counter once per (rule, order).
	CountDedupe TriggerCounting = "dedupe"

	// CountEvery increments on every evaluation, including re-evaluations
	// of the same order.
	CountEvery TriggerCounting = "every"
)

// FailurePolicy decides how a failed trust lookup is treated.
type FailurePolicy interface {
	// Blocks reports whether a lookup that failed with err must be treated
	// as a positive match.
	Blocks(err error) bool
	Name() string
}

// FailOpen treats unavailable trust data as neutral.
type FailOpen struct{}

func (FailOpen) Blocks(error) bool { return false }
func (FailOpen) Name() string      { return "fail_open" }

// FailClosed treats unavailable trust data as a match.
type FailClosed struct{}

func (FailClosed) Blocks(error) bool { return true }
func (FailClosed) Name() string      { return "fail_closed" }

// ParseFailurePolicy maps a config value to a policy. Empty means fail open.
func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "fail_open", "open":
		return FailOpen{}, nil
	case "fail_closed", "closed":
		return FailClosed{}, nil
	}
	return nil, fmt.Errorf("%w: unknown failure policy %q", ErrInvalidInput, s)
}

// Policy is the immutable scoring configuration handed to the rule
// evaluator, the aggregator and the classifier. It is built once from
// config and passed by value.
type Policy struct {
	Mode            ScoringMode
	Thresholds      Thresholds
	Weights         Weights
	TriggerCounting TriggerCounting
}

// DefaultPolicy returns the policy for a mode with its matching table.
func DefaultPolicy(mode ScoringMode) Policy {
	p := Policy{
		Mode:            ModeBasic,
		Thresholds:      BasicThresholds,
		Weights:         DefaultWeights,
		TriggerCounting: CountDedupe,
	}
	if mode == ModeEnsemble {
		p.Mode = ModeEnsemble
		p.Thresholds = EnsembleThresholds
	}
	return p
}

// Name identifies the policy in score metadata.
func (p Policy) Name() string {
	return string(p.Mode) + "/" + p.Thresholds.Name
}

// Validate checks every part of the policy.
func (p Policy) Validate() error {
	switch p.Mode {
	case ModeBasic, ModeEnsemble:
	default:
		return fmt.Errorf("%w: unknown scoring mode %q", ErrInvalidInput, p.Mode)
	}
	switch p.TriggerCounting {
	case CountDedupe, CountEvery:
	default:
		return fmt.Errorf("%w: unknown trigger counting %q", ErrInvalidInput, p.TriggerCounting)
	}
	if err := p.Thresholds.Validate(); err != nil {
		return err
	}
	return p.Weights.Validate()
}
