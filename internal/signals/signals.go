// Package signals provides external risk signals for ensemble scoring.
package signals

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
)

// Fallback values used when a provider fails or times out.
const (
	FallbackML      = 0.5
	FallbackAnomaly = 0.0
	FallbackGraph   = 0.0
)

// Signal is one provider's opinion, with Value in [0,1].
type Signal struct {
	Value      float64 `json:"value"`
	Confidence float64 `json:"confidence"`
}

// Provider produces a signal for a feature set.
type Provider interface {
	Name() string
	Score(ctx context.Context, features domain.FeatureSet) (Signal, error)
}

// Outcome is a guarded provider result. It always carries a usable signal.
type Outcome struct {
	Name     string
	Signal   Signal
	Fallback bool
	Err      error
}

// Guard enforces a hard timeout on a provider and substitutes a fallback
// value for any failure.
type Guard struct {
	provider Provider
	timeout  time.Duration
	fallback float64
}

// NewGuard wraps provider. A non-positive timeout defaults to 5s.
func NewGuard(provider Provider, timeout time.Duration, fallback float64) *Guard {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Guard{provider: provider, timeout: timeout, fallback: fallback}
}

// Name returns the wrapped provider's name.
func (g *Guard) Name() string {
	return g.provider.Name()
}

type scoreResult struct {
	signal Signal
	err    error
}

// Score calls the provider. It returns by the deadline even when the
// provider ignores its context.
func (g *Guard) Score(ctx context.Context, features domain.FeatureSet) Outcome {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	done := make(chan scoreResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- scoreResult{err: fmt.Errorf("provider panic: %v", r)}
			}
		}()
		s, err := g.provider.Score(ctx, features)
		done <- scoreResult{signal: s, err: err}
	}()

	var res scoreResult
	select {
	case res = <-done:
	case <-ctx.Done():
		res.err = fmt.Errorf("%s: %w", g.provider.Name(), ctx.Err())
	}

	if res.err == nil && math.IsNaN(res.signal.Value) {
		res.err = fmt.Errorf("%s: value is NaN", g.provider.Name())
	}
	if res.err != nil {
		slog.Warn("signal provider failed, using fallback",
			"provider", g.provider.Name(),
			"fallback", g.fallback,
			"error", res.err,
		)
		metrics.SignalFallbacksTotal.WithLabelValues(g.provider.Name()).Inc()
		return Outcome{
			Name:     g.provider.Name(),
			Signal:   Signal{Value: g.fallback},
			Fallback: true,
			Err:      res.err,
		}
	}

	return Outcome{
		Name: g.provider.Name(),
		Signal: Signal{
			Value:      clamp01(res.signal.Value),
			Confidence: clamp01(res.signal.Confidence),
		},
	}
}

// Guards builds the standard ML, anomaly and graph guards over client.
func Guards(client *Client, cfg domain.SignalsConfig) []*Guard {
	return []*Guard{
		NewGuard(client.Predictor(), cfg.PredictTimeout, FallbackML),
		NewGuard(client.Anomaly(), cfg.AnomalyTimeout, FallbackAnomaly),
		NewGuard(client.Graph(), cfg.GraphTimeout, FallbackGraph),
	}
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
