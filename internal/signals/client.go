package signals

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/opensource-finance/kestrel/internal/domain"
)

const maxResponseBytes = 1 << 20

// Client talks to the ML scoring service.
type Client struct {
	baseURL string
	http    *http.Client
	cfg     domain.SignalsConfig
}

// NewClient creates a client for cfg.BaseURL. A nil transport uses the
// default one; either way requests are traced.
func NewClient(cfg domain.SignalsConfig, transport http.RoundTripper) *Client {
	if transport == nil {
		transport = &http.Transport{
			MaxIdleConns:        50,
			MaxIdleConnsPerHost: 20,
			IdleConnTimeout:     90 * time.Second,
		}
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    &http.Client{Transport: otelhttp.NewTransport(transport)},
		cfg:     cfg,
	}
}

type predictRequest struct {
	Features domain.FeatureSet `json:"features"`
	Model    string            `json:"model,omitempty"`
}

type predictResponse struct {
	FraudProbability *float64 `json:"fraud_probability"`
	AnomalyScore     *float64 `json:"anomaly_score"`
	RiskScore        *float64 `json:"risk_score"`
	Confidence       *float64 `json:"confidence"`
}

// endpoint is one scoring route exposed as a Provider.
type endpoint struct {
	client *Client
	name   string
	path   string
	model  string
	field  string
	pick   func(*predictResponse) *float64
}

// Predictor returns the fraud probability provider.
func (c *Client) Predictor() Provider {
	return &endpoint{
		client: c, name: domain.ComponentML, path: "/fraud/predict", model: c.cfg.PredictModel,
		field: "fraud_probability",
		pick:  func(r *predictResponse) *float64 { return r.FraudProbability },
	}
}

// Anomaly returns the anomaly score provider.
func (c *Client) Anomaly() Provider {
	return &endpoint{
		client: c, name: domain.ComponentAnomaly, path: "/fraud/anomaly", model: c.cfg.AnomalyModel,
		field: "anomaly_score",
		pick:  func(r *predictResponse) *float64 { return r.AnomalyScore },
	}
}

// Graph returns the graph risk provider.
func (c *Client) Graph() Provider {
	return &endpoint{
		client: c, name: domain.ComponentGraph, path: "/fraud/graph", model: c.cfg.GraphModel,
		field: "risk_score",
		pick:  func(r *predictResponse) *float64 { return r.RiskScore },
	}
}

func (e *endpoint) Name() string { return e.name }

// Score posts the features and reads the endpoint's field. Confidence
// defaults to 1 when the service omits it.
func (e *endpoint) Score(ctx context.Context, features domain.FeatureSet) (Signal, error) {
	var resp predictResponse
	if err := e.client.post(ctx, e.path, predictRequest{Features: features, Model: e.model}, &resp); err != nil {
		return Signal{}, err
	}

	v := e.pick(&resp)
	if v == nil {
		return Signal{}, fmt.Errorf("%s: response has no %s", e.path, e.field)
	}
	s := Signal{Value: clamp01(*v), Confidence: 1}
	if resp.Confidence != nil {
		s.Confidence = clamp01(*resp.Confidence)
	}
	return s, nil
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
		return fmt.Errorf("%s: unexpected status %d", path, resp.StatusCode)
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(out); err != nil {
		return fmt.Errorf("%s: decode response: %w", path, err)
	}
	return nil
}
