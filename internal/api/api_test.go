package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/opensource-finance/kestrel/internal/blacklist"
	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/cache"
	"github.com/opensource-finance/kestrel/internal/decision"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/features"
	"github.com/opensource-finance/kestrel/internal/fraud"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/scoring"
	"github.com/opensource-finance/kestrel/internal/velocity"
)

const testTenant = "tenant-001"

// createTestServer wires a server over a temp SQLite store and the
// default rule set.
func createTestServer(t *testing.T, cfg domain.ServerConfig) *Server {
	t.Helper()

	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "api-test.db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	policy := domain.DefaultPolicy(domain.ModeBasic)
	engine, err := rules.NewEngine(repo, policy)
	require.NoError(t, err)
	_, err = rules.SeedDefaults(t.Context(), repo)
	require.NoError(t, err)
	require.NoError(t, engine.ReloadRules(t.Context(), repo))

	lru := cache.NewMemoryCache(1000)
	eventBus := bus.NewChannelBus(100)
	t.Cleanup(func() { eventBus.Close() })

	checker := blacklist.NewChecker(repo, lru, domain.FailOpen{}, time.Minute)
	svc := fraud.NewService(fraud.Deps{
		Store:   repo,
		Checker: checker,
		Auto: blacklist.NewAutoBlacklister(repo, checker, eventBus, blacklist.AutoConfig{
			Enabled: true, Threshold: 5, Window: 24 * time.Hour,
		}),
		Extractor:  features.NewExtractor(repo),
		Tracker:    velocity.NewTracker(lru),
		Engine:     engine,
		Aggregator: scoring.NewAggregator(policy),
		Classifier: decision.NewClassifier(policy),
		Bus:        eventBus,
	}, fraud.Config{VelocityWindow: time.Hour, BotIPLimit: 10, EngineVersion: "test-v1"})

	return NewServer(cfg, Deps{
		Service: svc,
		Engine:  engine,
		Repo:    repo,
		Checker: checker,
		Cache:   lru,
		Version: "test-v1",
	})
}

func do(t *testing.T, server *Server, method, path, tenantID string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if tenantID != "" {
		req.Header.Set(TenantIDHeader, tenantID)
	}
	rec := httptest.NewRecorder()
	server.Router().ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func orderRequest(id, amount string) map[string]any {
	return map[string]any{
		"id":                id,
		"email":             "buyer@example.com",
		"amount":            amount,
		"currency":          "usd",
		"ipAddress":         "203.0.113.10",
		"userAgent":         "Mozilla/5.0 (Macintosh; Intel Mac OS X 14_5) Safari/605.1.15",
		"deviceFingerprint": "fp-abc",
		"billingAddress": map[string]any{
			"line1": "1 Main St", "city": "Springfield", "postalCode": "12345", "country": "us",
		},
		"items": []map[string]any{{"sku": "sku-1", "quantity": 1, "unitPrice": amount}},
	}
}

func TestHealthEndpoints(t *testing.T) {
	server := createTestServer(t, domain.ServerConfig{})

	t.Run("Health", func(t *testing.T) {
		rec := do(t, server, http.MethodGet, "/health", "", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		resp := decodeBody[map[string]any](t, rec)
		if resp["status"] != "healthy" {
			t.Errorf("expected healthy, got %v", resp["status"])
		}
		if resp["version"] != "test-v1" {
			t.Errorf("expected version test-v1, got %v", resp["version"])
		}
		if resp["thresholds"] != "basic" {
			t.Errorf("expected basic thresholds, got %v", resp["thresholds"])
		}
		if n, _ := resp["rulesLoaded"].(float64); n == 0 {
			t.Error("expected default rules to be loaded")
		}
	})

	t.Run("Ready", func(t *testing.T) {
		rec := do(t, server, http.MethodGet, "/ready", "", nil)
		if rec.Code != http.StatusOK {
			t.Errorf("expected 200, got %d", rec.Code)
		}
	})

	t.Run("Metrics", func(t *testing.T) {
		rec := do(t, server, http.MethodGet, "/metrics", "", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		if !strings.Contains(rec.Body.String(), "kestrel_http_requests_total") {
			t.Error("expected http request counter in metrics output")
		}
	})

	t.Run("RequestIDEchoed", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		req.Header.Set(RequestIDHeader, "req-123")
		rec := httptest.NewRecorder()
		server.Router().ServeHTTP(rec, req)
		if got := rec.Header().Get(RequestIDHeader); got != "req-123" {
			t.Errorf("expected request id echoed, got %q", got)
		}
		if rec.Header().Get(TraceIDHeader) == "" {
			t.Error("expected a trace id header")
		}
	})
}

func TestEvaluateEndpoint(t *testing.T) {
	server := createTestServer(t, domain.ServerConfig{})

	t.Run("MissingTenantID", func(t *testing.T) {
		rec := do(t, server, http.MethodPost, "/evaluate", "", orderRequest("ord-1", "25.00"))
		if rec.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", rec.Code)
		}
	})

	t.Run("ReservedTenantID", func(t *testing.T) {
		for _, tenant := range []string{"*", "a.b", "tenant 1"} {
			rec := do(t, server, http.MethodPost, "/evaluate", tenant, orderRequest("ord-1", "25.00"))
			if rec.Code != http.StatusBadRequest {
				t.Errorf("tenant %q: expected 400, got %d", tenant, rec.Code)
			}
		}
	})

	t.Run("InvalidJSON", func(t *testing.T) {
		rec := do(t, server, http.MethodPost, "/evaluate", testTenant, "{bad json")
		if rec.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", rec.Code)
		}
	})

	t.Run("EmptyBody", func(t *testing.T) {
		rec := do(t, server, http.MethodPost, "/evaluate", testTenant, nil)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", rec.Code)
		}
	})

	t.Run("ValidationErrors", func(t *testing.T) {
		body := orderRequest("ord-bad", "25.00")
		body["email"] = "not-an-email"
		delete(body, "ipAddress")

		rec := do(t, server, http.MethodPost, "/evaluate", testTenant, body)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected 400, got %d", rec.Code)
		}
		resp := decodeBody[struct {
			Fields map[string]string `json:"fields"`
		}](t, rec)
		if _, ok := resp.Fields["email"]; !ok {
			t.Errorf("expected email field error, got %v", resp.Fields)
		}
		if _, ok := resp.Fields["ipAddress"]; !ok {
			t.Errorf("expected ipAddress field error, got %v", resp.Fields)
		}
	})

	t.Run("NegativeAmount", func(t *testing.T) {
		rec := do(t, server, http.MethodPost, "/evaluate", testTenant, orderRequest("ord-neg", "-1.00"))
		if rec.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", rec.Code)
		}
	})

	t.Run("SuccessfulEvaluation", func(t *testing.T) {
		rec := do(t, server, http.MethodPost, "/evaluate", testTenant, orderRequest("ord-ok", "5.00"))
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
		}
		score := decodeBody[domain.FraudScore](t, rec)
		if score.OrderID != "ord-ok" || score.TenantID != testTenant {
			t.Errorf("unexpected score identity %s/%s", score.TenantID, score.OrderID)
		}
		if score.TotalScore < 0 || score.TotalScore > 100 {
			t.Errorf("score out of range: %v", score.TotalScore)
		}
		if score.Metadata.EngineVersion != "test-v1" {
			t.Errorf("expected engine version test-v1, got %q", score.Metadata.EngineVersion)
		}

		rec = do(t, server, http.MethodGet, "/orders/ord-ok/score", testTenant, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		stored := decodeBody[domain.FraudScore](t, rec)
		if stored.ID != score.ID {
			t.Errorf("expected latest score %s, got %s", score.ID, stored.ID)
		}
	})

	t.Run("DuplicateOrderID", func(t *testing.T) {
		body := orderRequest("ord-ok", "5000.00")
		rec := do(t, server, http.MethodPost, "/evaluate", testTenant, body)
		if rec.Code != http.StatusConflict {
			t.Fatalf("expected 409, got %d: %s", rec.Code, rec.Body.String())
		}
	})

	t.Run("RegisteredUser", func(t *testing.T) {
		body := orderRequest("ord-user", "80.00")
		body["userId"] = "user-1"
		body["user"] = map[string]any{
			"emailVerified": true,
			"createdAt":     time.Now().Add(-400 * 24 * time.Hour).UTC().Format(time.RFC3339),
		}
		rec := do(t, server, http.MethodPost, "/evaluate", testTenant, body)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
		}
		if score := decodeBody[domain.FraudScore](t, rec); score.UserID != "user-1" {
			t.Errorf("expected user-1 on score, got %q", score.UserID)
		}
	})
}

func TestOrderEndpoints(t *testing.T) {
	server := createTestServer(t, domain.ServerConfig{})

	rec := do(t, server, http.MethodPost, "/evaluate", testTenant, orderRequest("ord-1", "40.00"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	t.Run("ScoreNotFound", func(t *testing.T) {
		rec := do(t, server, http.MethodGet, "/orders/missing/score", testTenant, nil)
		if rec.Code != http.StatusNotFound {
			t.Errorf("expected 404, got %d", rec.Code)
		}
	})

	t.Run("TenantIsolation", func(t *testing.T) {
		rec := do(t, server, http.MethodGet, "/orders/ord-1/score", "tenant-002", nil)
		if rec.Code != http.StatusNotFound {
			t.Errorf("expected 404 across tenants, got %d", rec.Code)
		}
	})

	t.Run("Reanalyze", func(t *testing.T) {
		before := decodeBody[domain.FraudScore](t, do(t, server, http.MethodGet, "/orders/ord-1/score", testTenant, nil))

		rec := do(t, server, http.MethodPost, "/orders/ord-1/reanalyze", testTenant, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
		}
		after := decodeBody[domain.FraudScore](t, rec)
		if after.ID == before.ID {
			t.Error("expected a new score after reanalysis")
		}
	})

	t.Run("ReanalyzeUnknownOrder", func(t *testing.T) {
		rec := do(t, server, http.MethodPost, "/orders/missing/reanalyze", testTenant, nil)
		if rec.Code != http.StatusNotFound {
			t.Errorf("expected 404, got %d", rec.Code)
		}
	})

	t.Run("ReviewValidation", func(t *testing.T) {
		rec := do(t, server, http.MethodPost, "/orders/ord-1/review", testTenant, map[string]any{"decision": "approve"})
		if rec.Code != http.StatusBadRequest {
			t.Errorf("expected 400 without reviewer, got %d", rec.Code)
		}
		rec = do(t, server, http.MethodPost, "/orders/ord-1/review", testTenant, map[string]any{"decision": "maybe", "reviewer": "ana"})
		if rec.Code != http.StatusBadRequest {
			t.Errorf("expected 400 for unknown decision, got %d", rec.Code)
		}
	})

	t.Run("ReviewReject", func(t *testing.T) {
		rec := do(t, server, http.MethodPost, "/orders/ord-1/review", testTenant, map[string]any{
			"decision": "reject", "reviewer": "ana", "notes": "chargeback history",
		})
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
		}
		score := decodeBody[domain.FraudScore](t, rec)
		if score.Status != domain.StatusRejected {
			t.Errorf("expected rejected, got %s", score.Status)
		}
		if score.ReviewedBy != "ana" || score.ReviewedAt == nil {
			t.Errorf("review not recorded: %+v", score)
		}
	})

	t.Run("ReviewUnknownOrder", func(t *testing.T) {
		rec := do(t, server, http.MethodPost, "/orders/missing/review", testTenant, map[string]any{"decision": "approve", "reviewer": "ana"})
		if rec.Code != http.StatusNotFound {
			t.Errorf("expected 404, got %d", rec.Code)
		}
	})
}

func TestRuleEndpoints(t *testing.T) {
	server := createTestServer(t, domain.ServerConfig{})

	rule := map[string]any{
		"id":       "very-large-order",
		"name":     "Very large order",
		"type":     "amount",
		"priority": 70,
		"score":    40,
		"action":   "flag",
		"conditions": []map[string]any{
			{"feature": "amount", "operator": "gte", "value": 5000},
		},
	}

	t.Run("Create", func(t *testing.T) {
		rec := do(t, server, http.MethodPost, "/rules", testTenant, rule)
		if rec.Code != http.StatusCreated {
			t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
		}
	})

	t.Run("CreateDuplicate", func(t *testing.T) {
		rec := do(t, server, http.MethodPost, "/rules", testTenant, rule)
		if rec.Code != http.StatusConflict {
			t.Errorf("expected 409, got %d", rec.Code)
		}
	})

	t.Run("CreateUnknownFeature", func(t *testing.T) {
		bad := map[string]any{
			"name": "bad", "type": "amount", "score": 10,
			"conditions": []map[string]any{{"feature": "shoe_size", "operator": "gt", "value": 3}},
		}
		rec := do(t, server, http.MethodPost, "/rules", testTenant, bad)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", rec.Code)
		}
	})

	t.Run("CreateWithoutConditions", func(t *testing.T) {
		rec := do(t, server, http.MethodPost, "/rules", testTenant, map[string]any{"name": "empty", "type": "amount", "score": 10})
		if rec.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", rec.Code)
		}
	})

	t.Run("Get", func(t *testing.T) {
		rec := do(t, server, http.MethodGet, "/rules/very-large-order", testTenant, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		got := decodeBody[domain.Rule](t, rec)
		if got.TenantID != domain.GlobalTenantID || !got.Active {
			t.Errorf("expected active global rule, got %+v", got)
		}
	})

	t.Run("Update", func(t *testing.T) {
		updated := map[string]any{
			"name": "Very large order", "type": "amount", "score": 55,
			"conditions": []map[string]any{{"feature": "amount", "operator": "gte", "value": 2500}},
		}
		rec := do(t, server, http.MethodPut, "/rules/very-large-order", testTenant, updated)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
		}
		got := decodeBody[domain.Rule](t, do(t, server, http.MethodGet, "/rules/very-large-order", testTenant, nil))
		if got.Score != 55 {
			t.Errorf("expected score 55, got %v", got.Score)
		}
	})

	t.Run("UpdateMissing", func(t *testing.T) {
		body := map[string]any{
			"name": "Missing", "type": "amount", "score": 10,
			"conditions": []map[string]any{{"feature": "amount", "operator": "gt", "value": 1}},
		}
		rec := do(t, server, http.MethodPut, "/rules/missing", testTenant, body)
		if rec.Code != http.StatusNotFound {
			t.Errorf("expected 404, got %d", rec.Code)
		}

		rec = do(t, server, http.MethodPut, "/rules/very-large-order", testTenant, rule)
		if rec.Code != http.StatusOK {
			t.Errorf("expected 200 with matching id, got %d", rec.Code)
		}
	})

	t.Run("Reload", func(t *testing.T) {
		loaded := server.Handler().engine.RulesCount()
		rec := do(t, server, http.MethodPost, "/rules/reload", testTenant, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		if got := server.Handler().engine.RulesCount(); got != loaded+1 {
			t.Errorf("expected %d rules after reload, got %d", loaded+1, got)
		}
	})

	t.Run("Deactivate", func(t *testing.T) {
		rec := do(t, server, http.MethodDelete, "/rules/very-large-order", testTenant, nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}

		resp := decodeBody[struct {
			Rules []domain.Rule `json:"rules"`
		}](t, do(t, server, http.MethodGet, "/rules?active=true", testTenant, nil))
		for _, r := range resp.Rules {
			if r.ID == "very-large-order" {
				t.Error("deactivated rule listed as active")
			}
		}
	})

	t.Run("DeactivateMissing", func(t *testing.T) {
		rec := do(t, server, http.MethodDelete, "/rules/missing", testTenant, nil)
		if rec.Code != http.StatusNotFound {
			t.Errorf("expected 404, got %d", rec.Code)
		}
	})
}

func TestBlacklistEndpoints(t *testing.T) {
	server := createTestServer(t, domain.ServerConfig{})

	entry := map[string]any{"type": "ip", "value": "198.51.100.7", "reason": "confirmed chargeback", "severity": "high"}

	t.Run("Add", func(t *testing.T) {
		rec := do(t, server, http.MethodPost, "/blacklist", testTenant, entry)
		if rec.Code != http.StatusCreated {
			t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
		}
	})

	t.Run("AddExisting", func(t *testing.T) {
		rec := do(t, server, http.MethodPost, "/blacklist", testTenant, entry)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		resp := decodeBody[map[string]any](t, rec)
		if resp["created"] != false {
			t.Errorf("expected created=false, got %v", resp["created"])
		}
	})

	t.Run("AddInvalidType", func(t *testing.T) {
		rec := do(t, server, http.MethodPost, "/blacklist", testTenant, map[string]any{"type": "phone", "value": "x", "reason": "r"})
		if rec.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", rec.Code)
		}
	})

	t.Run("List", func(t *testing.T) {
		resp := decodeBody[struct {
			Count int `json:"count"`
		}](t, do(t, server, http.MethodGet, "/blacklist", testTenant, nil))
		if resp.Count != 1 {
			t.Errorf("expected 1 entry, got %d", resp.Count)
		}

		other := decodeBody[struct {
			Count int `json:"count"`
		}](t, do(t, server, http.MethodGet, "/blacklist", "tenant-002", nil))
		if other.Count != 0 {
			t.Errorf("expected no entries for other tenant, got %d", other.Count)
		}
	})

	t.Run("BlacklistedOrder", func(t *testing.T) {
		body := orderRequest("ord-bl", "30.00")
		body["ipAddress"] = "198.51.100.7"
		rec := do(t, server, http.MethodPost, "/evaluate", testTenant, body)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		score := decodeBody[domain.FraudScore](t, rec)
		if score.RiskLevel != domain.RiskCritical || score.Status != domain.StatusRejected {
			t.Errorf("expected critical/rejected, got %s/%s", score.RiskLevel, score.Status)
		}
		if score.Blacklist == nil || score.Blacklist.Type != domain.IdentityIP {
			t.Errorf("expected ip blacklist match, got %+v", score.Blacklist)
		}
	})

	t.Run("Remove", func(t *testing.T) {
		rec := do(t, server, http.MethodDelete, "/blacklist/ip/198.51.100.7", testTenant, nil)
		if rec.Code != http.StatusNoContent {
			t.Fatalf("expected 204, got %d", rec.Code)
		}
		rec = do(t, server, http.MethodDelete, "/blacklist/ip/198.51.100.7", testTenant, nil)
		if rec.Code != http.StatusNotFound {
			t.Errorf("expected 404 on second delete, got %d", rec.Code)
		}
	})

	t.Run("RemoveEscapedEmail", func(t *testing.T) {
		add := map[string]any{"type": "email", "value": "Fraud@Example.com", "reason": "stolen card"}
		require.Equal(t, http.StatusCreated, do(t, server, http.MethodPost, "/blacklist", testTenant, add).Code)

		rec := do(t, server, http.MethodDelete, "/blacklist/email/fraud%40example.com", testTenant, nil)
		if rec.Code != http.StatusNoContent {
			t.Errorf("expected 204, got %d", rec.Code)
		}
	})

	t.Run("RemoveUnknownType", func(t *testing.T) {
		rec := do(t, server, http.MethodDelete, "/blacklist/phone/123", testTenant, nil)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", rec.Code)
		}
	})
}

func TestRateLimit(t *testing.T) {
	server := createTestServer(t, domain.ServerConfig{RateLimitRPS: 0.01, RateLimitBurst: 2})

	for i := 0; i < 2; i++ {
		if rec := do(t, server, http.MethodGet, "/blacklist", testTenant, nil); rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, rec.Code)
		}
	}

	rec := do(t, server, http.MethodGet, "/blacklist", testTenant, nil)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("expected Retry-After header")
	}

	if rec := do(t, server, http.MethodGet, "/blacklist", "tenant-002", nil); rec.Code != http.StatusOK {
		t.Errorf("expected other tenant unaffected, got %d", rec.Code)
	}

	if rec := do(t, server, http.MethodGet, "/health", "", nil); rec.Code != http.StatusOK {
		t.Errorf("expected health outside the limiter, got %d", rec.Code)
	}
}

func TestTenantRateLimiter(t *testing.T) {
	l := NewTenantRateLimiter(1, 1)
	if !l.Allow("a") {
		t.Fatal("first request should pass")
	}
	if l.Allow("a") {
		t.Error("second immediate request should be limited")
	}
	if !l.Allow("b") {
		t.Error("tenants must not share a bucket")
	}
}
