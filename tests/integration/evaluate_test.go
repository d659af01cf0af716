//go:build integration

// Package integration runs end-to-end scenarios against a running Kestrel
// started with the default rule set (rules.seed_defaults = true).
//
// Run with: go test -tags=integration -v ./tests/integration/...
//
// KESTREL_TEST_URL overrides the base URL (default http://localhost:8080).
// Every run uses fresh order ids, emails, users and IPs, so the suite can
// run repeatedly against the same database.
package integration

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"os"
	"slices"
	"testing"
	"time"

	"github.com/google/uuid"
)

// TestConfig holds test environment configuration
type TestConfig struct {
	BaseURL  string
	TenantID string
}

func getTestConfig() TestConfig {
	baseURL := os.Getenv("KESTREL_TEST_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}
	return TestConfig{
		BaseURL:  baseURL,
		TenantID: "it-" + uuid.NewString()[:8],
	}
}

// ScoreResponse mirrors the fields of a fraud score the suite checks.
type ScoreResponse struct {
	ID             string   `json:"id"`
	OrderID        string   `json:"orderId"`
	TotalScore     float64  `json:"totalScore"`
	RiskLevel      string   `json:"riskLevel"`
	Status         string   `json:"status"`
	Action         string   `json:"action"`
	TriggeredRules []string `json:"triggeredRules"`
	ReviewedBy     string   `json:"reviewedBy"`
	Blacklist      *struct {
		Type string `json:"type"`
	} `json:"blacklist"`
}

func uniqueID(prefix string) string {
	return prefix + "-" + uuid.NewString()[:12]
}

func randomIP() string {
	return fmt.Sprintf("10.%d.%d.%d", rand.IntN(250)+1, rand.IntN(250)+1, rand.IntN(250)+1)
}

// afternoon keeps the night-time rule out of the way.
func afternoon() string {
	now := time.Now().UTC()
	return time.Date(now.Year(), now.Month(), now.Day(), 14, 0, 0, 0, time.UTC).Format(time.RFC3339)
}

func newOrder(amount string) map[string]any {
	return map[string]any{
		"id":                uniqueID("ord"),
		"email":             uniqueID("buyer") + "@example.com",
		"amount":            amount,
		"currency":          "USD",
		"ipAddress":         randomIP(),
		"userAgent":         "Mozilla/5.0 (X11; Linux x86_64) Firefox/128.0",
		"deviceFingerprint": uniqueID("fp"),
		"billingAddress": map[string]any{
			"line1": "1 Main St", "city": "Springfield", "postalCode": "12345", "country": "US",
		},
		"items":     []map[string]any{{"sku": "sku-1", "quantity": 1, "unitPrice": amount}},
		"createdAt": afternoon(),
	}
}

func call(t *testing.T, config TestConfig, method, path string, body any) (int, []byte) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("Failed to marshal request: %v", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequest(method, config.BaseURL+path, reader)
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tenant-ID", config.TenantID)

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("Failed to read response: %v", err)
	}
	return resp.StatusCode, respBody
}

func evaluate(t *testing.T, config TestConfig, order map[string]any) ScoreResponse {
	t.Helper()

	status, body := call(t, config, http.MethodPost, "/evaluate", order)
	if status != http.StatusOK {
		t.Fatalf("Expected status 200, got %d: %s", status, string(body))
	}

	var score ScoreResponse
	if err := json.Unmarshal(body, &score); err != nil {
		t.Fatalf("Failed to unmarshal response: %v (body: %s)", err, string(body))
	}
	return score
}

func TestHealth(t *testing.T) {
	config := getTestConfig()

	resp, err := http.Get(config.BaseURL + "/health")
	if err != nil {
		t.Skipf("Kestrel not reachable at %s: %v", config.BaseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("Expected 200, got %d", resp.StatusCode)
	}
}

func TestOrdinaryOrder(t *testing.T) {
	/*
	   SCENARIO: a first $80 order from a guest during the afternoon.

	   No default rule matches: the amount is between the low (<10) and high
	   (>=500) first purchase bands and the addresses agree.
	*/
	config := getTestConfig()

	score := evaluate(t, config, newOrder("80.00"))

	if score.RiskLevel != "minimal" {
		t.Errorf("Expected minimal, got %s (%.1f, rules %v)", score.RiskLevel, score.TotalScore, score.TriggeredRules)
	}
	if score.Status != "approved" {
		t.Errorf("Expected approved, got %s", score.Status)
	}
}

func TestCardTesting(t *testing.T) {
	/*
	   SCENARIO: a $4.99 first purchase from a new guest.

	   first-purchase-low-amount (25) triggers. 25 stays under the low
	   threshold (30), so the order is still approved, but the score records
	   the rule.
	*/
	config := getTestConfig()

	score := evaluate(t, config, newOrder("4.99"))

	if !slices.Contains(score.TriggeredRules, "first-purchase-low-amount") {
		t.Errorf("Expected first-purchase-low-amount, got %v", score.TriggeredRules)
	}
	if score.TotalScore != 25 {
		t.Errorf("Expected score 25, got %.1f", score.TotalScore)
	}
}

func TestUserVelocity(t *testing.T) {
	/*
	   SCENARIO: one registered user places six orders in a row.

	   user-velocity-1h fires on more than 5 orders per hour, so orders one
	   to five stay clear and the sixth triggers it.
	*/
	config := getTestConfig()
	userID := uniqueID("user")
	created := time.Now().Add(-365 * 24 * time.Hour).UTC().Format(time.RFC3339)

	for i := 1; i <= 6; i++ {
		order := newOrder("45.00")
		order["userId"] = userID
		order["user"] = map[string]any{"emailVerified": true, "createdAt": created}

		score := evaluate(t, config, order)
		triggered := slices.Contains(score.TriggeredRules, "user-velocity-1h")

		if i <= 5 && triggered {
			t.Errorf("order %d: velocity rule triggered too early", i)
		}
		if i == 6 && !triggered {
			t.Errorf("order %d: expected user-velocity-1h, got %v", i, score.TriggeredRules)
		}
	}
}

func TestBlacklistedIP(t *testing.T) {
	/*
	   SCENARIO: an operator blacklists an IP, then an order arrives from it.

	   The blacklist short-circuits scoring: score 100, critical, rejected,
	   action block.
	*/
	config := getTestConfig()
	ip := randomIP()

	status, body := call(t, config, http.MethodPost, "/blacklist", map[string]any{
		"type": "ip", "value": ip, "reason": "integration test", "severity": "high",
	})
	if status != http.StatusCreated {
		t.Fatalf("Expected 201, got %d: %s", status, string(body))
	}
	t.Cleanup(func() { call(t, config, http.MethodDelete, "/blacklist/ip/"+ip, nil) })

	order := newOrder("30.00")
	order["ipAddress"] = ip
	score := evaluate(t, config, order)

	if score.TotalScore != 100 || score.RiskLevel != "critical" {
		t.Errorf("Expected 100/critical, got %.1f/%s", score.TotalScore, score.RiskLevel)
	}
	if score.Status != "rejected" || score.Action != "block" {
		t.Errorf("Expected rejected/block, got %s/%s", score.Status, score.Action)
	}
	if score.Blacklist == nil || score.Blacklist.Type != "ip" {
		t.Errorf("Expected ip blacklist match, got %+v", score.Blacklist)
	}
}

func TestReviewAndReanalyze(t *testing.T) {
	config := getTestConfig()

	order := newOrder("60.00")
	first := evaluate(t, config, order)
	path := "/orders/" + first.OrderID

	status, body := call(t, config, http.MethodPost, path+"/review", map[string]any{
		"decision": "reject", "reviewer": "integration", "notes": "manual check",
	})
	if status != http.StatusOK {
		t.Fatalf("Expected 200 from review, got %d: %s", status, string(body))
	}
	var reviewed ScoreResponse
	if err := json.Unmarshal(body, &reviewed); err != nil {
		t.Fatalf("Failed to unmarshal review: %v", err)
	}
	if reviewed.Status != "rejected" || reviewed.ReviewedBy != "integration" {
		t.Errorf("Review not applied: %+v", reviewed)
	}

	status, body = call(t, config, http.MethodPost, path+"/reanalyze", nil)
	if status != http.StatusOK {
		t.Fatalf("Expected 200 from reanalyze, got %d: %s", status, string(body))
	}
	var again ScoreResponse
	if err := json.Unmarshal(body, &again); err != nil {
		t.Fatalf("Failed to unmarshal reanalysis: %v", err)
	}
	if again.ID == first.ID {
		t.Error("Expected a fresh score after reanalysis")
	}
	if again.ReviewedBy != "" {
		t.Errorf("Expected review cleared, got %q", again.ReviewedBy)
	}
}

func TestDuplicateOrderID(t *testing.T) {
	/*
	   SCENARIO: a $5000 order is scored, then the same id is sent again
	   with a harmless amount.

	   The second submission is refused with 409; the first verdict stands.
	*/
	config := getTestConfig()

	order := newOrder("5000.00")
	first := evaluate(t, config, order)

	order["amount"] = "20.00"
	order["items"] = []map[string]any{{"sku": "sku-1", "quantity": 1, "unitPrice": "20.00"}}
	status, body := call(t, config, http.MethodPost, "/evaluate", order)
	if status != http.StatusConflict {
		t.Fatalf("Expected 409, got %d: %s", status, string(body))
	}

	status, body = call(t, config, http.MethodGet, "/orders/"+first.OrderID+"/score", nil)
	if status != http.StatusOK {
		t.Fatalf("Expected 200, got %d", status)
	}
	var latest ScoreResponse
	if err := json.Unmarshal(body, &latest); err != nil {
		t.Fatalf("Failed to unmarshal score: %v", err)
	}
	if latest.ID != first.ID {
		t.Errorf("Expected score %s to stand, got %s", first.ID, latest.ID)
	}
}

func TestTenantIsolation(t *testing.T) {
	config := getTestConfig()
	score := evaluate(t, config, newOrder("20.00"))

	other := config
	other.TenantID = "it-other-" + uuid.NewString()[:8]
	status, _ := call(t, other, http.MethodGet, "/orders/"+score.OrderID+"/score", nil)
	if status != http.StatusNotFound {
		t.Errorf("Expected 404 from another tenant, got %d", status)
	}
}

func TestValidation(t *testing.T) {
	config := getTestConfig()

	order := newOrder("10.00")
	order["email"] = "nope"
	status, _ := call(t, config, http.MethodPost, "/evaluate", order)
	if status != http.StatusBadRequest {
		t.Errorf("Expected 400, got %d", status)
	}
}
