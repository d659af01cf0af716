package main

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// LabeledOrder is one CSV row: an order plus its ground-truth label.
type LabeledOrder struct {
	Request map[string]any
	IsFraud bool
}

// requiredColumns must be present in the CSV header.
var requiredColumns = []string{"order_id", "email", "amount", "ip_address", "is_fraud"}

// readOrders parses labeled orders. Columns are matched by lower-cased
// header name; rows that cannot be parsed are skipped and counted.
func readOrders(r io.Reader, limit int) ([]LabeledOrder, int, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, 0, fmt.Errorf("failed to read header: %w", err)
	}
	col := make(map[string]int, len(header))
	for i, name := range header {
		col[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, name := range requiredColumns {
		if _, ok := col[name]; !ok {
			return nil, 0, fmt.Errorf("missing column %q", name)
		}
	}

	get := func(record []string, name string) string {
		i, ok := col[name]
		if !ok || i >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[i])
	}

	var (
		orders  []LabeledOrder
		skipped int
	)
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			skipped++
			continue
		}

		order, err := parseOrder(record, get)
		if err != nil {
			skipped++
			continue
		}
		orders = append(orders, order)

		if limit > 0 && len(orders) >= limit {
			break
		}
	}
	return orders, skipped, nil
}

func parseOrder(record []string, get func([]string, string) string) (LabeledOrder, error) {
	id := get(record, "order_id")
	if id == "" {
		return LabeledOrder{}, errors.New("empty order_id")
	}
	amount := get(record, "amount")
	if _, err := strconv.ParseFloat(amount, 64); err != nil {
		return LabeledOrder{}, fmt.Errorf("amount: %w", err)
	}
	label := strings.ToLower(get(record, "is_fraud"))
	isFraud := label == "1" || label == "true" || label == "yes"

	orDefault := func(name, def string) string {
		if v := get(record, name); v != "" {
			return v
		}
		return def
	}

	req := map[string]any{
		"id":                id,
		"email":             get(record, "email"),
		"amount":            amount,
		"currency":          orDefault("currency", "USD"),
		"ipAddress":         get(record, "ip_address"),
		"userAgent":         get(record, "user_agent"),
		"deviceFingerprint": get(record, "device_fingerprint"),
		"billingAddress": map[string]any{
			"line1":      orDefault("billing_line1", "unknown"),
			"city":       orDefault("billing_city", "unknown"),
			"postalCode": orDefault("billing_postal_code", "00000"),
			"country":    orDefault("billing_country", "US"),
		},
	}
	if userID := get(record, "user_id"); userID != "" {
		req["userId"] = userID
	}
	if line1 := get(record, "shipping_line1"); line1 != "" {
		req["shippingAddress"] = map[string]any{
			"line1":      line1,
			"city":       orDefault("shipping_city", "unknown"),
			"postalCode": orDefault("shipping_postal_code", "00000"),
			"country":    orDefault("shipping_country", "US"),
		}
	}
	if ts := get(record, "created_at"); ts != "" {
		if _, err := time.Parse(time.RFC3339, ts); err != nil {
			return LabeledOrder{}, fmt.Errorf("created_at: %w", err)
		}
		req["createdAt"] = ts
	}
	return LabeledOrder{Request: req, IsFraud: isFraud}, nil
}

// ScoreResponse is the subset of the score the replay needs.
type ScoreResponse struct {
	OrderID    string  `json:"orderId"`
	TotalScore float64 `json:"totalScore"`
	RiskLevel  string  `json:"riskLevel"`
	Status     string  `json:"status"`
}

// Flagged reports whether the service held the order back.
func (s *ScoreResponse) Flagged() bool {
	return s.Status == "rejected" || s.Status == "under_review"
}

// Counts is the replay's confusion matrix plus timing.
type Counts struct {
	TruePositives  int64 // fraud flagged
	FalsePositives int64 // legitimate flagged
	TrueNegatives  int64 // legitimate approved
	FalseNegatives int64 // fraud missed

	Processed int64
	Errors    int64
	LatencyMs int64
}

func (c *Counts) record(flagged, fraud bool) {
	switch {
	case flagged && fraud:
		atomic.AddInt64(&c.TruePositives, 1)
	case flagged && !fraud:
		atomic.AddInt64(&c.FalsePositives, 1)
	case !flagged && !fraud:
		atomic.AddInt64(&c.TrueNegatives, 1)
	default:
		atomic.AddInt64(&c.FalseNegatives, 1)
	}
}

// Precision is the share of flagged orders that were fraud.
func (c *Counts) Precision() float64 {
	return ratio(c.TruePositives, c.TruePositives+c.FalsePositives)
}

// Recall is the share of fraud that was flagged.
func (c *Counts) Recall() float64 {
	return ratio(c.TruePositives, c.TruePositives+c.FalseNegatives)
}

// F1 is the harmonic mean of precision and recall.
func (c *Counts) F1() float64 {
	p, r := c.Precision(), c.Recall()
	if p+r == 0 {
		return 0
	}
	return 2 * p * r / (p + r)
}

// Accuracy is the share of correct verdicts.
func (c *Counts) Accuracy() float64 {
	total := c.TruePositives + c.TrueNegatives + c.FalsePositives + c.FalseNegatives
	return ratio(c.TruePositives+c.TrueNegatives, total)
}

func ratio(num, den int64) float64 {
	if den == 0 {
		return 0
	}
	return float64(num) / float64(den)
}

// Replayer posts orders to a running service.
type Replayer struct {
	client   *http.Client
	baseURL  string
	tenantID string
	workers  int
	verbose  bool
	out      io.Writer
}

// Run evaluates all orders with the configured number of workers.
func (r *Replayer) Run(orders []LabeledOrder) *Counts {
	counts := &Counts{}
	work := make(chan LabeledOrder, 100)

	var wg sync.WaitGroup
	var outMu sync.Mutex
	for i := 0; i < r.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for order := range work {
				start := time.Now()
				score, err := r.evaluate(order.Request)
				atomic.AddInt64(&counts.LatencyMs, time.Since(start).Milliseconds())
				atomic.AddInt64(&counts.Processed, 1)

				if err != nil {
					atomic.AddInt64(&counts.Errors, 1)
					if r.verbose {
						outMu.Lock()
						fmt.Fprintf(r.out, "ERROR %v -> %v\n", order.Request["id"], err)
						outMu.Unlock()
					}
					continue
				}

				flagged := score.Flagged()
				counts.record(flagged, order.IsFraud)

				if r.verbose {
					mark := "ok"
					if flagged != order.IsFraud {
						mark = "MISS"
					}
					outMu.Lock()
					fmt.Fprintf(r.out, "%-4s %-20v fraud=%-5v score=%6.2f level=%-8s status=%s\n",
						mark, order.Request["id"], order.IsFraud, score.TotalScore, score.RiskLevel, score.Status)
					outMu.Unlock()
				}
			}
		}()
	}

	for _, order := range orders {
		work <- order
	}
	close(work)
	wg.Wait()

	return counts
}

func (r *Replayer) evaluate(order map[string]any) (*ScoreResponse, error) {
	body, err := json.Marshal(order)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequest(http.MethodPost, r.baseURL+"/evaluate", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Tenant-ID", r.tenantID)

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	var score ScoreResponse
	if err := json.NewDecoder(resp.Body).Decode(&score); err != nil {
		return nil, err
	}
	return &score, nil
}

func checkHealth(client *http.Client, baseURL string) error {
	resp, err := client.Get(baseURL + "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	return nil
}
