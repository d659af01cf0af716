// Kestrel - Order fraud scoring for marketplaces.
// Copyright (c) 2025 opensource.finance
// Licensed under the Apache License 2.0

// Replay posts a labeled CSV of orders to a running Kestrel and reports how
// its verdicts compare with the labels.
//
// Usage:
//
//	go run ./cmd/replay -csv orders.csv -url http://localhost:8080
//
// The CSV needs order_id, email, amount, ip_address and is_fraud columns.
// Optional columns: user_id, currency, user_agent, device_fingerprint,
// billing_line1, billing_city, billing_postal_code, billing_country,
// shipping_line1, shipping_city, shipping_postal_code, shipping_country and
// created_at (RFC 3339). An order counts as flagged when its score status is
// rejected or under_review.
package main

import (
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

func main() {
	csvPath := flag.String("csv", "", "Path to labeled orders CSV")
	baseURL := flag.String("url", "http://localhost:8080", "Kestrel base URL")
	tenantID := flag.String("tenant", "", "Tenant ID for requests (default: a fresh replay-<timestamp> tenant)")
	limit := flag.Int("limit", 0, "Maximum orders to replay (0 = all)")
	workers := flag.Int("workers", 4, "Number of concurrent workers")
	verbose := flag.Bool("verbose", false, "Print each order result")
	flag.Parse()

	if *csvPath == "" {
		fmt.Println("Usage: replay -csv /path/to/orders.csv [-url http://localhost:8080]")
		fmt.Println("\nFlags:")
		flag.PrintDefaults()
		os.Exit(1)
	}
	if *workers < 1 {
		*workers = 1
	}
	// Order ids are unique per tenant, so each run gets its own by default.
	if *tenantID == "" {
		*tenantID = "replay-" + time.Now().UTC().Format("20060102150405")
	}

	client := &http.Client{Timeout: 10 * time.Second}
	if err := checkHealth(client, *baseURL); err != nil {
		fmt.Printf("ERROR: Kestrel not reachable at %s: %v\n", *baseURL, err)
		os.Exit(1)
	}

	file, err := os.Open(*csvPath)
	if err != nil {
		fmt.Printf("ERROR: %v\n", err)
		os.Exit(1)
	}
	orders, skipped, err := readOrders(file, *limit)
	file.Close()
	if err != nil {
		fmt.Printf("ERROR: failed to read CSV: %v\n", err)
		os.Exit(1)
	}

	fraud := 0
	for _, o := range orders {
		if o.IsFraud {
			fraud++
		}
	}
	fmt.Printf("Loaded %d orders (%d fraud, %d skipped rows), tenant %s\n", len(orders), fraud, skipped, *tenantID)

	replayer := &Replayer{
		client:   client,
		baseURL:  *baseURL,
		tenantID: *tenantID,
		workers:  *workers,
		verbose:  *verbose,
		out:      os.Stdout,
	}

	start := time.Now()
	counts := replayer.Run(orders)
	printResults(os.Stdout, counts, time.Since(start))
}

func printResults(w io.Writer, c *Counts, duration time.Duration) {
	fmt.Fprintln(w)
	fmt.Fprintln(w, "REPLAY RESULTS")
	fmt.Fprintf(w, "  Processed:  %d\n", c.Processed)
	fmt.Fprintf(w, "  Errors:     %d\n", c.Errors)

	fmt.Fprintln(w)
	fmt.Fprintln(w, "  Confusion matrix     flagged   approved")
	fmt.Fprintf(w, "    actual fraud      %7d   %8d\n", c.TruePositives, c.FalseNegatives)
	fmt.Fprintf(w, "    actual legit      %7d   %8d\n", c.FalsePositives, c.TrueNegatives)

	fmt.Fprintln(w)
	fmt.Fprintf(w, "  Precision:  %.4f\n", c.Precision())
	fmt.Fprintf(w, "  Recall:     %.4f\n", c.Recall())
	fmt.Fprintf(w, "  F1:         %.4f\n", c.F1())
	fmt.Fprintf(w, "  Accuracy:   %.4f\n", c.Accuracy())

	fmt.Fprintln(w)
	fmt.Fprintf(w, "  Duration:   %v\n", duration.Round(time.Millisecond))
	if c.Processed > 0 {
		fmt.Fprintf(w, "  Avg latency: %.2f ms\n", float64(c.LatencyMs)/float64(c.Processed))
		fmt.Fprintf(w, "  Throughput:  %.2f orders/sec\n", float64(c.Processed)/duration.Seconds())
	}
}
