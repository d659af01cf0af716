// Package worker consumes submitted orders from the EventBus and scores
// them asynchronously.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// Submitter persists and scores an order. fraud.Service implements it.
type Submitter interface {
	Submit(ctx context.Context, order *domain.Order) (*domain.FraudScore, error)
}

// Worker processes orders from the EventBus.
type Worker struct {
	bus       domain.EventBus
	submitter Submitter

	sem     chan struct{}
	timeout time.Duration

	mu            sync.Mutex
	stopped       bool
	subscriptions []domain.Subscription
	wg            sync.WaitGroup
	ctx           context.Context
	cancel        context.CancelFunc
}

// Config holds worker configuration.
type Config struct {
	// Concurrency bounds the number of orders scored at once.
	Concurrency int

	// Timeout bounds one evaluation.
	Timeout time.Duration
}

// NewWorker creates a new async worker.
func NewWorker(eventBus domain.EventBus, submitter Submitter, cfg Config) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:       eventBus,
		submitter: submitter,
		sem:       make(chan struct{}, cfg.Concurrency),
		timeout:   cfg.Timeout,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start subscribes to the order topic for the given tenants. No tenants
// consumes every tenant through one wildcard subscription.
func (w *Worker) Start(tenantIDs []string) error {
	if len(tenantIDs) == 0 {
		return w.subscribe(bus.AllTenants)
	}

	var errs []error
	for _, tenantID := range tenantIDs {
		if err := w.subscribe(tenantID); err != nil {
			slog.Error("failed to start worker for tenant",
				"tenant_id", tenantID,
				"error", err,
			)
			errs = append(errs, err)
		}
	}
	if len(errs) == len(tenantIDs) {
		return fmt.Errorf("no tenant worker started: %w", errors.Join(errs...))
	}

	slog.Info("workers started",
		"tenant_count", len(tenantIDs)-len(errs),
	)
	return nil
}

func (w *Worker) subscribe(tenantID string) error {
	sub, err := w.bus.Subscribe(w.ctx, tenantID, domain.TopicOrderSubmitted, func(ctx context.Context, msg *domain.Message) error {
		return w.dispatch(tenantID, msg)
	})
	if err != nil {
		return err
	}

	w.mu.Lock()
	w.subscriptions = append(w.subscriptions, sub)
	w.mu.Unlock()

	slog.Info("order worker started",
		"tenant_id", tenantID,
		"topic", domain.TopicOrderSubmitted,
	)
	return nil
}

// dispatch waits for a free slot and scores the order in the background.
func (w *Worker) dispatch(tenantID string, msg *domain.Message) error {
	select {
	case w.sem <- struct{}{}:
	case <-w.ctx.Done():
		return w.ctx.Err()
	}

	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		<-w.sem
		return fmt.Errorf("worker stopped, order message %s not processed", msg.ID)
	}
	w.wg.Add(1)
	w.mu.Unlock()

	go func() {
		defer w.wg.Done()
		defer func() { <-w.sem }()

		// In-flight orders finish after Stop.
		ctx, cancel := context.WithTimeout(context.WithoutCancel(w.ctx), w.timeout)
		defer cancel()

		if err := w.process(ctx, tenantID, msg); err != nil {
			slog.Error("order processing failed",
				"tenant_id", msg.TenantID,
				"message_id", msg.ID,
				"error", err,
			)
		}
	}()
	return nil
}

// process decodes and scores one order.
func (w *Worker) process(ctx context.Context, tenantID string, msg *domain.Message) error {
	start := time.Now()

	var order domain.Order
	if err := bus.Decode(msg, &order); err != nil {
		return err
	}

	// The envelope's tenant is authoritative.
	if tenantID == bus.AllTenants {
		tenantID = msg.TenantID
	}
	switch {
	case order.TenantID == "":
		order.TenantID = tenantID
	case order.TenantID != tenantID:
		return fmt.Errorf("%w: order tenant %q does not match message tenant %q", domain.ErrInvalidInput, order.TenantID, tenantID)
	}

	slog.Debug("processing order",
		"order_id", order.ID,
		"tenant_id", tenantID,
		"trace_id", msg.Metadata[bus.MetadataTraceID],
	)

	score, err := w.submitter.Submit(ctx, &order)
	if errors.Is(err, domain.ErrConflict) {
		slog.Info("order already scored, skipping redelivery",
			"order_id", order.ID,
			"tenant_id", tenantID,
		)
		return nil
	}
	if err != nil {
		return fmt.Errorf("submit order %s: %w", order.ID, err)
	}

	slog.Info("order processed",
		"order_id", order.ID,
		"tenant_id", tenantID,
		"risk_level", score.RiskLevel,
		"score", score.TotalScore,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// Stop unsubscribes and waits for in-flight orders.
func (w *Worker) Stop() error {
	w.cancel()

	w.mu.Lock()
	w.stopped = true
	subs := w.subscriptions
	w.subscriptions = nil
	w.mu.Unlock()

	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			slog.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}

	w.wg.Wait()

	slog.Info("workers stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
	InFlight          int      `json:"inFlight"`
	Concurrency       int      `json:"concurrency"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()

	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
		InFlight:          len(w.sem),
		Concurrency:       cap(w.sem),
	}
}
