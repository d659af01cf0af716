package blacklist

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/opensource-finance/kestrel/internal/bus"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
)

// AutoConfig controls auto-blacklisting.
type AutoConfig struct {
	Enabled   bool
	Threshold int
	Window    time.Duration
}

// AutoConfigFrom reads the auto-blacklist settings from service config.
func AutoConfigFrom(cfg domain.BlacklistConfig) AutoConfig {
	return AutoConfig{
		Enabled:   cfg.AutoEnabled,
		Threshold: cfg.AutoThreshold,
		Window:    cfg.AutoWindow,
	}
}

// autoDimensions are the identity types that can be auto-blacklisted.
var autoDimensions = []domain.IdentityType{domain.IdentityIP, domain.IdentityUser}

// AddedEvent is published on TopicBlacklistAdded.
type AddedEvent struct {
	Entry   *domain.BlacklistEntry `json:"entry"`
	OrderID string                 `json:"orderId"`
	Count   int                    `json:"attemptCount"`
}

// AutoBlacklister promotes identities with repeated fraud attempts to the
// blacklist.
type AutoBlacklister struct {
	attempts domain.AttemptStore
	checker  *Checker
	bus      domain.EventBus
	cfg      AutoConfig
	now      func() time.Time
}

// NewAutoBlacklister creates an auto-blacklister. bus may be nil.
func NewAutoBlacklister(attempts domain.AttemptStore, checker *Checker, eventBus domain.EventBus, cfg AutoConfig) *AutoBlacklister {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 5
	}
	if cfg.Window <= 0 {
		cfg.Window = 24 * time.Hour
	}
	return &AutoBlacklister{
		attempts: attempts,
		checker:  checker,
		bus:      eventBus,
		cfg:      cfg,
		now:      time.Now,
	}
}

// Evaluate counts recent attempts for the transaction's IP and user and
// blacklists each one at or above the threshold. It returns the entries
// created by this call. Attempts for the current order must already be
// recorded.
func (a *AutoBlacklister) Evaluate(ctx context.Context, tenantID string, tx domain.TransactionContext) ([]*domain.BlacklistEntry, error) {
	if !a.cfg.Enabled {
		return nil, nil
	}

	since := a.now().Add(-a.cfg.Window).UTC()
	var created []*domain.BlacklistEntry

	for _, idType := range autoDimensions {
		value := tx.Identity(idType)
		if value == "" {
			continue
		}

		count, err := a.attempts.CountFraudAttempts(ctx, tenantID, idType, value, since)
		if err != nil {
			return created, fmt.Errorf("count %s attempts: %w", idType, err)
		}
		if count < a.cfg.Threshold {
			continue
		}

		entry := &domain.BlacklistEntry{
			Type:     idType,
			Value:    value,
			Reason:   domain.AutoBlacklistReason,
			Severity: domain.SeverityHigh,
			Source:   domain.SourceAuto,
		}
		ok, err := a.checker.Add(ctx, tenantID, entry)
		if err != nil {
			return created, err
		}
		if !ok {
			continue
		}

		slog.Warn("identity auto-blacklisted",
			"tenant_id", tenantID,
			"order_id", tx.OrderID,
			"identity_type", idType,
			"attempt_count", count,
			"window", a.cfg.Window.String(),
		)
		metrics.AutoBlacklistedTotal.WithLabelValues(string(idType)).Inc()
		created = append(created, entry)

		if a.bus != nil {
			event := AddedEvent{Entry: entry, OrderID: tx.OrderID, Count: count}
			if err := bus.PublishJSON(ctx, a.bus, tenantID, domain.TopicBlacklistAdded, event); err != nil {
				slog.Warn("failed to publish blacklist event", "tenant_id", tenantID, "error", err)
			}
		}
	}

	return created, nil
}
