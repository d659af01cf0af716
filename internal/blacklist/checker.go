// Package blacklist checks identities against the deny list and grows it
// from repeated fraud attempts.
package blacklist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
)

// UnavailableReason is the reason on matches synthesized by a fail-closed
// policy.
const UnavailableReason = "blacklist lookup unavailable"

// Checker answers whether any identity of a transaction is blacklisted.
type Checker struct {
	store  domain.BlacklistStore
	cache  domain.Cache
	policy domain.FailurePolicy
	ttl    time.Duration
}

// NewChecker creates a checker. A nil policy fails open; a nil cache
// disables hit caching.
func NewChecker(store domain.BlacklistStore, cache domain.Cache, policy domain.FailurePolicy, ttl time.Duration) *Checker {
	if policy == nil {
		policy = domain.FailOpen{}
	}
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Checker{store: store, cache: cache, policy: policy, ttl: ttl}
}

// Check looks up each identity in order. The first hit wins.
func (c *Checker) Check(ctx context.Context, tenantID string, ids []domain.Identity) (*domain.BlacklistMatch, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", domain.ErrInvalidInput)
	}

	for _, id := range ids {
		if id.Value == "" {
			continue
		}

		entry, err := c.lookup(ctx, tenantID, id)
		if err != nil {
			if c.policy.Blocks(err) {
				slog.Warn("blacklist lookup failed, treating as match",
					"tenant_id", tenantID,
					"identity_type", id.Type,
					"policy", c.policy.Name(),
					"error", err,
				)
				metrics.BlacklistHitsTotal.WithLabelValues(string(id.Type)).Inc()
				return &domain.BlacklistMatch{
					Type:       id.Type,
					Value:      id.Value,
					Reason:     UnavailableReason,
					Severity:   domain.SeverityCritical,
					Unverified: true,
				}, nil
			}
			slog.Warn("blacklist lookup failed, skipping identity",
				"tenant_id", tenantID,
				"identity_type", id.Type,
				"policy", c.policy.Name(),
				"error", err,
			)
			continue
		}
		if entry == nil {
			continue
		}

		metrics.BlacklistHitsTotal.WithLabelValues(string(id.Type)).Inc()
		return &domain.BlacklistMatch{
			Type:     entry.Type,
			Value:    entry.Value,
			Reason:   entry.Reason,
			Severity: entry.Severity,
		}, nil
	}

	return nil, nil
}

// lookup returns the entry for id, or nil when it is not blacklisted.
func (c *Checker) lookup(ctx context.Context, tenantID string, id domain.Identity) (*domain.BlacklistEntry, error) {
	key := cacheKey(id.Type, id.Value)

	if c.cache != nil {
		if raw, err := c.cache.Get(ctx, tenantID, key); err == nil && raw != nil {
			var entry domain.BlacklistEntry
			if json.Unmarshal(raw, &entry) == nil {
				return &entry, nil
			}
		}
	}

	entry, err := c.store.FindBlacklistEntry(ctx, tenantID, id.Type, id.Value)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if c.cache != nil {
		if raw, err := json.Marshal(entry); err == nil {
			if err := c.cache.Set(ctx, tenantID, key, raw, c.ttl); err != nil {
				slog.Debug("blacklist cache write failed", "tenant_id", tenantID, "error", err)
			}
		}
	}
	return entry, nil
}

// Add creates an entry unless the (type, value) pair already exists.
func (c *Checker) Add(ctx context.Context, tenantID string, entry *domain.BlacklistEntry) (bool, error) {
	idType, err := domain.ParseIdentityType(string(entry.Type))
	if err != nil {
		return false, err
	}
	entry.Type = idType
	entry.Value = NormalizeValue(idType, entry.Value)
	if entry.Value == "" {
		return false, fmt.Errorf("%w: value is required", domain.ErrInvalidInput)
	}
	if entry.Severity == "" {
		entry.Severity = domain.SeverityMedium
	}
	if entry.Source == "" {
		entry.Source = domain.SourceManual
	}

	created, err := c.store.AddBlacklistEntry(ctx, tenantID, entry)
	if err != nil {
		return false, fmt.Errorf("add blacklist entry: %w", err)
	}
	if created {
		slog.Info("blacklist entry added",
			"tenant_id", tenantID,
			"identity_type", entry.Type,
			"source", entry.Source,
			"severity", entry.Severity,
		)
	}
	return created, nil
}

// Remove deletes an entry and its cached hit.
func (c *Checker) Remove(ctx context.Context, tenantID string, idType domain.IdentityType, value string) error {
	value = NormalizeValue(idType, value)
	if err := c.store.RemoveBlacklistEntry(ctx, tenantID, idType, value); err != nil {
		return err
	}
	if c.cache != nil {
		if err := c.cache.Delete(ctx, tenantID, cacheKey(idType, value)); err != nil {
			slog.Warn("blacklist cache invalidation failed", "tenant_id", tenantID, "error", err)
		}
	}
	slog.Info("blacklist entry removed", "tenant_id", tenantID, "identity_type", idType)
	return nil
}

// Get returns one entry.
func (c *Checker) Get(ctx context.Context, tenantID string, idType domain.IdentityType, value string) (*domain.BlacklistEntry, error) {
	return c.store.FindBlacklistEntry(ctx, tenantID, idType, NormalizeValue(idType, value))
}

// List returns all of a tenant's entries.
func (c *Checker) List(ctx context.Context, tenantID string) ([]*domain.BlacklistEntry, error) {
	return c.store.ListBlacklistEntries(ctx, tenantID)
}

// NormalizeValue applies the same normalization transactions get, so
// entries match regardless of case in emails.
func NormalizeValue(idType domain.IdentityType, value string) string {
	value = strings.TrimSpace(value)
	if idType == domain.IdentityEmail {
		value = strings.ToLower(value)
	}
	return value
}

func cacheKey(idType domain.IdentityType, value string) string {
	return "blacklist:" + string(idType) + ":" + value
}
