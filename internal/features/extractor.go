// Package features derives the rule feature set from a transaction and the
// buyer's order history.
package features

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Store is the read-only data the extractor needs.
type Store interface {
	domain.HistoryStore
	GetUser(ctx context.Context, tenantID string, userID string) (*domain.User, error)
}

// History windows for the orders_last_* features.
var historyWindows = []struct {
	feature string
	window  time.Duration
}{
	{domain.FeatureOrdersLast1h, time.Hour},
	{domain.FeatureOrdersLast24h, 24 * time.Hour},
	{domain.FeatureOrdersLast7d, 7 * 24 * time.Hour},
}

// Extractor computes feature sets. It never writes.
type Extractor struct {
	store Store
}

// NewExtractor creates an extractor over store.
func NewExtractor(store Store) *Extractor {
	return &Extractor{store: store}
}

// Extract computes every transaction and history feature. Velocity
// features are not included; the caller merges them in after tracking.
func (e *Extractor) Extract(ctx context.Context, tx domain.TransactionContext) (domain.FeatureSet, error) {
	f := make(domain.FeatureSet, len(domain.FeatureSchema))

	amount := tx.Amount
	f[domain.FeatureAmount] = amount.InexactFloat64()
	f[domain.FeatureIsGuest] = tx.IsGuest()
	f[domain.FeatureHasDevice] = tx.DeviceFingerprint != ""
	f[domain.FeatureHourOfDay] = float64(tx.Timestamp.UTC().Hour())
	if tx.Currency != "" {
		f[domain.FeatureCurrency] = strings.ToUpper(tx.Currency)
	}

	itemFeatures(f, tx.Items)
	addressFeatures(f, tx.BillingAddress, tx.ShippingAddress)

	user, err := e.user(ctx, tx)
	if err != nil {
		return nil, err
	}
	if user != nil {
		f[domain.FeatureAccountAgeDays] = accountAgeDays(user.CreatedAt, tx.Timestamp)
		f[domain.FeatureEmailVerified] = user.EmailVerified
		f[domain.FeaturePhoneVerified] = user.PhoneVerified
	} else {
		f[domain.FeatureAccountAgeDays] = 0.0
		f[domain.FeatureEmailVerified] = false
		f[domain.FeaturePhoneVerified] = false
	}

	if err := e.history(ctx, tx, f); err != nil {
		return nil, err
	}
	return f, nil
}

// user loads the buyer account. Guests and unknown users return nil.
func (e *Extractor) user(ctx context.Context, tx domain.TransactionContext) (*domain.User, error) {
	if tx.IsGuest() {
		return nil, nil
	}
	user, err := e.store.GetUser(ctx, tx.TenantID, tx.UserID)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load user: %w", err)
	}
	return user, nil
}

func (e *Extractor) history(ctx context.Context, tx domain.TransactionContext, f domain.FeatureSet) error {
	if tx.IsGuest() {
		f[domain.FeatureOrderCount] = 0.0
		f[domain.FeatureAvgOrderAmount] = 0.0
		f[domain.FeatureAmountDeviation] = 1.0
		for _, w := range historyWindows {
			f[w.feature] = 0.0
		}
		f[domain.FeatureIsNewDevice] = tx.DeviceFingerprint != ""
		f[domain.FeatureIsNewIP] = tx.IPAddress != ""
		return nil
	}

	scope := domain.HistoryOf(tx)
	stats, err := e.store.GetOrderStats(ctx, tx.TenantID, scope)
	if err != nil {
		return fmt.Errorf("order stats: %w", err)
	}
	f[domain.FeatureOrderCount] = float64(stats.Count)
	f[domain.FeatureAvgOrderAmount] = stats.AverageAmount.InexactFloat64()
	f[domain.FeatureAmountDeviation] = deviation(tx.Amount, stats)

	for _, w := range historyWindows {
		n, err := e.store.CountOrdersSince(ctx, tx.TenantID, scope, tx.Timestamp.Add(-w.window))
		if err != nil {
			return fmt.Errorf("%s: %w", w.feature, err)
		}
		f[w.feature] = float64(n)
	}

	newDevice := false
	if tx.DeviceFingerprint != "" {
		used, err := e.store.HasUsedDevice(ctx, tx.TenantID, scope, tx.DeviceFingerprint)
		if err != nil {
			return fmt.Errorf("device history: %w", err)
		}
		newDevice = !used
	}
	f[domain.FeatureIsNewDevice] = newDevice

	newIP := false
	if tx.IPAddress != "" {
		used, err := e.store.HasUsedIP(ctx, tx.TenantID, scope, tx.IPAddress)
		if err != nil {
			return fmt.Errorf("ip history: %w", err)
		}
		newIP = !used
	}
	f[domain.FeatureIsNewIP] = newIP

	return nil
}

// deviation is amount / average prior amount, or 1 without history.
func deviation(amount decimal.Decimal, stats *domain.OrderStats) float64 {
	if stats.Count == 0 || !stats.AverageAmount.IsPositive() {
		return 1.0
	}
	return amount.DivRound(stats.AverageAmount, 4).InexactFloat64()
}

func accountAgeDays(created, at time.Time) float64 {
	if created.IsZero() || at.Before(created) {
		return 0
	}
	return math.Floor(at.Sub(created).Hours() / 24)
}

func itemFeatures(f domain.FeatureSet, items []domain.LineItem) {
	var total, digital int
	for _, it := range items {
		q := it.Quantity
		if q < 1 {
			q = 1
		}
		total += q
		if it.Digital {
			digital += q
		}
	}

	ratio := 0.0
	if total > 0 {
		ratio = float64(digital) / float64(total)
	}
	f[domain.FeatureItemCount] = float64(total)
	f[domain.FeatureDigitalRatio] = ratio
	f[domain.FeatureHasDigital] = digital > 0
	f[domain.FeatureHasPhysical] = total > digital
}

func addressFeatures(f domain.FeatureSet, billing domain.Address, shipping *domain.Address) {
	if shipping == nil || shipping.IsZero() {
		f[domain.FeatureShippingMatches] = true
		f[domain.FeatureCountryMismatch] = false
		return
	}
	f[domain.FeatureShippingMatches] = billing.Equal(*shipping)
	f[domain.FeatureCountryMismatch] = !strings.EqualFold(
		strings.TrimSpace(billing.Country), strings.TrimSpace(shipping.Country))
}
