// Package velocity counts how often an identity acts within a fixed window.
package velocity

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// ActionOrder is the action recorded for each evaluated order.
const ActionOrder = "order"

// Result is the outcome of TrackAndCheck.
type Result struct {
	Count     int64 `json:"count"`
	Threshold int64 `json:"threshold"`
	OverLimit bool  `json:"overLimit"`
}

// Tracker keeps fixed-window counters in a domain.Cache.
type Tracker struct {
	cache domain.Cache
	now   func() time.Time
}

// NewTracker creates a tracker over the given counter store.
func NewTracker(cache domain.Cache) *Tracker {
	return &Tracker{cache: cache, now: time.Now}
}

// Track increments the current window for (idType, value, action) and
// returns the new count.
func (t *Tracker) Track(ctx context.Context, tenantID, value string, idType domain.IdentityType, action string, window time.Duration) (int64, error) {
	key, err := t.key(value, idType, action, window)
	if err != nil {
		return 0, err
	}
	n, err := t.cache.IncrementCounter(ctx, tenantID, key, window)
	if err != nil {
		return 0, fmt.Errorf("track velocity %s: %w", idType, err)
	}
	return n, nil
}

// Count reads the current window without incrementing it.
func (t *Tracker) Count(ctx context.Context, tenantID, value string, idType domain.IdentityType, action string, window time.Duration) (int64, error) {
	key, err := t.key(value, idType, action, window)
	if err != nil {
		return 0, err
	}
	n, err := t.cache.GetCounter(ctx, tenantID, key)
	if err != nil {
		return 0, fmt.Errorf("read velocity %s: %w", idType, err)
	}
	return n, nil
}

// IsOverLimit reports whether the order counter for the identity already
// exceeds threshold in the current window.
func (t *Tracker) IsOverLimit(ctx context.Context, tenantID, value string, idType domain.IdentityType, threshold int64, window time.Duration) (bool, error) {
	n, err := t.Count(ctx, tenantID, value, idType, ActionOrder, window)
	if err != nil {
		return false, err
	}
	return n > threshold, nil
}

// TrackAndCheck increments and compares the returned count with threshold
// in one step, so concurrent callers each see a distinct count.
func (t *Tracker) TrackAndCheck(ctx context.Context, tenantID, value string, idType domain.IdentityType, action string, threshold int64, window time.Duration) (Result, error) {
	n, err := t.Track(ctx, tenantID, value, idType, action, window)
	if err != nil {
		return Result{}, err
	}
	return Result{Count: n, Threshold: threshold, OverLimit: n > threshold}, nil
}

// TrackIdentities records an order for every identity present on tx.
func (t *Tracker) TrackIdentities(ctx context.Context, tx domain.TransactionContext, window time.Duration) (map[domain.IdentityType]int64, error) {
	counts := make(map[domain.IdentityType]int64, 4)
	for _, id := range tx.Identities() {
		n, err := t.Track(ctx, tx.TenantID, id.Value, id.Type, ActionOrder, window)
		if err != nil {
			return counts, err
		}
		counts[id.Type] = n
	}
	return counts, nil
}

// Features converts tracked counts to velocity_<type>_1h features. Absent
// identities produce no feature.
func Features(counts map[domain.IdentityType]int64) domain.FeatureSet {
	fs := make(domain.FeatureSet, len(counts))
	for idType, n := range counts {
		fs[domain.VelocityFeature(idType)] = float64(n)
	}
	return fs
}

// key builds velocity:<type>:<value>:<action>:<window>:<bucket>. The bucket
// rolls over every window, so a new window starts from zero.
func (t *Tracker) key(value string, idType domain.IdentityType, action string, window time.Duration) (string, error) {
	if value == "" {
		return "", fmt.Errorf("%w: identity value is required", domain.ErrInvalidInput)
	}
	secs := int64(window / time.Second)
	if secs <= 0 {
		return "", fmt.Errorf("%w: velocity window must be at least one second", domain.ErrInvalidInput)
	}
	bucket := t.now().Unix() / secs

	var b strings.Builder
	b.WriteString("velocity:")
	b.WriteString(string(idType))
	b.WriteByte(':')
	b.WriteString(value)
	b.WriteByte(':')
	b.WriteString(action)
	b.WriteByte(':')
	b.WriteString(strconv.FormatInt(secs, 10))
	b.WriteByte(':')
	b.WriteString(strconv.FormatInt(bucket, 10))
	return b.String(), nil
}
