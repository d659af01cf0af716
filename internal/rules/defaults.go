package rules

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/opensource-finance/kestrel/internal/domain"
)

func cond(feature string, op domain.Operator, value any) domain.Condition {
	return domain.Condition{Feature: feature, Operator: op, Value: value}
}

// DefaultRules returns the built-in rule set. The rules are global and
// active.
func DefaultRules() []*domain.Rule {
	rules := []*domain.Rule{
		{
			ID:          "user-velocity-1h",
			Name:        "More than 5 orders per hour",
			Description: "The account placed more than 5 orders in the last hour.",
			Type:        domain.RuleTypeVelocity,
			Priority:    100,
			Conditions:  []domain.Condition{cond(domain.FeatureVelocityUser1h, domain.OpGreater, 5)},
			Score:       35,
			Action:      domain.RuleActionFlag,
		},
		{
			ID:          "ip-velocity-1h",
			Name:        "More than 10 orders per hour from one IP",
			Description: "The IP address placed more than 10 orders in the last hour.",
			Type:        domain.RuleTypeVelocity,
			Priority:    95,
			Conditions:  []domain.Condition{cond(domain.FeatureVelocityIP1h, domain.OpGreater, 10)},
			Score:       30,
			Action:      domain.RuleActionFlag,
		},
		{
			ID:          "first-purchase-low-amount",
			Name:        "First purchase with low amount",
			Description: "No prior orders and an amount under 10, typical of card testing.",
			Type:        domain.RuleTypeAmount,
			Priority:    90,
			Conditions: []domain.Condition{
				cond(domain.FeatureOrderCount, domain.OpEqual, 0),
				cond(domain.FeatureAmount, domain.OpLess, 10),
			},
			Score:  25,
			Action: domain.RuleActionFlag,
		},
		{
			ID:          "first-purchase-high-amount",
			Name:        "First purchase with high amount",
			Description: "No prior orders and an amount of 500 or more.",
			Type:        domain.RuleTypeAmount,
			Priority:    85,
			Conditions: []domain.Condition{
				cond(domain.FeatureOrderCount, domain.OpEqual, 0),
				cond(domain.FeatureAmount, domain.OpGreaterEqual, 500),
			},
			Score:  30,
			Action: domain.RuleActionFlag,
		},
		{
			ID:          "amount-deviation",
			Name:        "Amount far above the buyer's average",
			Description: "At least five times the average of three or more prior orders.",
			Type:        domain.RuleTypeAmount,
			Priority:    80,
			Conditions: []domain.Condition{
				cond(domain.FeatureAmountDeviation, domain.OpGreaterEqual, 5),
				cond(domain.FeatureOrderCount, domain.OpGreaterEqual, 3),
			},
			Score:  25,
			Action: domain.RuleActionFlag,
		},
		{
			ID:          "new-device-new-ip",
			Name:        "New device and new IP",
			Description: "An existing account ordering from a device and IP it never used.",
			Type:        domain.RuleTypePattern,
			Priority:    75,
			Conditions: []domain.Condition{
				cond(domain.FeatureIsNewDevice, domain.OpEqual, true),
				cond(domain.FeatureIsNewIP, domain.OpEqual, true),
				cond(domain.FeatureOrderCount, domain.OpGreater, 0),
			},
			Score:  20,
			Action: domain.RuleActionFlag,
		},
		{
			ID:          "address-mismatch",
			Name:        "Shipping differs from billing",
			Type:        domain.RuleTypeGeographic,
			Priority:    70,
			Conditions:  []domain.Condition{cond(domain.FeatureShippingMatches, domain.OpEqual, false)},
			Score:       10,
			Action:      domain.RuleActionNone,
		},
		{
			ID:          "country-mismatch",
			Name:        "Shipping country differs from billing country",
			Type:        domain.RuleTypeGeographic,
			Priority:    70,
			Conditions:  []domain.Condition{cond(domain.FeatureCountryMismatch, domain.OpEqual, true)},
			Score:       20,
			Action:      domain.RuleActionFlag,
		},
		{
			ID:          "unverified-high-value",
			Name:        "Unverified email on a high value order",
			Type:        domain.RuleTypePattern,
			Priority:    65,
			Conditions: []domain.Condition{
				cond(domain.FeatureEmailVerified, domain.OpEqual, false),
				cond(domain.FeatureAmount, domain.OpGreaterEqual, 300),
			},
			Score:  20,
			Action: domain.RuleActionFlag,
		},
		{
			ID:          "young-account-high-value",
			Name:        "Account under a week old on a high value order",
			Type:        domain.RuleTypePattern,
			Priority:    60,
			Conditions: []domain.Condition{
				cond(domain.FeatureIsGuest, domain.OpEqual, false),
				cond(domain.FeatureAccountAgeDays, domain.OpLess, 7),
				cond(domain.FeatureAmount, domain.OpGreaterEqual, 500),
			},
			Score:  25,
			Action: domain.RuleActionFlag,
		},
		{
			ID:          "digital-goods-high-value",
			Name:        "High value digital goods",
			Type:        domain.RuleTypePattern,
			Priority:    55,
			Conditions: []domain.Condition{
				cond(domain.FeatureHasDigital, domain.OpEqual, true),
				cond(domain.FeatureAmount, domain.OpGreaterEqual, 200),
			},
			Score:  20,
			Action: domain.RuleActionFlag,
		},
		{
			ID:          "night-time-order",
			Name:        "Order placed between 01:00 and 05:00 UTC",
			Type:        domain.RuleTypePattern,
			Priority:    10,
			Conditions: []domain.Condition{
				cond(domain.FeatureHourOfDay, domain.OpGreaterEqual, 1),
				cond(domain.FeatureHourOfDay, domain.OpLess, 5),
			},
			Score:  5,
			Action: domain.RuleActionNone,
		},
	}

	for _, r := range rules {
		r.TenantID = domain.GlobalTenantID
		r.Active = true
	}
	return rules
}

// SeedDefaults stores the built-in rules when the store has no global
// rules at all. It reports how many rules were stored.
func SeedDefaults(ctx context.Context, store domain.RuleStore) (int, error) {
	existing, err := store.ListRules(ctx, domain.GlobalTenantID, false)
	if err != nil {
		return 0, fmt.Errorf("list rules: %w", err)
	}
	if len(existing) > 0 {
		return 0, nil
	}

	defaults := DefaultRules()
	for _, r := range defaults {
		if err := store.SaveRule(ctx, domain.GlobalTenantID, r); err != nil {
			return 0, fmt.Errorf("seed rule %s: %w", r.ID, err)
		}
	}
	slog.Info("default rules seeded", "count", len(defaults))
	return len(defaults), nil
}
