// Package decision maps a total score to a risk level and the automated
// handling of the order.
package decision

import (
	"github.com/opensource-finance/kestrel/internal/domain"
)

// Decision is the outcome of classifying a score.
type Decision struct {
	Level  domain.RiskLevel
	Status domain.ScoreStatus
	Action domain.Action

	// OrderStatus is the new order status, or empty to leave it unchanged.
	OrderStatus domain.OrderStatus

	// FlagOrder marks the order as fraud flagged.
	FlagOrder bool
}

// ChangesOrder reports whether the decision modifies the order.
func (d Decision) ChangesOrder() bool {
	return d.OrderStatus != "" || d.FlagOrder
}

// Classifier applies a threshold table.
type Classifier struct {
	thresholds domain.Thresholds
}

// NewClassifier creates a classifier for the policy's table.
func NewClassifier(policy domain.Policy) *Classifier {
	return &Classifier{thresholds: policy.Thresholds}
}

// Thresholds returns the active table.
func (c *Classifier) Thresholds() domain.Thresholds {
	return c.thresholds
}

// Level returns the highest tier whose lower bound score reaches.
func (c *Classifier) Level(score float64) domain.RiskLevel {
	t := c.thresholds
	switch {
	case score >= t.Critical:
		return domain.RiskCritical
	case score >= t.High:
		return domain.RiskHigh
	case score >= t.Medium:
		return domain.RiskMedium
	case score >= t.Low:
		return domain.RiskLow
	}
	return domain.RiskMinimal
}

// InitialStatus is the review status a level starts in, before the
// automated action is applied.
func InitialStatus(level domain.RiskLevel) domain.ScoreStatus {
	switch level {
	case domain.RiskCritical, domain.RiskHigh:
		return domain.StatusUnderReview
	case domain.RiskMedium:
		return domain.StatusPending
	}
	return domain.StatusApproved
}

// Classify returns the full decision for a score.
func (c *Classifier) Classify(score float64) Decision {
	level := c.Level(score)
	d := Decision{Level: level, Status: InitialStatus(level)}

	switch level {
	case domain.RiskCritical:
		d.Action = domain.ActionBlock
		d.Status = domain.StatusRejected
		d.OrderStatus = domain.OrderCancelled
	case domain.RiskHigh:
		d.Action = domain.ActionReview
		d.OrderStatus = domain.OrderPendingFraudReview
	case domain.RiskMedium:
		d.Action = domain.ActionFlag
		d.FlagOrder = true
	default:
		d.Action = domain.ActionApprove
	}
	return d
}

// Blacklisted is the decision for an order matching the blacklist.
func Blacklisted() Decision {
	return Decision{
		Level:       domain.RiskCritical,
		Status:      domain.StatusRejected,
		Action:      domain.ActionBlock,
		OrderStatus: domain.OrderCancelled,
	}
}

// SafeDefault is the decision recorded when an evaluation fails
// internally.
func SafeDefault() Decision {
	return Decision{
		Level:  domain.SafeDefaultLevel,
		Status: domain.StatusUnderReview,
		Action: domain.ActionReview,
	}
}

// Review applies a reviewer's verdict. Approve restores the order to
// processing; reject cancels it.
func Review(d domain.ReviewDecision) (domain.ScoreStatus, domain.OrderStatus) {
	if d == domain.ReviewReject {
		return domain.StatusRejected, domain.OrderCancelled
	}
	return domain.StatusApproved, domain.OrderProcessing
}
