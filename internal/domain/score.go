package domain

import (
	"fmt"
	"strings"
	"time"
)

// RiskLevel is the discrete tier derived from a total score.
type RiskLevel string

const (
	RiskMinimal  RiskLevel = "minimal"
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// Rank orders levels from minimal (0) to critical (4).
func (l RiskLevel) Rank() int {
	switch l {
	case RiskLow:
		return 1
	case RiskMedium:
		return 2
	case RiskHigh:
		return 3
	case RiskCritical:
		return 4
	}
	return 0
}

// AtLeast reports whether l is as severe as other.
func (l RiskLevel) AtLeast(other RiskLevel) bool {
	return l.Rank() >= other.Rank()
}

// ScoreStatus is the review state of a FraudScore.
type ScoreStatus string

const (
	StatusApproved    ScoreStatus = "approved"
	StatusPending     ScoreStatus = "pending"
	StatusUnderReview ScoreStatus = "under_review"
	StatusRejected    ScoreStatus = "rejected"
)

// Action is the recommended handling of an order.
type Action string

const (
	ActionApprove Action = "approve"
	ActionFlag    Action = "flag"
	ActionReview  Action = "review"
	ActionBlock   Action = "block"
)

// ReviewDecision is a human reviewer's verdict.
type ReviewDecision string

const (
	ReviewApprove ReviewDecision = "approve"
	ReviewReject  ReviewDecision = "reject"
)

// ParseReviewDecision validates a reviewer decision.
func ParseReviewDecision(s string) (ReviewDecision, error) {
	switch d := ReviewDecision(strings.ToLower(strings.TrimSpace(s))); d {
	case ReviewApprove, ReviewReject:
		return d, nil
	}
	return "", fmt.Errorf("%w: decision must be approve or reject", ErrInvalidInput)
}

// Safe default applied when an evaluation fails internally.
const (
	SafeDefaultScore = 50.0
	SafeDefaultLevel = RiskMedium
)

// Score component names.
const (
	ComponentRules   = "rules"
	ComponentML      = "ml"
	ComponentAnomaly = "anomaly"
	ComponentGraph   = "graph"
)

// ScoreComponent is one weighted input of the total score.
type ScoreComponent struct {
	Name string `json:"name"`

	// Value is the raw signal on its native scale (0-100 for rules,
	// 0-1 for external signals).
	Value        float64 `json:"value"`
	Confidence   float64 `json:"confidence"`
	Weight       float64 `json:"weight"`
	Contribution float64 `json:"contribution"`
	Fallback     bool    `json:"fallback,omitempty"`
}

// FraudScore is the persisted outcome of one evaluation.
type FraudScore struct {
	ID       string `json:"id"`
	TenantID string `json:"tenantId"`
	OrderID  string `json:"orderId"`
	UserID   string `json:"userId,omitempty"`

	TotalScore float64     `json:"totalScore"`
	RiskLevel  RiskLevel   `json:"riskLevel"`
	Status     ScoreStatus `json:"status"`
	Action     Action      `json:"action"`

	TriggeredRules []string         `json:"triggeredRules"`
	Rules          *RuleEvaluation  `json:"rules,omitempty"`
	Breakdown      []ScoreComponent `json:"breakdown"`
	Reasons        []string         `json:"reasons,omitempty"`

	Blacklist *BlacklistMatch `json:"blacklist,omitempty"`

	ReviewedBy  string     `json:"reviewedBy,omitempty"`
	ReviewNotes string     `json:"reviewNotes,omitempty"`
	ReviewedAt  *time.Time `json:"reviewedAt,omitempty"`

	Metadata  ScoreMetadata `json:"metadata"`
	CreatedAt time.Time     `json:"createdAt"`
}

// ScoreMetadata contains processing information.
type ScoreMetadata struct {
	TraceID       string `json:"traceId,omitempty"`
	Policy        string `json:"policy"`
	TotalMs       int64  `json:"totalMs"`
	SafeDefault   bool   `json:"safeDefault,omitempty"`
	EngineVersion string `json:"engineVersion"`
}

// Component returns the named breakdown component.
func (s *FraudScore) Component(name string) (ScoreComponent, bool) {
	for _, c := range s.Breakdown {
		if c.Name == name {
			return c, true
		}
	}
	return ScoreComponent{}, false
}

// IsAlert reports whether the score should raise an alert.
func (s *FraudScore) IsAlert() bool {
	return s.RiskLevel.AtLeast(RiskHigh)
}
