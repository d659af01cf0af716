package domain

import "time"

// AttemptType classifies a detected abuse pattern.
type AttemptType string

const (
	AttemptCardTesting    AttemptType = "card_testing"
	AttemptIdentityTheft  AttemptType = "identity_theft"
	AttemptFriendlyFraud  AttemptType = "friendly_fraud"
	AttemptBotActivity    AttemptType = "bot_activity"
	AttemptBlacklistMatch AttemptType = "blacklist_match"

	// AttemptHighRisk records a high or critical classification that matched
	// no specific pattern.
	AttemptHighRisk AttemptType = "high_risk"
)

// FraudAttempt is an append-only audit entry tying a detected pattern to
// one identity and one order.
type FraudAttempt struct {
	ID           string       `json:"id"`
	TenantID     string       `json:"tenantId"`
	OrderID      string       `json:"orderId"`
	UserID       string       `json:"userId,omitempty"`
	IdentityType IdentityType `json:"identityType"`
	Identity     string       `json:"identity"`
	Type         AttemptType  `json:"type"`
	Score        float64      `json:"score"`
	Details      string       `json:"details,omitempty"`
	CreatedAt    time.Time    `json:"createdAt"`
}
