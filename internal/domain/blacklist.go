package domain

import (
	"fmt"
	"strings"
	"time"
)

// IdentityType is one dimension a buyer can be identified by.
type IdentityType string

const (
	IdentityIP     IdentityType = "ip"
	IdentityEmail  IdentityType = "email"
	IdentityUser   IdentityType = "user"
	IdentityDevice IdentityType = "device"
)

// ParseIdentityType validates an identity type name.
func ParseIdentityType(s string) (IdentityType, error) {
	switch t := IdentityType(strings.ToLower(strings.TrimSpace(s))); t {
	case IdentityIP, IdentityEmail, IdentityUser, IdentityDevice:
		return t, nil
	}
	return "", fmt.Errorf("%w: unknown identity type %q", ErrInvalidInput, s)
}

// Identity is a typed identity value.
type Identity struct {
	Type  IdentityType `json:"type"`
	Value string       `json:"value"`
}

// Severity grades a blacklist entry.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// BlacklistSource records who created an entry.
type BlacklistSource string

const (
	SourceManual BlacklistSource = "manual"
	SourceAuto   BlacklistSource = "auto"
)

// AutoBlacklistReason is the reason stored on entries created from
// repeated fraud attempts.
const AutoBlacklistReason = "multiple fraud attempts detected"

// BlacklistEntry denies an identity value. Entries never expire.
type BlacklistEntry struct {
	ID        string          `json:"id"`
	TenantID  string          `json:"tenantId"`
	Type      IdentityType    `json:"type"`
	Value     string          `json:"value"`
	Reason    string          `json:"reason"`
	Severity  Severity        `json:"severity"`
	Source    BlacklistSource `json:"source"`
	CreatedAt time.Time       `json:"createdAt"`
}

// BlacklistMatch is the result of a positive blacklist check.
type BlacklistMatch struct {
	Type     IdentityType `json:"type"`
	Value    string       `json:"value"`
	Reason   string       `json:"reason"`
	Severity Severity     `json:"severity"`

	// Unverified is set when the match was synthesized by a fail-closed
	// policy because the lookup itself failed.
	Unverified bool `json:"unverified,omitempty"`
}
