package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// TransactionContext is the snapshot of one order taken at evaluation time.
// It is built once per evaluation and never modified; only the artifacts
// derived from it are persisted.
type TransactionContext struct {
	TenantID string
	OrderID  string
	UserID   string
	Email    string
	Amount   decimal.Decimal
	Currency string

	IPAddress         string
	UserAgent         string
	DeviceFingerprint string

	BillingAddress  Address
	ShippingAddress *Address
	Items           []LineItem

	Timestamp time.Time
}

// NewTransactionContext snapshots an order.
func NewTransactionContext(o *Order) TransactionContext {
	tx := TransactionContext{
		TenantID:          o.TenantID,
		OrderID:           o.ID,
		UserID:            strings.TrimSpace(o.UserID),
		Email:             normalizeEmail(o.Email),
		Amount:            o.Amount,
		Currency:          o.Currency,
		IPAddress:         strings.TrimSpace(o.IPAddress),
		UserAgent:         o.UserAgent,
		DeviceFingerprint: strings.TrimSpace(o.DeviceFingerprint),
		BillingAddress:    o.BillingAddress,
		Items:             append([]LineItem(nil), o.Items...),
		Timestamp:         o.CreatedAt.UTC(),
	}
	if o.ShippingAddress != nil {
		shipping := *o.ShippingAddress
		tx.ShippingAddress = &shipping
	}
	if tx.Timestamp.IsZero() {
		tx.Timestamp = time.Now().UTC()
	}
	return tx
}

// IsGuest reports whether the order was placed without an account.
func (tx TransactionContext) IsGuest() bool {
	return tx.UserID == ""
}

// Identities returns the identity dimensions present on the transaction,
// in the fixed order ip, email, user, device.
func (tx TransactionContext) Identities() []Identity {
	ids := make([]Identity, 0, 4)
	if tx.IPAddress != "" {
		ids = append(ids, Identity{Type: IdentityIP, Value: tx.IPAddress})
	}
	if tx.Email != "" {
		ids = append(ids, Identity{Type: IdentityEmail, Value: tx.Email})
	}
	if tx.UserID != "" {
		ids = append(ids, Identity{Type: IdentityUser, Value: tx.UserID})
	}
	if tx.DeviceFingerprint != "" {
		ids = append(ids, Identity{Type: IdentityDevice, Value: tx.DeviceFingerprint})
	}
	return ids
}

// Identity returns the value for one dimension, or "" when absent.
func (tx TransactionContext) Identity(t IdentityType) string {
	switch t {
	case IdentityIP:
		return tx.IPAddress
	case IdentityEmail:
		return tx.Email
	case IdentityUser:
		return tx.UserID
	case IdentityDevice:
		return tx.DeviceFingerprint
	}
	return ""
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
