package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus is the lifecycle state of a marketplace order.
type OrderStatus string

const (
	OrderPending            OrderStatus = "pending"
	OrderProcessing         OrderStatus = "processing"
	OrderPendingFraudReview OrderStatus = "pending_fraud_review"
	OrderCancelled          OrderStatus = "cancelled"
)

// Order is the inbound record scored at submission time.
// Orders are persisted so later evaluations can read the buyer's history.
type Order struct {
	ID       string          `json:"id"`
	TenantID string          `json:"tenantId"`
	UserID   string          `json:"userId,omitempty"`
	Email    string          `json:"email"`
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`

	Status       OrderStatus `json:"status"`
	FraudFlagged bool        `json:"fraudFlagged"`

	IPAddress         string `json:"ipAddress"`
	UserAgent         string `json:"userAgent,omitempty"`
	DeviceFingerprint string `json:"deviceFingerprint,omitempty"`

	BillingAddress  Address    `json:"billingAddress"`
	ShippingAddress *Address   `json:"shippingAddress,omitempty"`
	Items           []LineItem `json:"items"`

	CreatedAt time.Time `json:"createdAt"`
}

// LineItem is one product line of an order.
type LineItem struct {
	SKU       string          `json:"sku"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unitPrice"`
	Digital   bool            `json:"digital"`
}

// Address is a postal address.
type Address struct {
	Line1      string `json:"line1"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city"`
	State      string `json:"state,omitempty"`
	PostalCode string `json:"postalCode"`
	Country    string `json:"country"`
}

// IsZero reports whether no field of the address is set.
func (a Address) IsZero() bool {
	return a == Address{}
}

// Equal compares two addresses ignoring case and surrounding whitespace.
func (a Address) Equal(b Address) bool {
	return a.normalized() == b.normalized()
}

func (a Address) normalized() Address {
	norm := func(s string) string {
		return strings.ToLower(strings.Join(strings.Fields(s), " "))
	}
	return Address{
		Line1:      norm(a.Line1),
		Line2:      norm(a.Line2),
		City:       norm(a.City),
		State:      norm(a.State),
		PostalCode: strings.ReplaceAll(norm(a.PostalCode), " ", ""),
		Country:    norm(a.Country),
	}
}

// User is the buyer account an order belongs to.
type User struct {
	ID            string    `json:"id"`
	TenantID      string    `json:"tenantId"`
	Email         string    `json:"email"`
	EmailVerified bool      `json:"emailVerified"`
	PhoneVerified bool      `json:"phoneVerified"`
	CreatedAt     time.Time `json:"createdAt"`
}

// OrderStats summarizes a user's prior orders.
type OrderStats struct {
	Count         int
	AverageAmount decimal.Decimal
}
