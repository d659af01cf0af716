package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// newValidator reports fields by their JSON names.
func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// EvaluateRequest is the request body for POST /evaluate.
type EvaluateRequest struct {
	ID       string          `json:"id" validate:"required,max=128"`
	UserID   string          `json:"userId,omitempty" validate:"omitempty,max=128"`
	Email    string          `json:"email" validate:"required,email,max=254"`
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency" validate:"required,len=3,alpha"`

	IPAddress         string `json:"ipAddress" validate:"required,ip"`
	UserAgent         string `json:"userAgent,omitempty" validate:"max=1024"`
	DeviceFingerprint string `json:"deviceFingerprint,omitempty" validate:"max=256"`

	BillingAddress  AddressRequest    `json:"billingAddress"`
	ShippingAddress *AddressRequest   `json:"shippingAddress,omitempty"`
	Items           []LineItemRequest `json:"items" validate:"dive"`

	// User registers or refreshes the buyer account before scoring.
	User *UserRequest `json:"user,omitempty"`

	// CreatedAt overrides the submission time, for replays.
	CreatedAt *time.Time `json:"createdAt,omitempty"`
}

// AddressRequest is a postal address.
type AddressRequest struct {
	Line1      string `json:"line1" validate:"required,max=256"`
	Line2      string `json:"line2,omitempty" validate:"max=256"`
	City       string `json:"city" validate:"required,max=128"`
	State      string `json:"state,omitempty" validate:"max=128"`
	PostalCode string `json:"postalCode" validate:"required,max=32"`
	Country    string `json:"country" validate:"required,len=2,alpha"`
}

// LineItemRequest is one product line.
type LineItemRequest struct {
	SKU       string          `json:"sku" validate:"required,max=128"`
	Quantity  int             `json:"quantity" validate:"gt=0"`
	UnitPrice decimal.Decimal `json:"unitPrice"`
	Digital   bool            `json:"digital"`
}

// UserRequest describes a registered buyer.
type UserRequest struct {
	EmailVerified bool      `json:"emailVerified"`
	PhoneVerified bool      `json:"phoneVerified"`
	CreatedAt     time.Time `json:"createdAt" validate:"required"`
}

func (a AddressRequest) toDomain() domain.Address {
	return domain.Address{
		Line1:      a.Line1,
		Line2:      a.Line2,
		City:       a.City,
		State:      a.State,
		PostalCode: a.PostalCode,
		Country:    strings.ToUpper(a.Country),
	}
}

// check covers what struct tags cannot express.
func (r *EvaluateRequest) check() error {
	if r.Amount.IsNegative() {
		return fmt.Errorf("%w: amount must not be negative", domain.ErrInvalidInput)
	}
	for i, item := range r.Items {
		if item.UnitPrice.IsNegative() {
			return fmt.Errorf("%w: items[%d].unitPrice must not be negative", domain.ErrInvalidInput, i)
		}
	}
	if r.User != nil && r.UserID == "" {
		return fmt.Errorf("%w: userId is required with user", domain.ErrInvalidInput)
	}
	return nil
}

func (r *EvaluateRequest) toOrder(tenantID string) *domain.Order {
	order := &domain.Order{
		ID:                r.ID,
		TenantID:          tenantID,
		UserID:            r.UserID,
		Email:             r.Email,
		Amount:            r.Amount,
		Currency:          strings.ToUpper(r.Currency),
		IPAddress:         r.IPAddress,
		UserAgent:         r.UserAgent,
		DeviceFingerprint: r.DeviceFingerprint,
		BillingAddress:    r.BillingAddress.toDomain(),
	}
	if r.ShippingAddress != nil {
		addr := r.ShippingAddress.toDomain()
		order.ShippingAddress = &addr
	}
	for _, item := range r.Items {
		order.Items = append(order.Items, domain.LineItem{
			SKU:       item.SKU,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
			Digital:   item.Digital,
		})
	}
	if r.CreatedAt != nil {
		order.CreatedAt = r.CreatedAt.UTC()
	}
	return order
}

// ReviewRequest is the request body for POST /orders/{id}/review.
type ReviewRequest struct {
	Decision string `json:"decision" validate:"required"`
	Reviewer string `json:"reviewer" validate:"required,max=200"`
	Notes    string `json:"notes,omitempty" validate:"max=2000"`
}

// RuleRequest is the request body for creating or updating a rule.
type RuleRequest struct {
	ID          string             `json:"id" validate:"omitempty,max=64"`
	Name        string             `json:"name" validate:"required,max=200"`
	Description string             `json:"description,omitempty" validate:"max=1000"`
	Type        string             `json:"type" validate:"required,oneof=velocity amount pattern geographic custom"`
	Priority    int                `json:"priority" validate:"gte=0,lte=1000"`
	Active      *bool              `json:"active,omitempty"`
	Conditions  []ConditionRequest `json:"conditions,omitempty" validate:"required_without=Expression,dive"`
	Expression  string             `json:"expression,omitempty" validate:"max=4096"`
	Score       float64            `json:"score" validate:"gte=0,lte=100"`
	Action      string             `json:"action,omitempty" validate:"omitempty,oneof=none flag block"`
}

// ConditionRequest is one rule condition.
type ConditionRequest struct {
	Feature  string `json:"feature" validate:"required"`
	Operator string `json:"operator" validate:"required,oneof=gt gte lt lte eq neq"`
	Value    any    `json:"value"`
}

func (r *RuleRequest) toRule(id string) *domain.Rule {
	rule := &domain.Rule{
		ID:          id,
		TenantID:    domain.GlobalTenantID,
		Name:        r.Name,
		Description: r.Description,
		Type:        domain.RuleType(r.Type),
		Priority:    r.Priority,
		Active:      true,
		Expression:  r.Expression,
		Score:       r.Score,
		Action:      domain.RuleAction(r.Action),
	}
	if r.Active != nil {
		rule.Active = *r.Active
	}
	if rule.Action == "" {
		rule.Action = domain.RuleActionFlag
	}
	for _, c := range r.Conditions {
		rule.Conditions = append(rule.Conditions, domain.Condition{
			Feature:  c.Feature,
			Operator: domain.Operator(c.Operator),
			Value:    c.Value,
		})
	}
	return rule
}

// BlacklistRequest is the request body for POST /blacklist.
type BlacklistRequest struct {
	Type     string `json:"type" validate:"required,oneof=ip email user device"`
	Value    string `json:"value" validate:"required,max=512"`
	Reason   string `json:"reason" validate:"required,max=500"`
	Severity string `json:"severity,omitempty" validate:"omitempty,oneof=low medium high critical"`
}

// decode reads a JSON body into v and validates it. It writes the error
// response and returns false on failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var maxBytesErr *http.MaxBytesError
		switch {
		case errors.As(err, &maxBytesErr):
			writeError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("request body too large (max %d bytes)", maxBodyBytes))
		case errors.Is(err, io.EOF):
			writeError(w, http.StatusBadRequest, "request body is required")
		default:
			writeError(w, http.StatusBadRequest, "invalid JSON request body")
		}
		return false
	}

	if err := h.validate.Struct(v); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":  "validation failed",
			"fields": formatValidationError(err),
		})
		return false
	}
	return true
}

// formatValidationError turns validator errors into per-field messages.
func formatValidationError(err error) map[string]string {
	fields := make(map[string]string)

	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		fields["_"] = "invalid request"
		return fields
	}

	for _, fe := range validationErrors {
		param := fe.Param()

		var msg string
		switch fe.Tag() {
		case "required", "required_without":
			msg = "this field is required"
		case "email":
			msg = "must be a valid email address"
		case "ip":
			msg = "must be a valid IP address"
		case "len":
			msg = fmt.Sprintf("must be exactly %s characters", param)
		case "alpha":
			msg = "must contain letters only"
		case "max":
			msg = fmt.Sprintf("maximum is %s", param)
		case "gt":
			msg = fmt.Sprintf("must be greater than %s", param)
		case "gte":
			msg = fmt.Sprintf("must be at least %s", param)
		case "lte":
			msg = fmt.Sprintf("must be at most %s", param)
		case "oneof":
			msg = fmt.Sprintf("must be one of: %s", param)
		default:
			msg = fmt.Sprintf("failed %s validation", fe.Tag())
		}

		// Drop the root struct name from the namespace.
		field := fe.Namespace()
		if i := strings.IndexByte(field, '.'); i >= 0 {
			field = field[i+1:]
		}
		fields[field] = msg
	}
	return fields
}
