package domain

// FeatureSet maps feature names to values. Values are float64, bool or
// string. A missing key means the signal is not available for this
// transaction, which is different from a zero value.
type FeatureSet map[string]any

// Clone returns a shallow copy so callers can hand out a set without
// exposing it to mutation.
func (f FeatureSet) Clone() FeatureSet {
	out := make(FeatureSet, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// Number returns a numeric feature.
func (f FeatureSet) Number(name string) (float64, bool) {
	v, ok := f[name].(float64)
	return v, ok
}

// Bool returns a boolean feature.
func (f FeatureSet) Bool(name string) (bool, bool) {
	v, ok := f[name].(bool)
	return v, ok
}

// FeatureKind is the value type of a feature.
type FeatureKind string

const (
	KindNumber FeatureKind = "number"
	KindBool   FeatureKind = "bool"
	KindString FeatureKind = "string"
)

// Feature names.
const (
	FeatureAmount          = "amount"
	FeatureAccountAgeDays  = "account_age_days"
	FeatureOrderCount      = "order_count"
	FeatureAvgOrderAmount  = "avg_order_amount"
	FeatureOrdersLast1h    = "orders_last_1h"
	FeatureOrdersLast24h   = "orders_last_24h"
	FeatureOrdersLast7d    = "orders_last_7d"
	FeatureAmountDeviation = "amount_deviation"
	FeatureIsNewDevice     = "is_new_device"
	FeatureIsNewIP         = "is_new_ip"
	FeatureEmailVerified   = "email_verified"
	FeaturePhoneVerified   = "phone_verified"
	FeatureIsGuest         = "is_guest"
	FeatureDigitalRatio    = "digital_ratio"
	FeatureHasDigital      = "has_digital"
	FeatureHasPhysical     = "has_physical"
	FeatureItemCount       = "item_count"
	FeatureShippingMatches = "shipping_matches_billing"
	FeatureCountryMismatch = "country_mismatch"
	FeatureHourOfDay       = "hour_of_day"
	FeatureHasDevice       = "has_device"
	FeatureCurrency        = "currency"

	FeatureVelocityUser1h   = "velocity_user_1h"
	FeatureVelocityIP1h     = "velocity_ip_1h"
	FeatureVelocityEmail1h  = "velocity_email_1h"
	FeatureVelocityDevice1h = "velocity_device_1h"
)

// VelocityFeature returns the feature name holding the one-hour count for
// an identity dimension.
func VelocityFeature(t IdentityType) string {
	return "velocity_" + string(t) + "_1h"
}

// FeatureSchema lists every feature rules may reference, with its kind.
var FeatureSchema = map[string]FeatureKind{
	FeatureAmount:          KindNumber,
	FeatureAccountAgeDays:  KindNumber,
	FeatureOrderCount:      KindNumber,
	FeatureAvgOrderAmount:  KindNumber,
	FeatureOrdersLast1h:    KindNumber,
	FeatureOrdersLast24h:   KindNumber,
	FeatureOrdersLast7d:    KindNumber,
	FeatureAmountDeviation: KindNumber,
	FeatureIsNewDevice:     KindBool,
	FeatureIsNewIP:         KindBool,
	FeatureEmailVerified:   KindBool,
	FeaturePhoneVerified:   KindBool,
	FeatureIsGuest:         KindBool,
	FeatureDigitalRatio:    KindNumber,
	FeatureHasDigital:      KindBool,
	FeatureHasPhysical:     KindBool,
	FeatureItemCount:       KindNumber,
	FeatureShippingMatches: KindBool,
	FeatureCountryMismatch: KindBool,
	FeatureHourOfDay:       KindNumber,
	FeatureHasDevice:       KindBool,
	FeatureCurrency:        KindString,

	FeatureVelocityUser1h:   KindNumber,
	FeatureVelocityIP1h:     KindNumber,
	FeatureVelocityEmail1h:  KindNumber,
	FeatureVelocityDevice1h: KindNumber,
}
