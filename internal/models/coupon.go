package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// COUPON TYPES
// ============================================================================

// DiscountType is how a coupon's value is interpreted
type DiscountType string

const (
	DiscountPercentage  DiscountType = "percentage"   // whole percent 1-100
	DiscountFixedAmount DiscountType = "fixed_amount" // minor currency units
)

// CouponType restricts who may use a coupon
type CouponType string

const (
	CouponPublic            CouponType = "public"
	CouponPrivate           CouponType = "private"
	CouponFirstPurchase     CouponType = "first_purchase"
	CouponReturningCustomer CouponType = "returning_customer"
)

// MaxCouponValidity bounds the validity window of a coupon
const MaxCouponValidity = 2 * 365 * 24 * time.Hour

var couponCodePattern = regexp.MustCompile(`^[A-Z0-9-]{3,20}$`)

// NormalizeCouponCode trims and upper-cases a coupon code
func NormalizeCouponCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// IsValidCouponCode checks the code syntax after normalization
func IsValidCouponCode(code string) bool {
	return couponCodePattern.MatchString(NormalizeCouponCode(code))
}

// ============================================================================
// ELIGIBILITY REASONS
// ============================================================================

// Enumerated reasons returned by coupon validation, in check order
const (
	ReasonInvalidCode          = "invalid_code"
	ReasonNotFound             = "coupon_not_found"
	ReasonInactive             = "coupon_inactive"
	ReasonNotYetValid          = "coupon_not_yet_valid"
	ReasonExpired              = "coupon_expired"
	ReasonNotAllowedUser       = "user_not_allowed"
	ReasonNotFirstPurchase     = "not_first_purchase"
	ReasonNotReturningCustomer = "not_returning_customer"
	ReasonAssetNotApplicable   = "asset_not_applicable"
	ReasonBelowMinimumOrder    = "below_minimum_order_value"
	ReasonAboveMaximumOrder    = "above_maximum_order_value"
	ReasonUsageLimitReached    = "usage_limit_reached"
	ReasonUserLimitReached     = "user_usage_limit_reached"
	ReasonNonStackableConflict = "non_stackable_conflict"
	ReasonDuplicateCode        = "duplicate_code"
)

// ============================================================================
// JSONB PAYLOAD TYPES
// ============================================================================

// AssetRef points at an asset a coupon is restricted to.
// An empty AssetID matches every asset of the type.
type AssetRef struct {
	AssetType AssetType `json:"asset_type"`
	AssetID   string    `json:"asset_id,omitempty"`
}

// AssetRefs is the applicable asset allow-list stored in JSONB
type AssetRefs []AssetRef

// GlobalApplication marks a coupon valid for all assets except excluded types
type GlobalApplication struct {
	IsGlobal           bool        `json:"is_global"`
	ExcludedAssetTypes []AssetType `json:"excluded_asset_types,omitempty"`
}

func (r AssetRefs) Value() (driver.Value, error) {
	if r == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(r)
}

func (r *AssetRefs) Scan(value interface{}) error {
	if value == nil {
		*r = AssetRefs{}
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return errors.New("type assertion to []byte failed for AssetRefs")
	}
	return json.Unmarshal(bytes, r)
}

func (g GlobalApplication) Value() (driver.Value, error) {
	return json.Marshal(g)
}

func (g *GlobalApplication) Scan(value interface{}) error {
	if value == nil {
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return errors.New("type assertion to []byte failed for GlobalApplication")
	}
	return json.Unmarshal(bytes, g)
}

// ============================================================================
// COUPON MODEL (coupons table)
// ============================================================================

// Coupon is a discount instrument
type Coupon struct {
	ID            uuid.UUID    `json:"id" db:"id"`
	Code          string       `json:"code" db:"code"`
	Description   *string      `json:"description,omitempty" db:"description"`
	DiscountType  DiscountType `json:"discount_type" db:"discount_type"`
	DiscountValue int64        `json:"discount_value" db:"discount_value"`

	MaxDiscountAmount *int64 `json:"max_discount_amount,omitempty" db:"max_discount_amount"`
	MinimumOrderValue *int64 `json:"minimum_order_value,omitempty" db:"minimum_order_value"`
	MaximumOrderValue *int64 `json:"maximum_order_value,omitempty" db:"maximum_order_value"`

	UsageLimit     *int `json:"usage_limit,omitempty" db:"usage_limit"`
	UserUsageLimit *int `json:"user_usage_limit,omitempty" db:"user_usage_limit"`
	UsageCount     int  `json:"usage_count" db:"usage_count"`

	ValidFrom  time.Time `json:"valid_from" db:"valid_from"`
	ValidUntil time.Time `json:"valid_until" db:"valid_until"`

	Type              CouponType        `json:"type" db:"type"`
	AllowedUsers      StringArray       `json:"allowed_users" db:"allowed_users"`
	ApplicableAssets  AssetRefs         `json:"applicable_assets" db:"applicable_assets"`
	GlobalApplication GlobalApplication `json:"global_application" db:"global_application"`

	Stackable bool   `json:"stackable" db:"stackable"`
	IsActive  bool   `json:"is_active" db:"is_active"`
	CreatedBy string `json:"created_by" db:"created_by"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Validate checks the coupon's structural invariants.
// Used on create and update; eligibility for a booking is a separate concern.
func (c *Coupon) Validate() error {
	if !IsValidCouponCode(c.Code) {
		return NewValidationError(ReasonInvalidCode, "code", "code must be 3-20 characters of A-Z, 0-9 or '-'")
	}

	switch c.DiscountType {
	case DiscountPercentage:
		if c.DiscountValue < 1 || c.DiscountValue > 100 {
			return NewValidationError("invalid_discount_value", "discount_value", "percentage must be between 1 and 100")
		}
	case DiscountFixedAmount:
		if c.DiscountValue <= 0 {
			return NewValidationError("invalid_discount_value", "discount_value", "fixed amount must be positive")
		}
	default:
		return NewValidationError("invalid_discount_type", "discount_type", "discount_type must be percentage or fixed_amount")
	}

	if c.MaxDiscountAmount != nil && *c.MaxDiscountAmount <= 0 {
		return NewValidationError("invalid_max_discount", "max_discount_amount", "max_discount_amount must be positive")
	}
	if c.MinimumOrderValue != nil && *c.MinimumOrderValue < 0 {
		return NewValidationError("invalid_order_bounds", "minimum_order_value", "minimum_order_value cannot be negative")
	}
	if c.MinimumOrderValue != nil && c.MaximumOrderValue != nil && *c.MinimumOrderValue > *c.MaximumOrderValue {
		return NewValidationError("invalid_order_bounds", "maximum_order_value", "maximum_order_value must not be below minimum_order_value")
	}

	if c.UsageLimit != nil && *c.UsageLimit <= 0 {
		return NewValidationError("invalid_usage_limit", "usage_limit", "usage_limit must be positive")
	}
	if c.UserUsageLimit != nil && *c.UserUsageLimit <= 0 {
		return NewValidationError("invalid_usage_limit", "user_usage_limit", "user_usage_limit must be positive")
	}
	if c.UsageLimit != nil && c.UserUsageLimit != nil && *c.UserUsageLimit > *c.UsageLimit {
		return NewValidationError("invalid_usage_limit", "user_usage_limit", "user_usage_limit cannot exceed usage_limit")
	}

	if !c.ValidFrom.Before(c.ValidUntil) {
		return NewValidationError("invalid_validity_window", "valid_until", "valid_from must be before valid_until")
	}
	if c.ValidUntil.Sub(c.ValidFrom) > MaxCouponValidity {
		return NewValidationError("invalid_validity_window", "valid_until", "validity window cannot exceed 2 years")
	}

	switch c.Type {
	case CouponPublic, CouponFirstPurchase, CouponReturningCustomer:
	case CouponPrivate:
		if len(c.AllowedUsers) == 0 {
			return NewValidationError("missing_allowed_users", "allowed_users", "private coupons require at least one allowed user")
		}
	default:
		return NewValidationError("invalid_coupon_type", "type", "unknown coupon type")
	}

	if !c.GlobalApplication.IsGlobal && len(c.ApplicableAssets) == 0 {
		return NewValidationError("missing_applicable_assets", "applicable_assets", "coupon must be global or list at least one applicable asset")
	}
	for _, ref := range c.ApplicableAssets {
		if !ref.AssetType.IsValid() {
			return NewValidationError("invalid_asset_type", "applicable_assets", "unknown asset type "+string(ref.AssetType))
		}
	}
	for _, t := range c.GlobalApplication.ExcludedAssetTypes {
		if !t.IsValid() {
			return NewValidationError("invalid_asset_type", "global_application", "unknown asset type "+string(t))
		}
	}

	return nil
}

// AppliesTo reports whether the coupon may be used for the given asset
func (c *Coupon) AppliesTo(assetType AssetType, assetID string) bool {
	if c.GlobalApplication.IsGlobal {
		for _, t := range c.GlobalApplication.ExcludedAssetTypes {
			if t == assetType {
				return false
			}
		}
		return true
	}
	for _, ref := range c.ApplicableAssets {
		if ref.AssetType != assetType {
			continue
		}
		if ref.AssetID == "" || assetID == "" || ref.AssetID == assetID {
			return true
		}
	}
	return false
}

// Snapshot freezes the coupon and its computed discount for storage on a booking
func (c *Coupon) Snapshot(discount int64) AppliedCoupon {
	return AppliedCoupon{
		CouponID:       c.ID,
		Code:           c.Code,
		DiscountType:   c.DiscountType,
		DiscountValue:  c.DiscountValue,
		DiscountAmount: discount,
		Stackable:      c.Stackable,
	}
}

// ============================================================================
// COUPON REDEMPTION MODEL (coupon_redemptions table, append-only)
// ============================================================================

// RedemptionKind distinguishes usage from its reversal
type RedemptionKind string

const (
	RedemptionApplied  RedemptionKind = "redemption"
	RedemptionReversed RedemptionKind = "reversal"
)

// CouponRedemption is an append-only usage fact
type CouponRedemption struct {
	ID             uuid.UUID      `json:"id" db:"id"`
	CouponID       uuid.UUID      `json:"coupon_id" db:"coupon_id"`
	UserID         string         `json:"user_id" db:"user_id"`
	BookingID      uuid.UUID      `json:"booking_id" db:"booking_id"`
	DiscountAmount int64          `json:"discount_amount" db:"discount_amount"`
	Kind           RedemptionKind `json:"kind" db:"kind"`
	AppliedAt      time.Time      `json:"applied_at" db:"applied_at"`
}

// ============================================================================
// REQUEST/RESPONSE STRUCTS
// ============================================================================

// EligibilityContext carries the caller-supplied facts a coupon is validated against
type EligibilityContext struct {
	UserID     string
	AssetType  AssetType
	AssetID    string
	OrderValue int64
	Now        time.Time

	// Purchase history facts; nil means unknown
	HasPriorPurchase *bool

	// Usage observed for the user; filled by the store
	UserUsageCount int
}

// Eligibility is the outcome of validating one coupon
type Eligibility struct {
	Eligible bool   `json:"eligible"`
	Reason   string `json:"reason,omitempty"`
}

// CouponOutcome reports what happened to one presented code
type CouponOutcome struct {
	Code           string `json:"code"`
	Applied        bool   `json:"applied"`
	DiscountAmount int64  `json:"discount_amount,omitempty"`
	Reason         string `json:"reason,omitempty"`
}

// ValidateCouponRequest is the live validation input
type ValidateCouponRequest struct {
	CouponCode string    `json:"coupon_code" binding:"required"`
	UserID     string    `json:"user_id,omitempty"`
	AssetType  AssetType `json:"asset_type,omitempty"`
	AssetID    string    `json:"asset_id,omitempty"`
	OrderValue int64     `json:"order_value" binding:"min=0"`
}

// ValidateCouponResponse is the live validation output
type ValidateCouponResponse struct {
	IsValid        bool   `json:"is_valid"`
	DiscountAmount *int64 `json:"discount_amount,omitempty"`
	FinalAmount    *int64 `json:"final_amount,omitempty"`
	Reason         string `json:"reason,omitempty"`
}

// UpsertCouponRequest is the admin create/update payload
type UpsertCouponRequest struct {
	Code              string            `json:"code" binding:"required"`
	Description       *string           `json:"description,omitempty"`
	DiscountType      DiscountType      `json:"discount_type" binding:"required"`
	DiscountValue     int64             `json:"discount_value" binding:"required"`
	MaxDiscountAmount *int64            `json:"max_discount_amount,omitempty"`
	MinimumOrderValue *int64            `json:"minimum_order_value,omitempty"`
	MaximumOrderValue *int64            `json:"maximum_order_value,omitempty"`
	UsageLimit        *int              `json:"usage_limit,omitempty"`
	UserUsageLimit    *int              `json:"user_usage_limit,omitempty"`
	ValidFrom         time.Time         `json:"valid_from" binding:"required"`
	ValidUntil        time.Time         `json:"valid_until" binding:"required"`
	Type              CouponType        `json:"type" binding:"required"`
	AllowedUsers      []string          `json:"allowed_users,omitempty"`
	ApplicableAssets  []AssetRef        `json:"applicable_assets,omitempty"`
	GlobalApplication GlobalApplication `json:"global_application"`
	Stackable         bool              `json:"stackable"`
	IsActive          *bool             `json:"is_active,omitempty"`
}

// ApplyTo copies the request onto a coupon, leaving identity and counters alone
func (r *UpsertCouponRequest) ApplyTo(c *Coupon) {
	c.Code = NormalizeCouponCode(r.Code)
	c.Description = r.Description
	c.DiscountType = r.DiscountType
	c.DiscountValue = r.DiscountValue
	c.MaxDiscountAmount = r.MaxDiscountAmount
	c.MinimumOrderValue = r.MinimumOrderValue
	c.MaximumOrderValue = r.MaximumOrderValue
	c.UsageLimit = r.UsageLimit
	c.UserUsageLimit = r.UserUsageLimit
	c.ValidFrom = r.ValidFrom
	c.ValidUntil = r.ValidUntil
	c.Type = r.Type
	c.AllowedUsers = StringArray(r.AllowedUsers)
	c.ApplicableAssets = AssetRefs(r.ApplicableAssets)
	c.GlobalApplication = r.GlobalApplication
	c.Stackable = r.Stackable
	if r.IsActive != nil {
		c.IsActive = *r.IsActive
	}
}
