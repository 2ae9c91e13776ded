package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// BOOKING TYPES & STATUSES (matches DB ENUMs)
// ============================================================================

// AssetType is the kind of sellable asset a booking reserves
type AssetType string

const (
	AssetActivity      AssetType = "activity"
	AssetEvent         AssetType = "event"
	AssetRestaurant    AssetType = "restaurant"
	AssetVehicle       AssetType = "vehicle"
	AssetAccommodation AssetType = "accommodation"
	AssetPackage       AssetType = "package"
)

// AllAssetTypes lists every supported asset type
var AllAssetTypes = []AssetType{
	AssetActivity, AssetEvent, AssetRestaurant, AssetVehicle, AssetAccommodation, AssetPackage,
}

// IsValid reports whether the asset type is one of the supported variants
func (a AssetType) IsValid() bool {
	for _, t := range AllAssetTypes {
		if a == t {
			return true
		}
	}
	return false
}

// IsTimeBound reports whether bookings of this type must carry a scheduled slot
func (a AssetType) IsTimeBound() bool {
	switch a {
	case AssetActivity, AssetEvent, AssetRestaurant:
		return true
	}
	return false
}

// BookingStatus is the lifecycle status of a booking
// Matches PostgreSQL ENUM: booking_status
type BookingStatus string

const (
	StatusDraft                BookingStatus = "draft"                 // Hold taken, no payment intent yet
	StatusPaymentPending       BookingStatus = "payment_pending"       // Preference created at the gateway
	StatusAwaitingConfirmation BookingStatus = "awaiting_confirmation" // Paid, waiting for partner acceptance
	StatusConfirmed            BookingStatus = "confirmed"
	StatusInProgress           BookingStatus = "in_progress"
	StatusCompleted            BookingStatus = "completed"
	StatusCanceled             BookingStatus = "canceled"
	StatusNoShow               BookingStatus = "no_show"
	StatusExpired              BookingStatus = "expired" // Hold window elapsed without payment
)

// AllBookingStatuses lists every booking status
var AllBookingStatuses = []BookingStatus{
	StatusDraft, StatusPaymentPending, StatusAwaitingConfirmation, StatusConfirmed,
	StatusInProgress, StatusCompleted, StatusCanceled, StatusNoShow, StatusExpired,
}

// IsTerminal reports whether no further lifecycle transitions are expected.
// Completed bookings still accept the refund path.
func (s BookingStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusCanceled, StatusNoShow, StatusExpired:
		return true
	}
	return false
}

// IsUnpaid reports whether the booking has not yet received a successful payment
func (s BookingStatus) IsUnpaid() bool {
	return s == StatusDraft || s == StatusPaymentPending
}

// PaymentStatus is the engine's payment status vocabulary
// Matches PostgreSQL ENUM: booking_payment_status
type PaymentStatus string

const (
	PaymentPending               PaymentStatus = "pending"
	PaymentProcessing            PaymentStatus = "processing"
	PaymentRequiresCapture       PaymentStatus = "requires_capture"
	PaymentAwaitingPaymentMethod PaymentStatus = "awaiting_payment_method"
	PaymentPaid                  PaymentStatus = "paid"
	PaymentPartiallyPaid         PaymentStatus = "partially_paid"
	PaymentFailed                PaymentStatus = "failed"
	PaymentRefunded              PaymentStatus = "refunded"
	PaymentPartiallyRefunded     PaymentStatus = "partially_refunded"
	PaymentCanceled              PaymentStatus = "canceled"
)

// IsSettled reports whether money was received for the booking
func (p PaymentStatus) IsSettled() bool {
	return p == PaymentPaid || p == PaymentPartiallyPaid
}

// HoldsFunds reports whether the provider still holds money for the booking,
// including a payment that was only partly refunded
func (p PaymentStatus) HoldsFunds() bool {
	return p.IsSettled() || p == PaymentPartiallyRefunded
}

// ============================================================================
// JSONB PAYLOAD TYPES
// ============================================================================

// Customer is the opaque contact payload of the person booking
type Customer struct {
	UserID string `json:"user_id"`
	Name   string `json:"name"`
	Email  string `json:"email"`
	Phone  string `json:"phone,omitempty"`
}

// AppliedCoupon is the snapshot of a coupon at application time.
// Amounts are frozen so later edits to the coupon do not change the booking.
type AppliedCoupon struct {
	CouponID       uuid.UUID    `json:"coupon_id"`
	Code           string       `json:"code"`
	DiscountType   DiscountType `json:"discount_type"`
	DiscountValue  int64        `json:"discount_value"`
	DiscountAmount int64        `json:"discount_amount"`
	Stackable      bool         `json:"stackable"`
}

// AppliedCoupons is the ordered list stored in JSONB
type AppliedCoupons []AppliedCoupon

func (c Customer) Value() (driver.Value, error) {
	return json.Marshal(c)
}

func (c *Customer) Scan(value interface{}) error {
	if value == nil {
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return errors.New("type assertion to []byte failed for Customer")
	}
	return json.Unmarshal(bytes, c)
}

func (a AppliedCoupons) Value() (driver.Value, error) {
	if a == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(a)
}

func (a *AppliedCoupons) Scan(value interface{}) error {
	if value == nil {
		*a = AppliedCoupons{}
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return errors.New("type assertion to []byte failed for AppliedCoupons")
	}
	return json.Unmarshal(bytes, a)
}

// ============================================================================
// BOOKING RECORD MODEL (bookings table)
// ============================================================================

// BookingRecord is one reservation attempt, shared by every asset type
type BookingRecord struct {
	ID        uuid.UUID `json:"id" db:"id"`
	AssetType AssetType `json:"asset_type" db:"asset_type"`
	AssetID   string    `json:"asset_id" db:"asset_id"`
	Customer  Customer  `json:"customer" db:"customer"`
	Quantity  int       `json:"quantity" db:"quantity"`

	// Slot (empty for assets that are not time-bound)
	ScheduledDate string `json:"scheduled_date,omitempty" db:"scheduled_date"` // "2024-07-01"
	ScheduledTime string `json:"scheduled_time,omitempty" db:"scheduled_time"` // "18:00"

	// Pricing in minor currency units
	BaseAmount     int64          `json:"base_amount" db:"base_amount"`
	DiscountAmount int64          `json:"discount_amount" db:"discount_amount"`
	FinalAmount    int64          `json:"final_amount" db:"final_amount"`
	Currency       string         `json:"currency" db:"currency"`
	AppliedCoupons AppliedCoupons `json:"applied_coupons" db:"applied_coupons"`

	Status        BookingStatus `json:"status" db:"status"`
	PaymentStatus PaymentStatus `json:"payment_status" db:"payment_status"`

	ConfirmationCode  *string `json:"confirmation_code,omitempty" db:"confirmation_code"`
	PreferenceID      *string `json:"preference_id,omitempty" db:"preference_id"`
	CheckoutURL       *string `json:"checkout_url,omitempty" db:"checkout_url"`
	ProviderPaymentID *string `json:"provider_payment_id,omitempty" db:"provider_payment_id"`

	// Capacity hold, released exactly once
	CapacityHoldID *string    `json:"capacity_hold_id,omitempty" db:"capacity_hold_id"`
	HoldReleasedAt *time.Time `json:"hold_released_at,omitempty" db:"hold_released_at"`

	CancelReason *string `json:"cancel_reason,omitempty" db:"cancel_reason"`

	// Optimistic concurrency
	Version int `json:"version" db:"version"`

	// TTL Management
	ExpiresAt time.Time `json:"expires_at" db:"expires_at"`

	// Timestamps
	PaymentInitiatedAt *time.Time `json:"payment_initiated_at,omitempty" db:"payment_initiated_at"`
	ConfirmedAt        *time.Time `json:"confirmed_at,omitempty" db:"confirmed_at"`
	CanceledAt         *time.Time `json:"canceled_at,omitempty" db:"canceled_at"`
	ExpiredAt          *time.Time `json:"expired_at,omitempty" db:"expired_at"`
	CompletedAt        *time.Time `json:"completed_at,omitempty" db:"completed_at"`
	CreatedAt          time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt          time.Time  `json:"updated_at" db:"updated_at"`
}

// Slot returns the capacity slot key for the booking
func (b *BookingRecord) Slot() string {
	return SlotKey(b.ScheduledDate, b.ScheduledTime)
}

// HasHold reports whether a capacity hold is attached
func (b *BookingRecord) HasHold() bool {
	return b.CapacityHoldID != nil && *b.CapacityHoldID != ""
}

// NeedsHoldRelease reports whether a finished booking still holds capacity it
// should have returned. Paid outcomes keep their hold until a partner releases it.
func (b *BookingRecord) NeedsHoldRelease() bool {
	if !b.HasHold() || b.HoldReleasedAt != nil {
		return false
	}
	switch b.Status {
	case StatusCanceled, StatusExpired:
		return b.PaymentStatus != PaymentRefunded && b.PaymentStatus != PaymentPartiallyRefunded
	case StatusNoShow:
		return !b.PaymentStatus.IsSettled() && b.PaymentStatus != PaymentRefunded && b.PaymentStatus != PaymentPartiallyRefunded
	}
	return false
}

// NeedsCouponReversal reports whether a booking that ended unpaid applied
// coupons whose usage should have been given back
func (b *BookingRecord) NeedsCouponReversal() bool {
	if len(b.AppliedCoupons) == 0 {
		return false
	}
	switch b.Status {
	case StatusCanceled, StatusExpired, StatusNoShow:
		return !b.PaymentStatus.HoldsFunds() && b.PaymentStatus != PaymentRefunded
	}
	return false
}

// IsExpired checks if the hold window has passed
func (b *BookingRecord) IsExpired(now time.Time) bool {
	return now.After(b.ExpiresAt)
}

// Clone returns a copy that shares no mutable state with b
func (b *BookingRecord) Clone() *BookingRecord {
	c := *b
	c.AppliedCoupons = append(AppliedCoupons(nil), b.AppliedCoupons...)
	return &c
}

// SlotKey builds the "date[Ttime]" key used for capacity counters
func SlotKey(date, clock string) string {
	if date == "" {
		return ""
	}
	if clock == "" {
		return date
	}
	return date + "T" + clock
}

// ============================================================================
// REQUEST/RESPONSE STRUCTS
// ============================================================================

// CreateBookingRequest is the booking creation input
type CreateBookingRequest struct {
	AssetType     AssetType `json:"asset_type" binding:"required"`
	AssetID       string    `json:"asset_id" binding:"required"`
	Quantity      int       `json:"quantity" binding:"required,min=1"`
	ScheduledDate string    `json:"scheduled_date,omitempty"`
	ScheduledTime string    `json:"scheduled_time,omitempty"`
	UnitPrice     int64     `json:"unit_price" binding:"required,min=1"`
	Currency      string    `json:"currency,omitempty"`
	Customer      Customer  `json:"customer" binding:"required"`
	CouponCodes   []string  `json:"coupon_codes,omitempty"`
}

// CreateBookingResponse is returned after booking creation
type CreateBookingResponse struct {
	BookingID          uuid.UUID       `json:"booking_id"`
	ConfirmationCode   string          `json:"confirmation_code,omitempty"`
	Status             BookingStatus   `json:"status"`
	BaseAmount         int64           `json:"base_amount"`
	DiscountAmount     int64           `json:"discount_amount"`
	FinalAmount        int64           `json:"final_amount"`
	Currency           string          `json:"currency"`
	PaymentRedirectURL string          `json:"payment_redirect_url,omitempty"`
	ExpiresAt          time.Time       `json:"expires_at"`
	AppliedCoupons     AppliedCoupons  `json:"applied_coupons"`
	RejectedCoupons    []CouponOutcome `json:"rejected_coupons,omitempty"`
}

// BookingStatusResponse is what the UI polls after checkout
type BookingStatusResponse struct {
	BookingID        uuid.UUID     `json:"booking_id"`
	Status           BookingStatus `json:"status"`
	PaymentStatus    PaymentStatus `json:"payment_status"`
	ConfirmationCode string        `json:"confirmation_code,omitempty"`
	FinalAmount      int64         `json:"final_amount"`
	Currency         string        `json:"currency"`
	ExpiresAt        time.Time     `json:"expires_at"`
	IsExpired        bool          `json:"is_expired"`
}

// NewBookingStatusResponse builds the polling view of a booking
func NewBookingStatusResponse(b *BookingRecord, now time.Time) *BookingStatusResponse {
	resp := &BookingStatusResponse{
		BookingID:     b.ID,
		Status:        b.Status,
		PaymentStatus: b.PaymentStatus,
		FinalAmount:   b.FinalAmount,
		Currency:      b.Currency,
		ExpiresAt:     b.ExpiresAt,
		IsExpired:     b.Status == StatusExpired || (b.Status.IsUnpaid() && b.IsExpired(now)),
	}
	if b.ConfirmationCode != nil {
		resp.ConfirmationCode = *b.ConfirmationCode
	}
	return resp
}
