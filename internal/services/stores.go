package services

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/reservahub/booking-engine/internal/models"
)

// BookingStore persists booking records.
// Lookups return nil, nil when nothing matches.
type BookingStore interface {
	// CreateWithRedemptions inserts the booking together with its coupon
	// redemptions, incrementing each coupon's usage counter under its
	// ceiling. Either everything is written or nothing is.
	CreateWithRedemptions(ctx context.Context, b *models.BookingRecord, redemptions []*models.CouponRedemption) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.BookingRecord, error)
	// GetByReference resolves a webhook reference: booking id, confirmation code or preference id
	GetByReference(ctx context.Context, reference string) (*models.BookingRecord, error)
	// Update writes b if its version is unchanged since read and bumps b.Version.
	// A lost race returns an error wrapping models.ErrVersionConflict.
	Update(ctx context.Context, b *models.BookingRecord) error
	MarkHoldReleased(ctx context.Context, id uuid.UUID, at time.Time) error
	ListExpired(ctx context.Context, now time.Time, limit int) ([]*models.BookingRecord, error)
	ListUnreleasedHolds(ctx context.Context, olderThan time.Time, limit int) ([]*models.BookingRecord, error)
	// ListUnreversedCoupons returns bookings that ended unpaid and still have
	// coupon redemptions without a reversal
	ListUnreversedCoupons(ctx context.Context, olderThan time.Time, limit int) ([]*models.BookingRecord, error)
	CountPaidByUser(ctx context.Context, userID string) (int, error)
}

// CouponStore persists coupons and their redemption facts
type CouponStore interface {
	GetByCode(ctx context.Context, code string) (*models.Coupon, error)
	Create(ctx context.Context, c *models.Coupon) error
	Update(ctx context.Context, c *models.Coupon) error
	// Delete removes a coupon that was never redeemed
	Delete(ctx context.Context, id uuid.UUID) error
	CountUserRedemptions(ctx context.Context, couponID uuid.UUID, userID string) (int, error)
	CountRedemptions(ctx context.Context, couponID uuid.UUID) (int, error)
	// ReverseRedemptions appends reversal facts for a booking's redemptions and
	// decrements usage counters. Repeated calls for the same booking do nothing.
	ReverseRedemptions(ctx context.Context, bookingID uuid.UUID) (int, error)
}

// PaymentEventStore is the dedup set and audit trail of provider events
type PaymentEventStore interface {
	Exists(ctx context.Context, bookingID uuid.UUID, providerEventID string) (bool, error)
	// Record stores the event. Recording an already stored (booking, event id) pair is not an error.
	Record(ctx context.Context, e *models.PaymentEvent) error
	ListByBooking(ctx context.Context, bookingID uuid.UUID) ([]*models.PaymentEvent, error)
}
