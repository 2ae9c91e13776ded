package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/reservahub/booking-engine/internal/models"
)

const bookingColumns = `
	id, asset_type, asset_id, customer, quantity, scheduled_date, scheduled_time,
	base_amount, discount_amount, final_amount, currency, applied_coupons,
	status, payment_status, confirmation_code, preference_id, checkout_url,
	provider_payment_id, capacity_hold_id, hold_released_at, cancel_reason, version,
	expires_at, payment_initiated_at, confirmed_at, canceled_at, expired_at,
	completed_at, created_at, updated_at`

// BookingRepository handles database operations for the bookings table
type BookingRepository struct {
	db *sqlx.DB
}

// NewBookingRepository creates a new BookingRepository
func NewBookingRepository(db *sqlx.DB) *BookingRepository {
	return &BookingRepository{db: db}
}

// ============================================================================
// CREATE
// ============================================================================

// CreateWithRedemptions inserts a booking and its coupon redemptions in one
// transaction. Each coupon's usage counter is incremented under its ceiling;
// per-user limits are re-checked under an advisory lock on (coupon, user).
func (r *BookingRepository) CreateWithRedemptions(ctx context.Context, b *models.BookingRecord, redemptions []*models.CouponRedemption) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	// 1. Consume coupon usage
	for _, red := range redemptions {
		if err := consumeCouponUsage(ctx, tx, red); err != nil {
			return err
		}
	}

	// 2. Insert booking
	if b.Version == 0 {
		b.Version = 1
	}
	_, err = tx.NamedExecContext(ctx, `
		INSERT INTO bookings (`+bookingColumns+`)
		VALUES (
			:id, :asset_type, :asset_id, :customer, :quantity, :scheduled_date, :scheduled_time,
			:base_amount, :discount_amount, :final_amount, :currency, :applied_coupons,
			:status, :payment_status, :confirmation_code, :preference_id, :checkout_url,
			:provider_payment_id, :capacity_hold_id, :hold_released_at, :cancel_reason, :version,
			:expires_at, :payment_initiated_at, :confirmed_at, :canceled_at, :expired_at,
			:completed_at, :created_at, :updated_at
		)`, b)
	if err != nil {
		return fmt.Errorf("failed to insert booking: %w", err)
	}

	// 3. Append redemption facts
	for _, red := range redemptions {
		_, err := tx.NamedExecContext(ctx, `
			INSERT INTO coupon_redemptions (id, coupon_id, user_id, booking_id, discount_amount, kind, applied_at)
			VALUES (:id, :coupon_id, :user_id, :booking_id, :discount_amount, :kind, :applied_at)`, red)
		if err != nil {
			return fmt.Errorf("failed to insert coupon redemption: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit booking: %w", err)
	}
	return nil
}

// consumeCouponUsage increments one coupon's counter and checks the user's limit
func consumeCouponUsage(ctx context.Context, tx *sqlx.Tx, red *models.CouponRedemption) error {
	if red.UserID != "" {
		if _, err := tx.ExecContext(ctx,
			`SELECT pg_advisory_xact_lock(hashtext($1::text || ':' || $2::text))`,
			red.CouponID.String(), red.UserID,
		); err != nil {
			return fmt.Errorf("failed to lock coupon usage: %w", err)
		}
	}

	var userLimit sql.NullInt64
	err := tx.QueryRowxContext(ctx, `
		UPDATE coupons
		SET usage_count = usage_count + 1, updated_at = NOW()
		WHERE id = $1 AND is_active AND (usage_limit IS NULL OR usage_count < usage_limit)
		RETURNING user_usage_limit`,
		red.CouponID,
	).Scan(&userLimit)
	if errors.Is(err, sql.ErrNoRows) {
		return models.NewValidationError(models.ReasonUsageLimitReached, "coupon_codes", "coupon usage limit reached")
	}
	if err != nil {
		return fmt.Errorf("failed to consume coupon usage: %w", err)
	}

	if !userLimit.Valid || red.UserID == "" {
		return nil
	}
	used, err := countNetUserRedemptions(ctx, tx, red.CouponID, red.UserID)
	if err != nil {
		return err
	}
	if int64(used) >= userLimit.Int64 {
		return models.NewValidationError(models.ReasonUserLimitReached, "coupon_codes", "coupon already used the maximum number of times")
	}
	return nil
}

// countNetUserRedemptions counts a user's redemptions of a coupon that were not reversed
func countNetUserRedemptions(ctx context.Context, q sqlx.QueryerContext, couponID uuid.UUID, userID string) (int, error) {
	var count int
	err := sqlx.GetContext(ctx, q, &count, `
		SELECT
			COUNT(*) FILTER (WHERE kind = 'redemption') - COUNT(*) FILTER (WHERE kind = 'reversal')
		FROM coupon_redemptions
		WHERE coupon_id = $1 AND user_id = $2`,
		couponID, userID,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to count user redemptions: %w", err)
	}
	return count, nil
}

// ============================================================================
// READ
// ============================================================================

// GetByID retrieves a booking by ID
func (r *BookingRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.BookingRecord, error) {
	var b models.BookingRecord
	err := r.db.GetContext(ctx, &b, `SELECT `+bookingColumns+` FROM bookings WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// GetByReference resolves a booking id, confirmation code or preference id
func (r *BookingRepository) GetByReference(ctx context.Context, reference string) (*models.BookingRecord, error) {
	if id, err := uuid.Parse(reference); err == nil {
		return r.GetByID(ctx, id)
	}

	var b models.BookingRecord
	err := r.db.GetContext(ctx, &b, `
		SELECT `+bookingColumns+`
		FROM bookings
		WHERE confirmation_code = $1 OR preference_id = $1
		ORDER BY created_at DESC
		LIMIT 1`, reference)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &b, nil
}

// ListExpired returns unpaid bookings whose hold window has passed
func (r *BookingRepository) ListExpired(ctx context.Context, now time.Time, limit int) ([]*models.BookingRecord, error) {
	var bookings []*models.BookingRecord
	err := r.db.SelectContext(ctx, &bookings, `
		SELECT `+bookingColumns+`
		FROM bookings
		WHERE status IN ('draft', 'payment_pending') AND expires_at < $1
		ORDER BY expires_at
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list expired bookings: %w", err)
	}
	return bookings, nil
}

// ListUnreleasedHolds returns finished bookings, untouched since olderThan,
// whose hold should have been released but was not
func (r *BookingRepository) ListUnreleasedHolds(ctx context.Context, olderThan time.Time, limit int) ([]*models.BookingRecord, error) {
	var bookings []*models.BookingRecord
	err := r.db.SelectContext(ctx, &bookings, `
		SELECT `+bookingColumns+`
		FROM bookings
		WHERE capacity_hold_id IS NOT NULL
		  AND hold_released_at IS NULL
		  AND updated_at < $1
		  AND payment_status NOT IN ('refunded', 'partially_refunded')
		  AND (
			status IN ('canceled', 'expired')
			OR (status = 'no_show' AND payment_status NOT IN ('paid', 'partially_paid'))
		  )
		ORDER BY updated_at
		LIMIT $2`, olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list unreleased holds: %w", err)
	}
	return bookings, nil
}

// ListUnreversedCoupons returns bookings that ended unpaid, untouched since
// olderThan, whose coupon redemptions were never reversed
func (r *BookingRepository) ListUnreversedCoupons(ctx context.Context, olderThan time.Time, limit int) ([]*models.BookingRecord, error) {
	var bookings []*models.BookingRecord
	err := r.db.SelectContext(ctx, &bookings, `
		SELECT `+bookingColumns+`
		FROM bookings b
		WHERE b.status IN ('canceled', 'expired', 'no_show')
		  AND b.payment_status NOT IN ('paid', 'partially_paid', 'partially_refunded', 'refunded')
		  AND b.updated_at < $1
		  AND EXISTS (
			SELECT 1 FROM coupon_redemptions r
			WHERE r.booking_id = b.id AND r.kind = 'redemption'
			  AND NOT EXISTS (
				SELECT 1 FROM coupon_redemptions x
				WHERE x.booking_id = r.booking_id AND x.coupon_id = r.coupon_id AND x.kind = 'reversal'
			  )
		  )
		ORDER BY b.updated_at
		LIMIT $2`, olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list unreversed coupon redemptions: %w", err)
	}
	return bookings, nil
}

// CountPaidByUser counts a customer's bookings the provider still holds money for
func (r *BookingRepository) CountPaidByUser(ctx context.Context, userID string) (int, error) {
	var count int
	err := r.db.GetContext(ctx, &count, `
		SELECT COUNT(*)
		FROM bookings
		WHERE customer->>'user_id' = $1 AND payment_status IN ('paid', 'partially_paid', 'partially_refunded')`, userID)
	if err != nil {
		return 0, fmt.Errorf("failed to count paid bookings: %w", err)
	}
	return count, nil
}

// ============================================================================
// UPDATE
// ============================================================================

// Update writes the mutable booking fields if the stored version still equals
// b.Version. hold_released_at is never cleared once set.
func (r *BookingRepository) Update(ctx context.Context, b *models.BookingRecord) error {
	err := r.db.QueryRowxContext(ctx, `
		UPDATE bookings
		SET status = $3, payment_status = $4, confirmation_code = $5, preference_id = $6,
			checkout_url = $7, provider_payment_id = $8,
			hold_released_at = COALESCE(hold_released_at, $9), cancel_reason = $10,
			payment_initiated_at = $11, confirmed_at = $12, canceled_at = $13,
			expired_at = $14, completed_at = $15,
			version = version + 1, updated_at = NOW()
		WHERE id = $1 AND version = $2
		RETURNING version, updated_at`,
		b.ID, b.Version, b.Status, b.PaymentStatus, b.ConfirmationCode, b.PreferenceID,
		b.CheckoutURL, b.ProviderPaymentID,
		b.HoldReleasedAt, b.CancelReason,
		b.PaymentInitiatedAt, b.ConfirmedAt, b.CanceledAt,
		b.ExpiredAt, b.CompletedAt,
	).Scan(&b.Version, &b.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("booking %s at version %d: %w", b.ID, b.Version, models.ErrVersionConflict)
	}
	if err != nil {
		return fmt.Errorf("failed to update booking: %w", err)
	}
	return nil
}

// MarkHoldReleased stamps the first release of the booking's hold
func (r *BookingRepository) MarkHoldReleased(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE bookings
		SET hold_released_at = $2
		WHERE id = $1 AND hold_released_at IS NULL`, id, at)
	if err != nil {
		return fmt.Errorf("failed to mark hold released: %w", err)
	}
	return nil
}
