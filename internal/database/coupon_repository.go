package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/reservahub/booking-engine/internal/models"
)

const couponColumns = `
	id, code, description, discount_type, discount_value, max_discount_amount,
	minimum_order_value, maximum_order_value, usage_limit, user_usage_limit, usage_count,
	valid_from, valid_until, type, allowed_users, applicable_assets, global_application,
	stackable, is_active, created_by, created_at, updated_at`

// CouponRepository handles database operations for coupons and their redemptions
type CouponRepository struct {
	db *sqlx.DB
}

// NewCouponRepository creates a new CouponRepository
func NewCouponRepository(db *sqlx.DB) *CouponRepository {
	return &CouponRepository{db: db}
}

// ============================================================================
// COUPON CRUD OPERATIONS
// ============================================================================

// GetByCode retrieves a coupon by its normalized code
func (r *CouponRepository) GetByCode(ctx context.Context, code string) (*models.Coupon, error) {
	var c models.Coupon
	err := r.db.GetContext(ctx, &c, `SELECT `+couponColumns+` FROM coupons WHERE code = $1`, code)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// Create inserts a new coupon
func (r *CouponRepository) Create(ctx context.Context, c *models.Coupon) error {
	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO coupons (`+couponColumns+`)
		VALUES (
			:id, :code, :description, :discount_type, :discount_value, :max_discount_amount,
			:minimum_order_value, :maximum_order_value, :usage_limit, :user_usage_limit, :usage_count,
			:valid_from, :valid_until, :type, :allowed_users, :applicable_assets, :global_application,
			:stackable, :is_active, :created_by, :created_at, :updated_at
		)`, c)
	if err != nil {
		return fmt.Errorf("failed to create coupon: %w", err)
	}
	return nil
}

// Update writes the editable coupon fields. usage_count is owned by redemptions.
func (r *CouponRepository) Update(ctx context.Context, c *models.Coupon) error {
	result, err := r.db.NamedExecContext(ctx, `
		UPDATE coupons
		SET description = :description, discount_type = :discount_type,
			discount_value = :discount_value, max_discount_amount = :max_discount_amount,
			minimum_order_value = :minimum_order_value, maximum_order_value = :maximum_order_value,
			usage_limit = :usage_limit, user_usage_limit = :user_usage_limit,
			valid_from = :valid_from, valid_until = :valid_until, type = :type,
			allowed_users = :allowed_users, applicable_assets = :applicable_assets,
			global_application = :global_application, stackable = :stackable,
			is_active = :is_active, updated_at = :updated_at
		WHERE id = :id`, c)
	if err != nil {
		return fmt.Errorf("failed to update coupon: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check coupon update: %w", err)
	}
	if n == 0 {
		return models.ErrCouponNotFound
	}
	return nil
}

// Delete removes a coupon without redemptions
func (r *CouponRepository) Delete(ctx context.Context, id uuid.UUID) error {
	result, err := r.db.ExecContext(ctx, `
		DELETE FROM coupons
		WHERE id = $1 AND NOT EXISTS (SELECT 1 FROM coupon_redemptions WHERE coupon_id = $1)`, id)
	if err != nil {
		return fmt.Errorf("failed to delete coupon: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check coupon delete: %w", err)
	}
	if n == 0 {
		return &models.ConflictError{Message: "coupon has redemptions or no longer exists"}
	}
	return nil
}

// ============================================================================
// REDEMPTIONS
// ============================================================================

// CountUserRedemptions counts a user's redemptions of a coupon that were not reversed
func (r *CouponRepository) CountUserRedemptions(ctx context.Context, couponID uuid.UUID, userID string) (int, error) {
	return countNetUserRedemptions(ctx, r.db, couponID, userID)
}

// CountRedemptions counts every redemption ever recorded for a coupon
func (r *CouponRepository) CountRedemptions(ctx context.Context, couponID uuid.UUID) (int, error) {
	var count int
	err := r.db.GetContext(ctx, &count, `
		SELECT COUNT(*) FROM coupon_redemptions WHERE coupon_id = $1 AND kind = 'redemption'`, couponID)
	if err != nil {
		return 0, fmt.Errorf("failed to count redemptions: %w", err)
	}
	return count, nil
}

// ReverseRedemptions appends a reversal for each of the booking's redemptions
// and gives the usage back to the coupon. The unique (booking, coupon, kind)
// key makes a repeated reversal insert nothing and decrement nothing.
func (r *CouponRepository) ReverseRedemptions(ctx context.Context, bookingID uuid.UUID) (int, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var redemptions []models.CouponRedemption
	err = tx.SelectContext(ctx, &redemptions, `
		SELECT id, coupon_id, user_id, booking_id, discount_amount, kind, applied_at
		FROM coupon_redemptions
		WHERE booking_id = $1 AND kind = 'redemption'`, bookingID)
	if err != nil {
		return 0, fmt.Errorf("failed to load redemptions: %w", err)
	}

	reversed := 0
	for _, red := range redemptions {
		result, err := tx.ExecContext(ctx, `
			INSERT INTO coupon_redemptions (id, coupon_id, user_id, booking_id, discount_amount, kind, applied_at)
			VALUES ($1, $2, $3, $4, $5, 'reversal', NOW())
			ON CONFLICT (booking_id, coupon_id, kind) DO NOTHING`,
			uuid.New(), red.CouponID, red.UserID, red.BookingID, red.DiscountAmount,
		)
		if err != nil {
			return 0, fmt.Errorf("failed to insert reversal: %w", err)
		}
		n, err := result.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("failed to check reversal insert: %w", err)
		}
		if n == 0 {
			continue
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE coupons
			SET usage_count = GREATEST(usage_count - 1, 0), updated_at = NOW()
			WHERE id = $1`, red.CouponID,
		); err != nil {
			return 0, fmt.Errorf("failed to release coupon usage: %w", err)
		}
		reversed++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit reversal: %w", err)
	}
	return reversed, nil
}
