package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/reservahub/booking-engine/internal/models"
)

// CouponService handles live coupon validation and coupon administration
type CouponService struct {
	coupons  CouponStore
	bookings BookingStore
	logger   *logrus.Logger
	now      func() time.Time
}

// NewCouponService creates a new coupon service
func NewCouponService(coupons CouponStore, bookings BookingStore, logger *logrus.Logger) *CouponService {
	return &CouponService{
		coupons:  coupons,
		bookings: bookings,
		logger:   logger,
		now:      time.Now,
	}
}

// ValidateCoupon checks one code against an order before checkout.
// It reads counters but never redeems; the booking write re-checks the limits.
func (s *CouponService) ValidateCoupon(ctx context.Context, req *models.ValidateCouponRequest) (*models.ValidateCouponResponse, error) {
	if req.OrderValue < 0 {
		return nil, models.NewValidationError("invalid_amount", "order_value", "order_value cannot be negative")
	}
	if req.AssetType != "" && !req.AssetType.IsValid() {
		return nil, models.NewValidationError("invalid_asset_type", "asset_type", fmt.Sprintf("unsupported asset type %q", req.AssetType))
	}

	code := models.NormalizeCouponCode(req.CouponCode)
	if !models.IsValidCouponCode(code) {
		return &models.ValidateCouponResponse{IsValid: false, Reason: models.ReasonInvalidCode}, nil
	}

	coupon, err := s.coupons.GetByCode(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("failed to load coupon: %w", err)
	}
	if coupon == nil {
		return &models.ValidateCouponResponse{IsValid: false, Reason: models.ReasonNotFound}, nil
	}

	eligibility := models.EligibilityContext{
		UserID:     req.UserID,
		AssetType:  req.AssetType,
		AssetID:    req.AssetID,
		OrderValue: req.OrderValue,
		Now:        s.now(),
	}

	if req.UserID != "" {
		if coupon.UserUsageLimit != nil {
			count, err := s.coupons.CountUserRedemptions(ctx, coupon.ID, req.UserID)
			if err != nil {
				return nil, fmt.Errorf("failed to count coupon usage: %w", err)
			}
			eligibility.UserUsageCount = count
		}
		if coupon.Type == models.CouponFirstPurchase || coupon.Type == models.CouponReturningCustomer {
			paid, err := s.bookings.CountPaidByUser(ctx, req.UserID)
			if err != nil {
				return nil, fmt.Errorf("failed to load purchase history: %w", err)
			}
			hasPrior := paid > 0
			eligibility.HasPriorPurchase = &hasPrior
		}
	}

	if result := ValidateCoupon(coupon, eligibility); !result.Eligible {
		return &models.ValidateCouponResponse{IsValid: false, Reason: result.Reason}, nil
	}

	discount := ComputeDiscount(coupon, req.OrderValue)
	final := req.OrderValue - discount
	return &models.ValidateCouponResponse{
		IsValid:        true,
		DiscountAmount: &discount,
		FinalAmount:    &final,
	}, nil
}

// ============================================================================
// ADMINISTRATION
// ============================================================================

// CreateCoupon creates a coupon after checking its invariants
func (s *CouponService) CreateCoupon(ctx context.Context, createdBy string, req *models.UpsertCouponRequest) (*models.Coupon, error) {
	now := s.now()
	coupon := &models.Coupon{
		ID:        uuid.New(),
		IsActive:  true,
		CreatedBy: createdBy,
		CreatedAt: now,
		UpdatedAt: now,
	}
	req.ApplyTo(coupon)

	if err := coupon.Validate(); err != nil {
		return nil, err
	}

	existing, err := s.coupons.GetByCode(ctx, coupon.Code)
	if err != nil {
		return nil, fmt.Errorf("failed to check coupon code: %w", err)
	}
	if existing != nil {
		return nil, models.NewValidationError("duplicate_code", "code", fmt.Sprintf("coupon %s already exists", coupon.Code))
	}

	if err := s.coupons.Create(ctx, coupon); err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"coupon_id":  coupon.ID,
		"code":       coupon.Code,
		"created_by": createdBy,
	}).Info("Coupon created")
	return coupon, nil
}

// UpdateCoupon edits a coupon. Bookings keep the discounts frozen when they were created.
func (s *CouponService) UpdateCoupon(ctx context.Context, code string, req *models.UpsertCouponRequest) (*models.Coupon, error) {
	coupon, err := s.getCoupon(ctx, code)
	if err != nil {
		return nil, err
	}

	// The code identifies the coupon and cannot be renamed
	req.Code = coupon.Code
	req.ApplyTo(coupon)
	coupon.UpdatedAt = s.now()

	if err := coupon.Validate(); err != nil {
		return nil, err
	}
	if coupon.UsageLimit != nil && coupon.UsageCount > *coupon.UsageLimit {
		return nil, models.NewValidationError("invalid_usage_limit", "usage_limit", "usage_limit cannot be lower than the current usage")
	}

	if err := s.coupons.Update(ctx, coupon); err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"coupon_id": coupon.ID,
		"code":      coupon.Code,
	}).Info("Coupon updated")
	return coupon, nil
}

// DeactivateCoupon soft-deletes a coupon
func (s *CouponService) DeactivateCoupon(ctx context.Context, code string) (*models.Coupon, error) {
	coupon, err := s.getCoupon(ctx, code)
	if err != nil {
		return nil, err
	}
	if !coupon.IsActive {
		return coupon, nil
	}

	coupon.IsActive = false
	coupon.UpdatedAt = s.now()
	if err := s.coupons.Update(ctx, coupon); err != nil {
		return nil, err
	}

	s.logger.WithField("code", coupon.Code).Info("Coupon deactivated")
	return coupon, nil
}

// DeleteCoupon removes a coupon that was never redeemed. Redeemed coupons must be deactivated.
func (s *CouponService) DeleteCoupon(ctx context.Context, code string) error {
	coupon, err := s.getCoupon(ctx, code)
	if err != nil {
		return err
	}

	redemptions, err := s.coupons.CountRedemptions(ctx, coupon.ID)
	if err != nil {
		return fmt.Errorf("failed to count redemptions: %w", err)
	}
	if redemptions > 0 {
		return &models.ConflictError{Message: fmt.Sprintf("coupon %s has %d redemptions; deactivate it instead", coupon.Code, redemptions)}
	}

	if err := s.coupons.Delete(ctx, coupon.ID); err != nil {
		return err
	}

	s.logger.WithField("code", coupon.Code).Info("Coupon deleted")
	return nil
}

func (s *CouponService) getCoupon(ctx context.Context, code string) (*models.Coupon, error) {
	coupon, err := s.coupons.GetByCode(ctx, models.NormalizeCouponCode(code))
	if err != nil {
		return nil, fmt.Errorf("failed to get coupon: %w", err)
	}
	if coupon == nil {
		return nil, models.ErrCouponNotFound
	}
	return coupon, nil
}
