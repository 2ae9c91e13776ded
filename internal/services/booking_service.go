package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/reservahub/booking-engine/internal/config"
	"github.com/reservahub/booking-engine/internal/models"
	"github.com/reservahub/booking-engine/internal/utils"
	"github.com/reservahub/booking-engine/pkg/validator"
)

// MaxCouponsPerBooking bounds how many codes one booking may present
const MaxCouponsPerBooking = 5

// EffectExecutor runs effects after their transition committed
type EffectExecutor interface {
	Dispatch(ctx context.Context, effects []models.Effect) error
}

// Actor is the authenticated caller of a booking operation
type Actor struct {
	UserID    string
	IsPartner bool
	IsAdmin   bool
}

// IsStaff reports whether the actor acts on behalf of the asset owner
func (a Actor) IsStaff() bool {
	return a.IsPartner || a.IsAdmin
}

// BookingService owns the customer and partner side of the booking lifecycle.
// Payment callbacks go through PaymentReconciler instead.
type BookingService struct {
	bookings  BookingStore
	coupons   CouponStore
	capacity  CapacityGuard
	gateway   PaymentGateway
	effects   EffectExecutor
	contacts  *validator.ContactValidator
	cfg       *config.BookingConfig
	callbacks CallbackURLs
	logger    *logrus.Logger
	now       func() time.Time
}

// NewBookingService creates a new booking service
func NewBookingService(
	bookings BookingStore,
	coupons CouponStore,
	capacity CapacityGuard,
	gateway PaymentGateway,
	effects EffectExecutor,
	contacts *validator.ContactValidator,
	cfg *config.BookingConfig,
	callbacks CallbackURLs,
	logger *logrus.Logger,
) *BookingService {
	return &BookingService{
		bookings:  bookings,
		coupons:   coupons,
		capacity:  capacity,
		gateway:   gateway,
		effects:   effects,
		contacts:  contacts,
		cfg:       cfg,
		callbacks: callbacks,
		logger:    logger,
		now:       time.Now,
	}
}

// AutoConfirms reports whether bookings of assetType skip partner acceptance
func (s *BookingService) AutoConfirms(assetType models.AssetType) bool {
	return !s.cfg.IsManualConfirm(string(assetType))
}

// ============================================================================
// CREATE BOOKING
// ============================================================================

// CreateBooking prices the order, reserves capacity, stores the booking and
// starts the payment.
//
// A gateway failure after the booking was stored returns both the response and
// the error: a transient failure leaves the booking in draft for RetryPayment,
// a business rejection cancels it and releases what it held.
func (s *BookingService) CreateBooking(ctx context.Context, actor Actor, req *models.CreateBookingRequest) (*models.CreateBookingResponse, error) {
	// 1. Validate request
	if err := s.validateCreateRequest(req); err != nil {
		return nil, err
	}
	req.Customer.UserID = actor.UserID
	now := s.now()
	baseAmount := req.UnitPrice * int64(req.Quantity)

	// 2. Price the order
	resolution, err := s.resolveCoupons(ctx, actor.UserID, req, baseAmount, now)
	if err != nil {
		return nil, err
	}

	booking := &models.BookingRecord{
		ID:             uuid.New(),
		AssetType:      req.AssetType,
		AssetID:        req.AssetID,
		Customer:       req.Customer,
		Quantity:       req.Quantity,
		ScheduledDate:  req.ScheduledDate,
		ScheduledTime:  req.ScheduledTime,
		BaseAmount:     baseAmount,
		DiscountAmount: resolution.DiscountAmount,
		FinalAmount:    resolution.FinalAmount,
		Currency:       req.Currency,
		AppliedCoupons: resolution.Applied,
		Status:         models.StatusDraft,
		PaymentStatus:  models.PaymentPending,
		ExpiresAt:      now.Add(s.cfg.HoldDuration),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if booking.AppliedCoupons == nil {
		booking.AppliedCoupons = models.AppliedCoupons{}
	}

	// 3. Reserve capacity
	holdID, err := s.capacity.Reserve(ctx, booking.AssetID, booking.Slot(), booking.Quantity)
	if err != nil {
		return nil, err
	}
	booking.CapacityHoldID = &holdID

	// 4. Store booking and redemptions together
	redemptions := make([]*models.CouponRedemption, 0, len(resolution.Applied))
	for _, applied := range resolution.Applied {
		redemptions = append(redemptions, &models.CouponRedemption{
			ID:             uuid.New(),
			CouponID:       applied.CouponID,
			UserID:         actor.UserID,
			BookingID:      booking.ID,
			DiscountAmount: applied.DiscountAmount,
			Kind:           models.RedemptionApplied,
			AppliedAt:      now,
		})
	}
	if err := s.bookings.CreateWithRedemptions(ctx, booking, redemptions); err != nil {
		if releaseErr := s.capacity.Release(ctx, holdID); releaseErr != nil {
			s.logger.WithFields(logrus.Fields{
				"booking_id": booking.ID,
				"hold_id":    holdID,
			}).WithError(releaseErr).Error("Failed to release hold of unsaved booking")
		}
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"booking_id":      booking.ID,
		"asset_type":      booking.AssetType,
		"asset_id":        booking.AssetID,
		"quantity":        booking.Quantity,
		"base_amount":     booking.BaseAmount,
		"discount_amount": booking.DiscountAmount,
		"final_amount":    booking.FinalAmount,
		"coupons_applied": len(booking.AppliedCoupons),
	}).Info("Booking created")

	// 5. Start payment
	updated, err := s.startPayment(ctx, booking)
	if updated == nil {
		updated = booking
	}

	resp := &models.CreateBookingResponse{
		BookingID:       updated.ID,
		Status:          updated.Status,
		BaseAmount:      updated.BaseAmount,
		DiscountAmount:  updated.DiscountAmount,
		FinalAmount:     updated.FinalAmount,
		Currency:        updated.Currency,
		ExpiresAt:       updated.ExpiresAt,
		AppliedCoupons:  updated.AppliedCoupons,
		RejectedCoupons: resolution.Rejected(),
	}
	if updated.ConfirmationCode != nil {
		resp.ConfirmationCode = *updated.ConfirmationCode
	}
	if updated.CheckoutURL != nil {
		resp.PaymentRedirectURL = *updated.CheckoutURL
	}
	return resp, err
}

func (s *BookingService) validateCreateRequest(req *models.CreateBookingRequest) error {
	if !req.AssetType.IsValid() {
		return models.NewValidationError("invalid_asset_type", "asset_type", fmt.Sprintf("unsupported asset type %q", req.AssetType))
	}
	req.AssetID = strings.TrimSpace(req.AssetID)
	if req.AssetID == "" {
		return models.NewValidationError("invalid_asset", "asset_id", "asset_id is required")
	}
	if req.Quantity <= 0 {
		return models.NewValidationError("invalid_quantity", "quantity", "quantity must be positive")
	}
	if req.UnitPrice <= 0 {
		return models.NewValidationError("invalid_amount", "unit_price", "unit_price must be positive")
	}
	if req.UnitPrice > math.MaxInt64/int64(req.Quantity) {
		return models.NewValidationError("invalid_amount", "unit_price", "order value is too large")
	}

	if req.AssetType.IsTimeBound() || req.ScheduledDate != "" || req.ScheduledTime != "" {
		if err := s.contacts.ValidateSlot(req.ScheduledDate, req.ScheduledTime); err != nil {
			field := "scheduled_date"
			if errors.Is(err, validator.ErrInvalidTime) {
				field = "scheduled_time"
			}
			return models.NewValidationError("invalid_slot", field, err.Error())
		}
	}

	currency := req.Currency
	if currency == "" {
		currency = s.cfg.DefaultCurrency
	}
	currency, err := s.contacts.ValidateCurrency(currency)
	if err != nil {
		return models.NewValidationError("invalid_currency", "currency", err.Error())
	}
	req.Currency = currency

	req.Customer.Name = strings.TrimSpace(req.Customer.Name)
	if req.Customer.Name == "" {
		return models.NewValidationError("invalid_customer", "customer.name", "customer name is required")
	}
	email, err := s.contacts.ValidateEmail(req.Customer.Email)
	if err != nil {
		return models.NewValidationError("invalid_customer", "customer.email", err.Error())
	}
	req.Customer.Email = email
	phone, err := s.contacts.ValidatePhone(req.Customer.Phone)
	if err != nil {
		return models.NewValidationError("invalid_customer", "customer.phone", err.Error())
	}
	req.Customer.Phone = phone

	if len(req.CouponCodes) > MaxCouponsPerBooking {
		return models.NewValidationError("too_many_coupons", "coupon_codes", fmt.Sprintf("at most %d coupon codes per booking", MaxCouponsPerBooking))
	}
	return nil
}

// resolveCoupons loads the presented coupons and the customer's history, then
// runs the coupon engine over them
func (s *BookingService) resolveCoupons(ctx context.Context, userID string, req *models.CreateBookingRequest, orderValue int64, now time.Time) (*CouponResolution, error) {
	eligibility := models.EligibilityContext{
		UserID:     userID,
		AssetType:  req.AssetType,
		AssetID:    req.AssetID,
		OrderValue: orderValue,
		Now:        now,
	}
	if len(req.CouponCodes) == 0 {
		return ResolveCoupons(nil, eligibility, nil), nil
	}

	presented := make([]PresentedCoupon, 0, len(req.CouponCodes))
	userUsage := make(map[string]int)
	needsHistory := false

	for _, code := range req.CouponCodes {
		p := PresentedCoupon{Code: code}
		normalized := models.NormalizeCouponCode(code)
		if models.IsValidCouponCode(normalized) {
			coupon, err := s.coupons.GetByCode(ctx, normalized)
			if err != nil {
				return nil, fmt.Errorf("failed to load coupon: %w", err)
			}
			p.Coupon = coupon
		}
		if p.Coupon != nil {
			if p.Coupon.UserUsageLimit != nil && userID != "" {
				count, err := s.coupons.CountUserRedemptions(ctx, p.Coupon.ID, userID)
				if err != nil {
					return nil, fmt.Errorf("failed to count coupon usage: %w", err)
				}
				userUsage[p.Coupon.ID.String()] = count
			}
			if p.Coupon.Type == models.CouponFirstPurchase || p.Coupon.Type == models.CouponReturningCustomer {
				needsHistory = true
			}
		}
		presented = append(presented, p)
	}

	if needsHistory && userID != "" {
		paid, err := s.bookings.CountPaidByUser(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("failed to load purchase history: %w", err)
		}
		hasPrior := paid > 0
		eligibility.HasPriorPurchase = &hasPrior
	}

	return ResolveCoupons(presented, eligibility, userUsage), nil
}

// ============================================================================
// PAYMENT INITIATION
// ============================================================================

// RetryPayment re-creates the checkout of a draft booking whose first attempt
// failed transiently
func (s *BookingService) RetryPayment(ctx context.Context, actor Actor, id uuid.UUID) (*models.CreateBookingResponse, error) {
	booking, err := s.GetBooking(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	if booking.Status != models.StatusDraft {
		return nil, &models.ConflictError{
			BookingID: id.String(),
			From:      booking.Status,
			Event:     models.EventPaymentIntentCreated,
			Message:   "payment already started",
		}
	}
	if booking.IsExpired(s.now()) {
		return nil, &models.ConflictError{
			BookingID: id.String(),
			From:      booking.Status,
			Event:     models.EventPaymentIntentCreated,
			Message:   "booking hold has expired",
		}
	}

	updated, err := s.startPayment(ctx, booking)
	if updated == nil {
		updated = booking
	}
	resp := &models.CreateBookingResponse{
		BookingID:      updated.ID,
		Status:         updated.Status,
		BaseAmount:     updated.BaseAmount,
		DiscountAmount: updated.DiscountAmount,
		FinalAmount:    updated.FinalAmount,
		Currency:       updated.Currency,
		ExpiresAt:      updated.ExpiresAt,
		AppliedCoupons: updated.AppliedCoupons,
	}
	if updated.ConfirmationCode != nil {
		resp.ConfirmationCode = *updated.ConfirmationCode
	}
	if updated.CheckoutURL != nil {
		resp.PaymentRedirectURL = *updated.CheckoutURL
	}
	return resp, err
}

// startPayment moves a draft booking to payment_pending. Zero-amount bookings
// settle without the gateway.
func (s *BookingService) startPayment(ctx context.Context, booking *models.BookingRecord) (*models.BookingRecord, error) {
	code := ""
	if booking.ConfirmationCode != nil {
		code = *booking.ConfirmationCode
	} else {
		generated, err := utils.GenerateConfirmationCode()
		if err != nil {
			return nil, fmt.Errorf("failed to generate confirmation code: %w", err)
		}
		code = generated
	}

	if booking.FinalAmount == 0 {
		return s.settleFreeBooking(ctx, booking.ID, code)
	}

	pref, err := s.gateway.CreatePreference(ctx, s.preferenceRequest(booking))
	if err != nil {
		return s.handlePreferenceError(ctx, booking, err)
	}

	updated, effects, err := s.transition(ctx, booking.ID, func(b *models.BookingRecord) ([]models.BookingEvent, error) {
		b.ConfirmationCode = &code
		b.PreferenceID = &pref.ID
		b.CheckoutURL = &pref.CheckoutURL
		return []models.BookingEvent{models.EventPaymentIntentCreated}, nil
	})
	if err != nil {
		return nil, err
	}
	s.dispatch(ctx, effects)

	s.logger.WithFields(logrus.Fields{
		"booking_id":        updated.ID,
		"preference_id":     pref.ID,
		"confirmation_code": code,
	}).Info("Payment preference created")
	return updated, nil
}

func (s *BookingService) preferenceRequest(b *models.BookingRecord) *PreferenceRequest {
	unitPrice := b.FinalAmount / int64(b.Quantity)
	quantity := b.Quantity
	if unitPrice*int64(quantity) != b.FinalAmount {
		// Discounts that do not divide evenly are charged as one line
		unitPrice = b.FinalAmount
		quantity = 1
	}
	expiresAt := b.ExpiresAt
	return &PreferenceRequest{
		BookingID: b.ID.String(),
		Amount:    b.FinalAmount,
		Currency:  b.Currency,
		Items: []PreferenceItem{{
			ID:        b.AssetID,
			Title:     fmt.Sprintf("%s %s", b.AssetType, b.AssetID),
			Quantity:  quantity,
			UnitPrice: unitPrice,
		}},
		Payer:        b.Customer,
		CallbackURLs: s.callbacks,
		ExpiresAt:    &expiresAt,
	}
}

// handlePreferenceError cancels the booking on a business rejection and leaves
// it in draft on a transient failure. The gateway error is always returned.
func (s *BookingService) handlePreferenceError(ctx context.Context, booking *models.BookingRecord, gatewayErr error) (*models.BookingRecord, error) {
	log := s.logger.WithField("booking_id", booking.ID).WithError(gatewayErr)

	var pe *models.ProviderError
	if !errors.As(gatewayErr, &pe) || pe.Transient {
		log.Warn("Payment preference creation failed, booking left in draft")
		return booking, gatewayErr
	}

	updated, effects, err := s.transition(ctx, booking.ID, func(b *models.BookingRecord) ([]models.BookingEvent, error) {
		reason := "payment_rejected"
		if pe.Code != "" {
			reason = "payment_rejected: " + pe.Code
		}
		b.CancelReason = &reason
		b.PaymentStatus = models.PaymentFailed
		return []models.BookingEvent{models.EventPaymentFailed}, nil
	})
	if err != nil {
		log.WithField("cancel_error", err.Error()).Error("Failed to cancel booking after payment rejection")
		return booking, gatewayErr
	}
	s.dispatch(ctx, effects)

	log.Warn("Payment rejected by provider, booking canceled")
	return updated, gatewayErr
}

// settleFreeBooking confirms a booking whose discounts cover the whole order
func (s *BookingService) settleFreeBooking(ctx context.Context, id uuid.UUID, code string) (*models.BookingRecord, error) {
	updated, effects, err := s.transition(ctx, id, func(b *models.BookingRecord) ([]models.BookingEvent, error) {
		b.ConfirmationCode = &code
		b.PaymentStatus = models.PaymentPaid
		events := []models.BookingEvent{models.EventPaymentIntentCreated, models.EventPaymentSucceeded}
		if s.AutoConfirms(b.AssetType) {
			events = append(events, models.EventPartnerAccepted)
		}
		return events, nil
	})
	if err != nil {
		return nil, err
	}
	s.dispatch(ctx, effects)

	s.logger.WithFields(logrus.Fields{
		"booking_id": updated.ID,
		"status":     updated.Status,
	}).Info("Zero-amount booking settled without payment")
	return updated, nil
}

// ============================================================================
// LOOKUP
// ============================================================================

// GetBooking returns a booking visible to the actor: its owner, a partner or an admin
func (s *BookingService) GetBooking(ctx context.Context, actor Actor, id uuid.UUID) (*models.BookingRecord, error) {
	booking, err := s.bookings.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get booking: %w", err)
	}
	if booking == nil {
		return nil, models.ErrBookingNotFound
	}
	if !actor.IsStaff() && (actor.UserID == "" || booking.Customer.UserID != actor.UserID) {
		return nil, models.ErrBookingNotFound
	}
	return booking, nil
}

// GetBookingStatus returns the polling view of a booking
func (s *BookingService) GetBookingStatus(ctx context.Context, actor Actor, id uuid.UUID) (*models.BookingStatusResponse, error) {
	booking, err := s.GetBooking(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	return models.NewBookingStatusResponse(booking, s.now()), nil
}

// ============================================================================
// CANCELLATION & PARTNER OPERATIONS
// ============================================================================

// CancelBooking cancels a booking on behalf of its customer or a partner.
// Customers may cancel until payment succeeds. Partners may also cancel a paid
// booking they have not accepted yet, which requests a full refund.
func (s *BookingService) CancelBooking(ctx context.Context, actor Actor, id uuid.UUID, reason string) (*models.BookingRecord, error) {
	if _, err := s.GetBooking(ctx, actor, id); err != nil {
		return nil, err
	}

	var (
		from models.BookingStatus
		void *models.Effect
	)
	updated, effects, err := s.transition(ctx, id, func(b *models.BookingRecord) ([]models.BookingEvent, error) {
		from = b.Status
		void = nil
		if b.Status == models.StatusCanceled {
			return []models.BookingEvent{models.EventCancel}, nil
		}
		if !b.Status.IsUnpaid() && !(actor.IsStaff() && b.Status == models.StatusAwaitingConfirmation) {
			return nil, &models.ConflictError{
				BookingID: b.ID.String(),
				From:      b.Status,
				Event:     models.EventCancel,
				Message:   "booking can no longer be canceled by this actor",
			}
		}
		cancelReason := "canceled_by_customer"
		if actor.IsStaff() {
			cancelReason = "canceled_by_partner"
		}
		if reason = strings.TrimSpace(reason); reason != "" {
			cancelReason += ": " + reason
		}
		b.CancelReason = &cancelReason
		if b.Status.IsUnpaid() && !b.PaymentStatus.IsSettled() {
			void = voidAuthorizationEffect(b)
			b.PaymentStatus = models.PaymentCanceled
		}
		return []models.BookingEvent{models.EventCancel}, nil
	})
	if err != nil {
		return nil, err
	}
	if void != nil && len(effects) > 0 {
		effects = append(effects, *void)
	}
	s.dispatch(ctx, effects)

	log := s.logger.WithFields(logrus.Fields{
		"booking_id":  id,
		"from_status": from,
		"actor":       actor.UserID,
	})
	log.Info("Booking canceled")

	if from == models.StatusAwaitingConfirmation && updated.ProviderPaymentID != nil {
		// The booking stays canceled either way; the refund webhook settles payment_status
		if _, err := s.gateway.Refund(ctx, *updated.ProviderPaymentID, nil); err != nil {
			log.WithError(err).Error("Refund request after partner cancellation failed")
		}
	}
	return updated, nil
}

// AcceptBooking confirms a paid booking awaiting partner acceptance
func (s *BookingService) AcceptBooking(ctx context.Context, actor Actor, id uuid.UUID) (*models.BookingRecord, error) {
	return s.partnerTransition(ctx, actor, id, models.EventPartnerAccepted, func(b *models.BookingRecord) error {
		if b.Status == models.StatusAwaitingConfirmation && !b.PaymentStatus.HoldsFunds() {
			return &models.ConflictError{
				BookingID: b.ID.String(),
				From:      b.Status,
				Event:     models.EventPartnerAccepted,
				Message:   "payment is not settled",
			}
		}
		return nil
	})
}

// StartBooking marks a confirmed booking as in progress
func (s *BookingService) StartBooking(ctx context.Context, actor Actor, id uuid.UUID) (*models.BookingRecord, error) {
	return s.partnerTransition(ctx, actor, id, models.EventStarted, nil)
}

// CompleteBooking marks an in-progress booking as completed
func (s *BookingService) CompleteBooking(ctx context.Context, actor Actor, id uuid.UUID) (*models.BookingRecord, error) {
	return s.partnerTransition(ctx, actor, id, models.EventCompleted, nil)
}

// MarkNoShow records that the customer did not show up
func (s *BookingService) MarkNoShow(ctx context.Context, actor Actor, id uuid.UUID) (*models.BookingRecord, error) {
	return s.partnerTransition(ctx, actor, id, models.EventNoShow, nil)
}

func (s *BookingService) partnerTransition(
	ctx context.Context,
	actor Actor,
	id uuid.UUID,
	event models.BookingEvent,
	check func(b *models.BookingRecord) error,
) (*models.BookingRecord, error) {
	if !actor.IsStaff() {
		return nil, models.ErrBookingNotFound
	}

	updated, effects, err := s.transition(ctx, id, func(b *models.BookingRecord) ([]models.BookingEvent, error) {
		if check != nil {
			if err := check(b); err != nil {
				return nil, err
			}
		}
		return []models.BookingEvent{event}, nil
	})
	if err != nil {
		return nil, err
	}
	s.dispatch(ctx, effects)

	s.logger.WithFields(logrus.Fields{
		"booking_id": id,
		"event":      event,
		"status":     updated.Status,
		"actor":      actor.UserID,
	}).Info("Booking transition applied")
	return updated, nil
}

// RequestRefund asks the gateway to refund a captured payment. The booking
// only moves when the provider reports the refund through the webhook.
func (s *BookingService) RequestRefund(ctx context.Context, actor Actor, id uuid.UUID, amount *int64) (*PaymentOperationResult, error) {
	if !actor.IsStaff() {
		return nil, models.ErrBookingNotFound
	}
	booking, err := s.GetBooking(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	if booking.ProviderPaymentID == nil || !booking.PaymentStatus.HoldsFunds() {
		return nil, &models.ConflictError{
			BookingID: id.String(),
			From:      booking.Status,
			Event:     models.EventRefunded,
			Message:   "booking has no captured payment to refund",
		}
	}
	if amount != nil && (*amount <= 0 || *amount > booking.FinalAmount) {
		return nil, models.NewValidationError("invalid_amount", "amount", "refund amount must be positive and at most the amount paid")
	}

	result, err := s.gateway.Refund(ctx, *booking.ProviderPaymentID, amount)
	if err != nil {
		return nil, err
	}

	s.logger.WithFields(logrus.Fields{
		"booking_id":          id,
		"provider_payment_id": *booking.ProviderPaymentID,
		"refund_status":       result.Status,
	}).Info("Refund requested")
	return result, nil
}

// ReleaseCapacity frees the hold of a paid booking. Capacity held by a
// confirmed or refunded booking is never released automatically.
func (s *BookingService) ReleaseCapacity(ctx context.Context, actor Actor, id uuid.UUID) (*models.BookingRecord, error) {
	if !actor.IsStaff() {
		return nil, models.ErrBookingNotFound
	}
	booking, err := s.GetBooking(ctx, actor, id)
	if err != nil {
		return nil, err
	}
	if booking.Status.IsUnpaid() {
		return nil, &models.ConflictError{
			BookingID: id.String(),
			From:      booking.Status,
			Message:   "unpaid bookings release capacity when they expire or are canceled",
		}
	}
	if !booking.HasHold() || booking.HoldReleasedAt != nil {
		return booking, nil
	}

	err = s.effects.Dispatch(ctx, []models.Effect{{
		Kind:      models.EffectReleaseCapacity,
		BookingID: booking.ID,
		HoldID:    *booking.CapacityHoldID,
	}})
	if err != nil {
		return nil, fmt.Errorf("failed to release capacity: %w", err)
	}

	s.logger.WithFields(logrus.Fields{
		"booking_id": id,
		"hold_id":    *booking.CapacityHoldID,
		"actor":      actor.UserID,
	}).Info("Capacity released by partner")
	return s.bookings.GetByID(ctx, id)
}

// ============================================================================
// EXPIRY
// ============================================================================

// ExpireBooking expires an unpaid booking whose hold window has passed.
// Status and deadline are re-checked under the optimistic write, so a payment
// that committed first wins. Returns whether the booking was expired.
func (s *BookingService) ExpireBooking(ctx context.Context, id uuid.UUID) (bool, error) {
	now := s.now()
	var void *models.Effect
	updated, effects, err := s.transition(ctx, id, func(b *models.BookingRecord) ([]models.BookingEvent, error) {
		void = nil
		if !b.Status.IsUnpaid() || !b.IsExpired(now) {
			return nil, nil
		}
		if !b.PaymentStatus.IsSettled() {
			void = voidAuthorizationEffect(b)
			b.PaymentStatus = models.PaymentCanceled
		}
		return []models.BookingEvent{models.EventExpire}, nil
	})
	if err != nil {
		return false, err
	}
	if len(effects) == 0 {
		return false, nil
	}
	if void != nil {
		effects = append(effects, *void)
	}
	s.dispatch(ctx, effects)

	s.logger.WithFields(logrus.Fields{
		"booking_id": updated.ID,
		"expires_at": updated.ExpiresAt,
	}).Info("Booking expired")
	return true, nil
}

// ============================================================================
// HELPERS
// ============================================================================

// prepareFunc inspects a fresh copy of the booking, mutates it as needed and
// returns the events to apply in order. No events means nothing to do.
type prepareFunc func(b *models.BookingRecord) ([]models.BookingEvent, error)

// transition reads the booking, applies the prepared events through the state
// machine and writes it back under optimistic concurrency, re-reading on a lost
// race. Effects are planned from the first to the last state.
func (s *BookingService) transition(ctx context.Context, id uuid.UUID, prepare prepareFunc) (*models.BookingRecord, []models.Effect, error) {
	retries := s.cfg.MaxConflictRetries
	if retries < 1 {
		retries = 1
	}

	for attempt := 1; attempt <= retries; attempt++ {
		current, err := s.bookings.GetByID(ctx, id)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to get booking: %w", err)
		}
		if current == nil {
			return nil, nil, models.ErrBookingNotFound
		}

		updated := current.Clone()
		events, err := prepare(updated)
		if err != nil {
			return nil, nil, err
		}
		if len(events) == 0 {
			return current, nil, nil
		}

		now := s.now()
		var last models.BookingEvent
		for _, event := range events {
			next, err := Transition(updated.Status, event, models.TransitionGuards{HasHold: updated.HasHold()})
			if err != nil {
				var ce *models.ConflictError
				if errors.As(err, &ce) {
					ce.BookingID = id.String()
				}
				return nil, nil, err
			}
			applyTransition(updated, next, event, now)
			last = event
		}
		if updated.Status == current.Status {
			return current, nil, nil
		}

		if err := s.bookings.Update(ctx, updated); err != nil {
			if errors.Is(err, models.ErrVersionConflict) {
				s.logger.WithFields(logrus.Fields{
					"booking_id": id,
					"attempt":    attempt,
				}).Warn("Booking modified concurrently, re-reading")
				continue
			}
			return nil, nil, fmt.Errorf("failed to update booking: %w", err)
		}
		return updated, PlanEffects(updated, current.Status, last), nil
	}

	return nil, nil, &models.ConflictError{
		BookingID: id.String(),
		Message:   fmt.Sprintf("booking still contended after %d attempts", retries),
		Retryable: true,
	}
}

// dispatch runs committed effects. Failures are logged; the sweep re-releases
// holds whose release did not complete.
func (s *BookingService) dispatch(ctx context.Context, effects []models.Effect) {
	if len(effects) == 0 {
		return
	}
	if err := s.effects.Dispatch(ctx, effects); err != nil {
		s.logger.WithError(err).WithField("booking_id", effects[0].BookingID).Error("Effect dispatch incomplete")
	}
}
