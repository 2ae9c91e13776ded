package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reservahub/booking-engine/internal/models"
)

var partner = Actor{UserID: "partner-1", IsPartner: true}

func TestCreateBooking_WithCoupon(t *testing.T) {
	env := newTestEnv(t)
	env.seedCoupon(t, &models.Coupon{Code: "SAVE10", DiscountType: models.DiscountPercentage, DiscountValue: 10})

	resp := env.createPending(t, "user-1", env.activityRequest(2, 500, "save10"))

	assert.Equal(t, int64(1000), resp.BaseAmount)
	assert.Equal(t, int64(100), resp.DiscountAmount)
	assert.Equal(t, int64(900), resp.FinalAmount)
	assert.Equal(t, "BRL", resp.Currency)
	assert.Equal(t, "https://checkout.test/pref-"+resp.BookingID.String(), resp.PaymentRedirectURL)
	assert.Regexp(t, `^BK-[2-9A-Z]{8}$`, resp.ConfirmationCode)
	require.Len(t, resp.AppliedCoupons, 1)
	assert.Equal(t, "SAVE10", resp.AppliedCoupons[0].Code)
	assert.Empty(t, resp.RejectedCoupons)

	b := env.booking(t, resp.BookingID)
	assert.Equal(t, "user-1", b.Customer.UserID)
	assert.Equal(t, "ana@example.com", b.Customer.Email)
	assert.Equal(t, "+5511999998888", b.Customer.Phone)
	assert.True(t, b.HasHold())
	assert.Equal(t, env.clock.Now().Add(30*time.Minute), b.ExpiresAt)
	assert.NotNil(t, b.PaymentInitiatedAt)

	assert.Equal(t, 1, env.coupon(t, "SAVE10").UsageCount)
	assert.Equal(t, 2, env.capacity.Outstanding("kayak-tour", models.SlotKey(env.slotDate(), "09:00")))

	require.Len(t, env.gateway.preferences, 1)
	pref := env.gateway.preferences[0]
	assert.Equal(t, int64(900), pref.Amount)
	require.Len(t, pref.Items, 1)
	assert.Equal(t, 2, pref.Items[0].Quantity)
	assert.Equal(t, int64(450), pref.Items[0].UnitPrice)
}

func TestCreateBooking_UnevenDiscountIsOneLine(t *testing.T) {
	env := newTestEnv(t)
	env.seedCoupon(t, &models.Coupon{Code: "OFF1", DiscountType: models.DiscountFixedAmount, DiscountValue: 1})

	env.createPending(t, "user-1", env.activityRequest(3, 500, "OFF1"))

	pref := env.gateway.preferences[0]
	assert.Equal(t, 1, pref.Items[0].Quantity)
	assert.Equal(t, int64(1499), pref.Items[0].UnitPrice)
}

func TestCreateBooking_RejectedCouponsAreReported(t *testing.T) {
	env := newTestEnv(t)
	env.seedCoupon(t, &models.Coupon{Code: "SAVE10", DiscountType: models.DiscountPercentage, DiscountValue: 10})

	resp := env.createPending(t, "user-1", env.activityRequest(2, 500, "SAVE10", "GHOST"))

	assert.Equal(t, int64(900), resp.FinalAmount)
	require.Len(t, resp.RejectedCoupons, 1)
	assert.Equal(t, "GHOST", resp.RejectedCoupons[0].Code)
	assert.Equal(t, models.ReasonNotFound, resp.RejectedCoupons[0].Reason)
}

func TestCreateBooking_Validation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(r *models.CreateBookingRequest)
		reason string
		field  string
	}{
		{"unknown asset type", func(r *models.CreateBookingRequest) { r.AssetType = "spaceship" }, "invalid_asset_type", "asset_type"},
		{"blank asset", func(r *models.CreateBookingRequest) { r.AssetID = "  " }, "invalid_asset", "asset_id"},
		{"zero quantity", func(r *models.CreateBookingRequest) { r.Quantity = 0 }, "invalid_quantity", "quantity"},
		{"zero price", func(r *models.CreateBookingRequest) { r.UnitPrice = 0 }, "invalid_amount", "unit_price"},
		{"missing date", func(r *models.CreateBookingRequest) { r.ScheduledDate = "" }, "invalid_slot", "scheduled_date"},
		{"bad time", func(r *models.CreateBookingRequest) { r.ScheduledTime = "25:99" }, "invalid_slot", "scheduled_time"},
		{"bad currency", func(r *models.CreateBookingRequest) { r.Currency = "XYZ1" }, "invalid_currency", "currency"},
		{"no name", func(r *models.CreateBookingRequest) { r.Customer.Name = "" }, "invalid_customer", "customer.name"},
		{"bad email", func(r *models.CreateBookingRequest) { r.Customer.Email = "not-an-email" }, "invalid_customer", "customer.email"},
		{"bad phone", func(r *models.CreateBookingRequest) { r.Customer.Phone = "call me" }, "invalid_customer", "customer.phone"},
		{"too many coupons", func(r *models.CreateBookingRequest) {
			r.CouponCodes = []string{"A1A", "B2B", "C3C", "D4D", "E5E", "F6F"}
		}, "too_many_coupons", "coupon_codes"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			req := env.activityRequest(1, 500)
			tt.mutate(req)

			_, err := env.bookings.CreateBooking(context.Background(), Actor{UserID: "user-1"}, req)

			var ve *models.ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.reason, ve.Reason)
			assert.Equal(t, tt.field, ve.Field)
			assert.Zero(t, env.gateway.preferenceCount())
		})
	}
}

func TestCreateBooking_CapacityExceeded(t *testing.T) {
	env := newTestEnv(t)
	env.createPending(t, "user-1", env.activityRequest(8, 500))

	_, err := env.bookings.CreateBooking(context.Background(), Actor{UserID: "user-2"}, env.activityRequest(3, 500))

	var ce *models.CapacityExceededError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, 3, ce.Requested)
	assert.Equal(t, 1, env.gateway.preferenceCount())
}

func TestCreateBooking_UsageLimitRaceReleasesHold(t *testing.T) {
	env := newTestEnv(t)
	env.seedCoupon(t, &models.Coupon{Code: "ONCE", DiscountType: models.DiscountFixedAmount, DiscountValue: 100, UsageLimit: intPtr(1)})
	env.createPending(t, "user-1", env.activityRequest(1, 500, "ONCE"))

	// Validation reads a counter taken before the first redemption; the store write enforces the ceiling
	stale := &staleCouponStore{CouponStore: env.store.Coupons(), coupon: env.coupon(t, "ONCE"), usage: 0}
	svc := NewBookingService(env.store.Bookings(), stale, env.capacity, env.gateway, env.dispatcher,
		env.bookings.contacts, env.cfg, CallbackURLs{}, newTestLogger())
	svc.now = env.clock.Now

	_, err := svc.CreateBooking(context.Background(), Actor{UserID: "user-2"}, env.activityRequest(1, 500, "ONCE"))

	var ve *models.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, models.ReasonUsageLimitReached, ve.Reason)
	assert.Equal(t, 1, env.coupon(t, "ONCE").UsageCount)
	assert.Equal(t, 1, env.capacity.Outstanding("kayak-tour", models.SlotKey(env.slotDate(), "09:00")))
}

// staleCouponStore returns a coupon snapshot taken before a concurrent redemption
type staleCouponStore struct {
	CouponStore
	coupon *models.Coupon
	usage  int
}

func (s *staleCouponStore) GetByCode(ctx context.Context, code string) (*models.Coupon, error) {
	if code == s.coupon.Code {
		c := *s.coupon
		c.UsageCount = s.usage
		return &c, nil
	}
	return s.CouponStore.GetByCode(ctx, code)
}

func TestCreateBooking_TransientGatewayFailureThenRetry(t *testing.T) {
	env := newTestEnv(t)
	env.gateway.preferenceErr = &models.ProviderError{Operation: "create_preference", Message: "timeout", Transient: true}

	resp, err := env.bookings.CreateBooking(context.Background(), Actor{UserID: "user-1"}, env.activityRequest(1, 500))
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, models.StatusDraft, resp.Status)
	assert.Empty(t, resp.PaymentRedirectURL)
	assert.Equal(t, 1, env.capacity.Outstanding("kayak-tour", models.SlotKey(env.slotDate(), "09:00")))

	env.gateway.preferenceErr = nil
	retried, err := env.bookings.RetryPayment(context.Background(), Actor{UserID: "user-1"}, resp.BookingID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPaymentPending, retried.Status)
	assert.NotEmpty(t, retried.PaymentRedirectURL)

	// Once payment started, retry is a conflict
	_, err = env.bookings.RetryPayment(context.Background(), Actor{UserID: "user-1"}, resp.BookingID)
	var ce *models.ConflictError
	assert.ErrorAs(t, err, &ce)

	// Other customers cannot see it
	_, err = env.bookings.RetryPayment(context.Background(), Actor{UserID: "user-2"}, resp.BookingID)
	assert.ErrorIs(t, err, models.ErrBookingNotFound)
}

func TestRetryPayment_ExpiredHold(t *testing.T) {
	env := newTestEnv(t)
	env.gateway.preferenceErr = errors.New("dial tcp: connection refused")

	resp, err := env.bookings.CreateBooking(context.Background(), Actor{UserID: "user-1"}, env.activityRequest(1, 500))
	require.Error(t, err)
	require.Equal(t, models.StatusDraft, resp.Status)

	env.clock.Advance(time.Hour)
	env.gateway.preferenceErr = nil
	_, err = env.bookings.RetryPayment(context.Background(), Actor{UserID: "user-1"}, resp.BookingID)

	var ce *models.ConflictError
	require.ErrorAs(t, err, &ce)
	assert.Contains(t, ce.Message, "expired")
}

func TestCreateBooking_BusinessRejectionCancels(t *testing.T) {
	env := newTestEnv(t)
	env.seedCoupon(t, &models.Coupon{Code: "SAVE10", DiscountType: models.DiscountPercentage, DiscountValue: 10})
	env.gateway.preferenceErr = &models.ProviderError{Operation: "create_preference", Code: "payer_blocked", Message: "payer is blocked"}

	resp, err := env.bookings.CreateBooking(context.Background(), Actor{UserID: "user-1"}, env.activityRequest(2, 500, "SAVE10"))

	var pe *models.ProviderError
	require.ErrorAs(t, err, &pe)
	require.NotNil(t, resp)
	assert.Equal(t, models.StatusCanceled, resp.Status)

	b := env.booking(t, resp.BookingID)
	assert.Equal(t, models.PaymentFailed, b.PaymentStatus)
	assert.Equal(t, "payment_rejected: payer_blocked", *b.CancelReason)
	assert.Equal(t, 0, env.capacity.Outstanding("kayak-tour", models.SlotKey(env.slotDate(), "09:00")))
	assert.Equal(t, 0, env.coupon(t, "SAVE10").UsageCount)
	assert.Equal(t, []models.NotificationEvent{models.NotifyPaymentFailed}, env.publisher.events())
}

func TestCreateBooking_FreeBookingSettlesWithoutGateway(t *testing.T) {
	env := newTestEnv(t)
	env.seedCoupon(t, &models.Coupon{Code: "FREE", DiscountType: models.DiscountPercentage, DiscountValue: 100})

	resp, err := env.bookings.CreateBooking(context.Background(), Actor{UserID: "user-1"}, env.activityRequest(1, 500, "FREE"))
	require.NoError(t, err)

	assert.Equal(t, int64(0), resp.FinalAmount)
	assert.Equal(t, models.StatusConfirmed, resp.Status)
	assert.Zero(t, env.gateway.preferenceCount())
	assert.Equal(t, models.PaymentPaid, env.booking(t, resp.BookingID).PaymentStatus)
	assert.Equal(t, []models.NotificationEvent{models.NotifyBookingConfirmed}, env.publisher.events())
}

func TestGetBookingStatus(t *testing.T) {
	env := newTestEnv(t)
	resp := env.createPending(t, "user-1", env.activityRequest(1, 500))

	status, err := env.bookings.GetBookingStatus(context.Background(), Actor{UserID: "user-1"}, resp.BookingID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPaymentPending, status.Status)
	assert.False(t, status.IsExpired)

	env.clock.Advance(45 * time.Minute)
	status, err = env.bookings.GetBookingStatus(context.Background(), partner, resp.BookingID)
	require.NoError(t, err)
	assert.True(t, status.IsExpired)

	_, err = env.bookings.GetBookingStatus(context.Background(), Actor{UserID: "user-2"}, resp.BookingID)
	assert.ErrorIs(t, err, models.ErrBookingNotFound)
	_, err = env.bookings.GetBookingStatus(context.Background(), Actor{UserID: "user-1"}, uuid.New())
	assert.ErrorIs(t, err, models.ErrBookingNotFound)
}

func TestCancelBooking_ByCustomer(t *testing.T) {
	env := newTestEnv(t)
	env.seedCoupon(t, &models.Coupon{Code: "SAVE10", DiscountType: models.DiscountPercentage, DiscountValue: 10})
	resp := env.createPending(t, "user-1", env.activityRequest(2, 500, "SAVE10"))

	canceled, err := env.bookings.CancelBooking(context.Background(), Actor{UserID: "user-1"}, resp.BookingID, "change of plans")
	require.NoError(t, err)

	assert.Equal(t, models.StatusCanceled, canceled.Status)
	assert.Equal(t, models.PaymentCanceled, canceled.PaymentStatus)
	assert.Equal(t, "canceled_by_customer: change of plans", *canceled.CancelReason)
	assert.Equal(t, 0, env.capacity.Outstanding("kayak-tour", models.SlotKey(env.slotDate(), "09:00")))
	assert.Equal(t, 0, env.coupon(t, "SAVE10").UsageCount)

	// Repeating the cancel changes nothing
	again, err := env.bookings.CancelBooking(context.Background(), Actor{UserID: "user-1"}, resp.BookingID, "")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCanceled, again.Status)
	assert.Equal(t, 0, env.coupon(t, "SAVE10").UsageCount)
	assert.Equal(t, []models.NotificationEvent{models.NotifyBookingCanceled}, env.publisher.events())
}

func TestCancelBooking_VoidsAuthorization(t *testing.T) {
	env := newTestEnv(t)
	resp := env.createPending(t, "user-1", env.activityRequest(1, 500))
	_, err := env.reconciler.Reconcile(context.Background(), notification("evt_1", resp.BookingID, "authorized", 500))
	require.NoError(t, err)

	canceled, err := env.bookings.CancelBooking(context.Background(), Actor{UserID: "user-1"}, resp.BookingID, "")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCanceled, canceled.Status)
	assert.Equal(t, models.PaymentCanceled, canceled.PaymentStatus)

	_, cancels := env.gateway.calls()
	assert.Equal(t, []string{"pay-" + resp.BookingID.String()[:8]}, cancels)

	// Nothing to void on a repeat
	_, err = env.bookings.CancelBooking(context.Background(), Actor{UserID: "user-1"}, resp.BookingID, "")
	require.NoError(t, err)
	_, cancels = env.gateway.calls()
	assert.Len(t, cancels, 1)
}

func TestCancelBooking_PaidBooking(t *testing.T) {
	env := newTestEnv(t)
	req := env.activityRequest(1, 15000)
	req.AssetType = models.AssetAccommodation
	req.AssetID = "suite-204"
	req.ScheduledTime = ""
	resp := env.createPending(t, "user-1", req)
	env.deliver(t, notification("evt_1", resp.BookingID, "approved", 15000))

	// The customer can no longer cancel
	_, err := env.bookings.CancelBooking(context.Background(), Actor{UserID: "user-1"}, resp.BookingID, "")
	var ce *models.ConflictError
	require.ErrorAs(t, err, &ce)

	// The partner can, and a full refund is requested
	canceled, err := env.bookings.CancelBooking(context.Background(), partner, resp.BookingID, "overbooked")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCanceled, canceled.Status)
	assert.Equal(t, models.PaymentPaid, canceled.PaymentStatus)
	assert.Equal(t, "canceled_by_partner: overbooked", *canceled.CancelReason)
	require.Len(t, env.gateway.refunds, 1)
	assert.Nil(t, env.gateway.refundAmounts[0])
	assert.Equal(t, 0, env.capacity.Outstanding("suite-204", req.ScheduledDate))
}

func TestPartnerLifecycle(t *testing.T) {
	env := newTestEnv(t)
	resp := env.createPending(t, "user-1", env.activityRequest(1, 500))
	ctx := context.Background()

	// Customers cannot drive partner transitions
	_, err := env.bookings.StartBooking(ctx, Actor{UserID: "user-1"}, resp.BookingID)
	assert.ErrorIs(t, err, models.ErrBookingNotFound)

	// Unpaid bookings cannot be accepted
	_, err = env.bookings.AcceptBooking(ctx, partner, resp.BookingID)
	var ce *models.ConflictError
	require.ErrorAs(t, err, &ce)

	env.deliver(t, notification("evt_1", resp.BookingID, "approved", 500))

	started, err := env.bookings.StartBooking(ctx, partner, resp.BookingID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusInProgress, started.Status)

	completed, err := env.bookings.CompleteBooking(ctx, partner, resp.BookingID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, completed.Status)
	assert.NotNil(t, completed.CompletedAt)

	_, err = env.bookings.MarkNoShow(ctx, partner, resp.BookingID)
	require.ErrorAs(t, err, &ce)

	// Paid capacity is only released on request
	assert.Equal(t, 1, env.capacity.Outstanding("kayak-tour", models.SlotKey(env.slotDate(), "09:00")))
	released, err := env.bookings.ReleaseCapacity(ctx, partner, resp.BookingID)
	require.NoError(t, err)
	assert.NotNil(t, released.HoldReleasedAt)
	assert.Equal(t, 0, env.capacity.Outstanding("kayak-tour", models.SlotKey(env.slotDate(), "09:00")))

	// Second release is a no-op
	_, err = env.bookings.ReleaseCapacity(ctx, partner, resp.BookingID)
	require.NoError(t, err)
}

func TestMarkNoShow_UnpaidReleasesCapacity(t *testing.T) {
	env := newTestEnv(t)
	resp := env.createPending(t, "user-1", env.activityRequest(2, 500))

	b, err := env.bookings.MarkNoShow(context.Background(), partner, resp.BookingID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusNoShow, b.Status)
	assert.Equal(t, 0, env.capacity.Outstanding("kayak-tour", models.SlotKey(env.slotDate(), "09:00")))
}

func TestReleaseCapacity_RejectsUnpaid(t *testing.T) {
	env := newTestEnv(t)
	resp := env.createPending(t, "user-1", env.activityRequest(1, 500))

	_, err := env.bookings.ReleaseCapacity(context.Background(), partner, resp.BookingID)
	var ce *models.ConflictError
	assert.ErrorAs(t, err, &ce)
}

func TestRequestRefund(t *testing.T) {
	env := newTestEnv(t)
	resp := env.createPending(t, "user-1", env.activityRequest(2, 500))
	ctx := context.Background()

	_, err := env.bookings.RequestRefund(ctx, partner, resp.BookingID, nil)
	var ce *models.ConflictError
	require.ErrorAs(t, err, &ce, "no captured payment yet")

	env.deliver(t, notification("evt_1", resp.BookingID, "approved", 1000))

	_, err = env.bookings.RequestRefund(ctx, Actor{UserID: "user-1"}, resp.BookingID, nil)
	assert.ErrorIs(t, err, models.ErrBookingNotFound)

	var ve *models.ValidationError
	_, err = env.bookings.RequestRefund(ctx, partner, resp.BookingID, int64Ptr(1001))
	require.ErrorAs(t, err, &ve)
	_, err = env.bookings.RequestRefund(ctx, partner, resp.BookingID, int64Ptr(0))
	require.ErrorAs(t, err, &ve)

	result, err := env.bookings.RequestRefund(ctx, partner, resp.BookingID, int64Ptr(400))
	require.NoError(t, err)
	assert.Equal(t, "pending", result.Status)
	require.Len(t, env.gateway.refunds, 1)
	assert.Equal(t, "pay-"+resp.BookingID.String()[:8], env.gateway.refunds[0])
	assert.Equal(t, int64(400), *env.gateway.refundAmounts[0])

	// The booking only moves when the refund webhook arrives
	assert.Equal(t, models.StatusConfirmed, env.booking(t, resp.BookingID).Status)

	env.gateway.refundErr = &models.ProviderError{Operation: "refund", Message: "unavailable", Transient: true}
	_, err = env.bookings.RequestRefund(ctx, partner, resp.BookingID, nil)
	var pe *models.ProviderError
	assert.ErrorAs(t, err, &pe)
}

func TestExpireBooking(t *testing.T) {
	env := newTestEnv(t)
	env.seedCoupon(t, &models.Coupon{Code: "SAVE10", DiscountType: models.DiscountPercentage, DiscountValue: 10})
	resp := env.createPending(t, "user-1", env.activityRequest(2, 500, "SAVE10"))
	ctx := context.Background()

	// Not yet due
	expired, err := env.bookings.ExpireBooking(ctx, resp.BookingID)
	require.NoError(t, err)
	assert.False(t, expired)

	env.clock.Advance(31 * time.Minute)
	expired, err = env.bookings.ExpireBooking(ctx, resp.BookingID)
	require.NoError(t, err)
	assert.True(t, expired)

	b := env.booking(t, resp.BookingID)
	assert.Equal(t, models.StatusExpired, b.Status)
	assert.Equal(t, models.PaymentCanceled, b.PaymentStatus)
	assert.NotNil(t, b.ExpiredAt)
	assert.NotNil(t, b.HoldReleasedAt)
	assert.Equal(t, 0, env.coupon(t, "SAVE10").UsageCount)

	// Second expiry finds nothing to do
	expired, err = env.bookings.ExpireBooking(ctx, resp.BookingID)
	require.NoError(t, err)
	assert.False(t, expired)
	assert.Equal(t, []models.NotificationEvent{models.NotifyBookingExpired}, env.publisher.events())
}

func TestExpireBooking_PaymentWins(t *testing.T) {
	env := newTestEnv(t)
	resp := env.createPending(t, "user-1", env.activityRequest(1, 500))
	env.deliver(t, notification("evt_1", resp.BookingID, "approved", 500))

	env.clock.Advance(31 * time.Minute)
	expired, err := env.bookings.ExpireBooking(context.Background(), resp.BookingID)
	require.NoError(t, err)
	assert.False(t, expired)
	assert.Equal(t, models.StatusConfirmed, env.booking(t, resp.BookingID).Status)
}
