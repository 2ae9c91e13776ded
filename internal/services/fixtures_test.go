package services

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/reservahub/booking-engine/internal/config"
	"github.com/reservahub/booking-engine/internal/database"
	"github.com/reservahub/booking-engine/internal/models"
	"github.com/reservahub/booking-engine/pkg/validator"
)

func newTestLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// testClock is a settable clock shared by the services under test
type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// fakeGateway records calls and answers with canned results
type fakeGateway struct {
	mu            sync.Mutex
	preferenceErr error
	refundErr     error
	preferences   []*PreferenceRequest
	refunds       []string
	refundAmounts []*int64
	captures      []string
	cancels       []string
}

func (g *fakeGateway) CreatePreference(ctx context.Context, req *PreferenceRequest) (*Preference, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.preferences = append(g.preferences, req)
	if g.preferenceErr != nil {
		return nil, g.preferenceErr
	}
	id := "pref-" + req.BookingID
	return &Preference{ID: id, CheckoutURL: "https://checkout.test/" + id}, nil
}

func (g *fakeGateway) Capture(ctx context.Context, paymentID string, amount *int64) (*PaymentOperationResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.captures = append(g.captures, paymentID)
	return &PaymentOperationResult{ID: paymentID, Status: "approved"}, nil
}

func (g *fakeGateway) Cancel(ctx context.Context, paymentID string) (*PaymentOperationResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cancels = append(g.cancels, paymentID)
	return &PaymentOperationResult{ID: paymentID, Status: "cancelled"}, nil
}

func (g *fakeGateway) Refund(ctx context.Context, paymentID string, amount *int64) (*PaymentOperationResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.refunds = append(g.refunds, paymentID)
	g.refundAmounts = append(g.refundAmounts, amount)
	if g.refundErr != nil {
		return nil, g.refundErr
	}
	return &PaymentOperationResult{ID: "ref-" + paymentID, Status: "pending"}, nil
}

func (g *fakeGateway) calls() (captures, cancels []string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.captures...), append([]string(nil), g.cancels...)
}

func (g *fakeGateway) preferenceCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.preferences)
}

// capturePublisher keeps published notifications in memory
type capturePublisher struct {
	mu       sync.Mutex
	messages []*message.Message
	err      error
}

func (p *capturePublisher) Publish(topic string, msgs ...*message.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.messages = append(p.messages, msgs...)
	return nil
}

func (p *capturePublisher) Close() error { return nil }

func (p *capturePublisher) events() []models.NotificationEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []models.NotificationEvent
	for _, msg := range p.messages {
		var n models.Notification
		if err := json.Unmarshal(msg.Payload, &n); err == nil {
			out = append(out, n.Event)
		}
	}
	return out
}

// testEnv wires the lifecycle services over in-memory stores
type testEnv struct {
	store      *database.MemoryStore
	capacity   *MemoryCapacityGuard
	gateway    *fakeGateway
	publisher  *capturePublisher
	dispatcher *EffectDispatcher
	bookings   *BookingService
	coupons    *CouponService
	reconciler *PaymentReconciler
	sweep      *ExpirationService
	clock      *testClock
	cfg        *config.BookingConfig
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	logger := newTestLogger()
	clock := &testClock{now: time.Now()}
	store := database.NewMemoryStore()
	capacity := NewMemoryCapacityGuard(10)
	gateway := &fakeGateway{}
	publisher := &capturePublisher{}
	cfg := &config.BookingConfig{
		HoldDuration:       30 * time.Minute,
		DefaultCurrency:    "BRL",
		ManualConfirmTypes: []string{"accommodation", "package"},
		MaxConflictRetries: 3,
	}

	dispatcher := NewEffectDispatcher(capacity, store.Bookings(), store.Coupons(), gateway, publisher, "booking-notifications", logger)
	bookingSvc := NewBookingService(
		store.Bookings(), store.Coupons(), capacity, gateway, dispatcher,
		validator.NewContactValidator(), cfg, CallbackURLs{}, logger,
	)
	bookingSvc.now = clock.Now
	couponSvc := NewCouponService(store.Coupons(), store.Bookings(), logger)
	couponSvc.now = clock.Now
	reconciler := NewPaymentReconciler(store.Bookings(), store.Events(), bookingSvc.AutoConfirms, 3, logger)
	reconciler.now = clock.Now
	sweep := NewExpirationService(bookingSvc, store.Bookings(), dispatcher, &config.SweepConfig{
		BatchSize:       100,
		OrphanHoldGrace: time.Minute,
	}, logger)
	sweep.now = clock.Now

	return &testEnv{
		store:      store,
		capacity:   capacity,
		gateway:    gateway,
		publisher:  publisher,
		dispatcher: dispatcher,
		bookings:   bookingSvc,
		coupons:    couponSvc,
		reconciler: reconciler,
		sweep:      sweep,
		clock:      clock,
		cfg:        cfg,
	}
}

func (e *testEnv) seedCoupon(t *testing.T, c *models.Coupon) *models.Coupon {
	t.Helper()
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.ValidFrom.IsZero() {
		c.ValidFrom = e.clock.Now().Add(-time.Hour)
	}
	if c.ValidUntil.IsZero() {
		c.ValidUntil = e.clock.Now().Add(30 * 24 * time.Hour)
	}
	if c.Type == "" {
		c.Type = models.CouponPublic
	}
	if !c.GlobalApplication.IsGlobal && len(c.ApplicableAssets) == 0 {
		c.GlobalApplication.IsGlobal = true
	}
	c.IsActive = true
	require.NoError(t, e.store.Coupons().Create(context.Background(), c))
	return c
}

func (e *testEnv) booking(t *testing.T, id uuid.UUID) *models.BookingRecord {
	t.Helper()
	b, err := e.store.Bookings().GetByID(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, b)
	return b
}

func (e *testEnv) coupon(t *testing.T, code string) *models.Coupon {
	t.Helper()
	c, err := e.store.Coupons().GetByCode(context.Background(), code)
	require.NoError(t, err)
	require.NotNil(t, c)
	return c
}

func (e *testEnv) slotDate() string {
	return e.clock.Now().Add(72 * time.Hour).Format("2006-01-02")
}

func (e *testEnv) activityRequest(quantity int, unitPrice int64, codes ...string) *models.CreateBookingRequest {
	return &models.CreateBookingRequest{
		AssetType:     models.AssetActivity,
		AssetID:       "kayak-tour",
		Quantity:      quantity,
		ScheduledDate: e.slotDate(),
		ScheduledTime: "09:00",
		UnitPrice:     unitPrice,
		Customer: models.Customer{
			Name:  "Ana Souza",
			Email: "Ana@Example.com",
			Phone: "+55 11 99999-8888",
		},
		CouponCodes: codes,
	}
}

// createPending creates a booking that reached payment_pending
func (e *testEnv) createPending(t *testing.T, userID string, req *models.CreateBookingRequest) *models.CreateBookingResponse {
	t.Helper()
	resp, err := e.bookings.CreateBooking(context.Background(), Actor{UserID: userID}, req)
	require.NoError(t, err)
	require.Equal(t, models.StatusPaymentPending, resp.Status)
	return resp
}

func (e *testEnv) deliver(t *testing.T, n *models.PaymentNotification) *models.ReconcileResult {
	t.Helper()
	result, err := e.reconciler.Reconcile(context.Background(), n)
	require.NoError(t, err)
	require.NoError(t, e.dispatcher.Dispatch(context.Background(), result.Effects))
	return result
}

func notification(eventID string, bookingID uuid.UUID, status string, amount int64) *models.PaymentNotification {
	return &models.PaymentNotification{
		ProviderEventID:   eventID,
		ProviderPaymentID: "pay-" + bookingID.String()[:8],
		BookingReference:  bookingID.String(),
		Status:            status,
		Amount:            amount,
		Currency:          "BRL",
		Timestamp:         time.Now(),
	}
}

func int64Ptr(v int64) *int64 { return &v }

func intPtr(v int) *int { return &v }
