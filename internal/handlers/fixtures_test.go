package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/reservahub/booking-engine/internal/config"
	"github.com/reservahub/booking-engine/internal/database"
	"github.com/reservahub/booking-engine/internal/models"
	"github.com/reservahub/booking-engine/internal/services"
	"github.com/reservahub/booking-engine/pkg/jwt"
	"github.com/reservahub/booking-engine/pkg/validator"
)

const testWebhookSecret = "whsec-test"

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// stubGateway opens checkouts unless preferenceErr is set
type stubGateway struct {
	mu            sync.Mutex
	preferenceErr error
	refunds       []string
}

func (g *stubGateway) CreatePreference(ctx context.Context, req *services.PreferenceRequest) (*services.Preference, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.preferenceErr != nil {
		return nil, g.preferenceErr
	}
	return &services.Preference{ID: "pref-" + req.BookingID, CheckoutURL: "https://checkout.test/" + req.BookingID}, nil
}

func (g *stubGateway) Capture(ctx context.Context, paymentID string, amount *int64) (*services.PaymentOperationResult, error) {
	return &services.PaymentOperationResult{ID: paymentID, Status: "approved"}, nil
}

func (g *stubGateway) Cancel(ctx context.Context, paymentID string) (*services.PaymentOperationResult, error) {
	return &services.PaymentOperationResult{ID: paymentID, Status: "cancelled"}, nil
}

func (g *stubGateway) Refund(ctx context.Context, paymentID string, amount *int64) (*services.PaymentOperationResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.refunds = append(g.refunds, paymentID)
	return &services.PaymentOperationResult{ID: "ref-" + paymentID, Status: "pending"}, nil
}

// testServer is the full router over in-memory stores
type testServer struct {
	router   *gin.Engine
	jwt      *jwt.Service
	store    *database.MemoryStore
	capacity *services.MemoryCapacityGuard
	gateway  *stubGateway
}

func newTestServer(t *testing.T, db database.Pinger) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	logger := testLogger()
	store := database.NewMemoryStore()
	capacity := services.NewMemoryCapacityGuard(10)
	gateway := &stubGateway{}
	cfg := &config.BookingConfig{
		HoldDuration:       30 * time.Minute,
		DefaultCurrency:    "BRL",
		ManualConfirmTypes: []string{"accommodation", "package"},
		MaxConflictRetries: 3,
	}

	publisher, err := services.NewNotificationPublisher(&config.NotificationConfig{Backend: "memory"}, nil, services.NewLogrusWatermillLogger(logger))
	require.NoError(t, err)
	t.Cleanup(func() { _ = publisher.Close() })

	dispatcher := services.NewEffectDispatcher(capacity, store.Bookings(), store.Coupons(), gateway, publisher, "booking-notifications", logger)
	bookingService := services.NewBookingService(
		store.Bookings(), store.Coupons(), capacity, gateway, dispatcher,
		validator.NewContactValidator(), cfg, services.CallbackURLs{}, logger,
	)
	couponService := services.NewCouponService(store.Coupons(), store.Bookings(), logger)
	reconciler := services.NewPaymentReconciler(store.Bookings(), store.Events(), bookingService.AutoConfirms, 3, logger)
	sweep := services.NewExpirationService(bookingService, store.Bookings(), dispatcher, &config.SweepConfig{
		BatchSize:       100,
		OrphanHoldGrace: time.Minute,
	}, logger)
	cron := services.NewCronService(sweep, "0 * * * * *", logger)
	jwtService := jwt.NewService("test-access-secret-key-123456789", time.Hour)

	router := gin.New()
	RegisterRoutes(router, jwtService, logger, Handlers{
		Booking: NewBookingHandler(bookingService, logger),
		Coupon:  NewCouponHandler(couponService, logger),
		Webhook: NewWebhookHandler(reconciler, dispatcher, testWebhookSecret, logger),
		Partner: NewPartnerHandler(bookingService, logger),
		Admin:   NewAdminHandler(capacity, cron, db, logger),
	})

	return &testServer{
		router:   router,
		jwt:      jwtService,
		store:    store,
		capacity: capacity,
		gateway:  gateway,
	}
}

func (s *testServer) token(t *testing.T, userID string, roles ...string) string {
	t.Helper()
	token, err := s.jwt.GenerateAccessToken(userID, userID+"@example.com", roles)
	require.NoError(t, err)
	return token
}

func (s *testServer) do(t *testing.T, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(payload)
	}

	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

// webhook posts a signed notification
func (s *testServer) webhook(t *testing.T, n *models.PaymentNotification) *httptest.ResponseRecorder {
	t.Helper()
	payload, err := json.Marshal(n)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/payments/webhook", bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(WebhookSignatureHeader, "sha256="+SignWebhookBody(testWebhookSecret, payload))
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func slotDate() string {
	return time.Now().Add(72 * time.Hour).Format("2006-01-02")
}

func activityBooking(quantity int, unitPrice int64, codes ...string) *models.CreateBookingRequest {
	return &models.CreateBookingRequest{
		AssetType:     models.AssetActivity,
		AssetID:       "kayak-tour",
		Quantity:      quantity,
		ScheduledDate: slotDate(),
		ScheduledTime: "09:00",
		UnitPrice:     unitPrice,
		Customer: models.Customer{
			Name:  "Ana Souza",
			Email: "ana@example.com",
			Phone: "+55 11 99999-8888",
		},
		CouponCodes: codes,
	}
}

// createBooking books through the API and returns the decoded response
func (s *testServer) createBooking(t *testing.T, token string, req *models.CreateBookingRequest) *models.CreateBookingResponse {
	t.Helper()
	w := s.do(t, http.MethodPost, "/api/v1/bookings", token, req)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var resp models.CreateBookingResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return &resp
}

func paymentNotification(eventID, reference, status string, amount int64) *models.PaymentNotification {
	return &models.PaymentNotification{
		ProviderEventID:   eventID,
		ProviderPaymentID: "pay-" + eventID,
		BookingReference:  reference,
		Status:            status,
		Amount:            amount,
		Currency:          "BRL",
		Timestamp:         time.Now(),
	}
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}
