package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/reservahub/booking-engine/internal/config"
	"github.com/reservahub/booking-engine/internal/database"
	"github.com/reservahub/booking-engine/internal/models"
	"github.com/reservahub/booking-engine/internal/services"
	"github.com/reservahub/booking-engine/pkg/jwt"
	"github.com/reservahub/booking-engine/pkg/validator"
)

// sandboxGateway accepts every request and hands out fake checkout sessions
type sandboxGateway struct{}

func (sandboxGateway) CreatePreference(ctx context.Context, req *services.PreferenceRequest) (*services.Preference, error) {
	id := "pref_" + req.BookingID[:8]
	return &services.Preference{ID: id, CheckoutURL: "https://sandbox.invalid/checkout/" + id}, nil
}

func (sandboxGateway) Capture(ctx context.Context, paymentID string, amount *int64) (*services.PaymentOperationResult, error) {
	return &services.PaymentOperationResult{ID: paymentID, Status: "approved"}, nil
}

func (sandboxGateway) Cancel(ctx context.Context, paymentID string) (*services.PaymentOperationResult, error) {
	return &services.PaymentOperationResult{ID: paymentID, Status: "cancelled"}, nil
}

func (sandboxGateway) Refund(ctx context.Context, paymentID string, amount *int64) (*services.PaymentOperationResult, error) {
	return &services.PaymentOperationResult{ID: paymentID, Status: "refunded"}, nil
}

func main() {
	fmt.Println("🧪 Booking Engine Services Smoke Test")
	fmt.Println("=====================================")
	fmt.Println()

	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	logger.SetLevel(logrus.WarnLevel)

	ctx := context.Background()

	testJWTService()

	store := database.NewMemoryStore()
	capacity := services.NewMemoryCapacityGuard(10)
	publisher := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})
	defer publisher.Close()

	bookingCfg := &config.BookingConfig{
		HoldDuration:       30 * time.Minute,
		DefaultCurrency:    "BRL",
		MaxConflictRetries: 3,
	}
	dispatcher := services.NewEffectDispatcher(capacity, store.Bookings(), store.Coupons(), sandboxGateway{}, publisher, "booking-notifications", logger)
	bookingService := services.NewBookingService(
		store.Bookings(), store.Coupons(), capacity, sandboxGateway{}, dispatcher,
		validator.NewContactValidator(), bookingCfg, services.CallbackURLs{}, logger,
	)
	reconciler := services.NewPaymentReconciler(store.Bookings(), store.Events(), bookingService.AutoConfirms, 3, logger)

	now := time.Now()
	coupon := &models.Coupon{
		ID:                uuid.New(),
		Code:              "SAVE10",
		DiscountType:      models.DiscountPercentage,
		DiscountValue:     10,
		ValidFrom:         now.Add(-time.Hour),
		ValidUntil:        now.Add(24 * time.Hour),
		Type:              models.CouponPublic,
		GlobalApplication: models.GlobalApplication{IsGlobal: true},
		IsActive:          true,
	}
	if err := store.Coupons().Create(ctx, coupon); err != nil {
		log.Fatalf("❌ Failed to seed coupon: %v", err)
	}
	fmt.Println("✅ Seeded coupon SAVE10")

	// Create
	actor := services.Actor{UserID: "smoke-user"}
	resp, err := bookingService.CreateBooking(ctx, actor, &models.CreateBookingRequest{
		AssetType:     models.AssetActivity,
		AssetID:       "kayak-tour",
		Quantity:      2,
		ScheduledDate: now.Add(48 * time.Hour).Format("2006-01-02"),
		ScheduledTime: "09:00",
		UnitPrice:     500,
		Customer:      models.Customer{Name: "Smoke Test", Email: "smoke@example.com"},
		CouponCodes:   []string{"save10"},
	})
	if err != nil {
		log.Fatalf("❌ Failed to create booking: %v", err)
	}
	fmt.Printf("✅ Booking created: %s status=%s base=%d discount=%d final=%d\n",
		resp.BookingID, resp.Status, resp.BaseAmount, resp.DiscountAmount, resp.FinalAmount)

	// Webhook, then its replay
	notification := &models.PaymentNotification{
		ProviderEventID:   "evt_smoke_1",
		ProviderPaymentID: "pay_smoke_1",
		BookingReference:  resp.BookingID.String(),
		Status:            "approved",
		Amount:            resp.FinalAmount,
		Currency:          resp.Currency,
		Timestamp:         time.Now(),
	}
	for i := 1; i <= 2; i++ {
		result, err := reconciler.Reconcile(ctx, notification)
		if err != nil {
			log.Fatalf("❌ Reconcile attempt %d failed: %v", i, err)
		}
		if err := dispatcher.Dispatch(ctx, result.Effects); err != nil {
			log.Fatalf("❌ Effects failed: %v", err)
		}
		fmt.Printf("✅ Webhook delivery %d: outcome=%s duplicate=%t status=%s effects=%d\n",
			i, result.Outcome, result.Duplicate, result.Status, len(result.Effects))
	}

	events, _ := store.Events().ListByBooking(ctx, resp.BookingID)
	fmt.Printf("✅ Payment events recorded: %d\n", len(events))
	fmt.Printf("✅ Capacity outstanding for slot: %d\n",
		capacity.Outstanding("kayak-tour", models.SlotKey(now.Add(48*time.Hour).Format("2006-01-02"), "09:00")))

	fmt.Println()
	fmt.Println("✅ All smoke checks completed successfully!")
}

func testJWTService() {
	fmt.Println("🔐 Testing JWT Service")
	fmt.Println("----------------------")

	jwtService := jwt.NewService("smoke-test-secret", time.Hour)
	token, err := jwtService.GenerateAccessToken(uuid.NewString(), "smoke@example.com", []string{"customer"})
	if err != nil {
		log.Fatalf("❌ Failed to generate access token: %v", err)
	}
	claims, err := jwtService.ValidateAccessToken(token)
	if err != nil {
		log.Fatalf("❌ Failed to validate access token: %v", err)
	}
	fmt.Printf("  ✅ Access token round trip for %s (roles %v)\n\n", claims.Email, claims.Roles)
}
