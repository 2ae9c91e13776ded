package handlers

import (
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/reservahub/booking-engine/internal/middleware"
	"github.com/reservahub/booking-engine/pkg/jwt"
)

// Handlers groups the HTTP handlers mounted by RegisterRoutes
type Handlers struct {
	Booking *BookingHandler
	Coupon  *CouponHandler
	Webhook *WebhookHandler
	Partner *PartnerHandler
	Admin   *AdminHandler
}

// RegisterRoutes mounts the API on router
func RegisterRoutes(router *gin.Engine, jwtService *jwt.Service, logger *logrus.Logger, h Handlers) {
	router.GET("/health", h.Admin.Health)

	v1 := router.Group("/api/v1")
	{
		// Customer bookings
		bookings := v1.Group("/bookings")
		bookings.Use(middleware.AuthMiddleware(jwtService, logger))
		{
			bookings.POST("", h.Booking.CreateBooking)
			bookings.GET("/:id", h.Booking.GetBookingStatus)
			bookings.POST("/:id/payment", h.Booking.RetryPayment)
			bookings.POST("/:id/cancel", h.Booking.CancelBooking)
		}

		// Coupons (public, personalised when authenticated)
		v1.POST("/coupons/validate", middleware.OptionalAuth(jwtService), h.Coupon.ValidateCoupon)

		// Payment provider callbacks
		v1.POST("/payments/webhook", h.Webhook.PaymentWebhook)

		// Partner operations
		partner := v1.Group("/partner/bookings")
		partner.Use(middleware.AuthMiddleware(jwtService, logger))
		partner.Use(middleware.RequireRole(RolePartner, RoleAdmin))
		{
			partner.POST("/:id/accept", h.Partner.AcceptBooking)
			partner.POST("/:id/start", h.Partner.StartBooking)
			partner.POST("/:id/complete", h.Partner.CompleteBooking)
			partner.POST("/:id/no-show", h.Partner.MarkNoShow)
			partner.POST("/:id/refund", h.Partner.RequestRefund)
			partner.POST("/:id/release-capacity", h.Partner.ReleaseCapacity)
		}

		// Administration
		admin := v1.Group("/admin")
		admin.Use(middleware.AuthMiddleware(jwtService, logger))
		admin.Use(middleware.RequireRole(RoleAdmin))
		{
			admin.POST("/coupons", h.Coupon.CreateCoupon)
			admin.PUT("/coupons/:code", h.Coupon.UpdateCoupon)
			admin.POST("/coupons/:code/deactivate", h.Coupon.DeactivateCoupon)
			admin.DELETE("/coupons/:code", h.Coupon.DeleteCoupon)
			admin.PUT("/capacity/:asset_id/slots/:slot", h.Admin.SetSlotCapacity)
			admin.GET("/jobs", h.Admin.GetJobStatus)
			admin.POST("/jobs/expiration-sweep", h.Admin.RunExpirationSweep)
		}
	}
}
