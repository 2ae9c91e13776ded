package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/reservahub/booking-engine/internal/models"
	"github.com/reservahub/booking-engine/internal/services"
)

// PartnerHandler handles partner operations on bookings
type PartnerHandler struct {
	bookingService *services.BookingService
	logger         *logrus.Logger
}

// NewPartnerHandler creates a new partner handler
func NewPartnerHandler(bookingService *services.BookingService, logger *logrus.Logger) *PartnerHandler {
	return &PartnerHandler{
		bookingService: bookingService,
		logger:         logger,
	}
}

// RefundRequest is the body of a refund request. Amount defaults to the full amount.
type RefundRequest struct {
	Amount *int64 `json:"amount,omitempty" binding:"omitempty,min=1"`
}

type bookingOperation func(ctx context.Context, actor services.Actor, id uuid.UUID) (*models.BookingRecord, error)

// AcceptBooking handles POST /api/v1/partner/bookings/:id/accept
func (h *PartnerHandler) AcceptBooking(c *gin.Context) {
	h.apply(c, h.bookingService.AcceptBooking, "Booking confirmed")
}

// StartBooking handles POST /api/v1/partner/bookings/:id/start
func (h *PartnerHandler) StartBooking(c *gin.Context) {
	h.apply(c, h.bookingService.StartBooking, "Booking started")
}

// CompleteBooking handles POST /api/v1/partner/bookings/:id/complete
func (h *PartnerHandler) CompleteBooking(c *gin.Context) {
	h.apply(c, h.bookingService.CompleteBooking, "Booking completed")
}

// MarkNoShow handles POST /api/v1/partner/bookings/:id/no-show
func (h *PartnerHandler) MarkNoShow(c *gin.Context) {
	h.apply(c, h.bookingService.MarkNoShow, "Booking marked as no-show")
}

// ReleaseCapacity handles POST /api/v1/partner/bookings/:id/release-capacity
func (h *PartnerHandler) ReleaseCapacity(c *gin.Context) {
	h.apply(c, h.bookingService.ReleaseCapacity, "Capacity released")
}

func (h *PartnerHandler) apply(c *gin.Context, op bookingOperation, message string) {
	actor, ok := actorFromContext(c)
	if !ok {
		unauthorized(c)
		return
	}
	id, ok := bookingIDParam(c)
	if !ok {
		return
	}

	booking, err := op(c.Request.Context(), actor, id)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message":          message,
		"booking":          models.NewBookingStatusResponse(booking, time.Now()),
		"hold_released_at": booking.HoldReleasedAt,
	})
}

// RequestRefund handles POST /api/v1/partner/bookings/:id/refund
func (h *PartnerHandler) RequestRefund(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		unauthorized(c)
		return
	}
	id, ok := bookingIDParam(c)
	if !ok {
		return
	}

	var req RefundRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error:   "validation_error",
				Message: "Invalid request body: " + err.Error(),
			})
			return
		}
	}

	result, err := h.bookingService.RequestRefund(c.Request.Context(), actor, id, req.Amount)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	// The booking moves when the provider confirms the refund
	c.JSON(http.StatusAccepted, gin.H{
		"message": "Refund requested",
		"refund":  result,
	})
}
