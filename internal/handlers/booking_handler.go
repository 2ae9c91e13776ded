package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/reservahub/booking-engine/internal/models"
	"github.com/reservahub/booking-engine/internal/services"
)

// BookingHandler handles customer booking requests
type BookingHandler struct {
	bookingService *services.BookingService
	logger         *logrus.Logger
}

// NewBookingHandler creates a new booking handler
func NewBookingHandler(bookingService *services.BookingService, logger *logrus.Logger) *BookingHandler {
	return &BookingHandler{
		bookingService: bookingService,
		logger:         logger,
	}
}

// CancelBookingRequest is the optional body of a cancellation
type CancelBookingRequest struct {
	Reason string `json:"reason" binding:"max=500"`
}

// ============================================================================
// CREATE BOOKING - POST /api/v1/bookings
// ============================================================================

// CreateBooking handles POST /api/v1/bookings
func (h *BookingHandler) CreateBooking(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		unauthorized(c)
		return
	}

	var req models.CreateBookingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "validation_error",
			Message: "Invalid request body: " + err.Error(),
		})
		return
	}

	resp, err := h.bookingService.CreateBooking(c.Request.Context(), actor, &req)
	if err != nil {
		// The booking exists but its checkout could not be opened
		if resp != nil {
			status, body := errorStatus(err)
			c.JSON(status, gin.H{
				"error":   body.Error,
				"message": body.Message,
				"code":    body.Code,
				"booking": resp,
			})
			return
		}
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusCreated, resp)
}

// ============================================================================
// BOOKING STATUS - GET /api/v1/bookings/:id
// ============================================================================

// GetBookingStatus handles GET /api/v1/bookings/:id
func (h *BookingHandler) GetBookingStatus(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		unauthorized(c)
		return
	}
	id, ok := bookingIDParam(c)
	if !ok {
		return
	}

	status, err := h.bookingService.GetBookingStatus(c.Request.Context(), actor, id)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, status)
}

// RetryPayment handles POST /api/v1/bookings/:id/payment
func (h *BookingHandler) RetryPayment(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		unauthorized(c)
		return
	}
	id, ok := bookingIDParam(c)
	if !ok {
		return
	}

	resp, err := h.bookingService.RetryPayment(c.Request.Context(), actor, id)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

// CancelBooking handles POST /api/v1/bookings/:id/cancel
func (h *BookingHandler) CancelBooking(c *gin.Context) {
	actor, ok := actorFromContext(c)
	if !ok {
		unauthorized(c)
		return
	}
	id, ok := bookingIDParam(c)
	if !ok {
		return
	}

	var req CancelBookingRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, ErrorResponse{
				Error:   "validation_error",
				Message: "Invalid request body: " + err.Error(),
			})
			return
		}
	}

	booking, err := h.bookingService.CancelBooking(c.Request.Context(), actor, id, req.Reason)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "Booking cancelled",
		"booking": models.NewBookingStatusResponse(booking, time.Now()),
	})
}
