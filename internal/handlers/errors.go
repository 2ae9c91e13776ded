package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/reservahub/booking-engine/internal/middleware"
	"github.com/reservahub/booking-engine/internal/models"
	"github.com/reservahub/booking-engine/internal/services"
)

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// Roles carried in access tokens
const (
	RoleCustomer = "customer"
	RolePartner  = "partner"
	RoleAdmin    = "admin"
)

// errorStatus maps a service error to its HTTP status and response body
func errorStatus(err error) (int, ErrorResponse) {
	var (
		validationErr *models.ValidationError
		conflictErr   *models.ConflictError
		capacityErr   *models.CapacityExceededError
		unknownErr    *models.UnknownBookingError
		providerErr   *models.ProviderError
	)

	switch {
	case errors.As(err, &validationErr):
		return http.StatusBadRequest, ErrorResponse{
			Error:   "validation_error",
			Message: validationErr.Message,
			Code:    validationErr.Reason,
		}
	case errors.As(err, &capacityErr):
		return http.StatusConflict, ErrorResponse{
			Error:   "capacity_exceeded",
			Message: "Not enough availability for the selected slot",
			Code:    "CAPACITY_EXCEEDED",
		}
	case errors.As(err, &conflictErr):
		if conflictErr.Retryable {
			return http.StatusConflict, ErrorResponse{
				Error:   "conflict",
				Message: "Booking was modified concurrently, please retry",
				Code:    "CONCURRENT_MODIFICATION",
			}
		}
		return http.StatusConflict, ErrorResponse{
			Error:   "conflict",
			Message: conflictErr.Error(),
			Code:    "INVALID_TRANSITION",
		}
	case errors.Is(err, models.ErrBookingNotFound):
		return http.StatusNotFound, ErrorResponse{Error: "not_found", Message: "Booking not found"}
	case errors.Is(err, models.ErrCouponNotFound):
		return http.StatusNotFound, ErrorResponse{Error: "not_found", Message: "Coupon not found"}
	case errors.As(err, &unknownErr):
		return http.StatusNotFound, ErrorResponse{
			Error:   "unknown_booking",
			Message: "No booking matches the notification reference",
			Code:    "UNKNOWN_BOOKING",
		}
	case errors.As(err, &providerErr):
		resp := ErrorResponse{
			Error:   "payment_provider_error",
			Message: "Payment provider rejected the request",
			Code:    providerErr.Code,
		}
		if providerErr.Transient {
			resp.Message = "Payment provider is unavailable, please retry"
		}
		return http.StatusBadGateway, resp
	default:
		return http.StatusInternalServerError, ErrorResponse{
			Error:   "internal_error",
			Message: "An unexpected error occurred",
		}
	}
}

// respondError writes the mapped error. Unexpected errors are logged.
func respondError(c *gin.Context, logger *logrus.Logger, err error) {
	status, body := errorStatus(err)
	if status >= http.StatusInternalServerError {
		logger.WithFields(logrus.Fields{
			"path":   c.Request.URL.Path,
			"method": c.Request.Method,
		}).WithError(err).Error("Request failed")
	}
	c.JSON(status, body)
}

// actorFromContext builds the service actor from the authenticated user
func actorFromContext(c *gin.Context) (services.Actor, bool) {
	userCtx, ok := middleware.GetUserContext(c)
	if !ok {
		return services.Actor{}, false
	}
	return services.Actor{
		UserID:    userCtx.UserID,
		IsPartner: userCtx.HasRole(RolePartner),
		IsAdmin:   userCtx.HasRole(RoleAdmin),
	}, true
}

// bookingIDParam parses the :id path parameter, writing a 400 on failure
func bookingIDParam(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_booking_id",
			Message: "Booking ID must be a valid UUID",
		})
		return uuid.Nil, false
	}
	return id, true
}

func unauthorized(c *gin.Context) {
	c.JSON(http.StatusUnauthorized, ErrorResponse{
		Error:   "unauthorized",
		Message: "User not authenticated",
	})
}
