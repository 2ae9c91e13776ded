package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/reservahub/booking-engine/internal/middleware"
	"github.com/reservahub/booking-engine/internal/models"
	"github.com/reservahub/booking-engine/internal/services"
)

// CouponHandler handles coupon validation and administration
type CouponHandler struct {
	couponService *services.CouponService
	logger        *logrus.Logger
}

// NewCouponHandler creates a new coupon handler
func NewCouponHandler(couponService *services.CouponService, logger *logrus.Logger) *CouponHandler {
	return &CouponHandler{
		couponService: couponService,
		logger:        logger,
	}
}

// ValidateCoupon handles POST /api/v1/coupons/validate.
// An authenticated caller's id replaces any user_id in the body.
func (h *CouponHandler) ValidateCoupon(c *gin.Context) {
	var req models.ValidateCouponRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "validation_error",
			Message: "Invalid request body: " + err.Error(),
		})
		return
	}
	if userCtx, ok := middleware.GetUserContext(c); ok {
		req.UserID = userCtx.UserID
	}

	resp, err := h.couponService.ValidateCoupon(c.Request.Context(), &req)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, resp)
}

// ============================================================================
// ADMIN
// ============================================================================

// CreateCoupon handles POST /api/v1/admin/coupons
func (h *CouponHandler) CreateCoupon(c *gin.Context) {
	userCtx, ok := middleware.GetUserContext(c)
	if !ok {
		unauthorized(c)
		return
	}

	var req models.UpsertCouponRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "validation_error",
			Message: "Invalid request body: " + err.Error(),
		})
		return
	}

	coupon, err := h.couponService.CreateCoupon(c.Request.Context(), userCtx.UserID, &req)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusCreated, coupon)
}

// UpdateCoupon handles PUT /api/v1/admin/coupons/:code
func (h *CouponHandler) UpdateCoupon(c *gin.Context) {
	var req models.UpsertCouponRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "validation_error",
			Message: "Invalid request body: " + err.Error(),
		})
		return
	}

	coupon, err := h.couponService.UpdateCoupon(c.Request.Context(), c.Param("code"), &req)
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, coupon)
}

// DeactivateCoupon handles POST /api/v1/admin/coupons/:code/deactivate
func (h *CouponHandler) DeactivateCoupon(c *gin.Context) {
	coupon, err := h.couponService.DeactivateCoupon(c.Request.Context(), c.Param("code"))
	if err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, coupon)
}

// DeleteCoupon handles DELETE /api/v1/admin/coupons/:code
func (h *CouponHandler) DeleteCoupon(c *gin.Context) {
	if err := h.couponService.DeleteCoupon(c.Request.Context(), c.Param("code")); err != nil {
		respondError(c, h.logger, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Coupon deleted"})
}
