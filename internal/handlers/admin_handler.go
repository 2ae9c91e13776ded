package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/reservahub/booking-engine/internal/database"
	"github.com/reservahub/booking-engine/internal/models"
	"github.com/reservahub/booking-engine/internal/services"
)

// AdminHandler handles capacity administration and operational endpoints
type AdminHandler struct {
	capacity services.CapacityGuard
	cron     *services.CronService
	db       database.Pinger
	logger   *logrus.Logger
}

// NewAdminHandler creates a new admin handler. db and cron may be nil.
func NewAdminHandler(
	capacity services.CapacityGuard,
	cron *services.CronService,
	db database.Pinger,
	logger *logrus.Logger,
) *AdminHandler {
	return &AdminHandler{
		capacity: capacity,
		cron:     cron,
		db:       db,
		logger:   logger,
	}
}

// SetCapacityRequest is the body of a capacity update
type SetCapacityRequest struct {
	Capacity *int `json:"capacity" binding:"required,min=0"`
}

// SetSlotCapacity handles PUT /api/v1/admin/capacity/:asset_id/slots/:slot.
// The slot segment is the scheduled date, or "-" for undated assets; an optional
// ?time=HH:MM narrows it to one departure.
func (h *AdminHandler) SetSlotCapacity(c *gin.Context) {
	assetID := c.Param("asset_id")
	date := c.Param("slot")
	if date == "-" {
		date = ""
	}
	slot := models.SlotKey(date, c.Query("time"))

	var req SetCapacityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "validation_error",
			Message: "Invalid request body: " + err.Error(),
		})
		return
	}

	if err := h.capacity.SetCapacity(c.Request.Context(), assetID, slot, *req.Capacity); err != nil {
		respondError(c, h.logger, err)
		return
	}

	h.logger.WithFields(logrus.Fields{
		"asset_id": assetID,
		"slot":     slot,
		"capacity": *req.Capacity,
	}).Info("Slot capacity updated")

	c.JSON(http.StatusOK, gin.H{
		"asset_id": assetID,
		"slot":     slot,
		"capacity": *req.Capacity,
	})
}

// RunExpirationSweep handles POST /api/v1/admin/jobs/expiration-sweep
func (h *AdminHandler) RunExpirationSweep(c *gin.Context) {
	if h.cron == nil {
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{Error: "unavailable", Message: "Scheduler is not running"})
		return
	}
	stats := h.cron.RunExpirationSweepNow()
	c.JSON(http.StatusOK, gin.H{"sweep": stats})
}

// GetJobStatus handles GET /api/v1/admin/jobs
func (h *AdminHandler) GetJobStatus(c *gin.Context) {
	if h.cron == nil {
		c.JSON(http.StatusOK, gin.H{"running": false})
		return
	}
	c.JSON(http.StatusOK, h.cron.GetJobStatus())
}

// Health handles GET /health
func (h *AdminHandler) Health(c *gin.Context) {
	checks := gin.H{"database": "memory"}
	status := http.StatusOK

	if h.db != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := h.db.PingContext(ctx); err != nil {
			h.logger.WithError(err).Error("Health check: database unreachable")
			checks["database"] = "unhealthy"
			status = http.StatusServiceUnavailable
		} else {
			checks["database"] = "healthy"
		}
	}

	state := "healthy"
	if status != http.StatusOK {
		state = "unhealthy"
	}
	c.JSON(status, gin.H{
		"status":    state,
		"checks":    checks,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}
