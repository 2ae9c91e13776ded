package handlers

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	"github.com/sirupsen/logrus"

	"github.com/reservahub/booking-engine/internal/models"
	"github.com/reservahub/booking-engine/internal/services"
	"github.com/reservahub/booking-engine/internal/utils"
)

// WebhookSignatureHeader carries the hex HMAC-SHA256 of the raw body
const WebhookSignatureHeader = "X-Webhook-Signature"

const maxWebhookBody = 1 << 20

// WebhookHandler receives payment provider notifications
type WebhookHandler struct {
	reconciler *services.PaymentReconciler
	effects    services.EffectExecutor
	secret     string
	logger     *logrus.Logger
}

// NewWebhookHandler creates a new webhook handler. An empty secret disables
// signature verification.
func NewWebhookHandler(
	reconciler *services.PaymentReconciler,
	effects services.EffectExecutor,
	secret string,
	logger *logrus.Logger,
) *WebhookHandler {
	return &WebhookHandler{
		reconciler: reconciler,
		effects:    effects,
		secret:     secret,
		logger:     logger,
	}
}

// ============================================================================
// PAYMENT WEBHOOK - POST /api/v1/payments/webhook
// ============================================================================

// PaymentWebhook handles POST /api/v1/payments/webhook.
//
// 2xx tells the provider to stop retrying: applied, duplicate and anomalous
// events all get 200. Failures the provider should retry get 404 (booking not
// visible yet) or 5xx.
func (h *WebhookHandler) PaymentWebhook(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		h.logger.WithError(err).Error("Failed to read webhook body")
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "invalid_body", Message: "Failed to read request body"})
		return
	}

	// 1. Verify signature
	if h.secret != "" && !h.validSignature(body, c.GetHeader(WebhookSignatureHeader)) {
		h.logger.WithField("ip", utils.GetRealIP(c)).Warn("Webhook signature mismatch")
		c.JSON(http.StatusUnauthorized, ErrorResponse{
			Error:   "invalid_signature",
			Message: "Webhook signature verification failed",
			Code:    "INVALID_SIGNATURE",
		})
		return
	}

	// 2. Validate payload
	var notification models.PaymentNotification
	if err := binding.JSON.BindBody(body, &notification); err != nil {
		h.logger.WithError(err).Warn("Invalid webhook payload")
		c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "validation_error",
			Message: "Invalid webhook payload: " + err.Error(),
		})
		return
	}
	if json.Valid(body) {
		notification.RawPayload = string(body)
	}
	userAgent := utils.GetUserAgent(c)
	notification.Meta = &models.RequestMeta{
		IPAddress: utils.GetRealIP(c),
		UserAgent: userAgent,
		Device:    utils.ParseUserAgent(userAgent).Summary(),
	}

	log := h.logger.WithFields(logrus.Fields{
		"provider_event_id": notification.ProviderEventID,
		"booking_reference": notification.BookingReference,
		"provider_status":   notification.Status,
	})
	log.Info("Payment webhook received")

	// 3. Reconcile
	result, err := h.reconciler.Reconcile(c.Request.Context(), &notification)

	// 4. Run effects of a committed transition, even if recording the event failed
	if result != nil && len(result.Effects) > 0 {
		if dispatchErr := h.effects.Dispatch(c.Request.Context(), result.Effects); dispatchErr != nil {
			log.WithError(dispatchErr).Error("Webhook effects failed; the expiry sweep will retry hold releases")
		}
	}

	if err != nil {
		h.respondReconcileError(c, log, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message":        "webhook processed",
		"booking_id":     result.BookingID,
		"duplicate":      result.Duplicate,
		"outcome":        result.Outcome,
		"status":         result.Status,
		"payment_status": result.PaymentStatus,
	})
}

func (h *WebhookHandler) respondReconcileError(c *gin.Context, log *logrus.Entry, err error) {
	var unknownErr *models.UnknownBookingError
	switch {
	case errors.As(err, &unknownErr):
		log.Warn("Webhook references an unknown booking")
		c.JSON(http.StatusNotFound, ErrorResponse{
			Error:   "unknown_booking",
			Message: "No booking matches the notification reference",
			Code:    "UNKNOWN_BOOKING",
		})
	case models.IsRetryableConflict(err):
		log.WithError(err).Warn("Webhook hit a concurrent booking update")
		c.Header("Retry-After", "5")
		c.JSON(http.StatusServiceUnavailable, ErrorResponse{
			Error:   "conflict",
			Message: "Booking is being updated, please retry",
			Code:    "CONCURRENT_MODIFICATION",
		})
	default:
		log.WithError(err).Error("Failed to reconcile payment event")
		c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "internal_error",
			Message: "Failed to process webhook",
		})
	}
}

func (h *WebhookHandler) validSignature(body []byte, header string) bool {
	header = strings.TrimPrefix(strings.TrimSpace(header), "sha256=")
	received, err := hex.DecodeString(header)
	if err != nil || len(received) == 0 {
		return false
	}
	return hmac.Equal(received, bodyMAC(h.secret, body))
}

// SignWebhookBody returns the signature header value for body
func SignWebhookBody(secret string, body []byte) string {
	return hex.EncodeToString(bodyMAC(secret, body))
}

func bodyMAC(secret string, body []byte) []byte {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return mac.Sum(nil)
}
