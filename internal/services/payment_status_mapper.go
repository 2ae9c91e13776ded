package services

import (
	"strings"

	"github.com/reservahub/booking-engine/internal/models"
)

// providerStatus is the engine's reading of one provider status word
type providerStatus struct {
	payment models.PaymentStatus
	event   models.BookingEvent
}

// providerStatuses maps provider vocabulary to payment status and lifecycle event
var providerStatuses = map[string]providerStatus{
	"approved":   {models.PaymentPaid, models.EventPaymentSucceeded},
	"accredited": {models.PaymentPaid, models.EventPaymentSucceeded},
	"success":    {models.PaymentPaid, models.EventPaymentSucceeded},
	"succeeded":  {models.PaymentPaid, models.EventPaymentSucceeded},
	"paid":       {models.PaymentPaid, models.EventPaymentSucceeded},

	"partially_paid": {models.PaymentPartiallyPaid, models.EventPaymentSucceeded},

	"pending":                 {models.PaymentPending, models.EventPaymentUpdated},
	"in_process":              {models.PaymentProcessing, models.EventPaymentUpdated},
	"in_mediation":            {models.PaymentProcessing, models.EventPaymentUpdated},
	"processing":              {models.PaymentProcessing, models.EventPaymentUpdated},
	"authorized":              {models.PaymentRequiresCapture, models.EventPaymentUpdated},
	"requires_capture":        {models.PaymentRequiresCapture, models.EventPaymentUpdated},
	"requires_payment_method": {models.PaymentAwaitingPaymentMethod, models.EventPaymentUpdated},
	"awaiting_payment_method": {models.PaymentAwaitingPaymentMethod, models.EventPaymentUpdated},

	"failed":    {models.PaymentFailed, models.EventPaymentFailed},
	"rejected":  {models.PaymentFailed, models.EventPaymentFailed},
	"declined":  {models.PaymentFailed, models.EventPaymentFailed},
	"canceled":  {models.PaymentCanceled, models.EventPaymentFailed},
	"cancelled": {models.PaymentCanceled, models.EventPaymentFailed},

	"refunded":     {models.PaymentRefunded, models.EventRefunded},
	"charged_back": {models.PaymentRefunded, models.EventRefunded},

	"partially_refunded": {models.PaymentPartiallyRefunded, models.EventPartiallyRefunded},
}

// MapProviderStatus translates a provider status. ok is false for unknown words.
func MapProviderStatus(status string) (models.PaymentStatus, models.BookingEvent, bool) {
	s, ok := providerStatuses[strings.ToLower(strings.TrimSpace(status))]
	if !ok {
		return "", "", false
	}
	return s.payment, s.event, true
}

// isFinalPaymentStatus reports whether a payment status may not be overwritten
// by a non-final one arriving out of order
func isFinalPaymentStatus(p models.PaymentStatus) bool {
	switch p {
	case models.PaymentPaid, models.PaymentPartiallyPaid, models.PaymentFailed,
		models.PaymentRefunded, models.PaymentPartiallyRefunded, models.PaymentCanceled:
		return true
	}
	return false
}

// nextPaymentStatus decides the payment status after an event
func nextPaymentStatus(current, incoming models.PaymentStatus, event models.BookingEvent) models.PaymentStatus {
	if event == models.EventPaymentUpdated && isFinalPaymentStatus(current) {
		return current
	}
	// A later full payment upgrades a partial one, never the reverse
	if current == models.PaymentPaid && incoming == models.PaymentPartiallyPaid {
		return current
	}
	if current == models.PaymentRefunded && incoming == models.PaymentPartiallyRefunded {
		return current
	}
	return incoming
}
