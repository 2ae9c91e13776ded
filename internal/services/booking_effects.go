package services

import (
	"github.com/reservahub/booking-engine/internal/models"
)

// PlanEffects derives the side effects of moving a booking from one status to
// another. b is the booking after the transition. Repeats produce nothing.
func PlanEffects(b *models.BookingRecord, from models.BookingStatus, event models.BookingEvent) []models.Effect {
	to := b.Status
	if from == to {
		return nil
	}

	var effects []models.Effect

	switch to {
	case models.StatusAwaitingConfirmation:
		effects = append(effects, notifyEffect(b, models.NotifyBookingAwaitingConfirmation))

	case models.StatusConfirmed:
		effects = append(effects, notifyEffect(b, models.NotifyBookingConfirmed))

	case models.StatusExpired:
		effects = append(effects, releaseEffects(b)...)
		effects = append(effects, notifyEffect(b, models.NotifyBookingExpired))

	case models.StatusCanceled:
		switch {
		case event == models.EventRefunded:
			// Capacity after confirmation is released by an explicit partner operation
			effects = append(effects, notifyEffect(b, models.NotifyBookingRefunded))
		case event == models.EventPaymentFailed:
			effects = append(effects, releaseEffects(b)...)
			effects = append(effects, notifyEffect(b, models.NotifyPaymentFailed))
		case from.IsUnpaid():
			effects = append(effects, releaseEffects(b)...)
			effects = append(effects, notifyEffect(b, models.NotifyBookingCanceled))
		default:
			if b.HasHold() && b.HoldReleasedAt == nil {
				effects = append(effects, models.Effect{Kind: models.EffectReleaseCapacity, BookingID: b.ID, HoldID: *b.CapacityHoldID})
			}
			effects = append(effects, notifyEffect(b, models.NotifyBookingCanceled))
		}

	case models.StatusNoShow:
		if from.IsUnpaid() {
			effects = append(effects, releaseEffects(b)...)
		}
		effects = append(effects, notifyEffect(b, models.NotifyBookingNoShow))

	case models.StatusCompleted:
		effects = append(effects, notifyEffect(b, models.NotifyBookingCompleted))
	}

	return effects
}

// releaseEffects returns the capacity and coupon-usage release for an unpaid booking
func releaseEffects(b *models.BookingRecord) []models.Effect {
	var effects []models.Effect
	if b.HasHold() && b.HoldReleasedAt == nil {
		effects = append(effects, models.Effect{
			Kind:      models.EffectReleaseCapacity,
			BookingID: b.ID,
			HoldID:    *b.CapacityHoldID,
		})
	}
	if len(b.AppliedCoupons) > 0 {
		effects = append(effects, models.Effect{
			Kind:      models.EffectReverseCoupons,
			BookingID: b.ID,
			UserID:    b.Customer.UserID,
		})
	}
	return effects
}

// voidAuthorizationEffect cancels a payment that was authorized but not
// captured. It returns nil unless b held such an authorization.
func voidAuthorizationEffect(b *models.BookingRecord) *models.Effect {
	if b.PaymentStatus != models.PaymentRequiresCapture || b.ProviderPaymentID == nil {
		return nil
	}
	return &models.Effect{Kind: models.EffectVoidPayment, BookingID: b.ID, PaymentID: *b.ProviderPaymentID}
}

func notifyEffect(b *models.BookingRecord, event models.NotificationEvent) models.Effect {
	data := map[string]interface{}{
		"asset_type":     b.AssetType,
		"asset_id":       b.AssetID,
		"quantity":       b.Quantity,
		"final_amount":   b.FinalAmount,
		"currency":       b.Currency,
		"status":         b.Status,
		"payment_status": b.PaymentStatus,
	}
	if b.ConfirmationCode != nil {
		data["confirmation_code"] = *b.ConfirmationCode
	}
	if b.ScheduledDate != "" {
		data["scheduled_date"] = b.ScheduledDate
	}
	if b.ScheduledTime != "" {
		data["scheduled_time"] = b.ScheduledTime
	}
	if b.CancelReason != nil {
		data["cancel_reason"] = *b.CancelReason
	}

	return models.Effect{
		Kind:      models.EffectNotify,
		BookingID: b.ID,
		Notification: &models.Notification{
			Event:            event,
			BookingID:        b.ID,
			RecipientContact: b.Customer,
			TemplateData:     data,
		},
	}
}
