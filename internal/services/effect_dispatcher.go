package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/sirupsen/logrus"

	"github.com/reservahub/booking-engine/internal/models"
)

// EffectDispatcher executes effect descriptions after their transition committed.
// Every effect is attempted even if an earlier one fails.
type EffectDispatcher struct {
	capacity  CapacityGuard
	bookings  BookingStore
	coupons   CouponStore
	gateway   PaymentGateway
	publisher message.Publisher
	topic     string
	logger    *logrus.Logger
}

// NewEffectDispatcher creates a new effect dispatcher
func NewEffectDispatcher(
	capacity CapacityGuard,
	bookings BookingStore,
	coupons CouponStore,
	gateway PaymentGateway,
	publisher message.Publisher,
	topic string,
	logger *logrus.Logger,
) *EffectDispatcher {
	return &EffectDispatcher{
		capacity:  capacity,
		bookings:  bookings,
		coupons:   coupons,
		gateway:   gateway,
		publisher: publisher,
		topic:     topic,
		logger:    logger,
	}
}

// Dispatch runs the effects in order and returns the joined failures
func (d *EffectDispatcher) Dispatch(ctx context.Context, effects []models.Effect) error {
	var errs []error
	for _, effect := range effects {
		if err := d.dispatchOne(ctx, effect); err != nil {
			d.logger.WithFields(logrus.Fields{
				"booking_id": effect.BookingID,
				"effect":     effect.Kind,
			}).WithError(err).Error("Failed to dispatch effect")
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (d *EffectDispatcher) dispatchOne(ctx context.Context, effect models.Effect) error {
	switch effect.Kind {
	case models.EffectReleaseCapacity:
		return d.releaseCapacity(ctx, effect)
	case models.EffectReverseCoupons:
		return d.reverseCoupons(ctx, effect)
	case models.EffectNotify:
		return d.publishNotification(ctx, effect)
	case models.EffectCapturePayment, models.EffectVoidPayment:
		return d.settleAuthorization(ctx, effect)
	default:
		return fmt.Errorf("unknown effect kind %q", effect.Kind)
	}
}

// releaseCapacity frees the hold, then stamps the booking so the sweep skips it.
// If stamping fails the sweep repeats the (idempotent) release later.
func (d *EffectDispatcher) releaseCapacity(ctx context.Context, effect models.Effect) error {
	if err := d.capacity.Release(ctx, effect.HoldID); err != nil {
		return fmt.Errorf("failed to release hold %s: %w", effect.HoldID, err)
	}
	if err := d.bookings.MarkHoldReleased(ctx, effect.BookingID, time.Now()); err != nil {
		return fmt.Errorf("failed to mark hold released: %w", err)
	}

	d.logger.WithFields(logrus.Fields{
		"booking_id": effect.BookingID,
		"hold_id":    effect.HoldID,
	}).Info("Capacity hold released")
	return nil
}

func (d *EffectDispatcher) reverseCoupons(ctx context.Context, effect models.Effect) error {
	reversed, err := d.coupons.ReverseRedemptions(ctx, effect.BookingID)
	if err != nil {
		return fmt.Errorf("failed to reverse coupon redemptions: %w", err)
	}
	if reversed > 0 {
		d.logger.WithFields(logrus.Fields{
			"booking_id": effect.BookingID,
			"reversed":   reversed,
		}).Info("Coupon redemptions reversed")
	}
	return nil
}

// settleAuthorization captures or voids an authorized payment. The booking
// moves when the provider reports the outcome through the webhook.
func (d *EffectDispatcher) settleAuthorization(ctx context.Context, effect models.Effect) error {
	if effect.PaymentID == "" {
		return fmt.Errorf("%s effect without payment id", effect.Kind)
	}

	var (
		result *PaymentOperationResult
		err    error
	)
	if effect.Kind == models.EffectCapturePayment {
		result, err = d.gateway.Capture(ctx, effect.PaymentID, nil)
	} else {
		result, err = d.gateway.Cancel(ctx, effect.PaymentID)
	}
	if err != nil {
		return fmt.Errorf("failed to %s %s: %w", effect.Kind, effect.PaymentID, err)
	}

	d.logger.WithFields(logrus.Fields{
		"booking_id":          effect.BookingID,
		"provider_payment_id": effect.PaymentID,
		"effect":              effect.Kind,
		"provider_status":     result.Status,
	}).Info("Payment authorization settled")
	return nil
}

func (d *EffectDispatcher) publishNotification(ctx context.Context, effect models.Effect) error {
	if effect.Notification == nil {
		return fmt.Errorf("notify effect without notification")
	}

	payload, err := json.Marshal(effect.Notification)
	if err != nil {
		return fmt.Errorf("failed to marshal notification: %w", err)
	}

	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set("type", string(effect.Notification.Event))
	msg.Metadata.Set("booking_id", effect.BookingID.String())
	msg.SetContext(ctx)

	if err := d.publisher.Publish(d.topic, msg); err != nil {
		return fmt.Errorf("failed to publish notification: %w", err)
	}

	d.logger.WithFields(logrus.Fields{
		"booking_id": effect.BookingID,
		"event":      effect.Notification.Event,
		"message_id": msg.UUID,
	}).Info("Notification requested")
	return nil
}
