package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/reservahub/booking-engine/internal/models"
)

// PaymentReconciler ingests provider notifications and drives bookings forward.
// It never executes side effects; it returns them for the dispatcher.
type PaymentReconciler struct {
	bookings    BookingStore
	events      PaymentEventStore
	autoConfirm func(models.AssetType) bool
	maxRetries  int
	logger      *logrus.Logger
	now         func() time.Time
}

// NewPaymentReconciler creates a new reconciler. autoConfirm reports whether
// an asset type skips partner acceptance.
func NewPaymentReconciler(
	bookings BookingStore,
	events PaymentEventStore,
	autoConfirm func(models.AssetType) bool,
	maxRetries int,
	logger *logrus.Logger,
) *PaymentReconciler {
	if maxRetries < 1 {
		maxRetries = 1
	}
	if autoConfirm == nil {
		autoConfirm = func(models.AssetType) bool { return false }
	}
	return &PaymentReconciler{
		bookings:    bookings,
		events:      events,
		autoConfirm: autoConfirm,
		maxRetries:  maxRetries,
		logger:      logger,
		now:         time.Now,
	}
}

// Reconcile processes one notification.
//
// Replays of an already recorded (booking, provider event id) pair return
// without effects. Transitions the state machine rejects are recorded as
// anomalies and leave the booking untouched. The event is recorded last, so a
// failure before that point is safe to retry. If only that final write fails,
// both the result (with its effects) and the error are returned: the caller
// dispatches the effects and still reports failure so the provider retries,
// and the retry finds the booking already moved and emits nothing.
func (r *PaymentReconciler) Reconcile(ctx context.Context, n *models.PaymentNotification) (*models.ReconcileResult, error) {
	log := r.logger.WithFields(logrus.Fields{
		"provider_event_id": n.ProviderEventID,
		"booking_reference": n.BookingReference,
		"provider_status":   n.Status,
	})

	for attempt := 1; attempt <= r.maxRetries; attempt++ {
		result, err := r.reconcileOnce(ctx, n, log)
		if err == nil || result != nil {
			return result, err
		}
		if !errors.Is(err, models.ErrVersionConflict) {
			return nil, err
		}
		log.WithField("attempt", attempt).Warn("Booking modified concurrently, re-reading")
	}

	return nil, &models.ConflictError{
		Message:   fmt.Sprintf("booking still contended after %d attempts", r.maxRetries),
		Retryable: true,
	}
}

func (r *PaymentReconciler) reconcileOnce(ctx context.Context, n *models.PaymentNotification, log *logrus.Entry) (*models.ReconcileResult, error) {
	booking, err := r.bookings.GetByReference(ctx, n.BookingReference)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve booking: %w", err)
	}
	if booking == nil {
		return nil, &models.UnknownBookingError{Reference: n.BookingReference}
	}

	seen, err := r.events.Exists(ctx, booking.ID, n.ProviderEventID)
	if err != nil {
		return nil, fmt.Errorf("failed to check event deduplication: %w", err)
	}
	if seen {
		log.WithField("booking_id", booking.ID).Info("Duplicate payment event ignored")
		return &models.ReconcileResult{
			BookingID:     booking.ID,
			Duplicate:     true,
			Outcome:       models.OutcomeNoOp,
			Status:        booking.Status,
			PaymentStatus: booking.PaymentStatus,
		}, nil
	}

	event := models.NewPaymentEvent(n, booking.ID)
	from := booking.Status

	mapped, lifecycleEvent, ok := MapProviderStatus(n.Status)
	if !ok {
		// Kept for manual reconciliation; acknowledging stops provider retries of an event we can never map
		event.SetTransition(from, from).MarkAnomaly("unmapped_provider_status")
		log.WithField("booking_id", booking.ID).Error("Unmapped provider status recorded for manual reconciliation")
		return r.finish(ctx, booking, event, nil)
	}
	event.MappedStatus = mapped

	// The webhook raced ahead of the commit that moves the booking to payment_pending
	if from == models.StatusDraft && lifecycleEvent == models.EventPaymentSucceeded {
		return nil, &models.ConflictError{
			BookingID: booking.ID.String(),
			From:      from,
			Event:     lifecycleEvent,
			Message:   "payment reported before the payment intent was recorded",
			Retryable: true,
		}
	}

	next, err := Transition(from, lifecycleEvent, models.TransitionGuards{HasHold: booking.HasHold()})
	if err != nil {
		var ce *models.ConflictError
		if !errors.As(err, &ce) {
			return nil, err
		}
		event.SetTransition(from, from).MarkAnomaly(ce.Message)
		log.WithFields(logrus.Fields{
			"booking_id":     booking.ID,
			"booking_status": from,
			"event":          lifecycleEvent,
		}).Warn("Payment event rejected by booking state, recorded as anomaly")
		return r.finish(ctx, booking, event, nil)
	}

	updated := booking.Clone()
	updated.PaymentStatus = nextPaymentStatus(booking.PaymentStatus, mapped, lifecycleEvent)
	if n.ProviderPaymentID != "" && updated.ProviderPaymentID == nil {
		pid := n.ProviderPaymentID
		updated.ProviderPaymentID = &pid
	}
	applyTransition(updated, next, lifecycleEvent, r.now())

	if lifecycleEvent == models.EventPaymentSucceeded && from != next {
		if !event.SetAmounts(booking.FinalAmount) {
			log.WithFields(logrus.Fields{
				"booking_id":      booking.ID,
				"expected_amount": booking.FinalAmount,
				"received_amount": n.Amount,
			}).Warn("Payment amount does not match booking amount")
		}
		if r.autoConfirm(booking.AssetType) {
			confirmed, err := Transition(updated.Status, models.EventPartnerAccepted, models.TransitionGuards{HasHold: updated.HasHold()})
			if err != nil {
				return nil, err
			}
			applyTransition(updated, confirmed, models.EventPartnerAccepted, r.now())
		}
	}

	// confirmed requires funds held by the provider; a partial refund keeps the rest
	if updated.Status == models.StatusConfirmed && !updated.PaymentStatus.HoldsFunds() {
		updated.PaymentStatus = booking.PaymentStatus
	}

	changed := updated.Status != booking.Status ||
		updated.PaymentStatus != booking.PaymentStatus ||
		!sameStringPtr(updated.ProviderPaymentID, booking.ProviderPaymentID)
	event.SetTransition(from, updated.Status)
	if !changed {
		return r.finish(ctx, booking, event, nil)
	}

	if err := r.bookings.Update(ctx, updated); err != nil {
		return nil, err
	}
	event.MarkApplied()

	log.WithFields(logrus.Fields{
		"booking_id":     updated.ID,
		"from_status":    from,
		"to_status":      updated.Status,
		"payment_status": updated.PaymentStatus,
	}).Info("Payment event applied")

	effects := PlanEffects(updated, from, lifecycleEvent)
	if updated.PaymentStatus == models.PaymentRequiresCapture && booking.PaymentStatus != models.PaymentRequiresCapture &&
		updated.Status == models.StatusPaymentPending && updated.ProviderPaymentID != nil {
		// Capacity is already held, so an authorization is captured right away
		effects = append(effects, models.Effect{
			Kind:      models.EffectCapturePayment,
			BookingID: updated.ID,
			PaymentID: *updated.ProviderPaymentID,
		})
	}

	return r.finish(ctx, updated, event, effects)
}

// finish records the event as the last step and builds the result
func (r *PaymentReconciler) finish(ctx context.Context, booking *models.BookingRecord, event *models.PaymentEvent, effects []models.Effect) (*models.ReconcileResult, error) {
	result := &models.ReconcileResult{
		BookingID:     booking.ID,
		Outcome:       event.Outcome,
		Status:        booking.Status,
		PaymentStatus: booking.PaymentStatus,
		Effects:       effects,
	}
	if err := r.events.Record(ctx, event); err != nil {
		if len(effects) == 0 {
			return nil, fmt.Errorf("failed to record payment event: %w", err)
		}
		return result, fmt.Errorf("failed to record payment event: %w", err)
	}
	return result, nil
}

func sameStringPtr(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
