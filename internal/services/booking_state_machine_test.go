package services

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/reservahub/booking-engine/internal/models"
)

func TestTransition_IsTotal(t *testing.T) {
	guards := models.TransitionGuards{HasHold: true}
	for _, state := range models.AllBookingStatuses {
		for _, event := range models.AllBookingEvents {
			next, err := Transition(state, event, guards)
			if err != nil {
				var ce *models.ConflictError
				require.True(t, errors.As(err, &ce), "%s/%s: expected ConflictError, got %T", state, event, err)
				assert.Equal(t, state, next, "%s/%s: rejected transition must not move", state, event)
				assert.Equal(t, state, ce.From)
				assert.Equal(t, event, ce.Event)
				assert.False(t, ce.Retryable)
				continue
			}
			assert.Contains(t, models.AllBookingStatuses, next, "%s/%s produced unknown status", state, event)
		}
	}
}

func TestTransition_HappyPath(t *testing.T) {
	guards := models.TransitionGuards{HasHold: true}
	steps := []struct {
		event models.BookingEvent
		want  models.BookingStatus
	}{
		{models.EventPaymentIntentCreated, models.StatusPaymentPending},
		{models.EventPaymentSucceeded, models.StatusAwaitingConfirmation},
		{models.EventPartnerAccepted, models.StatusConfirmed},
		{models.EventStarted, models.StatusInProgress},
		{models.EventCompleted, models.StatusCompleted},
	}

	state := models.StatusDraft
	for _, step := range steps {
		next, err := Transition(state, step.event, guards)
		require.NoError(t, err, "%s/%s", state, step.event)
		assert.Equal(t, step.want, next)
		state = next
	}
}

func TestTransition_RequiresHoldBeforePayment(t *testing.T) {
	_, err := Transition(models.StatusDraft, models.EventPaymentIntentCreated, models.TransitionGuards{HasHold: false})
	require.Error(t, err)
	var ce *models.ConflictError
	require.ErrorAs(t, err, &ce)
	assert.Contains(t, ce.Message, "capacity hold")
}

func TestTransition_TerminalStatesAbsorbPaymentSuccess(t *testing.T) {
	for _, state := range []models.BookingStatus{models.StatusExpired, models.StatusCanceled, models.StatusNoShow} {
		next, err := Transition(state, models.EventPaymentSucceeded, models.TransitionGuards{HasHold: true})
		assert.Error(t, err, state)
		assert.Equal(t, state, next)
	}
}

func TestTransition_RefundAfterConfirmationCancels(t *testing.T) {
	for _, state := range []models.BookingStatus{models.StatusAwaitingConfirmation, models.StatusConfirmed, models.StatusCompleted} {
		next, err := Transition(state, models.EventRefunded, models.TransitionGuards{})
		require.NoError(t, err, state)
		assert.Equal(t, models.StatusCanceled, next)
	}

	_, err := Transition(models.StatusInProgress, models.EventRefunded, models.TransitionGuards{})
	assert.Error(t, err)
}

func TestIsRepeat(t *testing.T) {
	assert.True(t, IsRepeat(models.StatusConfirmed, models.EventPaymentSucceeded))
	assert.True(t, IsRepeat(models.StatusExpired, models.EventExpire))
	assert.True(t, IsRepeat(models.StatusCanceled, models.EventCancel))
	assert.False(t, IsRepeat(models.StatusPaymentPending, models.EventPaymentSucceeded))
	assert.False(t, IsRepeat(models.StatusExpired, models.EventPaymentSucceeded))
}

func TestApplyTransition_StampsTimestamps(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	b := &models.BookingRecord{ID: uuid.New(), Status: models.StatusDraft}
	applyTransition(b, models.StatusPaymentPending, models.EventPaymentIntentCreated, now)
	require.NotNil(t, b.PaymentInitiatedAt)
	assert.Equal(t, now, *b.PaymentInitiatedAt)

	applyTransition(b, models.StatusCanceled, models.EventPaymentFailed, now)
	require.NotNil(t, b.CanceledAt)
	require.NotNil(t, b.CancelReason)
	assert.Equal(t, "payment_failed", *b.CancelReason)

	// An explicit reason is kept
	reason := "canceled_by_customer"
	b2 := &models.BookingRecord{Status: models.StatusPaymentPending, CancelReason: &reason}
	applyTransition(b2, models.StatusCanceled, models.EventCancel, now)
	assert.Equal(t, "canceled_by_customer", *b2.CancelReason)

	// Repeats leave the record alone
	b3 := &models.BookingRecord{Status: models.StatusExpired}
	applyTransition(b3, models.StatusExpired, models.EventExpire, now)
	assert.Nil(t, b3.ExpiredAt)
}

func TestPlanEffects(t *testing.T) {
	holdID := "hold-1"
	base := func(status models.BookingStatus) *models.BookingRecord {
		return &models.BookingRecord{
			ID:             uuid.New(),
			Status:         status,
			CapacityHoldID: &holdID,
			AppliedCoupons: models.AppliedCoupons{{Code: "SAVE10", DiscountAmount: 50}},
			Customer:       models.Customer{UserID: "u1", Email: "u1@example.com"},
		}
	}
	kinds := func(effects []models.Effect) []models.EffectKind {
		var out []models.EffectKind
		for _, e := range effects {
			out = append(out, e.Kind)
		}
		return out
	}

	t.Run("expiry releases hold and coupons", func(t *testing.T) {
		effects := PlanEffects(base(models.StatusExpired), models.StatusPaymentPending, models.EventExpire)
		assert.Equal(t, []models.EffectKind{models.EffectReleaseCapacity, models.EffectReverseCoupons, models.EffectNotify}, kinds(effects))
		assert.Equal(t, models.NotifyBookingExpired, effects[2].Notification.Event)
	})

	t.Run("payment success only notifies", func(t *testing.T) {
		effects := PlanEffects(base(models.StatusAwaitingConfirmation), models.StatusPaymentPending, models.EventPaymentSucceeded)
		assert.Equal(t, []models.EffectKind{models.EffectNotify}, kinds(effects))
	})

	t.Run("refund keeps capacity", func(t *testing.T) {
		effects := PlanEffects(base(models.StatusCanceled), models.StatusConfirmed, models.EventRefunded)
		assert.Equal(t, []models.EffectKind{models.EffectNotify}, kinds(effects))
		assert.Equal(t, models.NotifyBookingRefunded, effects[0].Notification.Event)
	})

	t.Run("partner cancel of paid booking releases hold but keeps coupons", func(t *testing.T) {
		effects := PlanEffects(base(models.StatusCanceled), models.StatusAwaitingConfirmation, models.EventCancel)
		assert.Equal(t, []models.EffectKind{models.EffectReleaseCapacity, models.EffectNotify}, kinds(effects))
	})

	t.Run("released hold is not released twice", func(t *testing.T) {
		b := base(models.StatusExpired)
		released := time.Now()
		b.HoldReleasedAt = &released
		effects := PlanEffects(b, models.StatusPaymentPending, models.EventExpire)
		assert.Equal(t, []models.EffectKind{models.EffectReverseCoupons, models.EffectNotify}, kinds(effects))
	})

	t.Run("repeat emits nothing", func(t *testing.T) {
		assert.Empty(t, PlanEffects(base(models.StatusConfirmed), models.StatusConfirmed, models.EventPaymentSucceeded))
	})
}
