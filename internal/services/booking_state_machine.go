package services

import (
	"time"

	"github.com/reservahub/booking-engine/internal/models"
)

// transitionTable lists every allowed (state, event) pair.
// A pair that maps back to its own state is an accepted repeat: valid, but nothing changes.
// Every pair missing from the table is rejected.
var transitionTable = map[models.BookingStatus]map[models.BookingEvent]models.BookingStatus{
	models.StatusDraft: {
		models.EventPaymentIntentCreated: models.StatusPaymentPending,
		models.EventPaymentUpdated:       models.StatusDraft,
		models.EventExpire:               models.StatusExpired,
		models.EventCancel:               models.StatusCanceled,
		models.EventPaymentFailed:        models.StatusCanceled,
		models.EventNoShow:               models.StatusNoShow,
	},
	models.StatusPaymentPending: {
		models.EventPaymentSucceeded: models.StatusAwaitingConfirmation,
		models.EventPaymentUpdated:   models.StatusPaymentPending,
		models.EventExpire:           models.StatusExpired,
		models.EventCancel:           models.StatusCanceled,
		models.EventPaymentFailed:    models.StatusCanceled,
		models.EventNoShow:           models.StatusNoShow,
	},
	models.StatusAwaitingConfirmation: {
		models.EventPartnerAccepted:   models.StatusConfirmed,
		models.EventPaymentSucceeded:  models.StatusAwaitingConfirmation,
		models.EventPaymentUpdated:    models.StatusAwaitingConfirmation,
		models.EventCancel:            models.StatusCanceled,
		models.EventRefunded:          models.StatusCanceled,
		models.EventPartiallyRefunded: models.StatusAwaitingConfirmation,
		models.EventNoShow:            models.StatusNoShow,
	},
	models.StatusConfirmed: {
		models.EventStarted:           models.StatusInProgress,
		models.EventPaymentSucceeded:  models.StatusConfirmed,
		models.EventPaymentUpdated:    models.StatusConfirmed,
		models.EventRefunded:          models.StatusCanceled,
		models.EventPartiallyRefunded: models.StatusConfirmed,
		models.EventNoShow:            models.StatusNoShow,
	},
	models.StatusInProgress: {
		models.EventCompleted:         models.StatusCompleted,
		models.EventPaymentSucceeded:  models.StatusInProgress,
		models.EventPaymentUpdated:    models.StatusInProgress,
		models.EventPartiallyRefunded: models.StatusInProgress,
		models.EventNoShow:            models.StatusNoShow,
	},
	models.StatusCompleted: {
		models.EventPaymentSucceeded:  models.StatusCompleted,
		models.EventPaymentUpdated:    models.StatusCompleted,
		models.EventRefunded:          models.StatusCanceled,
		models.EventPartiallyRefunded: models.StatusCompleted,
	},
	models.StatusCanceled: {
		models.EventCancel:        models.StatusCanceled,
		models.EventPaymentFailed: models.StatusCanceled,
		models.EventRefunded:      models.StatusCanceled,
	},
	models.StatusNoShow: {
		models.EventNoShow: models.StatusNoShow,
	},
	models.StatusExpired: {
		models.EventExpire: models.StatusExpired,
	},
}

// Transition computes the next booking status for an event.
// It is pure and total: every (state, event) pair yields either a next
// state or a *models.ConflictError.
func Transition(state models.BookingStatus, event models.BookingEvent, guards models.TransitionGuards) (models.BookingStatus, error) {
	events, ok := transitionTable[state]
	if !ok {
		return state, &models.ConflictError{From: state, Event: event, Message: "unknown booking status"}
	}
	next, ok := events[event]
	if !ok {
		return state, &models.ConflictError{From: state, Event: event, Message: "transition not allowed"}
	}

	if state == models.StatusDraft && event == models.EventPaymentIntentCreated && !guards.HasHold {
		return state, &models.ConflictError{From: state, Event: event, Message: "capacity hold required before payment"}
	}

	return next, nil
}

// IsRepeat reports whether applying event to state is an accepted no-op
func IsRepeat(state models.BookingStatus, event models.BookingEvent) bool {
	next, ok := transitionTable[state][event]
	return ok && next == state
}

// applyTransition moves b to next and stamps the matching audit timestamp
func applyTransition(b *models.BookingRecord, next models.BookingStatus, event models.BookingEvent, now time.Time) {
	if b.Status == next {
		return
	}
	b.Status = next
	switch next {
	case models.StatusPaymentPending:
		b.PaymentInitiatedAt = &now
	case models.StatusConfirmed:
		b.ConfirmedAt = &now
	case models.StatusCompleted:
		b.CompletedAt = &now
	case models.StatusExpired:
		b.ExpiredAt = &now
	case models.StatusCanceled:
		b.CanceledAt = &now
		if b.CancelReason == nil {
			reason := string(event)
			b.CancelReason = &reason
		}
	}
}
