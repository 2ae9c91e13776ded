package models

import (
	"github.com/google/uuid"
)

// ============================================================================
// LIFECYCLE EVENTS
// ============================================================================

// BookingEvent is an input to the booking state machine
type BookingEvent string

const (
	EventPaymentIntentCreated BookingEvent = "payment_intent_created"
	EventPaymentSucceeded     BookingEvent = "payment_succeeded"
	EventPaymentUpdated       BookingEvent = "payment_updated" // Non-final provider status
	EventPartnerAccepted      BookingEvent = "partner_accepted"
	EventStarted              BookingEvent = "started"
	EventCompleted            BookingEvent = "completed"
	EventNoShow               BookingEvent = "no_show"
	EventExpire               BookingEvent = "expire"
	EventCancel               BookingEvent = "cancel"
	EventPaymentFailed        BookingEvent = "payment_failed"
	EventRefunded             BookingEvent = "refunded"
	EventPartiallyRefunded    BookingEvent = "partially_refunded"
)

// AllBookingEvents lists every state machine event
var AllBookingEvents = []BookingEvent{
	EventPaymentIntentCreated, EventPaymentSucceeded, EventPaymentUpdated, EventPartnerAccepted,
	EventStarted, EventCompleted, EventNoShow, EventExpire, EventCancel, EventPaymentFailed,
	EventRefunded, EventPartiallyRefunded,
}

// TransitionGuards are facts about the booking the pure transition needs
type TransitionGuards struct {
	HasHold bool
}

// ============================================================================
// EFFECTS
// ============================================================================

// EffectKind is a side effect requested by a state change
type EffectKind string

const (
	EffectReleaseCapacity EffectKind = "release_capacity"
	EffectReverseCoupons  EffectKind = "reverse_coupons"
	EffectNotify          EffectKind = "notify"
	EffectCapturePayment  EffectKind = "capture_payment" // Capture an authorized payment
	EffectVoidPayment     EffectKind = "void_payment"    // Cancel an authorization that will never be captured
)

// NotificationEvent names the message the notification collaborator should send
type NotificationEvent string

const (
	NotifyBookingAwaitingConfirmation NotificationEvent = "booking_awaiting_confirmation"
	NotifyBookingConfirmed            NotificationEvent = "booking_confirmed"
	NotifyBookingCanceled             NotificationEvent = "booking_canceled"
	NotifyBookingExpired              NotificationEvent = "booking_expired"
	NotifyBookingRefunded             NotificationEvent = "booking_refunded"
	NotifyBookingCompleted            NotificationEvent = "booking_completed"
	NotifyBookingNoShow               NotificationEvent = "booking_no_show"
	NotifyPaymentFailed               NotificationEvent = "payment_failed"
)

// Notification is the outbound request to the notification collaborator
type Notification struct {
	Event            NotificationEvent      `json:"event"`
	BookingID        uuid.UUID              `json:"booking_id"`
	RecipientContact Customer               `json:"recipient_contact"`
	TemplateData     map[string]interface{} `json:"template_data"`
}

// Effect is a description of work to run after a transition commits
type Effect struct {
	Kind         EffectKind    `json:"kind"`
	BookingID    uuid.UUID     `json:"booking_id"`
	HoldID       string        `json:"hold_id,omitempty"`
	UserID       string        `json:"user_id,omitempty"`
	PaymentID    string        `json:"payment_id,omitempty"`
	Notification *Notification `json:"notification,omitempty"`
}
