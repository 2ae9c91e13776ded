package models

import (
	"time"

	"github.com/google/uuid"
)

// ============================================================================
// PAYMENT EVENT (payment_events table)
// ============================================================================

// EventOutcome records what reconciliation did with an ingested event
type EventOutcome string

const (
	OutcomeApplied EventOutcome = "applied" // Drove a transition or a payment status update
	OutcomeNoOp    EventOutcome = "no_op"   // Valid but nothing changed (repeat of a reached state, non-final status)
	OutcomeAnomaly EventOutcome = "anomaly" // Transition rejected, booking untouched
)

// PaymentEvent is an immutable record of one provider notification.
// (BookingID, ProviderEventID) is the deduplication key.
type PaymentEvent struct {
	ID                uuid.UUID `json:"id" db:"id"`
	BookingID         uuid.UUID `json:"booking_id" db:"booking_id"`
	ProviderEventID   string    `json:"provider_event_id" db:"provider_event_id"`
	ProviderPaymentID string    `json:"provider_payment_id" db:"provider_payment_id"`
	BookingReference  string    `json:"booking_reference" db:"booking_reference"`

	// Status as sent by the provider, and after mapping
	Status       string        `json:"status" db:"status"`
	MappedStatus PaymentStatus `json:"mapped_status" db:"mapped_status"`

	// Amount tracking in minor units
	Amount         int64  `json:"amount" db:"amount"`
	Currency       string `json:"currency" db:"currency"`
	ExpectedAmount *int64 `json:"expected_amount,omitempty" db:"expected_amount"`
	AmountsMatch   *bool  `json:"amounts_match,omitempty" db:"amounts_match"`

	Outcome       EventOutcome   `json:"outcome" db:"outcome"`
	AnomalyReason *string        `json:"anomaly_reason,omitempty" db:"anomaly_reason"`
	FromStatus    *BookingStatus `json:"from_status,omitempty" db:"from_status"`
	ToStatus      *BookingStatus `json:"to_status,omitempty" db:"to_status"`

	// Raw payload - CRITICAL for manual reconciliation
	RawPayload *string `json:"raw_payload,omitempty" db:"raw_payload"`

	// Request metadata
	IPAddress *string `json:"ip_address,omitempty" db:"ip_address"`
	UserAgent *string `json:"user_agent,omitempty" db:"user_agent"`
	Device    *string `json:"device,omitempty" db:"device"`

	ProviderTimestamp *time.Time `json:"provider_timestamp,omitempty" db:"provider_timestamp"`
	ReceivedAt        time.Time  `json:"received_at" db:"received_at"`
}

// NewPaymentEvent creates the event record for an incoming notification
func NewPaymentEvent(n *PaymentNotification, bookingID uuid.UUID) *PaymentEvent {
	e := &PaymentEvent{
		ID:                uuid.New(),
		BookingID:         bookingID,
		ProviderEventID:   n.ProviderEventID,
		ProviderPaymentID: n.ProviderPaymentID,
		BookingReference:  n.BookingReference,
		Status:            n.Status,
		Amount:            n.Amount,
		Currency:          n.Currency,
		Outcome:           OutcomeNoOp,
		ReceivedAt:        time.Now(),
	}
	if !n.Timestamp.IsZero() {
		ts := n.Timestamp
		e.ProviderTimestamp = &ts
	}
	if n.RawPayload != "" {
		raw := n.RawPayload
		e.RawPayload = &raw
	}
	if n.Meta != nil {
		e.SetMetadata(n.Meta.IPAddress, n.Meta.UserAgent, n.Meta.Device)
	}
	return e
}

// SetAmounts stores the expected amount and whether the provider amount matches it
func (e *PaymentEvent) SetAmounts(expected int64) bool {
	e.ExpectedAmount = &expected
	match := e.Amount == expected
	e.AmountsMatch = &match
	return match
}

// SetTransition records the booking statuses before and after reconciliation
func (e *PaymentEvent) SetTransition(from, to BookingStatus) *PaymentEvent {
	e.FromStatus = &from
	e.ToStatus = &to
	return e
}

// MarkApplied marks the event as having changed the booking
func (e *PaymentEvent) MarkApplied() *PaymentEvent {
	e.Outcome = OutcomeApplied
	return e
}

// MarkAnomaly marks the event as rejected by the state machine
func (e *PaymentEvent) MarkAnomaly(reason string) *PaymentEvent {
	e.Outcome = OutcomeAnomaly
	e.AnomalyReason = &reason
	return e
}

// SetMetadata sets request metadata
func (e *PaymentEvent) SetMetadata(ip, userAgent, device string) *PaymentEvent {
	if ip != "" {
		e.IPAddress = &ip
	}
	if userAgent != "" {
		e.UserAgent = &userAgent
	}
	if device != "" {
		e.Device = &device
	}
	return e
}

// ============================================================================
// WEBHOOK INPUT
// ============================================================================

// RequestMeta is audit information about the HTTP delivery of a notification
type RequestMeta struct {
	IPAddress string
	UserAgent string
	Device    string
}

// PaymentNotification is a provider webhook after boundary validation
type PaymentNotification struct {
	ProviderEventID   string    `json:"provider_event_id" binding:"required"`
	ProviderPaymentID string    `json:"provider_payment_id"`
	BookingReference  string    `json:"booking_reference" binding:"required"`
	Status            string    `json:"status" binding:"required"`
	Amount            int64     `json:"amount"`
	Currency          string    `json:"currency"`
	Timestamp         time.Time `json:"timestamp"`

	RawPayload string       `json:"-"`
	Meta       *RequestMeta `json:"-"`
}

// ReconcileResult is what the webhook handler reports back
type ReconcileResult struct {
	BookingID     uuid.UUID     `json:"booking_id"`
	Duplicate     bool          `json:"duplicate"`
	Outcome       EventOutcome  `json:"outcome"`
	Status        BookingStatus `json:"status"`
	PaymentStatus PaymentStatus `json:"payment_status"`
	Effects       []Effect      `json:"-"`
}
