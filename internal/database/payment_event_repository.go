package database

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/reservahub/booking-engine/internal/models"
)

// PaymentEventRepository stores ingested provider notifications
type PaymentEventRepository struct {
	db *sqlx.DB
}

// NewPaymentEventRepository creates a new PaymentEventRepository
func NewPaymentEventRepository(db *sqlx.DB) *PaymentEventRepository {
	return &PaymentEventRepository{db: db}
}

// Exists reports whether the provider event was already recorded for the booking
func (r *PaymentEventRepository) Exists(ctx context.Context, bookingID uuid.UUID, providerEventID string) (bool, error) {
	var exists bool
	err := r.db.GetContext(ctx, &exists, `
		SELECT EXISTS (
			SELECT 1 FROM payment_events WHERE booking_id = $1 AND provider_event_id = $2
		)`, bookingID, providerEventID)
	if err != nil {
		return false, fmt.Errorf("failed to check payment event: %w", err)
	}
	return exists, nil
}

// Record inserts the event. A concurrent delivery that already stored the
// same (booking, provider event) pair wins and this insert does nothing.
func (r *PaymentEventRepository) Record(ctx context.Context, e *models.PaymentEvent) error {
	_, err := r.db.NamedExecContext(ctx, `
		INSERT INTO payment_events (
			id, booking_id, provider_event_id, provider_payment_id, booking_reference,
			status, mapped_status, amount, currency, expected_amount, amounts_match,
			outcome, anomaly_reason, from_status, to_status, raw_payload,
			ip_address, user_agent, device, provider_timestamp, received_at
		) VALUES (
			:id, :booking_id, :provider_event_id, :provider_payment_id, :booking_reference,
			:status, :mapped_status, :amount, :currency, :expected_amount, :amounts_match,
			:outcome, :anomaly_reason, :from_status, :to_status, :raw_payload,
			:ip_address, :user_agent, :device, :provider_timestamp, :received_at
		)
		ON CONFLICT (booking_id, provider_event_id) DO NOTHING`, e)
	if err != nil {
		return fmt.Errorf("failed to record payment event: %w", err)
	}
	return nil
}

// ListByBooking returns a booking's events, oldest first
func (r *PaymentEventRepository) ListByBooking(ctx context.Context, bookingID uuid.UUID) ([]*models.PaymentEvent, error) {
	var events []*models.PaymentEvent
	err := r.db.SelectContext(ctx, &events, `
		SELECT
			id, booking_id, provider_event_id, provider_payment_id, booking_reference,
			status, mapped_status, amount, currency, expected_amount, amounts_match,
			outcome, anomaly_reason, from_status, to_status, raw_payload,
			ip_address, user_agent, device, provider_timestamp, received_at
		FROM payment_events
		WHERE booking_id = $1
		ORDER BY received_at`, bookingID)
	if err != nil {
		return nil, fmt.Errorf("failed to list payment events: %w", err)
	}
	return events, nil
}
