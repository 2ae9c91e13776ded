package models

import (
	"errors"
	"fmt"
)

// ============================================================================
// ERROR TAXONOMY
// ============================================================================

// ErrBookingNotFound is returned when a booking id does not exist or is not visible to the caller
var ErrBookingNotFound = errors.New("booking not found")

// ErrCouponNotFound is returned by coupon administration for unknown codes
var ErrCouponNotFound = errors.New("coupon not found")

// ValidationError is a user-correctable input or coupon rule violation.
// Reason is an enumerated code callers can branch on; Message is human-facing.
type ValidationError struct {
	Reason  string `json:"reason"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// NewValidationError creates a ValidationError
func NewValidationError(reason, field, message string) *ValidationError {
	return &ValidationError{Reason: reason, Field: field, Message: message}
}

// ConflictError is returned for invalid state transitions and concurrent modifications
type ConflictError struct {
	BookingID string        `json:"booking_id,omitempty"`
	From      BookingStatus `json:"from,omitempty"`
	Event     BookingEvent  `json:"event,omitempty"`
	Message   string        `json:"message"`
	// Retryable is set for optimistic-concurrency failures, where a fresh read may succeed
	Retryable bool `json:"retryable"`
}

func (e *ConflictError) Error() string {
	if e.Event != "" {
		return fmt.Sprintf("conflict: cannot apply %s to booking in %s: %s", e.Event, e.From, e.Message)
	}
	return "conflict: " + e.Message
}

// ErrVersionConflict is wrapped by stores when an optimistic update lost the race
var ErrVersionConflict = &ConflictError{Message: "booking was modified concurrently", Retryable: true}

// CapacityExceededError means the slot cannot fit the requested quantity
type CapacityExceededError struct {
	AssetID   string `json:"asset_id"`
	Slot      string `json:"slot"`
	Requested int    `json:"requested"`
}

func (e *CapacityExceededError) Error() string {
	return fmt.Sprintf("capacity exceeded for asset %s slot %q (requested %d)", e.AssetID, e.Slot, e.Requested)
}

// UnknownBookingError is returned when a webhook references a booking that is not visible yet
type UnknownBookingError struct {
	Reference string `json:"reference"`
}

func (e *UnknownBookingError) Error() string {
	return fmt.Sprintf("unknown booking reference %q", e.Reference)
}

// ProviderError wraps payment gateway failures. Transient errors are retried with backoff;
// business rejections are terminal for the attempt.
type ProviderError struct {
	Operation  string `json:"operation"`
	StatusCode int    `json:"status_code,omitempty"`
	Code       string `json:"code,omitempty"`
	Message    string `json:"message"`
	Transient  bool   `json:"transient"`
	Err        error  `json:"-"`
}

func (e *ProviderError) Error() string {
	kind := "rejected"
	if e.Transient {
		kind = "unavailable"
	}
	if e.Err != nil {
		return fmt.Sprintf("payment provider %s during %s: %s: %v", kind, e.Operation, e.Message, e.Err)
	}
	return fmt.Sprintf("payment provider %s during %s: %s", kind, e.Operation, e.Message)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// IsRetryableConflict reports whether err is an optimistic-concurrency conflict
func IsRetryableConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce) && ce.Retryable
}
