package validator

import (
	"errors"
	"strings"

	playground "github.com/go-playground/validator/v10"
)

var (
	// ErrEmptyEmail indicates the email is empty
	ErrEmptyEmail = errors.New("email cannot be empty")

	// ErrInvalidEmail indicates the email is malformed
	ErrInvalidEmail = errors.New("email is not a valid address")

	// ErrInvalidPhone indicates the phone is not an international number
	ErrInvalidPhone = errors.New("phone must be an international number like +5511999998888")

	// ErrInvalidDate indicates a scheduled date is not YYYY-MM-DD
	ErrInvalidDate = errors.New("date must be formatted as YYYY-MM-DD")

	// ErrInvalidTime indicates a scheduled time is not HH:MM
	ErrInvalidTime = errors.New("time must be formatted as HH:MM")

	// ErrInvalidCurrency indicates the currency is not an ISO 4217 code
	ErrInvalidCurrency = errors.New("currency must be an ISO 4217 code like BRL")
)

// ContactValidator validates customer contact data and booking slots
type ContactValidator struct {
	validate *playground.Validate
}

// NewContactValidator creates a new contact validator instance
func NewContactValidator() *ContactValidator {
	return &ContactValidator{validate: playground.New()}
}

// ValidateEmail validates an email address and returns it trimmed and lower-cased
func (v *ContactValidator) ValidateEmail(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return "", ErrEmptyEmail
	}
	if err := v.validate.Var(email, "email"); err != nil {
		return "", ErrInvalidEmail
	}
	return email, nil
}

// ValidatePhone validates an optional phone number.
// Accepts "+55 11 99999-8888" style input and returns E.164 ("+5511999998888").
// An empty phone is valid and returned empty.
func (v *ContactValidator) ValidatePhone(phone string) (string, error) {
	if strings.TrimSpace(phone) == "" {
		return "", nil
	}
	sanitized := Sanitize(phone)
	if !strings.HasPrefix(sanitized, "+") {
		sanitized = "+" + sanitized
	}
	if err := v.validate.Var(sanitized, "e164"); err != nil {
		return "", ErrInvalidPhone
	}
	return sanitized, nil
}

// ValidateSlot validates a scheduled date and optional time
func (v *ContactValidator) ValidateSlot(date, clock string) error {
	if err := v.validate.Var(date, "required,datetime=2006-01-02"); err != nil {
		return ErrInvalidDate
	}
	if clock == "" {
		return nil
	}
	if err := v.validate.Var(clock, "datetime=15:04"); err != nil {
		return ErrInvalidTime
	}
	return nil
}

// ValidateCurrency validates an ISO 4217 currency code and returns it upper-cased
func (v *ContactValidator) ValidateCurrency(code string) (string, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if err := v.validate.Var(code, "required,iso4217"); err != nil {
		return "", ErrInvalidCurrency
	}
	return code, nil
}

// Sanitize removes common separators from a phone number
func Sanitize(phone string) string {
	replacer := strings.NewReplacer(" ", "", "-", "", "(", "", ")", "", ".", "")
	return replacer.Replace(strings.TrimSpace(phone))
}
