package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/reservahub/booking-engine/internal/config"
	"github.com/reservahub/booking-engine/internal/models"
)

// PaymentGateway is the outbound contract with the external payment provider
type PaymentGateway interface {
	CreatePreference(ctx context.Context, req *PreferenceRequest) (*Preference, error)
	Capture(ctx context.Context, paymentID string, amount *int64) (*PaymentOperationResult, error)
	Cancel(ctx context.Context, paymentID string) (*PaymentOperationResult, error)
	Refund(ctx context.Context, paymentID string, amount *int64) (*PaymentOperationResult, error)
}

// PreferenceItem is one line of the checkout
type PreferenceItem struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	Quantity  int    `json:"quantity"`
	UnitPrice int64  `json:"unit_price"`
}

// CallbackURLs are where the provider sends the customer and the webhook
type CallbackURLs struct {
	Success      string `json:"success,omitempty"`
	Failure      string `json:"failure,omitempty"`
	Pending      string `json:"pending,omitempty"`
	Notification string `json:"notification_url,omitempty"`
}

// PreferenceRequest is the input of CreatePreference
type PreferenceRequest struct {
	BookingID    string           `json:"external_reference"`
	Amount       int64            `json:"amount"`
	Currency     string           `json:"currency"`
	Items        []PreferenceItem `json:"items"`
	Payer        models.Customer  `json:"payer"`
	CallbackURLs CallbackURLs     `json:"back_urls"`
	ExpiresAt    *time.Time       `json:"expiration_date_to,omitempty"`
}

// Preference is the provider's checkout session
type Preference struct {
	ID          string `json:"id"`
	CheckoutURL string `json:"init_point"`
}

// PaymentOperationResult is the provider's answer to capture/cancel/refund
type PaymentOperationResult struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// providerErrorBody is the provider's error envelope
type providerErrorBody struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ============================================================================
// HTTP GATEWAY
// ============================================================================

// HTTPPaymentGateway calls the provider's REST API with bounded exponential
// backoff on transient failures. Business rejections are returned at once.
type HTTPPaymentGateway struct {
	config *config.PaymentConfig
	logger *logrus.Logger
	client *http.Client
}

// NewHTTPPaymentGateway creates a new gateway client
func NewHTTPPaymentGateway(cfg *config.PaymentConfig, logger *logrus.Logger) *HTTPPaymentGateway {
	return &HTTPPaymentGateway{
		config: cfg,
		logger: logger,
		client: &http.Client{
			Timeout: cfg.Timeout,
		},
	}
}

// IsConfigured returns true if the gateway has an endpoint and credentials
func (g *HTTPPaymentGateway) IsConfigured() bool {
	return g.config.BaseURL != "" && g.config.AccessToken != ""
}

// CreatePreference opens a checkout session for a booking.
// The booking id doubles as the idempotency key so retries never open two sessions.
func (g *HTTPPaymentGateway) CreatePreference(ctx context.Context, req *PreferenceRequest) (*Preference, error) {
	if req.CallbackURLs == (CallbackURLs{}) {
		req.CallbackURLs = CallbackURLs{
			Success:      g.config.SuccessURL,
			Failure:      g.config.FailureURL,
			Pending:      g.config.PendingURL,
			Notification: g.config.NotificationURL,
		}
	}

	g.logger.WithFields(logrus.Fields{
		"booking_id": req.BookingID,
		"amount":     req.Amount,
		"currency":   req.Currency,
	}).Info("Creating payment preference")

	var pref Preference
	if err := g.do(ctx, "create_preference", http.MethodPost, "/checkout/preferences", req.BookingID, req, &pref); err != nil {
		return nil, err
	}

	if pref.ID == "" || pref.CheckoutURL == "" {
		return nil, &models.ProviderError{
			Operation: "create_preference",
			Message:   "provider returned no preference id or checkout url",
		}
	}

	g.logger.WithFields(logrus.Fields{
		"booking_id":    req.BookingID,
		"preference_id": pref.ID,
	}).Info("Payment preference created")

	return &pref, nil
}

// Capture captures an authorized payment
func (g *HTTPPaymentGateway) Capture(ctx context.Context, paymentID string, amount *int64) (*PaymentOperationResult, error) {
	body := map[string]interface{}{}
	if amount != nil {
		body["amount"] = *amount
	}
	var result PaymentOperationResult
	path := fmt.Sprintf("/payments/%s/capture", paymentID)
	if err := g.do(ctx, "capture", http.MethodPost, path, "capture-"+paymentID, body, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Cancel voids a payment that has not been captured
func (g *HTTPPaymentGateway) Cancel(ctx context.Context, paymentID string) (*PaymentOperationResult, error) {
	var result PaymentOperationResult
	path := fmt.Sprintf("/payments/%s/cancel", paymentID)
	if err := g.do(ctx, "cancel", http.MethodPost, path, "cancel-"+paymentID, map[string]interface{}{}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Refund refunds a payment fully, or partially when amount is set
func (g *HTTPPaymentGateway) Refund(ctx context.Context, paymentID string, amount *int64) (*PaymentOperationResult, error) {
	body := map[string]interface{}{}
	idempotencyKey := "refund-" + paymentID
	if amount != nil {
		body["amount"] = *amount
		idempotencyKey = fmt.Sprintf("refund-%s-%d", paymentID, *amount)
	}
	var result PaymentOperationResult
	path := fmt.Sprintf("/payments/%s/refunds", paymentID)
	if err := g.do(ctx, "refund", http.MethodPost, path, idempotencyKey, body, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// do sends one JSON request, retrying transient failures with exponential backoff
func (g *HTTPPaymentGateway) do(ctx context.Context, operation, method, path, idempotencyKey string, in, out interface{}) error {
	if !g.IsConfigured() {
		return &models.ProviderError{Operation: operation, Message: "payment gateway not configured"}
	}

	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}
	url := strings.TrimRight(g.config.BaseURL, "/") + path

	attempt := 0
	op := func() error {
		attempt++
		err := g.send(ctx, operation, method, url, idempotencyKey, payload, out)
		if err == nil {
			return nil
		}
		var perr *models.ProviderError
		if errors.As(err, &perr) && perr.Transient {
			return err
		}
		return backoff.Permanent(err)
	}

	notify := func(err error, wait time.Duration) {
		g.logger.WithFields(logrus.Fields{
			"operation": operation,
			"attempt":   attempt,
			"retry_in":  wait.String(),
		}).WithError(err).Warn("Payment provider call failed, retrying")
	}

	return backoff.RetryNotify(op, g.newBackOff(ctx), notify)
}

func (g *HTTPPaymentGateway) newBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if g.config.InitialInterval > 0 {
		b.InitialInterval = g.config.InitialInterval
	}
	if g.config.MaxInterval > 0 {
		b.MaxInterval = g.config.MaxInterval
	}
	// Bounded by retry count, not elapsed time
	b.MaxElapsedTime = 0

	retries := g.config.MaxRetries
	if retries < 0 {
		retries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx)
}

func (g *HTTPPaymentGateway) send(ctx context.Context, operation, method, url, idempotencyKey string, payload []byte, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+g.config.AccessToken)
	if idempotencyKey != "" {
		req.Header.Set("X-Idempotency-Key", idempotencyKey)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &models.ProviderError{Operation: operation, Message: "request failed", Transient: true, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &models.ProviderError{Operation: operation, StatusCode: resp.StatusCode, Message: "failed to read response", Transient: true, Err: err}
	}

	g.logger.WithFields(logrus.Fields{
		"operation":   operation,
		"status_code": resp.StatusCode,
	}).Debug("Payment provider response received")

	if resp.StatusCode >= 300 {
		var eb providerErrorBody
		_ = json.Unmarshal(body, &eb)
		msg := eb.Message
		if msg == "" {
			msg = eb.Error
		}
		if msg == "" {
			msg = fmt.Sprintf("provider returned status %d", resp.StatusCode)
		}
		return &models.ProviderError{
			Operation:  operation,
			StatusCode: resp.StatusCode,
			Code:       eb.Code,
			Message:    msg,
			Transient:  resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == http.StatusRequestTimeout,
		}
	}

	if out != nil && len(body) > 0 {
		if err := json.Unmarshal(body, out); err != nil {
			g.logger.WithFields(logrus.Fields{
				"operation": operation,
				"body":      string(body),
			}).WithError(err).Error("Failed to parse payment provider response")
			return &models.ProviderError{Operation: operation, StatusCode: resp.StatusCode, Message: "unparseable response", Err: err}
		}
	}
	return nil
}
