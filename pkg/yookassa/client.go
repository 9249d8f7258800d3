/**
 * @description
 * This package provides a client for the YooKassa payments API. It creates
 * redirect payments for first purchases and merchant-initiated charges
 * against a saved payment method for renewals.
 *
 * @dependencies
 * - net/http, encoding/json: request construction and response parsing.
 */
package yookassa

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/foodmind/billing-service/internal/domain"
)

// DefaultBaseURL is the production API root.
const DefaultBaseURL = "https://api.yookassa.ru/v3"

// Client is a client for the YooKassa API.
type Client struct {
	BaseURL    string
	ShopID     string
	SecretKey  string
	HTTPClient *http.Client
}

// NewClient creates a new YooKassa API client.
func NewClient(baseURL, shopID, secretKey string) *Client {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		BaseURL:   strings.TrimSuffix(baseURL, "/"),
		ShopID:    shopID,
		SecretKey: secretKey,
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Amount is a money value as the API expects it.
type Amount struct {
	Value    string `json:"value"`
	Currency string `json:"currency"`
}

// Confirmation asks for a redirect to the payment page.
type Confirmation struct {
	Type            string `json:"type"`
	ReturnURL       string `json:"return_url,omitempty"`
	ConfirmationURL string `json:"confirmation_url,omitempty"`
}

// CreatePaymentRequest is the body of POST /payments.
type CreatePaymentRequest struct {
	Amount            Amount            `json:"amount"`
	Capture           bool              `json:"capture"`
	Description       string            `json:"description,omitempty"`
	Confirmation      *Confirmation     `json:"confirmation,omitempty"`
	SavePaymentMethod bool              `json:"save_payment_method,omitempty"`
	PaymentMethodID   string            `json:"payment_method_id,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`
}

// PaymentResponse is the subset of the payment object the billing engine uses.
type PaymentResponse struct {
	ID           string        `json:"id"`
	Status       string        `json:"status"`
	Paid         bool          `json:"paid"`
	Amount       Amount        `json:"amount"`
	Confirmation *Confirmation `json:"confirmation,omitempty"`
}

// APIError represents an error body from the YooKassa API.
type APIError struct {
	StatusCode  int    `json:"-"`
	Type        string `json:"type"`
	ID          string `json:"id"`
	Code        string `json:"code"`
	Description string `json:"description"`
	Parameter   string `json:"parameter,omitempty"`
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("yookassa api error (status %d): %s", e.StatusCode, e.Code)
	if e.Description != "" {
		msg += " - " + e.Description
	}
	if e.Parameter != "" {
		msg += " (parameter " + e.Parameter + ")"
	}
	return msg
}

// FormatAmount renders minor units as a decimal string with two places.
func FormatAmount(minor int64) string {
	sign := ""
	if minor < 0 {
		sign = "-"
		minor = -minor
	}
	return fmt.Sprintf("%s%d.%02d", sign, minor/100, minor%100)
}

// CreatePayment implements the payment provider port. A request with a
// payment method id is a merchant-initiated charge; otherwise the payment
// needs a redirect confirmation.
func (c *Client) CreatePayment(ctx context.Context, charge domain.ChargeRequest) (*domain.ChargeResult, error) {
	if strings.TrimSpace(charge.IdempotencyKey) == "" {
		return nil, errors.New("yookassa: idempotency key is required")
	}

	payload := CreatePaymentRequest{
		Amount:      Amount{Value: FormatAmount(charge.Amount), Currency: charge.Currency},
		Capture:     true,
		Description: charge.Description,
		Metadata:    charge.Metadata,
	}
	if charge.PaymentMethodID != "" {
		payload.PaymentMethodID = charge.PaymentMethodID
	} else {
		payload.Confirmation = &Confirmation{Type: "redirect", ReturnURL: charge.ReturnURL}
		payload.SavePaymentMethod = charge.SavePaymentMethod
	}

	payment, err := c.createPayment(ctx, charge.IdempotencyKey, payload)
	if err != nil {
		return nil, err
	}

	result := &domain.ChargeResult{ProviderPaymentID: payment.ID, Status: payment.Status}
	if payment.Confirmation != nil {
		result.ConfirmationURL = payment.Confirmation.ConfirmationURL
	}
	return result, nil
}

func (c *Client) createPayment(ctx context.Context, idempotencyKey string, payload CreatePaymentRequest) (*PaymentResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payment request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/payments", bytes.NewBuffer(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create payment request: %w", err)
	}
	req.SetBasicAuth(c.ShopID, c.SecretKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Idempotence-Key", idempotencyKey)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute payment request: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read payment response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if err := json.Unmarshal(bodyBytes, apiErr); err != nil || apiErr.Code == "" {
			log.Printf("level=warn component=yookassa_client op=create_payment status=%d msg=\"non-2xx response (unparsable error body)\"", resp.StatusCode)
			return nil, fmt.Errorf("yookassa returned status %d", resp.StatusCode)
		}
		log.Printf("level=warn component=yookassa_client op=create_payment status=%d code=%q description=%q", resp.StatusCode, apiErr.Code, apiErr.Description)
		return nil, apiErr
	}

	var payment PaymentResponse
	if err := json.Unmarshal(bodyBytes, &payment); err != nil {
		return nil, fmt.Errorf("failed to decode payment response: %w", err)
	}
	if payment.ID == "" {
		return nil, errors.New("yookassa response carries no payment id")
	}
	return &payment, nil
}
