/**
 * @description
 * Domain models for provider webhook notifications: the persisted event log
 * row, the queue job that carries retry state, and the decoded notification
 * payload handed to business handlers.
 */
package domain

import (
	"encoding/json"
	"time"
)

// WebhookStatus is the processing state of a recorded webhook event.
// WebhookDuplicate is accepted by the schema but never written: a repeat
// delivery is counted on the original row (duplicate_count) so an in-flight
// status is not overwritten.
type WebhookStatus string

const (
	WebhookReceived   WebhookStatus = "RECEIVED"
	WebhookProcessing WebhookStatus = "PROCESSING"
	WebhookSuccess    WebhookStatus = "SUCCESS"
	WebhookFailed     WebhookStatus = "FAILED"
	WebhookDuplicate  WebhookStatus = "DUPLICATE"
	WebhookQueued     WebhookStatus = "QUEUED"
)

// Provider event types handled by the billing engine.
const (
	EventPaymentSucceeded = "payment.succeeded"
	EventPaymentCanceled  = "payment.canceled"
	EventRefundSucceeded  = "refund.succeeded"
)

// WebhookEvent is one distinct provider notification.
type WebhookEvent struct {
	ID              int64           `json:"id"`
	EventID         string          `json:"event_id"`
	EventType       string          `json:"event_type"`
	PaymentID       *string         `json:"payment_id,omitempty"`
	Status          WebhookStatus   `json:"status"`
	RawPayload      json.RawMessage `json:"raw_payload"`
	Attempts        int             `json:"attempts"`
	ErrorMessage    *string         `json:"error_message,omitempty"`
	ClientOrigin    string          `json:"client_origin"`
	DuplicateCount  int             `json:"duplicate_count"`
	CreatedAt       time.Time       `json:"created_at"`
	ClaimedAt       *time.Time      `json:"claimed_at,omitempty"`
	QueuedAt        *time.Time      `json:"queued_at,omitempty"`
	ProcessedAt     *time.Time      `json:"processed_at,omitempty"`
	LastDuplicateAt *time.Time      `json:"last_duplicate_at,omitempty"`
	AlertedAt       *time.Time      `json:"alerted_at,omitempty"`
}

// NewWebhookEvent is the data captured by the gateway for a fresh notification.
type NewWebhookEvent struct {
	EventID      string
	EventType    string
	PaymentID    *string
	RawPayload   json.RawMessage
	ClientOrigin string
}

// WebhookJob is the queue message that drives one processing attempt.
// Attempt counts the failed attempts that preceded this one.
type WebhookJob struct {
	WebhookEventID int64     `json:"webhook_event_id"`
	Attempt        int       `json:"attempt"`
	NextEligibleAt time.Time `json:"next_eligible_at"`
	Reason         string    `json:"reason,omitempty"`
	// Deferrals counts redeliveries caused by infrastructure errors rather
	// than handler failures.
	Deferrals      int       `json:"deferrals,omitempty"`
}

// Notification is the decoded provider payload.
type Notification struct {
	Type   string             `json:"type"`
	Event  string             `json:"event"`
	Object NotificationObject `json:"object"`
}

// NotificationObject is the payment or refund object carried by a notification.
type NotificationObject struct {
	ID                  string               `json:"id"`
	Object              string               `json:"object,omitempty"`
	Status              string               `json:"status"`
	Paid                bool                 `json:"paid"`
	PaymentID           string               `json:"payment_id,omitempty"`
	Amount              *Amount              `json:"amount,omitempty"`
	PaymentMethod       *PaymentMethod       `json:"payment_method,omitempty"`
	CancellationDetails *CancellationDetails `json:"cancellation_details,omitempty"`
	Metadata            map[string]string    `json:"metadata,omitempty"`
}

// Amount is a provider money value; Value is a decimal string such as "199.00".
type Amount struct {
	Value    string `json:"value"`
	Currency string `json:"currency"`
}

// PaymentMethod describes the method used for a payment.
type PaymentMethod struct {
	ID    string `json:"id"`
	Type  string `json:"type"`
	Saved bool   `json:"saved"`
	Title string `json:"title,omitempty"`
	Card  *Card  `json:"card,omitempty"`
}

// Card is the masked card attached to a bank_card payment method.
type Card struct {
	First6      string `json:"first6,omitempty"`
	Last4       string `json:"last4"`
	ExpiryMonth string `json:"expiry_month,omitempty"`
	ExpiryYear  string `json:"expiry_year,omitempty"`
	CardType    string `json:"card_type"`
}

// CancellationDetails explains why the provider canceled a payment.
type CancellationDetails struct {
	Party  string `json:"party"`
	Reason string `json:"reason"`
}

// ProviderPaymentID returns the provider payment id the notification refers to.
func (n Notification) ProviderPaymentID() string {
	if n.Object.Object == "refund" || n.Event == EventRefundSucceeded {
		return n.Object.PaymentID
	}
	return n.Object.ID
}

// WebhookStats aggregates webhook history over a reporting window.
type WebhookStats struct {
	Total      int
	Success    int
	Failed     int
	Duplicates int
	Failures   []FailedWebhook
}

// FailedWebhook is the slice of a FAILED event the digest needs.
type FailedWebhook struct {
	ID           int64
	EventID      string
	EventType    string
	Attempts     int
	ErrorMessage string
	ProcessedAt  *time.Time
}
