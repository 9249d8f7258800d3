/**
 * @description
 * Core billing models: subscription plans, per-user subscriptions and the
 * payments that extend them.
 */
package domain

import "time"

// PaymentStatus is the lifecycle state of a payment.
type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "PENDING"
	PaymentSucceeded PaymentStatus = "SUCCEEDED"
	PaymentFailed    PaymentStatus = "FAILED"
	PaymentCanceled  PaymentStatus = "CANCELED"
	PaymentRefunded  PaymentStatus = "REFUNDED"
)

// Terminal reports whether no further webhook may change the payment.
func (s PaymentStatus) Terminal() bool {
	return s != PaymentPending
}

// FreePlanCode is the default plan every user starts on.
const FreePlanCode = "FREE"

// Plan is an entry in the subscription plan catalog. Price is in minor units.
type Plan struct {
	ID           int64  `json:"id"`
	Code         string `json:"code"`
	DisplayName  string `json:"display_name"`
	Price        int64  `json:"price"`
	Currency     string `json:"currency"`
	DurationDays int    `json:"duration_days"`
	IsActive     bool   `json:"is_active"`
}

// Duration returns the plan period as a time.Duration.
func (p Plan) Duration() time.Duration {
	return time.Duration(p.DurationDays) * 24 * time.Hour
}

// Subscription is the 1:1 billing state of a user.
type Subscription struct {
	ID                   int64     `json:"id"`
	UserID               int64     `json:"user_id"`
	PlanID               int64     `json:"plan_id"`
	StartDate            time.Time `json:"start_date"`
	EndDate              time.Time `json:"end_date"`
	IsActive             bool      `json:"is_active"`
	AutoRenew            bool      `json:"auto_renew"`
	SavedPaymentMethodID *string   `json:"saved_payment_method_id,omitempty"`
	CardMask             *string   `json:"card_mask,omitempty"`
	CardBrand            *string   `json:"card_brand,omitempty"`
	CreatedAt            time.Time `json:"created_at"`
	UpdatedAt            time.Time `json:"updated_at"`
}

// HasSavedMethod reports whether a reusable payment method is on file.
func (s Subscription) HasSavedMethod() bool {
	return s.SavedPaymentMethodID != nil && *s.SavedPaymentMethodID != ""
}

// Payment is one attempted charge, initial or recurring. Amount is in minor units.
type Payment struct {
	ID                   string            `json:"id"`
	UserID               int64             `json:"user_id"`
	SubscriptionID       int64             `json:"subscription_id"`
	PlanID               int64             `json:"plan_id"`
	Amount               int64             `json:"amount"`
	Currency             string            `json:"currency"`
	Status               PaymentStatus     `json:"status"`
	ProviderPaymentID    *string           `json:"provider_payment_id,omitempty"`
	Description          string            `json:"description"`
	IsRecurring          bool              `json:"is_recurring"`
	BillingPeriodEnd     *time.Time        `json:"billing_period_end,omitempty"`
	SavedMethodRequested bool              `json:"saved_method_requested"`
	ErrorMessage         *string           `json:"error_message,omitempty"`
	Metadata             map[string]string `json:"metadata,omitempty"`
	CreatedAt            time.Time         `json:"created_at"`
	PaidAt               *time.Time        `json:"paid_at,omitempty"`
	WebhookProcessedAt   *time.Time        `json:"webhook_processed_at,omitempty"`
}

// SubscriptionExtension is the period change applied when a payment settles.
// StartDate is nil when the current period is still running.
type SubscriptionExtension struct {
	SubscriptionID int64
	PlanID         int64
	StartDate      *time.Time
	EndDate        time.Time
}

// RenewalCandidate is a subscription due for renewal joined with its plan.
type RenewalCandidate struct {
	Subscription Subscription
	Plan         Plan
}

// ChargeRequest asks the payment provider to create a charge.
type ChargeRequest struct {
	Amount            int64
	Currency          string
	Description       string
	PaymentMethodID   string
	SavePaymentMethod bool
	ReturnURL         string
	IdempotencyKey    string
	Metadata          map[string]string
}

// ChargeResult is the provider's answer to a create-charge call.
type ChargeResult struct {
	ProviderPaymentID string
	Status            string
	ConfirmationURL   string
}

// BillingStatus is the user-facing view of a subscription.
type BillingStatus struct {
	UserID    int64      `json:"user_id"`
	PlanCode  string     `json:"plan_code"`
	PlanName  string     `json:"plan_name"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	IsActive  bool       `json:"is_active"`
	AutoRenew bool       `json:"auto_renew"`
	HasCard   bool       `json:"has_saved_card"`
	CardMask  *string    `json:"card_mask,omitempty"`
	CardBrand *string    `json:"card_brand,omitempty"`
}
