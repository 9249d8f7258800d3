/**
 * @description
 * Business handlers for provider notifications. Each handler runs inside the
 * ledger transaction that also marks the webhook SUCCESS, so a handler either
 * applies all of its changes or none of them.
 *
 * Handlers are idempotent: a payment that already left PENDING is never
 * transitioned again, which makes redelivered notifications no-ops.
 */
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/foodmind/billing-service/internal/domain"
	"github.com/foodmind/billing-service/internal/store"
)

// EventHandler applies one notification to the ledger.
type EventHandler func(ctx context.Context, tx LedgerTx, n domain.Notification, now time.Time) error

// HandlerRegistry maps provider event types to their handlers.
type HandlerRegistry map[string]EventHandler

// unrecoverableCancelReasons end a saved payment method's usefulness.
var unrecoverableCancelReasons = map[string]bool{
	"permission_revoked": true,
	"card_expired":       true,
}

// BillingHandlers holds the dependencies shared by the handlers.
type BillingHandlers struct {
	logger *slog.Logger
}

// NewHandlerRegistry builds the static event type → handler table.
func NewHandlerRegistry(logger *slog.Logger) HandlerRegistry {
	h := BillingHandlers{logger: logger}
	return HandlerRegistry{
		domain.EventPaymentSucceeded: h.HandlePaymentSucceeded,
		domain.EventPaymentCanceled:  h.HandlePaymentCanceled,
		domain.EventRefundSucceeded:  h.HandleRefundSucceeded,
	}
}

// HandlePaymentSucceeded settles the payment and extends the subscription.
func (h BillingHandlers) HandlePaymentSucceeded(ctx context.Context, tx LedgerTx, n domain.Notification, now time.Time) error {
	payment, err := h.lockPayment(ctx, tx, n)
	if err != nil {
		return err
	}
	if payment.Status != domain.PaymentPending {
		h.logger.Info("payment already settled; ignoring payment.succeeded",
			"payment_id", payment.ID,
			"status", payment.Status,
		)
		return nil
	}

	plan, err := tx.PlanByID(ctx, payment.PlanID)
	if err != nil {
		return fmt.Errorf("failed to load plan %d: %w", payment.PlanID, err)
	}
	if plan.DurationDays <= 0 {
		return fmt.Errorf("plan %s has no billable duration", plan.Code)
	}

	sub, err := tx.SubscriptionByIDForUpdate(ctx, payment.SubscriptionID)
	if err != nil {
		return fmt.Errorf("failed to lock subscription %d: %w", payment.SubscriptionID, err)
	}

	if err := tx.MarkPaymentSucceeded(ctx, payment.ID, now); err != nil {
		return fmt.Errorf("failed to mark payment %s succeeded: %w", payment.ID, err)
	}

	ext := domain.SubscriptionExtension{
		SubscriptionID: sub.ID,
		PlanID:         plan.ID,
		EndDate:        extendFrom(sub.EndDate, now).AddDate(0, 0, plan.DurationDays),
	}
	if !sub.EndDate.After(now) || !sub.IsActive {
		ext.StartDate = &now
	}
	if err := tx.ExtendSubscription(ctx, ext); err != nil {
		return fmt.Errorf("failed to extend subscription %d: %w", sub.ID, err)
	}

	method := n.Object.PaymentMethod
	if method != nil && method.Saved && method.ID != "" && payment.SavedMethodRequested && !payment.IsRecurring {
		cardMask, cardBrand := describeCard(method.Card)
		if err := tx.SaveSubscriptionPaymentMethod(ctx, sub.ID, method.ID, cardMask, cardBrand); err != nil {
			return fmt.Errorf("failed to save payment method for subscription %d: %w", sub.ID, err)
		}
	}

	h.logger.Info("payment succeeded",
		"payment_id", payment.ID,
		"subscription_id", sub.ID,
		"plan_code", plan.Code,
		"end_date", ext.EndDate,
		"recurring", payment.IsRecurring,
	)
	return nil
}

// HandlePaymentCanceled closes the payment and, for recurring charges with an
// unrecoverable reason, drops the saved payment method.
func (h BillingHandlers) HandlePaymentCanceled(ctx context.Context, tx LedgerTx, n domain.Notification, now time.Time) error {
	payment, err := h.lockPayment(ctx, tx, n)
	if err != nil {
		return err
	}
	if payment.Status != domain.PaymentPending {
		h.logger.Info("payment already settled; ignoring payment.canceled",
			"payment_id", payment.ID,
			"status", payment.Status,
		)
		return nil
	}

	reason, party := "unknown", "unknown"
	if details := n.Object.CancellationDetails; details != nil {
		if r := strings.TrimSpace(details.Reason); r != "" {
			reason = r
		}
		if p := strings.TrimSpace(details.Party); p != "" {
			party = p
		}
	}

	message := fmt.Sprintf("Canceled: %s (%s)", reason, party)
	if err := tx.MarkPaymentCanceled(ctx, payment.ID, message, now); err != nil {
		return fmt.Errorf("failed to mark payment %s canceled: %w", payment.ID, err)
	}

	if payment.IsRecurring && unrecoverableCancelReasons[reason] {
		if _, err := tx.SubscriptionByIDForUpdate(ctx, payment.SubscriptionID); err != nil {
			return fmt.Errorf("failed to lock subscription %d: %w", payment.SubscriptionID, err)
		}
		if err := tx.ClearSubscriptionPaymentMethod(ctx, payment.SubscriptionID); err != nil {
			return fmt.Errorf("failed to clear payment method for subscription %d: %w", payment.SubscriptionID, err)
		}
		h.logger.Warn("auto renewal disabled after unrecoverable cancellation",
			"payment_id", payment.ID,
			"subscription_id", payment.SubscriptionID,
			"reason", reason,
		)
	}

	h.logger.Info("payment canceled",
		"payment_id", payment.ID,
		"reason", reason,
		"party", party,
		"recurring", payment.IsRecurring,
	)
	return nil
}

// HandleRefundSucceeded marks a settled payment REFUNDED. The subscription
// period is left untouched.
func (h BillingHandlers) HandleRefundSucceeded(ctx context.Context, tx LedgerTx, n domain.Notification, now time.Time) error {
	providerPaymentID := strings.TrimSpace(n.Object.PaymentID)
	if providerPaymentID == "" {
		return fmt.Errorf("refund %s carries no payment_id", n.Object.ID)
	}

	payment, err := tx.PaymentByProviderIDForUpdate(ctx, providerPaymentID)
	if err != nil {
		return fmt.Errorf("refund %s for provider payment %s: %w", n.Object.ID, providerPaymentID, err)
	}
	if payment.Status != domain.PaymentSucceeded {
		h.logger.Info("refund for payment that is not SUCCEEDED; ignoring",
			"payment_id", payment.ID,
			"status", payment.Status,
			"refund_id", n.Object.ID,
		)
		return nil
	}

	if err := tx.MarkPaymentRefunded(ctx, payment.ID, "Refunded: "+n.Object.ID, now); err != nil {
		return fmt.Errorf("failed to mark payment %s refunded: %w", payment.ID, err)
	}
	h.logger.Info("payment refunded", "payment_id", payment.ID, "refund_id", n.Object.ID)
	return nil
}

// lockPayment finds the payment a notification refers to, first by provider
// id and then by the local id carried in metadata. A payment found through
// metadata gets the provider id attached.
func (h BillingHandlers) lockPayment(ctx context.Context, tx LedgerTx, n domain.Notification) (*domain.Payment, error) {
	providerID := strings.TrimSpace(n.Object.ID)
	payment, err := tx.PaymentByProviderIDForUpdate(ctx, providerID)
	if err == nil {
		return payment, nil
	}
	if !errors.Is(err, store.ErrPaymentNotFound) {
		return nil, fmt.Errorf("failed to load payment by provider id %s: %w", providerID, err)
	}

	localID := strings.TrimSpace(n.Object.Metadata["payment_id"])
	if localID == "" {
		return nil, fmt.Errorf("provider payment %s: %w", providerID, store.ErrPaymentNotFound)
	}
	payment, err = tx.PaymentByIDForUpdate(ctx, localID)
	if err != nil {
		return nil, fmt.Errorf("provider payment %s (local %s): %w", providerID, localID, err)
	}

	if payment.ProviderPaymentID != nil && *payment.ProviderPaymentID != "" && *payment.ProviderPaymentID != providerID {
		return nil, fmt.Errorf("payment %s is bound to provider payment %s, not %s", payment.ID, *payment.ProviderPaymentID, providerID)
	}
	if payment.ProviderPaymentID == nil || *payment.ProviderPaymentID == "" {
		if err := tx.AttachProviderPaymentID(ctx, payment.ID, providerID); err != nil {
			return nil, fmt.Errorf("failed to attach provider id to payment %s: %w", payment.ID, err)
		}
		payment.ProviderPaymentID = &providerID
	}
	return payment, nil
}

// extendFrom returns the instant a new period starts counting from: the
// current end date while it is in the future, otherwise now.
func extendFrom(endDate, now time.Time) time.Time {
	if endDate.After(now) {
		return endDate
	}
	return now
}

func describeCard(card *domain.Card) (mask, brand string) {
	if card == nil {
		return "", ""
	}
	if last4 := strings.TrimSpace(card.Last4); last4 != "" {
		mask = "•••• " + last4
	}
	return mask, strings.TrimSpace(card.CardType)
}
