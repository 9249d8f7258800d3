package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/foodmind/billing-service/internal/domain"
)

const paymentColumns = `
    id::text, user_id, subscription_id, plan_id, amount, currency, status, provider_payment_id,
    description, is_recurring, billing_period_end, saved_method_requested, error_message,
    metadata, created_at, paid_at, webhook_processed_at
`

func scanPayment(row pgx.Row) (*domain.Payment, error) {
	var p domain.Payment
	var status string
	var metadata []byte
	err := row.Scan(
		&p.ID,
		&p.UserID,
		&p.SubscriptionID,
		&p.PlanID,
		&p.Amount,
		&p.Currency,
		&status,
		&p.ProviderPaymentID,
		&p.Description,
		&p.IsRecurring,
		&p.BillingPeriodEnd,
		&p.SavedMethodRequested,
		&p.ErrorMessage,
		&metadata,
		&p.CreatedAt,
		&p.PaidAt,
		&p.WebhookProcessedAt,
	)
	if err != nil {
		return nil, err
	}
	p.Status = domain.PaymentStatus(status)
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &p.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode payment metadata: %w", err)
		}
	}
	return &p, nil
}

func insertPayment(ctx context.Context, q queryer, p *domain.Payment) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.Status == "" {
		p.Status = domain.PaymentPending
	}
	metadata := p.Metadata
	if metadata == nil {
		metadata = map[string]string{}
	}
	rawMetadata, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("failed to encode payment metadata: %w", err)
	}

	return q.QueryRow(ctx, `
        INSERT INTO payments (
            id, user_id, subscription_id, plan_id, amount, currency, status, provider_payment_id,
            description, is_recurring, billing_period_end, saved_method_requested, metadata
        )
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
        RETURNING created_at
    `,
		p.ID,
		p.UserID,
		p.SubscriptionID,
		p.PlanID,
		p.Amount,
		p.Currency,
		string(p.Status),
		p.ProviderPaymentID,
		p.Description,
		p.IsRecurring,
		p.BillingPeriodEnd,
		p.SavedMethodRequested,
		string(rawMetadata),
	).Scan(&p.CreatedAt)
}

func paymentNotFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrPaymentNotFound
	}
	return err
}

// CreatePayment inserts a new PENDING payment for the initial-payment flow.
func (r *Repository) CreatePayment(ctx context.Context, p *domain.Payment) error {
	if err := insertPayment(ctx, r.db, p); err != nil {
		return fmt.Errorf("failed to create payment: %w", err)
	}
	return nil
}

// HasLivePaymentForPeriod reports whether a PENDING or SUCCEEDED payment
// already covers the subscription period ending at periodEnd.
func (r *Repository) HasLivePaymentForPeriod(ctx context.Context, subscriptionID int64, periodEnd time.Time) (bool, error) {
	return hasLivePaymentForPeriod(ctx, r.db, subscriptionID, periodEnd)
}

func hasLivePaymentForPeriod(ctx context.Context, q queryer, subscriptionID int64, periodEnd time.Time) (bool, error) {
	var exists bool
	err := q.QueryRow(ctx, `
        SELECT EXISTS (
            SELECT 1 FROM payments
            WHERE subscription_id = $1 AND billing_period_end = $2 AND status IN ('PENDING', 'SUCCEEDED')
        )
    `, subscriptionID, periodEnd).Scan(&exists)
	return exists, err
}

// ReserveRenewalPayment creates a PENDING renewal payment unless one already
// covers the same (subscription, billing_period_end). The subscription row is
// locked for the duration so overlapping scheduler runs serialize on it.
// reserved is false when the guard rejected the insert.
func (r *Repository) ReserveRenewalPayment(ctx context.Context, p *domain.Payment) (bool, error) {
	if p.BillingPeriodEnd == nil {
		return false, fmt.Errorf("renewal payment requires a billing period end")
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	var locked int64
	if err := tx.QueryRow(ctx, `SELECT id FROM subscriptions WHERE id = $1 FOR UPDATE`, p.SubscriptionID).Scan(&locked); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, ErrSubscriptionNotFound
		}
		return false, fmt.Errorf("failed to lock subscription: %w", err)
	}

	exists, err := hasLivePaymentForPeriod(ctx, tx, p.SubscriptionID, *p.BillingPeriodEnd)
	if err != nil {
		return false, fmt.Errorf("failed to check renewal guard: %w", err)
	}
	if exists {
		return false, nil
	}

	if err := insertPayment(ctx, tx, p); err != nil {
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to insert renewal payment: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("failed to commit renewal payment: %w", err)
	}
	return true, nil
}

// AttachProviderPaymentID records the provider's id for a payment.
func (r *Repository) AttachProviderPaymentID(ctx context.Context, paymentID, providerPaymentID string) error {
	return attachProviderPaymentID(ctx, r.db, paymentID, providerPaymentID)
}

func attachProviderPaymentID(ctx context.Context, q queryer, paymentID, providerPaymentID string) error {
	tag, err := q.Exec(ctx, `
        UPDATE payments SET provider_payment_id = $2, updated_at = NOW()
        WHERE id = $1
    `, paymentID, providerPaymentID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrPaymentNotFound
	}
	return nil
}

// MarkPaymentFailed records a synchronous provider rejection on a PENDING payment.
func (r *Repository) MarkPaymentFailed(ctx context.Context, paymentID, reason string) error {
	tag, err := r.db.Exec(ctx, `
        UPDATE payments SET status = 'FAILED', error_message = $2, updated_at = NOW()
        WHERE id = $1 AND status = 'PENDING'
    `, paymentID, reason)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrPaymentNotFound
	}
	return nil
}

// ListPaymentsByUser returns the user's most recent payments.
func (r *Repository) ListPaymentsByUser(ctx context.Context, userID int64, limit int) ([]domain.Payment, error) {
	rows, err := r.db.Query(ctx, `
        SELECT `+paymentColumns+`
        FROM payments
        WHERE user_id = $1
        ORDER BY created_at DESC
        LIMIT $2
    `, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var payments []domain.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		payments = append(payments, *p)
	}
	return payments, rows.Err()
}

// PaymentByProviderIDForUpdate locks the payment with the given provider id.
func (t *LedgerTx) PaymentByProviderIDForUpdate(ctx context.Context, providerPaymentID string) (*domain.Payment, error) {
	p, err := scanPayment(t.tx.QueryRow(ctx, `
        SELECT `+paymentColumns+` FROM payments WHERE provider_payment_id = $1 FOR UPDATE
    `, providerPaymentID))
	if err != nil {
		return nil, paymentNotFound(err)
	}
	return p, nil
}

// PaymentByIDForUpdate locks the payment with the given local id.
func (t *LedgerTx) PaymentByIDForUpdate(ctx context.Context, id string) (*domain.Payment, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrPaymentNotFound
	}
	p, err := scanPayment(t.tx.QueryRow(ctx, `
        SELECT `+paymentColumns+` FROM payments WHERE id = $1 FOR UPDATE
    `, id))
	if err != nil {
		return nil, paymentNotFound(err)
	}
	return p, nil
}

// AttachProviderPaymentID records the provider id inside the transaction.
func (t *LedgerTx) AttachProviderPaymentID(ctx context.Context, paymentID, providerPaymentID string) error {
	return attachProviderPaymentID(ctx, t.tx, paymentID, providerPaymentID)
}

// MarkPaymentSucceeded settles a PENDING payment.
func (t *LedgerTx) MarkPaymentSucceeded(ctx context.Context, paymentID string, at time.Time) error {
	return t.transitionPayment(ctx, paymentID, domain.PaymentSucceeded, nil, at)
}

// MarkPaymentCanceled closes a PENDING payment with the cancellation reason.
func (t *LedgerTx) MarkPaymentCanceled(ctx context.Context, paymentID, reason string, at time.Time) error {
	return t.transitionPayment(ctx, paymentID, domain.PaymentCanceled, &reason, at)
}

// MarkPaymentRefunded moves a SUCCEEDED payment to REFUNDED.
func (t *LedgerTx) MarkPaymentRefunded(ctx context.Context, paymentID, note string, at time.Time) error {
	tag, err := t.tx.Exec(ctx, `
        UPDATE payments
        SET status = 'REFUNDED', error_message = $2, webhook_processed_at = $3, updated_at = NOW()
        WHERE id = $1 AND status = 'SUCCEEDED'
    `, paymentID, note, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrPaymentNotFound
	}
	return nil
}

func (t *LedgerTx) transitionPayment(ctx context.Context, paymentID string, status domain.PaymentStatus, message *string, at time.Time) error {
	var paidAt *time.Time
	if status == domain.PaymentSucceeded {
		paidAt = &at
	}
	tag, err := t.tx.Exec(ctx, `
        UPDATE payments
        SET status = $2,
            error_message = COALESCE($3, error_message),
            paid_at = COALESCE($4, paid_at),
            webhook_processed_at = $5,
            updated_at = NOW()
        WHERE id = $1 AND status = 'PENDING'
    `, paymentID, string(status), message, paidAt, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrPaymentNotFound
	}
	return nil
}
