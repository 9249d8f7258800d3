package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/foodmind/billing-service/internal/domain"
)

const subscriptionColumns = `
    id, user_id, plan_id, start_date, end_date, is_active, auto_renew,
    saved_payment_method_id, card_mask, card_brand, created_at, updated_at
`

const planColumns = `id, code, display_name, price, currency, duration_days, is_active`

func scanSubscription(row pgx.Row) (*domain.Subscription, error) {
	var s domain.Subscription
	err := row.Scan(
		&s.ID,
		&s.UserID,
		&s.PlanID,
		&s.StartDate,
		&s.EndDate,
		&s.IsActive,
		&s.AutoRenew,
		&s.SavedPaymentMethodID,
		&s.CardMask,
		&s.CardBrand,
		&s.CreatedAt,
		&s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func scanPlan(row pgx.Row) (*domain.Plan, error) {
	var p domain.Plan
	if err := row.Scan(&p.ID, &p.Code, &p.DisplayName, &p.Price, &p.Currency, &p.DurationDays, &p.IsActive); err != nil {
		return nil, err
	}
	return &p, nil
}

func subscriptionNotFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrSubscriptionNotFound
	}
	return err
}

func planNotFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrPlanNotFound
	}
	return err
}

func planByID(ctx context.Context, q queryer, id int64) (*domain.Plan, error) {
	plan, err := scanPlan(q.QueryRow(ctx, `SELECT `+planColumns+` FROM subscription_plans WHERE id = $1`, id))
	if err != nil {
		return nil, planNotFound(err)
	}
	return plan, nil
}

// PlanByID loads a plan from the catalog.
func (r *Repository) PlanByID(ctx context.Context, id int64) (*domain.Plan, error) {
	return planByID(ctx, r.db, id)
}

// PlanByCode loads an active plan by its code.
func (r *Repository) PlanByCode(ctx context.Context, code string) (*domain.Plan, error) {
	plan, err := scanPlan(r.db.QueryRow(ctx, `
        SELECT `+planColumns+` FROM subscription_plans WHERE code = $1 AND is_active
    `, code))
	if err != nil {
		return nil, planNotFound(err)
	}
	return plan, nil
}

// SubscriptionByUserID loads the subscription of a user.
func (r *Repository) SubscriptionByUserID(ctx context.Context, userID int64) (*domain.Subscription, error) {
	sub, err := scanSubscription(r.db.QueryRow(ctx, `
        SELECT `+subscriptionColumns+` FROM subscriptions WHERE user_id = $1
    `, userID))
	if err != nil {
		return nil, subscriptionNotFound(err)
	}
	return sub, nil
}

// ProvisionDefaultSubscription creates the FREE subscription for a user when
// none exists. created reports whether a row was inserted.
func (r *Repository) ProvisionDefaultSubscription(ctx context.Context, userID int64, now time.Time) (*domain.Subscription, bool, error) {
	sub, err := scanSubscription(r.db.QueryRow(ctx, `
        INSERT INTO subscriptions (user_id, plan_id, start_date, end_date, is_active, auto_renew)
        SELECT $1, p.id, $2, $2, TRUE, FALSE
        FROM subscription_plans p
        WHERE p.code = $3
        ON CONFLICT (user_id) DO NOTHING
        RETURNING `+subscriptionColumns,
		userID, now, domain.FreePlanCode,
	))
	if err == nil {
		return sub, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("failed to provision subscription: %w", err)
	}

	existing, err := r.SubscriptionByUserID(ctx, userID)
	if errors.Is(err, ErrSubscriptionNotFound) {
		// Nothing inserted and nothing existing means the FREE plan is missing.
		return nil, false, ErrPlanNotFound
	}
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

// SetAutoRenew toggles auto renewal. Enabling requires a saved payment method;
// ErrSubscriptionNotFound is returned when no eligible row matched.
func (r *Repository) SetAutoRenew(ctx context.Context, userID int64, enabled bool) error {
	tag, err := r.db.Exec(ctx, `
        UPDATE subscriptions
        SET auto_renew = $2, updated_at = NOW()
        WHERE user_id = $1 AND (NOT $2 OR saved_payment_method_id IS NOT NULL)
    `, userID, enabled)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrSubscriptionNotFound
	}
	return nil
}

// ListRenewalCandidates returns active auto-renewing paid subscriptions with a
// saved payment method whose period ends at or before dueBy.
func (r *Repository) ListRenewalCandidates(ctx context.Context, dueBy time.Time) ([]domain.RenewalCandidate, error) {
	rows, err := r.db.Query(ctx, `
        SELECT `+prefixColumns("s", subscriptionColumns)+`, `+prefixColumns("p", planColumns)+`
        FROM subscriptions s
        JOIN subscription_plans p ON p.id = s.plan_id
        WHERE s.is_active
          AND s.auto_renew
          AND s.saved_payment_method_id IS NOT NULL
          AND s.saved_payment_method_id <> ''
          AND p.code <> $2
          AND s.end_date <= $1
        ORDER BY s.end_date
    `, dueBy, domain.FreePlanCode)
	if err != nil {
		return nil, fmt.Errorf("failed to list renewal candidates: %w", err)
	}
	defer rows.Close()

	var candidates []domain.RenewalCandidate
	for rows.Next() {
		var c domain.RenewalCandidate
		s, p := &c.Subscription, &c.Plan
		err := rows.Scan(
			&s.ID, &s.UserID, &s.PlanID, &s.StartDate, &s.EndDate, &s.IsActive, &s.AutoRenew,
			&s.SavedPaymentMethodID, &s.CardMask, &s.CardBrand, &s.CreatedAt, &s.UpdatedAt,
			&p.ID, &p.Code, &p.DisplayName, &p.Price, &p.Currency, &p.DurationDays, &p.IsActive,
		)
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, c)
	}
	return candidates, rows.Err()
}

// SubscriptionByIDForUpdate locks a subscription row.
func (t *LedgerTx) SubscriptionByIDForUpdate(ctx context.Context, id int64) (*domain.Subscription, error) {
	sub, err := scanSubscription(t.tx.QueryRow(ctx, `
        SELECT `+subscriptionColumns+` FROM subscriptions WHERE id = $1 FOR UPDATE
    `, id))
	if err != nil {
		return nil, subscriptionNotFound(err)
	}
	return sub, nil
}

// PlanByID loads a plan inside the transaction.
func (t *LedgerTx) PlanByID(ctx context.Context, id int64) (*domain.Plan, error) {
	return planByID(ctx, t.tx, id)
}

// ExtendSubscription is the only statement that writes end_date.
func (t *LedgerTx) ExtendSubscription(ctx context.Context, ext domain.SubscriptionExtension) error {
	tag, err := t.tx.Exec(ctx, `
        UPDATE subscriptions
        SET plan_id = $2,
            start_date = COALESCE($3, start_date),
            end_date = $4,
            is_active = TRUE,
            updated_at = NOW()
        WHERE id = $1
    `, ext.SubscriptionID, ext.PlanID, ext.StartDate, ext.EndDate)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrSubscriptionNotFound
	}
	return nil
}

// SaveSubscriptionPaymentMethod stores a reusable method and turns auto renewal on.
func (t *LedgerTx) SaveSubscriptionPaymentMethod(ctx context.Context, subscriptionID int64, methodID, cardMask, cardBrand string) error {
	tag, err := t.tx.Exec(ctx, `
        UPDATE subscriptions
        SET saved_payment_method_id = $2,
            card_mask = NULLIF($3, ''),
            card_brand = NULLIF($4, ''),
            auto_renew = TRUE,
            updated_at = NOW()
        WHERE id = $1
    `, subscriptionID, methodID, cardMask, cardBrand)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrSubscriptionNotFound
	}
	return nil
}

// ClearSubscriptionPaymentMethod drops the saved method and disables auto renewal.
func (t *LedgerTx) ClearSubscriptionPaymentMethod(ctx context.Context, subscriptionID int64) error {
	tag, err := t.tx.Exec(ctx, `
        UPDATE subscriptions
        SET saved_payment_method_id = NULL,
            card_mask = NULL,
            card_brand = NULL,
            auto_renew = FALSE,
            updated_at = NOW()
        WHERE id = $1
    `, subscriptionID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrSubscriptionNotFound
	}
	return nil
}
