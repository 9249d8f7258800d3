/**
 * @description
 * User-facing billing operations: subscription provisioning, status, the
 * auto-renew toggle and the initial payment flow. None of these write a
 * subscription's end_date; only a settled payment extends it.
 */
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/foodmind/billing-service/internal/domain"
	"github.com/foodmind/billing-service/internal/store"
)

const paymentHistoryLimit = 20

var (
	// ErrAutoRenewRequiresSavedMethod is returned when enabling auto renewal
	// without a saved payment method.
	ErrAutoRenewRequiresSavedMethod = errors.New("auto renewal requires a saved payment method")
	// ErrPlanNotPurchasable is returned for unknown, inactive or free plans.
	ErrPlanNotPurchasable = errors.New("plan cannot be purchased")
)

// CreatePaymentResult is returned by CreateInitialPayment.
type CreatePaymentResult struct {
	PaymentID       string `json:"payment_id"`
	ConfirmationURL string `json:"confirmation_url"`
}

// AccountService implements the user billing operations.
type AccountService struct {
	repo      AccountRepository
	provider  PaymentProvider
	returnURL string
	logger    *slog.Logger
	now       func() time.Time
}

// NewAccountService creates the account service.
func NewAccountService(repo AccountRepository, provider PaymentProvider, returnURL string, logger *slog.Logger) *AccountService {
	return &AccountService{repo: repo, provider: provider, returnURL: returnURL, logger: logger, now: time.Now}
}

// ProvisionDefaultSubscription gives a new user the FREE subscription. It is
// safe to call repeatedly.
func (s *AccountService) ProvisionDefaultSubscription(ctx context.Context, userID int64) (*domain.Subscription, error) {
	if userID <= 0 {
		return nil, fmt.Errorf("invalid user id %d", userID)
	}
	sub, created, err := s.repo.ProvisionDefaultSubscription(ctx, userID, s.now().UTC())
	if err != nil {
		return nil, err
	}
	if created {
		s.logger.Info("default subscription provisioned", "user_id", userID, "subscription_id", sub.ID)
	}
	return sub, nil
}

// GetBillingStatus returns the user's subscription summary.
func (s *AccountService) GetBillingStatus(ctx context.Context, userID int64) (*domain.BillingStatus, error) {
	sub, err := s.repo.SubscriptionByUserID(ctx, userID)
	if err != nil {
		return nil, err
	}
	plan, err := s.repo.PlanByID(ctx, sub.PlanID)
	if err != nil {
		return nil, err
	}

	status := &domain.BillingStatus{
		UserID:    userID,
		PlanCode:  plan.Code,
		PlanName:  plan.DisplayName,
		IsActive:  sub.IsActive,
		AutoRenew: sub.AutoRenew,
		HasCard:   sub.HasSavedMethod(),
		CardMask:  sub.CardMask,
		CardBrand: sub.CardBrand,
	}
	if plan.Code != domain.FreePlanCode {
		expires := sub.EndDate
		status.ExpiresAt = &expires
	}
	return status, nil
}

// SetAutoRenew toggles auto renewal for the user.
func (s *AccountService) SetAutoRenew(ctx context.Context, userID int64, enabled bool) (*domain.BillingStatus, error) {
	sub, err := s.repo.SubscriptionByUserID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if enabled && !sub.HasSavedMethod() {
		return nil, ErrAutoRenewRequiresSavedMethod
	}
	if err := s.repo.SetAutoRenew(ctx, userID, enabled); err != nil {
		if enabled && errors.Is(err, store.ErrSubscriptionNotFound) {
			// The saved method was cleared between the read and the update.
			return nil, ErrAutoRenewRequiresSavedMethod
		}
		return nil, err
	}
	s.logger.Info("auto renewal updated", "user_id", userID, "enabled", enabled)
	return s.GetBillingStatus(ctx, userID)
}

// ListPayments returns the user's recent payments.
func (s *AccountService) ListPayments(ctx context.Context, userID int64) ([]domain.Payment, error) {
	payments, err := s.repo.ListPaymentsByUser(ctx, userID, paymentHistoryLimit)
	if err != nil {
		return nil, err
	}
	if payments == nil {
		payments = []domain.Payment{}
	}
	return payments, nil
}

// CreateInitialPayment starts a redirect payment for a paid plan. The
// subscription changes only when the provider confirms the payment.
func (s *AccountService) CreateInitialPayment(ctx context.Context, userID int64, planCode string, savePaymentMethod bool) (*CreatePaymentResult, error) {
	planCode = strings.ToUpper(strings.TrimSpace(planCode))
	plan, err := s.repo.PlanByCode(ctx, planCode)
	if err != nil {
		if errors.Is(err, store.ErrPlanNotFound) {
			return nil, ErrPlanNotPurchasable
		}
		return nil, err
	}
	if plan.Code == domain.FreePlanCode || plan.Price <= 0 || plan.DurationDays <= 0 {
		return nil, ErrPlanNotPurchasable
	}

	sub, err := s.ProvisionDefaultSubscription(ctx, userID)
	if err != nil {
		return nil, err
	}

	idempotencyKey := uuid.NewString()
	payment := &domain.Payment{
		UserID:               userID,
		SubscriptionID:       sub.ID,
		PlanID:               plan.ID,
		Amount:               plan.Price,
		Currency:             plan.Currency,
		Status:               domain.PaymentPending,
		Description:          "Subscription " + plan.DisplayName,
		SavedMethodRequested: savePaymentMethod,
		Metadata: map[string]string{
			"idempotency_key": idempotencyKey,
			"plan_code":       plan.Code,
		},
	}
	if err := s.repo.CreatePayment(ctx, payment); err != nil {
		return nil, err
	}

	charge, err := s.provider.CreatePayment(ctx, domain.ChargeRequest{
		Amount:            plan.Price,
		Currency:          plan.Currency,
		Description:       payment.Description,
		SavePaymentMethod: savePaymentMethod,
		ReturnURL:         s.returnURL,
		IdempotencyKey:    idempotencyKey,
		Metadata: map[string]string{
			"payment_id": payment.ID,
			"user_id":    strconv.FormatInt(userID, 10),
			"plan_code":  plan.Code,
		},
	})
	if err != nil {
		reason := truncate(err.Error(), maxErrorMessageLength)
		if markErr := s.repo.MarkPaymentFailed(context.WithoutCancel(ctx), payment.ID, reason); markErr != nil {
			s.logger.Error("failed to mark payment failed", "payment_id", payment.ID, "error", markErr)
		}
		return nil, fmt.Errorf("payment provider rejected payment %s: %w", payment.ID, err)
	}

	if err := s.repo.AttachProviderPaymentID(ctx, payment.ID, charge.ProviderPaymentID); err != nil {
		s.logger.Error("failed to attach provider payment id", "payment_id", payment.ID, "error", err)
	}

	s.logger.Info("initial payment created",
		"payment_id", payment.ID,
		"provider_payment_id", charge.ProviderPaymentID,
		"user_id", userID,
		"plan_code", plan.Code,
	)
	return &CreatePaymentResult{PaymentID: payment.ID, ConfirmationURL: charge.ConfirmationURL}, nil
}
