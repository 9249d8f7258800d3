package app

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foodmind/billing-service/internal/domain"
	"github.com/foodmind/billing-service/internal/store"
)

type memAccountRepo struct {
	plans         map[string]*domain.Plan
	subscriptions map[int64]*domain.Subscription
	payments      map[string]*domain.Payment
	order         []string
	nextSub       int64
}

func newMemAccountRepo() *memAccountRepo {
	return &memAccountRepo{
		plans: map[string]*domain.Plan{
			"FREE":    {ID: 1, Code: "FREE", DisplayName: "Free", Currency: "RUB", IsActive: true},
			"MONTHLY": {ID: 2, Code: "MONTHLY", DisplayName: "Monthly", Price: 19900, Currency: "RUB", DurationDays: 30, IsActive: true},
			"BROKEN":  {ID: 3, Code: "BROKEN", DisplayName: "Broken", Price: 100, Currency: "RUB", DurationDays: 0, IsActive: true},
		},
		subscriptions: map[int64]*domain.Subscription{},
		payments:      map[string]*domain.Payment{},
	}
}

func (r *memAccountRepo) ProvisionDefaultSubscription(_ context.Context, userID int64, now time.Time) (*domain.Subscription, bool, error) {
	if sub, ok := r.subscriptions[userID]; ok {
		cp := *sub
		return &cp, false, nil
	}
	r.nextSub++
	sub := &domain.Subscription{ID: r.nextSub, UserID: userID, PlanID: 1, StartDate: now, EndDate: now, IsActive: true}
	r.subscriptions[userID] = sub
	cp := *sub
	return &cp, true, nil
}

func (r *memAccountRepo) SubscriptionByUserID(_ context.Context, userID int64) (*domain.Subscription, error) {
	sub, ok := r.subscriptions[userID]
	if !ok {
		return nil, store.ErrSubscriptionNotFound
	}
	cp := *sub
	return &cp, nil
}

func (r *memAccountRepo) PlanByID(_ context.Context, id int64) (*domain.Plan, error) {
	for _, p := range r.plans {
		if p.ID == id {
			cp := *p
			return &cp, nil
		}
	}
	return nil, store.ErrPlanNotFound
}

func (r *memAccountRepo) PlanByCode(_ context.Context, code string) (*domain.Plan, error) {
	p, ok := r.plans[code]
	if !ok {
		return nil, store.ErrPlanNotFound
	}
	cp := *p
	return &cp, nil
}

func (r *memAccountRepo) SetAutoRenew(_ context.Context, userID int64, enabled bool) error {
	sub, ok := r.subscriptions[userID]
	if !ok || (enabled && !sub.HasSavedMethod()) {
		return store.ErrSubscriptionNotFound
	}
	sub.AutoRenew = enabled
	return nil
}

func (r *memAccountRepo) CreatePayment(_ context.Context, p *domain.Payment) error {
	p.ID = fmt.Sprintf("p-%d", len(r.payments)+1)
	cp := *p
	r.payments[p.ID] = &cp
	r.order = append(r.order, p.ID)
	return nil
}

func (r *memAccountRepo) AttachProviderPaymentID(_ context.Context, paymentID, providerPaymentID string) error {
	r.payments[paymentID].ProviderPaymentID = &providerPaymentID
	return nil
}

func (r *memAccountRepo) MarkPaymentFailed(_ context.Context, paymentID, reason string) error {
	p := r.payments[paymentID]
	p.Status = domain.PaymentFailed
	p.ErrorMessage = &reason
	return nil
}

func (r *memAccountRepo) ListPaymentsByUser(_ context.Context, userID int64, limit int) ([]domain.Payment, error) {
	var out []domain.Payment
	for i := len(r.order) - 1; i >= 0 && len(out) < limit; i-- {
		if p := r.payments[r.order[i]]; p.UserID == userID {
			out = append(out, *p)
		}
	}
	return out, nil
}

func newTestAccountService(repo AccountRepository, provider PaymentProvider) *AccountService {
	svc := NewAccountService(repo, provider, "https://app.example.com/billing/return", testLogger())
	svc.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return svc
}

func TestAccountService_ProvisionIsIdempotent(t *testing.T) {
	repo := newMemAccountRepo()
	svc := newTestAccountService(repo, &stubProvider{})

	first, err := svc.ProvisionDefaultSubscription(context.Background(), 42)
	require.NoError(t, err)
	second, err := svc.ProvisionDefaultSubscription(context.Background(), 42)
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID)
	assert.Len(t, repo.subscriptions, 1)

	_, err = svc.ProvisionDefaultSubscription(context.Background(), 0)
	assert.Error(t, err)
}

func TestAccountService_GetBillingStatus(t *testing.T) {
	repo := newMemAccountRepo()
	svc := newTestAccountService(repo, &stubProvider{})
	_, err := svc.ProvisionDefaultSubscription(context.Background(), 42)
	require.NoError(t, err)

	status, err := svc.GetBillingStatus(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, "FREE", status.PlanCode)
	assert.Nil(t, status.ExpiresAt, "the free plan does not expire")
	assert.False(t, status.HasCard)

	sub := repo.subscriptions[42]
	sub.PlanID = 2
	sub.EndDate = time.Date(2026, 3, 31, 12, 0, 0, 0, time.UTC)
	sub.SavedPaymentMethodID = ptr("pm-1")
	sub.CardMask = ptr("•••• 4242")

	status, err = svc.GetBillingStatus(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, "MONTHLY", status.PlanCode)
	require.NotNil(t, status.ExpiresAt)
	assert.Equal(t, sub.EndDate, *status.ExpiresAt)
	assert.True(t, status.HasCard)
	assert.Equal(t, "•••• 4242", *status.CardMask)

	_, err = svc.GetBillingStatus(context.Background(), 7)
	assert.ErrorIs(t, err, store.ErrSubscriptionNotFound)
}

func TestAccountService_SetAutoRenew(t *testing.T) {
	repo := newMemAccountRepo()
	svc := newTestAccountService(repo, &stubProvider{})
	_, err := svc.ProvisionDefaultSubscription(context.Background(), 42)
	require.NoError(t, err)

	_, err = svc.SetAutoRenew(context.Background(), 42, true)
	assert.ErrorIs(t, err, ErrAutoRenewRequiresSavedMethod)

	repo.subscriptions[42].SavedPaymentMethodID = ptr("pm-1")
	status, err := svc.SetAutoRenew(context.Background(), 42, true)
	require.NoError(t, err)
	assert.True(t, status.AutoRenew)

	status, err = svc.SetAutoRenew(context.Background(), 42, false)
	require.NoError(t, err)
	assert.False(t, status.AutoRenew)
	assert.True(t, status.HasCard, "disabling auto renewal keeps the saved card")
}

func TestAccountService_CreateInitialPayment(t *testing.T) {
	repo := newMemAccountRepo()
	provider := &stubProvider{respond: func(req domain.ChargeRequest) (*domain.ChargeResult, error) {
		return &domain.ChargeResult{ProviderPaymentID: "prov-77", Status: "pending", ConfirmationURL: "https://yoomoney.ru/checkout/prov-77"}, nil
	}}
	svc := newTestAccountService(repo, provider)

	result, err := svc.CreateInitialPayment(context.Background(), 42, " monthly ", true)

	require.NoError(t, err)
	assert.Equal(t, "p-1", result.PaymentID)
	assert.Equal(t, "https://yoomoney.ru/checkout/prov-77", result.ConfirmationURL)

	payment := repo.payments["p-1"]
	assert.Equal(t, domain.PaymentPending, payment.Status)
	assert.Equal(t, int64(19900), payment.Amount)
	assert.True(t, payment.SavedMethodRequested)
	assert.False(t, payment.IsRecurring)
	assert.Equal(t, "prov-77", *payment.ProviderPaymentID)

	require.Len(t, provider.requests, 1)
	req := provider.requests[0]
	assert.True(t, req.SavePaymentMethod)
	assert.Equal(t, "https://app.example.com/billing/return", req.ReturnURL)
	assert.Equal(t, payment.Metadata["idempotency_key"], req.IdempotencyKey)
	assert.Equal(t, "p-1", req.Metadata["payment_id"])
	assert.Empty(t, req.PaymentMethodID)

	sub := repo.subscriptions[42]
	assert.Equal(t, int64(1), sub.PlanID, "the subscription changes only when the payment settles")
}

func TestAccountService_CreateInitialPaymentRejectsPlans(t *testing.T) {
	for _, code := range []string{"FREE", "BROKEN", "LIFETIME"} {
		t.Run(code, func(t *testing.T) {
			provider := &stubProvider{}
			svc := newTestAccountService(newMemAccountRepo(), provider)

			_, err := svc.CreateInitialPayment(context.Background(), 42, code, false)

			assert.ErrorIs(t, err, ErrPlanNotPurchasable)
			assert.Zero(t, provider.calls())
		})
	}
}

func TestAccountService_CreateInitialPaymentProviderError(t *testing.T) {
	repo := newMemAccountRepo()
	provider := &stubProvider{respond: func(domain.ChargeRequest) (*domain.ChargeResult, error) {
		return nil, errors.New("invalid_credentials")
	}}
	svc := newTestAccountService(repo, provider)

	_, err := svc.CreateInitialPayment(context.Background(), 42, "MONTHLY", false)

	require.Error(t, err)
	assert.Equal(t, domain.PaymentFailed, repo.payments["p-1"].Status)
	assert.Equal(t, "invalid_credentials", *repo.payments["p-1"].ErrorMessage)
}

func TestAccountService_ListPayments(t *testing.T) {
	repo := newMemAccountRepo()
	svc := newTestAccountService(repo, &stubProvider{})

	payments, err := svc.ListPayments(context.Background(), 42)
	require.NoError(t, err)
	assert.NotNil(t, payments)
	assert.Empty(t, payments)

	for i := 0; i < 25; i++ {
		require.NoError(t, repo.CreatePayment(context.Background(), &domain.Payment{UserID: 42}))
	}
	require.NoError(t, repo.CreatePayment(context.Background(), &domain.Payment{UserID: 7}))

	payments, err = svc.ListPayments(context.Background(), 42)
	require.NoError(t, err)
	assert.Len(t, payments, 20)
	assert.Equal(t, "p-25", payments[0].ID)
}
