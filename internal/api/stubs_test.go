package api

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/foodmind/billing-service/internal/app"
	"github.com/foodmind/billing-service/internal/domain"
)

const (
	testInternalKey = "internal-key"
	testJWTSecret   = "user-secret"
	testJWTIssuer   = "foodmind-bot"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type stubIngestor struct {
	got    []app.WebhookRequest
	result *app.IngestResult
	err    error
}

func (s *stubIngestor) Ingest(_ context.Context, req app.WebhookRequest) (*app.IngestResult, error) {
	s.got = append(s.got, req)
	if s.err != nil {
		return nil, s.err
	}
	if s.result != nil {
		return s.result, nil
	}
	return &app.IngestResult{Outcome: app.OutcomeAccepted, EventID: "evt", WebhookEventID: 1, Queued: true}, nil
}

type stubOps struct {
	calls []string
	err   error
}

func (s *stubOps) record(name string) error {
	s.calls = append(s.calls, name)
	return s.err
}

type reclaimOps struct{ *stubOps }

func (s reclaimOps) Run(context.Context) (*app.ReclaimResult, error) {
	if err := s.record("reclaim"); err != nil {
		return nil, err
	}
	return &app.ReclaimResult{Found: 2, Requeued: 2}, nil
}

type alertOps struct{ *stubOps }

func (s alertOps) Run(context.Context) (*app.FailedAlertResult, error) {
	if err := s.record("alert"); err != nil {
		return nil, err
	}
	return &app.FailedAlertResult{Found: 1, Alerted: 1}, nil
}

type renewalOps struct{ *stubOps }

func (s renewalOps) Run(context.Context) (*app.RenewalResult, error) {
	if err := s.record("renewals"); err != nil {
		return nil, err
	}
	return &app.RenewalResult{Status: "ok", Total: 3, Processed: 3}, nil
}

type digestOps struct{ *stubOps }

func (s digestOps) SendDigest(context.Context) (*app.DigestResult, error) {
	if err := s.record("digest"); err != nil {
		return nil, err
	}
	return &app.DigestResult{Success: true, Period: "01.03 - 08.03"}, nil
}

func (s digestOps) CheckHealth(context.Context) (*app.DigestHealthResult, error) {
	if err := s.record("health"); err != nil {
		return nil, err
	}
	return &app.DigestHealthResult{Status: "healthy"}, nil
}

type stubAccounts struct {
	status     *domain.BillingStatus
	payments   []domain.Payment
	created    *app.CreatePaymentResult
	err        error
	autoRenew  []bool
	planCodes  []string
	provisions []int64
}

func (s *stubAccounts) ProvisionDefaultSubscription(_ context.Context, userID int64) (*domain.Subscription, error) {
	s.provisions = append(s.provisions, userID)
	if s.err != nil {
		return nil, s.err
	}
	return &domain.Subscription{ID: 10, UserID: userID, PlanID: 1, IsActive: true}, nil
}

func (s *stubAccounts) GetBillingStatus(_ context.Context, userID int64) (*domain.BillingStatus, error) {
	if s.err != nil {
		return nil, s.err
	}
	status := *s.status
	status.UserID = userID
	return &status, nil
}

func (s *stubAccounts) SetAutoRenew(ctx context.Context, userID int64, enabled bool) (*domain.BillingStatus, error) {
	s.autoRenew = append(s.autoRenew, enabled)
	if s.err != nil {
		return nil, s.err
	}
	status, _ := s.GetBillingStatus(ctx, userID)
	status.AutoRenew = enabled
	return status, nil
}

func (s *stubAccounts) ListPayments(context.Context, int64) ([]domain.Payment, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.payments, nil
}

func (s *stubAccounts) CreateInitialPayment(_ context.Context, _ int64, planCode string, _ bool) (*app.CreatePaymentResult, error) {
	s.planCodes = append(s.planCodes, planCode)
	if s.err != nil {
		return nil, s.err
	}
	return s.created, nil
}

type fixture struct {
	ingestor *stubIngestor
	ops      *stubOps
	accounts *stubAccounts
	router   http.Handler
}

func newFixture() *fixture {
	ops := &stubOps{}
	f := &fixture{
		ingestor: &stubIngestor{},
		ops:      ops,
		accounts: &stubAccounts{
			status:  &domain.BillingStatus{PlanCode: "MONTHLY", PlanName: "Monthly", IsActive: true},
			created: &app.CreatePaymentResult{PaymentID: "p-1", ConfirmationURL: "https://pay.example/p-1"},
		},
	}
	handler := NewHandler(Services{
		Gateway:      f.ingestor,
		Reclaimer:    reclaimOps{ops},
		FailedAlerts: alertOps{ops},
		Renewals:     renewalOps{ops},
		Digest:       digestOps{ops},
		Accounts:     f.accounts,
	}, testLogger())
	f.router = NewRouter(handler, AuthConfig{
		InternalAPIKey: testInternalKey,
		JWTSecret:      testJWTSecret,
		JWTIssuer:      testJWTIssuer,
	}, nil)
	return f
}

func signToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func userToken(t *testing.T, sub string) string {
	return signToken(t, testJWTSecret, jwt.MapClaims{
		"sub": sub,
		"iss": testJWTIssuer,
		"exp": time.Now().Add(time.Hour).Unix(),
	})
}
