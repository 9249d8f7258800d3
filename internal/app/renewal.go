/**
 * @description
 * Recurring renewal scheduler. For each subscription close to its end date it
 * reserves a PENDING payment for the period and then asks the provider to
 * charge the saved payment method. The period itself is only extended later,
 * by the payment.succeeded handler.
 */
package app

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/foodmind/billing-service/internal/domain"
)

// Renewal outcomes.
const (
	renewalProcessed = "processed"
	renewalSkipped   = "skipped"
	renewalError     = "error"
)

// RenewalResult summarizes one scheduler run.
type RenewalResult struct {
	Status    string `json:"status"`
	Total     int    `json:"total"`
	Processed int    `json:"processed"`
	Skipped   int    `json:"skipped"`
	Errors    int    `json:"errors"`
}

// RenewalConfig tunes the scheduler.
type RenewalConfig struct {
	Enabled     bool
	Lookahead   time.Duration
	Concurrency int
}

// RenewalService charges saved payment methods for expiring subscriptions.
type RenewalService struct {
	repo     RenewalRepository
	provider PaymentProvider
	cfg      RenewalConfig
	metrics  *Metrics
	logger   *slog.Logger
	now      func() time.Time
}

// NewRenewalService creates the renewal scheduler.
func NewRenewalService(repo RenewalRepository, provider PaymentProvider, cfg RenewalConfig, metrics *Metrics, logger *slog.Logger) *RenewalService {
	if cfg.Lookahead <= 0 {
		cfg.Lookahead = 24 * time.Hour
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	return &RenewalService{
		repo:     repo,
		provider: provider,
		cfg:      cfg,
		metrics:  metrics,
		logger:   logger,
		now:      time.Now,
	}
}

// RenewalIdempotencyKey is the provider idempotency key for one period.
func RenewalIdempotencyKey(subscriptionID int64, periodEnd time.Time) string {
	return fmt.Sprintf("renewal:%d:%s", subscriptionID, periodEnd.UTC().Format("2006-01-02"))
}

// Run processes every due candidate. A failure on one candidate is counted
// and never stops the others.
func (s *RenewalService) Run(ctx context.Context) (*RenewalResult, error) {
	if !s.cfg.Enabled {
		s.logger.Info("recurring billing disabled; skipping renewal run")
		return &RenewalResult{Status: "disabled"}, nil
	}

	now := s.now().UTC()
	candidates, err := s.repo.ListRenewalCandidates(ctx, now.Add(s.cfg.Lookahead))
	if err != nil {
		return nil, fmt.Errorf("failed to list renewal candidates: %w", err)
	}

	result := &RenewalResult{Status: "completed", Total: len(candidates)}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for _, candidate := range candidates {
		candidate := candidate
		g.Go(func() error {
			outcome := s.renew(gctx, candidate)
			s.metrics.renewal(outcome)

			mu.Lock()
			defer mu.Unlock()
			switch outcome {
			case renewalProcessed:
				result.Processed++
			case renewalSkipped:
				result.Skipped++
			default:
				result.Errors++
			}
			return nil
		})
	}
	_ = g.Wait()

	s.logger.Info("renewal run completed",
		"total", result.Total,
		"processed", result.Processed,
		"skipped", result.Skipped,
		"errors", result.Errors,
	)
	return result, nil
}

func (s *RenewalService) renew(ctx context.Context, c domain.RenewalCandidate) string {
	sub, plan := c.Subscription, c.Plan
	periodEnd := sub.EndDate
	key := RenewalIdempotencyKey(sub.ID, periodEnd)
	logger := s.logger.With("subscription_id", sub.ID, "user_id", sub.UserID, "idempotency_key", key)

	live, err := s.repo.HasLivePaymentForPeriod(ctx, sub.ID, periodEnd)
	if err != nil {
		logger.Error("failed to check existing renewal payment", "error", err)
		return renewalError
	}
	if live {
		logger.Info("renewal payment already exists for period; skipping")
		return renewalSkipped
	}

	if plan.Price <= 0 || plan.DurationDays <= 0 {
		logger.Warn("plan is not billable; skipping renewal",
			"plan_code", plan.Code,
			"price", plan.Price,
			"duration_days", plan.DurationDays,
		)
		return renewalSkipped
	}
	if !sub.HasSavedMethod() {
		logger.Warn("subscription has no saved payment method; skipping renewal")
		return renewalSkipped
	}

	payment := &domain.Payment{
		UserID:               sub.UserID,
		SubscriptionID:       sub.ID,
		PlanID:               plan.ID,
		Amount:               plan.Price,
		Currency:             plan.Currency,
		Status:               domain.PaymentPending,
		Description:          "Auto-renewal " + plan.DisplayName,
		IsRecurring:          true,
		BillingPeriodEnd:     &periodEnd,
		SavedMethodRequested: false,
		Metadata: map[string]string{
			"idempotency_key":   key,
			"renewal_type":      "auto",
			"original_end_date": periodEnd.UTC().Format(time.RFC3339),
		},
	}

	reserved, err := s.repo.ReserveRenewalPayment(ctx, payment)
	if err != nil {
		logger.Error("failed to reserve renewal payment", "error", err)
		return renewalError
	}
	if !reserved {
		logger.Info("renewal payment reserved concurrently; skipping")
		return renewalSkipped
	}

	charge, err := s.provider.CreatePayment(ctx, domain.ChargeRequest{
		Amount:          plan.Price,
		Currency:        plan.Currency,
		Description:     payment.Description,
		PaymentMethodID: *sub.SavedPaymentMethodID,
		IdempotencyKey:  key,
		Metadata: map[string]string{
			"payment_id":   payment.ID,
			"user_id":      strconv.FormatInt(sub.UserID, 10),
			"plan_code":    plan.Code,
			"renewal_type": "auto",
		},
	})
	if err != nil {
		reason := truncate(err.Error(), maxErrorMessageLength)
		if markErr := s.repo.MarkPaymentFailed(context.WithoutCancel(ctx), payment.ID, reason); markErr != nil {
			logger.Error("failed to mark renewal payment failed", "payment_id", payment.ID, "error", markErr)
		}
		logger.Error("provider rejected renewal charge", "payment_id", payment.ID, "error", err)
		return renewalError
	}

	if err := s.repo.AttachProviderPaymentID(context.WithoutCancel(ctx), payment.ID, charge.ProviderPaymentID); err != nil {
		// The webhook can still match the payment through metadata.payment_id.
		logger.Error("failed to attach provider payment id", "payment_id", payment.ID, "provider_payment_id", charge.ProviderPaymentID, "error", err)
	}

	logger.Info("renewal charge created",
		"payment_id", payment.ID,
		"provider_payment_id", charge.ProviderPaymentID,
		"provider_status", charge.Status,
	)
	return renewalProcessed
}
