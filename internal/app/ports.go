/**
 * @description
 * Interfaces the billing services depend on. The store, the RabbitMQ queue,
 * the YooKassa client and the Telegram client satisfy them in production;
 * tests substitute in-memory stubs.
 */
package app

import (
	"context"
	"time"

	"github.com/foodmind/billing-service/internal/domain"
	"github.com/foodmind/billing-service/internal/store"
)

// WebhookRepository defines the webhook event log operations.
type WebhookRepository interface {
	RecordWebhookEvent(ctx context.Context, evt domain.NewWebhookEvent, now time.Time) (*domain.WebhookEvent, bool, error)
	MarkWebhookQueued(ctx context.Context, id int64, at time.Time) error
	GetWebhookEvent(ctx context.Context, id int64) (*domain.WebhookEvent, error)
	ClaimWebhookEvent(ctx context.Context, id int64, at, staleBefore time.Time) (*domain.WebhookEvent, error)
	DeferWebhookEvent(ctx context.Context, id int64, message string, at time.Time) error
	MarkWebhookFailed(ctx context.Context, id int64, message string, at time.Time) error
	MarkWebhookSucceeded(ctx context.Context, id int64, at time.Time) error
	ReclaimStuckWebhookEvents(ctx context.Context, cutoff, now time.Time, maxRetries int) ([]domain.WebhookEvent, error)
	ListUnalertedFailedWebhooks(ctx context.Context, minAttempts, limit int) ([]domain.FailedWebhook, error)
	MarkWebhooksAlerted(ctx context.Context, ids []int64, at time.Time) error
	WebhookStats(ctx context.Context, from, to time.Time) (*domain.WebhookStats, error)
}

// LedgerTx is the set of reads and writes a business handler may perform.
// Every call runs inside the transaction that also marks the webhook SUCCESS.
type LedgerTx interface {
	PaymentByProviderIDForUpdate(ctx context.Context, providerPaymentID string) (*domain.Payment, error)
	PaymentByIDForUpdate(ctx context.Context, id string) (*domain.Payment, error)
	AttachProviderPaymentID(ctx context.Context, paymentID, providerPaymentID string) error
	MarkPaymentSucceeded(ctx context.Context, paymentID string, at time.Time) error
	MarkPaymentCanceled(ctx context.Context, paymentID, reason string, at time.Time) error
	MarkPaymentRefunded(ctx context.Context, paymentID, note string, at time.Time) error
	SubscriptionByIDForUpdate(ctx context.Context, id int64) (*domain.Subscription, error)
	PlanByID(ctx context.Context, id int64) (*domain.Plan, error)
	ExtendSubscription(ctx context.Context, ext domain.SubscriptionExtension) error
	SaveSubscriptionPaymentMethod(ctx context.Context, subscriptionID int64, methodID, cardMask, cardBrand string) error
	ClearSubscriptionPaymentMethod(ctx context.Context, subscriptionID int64) error
	MarkWebhookSucceeded(ctx context.Context, id int64, at time.Time) error
}

// Ledger runs a function inside one database transaction.
type Ledger interface {
	WithinTx(ctx context.Context, fn func(tx LedgerTx) error) error
}

// RenewalRepository is everything the renewal scheduler may touch. It has no
// method that writes a subscription's end_date or is_active.
type RenewalRepository interface {
	ListRenewalCandidates(ctx context.Context, dueBy time.Time) ([]domain.RenewalCandidate, error)
	HasLivePaymentForPeriod(ctx context.Context, subscriptionID int64, periodEnd time.Time) (bool, error)
	ReserveRenewalPayment(ctx context.Context, p *domain.Payment) (bool, error)
	AttachProviderPaymentID(ctx context.Context, paymentID, providerPaymentID string) error
	MarkPaymentFailed(ctx context.Context, paymentID, reason string) error
}

// AccountRepository backs the user-facing billing operations.
type AccountRepository interface {
	ProvisionDefaultSubscription(ctx context.Context, userID int64, now time.Time) (*domain.Subscription, bool, error)
	SubscriptionByUserID(ctx context.Context, userID int64) (*domain.Subscription, error)
	PlanByID(ctx context.Context, id int64) (*domain.Plan, error)
	PlanByCode(ctx context.Context, code string) (*domain.Plan, error)
	SetAutoRenew(ctx context.Context, userID int64, enabled bool) error
	CreatePayment(ctx context.Context, p *domain.Payment) error
	AttachProviderPaymentID(ctx context.Context, paymentID, providerPaymentID string) error
	MarkPaymentFailed(ctx context.Context, paymentID, reason string) error
	ListPaymentsByUser(ctx context.Context, userID int64, limit int) ([]domain.Payment, error)
}

// PaymentProvider creates charges at the payment provider.
type PaymentProvider interface {
	CreatePayment(ctx context.Context, req domain.ChargeRequest) (*domain.ChargeResult, error)
}

// EventPublisher defines the interface for publishing messages to the broker.
type EventPublisher interface {
	Publish(ctx context.Context, exchange, routingKey string, body interface{}) error
}

// JobQueue hands webhook processing jobs to the worker pool.
type JobQueue interface {
	Enqueue(ctx context.Context, job domain.WebhookJob) error
}

// MessageSender delivers one chat message.
type MessageSender interface {
	SendMessage(ctx context.Context, chatID, text, parseMode string) (int64, error)
}

// Notifier broadcasts an HTML message to the operators.
type Notifier interface {
	NotifyAdmins(ctx context.Context, html string) DeliveryReport
}

// DigestState persists the digest's last success and the health alert flag.
type DigestState interface {
	LastSuccess(ctx context.Context) (*time.Time, error)
	RecordSuccess(ctx context.Context, at time.Time) error
	AlertSuppressed(ctx context.Context) (bool, error)
	SuppressAlerts(ctx context.Context, ttl time.Duration) error
}

// storeLedger adapts store.Repository to the Ledger interface.
type storeLedger struct {
	repo *store.Repository
}

// NewStoreLedger wraps the repository's transaction helper.
func NewStoreLedger(repo *store.Repository) Ledger {
	return storeLedger{repo: repo}
}

func (l storeLedger) WithinTx(ctx context.Context, fn func(tx LedgerTx) error) error {
	return l.repo.WithinTx(ctx, func(tx *store.LedgerTx) error {
		return fn(tx)
	})
}

var (
	_ WebhookRepository = (*store.Repository)(nil)
	_ RenewalRepository = (*store.Repository)(nil)
	_ AccountRepository = (*store.Repository)(nil)
	_ LedgerTx          = (*store.LedgerTx)(nil)
)
