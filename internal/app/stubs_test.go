package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/foodmind/billing-service/internal/domain"
	"github.com/foodmind/billing-service/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func ptr[T any](v T) *T { return &v }

// memLedger is an in-memory ledger. WithinTx snapshots the state and restores
// it when fn fails, mirroring a rolled back transaction.
type memLedger struct {
	mu            sync.Mutex
	payments      map[string]*domain.Payment
	subscriptions map[int64]*domain.Subscription
	plans         map[int64]*domain.Plan
	succeeded     map[int64]time.Time
	extensions    int

	// webhooks, when set, sees MarkWebhookSucceeded like a shared database.
	webhooks *memWebhookRepo
}

func newMemLedger() *memLedger {
	return &memLedger{
		payments:      map[string]*domain.Payment{},
		subscriptions: map[int64]*domain.Subscription{},
		plans:         map[int64]*domain.Plan{},
		succeeded:     map[int64]time.Time{},
	}
}

func (l *memLedger) WithinTx(ctx context.Context, fn func(tx LedgerTx) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	payments := map[string]domain.Payment{}
	for id, p := range l.payments {
		payments[id] = *p
	}
	subs := map[int64]domain.Subscription{}
	for id, s := range l.subscriptions {
		subs[id] = *s
	}
	succeeded := map[int64]time.Time{}
	for id, at := range l.succeeded {
		succeeded[id] = at
	}
	extensions := l.extensions

	if err := fn(memTx{l}); err != nil {
		l.payments = map[string]*domain.Payment{}
		for id, p := range payments {
			p := p
			l.payments[id] = &p
		}
		l.subscriptions = map[int64]*domain.Subscription{}
		for id, s := range subs {
			s := s
			l.subscriptions[id] = &s
		}
		l.succeeded = succeeded
		l.extensions = extensions
		return err
	}
	return nil
}

type memTx struct{ l *memLedger }

func (t memTx) PaymentByProviderIDForUpdate(_ context.Context, providerPaymentID string) (*domain.Payment, error) {
	for _, p := range t.l.payments {
		if p.ProviderPaymentID != nil && *p.ProviderPaymentID == providerPaymentID {
			cp := *p
			return &cp, nil
		}
	}
	return nil, store.ErrPaymentNotFound
}

func (t memTx) PaymentByIDForUpdate(_ context.Context, id string) (*domain.Payment, error) {
	p, ok := t.l.payments[id]
	if !ok {
		return nil, store.ErrPaymentNotFound
	}
	cp := *p
	return &cp, nil
}

func (t memTx) AttachProviderPaymentID(_ context.Context, paymentID, providerPaymentID string) error {
	p, ok := t.l.payments[paymentID]
	if !ok {
		return store.ErrPaymentNotFound
	}
	p.ProviderPaymentID = &providerPaymentID
	return nil
}

func (t memTx) transition(paymentID string, from, to domain.PaymentStatus, message *string, at time.Time) error {
	p, ok := t.l.payments[paymentID]
	if !ok || p.Status != from {
		return store.ErrPaymentNotFound
	}
	p.Status = to
	if message != nil {
		p.ErrorMessage = message
	}
	if to == domain.PaymentSucceeded {
		p.PaidAt = &at
	}
	p.WebhookProcessedAt = &at
	return nil
}

func (t memTx) MarkPaymentSucceeded(_ context.Context, paymentID string, at time.Time) error {
	return t.transition(paymentID, domain.PaymentPending, domain.PaymentSucceeded, nil, at)
}

func (t memTx) MarkPaymentCanceled(_ context.Context, paymentID, reason string, at time.Time) error {
	return t.transition(paymentID, domain.PaymentPending, domain.PaymentCanceled, &reason, at)
}

func (t memTx) MarkPaymentRefunded(_ context.Context, paymentID, note string, at time.Time) error {
	return t.transition(paymentID, domain.PaymentSucceeded, domain.PaymentRefunded, &note, at)
}

func (t memTx) SubscriptionByIDForUpdate(_ context.Context, id int64) (*domain.Subscription, error) {
	s, ok := t.l.subscriptions[id]
	if !ok {
		return nil, store.ErrSubscriptionNotFound
	}
	cp := *s
	return &cp, nil
}

func (t memTx) PlanByID(_ context.Context, id int64) (*domain.Plan, error) {
	p, ok := t.l.plans[id]
	if !ok {
		return nil, store.ErrPlanNotFound
	}
	cp := *p
	return &cp, nil
}

func (t memTx) ExtendSubscription(_ context.Context, ext domain.SubscriptionExtension) error {
	s, ok := t.l.subscriptions[ext.SubscriptionID]
	if !ok {
		return store.ErrSubscriptionNotFound
	}
	s.PlanID = ext.PlanID
	if ext.StartDate != nil {
		s.StartDate = *ext.StartDate
	}
	s.EndDate = ext.EndDate
	s.IsActive = true
	t.l.extensions++
	return nil
}

func (t memTx) SaveSubscriptionPaymentMethod(_ context.Context, subscriptionID int64, methodID, cardMask, cardBrand string) error {
	s, ok := t.l.subscriptions[subscriptionID]
	if !ok {
		return store.ErrSubscriptionNotFound
	}
	s.SavedPaymentMethodID = &methodID
	s.CardMask = &cardMask
	s.CardBrand = &cardBrand
	s.AutoRenew = true
	return nil
}

func (t memTx) ClearSubscriptionPaymentMethod(_ context.Context, subscriptionID int64) error {
	s, ok := t.l.subscriptions[subscriptionID]
	if !ok {
		return store.ErrSubscriptionNotFound
	}
	s.SavedPaymentMethodID = nil
	s.CardMask = nil
	s.CardBrand = nil
	s.AutoRenew = false
	return nil
}

func (t memTx) MarkWebhookSucceeded(ctx context.Context, id int64, at time.Time) error {
	t.l.succeeded[id] = at
	if t.l.webhooks != nil {
		return t.l.webhooks.MarkWebhookSucceeded(ctx, id, at)
	}
	return nil
}

// memWebhookRepo is an in-memory webhook event log.
type memWebhookRepo struct {
	mu      sync.Mutex
	nextID  int64
	events  map[int64]*domain.WebhookEvent
	byKey   map[string]int64
	stats   *domain.WebhookStats
	alerted []int64

	recordErr error
	claimErr  error
	deferErr  error
}

func newMemWebhookRepo() *memWebhookRepo {
	return &memWebhookRepo{events: map[int64]*domain.WebhookEvent{}, byKey: map[string]int64{}}
}

func (r *memWebhookRepo) RecordWebhookEvent(_ context.Context, evt domain.NewWebhookEvent, now time.Time) (*domain.WebhookEvent, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.recordErr != nil {
		return nil, false, r.recordErr
	}
	if id, ok := r.byKey[evt.EventID]; ok {
		existing := r.events[id]
		existing.DuplicateCount++
		existing.LastDuplicateAt = &now
		cp := *existing
		return &cp, false, nil
	}
	r.nextID++
	row := &domain.WebhookEvent{
		ID:           r.nextID,
		EventID:      evt.EventID,
		EventType:    evt.EventType,
		PaymentID:    evt.PaymentID,
		Status:       domain.WebhookReceived,
		RawPayload:   evt.RawPayload,
		ClientOrigin: evt.ClientOrigin,
		CreatedAt:    now,
	}
	r.events[row.ID] = row
	r.byKey[evt.EventID] = row.ID
	cp := *row
	return &cp, true, nil
}

func (r *memWebhookRepo) add(evt domain.WebhookEvent) *domain.WebhookEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	evt.ID = r.nextID
	r.events[evt.ID] = &evt
	r.byKey[evt.EventID] = evt.ID
	return r.events[evt.ID]
}

func (r *memWebhookRepo) get(id int64) domain.WebhookEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.events[id]
}

func (r *memWebhookRepo) MarkWebhookQueued(_ context.Context, id int64, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events[id].QueuedAt = &at
	return nil
}

func (r *memWebhookRepo) GetWebhookEvent(_ context.Context, id int64) (*domain.WebhookEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	evt, ok := r.events[id]
	if !ok {
		return nil, store.ErrWebhookEventNotFound
	}
	cp := *evt
	return &cp, nil
}

func (r *memWebhookRepo) ClaimWebhookEvent(_ context.Context, id int64, at, staleBefore time.Time) (*domain.WebhookEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.claimErr != nil {
		return nil, r.claimErr
	}
	evt, ok := r.events[id]
	if !ok || evt.Status == domain.WebhookSuccess {
		return nil, store.ErrWebhookEventNotFound
	}
	if evt.Status == domain.WebhookProcessing {
		since := evt.CreatedAt
		if evt.ClaimedAt != nil {
			since = *evt.ClaimedAt
		}
		if !since.Before(staleBefore) {
			return nil, store.ErrWebhookEventBusy
		}
	}
	evt.Status = domain.WebhookProcessing
	evt.Attempts++
	evt.ClaimedAt = &at
	cp := *evt
	return &cp, nil
}

func (r *memWebhookRepo) DeferWebhookEvent(_ context.Context, id int64, message string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.deferErr != nil {
		return r.deferErr
	}
	evt := r.events[id]
	if evt.Status == domain.WebhookSuccess {
		return nil
	}
	evt.Status = domain.WebhookQueued
	evt.QueuedAt = &at
	evt.ErrorMessage = &message
	return nil
}

func (r *memWebhookRepo) MarkWebhookFailed(_ context.Context, id int64, message string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	evt := r.events[id]
	evt.Status = domain.WebhookFailed
	evt.ErrorMessage = &message
	evt.ProcessedAt = &at
	return nil
}

func (r *memWebhookRepo) MarkWebhookSucceeded(_ context.Context, id int64, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	evt := r.events[id]
	evt.Status = domain.WebhookSuccess
	evt.ProcessedAt = &at
	evt.ErrorMessage = nil
	return nil
}

func (r *memWebhookRepo) ReclaimStuckWebhookEvents(_ context.Context, cutoff, now time.Time, maxRetries int) ([]domain.WebhookEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.WebhookEvent
	ids := make([]int64, 0, len(r.events))
	for id := range r.events {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	for _, id := range ids {
		evt := r.events[id]
		var since time.Time
		switch evt.Status {
		case domain.WebhookProcessing:
			since = evt.CreatedAt
			if evt.ClaimedAt != nil {
				since = *evt.ClaimedAt
			}
		case domain.WebhookReceived, domain.WebhookQueued:
			since = evt.CreatedAt
			if evt.QueuedAt != nil {
				since = *evt.QueuedAt
			}
		default:
			continue
		}
		if !since.Before(cutoff) {
			continue
		}
		if evt.Status == domain.WebhookProcessing && evt.Attempts > maxRetries {
			msg := "Worker crashed " + strconv.Itoa(evt.Attempts) + " times; giving up"
			evt.Status = domain.WebhookFailed
			evt.ProcessedAt = &now
			evt.ErrorMessage = &msg
			out = append(out, *evt)
			continue
		}
		msg := "Auto-retry: was stuck in " + string(evt.Status) + " since " + since.UTC().Format(time.RFC3339)
		evt.Status = domain.WebhookQueued
		evt.QueuedAt = &now
		evt.ErrorMessage = &msg
		out = append(out, *evt)
	}
	return out, nil
}

func (r *memWebhookRepo) ListUnalertedFailedWebhooks(_ context.Context, minAttempts, limit int) ([]domain.FailedWebhook, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.FailedWebhook
	for _, evt := range r.events {
		if evt.Status != domain.WebhookFailed || evt.Attempts < minAttempts || evt.AlertedAt != nil {
			continue
		}
		msg := ""
		if evt.ErrorMessage != nil {
			msg = *evt.ErrorMessage
		}
		out = append(out, domain.FailedWebhook{ID: evt.ID, EventID: evt.EventID, EventType: evt.EventType, Attempts: evt.Attempts, ErrorMessage: msg})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *memWebhookRepo) MarkWebhooksAlerted(_ context.Context, ids []int64, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range ids {
		r.events[id].AlertedAt = &at
		r.alerted = append(r.alerted, id)
	}
	return nil
}

func (r *memWebhookRepo) WebhookStats(context.Context, time.Time, time.Time) (*domain.WebhookStats, error) {
	if r.stats == nil {
		return &domain.WebhookStats{}, nil
	}
	cp := *r.stats
	return &cp, nil
}

// recordingQueue captures enqueued jobs.
type recordingQueue struct {
	mu   sync.Mutex
	jobs []domain.WebhookJob
	err  error
}

func (q *recordingQueue) Enqueue(_ context.Context, job domain.WebhookJob) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.jobs = append(q.jobs, job)
	return nil
}

// stubProvider records charge requests and answers from a function.
type stubProvider struct {
	mu       sync.Mutex
	requests []domain.ChargeRequest
	respond  func(req domain.ChargeRequest) (*domain.ChargeResult, error)
}

func (p *stubProvider) CreatePayment(_ context.Context, req domain.ChargeRequest) (*domain.ChargeResult, error) {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	respond := p.respond
	p.mu.Unlock()
	if respond == nil {
		return &domain.ChargeResult{ProviderPaymentID: "prov-" + req.IdempotencyKey, Status: "pending"}, nil
	}
	return respond(req)
}

func (p *stubProvider) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

// stubNotifier returns a fixed report and records messages.
type stubNotifier struct {
	messages []string
	report   DeliveryReport
}

func (n *stubNotifier) NotifyAdmins(_ context.Context, html string) DeliveryReport {
	n.messages = append(n.messages, html)
	return n.report
}

func deliveredReport() DeliveryReport {
	return DeliveryReport{
		Success:    true,
		Deliveries: []Delivery{{ChatID: "123", MessageID: 456, ParseMode: "HTML"}},
		Errors:     []DeliveryError{},
	}
}

// stubSender fails for chats listed in failures.
type stubSender struct {
	failures map[string]error
	sent     []string
}

func (s *stubSender) SendMessage(_ context.Context, chatID, _, _ string) (int64, error) {
	if err, ok := s.failures[chatID]; ok {
		return 0, err
	}
	s.sent = append(s.sent, chatID)
	return int64(len(s.sent)) + 100, nil
}

var errBoom = errors.New("boom")
