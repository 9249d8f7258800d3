package app

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foodmind/billing-service/internal/domain"
)

var processorNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type processorFixture struct {
	repo      *memWebhookRepo
	ledger    *memLedger
	queue     *recordingQueue
	metrics   *Metrics
	processor *Processor
	calls     int
}

func newProcessorFixture(handler EventHandler) *processorFixture {
	f := &processorFixture{
		repo:    newMemWebhookRepo(),
		ledger:  seedLedger(processorNow.AddDate(0, 0, -1)),
		queue:   &recordingQueue{},
		metrics: NewMetrics(),
	}
	f.ledger.webhooks = f.repo
	registry := HandlerRegistry{
		domain.EventPaymentSucceeded: func(ctx context.Context, tx LedgerTx, n domain.Notification, now time.Time) error {
			f.calls++
			return handler(ctx, tx, n, now)
		},
	}
	f.processor = NewProcessor(f.repo, f.ledger, registry, f.queue, RetryPolicy{MaxRetries: 5, BaseDelay: 30 * time.Second}, f.metrics, testLogger())
	f.processor.now = func() time.Time { return processorNow }
	return f
}

func (f *processorFixture) addEvent(eventType string) *domain.WebhookEvent {
	return f.repo.add(domain.WebhookEvent{
		EventID:    "prov-1",
		EventType:  eventType,
		Status:     domain.WebhookQueued,
		RawPayload: []byte(`{"event":"` + eventType + `","object":{"id":"prov-1","status":"succeeded","paid":true}}`),
		CreatedAt:  processorNow.Add(-time.Minute),
	})
}

func failingHandler(err error) EventHandler {
	return func(context.Context, LedgerTx, domain.Notification, time.Time) error { return err }
}

func TestProcessor_Success(t *testing.T) {
	h := BillingHandlers{logger: testLogger()}
	f := newProcessorFixture(h.HandlePaymentSucceeded)
	evt := f.addEvent(domain.EventPaymentSucceeded)

	require.NoError(t, f.processor.Process(context.Background(), domain.WebhookJob{WebhookEventID: evt.ID, NextEligibleAt: processorNow}))

	stored := f.repo.get(evt.ID)
	assert.Equal(t, domain.WebhookSuccess, stored.Status)
	assert.Equal(t, 1, stored.Attempts)
	assert.Equal(t, domain.PaymentSucceeded, f.ledger.payments["p-1"].Status)
	assert.Empty(t, f.queue.jobs)
	assert.Equal(t, 1.0, counterValue(t, f.metrics.WebhookProcessed.WithLabelValues(domain.EventPaymentSucceeded, "success")))
}

func TestProcessor_FailureSchedulesRetryAndRollsBack(t *testing.T) {
	f := newProcessorFixture(func(ctx context.Context, tx LedgerTx, n domain.Notification, now time.Time) error {
		if err := tx.MarkPaymentSucceeded(ctx, "p-1", now); err != nil {
			return err
		}
		return errors.New("subscription locked\nstack trace")
	})
	evt := f.addEvent(domain.EventPaymentSucceeded)

	for attempt := 0; attempt < 3; attempt++ {
		f.queue.jobs = nil
		require.NoError(t, f.processor.Process(context.Background(), domain.WebhookJob{WebhookEventID: evt.ID, Attempt: attempt, NextEligibleAt: processorNow}))

		require.Len(t, f.queue.jobs, 1)
		retry := f.queue.jobs[0]
		assert.Equal(t, attempt+1, retry.Attempt)
		assert.Equal(t, processorNow.Add(30*time.Second<<attempt), retry.NextEligibleAt)
		assert.Equal(t, "retry", retry.Reason)
	}

	stored := f.repo.get(evt.ID)
	assert.Equal(t, domain.WebhookFailed, stored.Status)
	assert.Equal(t, "subscription locked\nstack trace", *stored.ErrorMessage)
	assert.Equal(t, 3, stored.Attempts)
	assert.Equal(t, domain.PaymentPending, f.ledger.payments["p-1"].Status, "handler writes must roll back")
	assert.NotContains(t, f.ledger.succeeded, evt.ID)
}

func TestProcessor_RetriesExhausted(t *testing.T) {
	f := newProcessorFixture(failingHandler(errBoom))
	evt := f.addEvent(domain.EventPaymentSucceeded)

	require.NoError(t, f.processor.Process(context.Background(), domain.WebhookJob{WebhookEventID: evt.ID, Attempt: 5, NextEligibleAt: processorNow}))

	assert.Empty(t, f.queue.jobs)
	assert.Equal(t, domain.WebhookFailed, f.repo.get(evt.ID).Status)
}

func TestProcessor_TruncatesErrorMessage(t *testing.T) {
	f := newProcessorFixture(failingHandler(errors.New(strings.Repeat("é", 800))))
	evt := f.addEvent(domain.EventPaymentSucceeded)

	require.NoError(t, f.processor.Process(context.Background(), domain.WebhookJob{WebhookEventID: evt.ID, NextEligibleAt: processorNow}))

	assert.Equal(t, 500, len([]rune(*f.repo.get(evt.ID).ErrorMessage)))
}

func TestProcessor_UnknownEventType(t *testing.T) {
	f := newProcessorFixture(failingHandler(errBoom))
	evt := f.addEvent("payout.succeeded")

	require.NoError(t, f.processor.Process(context.Background(), domain.WebhookJob{WebhookEventID: evt.ID, NextEligibleAt: processorNow}))

	assert.Equal(t, domain.WebhookSuccess, f.repo.get(evt.ID).Status)
	assert.Zero(t, f.calls)
	assert.Equal(t, 1.0, counterValue(t, f.metrics.WebhookProcessed.WithLabelValues("payout.succeeded", "ignored")))
}

func TestProcessor_EarlyJobIsDelayedAgain(t *testing.T) {
	f := newProcessorFixture(failingHandler(errBoom))
	evt := f.addEvent(domain.EventPaymentSucceeded)
	job := domain.WebhookJob{WebhookEventID: evt.ID, Attempt: 2, NextEligibleAt: processorNow.Add(time.Minute)}

	require.NoError(t, f.processor.Process(context.Background(), job))

	assert.Equal(t, []domain.WebhookJob{job}, f.queue.jobs)
	assert.Zero(t, f.calls)
	assert.Zero(t, f.repo.get(evt.ID).Attempts)
}

func TestProcessor_SkipsProcessedEvent(t *testing.T) {
	f := newProcessorFixture(failingHandler(errBoom))
	evt := f.addEvent(domain.EventPaymentSucceeded)
	evt.Status = domain.WebhookSuccess

	require.NoError(t, f.processor.Process(context.Background(), domain.WebhookJob{WebhookEventID: evt.ID, NextEligibleAt: processorNow}))

	assert.Zero(t, f.calls)
	assert.Zero(t, f.repo.get(evt.ID).Attempts)
}

func TestProcessor_MissingEventIsDropped(t *testing.T) {
	f := newProcessorFixture(failingHandler(errBoom))

	require.NoError(t, f.processor.Process(context.Background(), domain.WebhookJob{WebhookEventID: 999, NextEligibleAt: processorNow}))

	assert.Empty(t, f.queue.jobs)
}

func TestProcessor_InfrastructureErrorsAreReturned(t *testing.T) {
	f := newProcessorFixture(failingHandler(errBoom))
	evt := f.addEvent(domain.EventPaymentSucceeded)
	f.repo.claimErr = errors.New("connection reset")

	err := f.processor.Process(context.Background(), domain.WebhookJob{WebhookEventID: evt.ID, NextEligibleAt: processorNow})

	assert.Error(t, err)
	assert.Zero(t, f.calls)
}

func TestProcessor_UnscheduledRetryIsLeftForReclaimer(t *testing.T) {
	f := newProcessorFixture(failingHandler(errBoom))
	evt := f.addEvent(domain.EventPaymentSucceeded)
	f.queue.err = errors.New("channel closed")

	require.NoError(t, f.processor.Process(context.Background(), domain.WebhookJob{WebhookEventID: evt.ID, NextEligibleAt: processorNow}))

	stored := f.repo.get(evt.ID)
	assert.Equal(t, domain.WebhookQueued, stored.Status)
	assert.Equal(t, processorNow, *stored.QueuedAt)
	assert.Contains(t, *stored.ErrorMessage, "channel closed")
	assert.Contains(t, *stored.ErrorMessage, "boom")

	f.repo.deferErr = errors.New("connection reset")
	err := f.processor.Process(context.Background(), domain.WebhookJob{WebhookEventID: evt.ID, Attempt: 1, NextEligibleAt: processorNow})
	assert.Error(t, err)
}

func TestProcessor_ClaimHeldByAnotherWorker(t *testing.T) {
	testCases := []struct {
		name      string
		claimedAt time.Time
		wantCalls int
	}{
		{name: "fresh claim is left alone", claimedAt: processorNow.Add(-time.Minute), wantCalls: 0},
		{name: "stale claim is taken over", claimedAt: processorNow.Add(-11 * time.Minute), wantCalls: 1},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			f := newProcessorFixture(failingHandler(nil))
			evt := f.addEvent(domain.EventPaymentSucceeded)
			evt.Status = domain.WebhookProcessing
			evt.Attempts = 1
			evt.ClaimedAt = ptr(tc.claimedAt)

			require.NoError(t, f.processor.Process(context.Background(), domain.WebhookJob{WebhookEventID: evt.ID, NextEligibleAt: processorNow}))

			assert.Equal(t, tc.wantCalls, f.calls)
			assert.Equal(t, 1+tc.wantCalls, f.repo.get(evt.ID).Attempts)
			assert.Empty(t, f.queue.jobs)
		})
	}
}

func TestRetryPolicy_Delay(t *testing.T) {
	policy := RetryPolicy{MaxRetries: 5, BaseDelay: 30 * time.Second}

	assert.Equal(t, 30*time.Second, policy.Delay(0))
	assert.Equal(t, 60*time.Second, policy.Delay(1))
	assert.Equal(t, 8*time.Minute, policy.Delay(4))
	assert.Equal(t, 30*time.Second, policy.Delay(-1))
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "abc", truncate("abc", 5))
	assert.Equal(t, "ab", truncate("abc", 2))
	assert.Equal(t, "жж", truncate("жжж", 2))
}

func TestProcessor_HandleMessage(t *testing.T) {
	t.Run("processes a decoded job", func(t *testing.T) {
		f := newProcessorFixture(failingHandler(nil))
		evt := f.addEvent(domain.EventPaymentSucceeded)
		body := []byte(`{"webhook_event_id":` + strconv.FormatInt(evt.ID, 10) + `,"attempt":0,"next_eligible_at":"2026-03-01T11:59:00Z"}`)

		ack := f.processor.HandleMessage(context.Background(), body)

		assert.True(t, ack)
		assert.Equal(t, 1, f.calls)
		assert.Equal(t, domain.WebhookSuccess, f.repo.get(evt.ID).Status)
	})

	t.Run("drops garbage", func(t *testing.T) {
		f := newProcessorFixture(failingHandler(nil))

		assert.True(t, f.processor.HandleMessage(context.Background(), []byte(`not json`)))
		assert.True(t, f.processor.HandleMessage(context.Background(), []byte(`{"attempt":1}`)))
		assert.Zero(t, f.calls)
	})

	t.Run("defers on infrastructure errors", func(t *testing.T) {
		f := newProcessorFixture(failingHandler(nil))
		evt := f.addEvent(domain.EventPaymentSucceeded)
		f.repo.claimErr = errors.New("connection reset")

		ack := f.processor.HandleMessage(context.Background(), []byte(`{"webhook_event_id":`+strconv.FormatInt(evt.ID, 10)+`,"attempt":2,"deferrals":1}`))

		assert.True(t, ack)
		assert.Equal(t, []domain.WebhookJob{{
			WebhookEventID: evt.ID,
			Attempt:        2,
			NextEligibleAt: processorNow.Add(time.Minute),
			Reason:         "deferred",
			Deferrals:      2,
		}}, f.queue.jobs)
		assert.Zero(t, f.calls)
	})

	t.Run("requeues when the deferral cannot be published", func(t *testing.T) {
		f := newProcessorFixture(failingHandler(nil))
		evt := f.addEvent(domain.EventPaymentSucceeded)
		f.repo.claimErr = errors.New("connection reset")
		f.queue.err = errors.New("channel closed")

		ack := f.processor.HandleMessage(context.Background(), []byte(`{"webhook_event_id":`+strconv.FormatInt(evt.ID, 10)+`}`))

		assert.False(t, ack)
	})

	t.Run("drops the job once deferrals are exhausted", func(t *testing.T) {
		f := newProcessorFixture(failingHandler(nil))
		evt := f.addEvent(domain.EventPaymentSucceeded)
		f.repo.claimErr = errors.New("connection reset")

		ack := f.processor.HandleMessage(context.Background(), []byte(`{"webhook_event_id":`+strconv.FormatInt(evt.ID, 10)+`,"deferrals":5}`))

		assert.True(t, ack)
		assert.Empty(t, f.queue.jobs)
		assert.Equal(t, 1.0, counterValue(t, f.metrics.WebhookProcessed.WithLabelValues("unknown", "abandoned")))
	})

	t.Run("an early job that cannot be delayed keeps its eligibility", func(t *testing.T) {
		f := newProcessorFixture(failingHandler(nil))
		evt := f.addEvent(domain.EventPaymentSucceeded)
		publishes := 0
		f.processor.queue = queueFunc(func(_ context.Context, job domain.WebhookJob) error {
			publishes++
			if publishes == 1 {
				return errors.New("channel closed")
			}
			f.queue.jobs = append(f.queue.jobs, job)
			return nil
		})

		ack := f.processor.HandleMessage(context.Background(), []byte(`{"webhook_event_id":`+strconv.FormatInt(evt.ID, 10)+`,"next_eligible_at":"2026-03-01T13:00:00Z"}`))

		assert.True(t, ack)
		require.Len(t, f.queue.jobs, 1)
		assert.Equal(t, processorNow.Add(time.Hour), f.queue.jobs[0].NextEligibleAt)
		assert.Equal(t, 1, f.queue.jobs[0].Deferrals)
	})
}

type queueFunc func(ctx context.Context, job domain.WebhookJob) error

func (f queueFunc) Enqueue(ctx context.Context, job domain.WebhookJob) error { return f(ctx, job) }
