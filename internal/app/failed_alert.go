package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

const failedAlertBatchSize = 20

// FailedAlertResult summarizes one alert sweep.
type FailedAlertResult struct {
	Found      int             `json:"found"`
	Alerted    int             `json:"alerted"`
	Deliveries []Delivery      `json:"deliveries,omitempty"`
	Errors     []DeliveryError `json:"errors,omitempty"`
}

// FailedWebhookAlerter notifies operators about events whose retries ran out.
type FailedWebhookAlerter struct {
	repo       WebhookRepository
	notifier   Notifier
	maxRetries int
	logger     *slog.Logger
	now        func() time.Time
}

// NewFailedWebhookAlerter creates the alerter.
func NewFailedWebhookAlerter(repo WebhookRepository, notifier Notifier, maxRetries int, logger *slog.Logger) *FailedWebhookAlerter {
	return &FailedWebhookAlerter{repo: repo, notifier: notifier, maxRetries: maxRetries, logger: logger, now: time.Now}
}

// Run sends one summary for every unalerted exhausted event and stamps them
// once the summary reached at least one operator.
func (a *FailedWebhookAlerter) Run(ctx context.Context) (*FailedAlertResult, error) {
	failures, err := a.repo.ListUnalertedFailedWebhooks(ctx, a.maxRetries+1, failedAlertBatchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to list exhausted webhooks: %w", err)
	}
	result := &FailedAlertResult{Found: len(failures)}
	if len(failures) == 0 {
		return result, nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "🔴 <b>FAILED BILLING WEBHOOKS</b>\n%d event(s) exhausted their retries:\n\n", len(failures))
	ids := make([]int64, 0, len(failures))
	for _, f := range failures {
		ids = append(ids, f.ID)
		fmt.Fprintf(&b, "• <code>%s</code> %s (attempts: %d)\n  %s\n",
			escapeHTML(f.EventID),
			escapeHTML(f.EventType),
			f.Attempts,
			escapeHTML(ErrorSignature(f.ErrorMessage)),
		)
	}

	report := a.notifier.NotifyAdmins(ctx, b.String())
	result.Deliveries = report.Deliveries
	result.Errors = report.Errors
	if !report.Success {
		a.logger.Error("failed to deliver failed-webhook alert", "events", len(failures))
		return result, nil
	}

	if err := a.repo.MarkWebhooksAlerted(ctx, ids, a.now().UTC()); err != nil {
		return result, fmt.Errorf("failed to mark webhooks alerted: %w", err)
	}
	result.Alerted = len(ids)
	a.logger.Warn("failed-webhook alert sent", "events", len(ids))
	return result, nil
}
