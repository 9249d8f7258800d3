/**
 * @description
 * Scheduled job implementations for the billing-scheduler. Every job is a
 * thin trigger: the work runs inside billing-service behind its internal API.
 */
package scheduler

import (
	"context"
	"log/slog"
	"time"
)

// BillingClient defines the billing-service operations the jobs trigger.
type BillingClient interface {
	ReclaimWebhooks(ctx context.Context) (map[string]any, error)
	AlertFailedWebhooks(ctx context.Context) (map[string]any, error)
	RunRenewals(ctx context.Context) (map[string]any, error)
	SendDigest(ctx context.Context) (map[string]any, error)
	CheckDigestHealth(ctx context.Context) (map[string]any, error)
}

// Jobs contains the logic for all scheduled tasks.
type Jobs struct {
	client  BillingClient
	logger  *slog.Logger
	timeout time.Duration
}

// NewJobs creates a new Jobs runner.
func NewJobs(client BillingClient, logger *slog.Logger) *Jobs {
	return &Jobs{
		client:  client,
		logger:  logger,
		timeout: 5 * time.Minute,
	}
}

// ReclaimStuckWebhooks requeues webhook events stuck in RECEIVED, PROCESSING
// or FAILED.
func (j *Jobs) ReclaimStuckWebhooks() {
	j.run("webhook reclaim", j.client.ReclaimWebhooks)
}

// AlertFailedWebhooks reports events whose retries are exhausted.
func (j *Jobs) AlertFailedWebhooks() {
	j.run("failed webhook alert", j.client.AlertFailedWebhooks)
}

// RunRenewals charges saved payment methods for subscriptions due soon.
func (j *Jobs) RunRenewals() {
	j.run("subscription renewal", j.client.RunRenewals)
}

// SendDigest delivers the weekly webhook digest.
func (j *Jobs) SendDigest() {
	j.run("webhook digest", j.client.SendDigest)
}

// CheckDigestHealth alerts operators when the digest stopped arriving.
func (j *Jobs) CheckDigestHealth() {
	j.run("digest health", j.client.CheckDigestHealth)
}

func (j *Jobs) run(name string, call func(ctx context.Context) (map[string]any, error)) {
	j.logger.Info("starting " + name + " job")
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()

	result, err := call(ctx)
	if err != nil {
		j.logger.Error(name+" job failed", "error", err)
		return
	}

	j.logger.Info(name+" job finished", "result", result)
}
