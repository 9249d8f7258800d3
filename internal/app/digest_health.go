package app

import (
	"context"
	"fmt"
	"time"
)

// Digest health statuses.
const (
	DigestNoBaseline  = "no_baseline"
	DigestHealthy     = "healthy"
	DigestDegradation = "degradation_detected"
)

// DigestHealthResult is returned by CheckHealth.
type DigestHealthResult struct {
	Status      string          `json:"status"`
	Message     string          `json:"message,omitempty"`
	DaysSince   *int            `json:"days_since,omitempty"`
	LastSuccess string          `json:"last_success,omitempty"`
	Alerted     *bool           `json:"alerted,omitempty"`
	Reason      string          `json:"reason,omitempty"`
	Deliveries  []Delivery      `json:"deliveries,omitempty"`
	Errors      []DeliveryError `json:"errors,omitempty"`
}

// CheckHealth alerts the operators when no digest was delivered for longer
// than the configured number of days. Alerts are suppressed for a day after
// one was delivered.
func (s *DigestService) CheckHealth(ctx context.Context) (*DigestHealthResult, error) {
	last, err := s.state.LastSuccess(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read digest last success: %w", err)
	}
	if last == nil {
		s.logger.Warn("no successful digest recorded yet")
		return &DigestHealthResult{
			Status:  DigestNoBaseline,
			Message: "No successful digest recorded yet (fresh deployment)",
		}, nil
	}

	now := s.now().UTC()
	daysSince := int(now.Sub(*last) / (24 * time.Hour))
	result := &DigestHealthResult{
		DaysSince:   &daysSince,
		LastSuccess: last.UTC().Format(time.RFC3339),
	}
	if daysSince <= s.cfg.StaleAfterDays {
		result.Status = DigestHealthy
		return result, nil
	}

	result.Status = DigestDegradation
	alerted := false
	result.Alerted = &alerted

	suppressed, err := s.state.AlertSuppressed(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read digest alert flag: %w", err)
	}
	if suppressed {
		result.Reason = "anti-spam"
		s.logger.Info("digest degradation alert suppressed", "days_since", daysSince)
		return result, nil
	}

	report := s.notifier.NotifyAdmins(ctx, formatDegradationAlert(daysSince, *last, s.cfg.StaleAfterDays))
	if !report.Success {
		result.Reason = "alert delivery failed"
		result.Errors = report.Errors
		s.logger.Error("failed to deliver digest degradation alert", "days_since", daysSince)
		return result, nil
	}

	if err := s.state.SuppressAlerts(ctx, s.cfg.AlertSuppression); err != nil {
		s.logger.Error("failed to set digest alert flag", "error", err)
	}
	alerted = true
	result.Deliveries = report.Deliveries
	s.logger.Warn("digest degradation alert sent", "days_since", daysSince, "last_success", result.LastSuccess)
	return result, nil
}

func formatDegradationAlert(daysSince int, last time.Time, threshold int) string {
	return fmt.Sprintf(
		"🚨 <b>WEEKLY DIGEST DEGRADATION</b>\n\n"+
			"Last successful digest: %s (%d days ago)\n"+
			"Expected at least every %d days.\n\n"+
			"Check the billing-scheduler process, its digest schedule and the Telegram bot token.",
		last.UTC().Format("2006-01-02 15:04 UTC"), daysSince, threshold,
	)
}
