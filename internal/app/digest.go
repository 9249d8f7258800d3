/**
 * @description
 * Weekly billing digest: a summary of webhook processing over a trailing
 * window, delivered to the operators as Telegram HTML. A successful delivery
 * is recorded so the health check can detect a digest that stopped arriving.
 */
package app

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/foodmind/billing-service/internal/domain"
)

const (
	noErrorMessageSignature = "(no error message)"
	maxSignatureLength      = 100
	topErrorCount           = 3
)

// DigestConfig tunes the digest and its health check.
type DigestConfig struct {
	Window           time.Duration
	StaleAfterDays   int
	AlertSuppression time.Duration
}

// DigestStats is the aggregated content of one digest.
type DigestStats struct {
	PeriodStart  time.Time
	PeriodEnd    time.Time
	Total        int
	Success      int
	Failed       int
	Duplicates   int
	FailedByType []CountEntry
	TopErrors    []CountEntry
}

// CountEntry is a label with its occurrence count.
type CountEntry struct {
	Label string `json:"label"`
	Count int    `json:"count"`
}

// DigestResult is returned by SendDigest.
type DigestResult struct {
	Success     bool            `json:"success"`
	Period      string          `json:"period"`
	TotalEvents int             `json:"total_events"`
	FailedCount int             `json:"failed_count"`
	Deliveries  []Delivery      `json:"deliveries"`
	Errors      []DeliveryError `json:"errors"`
}

// DigestService builds and delivers the digest and watches its health.
type DigestService struct {
	repo     WebhookRepository
	notifier Notifier
	state    DigestState
	cfg      DigestConfig
	logger   *slog.Logger
	now      func() time.Time
}

// NewDigestService creates the digest service.
func NewDigestService(repo WebhookRepository, notifier Notifier, state DigestState, cfg DigestConfig, logger *slog.Logger) *DigestService {
	if cfg.Window <= 0 {
		cfg.Window = 7 * 24 * time.Hour
	}
	if cfg.StaleAfterDays <= 0 {
		cfg.StaleAfterDays = 8
	}
	if cfg.AlertSuppression <= 0 {
		cfg.AlertSuppression = 24 * time.Hour
	}
	return &DigestService{
		repo:     repo,
		notifier: notifier,
		state:    state,
		cfg:      cfg,
		logger:   logger,
		now:      time.Now,
	}
}

// SendDigest aggregates the trailing window and delivers it to the admins.
func (s *DigestService) SendDigest(ctx context.Context) (*DigestResult, error) {
	end := s.now().UTC()
	start := end.Add(-s.cfg.Window)

	raw, err := s.repo.WebhookStats(ctx, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate webhook stats: %w", err)
	}
	stats := SummarizeWebhookStats(*raw, start, end)

	report := s.notifier.NotifyAdmins(ctx, FormatDigest(stats))
	result := &DigestResult{
		Success:     report.Success,
		Period:      formatPeriod(start, end),
		TotalEvents: stats.Total,
		FailedCount: stats.Failed,
		Deliveries:  report.Deliveries,
		Errors:      report.Errors,
	}

	if !report.Success {
		s.logger.Error("failed to deliver billing digest", "period", result.Period, "errors", len(report.Errors))
		return result, nil
	}

	if err := s.state.RecordSuccess(ctx, end); err != nil {
		s.logger.Error("failed to record digest success", "error", err)
	}
	s.logger.Info("billing digest delivered",
		"period", result.Period,
		"total", stats.Total,
		"failed", stats.Failed,
		"deliveries", len(report.Deliveries),
	)
	return result, nil
}

// SummarizeWebhookStats groups failures by event type and error signature.
func SummarizeWebhookStats(raw domain.WebhookStats, start, end time.Time) DigestStats {
	stats := DigestStats{
		PeriodStart: start,
		PeriodEnd:   end,
		Total:       raw.Total,
		Success:     raw.Success,
		Failed:      raw.Failed,
		Duplicates:  raw.Duplicates,
	}
	if raw.Failed == 0 {
		return stats
	}

	byType := map[string]int{}
	bySignature := map[string]int{}
	for _, f := range raw.Failures {
		byType[f.EventType]++
		bySignature[ErrorSignature(f.ErrorMessage)]++
	}
	stats.FailedByType = sortedCounts(byType)
	stats.TopErrors = sortedCounts(bySignature)
	if len(stats.TopErrors) > topErrorCount {
		stats.TopErrors = stats.TopErrors[:topErrorCount]
	}
	return stats
}

// ErrorSignature reduces an error message to its first line, at most 100
// characters, so repeated failures group together.
func ErrorSignature(message string) string {
	if message == "" {
		return noErrorMessageSignature
	}
	first := strings.SplitN(message, "\n", 2)[0]
	if runes := []rune(first); len(runes) > maxSignatureLength {
		first = string(runes[:maxSignatureLength])
	}
	first = strings.TrimSpace(first)
	if first == "" {
		return noErrorMessageSignature
	}
	return first
}

// FormatDigest renders the digest as Telegram HTML.
func FormatDigest(stats DigestStats) string {
	var b strings.Builder
	b.WriteString("📊 <b>WEEKLY BILLING DIGEST</b>\n")
	fmt.Fprintf(&b, "Period: %s\n\n", formatPeriod(stats.PeriodStart, stats.PeriodEnd))

	if stats.Total == 0 {
		b.WriteString("⚠️ No webhook events in this period\n")
		return b.String()
	}

	if stats.Failed == 0 {
		b.WriteString("✅ <b>All billing webhooks processed successfully</b>\n")
		fmt.Fprintf(&b, "Total events: %d\n", stats.Total)
		if stats.Duplicates > 0 {
			fmt.Fprintf(&b, "Duplicate deliveries: %d\n", stats.Duplicates)
		}
		b.WriteString("No failures\n")
		return b.String()
	}

	fmt.Fprintf(&b, "Total webhook events: %d\n", stats.Total)
	fmt.Fprintf(&b, "Processed successfully: %d\n", stats.Success)
	fmt.Fprintf(&b, "Failed webhooks: %d ⚠️\n", stats.Failed)
	if stats.Duplicates > 0 {
		fmt.Fprintf(&b, "Duplicate deliveries: %d\n", stats.Duplicates)
	}
	b.WriteString("\n")

	if len(stats.FailedByType) > 0 {
		b.WriteString("<b>Failures by type:</b>\n")
		for _, entry := range stats.FailedByType {
			fmt.Fprintf(&b, "• <code>%s</code>: %d\n", escapeHTML(entry.Label), entry.Count)
		}
		b.WriteString("\n")
	}

	if len(stats.TopErrors) > 0 {
		b.WriteString("<b>Top errors:</b>\n")
		for _, entry := range stats.TopErrors {
			fmt.Fprintf(&b, "• %s: %d\n", escapeHTML(entry.Label), entry.Count)
		}
	}
	return b.String()
}

func sortedCounts(counts map[string]int) []CountEntry {
	entries := make([]CountEntry, 0, len(counts))
	for label, count := range counts {
		entries = append(entries, CountEntry{Label: label, Count: count})
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Count != entries[j].Count {
			return entries[i].Count > entries[j].Count
		}
		return entries[i].Label < entries[j].Label
	})
	return entries
}

var htmlEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")

// escapeHTML escapes the characters Telegram's HTML parse mode requires.
func escapeHTML(s string) string {
	return htmlEscaper.Replace(s)
}

func formatPeriod(start, end time.Time) string {
	return start.UTC().Format("2006-01-02") + " → " + end.UTC().Format("2006-01-02")
}
