package app

import (
	"context"
	"log/slog"
)

const (
	parseModeHTML        = "HTML"
	maxDeliveryErrorSize = 200
)

// Delivery is a receipt for one chat that received a message.
type Delivery struct {
	ChatID    string `json:"chat_id"`
	MessageID int64  `json:"message_id"`
	ParseMode string `json:"parse_mode"`
}

// DeliveryError records a chat the message could not be delivered to.
type DeliveryError struct {
	ChatID string `json:"chat_id,omitempty"`
	Error  string `json:"error"`
}

// DeliveryReport is the outcome of a broadcast. Success means at least one
// chat received the message.
type DeliveryReport struct {
	Success    bool            `json:"success"`
	Deliveries []Delivery      `json:"deliveries"`
	Errors     []DeliveryError `json:"errors"`
}

// AdminNotifier broadcasts operator messages to a fixed set of chats.
type AdminNotifier struct {
	sender  MessageSender
	chatIDs []string
	logger  *slog.Logger
}

// NewAdminNotifier creates a notifier. sender may be nil when no bot token is
// configured; every broadcast then reports a configuration error.
func NewAdminNotifier(sender MessageSender, chatIDs []string, logger *slog.Logger) *AdminNotifier {
	return &AdminNotifier{sender: sender, chatIDs: chatIDs, logger: logger}
}

// NotifyAdmins sends html to every admin chat and collects per-chat receipts.
func (n *AdminNotifier) NotifyAdmins(ctx context.Context, html string) DeliveryReport {
	report := DeliveryReport{Deliveries: []Delivery{}, Errors: []DeliveryError{}}
	if n.sender == nil || len(n.chatIDs) == 0 {
		n.logger.Warn("admin notifications are not configured")
		report.Errors = append(report.Errors, DeliveryError{Error: "bot token or admin chat ids not configured"})
		return report
	}

	for _, chatID := range n.chatIDs {
		messageID, err := n.sender.SendMessage(ctx, chatID, html, parseModeHTML)
		if err != nil {
			detail := truncate(err.Error(), maxDeliveryErrorSize)
			report.Errors = append(report.Errors, DeliveryError{ChatID: chatID, Error: detail})
			n.logger.Error("failed to deliver admin notification", "chat_id", chatID, "error", detail)
			continue
		}
		report.Deliveries = append(report.Deliveries, Delivery{ChatID: chatID, MessageID: messageID, ParseMode: parseModeHTML})
		n.logger.Info("admin notification delivered", "chat_id", chatID, "message_id", messageID)
	}

	report.Success = len(report.Deliveries) > 0
	return report
}
