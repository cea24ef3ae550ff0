// Package notify delivers run error notifications and management reports.
package notify

import (
	"context"
	"log/slog"
)

// Sender delivers one plain-text message to one recipient.
type Sender interface {
	Send(ctx context.Context, recipient, subject, body string) error
}

// SenderFunc adapts a function to Sender.
type SenderFunc func(ctx context.Context, recipient, subject, body string) error

// Send calls f.
func (f SenderFunc) Send(ctx context.Context, recipient, subject, body string) error {
	return f(ctx, recipient, subject, body)
}

// LogSender writes messages to the log instead of delivering them.
type LogSender struct {
	Logger *slog.Logger
}

// Send logs the message.
func (s LogSender) Send(_ context.Context, recipient, subject, body string) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("mail (dry run)", slog.String("to", recipient), slog.String("subject", subject), slog.String("body", body))
	return nil
}
