// Package mailer delivers plain-text email. The SMTP sender is used in
// production; the log sender records that a message went out without its body,
// for local development.
package mailer

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/civic-directory/accessgate/internal/config"
	"github.com/civic-directory/accessgate/internal/telemetry"
)

// Sender delivers a single message.
type Sender interface {
	Send(ctx context.Context, to, subject, body string) error
}

// New builds the Sender selected by cfg.Driver.
func New(cfg config.MailConfig) (Sender, error) {
	switch cfg.Driver {
	case "smtp":
		return NewSMTPSender(cfg.SMTP), nil
	case "log", "":
		return NewLogSender(slog.Default()), nil
	default:
		return nil, fmt.Errorf("unknown mail driver: %s", cfg.Driver)
	}
}

// LogSender logs the recipient and subject of each message. Bodies carry
// one-time codes and are never logged.
type LogSender struct {
	logger *slog.Logger
}

// NewLogSender returns a LogSender writing to logger.
func NewLogSender(logger *slog.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) Send(ctx context.Context, to, subject, _ string) error {
	if err := validateHeaderValues(to, subject); err != nil {
		return err
	}
	s.logger.InfoContext(ctx, "email suppressed by log mail driver",
		"to", telemetry.RedactEmail(to),
		"subject", subject)
	return nil
}

func validateHeaderValues(values ...string) error {
	for _, v := range values {
		if strings.ContainsAny(v, "\r\n") {
			return fmt.Errorf("mail header value contains a line break")
		}
	}
	return nil
}
