// Package email sends outbound mail on behalf of CRM users.
package email

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"

	"github.com/nugget/crm-assistant/internal/config"
)

// ErrNotConfigured is returned by Send when no SMTP server is set up.
var ErrNotConfigured = errors.New("email is not configured")

// Sender composes markdown messages and delivers them over SMTP.
type Sender struct {
	cfg     config.EmailConfig
	logger  *slog.Logger
	deliver deliverFunc
	now     func() time.Time
}

// New returns a Sender for cfg. A Sender built from an incomplete
// config still works as a value; every Send returns ErrNotConfigured.
func New(cfg config.EmailConfig, logger *slog.Logger) *Sender {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sender{
		cfg:     cfg,
		logger:  logger.With("component", "email"),
		deliver: deliverSMTP,
		now:     time.Now,
	}
}

// Configured reports whether Send can deliver mail.
func (s *Sender) Configured() bool {
	return s != nil && s.cfg.Configured()
}

// Send delivers a single message to one recipient. The body is
// markdown and is sent as both plain text and HTML.
func (s *Sender) Send(ctx context.Context, to, subject, body string) error {
	if !s.Configured() {
		return ErrNotConfigured
	}
	to = strings.TrimSpace(to)
	if to == "" {
		return errors.New("recipient address is required")
	}

	m := message{
		From:    s.cfg.From,
		To:      []string{to},
		Subject: subject,
		Body:    body,
		Date:    s.now(),
	}
	if s.cfg.BccOwner {
		m.Bcc = []string{s.cfg.From}
	}

	raw, err := compose(m)
	if err != nil {
		return fmt.Errorf("compose message: %w", err)
	}

	rcpts, err := envelopeRecipients(m.To, m.Bcc)
	if err != nil {
		return err
	}
	from, err := bareAddress(m.From)
	if err != nil {
		return err
	}

	if err := s.deliver(ctx, s.cfg.SMTP, from, rcpts, raw); err != nil {
		return fmt.Errorf("send to %s: %w", to, err)
	}
	s.logger.Info("email sent", "to", to, "subject", subject, "bytes", len(raw))
	return nil
}

func bareAddress(s string) (string, error) {
	a, err := mail.ParseAddress(s)
	if err != nil {
		return "", fmt.Errorf("parse address %q: %w", s, err)
	}
	return a.Address, nil
}

// envelopeRecipients returns unique bare addresses for RCPT TO.
func envelopeRecipients(lists ...[]string) ([]string, error) {
	seen := make(map[string]bool)
	var out []string
	for _, list := range lists {
		for _, s := range list {
			addr, err := bareAddress(s)
			if err != nil {
				return nil, err
			}
			key := strings.ToLower(addr)
			if !seen[key] {
				seen[key] = true
				out = append(out, addr)
			}
		}
	}
	return out, nil
}
