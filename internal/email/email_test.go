package email

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-message/mail"

	"github.com/nugget/crm-assistant/internal/config"
)

func TestMarkdownToPlain(t *testing.T) {
	tests := []struct {
		name string
		md   string
		want string
	}{
		{"bold", "This is **bold** text", "This is bold text"},
		{"italic", "This is *italic* text", "This is italic text"},
		{"link", "Visit [Example](https://example.com) now", "Visit Example (https://example.com) now"},
		{"heading", "## Agenda\n\nSome text", "Agenda\n\nSome text"},
		{"inline code", "Use `crm ask`", "Use crm ask"},
		{"list items preserved", "- one\n- two", "- one\n- two"},
		{"plain text unchanged", "Hi Alex, following up.", "Hi Alex, following up."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := markdownToPlain(tt.md); got != tt.want {
				t.Errorf("markdownToPlain(%q) = %q, want %q", tt.md, got, tt.want)
			}
		})
	}
}

func TestCompose(t *testing.T) {
	raw, err := compose(message{
		From:    "Owner <owner@example.com>",
		To:      []string{"alex@heygov.com"},
		Bcc:     []string{"owner@example.com"},
		Subject: "Following up",
		Body:    "Hi **Alex**",
		Date:    time.Date(2026, 10, 17, 9, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("compose() error: %v", err)
	}

	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("CreateReader() error: %v", err)
	}
	if subj, _ := mr.Header.Subject(); subj != "Following up" {
		t.Errorf("Subject = %q", subj)
	}
	if to, _ := mr.Header.AddressList("To"); len(to) != 1 || to[0].Address != "alex@heygov.com" {
		t.Errorf("To = %v", to)
	}
	if mr.Header.Get("Bcc") != "" {
		t.Error("Bcc header must not appear in the message")
	}

	var types []string
	for {
		p, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("NextPart() error: %v", err)
		}
		ct, _, _ := p.Header.(*mail.InlineHeader).ContentType()
		types = append(types, ct)
		body, _ := io.ReadAll(p.Body)
		switch ct {
		case "text/plain":
			if string(body) != "Hi Alex" {
				t.Errorf("plain body = %q", body)
			}
		case "text/html":
			if !strings.Contains(string(body), "<strong>Alex</strong>") {
				t.Errorf("html body = %q", body)
			}
		}
	}
	if strings.Join(types, ",") != "text/plain,text/html" {
		t.Errorf("parts = %v", types)
	}
}

type captured struct {
	from  string
	rcpts []string
	msg   []byte
}

func testSender(cfg config.EmailConfig, got *captured, err error) *Sender {
	s := New(cfg, nil)
	s.deliver = func(_ context.Context, _ config.SMTPConfig, from string, rcpts []string, msg []byte) error {
		got.from, got.rcpts, got.msg = from, rcpts, msg
		return err
	}
	return s
}

func configured() config.EmailConfig {
	return config.EmailConfig{
		From: "CRM Owner <owner@example.com>",
		SMTP: config.SMTPConfig{Host: "smtp.example.com", Port: 587, StartTLS: true},
	}
}

func TestSend(t *testing.T) {
	var got captured
	s := testSender(configured(), &got, nil)

	if err := s.Send(context.Background(), "alex@heygov.com", "Hello", "Body"); err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	if got.from != "owner@example.com" {
		t.Errorf("envelope from = %q", got.from)
	}
	if strings.Join(got.rcpts, ",") != "alex@heygov.com" {
		t.Errorf("rcpts = %v", got.rcpts)
	}
	if !bytes.Contains(got.msg, []byte("Subject: Hello")) {
		t.Error("message missing subject header")
	}
}

func TestSend_BccOwner(t *testing.T) {
	var got captured
	cfg := configured()
	cfg.BccOwner = true
	s := testSender(cfg, &got, nil)

	if err := s.Send(context.Background(), "alex@heygov.com", "Hello", "Body"); err != nil {
		t.Fatalf("Send() error: %v", err)
	}
	if strings.Join(got.rcpts, ",") != "alex@heygov.com,owner@example.com" {
		t.Errorf("rcpts = %v", got.rcpts)
	}
}

func TestSend_NotConfigured(t *testing.T) {
	var got captured
	s := testSender(config.EmailConfig{}, &got, nil)
	if err := s.Send(context.Background(), "a@b.c", "s", "b"); !errors.Is(err, ErrNotConfigured) {
		t.Errorf("Send() error = %v, want ErrNotConfigured", err)
	}

	var nilSender *Sender
	if nilSender.Configured() {
		t.Error("nil Sender should not be configured")
	}
}

func TestSend_Errors(t *testing.T) {
	boom := errors.New("connection refused")
	var got captured
	s := testSender(configured(), &got, boom)

	if err := s.Send(context.Background(), "alex@heygov.com", "s", "b"); !errors.Is(err, boom) {
		t.Errorf("Send() error = %v, want wrapped delivery error", err)
	}
	if err := s.Send(context.Background(), "  ", "s", "b"); err == nil {
		t.Error("Send() with empty recipient should fail")
	}
	if err := s.Send(context.Background(), "not an address", "s", "b"); err == nil {
		t.Error("Send() with malformed recipient should fail")
	}
}

func TestEnvelopeRecipients(t *testing.T) {
	got, err := envelopeRecipients(
		[]string{"Alice <alice@example.com>", "bob@example.com"},
		[]string{"ALICE@example.com"},
	)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Join(got, ",") != "alice@example.com,bob@example.com" {
		t.Errorf("envelopeRecipients = %v", got)
	}
}
