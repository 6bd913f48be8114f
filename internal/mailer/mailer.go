// Package mailer delivers generated certificates by email.
package mailer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"gopkg.in/gomail.v2"

	"eventcert/internal/config"
)

// ErrNotConfigured is returned when no SMTP host is set.
var ErrNotConfigured = errors.New("smtp host not configured")

// ErrNoRecipient is returned for a message without an address.
var ErrNoRecipient = errors.New("message has no recipient address")

// Message is one certificate email.
type Message struct {
	To             string
	Name           string
	Subject        string
	Body           string
	AttachmentName string
	Attachment     []byte
}

// Sender delivers one message.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// SMTPSender sends through an SMTP relay, one connection per message.
type SMTPSender struct {
	dialer *gomail.Dialer
	from   string
	logger *slog.Logger
}

// NewSMTPSender builds a sender from cfg. It fails when cfg has no host.
func NewSMTPSender(cfg config.MailConfig, logger *slog.Logger) (*SMTPSender, error) {
	if strings.TrimSpace(cfg.Host) == "" {
		return nil, ErrNotConfigured
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SMTPSender{
		dialer: gomail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password),
		from:   cfg.From,
		logger: logger,
	}, nil
}

// Send delivers msg unless ctx is already done.
func (s *SMTPSender) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m, err := Build(s.from, msg)
	if err != nil {
		return err
	}
	if err := s.dialer.DialAndSend(m); err != nil {
		s.logger.Warn("smtp send failed", slog.String("to", msg.To), slog.Any("error", err))
		return fmt.Errorf("send mail to %s: %w", msg.To, err)
	}
	return nil
}

// Build assembles the MIME message with the certificate attached.
func Build(from string, msg Message) (*gomail.Message, error) {
	if strings.TrimSpace(msg.To) == "" {
		return nil, ErrNoRecipient
	}

	m := gomail.NewMessage()
	m.SetHeader("From", from)
	if msg.Name != "" {
		m.SetAddressHeader("To", msg.To, msg.Name)
	} else {
		m.SetHeader("To", msg.To)
	}
	m.SetHeader("Subject", msg.Subject)
	m.SetBody("text/plain", msg.Body)

	if len(msg.Attachment) > 0 {
		name := msg.AttachmentName
		if name == "" {
			name = "certificate.png"
		}
		data := msg.Attachment
		m.Attach(name,
			gomail.SetHeader(map[string][]string{"Content-Type": {"image/png"}}),
			gomail.SetCopyFunc(func(w io.Writer) error {
				_, err := w.Write(data)
				return err
			}),
		)
	}
	return m, nil
}
