// Package notify mails a summary of every completed upload to the operators.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mailgun/mailgun-go/v5"
	"github.com/wneessen/go-mail"

	"github.com/memohai/imgscalr/internal/config"
)

// Message is one plain-text mail.
type Message struct {
	From    string
	To      []string
	Subject string
	Body    string
}

// Sender delivers a Message.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// NewSender builds the sender selected by cfg.Driver. Driver "none" (or empty)
// returns a nil Sender, which disables notification.
func NewSender(cfg config.NotifyConfig) (Sender, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "none":
		return nil, nil
	case "smtp":
		return NewSMTPSender(cfg.SMTP)
	case "mailgun":
		return NewMailgunSender(cfg.Mailgun)
	default:
		return nil, fmt.Errorf("unknown notify driver %q", cfg.Driver)
	}
}

// SMTPSender relays mail through an SMTP server.
type SMTPSender struct {
	host string
	opts []mail.Option
}

// NewSMTPSender validates cfg and prepares the client options.
func NewSMTPSender(cfg config.SMTPConfig) (*SMTPSender, error) {
	if strings.TrimSpace(cfg.Host) == "" {
		return nil, errors.New("notify.smtp.host is required")
	}
	port := cfg.Port
	if port <= 0 {
		port = config.DefaultSMTPPort
	}
	opts := []mail.Option{
		mail.WithPort(port),
		mail.WithTLSPortPolicy(mail.TLSOpportunistic),
	}
	if cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(cfg.Username),
			mail.WithPassword(cfg.Password),
		)
	}
	return &SMTPSender{host: cfg.Host, opts: opts}, nil
}

// Send dials the server and delivers msg.
func (s *SMTPSender) Send(ctx context.Context, msg Message) error {
	m := mail.NewMsg()
	if err := m.From(msg.From); err != nil {
		return fmt.Errorf("set from: %w", err)
	}
	if err := m.To(msg.To...); err != nil {
		return fmt.Errorf("set to: %w", err)
	}
	m.Subject(msg.Subject)
	m.SetBodyString(mail.TypeTextPlain, msg.Body)

	client, err := mail.NewClient(s.host, s.opts...)
	if err != nil {
		return fmt.Errorf("create smtp client: %w", err)
	}
	if err := client.DialAndSendWithContext(ctx, m); err != nil {
		return fmt.Errorf("send mail: %w", err)
	}
	return nil
}

// MailgunSender delivers mail through the Mailgun HTTP API.
type MailgunSender struct {
	client *mailgun.Client
	domain string
}

// NewMailgunSender validates cfg and creates the API client.
func NewMailgunSender(cfg config.MailgunConfig) (*MailgunSender, error) {
	if strings.TrimSpace(cfg.Domain) == "" {
		return nil, errors.New("notify.mailgun.domain is required")
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("notify.mailgun.api_key is required")
	}
	client := mailgun.NewMailgun(cfg.APIKey)
	if cfg.APIBase != "" {
		if err := client.SetAPIBase(cfg.APIBase); err != nil {
			return nil, fmt.Errorf("set mailgun api base: %w", err)
		}
	}
	return &MailgunSender{client: client, domain: cfg.Domain}, nil
}

// Send posts msg to the Mailgun messages endpoint.
func (s *MailgunSender) Send(ctx context.Context, msg Message) error {
	m := mailgun.NewMessage(s.domain, msg.From, msg.Subject, msg.Body, msg.To...)
	if _, err := s.client.Send(ctx, m); err != nil {
		return fmt.Errorf("mailgun send: %w", err)
	}
	return nil
}
