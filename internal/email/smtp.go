// Package email delivers pipeline notifications over SMTP.
package email

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"pipeline_backend/platform/config"

	gomail "github.com/wneessen/go-mail"
)

// Message is a rendered-ready notification.
type Message struct {
	Subject  string
	Heading  string
	Lines    []string
	CTALabel string
	CTAURL   string
}

// Sender delivers notification emails.
type Sender interface {
	SendNotification(ctx context.Context, toEmail string, msg Message) error
}

// SMTPSender implements Sender using a direct SMTP connection via go-mail.
type SMTPSender struct {
	host      string
	port      int
	username  string
	password  string
	fromName  string
	fromEmail string
}

// NewSender returns an SMTP sender, or nil when email is not configured.
func NewSender(cfg config.EmailConfig) *SMTPSender {
	if !cfg.IsEmailEnabled() {
		return nil
	}
	return NewSMTPSender(cfg.GetSMTPHost(), cfg.GetSMTPPort(), cfg.GetSMTPUsername(), cfg.GetSMTPPassword(),
		cfg.GetEmailFromAddress(), cfg.GetEmailFromName())
}

// NewSMTPSender creates a new SMTPSender with the given SMTP credentials.
func NewSMTPSender(host string, port int, username, password, fromEmail, fromName string) *SMTPSender {
	return &SMTPSender{
		host:      host,
		port:      port,
		username:  username,
		password:  password,
		fromName:  fromName,
		fromEmail: fromEmail,
	}
}

func (s *SMTPSender) SendNotification(ctx context.Context, toEmail string, msg Message) error {
	heading := msg.Heading
	if heading == "" {
		heading = msg.Subject
	}
	content, err := renderEmailTemplate("notification.html", notificationEmailData{
		baseEmailData: baseEmailData{
			Title:    msg.Subject,
			Heading:  heading,
			CTALabel: msg.CTALabel,
			CTAURL:   msg.CTAURL,
		},
		Lines: msg.Lines,
	})
	if err != nil {
		return err
	}
	return s.send(ctx, toEmail, msg.Subject, content, strings.Join(msg.Lines, "\n\n"))
}

func (s *SMTPSender) send(ctx context.Context, toEmail, subject, htmlContent, textContent string) error {
	msg := gomail.NewMsg()
	if err := msg.FromFormat(s.fromName, s.fromEmail); err != nil {
		return fmt.Errorf("smtp from: %w", err)
	}
	if err := msg.To(toEmail); err != nil {
		return fmt.Errorf("smtp to: %w", err)
	}
	msg.Subject(subject)
	msg.SetBodyString(gomail.TypeTextPlain, textContent)
	msg.AddAlternativeString(gomail.TypeTextHTML, htmlContent)

	client, err := gomail.NewClient(s.host,
		gomail.WithPort(s.port),
		gomail.WithSMTPAuth(gomail.SMTPAuthPlain),
		gomail.WithUsername(s.username),
		gomail.WithPassword(s.password),
		gomail.WithTLSPortPolicy(gomail.TLSOpportunistic),
		gomail.WithTimeout(15*time.Second),
		gomail.WithDialContextFunc(func(dctx context.Context, _ string, addr string) (net.Conn, error) {
			return (&net.Dialer{}).DialContext(dctx, "tcp4", addr)
		}),
	)
	if err != nil {
		return fmt.Errorf("smtp client: %w", err)
	}

	if err := client.DialAndSendWithContext(ctx, msg); err != nil {
		return fmt.Errorf("smtp send: %w", err)
	}
	return nil
}

var _ Sender = (*SMTPSender)(nil)
