// Package mailer delivers finished PDFs to the requesting address over SMTP.
package mailer

import (
	"bytes"
	"context"
	"fmt"

	mail "github.com/wneessen/go-mail"

	"github.com/JannisBe/imagetopdfconverter/internal/config"
)

const (
	subject = "Your converted PDF file"
	body    = "Please find attached your converted PDF file."
)

// Mailer composes and sends the notification email with the PDF attached.
// Transport failures are returned as errors, never panics; the caller records
// the message text on the upload.
type Mailer struct {
	host     string
	port     int
	username string
	password string
	from     string
}

// New builds a Mailer from SMTP configuration.
func New(cfg *config.Config) *Mailer {
	return &Mailer{
		host:     cfg.SMTPHost,
		port:     cfg.SMTPPort,
		username: cfg.SMTPUsername,
		password: cfg.SMTPPassword,
		from:     cfg.FromAddress,
	}
}

// Send mails the PDF to recipient with the attachment named filename.
func (m *Mailer) Send(ctx context.Context, recipient string, pdf []byte, filename string) error {
	msg, err := m.compose(recipient, pdf, filename)
	if err != nil {
		return err
	}
	opts := []mail.Option{
		mail.WithPort(m.port),
		mail.WithTLSPolicy(mail.TLSOpportunistic),
	}
	if m.username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthPlain),
			mail.WithUsername(m.username),
			mail.WithPassword(m.password),
		)
	}
	client, err := mail.NewClient(m.host, opts...)
	if err != nil {
		return fmt.Errorf("smtp client: %w", err)
	}
	if err := client.DialAndSendWithContext(ctx, msg); err != nil {
		return fmt.Errorf("send mail: %w", err)
	}
	return nil
}

func (m *Mailer) compose(recipient string, pdf []byte, filename string) (*mail.Msg, error) {
	msg := mail.NewMsg()
	if err := msg.From(m.from); err != nil {
		return nil, fmt.Errorf("set from address: %w", err)
	}
	if err := msg.To(recipient); err != nil {
		return nil, fmt.Errorf("set recipient: %w", err)
	}
	msg.Subject(subject)
	msg.SetBodyString(mail.TypeTextPlain, body)
	if err := msg.AttachReader(filename, bytes.NewReader(pdf)); err != nil {
		return nil, fmt.Errorf("attach pdf: %w", err)
	}
	return msg, nil
}
