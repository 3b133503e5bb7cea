package restage

import (
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/wneessen/go-mail"

	"github.com/kestrelworks/dtnd/pkg/log"
)

// Mailer dispatches state-transition notifications.
type Mailer interface {
	Notify(subject, body string) error
}

// SMTPMailer sends notifications through the configured MTA.
type SMTPMailer struct {
	host string
	port int
	from string
	to   []string
}

// NewSMTPMailer builds a mailer for host:port.
func NewSMTPMailer(host string, port int, from string, to []string) *SMTPMailer {
	return &SMTPMailer{host: host, port: port, from: from, to: to}
}

// Notify sends one message, retrying transient SMTP failures with
// exponential backoff.
func (m *SMTPMailer) Notify(subject, body string) error {
	if len(m.to) == 0 {
		return nil
	}
	msg := mail.NewMsg()
	if err := msg.From(m.from); err != nil {
		return fmt.Errorf("restage: mail from: %w", err)
	}
	if err := msg.To(m.to...); err != nil {
		return fmt.Errorf("restage: mail to: %w", err)
	}
	msg.Subject(subject)
	msg.SetBodyString(mail.TypeTextPlain, body)

	client, err := mail.NewClient(m.host, mail.WithPort(m.port),
		mail.WithTLSPolicy(mail.TLSOpportunistic))
	if err != nil {
		return fmt.Errorf("restage: mail client: %w", err)
	}

	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = 30 * time.Second
	err = backoff.Retry(func() error {
		return client.DialAndSend(msg)
	}, policy)
	if err != nil {
		return fmt.Errorf("restage: mail send: %w", err)
	}
	return nil
}

// nullMailer drops notifications when email is disabled.
type nullMailer struct{}

func (nullMailer) Notify(subject, body string) error {
	logger := log.WithComponent("restage")
	logger.Debug().
		Str("subject", subject).
		Msg("email disabled, notification dropped")
	return nil
}
