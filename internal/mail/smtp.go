package mail

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"gopkg.in/gomail.v2"

	"github.com/randylampa/mailqueue/pkg/types"
)

// Transport performs protocol-level delivery of a resolved message
// through a chosen sender account
type Transport interface {
	Send(account *Account, m *types.Message) error
	Close() error
}

// SMTPTransport delivers mail over SMTP. It keeps one open connection per
// sender account across messages within a run and builds a fresh wire
// message for every send, so no recipients, attachments or headers leak
// from one message into the next.
type SMTPTransport struct {
	logger  *logrus.Logger
	senders map[string]gomail.SendCloser
}

// NewSMTPTransport creates a transport with an empty connection pool
func NewSMTPTransport(logger *logrus.Logger) *SMTPTransport {
	return &SMTPTransport{
		logger:  logger,
		senders: make(map[string]gomail.SendCloser),
	}
}

// Send delivers one message through the account's pooled connection,
// dialing it on first use
func (t *SMTPTransport) Send(account *Account, m *types.Message) error {
	key := account.Key()

	sender, ok := t.senders[key]
	if !ok {
		dialer := gomail.NewDialer(account.Host, account.Port, account.Username, account.Password)
		dialer.SSL = account.Port == 465

		var err error
		sender, err = dialer.Dial()
		if err != nil {
			return fmt.Errorf("failed to connect to %s: %w", account.Identity(), err)
		}
		t.senders[key] = sender
		t.logger.WithField("account", account.Name).Debug("Opened SMTP connection")
	}

	wire := buildWireMessage(account, m)
	if err := gomail.Send(sender, wire); err != nil {
		// Drop the connection; the next send through this account redials
		sender.Close()
		delete(t.senders, key)
		return fmt.Errorf("failed to send via %s: %w", account.Identity(), err)
	}

	return nil
}

// Close closes all pooled connections
func (t *SMTPTransport) Close() error {
	var firstErr error
	for key, sender := range t.senders {
		if err := sender.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(t.senders, key)
	}
	return firstErr
}

// buildWireMessage renders a queued message into the wire format. When the
// account enforces an envelope sender and the message author differs, the
// mail goes out from the account address with the author's display name
// and the author address moves to Reply-To, so replies still reach them.
func buildWireMessage(account *Account, m *types.Message) *gomail.Message {
	wire := gomail.NewMessage()

	sender := m.Sender
	if sender == nil {
		sender = &types.Address{Email: account.SenderAddress}
	}
	if account.SenderAddress != "" && sender.Email != account.SenderAddress {
		wire.SetAddressHeader("From", account.SenderAddress, sender.Name)
		wire.SetAddressHeader("Reply-To", sender.Email, sender.Name)
	} else {
		wire.SetAddressHeader("From", sender.Email, sender.Name)
	}
	if m.ReplyTo != nil {
		wire.SetAddressHeader("Reply-To", m.ReplyTo.Email, m.ReplyTo.Name)
	}

	if len(m.Recipients.To) > 0 {
		wire.SetHeader("To", formatForWire(wire, m.Recipients.To)...)
	}
	if len(m.Recipients.Cc) > 0 {
		wire.SetHeader("Cc", formatForWire(wire, m.Recipients.Cc)...)
	}
	if len(m.Recipients.Bcc) > 0 {
		wire.SetHeader("Bcc", formatForWire(wire, m.Recipients.Bcc)...)
	}

	wire.SetHeader("Subject", m.Subject)
	wire.SetHeader("Precedence", "bulk")

	if m.Body.HTML != "" {
		if m.Body.Text != "" {
			wire.SetBody("text/plain", m.Body.Text)
			wire.AddAlternative("text/html", m.Body.HTML)
		} else {
			wire.SetBody("text/html", m.Body.HTML)
		}
	} else {
		wire.SetBody("text/plain", m.Body.Text)
	}

	for _, a := range m.Attachments {
		settings := fileSettings(a)
		if a.Kind == types.AttachmentEmbedded {
			wire.Embed(a.Path, settings...)
		} else {
			wire.Attach(a.Path, settings...)
		}
	}

	return wire
}

func formatForWire(wire *gomail.Message, addrs []types.Address) []string {
	formatted := make([]string, 0, len(addrs))
	for _, a := range addrs {
		formatted = append(formatted, wire.FormatAddress(a.Email, a.Name))
	}
	return formatted
}

func fileSettings(a types.Attachment) []gomail.FileSetting {
	var settings []gomail.FileSetting
	// Embedded files are referenced by content id from the HTML body
	if a.Kind == types.AttachmentEmbedded && a.ContentID != "" {
		settings = append(settings, gomail.Rename(a.ContentID))
	} else if a.Name != "" {
		settings = append(settings, gomail.Rename(a.Name))
	}
	if a.MimeType != "" {
		settings = append(settings, gomail.SetHeader(map[string][]string{
			"Content-Type": {a.MimeType},
		}))
	}
	return settings
}
