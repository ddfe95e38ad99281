package mailer

import (
	"bytes"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/gomail.v2"

	"github.com/sungwon/email-notifier/internal/notification"
	"github.com/sungwon/email-notifier/internal/render"
)

// ErrCompose is returned when a rendered message cannot be turned into a
// valid RFC 5322 message. Retrying does not help.
var ErrCompose = errors.New("compose message")

// Composer builds the wire form of an outgoing message.
type Composer struct {
	sender     string
	senderName string
	domain     string
	now        func() time.Time
}

// NewComposer validates the sender address and returns a Composer.
func NewComposer(sender, senderName string) (*Composer, error) {
	addr, err := mail.ParseAddress(sender)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid sender %q: %w", ErrCompose, sender, err)
	}
	domain := "localhost"
	if i := strings.LastIndex(addr.Address, "@"); i >= 0 {
		domain = addr.Address[i+1:]
	}
	return &Composer{
		sender:     addr.Address,
		senderName: senderName,
		domain:     domain,
		now:        time.Now,
	}, nil
}

// Sender returns the envelope sender address.
func (c *Composer) Sender() string {
	return c.sender
}

// Compose renders msg for a single recipient. HTML bodies are sent as
// multipart/alternative with a plain-text fallback.
func (c *Composer) Compose(requestID, to string, msg notification.RenderedMessage) ([]byte, error) {
	rcpt, err := mail.ParseAddress(to)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid recipient %q: %w", ErrCompose, to, err)
	}

	m := gomail.NewMessage()
	m.SetAddressHeader("From", c.sender, c.senderName)
	m.SetHeader("To", rcpt.Address)
	m.SetHeader("Subject", msg.Subject)
	m.SetDateHeader("Date", c.now())
	m.SetHeader("Message-ID", fmt.Sprintf("<%s@%s>", uuid.NewString(), c.domain))
	if requestID != "" {
		m.SetHeader("X-Request-ID", requestID)
	}

	if msg.HTML {
		m.SetBody("text/plain", render.PlainText(msg.Body))
		m.AddAlternative("text/html", msg.Body)
	} else {
		m.SetBody("text/plain", msg.Body)
	}

	var buf bytes.Buffer
	if _, err := m.WriteTo(&buf); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrCompose, err)
	}
	return buf.Bytes(), nil
}
