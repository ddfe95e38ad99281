// Package mailer composes rendered notifications and submits them to the
// upstream SMTP relay behind a circuit breaker.
package mailer

import (
	"context"
	"errors"
	"fmt"
	"time"

	gosmtp "github.com/emersion/go-smtp"
	"github.com/rs/zerolog"

	"github.com/sungwon/email-notifier/internal/breaker"
	"github.com/sungwon/email-notifier/internal/metrics"
	"github.com/sungwon/email-notifier/internal/notification"
)

var (
	// ErrTransient wraps every submission failure. The message may succeed
	// if redelivered later.
	ErrTransient = errors.New("smtp submission failed")

	// ErrCircuitOpen is returned without contacting the relay while the
	// breaker is open. It also matches ErrTransient.
	ErrCircuitOpen = fmt.Errorf("%w: circuit open", ErrTransient)
)

// Sender performs a single SMTP submission.
type Sender interface {
	Send(ctx context.Context, from string, to []string, data []byte) error
}

// Dispatcher sends one message per call. Composition happens before the
// breaker so malformed messages never count against the relay.
type Dispatcher struct {
	composer *Composer
	sender   Sender
	breaker  *breaker.Breaker
	log      zerolog.Logger
}

// NewDispatcher wires a composer, a sender and a breaker together.
func NewDispatcher(composer *Composer, sender Sender, cb *breaker.Breaker, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		composer: composer,
		sender:   sender,
		breaker:  cb,
		log:      log,
	}
}

// Send composes msg for to and submits it. Errors match either ErrCompose or
// ErrTransient.
func (d *Dispatcher) Send(ctx context.Context, requestID, to string, msg notification.RenderedMessage) error {
	data, err := d.composer.Compose(requestID, to, msg)
	if err != nil {
		return err
	}

	start := time.Now()
	err = d.breaker.Execute(func() error {
		return d.sender.Send(ctx, d.composer.Sender(), []string{to}, data)
	})
	metrics.MailSendDuration.Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
		metrics.MailSendTotal.WithLabelValues("sent").Inc()
		d.log.Info().
			Str("request_id", requestID).
			Int("size", len(data)).
			Msg("email submitted")
		return nil
	case errors.Is(err, breaker.ErrOpen):
		metrics.MailSendTotal.WithLabelValues("circuit_open").Inc()
		d.log.Warn().
			Str("request_id", requestID).
			Str("breaker_state", d.breaker.State()).
			Msg("smtp circuit open, submission skipped")
		return ErrCircuitOpen
	default:
		result := "failed"
		var smtpErr *gosmtp.SMTPError
		if errors.As(err, &smtpErr) && smtpErr.Code >= 500 {
			result = "rejected"
		}
		metrics.MailSendTotal.WithLabelValues(result).Inc()
		d.log.Error().Err(err).
			Str("request_id", requestID).
			Str("result", result).
			Msg("smtp submission failed")
		return fmt.Errorf("%w: %w", ErrTransient, err)
	}
}
