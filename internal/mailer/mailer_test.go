package mailer

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/mail"
	"strings"
	"testing"
	"time"

	gosmtp "github.com/emersion/go-smtp"
	"github.com/rs/zerolog"

	"github.com/sungwon/email-notifier/internal/breaker"
	"github.com/sungwon/email-notifier/internal/notification"
	"github.com/sungwon/email-notifier/internal/smtptest"
)

// mockSender implements Sender for testing.
type mockSender struct {
	sendFn func(ctx context.Context, from string, to []string, data []byte) error
	calls  int
}

func (m *mockSender) Send(ctx context.Context, from string, to []string, data []byte) error {
	m.calls++
	if m.sendFn != nil {
		return m.sendFn(ctx, from, to, data)
	}
	return nil
}

func newComposer(t *testing.T) *Composer {
	t.Helper()
	c, err := NewComposer("noreply@example.com", "Notifications")
	if err != nil {
		t.Fatalf("NewComposer() error = %v", err)
	}
	c.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return c
}

func parse(t *testing.T, data []byte) *mail.Message {
	t.Helper()
	msg, err := mail.ReadMessage(bytes.NewReader(data))
	if err != nil {
		t.Fatalf("ReadMessage() error = %v", err)
	}
	return msg
}

func TestNewComposer_InvalidSender(t *testing.T) {
	_, err := NewComposer("not-an-address", "")
	if !errors.Is(err, ErrCompose) {
		t.Errorf("expected ErrCompose, got %v", err)
	}
}

func TestCompose_PlainText(t *testing.T) {
	c := newComposer(t)

	data, err := c.Compose("req-1", "ada@example.com", notification.RenderedMessage{
		Subject: "Welcome",
		Body:    "Hello Ada",
	})
	if err != nil {
		t.Fatalf("Compose() error = %v", err)
	}

	msg := parse(t, data)
	from, err := mail.ParseAddress(msg.Header.Get("From"))
	if err != nil {
		t.Fatalf("parse From: %v", err)
	}
	if from.Address != "noreply@example.com" || from.Name != "Notifications" {
		t.Errorf("From = %+v", from)
	}
	if got := msg.Header.Get("To"); got != "ada@example.com" {
		t.Errorf("To = %q", got)
	}
	if got := msg.Header.Get("Subject"); got != "Welcome" {
		t.Errorf("Subject = %q", got)
	}
	if got := msg.Header.Get("X-Request-ID"); got != "req-1" {
		t.Errorf("X-Request-ID = %q", got)
	}
	if got := msg.Header.Get("Message-ID"); !strings.HasSuffix(got, "@example.com>") {
		t.Errorf("Message-ID = %q", got)
	}
	if got := msg.Header.Get("Content-Type"); !strings.HasPrefix(got, "text/plain") {
		t.Errorf("Content-Type = %q", got)
	}
	body, _ := io.ReadAll(msg.Body)
	if !strings.Contains(string(body), "Hello Ada") {
		t.Errorf("body = %q", body)
	}
}

func TestCompose_HTMLAddsAlternative(t *testing.T) {
	c := newComposer(t)

	data, err := c.Compose("req-2", "ada@example.com", notification.RenderedMessage{
		Subject: "Welcome",
		Body:    "<p>Hello Ada</p>",
		HTML:    true,
	})
	if err != nil {
		t.Fatalf("Compose() error = %v", err)
	}

	msg := parse(t, data)
	if got := msg.Header.Get("Content-Type"); !strings.HasPrefix(got, "multipart/alternative") {
		t.Fatalf("Content-Type = %q, want multipart/alternative", got)
	}
	body, _ := io.ReadAll(msg.Body)
	for _, want := range []string{"text/plain", "text/html"} {
		if !strings.Contains(string(body), want) {
			t.Errorf("body missing %s part", want)
		}
	}
}

func TestCompose_InvalidRecipient(t *testing.T) {
	c := newComposer(t)
	_, err := c.Compose("req-3", "nobody", notification.RenderedMessage{Subject: "x", Body: "y"})
	if !errors.Is(err, ErrCompose) {
		t.Errorf("expected ErrCompose, got %v", err)
	}
}

func TestDispatcher_Success(t *testing.T) {
	sender := &mockSender{
		sendFn: func(_ context.Context, from string, to []string, data []byte) error {
			if from != "noreply@example.com" {
				t.Errorf("from = %q", from)
			}
			if len(to) != 1 || to[0] != "ada@example.com" {
				t.Errorf("to = %v", to)
			}
			if len(data) == 0 {
				t.Error("empty message data")
			}
			return nil
		},
	}
	cb := breaker.New("test-dispatch-ok", breaker.DefaultSettings(), zerolog.Nop())
	d := NewDispatcher(newComposer(t), sender, cb, zerolog.Nop())

	err := d.Send(context.Background(), "req-1", "ada@example.com", notification.RenderedMessage{Subject: "Hi", Body: "Hello"})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if sender.calls != 1 {
		t.Errorf("sender calls = %d, want 1", sender.calls)
	}
}

func TestDispatcher_FailureIsTransient(t *testing.T) {
	relayErr := &gosmtp.SMTPError{Code: 451, Message: "try later"}
	sender := &mockSender{
		sendFn: func(context.Context, string, []string, []byte) error { return relayErr },
	}
	cb := breaker.New("test-dispatch-fail", breaker.DefaultSettings(), zerolog.Nop())
	d := NewDispatcher(newComposer(t), sender, cb, zerolog.Nop())

	err := d.Send(context.Background(), "req-1", "ada@example.com", notification.RenderedMessage{Subject: "Hi", Body: "Hello"})
	if !errors.Is(err, ErrTransient) {
		t.Fatalf("expected ErrTransient, got %v", err)
	}
	var smtpErr *gosmtp.SMTPError
	if !errors.As(err, &smtpErr) || smtpErr.Code != 451 {
		t.Errorf("expected wrapped SMTP error, got %v", err)
	}
}

func TestDispatcher_CircuitOpensAfterThreshold(t *testing.T) {
	sender := &mockSender{
		sendFn: func(context.Context, string, []string, []byte) error { return errors.New("connection refused") },
	}
	cb := breaker.New("test-dispatch-open", breaker.Settings{FailureThreshold: 5, Cooldown: time.Minute}, zerolog.Nop())
	d := NewDispatcher(newComposer(t), sender, cb, zerolog.Nop())
	msg := notification.RenderedMessage{Subject: "Hi", Body: "Hello"}

	for i := 0; i < 5; i++ {
		if err := d.Send(context.Background(), "req", "ada@example.com", msg); errors.Is(err, ErrCircuitOpen) {
			t.Fatalf("send #%d: circuit opened early", i+1)
		}
	}

	err := d.Send(context.Background(), "req", "ada@example.com", msg)
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if !errors.Is(err, ErrTransient) {
		t.Error("ErrCircuitOpen should match ErrTransient")
	}
	if sender.calls != 5 {
		t.Errorf("sender calls = %d, want 5", sender.calls)
	}
}

func TestDispatcher_ComposeErrorBypassesBreaker(t *testing.T) {
	sender := &mockSender{}
	cb := breaker.New("test-dispatch-compose", breaker.Settings{FailureThreshold: 1, Cooldown: time.Minute}, zerolog.Nop())
	d := NewDispatcher(newComposer(t), sender, cb, zerolog.Nop())

	err := d.Send(context.Background(), "req", "bad address", notification.RenderedMessage{Subject: "Hi", Body: "Hello"})
	if !errors.Is(err, ErrCompose) {
		t.Fatalf("expected ErrCompose, got %v", err)
	}
	if errors.Is(err, ErrTransient) {
		t.Error("compose error must not be transient")
	}
	if sender.calls != 0 {
		t.Errorf("sender calls = %d, want 0", sender.calls)
	}
	if got := cb.State(); got != "closed" {
		t.Errorf("breaker state = %q, want closed", got)
	}
}

func TestSMTPSender_DeliversToRelay(t *testing.T) {
	relay := smtptest.Start(t, smtptest.Options{Username: "worker", Password: "secret"})
	host, port := relay.HostPort()

	s := NewSMTPSender(Config{
		Host:     host,
		Port:     port,
		Username: "worker",
		Password: "secret",
		TLSMode:  TLSNone,
		Timeout:  5 * time.Second,
	})

	data := []byte("Subject: hi\r\n\r\nhello\r\n")
	if err := s.Send(context.Background(), "noreply@example.com", []string{"ada@example.com"}, data); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	msgs := relay.Messages()
	if len(msgs) != 1 {
		t.Fatalf("relay recorded %d messages, want 1", len(msgs))
	}
	if msgs[0].AuthUser != "worker" {
		t.Errorf("AuthUser = %q", msgs[0].AuthUser)
	}
	if msgs[0].From != "noreply@example.com" {
		t.Errorf("From = %q", msgs[0].From)
	}
}

func TestSMTPSender_TransientDataFailure(t *testing.T) {
	relay := smtptest.Start(t, smtptest.Options{})
	relay.FailNextData(1)
	host, port := relay.HostPort()

	s := NewSMTPSender(Config{Host: host, Port: port, Timeout: 5 * time.Second})
	err := s.Send(context.Background(), "noreply@example.com", []string{"ada@example.com"}, []byte("hi\r\n"))

	var smtpErr *gosmtp.SMTPError
	if !errors.As(err, &smtpErr) || smtpErr.Code != 451 {
		t.Fatalf("expected 451, got %v", err)
	}
	if len(relay.Messages()) != 0 {
		t.Error("message should not be recorded")
	}
}

func TestSMTPSender_StartTLSRequired(t *testing.T) {
	relay := smtptest.Start(t, smtptest.Options{})
	host, port := relay.HostPort()

	s := NewSMTPSender(Config{Host: host, Port: port, TLSMode: TLSStartTLS, Timeout: 5 * time.Second})
	err := s.Send(context.Background(), "noreply@example.com", []string{"ada@example.com"}, []byte("hi\r\n"))
	if err == nil || !strings.Contains(err.Error(), "STARTTLS") {
		t.Fatalf("expected STARTTLS error, got %v", err)
	}
}

func TestSMTPSender_StartTLSDelivers(t *testing.T) {
	relay := smtptest.Start(t, smtptest.Options{
		Username:  "worker",
		Password:  "secret",
		TLSConfig: smtptest.SelfSignedTLS(t),
	})
	host, port := relay.HostPort()

	s := NewSMTPSender(Config{
		Host:               host,
		Port:               port,
		Username:           "worker",
		Password:           "secret",
		TLSMode:            TLSStartTLS,
		InsecureSkipVerify: true,
		HeloName:           "worker.example.com",
		Timeout:            5 * time.Second,
	})
	if err := s.Send(context.Background(), "noreply@example.com", []string{"ada@example.com"}, []byte("hi\r\n")); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	msgs := relay.Messages()
	if len(msgs) != 1 {
		t.Fatalf("relay recorded %d messages, want 1", len(msgs))
	}
	if msgs[0].AuthUser != "worker" {
		t.Errorf("AuthUser = %q", msgs[0].AuthUser)
	}
}

func TestSMTPSender_RelayDown(t *testing.T) {
	relay := smtptest.Start(t, smtptest.Options{})
	host, port := relay.HostPort()
	if err := relay.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	s := NewSMTPSender(Config{Host: host, Port: port, Timeout: time.Second})
	err := s.Send(context.Background(), "noreply@example.com", []string{"ada@example.com"}, []byte("hi\r\n"))
	if err == nil || !strings.Contains(err.Error(), "dial") {
		t.Fatalf("expected dial error, got %v", err)
	}
	if relay.Sessions() != 0 {
		t.Errorf("relay opened %d sessions after Close", relay.Sessions())
	}
}
