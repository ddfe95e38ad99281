// Package smtptest provides an in-process SMTP relay that records every
// accepted message. It is used by tests that exercise the real SMTP client
// path end to end.
package smtptest

import (
	"bytes"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/emersion/go-sasl"
	gosmtp "github.com/emersion/go-smtp"
)

// Message is a single message accepted by the relay.
type Message struct {
	From     string
	To       []string
	Data     []byte
	AuthUser string
}

// Options configures the relay.
type Options struct {
	// Username and Password enable AUTH PLAIN. When Username is empty the relay
	// accepts unauthenticated mail.
	Username string
	Password string

	// RejectRecipients lists addresses answered with a permanent 550.
	RejectRecipients []string

	// TLSConfig enables STARTTLS.
	TLSConfig *tls.Config
}

// Server is a running relay bound to a loopback port.
type Server struct {
	opts     Options
	srv      *gosmtp.Server
	ln       net.Listener
	mu       sync.Mutex
	messages []Message
	failData atomic.Int32
	sessions atomic.Int64
}

// Start launches a relay on 127.0.0.1 and registers a cleanup that stops it
// when the test ends.
func Start(t testing.TB, opts Options) *Server {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("smtptest: listen: %v", err)
	}

	s := &Server{opts: opts, ln: ln}
	srv := gosmtp.NewServer(&backend{server: s})
	srv.Domain = "smtptest.local"
	srv.ReadTimeout = 10 * time.Second
	srv.WriteTimeout = 10 * time.Second
	srv.AllowInsecureAuth = true
	srv.TLSConfig = opts.TLSConfig
	s.srv = srv

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, gosmtp.ErrServerClosed) && !errors.Is(err, net.ErrClosed) {
			t.Logf("smtptest: serve: %v", err)
		}
	}()

	t.Cleanup(func() { _ = srv.Close() })
	return s
}

// SelfSignedTLS returns a server TLS config carrying the httptest certificate,
// which is valid for 127.0.0.1. Clients need InsecureSkipVerify or the
// certificate pool of an httptest TLS server.
func SelfSignedTLS(t testing.TB) *tls.Config {
	t.Helper()
	ts := httptest.NewTLSServer(http.NotFoundHandler())
	defer ts.Close()
	return &tls.Config{Certificates: ts.TLS.Certificates}
}

// Addr returns the host:port the relay listens on.
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// HostPort splits Addr into host and numeric port.
func (s *Server) HostPort() (string, int) {
	tcp := s.ln.Addr().(*net.TCPAddr)
	return tcp.IP.String(), tcp.Port
}

// Close stops the relay. Subsequent connection attempts fail, including when
// Serve has not picked up the listener yet.
func (s *Server) Close() error {
	err := s.srv.Close()
	if lnErr := s.ln.Close(); lnErr != nil && !errors.Is(lnErr, net.ErrClosed) && err == nil {
		err = lnErr
	}
	return err
}

// FailNextData makes the next n DATA commands answer with a transient 451.
func (s *Server) FailNextData(n int) {
	s.failData.Store(int32(n))
}

// Messages returns a copy of every accepted message in arrival order.
func (s *Server) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// Sessions reports how many SMTP sessions have been opened.
func (s *Server) Sessions() int64 {
	return s.sessions.Load()
}

func (s *Server) record(m Message) {
	s.mu.Lock()
	s.messages = append(s.messages, m)
	s.mu.Unlock()
}

func (s *Server) rejects(addr string) bool {
	for _, r := range s.opts.RejectRecipients {
		if strings.EqualFold(r, addr) {
			return true
		}
	}
	return false
}

type backend struct {
	server *Server
}

func (b *backend) NewSession(_ *gosmtp.Conn) (gosmtp.Session, error) {
	b.server.sessions.Add(1)
	return &session{server: b.server}, nil
}

// session implements gosmtp.Session and gosmtp.AuthSession.
type session struct {
	server        *Server
	authenticated bool
	user          string
	from          string
	to            []string
}

func (s *session) AuthMechanisms() []string {
	return []string{sasl.Plain}
}

func (s *session) Auth(mech string) (sasl.Server, error) {
	return sasl.NewPlainServer(func(_, username, password string) error {
		if username != s.server.opts.Username || password != s.server.opts.Password {
			return &gosmtp.SMTPError{
				Code:         535,
				EnhancedCode: gosmtp.EnhancedCode{5, 7, 8},
				Message:      "Authentication failed",
			}
		}
		s.authenticated = true
		s.user = username
		return nil
	}), nil
}

func (s *session) authRequired() error {
	if s.server.opts.Username == "" || s.authenticated {
		return nil
	}
	return &gosmtp.SMTPError{
		Code:         530,
		EnhancedCode: gosmtp.EnhancedCode{5, 7, 0},
		Message:      "Authentication required",
	}
}

func (s *session) Mail(from string, _ *gosmtp.MailOptions) error {
	if err := s.authRequired(); err != nil {
		return err
	}
	s.from = from
	return nil
}

func (s *session) Rcpt(to string, _ *gosmtp.RcptOptions) error {
	if err := s.authRequired(); err != nil {
		return err
	}
	if s.server.rejects(to) {
		return &gosmtp.SMTPError{
			Code:         550,
			EnhancedCode: gosmtp.EnhancedCode{5, 1, 1},
			Message:      "Mailbox unavailable",
		}
	}
	s.to = append(s.to, to)
	return nil
}

func (s *session) Data(r io.Reader) error {
	if err := s.authRequired(); err != nil {
		return err
	}
	if len(s.to) == 0 {
		return &gosmtp.SMTPError{
			Code:         503,
			EnhancedCode: gosmtp.EnhancedCode{5, 5, 1},
			Message:      "No recipients specified",
		}
	}

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, r); err != nil {
		return err
	}

	for {
		n := s.server.failData.Load()
		if n <= 0 {
			break
		}
		if s.server.failData.CompareAndSwap(n, n-1) {
			return &gosmtp.SMTPError{
				Code:         451,
				EnhancedCode: gosmtp.EnhancedCode{4, 3, 0},
				Message:      "Temporary failure",
			}
		}
	}

	s.server.record(Message{
		From:     s.from,
		To:       append([]string(nil), s.to...),
		Data:     buf.Bytes(),
		AuthUser: s.user,
	})
	return nil
}

func (s *session) Reset() {
	s.from = ""
	s.to = nil
}

func (s *session) Logout() error {
	return nil
}
