// Package breaker guards a flaky downstream call with a circuit breaker.
package breaker

import (
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/sungwon/email-notifier/internal/metrics"
)

// ErrOpen is returned without invoking the guarded call while the breaker is
// open, or while its single half-open probe is in flight.
var ErrOpen = errors.New("circuit breaker is open")

// Settings configures when the breaker trips and how long it stays open.
type Settings struct {
	FailureThreshold uint32        `mapstructure:"failure_threshold"`
	Cooldown         time.Duration `mapstructure:"cooldown"`
}

// DefaultSettings trips after 5 consecutive failures and cools down for 30s.
func DefaultSettings() Settings {
	return Settings{
		FailureThreshold: 5,
		Cooldown:         30 * time.Second,
	}
}

// Breaker is safe for concurrent use.
type Breaker struct {
	cb  *gobreaker.CircuitBreaker
	log zerolog.Logger
}

// New creates a closed breaker.
func New(name string, s Settings, log zerolog.Logger) *Breaker {
	if s.FailureThreshold == 0 {
		s.FailureThreshold = DefaultSettings().FailureThreshold
	}
	if s.Cooldown <= 0 {
		s.Cooldown = DefaultSettings().Cooldown
	}

	b := &Breaker{log: log.With().Str("breaker", name).Logger()}
	b.cb = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     s.Cooldown,
		ReadyToTrip: func(c gobreaker.Counts) bool {
			return c.ConsecutiveFailures >= s.FailureThreshold
		},
		OnStateChange: b.onStateChange,
	})
	metrics.CircuitBreakerState.WithLabelValues(name).Set(stateValue(gobreaker.StateClosed))
	return b
}

func (b *Breaker) onStateChange(name string, from, to gobreaker.State) {
	metrics.CircuitBreakerState.WithLabelValues(name).Set(stateValue(to))

	ev := b.log.Info()
	if to == gobreaker.StateOpen {
		ev = b.log.Error()
	}
	ev.Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state changed")
}

// Execute runs fn unless the breaker is open. Any error from fn counts as a
// failure.
func (b *Breaker) Execute(fn func() error) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrOpen
	}
	return err
}

// State returns "closed", "half-open" or "open".
func (b *Breaker) State() string {
	return b.cb.State().String()
}

func stateValue(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}
