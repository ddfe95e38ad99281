// Package retry runs single-call operations under a bounded exponential
// backoff policy.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
)

// Policy bounds how often and how patiently an operation is retried.
type Policy struct {
	// MaxAttempts is the total number of calls, including the first.
	MaxAttempts int `mapstructure:"max_attempts"`
	// InitialInterval is the wait after the first failed attempt.
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	// Multiplier scales the wait after every further failure.
	Multiplier float64 `mapstructure:"multiplier"`
}

// Default returns 3 attempts waiting 500ms, then 1s.
func Default() Policy {
	return Policy{
		MaxAttempts:     3,
		InitialInterval: 500 * time.Millisecond,
		Multiplier:      2,
	}
}

// Permanent marks err as not worth retrying. Do stops at once and returns
// err itself.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var pe *backoff.PermanentError
	return errors.As(err, &pe)
}

func (p Policy) backOff(ctx context.Context) backoff.BackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = p.InitialInterval
	eb.Multiplier = p.Multiplier
	eb.RandomizationFactor = 0
	eb.MaxInterval = time.Hour
	eb.MaxElapsedTime = 0

	retries := p.MaxAttempts - 1
	if retries < 0 {
		retries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(retries)), ctx)
}

// Do calls op until it succeeds, returns a permanent error, or the attempts
// are used up. The last error is returned. Waits between attempts block the
// caller and end early if ctx is cancelled.
func (p Policy) Do(ctx context.Context, name string, log zerolog.Logger, op func(ctx context.Context) error) error {
	attempt := 0
	stopped := false
	operation := func() error {
		attempt++
		err := op(ctx)
		stopped = IsPermanent(err)
		return err
	}
	notify := func(err error, wait time.Duration) {
		log.Warn().
			Err(err).
			Str("operation", name).
			Int("attempt", attempt).
			Int("max_attempts", p.MaxAttempts).
			Dur("backoff", wait).
			Msg("attempt failed, retrying")
	}

	err := backoff.RetryNotify(operation, p.backOff(ctx), notify)
	if err == nil {
		return nil
	}

	if !stopped && ctx.Err() == nil {
		log.Error().
			Err(err).
			Str("operation", name).
			Int("attempts", attempt).
			Msg("retries exhausted")
	}
	return err
}
