// Package status writes best-effort delivery status records.
package status

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/sungwon/email-notifier/internal/logger"
	"github.com/sungwon/email-notifier/internal/metrics"
	"github.com/sungwon/email-notifier/internal/notification"
	"github.com/sungwon/email-notifier/internal/retry"
)

// Record is one status update for a request.
type Record struct {
	RequestID string
	Status    notification.Status
	Error     string
	UpdatedAt time.Time
}

// Sink persists status records somewhere.
type Sink interface {
	Name() string
	Write(ctx context.Context, rec Record) error
}

// Reporter fans a status update out to every sink. It never returns an
// error: failures are logged and counted.
type Reporter struct {
	sinks   []Sink
	policy  retry.Policy
	timeout time.Duration
	log     zerolog.Logger
	now     func() time.Time
}

// NewReporter creates a Reporter. Each sink write is retried under policy
// and bounded by timeout per attempt. A zero timeout means 5s.
func NewReporter(log zerolog.Logger, policy retry.Policy, timeout time.Duration, sinks ...Sink) *Reporter {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Reporter{
		sinks:   sinks,
		policy:  policy,
		timeout: timeout,
		log:     log,
		now:     time.Now,
	}
}

// Report writes status for requestID to every sink. errMsg may be empty.
func (r *Reporter) Report(ctx context.Context, requestID string, st notification.Status, errMsg string) {
	rec := Record{
		RequestID: requestID,
		Status:    st,
		Error:     errMsg,
		UpdatedAt: r.now().UTC(),
	}

	log := logger.FromContextOr(ctx, r.log.With().Str("request_id", requestID).Logger())
	log.Info().
		Str("status", string(st)).
		Msg("reporting status")

	for _, sink := range r.sinks {
		err := r.policy.Do(ctx, "status."+sink.Name(), log, func(ctx context.Context) error {
			writeCtx, cancel := context.WithTimeout(ctx, r.timeout)
			defer cancel()
			return sink.Write(writeCtx, rec)
		})
		if err != nil {
			metrics.StatusReportFailuresTotal.WithLabelValues(sink.Name()).Inc()
			log.Error().
				Err(err).
				Str("sink", sink.Name()).
				Msg("could not report status")
		}
	}
}
