// Package pipeline drives a single notification request from deduplication
// to delivery and decides how the queue message is settled.
package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/sungwon/email-notifier/internal/enrichment"
	"github.com/sungwon/email-notifier/internal/logger"
	"github.com/sungwon/email-notifier/internal/mailer"
	"github.com/sungwon/email-notifier/internal/metrics"
	"github.com/sungwon/email-notifier/internal/notification"
	"github.com/sungwon/email-notifier/internal/queue"
	"github.com/sungwon/email-notifier/internal/render"
)

// Outcome is the terminal state of one Process call.
type Outcome string

const (
	OutcomeDelivered Outcome = "delivered"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeSkipped   Outcome = "skipped"
	OutcomeFailed    Outcome = "failed"
	OutcomeRetry     Outcome = "retry"
)

// Result carries the outcome and, for failures, the cause.
type Result struct {
	Outcome Outcome
	Err     error
}

// Disposition maps the outcome to a queue settlement. Only transient
// failures are rejected; everything else is acknowledged.
func (r Result) Disposition() queue.Disposition {
	if r.Outcome == OutcomeRetry {
		return queue.RejectNoRequeue
	}
	return queue.Ack
}

type idempotencyGuard interface {
	IsProcessed(ctx context.Context, requestID string) (bool, error)
	MarkProcessed(ctx context.Context, requestID string) error
}

type enricher interface {
	FetchUser(ctx context.Context, userID uuid.UUID) (*notification.UserProfile, error)
	FetchTemplate(ctx context.Context, code string) (*notification.Template, error)
}

type templateRenderer interface {
	Render(tmpl *notification.Template, data map[string]any) (notification.RenderedMessage, error)
}

type dispatcher interface {
	Send(ctx context.Context, requestID, to string, msg notification.RenderedMessage) error
}

type statusReporter interface {
	Report(ctx context.Context, requestID string, st notification.Status, errMsg string)
}

// Orchestrator implements queue.MessageHandler.
type Orchestrator struct {
	guard      idempotencyGuard
	enricher   enricher
	renderer   templateRenderer
	dispatcher dispatcher
	reporter   statusReporter
	log        zerolog.Logger
}

// NewOrchestrator wires the pipeline stages together.
func NewOrchestrator(
	guard idempotencyGuard,
	enricher enricher,
	renderer templateRenderer,
	dispatcher dispatcher,
	reporter statusReporter,
	log zerolog.Logger,
) *Orchestrator {
	return &Orchestrator{
		guard:      guard,
		enricher:   enricher,
		renderer:   renderer,
		dispatcher: dispatcher,
		reporter:   reporter,
		log:        log,
	}
}

// HandleMessage implements queue.MessageHandler.
func (o *Orchestrator) HandleMessage(ctx context.Context, req *notification.Request) queue.Disposition {
	return o.Process(ctx, req).Disposition()
}

// Process runs the request through every stage and returns its outcome. It
// never panics on stage errors and reports status only where the outcome is
// final for the request.
func (o *Orchestrator) Process(ctx context.Context, req *notification.Request) Result {
	start := time.Now()
	log := o.log.With().
		Str("request_id", req.RequestID).
		Stringer("user_id", req.UserID).
		Str("template_code", req.TemplateCode).
		Logger()
	ctx = logger.WithCorrelationID(ctx, req.RequestID)
	ctx = logger.WithLogger(ctx, log)

	res := o.process(ctx, log, req)

	metrics.PipelineOutcomesTotal.WithLabelValues(string(res.Outcome)).Inc()
	ev := log.Info()
	if res.Err != nil {
		ev = ev.Err(res.Err)
	}
	ev.Str("outcome", string(res.Outcome)).
		Stringer("disposition", res.Disposition()).
		Int64("duration_ms", time.Since(start).Milliseconds()).
		Msg("request processed")
	return res
}

func (o *Orchestrator) process(ctx context.Context, log zerolog.Logger, req *notification.Request) Result {
	processed, err := o.guard.IsProcessed(ctx, req.RequestID)
	if err != nil {
		log.Error().Err(err).Msg("idempotency check failed")
		return Result{Outcome: OutcomeRetry, Err: err}
	}
	if processed {
		log.Info().Msg("request already processed, skipping")
		return Result{Outcome: OutcomeDuplicate}
	}

	if req.NotificationType != notification.TypeEmail {
		log.Warn().Str("notification_type", string(req.NotificationType)).Msg("not an email notification, skipping")
		return Result{Outcome: OutcomeSkipped}
	}

	user, err := o.enricher.FetchUser(ctx, req.UserID)
	if err != nil {
		if errors.Is(err, enrichment.ErrUserNotFound) || errors.Is(err, enrichment.ErrInvalidResponse) {
			log.Error().Err(err).Msg("user lookup failed permanently")
			o.reporter.Report(ctx, req.RequestID, notification.StatusFailed, err.Error())
			return Result{Outcome: OutcomeFailed, Err: err}
		}
		log.Error().Err(err).Msg("user lookup failed")
		return Result{Outcome: OutcomeRetry, Err: err}
	}

	if !user.EmailEnabled() {
		log.Info().Msg("email notifications disabled for user")
		return Result{Outcome: OutcomeSkipped}
	}

	tmpl, err := o.enricher.FetchTemplate(ctx, req.TemplateCode)
	if err != nil {
		log.Error().Err(err).Msg("template lookup failed")
		return Result{Outcome: OutcomeRetry, Err: err}
	}

	msg, err := o.renderer.Render(tmpl, render.Data(req.Variables, user))
	if err != nil {
		log.Error().Err(err).Msg("template rendering failed")
		o.reporter.Report(ctx, req.RequestID, notification.StatusFailed, err.Error())
		return Result{Outcome: OutcomeFailed, Err: err}
	}

	if err := o.dispatcher.Send(ctx, req.RequestID, user.Email, msg); err != nil {
		if errors.Is(err, mailer.ErrTransient) {
			return Result{Outcome: OutcomeRetry, Err: err}
		}
		logger.Critical(log).Err(err).Msg("unexpected dispatch error")
		o.reporter.Report(ctx, req.RequestID, notification.StatusFailed, err.Error())
		return Result{Outcome: OutcomeFailed, Err: err}
	}

	if err := o.guard.MarkProcessed(ctx, req.RequestID); err != nil {
		log.Error().Err(err).Msg("could not record idempotency key")
	}
	o.reporter.Report(ctx, req.RequestID, notification.StatusDelivered, "")
	return Result{Outcome: OutcomeDelivered}
}
