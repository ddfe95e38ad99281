package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/sungwon/email-notifier/internal/api"
	"github.com/sungwon/email-notifier/internal/auth"
	"github.com/sungwon/email-notifier/internal/breaker"
	"github.com/sungwon/email-notifier/internal/config"
	"github.com/sungwon/email-notifier/internal/enrichment"
	"github.com/sungwon/email-notifier/internal/idempotency"
	"github.com/sungwon/email-notifier/internal/logger"
	"github.com/sungwon/email-notifier/internal/mailer"
	"github.com/sungwon/email-notifier/internal/pipeline"
	"github.com/sungwon/email-notifier/internal/queue"
	"github.com/sungwon/email-notifier/internal/render"
	"github.com/sungwon/email-notifier/internal/retry"
	"github.com/sungwon/email-notifier/internal/status"
	"github.com/sungwon/email-notifier/internal/storage"
	"github.com/sungwon/email-notifier/migrations"
)

func main() {
	cfg, err := config.Load("config")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log := logger.NewFromConfig(logger.LoggingConfig{
		Level:     cfg.Logging.Level,
		Output:    cfg.Logging.Output,
		FilePath:  cfg.Logging.FilePath,
		MaxSizeMB: cfg.Logging.MaxSizeMB,
		MaxFiles:  cfg.Logging.MaxFiles,
		Service:   cfg.Service.Name,
	})
	log.Info().Msg("starting email worker")

	if err := run(cfg, log); err != nil {
		log.Error().Err(err).Msg("email worker stopped with error")
		os.Exit(1)
	}
	log.Info().Msg("email worker stopped")
}

// run wires every component and blocks until a signal arrives or the
// consumer fails. Resources are released by deferred calls in reverse order.
func run(cfg *config.Config, log zerolog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Redis: idempotency keys and status records.
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("connect to redis: %w", err)
	}
	log.Info().Str("addr", cfg.Redis.Addr()).Msg("connected to redis")

	checks := map[string]api.Check{
		"redis": func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
	}
	sinks := []status.Sink{status.NewRedisSink(rdb, cfg.Status.RecordTTL)}

	if cfg.Database.URL != "" {
		db, err := storage.NewDB(ctx, storage.PoolConfig{
			URL:            cfg.Database.URL,
			MinConns:       cfg.Database.PoolMin,
			MaxConns:       cfg.Database.PoolMax,
			ConnectTimeout: cfg.Database.ConnectTimeout,
		})
		if err != nil {
			return fmt.Errorf("connect to database: %w", err)
		}
		defer db.Close()
		if err := storage.Migrate(ctx, db.Pool, migrations.FS); err != nil {
			return fmt.Errorf("migrate database: %w", err)
		}
		sinks = append(sinks, status.NewPostgresSink(db.Queries()))
		checks["postgres"] = db.Ping
		log.Info().Msg("postgres status sink enabled")
	}

	if cfg.Status.CollectorURL != "" {
		sinks = append(sinks, status.NewHTTPSink(enrichment.NewHTTPClient(cfg.Status.Timeout), cfg.Status.CollectorURL))
		log.Info().Str("url", cfg.Status.CollectorURL).Msg("http status sink enabled")
	}
	reporter := status.NewReporter(log, retry.Default(), cfg.Status.Timeout, sinks...)

	// Enrichment clients, optionally authenticated with a service token.
	var tokens enrichment.TokenSource
	if ts := auth.NewServiceTokenSource(auth.ServiceTokenConfig{
		SigningKey: cfg.Enrichment.JWT.SigningKey,
		Issuer:     cfg.Enrichment.JWT.Issuer,
		Audience:   cfg.Enrichment.JWT.Audience,
		Subject:    cfg.Service.Name,
		TTL:        cfg.Enrichment.JWT.TTL,
	}); ts != nil {
		tokens = ts
	}
	enricher := enrichment.NewClient(
		enrichment.NewHTTPClient(cfg.Enrichment.Timeout),
		enrichment.Config{
			UserServiceURL:     cfg.Enrichment.UserServiceURL,
			TemplateServiceURL: cfg.Enrichment.TemplateServiceURL,
		},
		retry.Policy{
			MaxAttempts:     cfg.Enrichment.RetryAttempts,
			InitialInterval: cfg.Enrichment.RetryInitial,
			Multiplier:      cfg.Enrichment.RetryMultiplier,
		},
		tokens,
		log,
	)

	// SMTP dispatch behind the circuit breaker.
	composer, err := mailer.NewComposer(cfg.SMTP.Sender, cfg.SMTP.SenderName)
	if err != nil {
		return err
	}
	sender := mailer.NewSMTPSender(mailer.Config{
		Host:               cfg.SMTP.Host,
		Port:               cfg.SMTP.Port,
		Username:           cfg.SMTP.User,
		Password:           cfg.SMTP.Password,
		TLSMode:            cfg.SMTP.TLSMode,
		InsecureSkipVerify: cfg.SMTP.InsecureSkipVerify,
		HeloName:           cfg.SMTP.HeloName,
		Timeout:            cfg.SMTP.Timeout,
	})
	cb := breaker.New("smtp", breaker.Settings{
		FailureThreshold: cfg.SMTP.BreakerThreshold,
		Cooldown:         cfg.SMTP.BreakerCooldown,
	}, log)
	dispatcher := mailer.NewDispatcher(composer, sender, cb, log)

	orchestrator := pipeline.NewOrchestrator(
		idempotency.NewGuard(rdb, cfg.Redis.IdempotencyTTL),
		enricher,
		render.New(),
		dispatcher,
		reporter,
		log,
	)

	// RabbitMQ consumer.
	queueCfg := queue.Config{
		Exchange:          cfg.RabbitMQ.Exchange,
		Queue:             cfg.RabbitMQ.Queue,
		RoutingKey:        cfg.RabbitMQ.RoutingKey,
		DeadLetterQueue:   cfg.RabbitMQ.DeadLetterQueue,
		Prefetch:          cfg.RabbitMQ.Prefetch,
		ConsumerTag:       cfg.RabbitMQ.ConsumerTag,
		ConnectAttempts:   cfg.RabbitMQ.ConnectAttempts,
		ConnectRetryDelay: cfg.RabbitMQ.ConnectRetryDelay,
	}
	conn, err := queue.Dial(ctx, cfg.RabbitMQ.URL(), queueCfg, log)
	if err != nil {
		return err
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	if err := queue.DeclareTopology(ch, queueCfg); err != nil {
		return err
	}
	checks["rabbitmq"] = func(context.Context) error {
		if conn.IsClosed() {
			return errors.New("connection closed")
		}
		return nil
	}
	consumer := queue.NewConsumer(ch, orchestrator, queueCfg, log)

	srv := &http.Server{
		Addr:         cfg.HTTP.Addr(),
		Handler:      api.NewRouter(cfg.Service.Name, checks, log),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return consumer.Run(gctx)
	})
	g.Go(func() error {
		log.Info().Str("addr", srv.Addr).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
