package api

import (
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/sungwon/email-notifier/internal/logger"
)

// RequestIDHeader carries the request ID on inbound requests and responses. It
// is the same header the mailer stamps on outgoing messages.
const RequestIDHeader = "X-Request-ID"

const legacyCorrelationHeader = "X-Correlation-ID"

// RequestIDMiddleware takes the request ID from X-Request-ID, falling back to
// X-Correlation-ID, or generates one. The ID is echoed in the response and
// the request context carries a logger tagged with it.
func RequestIDMiddleware(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			requestID := r.Header.Get(RequestIDHeader)
			if requestID == "" {
				requestID = r.Header.Get(legacyCorrelationHeader)
			}
			if requestID == "" {
				requestID = logger.NewCorrelationID()
			}
			w.Header().Set(RequestIDHeader, requestID)

			ctx := logger.WithCorrelationID(r.Context(), requestID)
			ctx = logger.WithLogger(ctx, log.With().Str("request_id", requestID).Logger())
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// LoggingMiddleware logs each request with method, path, status and duration.
// Health and metrics scrapes log at debug.
func LoggingMiddleware(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(sw, r)

			reqLog := logger.FromContextOr(r.Context(), log)
			ev := reqLog.Info()
			if r.URL.Path == "/health" || r.URL.Path == "/metrics" {
				ev = reqLog.Debug()
			}
			ev.Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", sw.status).
				Dur("duration", time.Since(start)).
				Msg("request completed")
		})
	}
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (sw *statusWriter) WriteHeader(code int) {
	if !sw.wroteHeader {
		sw.status = code
		sw.wroteHeader = true
	}
	sw.ResponseWriter.WriteHeader(code)
}

// RecoverMiddleware turns a handler panic into a 500 and a critical log.
func RecoverMiddleware(log zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					logger.Critical(logger.FromContextOr(r.Context(), log)).
						Interface("panic", err).
						Str("method", r.Method).
						Str("path", r.URL.Path).
						Msg("panic recovered")
					respondError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}
