package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Mail metrics
var (
	MailSendTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mail_send_total",
			Help: "Total number of SMTP submissions by result",
		},
		[]string{"result"}, // sent, failed, rejected, circuit_open
	)

	MailSendDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mail_send_duration_seconds",
			Help:    "Duration of SMTP submissions",
			Buckets: prometheus.DefBuckets,
		},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mail_circuit_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 half-open, 2 open)",
		},
		[]string{"breaker"},
	)
)

// Enrichment metrics
var (
	EnrichmentLookupDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "enrichment_lookup_duration_seconds",
			Help:    "Duration of user and template lookups including retries",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"service", "result"}, // result: ok, not_found, error
	)
)

// Pipeline metrics
var (
	PipelineOutcomesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_outcomes_total",
			Help: "Total number of processed notification requests by outcome",
		},
		[]string{"outcome"},
	)

	StatusReportFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "status_report_failures_total",
			Help: "Total number of status writes that failed, by sink",
		},
		[]string{"sink"},
	)
)
