package queue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Queue metrics for Prometheus monitoring.
var (
	MessagesProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queue_messages_processed_total",
			Help: "Total number of messages settled by disposition",
		},
		[]string{"disposition"}, // ack, reject
	)

	MessageProcessingDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "queue_message_processing_duration_seconds",
			Help:    "Duration of message processing operations",
			Buckets: prometheus.DefBuckets,
		},
	)

	MalformedMessagesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "queue_messages_malformed_total",
			Help: "Total number of undecodable or invalid messages discarded",
		},
	)

	MessagesInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "queue_messages_in_flight",
			Help: "Number of messages currently being processed",
		},
	)
)
