// Package metrics holds the Prometheus collectors of the service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "sketch_counter"

// Outcome labels for queries.
const (
	OutcomeHit   = "hit"
	OutcomeEmpty = "empty"
	OutcomeError = "error"
)

type Metrics struct {
	EventsRecorded  prometheus.Counter
	Queries         *prometheus.CounterVec
	StoreErrors     *prometheus.CounterVec
	IngestMessages  *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	RequestCount    *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		EventsRecorded: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_recorded_total",
				Help:      "Distinct ids merged into counters",
			},
		),
		Queries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "queries_total",
				Help:      "Count queries by kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
		StoreErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "store_errors_total",
				Help:      "Store failures by operation",
			},
			[]string{"op"},
		),
		IngestMessages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ingest_messages_total",
				Help:      "Kafka messages processed by topic and outcome",
			},
			[]string{"topic", "outcome"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "api_request_duration_seconds",
				Help:      "Duration of API requests in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "endpoint", "status"},
		),
		RequestCount: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "api_request_total",
				Help:      "Total number of API requests",
			},
			[]string{"method", "endpoint", "status"},
		),
	}

	reg.MustRegister(
		m.EventsRecorded,
		m.Queries,
		m.StoreErrors,
		m.IngestMessages,
		m.RequestDuration,
		m.RequestCount,
	)
	return m
}

// StatusClass buckets an HTTP status code.
func StatusClass(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
