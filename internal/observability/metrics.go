package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registerOnce sync.Once

	streamSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kaspactl",
			Subsystem: "stream",
			Name:      "messages_sent_total",
			Help:      "Messages written to node streams.",
		},
		[]string{"service"},
	)
	streamReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kaspactl",
			Subsystem: "stream",
			Name:      "messages_received_total",
			Help:      "Messages read from node streams.",
		},
		[]string{"service"},
	)
	streamErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kaspactl",
			Subsystem: "stream",
			Name:      "errors_total",
			Help:      "Stream failures reported to owners, by kind.",
		},
		[]string{"service", "kind"},
	)
	requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "kaspactl",
			Subsystem: "client",
			Name:      "request_duration_seconds",
			Help:      "Request round trip duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"command", "outcome"},
	)
	reconnectAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kaspactl",
			Subsystem: "client",
			Name:      "reconnect_attempts_total",
			Help:      "Reconnect attempts made by the retry policy.",
		},
		[]string{"outcome"},
	)
	discoveryCandidates = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kaspactl",
			Subsystem: "discovery",
			Name:      "candidates_total",
			Help:      "Candidates evaluated during discovery and auto-connect.",
		},
		[]string{"outcome"},
	)
	subscriptionCallbacks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kaspactl",
			Subsystem: "subscription",
			Name:      "callbacks_total",
			Help:      "Subscription callback invocations.",
		},
		[]string{"command", "outcome"},
	)
)

func RegisterMetrics() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			streamSent,
			streamReceived,
			streamErrors,
			requestDuration,
			reconnectAttempts,
			discoveryCandidates,
			subscriptionCallbacks,
		)
	})
}

// Handler serves the default registry.
func Handler() http.Handler {
	RegisterMetrics()
	return promhttp.Handler()
}

func RecordStreamSent(service string) {
	RegisterMetrics()
	streamSent.WithLabelValues(service).Inc()
}

func RecordStreamReceived(service string) {
	RegisterMetrics()
	streamReceived.WithLabelValues(service).Inc()
}

func RecordStreamError(service, kind string) {
	RegisterMetrics()
	streamErrors.WithLabelValues(service, kind).Inc()
}

func RecordRequest(command, outcome string, duration time.Duration) {
	RegisterMetrics()
	requestDuration.WithLabelValues(command, outcome).Observe(duration.Seconds())
}

func RecordReconnect(outcome string) {
	RegisterMetrics()
	reconnectAttempts.WithLabelValues(outcome).Inc()
}

func RecordCandidate(outcome string) {
	RegisterMetrics()
	discoveryCandidates.WithLabelValues(outcome).Inc()
}

func RecordCallback(command, outcome string) {
	RegisterMetrics()
	subscriptionCallbacks.WithLabelValues(command, outcome).Inc()
}
