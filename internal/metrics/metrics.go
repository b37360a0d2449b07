// Package metrics holds the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// REST client
	APIRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shinobi_api_requests_total",
			Help: "REST requests to the video server by endpoint and outcome",
		},
		[]string{"endpoint", "outcome"}, // "ok", "http_error", "transport_error", "rejected", "invalid"
	)

	APIRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "shinobi_api_request_duration_seconds",
			Help:    "REST request latency by endpoint",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"endpoint"},
	)

	// ConnectivityStatus is the numeric status of each client ("api", "stream").
	ConnectivityStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "shinobi_connectivity_status",
			Help: "Current connectivity status code per client",
		},
		[]string{"client"},
	)

	ConnectivityTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shinobi_connectivity_transitions_total",
			Help: "Connectivity status transitions per client and target status",
		},
		[]string{"client", "to"},
	)

	Monitors = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "shinobi_monitors",
			Help: "Monitors known from the last poll",
		},
	)

	// Streaming client
	StreamFrames = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shinobi_stream_frames_total",
			Help: "Inbound socket frames by kind",
		},
		[]string{"kind"},
	)

	StreamParseErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "shinobi_stream_parse_errors_total",
			Help: "Action frames dropped because the payload could not be decoded",
		},
	)

	StreamReconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "shinobi_stream_reconnects_total",
			Help: "Streaming connection attempts after a lost connection",
		},
	)

	// Triggers
	TriggerEdges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shinobi_trigger_edges_total",
			Help: "Debounced trigger edges by event type and new state",
		},
		[]string{"event_type", "state"},
	)

	Detections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shinobi_detections_total",
			Help: "Raw detector trigger events by reason",
		},
		[]string{"reason"},
	)

	// Repair
	RepairRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shinobi_repair_runs_total",
			Help: "Monitor repair cycles by outcome",
		},
		[]string{"outcome"},
	)

	// Circuit breaker
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "shinobi_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	CircuitBreakerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "shinobi_circuit_breaker_transitions_total",
			Help: "Circuit breaker state transitions",
		},
		[]string{"name", "from", "to"},
	)
)

// BoolState renders an edge state label.
func BoolState(on bool) string {
	if on {
		return "on"
	}
	return "off"
}

// RecordStatus publishes a connectivity transition for client.
func RecordStatus(client string, code int, name string) {
	ConnectivityStatus.WithLabelValues(client).Set(float64(code))
	ConnectivityTransitions.WithLabelValues(client, name).Inc()
}
