// Package metrics exposes the Prometheus series the pipeline core emits
// for its two reconnecting state machines (C2, C3) and worker runtime
// (C5), generalized from the teacher's per-execution metrics to the
// broker/store/runtime labels this domain calls for.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ReconnectsTotal counts reconnect attempts per component
	// ("broker"/"store") and outcome ("success"/"failure").
	ReconnectsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_reconnects_total",
			Help: "Total number of reconnect attempts by component and outcome",
		},
		[]string{"component", "outcome"},
	)

	// InFlightMessages tracks messages currently being handled by a
	// worker runtime, labeled by queue.
	InFlightMessages = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pipeline_in_flight_messages",
			Help: "Number of messages currently being processed",
		},
		[]string{"queue"},
	)

	// HandlerDuration tracks per-message handler latency in seconds,
	// labeled by queue and outcome.
	HandlerDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pipeline_handler_duration_seconds",
			Help:    "Duration of message handler invocations in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		},
		[]string{"queue", "outcome"},
	)

	// HealthProbeTotal counts health probe outcomes by dependency
	// ("broker"/"store") and result ("ok"/"error").
	HealthProbeTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_health_probe_total",
			Help: "Total number of dependency health probes by outcome",
		},
		[]string{"dependency", "result"},
	)
)
