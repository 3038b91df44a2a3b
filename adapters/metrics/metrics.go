// Package metrics provides Prometheus metrics collection for the gateway.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Collector holds all Prometheus metrics for the gateway.
type Collector struct {
	// Request metrics
	RequestsTotal    *prometheus.CounterVec
	RequestDuration  *prometheus.HistogramVec
	RequestsInFlight prometheus.Gauge

	// Pipeline denial metrics
	AuthFailures  *prometheus.CounterVec
	RateLimitHits *prometheus.CounterVec

	// Settlement metrics
	SettlementCalls    *prometheus.CounterVec
	SettlementDuration prometheus.Histogram

	// Recorder metrics
	RecorderQueueDepth prometheus.Gauge
	RecorderDropped    prometheus.Counter

	// Upstream metrics
	UpstreamErrors *prometheus.CounterVec

	// Config metrics
	ConfigReloads      prometheus.Counter
	ConfigReloadErrors prometheus.Counter
}

// New creates a collector registered on the default registry.
func New() *Collector {
	return newCollector(promauto.With(prometheus.DefaultRegisterer))
}

// NewWithRegistry creates a collector registered on the given registry.
// Tests use this to avoid duplicate-registration panics.
func NewWithRegistry(reg prometheus.Registerer) *Collector {
	return newCollector(promauto.With(reg))
}

func newCollector(factory promauto.Factory) *Collector {
	return &Collector{
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "metergate",
				Name:      "requests_total",
				Help:      "Total number of gateway calls processed",
			},
			[]string{"api", "method", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "metergate",
				Name:      "request_duration_seconds",
				Help:      "Gateway call duration in seconds",
				Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"api", "method"},
		),
		RequestsInFlight: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "metergate",
				Name:      "requests_in_flight",
				Help:      "Number of gateway calls currently being processed",
			},
		),

		AuthFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "metergate",
				Name:      "auth_failures_total",
				Help:      "Total number of rejected calls before forwarding",
			},
			[]string{"reason"},
		),
		RateLimitHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "metergate",
				Name:      "rate_limit_hits_total",
				Help:      "Total number of rate limit denials",
			},
			[]string{"api"},
		),

		SettlementCalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "metergate",
				Name:      "settlement_calls_total",
				Help:      "Total number of settlement service calls",
			},
			[]string{"operation", "outcome"},
		),
		SettlementDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "metergate",
				Name:      "settlement_duration_seconds",
				Help:      "Settlement service call duration in seconds",
				Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
		),

		RecorderQueueDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "metergate",
				Name:      "recorder_queue_depth",
				Help:      "Number of usage records waiting in the recorder queue",
			},
		),
		RecorderDropped: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "metergate",
				Name:      "recorder_dropped_total",
				Help:      "Total number of usage records dropped due to a full queue",
			},
		),

		UpstreamErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "metergate",
				Name:      "upstream_errors_total",
				Help:      "Total number of upstream forwarding failures",
			},
			[]string{"api", "kind"},
		),

		ConfigReloads: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "metergate",
				Name:      "config_reloads_total",
				Help:      "Total number of successful config reloads",
			},
		),
		ConfigReloadErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "metergate",
				Name:      "config_reload_errors_total",
				Help:      "Total number of failed config reloads",
			},
		),
	}
}
