// Package metrics exposes executor and backend counters through Prometheus.
// Each Metrics owns a private registry so tests and multiple bridges never
// collide on the global default registry.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hochfrequenz/cursor-bridge/internal/execution"
)

const namespace = "cursor_bridge"

// Metrics holds all Prometheus metrics. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	registry *prometheus.Registry

	ExecutionsTotal     *prometheus.CounterVec
	ExecutionDuration   prometheus.Histogram
	QueueDepth          *prometheus.GaugeVec
	QueueSlotsAvailable prometheus.Gauge
	BackendCalls        *prometheus.CounterVec
	RetriesTotal        prometheus.Counter
	OutputTruncated     prometheus.Counter
}

// New creates a metrics collector with its own registry
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		ExecutionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "executions_total",
				Help:      "Executions that reached a terminal status",
			},
			[]string{"status"},
		),
		ExecutionDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "execution_duration_seconds",
				Help:      "Wall time from start to terminal status",
				Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 300},
			},
		),
		QueueDepth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queue_depth",
				Help:      "Queued executions per priority",
			},
			[]string{"priority"},
		),
		QueueSlotsAvailable: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queue_slots_available",
				Help:      "Free slots under the concurrency ceiling",
			},
		),
		BackendCalls: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "backend_calls_total",
				Help:      "Backend dispatches by backend kind and result",
			},
			[]string{"kind", "result"},
		),
		RetriesTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "retries_total",
				Help:      "Retry attempts scheduled",
			},
		),
		OutputTruncated: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "output_truncated_total",
				Help:      "Executions whose output exceeded the size limit",
			},
		),
	}
}

// Registry returns the private registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RecordExecution records a terminal status and its duration
func (m *Metrics) RecordExecution(status execution.Status, duration time.Duration) {
	if m == nil {
		return
	}
	m.ExecutionsTotal.WithLabelValues(string(status)).Inc()
	m.ExecutionDuration.Observe(duration.Seconds())
}

// RecordBackendCall records one backend dispatch; result is "ok", "error",
// "timeout" or "not_found"
func (m *Metrics) RecordBackendCall(kind, result string) {
	if m == nil {
		return
	}
	m.BackendCalls.WithLabelValues(kind, result).Inc()
}

// IncRetries counts a scheduled retry
func (m *Metrics) IncRetries() {
	if m == nil {
		return
	}
	m.RetriesTotal.Inc()
}

// IncTruncated counts a truncated output
func (m *Metrics) IncTruncated() {
	if m == nil {
		return
	}
	m.OutputTruncated.Inc()
}

// SetSlotsAvailable is suitable as a queue slot callback
func (m *Metrics) SetSlotsAvailable(available int) {
	if m == nil {
		return
	}
	m.QueueSlotsAvailable.Set(float64(available))
}

// SetQueueDepth publishes per-priority queue sizes
func (m *Metrics) SetQueueDepth(buckets map[execution.Priority]int) {
	if m == nil {
		return
	}
	for _, p := range execution.Priorities {
		m.QueueDepth.WithLabelValues(p.String()).Set(float64(buckets[p]))
	}
}
