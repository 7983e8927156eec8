// Package metrics holds the counters shared by every objective loop.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is safe for concurrent use. A nil *Metrics records nothing.
type Metrics struct {
	registry *prometheus.Registry

	dispatches  *prometheus.CounterVec
	retries     prometheus.Counter
	failures    *prometheus.CounterVec
	evaluations *prometheus.CounterVec
	phases      *prometheus.CounterVec
}

// New creates a Metrics with its own registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taskflow_dispatches_total",
			Help: "Units handed to a worker.",
		}, []string{"reference_type"}),
		retries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "taskflow_retries_total",
			Help: "Retry schedules created after a failed attempt.",
		}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taskflow_unit_failures_total",
			Help: "Units that reached terminal FAILED.",
		}, []string{"reference_type"}),
		evaluations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taskflow_evaluations_total",
			Help: "Evaluation gate verdicts.",
		}, []string{"kind", "result"}),
		phases: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "taskflow_phase_transitions_total",
			Help: "Workflow phases entered.",
		}, []string{"phase"}),
	}
	m.registry.MustRegister(m.dispatches, m.retries, m.failures, m.evaluations, m.phases)
	return m
}

// Dispatched counts a unit handed to a worker.
func (m *Metrics) Dispatched(refType string) {
	if m == nil {
		return
	}
	m.dispatches.WithLabelValues(refType).Inc()
}

// Retried counts a retry schedule.
func (m *Metrics) Retried() {
	if m == nil {
		return
	}
	m.retries.Inc()
}

// Failed counts a unit that failed terminally.
func (m *Metrics) Failed(refType string) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(refType).Inc()
}

// Evaluated counts a gate verdict.
func (m *Metrics) Evaluated(kind string, passed bool) {
	if m == nil {
		return
	}
	result := "fail"
	if passed {
		result = "pass"
	}
	m.evaluations.WithLabelValues(kind, result).Inc()
}

// PhaseEntered counts a workflow phase transition.
func (m *Metrics) PhaseEntered(phase string) {
	if m == nil {
		return
	}
	m.phases.WithLabelValues(phase).Inc()
}

// Registry exposes the underlying registry for tests and custom exporters.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
