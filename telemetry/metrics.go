package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the platform's Prometheus instruments. One set per
// process, registered on a private registry so tests can create as
// many as they like.
type Metrics struct {
	registry *prometheus.Registry

	TasksSubmitted   *prometheus.CounterVec
	TasksCompleted   *prometheus.CounterVec
	DispatchOutcomes *prometheus.CounterVec
	InferenceSeconds *prometheus.HistogramVec
	CallbackAttempts *prometheus.CounterVec
}

// NewMetrics creates the instrument set for a service.
func NewMetrics(service string) *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)
	labels := prometheus.Labels{"service": service}

	return &Metrics{
		registry: registry,
		TasksSubmitted: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "aiflow_tasks_submitted_total",
			Help:        "Tasks accepted at ingress.",
			ConstLabels: labels,
		}, []string{"task_type"}),
		TasksCompleted: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "aiflow_tasks_completed_total",
			Help:        "Tasks reaching a terminal state.",
			ConstLabels: labels,
		}, []string{"task_type", "status"}),
		DispatchOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "aiflow_dispatch_outcomes_total",
			Help:        "Scheduler decisions per consumed message.",
			ConstLabels: labels,
		}, []string{"outcome"}),
		InferenceSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "aiflow_inference_duration_seconds",
			Help:        "Wall time of adapter inference calls.",
			ConstLabels: labels,
			Buckets:     prometheus.ExponentialBuckets(0.1, 2, 12),
		}, []string{"task_type", "status"}),
		CallbackAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name:        "aiflow_callback_attempts_total",
			Help:        "Completion notification attempts by result.",
			ConstLabels: labels,
		}, []string{"kind", "result"}),
	}
}

// Handler serves the /metrics endpoint for this instrument set.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
