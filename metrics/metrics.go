// Package metrics exposes Prometheus instrumentation for taskhook.
//
// All recording methods are safe to call on a nil *Metrics, so components
// can take an optional metrics handle without guarding every call.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "taskhook"

// Metrics holds every collector taskhook registers.
type Metrics struct {
	registry *prometheus.Registry

	tasksSubmitted    prometheus.Counter
	deliveryAttempts  *prometheus.CounterVec
	deliveryDuration  prometheus.Histogram
	deliveryFailures  prometheus.Counter
	callbacksRejected *prometheus.CounterVec
	resultsApplied    *prometheus.CounterVec
	ingestDuration    prometheus.Histogram
	dispatchOutcomes  *prometheus.CounterVec
	jobsRetried       prometheus.Counter
	jobsDropped       *prometheus.CounterVec
	rateLimited       *prometheus.CounterVec
}

// New creates a Metrics instance with its own registry, including the Go
// runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		tasksSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_submitted_total",
			Help:      "Tasks accepted by the submission endpoint.",
		}),
		deliveryAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "attempts_total",
			Help:      "Outbound trigger attempts by result.",
		}, []string{"result"}),
		deliveryDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "duration_seconds",
			Help:      "Time spent on one trigger including retries.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 10),
		}),
		deliveryFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "failures_total",
			Help:      "Triggers that exhausted every attempt.",
		}),
		callbacksRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "callback",
			Name:      "rejected_total",
			Help:      "Callbacks rejected before ingestion, by reason.",
		}, []string{"reason"}),
		resultsApplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "results",
			Name:      "outcomes_total",
			Help:      "Callback ingestion outcomes.",
		}, []string{"outcome"}),
		ingestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "results",
			Name:      "apply_duration_seconds",
			Help:      "Time spent applying one callback.",
			Buckets:   prometheus.DefBuckets,
		}),
		dispatchOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "outcomes_total",
			Help:      "Dispatch job outcomes.",
		}, []string{"outcome"}),
		jobsRetried: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "retries_total",
			Help:      "Jobs scheduled for another attempt.",
		}),
		jobsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "dropped_total",
			Help:      "Jobs abandoned, by reason.",
		}, []string{"reason"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "rate_limited_total",
			Help:      "Requests refused by the rate limiter, by route.",
		}, []string{"route"}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.tasksSubmitted,
		m.deliveryAttempts,
		m.deliveryDuration,
		m.deliveryFailures,
		m.callbacksRejected,
		m.resultsApplied,
		m.ingestDuration,
		m.dispatchOutcomes,
		m.jobsRetried,
		m.jobsDropped,
		m.rateLimited,
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// TaskSubmitted counts an accepted submission.
func (m *Metrics) TaskSubmitted() {
	if m == nil {
		return
	}
	m.tasksSubmitted.Inc()
}

// DeliveryAttempt counts one outbound attempt.
func (m *Metrics) DeliveryAttempt(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.deliveryAttempts.WithLabelValues(result).Inc()
}

// DeliveryFinished records the duration of a trigger and whether it failed.
func (m *Metrics) DeliveryFinished(d time.Duration, failed bool) {
	if m == nil {
		return
	}
	m.deliveryDuration.Observe(d.Seconds())
	if failed {
		m.deliveryFailures.Inc()
	}
}

// CallbackRejected counts a callback refused at the boundary.
func (m *Metrics) CallbackRejected(reason string) {
	if m == nil {
		return
	}
	m.callbacksRejected.WithLabelValues(reason).Inc()
}

// ResultApplied records one ingestion outcome.
func (m *Metrics) ResultApplied(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.resultsApplied.WithLabelValues(outcome).Inc()
	m.ingestDuration.Observe(d.Seconds())
}

// DispatchOutcome counts one dispatch job run.
func (m *Metrics) DispatchOutcome(outcome string) {
	if m == nil {
		return
	}
	m.dispatchOutcomes.WithLabelValues(outcome).Inc()
}

// JobRetried counts a job scheduled for another attempt.
func (m *Metrics) JobRetried() {
	if m == nil {
		return
	}
	m.jobsRetried.Inc()
}

// JobDropped counts an abandoned job.
func (m *Metrics) JobDropped(reason string) {
	if m == nil {
		return
	}
	m.jobsDropped.WithLabelValues(reason).Inc()
}

// RateLimited counts a request refused by the limiter.
func (m *Metrics) RateLimited(route string) {
	if m == nil {
		return
	}
	m.rateLimited.WithLabelValues(route).Inc()
}
