package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics wraps Prometheus metrics for the saga orchestrator. A nil *Metrics
// is a valid no-op.
type Metrics struct {
	registry *prometheus.Registry

	started           prometheus.Counter
	finished          *prometheus.CounterVec
	steps             *prometheus.CounterVec
	stepDuration      *prometheus.HistogramVec
	compensations     *prometheus.CounterVec
	inFlight          prometheus.Gauge
	active            *prometheus.GaugeVec
	schedulerErrors   *prometheus.CounterVec
	admissionRejected prometheus.Counter
}

// New creates a metrics registry and registers saga metrics.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	registry.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	started := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "saga_started_total",
		Help: "Total number of accepted saga transactions.",
	})

	finished := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "saga_finished_total",
		Help: "Total number of saga transactions reaching a terminal status.",
	}, []string{"status"})

	steps := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "saga_steps_total",
		Help: "Total number of executed saga steps by outcome.",
	}, []string{"outcome"})

	stepDuration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "saga_step_duration_seconds",
		Help:    "Step execution time including retries.",
		Buckets: prometheus.DefBuckets,
	}, []string{"outcome"})

	compensations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "saga_compensations_total",
		Help: "Total number of compensated steps by outcome.",
	}, []string{"outcome"})

	inFlight := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "saga_in_flight",
		Help: "Transactions currently executing in this process.",
	})

	active := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "saga_active",
		Help: "Non-terminal transactions in the store by status, as of the last scan.",
	}, []string{"status"})

	schedulerErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "saga_scheduler_errors_total",
		Help: "Total number of failed scheduler iterations.",
	}, []string{"loop"})

	admissionRejected := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "saga_admission_rejected_total",
		Help: "Pending transactions left for a later scan because the concurrency cap was reached.",
	})

	registry.MustRegister(started, finished, steps, stepDuration, compensations, inFlight, active, schedulerErrors, admissionRejected)

	return &Metrics{
		registry:          registry,
		started:           started,
		finished:          finished,
		steps:             steps,
		stepDuration:      stepDuration,
		compensations:     compensations,
		inFlight:          inFlight,
		active:            active,
		schedulerErrors:   schedulerErrors,
		admissionRejected: admissionRejected,
	}
}

// Handler exposes the metrics registry via HTTP.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) IncStarted() {
	if m == nil {
		return
	}
	m.started.Inc()
}

func (m *Metrics) IncFinished(status string) {
	if m == nil {
		return
	}
	m.finished.WithLabelValues(status).Inc()
}

// ObserveStep records one step outcome ("completed" or "failed") and its duration.
func (m *Metrics) ObserveStep(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.steps.WithLabelValues(outcome).Inc()
	m.stepDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// IncCompensation counts a compensated step: "succeeded", "failed" or "noop".
func (m *Metrics) IncCompensation(outcome string) {
	if m == nil {
		return
	}
	m.compensations.WithLabelValues(outcome).Inc()
}

func (m *Metrics) IncInFlight() {
	if m == nil {
		return
	}
	m.inFlight.Inc()
}

func (m *Metrics) DecInFlight() {
	if m == nil {
		return
	}
	m.inFlight.Dec()
}

// SetActive replaces the per-status gauge; statuses missing from counts are reset to 0.
func (m *Metrics) SetActive(statuses []string, counts map[string]int) {
	if m == nil {
		return
	}
	for _, s := range statuses {
		m.active.WithLabelValues(s).Set(float64(counts[s]))
	}
}

func (m *Metrics) IncSchedulerError(loop string) {
	if m == nil {
		return
	}
	m.schedulerErrors.WithLabelValues(loop).Inc()
}

func (m *Metrics) IncAdmissionRejected() {
	if m == nil {
		return
	}
	m.admissionRejected.Inc()
}
