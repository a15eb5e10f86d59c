package daemon

import (
	"net/http"
	"time"

	"github.com/dcrange/dcrange/internal/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects Prometheus counters and histograms for dcranged.
type Metrics struct {
	registry             *prometheus.Registry
	jobTransitionsTotal  *prometheus.CounterVec
	jobDurationSeconds   *prometheus.HistogramVec
	phaseDurationSeconds *prometheus.HistogramVec
	machineApplyTotal    *prometheus.CounterVec
	recoveryTotal        *prometheus.CounterVec
	persistErrorsTotal   prometheus.Counter
}

// NewMetrics constructs a metrics registry and registers all collectors.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	jobTransitionsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dcrange",
			Subsystem: "job",
			Name:      "transitions_total",
			Help:      "Total number of range job status transitions.",
		},
		[]string{"from", "to"},
	)
	jobDurationSeconds := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "dcrange",
			Subsystem: "job",
			Name:      "duration_seconds",
			Help:      "Job runtime from creation to deployed or failed.",
			Buckets:   []float64{30, 60, 120, 300, 600, 900, 1200, 1800, 2700, 3600},
		},
		[]string{"status"},
	)
	phaseDurationSeconds := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "dcrange",
			Subsystem: "pipeline",
			Name:      "phase_duration_seconds",
			Help:      "Time spent in each pipeline phase.",
			Buckets:   []float64{0.1, 1, 5, 10, 30, 60, 120, 300, 600, 1200},
		},
		[]string{"phase"},
	)
	machineApplyTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dcrange",
			Subsystem: "fleet",
			Name:      "machine_apply_total",
			Help:      "Per-machine configuration apply outcomes.",
		},
		[]string{"result"},
	)
	recoveryTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dcrange",
			Subsystem: "job",
			Name:      "recovery_total",
			Help:      "Startup recovery actions taken.",
		},
		[]string{"action"},
	)
	persistErrorsTotal := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "dcrange",
			Subsystem: "store",
			Name:      "persist_errors_total",
			Help:      "Job document writes that failed.",
		},
	)

	registry.MustRegister(
		jobTransitionsTotal,
		jobDurationSeconds,
		phaseDurationSeconds,
		machineApplyTotal,
		recoveryTotal,
		persistErrorsTotal,
	)

	return &Metrics{
		registry:             registry,
		jobTransitionsTotal:  jobTransitionsTotal,
		jobDurationSeconds:   jobDurationSeconds,
		phaseDurationSeconds: phaseDurationSeconds,
		machineApplyTotal:    machineApplyTotal,
		recoveryTotal:        recoveryTotal,
		persistErrorsTotal:   persistErrorsTotal,
	}
}

// Handler returns an HTTP handler that serves the metrics registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) IncTransition(from, to models.JobStatus) {
	if m == nil {
		return
	}
	m.jobTransitionsTotal.WithLabelValues(string(from), string(to)).Inc()
}

func (m *Metrics) ObserveJobDuration(status models.JobStatus, duration time.Duration) {
	if m == nil {
		return
	}
	seconds := duration.Seconds()
	if seconds < 0 {
		return
	}
	m.jobDurationSeconds.WithLabelValues(string(status)).Observe(seconds)
}

func (m *Metrics) ObservePhase(phase string, duration time.Duration) {
	if m == nil {
		return
	}
	seconds := duration.Seconds()
	if seconds < 0 {
		return
	}
	m.phaseDurationSeconds.WithLabelValues(phase).Observe(seconds)
}

func (m *Metrics) IncApply(result string) {
	if m == nil {
		return
	}
	if result == "" {
		result = "unknown"
	}
	m.machineApplyTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) IncRecovery(action string) {
	if m == nil {
		return
	}
	m.recoveryTotal.WithLabelValues(action).Inc()
}

func (m *Metrics) IncPersistError() {
	if m == nil {
		return
	}
	m.persistErrorsTotal.Inc()
}
