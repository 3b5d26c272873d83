package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the controller. All recording
// methods are safe on a nil receiver and on a disabled instance, so
// callers never need to guard their instrumentation sites.
type Metrics struct {
	config MetricsConfig

	// Run metrics
	runsStarted   prometheus.Counter
	runsCompleted *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec

	// Step metrics
	stepsExecuted *prometheus.CounterVec
	stepDuration  *prometheus.HistogramVec

	// Device metrics
	actuations  *prometheus.CounterVec
	sensorReads *prometheus.CounterVec

	// Fault metrics
	faults *prometheus.CounterVec

	// System metrics
	activeRuns prometheus.Gauge
	leasesHeld prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// No-op instance: recording methods are guarded on nil vectors.
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DurationBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		runsStarted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_started_total",
				Help:      "Total number of runs started",
			},
		),
		runsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_completed_total",
				Help:      "Total number of runs reaching a terminal status",
			},
			[]string{"status"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Wall-clock duration of runs in seconds",
				Buckets:   buckets,
			},
			[]string{"status"},
		),

		stepsExecuted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "steps_executed_total",
				Help:      "Total number of program steps executed",
			},
			[]string{"action"},
		),
		stepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "step_duration_seconds",
				Help:      "Wall-clock duration of program steps in seconds",
				Buckets:   buckets,
			},
			[]string{"action"},
		),

		actuations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "device_actuations_total",
				Help:      "Total number of device actuations",
			},
			[]string{"device_id"},
		),
		sensorReads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sensor_reads_total",
				Help:      "Total number of sensor reads",
			},
			[]string{"device_id"},
		),

		faults: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "faults_total",
				Help:      "Total number of run faults by class",
			},
			[]string{"class"},
		),

		activeRuns: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_runs",
				Help:      "Current number of pending or running runs",
			},
		),
		leasesHeld: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "device_leases_held",
				Help:      "Current number of device leases held by runs",
			},
		),
	}

	registry.MustRegister(
		m.runsStarted,
		m.runsCompleted,
		m.runDuration,
		m.stepsExecuted,
		m.stepDuration,
		m.actuations,
		m.sensorReads,
		m.faults,
		m.activeRuns,
		m.leasesHeld,
	)

	return m, nil
}

// RunStarted records the creation of a run.
func (m *Metrics) RunStarted() {
	if m == nil || m.runsStarted == nil {
		return
	}
	m.runsStarted.Inc()
	m.activeRuns.Inc()
}

// RunFinished records a run reaching a terminal status.
func (m *Metrics) RunFinished(status string, duration time.Duration) {
	if m == nil || m.runsCompleted == nil {
		return
	}
	m.runsCompleted.WithLabelValues(status).Inc()
	m.runDuration.WithLabelValues(status).Observe(duration.Seconds())
	m.activeRuns.Dec()
}

// StepFinished records the completion of a program step.
func (m *Metrics) StepFinished(action string, duration time.Duration) {
	if m == nil || m.stepsExecuted == nil {
		return
	}
	m.stepsExecuted.WithLabelValues(action).Inc()
	m.stepDuration.WithLabelValues(action).Observe(duration.Seconds())
}

// Actuation records an actuation of a device.
func (m *Metrics) Actuation(deviceID string) {
	if m == nil || m.actuations == nil {
		return
	}
	m.actuations.WithLabelValues(deviceID).Inc()
}

// SensorRead records a read of a sensor.
func (m *Metrics) SensorRead(deviceID string) {
	if m == nil || m.sensorReads == nil {
		return
	}
	m.sensorReads.WithLabelValues(deviceID).Inc()
}

// FaultRecorded records a run fault by class.
func (m *Metrics) FaultRecorded(class string) {
	if m == nil || m.faults == nil {
		return
	}
	m.faults.WithLabelValues(class).Inc()
}

// LeasesHeld adjusts the lease gauge by delta.
func (m *Metrics) LeasesHeld(delta int) {
	if m == nil || m.leasesHeld == nil {
		return
	}
	m.leasesHeld.Add(float64(delta))
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}
