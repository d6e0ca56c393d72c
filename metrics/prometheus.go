// Package metrics provides Prometheus metrics for the premium pipeline.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all pipeline metrics.
type Metrics struct {
	// Counters
	RecordsIngested  *prometheus.CounterVec
	RowsWritten      *prometheus.CounterVec
	RecordsDropped   *prometheus.CounterVec
	ConstraintChecks *prometheus.CounterVec
	CyclesCompleted  *prometheus.CounterVec
	ErrorsTotal      *prometheus.CounterVec

	// Gauges
	LastSeq prometheus.Gauge

	// Histograms
	CycleDuration prometheus.Histogram
	NodeDuration  *prometheus.HistogramVec

	registry *prometheus.Registry
	enabled  bool
}

// Config holds metrics configuration.
type Config struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"` // e.g., ":9090"
}

// ApplyDefaults sets default values for metrics config.
func (c *Config) ApplyDefaults() {
	if c.Address == "" {
		c.Address = ":9090"
	}
}

// New creates a new metrics instance.
func New(cfg Config) *Metrics {
	cfg.ApplyDefaults()

	m := &Metrics{
		enabled:  cfg.Enabled,
		registry: prometheus.NewRegistry(),
	}

	if !cfg.Enabled {
		return m
	}

	m.RecordsIngested = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pipeline",
			Name:      "records_ingested_total",
			Help:      "Total records ingested by source",
		},
		[]string{"source"},
	)

	m.RowsWritten = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pipeline",
			Name:      "rows_written_total",
			Help:      "Total rows written by table",
		},
		[]string{"table"},
	)

	m.RecordsDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pipeline",
			Name:      "records_dropped_total",
			Help:      "Total records dropped by constraint gating",
		},
		[]string{"table"},
	)

	m.ConstraintChecks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pipeline",
			Name:      "constraint_checks_total",
			Help:      "Constraint evaluations by constraint and outcome",
		},
		[]string{"constraint", "outcome"}, // "pass", "fail"
	)

	m.CyclesCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pipeline",
			Name:      "cycles_completed_total",
			Help:      "Total pipeline cycles completed",
		},
		[]string{"status"}, // "success", "error"
	)

	m.ErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "pipeline",
			Name:      "errors_total",
			Help:      "Total errors by node",
		},
		[]string{"node"},
	)

	m.LastSeq = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "pipeline",
			Name:      "last_sequence",
			Help:      "Highest sequence written this cycle",
		},
	)

	m.CycleDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "pipeline",
			Name:      "cycle_duration_seconds",
			Help:      "Time to run a full pipeline cycle",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
		},
	)

	m.NodeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "pipeline",
			Name:      "node_duration_seconds",
			Help:      "Time per pipeline node per cycle",
			Buckets:   []float64{0.001, 0.01, 0.05, 0.1, 0.25, 0.5, 1.0, 5.0},
		},
		[]string{"node"},
	)

	m.registry.MustRegister(
		m.RecordsIngested,
		m.RowsWritten,
		m.RecordsDropped,
		m.ConstraintChecks,
		m.CyclesCompleted,
		m.ErrorsTotal,
		m.LastSeq,
		m.CycleDuration,
		m.NodeDuration,
	)

	// Also register Go runtime metrics
	m.registry.MustRegister(prometheus.NewGoCollector())
	m.registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	return m
}

// Handler returns an HTTP handler for metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// StartServer starts a metrics HTTP server.
func (m *Metrics) StartServer(addr string) error {
	if !m.enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())

	return http.ListenAndServe(addr, mux)
}

// IsEnabled returns true if metrics are enabled.
func (m *Metrics) IsEnabled() bool {
	return m.enabled
}

// Helper methods for common operations

// RecordIngested increments the ingested counter for a source.
func (m *Metrics) RecordIngested(source string, count int64) {
	if m.enabled && m.RecordsIngested != nil {
		m.RecordsIngested.WithLabelValues(source).Add(float64(count))
	}
}

// RecordRowsWritten increments rows written for a table.
func (m *Metrics) RecordRowsWritten(table string, count int64) {
	if m.enabled && m.RowsWritten != nil {
		m.RowsWritten.WithLabelValues(table).Add(float64(count))
	}
}

// RecordDropped increments the dropped counter for a table.
func (m *Metrics) RecordDropped(table string, count int64) {
	if m.enabled && m.RecordsDropped != nil {
		m.RecordsDropped.WithLabelValues(table).Add(float64(count))
	}
}

// RecordConstraint records constraint pass/fail tallies.
func (m *Metrics) RecordConstraint(constraint string, passed, failed int64) {
	if m.enabled && m.ConstraintChecks != nil {
		m.ConstraintChecks.WithLabelValues(constraint, "pass").Add(float64(passed))
		m.ConstraintChecks.WithLabelValues(constraint, "fail").Add(float64(failed))
	}
}

// RecordCycleCompleted increments the cycle counter.
func (m *Metrics) RecordCycleCompleted(success bool) {
	if m.enabled && m.CyclesCompleted != nil {
		status := "success"
		if !success {
			status = "error"
		}
		m.CyclesCompleted.WithLabelValues(status).Inc()
	}
}

// RecordError increments the error counter for a node.
func (m *Metrics) RecordError(node string) {
	if m.enabled && m.ErrorsTotal != nil {
		m.ErrorsTotal.WithLabelValues(node).Inc()
	}
}

// SetLastSeq sets the last sequence gauge.
func (m *Metrics) SetLastSeq(seq int64) {
	if m.enabled && m.LastSeq != nil {
		m.LastSeq.Set(float64(seq))
	}
}

// RecordCycleDuration records a full cycle duration.
func (m *Metrics) RecordCycleDuration(duration time.Duration) {
	if m.enabled && m.CycleDuration != nil {
		m.CycleDuration.Observe(duration.Seconds())
	}
}

// RecordNodeDuration records one node's duration.
func (m *Metrics) RecordNodeDuration(node string, duration time.Duration) {
	if m.enabled && m.NodeDuration != nil {
		m.NodeDuration.WithLabelValues(node).Observe(duration.Seconds())
	}
}
