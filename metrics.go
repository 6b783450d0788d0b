package auditspool

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// SpoolMetrics defines the interface for spool pipeline metrics.
type SpoolMetrics interface {
	FileSpooled(dest, code string)
	SpoolFailed(dest, code string)
	RecordEmitted(dest, code string)
	EmitFailed(dest, code string)
	FileQuarantined(dest, code string)
	EmitLatency(dest, code string, d time.Duration)
}

// PrometheusMetrics implements SpoolMetrics with Prometheus.
type PrometheusMetrics struct {
	spooled     *prometheus.CounterVec
	spoolFailed *prometheus.CounterVec
	emitted     *prometheus.CounterVec
	emitFailed  *prometheus.CounterVec
	quarantined *prometheus.CounterVec
	latency     *prometheus.HistogramVec
}

var metricLabels = []string{"destination", "event_code"}

// NewPrometheusMetrics creates a new PrometheusMetrics instance.
func NewPrometheusMetrics(registerer prometheus.Registerer) *PrometheusMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	m := &PrometheusMetrics{
		spooled: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "audit_spool_files_written_total",
				Help: "Total number of spool writes per destination",
			},
			metricLabels,
		),
		spoolFailed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "audit_spool_write_failures_total",
				Help: "Total number of failed spool writes",
			},
			metricLabels,
		),
		emitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "audit_records_emitted_total",
				Help: "Total number of audit records delivered",
			},
			metricLabels,
		),
		emitFailed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "audit_emit_failures_total",
				Help: "Total number of failed or skipped deliveries",
			},
			metricLabels,
		),
		quarantined: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "audit_spool_files_quarantined_total",
				Help: "Total number of spool files set aside as unprocessable",
			},
			metricLabels,
		),
		latency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "audit_emit_latency_seconds",
				Help:    "Latency of audit record delivery",
				Buckets: prometheus.DefBuckets,
			},
			metricLabels,
		),
	}
	registerer.MustRegister(m.spooled, m.spoolFailed, m.emitted, m.emitFailed, m.quarantined, m.latency)
	return m
}

// FileSpooled increments the spooled counter.
func (m *PrometheusMetrics) FileSpooled(dest, code string) {
	m.spooled.WithLabelValues(dest, code).Inc()
}

// SpoolFailed increments the spool failure counter.
func (m *PrometheusMetrics) SpoolFailed(dest, code string) {
	m.spoolFailed.WithLabelValues(dest, code).Inc()
}

// RecordEmitted increments the emitted counter.
func (m *PrometheusMetrics) RecordEmitted(dest, code string) {
	m.emitted.WithLabelValues(dest, code).Inc()
}

// EmitFailed increments the emit failure counter.
func (m *PrometheusMetrics) EmitFailed(dest, code string) {
	m.emitFailed.WithLabelValues(dest, code).Inc()
}

// FileQuarantined increments the quarantine counter.
func (m *PrometheusMetrics) FileQuarantined(dest, code string) {
	m.quarantined.WithLabelValues(dest, code).Inc()
}

// EmitLatency records the delivery latency.
func (m *PrometheusMetrics) EmitLatency(dest, code string, d time.Duration) {
	m.latency.WithLabelValues(dest, code).Observe(d.Seconds())
}

// nopMetrics is a no-op SpoolMetrics implementation.
type nopMetrics struct{}

func (nopMetrics) FileSpooled(dest, code string)                  {}
func (nopMetrics) SpoolFailed(dest, code string)                  {}
func (nopMetrics) RecordEmitted(dest, code string)                {}
func (nopMetrics) EmitFailed(dest, code string)                   {}
func (nopMetrics) FileQuarantined(dest, code string)              {}
func (nopMetrics) EmitLatency(dest, code string, d time.Duration) {}
