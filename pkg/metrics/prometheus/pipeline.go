// Package prometheus provides the Prometheus implementation of the metrics
// interfaces. Importing it registers its constructors with pkg/metrics.
package prometheus

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/mediavault/mediavault/pkg/metrics"
)

func init() {
	metrics.RegisterPipelineMetricsConstructor(newPipelineMetrics)
}

// pipelineMetrics is the Prometheus implementation of
// metrics.PipelineMetrics.
type pipelineMetrics struct {
	jobsTotal        *prometheus.CounterVec
	jobsInFlight     *prometheus.GaugeVec
	jobDuration      *prometheus.HistogramVec
	transferBytes    *prometheus.CounterVec
	uploadChunks     *prometheus.CounterVec
	reconcileChanges *prometheus.CounterVec
}

func newPipelineMetrics() metrics.PipelineMetrics {
	if !metrics.IsEnabled() {
		return nil
	}

	reg := metrics.GetRegistry()

	return &pipelineMetrics{
		jobsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "mediavault_jobs_total",
				Help: "Total pipeline jobs by kind and outcome",
			},
			[]string{"kind", "outcome"},
		),
		jobsInFlight: promauto.With(reg).NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "mediavault_jobs_in_flight",
				Help: "Currently running pipeline jobs by kind",
			},
			[]string{"kind"},
		),
		jobDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mediavault_job_duration_seconds",
				Help:    "Pipeline job duration by kind and outcome",
				Buckets: prometheus.ExponentialBuckets(0.5, 2, 12),
			},
			[]string{"kind", "outcome"},
		),
		transferBytes: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "mediavault_transfer_bytes_total",
				Help: "Bytes moved through the pipeline by operation",
			},
			[]string{"operation"}, // "upload", "download", "stream"
		),
		uploadChunks: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "mediavault_upload_chunks_total",
				Help: "Upload chunks received by outcome",
			},
			[]string{"outcome"}, // "accepted", "rejected"
		),
		reconcileChanges: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "mediavault_reconcile_changes_total",
				Help: "Reconciliation changes by counter",
			},
			[]string{"counter"},
		),
	}
}

func (m *pipelineMetrics) RecordJobStart(kind string) {
	m.jobsInFlight.WithLabelValues(kind).Inc()
}

func (m *pipelineMetrics) RecordJobResult(kind, outcome string, duration time.Duration) {
	m.jobsInFlight.WithLabelValues(kind).Dec()
	m.jobsTotal.WithLabelValues(kind, outcome).Inc()
	m.jobDuration.WithLabelValues(kind, outcome).Observe(duration.Seconds())
}

func (m *pipelineMetrics) RecordBytes(operation string, bytes int64) {
	m.transferBytes.WithLabelValues(operation).Add(float64(bytes))
}

func (m *pipelineMetrics) RecordChunk(outcome string) {
	m.uploadChunks.WithLabelValues(outcome).Inc()
}

func (m *pipelineMetrics) RecordReconcile(counter string, n int) {
	m.reconcileChanges.WithLabelValues(counter).Add(float64(n))
}
