package metrics

import "time"

// PipelineMetrics observes the ingest, transcode and reconcile machinery.
//
// Implementations must be safe for concurrent use. A nil PipelineMetrics is
// valid and disables collection.
type PipelineMetrics interface {
	// RecordJobStart increments the in-flight gauge for a job kind
	// ("transcode", "sync_metadata", "chat_download").
	RecordJobStart(kind string)

	// RecordJobResult records a finished job with its outcome
	// ("completed", "failed", "canceled") and wall-clock duration, and
	// decrements the in-flight gauge.
	RecordJobResult(kind string, outcome string, duration time.Duration)

	// RecordBytes accumulates transferred bytes per operation
	// ("upload", "download", "stream").
	RecordBytes(operation string, bytes int64)

	// RecordChunk counts an upload chunk by outcome
	// ("accepted", "rejected").
	RecordChunk(outcome string)

	// RecordReconcile accumulates reconciliation changes per counter
	// ("videos_added", "videos_removed", "pdfs_added", "pdfs_removed").
	RecordReconcile(counter string, n int)
}

// NewPipelineMetrics returns the Prometheus-backed implementation, or nil
// when metrics are disabled (InitRegistry not called).
func NewPipelineMetrics() PipelineMetrics {
	if !IsEnabled() || newPrometheusPipelineMetrics == nil {
		return nil
	}
	return newPrometheusPipelineMetrics()
}

// newPrometheusPipelineMetrics is installed by pkg/metrics/prometheus during
// package initialization. The indirection avoids an import cycle.
var newPrometheusPipelineMetrics func() PipelineMetrics

// RegisterPipelineMetricsConstructor installs the Prometheus constructor.
func RegisterPipelineMetricsConstructor(constructor func() PipelineMetrics) {
	newPrometheusPipelineMetrics = constructor
}

// JobStart is the nil-safe form of RecordJobStart.
func JobStart(m PipelineMetrics, kind string) {
	if m != nil {
		m.RecordJobStart(kind)
	}
}

// JobResult is the nil-safe form of RecordJobResult.
func JobResult(m PipelineMetrics, kind, outcome string, duration time.Duration) {
	if m != nil {
		m.RecordJobResult(kind, outcome, duration)
	}
}

// Bytes is the nil-safe form of RecordBytes.
func Bytes(m PipelineMetrics, operation string, bytes int64) {
	if m != nil {
		m.RecordBytes(operation, bytes)
	}
}

// Chunk is the nil-safe form of RecordChunk.
func Chunk(m PipelineMetrics, outcome string) {
	if m != nil {
		m.RecordChunk(outcome)
	}
}

// Reconcile is the nil-safe form of RecordReconcile.
func Reconcile(m PipelineMetrics, counter string, n int) {
	if m != nil {
		m.RecordReconcile(counter, n)
	}
}
