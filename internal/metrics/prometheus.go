// Package metrics exposes Prometheus instruments for ingestion and finalization.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the session service
type Metrics struct {
	// Ingestion
	ChunksReceived        prometheus.Counter
	ChunksMerged          prometheus.Counter
	ChunksDuplicate       prometheus.Counter
	ChunksConflict        prometheus.Counter
	TranscriptionFailures prometheus.Counter
	TranscriptionDuration prometheus.Histogram

	// Finalization
	FinalizeCompleted   prometheus.Counter
	FinalizeFailed      prometheus.Counter
	FinalizeConflicts   prometheus.Counter
	ConvergenceTimeouts prometheus.Counter
	ConvergenceWait     prometheus.Histogram
	FinalizeQueueSize   prometheus.Gauge

	// Sessions
	OpenSessions    prometheus.Gauge
	SessionsStarted prometheus.Counter
}

// NewMetrics creates and registers all metrics with reg
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ChunksReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "session_chunks_received_total",
			Help: "Total number of chunk uploads received",
		}),
		ChunksMerged: factory.NewCounter(prometheus.CounterOpts{
			Name: "session_chunks_merged_total",
			Help: "Total number of chunks merged into a transcript",
		}),
		ChunksDuplicate: factory.NewCounter(prometheus.CounterOpts{
			Name: "session_chunks_duplicate_total",
			Help: "Total number of redelivered chunks answered from the stored text",
		}),
		ChunksConflict: factory.NewCounter(prometheus.CounterOpts{
			Name: "session_chunks_conflict_total",
			Help: "Total number of chunks rejected because the session was no longer open",
		}),
		TranscriptionFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "session_transcription_failures_total",
			Help: "Total number of chunk transcription failures",
		}),
		TranscriptionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "session_transcription_duration_seconds",
			Help:    "Duration of per-chunk transcription calls",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~2 minutes
		}),

		FinalizeCompleted: factory.NewCounter(prometheus.CounterOpts{
			Name: "session_finalize_completed_total",
			Help: "Total number of sessions finalized into a document",
		}),
		FinalizeFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "session_finalize_failed_total",
			Help: "Total number of sessions that ended in failed",
		}),
		FinalizeConflicts: factory.NewCounter(prometheus.CounterOpts{
			Name: "session_finalize_conflicts_total",
			Help: "Total number of finalize requests that lost the seal race",
		}),
		ConvergenceTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Name: "session_convergence_timeouts_total",
			Help: "Total number of finalizes that sealed without a stable transcript",
		}),
		ConvergenceWait: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "session_convergence_wait_seconds",
			Help:    "Time spent waiting for the transcript to stabilize",
			Buckets: prometheus.LinearBuckets(0, 1, 17), // 0s to 16s
		}),
		FinalizeQueueSize: factory.NewGauge(prometheus.GaugeOpts{
			Name: "session_finalize_queue_size",
			Help: "Current number of finalize jobs waiting for a worker",
		}),

		OpenSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "session_open_sessions",
			Help: "Current number of sessions recording or paused",
		}),
		SessionsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "session_sessions_started_total",
			Help: "Total number of recording sessions started",
		}),
	}
}

// RecordChunkMerged records a chunk that was transcribed and merged
func (m *Metrics) RecordChunkMerged(transcriptionSeconds float64) {
	m.ChunksMerged.Inc()
	m.TranscriptionDuration.Observe(transcriptionSeconds)
}

// RecordTranscriptionFailure records a failed transcription call
func (m *Metrics) RecordTranscriptionFailure(transcriptionSeconds float64) {
	m.TranscriptionFailures.Inc()
	m.TranscriptionDuration.Observe(transcriptionSeconds)
}

// RecordConvergence records how long stabilization took and whether it timed out
func (m *Metrics) RecordConvergence(waitSeconds float64, timedOut bool) {
	m.ConvergenceWait.Observe(waitSeconds)
	if timedOut {
		m.ConvergenceTimeouts.Inc()
	}
}

// SetOpenSessions sets the open session gauge
func (m *Metrics) SetOpenSessions(count int) {
	m.OpenSessions.Set(float64(count))
}

// SetFinalizeQueueSize sets the finalize queue gauge
func (m *Metrics) SetFinalizeQueueSize(size int) {
	m.FinalizeQueueSize.Set(float64(size))
}
