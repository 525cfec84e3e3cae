// Package metrics provides Prometheus instrumentation for the icst server.
//
// Metrics exposed:
//   - icst_samples_total: Counter of classified samples by QC outcome
//   - icst_invalid_samples_total: Counter of samples rejected during alignment
//   - icst_classify_seconds: Histogram of alignment plus scoring time per batch
//   - icst_bootstrap_seconds: Histogram of ensemble scoring time per batch
//   - icst_jobs_submitted_total / icst_jobs_rejected_total: Job intake by kind
//   - icst_jobs_finished_total: Terminal job transitions by kind and state
//   - icst_job_duration_seconds: Histogram of job execution time by kind
//   - icst_job_queue_depth: Gauge of queued jobs
//   - icst_artifact_reloads_total: Reload attempts by result
//   - icst_artifact_info: Gauge set to 1 for the loaded artifact version
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/icstlab/icst/pkg/qc"
	"github.com/icstlab/icst/pkg/storage"
)

// Metrics holds all Prometheus metrics for the server. It implements
// pipeline.Observer and jobs.Recorder.
type Metrics struct {
	SamplesTotal        *prometheus.CounterVec
	InvalidSamplesTotal prometheus.Counter
	ClassifySeconds     prometheus.Histogram
	BootstrapSeconds    prometheus.Histogram
	JobsSubmitted       *prometheus.CounterVec
	JobsRejected        *prometheus.CounterVec
	JobsFinished        *prometheus.CounterVec
	JobDuration         *prometheus.HistogramVec
	QueueDepthGauge     prometheus.Gauge
	ArtifactReloads     *prometheus.CounterVec
	ArtifactInfo        *prometheus.GaugeVec
}

// New creates the metrics and registers them with reg. A nil reg registers
// with the default registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Metrics{
		SamplesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "icst_samples_total",
			Help: "Classified samples by QC outcome",
		}, []string{"outcome"}),

		InvalidSamplesTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "icst_invalid_samples_total",
			Help: "Samples rejected during feature alignment",
		}),

		ClassifySeconds: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "icst_classify_seconds",
			Help:    "Time spent aligning and scoring one batch",
			Buckets: prometheus.DefBuckets,
		}),

		BootstrapSeconds: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "icst_bootstrap_seconds",
			Help:    "Time spent scoring one batch with the bootstrap ensemble",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		}),

		JobsSubmitted: f.NewCounterVec(prometheus.CounterOpts{
			Name: "icst_jobs_submitted_total",
			Help: "Jobs accepted into the queue",
		}, []string{"kind"}),

		JobsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "icst_jobs_rejected_total",
			Help: "Jobs refused because the queue was full or closed",
		}, []string{"kind"}),

		JobsFinished: f.NewCounterVec(prometheus.CounterOpts{
			Name: "icst_jobs_finished_total",
			Help: "Jobs reaching a terminal state",
		}, []string{"kind", "state"}),

		JobDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "icst_job_duration_seconds",
			Help:    "Job execution time",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}, []string{"kind"}),

		QueueDepthGauge: f.NewGauge(prometheus.GaugeOpts{
			Name: "icst_job_queue_depth",
			Help: "Jobs waiting for a worker",
		}),

		ArtifactReloads: f.NewCounterVec(prometheus.CounterOpts{
			Name: "icst_artifact_reloads_total",
			Help: "Artifact reload attempts by result",
		}, []string{"result"}),

		ArtifactInfo: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "icst_artifact_info",
			Help: "Loaded artifact version (value is always 1)",
		}, []string{"version"}),
	}
}

// ObserveClassification records one classified batch.
func (m *Metrics) ObserveClassification(s qc.Summary, invalid int, elapsed time.Duration) {
	m.SamplesTotal.WithLabelValues(string(qc.Confident)).Add(float64(s.Confident))
	m.SamplesTotal.WithLabelValues(string(qc.Ambiguous)).Add(float64(s.Ambiguous))
	m.SamplesTotal.WithLabelValues(string(qc.NotClassifiable)).Add(float64(s.NotClassifiable))
	m.InvalidSamplesTotal.Add(float64(invalid))
	m.ClassifySeconds.Observe(elapsed.Seconds())
}

// ObserveBootstrap records one bootstrap batch.
func (m *Metrics) ObserveBootstrap(_ int, elapsed time.Duration) {
	m.BootstrapSeconds.Observe(elapsed.Seconds())
}

// JobSubmitted counts an accepted job.
func (m *Metrics) JobSubmitted(kind string) {
	m.JobsSubmitted.WithLabelValues(kind).Inc()
}

// JobRejected counts a refused job.
func (m *Metrics) JobRejected(kind string) {
	m.JobsRejected.WithLabelValues(kind).Inc()
}

// JobFinished records a terminal transition.
func (m *Metrics) JobFinished(kind string, state storage.State, elapsed time.Duration) {
	m.JobsFinished.WithLabelValues(kind, string(state)).Inc()
	m.JobDuration.WithLabelValues(kind).Observe(elapsed.Seconds())
}

// QueueDepth sets the queued job gauge.
func (m *Metrics) QueueDepth(n int) {
	m.QueueDepthGauge.Set(float64(n))
}

// RecordReload counts a reload attempt and tracks the active version.
func (m *Metrics) RecordReload(version string, err error) {
	if err != nil {
		m.ArtifactReloads.WithLabelValues("error").Inc()
		return
	}
	m.ArtifactReloads.WithLabelValues("success").Inc()
	m.ArtifactInfo.Reset()
	m.ArtifactInfo.WithLabelValues(version).Set(1)
}
