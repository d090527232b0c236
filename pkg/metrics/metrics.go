// Package metrics registers the service's Prometheus collectors and serves
// the exposition endpoint.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// pipelineBuckets cover stage durations from sub-second probes to hour-long
// transcriptions.
var pipelineBuckets = []float64{0.25, 1, 5, 15, 60, 300, 900, 1800, 3600}

// Metrics holds every collector the service exports.
type Metrics struct {
	registry *prometheus.Registry

	JobsQueued        prometheus.Counter
	JobsFinished      *prometheus.CounterVec
	JobErrors         *prometheus.CounterVec
	PipelineJobs      prometheus.Counter
	PipelineFailed    prometheus.Counter
	PipelineDegraded  prometheus.Counter
	TranscribeSeconds prometheus.Histogram
	TTSSeconds        prometheus.Histogram
	MuxSeconds        prometheus.Histogram

	HTTPRequests *prometheus.CounterVec
}

// New creates the collectors on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		JobsQueued: factory.NewCounter(prometheus.CounterOpts{
			Name: "jobs_queued_total",
			Help: "Jobs accepted into the admission queue.",
		}),
		JobsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "jobs_finished_total",
			Help: "Jobs reaching a terminal state, by state.",
		}, []string{"state"}),
		JobErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "job_errors_total",
			Help: "Stage failures, by stage.",
		}, []string{"stage"}),
		PipelineJobs: factory.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_job_total",
			Help: "Pipeline runs started.",
		}),
		PipelineFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_job_failed_total",
			Help: "Pipeline runs ending in FAILED.",
		}),
		PipelineDegraded: factory.NewCounter(prometheus.CounterOpts{
			Name: "pipeline_job_degraded_total",
			Help: "Pipeline runs completing with degraded stages.",
		}),
		TranscribeSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "pipeline_transcribe_seconds",
			Help:    "Wall time of the transcription stage.",
			Buckets: pipelineBuckets,
		}),
		TTSSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "pipeline_tts_seconds",
			Help:    "Wall time of the TTS stage.",
			Buckets: pipelineBuckets,
		}),
		MuxSeconds: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "pipeline_mux_seconds",
			Help:    "Wall time of the mux stage.",
			Buckets: pipelineBuckets,
		}),
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "HTTP requests, by method, route and status.",
		}, []string{"method", "route", "status"}),
	}
}

// Handler serves the Prometheus exposition format for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// StageObserver returns the histogram for stages that have one, else nil.
func (m *Metrics) StageObserver(stage string) prometheus.Observer {
	switch stage {
	case "asr":
		return m.TranscribeSeconds
	case "tts":
		return m.TTSSeconds
	case "mux":
		return m.MuxSeconds
	}
	return nil
}
