package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusRecorder implements Recorder over a dedicated Prometheus
// registry; the API layer serves the registry on /metrics.
type PrometheusRecorder struct {
	registry *prometheus.Registry

	jobsStarted        *prometheus.CounterVec
	jobsFinished       *prometheus.CounterVec
	jobDuration        *prometheus.HistogramVec
	agentsStarted      prometheus.Counter
	agentsFinished     *prometheus.CounterVec
	agentDuration      *prometheus.HistogramVec
	retriesScheduled   prometheus.Counter
	checkpointsWritten prometheus.Counter
	checkpointDuration prometheus.Histogram
	dlqDepth           *prometheus.GaugeVec
}

var _ Recorder = (*PrometheusRecorder)(nil)

// NewPrometheusRecorder creates a recorder with all collectors registered
// on a fresh registry.
func NewPrometheusRecorder() *PrometheusRecorder {
	registry := prometheus.NewRegistry()
	r := &PrometheusRecorder{
		registry: registry,
		jobsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crest_jobs_started_total",
			Help: "Jobs submitted or resumed, by pipeline.",
		}, []string{"pipeline"}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crest_jobs_finished_total",
			Help: "Jobs reaching a terminal state, by pipeline and state.",
		}, []string{"pipeline", "state"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "crest_job_duration_seconds",
			Help:    "Wall-clock job duration, by terminal state.",
			Buckets: prometheus.ExponentialBuckets(1, 2, 14),
		}, []string{"state"}),
		agentsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crest_agents_started_total",
			Help: "Agent executions started.",
		}),
		agentsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crest_agents_finished_total",
			Help: "Agent executions finished, by outcome.",
		}, []string{"outcome"}),
		agentDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "crest_agent_duration_seconds",
			Help:    "Agent execution duration, by outcome.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
		}, []string{"outcome"}),
		retriesScheduled: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crest_agent_retries_total",
			Help: "Agent retries scheduled.",
		}),
		checkpointsWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crest_checkpoints_written_total",
			Help: "Checkpoints durably written.",
		}),
		checkpointDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "crest_checkpoint_write_seconds",
			Help:    "Checkpoint write duration.",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 8),
		}),
		dlqDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "crest_dlq_depth",
			Help: "Dead-letter queue depth, by job.",
		}, []string{"job_id"}),
	}
	registry.MustRegister(
		r.jobsStarted, r.jobsFinished, r.jobDuration,
		r.agentsStarted, r.agentsFinished, r.agentDuration,
		r.retriesScheduled, r.checkpointsWritten, r.checkpointDuration,
		r.dlqDepth,
	)
	return r
}

// Registry exposes the underlying registry for the exposition handler.
func (r *PrometheusRecorder) Registry() *prometheus.Registry {
	return r.registry
}

func (r *PrometheusRecorder) JobStarted(pipelineName string) {
	r.jobsStarted.WithLabelValues(pipelineName).Inc()
}

func (r *PrometheusRecorder) JobFinished(pipelineName, state string, duration time.Duration) {
	r.jobsFinished.WithLabelValues(pipelineName, state).Inc()
	r.jobDuration.WithLabelValues(state).Observe(duration.Seconds())
}

func (r *PrometheusRecorder) AgentStarted() {
	r.agentsStarted.Inc()
}

func (r *PrometheusRecorder) AgentFinished(outcome string, duration time.Duration) {
	r.agentsFinished.WithLabelValues(outcome).Inc()
	r.agentDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

func (r *PrometheusRecorder) RetryScheduled() {
	r.retriesScheduled.Inc()
}

func (r *PrometheusRecorder) CheckpointWritten(duration time.Duration) {
	r.checkpointsWritten.Inc()
	r.checkpointDuration.Observe(duration.Seconds())
}

func (r *PrometheusRecorder) DLQDepth(jobID string, depth int) {
	r.dlqDepth.WithLabelValues(jobID).Set(float64(depth))
}
