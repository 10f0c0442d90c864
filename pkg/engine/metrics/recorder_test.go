package metrics_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/tigerroll/crest/pkg/engine/metrics"
)

func TestPrometheusRecorderCounts(t *testing.T) {
	r := metrics.NewPrometheusRecorder()

	r.JobStarted("etl")
	r.JobStarted("etl")
	r.JobFinished("etl", "COMPLETED", 3*time.Second)
	r.AgentStarted()
	r.AgentFinished("succeeded", time.Second)
	r.AgentFinished("failed", time.Second)
	r.RetryScheduled()
	r.CheckpointWritten(10 * time.Millisecond)
	r.DLQDepth("job-1", 4)

	families, err := r.Registry().Gather()
	assert.NoError(t, err)

	counters := map[string]float64{}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			if m.GetCounter() != nil {
				counters[mf.GetName()] += m.GetCounter().GetValue()
			}
			if m.GetGauge() != nil {
				counters[mf.GetName()] += m.GetGauge().GetValue()
			}
		}
	}
	assert.Equal(t, 2.0, counters["crest_jobs_started_total"])
	assert.Equal(t, 1.0, counters["crest_jobs_finished_total"])
	assert.Equal(t, 1.0, counters["crest_agents_started_total"])
	assert.Equal(t, 2.0, counters["crest_agents_finished_total"])
	assert.Equal(t, 1.0, counters["crest_agent_retries_total"])
	assert.Equal(t, 1.0, counters["crest_checkpoints_written_total"])
	assert.Equal(t, 4.0, counters["crest_dlq_depth"])
}

func TestNoopRecorderIsSafe(t *testing.T) {
	r := metrics.NewNoopRecorder()
	r.JobStarted("etl")
	r.JobFinished("etl", "FAILED", time.Second)
	r.AgentStarted()
	r.AgentFinished("succeeded", time.Second)
	r.RetryScheduled()
	r.CheckpointWritten(time.Millisecond)
	r.DLQDepth("job-1", 0)
}
