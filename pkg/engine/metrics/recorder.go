// Package metrics defines the engine's observability surface: a metrics
// Recorder with noop and Prometheus implementations, and a Tracer over
// OpenTelemetry spanning phases and agents.
package metrics

import (
	"time"
)

// Recorder receives engine-level measurements. Implementations must be safe
// for concurrent use.
type Recorder interface {
	// JobStarted counts a job submission or resumption.
	JobStarted(pipelineName string)
	// JobFinished counts a terminal job state and observes its duration.
	JobFinished(pipelineName, state string, duration time.Duration)
	// AgentStarted counts an agent execution start.
	AgentStarted()
	// AgentFinished counts a terminal agent outcome and observes its
	// duration.
	AgentFinished(outcome string, duration time.Duration)
	// RetryScheduled counts one agent retry.
	RetryScheduled()
	// CheckpointWritten counts a checkpoint and observes its write time.
	CheckpointWritten(duration time.Duration)
	// DLQDepth records the current dead-letter queue depth of a job.
	DLQDepth(jobID string, depth int)
}

type noopRecorder struct{}

var _ Recorder = (*noopRecorder)(nil)

// NewNoopRecorder returns a recorder that discards all measurements.
func NewNoopRecorder() Recorder {
	return &noopRecorder{}
}

func (noopRecorder) JobStarted(string)                    {}
func (noopRecorder) JobFinished(string, string, time.Duration) {}
func (noopRecorder) AgentStarted()                        {}
func (noopRecorder) AgentFinished(string, time.Duration)  {}
func (noopRecorder) RetryScheduled()                      {}
func (noopRecorder) CheckpointWritten(time.Duration)      {}
func (noopRecorder) DLQDepth(string, int)                 {}
