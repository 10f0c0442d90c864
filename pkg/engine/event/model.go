// Package event implements the engine's durable, structured event log. Every
// state change of a job, agent, checkpoint, or workspace is recorded as an
// idempotent fact before it is acted upon, so the full history of a job can
// be replayed to reconstruct state.
package event

import (
	"time"

	"github.com/tigerroll/crest/pkg/engine/core/domain/model"
)

// Type identifies the kind of an event.
type Type string

// Job lifecycle events.
const (
	JobStarted   Type = "JobStarted"
	JobCompleted Type = "JobCompleted"
	JobFailed    Type = "JobFailed"
	JobPaused    Type = "JobPaused"
	JobResumed   Type = "JobResumed"
)

// Agent lifecycle events.
const (
	AgentStarted   Type = "AgentStarted"
	AgentProgress  Type = "AgentProgress"
	AgentCompleted Type = "AgentCompleted"
	AgentFailed    Type = "AgentFailed"
	AgentRetrying  Type = "AgentRetrying"
)

// Checkpoint lifecycle events.
const (
	CheckpointCreated Type = "CheckpointCreated"
	CheckpointLoaded  Type = "CheckpointLoaded"
	CheckpointFailed  Type = "CheckpointFailed"
)

// Workspace lifecycle events.
const (
	WorkspaceCreated Type = "WorkspaceCreated"
	WorkspaceMerged  Type = "WorkspaceMerged"
	WorkspaceCleaned Type = "WorkspaceCleaned"
)

// String returns the string representation of the event type.
func (t Type) String() string {
	return string(t)
}

// Event is one recorded fact. Events are keyed by ID; consumers treat
// duplicate IDs as the same fact, which makes at-least-once delivery safe.
type Event struct {
	// ID uniquely identifies the event.
	ID string `json:"id"`
	// JobID is the job this event belongs to.
	JobID string `json:"job_id"`
	// CorrelationID groups related events: all events of one job share the
	// job correlation id, all events of one agent share that agent's.
	CorrelationID string `json:"correlation_id"`
	// Type is the event kind.
	Type Type `json:"type"`
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`
	// Sequence is the job-wide insertion order, assigned at append time.
	Sequence int `json:"sequence"`
	// AgentSequence is the agent-local sequence number for agent events,
	// monotonically increasing without gaps per correlation id. Zero for
	// non-agent events.
	AgentSequence int `json:"agent_sequence,omitempty"`
	// ItemID is the work item involved, when the event concerns one.
	ItemID string `json:"item_id,omitempty"`
	// Message is an optional human-readable summary.
	Message string `json:"message,omitempty"`
	// Payload carries event-specific structured data.
	Payload map[string]interface{} `json:"payload,omitempty"`
}

// New creates an event of the given type with a fresh ID and the current
// timestamp. Sequence numbers are assigned by the log at append time.
func New(eventType Type, jobID, correlationID string) Event {
	return Event{
		ID:            model.NewID(),
		JobID:         jobID,
		CorrelationID: correlationID,
		Type:          eventType,
		Timestamp:     time.Now(),
	}
}

// Filter restricts a query. Zero-valued fields do not restrict.
type Filter struct {
	// JobID restricts to a single job.
	JobID string
	// Types restricts to a set of event types.
	Types []Type
	// CorrelationID restricts to one correlation chain.
	CorrelationID string
	// Since restricts to events at or after this time.
	Since time.Time
	// Until restricts to events at or before this time.
	Until time.Time
}

// Matches reports whether an event passes the filter.
func (f *Filter) Matches(ev *Event) bool {
	if f.JobID != "" && ev.JobID != f.JobID {
		return false
	}
	if f.CorrelationID != "" && ev.CorrelationID != f.CorrelationID {
		return false
	}
	if len(f.Types) > 0 {
		found := false
		for _, t := range f.Types {
			if ev.Type == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if !f.Since.IsZero() && ev.Timestamp.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && ev.Timestamp.After(f.Until) {
		return false
	}
	return true
}

// Stats summarizes a job's event history.
type Stats struct {
	// TotalEvents is the number of recorded events.
	TotalEvents int `json:"total_events"`
	// CountsByType maps each event type to its occurrence count.
	CountsByType map[Type]int `json:"counts_by_type"`
	// EarliestTimestamp is the timestamp of the first event.
	EarliestTimestamp time.Time `json:"earliest_timestamp"`
	// LatestTimestamp is the timestamp of the last event.
	LatestTimestamp time.Time `json:"latest_timestamp"`
}
