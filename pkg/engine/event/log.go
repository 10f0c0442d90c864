package event

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/tigerroll/crest/pkg/engine/storage"
	exception "github.com/tigerroll/crest/pkg/engine/support/exception"
	logger "github.com/tigerroll/crest/pkg/engine/support/logger"
)

const moduleName = "event"

// Log records and queries the engine's event history.
type Log interface {
	// Append durably records an event and returns its ID. The event is
	// persisted before Append returns; a returned ID means the fact is
	// on disk. Sequence numbers are assigned here.
	Append(ctx context.Context, ev Event) (string, error)
	// Query returns all matching events ordered by timestamp, with
	// insertion order breaking ties.
	Query(ctx context.Context, filter Filter) ([]Event, error)
	// QueryFrom returns matching events with insertion sequence strictly
	// greater than afterSequence, for restartable consumption.
	QueryFrom(ctx context.Context, filter Filter, afterSequence int) ([]Event, error)
	// Replay feeds every event of a job, in order, to the handler. A
	// handler error stops the replay and is returned.
	Replay(ctx context.Context, jobID string, handler func(Event) error) error
	// Stats summarizes a job's event history.
	Stats(ctx context.Context, jobID string) (*Stats, error)
}

type byteStoreLog struct {
	store storage.ByteStore

	mu        sync.Mutex
	jobSeq    map[string]int // last job-wide sequence per job
	agentSeq  map[string]int // last agent-local sequence per correlation id
	recovered map[string]bool
}

var _ Log = (*byteStoreLog)(nil)

// NewLog creates an event log persisting through the given byte store.
func NewLog(store storage.ByteStore) Log {
	return &byteStoreLog{
		store:     store,
		jobSeq:    make(map[string]int),
		agentSeq:  make(map[string]int),
		recovered: make(map[string]bool),
	}
}

func eventKey(jobID string, sequence int) string {
	return fmt.Sprintf("events/%s/%08d.json", jobID, sequence)
}

func jobPrefix(jobID string) string {
	return fmt.Sprintf("events/%s/", jobID)
}

func isAgentEvent(t Type) bool {
	switch t {
	case AgentStarted, AgentProgress, AgentCompleted, AgentFailed, AgentRetrying:
		return true
	}
	return false
}

// recoverSequencesLocked restores the sequence counters of a job from the
// persisted events, so that a restarted process continues numbering where
// the previous one left off. Caller holds l.mu.
func (l *byteStoreLog) recoverSequencesLocked(ctx context.Context, jobID string) error {
	if l.recovered[jobID] {
		return nil
	}
	events, err := l.readJobEvents(ctx, jobID)
	if err != nil {
		return err
	}
	for i := range events {
		ev := &events[i]
		if ev.Sequence > l.jobSeq[jobID] {
			l.jobSeq[jobID] = ev.Sequence
		}
		if isAgentEvent(ev.Type) && ev.AgentSequence > l.agentSeq[ev.CorrelationID] {
			l.agentSeq[ev.CorrelationID] = ev.AgentSequence
		}
	}
	l.recovered[jobID] = true
	return nil
}

func (l *byteStoreLog) Append(ctx context.Context, ev Event) (string, error) {
	if ev.JobID == "" {
		return "", exception.NewValidationError(moduleName, "event has no job id", nil)
	}
	if ev.ID == "" {
		return "", exception.NewValidationError(moduleName, "event has no id", nil)
	}

	l.mu.Lock()
	if err := l.recoverSequencesLocked(ctx, ev.JobID); err != nil {
		l.mu.Unlock()
		return "", err
	}
	l.jobSeq[ev.JobID]++
	ev.Sequence = l.jobSeq[ev.JobID]
	if isAgentEvent(ev.Type) {
		l.agentSeq[ev.CorrelationID]++
		ev.AgentSequence = l.agentSeq[ev.CorrelationID]
	}
	l.mu.Unlock()

	data, err := json.Marshal(ev)
	if err != nil {
		return "", exception.NewValidationError(moduleName, fmt.Sprintf("failed to serialize event '%s'", ev.ID), err)
	}
	if err := l.store.WriteAtomic(ctx, eventKey(ev.JobID, ev.Sequence), data); err != nil {
		return "", exception.NewEngineError(moduleName, fmt.Sprintf("failed to persist event '%s' for job '%s'", ev.ID, ev.JobID), err, true)
	}
	logger.Debugf("Appended event %s (type: %s, job: %s, seq: %d)", ev.ID, ev.Type, ev.JobID, ev.Sequence)
	return ev.ID, nil
}

// readJobEvents loads and decodes every event of a job. Keys list in lexical
// order, which matches insertion order because sequences are zero-padded.
func (l *byteStoreLog) readJobEvents(ctx context.Context, jobID string) ([]Event, error) {
	keys, err := l.store.List(ctx, jobPrefix(jobID))
	if err != nil {
		return nil, exception.NewEngineError(moduleName, fmt.Sprintf("failed to list events for job '%s'", jobID), err, true)
	}
	events := make([]Event, 0, len(keys))
	for _, key := range keys {
		if !strings.HasSuffix(key, ".json") {
			continue
		}
		data, err := l.store.Read(ctx, key)
		if err != nil {
			return nil, exception.NewEngineError(moduleName, fmt.Sprintf("failed to read event '%s'", key), err, true)
		}
		var ev Event
		if err := json.Unmarshal(data, &ev); err != nil {
			// A torn record is skipped, not fatal: the writer crashed
			// before the atomic rename completed.
			logger.Warnf("Skipping undecodable event record '%s': %v", key, err)
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

func sortEvents(events []Event) {
	sort.SliceStable(events, func(i, j int) bool {
		if !events[i].Timestamp.Equal(events[j].Timestamp) {
			return events[i].Timestamp.Before(events[j].Timestamp)
		}
		return events[i].Sequence < events[j].Sequence
	})
}

func (l *byteStoreLog) Query(ctx context.Context, filter Filter) ([]Event, error) {
	return l.QueryFrom(ctx, filter, 0)
}

func (l *byteStoreLog) QueryFrom(ctx context.Context, filter Filter, afterSequence int) ([]Event, error) {
	if filter.JobID == "" {
		return nil, exception.NewValidationError(moduleName, "event query requires a job id", nil)
	}
	all, err := l.readJobEvents(ctx, filter.JobID)
	if err != nil {
		return nil, err
	}
	matched := make([]Event, 0, len(all))
	for i := range all {
		if all[i].Sequence <= afterSequence {
			continue
		}
		if filter.Matches(&all[i]) {
			matched = append(matched, all[i])
		}
	}
	sortEvents(matched)
	return matched, nil
}

func (l *byteStoreLog) Replay(ctx context.Context, jobID string, handler func(Event) error) error {
	events, err := l.Query(ctx, Filter{JobID: jobID})
	if err != nil {
		return err
	}
	for _, ev := range events {
		if err := handler(ev); err != nil {
			return exception.NewEngineError(moduleName, fmt.Sprintf("replay handler failed at event '%s' (seq %d)", ev.ID, ev.Sequence), err, false)
		}
	}
	return nil
}

func (l *byteStoreLog) Stats(ctx context.Context, jobID string) (*Stats, error) {
	events, err := l.Query(ctx, Filter{JobID: jobID})
	if err != nil {
		return nil, err
	}
	stats := &Stats{CountsByType: make(map[Type]int)}
	for i := range events {
		ev := &events[i]
		stats.TotalEvents++
		stats.CountsByType[ev.Type]++
		if stats.EarliestTimestamp.IsZero() || ev.Timestamp.Before(stats.EarliestTimestamp) {
			stats.EarliestTimestamp = ev.Timestamp
		}
		if ev.Timestamp.After(stats.LatestTimestamp) {
			stats.LatestTimestamp = ev.Timestamp
		}
	}
	return stats, nil
}
