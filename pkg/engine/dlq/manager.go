package dlq

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tigerroll/crest/pkg/engine/core/config"
	"github.com/tigerroll/crest/pkg/engine/core/domain/model"
	"github.com/tigerroll/crest/pkg/engine/event"
	"github.com/tigerroll/crest/pkg/engine/storage"
	exception "github.com/tigerroll/crest/pkg/engine/support/exception"
	logger "github.com/tigerroll/crest/pkg/engine/support/logger"
)

const moduleName = "dlq"

// ReprocessFunc runs one dead-lettered work item through the full pipeline
// again. The agent lifecycle manager supplies the implementation; keeping it
// a function type here avoids coupling the queue to agent execution.
type ReprocessFunc func(ctx context.Context, item model.WorkItem, correlationID string) error

// Manager is the dead-letter queue over the engine's byte store.
type Manager interface {
	// RecordFailure inserts an entry for the item or extends its failure
	// history, and re-evaluates retry eligibility.
	RecordFailure(ctx context.Context, jobID, correlationID string, item model.WorkItem, failure FailureDetail) (*DeadLetteredItem, error)
	// List returns the entries of a job matching the filter, ordered by
	// last failure time.
	List(ctx context.Context, jobID string, filter Filter) ([]DeadLetteredItem, error)
	// Get returns one entry, or nil when the item is not queued.
	Get(ctx context.Context, jobID, itemID string) (*DeadLetteredItem, error)
	// ReprocessOne runs the entry through the pipeline again. Success
	// removes the entry and emits AgentCompleted; failure extends the
	// entry in place.
	ReprocessOne(ctx context.Context, jobID, itemID string, run ReprocessFunc) (ProcessingResult, error)
	// ReprocessBatch lazily reprocesses all matching entries with bounded
	// concurrency. The stream closes when all results are in or the
	// context is cancelled; results produced before cancellation are
	// durably recorded.
	ReprocessBatch(ctx context.Context, jobID string, filter Filter, maxParallel int, run ReprocessFunc) (<-chan ProcessingResult, error)
	// Statistics summarizes the job's queue by scanning it at call time.
	Statistics(ctx context.Context, jobID string) (*Statistics, error)
	// AnalyzePatterns groups the job's failures by normalized error
	// signature, most frequent first.
	AnalyzePatterns(ctx context.Context, jobID string) ([]Pattern, error)
	// PurgeOlderThan removes entries whose last failure predates the
	// cutoff and returns how many were removed.
	PurgeOlderThan(ctx context.Context, jobID string, cutoff time.Time) (int, error)
}

type manager struct {
	store    storage.ByteStore
	eventLog event.Log
	cfg      config.DLQConfig

	// mu serializes read-modify-write cycles on entries and counters.
	mu sync.Mutex
}

var _ Manager = (*manager)(nil)

// NewManager creates a DLQ manager over the given byte store.
func NewManager(store storage.ByteStore, eventLog event.Log, cfg *config.Config) Manager {
	return &manager{store: store, eventLog: eventLog, cfg: cfg.Crest.Engine.DLQ}
}

func entryKey(jobID, itemID string) string {
	return fmt.Sprintf("dlq/%s/%s.json", jobID, itemID)
}

func entryPrefix(jobID string) string {
	return fmt.Sprintf("dlq/%s/", jobID)
}

func countersKey(jobID string) string {
	return fmt.Sprintf("dlq/%s/_counters.json", jobID)
}

// reprocessCounters accumulate over the job's lifetime so the success rate
// survives entry removal and process restarts.
type reprocessCounters struct {
	Attempts  int `json:"attempts"`
	Successes int `json:"successes"`
}

func (m *manager) RecordFailure(ctx context.Context, jobID, correlationID string, item model.WorkItem, failure FailureDetail) (*DeadLetteredItem, error) {
	if item.ID == "" {
		return nil, exception.NewValidationError(moduleName, "work item has no id", nil)
	}
	if failure.Signature == "" {
		failure.Signature = ErrorSignature(failure.ErrorType, failure.Message)
	}
	if failure.Timestamp.IsZero() {
		failure.Timestamp = time.Now()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	entry, err := m.readEntry(ctx, jobID, item.ID)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		if err := m.enforceCapacityLocked(ctx, jobID); err != nil {
			return nil, err
		}
		entry = &DeadLetteredItem{
			ItemID:        item.ID,
			JobID:         jobID,
			CorrelationID: correlationID,
			Item:          item,
			FirstFailedAt: failure.Timestamp,
		}
	}
	failure.Attempt = len(entry.Failures) + 1
	entry.Failures = append(entry.Failures, failure)
	entry.LastFailedAt = failure.Timestamp
	entry.EligibleForRetry = m.evaluateEligibility(entry)

	if err := m.writeEntry(ctx, entry); err != nil {
		return nil, err
	}
	logger.Infof("Recorded DLQ failure for item '%s' of job '%s' (attempt %d, type: %s, eligible: %t)",
		item.ID, jobID, failure.Attempt, failure.ErrorType, entry.EligibleForRetry)
	return entry, nil
}

func (m *manager) evaluateEligibility(entry *DeadLetteredItem) bool {
	if m.cfg.MaxAttempts > 0 && len(entry.Failures) >= m.cfg.MaxAttempts {
		return false
	}
	last := entry.LastFailure()
	if last != nil && !last.ErrorType.retriable() {
		return false
	}
	return true
}

// enforceCapacityLocked evicts the oldest entry when the queue is at its
// configured bound. Caller holds m.mu.
func (m *manager) enforceCapacityLocked(ctx context.Context, jobID string) error {
	if m.cfg.MaxItems <= 0 {
		return nil
	}
	entries, err := m.list(ctx, jobID, Filter{})
	if err != nil {
		return err
	}
	if len(entries) < m.cfg.MaxItems {
		return nil
	}
	oldest := entries[0]
	logger.Warnf("DLQ for job '%s' is at capacity (%d); evicting oldest entry '%s'", jobID, m.cfg.MaxItems, oldest.ItemID)
	return m.store.Delete(ctx, entryKey(jobID, oldest.ItemID))
}

func (m *manager) readEntry(ctx context.Context, jobID, itemID string) (*DeadLetteredItem, error) {
	data, err := m.store.Read(ctx, entryKey(jobID, itemID))
	if err != nil {
		// Missing entries are a normal outcome, not an error.
		return nil, nil
	}
	var entry DeadLetteredItem
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, exception.NewValidationError(moduleName, fmt.Sprintf("DLQ entry for item '%s' is not decodable", itemID), err)
	}
	return &entry, nil
}

func (m *manager) writeEntry(ctx context.Context, entry *DeadLetteredItem) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return exception.NewEngineError(moduleName, fmt.Sprintf("failed to serialize DLQ entry '%s'", entry.ItemID), err, false)
	}
	if err := m.store.WriteAtomic(ctx, entryKey(entry.JobID, entry.ItemID), data); err != nil {
		return exception.NewEngineError(moduleName, fmt.Sprintf("failed to persist DLQ entry '%s'", entry.ItemID), err, true)
	}
	return nil
}

func (m *manager) list(ctx context.Context, jobID string, filter Filter) ([]DeadLetteredItem, error) {
	keys, err := m.store.List(ctx, entryPrefix(jobID))
	if err != nil {
		return nil, exception.NewEngineError(moduleName, fmt.Sprintf("failed to list DLQ entries for job '%s'", jobID), err, true)
	}
	entries := make([]DeadLetteredItem, 0, len(keys))
	for _, key := range keys {
		if strings.HasSuffix(key, "/_counters.json") {
			continue
		}
		data, err := m.store.Read(ctx, key)
		if err != nil {
			return nil, exception.NewEngineError(moduleName, fmt.Sprintf("failed to read DLQ entry '%s'", key), err, true)
		}
		var entry DeadLetteredItem
		if err := json.Unmarshal(data, &entry); err != nil {
			logger.Warnf("Skipping undecodable DLQ entry '%s': %v", key, err)
			continue
		}
		if filter.Matches(&entry) {
			entries = append(entries, entry)
		}
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].LastFailedAt.Before(entries[j].LastFailedAt)
	})
	return entries, nil
}

func (m *manager) List(ctx context.Context, jobID string, filter Filter) ([]DeadLetteredItem, error) {
	return m.list(ctx, jobID, filter)
}

func (m *manager) Get(ctx context.Context, jobID, itemID string) (*DeadLetteredItem, error) {
	return m.readEntry(ctx, jobID, itemID)
}

func (m *manager) ReprocessOne(ctx context.Context, jobID, itemID string, run ReprocessFunc) (ProcessingResult, error) {
	m.mu.Lock()
	entry, err := m.readEntry(ctx, jobID, itemID)
	m.mu.Unlock()
	if err != nil {
		return ProcessingResult{ItemID: itemID}, err
	}
	if entry == nil {
		return ProcessingResult{ItemID: itemID}, exception.NewValidationError(moduleName,
			fmt.Sprintf("item '%s' is not in the DLQ of job '%s'", itemID, jobID), nil)
	}

	start := time.Now()
	runErr := run(ctx, entry.Item, entry.CorrelationID)
	result := ProcessingResult{ItemID: itemID, Duration: time.Since(start)}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.bumpCounters(ctx, jobID, runErr == nil)

	if runErr == nil {
		if err := m.store.Delete(ctx, entryKey(jobID, itemID)); err != nil {
			return result, exception.NewEngineError(moduleName,
				fmt.Sprintf("reprocess of item '%s' succeeded but entry removal failed", itemID), err, true)
		}
		result.Success = true
		ev := event.New(event.AgentCompleted, jobID, entry.CorrelationID)
		ev.ItemID = itemID
		ev.Message = "dead-lettered item reprocessed successfully"
		if _, err := m.eventLog.Append(ctx, ev); err != nil {
			logger.Warnf("Failed to append AgentCompleted event for reprocessed item '%s': %v", itemID, err)
		}
		logger.Infof("Reprocessed DLQ item '%s' of job '%s' successfully in %s", itemID, jobID, result.Duration)
		return result, nil
	}

	result.Error = runErr.Error()
	entry.ReprocessCount++
	failure := FailureDetail{
		Timestamp: time.Now(),
		Attempt:   len(entry.Failures) + 1,
		ErrorType: ClassifyError(runErr),
		Message:   runErr.Error(),
		Signature: ErrorSignature(ClassifyError(runErr), runErr.Error()),
		Duration:  result.Duration,
	}
	entry.Failures = append(entry.Failures, failure)
	entry.LastFailedAt = failure.Timestamp
	entry.EligibleForRetry = m.evaluateEligibility(entry)
	if err := m.writeEntry(ctx, entry); err != nil {
		return result, err
	}
	logger.Warnf("Reprocess of DLQ item '%s' failed: %v", itemID, runErr)
	return result, nil
}

func (m *manager) ReprocessBatch(ctx context.Context, jobID string, filter Filter, maxParallel int, run ReprocessFunc) (<-chan ProcessingResult, error) {
	entries, err := m.list(ctx, jobID, filter)
	if err != nil {
		return nil, err
	}
	if maxParallel <= 0 {
		maxParallel = 1
	}

	results := make(chan ProcessingResult)
	go func() {
		defer close(results)
		sem := make(chan struct{}, maxParallel)
		var wg sync.WaitGroup
		for i := range entries {
			entry := entries[i]
			select {
			case <-ctx.Done():
				wg.Wait()
				return
			case sem <- struct{}{}:
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer func() { <-sem }()
				result, err := m.ReprocessOne(ctx, jobID, entry.ItemID, run)
				if err != nil {
					result.Error = err.Error()
				}
				select {
				case results <- result:
				case <-ctx.Done():
				}
			}()
		}
		wg.Wait()
	}()
	return results, nil
}

// bumpCounters durably updates the lifetime reprocess counters. Failures to
// persist the counters never fail the reprocess itself. Caller holds m.mu.
func (m *manager) bumpCounters(ctx context.Context, jobID string, success bool) {
	var counters reprocessCounters
	if data, err := m.store.Read(ctx, countersKey(jobID)); err == nil {
		if err := json.Unmarshal(data, &counters); err != nil {
			logger.Warnf("Resetting undecodable DLQ counters for job '%s': %v", jobID, err)
			counters = reprocessCounters{}
		}
	}
	counters.Attempts++
	if success {
		counters.Successes++
	}
	data, err := json.Marshal(counters)
	if err == nil {
		err = m.store.WriteAtomic(ctx, countersKey(jobID), data)
	}
	if err != nil {
		logger.Warnf("Failed to persist DLQ counters for job '%s': %v", jobID, err)
	}
}

func (m *manager) Statistics(ctx context.Context, jobID string) (*Statistics, error) {
	entries, err := m.list(ctx, jobID, Filter{})
	if err != nil {
		return nil, err
	}

	stats := &Statistics{ErrorTypeCounts: make(map[ErrorType]int)}
	var totalAttempts int
	var totalDuration time.Duration
	var durations int
	for i := range entries {
		entry := &entries[i]
		stats.TotalEntries++
		if entry.EligibleForRetry {
			stats.RetryEligible++
		}
		if last := entry.LastFailure(); last != nil {
			stats.ErrorTypeCounts[last.ErrorType]++
		}
		totalAttempts += len(entry.Failures)
		for _, f := range entry.Failures {
			if f.Duration > 0 {
				totalDuration += f.Duration
				durations++
			}
		}
		if stats.OldestEntry.IsZero() || entry.LastFailedAt.Before(stats.OldestEntry) {
			stats.OldestEntry = entry.LastFailedAt
		}
		if entry.LastFailedAt.After(stats.NewestEntry) {
			stats.NewestEntry = entry.LastFailedAt
		}
	}
	if stats.TotalEntries > 0 {
		stats.AverageAttempts = float64(totalAttempts) / float64(stats.TotalEntries)
	}
	if durations > 0 {
		stats.AverageFailureDuration = totalDuration / time.Duration(durations)
	}

	var counters reprocessCounters
	if data, err := m.store.Read(ctx, countersKey(jobID)); err == nil {
		_ = json.Unmarshal(data, &counters)
	}
	stats.ReprocessAttempts = counters.Attempts
	stats.ReprocessSuccesses = counters.Successes
	if counters.Attempts > 0 {
		stats.SuccessRate = float64(counters.Successes) / float64(counters.Attempts)
	}
	return stats, nil
}

func (m *manager) AnalyzePatterns(ctx context.Context, jobID string) ([]Pattern, error) {
	entries, err := m.list(ctx, jobID, Filter{})
	if err != nil {
		return nil, err
	}

	bySignature := make(map[string]*Pattern)
	for i := range entries {
		entry := &entries[i]
		for _, f := range entry.Failures {
			p, ok := bySignature[f.Signature]
			if !ok {
				p = &Pattern{Signature: f.Signature, ErrorType: f.ErrorType, FirstSeen: f.Timestamp, LastSeen: f.Timestamp}
				bySignature[f.Signature] = p
			}
			p.Count++
			if f.Timestamp.Before(p.FirstSeen) {
				p.FirstSeen = f.Timestamp
			}
			if f.Timestamp.After(p.LastSeen) {
				p.LastSeen = f.Timestamp
			}
			if !containsString(p.ItemIDs, entry.ItemID) {
				p.ItemIDs = append(p.ItemIDs, entry.ItemID)
			}
		}
	}

	patterns := make([]Pattern, 0, len(bySignature))
	for _, p := range bySignature {
		patterns = append(patterns, *p)
	}
	sort.SliceStable(patterns, func(i, j int) bool {
		if patterns[i].Count != patterns[j].Count {
			return patterns[i].Count > patterns[j].Count
		}
		return patterns[i].Signature < patterns[j].Signature
	})
	return patterns, nil
}

func (m *manager) PurgeOlderThan(ctx context.Context, jobID string, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entries, err := m.list(ctx, jobID, Filter{Until: cutoff})
	if err != nil {
		return 0, err
	}
	purged := 0
	for i := range entries {
		if err := m.store.Delete(ctx, entryKey(jobID, entries[i].ItemID)); err != nil {
			return purged, exception.NewEngineError(moduleName,
				fmt.Sprintf("failed to purge DLQ entry '%s'", entries[i].ItemID), err, true)
		}
		purged++
	}
	if purged > 0 {
		logger.Infof("Purged %d DLQ entries older than %s for job '%s'", purged, cutoff.Format(time.RFC3339), jobID)
	}
	return purged, nil
}

// ClassifyError maps an execution error onto a failure category using the
// engine's error taxonomy.
func ClassifyError(err error) ErrorType {
	switch {
	case exception.IsErrorOfType(err, "TimeoutError"):
		return ErrorTypeTimeout
	case exception.IsErrorOfType(err, "StepFailure"):
		return ErrorTypeStepFailure
	case exception.IsErrorOfType(err, "WorkspaceError"):
		return ErrorTypeWorkspace
	case exception.IsErrorOfType(err, "ValidationError"):
		return ErrorTypeValidation
	default:
		return ErrorTypeUnknown
	}
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
