// Package checkpoint persists and restores job progress snapshots. A
// checkpoint is an append-only, checksummed record of which work items are
// done; resumption trusts only evidence found in a valid checkpoint.
package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/tigerroll/crest/pkg/engine/core/config"
	"github.com/tigerroll/crest/pkg/engine/core/domain/model"
	"github.com/tigerroll/crest/pkg/engine/event"
	"github.com/tigerroll/crest/pkg/engine/storage"
	exception "github.com/tigerroll/crest/pkg/engine/support/exception"
	logger "github.com/tigerroll/crest/pkg/engine/support/logger"
)

const moduleName = "checkpoint"

// Manager creates, loads and validates job checkpoints.
type Manager interface {
	// CreateCheckpoint snapshots the job's progress and durably persists it.
	// Checkpoints are append-only; each gets the next sequence number.
	CreateCheckpoint(ctx context.Context, job *model.Job) (*model.Checkpoint, error)
	// LoadLatest returns the newest checkpoint of a job, or nil when the
	// job has none.
	LoadLatest(ctx context.Context, jobID string) (*model.Checkpoint, error)
	// LoadAndValidate loads the newest checkpoint and verifies its
	// checksum, schema version and internal consistency. A corrupt or
	// inconsistent checkpoint yields a ValidationError; callers fall back
	// to event replay in that case.
	LoadAndValidate(ctx context.Context, jobID string) (*model.Checkpoint, error)
	// ShouldCheckpoint reports whether enough progress or time has passed
	// since the last checkpoint to justify a new one.
	ShouldCheckpoint(completedSinceLast int, lastCheckpointAt time.Time) bool
	// ComputeRemainingWork returns the item IDs that still need execution
	// given a checkpoint: everything not recorded as completed, with
	// in-flight items always included.
	ComputeRemainingWork(cp *model.Checkpoint, allItemIDs []string) []string
}

type manager struct {
	store    storage.ByteStore
	eventLog event.Log
	cfg      config.CheckpointConfig

	mu   sync.Mutex
	seqs map[string]int // last issued sequence per job
}

var _ Manager = (*manager)(nil)

// NewManager creates a checkpoint manager over the given byte store.
func NewManager(store storage.ByteStore, eventLog event.Log, cfg *config.Config) Manager {
	return &manager{
		store:    store,
		eventLog: eventLog,
		cfg:      cfg.Crest.Engine.Checkpoint,
		seqs:     make(map[string]int),
	}
}

func checkpointKey(jobID string, sequence int) string {
	return fmt.Sprintf("checkpoints/%s/checkpoint-%06d.json", jobID, sequence)
}

func checkpointPrefix(jobID string) string {
	return fmt.Sprintf("checkpoints/%s/", jobID)
}

// nextSequence issues the next checkpoint sequence for a job, recovering the
// counter from persisted checkpoints on first use after a restart.
func (m *manager) nextSequence(ctx context.Context, jobID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.seqs[jobID]; !ok {
		keys, err := m.store.List(ctx, checkpointPrefix(jobID))
		if err != nil {
			return 0, exception.NewEngineError(moduleName, fmt.Sprintf("failed to list checkpoints for job '%s'", jobID), err, true)
		}
		last := 0
		for _, key := range keys {
			var seq int
			if _, err := fmt.Sscanf(key, checkpointPrefix(jobID)+"checkpoint-%06d.json", &seq); err == nil && seq > last {
				last = seq
			}
		}
		m.seqs[jobID] = last
	}
	m.seqs[jobID]++
	return m.seqs[jobID], nil
}

func (m *manager) CreateCheckpoint(ctx context.Context, job *model.Job) (*model.Checkpoint, error) {
	seq, err := m.nextSequence(ctx, job.ID)
	if err != nil {
		return nil, err
	}

	cp := job.Snapshot()
	cp.Sequence = seq
	if err := cp.Seal(); err != nil {
		return nil, exception.NewEngineError(moduleName, fmt.Sprintf("failed to seal checkpoint %d for job '%s'", seq, job.ID), err, false)
	}

	data, err := json.Marshal(cp)
	if err != nil {
		return nil, exception.NewEngineError(moduleName, fmt.Sprintf("failed to serialize checkpoint %d for job '%s'", seq, job.ID), err, false)
	}
	if err := m.store.WriteAtomic(ctx, checkpointKey(job.ID, seq), data); err != nil {
		m.emit(ctx, job, event.CheckpointFailed, fmt.Sprintf("checkpoint %d write failed: %v", seq, err))
		return nil, exception.NewEngineError(moduleName, fmt.Sprintf("failed to persist checkpoint %d for job '%s'", seq, job.ID), err, true)
	}

	m.emit(ctx, job, event.CheckpointCreated, fmt.Sprintf("checkpoint %d: %d/%d items completed", seq, len(cp.CompletedIDs), cp.TotalItems))
	logger.Infof("Created checkpoint %d for job '%s' (%d/%d completed, %d in flight)",
		seq, job.ID, len(cp.CompletedIDs), cp.TotalItems, len(cp.InFlightIDs))
	return cp, nil
}

func (m *manager) emit(ctx context.Context, job *model.Job, eventType event.Type, message string) {
	ev := event.New(eventType, job.ID, job.CorrelationID)
	ev.Message = message
	if _, err := m.eventLog.Append(ctx, ev); err != nil {
		logger.Warnf("Failed to append %s event for job '%s': %v", eventType, job.ID, err)
	}
}

func (m *manager) LoadLatest(ctx context.Context, jobID string) (*model.Checkpoint, error) {
	keys, err := m.store.List(ctx, checkpointPrefix(jobID))
	if err != nil {
		return nil, exception.NewEngineError(moduleName, fmt.Sprintf("failed to list checkpoints for job '%s'", jobID), err, true)
	}
	if len(keys) == 0 {
		return nil, nil
	}
	// Keys are zero-padded, so the lexically last key is the newest.
	latest := keys[len(keys)-1]
	data, err := m.store.Read(ctx, latest)
	if err != nil {
		return nil, exception.NewEngineError(moduleName, fmt.Sprintf("failed to read checkpoint '%s'", latest), err, true)
	}
	var cp model.Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, exception.NewValidationError(moduleName, fmt.Sprintf("checkpoint '%s' is not decodable", latest), err)
	}
	return &cp, nil
}

func (m *manager) LoadAndValidate(ctx context.Context, jobID string) (*model.Checkpoint, error) {
	cp, err := m.LoadLatest(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if cp == nil {
		return nil, nil
	}
	if err := m.validate(cp); err != nil {
		return nil, err
	}
	logger.Infof("Loaded checkpoint %d for job '%s' (%d/%d completed)", cp.Sequence, jobID, len(cp.CompletedIDs), cp.TotalItems)
	return cp, nil
}

func (m *manager) validate(cp *model.Checkpoint) error {
	if cp.SchemaVersion != model.CheckpointSchemaVersion {
		return exception.NewValidationError(moduleName,
			fmt.Sprintf("checkpoint %d has unsupported schema version %d", cp.Sequence, cp.SchemaVersion), nil)
	}
	ok, err := cp.VerifyChecksum()
	if err != nil {
		return exception.NewValidationError(moduleName,
			fmt.Sprintf("failed to verify checksum of checkpoint %d", cp.Sequence), err)
	}
	if !ok {
		return exception.NewValidationError(moduleName,
			fmt.Sprintf("checkpoint %d of job '%s' failed checksum verification", cp.Sequence, cp.JobID), nil)
	}
	if len(cp.CompletedIDs)+len(cp.FailedIDs) > cp.TotalItems {
		return exception.NewValidationError(moduleName,
			fmt.Sprintf("checkpoint %d is inconsistent: %d completed + %d failed exceeds %d total",
				cp.Sequence, len(cp.CompletedIDs), len(cp.FailedIDs), cp.TotalItems), nil)
	}
	seen := make(map[string]bool, len(cp.CompletedIDs))
	for _, id := range cp.CompletedIDs {
		seen[id] = true
	}
	for _, id := range cp.InFlightIDs {
		if seen[id] {
			return exception.NewValidationError(moduleName,
				fmt.Sprintf("checkpoint %d is inconsistent: item '%s' is both completed and in flight", cp.Sequence, id), nil)
		}
	}
	return nil
}

func (m *manager) ShouldCheckpoint(completedSinceLast int, lastCheckpointAt time.Time) bool {
	if m.cfg.IntervalItems > 0 && completedSinceLast >= m.cfg.IntervalItems {
		return true
	}
	if m.cfg.IntervalSeconds > 0 && !lastCheckpointAt.IsZero() &&
		time.Since(lastCheckpointAt) >= time.Duration(m.cfg.IntervalSeconds)*time.Second {
		return true
	}
	return false
}

// ComputeRemainingWork treats the checkpoint as the only evidence of
// completion: items without a completion record are rescheduled, and items
// that were in flight when the checkpoint was taken are always retried.
func (m *manager) ComputeRemainingWork(cp *model.Checkpoint, allItemIDs []string) []string {
	completed := make(map[string]bool)
	if cp != nil {
		for _, id := range cp.CompletedIDs {
			completed[id] = true
		}
	}
	remaining := make([]string, 0, len(allItemIDs))
	for _, id := range allItemIDs {
		if !completed[id] {
			remaining = append(remaining, id)
		}
	}
	return remaining
}
