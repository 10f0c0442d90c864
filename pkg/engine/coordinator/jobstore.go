package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/tigerroll/crest/pkg/engine/core/domain/model"
	"github.com/tigerroll/crest/pkg/engine/storage"
	exception "github.com/tigerroll/crest/pkg/engine/support/exception"
)

// JobStore persists job records so status queries and resumption survive a
// process restart. The record is a convenience mirror; checkpoints and the
// event log remain the source of truth for progress.
type JobStore struct {
	store storage.ByteStore
}

// NewJobStore creates a job store over the given byte store.
func NewJobStore(store storage.ByteStore) *JobStore {
	return &JobStore{store: store}
}

func jobKey(jobID string) string {
	return fmt.Sprintf("jobs/%s.json", jobID)
}

// Save persists the job record.
func (s *JobStore) Save(ctx context.Context, job *model.Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return exception.NewEngineError(moduleName, fmt.Sprintf("failed to serialize job '%s'", job.ID), err, false)
	}
	if err := s.store.WriteAtomic(ctx, jobKey(job.ID), data); err != nil {
		return exception.NewEngineError(moduleName, fmt.Sprintf("failed to persist job '%s'", job.ID), err, true)
	}
	return nil
}

// Load returns the job record, or nil when the job is unknown.
func (s *JobStore) Load(ctx context.Context, jobID string) (*model.Job, error) {
	data, err := s.store.Read(ctx, jobKey(jobID))
	if err != nil {
		return nil, nil
	}
	var job model.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, exception.NewValidationError(moduleName, fmt.Sprintf("job record '%s' is not decodable", jobID), err)
	}
	return &job, nil
}

// List returns the IDs of all persisted jobs, sorted.
func (s *JobStore) List(ctx context.Context) ([]string, error) {
	keys, err := s.store.List(ctx, "jobs/")
	if err != nil {
		return nil, exception.NewEngineError(moduleName, "failed to list job records", err, true)
	}
	ids := make([]string, 0, len(keys))
	for _, key := range keys {
		id := strings.TrimSuffix(strings.TrimPrefix(key, "jobs/"), ".json")
		if id != "" && !strings.Contains(id, "/") {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}
