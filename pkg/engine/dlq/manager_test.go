package dlq_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	coreConfig "github.com/tigerroll/crest/pkg/engine/core/config"
	"github.com/tigerroll/crest/pkg/engine/core/domain/model"
	"github.com/tigerroll/crest/pkg/engine/dlq"
	"github.com/tigerroll/crest/pkg/engine/event"
	storeConfig "github.com/tigerroll/crest/pkg/engine/storage/config"
	"github.com/tigerroll/crest/pkg/engine/storage/local"
)

func newTestManager(t *testing.T, mutate func(*coreConfig.Config)) (dlq.Manager, event.Log) {
	t.Helper()
	store, err := local.NewLocalStore(storeConfig.StoreConfig{Type: local.ProviderType, BaseDir: t.TempDir()}, "test")
	require.NoError(t, err)
	cfg := coreConfig.NewConfig()
	if mutate != nil {
		mutate(cfg)
	}
	log := event.NewLog(store)
	return dlq.NewManager(store, log, cfg), log
}

func stepFailure(message string) dlq.FailureDetail {
	return dlq.FailureDetail{
		ErrorType: dlq.ErrorTypeStepFailure,
		Message:   message,
		Duration:  2 * time.Second,
	}
}

func TestRecordFailureCreatesAndExtends(t *testing.T) {
	mgr, _ := newTestManager(t, nil)
	ctx := context.Background()
	item := model.WorkItem{ID: "item-1", Payload: map[string]interface{}{"id": 1}}

	entry, err := mgr.RecordFailure(ctx, "job-1", "agent-a", item, stepFailure("exit status 1"))
	require.NoError(t, err)
	assert.Equal(t, 1, entry.Failures[0].Attempt)
	assert.True(t, entry.EligibleForRetry)
	assert.NotEmpty(t, entry.Failures[0].Signature)

	entry, err = mgr.RecordFailure(ctx, "job-1", "agent-a", item, stepFailure("exit status 1"))
	require.NoError(t, err)
	assert.Len(t, entry.Failures, 2)
	assert.Equal(t, 2, entry.Failures[1].Attempt)
	assert.Equal(t, entry.FirstFailedAt, entry.Failures[0].Timestamp)
}

func TestEligibilityExhaustedAtMaxAttempts(t *testing.T) {
	mgr, _ := newTestManager(t, func(cfg *coreConfig.Config) {
		cfg.Crest.Engine.DLQ.MaxAttempts = 2
	})
	ctx := context.Background()
	item := model.WorkItem{ID: "item-1"}

	entry, err := mgr.RecordFailure(ctx, "job-1", "agent-a", item, stepFailure("boom"))
	require.NoError(t, err)
	assert.True(t, entry.EligibleForRetry)

	entry, err = mgr.RecordFailure(ctx, "job-1", "agent-a", item, stepFailure("boom"))
	require.NoError(t, err)
	assert.False(t, entry.EligibleForRetry)
}

func TestValidationFailuresAreNotRetryEligible(t *testing.T) {
	mgr, _ := newTestManager(t, nil)
	ctx := context.Background()

	entry, err := mgr.RecordFailure(ctx, "job-1", "agent-a", model.WorkItem{ID: "item-1"}, dlq.FailureDetail{
		ErrorType: dlq.ErrorTypeValidation,
		Message:   "malformed payload",
	})
	require.NoError(t, err)
	assert.False(t, entry.EligibleForRetry)
}

func TestListFiltering(t *testing.T) {
	mgr, _ := newTestManager(t, nil)
	ctx := context.Background()

	_, err := mgr.RecordFailure(ctx, "job-1", "c1", model.WorkItem{ID: "item-1"}, stepFailure("boom"))
	require.NoError(t, err)
	_, err = mgr.RecordFailure(ctx, "job-1", "c2", model.WorkItem{ID: "item-2"}, dlq.FailureDetail{
		ErrorType: dlq.ErrorTypeTimeout, Message: "deadline exceeded",
	})
	require.NoError(t, err)

	entries, err := mgr.List(ctx, "job-1", dlq.Filter{})
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	entries, err = mgr.List(ctx, "job-1", dlq.Filter{ErrorType: dlq.ErrorTypeTimeout})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "item-2", entries[0].ItemID)
}

func TestReprocessOneSuccessRemovesEntryAndEmitsEvent(t *testing.T) {
	mgr, log := newTestManager(t, nil)
	ctx := context.Background()

	_, err := mgr.RecordFailure(ctx, "job-1", "agent-a", model.WorkItem{ID: "item-1"}, stepFailure("boom"))
	require.NoError(t, err)

	var gotCorrelation string
	result, err := mgr.ReprocessOne(ctx, "job-1", "item-1", func(ctx context.Context, item model.WorkItem, correlationID string) error {
		gotCorrelation = correlationID
		return nil
	})
	require.NoError(t, err)
	assert.True(t, result.Success)
	// The original correlation id is preserved for audit continuity.
	assert.Equal(t, "agent-a", gotCorrelation)

	entry, err := mgr.Get(ctx, "job-1", "item-1")
	require.NoError(t, err)
	assert.Nil(t, entry)

	events, err := log.Query(ctx, event.Filter{JobID: "job-1", Types: []event.Type{event.AgentCompleted}})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "agent-a", events[0].CorrelationID)
	assert.Equal(t, "item-1", events[0].ItemID)
}

func TestReprocessOneFailureUpdatesInPlace(t *testing.T) {
	mgr, _ := newTestManager(t, nil)
	ctx := context.Background()

	_, err := mgr.RecordFailure(ctx, "job-1", "agent-a", model.WorkItem{ID: "item-1"}, stepFailure("boom"))
	require.NoError(t, err)

	result, err := mgr.ReprocessOne(ctx, "job-1", "item-1", func(ctx context.Context, item model.WorkItem, correlationID string) error {
		return fmt.Errorf("still broken")
	})
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "still broken")

	entry, err := mgr.Get(ctx, "job-1", "item-1")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Len(t, entry.Failures, 2)
	assert.Equal(t, 1, entry.ReprocessCount)
}

func TestReprocessOneUnknownItem(t *testing.T) {
	mgr, _ := newTestManager(t, nil)
	_, err := mgr.ReprocessOne(context.Background(), "job-1", "ghost", func(ctx context.Context, item model.WorkItem, correlationID string) error {
		return nil
	})
	assert.Error(t, err)
}

func TestReprocessBatchBoundedAndComplete(t *testing.T) {
	mgr, _ := newTestManager(t, nil)
	ctx := context.Background()

	for i := 0; i < 6; i++ {
		_, err := mgr.RecordFailure(ctx, "job-1", fmt.Sprintf("agent-%d", i),
			model.WorkItem{ID: fmt.Sprintf("item-%d", i)}, stepFailure("boom"))
		require.NoError(t, err)
	}

	results, err := mgr.ReprocessBatch(ctx, "job-1", dlq.Filter{}, 2, func(ctx context.Context, item model.WorkItem, correlationID string) error {
		if item.ID == "item-3" {
			return fmt.Errorf("still broken")
		}
		return nil
	})
	require.NoError(t, err)

	succeeded, failed := 0, 0
	for result := range results {
		if result.Success {
			succeeded++
		} else {
			failed++
		}
	}
	assert.Equal(t, 5, succeeded)
	assert.Equal(t, 1, failed)

	entries, err := mgr.List(ctx, "job-1", dlq.Filter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "item-3", entries[0].ItemID)
}

func TestStatistics(t *testing.T) {
	mgr, _ := newTestManager(t, nil)
	ctx := context.Background()

	_, err := mgr.RecordFailure(ctx, "job-1", "c1", model.WorkItem{ID: "item-1"}, stepFailure("boom"))
	require.NoError(t, err)
	_, err = mgr.RecordFailure(ctx, "job-1", "c1", model.WorkItem{ID: "item-1"}, stepFailure("boom"))
	require.NoError(t, err)
	_, err = mgr.RecordFailure(ctx, "job-1", "c2", model.WorkItem{ID: "item-2"}, dlq.FailureDetail{
		ErrorType: dlq.ErrorTypeTimeout, Message: "deadline exceeded", Duration: 4 * time.Second,
	})
	require.NoError(t, err)

	_, err = mgr.ReprocessOne(ctx, "job-1", "item-2", func(ctx context.Context, item model.WorkItem, correlationID string) error {
		return nil
	})
	require.NoError(t, err)

	stats, err := mgr.Statistics(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TotalEntries)
	assert.Equal(t, 2.0, stats.AverageAttempts)
	assert.Equal(t, 1, stats.ErrorTypeCounts[dlq.ErrorTypeStepFailure])
	assert.Equal(t, 1, stats.ReprocessAttempts)
	assert.Equal(t, 1, stats.ReprocessSuccesses)
	assert.Equal(t, 1.0, stats.SuccessRate)
	assert.Positive(t, stats.AverageFailureDuration)
}

func TestAnalyzePatterns(t *testing.T) {
	mgr, _ := newTestManager(t, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := mgr.RecordFailure(ctx, "job-1", "c", model.WorkItem{ID: fmt.Sprintf("item-%d", i)},
			stepFailure(fmt.Sprintf("build failed in /work/agent-%d/src line %d", i, i*10)))
		require.NoError(t, err)
	}
	_, err := mgr.RecordFailure(ctx, "job-1", "c", model.WorkItem{ID: "item-x"}, dlq.FailureDetail{
		ErrorType: dlq.ErrorTypeTimeout, Message: "deadline exceeded",
	})
	require.NoError(t, err)

	patterns, err := mgr.AnalyzePatterns(ctx, "job-1")
	require.NoError(t, err)
	require.Len(t, patterns, 2)
	// Most frequent group first: the three path-varying failures share one
	// normalized signature.
	assert.Equal(t, 3, patterns[0].Count)
	assert.Len(t, patterns[0].ItemIDs, 3)
	assert.Equal(t, dlq.ErrorTypeStepFailure, patterns[0].ErrorType)
	assert.False(t, patterns[0].LastSeen.Before(patterns[0].FirstSeen))
}

func TestPurgeOlderThan(t *testing.T) {
	mgr, _ := newTestManager(t, nil)
	ctx := context.Background()

	old := stepFailure("boom")
	old.Timestamp = time.Now().Add(-48 * time.Hour)
	_, err := mgr.RecordFailure(ctx, "job-1", "c", model.WorkItem{ID: "item-old"}, old)
	require.NoError(t, err)
	_, err = mgr.RecordFailure(ctx, "job-1", "c", model.WorkItem{ID: "item-new"}, stepFailure("boom"))
	require.NoError(t, err)

	purged, err := mgr.PurgeOlderThan(ctx, "job-1", time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, purged)

	entries, err := mgr.List(ctx, "job-1", dlq.Filter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "item-new", entries[0].ItemID)
}

func TestCapacityEvictsOldest(t *testing.T) {
	mgr, _ := newTestManager(t, func(cfg *coreConfig.Config) {
		cfg.Crest.Engine.DLQ.MaxItems = 2
	})
	ctx := context.Background()

	first := stepFailure("boom")
	first.Timestamp = time.Now().Add(-time.Hour)
	_, err := mgr.RecordFailure(ctx, "job-1", "c", model.WorkItem{ID: "item-1"}, first)
	require.NoError(t, err)
	_, err = mgr.RecordFailure(ctx, "job-1", "c", model.WorkItem{ID: "item-2"}, stepFailure("boom"))
	require.NoError(t, err)
	_, err = mgr.RecordFailure(ctx, "job-1", "c", model.WorkItem{ID: "item-3"}, stepFailure("boom"))
	require.NoError(t, err)

	entries, err := mgr.List(ctx, "job-1", dlq.Filter{})
	require.NoError(t, err)
	require.Len(t, entries, 2)
	for _, entry := range entries {
		assert.NotEqual(t, "item-1", entry.ItemID)
	}
}
