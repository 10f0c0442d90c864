package model_test

import (
	"errors"
	"testing"
	"time"

	config "github.com/tigerroll/crest/pkg/engine/core/config"
	"github.com/tigerroll/crest/pkg/engine/core/domain/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestJob() *model.Job {
	items := []model.WorkItem{
		{ID: "item-1", Payload: map[string]interface{}{"score": 7.0}},
		{ID: "item-2", Payload: map[string]interface{}{"score": 3.0}},
	}
	return model.NewJob("review-items", items, 2)
}

func TestNewJob(t *testing.T) {
	job := newTestJob()

	assert.NotEmpty(t, job.ID)
	assert.NotEmpty(t, job.CorrelationID)
	assert.NotEqual(t, job.ID, job.CorrelationID)
	assert.Equal(t, model.JobStateInitializing, job.State)
	assert.Equal(t, model.PhaseSetup, job.Phase)
	assert.Len(t, job.Items, 2)
	assert.Empty(t, job.CompletedIDs)
	assert.Nil(t, job.EndTime)
}

func TestJobStateTransitions(t *testing.T) {
	tests := []struct {
		name    string
		from    model.JobState
		to      model.JobState
		allowed bool
	}{
		{"initializing to running", model.JobStateInitializing, model.JobStateRunning, true},
		{"initializing to failed", model.JobStateInitializing, model.JobStateFailed, true},
		{"initializing to completed", model.JobStateInitializing, model.JobStateCompleted, false},
		{"running to checkpointing", model.JobStateRunning, model.JobStateCheckpointing, true},
		{"checkpointing to running", model.JobStateCheckpointing, model.JobStateRunning, true},
		{"running to paused", model.JobStateRunning, model.JobStatePaused, true},
		{"paused to running", model.JobStatePaused, model.JobStateRunning, true},
		{"paused to completed", model.JobStatePaused, model.JobStateCompleted, false},
		{"completed is terminal", model.JobStateCompleted, model.JobStateRunning, false},
		{"failed is terminal", model.JobStateFailed, model.JobStateRunning, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job := newTestJob()
			job.State = tt.from
			err := job.TransitionTo(tt.to)
			if tt.allowed {
				assert.NoError(t, err)
				assert.Equal(t, tt.to, job.State)
			} else {
				assert.Error(t, err)
				assert.Equal(t, tt.from, job.State)
			}
		})
	}
}

func TestJobPhaseTransitions(t *testing.T) {
	job := newTestJob()

	require.NoError(t, job.AdvancePhase(model.PhaseMap))
	assert.Error(t, job.AdvancePhase(model.PhaseSetup))
	require.NoError(t, job.AdvancePhase(model.PhaseReduce))
	require.NoError(t, job.AdvancePhase(model.PhaseDone))
	assert.Error(t, job.AdvancePhase(model.PhaseMap))
}

func TestJobPhaseMapCanSkipReduce(t *testing.T) {
	job := newTestJob()
	require.NoError(t, job.AdvancePhase(model.PhaseMap))
	assert.NoError(t, job.AdvancePhase(model.PhaseDone))
}

func TestJobItemBookkeeping(t *testing.T) {
	job := newTestJob()

	job.MarkItemInFlight("item-1")
	job.MarkItemInFlight("item-1")
	assert.Equal(t, []string{"item-1"}, job.InFlightIDs)

	job.MarkItemCompleted("item-1")
	assert.Empty(t, job.InFlightIDs)
	assert.Equal(t, []string{"item-1"}, job.CompletedIDs)

	job.MarkItemInFlight("item-2")
	job.MarkItemFailed("item-2")
	assert.Empty(t, job.InFlightIDs)
	assert.Equal(t, []string{"item-2"}, job.FailedIDs)

	// A recovered item leaves the failed list and counts as completed once.
	job.MarkItemRecovered("item-2")
	assert.Empty(t, job.FailedIDs)
	assert.Equal(t, []string{"item-1", "item-2"}, job.CompletedIDs)
	job.MarkItemRecovered("item-2")
	assert.Equal(t, []string{"item-1", "item-2"}, job.CompletedIDs)
}

func TestVariableMapEnvironmentVariables(t *testing.T) {
	vm := model.NewVariableMap()
	vm.Put("build_tag", "v7")
	vm.Put("item count", 3)

	env := vm.EnvironmentVariables()
	assert.Equal(t, "v7", env["CREST_VAR_BUILD_TAG"])
	assert.Equal(t, "3", env["CREST_VAR_ITEM_COUNT"])
}

func TestJobMarkAsFailedRecordsError(t *testing.T) {
	job := newTestJob()
	job.MarkAsRunning()
	job.MarkAsFailed(errors.New("setup command exited 1"))

	assert.Equal(t, model.JobStateFailed, job.State)
	require.NotNil(t, job.EndTime)
	require.Len(t, job.Failures, 1)
	assert.Contains(t, job.Failures[0], "setup command exited 1")

	// Duplicates are not recorded twice.
	job.AddFailureException(errors.New("setup command exited 1"))
	assert.Len(t, job.Failures, 1)
}

func TestJobMarkAsResumed(t *testing.T) {
	job := newTestJob()
	job.MarkAsRunning()
	job.MarkAsPaused()
	job.MarkAsResumed()

	assert.Equal(t, model.JobStateRunning, job.State)
	assert.Equal(t, 1, job.RestartCount)
}

func TestAgentExecutionLifecycle(t *testing.T) {
	ae := model.NewAgentExecution("job-1", "item-1")
	assert.Equal(t, model.AgentStateCreated, ae.State)
	assert.Equal(t, 0, ae.Attempts)

	ae.MarkAsRunning()
	assert.Equal(t, 1, ae.Attempts)

	ae.MarkAsRetrying(errors.New("step exited 1"))
	assert.Equal(t, model.AgentStateRetrying, ae.State)
	require.Len(t, ae.Failures, 1)

	ae.MarkAsRunning()
	assert.Equal(t, 2, ae.Attempts)

	ae.MarkAsSucceeded()
	assert.Equal(t, model.AgentStateSucceeded, ae.State)
	require.NotNil(t, ae.EndTime)
	assert.True(t, ae.State.IsTerminal())
}

func TestAgentTransitionFromTerminalRejected(t *testing.T) {
	ae := model.NewAgentExecution("job-1", "item-1")
	ae.MarkAsRunning()
	ae.MarkAsFailed(errors.New("boom"))

	assert.Error(t, ae.TransitionTo(model.AgentStateRunning))
	assert.Equal(t, model.AgentStateFailed, ae.State)
}

func TestCheckpointChecksumRoundTrip(t *testing.T) {
	job := newTestJob()
	job.MarkAsRunning()
	job.MarkItemCompleted("item-1")
	job.Variables.Put("branch", "work-1")

	cp := job.Snapshot()
	cp.Sequence = 1
	require.NoError(t, cp.Seal())
	assert.NotEmpty(t, cp.Checksum)

	ok, err := cp.VerifyChecksum()
	require.NoError(t, err)
	assert.True(t, ok)

	// Any content mutation invalidates the checksum.
	cp.CompletedIDs = append(cp.CompletedIDs, "item-2")
	ok, err = cp.VerifyChecksum()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCheckpointChecksumDeterministic(t *testing.T) {
	cp := &model.Checkpoint{
		SchemaVersion: model.CheckpointSchemaVersion,
		JobID:         "job-1",
		Sequence:      3,
		Phase:         model.PhaseMap,
		State:         model.JobStateRunning,
		TotalItems:    5,
		CompletedIDs:  []string{"a", "b"},
		Variables:     model.VariableMap{"x": 1.0, "y": "two"},
		CreatedAt:     time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}

	sum1, err := cp.ComputeChecksum()
	require.NoError(t, err)
	sum2, err := cp.ComputeChecksum()
	require.NoError(t, err)
	assert.Equal(t, sum1, sum2)
}

func TestVariableMapMaskedString(t *testing.T) {
	prev := config.GlobalConfig
	config.GlobalConfig = config.NewConfig()
	defer func() { config.GlobalConfig = prev }()

	vm := model.NewVariableMap()
	vm.Put("branch", "work-1")
	vm.Put("password", "hunter2")

	s := vm.String()
	assert.Contains(t, s, "work-1")
	assert.NotContains(t, s, "hunter2")
}
