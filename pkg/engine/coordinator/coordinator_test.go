package coordinator_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tigerroll/crest/pkg/engine/agent"
	"github.com/tigerroll/crest/pkg/engine/checkpoint"
	coreConfig "github.com/tigerroll/crest/pkg/engine/core/config"
	"github.com/tigerroll/crest/pkg/engine/core/domain/model"
	"github.com/tigerroll/crest/pkg/engine/core/pipeline"
	"github.com/tigerroll/crest/pkg/engine/coordinator"
	"github.com/tigerroll/crest/pkg/engine/dlq"
	"github.com/tigerroll/crest/pkg/engine/event"
	"github.com/tigerroll/crest/pkg/engine/executor"
	"github.com/tigerroll/crest/pkg/engine/metrics"
	storeConfig "github.com/tigerroll/crest/pkg/engine/storage/config"
	"github.com/tigerroll/crest/pkg/engine/storage/local"
	"github.com/tigerroll/crest/pkg/engine/workspace"
)

type fixture struct {
	coordinator coordinator.Coordinator
	checkpoints checkpoint.Manager
	dlq         dlq.Manager
	eventLog    event.Log
	jobs        *coordinator.JobStore
	cfg         *coreConfig.Config
	wsRoot      string
}

func newFixture(t *testing.T, mutate func(*coreConfig.Config)) *fixture {
	t.Helper()
	store, err := local.NewLocalStore(storeConfig.StoreConfig{Type: local.ProviderType, BaseDir: t.TempDir()}, "test")
	require.NoError(t, err)
	log := event.NewLog(store)

	cfg := coreConfig.NewConfig()
	cfg.Crest.Engine.Retry.InitialInterval = 1
	cfg.Crest.Engine.Retry.MaxInterval = 5
	cfg.Crest.System.WorkspaceDir = filepath.Join(t.TempDir(), "ws")
	if mutate != nil {
		mutate(cfg)
	}

	ws, err := workspace.NewLocalProvider(cfg.Crest.System.WorkspaceDir)
	require.NoError(t, err)
	exec := executor.NewExecutor()
	dlqMgr := dlq.NewManager(store, log, cfg)
	cpMgr := checkpoint.NewManager(store, log, cfg)
	jobs := coordinator.NewJobStore(store)
	recorder := metrics.NewNoopRecorder()
	tracer := metrics.NewNoopTracer()
	agents := agent.NewManager(exec, ws, log, dlqMgr, recorder, tracer, cfg)

	return &fixture{
		coordinator: coordinator.NewCoordinator(agents, cpMgr, log, ws, exec, recorder, tracer, jobs, cfg),
		checkpoints: cpMgr,
		dlq:         dlqMgr,
		eventLog:    log,
		jobs:        jobs,
		cfg:         cfg,
		wsRoot:      cfg.Crest.System.WorkspaceDir,
	}
}

func (f *fixture) primaryDir(job *model.Job) string {
	return filepath.Join(f.wsRoot, "job-"+job.ID)
}

func makeItems(n int) []model.WorkItem {
	items := make([]model.WorkItem, 0, n)
	for i := 0; i < n; i++ {
		items = append(items, model.WorkItem{
			ID:      fmt.Sprintf("item-%d", i),
			Payload: map[string]interface{}{"idx": i},
			Status:  model.ItemStatusPending,
		})
	}
	return items
}

func TestRunJobAllPhases(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	pl := &pipeline.Pipeline{
		Name:  "full",
		Setup: []pipeline.Step{{Name: "init", Shell: "echo setup > setup.txt"}},
		Map: pipeline.MapPhase{Pipeline: []pipeline.Step{
			{Name: "work", Shell: "echo done > item-$CREST_ITEM_ID.txt"},
		}},
		Reduce: []pipeline.Step{{Name: "sum", Shell: "echo $CREST_MAP_SUCCESSFUL/$CREST_MAP_TOTAL > summary.txt"}},
	}
	job := model.NewJob("full", makeItems(3), 2)

	require.NoError(t, f.coordinator.RunJob(ctx, job, pl))
	assert.Equal(t, model.JobStateCompleted, job.State)
	assert.Equal(t, model.PhaseDone, job.Phase)
	assert.Len(t, job.CompletedIDs, 3)

	primary := f.primaryDir(job)
	data, err := os.ReadFile(filepath.Join(primary, "setup.txt"))
	require.NoError(t, err)
	assert.Equal(t, "setup\n", string(data))

	// Map outputs were merged into the primary workspace.
	for i := 0; i < 3; i++ {
		_, err := os.Stat(filepath.Join(primary, fmt.Sprintf("item-item-%d.txt", i)))
		assert.NoError(t, err)
	}

	data, err = os.ReadFile(filepath.Join(primary, "summary.txt"))
	require.NoError(t, err)
	assert.Equal(t, "3/3\n", string(data))

	// The reduce phase saw the aggregated map results file.
	_, err = os.Stat(filepath.Join(primary, "map-results.json"))
	assert.NoError(t, err)

	// Every phase transition left a checkpoint; the newest one records the
	// terminal phase.
	cp, err := f.checkpoints.LoadAndValidate(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, model.PhaseDone, cp.Phase)
	assert.Len(t, cp.CompletedIDs, 3)
}

// A setup step's captured stdout is visible to map agents and reduce steps
// as an environment variable, and survives in checkpoints.
func TestCapturedVariablesFlowThroughPhases(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	pl := &pipeline.Pipeline{
		Name:  "capture",
		Setup: []pipeline.Step{{Name: "tag", Shell: "echo build-7", Capture: "build_tag"}},
		Map: pipeline.MapPhase{Pipeline: []pipeline.Step{
			{Name: "work", Shell: "echo $CREST_VAR_BUILD_TAG > tag-$CREST_ITEM_ID.txt"},
		}},
		Reduce: []pipeline.Step{{Name: "final", Shell: "echo $CREST_VAR_BUILD_TAG > final.txt"}},
	}
	job := model.NewJob("capture", makeItems(2), 2)

	require.NoError(t, f.coordinator.RunJob(ctx, job, pl))
	v, ok := job.Variables.GetString("build_tag")
	require.True(t, ok)
	assert.Equal(t, "build-7", v)

	primary := f.primaryDir(job)
	data, err := os.ReadFile(filepath.Join(primary, "tag-item-0.txt"))
	require.NoError(t, err)
	assert.Equal(t, "build-7\n", string(data))
	data, err = os.ReadFile(filepath.Join(primary, "final.txt"))
	require.NoError(t, err)
	assert.Equal(t, "build-7\n", string(data))

	cp, err := f.checkpoints.LoadAndValidate(ctx, job.ID)
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Equal(t, "build-7", cp.Variables["build_tag"])
}

// A job submitted without items reads its collection from the file the setup
// phase produced, with json_path extraction and the usual filter.
func TestMapInputFromSetupProducedFile(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	pl := &pipeline.Pipeline{
		Name: "fed",
		Setup: []pipeline.Step{{
			Name:  "produce",
			Shell: `echo '{"items":[{"id":1,"score":7},{"id":2,"score":3},{"id":3,"score":5}]}' > items.json`,
		}},
		Map: pipeline.MapPhase{
			Input:    "items.json",
			JSONPath: "items",
			Filter:   "item.score >= 5",
			Pipeline: []pipeline.Step{{Name: "work", Shell: "echo ok > out-$CREST_ITEM_ID.txt"}},
		},
	}
	job := model.NewJob("fed", nil, 2)

	require.NoError(t, f.coordinator.RunJob(ctx, job, pl))
	assert.Equal(t, model.JobStateCompleted, job.State)
	require.Len(t, job.Items, 2)
	assert.Equal(t, "1", job.Items[0].ID)
	assert.Equal(t, "3", job.Items[1].ID)
	assert.Len(t, job.CompletedIDs, 2)

	primary := f.primaryDir(job)
	_, err := os.Stat(filepath.Join(primary, "out-1.txt"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(primary, "out-3.txt"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(primary, "out-2.txt"))
	assert.True(t, os.IsNotExist(err))
}

// When the input names no existing file it runs as a command whose stdout is
// the collection.
func TestMapInputFromCommand(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	pl := &pipeline.Pipeline{
		Name: "fed-command",
		Map: pipeline.MapPhase{
			Input:    `echo '[{"id":"a"},{"id":"b"}]'`,
			Pipeline: []pipeline.Step{{Name: "work", Shell: "echo ok > out-$CREST_ITEM_ID.txt"}},
		},
	}
	job := model.NewJob("fed-command", nil, 2)

	require.NoError(t, f.coordinator.RunJob(ctx, job, pl))
	require.Len(t, job.Items, 2)
	assert.Len(t, job.CompletedIDs, 2)

	primary := f.primaryDir(job)
	for _, id := range []string{"a", "b"} {
		_, err := os.Stat(filepath.Join(primary, "out-"+id+".txt"))
		assert.NoError(t, err)
	}
}

// Undecodable input fails the job before any agent starts.
func TestMapInputRejectsMalformedJSON(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	pl := &pipeline.Pipeline{
		Name:  "fed-broken",
		Setup: []pipeline.Step{{Name: "produce", Shell: `echo 'not json' > items.json`}},
		Map: pipeline.MapPhase{
			Input:    "items.json",
			Pipeline: []pipeline.Step{{Name: "work", Shell: "echo never"}},
		},
	}
	job := model.NewJob("fed-broken", nil, 2)

	err := f.coordinator.RunJob(ctx, job, pl)
	require.Error(t, err)
	assert.Equal(t, model.JobStateFailed, job.State)

	events, qErr := f.eventLog.Query(ctx, event.Filter{JobID: job.ID, Types: []event.Type{event.AgentStarted}})
	require.NoError(t, qErr)
	assert.Empty(t, events)
}

func TestSetupFailureFailsJobBeforeMap(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	pl := &pipeline.Pipeline{
		Name:  "broken-setup",
		Setup: []pipeline.Step{{Name: "bad", Shell: "exit 1"}},
		Map: pipeline.MapPhase{Pipeline: []pipeline.Step{
			{Name: "work", Shell: "echo never"},
		}},
	}
	job := model.NewJob("broken-setup", makeItems(2), 2)

	err := f.coordinator.RunJob(ctx, job, pl)
	require.Error(t, err)
	assert.Equal(t, model.JobStateFailed, job.State)
	assert.Equal(t, model.PhaseSetup, job.Phase)

	// Map was never entered: no agent ever started.
	events, qErr := f.eventLog.Query(ctx, event.Filter{JobID: job.ID, Types: []event.Type{event.AgentStarted}})
	require.NoError(t, qErr)
	assert.Empty(t, events)

	events, qErr = f.eventLog.Query(ctx, event.Filter{JobID: job.ID, Types: []event.Type{event.JobFailed}})
	require.NoError(t, qErr)
	assert.Len(t, events, 1)
}

func TestReduceFailureKeepsMapResults(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	pl := &pipeline.Pipeline{
		Name: "broken-reduce",
		Map: pipeline.MapPhase{Pipeline: []pipeline.Step{
			{Name: "work", Shell: "echo ok"},
		}},
		Reduce: []pipeline.Step{{Name: "bad", Shell: "exit 1"}},
	}
	job := model.NewJob("broken-reduce", makeItems(2), 2)

	err := f.coordinator.RunJob(ctx, job, pl)
	require.Error(t, err)
	assert.Equal(t, model.JobStateFailed, job.State)
	// Map results stay valid.
	assert.Len(t, job.CompletedIDs, 2)
}

func TestPrepareItemsFilterThenSort(t *testing.T) {
	f := newFixture(t, nil)

	items := []model.WorkItem{
		{ID: "1", Payload: map[string]interface{}{"id": 1, "score": 3, "priority": 9}},
		{ID: "2", Payload: map[string]interface{}{"id": 2, "score": 7, "priority": 5}},
		{ID: "3", Payload: map[string]interface{}{"id": 3, "score": 5, "priority": 1}},
	}
	pl := &pipeline.Pipeline{
		Name: "ordered",
		Map: pipeline.MapPhase{
			Filter:   "item.score >= 5",
			Sort:     "item.priority DESC",
			Pipeline: []pipeline.Step{{Shell: "true"}},
		},
	}

	fixed, err := f.coordinator.PrepareItems(pl, items)
	require.NoError(t, err)
	require.Len(t, fixed, 2)
	assert.Equal(t, "2", fixed[0].ID)
	assert.Equal(t, "3", fixed[1].ID)
}

func TestPrepareItemsCompileErrors(t *testing.T) {
	f := newFixture(t, nil)
	items := makeItems(1)

	_, err := f.coordinator.PrepareItems(&pipeline.Pipeline{
		Map: pipeline.MapPhase{Filter: "unknown_fn(item.x, 1)", Pipeline: []pipeline.Step{{Shell: "true"}}},
	}, items)
	assert.Error(t, err)

	_, err = f.coordinator.PrepareItems(&pipeline.Pipeline{
		Map: pipeline.MapPhase{Sort: "item.x SIDEWAYS", Pipeline: []pipeline.Step{{Shell: "true"}}},
	}, items)
	assert.Error(t, err)
}

// Five items at parallelism 2, one of which always fails: the job still
// completes its map phase with four successes and one dead-lettered item.
func TestMapCompletesWithPermanentFailure(t *testing.T) {
	f := newFixture(t, func(cfg *coreConfig.Config) {
		cfg.Crest.Engine.Parallelism = 2
		cfg.Crest.Engine.Retry.MaxAttempts = 3
	})
	ctx := context.Background()

	pl := &pipeline.Pipeline{
		Name: "partial",
		Map: pipeline.MapPhase{Pipeline: []pipeline.Step{
			{Name: "work", Shell: `if [ "$CREST_ITEM_IDX" = "2" ]; then exit 1; fi; echo ok`},
		}},
	}
	job := model.NewJob("partial", makeItems(5), 2)

	require.NoError(t, f.coordinator.RunJob(ctx, job, pl))
	assert.Equal(t, model.JobStateCompleted, job.State)
	assert.Equal(t, model.PhaseDone, job.Phase)
	assert.Len(t, job.CompletedIDs, 4)
	assert.Equal(t, []string{"item-2"}, job.FailedIDs)

	// The failing item exhausted its three attempts and landed in the DLQ.
	entry, err := f.dlq.Get(ctx, job.ID, "item-2")
	require.NoError(t, err)
	require.NotNil(t, entry)

	retries, err := f.eventLog.Query(ctx, event.Filter{JobID: job.ID, Types: []event.Type{event.AgentRetrying}})
	require.NoError(t, err)
	assert.Len(t, retries, 2)
}

// A job killed mid-map resumes from its checkpoint and reschedules only the
// items without completion evidence.
func TestKillAndResumeReschedulesOnlyRemaining(t *testing.T) {
	f := newFixture(t, func(cfg *coreConfig.Config) {
		cfg.Crest.Engine.Parallelism = 2
		cfg.Crest.Engine.Timeouts.GraceSeconds = 0
		cfg.Crest.Engine.Checkpoint.IntervalItems = 1
	})

	flagDir := t.TempDir()
	resumeFlag := filepath.Join(flagDir, "resume")

	// Items 0-2 complete immediately; 3 and 4 block until the resume flag
	// exists.
	script := fmt.Sprintf(
		`if [ "$CREST_ITEM_IDX" -lt 3 ]; then echo ok > out-$CREST_ITEM_ID.txt; elif [ -f %s ]; then echo ok > out-$CREST_ITEM_ID.txt; else sleep 30; fi`,
		resumeFlag)
	pl := &pipeline.Pipeline{
		Name: "resumable",
		Map:  pipeline.MapPhase{Pipeline: []pipeline.Step{{Name: "work", Shell: script}}},
	}
	job := model.NewJob("resumable", makeItems(5), 2)

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- f.coordinator.RunJob(ctx, job, pl) }()

	// Wait until the three fast items are merged, then kill the job.
	primary := f.primaryDir(job)
	require.Eventually(t, func() bool {
		for i := 0; i < 3; i++ {
			if _, err := os.Stat(filepath.Join(primary, fmt.Sprintf("out-item-%d.txt", i))); err != nil {
				return false
			}
		}
		return true
	}, 15*time.Second, 20*time.Millisecond)
	cancel()
	require.Error(t, <-runDone)

	assert.Equal(t, model.JobStatePaused, job.State)
	require.Len(t, job.CompletedIDs, 3)

	cp, err := f.checkpoints.LoadAndValidate(context.Background(), job.ID)
	require.NoError(t, err)
	require.NotNil(t, cp)
	assert.Len(t, cp.CompletedIDs, 3)

	// The interrupted items were not dead-lettered.
	entries, err := f.dlq.List(context.Background(), job.ID, dlq.Filter{})
	require.NoError(t, err)
	assert.Empty(t, entries)

	startedBefore, err := f.eventLog.Query(context.Background(), event.Filter{JobID: job.ID, Types: []event.Type{event.AgentStarted}})
	require.NoError(t, err)

	// Resume: the blocked items now succeed.
	require.NoError(t, os.WriteFile(resumeFlag, []byte("go"), 0o644))
	resumed, err := f.jobs.Load(context.Background(), job.ID)
	require.NoError(t, err)
	require.NotNil(t, resumed)
	resumed.MarkAsResumed()

	require.NoError(t, f.coordinator.RunJob(context.Background(), resumed, pl))
	assert.Equal(t, model.JobStateCompleted, resumed.State)
	assert.Len(t, resumed.CompletedIDs, 5)

	// Only the two unfinished items were rescheduled.
	startedAfter, err := f.eventLog.Query(context.Background(), event.Filter{JobID: job.ID, Types: []event.Type{event.AgentStarted}})
	require.NoError(t, err)
	assert.Equal(t, len(startedBefore)+2, len(startedAfter))
}
