package agent_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tigerroll/crest/pkg/engine/agent"
	coreConfig "github.com/tigerroll/crest/pkg/engine/core/config"
	"github.com/tigerroll/crest/pkg/engine/core/domain/model"
	"github.com/tigerroll/crest/pkg/engine/core/pipeline"
	"github.com/tigerroll/crest/pkg/engine/dlq"
	"github.com/tigerroll/crest/pkg/engine/event"
	"github.com/tigerroll/crest/pkg/engine/executor"
	"github.com/tigerroll/crest/pkg/engine/metrics"
	storeConfig "github.com/tigerroll/crest/pkg/engine/storage/config"
	"github.com/tigerroll/crest/pkg/engine/storage/local"
	"github.com/tigerroll/crest/pkg/engine/workspace"
)

type fixture struct {
	manager  agent.Manager
	eventLog event.Log
	dlq      dlq.Manager
	baseDir  string
}

func newFixture(t *testing.T, mutate func(*coreConfig.Config)) *fixture {
	t.Helper()
	store, err := local.NewLocalStore(storeConfig.StoreConfig{Type: local.ProviderType, BaseDir: t.TempDir()}, "test")
	require.NoError(t, err)
	log := event.NewLog(store)

	cfg := coreConfig.NewConfig()
	cfg.Crest.Engine.Retry.InitialInterval = 1
	cfg.Crest.Engine.Retry.MaxInterval = 5
	if mutate != nil {
		mutate(cfg)
	}
	dlqMgr := dlq.NewManager(store, log, cfg)

	ws, err := workspace.NewLocalProvider(filepath.Join(t.TempDir(), "ws"))
	require.NoError(t, err)

	return &fixture{
		manager:  agent.NewManager(executor.NewExecutor(), ws, log, dlqMgr, metrics.NewNoopRecorder(), metrics.NewNoopTracer(), cfg),
		eventLog: log,
		dlq:      dlqMgr,
		baseDir:  t.TempDir(),
	}
}

func shellPipeline(commands ...string) *pipeline.Pipeline {
	steps := make([]pipeline.Step, 0, len(commands))
	for i, c := range commands {
		steps = append(steps, pipeline.Step{Name: fmt.Sprintf("step-%d", i), Shell: c})
	}
	return &pipeline.Pipeline{
		Name: "test",
		Map:  pipeline.MapPhase{Pipeline: steps},
	}
}

func newJob(items ...model.WorkItem) *model.Job {
	return model.NewJob("test", items, 2)
}

func TestExecuteSuccessMergesWorkspace(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	item := model.WorkItem{ID: "item-1"}
	job := newJob(item)

	handle, err := f.manager.Spawn(ctx, job, item, shellPipeline("echo done > result.txt"), f.baseDir)
	require.NoError(t, err)

	result, err := f.manager.Execute(ctx, handle)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 1, result.Attempts)

	// Result file was merged into the base workspace and the agent
	// workspace is gone.
	data, err := os.ReadFile(filepath.Join(f.baseDir, "result.txt"))
	require.NoError(t, err)
	assert.Equal(t, "done\n", string(data))
	_, statErr := os.Stat(handle.Workspace.Path)
	assert.True(t, os.IsNotExist(statErr))
}

func TestExecuteEmitsLifecycleEvents(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	item := model.WorkItem{ID: "item-1"}
	job := newJob(item)

	handle, err := f.manager.Spawn(ctx, job, item, shellPipeline("true"), f.baseDir)
	require.NoError(t, err)
	_, err = f.manager.Execute(ctx, handle)
	require.NoError(t, err)

	events, err := f.eventLog.Query(ctx, event.Filter{JobID: job.ID})
	require.NoError(t, err)
	var types []event.Type
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	assert.Contains(t, types, event.AgentStarted)
	assert.Contains(t, types, event.WorkspaceCreated)
	assert.Contains(t, types, event.AgentProgress)
	assert.Contains(t, types, event.WorkspaceMerged)
	assert.Contains(t, types, event.AgentCompleted)
	assert.Contains(t, types, event.WorkspaceCleaned)
}

func TestExecuteItemEnvironment(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	item := model.WorkItem{ID: "item-1", Payload: map[string]interface{}{"file": "a.txt", "score": 7}}
	job := newJob(item)

	handle, err := f.manager.Spawn(ctx, job, item, shellPipeline("echo $CREST_ITEM_ID:$CREST_ITEM_FILE:$CREST_ITEM_SCORE > env.txt"), f.baseDir)
	require.NoError(t, err)
	result, err := f.manager.Execute(ctx, handle)
	require.NoError(t, err)
	require.True(t, result.Success)

	data, err := os.ReadFile(filepath.Join(f.baseDir, "env.txt"))
	require.NoError(t, err)
	assert.Equal(t, "item-1:a.txt:7\n", string(data))
}

func TestExecuteRetriesUntilSuccess(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	item := model.WorkItem{ID: "item-1"}
	job := newJob(item)

	// Fails on the first run, succeeds once the marker file exists.
	script := "if [ -f marker ]; then echo ok; else touch marker; exit 1; fi"
	handle, err := f.manager.Spawn(ctx, job, item, shellPipeline(script), f.baseDir)
	require.NoError(t, err)

	result, err := f.manager.Execute(ctx, handle)
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, 2, result.Attempts)

	events, err := f.eventLog.Query(ctx, event.Filter{JobID: job.ID, Types: []event.Type{event.AgentRetrying}})
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestExecuteExhaustionHandsOffToDLQ(t *testing.T) {
	f := newFixture(t, func(cfg *coreConfig.Config) {
		cfg.Crest.Engine.Retry.MaxAttempts = 3
	})
	ctx := context.Background()
	item := model.WorkItem{ID: "item-1"}
	job := newJob(item)

	handle, err := f.manager.Spawn(ctx, job, item, shellPipeline("echo failing output; exit 1"), f.baseDir)
	require.NoError(t, err)

	result, err := f.manager.Execute(ctx, handle)
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Equal(t, 3, result.Attempts)
	require.NotNil(t, result.Output)
	assert.Equal(t, "failing output\n", result.Output.Stdout)

	entry, err := f.dlq.Get(ctx, job.ID, "item-1")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, dlq.ErrorTypeStepFailure, entry.LastFailure().ErrorType)
	assert.Equal(t, "failing output\n", entry.LastFailure().Stdout)

	// Workspace is gone even on the failure path.
	_, statErr := os.Stat(handle.Workspace.Path)
	assert.True(t, os.IsNotExist(statErr))
}

func TestExecuteContinueOnError(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	item := model.WorkItem{ID: "item-1"}
	job := newJob(item)

	pl := &pipeline.Pipeline{
		Name: "test",
		Map: pipeline.MapPhase{Pipeline: []pipeline.Step{
			{Name: "flaky", Shell: "exit 1", ContinueOnError: true},
			{Name: "final", Shell: "echo ok > ok.txt"},
		}},
	}
	handle, err := f.manager.Spawn(ctx, job, item, pl, f.baseDir)
	require.NoError(t, err)
	result, err := f.manager.Execute(ctx, handle)
	require.NoError(t, err)
	assert.True(t, result.Success)
}

func TestRunAllBoundedParallelismAndIsolation(t *testing.T) {
	f := newFixture(t, func(cfg *coreConfig.Config) {
		cfg.Crest.Engine.Retry.MaxAttempts = 3
	})
	ctx := context.Background()

	items := make([]model.WorkItem, 0, 5)
	for i := 0; i < 5; i++ {
		items = append(items, model.WorkItem{ID: fmt.Sprintf("item-%d", i), Payload: map[string]interface{}{"idx": i}})
	}
	job := newJob(items...)
	job.Parallelism = 2

	// item-3 always fails; the other four succeed.
	pl := shellPipeline(`if [ "$CREST_ITEM_IDX" = "3" ]; then exit 1; fi; echo ok`)

	var mu sync.Mutex
	outcomes := map[string]bool{}
	results, err := f.manager.RunAll(ctx, job, items, pl, f.baseDir, func(result agent.Result) {
		mu.Lock()
		outcomes[result.ItemID] = result.Success
		mu.Unlock()
	})
	require.Error(t, err)
	require.Len(t, results, 5)

	succeeded := 0
	for _, r := range results {
		if r.Success {
			succeeded++
		}
	}
	assert.Equal(t, 4, succeeded)
	assert.False(t, outcomes["item-3"])
	assert.True(t, outcomes["item-0"])

	// The failed item is dead-lettered with its full attempt history.
	entry, dlqErr := f.dlq.Get(ctx, job.ID, "item-3")
	require.NoError(t, dlqErr)
	require.NotNil(t, entry)
	assert.True(t, entry.EligibleForRetry)
}

func TestRunAllStopsSpawningOnCancel(t *testing.T) {
	f := newFixture(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	items := []model.WorkItem{{ID: "item-0"}, {ID: "item-1"}}
	job := newJob(items...)

	results, err := f.manager.RunAll(ctx, job, items, shellPipeline("echo ok"), f.baseDir, nil)
	require.NoError(t, err)
	assert.Empty(t, results)
}
