// Package coordinator drives a job through its phases: Setup, Map, Reduce,
// Done. It fixes the ordered work item list before Map, delegates item
// execution to the agent manager, writes periodic checkpoints, and runs
// setup and reduce commands in the job's primary workspace.
package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/tigerroll/crest/pkg/engine/agent"
	"github.com/tigerroll/crest/pkg/engine/checkpoint"
	"github.com/tigerroll/crest/pkg/engine/core/config"
	"github.com/tigerroll/crest/pkg/engine/core/domain/model"
	"github.com/tigerroll/crest/pkg/engine/core/pipeline"
	"github.com/tigerroll/crest/pkg/engine/event"
	"github.com/tigerroll/crest/pkg/engine/executor"
	"github.com/tigerroll/crest/pkg/engine/expression"
	"github.com/tigerroll/crest/pkg/engine/metrics"
	"github.com/tigerroll/crest/pkg/engine/workspace"
	exception "github.com/tigerroll/crest/pkg/engine/support/exception"
	logger "github.com/tigerroll/crest/pkg/engine/support/logger"
)

const moduleName = "coordinator"

// mapResultsFile is written into the primary workspace before Reduce runs.
const mapResultsFile = "map-results.json"

// Coordinator runs jobs end to end.
type Coordinator interface {
	// RunJob drives the job through its remaining phases until it is
	// terminal or the context is cancelled. A cancelled job is persisted
	// as Paused and can be resumed.
	RunJob(ctx context.Context, job *model.Job, pl *pipeline.Pipeline) error
	// PrepareItems applies the pipeline's filter and sort to candidate
	// items and returns the fixed ordered work item list.
	PrepareItems(pl *pipeline.Pipeline, items []model.WorkItem) ([]model.WorkItem, error)
}

type coordinator struct {
	agents     agent.Manager
	checkpoint checkpoint.Manager
	eventLog   event.Log
	workspace  workspace.Provider
	exec       executor.Executor
	recorder   metrics.Recorder
	tracer     metrics.Tracer
	jobs       *JobStore
	cfg        *config.Config
}

var _ Coordinator = (*coordinator)(nil)

// NewCoordinator wires the phase coordinator.
func NewCoordinator(agents agent.Manager, cp checkpoint.Manager, eventLog event.Log, ws workspace.Provider, exec executor.Executor, recorder metrics.Recorder, tracer metrics.Tracer, jobs *JobStore, cfg *config.Config) Coordinator {
	return &coordinator{
		agents:     agents,
		checkpoint: cp,
		eventLog:   eventLog,
		workspace:  ws,
		exec:       exec,
		recorder:   recorder,
		tracer:     tracer,
		jobs:       jobs,
		cfg:        cfg,
	}
}

// PrepareItems compiles the map phase's filter and sort expressions and
// applies them: filter first, then a stable sort. The resulting ordered
// list is fixed for the job's lifetime.
func (c *coordinator) PrepareItems(pl *pipeline.Pipeline, items []model.WorkItem) ([]model.WorkItem, error) {
	selected := items
	if pl.Map.Filter != "" {
		filter, err := expression.CompileFilter(pl.Map.Filter)
		if err != nil {
			return nil, err
		}
		selected = make([]model.WorkItem, 0, len(items))
		for _, item := range items {
			if filter.Evaluate(item.Payload) {
				selected = append(selected, item)
			}
		}
	}
	if pl.Map.Sort != "" {
		sorter, err := expression.CompileSort(pl.Map.Sort)
		if err != nil {
			return nil, err
		}
		docs := make([]interface{}, len(selected))
		for i := range selected {
			docs[i] = selected[i].Payload
		}
		// Sort the items through their payload documents.
		indices := make([]int, len(selected))
		for i := range indices {
			indices[i] = i
		}
		sort.SliceStable(indices, func(i, j int) bool {
			return sorter.Compare(docs[indices[i]], docs[indices[j]]) < 0
		})
		ordered := make([]model.WorkItem, len(selected))
		for pos, idx := range indices {
			ordered[pos] = selected[idx]
		}
		selected = ordered
	}
	return selected, nil
}

func (c *coordinator) RunJob(ctx context.Context, job *model.Job, pl *pipeline.Pipeline) error {
	ctx, endJobSpan := c.tracer.StartJobSpan(ctx, job.ID, job.PipelineName)
	defer endJobSpan()
	c.recorder.JobStarted(job.PipelineName)

	if job.RestartCount > 0 {
		c.emit(ctx, job, event.JobResumed, fmt.Sprintf("resume %d from phase %s", job.RestartCount, job.Phase))
	} else {
		c.emit(ctx, job, event.JobStarted, "")
	}
	job.MarkAsRunning()
	c.saveJob(ctx, job)

	primary, err := c.workspace.Ensure(ctx, "", "job-"+job.ID)
	if err != nil {
		return c.failJob(ctx, job, err)
	}

	if job.Phase == model.PhaseSetup {
		if err := c.runSetup(ctx, job, pl, primary); err != nil {
			return c.failJob(ctx, job, err)
		}
		if err := job.AdvancePhase(model.PhaseMap); err != nil {
			return c.failJob(ctx, job, err)
		}
		c.saveJob(ctx, job)
		c.writeCheckpoint(ctx, job, nil)
	}

	if job.Phase == model.PhaseMap && len(job.Items) == 0 && pl.Map.Input != "" {
		if err := c.prepareMapInput(ctx, job, pl, primary); err != nil {
			return c.failJob(ctx, job, err)
		}
		c.saveJob(ctx, job)
	}

	if job.Phase == model.PhaseMap {
		if err := c.runMap(ctx, job, pl, primary); err != nil {
			if ctx.Err() != nil {
				return c.pauseJob(ctx, job)
			}
			return c.failJob(ctx, job, err)
		}
		if ctx.Err() != nil {
			return c.pauseJob(ctx, job)
		}
		next := model.PhaseReduce
		if len(pl.Reduce) == 0 {
			next = model.PhaseDone
		}
		if err := job.AdvancePhase(next); err != nil {
			return c.failJob(ctx, job, err)
		}
		c.saveJob(ctx, job)
		c.writeCheckpoint(ctx, job, nil)
	}

	if job.Phase == model.PhaseReduce {
		if err := c.runReduce(ctx, job, pl, primary); err != nil {
			return c.failJob(ctx, job, err)
		}
		if err := job.AdvancePhase(model.PhaseDone); err != nil {
			return c.failJob(ctx, job, err)
		}
		c.saveJob(ctx, job)
		c.writeCheckpoint(ctx, job, nil)
	}

	job.MarkAsCompleted()
	c.saveJob(ctx, job)
	c.emit(ctx, job, event.JobCompleted,
		fmt.Sprintf("%d completed, %d failed of %d items", len(job.CompletedIDs), len(job.FailedIDs), len(job.Items)))
	c.recorder.JobFinished(job.PipelineName, string(job.State), time.Since(job.StartTime))
	logger.Infof("Job '%s' completed: %d/%d items succeeded, %d failed",
		job.ID, len(job.CompletedIDs), len(job.Items), len(job.FailedIDs))
	return nil
}

// runSetup executes the setup steps sequentially in the primary workspace.
// Any failure fails the job before Map is entered.
func (c *coordinator) runSetup(ctx context.Context, job *model.Job, pl *pipeline.Pipeline, primary *workspace.Handle) error {
	if len(pl.Setup) == 0 {
		return nil
	}
	phaseCtx, endSpan := c.tracer.StartPhaseSpan(ctx, job.ID, "setup")
	defer endSpan()
	phaseCtx, cancel := c.withPhaseTimeout(phaseCtx, c.cfg.Crest.Engine.Timeouts.SetupSeconds)
	defer cancel()

	stepTimeout := time.Duration(c.cfg.Crest.Engine.Timeouts.StepSeconds) * time.Second
	for i := range pl.Setup {
		step := pl.Setup[i]
		timeout := stepTimeout
		if step.TimeoutSeconds > 0 {
			timeout = time.Duration(step.TimeoutSeconds) * time.Second
		}
		// Recomputed per step so earlier captures are visible to later steps.
		mergeStepEnv(&step, job.Variables.EnvironmentVariables())
		output, err := c.exec.Run(phaseCtx, &step, primary.Path, timeout)
		if err != nil {
			c.tracer.RecordError(phaseCtx, moduleName, err)
			return exception.NewPhaseFailure(moduleName,
				fmt.Sprintf("setup step '%s' failed for job '%s'", step.DisplayName(), job.ID), err)
		}
		c.captureVariable(job, &step, output)
	}
	logger.Infof("Job '%s' setup completed (%d steps)", job.ID, len(pl.Setup))
	return nil
}

// captureVariable stores a successful step's trimmed stdout in the job's
// variable map when the step declares a capture key.
func (c *coordinator) captureVariable(job *model.Job, step *pipeline.Step, output *executor.StepOutput) {
	if step.Capture == "" || output == nil {
		return
	}
	job.Variables.Put(step.Capture, strings.TrimSpace(output.Stdout))
	logger.Debugf("Job '%s' captured variable '%s' from step '%s'", job.ID, step.Capture, step.DisplayName())
}

// mergeStepEnv fills the step's env with defaults. Values the definition
// sets explicitly win.
func mergeStepEnv(step *pipeline.Step, env map[string]string) {
	if len(env) == 0 {
		return
	}
	merged := make(map[string]string, len(env)+len(step.Env))
	for k, v := range env {
		merged[k] = v
	}
	for k, v := range step.Env {
		merged[k] = v
	}
	step.Env = merged
}

// runMap schedules every non-completed item through the agent manager,
// checkpointing periodically as items finish.
func (c *coordinator) runMap(ctx context.Context, job *model.Job, pl *pipeline.Pipeline, primary *workspace.Handle) error {
	phaseCtx, endSpan := c.tracer.StartPhaseSpan(ctx, job.ID, "map")
	defer endSpan()
	phaseCtx, cancel := c.withPhaseTimeout(phaseCtx, c.cfg.Crest.Engine.Timeouts.MapSeconds)
	defer cancel()

	remaining := c.remainingItems(job)
	if len(remaining) == 0 {
		logger.Infof("Job '%s' map phase has no remaining items", job.ID)
		return nil
	}
	logger.Infof("Job '%s' map phase: %d of %d items remaining", job.ID, len(remaining), len(job.Items))

	var mu sync.Mutex
	completedSinceCheckpoint := 0
	lastCheckpointAt := time.Now()
	for _, item := range remaining {
		job.MarkItemInFlight(item.ID)
	}
	c.writeCheckpoint(ctx, job, &lastCheckpointAt)

	onItemDone := func(result agent.Result) {
		mu.Lock()
		defer mu.Unlock()
		switch {
		case result.Success:
			job.MarkItemCompleted(result.ItemID)
		case result.Interrupted:
			// Interrupted items stay in flight; resume reschedules them.
			return
		default:
			job.MarkItemFailed(result.ItemID)
		}
		completedSinceCheckpoint++
		if c.checkpoint.ShouldCheckpoint(completedSinceCheckpoint, lastCheckpointAt) {
			c.writeCheckpoint(ctx, job, &lastCheckpointAt)
			completedSinceCheckpoint = 0
		}
	}

	_, runErr := c.agents.RunAll(phaseCtx, job, remaining, pl, primary.Path, onItemDone)

	// Always leave a final checkpoint reflecting the phase outcome.
	c.writeCheckpoint(ctx, job, &lastCheckpointAt)
	c.saveJob(ctx, job)

	if phaseCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		return exception.NewTimeoutError(moduleName,
			fmt.Sprintf("map phase of job '%s' exceeded its time budget", job.ID), phaseCtx.Err())
	}
	// Individual item failures are recorded in the DLQ and the job's
	// bookkeeping; they do not fail the phase.
	if runErr != nil {
		logger.Warnf("Job '%s' map phase finished with failures: %v", job.ID, runErr)
	}
	return nil
}

// runReduce aggregates the map results into the primary workspace and runs
// the reduce steps once, sequentially.
func (c *coordinator) runReduce(ctx context.Context, job *model.Job, pl *pipeline.Pipeline, primary *workspace.Handle) error {
	if len(pl.Reduce) == 0 {
		return nil
	}
	phaseCtx, endSpan := c.tracer.StartPhaseSpan(ctx, job.ID, "reduce")
	defer endSpan()
	phaseCtx, cancel := c.withPhaseTimeout(phaseCtx, c.cfg.Crest.Engine.Timeouts.ReduceSeconds)
	defer cancel()

	if err := c.writeMapResults(job, primary); err != nil {
		return err
	}

	env := map[string]string{
		"CREST_MAP_TOTAL":      fmt.Sprintf("%d", len(job.Items)),
		"CREST_MAP_SUCCESSFUL": fmt.Sprintf("%d", len(job.CompletedIDs)),
		"CREST_MAP_FAILED":     fmt.Sprintf("%d", len(job.FailedIDs)),
	}
	stepTimeout := time.Duration(c.cfg.Crest.Engine.Timeouts.StepSeconds) * time.Second
	for i := range pl.Reduce {
		step := pl.Reduce[i]
		timeout := stepTimeout
		if step.TimeoutSeconds > 0 {
			timeout = time.Duration(step.TimeoutSeconds) * time.Second
		}
		mergeStepEnv(&step, env)
		mergeStepEnv(&step, job.Variables.EnvironmentVariables())
		output, err := c.exec.Run(phaseCtx, &step, primary.Path, timeout)
		if err != nil {
			c.tracer.RecordError(phaseCtx, moduleName, err)
			// Map results stay valid; only the job fails.
			return exception.NewPhaseFailure(moduleName,
				fmt.Sprintf("reduce step '%s' failed for job '%s'", step.DisplayName(), job.ID), err)
		}
		c.captureVariable(job, &step, output)
	}
	logger.Infof("Job '%s' reduce completed (%d steps)", job.ID, len(pl.Reduce))
	return nil
}

// writeMapResults summarizes the map phase into a file reduce steps can read.
func (c *coordinator) writeMapResults(job *model.Job, primary *workspace.Handle) error {
	summary := map[string]interface{}{
		"total":         len(job.Items),
		"successful":    len(job.CompletedIDs),
		"failed":        len(job.FailedIDs),
		"completed_ids": job.CompletedIDs,
		"failed_ids":    job.FailedIDs,
	}
	data, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return exception.NewEngineError(moduleName, fmt.Sprintf("failed to serialize map results for job '%s'", job.ID), err, false)
	}
	step := pipeline.Step{
		Name:      "write-map-results",
		WriteFile: &pipeline.WriteFileStep{Path: mapResultsFile, Content: string(data)},
	}
	if _, err := c.exec.Run(context.Background(), &step, primary.Path, 0); err != nil {
		return exception.NewEngineError(moduleName, fmt.Sprintf("failed to write map results for job '%s'", job.ID), err, true)
	}
	return nil
}

// prepareMapInput fixes the job's item list from the map phase's declared
// input when the job was submitted without items. Setup typically produces
// the input; filter and sort apply the same way as for pre-supplied items.
func (c *coordinator) prepareMapInput(ctx context.Context, job *model.Job, pl *pipeline.Pipeline, primary *workspace.Handle) error {
	data, err := c.readMapInput(ctx, job, pl, primary)
	if err != nil {
		return err
	}
	var doc interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return exception.NewValidationError(moduleName,
			fmt.Sprintf("map input '%s' of job '%s' is not valid JSON", pl.Map.Input, job.ID), err)
	}
	if pl.Map.JSONPath != "" {
		doc, err = extractJSONPath(doc, pl.Map.JSONPath)
		if err != nil {
			return exception.NewValidationError(moduleName,
				fmt.Sprintf("map input '%s' of job '%s': %v", pl.Map.Input, job.ID, err), nil)
		}
	}
	list, ok := doc.([]interface{})
	if !ok {
		return exception.NewValidationError(moduleName,
			fmt.Sprintf("map input '%s' of job '%s' does not yield an array", pl.Map.Input, job.ID), nil)
	}

	items := make([]model.WorkItem, 0, len(list))
	for i, elem := range list {
		payload, ok := elem.(map[string]interface{})
		if !ok {
			return exception.NewValidationError(moduleName,
				fmt.Sprintf("map input element %d of job '%s' is not an object", i, job.ID), nil)
		}
		id := fmt.Sprintf("item-%d", i)
		if v, ok := payload["id"]; ok {
			id = fmt.Sprintf("%v", v)
		}
		items = append(items, model.WorkItem{ID: id, Payload: payload, Status: model.ItemStatusPending})
	}

	fixed, err := c.PrepareItems(pl, items)
	if err != nil {
		return err
	}
	job.Items = fixed
	logger.Infof("Job '%s' map input '%s': %d of %d items selected", job.ID, pl.Map.Input, len(fixed), len(items))
	return nil
}

// readMapInput resolves the input declaration: a file in the primary
// workspace when one exists, otherwise a shell command producing JSON.
func (c *coordinator) readMapInput(ctx context.Context, job *model.Job, pl *pipeline.Pipeline, primary *workspace.Handle) ([]byte, error) {
	path := pl.Map.Input
	if !filepath.IsAbs(path) {
		path = filepath.Join(primary.Path, path)
	}
	if data, err := os.ReadFile(path); err == nil {
		return data, nil
	}

	step := pipeline.Step{Name: "map-input", Shell: pl.Map.Input}
	mergeStepEnv(&step, job.Variables.EnvironmentVariables())
	timeout := time.Duration(c.cfg.Crest.Engine.Timeouts.StepSeconds) * time.Second
	output, err := c.exec.Run(ctx, &step, primary.Path, timeout)
	if err != nil {
		return nil, exception.NewValidationError(moduleName,
			fmt.Sprintf("map input command of job '%s' failed", job.ID), err)
	}
	return []byte(output.Stdout), nil
}

// extractJSONPath descends a decoded JSON document along a dotted path such
// as "data.items". A leading "$." is tolerated.
func extractJSONPath(doc interface{}, path string) (interface{}, error) {
	path = strings.TrimPrefix(path, "$.")
	for _, seg := range strings.Split(path, ".") {
		obj, ok := doc.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("path segment '%s' addresses a non-object", seg)
		}
		doc, ok = obj[seg]
		if !ok {
			return nil, fmt.Errorf("path segment '%s' is missing", seg)
		}
	}
	return doc, nil
}

// remainingItems returns items with no completion evidence. Items already
// recorded as permanently failed live in the DLQ and are not rescheduled by
// a plain resume; in-flight and pending items always are.
func (c *coordinator) remainingItems(job *model.Job) []model.WorkItem {
	terminal := make(map[string]bool, len(job.CompletedIDs)+len(job.FailedIDs))
	for _, id := range job.CompletedIDs {
		terminal[id] = true
	}
	for _, id := range job.FailedIDs {
		terminal[id] = true
	}
	remaining := make([]model.WorkItem, 0, len(job.Items))
	for _, item := range job.Items {
		if !terminal[item.ID] {
			remaining = append(remaining, item)
		}
	}
	return remaining
}

// writeCheckpoint snapshots the job. lastCheckpointAt is nil for one-off
// checkpoints such as phase transitions.
func (c *coordinator) writeCheckpoint(ctx context.Context, job *model.Job, lastCheckpointAt *time.Time) {
	start := time.Now()
	if _, err := c.checkpoint.CreateCheckpoint(context.WithoutCancel(ctx), job); err != nil {
		logger.Errorf("Failed to checkpoint job '%s': %v", job.ID, err)
		return
	}
	if lastCheckpointAt != nil {
		*lastCheckpointAt = time.Now()
	}
	c.recorder.CheckpointWritten(time.Since(start))
}

func (c *coordinator) pauseJob(ctx context.Context, job *model.Job) error {
	job.MarkAsPaused()
	c.saveJob(ctx, job)
	c.emit(ctx, job, event.JobPaused,
		fmt.Sprintf("%d of %d items completed at pause", len(job.CompletedIDs), len(job.Items)))
	logger.Infof("Job '%s' paused (%d/%d items completed)", job.ID, len(job.CompletedIDs), len(job.Items))
	return ctx.Err()
}

func (c *coordinator) failJob(ctx context.Context, job *model.Job, cause error) error {
	c.tracer.RecordError(ctx, moduleName, cause)
	job.MarkAsFailed(cause)
	c.saveJob(ctx, job)
	c.emit(ctx, job, event.JobFailed, cause.Error())
	c.recorder.JobFinished(job.PipelineName, string(job.State), time.Since(job.StartTime))
	logger.Errorf("Job '%s' failed: %v", job.ID, cause)
	return cause
}

func (c *coordinator) emit(ctx context.Context, job *model.Job, eventType event.Type, message string) {
	ev := event.New(eventType, job.ID, job.CorrelationID)
	ev.Message = message
	if _, err := c.eventLog.Append(context.WithoutCancel(ctx), ev); err != nil {
		logger.Warnf("Failed to append %s event for job '%s': %v", eventType, job.ID, err)
	}
}

func (c *coordinator) saveJob(ctx context.Context, job *model.Job) {
	if err := c.jobs.Save(context.WithoutCancel(ctx), job); err != nil {
		logger.Warnf("Failed to persist job record '%s': %v", job.ID, err)
	}
}

func (c *coordinator) withPhaseTimeout(ctx context.Context, seconds int) (context.Context, context.CancelFunc) {
	if seconds <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, time.Duration(seconds)*time.Second)
}
