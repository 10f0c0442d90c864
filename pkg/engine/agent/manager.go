// Package agent runs individual work items through the pipeline in isolated
// workspaces, with bounded retries, DLQ hand-off and event emission.
package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/tigerroll/crest/pkg/engine/core/config"
	"github.com/tigerroll/crest/pkg/engine/core/domain/model"
	"github.com/tigerroll/crest/pkg/engine/core/pipeline"
	"github.com/tigerroll/crest/pkg/engine/dlq"
	"github.com/tigerroll/crest/pkg/engine/event"
	"github.com/tigerroll/crest/pkg/engine/executor"
	"github.com/tigerroll/crest/pkg/engine/metrics"
	"github.com/tigerroll/crest/pkg/engine/workspace"
	exception "github.com/tigerroll/crest/pkg/engine/support/exception"
	logger "github.com/tigerroll/crest/pkg/engine/support/logger"
)

const moduleName = "agent"

// Handle is one spawned agent: a work item bound to an isolated workspace.
type Handle struct {
	// Execution tracks the agent's lifecycle state.
	Execution *model.AgentExecution
	// Item is the work item being processed.
	Item model.WorkItem
	// Pipeline is the map-phase step list to run.
	Pipeline *pipeline.Pipeline
	// Workspace is the agent's isolated working directory.
	Workspace *workspace.Handle
	// MergeTarget is where a successful agent's workspace is merged.
	MergeTarget string
	// Variables is a snapshot of the job's captured variables, exposed to
	// steps as CREST_VAR_* environment variables.
	Variables model.VariableMap
}

// Result is the outcome of one agent execution.
type Result struct {
	// ItemID is the processed work item.
	ItemID string
	// Success reports whether the item completed.
	Success bool
	// Attempts is how many attempts ran.
	Attempts int
	// Interrupted reports that the agent was stopped by job cancellation
	// rather than by a genuine failure; interrupted items are rescheduled
	// on resume instead of dead-lettered.
	Interrupted bool
	// Output is the last step's output, including partial output captured
	// on timeout.
	Output *executor.StepOutput
	// Err is the final error when Success is false.
	Err error
}

// Manager spawns and drives agents.
type Manager interface {
	// Spawn allocates an isolated workspace for the item and emits
	// AgentStarted. The caller owns the returned handle until Execute
	// releases it.
	Spawn(ctx context.Context, job *model.Job, item model.WorkItem, pl *pipeline.Pipeline, baseWorkspace string) (*Handle, error)
	// Execute runs the pipeline steps in order with bounded retries and
	// exponential backoff. On success the workspace is merged into the
	// merge target; on exhaustion the item is handed to the DLQ. The
	// workspace is always released before Execute returns.
	Execute(ctx context.Context, handle *Handle) (*Result, error)
	// RunAll processes items with bounded concurrency. Per-agent failures
	// never abort siblings; onItemDone is invoked as each item reaches a
	// terminal state. The returned error aggregates all item failures.
	RunAll(ctx context.Context, job *model.Job, items []model.WorkItem, pl *pipeline.Pipeline, baseWorkspace string, onItemDone func(result Result)) ([]Result, error)
	// Reprocess runs one item through the map pipeline a single time in a
	// fresh workspace, merging into the base workspace on success. Failure
	// bookkeeping stays with the caller; nothing is dead-lettered here.
	Reprocess(ctx context.Context, jobID string, item model.WorkItem, pl *pipeline.Pipeline, baseWorkspace, correlationID string) error
}

type manager struct {
	exec      executor.Executor
	workspace workspace.Provider
	eventLog  event.Log
	dlq       dlq.Manager
	recorder  metrics.Recorder
	tracer    metrics.Tracer
	cfg       *config.Config
}

var _ Manager = (*manager)(nil)

// NewManager wires the agent lifecycle manager.
func NewManager(exec executor.Executor, ws workspace.Provider, eventLog event.Log, dlqMgr dlq.Manager, recorder metrics.Recorder, tracer metrics.Tracer, cfg *config.Config) Manager {
	return &manager{
		exec:      exec,
		workspace: ws,
		eventLog:  eventLog,
		dlq:       dlqMgr,
		recorder:  recorder,
		tracer:    tracer,
		cfg:       cfg,
	}
}

func (m *manager) Spawn(ctx context.Context, job *model.Job, item model.WorkItem, pl *pipeline.Pipeline, baseWorkspace string) (*Handle, error) {
	execution := model.NewAgentExecution(job.ID, item.ID)
	wsName := fmt.Sprintf("%s-%s-%s", job.ID, item.ID, execution.ID[:8])
	ws, err := m.workspace.Create(ctx, baseWorkspace, wsName)
	if err != nil {
		return nil, err
	}
	execution.WorkspacePath = ws.Path

	ev := event.New(event.AgentStarted, job.ID, execution.CorrelationID)
	ev.ItemID = item.ID
	if _, err := m.eventLog.Append(ctx, ev); err != nil {
		_ = m.workspace.Destroy(ctx, ws)
		return nil, err
	}
	m.recorder.AgentStarted()

	ev = event.New(event.WorkspaceCreated, job.ID, execution.CorrelationID)
	ev.ItemID = item.ID
	ev.Message = ws.Path
	if _, err := m.eventLog.Append(ctx, ev); err != nil {
		logger.Warnf("Failed to append WorkspaceCreated event for item '%s': %v", item.ID, err)
	}

	return &Handle{
		Execution:   execution,
		Item:        item,
		Pipeline:    pl,
		Workspace:   ws,
		MergeTarget: baseWorkspace,
		Variables:   job.Variables.Copy(),
	}, nil
}

func (m *manager) Execute(ctx context.Context, handle *Handle) (result *Result, err error) {
	execution := handle.Execution
	retry := m.cfg.Crest.Engine.Retry
	maxAttempts := retry.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	start := time.Now()
	result = &Result{ItemID: handle.Item.ID}

	// The workspace is released exactly once, whatever path Execute takes.
	defer func() {
		if destroyErr := m.workspace.Destroy(ctx, handle.Workspace); destroyErr != nil {
			logger.Errorf("Failed to release workspace '%s': %v", handle.Workspace.Name, destroyErr)
			err = multierror.Append(err, destroyErr).ErrorOrNil()
		} else {
			ev := event.New(event.WorkspaceCleaned, execution.JobID, execution.CorrelationID)
			ev.ItemID = handle.Item.ID
			if _, appendErr := m.eventLog.Append(ctx, ev); appendErr != nil {
				logger.Warnf("Failed to append WorkspaceCleaned event for item '%s': %v", handle.Item.ID, appendErr)
			}
		}
	}()

	interval := time.Duration(retry.InitialInterval) * time.Millisecond
	maxInterval := time.Duration(retry.MaxInterval) * time.Millisecond

	var lastErr error
	var lastOutput *executor.StepOutput
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		execution.MarkAsRunning()
		spanCtx, endSpan := m.tracer.StartAgentSpan(ctx, execution.JobID, handle.Item.ID, attempt)
		lastOutput, lastErr = m.runPipeline(spanCtx, handle)
		result.Attempts = attempt
		result.Output = lastOutput

		if lastErr == nil {
			endSpan()
			return m.finishSuccess(ctx, handle, result, start)
		}
		m.tracer.RecordError(spanCtx, moduleName, lastErr)
		endSpan()

		if ctx.Err() != nil {
			break
		}
		if attempt < maxAttempts && m.isRetryable(lastErr) {
			execution.MarkAsRetrying(lastErr)
			m.recorder.RetryScheduled()
			ev := event.New(event.AgentRetrying, execution.JobID, execution.CorrelationID)
			ev.ItemID = handle.Item.ID
			ev.Message = fmt.Sprintf("attempt %d failed: %v", attempt, lastErr)
			if _, appendErr := m.eventLog.Append(ctx, ev); appendErr != nil {
				logger.Warnf("Failed to append AgentRetrying event for item '%s': %v", handle.Item.ID, appendErr)
			}
			logger.Warnf("Item '%s' attempt %d/%d failed, retrying in %s: %v", handle.Item.ID, attempt, maxAttempts, interval, lastErr)

			select {
			case <-time.After(interval):
			case <-ctx.Done():
			}
			interval = time.Duration(float64(interval) * retry.Factor)
			if maxInterval > 0 && interval > maxInterval {
				interval = maxInterval
			}
			continue
		}
		break
	}
	return m.finishFailure(ctx, handle, result, lastErr, lastOutput, start)
}

// softCancelKey carries the job-level stop signal: when it fires, agents
// finish their current step and unwind instead of being killed mid-step.
type softCancelKey struct{}

func withSoftCancel(ctx context.Context, done <-chan struct{}) context.Context {
	return context.WithValue(ctx, softCancelKey{}, done)
}

func stopRequested(ctx context.Context) bool {
	done, ok := ctx.Value(softCancelKey{}).(<-chan struct{})
	if !ok {
		return false
	}
	select {
	case <-done:
		return true
	default:
		return false
	}
}

// runPipeline runs the map-phase steps in order inside the agent workspace,
// stopping at the first failing step unless it is marked continue-on-error.
func (m *manager) runPipeline(ctx context.Context, handle *Handle) (*executor.StepOutput, error) {
	stepTimeout := time.Duration(m.cfg.Crest.Engine.Timeouts.StepSeconds) * time.Second
	itemEnv := itemEnvironment(&handle.Item)
	for k, v := range handle.Variables.EnvironmentVariables() {
		if _, ok := itemEnv[k]; !ok {
			itemEnv[k] = v
		}
	}

	var lastOutput *executor.StepOutput
	for i := range handle.Pipeline.Map.Pipeline {
		if stopRequested(ctx) {
			return lastOutput, context.Canceled
		}
		step := handle.Pipeline.Map.Pipeline[i]
		timeout := stepTimeout
		if step.TimeoutSeconds > 0 {
			timeout = time.Duration(step.TimeoutSeconds) * time.Second
		}
		if step.Env == nil {
			step.Env = itemEnv
		} else {
			merged := make(map[string]string, len(itemEnv)+len(step.Env))
			for k, v := range itemEnv {
				merged[k] = v
			}
			for k, v := range step.Env {
				merged[k] = v
			}
			step.Env = merged
		}

		output, err := m.exec.Run(ctx, &step, handle.Workspace.Path, timeout)
		lastOutput = output
		if err != nil {
			if step.ContinueOnError && ctx.Err() == nil {
				logger.Warnf("Step '%s' failed but continues on error: %v", step.DisplayName(), err)
				continue
			}
			return lastOutput, err
		}

		ev := event.New(event.AgentProgress, handle.Execution.JobID, handle.Execution.CorrelationID)
		ev.ItemID = handle.Item.ID
		ev.Message = fmt.Sprintf("step '%s' completed (%d/%d)", step.DisplayName(), i+1, len(handle.Pipeline.Map.Pipeline))
		if _, appendErr := m.eventLog.Append(ctx, ev); appendErr != nil {
			logger.Warnf("Failed to append AgentProgress event for item '%s': %v", handle.Item.ID, appendErr)
		}
	}
	return lastOutput, nil
}

func (m *manager) finishSuccess(ctx context.Context, handle *Handle, result *Result, start time.Time) (*Result, error) {
	if err := m.workspace.Merge(ctx, handle.Workspace, handle.MergeTarget); err != nil {
		return m.finishFailure(ctx, handle, result, err, result.Output, start)
	}
	ev := event.New(event.WorkspaceMerged, handle.Execution.JobID, handle.Execution.CorrelationID)
	ev.ItemID = handle.Item.ID
	if _, appendErr := m.eventLog.Append(ctx, ev); appendErr != nil {
		logger.Warnf("Failed to append WorkspaceMerged event for item '%s': %v", handle.Item.ID, appendErr)
	}

	handle.Execution.MarkAsSucceeded()
	result.Success = true
	m.recorder.AgentFinished("succeeded", time.Since(start))

	ev = event.New(event.AgentCompleted, handle.Execution.JobID, handle.Execution.CorrelationID)
	ev.ItemID = handle.Item.ID
	if _, appendErr := m.eventLog.Append(ctx, ev); appendErr != nil {
		logger.Warnf("Failed to append AgentCompleted event for item '%s': %v", handle.Item.ID, appendErr)
	}
	logger.Infof("Item '%s' completed after %d attempt(s)", handle.Item.ID, result.Attempts)
	return result, nil
}

func (m *manager) finishFailure(ctx context.Context, handle *Handle, result *Result, cause error, output *executor.StepOutput, start time.Time) (*Result, error) {
	if cause == nil {
		cause = exception.NewEngineErrorf(moduleName, "item '%s' failed with no recorded cause", handle.Item.ID)
	}
	handle.Execution.MarkAsFailed(cause)
	result.Success = false
	result.Err = cause
	m.recorder.AgentFinished("failed", time.Since(start))

	ev := event.New(event.AgentFailed, handle.Execution.JobID, handle.Execution.CorrelationID)
	ev.ItemID = handle.Item.ID
	ev.Message = cause.Error()
	if _, appendErr := m.eventLog.Append(ctx, ev); appendErr != nil {
		logger.Warnf("Failed to append AgentFailed event for item '%s': %v", handle.Item.ID, appendErr)
	}

	// Items interrupted by job cancellation are not genuine failures; they
	// are rescheduled on resume instead of dead-lettered.
	result.Interrupted = errors.Is(cause, context.Canceled)
	if !result.Interrupted {
		failure := dlq.FailureDetail{
			ErrorType: dlq.ClassifyError(cause),
			Message:   cause.Error(),
			Duration:  time.Since(start),
		}
		if output != nil {
			failure.Stdout = output.Stdout
			failure.Stderr = output.Stderr
		}
		if _, dlqErr := m.dlq.RecordFailure(context.WithoutCancel(ctx), handle.Execution.JobID, handle.Execution.CorrelationID, handle.Item, failure); dlqErr != nil {
			logger.Errorf("Failed to dead-letter item '%s': %v", handle.Item.ID, dlqErr)
		}
	}
	logger.Warnf("Item '%s' failed after %d attempt(s): %v", handle.Item.ID, result.Attempts, cause)
	return result, nil
}

func (m *manager) isRetryable(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		// A step timeout surfaces as TimeoutError; bare context errors
		// mean the job itself is stopping.
		if !exception.IsErrorOfType(err, "TimeoutError") {
			return false
		}
	}
	for _, class := range m.cfg.Crest.Engine.Retry.RetryableExceptions {
		if exception.IsErrorOfType(err, class) {
			return true
		}
	}
	return false
}

func (m *manager) RunAll(ctx context.Context, job *model.Job, items []model.WorkItem, pl *pipeline.Pipeline, baseWorkspace string, onItemDone func(result Result)) ([]Result, error) {
	parallelism := job.Parallelism
	if pl.Map.MaxParallel > 0 && pl.Map.MaxParallel < parallelism {
		parallelism = pl.Map.MaxParallel
	}
	if parallelism <= 0 {
		parallelism = 1
	}

	results := make([]Result, len(items))
	sem := make(chan struct{}, parallelism)
	done := make(chan int, len(items))

	// On cancellation, spawning stops immediately but in-flight agents get
	// a grace period to reach a step boundary before they are killed.
	agentCtx, cancelAgents := context.WithCancel(withSoftCancel(context.Background(), ctx.Done()))
	defer cancelAgents()
	allDone := make(chan struct{})
	defer close(allDone)
	go func() {
		select {
		case <-allDone:
			return
		case <-ctx.Done():
		}
		grace := time.Duration(m.cfg.Crest.Engine.Timeouts.GraceSeconds) * time.Second
		timer := time.NewTimer(grace)
		defer timer.Stop()
		select {
		case <-timer.C:
			logger.Warnf("Grace period of %s expired; force-terminating in-flight agents", grace)
			cancelAgents()
		case <-allDone:
		}
	}()

	launched := 0
	for i := range items {
		// Stop spawning once cancellation is requested; in-flight agents
		// finish their current step and unwind.
		if ctx.Err() != nil {
			break
		}
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
		}
		if ctx.Err() != nil {
			break
		}
		launched++
		go func(idx int) {
			defer func() { <-sem }()
			defer func() { done <- idx }()
			item := items[idx]

			handle, err := m.Spawn(agentCtx, job, item, pl, baseWorkspace)
			if err != nil {
				results[idx] = Result{ItemID: item.ID, Success: false, Err: err}
				return
			}
			result, err := m.Execute(agentCtx, handle)
			if err != nil && result.Err == nil {
				result.Err = err
			}
			results[idx] = *result
		}(i)
	}

	for finished := 0; finished < launched; finished++ {
		idx := <-done
		if onItemDone != nil {
			onItemDone(results[idx])
		}
	}

	var multiErr error
	for i := range results[:launched] {
		if !results[i].Success && !results[i].Interrupted && results[i].Err != nil {
			multiErr = multierror.Append(multiErr, fmt.Errorf("item '%s': %w", results[i].ItemID, results[i].Err))
		}
	}
	return results[:launched], multiErr
}

func (m *manager) Reprocess(ctx context.Context, jobID string, item model.WorkItem, pl *pipeline.Pipeline, baseWorkspace, correlationID string) error {
	execution := model.NewAgentExecution(jobID, item.ID)
	if correlationID != "" {
		execution.CorrelationID = correlationID
	}
	wsName := fmt.Sprintf("%s-%s-retry-%s", jobID, item.ID, execution.ID[:8])
	ws, err := m.workspace.Create(ctx, baseWorkspace, wsName)
	if err != nil {
		return err
	}
	defer func() {
		if destroyErr := m.workspace.Destroy(ctx, ws); destroyErr != nil {
			logger.Errorf("Failed to release workspace '%s': %v", ws.Name, destroyErr)
		}
	}()

	handle := &Handle{
		Execution:   execution,
		Item:        item,
		Pipeline:    pl,
		Workspace:   ws,
		MergeTarget: baseWorkspace,
	}
	execution.MarkAsRunning()
	spanCtx, endSpan := m.tracer.StartAgentSpan(ctx, jobID, item.ID, 1)
	_, runErr := m.runPipeline(spanCtx, handle)
	if runErr != nil {
		m.tracer.RecordError(spanCtx, moduleName, runErr)
		endSpan()
		execution.MarkAsFailed(runErr)
		return runErr
	}
	endSpan()
	if err := m.workspace.Merge(ctx, ws, baseWorkspace); err != nil {
		execution.MarkAsFailed(err)
		return err
	}
	execution.MarkAsSucceeded()
	return nil
}

// itemEnvironment exposes the work item to steps as environment variables.
func itemEnvironment(item *model.WorkItem) map[string]string {
	env := map[string]string{"CREST_ITEM_ID": item.ID}
	for k, v := range item.Payload {
		if s, ok := v.(string); ok {
			env["CREST_ITEM_"+sanitizeEnvKey(k)] = s
		} else {
			env["CREST_ITEM_"+sanitizeEnvKey(k)] = fmt.Sprintf("%v", v)
		}
	}
	return env
}

func sanitizeEnvKey(k string) string {
	out := make([]rune, 0, len(k))
	for _, r := range k {
		switch {
		case r >= 'a' && r <= 'z':
			out = append(out, r-('a'-'A'))
		case (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'):
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}
