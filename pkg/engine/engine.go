// Package engine is the facade over the workflow execution engine: job
// submission and resumption, status queries, DLQ operations and event
// queries. It composes the phase coordinator, checkpoint manager, DLQ and
// event log into one entry point for callers such as the HTTP API.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/tigerroll/crest/pkg/engine/agent"
	"github.com/tigerroll/crest/pkg/engine/checkpoint"
	"github.com/tigerroll/crest/pkg/engine/core/config"
	"github.com/tigerroll/crest/pkg/engine/core/domain/model"
	"github.com/tigerroll/crest/pkg/engine/core/pipeline"
	"github.com/tigerroll/crest/pkg/engine/coordinator"
	"github.com/tigerroll/crest/pkg/engine/dlq"
	"github.com/tigerroll/crest/pkg/engine/event"
	"github.com/tigerroll/crest/pkg/engine/event/export"
	"github.com/tigerroll/crest/pkg/engine/metrics"
	"github.com/tigerroll/crest/pkg/engine/workspace"
	exception "github.com/tigerroll/crest/pkg/engine/support/exception"
	logger "github.com/tigerroll/crest/pkg/engine/support/logger"
)

const moduleName = "engine"

// ResumeOptions controls how a job is resumed.
type ResumeOptions struct {
	// FromCheckpoint requires a valid checkpoint to resume from. When
	// false, a missing or corrupt checkpoint falls back to the job record
	// and event replay.
	FromCheckpoint bool
	// ForceRetryFailed reschedules items that exhausted their retries, and
	// is the only way to resume a fatally failed job. The DLQ entries of
	// rescheduled items are kept for history.
	ForceRetryFailed bool
	// Parallelism overrides the job's agent concurrency when > 0.
	Parallelism int
}

// JobHandle tracks an asynchronously running job.
type JobHandle struct {
	// JobID identifies the running job.
	JobID string
	// Done yields the run's terminal error (nil on success) exactly once.
	Done <-chan error
	// Cancel requests a graceful stop; the job is persisted as Paused.
	Cancel context.CancelFunc
}

// Status is a point-in-time summary of a job.
type Status struct {
	JobID        string         `json:"job_id"`
	PipelineName string         `json:"pipeline_name"`
	State        model.JobState `json:"state"`
	Phase        model.Phase    `json:"phase"`
	TotalItems   int            `json:"total_items"`
	Completed    int            `json:"completed"`
	Failed       int            `json:"failed"`
	InFlight     int            `json:"in_flight"`
	Pending      int            `json:"pending"`
	DeadLettered int            `json:"dead_lettered"`
	RestartCount int            `json:"restart_count"`
	StartTime    time.Time      `json:"start_time"`
	EndTime      *time.Time     `json:"end_time,omitempty"`
	// CheckpointSequence is the newest checkpoint's sequence, 0 when none.
	CheckpointSequence int `json:"checkpoint_sequence"`
	// CheckpointAge is how long ago the newest checkpoint was written.
	CheckpointAge time.Duration `json:"checkpoint_age"`
}

// Engine is the single entry point for running and inspecting jobs.
type Engine interface {
	// SubmitJob fixes the item list through the pipeline's filter and sort,
	// persists a new job and runs it to a terminal state. The job ID is
	// returned even when the run fails.
	SubmitJob(ctx context.Context, pl *pipeline.Pipeline, items []model.WorkItem) (string, error)
	// StartJob is the asynchronous variant of SubmitJob.
	StartJob(ctx context.Context, pl *pipeline.Pipeline, items []model.WorkItem) (*JobHandle, error)
	// ResumeJob reschedules the remaining work of a paused or interrupted
	// job. Progress evidence comes from the newest valid checkpoint, with
	// event replay as fallback; items with completion evidence never rerun.
	ResumeJob(ctx context.Context, jobID string, opts ResumeOptions) (*JobHandle, error)
	// JobStatus summarizes a job's progress.
	JobStatus(ctx context.Context, jobID string) (*Status, error)
	// ListJobs returns the IDs of all known jobs.
	ListJobs(ctx context.Context) ([]string, error)

	// DLQList returns a job's dead-lettered items matching the filter.
	DLQList(ctx context.Context, jobID string, filter dlq.Filter) ([]dlq.DeadLetteredItem, error)
	// DLQReprocessOne reruns one dead-lettered item through the pipeline.
	DLQReprocessOne(ctx context.Context, jobID, itemID string) (dlq.ProcessingResult, error)
	// DLQReprocess reruns all matching dead-lettered items with bounded
	// concurrency, streaming per-item results.
	DLQReprocess(ctx context.Context, jobID string, filter dlq.Filter, maxParallel int) (<-chan dlq.ProcessingResult, error)
	// DLQStatistics summarizes a job's dead letter queue.
	DLQStatistics(ctx context.Context, jobID string) (*dlq.Statistics, error)
	// DLQPatterns groups a job's failures by normalized error signature.
	DLQPatterns(ctx context.Context, jobID string) ([]dlq.Pattern, error)

	// EventsQuery returns a job's events matching the filter, in order.
	EventsQuery(ctx context.Context, jobID string, filter event.Filter) ([]event.Event, error)
	// ExportAudit archives a job's event history to a Parquet object and
	// returns its storage key.
	ExportAudit(ctx context.Context, jobID string) (string, error)
}

type engine struct {
	coordinator coordinator.Coordinator
	jobs        *coordinator.JobStore
	checkpoints checkpoint.Manager
	agents      agent.Manager
	dlq         dlq.Manager
	eventLog    event.Log
	workspace   workspace.Provider
	exporter    *export.Exporter
	recorder    metrics.Recorder
	cfg         *config.Config
}

var _ Engine = (*engine)(nil)

// New wires the engine facade.
func New(coord coordinator.Coordinator, jobs *coordinator.JobStore, cp checkpoint.Manager, agents agent.Manager, dlqMgr dlq.Manager, eventLog event.Log, ws workspace.Provider, exporter *export.Exporter, recorder metrics.Recorder, cfg *config.Config) Engine {
	return &engine{
		coordinator: coord,
		jobs:        jobs,
		checkpoints: cp,
		agents:      agents,
		dlq:         dlqMgr,
		eventLog:    eventLog,
		workspace:   ws,
		exporter:    exporter,
		recorder:    recorder,
		cfg:         cfg,
	}
}

func (e *engine) createJob(pl *pipeline.Pipeline, items []model.WorkItem) (*model.Job, error) {
	fixed, err := e.coordinator.PrepareItems(pl, items)
	if err != nil {
		return nil, err
	}
	parallelism := e.cfg.Crest.Engine.Parallelism
	if pl.Map.MaxParallel > 0 && pl.Map.MaxParallel < parallelism {
		parallelism = pl.Map.MaxParallel
	}
	job := model.NewJob(pl.Name, fixed, parallelism)
	logger.Infof("Job '%s' created for pipeline '%s': %d of %d items selected",
		job.ID, pl.Name, len(fixed), len(items))
	return job, nil
}

func (e *engine) SubmitJob(ctx context.Context, pl *pipeline.Pipeline, items []model.WorkItem) (string, error) {
	job, err := e.createJob(pl, items)
	if err != nil {
		return "", err
	}
	if err := e.jobs.Save(ctx, job); err != nil {
		return "", err
	}
	return job.ID, e.coordinator.RunJob(ctx, job, pl)
}

func (e *engine) StartJob(ctx context.Context, pl *pipeline.Pipeline, items []model.WorkItem) (*JobHandle, error) {
	job, err := e.createJob(pl, items)
	if err != nil {
		return nil, err
	}
	if err := e.jobs.Save(ctx, job); err != nil {
		return nil, err
	}
	return e.run(ctx, job, pl), nil
}

// run launches the coordinator in the background. The returned handle's
// cancel func detaches the job from the caller's context so an HTTP request
// ending does not kill the job.
func (e *engine) run(ctx context.Context, job *model.Job, pl *pipeline.Pipeline) *JobHandle {
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	job.CancelFunc = cancel
	done := make(chan error, 1)
	go func() {
		done <- e.coordinator.RunJob(runCtx, job, pl)
	}()
	return &JobHandle{JobID: job.ID, Done: done, Cancel: cancel}
}

func (e *engine) ResumeJob(ctx context.Context, jobID string, opts ResumeOptions) (*JobHandle, error) {
	job, err := e.jobs.Load(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, exception.NewValidationError(moduleName, fmt.Sprintf("job '%s' is unknown", jobID), nil)
	}
	if job.State == model.JobStateCompleted && (!opts.ForceRetryFailed || len(job.FailedIDs) == 0) {
		return nil, exception.NewValidationError(moduleName, fmt.Sprintf("job '%s' already completed", jobID), nil)
	}
	if job.State == model.JobStateFailed && !opts.ForceRetryFailed {
		return nil, exception.NewValidationError(moduleName,
			fmt.Sprintf("job '%s' failed fatally; resume requires force_retry_failed", jobID), nil)
	}
	def, ok := pipeline.GetPipelineDefinition(job.PipelineName)
	if !ok {
		return nil, exception.NewValidationError(moduleName,
			fmt.Sprintf("pipeline '%s' of job '%s' is not loaded", job.PipelineName, jobID), nil)
	}

	if err := e.reconcileProgress(ctx, job, opts); err != nil {
		return nil, err
	}
	if opts.ForceRetryFailed {
		logger.Infof("Job '%s' resume will retry %d permanently failed item(s)", jobID, len(job.FailedIDs))
		job.FailedIDs = nil
		// Rerunning items means the map phase is open again; a terminal
		// phase is rewound without going through the transition table.
		if job.Phase == model.PhaseReduce || job.Phase == model.PhaseDone {
			job.Phase = model.PhaseMap
		}
	}
	if opts.Parallelism > 0 {
		job.Parallelism = opts.Parallelism
	}
	// In-flight bookkeeping is rebuilt when the map phase reschedules.
	job.InFlightIDs = nil
	job.MarkAsResumed()
	if err := e.jobs.Save(ctx, job); err != nil {
		return nil, err
	}
	logger.Infof("Job '%s' resuming (restart %d): %d completed, %d failed of %d items",
		jobID, job.RestartCount, len(job.CompletedIDs), len(job.FailedIDs), len(job.Items))
	return e.run(ctx, job, &def), nil
}

// reconcileProgress overwrites the job's progress bookkeeping with the
// strongest available evidence: a valid checkpoint, else the event log and
// the DLQ. The job record alone is never trusted for completion evidence.
func (e *engine) reconcileProgress(ctx context.Context, job *model.Job, opts ResumeOptions) error {
	cp, err := e.checkpoints.LoadAndValidate(ctx, job.ID)
	if err != nil {
		if !exception.IsErrorOfType(err, "ValidationError") {
			return err
		}
		if opts.FromCheckpoint {
			return err
		}
		logger.Warnf("Job '%s' checkpoint is unusable, replaying events: %v", job.ID, err)
		cp = nil
	}
	if cp != nil {
		job.CompletedIDs = cp.CompletedIDs
		job.FailedIDs = cp.FailedIDs
		if cp.Variables != nil {
			job.Variables = cp.Variables
		}
		ev := event.New(event.CheckpointLoaded, job.ID, job.CorrelationID)
		ev.Message = fmt.Sprintf("resumed from checkpoint %d", cp.Sequence)
		if _, appendErr := e.eventLog.Append(ctx, ev); appendErr != nil {
			logger.Warnf("Failed to append CheckpointLoaded event for job '%s': %v", job.ID, appendErr)
		}
		return nil
	}
	if opts.FromCheckpoint {
		return exception.NewValidationError(moduleName,
			fmt.Sprintf("job '%s' has no valid checkpoint to resume from", job.ID), nil)
	}
	return e.replayProgress(ctx, job)
}

// replayProgress rebuilds completion evidence from the event log and the
// DLQ when no valid checkpoint exists. AgentCompleted events are the
// completion evidence; the DLQ is authoritative for permanent failures,
// since interrupted agents also emit AgentFailed.
func (e *engine) replayProgress(ctx context.Context, job *model.Job) error {
	completed := make(map[string]bool)
	err := e.eventLog.Replay(ctx, job.ID, func(ev event.Event) error {
		if ev.Type == event.AgentCompleted && ev.ItemID != "" {
			completed[ev.ItemID] = true
		}
		return nil
	})
	if err != nil {
		return err
	}
	entries, err := e.dlq.List(ctx, job.ID, dlq.Filter{})
	if err != nil {
		return err
	}

	job.CompletedIDs = nil
	job.FailedIDs = nil
	for _, item := range job.Items {
		if completed[item.ID] {
			job.CompletedIDs = append(job.CompletedIDs, item.ID)
		}
	}
	for _, entry := range entries {
		if !completed[entry.ItemID] {
			job.FailedIDs = append(job.FailedIDs, entry.ItemID)
		}
	}
	logger.Infof("Job '%s' progress rebuilt from events: %d completed, %d failed",
		job.ID, len(job.CompletedIDs), len(job.FailedIDs))
	return nil
}

func (e *engine) JobStatus(ctx context.Context, jobID string) (*Status, error) {
	job, err := e.jobs.Load(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, exception.NewValidationError(moduleName, fmt.Sprintf("job '%s' is unknown", jobID), nil)
	}

	status := &Status{
		JobID:        job.ID,
		PipelineName: job.PipelineName,
		State:        job.State,
		Phase:        job.Phase,
		TotalItems:   len(job.Items),
		Completed:    len(job.CompletedIDs),
		Failed:       len(job.FailedIDs),
		InFlight:     len(job.InFlightIDs),
		RestartCount: job.RestartCount,
		StartTime:    job.StartTime,
		EndTime:      job.EndTime,
	}
	status.Pending = status.TotalItems - status.Completed - status.Failed - status.InFlight
	if status.Pending < 0 {
		status.Pending = 0
	}

	if cp, cpErr := e.checkpoints.LoadLatest(ctx, jobID); cpErr == nil && cp != nil {
		status.CheckpointSequence = cp.Sequence
		status.CheckpointAge = time.Since(cp.CreatedAt)
	}
	if stats, dlqErr := e.dlq.Statistics(ctx, jobID); dlqErr == nil {
		status.DeadLettered = stats.TotalEntries
		e.recorder.DLQDepth(jobID, stats.TotalEntries)
	}
	return status, nil
}

func (e *engine) ListJobs(ctx context.Context) ([]string, error) {
	return e.jobs.List(ctx)
}

func (e *engine) DLQList(ctx context.Context, jobID string, filter dlq.Filter) ([]dlq.DeadLetteredItem, error) {
	return e.dlq.List(ctx, jobID, filter)
}

func (e *engine) DLQReprocessOne(ctx context.Context, jobID, itemID string) (dlq.ProcessingResult, error) {
	run, err := e.reprocessFunc(ctx, jobID)
	if err != nil {
		return dlq.ProcessingResult{}, err
	}
	result, err := e.dlq.ReprocessOne(ctx, jobID, itemID, run)
	if err == nil && result.Success {
		e.recordRecovery(context.WithoutCancel(ctx), jobID, result.ItemID)
	}
	return result, err
}

func (e *engine) DLQReprocess(ctx context.Context, jobID string, filter dlq.Filter, maxParallel int) (<-chan dlq.ProcessingResult, error) {
	run, err := e.reprocessFunc(ctx, jobID)
	if err != nil {
		return nil, err
	}
	inner, err := e.dlq.ReprocessBatch(ctx, jobID, filter, maxParallel, run)
	if err != nil {
		return nil, err
	}
	results := make(chan dlq.ProcessingResult)
	go func() {
		defer close(results)
		for result := range inner {
			if result.Success {
				e.recordRecovery(context.WithoutCancel(ctx), jobID, result.ItemID)
			}
			results <- result
		}
	}()
	return results, nil
}

// recordRecovery moves a reprocessed item's bookkeeping from failed to
// completed so job status and checkpoint-based resume agree with the DLQ,
// which no longer holds the entry.
func (e *engine) recordRecovery(ctx context.Context, jobID, itemID string) {
	job, err := e.jobs.Load(ctx, jobID)
	if err != nil || job == nil {
		logger.Warnf("Could not load job '%s' to record recovered item '%s': %v", jobID, itemID, err)
		return
	}
	job.MarkItemRecovered(itemID)
	if err := e.jobs.Save(ctx, job); err != nil {
		logger.Warnf("Failed to persist job '%s' after recovering item '%s': %v", jobID, itemID, err)
		return
	}
	if _, err := e.checkpoints.CreateCheckpoint(ctx, job); err != nil {
		logger.Warnf("Failed to checkpoint job '%s' after recovering item '%s': %v", jobID, itemID, err)
	}
}

// reprocessFunc binds a job's pipeline and primary workspace into the
// executable the DLQ invokes per entry.
func (e *engine) reprocessFunc(ctx context.Context, jobID string) (dlq.ReprocessFunc, error) {
	job, err := e.jobs.Load(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, exception.NewValidationError(moduleName, fmt.Sprintf("job '%s' is unknown", jobID), nil)
	}
	def, ok := pipeline.GetPipelineDefinition(job.PipelineName)
	if !ok {
		return nil, exception.NewValidationError(moduleName,
			fmt.Sprintf("pipeline '%s' of job '%s' is not loaded", job.PipelineName, jobID), nil)
	}
	primary, err := e.workspace.Ensure(ctx, "", "job-"+job.ID)
	if err != nil {
		return nil, err
	}
	return func(runCtx context.Context, item model.WorkItem, correlationID string) error {
		return e.agents.Reprocess(runCtx, jobID, item, &def, primary.Path, correlationID)
	}, nil
}

func (e *engine) DLQStatistics(ctx context.Context, jobID string) (*dlq.Statistics, error) {
	stats, err := e.dlq.Statistics(ctx, jobID)
	if err != nil {
		return nil, err
	}
	e.recorder.DLQDepth(jobID, stats.TotalEntries)
	return stats, nil
}

func (e *engine) DLQPatterns(ctx context.Context, jobID string) ([]dlq.Pattern, error) {
	return e.dlq.AnalyzePatterns(ctx, jobID)
}

func (e *engine) EventsQuery(ctx context.Context, jobID string, filter event.Filter) ([]event.Event, error) {
	filter.JobID = jobID
	return e.eventLog.Query(ctx, filter)
}

func (e *engine) ExportAudit(ctx context.Context, jobID string) (string, error) {
	return e.exporter.ExportJob(ctx, jobID)
}
