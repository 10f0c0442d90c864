package model

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/tigerroll/crest/pkg/engine/support/exception"
	logger "github.com/tigerroll/crest/pkg/engine/support/logger"
	"github.com/tigerroll/crest/pkg/engine/support/serialization"

	"github.com/google/uuid"
)

// JobState represents the state of a job execution.
type JobState string

const (
	JobStateInitializing  JobState = "INITIALIZING"
	JobStateRunning       JobState = "RUNNING"
	JobStateCheckpointing JobState = "CHECKPOINTING"
	JobStateCompleted     JobState = "COMPLETED"
	JobStateFailed        JobState = "FAILED"
	JobStatePaused        JobState = "PAUSED"
)

// String returns the string representation of the JobState.
func (s JobState) String() string {
	return string(s)
}

// IsTerminal checks if the JobState represents a finished state.
// Paused is not terminal: a paused job can be resumed.
func (s JobState) IsTerminal() bool {
	switch s {
	case JobStateCompleted, JobStateFailed:
		return true
	default:
		return false
	}
}

// Phase represents the pipeline phase a job is currently executing.
type Phase string

const (
	PhaseSetup  Phase = "SETUP"
	PhaseMap    Phase = "MAP"
	PhaseReduce Phase = "REDUCE"
	PhaseDone   Phase = "DONE"
)

// String returns the string representation of the Phase.
func (p Phase) String() string {
	return string(p)
}

// isValidPhaseTransition checks if the phase transition is valid.
// Setup and Reduce are skippable when the pipeline does not define them.
func isValidPhaseTransition(current, next Phase) bool {
	switch current {
	case PhaseSetup:
		return next == PhaseMap
	case PhaseMap:
		return next == PhaseReduce || next == PhaseDone
	case PhaseReduce:
		return next == PhaseDone
	case PhaseDone:
		return false
	default:
		return false
	}
}

// AgentState represents the state of a per-item agent execution.
type AgentState string

const (
	AgentStateCreated   AgentState = "CREATED"
	AgentStateRunning   AgentState = "RUNNING"
	AgentStateSucceeded AgentState = "SUCCEEDED"
	AgentStateRetrying  AgentState = "RETRYING"
	AgentStateFailed    AgentState = "FAILED"
)

// String returns the string representation of the AgentState.
func (s AgentState) String() string {
	return string(s)
}

// IsTerminal checks if the AgentState represents a finished state.
func (s AgentState) IsTerminal() bool {
	return s == AgentStateSucceeded || s == AgentStateFailed
}

// VariableMap is a key-value store for variables captured during job execution
// and carried across phases and checkpoints.
type VariableMap map[string]interface{}

// NewVariableMap creates a new empty VariableMap.
func NewVariableMap() VariableMap {
	return make(VariableMap)
}

// Put sets a value in the VariableMap.
func (vm VariableMap) Put(key string, value interface{}) {
	vm[key] = value
}

// Get retrieves a value from the VariableMap.
func (vm VariableMap) Get(key string) (interface{}, bool) {
	val, ok := vm[key]
	return val, ok
}

// GetString retrieves a string value from the VariableMap.
func (vm VariableMap) GetString(key string) (string, bool) {
	val, ok := vm[key]
	if !ok {
		return "", false
	}
	s, ok := val.(string)
	return s, ok
}

// Copy returns a shallow copy of the VariableMap.
func (vm VariableMap) Copy() VariableMap {
	cp := make(VariableMap, len(vm))
	for k, v := range vm {
		cp[k] = v
	}
	return cp
}

// EnvironmentVariables renders the map as CREST_VAR_* environment variables
// for pipeline steps. Non-string values use their default formatting.
func (vm VariableMap) EnvironmentVariables() map[string]string {
	env := make(map[string]string, len(vm))
	for k, v := range vm {
		name := "CREST_VAR_" + sanitizeEnvKey(k)
		if s, ok := v.(string); ok {
			env[name] = s
		} else {
			env[name] = fmt.Sprintf("%v", v)
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

// String returns the string representation of the VariableMap.
// Sensitive values are masked.
func (vm VariableMap) String() string {
	masked := serialization.GetMaskedVariablesMap(vm)
	data, err := json.Marshal(masked)
	if err != nil {
		return fmt.Sprintf("{[ERROR: Failed to marshal masked variables: %v]}", err)
	}
	return string(data)
}

// FailureList holds a list of error messages.
type FailureList []string

// ItemStatus represents the per-item processing status within the map phase.
type ItemStatus string

const (
	ItemStatusPending    ItemStatus = "PENDING"
	ItemStatusInProgress ItemStatus = "IN_PROGRESS"
	ItemStatusSucceeded  ItemStatus = "SUCCEEDED"
	ItemStatusFailed     ItemStatus = "FAILED"
)

// String returns the string representation of the ItemStatus.
func (s ItemStatus) String() string {
	return string(s)
}

// IsTerminal checks if the ItemStatus represents a finished state.
func (s ItemStatus) IsTerminal() bool {
	return s == ItemStatusSucceeded || s == ItemStatusFailed
}

// WorkItem is a single unit of work produced by the setup phase or supplied
// with the job. The payload is a JSON-like document addressed by the
// expression engine via dotted paths under the "item" root. The id is stable
// across resume.
type WorkItem struct {
	// ID uniquely identifies the item within its job.
	ID string `json:"id"`
	// Payload is the item's document.
	Payload map[string]interface{} `json:"payload"`
	// Status is the item's current processing status.
	Status ItemStatus `json:"status"`
	// Attempts is the number of processing attempts made for this item.
	Attempts int `json:"attempts"`
}

// Field resolves a top-level payload field. Missing fields report ok=false.
func (w *WorkItem) Field(name string) (interface{}, bool) {
	if w.Payload == nil {
		return nil, false
	}
	v, ok := w.Payload[name]
	return v, ok
}

// Job is the aggregate root for one workflow execution: the fixed ordered
// item list, phase and state, progress bookkeeping, and captured variables.
type Job struct {
	// ID is the unique identifier of the job execution.
	ID string `json:"id"`
	// CorrelationID is shared by all events emitted for this job.
	CorrelationID string `json:"correlation_id"`
	// PipelineName is the name of the pipeline definition being executed.
	PipelineName string `json:"pipeline_name"`
	// State is the current lifecycle state of the job.
	State JobState `json:"state"`
	// Phase is the pipeline phase currently executing.
	Phase Phase `json:"phase"`
	// Items is the ordered work item list, fixed for the job's lifetime
	// after filter and sort are applied.
	Items []WorkItem `json:"items"`
	// CompletedIDs holds the ids of items that finished successfully.
	CompletedIDs []string `json:"completed_ids"`
	// FailedIDs holds the ids of items that exhausted retries.
	FailedIDs []string `json:"failed_ids"`
	// InFlightIDs holds the ids of items currently being processed.
	InFlightIDs []string `json:"in_flight_ids"`
	// Variables holds values captured during execution.
	Variables VariableMap `json:"variables"`
	// Failures holds error messages recorded against the job.
	Failures FailureList `json:"failures"`
	// Parallelism is the agent concurrency limit for the map phase.
	Parallelism int `json:"parallelism"`
	// RestartCount is the number of times this job has been resumed.
	RestartCount int `json:"restart_count"`
	// StartTime is when the job started.
	StartTime time.Time `json:"start_time"`
	// EndTime is when the job reached a terminal state, nil while running.
	EndTime *time.Time `json:"end_time,omitempty"`
	// LastUpdated is the time of the last mutation.
	LastUpdated time.Time `json:"last_updated"`
	// CancelFunc cancels the job's execution context. Not persisted.
	CancelFunc context.CancelFunc `json:"-"`
}

// AgentExecution tracks one agent's processing of one work item, including
// the attempt counter driving the bounded retry loop.
type AgentExecution struct {
	// ID is the unique identifier of this agent execution.
	ID string `json:"id"`
	// JobID is the owning job.
	JobID string `json:"job_id"`
	// ItemID is the work item being processed.
	ItemID string `json:"item_id"`
	// CorrelationID is shared by all events emitted by this agent.
	CorrelationID string `json:"correlation_id"`
	// State is the current lifecycle state of the agent.
	State AgentState `json:"state"`
	// Attempts is the number of attempts made so far.
	Attempts int `json:"attempts"`
	// WorkspacePath is the isolated workspace allocated to this agent.
	WorkspacePath string `json:"workspace_path"`
	// Failures holds the error message of each failed attempt, in order.
	Failures FailureList `json:"failures"`
	// StartTime is when the agent was spawned.
	StartTime time.Time `json:"start_time"`
	// EndTime is when the agent reached a terminal state, nil while running.
	EndTime *time.Time `json:"end_time,omitempty"`
	// LastUpdated is the time of the last mutation.
	LastUpdated time.Time `json:"last_updated"`
}

// CheckpointSchemaVersion is the schema version written into new checkpoints.
// Loading rejects checkpoints with an unknown version.
const CheckpointSchemaVersion = 1

// Checkpoint is an immutable snapshot of job progress sufficient to resume
// execution. Once written it is never mutated; newer checkpoints supersede
// older ones without destroying them.
type Checkpoint struct {
	// SchemaVersion identifies the checkpoint layout.
	SchemaVersion int `json:"schema_version"`
	// JobID is the job this checkpoint belongs to.
	JobID string `json:"job_id"`
	// Sequence orders checkpoints of one job; strictly increasing.
	Sequence int `json:"sequence"`
	// Phase is the pipeline phase at snapshot time.
	Phase Phase `json:"phase"`
	// State is the job state at snapshot time.
	State JobState `json:"state"`
	// TotalItems is the size of the job's fixed item list.
	TotalItems int `json:"total_items"`
	// CompletedIDs holds the ids of items completed at snapshot time.
	CompletedIDs []string `json:"completed_ids"`
	// FailedIDs holds the ids of items failed at snapshot time.
	FailedIDs []string `json:"failed_ids"`
	// InFlightIDs holds the ids of items in flight at snapshot time.
	// These are always retried on resume.
	InFlightIDs []string `json:"in_flight_ids"`
	// Variables is the captured variable map at snapshot time.
	Variables VariableMap `json:"variables"`
	// CreatedAt is the snapshot timestamp.
	CreatedAt time.Time `json:"created_at"`
	// Checksum is the SHA-256 over the canonical content, set at write time.
	Checksum string `json:"checksum"`
}

// ComputeChecksum calculates the SHA-256 checksum over the checkpoint's
// canonical JSON content, excluding the Checksum field itself.
func (cp *Checkpoint) ComputeChecksum() (string, error) {
	shadow := *cp
	shadow.Checksum = ""
	canonical, err := toCanonicalJSON(checkpointAsMap(&shadow))
	if err != nil {
		return "", exception.NewEngineError("model", "Failed to build canonical checkpoint JSON", err, false)
	}
	hash := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(hash[:]), nil
}

// Seal computes and stores the checkpoint's checksum.
func (cp *Checkpoint) Seal() error {
	sum, err := cp.ComputeChecksum()
	if err != nil {
		return err
	}
	cp.Checksum = sum
	return nil
}

// VerifyChecksum recomputes the checksum and compares it to the stored value.
func (cp *Checkpoint) VerifyChecksum() (bool, error) {
	sum, err := cp.ComputeChecksum()
	if err != nil {
		return false, err
	}
	return sum == cp.Checksum, nil
}

func checkpointAsMap(cp *Checkpoint) map[string]interface{} {
	data, err := json.Marshal(cp)
	if err != nil {
		return nil
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil
	}
	delete(m, "checksum")
	return m
}

// toCanonicalJSON serializes a value to JSON with map keys sorted at every
// level, yielding a deterministic representation suitable for hashing.
func toCanonicalJSON(val interface{}) (string, error) {
	var marshalCanonical func(interface{}) ([]byte, error)
	marshalCanonical = func(v interface{}) ([]byte, error) {
		switch typed := v.(type) {
		case map[string]interface{}:
			keys := make([]string, 0, len(typed))
			for k := range typed {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			buf := []byte("{")
			for i, k := range keys {
				if i > 0 {
					buf = append(buf, ',')
				}
				keyJSON, err := json.Marshal(k)
				if err != nil {
					return nil, err
				}
				valJSON, err := marshalCanonical(typed[k])
				if err != nil {
					return nil, err
				}
				buf = append(buf, keyJSON...)
				buf = append(buf, ':')
				buf = append(buf, valJSON...)
			}
			return append(buf, '}'), nil
		case []interface{}:
			buf := []byte("[")
			for i, elem := range typed {
				if i > 0 {
					buf = append(buf, ',')
				}
				elemJSON, err := marshalCanonical(elem)
				if err != nil {
					return nil, err
				}
				buf = append(buf, elemJSON...)
			}
			return append(buf, ']'), nil
		default:
			return json.Marshal(typed)
		}
	}

	data, err := marshalCanonical(val)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// NewID generates a new UUID string.
func NewID() string {
	return uuid.New().String()
}

// NewJob creates a new Job in the Initializing state, entering the setup phase.
func NewJob(pipelineName string, items []WorkItem, parallelism int) *Job {
	now := time.Now()
	return &Job{
		ID:            NewID(),
		CorrelationID: NewID(),
		PipelineName:  pipelineName,
		State:         JobStateInitializing,
		Phase:         PhaseSetup,
		Items:         items,
		CompletedIDs:  make([]string, 0),
		FailedIDs:     make([]string, 0),
		InFlightIDs:   make([]string, 0),
		Variables:     NewVariableMap(),
		Failures:      make(FailureList, 0),
		Parallelism:   parallelism,
		StartTime:     now,
		LastUpdated:   now,
	}
}

// isValidJobTransition checks if the state transition for a Job is valid.
func isValidJobTransition(current, next JobState) bool {
	switch current {
	case JobStateInitializing:
		// INITIALIZING can transition to RUNNING, or fail before the first item.
		return next == JobStateRunning || next == JobStateFailed
	case JobStateRunning:
		return next == JobStateCheckpointing || next == JobStateCompleted || next == JobStateFailed || next == JobStatePaused
	case JobStateCheckpointing:
		// A checkpoint write returns to RUNNING, or surfaces a failure.
		return next == JobStateRunning || next == JobStateFailed || next == JobStatePaused
	case JobStatePaused:
		// PAUSED can only be resumed back into RUNNING.
		return next == JobStateRunning
	case JobStateCompleted, JobStateFailed:
		return false
	default:
		return false
	}
}

// TransitionTo safely transitions the state of the Job. Fields other than
// State and LastUpdated must be set separately by the caller.
func (j *Job) TransitionTo(newState JobState) error {
	if !isValidJobTransition(j.State, newState) {
		return fmt.Errorf("Job (ID: %s): Invalid state transition: %s -> %s", j.ID, j.State, newState)
	}
	j.State = newState
	j.LastUpdated = time.Now()
	return nil
}

// AdvancePhase transitions the Job to the next pipeline phase.
func (j *Job) AdvancePhase(next Phase) error {
	if !isValidPhaseTransition(j.Phase, next) {
		return fmt.Errorf("Job (ID: %s): Invalid phase transition: %s -> %s", j.ID, j.Phase, next)
	}
	j.Phase = next
	j.LastUpdated = time.Now()
	return nil
}

// MarkAsRunning updates the Job state to RUNNING.
func (j *Job) MarkAsRunning() {
	if err := j.TransitionTo(JobStateRunning); err != nil {
		logger.Warnf("Could not update Job (ID: %s) state to RUNNING: %v", j.ID, err)
		j.State = JobStateRunning
	}
	j.LastUpdated = time.Now()
}

// MarkAsCompleted updates the Job state to COMPLETED.
func (j *Job) MarkAsCompleted() {
	if err := j.TransitionTo(JobStateCompleted); err != nil {
		logger.Warnf("Could not update Job (ID: %s) state to COMPLETED: %v", j.ID, err)
		j.State = JobStateCompleted
	}
	now := time.Now()
	j.EndTime = &now
	j.LastUpdated = now
}

// MarkAsFailed updates the Job state to FAILED and records error information.
func (j *Job) MarkAsFailed(err error) {
	if terr := j.TransitionTo(JobStateFailed); terr != nil {
		logger.Warnf("Could not update Job (ID: %s) state to FAILED: %v", j.ID, terr)
		j.State = JobStateFailed
	}
	now := time.Now()
	j.EndTime = &now
	j.LastUpdated = now
	if err != nil {
		j.AddFailureException(err)
	}
}

// MarkAsPaused updates the Job state to PAUSED.
func (j *Job) MarkAsPaused() {
	if err := j.TransitionTo(JobStatePaused); err != nil {
		logger.Warnf("Could not update Job (ID: %s) state to PAUSED: %v", j.ID, err)
		j.State = JobStatePaused
	}
	j.LastUpdated = time.Now()
}

// MarkAsResumed moves a paused Job back to RUNNING and increments the
// restart counter.
func (j *Job) MarkAsResumed() {
	if err := j.TransitionTo(JobStateRunning); err != nil {
		logger.Warnf("Could not update Job (ID: %s) state to RUNNING on resume: %v", j.ID, err)
		j.State = JobStateRunning
	}
	j.RestartCount++
	j.LastUpdated = time.Now()
}

// AddFailureException adds error information to the Job, skipping duplicates.
func (j *Job) AddFailureException(err error) {
	if err == nil {
		return
	}
	errMsg := exception.ExtractErrorMessage(err)

	for _, existing := range j.Failures {
		if existing == errMsg {
			logger.Debugf("Skipped adding duplicate error '%s' to Job (ID: %s).", errMsg, j.ID)
			return
		}
	}

	j.Failures = append(j.Failures, errMsg)
	j.LastUpdated = time.Now()
}

// MarkItemInFlight records an item as currently being processed.
func (j *Job) MarkItemInFlight(itemID string) {
	for _, id := range j.InFlightIDs {
		if id == itemID {
			return
		}
	}
	j.InFlightIDs = append(j.InFlightIDs, itemID)
	j.LastUpdated = time.Now()
}

// MarkItemCompleted moves an item from in-flight to completed.
func (j *Job) MarkItemCompleted(itemID string) {
	j.removeInFlight(itemID)
	for _, id := range j.CompletedIDs {
		if id == itemID {
			return
		}
	}
	j.CompletedIDs = append(j.CompletedIDs, itemID)
	j.LastUpdated = time.Now()
}

// MarkItemFailed moves an item from in-flight to failed.
func (j *Job) MarkItemFailed(itemID string) {
	j.removeInFlight(itemID)
	for _, id := range j.FailedIDs {
		if id == itemID {
			return
		}
	}
	j.FailedIDs = append(j.FailedIDs, itemID)
	j.LastUpdated = time.Now()
}

// MarkItemRecovered moves an item from failed to completed after its
// dead-lettered entry was reprocessed successfully.
func (j *Job) MarkItemRecovered(itemID string) {
	for i, id := range j.FailedIDs {
		if id == itemID {
			j.FailedIDs = append(j.FailedIDs[:i], j.FailedIDs[i+1:]...)
			break
		}
	}
	j.MarkItemCompleted(itemID)
}

func (j *Job) removeInFlight(itemID string) {
	for i, id := range j.InFlightIDs {
		if id == itemID {
			j.InFlightIDs = append(j.InFlightIDs[:i], j.InFlightIDs[i+1:]...)
			return
		}
	}
}

// Snapshot builds an unsealed checkpoint from the job's current progress.
// The caller assigns the sequence number and seals the checksum.
func (j *Job) Snapshot() *Checkpoint {
	return &Checkpoint{
		SchemaVersion: CheckpointSchemaVersion,
		JobID:         j.ID,
		Phase:         j.Phase,
		State:         j.State,
		TotalItems:    len(j.Items),
		CompletedIDs:  append([]string(nil), j.CompletedIDs...),
		FailedIDs:     append([]string(nil), j.FailedIDs...),
		InFlightIDs:   append([]string(nil), j.InFlightIDs...),
		Variables:     j.Variables.Copy(),
		CreatedAt:     time.Now(),
	}
}

// NewAgentExecution creates a new AgentExecution in the Created state.
func NewAgentExecution(jobID, itemID string) *AgentExecution {
	now := time.Now()
	return &AgentExecution{
		ID:            NewID(),
		JobID:         jobID,
		ItemID:        itemID,
		CorrelationID: NewID(),
		State:         AgentStateCreated,
		Attempts:      0,
		Failures:      make(FailureList, 0),
		StartTime:     now,
		LastUpdated:   now,
	}
}

// isValidAgentTransition checks if the state transition for an agent is valid.
func isValidAgentTransition(current, next AgentState) bool {
	switch current {
	case AgentStateCreated:
		// CREATED can start running, or fail before the first attempt
		// (e.g. workspace allocation failure).
		return next == AgentStateRunning || next == AgentStateFailed
	case AgentStateRunning:
		return next == AgentStateSucceeded || next == AgentStateRetrying || next == AgentStateFailed
	case AgentStateRetrying:
		return next == AgentStateRunning || next == AgentStateFailed
	case AgentStateSucceeded, AgentStateFailed:
		return false
	default:
		return false
	}
}

// TransitionTo safely transitions the state of the AgentExecution.
func (ae *AgentExecution) TransitionTo(newState AgentState) error {
	if !isValidAgentTransition(ae.State, newState) {
		return fmt.Errorf("AgentExecution (ID: %s): Invalid state transition: %s -> %s", ae.ID, ae.State, newState)
	}
	ae.State = newState
	ae.LastUpdated = time.Now()
	return nil
}

// MarkAsRunning updates the AgentExecution state to RUNNING and counts the attempt.
func (ae *AgentExecution) MarkAsRunning() {
	if err := ae.TransitionTo(AgentStateRunning); err != nil {
		logger.Warnf("Could not update AgentExecution (ID: %s) state to RUNNING: %v", ae.ID, err)
		ae.State = AgentStateRunning
	}
	ae.Attempts++
	ae.LastUpdated = time.Now()
}

// MarkAsSucceeded updates the AgentExecution state to SUCCEEDED.
func (ae *AgentExecution) MarkAsSucceeded() {
	if err := ae.TransitionTo(AgentStateSucceeded); err != nil {
		logger.Warnf("Could not update AgentExecution (ID: %s) state to SUCCEEDED: %v", ae.ID, err)
		ae.State = AgentStateSucceeded
	}
	now := time.Now()
	ae.EndTime = &now
	ae.LastUpdated = now
}

// MarkAsRetrying updates the AgentExecution state to RETRYING and records the
// failed attempt's error.
func (ae *AgentExecution) MarkAsRetrying(err error) {
	if terr := ae.TransitionTo(AgentStateRetrying); terr != nil {
		logger.Warnf("Could not update AgentExecution (ID: %s) state to RETRYING: %v", ae.ID, terr)
		ae.State = AgentStateRetrying
	}
	if err != nil {
		ae.Failures = append(ae.Failures, exception.ExtractErrorMessage(err))
	}
	ae.LastUpdated = time.Now()
}

// MarkAsFailed updates the AgentExecution state to FAILED and records the error.
func (ae *AgentExecution) MarkAsFailed(err error) {
	if terr := ae.TransitionTo(AgentStateFailed); terr != nil {
		logger.Warnf("Could not update AgentExecution (ID: %s) state to FAILED: %v", ae.ID, terr)
		ae.State = AgentStateFailed
	}
	if err != nil {
		ae.Failures = append(ae.Failures, exception.ExtractErrorMessage(err))
	}
	now := time.Now()
	ae.EndTime = &now
	ae.LastUpdated = now
}
