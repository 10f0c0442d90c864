// Package dlq implements the dead-letter queue: durable records of work
// items that exhausted their retries, with reprocessing, statistics and
// failure pattern analysis.
package dlq

import (
	"time"

	"github.com/tigerroll/crest/pkg/engine/core/domain/model"
)

// ErrorType is the coarse failure category of a dead-lettered item.
type ErrorType string

const (
	ErrorTypeStepFailure ErrorType = "step_failure"
	ErrorTypeTimeout     ErrorType = "timeout"
	ErrorTypeWorkspace   ErrorType = "workspace"
	ErrorTypeValidation  ErrorType = "validation"
	ErrorTypeUnknown     ErrorType = "unknown"
)

// retriable reports whether items with this failure category may be
// reprocessed at all. Validation failures are deterministic: the payload
// itself is bad, so a retry cannot succeed.
func (t ErrorType) retriable() bool {
	return t != ErrorTypeValidation
}

// FailureDetail records one failed execution attempt.
type FailureDetail struct {
	// Timestamp is when the attempt failed.
	Timestamp time.Time `json:"timestamp"`
	// Attempt is the 1-based attempt number.
	Attempt int `json:"attempt"`
	// ErrorType is the failure category.
	ErrorType ErrorType `json:"error_type"`
	// Message is the raw error message.
	Message string `json:"message"`
	// Signature is the normalized error signature used for grouping.
	Signature string `json:"signature"`
	// Duration is how long the attempt ran before failing.
	Duration time.Duration `json:"duration"`
	// Stdout and Stderr hold partial output captured from the failing
	// step, including output captured up to a timeout.
	Stdout string `json:"stdout,omitempty"`
	Stderr string `json:"stderr,omitempty"`
}

// DeadLetteredItem is one entry in the queue. Entries are keyed by item id
// and mutated in place as failures accumulate or reprocessing runs.
type DeadLetteredItem struct {
	// ItemID is the work item's id, the entry key.
	ItemID string `json:"item_id"`
	// JobID is the owning job.
	JobID string `json:"job_id"`
	// CorrelationID is the original agent correlation id. Reprocessing
	// reuses it so the audit trail of the item stays one chain.
	CorrelationID string `json:"correlation_id"`
	// Item is the full work item, so reprocessing needs no other source.
	Item model.WorkItem `json:"item"`
	// Failures is the ordered failure history.
	Failures []FailureDetail `json:"failures"`
	// FirstFailedAt and LastFailedAt bound the failure history.
	FirstFailedAt time.Time `json:"first_failed_at"`
	LastFailedAt  time.Time `json:"last_failed_at"`
	// EligibleForRetry is recomputed on every update: false once the
	// attempt budget is spent or the failure category is not retriable.
	EligibleForRetry bool `json:"eligible_for_retry"`
	// ReprocessCount is how many reprocess attempts ran for this entry.
	ReprocessCount int `json:"reprocess_count"`
}

// LastFailure returns the most recent failure detail, or nil when the
// history is empty.
func (d *DeadLetteredItem) LastFailure() *FailureDetail {
	if len(d.Failures) == 0 {
		return nil
	}
	return &d.Failures[len(d.Failures)-1]
}

// ProcessingResult is the outcome of reprocessing one entry.
type ProcessingResult struct {
	// ItemID identifies the reprocessed entry.
	ItemID string `json:"item_id"`
	// Success reports whether the reprocess run completed; on success the
	// entry has been removed from the queue.
	Success bool `json:"success"`
	// Duration is the reprocess run time.
	Duration time.Duration `json:"duration"`
	// Error is the failure message when Success is false.
	Error string `json:"error,omitempty"`
}

// Filter restricts DLQ listing and batch reprocessing. Zero-valued fields
// do not restrict.
type Filter struct {
	// ErrorType restricts to entries whose latest failure has this category.
	ErrorType ErrorType
	// EligibleOnly restricts to entries still eligible for retry.
	EligibleOnly bool
	// Since and Until bound LastFailedAt.
	Since time.Time
	Until time.Time
	// MinAttempts restricts to entries with at least this many failures.
	MinAttempts int
}

// Matches reports whether an entry passes the filter.
func (f *Filter) Matches(entry *DeadLetteredItem) bool {
	if f.ErrorType != "" {
		last := entry.LastFailure()
		if last == nil || last.ErrorType != f.ErrorType {
			return false
		}
	}
	if f.EligibleOnly && !entry.EligibleForRetry {
		return false
	}
	if !f.Since.IsZero() && entry.LastFailedAt.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && entry.LastFailedAt.After(f.Until) {
		return false
	}
	if f.MinAttempts > 0 && len(entry.Failures) < f.MinAttempts {
		return false
	}
	return true
}

// Statistics summarizes a job's dead-letter queue, computed by scanning
// the persisted entries at call time.
type Statistics struct {
	// TotalEntries is the number of entries currently queued.
	TotalEntries int `json:"total_entries"`
	// RetryEligible is how many entries may still be reprocessed.
	RetryEligible int `json:"retry_eligible"`
	// ErrorTypeCounts is the failure-category histogram over latest failures.
	ErrorTypeCounts map[ErrorType]int `json:"error_type_counts"`
	// AverageAttempts is the mean failure count per entry.
	AverageAttempts float64 `json:"average_attempts"`
	// AverageFailureDuration is the mean duration of recorded failed attempts.
	AverageFailureDuration time.Duration `json:"average_failure_duration"`
	// OldestEntry and NewestEntry bound the queue by last failure time.
	OldestEntry time.Time `json:"oldest_entry"`
	NewestEntry time.Time `json:"newest_entry"`
	// ReprocessAttempts and ReprocessSuccesses count reprocess runs over
	// the job's lifetime; successes refer to entries since removed.
	ReprocessAttempts  int `json:"reprocess_attempts"`
	ReprocessSuccesses int `json:"reprocess_successes"`
	// SuccessRate is ReprocessSuccesses over ReprocessAttempts, zero when
	// nothing was reprocessed yet.
	SuccessRate float64 `json:"success_rate"`
}

// Pattern is one group of entries sharing a normalized error signature.
type Pattern struct {
	// Signature is the normalized error signature of the group.
	Signature string `json:"signature"`
	// ErrorType is the failure category of the group.
	ErrorType ErrorType `json:"error_type"`
	// Count is how many failures carry this signature.
	Count int `json:"count"`
	// ItemIDs lists the affected items.
	ItemIDs []string `json:"item_ids"`
	// FirstSeen and LastSeen bound the group's occurrences.
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
}
