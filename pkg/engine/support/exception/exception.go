// Package exception provides the custom error types and classification helpers
// used across the Crest engine. Errors carry the module they originated in and
// flags that drive the engine's retry and dead-letter routing decisions.
package exception

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"runtime"
	"strings"
	"sync"
)

// errorRegistry maps error names referenced in configuration to concrete
// sentinel error instances used for errors.Is comparison.
var errorRegistry = make(map[string]error)

// registryMutex protects access to errorRegistry.
var registryMutex sync.RWMutex

// RegisterErrorType registers a sentinel error under a name so that retry
// configuration can reference it by string.
//
// If prototype is nil or name is empty, this function panics.
func RegisterErrorType(name string, prototype error) {
	registryMutex.Lock()
	defer registryMutex.Unlock()

	if name == "" {
		panic("Error type name cannot be empty")
	}
	if prototype == nil {
		panic(fmt.Sprintf("Cannot register nil prototype for name: %s", name))
	}

	errorRegistry[name] = prototype
}

// IsErrorTypeRegistered checks whether the given error type name is registered.
func IsErrorTypeRegistered(name string) bool {
	registryMutex.RLock()
	defer registryMutex.RUnlock()
	_, ok := errorRegistry[name]
	return ok
}

// EngineError is the error type produced inside the engine. It holds the
// module where the error occurred, a message, the wrapped original error,
// and a flag indicating whether the failure is retryable.
type EngineError struct {
	// Module indicates the component the error originated in
	// (e.g. "expression", "checkpoint", "dlq", "agent", "coordinator").
	Module string
	// Message is a concise description of the error.
	Message string
	// OriginalErr is the wrapped original error.
	OriginalErr error
	// isRetryable indicates whether the failing operation may be retried.
	isRetryable bool
	// StackTrace is the stack captured at construction time, for debugging.
	StackTrace string
}

// NewEngineError creates a new EngineError instance.
func NewEngineError(module, message string, originalErr error, isRetryable bool) *EngineError {
	buf := make([]byte, 2048)
	n := runtime.Stack(buf, false)

	return &EngineError{
		Module:      module,
		Message:     message,
		OriginalErr: originalErr,
		isRetryable: isRetryable,
		StackTrace:  string(buf[:n]),
	}
}

// NewEngineErrorf creates a new non-retryable EngineError with a formatted message.
func NewEngineErrorf(module, format string, a ...interface{}) *EngineError {
	return NewEngineError(module, fmt.Sprintf(format, a...), nil, false)
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	if e.OriginalErr != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Module, e.Message, e.OriginalErr)
	}
	return fmt.Sprintf("[%s] %s", e.Module, e.Message)
}

// Unwrap returns the original error for errors.Unwrap.
func (e *EngineError) Unwrap() error {
	return e.OriginalErr
}

// IsRetryable returns whether this error is retryable.
func (e *EngineError) IsRetryable() bool {
	return e.isRetryable
}

// Sentinel errors for the engine's failure taxonomy. Each class carries a
// distinct recovery policy: compile errors abort before the job starts,
// validation errors trigger event replay, step failures are retried then
// dead-lettered, phase failures are fatal to the job.
var (
	// ErrCompile indicates a malformed filter or sort expression.
	ErrCompile = errors.New("expression compile error")
	// ErrValidation indicates a checkpoint failed checksum, schema, or consistency checks.
	ErrValidation = errors.New("checkpoint validation error")
	// ErrStepFailure indicates a pipeline command failed for one work item.
	ErrStepFailure = errors.New("pipeline step failure")
	// ErrWorkspace indicates an isolated workspace could not be created or merged.
	ErrWorkspace = errors.New("workspace error")
	// ErrPhaseFailure indicates a setup or reduce command failed; fatal to the job.
	ErrPhaseFailure = errors.New("phase failure")
	// ErrTimeout indicates a step or phase exceeded its time budget.
	ErrTimeout = errors.New("timeout exceeded")
	// ErrNonRetriable marks failures that must never be retried (e.g. malformed payload).
	ErrNonRetriable = errors.New("non-retriable failure")
)

func init() {
	RegisterErrorType("CompileError", ErrCompile)
	RegisterErrorType("ValidationError", ErrValidation)
	RegisterErrorType("StepFailure", ErrStepFailure)
	RegisterErrorType("WorkspaceError", ErrWorkspace)
	RegisterErrorType("PhaseFailure", ErrPhaseFailure)
	RegisterErrorType("TimeoutError", ErrTimeout)

	RegisterErrorType("context.DeadlineExceeded", context.DeadlineExceeded)
	RegisterErrorType("context.Canceled", context.Canceled)
}

// NewCompileError creates an EngineError classified as a compile error.
// The offending span of the expression should be included in the message.
func NewCompileError(module, message string, originalErr error) *EngineError {
	return NewEngineError(module, message, join(ErrCompile, originalErr), false)
}

// NewValidationError creates an EngineError classified as a checkpoint validation error.
func NewValidationError(module, message string, originalErr error) *EngineError {
	return NewEngineError(module, message, join(ErrValidation, originalErr), false)
}

// NewStepFailure creates a retryable EngineError classified as a step failure.
func NewStepFailure(module, message string, originalErr error) *EngineError {
	return NewEngineError(module, message, join(ErrStepFailure, originalErr), true)
}

// NewWorkspaceError creates an EngineError for workspace allocation or merge
// failures. It is treated as a step failure for the owning agent, not fatal
// to the job, so it is retryable.
func NewWorkspaceError(module, message string, originalErr error) *EngineError {
	return NewEngineError(module, message, join(ErrWorkspace, originalErr), true)
}

// NewPhaseFailure creates a non-retryable EngineError classified as a phase failure.
func NewPhaseFailure(module, message string, originalErr error) *EngineError {
	return NewEngineError(module, message, join(ErrPhaseFailure, originalErr), false)
}

// NewTimeoutError creates a retryable EngineError classified as a timeout.
func NewTimeoutError(module, message string, originalErr error) *EngineError {
	return NewEngineError(module, message, join(ErrTimeout, originalErr), true)
}

func join(sentinel, original error) error {
	if original == nil {
		return sentinel
	}
	return errors.Join(sentinel, original)
}

// IsEngineError determines whether the given error is an EngineError.
func IsEngineError(err error) bool {
	if err == nil {
		return false
	}
	var ee *EngineError
	return errors.As(err, &ee)
}

// IsTemporary determines whether an error is temporary and eligible for retry.
// The IsRetryable flag of an EngineError takes precedence.
func IsTemporary(err error) bool {
	if err == nil {
		return false
	}
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.IsRetryable()
	}
	errStr := err.Error()
	return strings.Contains(errStr, "timeout") ||
		strings.Contains(errStr, "connection refused") ||
		strings.Contains(errStr, "EOF")
}

// IsNonRetriable determines whether an error must never be retried,
// regardless of remaining attempts.
func IsNonRetriable(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrNonRetriable)
}

// IsErrorOfType checks whether an error matches a named type. It checks, in
// order: registered sentinel errors via errors.Is, a substring of the error
// message, and the Go type name via reflection over the unwrap chain.
func IsErrorOfType(err error, errorTypeName string) bool {
	if err == nil {
		return false
	}

	registryMutex.RLock()
	targetError, ok := errorRegistry[errorTypeName]
	registryMutex.RUnlock()

	if ok && errors.Is(err, targetError) {
		return true
	}

	currentErr := err
	for currentErr != nil {
		if strings.Contains(currentErr.Error(), errorTypeName) {
			return true
		}

		errType := reflect.TypeOf(currentErr)
		if errType != nil {
			if errType.String() == errorTypeName || (errType.Kind() == reflect.Ptr && errType.Elem().String() == errorTypeName) {
				return true
			}
		}

		currentErr = errors.Unwrap(currentErr)
	}

	return false
}

// ExtractErrorMessage extracts a display message from an error.
// For EngineError it returns the cleaner Message field.
func ExtractErrorMessage(err error) string {
	if err == nil {
		return ""
	}
	var ee *EngineError
	if errors.As(err, &ee) {
		return ee.Message
	}
	return err.Error()
}
