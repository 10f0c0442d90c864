// Package executor runs individual pipeline steps: shell commands, direct
// tool invocations and file writes, with per-step timeouts and partial
// output capture.
package executor

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/tigerroll/crest/pkg/engine/core/pipeline"
	exception "github.com/tigerroll/crest/pkg/engine/support/exception"
	logger "github.com/tigerroll/crest/pkg/engine/support/logger"
)

const moduleName = "executor"

// StepOutput captures what a step produced, including partial output when
// the step timed out or was cancelled.
type StepOutput struct {
	// Stdout and Stderr hold the captured streams.
	Stdout string `json:"stdout"`
	Stderr string `json:"stderr"`
	// ExitCode is the process exit code; zero for non-process steps.
	ExitCode int `json:"exit_code"`
	// Duration is how long the step ran.
	Duration time.Duration `json:"duration"`
	// TimedOut reports whether the step was killed by its timeout.
	TimedOut bool `json:"timed_out"`
}

// Executor runs one pipeline step in a working directory.
type Executor interface {
	// Run executes the step with the given timeout (zero means no step
	// timeout beyond the context's). The returned StepOutput is non-nil
	// even on failure, carrying whatever output was captured.
	Run(ctx context.Context, step *pipeline.Step, workingDir string, timeout time.Duration) (*StepOutput, error)
}

type commandExecutor struct {
	// shell is the interpreter for shell steps.
	shell string
}

var _ Executor = (*commandExecutor)(nil)

// NewExecutor creates the production executor. Shell steps run under
// /bin/sh -c.
func NewExecutor() Executor {
	return &commandExecutor{shell: "/bin/sh"}
}

func (e *commandExecutor) Run(ctx context.Context, step *pipeline.Step, workingDir string, timeout time.Duration) (*StepOutput, error) {
	start := time.Now()
	output := &StepOutput{}

	runCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var err error
	switch step.Kind() {
	case pipeline.StepKindShell:
		err = e.runProcess(runCtx, output, workingDir, step.Env, e.shell, "-c", step.Shell)
	case pipeline.StepKindTool:
		err = e.runProcess(runCtx, output, workingDir, step.Env, step.Tool.Command, step.Tool.Args...)
	case pipeline.StepKindWriteFile:
		err = e.writeFile(output, workingDir, step.WriteFile)
	default:
		return output, exception.NewValidationError(moduleName,
			fmt.Sprintf("step '%s' declares no executable variant", step.DisplayName()), nil)
	}
	output.Duration = time.Since(start)

	if runCtx.Err() == context.DeadlineExceeded {
		output.TimedOut = true
		return output, exception.NewTimeoutError(moduleName,
			fmt.Sprintf("step '%s' timed out after %s", step.DisplayName(), timeout), runCtx.Err())
	}
	if ctx.Err() != nil {
		return output, ctx.Err()
	}
	if err != nil {
		return output, exception.NewStepFailure(moduleName,
			fmt.Sprintf("step '%s' failed (exit code %d)", step.DisplayName(), output.ExitCode), err)
	}
	logger.Debugf("Step '%s' completed in %s", step.DisplayName(), output.Duration)
	return output, nil
}

func (e *commandExecutor) runProcess(ctx context.Context, output *StepOutput, workingDir string, env map[string]string, command string, args ...string) error {
	cmd := exec.CommandContext(ctx, command, args...)
	cmd.Dir = workingDir
	cmd.Env = os.Environ()
	for k, v := range env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	// Capture whatever was produced even when the process was killed.
	output.Stdout = stdout.String()
	output.Stderr = stderr.String()
	if exitErr, ok := err.(*exec.ExitError); ok {
		output.ExitCode = exitErr.ExitCode()
	} else if err != nil {
		output.ExitCode = -1
	}
	return err
}

func (e *commandExecutor) writeFile(output *StepOutput, workingDir string, step *pipeline.WriteFileStep) error {
	path := step.Path
	if !filepath.IsAbs(path) {
		path = filepath.Join(workingDir, path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create parent directory for '%s': %w", step.Path, err)
	}

	flags := os.O_WRONLY | os.O_CREATE
	if step.Append {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return fmt.Errorf("open '%s': %w", step.Path, err)
	}
	defer f.Close()
	if _, err := f.WriteString(step.Content); err != nil {
		return fmt.Errorf("write '%s': %w", step.Path, err)
	}
	output.Stdout = fmt.Sprintf("wrote %d bytes to %s", len(step.Content), step.Path)
	return nil
}
