// Package pipeline defines the models for Crest pipeline definitions.
// A pipeline definition declaratively describes a map/reduce workflow in YAML:
// an optional setup phase, a map phase applied to every work item, and an
// optional reduce phase over the aggregated results.
package pipeline

import (
	"fmt"
)

// PipelineDefinitionBytes holds the content of a pipeline definition file as a
// byte slice. This is used when loading definitions into memory.
type PipelineDefinitionBytes []byte

// Pipeline represents the top-level structure of a pipeline definition file.
type Pipeline struct {
	// Name is the logical name of the pipeline.
	Name string `yaml:"name"`
	// Description is an optional description for the pipeline.
	Description string `yaml:"description,omitempty"`
	// Env is an optional map of environment variables applied to every step.
	Env map[string]string `yaml:"env,omitempty"`
	// Setup is the optional list of steps executed sequentially in the job's
	// primary workspace before the map phase.
	Setup []Step `yaml:"setup,omitempty"`
	// Map defines the per-item phase of the pipeline.
	Map MapPhase `yaml:"map"`
	// Reduce is the optional list of steps executed once over the aggregated
	// map results in the primary workspace.
	Reduce []Step `yaml:"reduce,omitempty"`
}

// MapPhase defines the fan-out phase applied to every work item.
type MapPhase struct {
	// Input names the item collection when the job is submitted without
	// items: a JSON file in the primary workspace (typically produced by
	// setup), or a shell command whose stdout is JSON when no such file
	// exists.
	Input string `yaml:"input,omitempty"`
	// JSONPath optionally selects the item array inside the input document
	// by a dotted path such as "data.items".
	JSONPath string `yaml:"json_path,omitempty"`
	// Filter is an optional filter expression selecting the items to process.
	Filter string `yaml:"filter,omitempty"`
	// Sort is an optional sort expression fixing the processing order.
	Sort string `yaml:"sort,omitempty"`
	// MaxParallel overrides the engine's default agent parallelism when > 0.
	MaxParallel int `yaml:"max_parallel,omitempty"`
	// Pipeline is the list of steps each agent runs for its work item.
	Pipeline []Step `yaml:"pipeline"`
	// TimeoutSeconds is an optional budget for the whole map phase.
	TimeoutSeconds int `yaml:"timeout_seconds,omitempty"`
}

// StepKind identifies the variant of a pipeline step.
type StepKind string

const (
	// StepKindShell runs a shell command line.
	StepKindShell StepKind = "shell"
	// StepKindTool invokes a named external tool with arguments.
	StepKindTool StepKind = "tool"
	// StepKindWriteFile writes literal content to a file in the workspace.
	StepKindWriteFile StepKind = "write_file"
	// StepKindInvalid marks a step with zero or multiple variants set.
	StepKindInvalid StepKind = "invalid"
)

// Step represents a single command in a pipeline phase. Exactly one of the
// variant fields (Shell, Tool, WriteFile) must be set.
type Step struct {
	// Name is an optional display name for the step.
	Name string `yaml:"name,omitempty"`
	// Shell is a shell command line, run through the system shell.
	Shell string `yaml:"shell,omitempty"`
	// Tool is a direct invocation of a named executable.
	Tool *ToolStep `yaml:"tool,omitempty"`
	// WriteFile writes literal content to a workspace-relative path.
	WriteFile *WriteFileStep `yaml:"write_file,omitempty"`
	// Capture stores the step's trimmed stdout under this key in the job's
	// variable map. Captured variables are exposed to later steps as
	// CREST_VAR_* environment variables and survive in checkpoints.
	Capture string `yaml:"capture,omitempty"`
	// Env is an optional map of extra environment variables for this step.
	Env map[string]string `yaml:"env,omitempty"`
	// TimeoutSeconds overrides the engine's default step timeout when > 0.
	TimeoutSeconds int `yaml:"timeout_seconds,omitempty"`
	// ContinueOnError keeps the pipeline going when this step fails.
	ContinueOnError bool `yaml:"continue_on_error,omitempty"`
}

// ToolStep invokes a named executable with arguments, without a shell.
type ToolStep struct {
	// Command is the executable name or path.
	Command string `yaml:"command"`
	// Args is the argument list passed to the executable.
	Args []string `yaml:"args,omitempty"`
}

// WriteFileStep writes literal content to a file inside the agent workspace.
type WriteFileStep struct {
	// Path is the workspace-relative destination path.
	Path string `yaml:"path"`
	// Content is the file content to write.
	Content string `yaml:"content"`
	// Append appends to the file instead of truncating it.
	Append bool `yaml:"append,omitempty"`
}

// Kind returns the variant of the step, or StepKindInvalid when zero or more
// than one variant field is set.
func (s *Step) Kind() StepKind {
	count := 0
	kind := StepKindInvalid
	if s.Shell != "" {
		count++
		kind = StepKindShell
	}
	if s.Tool != nil {
		count++
		kind = StepKindTool
	}
	if s.WriteFile != nil {
		count++
		kind = StepKindWriteFile
	}
	if count != 1 {
		return StepKindInvalid
	}
	return kind
}

// DisplayName returns the step's name, falling back to a short description of
// the variant when no name is set.
func (s *Step) DisplayName() string {
	if s.Name != "" {
		return s.Name
	}
	switch s.Kind() {
	case StepKindShell:
		return fmt.Sprintf("shell: %s", truncate(s.Shell, 40))
	case StepKindTool:
		return fmt.Sprintf("tool: %s", s.Tool.Command)
	case StepKindWriteFile:
		return fmt.Sprintf("write_file: %s", s.WriteFile.Path)
	default:
		return "invalid step"
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
