package pipeline

import (
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/tigerroll/crest/pkg/engine/support/exception"
	logger "github.com/tigerroll/crest/pkg/engine/support/logger"
)

const moduleName = "pipeline_loader"

// LoadedPipelineDefinitions holds all loaded pipeline definitions, keyed by name.
var LoadedPipelineDefinitions = make(map[string]Pipeline)

// ParsePipelineFromBytes parses a single pipeline definition from a YAML byte
// slice and validates it, without registering it.
func ParsePipelineFromBytes(data []byte) (*Pipeline, error) {
	var def Pipeline
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, exception.NewEngineError(moduleName, "Failed to parse pipeline definition", err, false)
	}
	if err := validatePipeline(&def); err != nil {
		return nil, err
	}
	return &def, nil
}

// LoadPipelineDefinitionFromBytes loads a pipeline definition from a YAML byte
// slice and registers it under its name. This is typically used to load a
// single embedded definition at startup.
func LoadPipelineDefinitionFromBytes(data []byte) error {
	logger.Infof("Starting pipeline definition loading.")

	def, err := ParsePipelineFromBytes(data)
	if err != nil {
		return err
	}

	if _, exists := LoadedPipelineDefinitions[def.Name]; exists {
		return exception.NewEngineError(moduleName, fmt.Sprintf("Pipeline name '%s' is duplicated", def.Name), nil, false)
	}

	LoadedPipelineDefinitions[def.Name] = *def
	logger.Infof("Loaded pipeline '%s'.", def.Name)
	logger.Infof("Pipeline definition loading completed. Number of pipelines loaded: %d", len(LoadedPipelineDefinitions))
	return nil
}

// GetPipelineDefinition retrieves a registered pipeline definition by name.
func GetPipelineDefinition(name string) (Pipeline, bool) {
	def, ok := LoadedPipelineDefinitions[name]
	return def, ok
}

// GetLoadedPipelineCount returns the number of registered pipeline definitions.
func GetLoadedPipelineCount() int {
	return len(LoadedPipelineDefinitions)
}

// validatePipeline checks the structural invariants of a parsed definition.
func validatePipeline(def *Pipeline) error {
	if def.Name == "" {
		return exception.NewEngineError(moduleName, "'name' is not defined in pipeline definition", nil, false)
	}
	if len(def.Map.Pipeline) == 0 {
		return exception.NewEngineError(moduleName, fmt.Sprintf("pipeline '%s' map phase does not have 'pipeline' steps defined", def.Name), nil, false)
	}
	if def.Map.MaxParallel < 0 {
		return exception.NewEngineError(moduleName, fmt.Sprintf("pipeline '%s' map phase has negative 'max_parallel'", def.Name), nil, false)
	}
	if def.Map.JSONPath != "" && def.Map.Input == "" {
		return exception.NewEngineError(moduleName, fmt.Sprintf("pipeline '%s' map phase sets 'json_path' without 'input'", def.Name), nil, false)
	}
	for i := range def.Map.Pipeline {
		// Map agents run concurrently; there is no defined order for
		// variable writes.
		if def.Map.Pipeline[i].Capture != "" {
			return exception.NewEngineError(moduleName, fmt.Sprintf("pipeline '%s' map step %d cannot set 'capture'", def.Name, i), nil, false)
		}
	}

	for phase, steps := range map[string][]Step{"setup": def.Setup, "map": def.Map.Pipeline, "reduce": def.Reduce} {
		for i := range steps {
			if err := validateStep(def.Name, phase, i, &steps[i]); err != nil {
				return err
			}
		}
	}
	return nil
}

func validateStep(pipelineName, phase string, index int, step *Step) error {
	if step.Kind() == StepKindInvalid {
		return exception.NewEngineError(moduleName,
			fmt.Sprintf("pipeline '%s' %s step %d must set exactly one of 'shell', 'tool', 'write_file'", pipelineName, phase, index), nil, false)
	}
	if step.Tool != nil && step.Tool.Command == "" {
		return exception.NewEngineError(moduleName,
			fmt.Sprintf("pipeline '%s' %s step %d tool step has empty 'command'", pipelineName, phase, index), nil, false)
	}
	if step.WriteFile != nil && step.WriteFile.Path == "" {
		return exception.NewEngineError(moduleName,
			fmt.Sprintf("pipeline '%s' %s step %d write_file step has empty 'path'", pipelineName, phase, index), nil, false)
	}
	if step.TimeoutSeconds < 0 {
		return exception.NewEngineError(moduleName,
			fmt.Sprintf("pipeline '%s' %s step %d has negative 'timeout_seconds'", pipelineName, phase, index), nil, false)
	}
	return nil
}
