package pipeline_test

import (
	"testing"

	"github.com/tigerroll/crest/pkg/engine/core/pipeline"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validDefinition = `
name: review-items
description: run review over each item
env:
  LANG: C
setup:
  - name: prepare
    shell: "make prepare"
    capture: prepared_at
map:
  input: "items.json"
  json_path: "data.items"
  filter: "item.score >= 5"
  sort: "item.priority DESC"
  max_parallel: 2
  pipeline:
    - shell: "./review.sh ${ITEM_ID}"
      timeout_seconds: 120
    - tool:
        command: formatter
        args: ["--fix"]
    - write_file:
        path: result.txt
        content: "done"
reduce:
  - shell: "./aggregate.sh"
`

func TestParsePipelineFromBytes(t *testing.T) {
	def, err := pipeline.ParsePipelineFromBytes([]byte(validDefinition))
	require.NoError(t, err)

	assert.Equal(t, "review-items", def.Name)
	assert.Equal(t, "prepared_at", def.Setup[0].Capture)
	assert.Equal(t, "items.json", def.Map.Input)
	assert.Equal(t, "data.items", def.Map.JSONPath)
	assert.Equal(t, "item.score >= 5", def.Map.Filter)
	assert.Equal(t, "item.priority DESC", def.Map.Sort)
	assert.Equal(t, 2, def.Map.MaxParallel)
	require.Len(t, def.Setup, 1)
	require.Len(t, def.Map.Pipeline, 3)
	require.Len(t, def.Reduce, 1)

	assert.Equal(t, pipeline.StepKindShell, def.Map.Pipeline[0].Kind())
	assert.Equal(t, 120, def.Map.Pipeline[0].TimeoutSeconds)
	assert.Equal(t, pipeline.StepKindTool, def.Map.Pipeline[1].Kind())
	assert.Equal(t, "formatter", def.Map.Pipeline[1].Tool.Command)
	assert.Equal(t, pipeline.StepKindWriteFile, def.Map.Pipeline[2].Kind())
	assert.Equal(t, "result.txt", def.Map.Pipeline[2].WriteFile.Path)
}

func TestParsePipelineFromBytesValidation(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{
			name: "missing name",
			yaml: "map:\n  pipeline:\n    - shell: \"true\"\n",
		},
		{
			name: "missing map pipeline",
			yaml: "name: p\nmap:\n  filter: \"item.x == 1\"\n",
		},
		{
			name: "step with no variant",
			yaml: "name: p\nmap:\n  pipeline:\n    - name: empty\n",
		},
		{
			name: "step with two variants",
			yaml: "name: p\nmap:\n  pipeline:\n    - shell: \"true\"\n      tool:\n        command: x\n",
		},
		{
			name: "tool step without command",
			yaml: "name: p\nmap:\n  pipeline:\n    - tool:\n        args: [\"a\"]\n",
		},
		{
			name: "write_file step without path",
			yaml: "name: p\nmap:\n  pipeline:\n    - write_file:\n        content: hi\n",
		},
		{
			name: "json_path without input",
			yaml: "name: p\nmap:\n  json_path: items\n  pipeline:\n    - shell: \"true\"\n",
		},
		{
			name: "capture on a map step",
			yaml: "name: p\nmap:\n  pipeline:\n    - shell: \"true\"\n      capture: out\n",
		},
		{
			name: "not yaml",
			yaml: "::::",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := pipeline.ParsePipelineFromBytes([]byte(tt.yaml))
			assert.Error(t, err)
		})
	}
}

func TestStepKind(t *testing.T) {
	shell := pipeline.Step{Shell: "ls"}
	assert.Equal(t, pipeline.StepKindShell, shell.Kind())

	tool := pipeline.Step{Tool: &pipeline.ToolStep{Command: "go"}}
	assert.Equal(t, pipeline.StepKindTool, tool.Kind())

	wf := pipeline.Step{WriteFile: &pipeline.WriteFileStep{Path: "a.txt"}}
	assert.Equal(t, pipeline.StepKindWriteFile, wf.Kind())

	none := pipeline.Step{Name: "noop"}
	assert.Equal(t, pipeline.StepKindInvalid, none.Kind())

	both := pipeline.Step{Shell: "ls", WriteFile: &pipeline.WriteFileStep{Path: "a"}}
	assert.Equal(t, pipeline.StepKindInvalid, both.Kind())
}

func TestLoadPipelineDefinitionFromBytesDuplicate(t *testing.T) {
	def := "name: dup-check\nmap:\n  pipeline:\n    - shell: \"true\"\n"
	require.NoError(t, pipeline.LoadPipelineDefinitionFromBytes([]byte(def)))
	assert.Error(t, pipeline.LoadPipelineDefinitionFromBytes([]byte(def)))

	loaded, ok := pipeline.GetPipelineDefinition("dup-check")
	require.True(t, ok)
	assert.Equal(t, "dup-check", loaded.Name)
}
