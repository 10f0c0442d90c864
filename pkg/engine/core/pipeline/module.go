package pipeline

import (
	"go.uber.org/fx"
)

// Module registers the embedded pipeline definition at startup.
var Module = fx.Options(
	fx.Invoke(func(defs PipelineDefinitionBytes) error {
		return LoadPipelineDefinitionFromBytes(defs)
	}),
)
