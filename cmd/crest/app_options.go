package main

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	engine "github.com/tigerroll/crest/pkg/engine"
	api "github.com/tigerroll/crest/pkg/engine/api"
	config "github.com/tigerroll/crest/pkg/engine/core/config"
	pipeline "github.com/tigerroll/crest/pkg/engine/core/pipeline"
	logger "github.com/tigerroll/crest/pkg/engine/support/logger"
)

// GetApplicationOptions builds the uber-fx options for the crest server.
func GetApplicationOptions(appCtx context.Context, envFilePath string, embeddedConfig config.EmbeddedConfig, embeddedPipeline pipeline.PipelineDefinitionBytes) []fx.Option {
	var options []fx.Option

	options = append(options, fx.Supply(
		embeddedConfig,
		embeddedPipeline,
		fx.Annotate(envFilePath, fx.ResultTags(`name:"envFilePath"`)),
		fx.Annotate(appCtx, fx.As(new(context.Context)), fx.ResultTags(`name:"appCtx"`)),
	))
	options = append(options, fx.WithLogger(func() fxevent.Logger {
		return logger.NewFxLoggerAdapter()
	}))
	options = append(options, engine.Module)
	options = append(options, pipeline.Module)
	options = append(options, api.Module)

	return options
}
