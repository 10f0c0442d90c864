package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	_ "embed"

	"go.uber.org/fx"

	config "github.com/tigerroll/crest/pkg/engine/core/config"
	pipeline "github.com/tigerroll/crest/pkg/engine/core/pipeline"
	logger "github.com/tigerroll/crest/pkg/engine/support/logger"
)

// embeddedConfig holds the application's YAML configuration.
//
//go:embed resources/application.yaml
var embeddedConfig []byte

// embeddedPipeline holds the pipeline definition loaded at startup.
//
//go:embed resources/pipeline.yaml
var embeddedPipeline []byte

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Warnf("Received signal '%v'. Shutting down...", sig)
		cancel()
	}()

	envFilePath := os.Getenv("ENV_FILE_PATH")
	if envFilePath == "" {
		envFilePath = ".env"
	}

	fxApp := fx.New(GetApplicationOptions(ctx, envFilePath,
		config.EmbeddedConfig(embeddedConfig),
		pipeline.PipelineDefinitionBytes(embeddedPipeline))...)
	fxApp.Run()
	if fxApp.Err() != nil {
		logger.Fatalf("Application run failed: %v", fxApp.Err())
	}
	os.Exit(0)
}
