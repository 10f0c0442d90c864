package engine

import (
	"go.uber.org/fx"

	"github.com/tigerroll/crest/pkg/engine/agent"
	"github.com/tigerroll/crest/pkg/engine/checkpoint"
	coreConfig "github.com/tigerroll/crest/pkg/engine/core/config"
	"github.com/tigerroll/crest/pkg/engine/coordinator"
	"github.com/tigerroll/crest/pkg/engine/dlq"
	"github.com/tigerroll/crest/pkg/engine/event"
	"github.com/tigerroll/crest/pkg/engine/event/export"
	"github.com/tigerroll/crest/pkg/engine/executor"
	"github.com/tigerroll/crest/pkg/engine/metrics"
	"github.com/tigerroll/crest/pkg/engine/storage"
	"github.com/tigerroll/crest/pkg/engine/storage/gcs"
	"github.com/tigerroll/crest/pkg/engine/storage/local"
	"github.com/tigerroll/crest/pkg/engine/workspace"
)

// NewAuditExporter builds the Parquet audit exporter with its defaults.
func NewAuditExporter(log event.Log, store storage.ByteStore) *export.Exporter {
	return export.NewExporter(log, store, export.Config{})
}

// Module assembles the whole engine: every component package plus the
// facade. cmd/crest adds config loading and the HTTP API on top.
var Module = fx.Options(
	coreConfig.Module,
	local.Module,
	gcs.Module,
	storage.Module,
	event.Module,
	checkpoint.Module,
	dlq.Module,
	executor.Module,
	workspace.Module,
	metrics.Module,
	agent.Module,
	coordinator.Module,
	fx.Provide(NewAuditExporter),
	fx.Provide(New),
)
