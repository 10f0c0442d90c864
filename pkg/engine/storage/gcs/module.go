// Package gcs provides the Fx module for the Google Cloud Storage byte store.
package gcs

import (
	"go.uber.org/fx"

	"github.com/tigerroll/crest/pkg/engine/storage"
)

// Module is the Fx module for the GCS byte store.
// It provides the GCSProvider to the Fx application graph.
var Module = fx.Options(
	// Provide NewGCSProvider and tag it with group:"store_providers".
	fx.Provide(fx.Annotate(
		NewGCSProvider,
		fx.As(new(storage.StoreProvider)),
		fx.ResultTags(`group:"store_providers"`),
	)),
)
