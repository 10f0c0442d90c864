// Package local provides the Fx module for the local byte store.
package local

import (
	"go.uber.org/fx"

	"github.com/tigerroll/crest/pkg/engine/storage"
)

// Module is the Fx module for the local byte store.
// It provides the LocalProvider to the Fx application graph.
var Module = fx.Options(
	// Provide NewLocalProvider and tag it with group:"store_providers".
	fx.Provide(fx.Annotate(
		NewLocalProvider,
		fx.As(new(storage.StoreProvider)),
		fx.ResultTags(`group:"store_providers"`),
	)),
)
