package workspace

import (
	"go.uber.org/fx"

	"github.com/tigerroll/crest/pkg/engine/core/config"
)

// NewProviderFromConfig allocates workspaces under the configured system
// working directory.
func NewProviderFromConfig(cfg *config.Config) (Provider, error) {
	return NewLocalProvider(cfg.Crest.System.WorkspaceDir)
}

// Module provides the workspace provider to the Fx application graph.
var Module = fx.Options(
	fx.Provide(NewProviderFromConfig),
)
