package checkpoint

import (
	"go.uber.org/fx"
)

// Module provides the checkpoint manager to the Fx application graph.
var Module = fx.Options(
	fx.Provide(NewManager),
)
