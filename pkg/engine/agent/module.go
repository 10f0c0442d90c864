package agent

import (
	"go.uber.org/fx"
)

// Module provides the agent lifecycle manager to the Fx application graph.
var Module = fx.Options(
	fx.Provide(NewManager),
)
