package executor

import (
	"go.uber.org/fx"
)

// Module provides the command executor to the Fx application graph.
var Module = fx.Options(
	fx.Provide(NewExecutor),
)
