package dlq

import (
	"go.uber.org/fx"
)

// Module provides the DLQ manager to the Fx application graph.
var Module = fx.Options(
	fx.Provide(NewManager),
)
