package event

import (
	"go.uber.org/fx"
)

// Module provides the event log to the Fx application graph.
var Module = fx.Options(
	fx.Provide(NewLog),
)
