package coordinator

import (
	"go.uber.org/fx"
)

// Module provides the job store and phase coordinator to the Fx application
// graph.
var Module = fx.Options(
	fx.Provide(NewJobStore),
	fx.Provide(NewCoordinator),
)
