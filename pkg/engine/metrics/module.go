package metrics

import (
	"context"

	"go.uber.org/fx"

	"github.com/tigerroll/crest/pkg/engine/core/config"
)

// NewTracerFromConfig returns the OTel tracer when tracing is enabled and
// the noop tracer otherwise. The Fx lifecycle flushes spans on shutdown.
func NewTracerFromConfig(lc fx.Lifecycle, cfg *config.Config) (Tracer, error) {
	if !cfg.Crest.Tracing.Enabled {
		return NewNoopTracer(), nil
	}
	tracer, err := NewOtelTracer(context.Background(), cfg.Crest.Tracing)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return tracer.Shutdown(ctx)
		},
	})
	return tracer, nil
}

// Module provides the metrics recorder and tracer to the Fx application
// graph. The Prometheus recorder is also provided concretely so the API
// layer can serve its registry.
var Module = fx.Options(
	fx.Provide(NewPrometheusRecorder),
	fx.Provide(func(r *PrometheusRecorder) Recorder { return r }),
	fx.Provide(NewTracerFromConfig),
)
