package api

import (
	"context"
	"errors"
	"net"
	"net/http"

	"go.uber.org/fx"

	"github.com/tigerroll/crest/pkg/engine/core/config"
	logger "github.com/tigerroll/crest/pkg/engine/support/logger"
)

// StartServer binds the API server to the configured address and ties its
// lifetime to the Fx lifecycle. An empty address disables the API.
func StartServer(lc fx.Lifecycle, server *Server, cfg *config.Config) {
	addr := cfg.Crest.Engine.APIAddr
	if addr == "" {
		logger.Infof("API server disabled (crest.engine.api_addr is empty)")
		return
	}
	httpServer := &http.Server{Addr: addr, Handler: server.Router()}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			listener, err := net.Listen("tcp", addr)
			if err != nil {
				return err
			}
			logger.Infof("API server listening on %s", listener.Addr())
			go func() {
				if err := httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Errorf("API server terminated: %v", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return httpServer.Shutdown(ctx)
		},
	})
}

// Module provides the API server and starts it with the application.
var Module = fx.Options(
	fx.Provide(NewServer),
	fx.Invoke(StartServer),
)
