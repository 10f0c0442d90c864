// Package storage defines the byte store interfaces and the Fx wiring that
// assembles providers into a resolver and the engine's default store.
package storage

import (
	"context"
	"fmt"

	"go.uber.org/fx"

	coreConfig "github.com/tigerroll/crest/pkg/engine/core/config"
)

// ResolverParams collects the store providers contributed by backend modules.
type ResolverParams struct {
	fx.In
	Providers []StoreProvider `group:"store_providers"`
	Config    *coreConfig.Config
}

// NewResolverFromProviders builds a StoreResolver from the provider group.
func NewResolverFromProviders(params ResolverParams) StoreResolver {
	byType := make(map[string]StoreProvider, len(params.Providers))
	for _, p := range params.Providers {
		byType[p.Type()] = p
	}
	return NewStoreResolver(byType, params.Config)
}

// NewDefaultStore resolves the engine's default byte store, named by the
// crest.engine.storage_ref configuration key.
func NewDefaultStore(resolver StoreResolver, cfg *coreConfig.Config) (ByteStore, error) {
	ref := cfg.Crest.Engine.StorageRef
	if ref == "" {
		return nil, fmt.Errorf("crest.engine.storage_ref is not configured")
	}
	return resolver.ResolveStore(context.Background(), ref)
}

// Module provides the store resolver and the engine's default ByteStore.
var Module = fx.Options(
	fx.Provide(NewResolverFromProviders),
	fx.Provide(NewDefaultStore),
)
