package storage

import (
	"context"
	"fmt"

	"github.com/mitchellh/mapstructure"

	coreConfig "github.com/tigerroll/crest/pkg/engine/core/config"
	"github.com/tigerroll/crest/pkg/engine/support/logger"
)

// storeResolver dispatches named store connections to the provider whose
// Type matches the connection's configured type.
type storeResolver struct {
	providers map[string]StoreProvider
	cfg       *coreConfig.Config
}

var _ StoreResolver = (*storeResolver)(nil)

// NewStoreResolver creates a StoreResolver over the given providers, keyed by
// provider type.
func NewStoreResolver(providers map[string]StoreProvider, cfg *coreConfig.Config) StoreResolver {
	return &storeResolver{
		providers: providers,
		cfg:       cfg,
	}
}

// ResolveStore resolves a ByteStore by its configured connection name.
func (r *storeResolver) ResolveStore(ctx context.Context, name string) (ByteStore, error) {
	storageSection, ok := r.cfg.Crest.AdapterConfigs["storage"].(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("invalid 'storage' configuration format: expected map[string]interface{}")
	}
	namedConfig, ok := storageSection[name]
	if !ok {
		return nil, fmt.Errorf("store connection '%s' not found in configuration", name)
	}

	var tempCfg struct {
		Type string `yaml:"type"`
	}
	decoderConfig := &mapstructure.DecoderConfig{Result: &tempCfg, TagName: "yaml"}
	decoder, err := mapstructure.NewDecoder(decoderConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create decoder for store type of '%s': %w", name, err)
	}
	if err := decoder.Decode(namedConfig); err != nil {
		return nil, fmt.Errorf("failed to decode store type for '%s': %w", name, err)
	}

	provider, ok := r.providers[tempCfg.Type]
	if !ok {
		return nil, fmt.Errorf("no store provider found for type '%s' (connection '%s')", tempCfg.Type, name)
	}

	store, err := provider.GetStore(name)
	if err != nil {
		return nil, fmt.Errorf("failed to get store connection '%s' from provider '%s': %w", name, tempCfg.Type, err)
	}
	logger.Debugf("Resolved store connection '%s' via provider '%s'.", name, tempCfg.Type)
	return store, nil
}
