// Package config defines the configuration shape of byte store connections
// and the decoder that extracts a named connection from the application
// configuration's adapter section.
package config

import (
	"fmt"

	"github.com/mitchellh/mapstructure"

	coreConfig "github.com/tigerroll/crest/pkg/engine/core/config"
)

// StoreConfig holds configuration for a single byte store connection.
type StoreConfig struct {
	Type            string `yaml:"type"`             // Type of store ("local", "gcs").
	BucketName      string `yaml:"bucket_name"`      // Bucket name for object storage backends.
	CredentialsFile string `yaml:"credentials_file"` // Path to credentials file (e.g. GCS service account key).
	BaseDir         string `yaml:"base_dir"`         // Base directory for local file system stores.
	Endpoint        string `yaml:"endpoint"`         // Optional custom endpoint (e.g. a GCS emulator).
}

// Decode extracts and decodes the named store configuration from the
// application configuration's adapter section. yaml tags drive the decoding.
func Decode(cfg *coreConfig.Config, name string) (StoreConfig, error) {
	var storeCfg StoreConfig

	storageSection, ok := cfg.Crest.AdapterConfigs["storage"].(map[string]interface{})
	if !ok {
		return storeCfg, fmt.Errorf("invalid 'storage' configuration format: expected map[string]interface{}")
	}
	namedConfig, ok := storageSection[name]
	if !ok {
		return storeCfg, fmt.Errorf("store configuration for name '%s' not found", name)
	}

	decoderConfig := &mapstructure.DecoderConfig{
		Metadata: nil,
		Result:   &storeCfg,
		TagName:  "yaml",
	}
	decoder, err := mapstructure.NewDecoder(decoderConfig)
	if err != nil {
		return storeCfg, fmt.Errorf("failed to create decoder for store config '%s': %w", name, err)
	}
	if err := decoder.Decode(namedConfig); err != nil {
		return storeCfg, fmt.Errorf("failed to decode store config for '%s': %w", name, err)
	}
	return storeCfg, nil
}
