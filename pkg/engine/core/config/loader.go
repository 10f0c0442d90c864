package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/tigerroll/crest/pkg/engine/support/exception"
	"github.com/tigerroll/crest/pkg/engine/support/logger"

	"go.uber.org/fx"
)

// Package config provides utilities for loading and managing engine configuration
// from YAML files and environment variables.

const moduleName = "config"

// ConfigParams defines the dependencies for NewConfigProvider.
type ConfigParams struct {
	fx.In
	EmbeddedConfig EmbeddedConfig // EmbeddedConfig contains the raw bytes of the configuration file.
	EnvFilePath    string `name:"envFilePath" optional:"true"` // EnvFilePath is the path to the .env file, if any.
}

// loadConfig loads configuration from a file and environment variables.
// This function is intended to be called only once during application startup.
func loadConfig(envFilePath string, embeddedConfig EmbeddedConfig) (*Config, error) {
	if envFilePath != "" {
		if err := godotenv.Load(envFilePath); err != nil {
			logger.Warnf(".env file (%s) not found or could not be loaded: %v", envFilePath, err)
		}
	} else {
		if err := godotenv.Load(); err != nil {
			logger.Debugf(".env file not found or could not be loaded: %v", err)
		}
	}

	cfg := NewConfig()

	// 1. Defaults come from NewConfig().

	// 2. Expand ${VAR} placeholders, then load the embedded YAML into a
	// temporary Config struct so values are parsed into their types. Unset
	// variables expand to empty strings, which the merge below skips.
	expanded, err := NewOsEnvironmentExpander().Expand(embeddedConfig)
	if err != nil {
		return nil, exception.NewEngineError(moduleName, "failed to expand environment variables in embedded config", err, false)
	}
	var yamlConfig Config
	if err := yaml.Unmarshal(expanded, &yamlConfig); err != nil {
		return nil, exception.NewEngineError(moduleName, "failed to unmarshal embedded config", err, false)
	}

	// 3. Merge YAML configuration into the defaults.
	mergeConfig(cfg, &yamlConfig)

	// 4. Override with environment variables.
	if err := loadStructFromEnv(reflect.ValueOf(cfg).Elem(), ""); err != nil {
		return nil, exception.NewEngineError(moduleName, "failed to load config from environment variables", err, false)
	}
	return cfg, nil
}

// NewConfigProvider is an Fx provider that loads and provides *Config.
// It initializes the configuration by loading defaults, merging from embedded
// YAML, and overriding with environment variables. It also sets the global
// logger level and validates the configured exception classes.
func NewConfigProvider(params ConfigParams) (*Config, error) {
	cfg, err := loadConfig(params.EnvFilePath, params.EmbeddedConfig)
	if err != nil {
		return nil, exception.NewEngineError(moduleName, "failed to load config", err, false)
	}

	// Set global configuration
	GlobalConfig = cfg

	// Set log level
	logger.SetLogLevel(cfg.Crest.System.Logging.Level)
	logger.Infof("Log level set to: %s", cfg.Crest.System.Logging.Level)

	if err := validateExceptionClasses(cfg); err != nil {
		return nil, exception.NewEngineError(moduleName, "failed to validate configured exception classes", err, false)
	}

	return cfg, nil
}

// LoadConfig loads configuration from configuration files and environment variables.
// This function is expected to be called only once during application startup.
func LoadConfig(envFilePath string, embeddedConfig EmbeddedConfig) (*Config, error) {
	return loadConfig(envFilePath, embeddedConfig)
}

// validateExceptionClasses validates that configured exception class names exist in the registry.
func validateExceptionClasses(cfg *Config) error {
	if cfg.Crest.Engine.Retry.RetryableExceptions != nil {
		if err := checkExceptionClasses(cfg.Crest.Engine.Retry.RetryableExceptions, "Retry"); err != nil {
			return err
		}
	}
	return nil
}

// mergeConfig performs a deep merge from sourceConfig into destConfig.
// Values in sourceConfig overwrite corresponding values in destConfig
// when they are not zero/empty values for their type.
func mergeConfig(destConfig, sourceConfig *Config) {
	mergeCrestConfig(&destConfig.Crest, &sourceConfig.Crest)
}

// mergeCrestConfig merges source into dest.
func mergeCrestConfig(dest, source *CrestConfig) {
	// Merge EngineConfig
	if source.Engine.Parallelism != 0 {
		dest.Engine.Parallelism = source.Engine.Parallelism
	}
	if source.Engine.StorageRef != "" {
		dest.Engine.StorageRef = source.Engine.StorageRef
	}
	if source.Engine.APIAddr != "" {
		dest.Engine.APIAddr = source.Engine.APIAddr
	}
	mergeRetryConfig(&dest.Engine.Retry, &source.Engine.Retry)
	mergeCheckpointConfig(&dest.Engine.Checkpoint, &source.Engine.Checkpoint)
	mergeDLQConfig(&dest.Engine.DLQ, &source.Engine.DLQ)
	mergeTimeoutConfig(&dest.Engine.Timeouts, &source.Engine.Timeouts)

	// Merge SystemConfig
	mergeSystemConfig(&dest.System, &source.System)

	// Merge SecurityConfig
	if source.Security.MaskedVariableKeys != nil {
		dest.Security.MaskedVariableKeys = source.Security.MaskedVariableKeys
	}

	// Merge TracingConfig
	if source.Tracing.Enabled {
		dest.Tracing.Enabled = true
	}
	if source.Tracing.Endpoint != "" {
		dest.Tracing.Endpoint = source.Tracing.Endpoint
	}

	// Merge AdapterConfigs (this carries the storage adapter settings)
	if source.AdapterConfigs != nil {
		if dest.AdapterConfigs == nil {
			dest.AdapterConfigs = make(map[string]interface{})
		}
		for key, value := range source.AdapterConfigs {
			dest.AdapterConfigs[key] = value
		}
	}
}

// mergeRetryConfig merges source into dest.
func mergeRetryConfig(dest, source *RetryConfig) {
	if source.MaxAttempts != 0 { dest.MaxAttempts = source.MaxAttempts }
	if source.InitialInterval != 0 { dest.InitialInterval = source.InitialInterval }
	if source.MaxInterval != 0 { dest.MaxInterval = source.MaxInterval }
	if source.Factor != 0 { dest.Factor = source.Factor }
	if source.RetryableExceptions != nil { dest.RetryableExceptions = source.RetryableExceptions }
}

// mergeCheckpointConfig merges source into dest.
func mergeCheckpointConfig(dest, source *CheckpointConfig) {
	if source.IntervalItems != 0 { dest.IntervalItems = source.IntervalItems }
	if source.IntervalSeconds != 0 { dest.IntervalSeconds = source.IntervalSeconds }
}

// mergeDLQConfig merges source into dest.
func mergeDLQConfig(dest, source *DLQConfig) {
	if source.MaxAttempts != 0 { dest.MaxAttempts = source.MaxAttempts }
	if source.MaxItems != 0 { dest.MaxItems = source.MaxItems }
}

// mergeTimeoutConfig merges source into dest.
func mergeTimeoutConfig(dest, source *TimeoutConfig) {
	if source.StepSeconds != 0 { dest.StepSeconds = source.StepSeconds }
	if source.SetupSeconds != 0 { dest.SetupSeconds = source.SetupSeconds }
	if source.MapSeconds != 0 { dest.MapSeconds = source.MapSeconds }
	if source.ReduceSeconds != 0 { dest.ReduceSeconds = source.ReduceSeconds }
	if source.GraceSeconds != 0 { dest.GraceSeconds = source.GraceSeconds }
}

// mergeSystemConfig merges source into dest.
func mergeSystemConfig(dest, source *SystemConfig) {
	if source.Timezone != "" { dest.Timezone = source.Timezone }
	if source.WorkspaceDir != "" { dest.WorkspaceDir = source.WorkspaceDir }
	if source.Logging.Level != "" { dest.Logging.Level = source.Logging.Level }
}

// checkExceptionClasses validates that all exception class names in the provided list
// are registered in the exception registry.
func checkExceptionClasses(classNames []string, configType string) error {
	for _, name := range classNames {
		if !exception.IsErrorTypeRegistered(name) {
			return fmt.Errorf("%s configuration references unknown exception class: '%s'. Ensure it is registered.", configType, name)
		}
	}
	return nil
}

// loadStructFromEnv recursively loads configuration values into a struct from
// environment variables, using the "yaml" tag to derive the variable name.
func loadStructFromEnv(val reflect.Value, prefix string) error {
	typ := val.Type()
	for i := 0; i < typ.NumField(); i++ {
		field := val.Field(i)
		fieldType := typ.Field(i)
		yamlTag := fieldType.Tag.Get("yaml")
		if yamlTag == "" || yamlTag == "-" {
			continue
		}
		envVarName := strings.ToUpper(prefix + yamlTag)

		if field.Kind() == reflect.Struct {
			if err := loadStructFromEnv(field, envVarName+"_"); err != nil {
				return err
			}
			continue
		}

		envValue, exists := os.LookupEnv(envVarName)
		if !exists {
			continue
		}

		if err := setField(field, envValue); err != nil {
			return fmt.Errorf("failed to set field '%s' from env var '%s': %w", fieldType.Name, envVarName, err)
		}
	}
	return nil
}

// setField sets the value of a reflect.Value field based on its kind.
// It handles string, int, float, and bool types.
func setField(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		intValue, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetInt(intValue)
	case reflect.Float64, reflect.Float32:
		floatValue, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(floatValue)
	case reflect.Bool:
		boolValue, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(boolValue)
	}
	return nil
}
