package config

// Package config provides structures and utilities for managing engine configuration.

// EmbeddedConfig holds the content of the configuration file, typically passed from main.go.
type EmbeddedConfig []byte

// RetryConfig holds the per-item retry settings used by the agent lifecycle.
type RetryConfig struct {
	MaxAttempts         int      `yaml:"max_attempts"`         // MaxAttempts is the maximum number of attempts per work item.
	InitialInterval     int      `yaml:"initial_interval"`     // InitialInterval is the initial backoff interval in milliseconds.
	MaxInterval         int      `yaml:"max_interval"`         // MaxInterval caps the backoff interval in milliseconds.
	Factor              float64  `yaml:"factor"`               // Factor is the multiplier applied to the interval per attempt.
	RetryableExceptions []string `yaml:"retryable_exceptions"` // RetryableExceptions lists error type names considered retryable.
}

// CheckpointConfig controls when the state manager writes checkpoints.
type CheckpointConfig struct {
	IntervalItems   int `yaml:"interval_items"`   // IntervalItems checkpoints after this many completed items (0 disables).
	IntervalSeconds int `yaml:"interval_seconds"` // IntervalSeconds checkpoints after this much elapsed time (0 disables).
}

// DLQConfig holds dead-letter queue settings.
type DLQConfig struct {
	MaxAttempts int `yaml:"max_attempts"` // MaxAttempts is the attempt count after which an entry is no longer retry-eligible.
	MaxItems    int `yaml:"max_items"`    // MaxItems bounds the in-memory entry cache (0 means unbounded).
}

// TimeoutConfig holds the per-step and per-phase time budgets, in seconds.
type TimeoutConfig struct {
	StepSeconds   int `yaml:"step_seconds"`   // StepSeconds is the default budget for a single pipeline step.
	SetupSeconds  int `yaml:"setup_seconds"`  // SetupSeconds is the budget for the whole setup phase.
	MapSeconds    int `yaml:"map_seconds"`    // MapSeconds is the budget for the whole map phase.
	ReduceSeconds int `yaml:"reduce_seconds"` // ReduceSeconds is the budget for the whole reduce phase.
	GraceSeconds  int `yaml:"grace_seconds"`  // GraceSeconds is how long a cancelled agent may run before force termination.
}

// EngineConfig holds configuration specific to the workflow execution engine.
type EngineConfig struct {
	// Parallelism is the default number of concurrently running agents.
	Parallelism int `yaml:"parallelism"`
	// Retry is the per-item retry configuration.
	Retry RetryConfig `yaml:"retry"`
	// Checkpoint controls checkpoint intervals.
	Checkpoint CheckpointConfig `yaml:"checkpoint"`
	// DLQ holds dead-letter queue settings.
	DLQ DLQConfig `yaml:"dlq"`
	// Timeouts holds step and phase time budgets.
	Timeouts TimeoutConfig `yaml:"timeouts"`
	// StorageRef is the name of the byte store connection used for events,
	// checkpoints, and DLQ entries (e.g. "local", "gcs").
	StorageRef string `yaml:"storage_ref"`
	// APIAddr is the listen address of the HTTP API, empty to disable.
	APIAddr string `yaml:"api_addr"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	// Level is the logging level (e.g. "INFO", "DEBUG").
	Level string `yaml:"level"`
}

// SystemConfig holds system-wide settings.
type SystemConfig struct {
	// Timezone is the application timezone (e.g. "UTC").
	Timezone string `yaml:"timezone"`
	// WorkspaceDir is the directory under which job and agent workspaces
	// are allocated.
	WorkspaceDir string `yaml:"workspace_dir"`
	// Logging is the logging configuration.
	Logging LoggingConfig `yaml:"logging"`
}

// SecurityConfig holds security-related settings.
type SecurityConfig struct {
	// MaskedVariableKeys lists captured-variable keys whose values are masked in logs.
	MaskedVariableKeys []string `yaml:"masked_variable_keys"`
}

// TracingConfig holds OpenTelemetry exporter settings.
type TracingConfig struct {
	// Enabled turns span export on.
	Enabled bool `yaml:"enabled"`
	// Endpoint is the OTLP gRPC collector endpoint (host:port).
	Endpoint string `yaml:"endpoint"`
}

// CrestConfig holds all configuration under the "crest" top-level key.
type CrestConfig struct {
	// Engine contains execution engine configuration.
	Engine EngineConfig `yaml:"engine"`
	// System contains system-wide configuration.
	System SystemConfig `yaml:"system"`
	// Security contains security-related configuration.
	Security SecurityConfig `yaml:"security"`
	// Tracing contains OpenTelemetry configuration.
	Tracing TracingConfig `yaml:"tracing"`
	// AdapterConfigs holds named configurations for storage adapters.
	AdapterConfigs map[string]interface{} `yaml:"adapter"`
}

// Config is the root structure for the entire application configuration.
type Config struct {
	// Crest contains the top-level configuration for the engine.
	Crest CrestConfig `yaml:"crest"`
	// EmbeddedConfig holds configuration loaded from an embedded source, not from YAML.
	EmbeddedConfig EmbeddedConfig `yaml:"-"`
}

// GlobalConfig is a pointer to the configuration instance shared across the
// application. It is expected to be set via fx.Supply or fx.Provide.
var GlobalConfig *Config

// GetMaskedVariableKeys retrieves the list of variable keys to be masked from
// the global configuration.
func GetMaskedVariableKeys() []string {
	if GlobalConfig == nil {
		return []string{}
	}
	return GlobalConfig.Crest.Security.MaskedVariableKeys
}

// NewConfig returns a new instance of Config with default values.
func NewConfig() *Config {
	cfg := &Config{
		Crest: CrestConfig{
			System: SystemConfig{
				Timezone:     "UTC",
				WorkspaceDir: "workspaces",
				Logging:      LoggingConfig{Level: "INFO"},
			},
			Engine: EngineConfig{
				Parallelism: 4,
				Retry: RetryConfig{
					MaxAttempts:     3,
					InitialInterval: 1000,
					MaxInterval:     30000,
					Factor:          2.0,
					RetryableExceptions: []string{
						"StepFailure",
						"WorkspaceError",
						"TimeoutError",
						"context.DeadlineExceeded",
					},
				},
				Checkpoint: CheckpointConfig{
					IntervalItems:   10,
					IntervalSeconds: 60,
				},
				DLQ: DLQConfig{
					MaxAttempts: 3,
					MaxItems:    10000,
				},
				Timeouts: TimeoutConfig{
					StepSeconds:  600,
					GraceSeconds: 30,
				},
				StorageRef: "local",
			},
			Security: SecurityConfig{
				MaskedVariableKeys: []string{"password", "api_key", "secret", "token"},
			},
		},
	}

	// Populated by YAML or mergeConfig.
	cfg.Crest.AdapterConfigs = map[string]interface{}{}
	return cfg
}
