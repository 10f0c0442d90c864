// Package serialization provides JSON helpers for the data structures the
// engine persists through the byte store, such as variable maps and failure lists.
package serialization

import (
	"encoding/json"

	config "github.com/tigerroll/crest/pkg/engine/core/config"
	"github.com/tigerroll/crest/pkg/engine/support/exception"
	logger "github.com/tigerroll/crest/pkg/engine/support/logger"
)

const moduleName = "serialization"

// GetMaskedVariablesMap returns a copy of the variable map with configured
// sensitive keys replaced by a masking placeholder.
func GetMaskedVariablesMap(vars map[string]interface{}) map[string]interface{} {
	if len(vars) == 0 {
		return map[string]interface{}{}
	}

	masked := make(map[string]interface{}, len(vars))
	for k, v := range vars {
		masked[k] = v
	}

	for _, key := range config.GetMaskedVariableKeys() {
		if _, ok := masked[key]; ok {
			masked[key] = "********"
		}
	}
	return masked
}

// MarshalVariables serializes a variable map into a JSON byte slice.
func MarshalVariables(vars map[string]interface{}) ([]byte, error) {
	if vars == nil {
		return []byte("{}"), nil
	}
	data, err := json.Marshal(vars)
	if err != nil {
		logger.Errorf("Failed to serialize variables: %v", err)
		return nil, exception.NewEngineError(moduleName, "Failed to serialize variables", err, false)
	}
	return data, nil
}

// UnmarshalVariables deserializes a JSON byte slice into a variable map.
// The destination map is cleared before decoding.
func UnmarshalVariables(data []byte, vars *map[string]interface{}) error {
	if *vars == nil {
		*vars = make(map[string]interface{})
	} else {
		for k := range *vars {
			delete(*vars, k)
		}
	}

	if len(data) == 0 || string(data) == "null" || string(data) == "{}" {
		return nil
	}

	if err := json.Unmarshal(data, vars); err != nil {
		logger.Errorf("Failed to deserialize variables: %v", err)
		return exception.NewEngineError(moduleName, "Failed to deserialize variables", err, false)
	}
	return nil
}

// MarshalFailures serializes a slice of failure messages into a JSON byte slice.
func MarshalFailures(failures []string) ([]byte, error) {
	if failures == nil {
		return []byte("[]"), nil
	}
	data, err := json.Marshal(failures)
	if err != nil {
		logger.Errorf("Failed to serialize failures: %v", err)
		return nil, exception.NewEngineError(moduleName, "Failed to serialize failures", err, false)
	}
	return data, nil
}

// UnmarshalFailures deserializes a JSON byte slice into a slice of failure messages.
func UnmarshalFailures(data []byte, msgs *[]string) error {
	if len(data) == 0 || string(data) == "null" {
		*msgs = []string{}
		return nil
	}

	if err := json.Unmarshal(data, msgs); err != nil {
		logger.Errorf("Failed to deserialize failures: %v", err)
		return exception.NewEngineError(moduleName, "Failed to deserialize failures", err, false)
	}
	return nil
}
