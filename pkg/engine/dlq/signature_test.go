package dlq_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tigerroll/crest/pkg/engine/dlq"
)

func TestErrorSignatureStripsVariableParts(t *testing.T) {
	tests := []struct {
		name     string
		typ      dlq.ErrorType
		message  string
		expected string
	}{
		{
			name:     "paths dropped",
			typ:      dlq.ErrorTypeStepFailure,
			message:  "command failed in /tmp/workspace-abc123/item: exit status",
			expected: "step_failure::command failed in exit status",
		},
		{
			name:     "numeric words dropped",
			typ:      dlq.ErrorTypeStepFailure,
			message:  "exited with code 137 after 42 retries",
			expected: "step_failure::exited with code after retries",
		},
		{
			name:     "hex addresses dropped",
			typ:      dlq.ErrorTypeUnknown,
			message:  "panic at 0xdeadbeef in handler",
			expected: "unknown::panic at in handler",
		},
		{
			name:     "truncated to ten words",
			typ:      dlq.ErrorTypeTimeout,
			message:  "a b c d e f g h i j k l m",
			expected: "timeout::a b c d e f g h i j",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, dlq.ErrorSignature(tt.typ, tt.message))
		})
	}
}

func TestErrorSignatureGroupsSameRootCause(t *testing.T) {
	a := dlq.ErrorSignature(dlq.ErrorTypeStepFailure, "step build failed in /work/agent-1/src line 17")
	b := dlq.ErrorSignature(dlq.ErrorTypeStepFailure, "step build failed in /work/agent-9/src line 431")
	assert.Equal(t, a, b)
}
