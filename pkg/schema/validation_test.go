package schema

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestValidator(t *testing.T) *Validator {
	t.Helper()
	v, err := NewValidator()
	require.NoError(t, err)
	return v
}

func TestValidateDefinitionValid(t *testing.T) {
	v := newTestValidator(t)

	def := &WorkflowDefinition{
		Steps: []StepDefinition{
			{ID: "fetch", Type: "http", Timeout: "30s"},
			{
				ID:       "notify",
				Type:     "http",
				Optional: true,
				Retry:    &RetryPolicy{MaxAttempts: 3, Backoff: "exponential", Delay: "1s"},
			},
		},
	}

	assert.NoError(t, v.ValidateDefinition(def))
}

func TestValidateDefinitionRejectsEmptySteps(t *testing.T) {
	v := newTestValidator(t)

	err := v.ValidateDefinition(&WorkflowDefinition{})
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCodeValidation))
}

func TestValidateDefinitionRejectsMissingStepType(t *testing.T) {
	v := newTestValidator(t)

	err := v.ValidateDefinition(&WorkflowDefinition{
		Steps: []StepDefinition{{ID: "fetch"}},
	})
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCodeValidation))
}

func TestValidateDefinitionRejectsDuplicateStepIDs(t *testing.T) {
	v := newTestValidator(t)

	err := v.ValidateDefinition(&WorkflowDefinition{
		Steps: []StepDefinition{
			{ID: "fetch", Type: "http"},
			{ID: "fetch", Type: "http"},
		},
	})
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCodeValidation))
	assert.Contains(t, err.Error(), "duplicate step id")
}

func TestValidateDefinitionRejectsBadTimeout(t *testing.T) {
	v := newTestValidator(t)

	err := v.ValidateDefinition(&WorkflowDefinition{
		Steps: []StepDefinition{{ID: "fetch", Type: "http", Timeout: "half an hour"}},
	})
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCodeValidation))
}

func TestValidateDefinitionRejectsZeroAttempts(t *testing.T) {
	v := newTestValidator(t)

	err := v.ValidateDefinition(&WorkflowDefinition{
		Steps: []StepDefinition{
			{ID: "fetch", Type: "http", Retry: &RetryPolicy{MaxAttempts: 0}},
		},
	})
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCodeValidation))
}

func TestValidateVariables(t *testing.T) {
	v := newTestValidator(t)

	varSchema := json.RawMessage(`{
		"type": "object",
		"required": ["region"],
		"properties": {
			"region": { "type": "string" },
			"batch_size": { "type": "integer", "minimum": 1 }
		}
	}`)

	assert.NoError(t, v.ValidateVariables(map[string]any{"region": "eu-west-1", "batch_size": 10}, varSchema))

	err := v.ValidateVariables(map[string]any{"batch_size": 10}, varSchema)
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCodeValidation))

	err = v.ValidateVariables(map[string]any{"region": "eu-west-1", "batch_size": 0}, varSchema)
	require.Error(t, err)
	assert.True(t, IsCode(err, ErrCodeValidation))
}

func TestValidateVariablesEmptySchemaAllowsAnything(t *testing.T) {
	v := newTestValidator(t)

	assert.NoError(t, v.ValidateVariables(map[string]any{"anything": true}, nil))
	assert.NoError(t, v.ValidateVariables(nil, nil))
}

func TestValidateVariablesCachesCompiledSchemas(t *testing.T) {
	v := newTestValidator(t)

	varSchema := json.RawMessage(`{"type": "object"}`)
	require.NoError(t, v.ValidateVariables(map[string]any{}, varSchema))
	require.NoError(t, v.ValidateVariables(map[string]any{}, varSchema))

	v.mu.RLock()
	defer v.mu.RUnlock()
	assert.Len(t, v.cache, 1)
}
