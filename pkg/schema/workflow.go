package schema

import "encoding/json"

// WorkflowDefinition is the JSON-serializable workflow format.
// Steps execute in declared order; the variables schema (JSON Schema)
// constrains the input variables a schedule or manual run may supply.
type WorkflowDefinition struct {
	Steps                []StepDefinition `json:"steps"`
	Variables            json.RawMessage  `json:"variables,omitempty"`
	AllowConcurrentRuns  bool             `json:"allow_concurrent_runs,omitempty"`
	DefaultStepTimeout   string           `json:"default_step_timeout,omitempty"`
	Metadata             map[string]any   `json:"metadata,omitempty"`
}

// StepDefinition describes a single step in a workflow.
type StepDefinition struct {
	ID          string          `json:"id"`
	Type        string          `json:"type"`                  // executor kind (e.g. "http", "static")
	Config      json.RawMessage `json:"config,omitempty"`      // executor-specific configuration
	Input       json.RawMessage `json:"input,omitempty"`       // template; may reference ${{steps.*}} and ${{inputs.*}}
	OutputKey   string          `json:"output_key,omitempty"`  // variable-context key for the output (default: step ID)
	OutputPath  string          `json:"output_path,omitempty"` // jq selector applied to the raw executor output
	Condition   string          `json:"condition,omitempty"`   // guard expression; false skips the step
	Optional    bool            `json:"optional,omitempty"`    // failure does not fail the run
	Independent bool            `json:"independent,omitempty"` // may run concurrently with adjacent independent steps
	Retry       *RetryPolicy    `json:"retry,omitempty"`
	Timeout     string          `json:"timeout,omitempty"` // per-attempt deadline (e.g. "30s", "5m")
}

// RetryPolicy configures retry behavior for a step. MaxAttempts counts
// total attempts, not retries: MaxAttempts=3 means at most 3 invocations.
type RetryPolicy struct {
	MaxAttempts int    `json:"max_attempts"`
	Backoff     string `json:"backoff,omitempty"`   // none | constant | linear | exponential (default: exponential)
	Delay       string `json:"delay,omitempty"`     // initial delay (e.g. "1s", "500ms")
	MaxDelay    string `json:"max_delay,omitempty"` // cap on the computed delay
}

// ResolvedOutputKey returns the variable-context key a step binds its
// output under.
func (s *StepDefinition) ResolvedOutputKey() string {
	if s.OutputKey != "" {
		return s.OutputKey
	}
	return s.ID
}
