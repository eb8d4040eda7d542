// Package executor defines the step executor contract and the built-in
// executor kinds. An executor performs one attempt of one step; retry,
// timeout, and backoff policy live with the engine, not here.
package executor

import (
	"context"
	"encoding/json"
)

// StepExecutor performs a single attempt of a step.
type StepExecutor interface {
	// Kind is the step type tag this executor handles (e.g. "http").
	Kind() string
	// Execute runs one attempt. Config is the step's static configuration;
	// input is the rendered input template. ctx carries the per-attempt
	// deadline.
	Execute(ctx context.Context, req Request) (*Result, error)
}

// Request is the data handed to an executor for one attempt.
type Request struct {
	StepID  string          `json:"step_id"`
	Attempt int             `json:"attempt"`
	Config  json.RawMessage `json:"config,omitempty"`
	Input   json.RawMessage `json:"input,omitempty"`
}

// Result is the outcome of a successful attempt. Output is the opaque
// value later steps may reference.
type Result struct {
	Output json.RawMessage `json:"output,omitempty"`
}

// Info is a summary of a registered executor for listing.
type Info struct {
	Kind        string `json:"kind"`
	Description string `json:"description,omitempty"`
}
