package executor

import (
	"context"
	"encoding/json"

	"github.com/loomery/loom/pkg/schema"
)

// StaticExecutor echoes a configured value as its output. Useful for
// seeding constants into the run scope and for wiring test workflows.
type StaticExecutor struct{}

type staticConfig struct {
	Value json.RawMessage `json:"value"`
}

func NewStaticExecutor() *StaticExecutor { return &StaticExecutor{} }

func (e *StaticExecutor) Kind() string { return "static" }

// Execute returns config.value, or the rendered input when no value is
// configured.
func (e *StaticExecutor) Execute(ctx context.Context, req Request) (*Result, error) {
	var cfg staticConfig
	if len(req.Config) > 0 {
		if err := json.Unmarshal(req.Config, &cfg); err != nil {
			return nil, schema.NewError(schema.ErrCodeValidation, "invalid static step config").
				WithStep(req.StepID).WithCause(err)
		}
	}
	if len(cfg.Value) > 0 {
		return &Result{Output: cfg.Value}, nil
	}
	return &Result{Output: req.Input}, nil
}

var _ StepExecutor = (*StaticExecutor)(nil)
