// Package engine runs workflow executions: it renders step inputs,
// evaluates guard conditions, invokes step executors with retry and
// timeout policy, and records per-step results as it goes.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/loomery/loom/internal/executor"
	"github.com/loomery/loom/internal/expressions"
	"github.com/loomery/loom/internal/logging"
	"github.com/loomery/loom/internal/store"
	"github.com/loomery/loom/pkg/schema"
)

// DefaultStepTimeout bounds a single executor attempt when neither the
// step nor the workflow declares one.
const DefaultStepTimeout = 5 * time.Minute

// Engine executes workflows step by step.
type Engine struct {
	store      store.Store
	registry   *executor.Registry
	interp     *expressions.Interpolator
	conditions *expressions.ConditionEvaluator
	jq         *expressions.GoJQEngine
	logger     *slog.Logger

	defaultTimeout time.Duration
}

// Option configures an Engine.
type Option func(*Engine)

// WithDefaultStepTimeout overrides the fallback per-attempt deadline.
func WithDefaultStepTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.defaultTimeout = d
		}
	}
}

// New creates an execution engine.
func New(st store.Store, registry *executor.Registry, logger *slog.Logger, opts ...Option) (*Engine, error) {
	conditions, err := expressions.NewConditionEvaluator()
	if err != nil {
		return nil, fmt.Errorf("create condition evaluator: %w", err)
	}

	e := &Engine{
		store:          st,
		registry:       registry,
		interp:         expressions.NewInterpolator(),
		conditions:     conditions,
		jq:             expressions.NewGoJQEngine(),
		logger:         logger,
		defaultTimeout: DefaultStepTimeout,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Start persists the execution and runs it asynchronously on the pool,
// returning the execution ID immediately. The run keeps the caller's
// context values but not its cancellation, so an execution outlives the
// request that launched it.
func (e *Engine) Start(ctx context.Context, pool *WorkerPool, exec *store.Execution, def *schema.WorkflowDefinition) (string, error) {
	if err := e.store.CreateExecution(ctx, exec); err != nil {
		return "", schema.NewError(schema.ErrCodeStore, "persist execution").WithCause(err)
	}
	runCtx := context.WithoutCancel(ctx)
	if err := pool.Submit(ctx, func(context.Context) error {
		return e.Execute(runCtx, exec, def)
	}); err != nil {
		return "", schema.NewError(schema.ErrCodeScheduler, "submit execution").WithCause(err)
	}
	return exec.ID, nil
}

// stepOutcome is the in-memory result of running one step.
type stepOutcome struct {
	status schema.StepStatus
	output any
	err    *schema.LoomError
}

// Execute runs a pending execution to a terminal status. The execution
// record must already be persisted; def is the workflow it runs.
// Execute returns the runtime error only for persistence-level faults;
// step failures are recorded on the execution, not returned.
func (e *Engine) Execute(ctx context.Context, exec *store.Execution, def *schema.WorkflowDefinition) error {
	ctx = logging.WithExecutionID(ctx, exec.ID)

	if err := e.transitionExecution(ctx, exec, schema.ExecutionStatusRunning, ""); err != nil {
		return err
	}
	e.appendActivity(ctx, exec, schema.ActivityExecutionStarted, "", nil)
	e.logger.InfoContext(ctx, "execution started",
		slog.String("workflow_id", exec.WorkflowID), slog.Int("steps", len(def.Steps)))

	scope := e.buildScope(exec)

	// Seed every step result as pending so listings show the full plan.
	for i := range def.Steps {
		e.persistStep(ctx, &store.StepResult{
			ExecutionID: exec.ID,
			StepID:      def.Steps[i].ID,
			Position:    i,
			Status:      schema.StepStatusPending,
		})
	}

	final := schema.ExecutionStatusCompleted
	var runErr *schema.LoomError

	i := 0
	for i < len(def.Steps) {
		batch := independentBatch(def.Steps, i)

		outcomes := e.runBatch(ctx, exec, def, scope, i, batch)

		fatal := false
		for j, out := range outcomes {
			step := &def.Steps[i+j]
			if out.status == schema.StepStatusSucceeded {
				scope.Steps[step.ResolvedOutputKey()] = out.output
				continue
			}
			if out.status == schema.StepStatusFailed && !step.Optional {
				fatal = true
				runErr = out.err
				if out.err != nil && out.err.Code == schema.ErrCodeTimeout {
					final = schema.ExecutionStatusTimedOut
				} else {
					final = schema.ExecutionStatusFailed
				}
			}
		}
		if fatal {
			e.skipRemaining(ctx, exec, def, i+len(batch))
			break
		}
		i += len(batch)
	}

	errMsg := ""
	if runErr != nil {
		errMsg = runErr.Error()
	}
	if err := e.transitionExecution(ctx, exec, final, errMsg); err != nil {
		return err
	}

	switch final {
	case schema.ExecutionStatusCompleted:
		e.appendActivity(ctx, exec, schema.ActivityExecutionCompleted, "", nil)
		e.logger.InfoContext(ctx, "execution completed")
	case schema.ExecutionStatusTimedOut:
		e.appendActivity(ctx, exec, schema.ActivityExecutionTimedOut, "", runErr)
		e.logger.WarnContext(ctx, "execution timed out", slog.String("error", errMsg))
	default:
		e.appendActivity(ctx, exec, schema.ActivityExecutionFailed, "", runErr)
		e.logger.WarnContext(ctx, "execution failed", slog.String("error", errMsg))
	}
	return nil
}

// independentBatch returns the run of steps starting at i that may execute
// concurrently: a maximal run of steps flagged independent, or a single
// step otherwise.
func independentBatch(steps []schema.StepDefinition, i int) []schema.StepDefinition {
	if !steps[i].Independent {
		return steps[i : i+1]
	}
	j := i
	for j < len(steps) && steps[j].Independent {
		j++
	}
	return steps[i:j]
}

// runBatch executes a batch of steps, concurrently when it holds more than
// one. The scope is snapshotted before the batch starts, so batch members
// never observe each other's outputs.
func (e *Engine) runBatch(ctx context.Context, exec *store.Execution, def *schema.WorkflowDefinition, scope *expressions.Scope, base int, batch []schema.StepDefinition) []stepOutcome {
	outcomes := make([]stepOutcome, len(batch))

	if len(batch) == 1 {
		outcomes[0] = e.runStep(ctx, exec, def, scope, base, &batch[0])
		return outcomes
	}

	snapshot := snapshotScope(scope)
	var wg sync.WaitGroup
	for j := range batch {
		wg.Add(1)
		go func(j int) {
			defer wg.Done()
			outcomes[j] = e.runStep(ctx, exec, def, snapshot, base+j, &batch[j])
		}(j)
	}
	wg.Wait()
	return outcomes
}

// runStep takes one step through condition, render, and the attempt loop,
// persisting the step result at each stage.
func (e *Engine) runStep(ctx context.Context, exec *store.Execution, def *schema.WorkflowDefinition, scope *expressions.Scope, position int, step *schema.StepDefinition) stepOutcome {
	ctx = logging.WithStepID(ctx, step.ID)

	result := &store.StepResult{
		ExecutionID: exec.ID,
		StepID:      step.ID,
		Position:    position,
	}

	// Guard condition.
	shouldRun, err := e.conditions.ShouldRun(ctx, step.Condition, scope)
	if err != nil {
		return e.failStep(ctx, exec, result, toLoom(err, step.ID))
	}
	if !shouldRun {
		result.Status = schema.StepStatusSkipped
		e.persistStep(ctx, result)
		e.appendActivity(ctx, exec, schema.ActivityStepSkipped, step.ID, nil)
		e.logger.InfoContext(ctx, "step skipped by condition")
		return stepOutcome{status: schema.StepStatusSkipped}
	}

	// Render the input template against the current scope.
	input, err := e.interp.Render(step.Input, scope)
	if err != nil {
		return e.failStep(ctx, exec, result, toLoom(err, step.ID))
	}

	exe, err := e.registry.Get(step.Type)
	if err != nil {
		return e.failStep(ctx, exec, result, toLoom(err, step.ID))
	}

	timeout := e.stepTimeout(def, step)
	maxAttempts := 1
	if step.Retry != nil && step.Retry.MaxAttempts > 1 {
		maxAttempts = step.Retry.MaxAttempts
	}

	started := time.Now().UTC()
	result.StartedAt = &started
	result.Status = schema.StepStatusRunning
	e.persistStep(ctx, result)
	e.appendActivity(ctx, exec, schema.ActivityStepStarted, step.ID, nil)

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		result.AttemptCount = attempt
		e.persistStep(ctx, result)

		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		res, execErr := exe.Execute(attemptCtx, executor.Request{
			StepID:  step.ID,
			Attempt: attempt,
			Config:  step.Config,
			Input:   input,
		})
		timedOut := attemptCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil
		cancel()

		if execErr == nil {
			output, loomErr := e.bindOutput(ctx, step, res)
			if loomErr != nil {
				return e.failStep(ctx, exec, result, loomErr)
			}
			completed := time.Now().UTC()
			dur := completed.Sub(started).Milliseconds()
			result.Status = schema.StepStatusSucceeded
			result.CompletedAt = &completed
			result.DurationMs = &dur
			if output != nil {
				if raw, err := json.Marshal(output); err == nil {
					result.Output = raw
				}
			}
			e.persistStep(ctx, result)
			e.appendActivity(ctx, exec, schema.ActivityStepSucceeded, step.ID, nil)
			e.logger.InfoContext(ctx, "step succeeded", slog.Int("attempt", attempt))
			return stepOutcome{status: schema.StepStatusSucceeded, output: output}
		}

		// A per-attempt deadline hit is terminal; retrying a step that
		// cannot fit its own budget only burns the run's time.
		if timedOut {
			loomErr := schema.NewErrorf(schema.ErrCodeTimeout,
				"step exceeded its %s deadline", timeout).
				WithStep(step.ID).WithAttempts(attempt).WithCause(execErr)
			return e.failStep(ctx, exec, result, loomErr)
		}
		if ctx.Err() != nil {
			loomErr := schema.NewError(schema.ErrCodeExecution, "execution cancelled").
				WithStep(step.ID).WithAttempts(attempt).WithCause(ctx.Err())
			return e.failStep(ctx, exec, result, loomErr)
		}

		lastErr = execErr
		if attempt < maxAttempts && IsRetryableError(execErr) {
			delay := ComputeBackoff(step.Retry, attempt-1)
			e.appendActivity(ctx, exec, schema.ActivityStepRetrying, step.ID,
				schema.NewErrorf(schema.ErrCodeStepFailed, "attempt %d failed: %s", attempt, execErr.Error()).WithStep(step.ID))
			e.logger.WarnContext(ctx, "step attempt failed, retrying",
				slog.Int("attempt", attempt), slog.Duration("backoff", delay), slog.String("error", execErr.Error()))
			if err := WaitForBackoff(ctx, delay); err != nil {
				loomErr := schema.NewError(schema.ErrCodeExecution, "execution cancelled during backoff").
					WithStep(step.ID).WithAttempts(attempt).WithCause(err)
				return e.failStep(ctx, exec, result, loomErr)
			}
			continue
		}
		break
	}

	code := schema.ErrCodeStepFailed
	if maxAttempts > 1 {
		code = schema.ErrCodeRetryExhausted
	}
	loomErr := schema.NewErrorf(code, "step failed after %d attempt(s): %s", result.AttemptCount, lastErr.Error()).
		WithStep(step.ID).WithAttempts(result.AttemptCount).WithCause(lastErr)
	return e.failStep(ctx, exec, result, loomErr)
}

// bindOutput unmarshals the executor's raw output and applies the step's
// jq output_path selector.
func (e *Engine) bindOutput(ctx context.Context, step *schema.StepDefinition, res *executor.Result) (any, *schema.LoomError) {
	if res == nil || len(res.Output) == 0 {
		return nil, nil
	}

	var output any
	if err := json.Unmarshal(res.Output, &output); err != nil {
		// Non-JSON output binds as a plain string.
		output = string(res.Output)
	}

	if step.OutputPath != "" {
		selected, err := e.jq.Apply(ctx, step.OutputPath, output)
		if err != nil {
			return nil, toLoom(err, step.ID)
		}
		output = selected
	}
	return output, nil
}

func (e *Engine) failStep(ctx context.Context, exec *store.Execution, result *store.StepResult, loomErr *schema.LoomError) stepOutcome {
	completed := time.Now().UTC()
	result.Status = schema.StepStatusFailed
	result.Error = loomErr.Error()
	result.CompletedAt = &completed
	if result.StartedAt != nil {
		dur := completed.Sub(*result.StartedAt).Milliseconds()
		result.DurationMs = &dur
	}
	e.persistStep(ctx, result)
	e.appendActivity(ctx, exec, schema.ActivityStepFailed, result.StepID, loomErr)
	e.logger.WarnContext(ctx, "step failed", slog.String("error", loomErr.Error()))
	return stepOutcome{status: schema.StepStatusFailed, err: loomErr}
}

// skipRemaining marks every step from index from onward as skipped after a
// fatal failure.
func (e *Engine) skipRemaining(ctx context.Context, exec *store.Execution, def *schema.WorkflowDefinition, from int) {
	for i := from; i < len(def.Steps); i++ {
		e.persistStep(ctx, &store.StepResult{
			ExecutionID: exec.ID,
			StepID:      def.Steps[i].ID,
			Position:    i,
			Status:      schema.StepStatusSkipped,
		})
		e.appendActivity(ctx, exec, schema.ActivityStepSkipped, def.Steps[i].ID, nil)
	}
}

func (e *Engine) stepTimeout(def *schema.WorkflowDefinition, step *schema.StepDefinition) time.Duration {
	if step.Timeout != "" {
		if d, err := time.ParseDuration(step.Timeout); err == nil && d > 0 {
			return d
		}
	}
	if def.DefaultStepTimeout != "" {
		if d, err := time.ParseDuration(def.DefaultStepTimeout); err == nil && d > 0 {
			return d
		}
	}
	return e.defaultTimeout
}

func (e *Engine) buildScope(exec *store.Execution) *expressions.Scope {
	inputs := map[string]any{}
	if len(exec.InputVariables) > 0 {
		_ = json.Unmarshal(exec.InputVariables, &inputs)
	}

	workflow := map[string]any{
		"execution_id": exec.ID,
		"workflow_id":  exec.WorkflowID,
		"run_name":     exec.RunName,
		"trigger":      string(exec.Trigger),
	}
	if exec.ScheduleID != nil {
		workflow["schedule_id"] = *exec.ScheduleID
	}

	return &expressions.Scope{
		Steps:    map[string]any{},
		Inputs:   inputs,
		Workflow: workflow,
	}
}

// snapshotScope shallow-copies the scope so concurrent batch members share
// a stable view.
func snapshotScope(scope *expressions.Scope) *expressions.Scope {
	steps := make(map[string]any, len(scope.Steps))
	for k, v := range scope.Steps {
		steps[k] = v
	}
	return &expressions.Scope{Steps: steps, Inputs: scope.Inputs, Workflow: scope.Workflow}
}

func toLoom(err error, stepID string) *schema.LoomError {
	var loomErr *schema.LoomError
	if errors.As(err, &loomErr) {
		if loomErr.StepID == "" {
			loomErr.StepID = stepID
		}
		return loomErr
	}
	return schema.NewError(schema.ErrCodeExecution, err.Error()).WithStep(stepID).WithCause(err)
}
