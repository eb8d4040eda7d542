package engine

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomery/loom/internal/executor"
	"github.com/loomery/loom/internal/store"
	"github.com/loomery/loom/pkg/schema"
)

type fakeExecutor struct {
	kind string
	fn   func(ctx context.Context, req executor.Request) (*executor.Result, error)
}

func (f *fakeExecutor) Kind() string { return f.kind }

func (f *fakeExecutor) Execute(ctx context.Context, req executor.Request) (*executor.Result, error) {
	return f.fn(ctx, req)
}

type engineFixture struct {
	store    *store.LibSQLStore
	registry *executor.Registry
	engine   *Engine
}

func newEngineFixture(t *testing.T, opts ...Option) *engineFixture {
	t.Helper()
	st, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "engine_test.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { _ = st.Close() })

	registry := executor.NewRegistry()
	require.NoError(t, registry.Register(executor.NewStaticExecutor()))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	eng, err := New(st, registry, logger, opts...)
	require.NoError(t, err)

	return &engineFixture{store: st, registry: registry, engine: eng}
}

func (f *engineFixture) newExecution(t *testing.T, inputs string) *store.Execution {
	t.Helper()
	exec := &store.Execution{
		ID:         uuid.NewString(),
		WorkflowID: "wf-1",
		OwnerID:    "user-1",
		RunName:    "test run",
		Trigger:    schema.TriggerManual,
	}
	if inputs != "" {
		exec.InputVariables = json.RawMessage(inputs)
	}
	require.NoError(t, f.store.CreateExecution(context.Background(), exec))
	return exec
}

func (f *engineFixture) stepResult(t *testing.T, execID, stepID string) *store.StepResult {
	t.Helper()
	results, err := f.store.ListStepResults(context.Background(), execID)
	require.NoError(t, err)
	for _, r := range results {
		if r.StepID == stepID {
			return r
		}
	}
	t.Fatalf("step result %q not found", stepID)
	return nil
}

func TestExecuteBindsOutputsAcrossSteps(t *testing.T) {
	f := newEngineFixture(t)
	exec := f.newExecution(t, `{"region":"eu-west-1"}`)

	def := &schema.WorkflowDefinition{
		Steps: []schema.StepDefinition{
			{ID: "seed", Type: "static", Config: json.RawMessage(`{"value":{"greeting":"hello"}}`)},
			{ID: "echo", Type: "static", Input: json.RawMessage(`{"msg":"${{steps.seed.greeting}} from ${{inputs.region}}"}`)},
		},
	}

	require.NoError(t, f.engine.Execute(context.Background(), exec, def))

	got, err := f.store.GetExecution(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)

	echo := f.stepResult(t, exec.ID, "echo")
	assert.Equal(t, schema.StepStatusSucceeded, echo.Status)
	assert.JSONEq(t, `{"msg":"hello from eu-west-1"}`, string(echo.Output))
}

func TestExecuteRetriesUntilExhausted(t *testing.T) {
	f := newEngineFixture(t)

	var calls atomic.Int32
	require.NoError(t, f.registry.Register(&fakeExecutor{kind: "flaky", fn: func(ctx context.Context, req executor.Request) (*executor.Result, error) {
		calls.Add(1)
		return nil, errors.New("connection refused")
	}}))

	exec := f.newExecution(t, "")
	def := &schema.WorkflowDefinition{
		Steps: []schema.StepDefinition{
			{ID: "fetch", Type: "flaky", Retry: &schema.RetryPolicy{MaxAttempts: 3, Backoff: "constant", Delay: "1ms"}},
			{ID: "after", Type: "static"},
		},
	}

	require.NoError(t, f.engine.Execute(context.Background(), exec, def))

	assert.Equal(t, int32(3), calls.Load())

	got, err := f.store.GetExecution(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusFailed, got.Status)
	assert.Contains(t, got.Error, "after 3 attempt(s)")

	fetch := f.stepResult(t, exec.ID, "fetch")
	assert.Equal(t, schema.StepStatusFailed, fetch.Status)
	assert.Equal(t, 3, fetch.AttemptCount)

	// Steps after a fatal failure never run.
	after := f.stepResult(t, exec.ID, "after")
	assert.Equal(t, schema.StepStatusSkipped, after.Status)
}

func TestExecuteOptionalStepFailureContinues(t *testing.T) {
	f := newEngineFixture(t)

	require.NoError(t, f.registry.Register(&fakeExecutor{kind: "broken", fn: func(ctx context.Context, req executor.Request) (*executor.Result, error) {
		return nil, errors.New("boom")
	}}))

	exec := f.newExecution(t, "")
	def := &schema.WorkflowDefinition{
		Steps: []schema.StepDefinition{
			{ID: "notify", Type: "broken", Optional: true},
			{ID: "finish", Type: "static", Config: json.RawMessage(`{"value":"done"}`)},
		},
	}

	require.NoError(t, f.engine.Execute(context.Background(), exec, def))

	got, err := f.store.GetExecution(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusCompleted, got.Status)

	notify := f.stepResult(t, exec.ID, "notify")
	assert.Equal(t, schema.StepStatusFailed, notify.Status)
	finish := f.stepResult(t, exec.ID, "finish")
	assert.Equal(t, schema.StepStatusSucceeded, finish.Status)
}

func TestExecuteConditionSkipsStep(t *testing.T) {
	f := newEngineFixture(t)
	exec := f.newExecution(t, `{"dry_run":true}`)

	def := &schema.WorkflowDefinition{
		Steps: []schema.StepDefinition{
			{ID: "submit", Type: "static", Condition: `inputs.dry_run == false`},
			{ID: "always", Type: "static", Config: json.RawMessage(`{"value":1}`)},
		},
	}

	require.NoError(t, f.engine.Execute(context.Background(), exec, def))

	got, err := f.store.GetExecution(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusCompleted, got.Status)

	submit := f.stepResult(t, exec.ID, "submit")
	assert.Equal(t, schema.StepStatusSkipped, submit.Status)
	assert.Empty(t, submit.Output)
}

func TestExecuteStepTimeoutIsTerminal(t *testing.T) {
	f := newEngineFixture(t)

	var calls atomic.Int32
	require.NoError(t, f.registry.Register(&fakeExecutor{kind: "slow", fn: func(ctx context.Context, req executor.Request) (*executor.Result, error) {
		calls.Add(1)
		<-ctx.Done()
		return nil, ctx.Err()
	}}))

	exec := f.newExecution(t, "")
	def := &schema.WorkflowDefinition{
		Steps: []schema.StepDefinition{
			{ID: "crawl", Type: "slow", Timeout: "30ms", Retry: &schema.RetryPolicy{MaxAttempts: 3}},
		},
	}

	require.NoError(t, f.engine.Execute(context.Background(), exec, def))

	// Timeouts are never retried.
	assert.Equal(t, int32(1), calls.Load())

	got, err := f.store.GetExecution(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusTimedOut, got.Status)

	crawl := f.stepResult(t, exec.ID, "crawl")
	assert.Equal(t, schema.StepStatusFailed, crawl.Status)
	assert.Contains(t, crawl.Error, "deadline")
}

func TestExecuteOutputPathSelects(t *testing.T) {
	f := newEngineFixture(t)
	exec := f.newExecution(t, "")

	def := &schema.WorkflowDefinition{
		Steps: []schema.StepDefinition{
			{
				ID:         "fetch",
				Type:       "static",
				Config:     json.RawMessage(`{"value":{"body":{"items":[{"id":"a"},{"id":"b"}]}}}`),
				OutputPath: ".body.items | length",
				OutputKey:  "item_count",
			},
			{ID: "report", Type: "static", Input: json.RawMessage(`{"count":${{steps.item_count}}}`)},
		},
	}

	require.NoError(t, f.engine.Execute(context.Background(), exec, def))

	report := f.stepResult(t, exec.ID, "report")
	assert.Equal(t, schema.StepStatusSucceeded, report.Status)
	assert.JSONEq(t, `{"count":2}`, string(report.Output))
}

func TestExecuteIndependentBatchRunsAll(t *testing.T) {
	f := newEngineFixture(t)

	var concurrent, peak atomic.Int32
	require.NoError(t, f.registry.Register(&fakeExecutor{kind: "probe", fn: func(ctx context.Context, req executor.Request) (*executor.Result, error) {
		n := concurrent.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		concurrent.Add(-1)
		return &executor.Result{Output: json.RawMessage(`"ok"`)}, nil
	}}))

	exec := f.newExecution(t, "")
	def := &schema.WorkflowDefinition{
		Steps: []schema.StepDefinition{
			{ID: "a", Type: "probe", Independent: true},
			{ID: "b", Type: "probe", Independent: true},
			{ID: "c", Type: "probe", Independent: true},
			{ID: "join", Type: "static", Input: json.RawMessage(`{"a":"${{steps.a}}"}`)},
		},
	}

	require.NoError(t, f.engine.Execute(context.Background(), exec, def))

	got, err := f.store.GetExecution(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusCompleted, got.Status)
	assert.GreaterOrEqual(t, peak.Load(), int32(2))

	join := f.stepResult(t, exec.ID, "join")
	assert.JSONEq(t, `{"a":"ok"}`, string(join.Output))
}

func TestExecuteRecordsActivity(t *testing.T) {
	f := newEngineFixture(t)
	exec := f.newExecution(t, "")

	def := &schema.WorkflowDefinition{
		Steps: []schema.StepDefinition{{ID: "only", Type: "static", Config: json.RawMessage(`{"value":1}`)}},
	}
	require.NoError(t, f.engine.Execute(context.Background(), exec, def))

	events, err := f.store.ListActivity(context.Background(), store.ActivityFilter{ExecutionID: exec.ID})
	require.NoError(t, err)

	kinds := make(map[string]int)
	for _, ev := range events {
		kinds[ev.Kind]++
	}
	assert.Equal(t, 1, kinds[schema.ActivityExecutionStarted])
	assert.Equal(t, 1, kinds[schema.ActivityStepStarted])
	assert.Equal(t, 1, kinds[schema.ActivityStepSucceeded])
	assert.Equal(t, 1, kinds[schema.ActivityExecutionCompleted])
}

func TestStartRunsAsynchronously(t *testing.T) {
	f := newEngineFixture(t)
	pool := NewWorkerPool(2)

	exec := &store.Execution{
		ID:         uuid.NewString(),
		WorkflowID: "wf-1",
		OwnerID:    "user-1",
		RunName:    "async run",
		Trigger:    schema.TriggerManual,
	}
	def := &schema.WorkflowDefinition{
		Steps: []schema.StepDefinition{
			{ID: "emit", Type: "static", Config: json.RawMessage(`{"value":"done"}`)},
		},
	}

	id, err := f.engine.Start(context.Background(), pool, exec, def)
	require.NoError(t, err)
	assert.Equal(t, exec.ID, id)
	pool.Wait()

	got, err := f.store.GetExecution(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusCompleted, got.Status)
	require.NotNil(t, got.CompletedAt)
}
