package mcp

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomery/loom/internal/cronx"
	"github.com/loomery/loom/internal/dispatcher"
	"github.com/loomery/loom/internal/engine"
	"github.com/loomery/loom/internal/executor"
	"github.com/loomery/loom/internal/manager"
	"github.com/loomery/loom/internal/monitor"
	"github.com/loomery/loom/internal/store"
	"github.com/loomery/loom/pkg/schema"
)

type fixture struct {
	server *LoomServer
	store  *store.LibSQLStore
	pool   *engine.WorkerPool
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.NewLibSQLStore("file:" + filepath.Join(t.TempDir(), "mcp_test.db"))
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { _ = st.Close() })

	registry := executor.NewRegistry()
	require.NoError(t, registry.Register(executor.NewStaticExecutor()))

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	eng, err := engine.New(st, registry, logger)
	require.NoError(t, err)

	cron := cronx.New()
	pool := engine.NewWorkerPool(4)
	disp := dispatcher.New(st, cron, eng, pool, logger)
	validator, err := schema.NewValidator()
	require.NoError(t, err)
	mgr := manager.New(st, cron, validator, logger)

	srv := NewLoomServer(LoomServerDeps{
		Manager:    mgr,
		Dispatcher: disp,
		Monitor:    monitor.New(st, cron),
		Store:      st,
		Logger:     logger,
	})
	return &fixture{server: srv, store: st, pool: pool}
}

func buildRequest(toolName string, args map[string]any) mcp.CallToolRequest {
	return mcp.CallToolRequest{
		Params: mcp.CallToolParams{
			Name:      toolName,
			Arguments: args,
		},
	}
}

func resultJSON(t *testing.T, result *mcp.CallToolResult) map[string]any {
	t.Helper()
	require.NotEmpty(t, result.Content)
	text, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok)
	var out map[string]any
	require.NoError(t, json.Unmarshal([]byte(text.Text), &out))
	return out
}

func (f *fixture) defineWorkflow(t *testing.T, owner string) string {
	t.Helper()
	req := buildRequest("workflow.define", map[string]any{
		"name":     "report",
		"owner_id": owner,
		"definition": map[string]any{
			"steps": []any{
				map[string]any{
					"id":     "emit",
					"type":   "static",
					"config": map[string]any{"value": "done"},
				},
			},
		},
	})
	result, err := f.server.handleWorkflowDefine(context.Background(), req)
	require.NoError(t, err)
	require.False(t, result.IsError)
	return resultJSON(t, result)["workflow_id"].(string)
}

func (f *fixture) createSchedule(t *testing.T, owner, workflowID string) map[string]any {
	t.Helper()
	req := buildRequest("schedule.create", map[string]any{
		"workflow_id":     workflowID,
		"cron_expression": "0 9 * * *",
		"owner_id":        owner,
	})
	result, err := f.server.handleScheduleCreate(context.Background(), req)
	require.NoError(t, err)
	require.False(t, result.IsError)
	return resultJSON(t, result)
}

func TestWorkflowDefineTool(t *testing.T) {
	f := newFixture(t)
	wfID := f.defineWorkflow(t, "owner-1")

	rec, err := f.store.GetWorkflow(context.Background(), wfID)
	require.NoError(t, err)
	assert.Equal(t, "report", rec.Name)
}

func TestWorkflowDefineToolRejectsEmptySteps(t *testing.T) {
	f := newFixture(t)
	req := buildRequest("workflow.define", map[string]any{
		"name":       "empty",
		"owner_id":   "owner-1",
		"definition": map[string]any{"steps": []any{}},
	})
	result, err := f.server.handleWorkflowDefine(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestWorkflowDefineToolMissingParams(t *testing.T) {
	f := newFixture(t)

	req := buildRequest("workflow.define", map[string]any{"owner_id": "a"})
	result, err := f.server.handleWorkflowDefine(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, result.IsError)

	req = buildRequest("workflow.define", map[string]any{"name": "x", "owner_id": "a"})
	result, err = f.server.handleWorkflowDefine(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestScheduleCreateTool(t *testing.T) {
	f := newFixture(t)
	wfID := f.defineWorkflow(t, "owner-1")

	out := f.createSchedule(t, "owner-1", wfID)
	assert.Equal(t, "active", out["status"])
	assert.NotEmpty(t, out["next_run_at"])
	assert.Equal(t, float64(1), out["version"])
}

func TestScheduleCreateToolRejectsBadCron(t *testing.T) {
	f := newFixture(t)
	wfID := f.defineWorkflow(t, "owner-1")

	req := buildRequest("schedule.create", map[string]any{
		"workflow_id":     wfID,
		"cron_expression": "99 * * * *",
		"owner_id":        "owner-1",
	})
	result, err := f.server.handleScheduleCreate(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestScheduleUpdateToolStaleVersion(t *testing.T) {
	f := newFixture(t)
	wfID := f.defineWorkflow(t, "owner-1")
	out := f.createSchedule(t, "owner-1", wfID)
	scheduleID := out["id"].(string)

	// First update bumps the version.
	req := buildRequest("schedule.update", map[string]any{
		"schedule_id":     scheduleID,
		"owner_id":        "owner-1",
		"version":         1,
		"cron_expression": "30 6 * * *",
	})
	result, err := f.server.handleScheduleUpdate(context.Background(), req)
	require.NoError(t, err)
	require.False(t, result.IsError)
	assert.Equal(t, float64(2), resultJSON(t, result)["version"])

	// Replaying the stale version is rejected.
	result, err = f.server.handleScheduleUpdate(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestSchedulePauseResumeTools(t *testing.T) {
	f := newFixture(t)
	wfID := f.defineWorkflow(t, "owner-1")
	out := f.createSchedule(t, "owner-1", wfID)
	scheduleID := out["id"].(string)

	args := map[string]any{"schedule_id": scheduleID, "owner_id": "owner-1"}

	result, err := f.server.handleSchedulePause(context.Background(), buildRequest("schedule.pause", args))
	require.NoError(t, err)
	require.False(t, result.IsError)
	paused := resultJSON(t, result)
	assert.Equal(t, "paused", paused["status"])
	assert.Nil(t, paused["next_run_at"])

	result, err = f.server.handleScheduleResume(context.Background(), buildRequest("schedule.resume", args))
	require.NoError(t, err)
	require.False(t, result.IsError)
	resumed := resultJSON(t, result)
	assert.Equal(t, "active", resumed["status"])
	assert.NotEmpty(t, resumed["next_run_at"])
}

func TestValidateCronTool(t *testing.T) {
	f := newFixture(t)

	req := buildRequest("schedule.validate_cron", map[string]any{
		"cron_expression": "0 9 * * 1-5",
	})
	result, err := f.server.handleValidateCron(context.Background(), req)
	require.NoError(t, err)
	require.False(t, result.IsError)
	out := resultJSON(t, result)
	assert.Equal(t, true, out["valid"])
	assert.Len(t, out["next_runs"], 5)

	req = buildRequest("schedule.validate_cron", map[string]any{
		"cron_expression": "not a cron",
	})
	result, err = f.server.handleValidateCron(context.Background(), req)
	require.NoError(t, err)
	require.False(t, result.IsError)
	out = resultJSON(t, result)
	assert.Equal(t, false, out["valid"])
	assert.NotEmpty(t, out["error"])
}

func TestRunInvokeAndGetTools(t *testing.T) {
	f := newFixture(t)
	wfID := f.defineWorkflow(t, "owner-1")

	req := buildRequest("run.invoke", map[string]any{
		"workflow_id": wfID,
		"owner_id":    "owner-1",
	})
	result, err := f.server.handleRunInvoke(context.Background(), req)
	require.NoError(t, err)
	require.False(t, result.IsError)
	executionID := resultJSON(t, result)["id"].(string)

	f.pool.Wait()

	req = buildRequest("run.get", map[string]any{
		"execution_id": executionID,
		"owner_id":     "owner-1",
	})
	result, err = f.server.handleRunGet(context.Background(), req)
	require.NoError(t, err)
	require.False(t, result.IsError)
	out := resultJSON(t, result)

	exec := out["execution"].(map[string]any)
	assert.Equal(t, "completed", exec["status"])
	assert.Len(t, out["steps"], 1)

	// A foreign owner cannot see the execution.
	req = buildRequest("run.get", map[string]any{
		"execution_id": executionID,
		"owner_id":     "intruder",
	})
	result, err = f.server.handleRunGet(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestRunListTool(t *testing.T) {
	f := newFixture(t)
	wfID := f.defineWorkflow(t, "owner-1")

	for range 3 {
		req := buildRequest("run.invoke", map[string]any{
			"workflow_id": wfID,
			"owner_id":    "owner-1",
		})
		result, err := f.server.handleRunInvoke(context.Background(), req)
		require.NoError(t, err)
		require.False(t, result.IsError)
	}
	f.pool.Wait()

	req := buildRequest("run.list", map[string]any{
		"owner_id": "owner-1",
		"limit":    2,
	})
	result, err := f.server.handleRunList(context.Background(), req)
	require.NoError(t, err)
	require.False(t, result.IsError)
	assert.Len(t, resultJSON(t, result)["executions"], 2)
}

func TestMetricsDashboardTool(t *testing.T) {
	f := newFixture(t)
	wfID := f.defineWorkflow(t, "owner-1")
	f.createSchedule(t, "owner-1", wfID)

	req := buildRequest("run.invoke", map[string]any{
		"workflow_id": wfID,
		"owner_id":    "owner-1",
	})
	result, err := f.server.handleRunInvoke(context.Background(), req)
	require.NoError(t, err)
	require.False(t, result.IsError)
	f.pool.Wait()

	req = buildRequest("metrics.dashboard", map[string]any{"owner_id": "owner-1"})
	result, err = f.server.handleMetricsDashboard(context.Background(), req)
	require.NoError(t, err)
	require.False(t, result.IsError)
	out := resultJSON(t, result)

	schedules := out["schedules"].(map[string]any)
	assert.Equal(t, float64(1), schedules["active"])
	executions := out["executions"].(map[string]any)
	assert.Equal(t, float64(1), executions["completed"])
	assert.Equal(t, float64(1), executions["success_rate"])
}

func TestMetricsScheduleTool(t *testing.T) {
	f := newFixture(t)
	wfID := f.defineWorkflow(t, "owner-1")
	out := f.createSchedule(t, "owner-1", wfID)
	scheduleID := out["id"].(string)

	req := buildRequest("metrics.schedule", map[string]any{
		"schedule_id": scheduleID,
		"owner_id":    "owner-1",
	})
	result, err := f.server.handleMetricsSchedule(context.Background(), req)
	require.NoError(t, err)
	require.False(t, result.IsError)
	analytics := resultJSON(t, result)
	assert.Len(t, analytics["upcoming_runs"], 5)
}

func TestToolRegistration(t *testing.T) {
	f := newFixture(t)
	tools := f.server.tools()
	assert.Len(t, tools, 17)

	names := make(map[string]bool, len(tools))
	for _, tool := range tools {
		names[tool.Tool.Name] = true
	}
	for _, want := range []string{
		"workflow.define", "schedule.create", "schedule.validate_cron",
		"run.invoke", "metrics.dashboard",
	} {
		assert.True(t, names[want], want)
	}
}

