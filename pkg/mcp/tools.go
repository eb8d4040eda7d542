package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/loomery/loom/internal/manager"
	"github.com/loomery/loom/internal/store"
	"github.com/loomery/loom/pkg/schema"
)

// --- Workflow tools ---

func (s *LoomServer) handleWorkflowDefine(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	name, err := req.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError("name is required"), nil
	}
	ownerID, err := req.RequireString("owner_id")
	if err != nil {
		return mcp.NewToolResultError("owner_id is required"), nil
	}
	defRaw := mcp.ParseStringMap(req, "definition", nil)
	if defRaw == nil {
		return mcp.NewToolResultError("definition is required"), nil
	}

	defBytes, marshalErr := json.Marshal(defRaw)
	if marshalErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", marshalErr)), nil
	}
	var def schema.WorkflowDefinition
	if unmarshalErr := json.Unmarshal(defBytes, &def); unmarshalErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid definition: %v", unmarshalErr)), nil
	}

	rec, defineErr := s.manager.DefineWorkflow(ctx, manager.DefineWorkflowParams{
		ID:         req.GetString("workflow_id", ""),
		OwnerID:    ownerID,
		Name:       name,
		Definition: &def,
	})
	if defineErr != nil {
		return toolError(defineErr), nil
	}

	return marshalResult(map[string]any{
		"workflow_id": rec.ID,
		"name":        rec.Name,
	})
}

func (s *LoomServer) handleWorkflowGet(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	ownerID, err := req.RequireString("owner_id")
	if err != nil {
		return mcp.NewToolResultError("owner_id is required"), nil
	}

	rec, getErr := s.manager.GetWorkflow(ctx, workflowID, ownerID)
	if getErr != nil {
		return toolError(getErr), nil
	}
	return marshalResult(rec)
}

func (s *LoomServer) handleWorkflowList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ownerID, err := req.RequireString("owner_id")
	if err != nil {
		return mcp.NewToolResultError("owner_id is required"), nil
	}

	records, listErr := s.manager.ListWorkflows(ctx, ownerID)
	if listErr != nil {
		return toolError(listErr), nil
	}
	return marshalResult(map[string]any{"workflows": records})
}

// --- Schedule tools ---

func (s *LoomServer) handleScheduleCreate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	cronExpr, err := req.RequireString("cron_expression")
	if err != nil {
		return mcp.NewToolResultError("cron_expression is required"), nil
	}
	ownerID, err := req.RequireString("owner_id")
	if err != nil {
		return mcp.NewToolResultError("owner_id is required"), nil
	}

	params := manager.CreateScheduleParams{
		WorkflowID:     workflowID,
		OwnerID:        ownerID,
		CronExpression: cronExpr,
		Timezone:       req.GetString("timezone", ""),
		InputVariables: mcp.ParseStringMap(req, "input_variables", nil),
	}
	if maxRuns, ok := extractInt64(req.GetArguments(), "max_runs"); ok && maxRuns > 0 {
		params.MaxRuns = &maxRuns
	}

	sch, createErr := s.manager.CreateSchedule(ctx, params)
	if createErr != nil {
		return toolError(createErr), nil
	}
	return marshalResult(sch)
}

func (s *LoomServer) handleScheduleGet(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	scheduleID, err := req.RequireString("schedule_id")
	if err != nil {
		return mcp.NewToolResultError("schedule_id is required"), nil
	}
	ownerID, err := req.RequireString("owner_id")
	if err != nil {
		return mcp.NewToolResultError("owner_id is required"), nil
	}

	sch, getErr := s.manager.GetSchedule(ctx, scheduleID, ownerID)
	if getErr != nil {
		return toolError(getErr), nil
	}
	return marshalResult(sch)
}

func (s *LoomServer) handleScheduleList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ownerID, err := req.RequireString("owner_id")
	if err != nil {
		return mcp.NewToolResultError("owner_id is required"), nil
	}

	schedules, listErr := s.manager.ListSchedules(ctx, ownerID,
		req.GetString("workflow_id", ""),
		schema.ScheduleStatus(req.GetString("status", "")),
	)
	if listErr != nil {
		return toolError(listErr), nil
	}
	return marshalResult(map[string]any{"schedules": schedules})
}

func (s *LoomServer) handleScheduleUpdate(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	scheduleID, err := req.RequireString("schedule_id")
	if err != nil {
		return mcp.NewToolResultError("schedule_id is required"), nil
	}
	ownerID, err := req.RequireString("owner_id")
	if err != nil {
		return mcp.NewToolResultError("owner_id is required"), nil
	}
	args := req.GetArguments()
	version, ok := extractInt64(args, "version")
	if !ok {
		return mcp.NewToolResultError("version is required"), nil
	}

	params := manager.UpdateScheduleParams{
		InputVariables: mcp.ParseStringMap(req, "input_variables", nil),
		Version:        version,
	}
	if cronExpr := req.GetString("cron_expression", ""); cronExpr != "" {
		params.CronExpression = &cronExpr
	}
	if tz := req.GetString("timezone", ""); tz != "" {
		params.Timezone = &tz
	}
	if maxRuns, ok := extractInt64(args, "max_runs"); ok {
		if maxRuns > 0 {
			params.MaxRuns = &maxRuns
		} else {
			params.ClearMaxRuns = true
		}
	}

	sch, updateErr := s.manager.UpdateSchedule(ctx, scheduleID, ownerID, params)
	if updateErr != nil {
		return toolError(updateErr), nil
	}
	return marshalResult(sch)
}

func (s *LoomServer) handleScheduleDelete(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	scheduleID, err := req.RequireString("schedule_id")
	if err != nil {
		return mcp.NewToolResultError("schedule_id is required"), nil
	}
	ownerID, err := req.RequireString("owner_id")
	if err != nil {
		return mcp.NewToolResultError("owner_id is required"), nil
	}

	if delErr := s.manager.DeleteSchedule(ctx, scheduleID, ownerID); delErr != nil {
		return toolError(delErr), nil
	}
	return marshalResult(map[string]any{
		"ok":          true,
		"schedule_id": scheduleID,
	})
}

func (s *LoomServer) handleSchedulePause(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	scheduleID, err := req.RequireString("schedule_id")
	if err != nil {
		return mcp.NewToolResultError("schedule_id is required"), nil
	}
	ownerID, err := req.RequireString("owner_id")
	if err != nil {
		return mcp.NewToolResultError("owner_id is required"), nil
	}

	sch, pauseErr := s.manager.PauseSchedule(ctx, scheduleID, ownerID)
	if pauseErr != nil {
		return toolError(pauseErr), nil
	}
	return marshalResult(sch)
}

func (s *LoomServer) handleScheduleResume(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	scheduleID, err := req.RequireString("schedule_id")
	if err != nil {
		return mcp.NewToolResultError("schedule_id is required"), nil
	}
	ownerID, err := req.RequireString("owner_id")
	if err != nil {
		return mcp.NewToolResultError("owner_id is required"), nil
	}

	sch, resumeErr := s.manager.ResumeSchedule(ctx, scheduleID, ownerID)
	if resumeErr != nil {
		return toolError(resumeErr), nil
	}
	return marshalResult(sch)
}

func (s *LoomServer) handleValidateCron(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	cronExpr, err := req.RequireString("cron_expression")
	if err != nil {
		return mcp.NewToolResultError("cron_expression is required"), nil
	}

	result := s.manager.ValidateCronExpression(cronExpr, req.GetString("timezone", ""))
	return marshalResult(result)
}

// --- Run tools ---

func (s *LoomServer) handleRunInvoke(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	ownerID, err := req.RequireString("owner_id")
	if err != nil {
		return mcp.NewToolResultError("owner_id is required"), nil
	}

	exec, invokeErr := s.dispatcher.InvokeManual(ctx, workflowID, ownerID,
		req.GetString("run_name", ""),
		mcp.ParseStringMap(req, "input_variables", nil),
	)
	if invokeErr != nil {
		return toolError(invokeErr), nil
	}
	return marshalResult(exec)
}

func (s *LoomServer) handleRunGet(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	executionID, err := req.RequireString("execution_id")
	if err != nil {
		return mcp.NewToolResultError("execution_id is required"), nil
	}
	ownerID, err := req.RequireString("owner_id")
	if err != nil {
		return mcp.NewToolResultError("owner_id is required"), nil
	}

	exec, getErr := s.store.GetExecution(ctx, executionID)
	if getErr != nil {
		return toolError(getErr), nil
	}
	if exec.OwnerID != ownerID {
		return mcp.NewToolResultError(fmt.Sprintf("execution %q not found", executionID)), nil
	}

	steps, stepsErr := s.store.ListStepResults(ctx, executionID)
	if stepsErr != nil {
		return toolError(stepsErr), nil
	}
	return marshalResult(map[string]any{
		"execution": exec,
		"steps":     steps,
	})
}

func (s *LoomServer) handleRunList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ownerID, err := req.RequireString("owner_id")
	if err != nil {
		return mcp.NewToolResultError("owner_id is required"), nil
	}

	filter := store.ExecutionFilter{
		OwnerID:    ownerID,
		WorkflowID: req.GetString("workflow_id", ""),
		ScheduleID: req.GetString("schedule_id", ""),
		Status:     schema.ExecutionStatus(req.GetString("status", "")),
		Limit:      50,
	}
	if limit, ok := extractInt64(req.GetArguments(), "limit"); ok && limit > 0 {
		filter.Limit = int(limit)
	}

	executions, listErr := s.store.ListExecutions(ctx, filter)
	if listErr != nil {
		return toolError(listErr), nil
	}
	return marshalResult(map[string]any{"executions": executions})
}

// --- Metrics tools ---

func (s *LoomServer) handleMetricsDashboard(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	ownerID, err := req.RequireString("owner_id")
	if err != nil {
		return mcp.NewToolResultError("owner_id is required"), nil
	}

	metrics, dashErr := s.monitor.Dashboard(ctx, ownerID)
	if dashErr != nil {
		return toolError(dashErr), nil
	}
	return marshalResult(metrics)
}

func (s *LoomServer) handleMetricsWorkflow(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	ownerID, err := req.RequireString("owner_id")
	if err != nil {
		return mcp.NewToolResultError("owner_id is required"), nil
	}

	analytics, wfErr := s.monitor.Workflow(ctx, workflowID, ownerID)
	if wfErr != nil {
		return toolError(wfErr), nil
	}
	return marshalResult(analytics)
}

func (s *LoomServer) handleMetricsSchedule(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	scheduleID, err := req.RequireString("schedule_id")
	if err != nil {
		return mcp.NewToolResultError("schedule_id is required"), nil
	}
	ownerID, err := req.RequireString("owner_id")
	if err != nil {
		return mcp.NewToolResultError("owner_id is required"), nil
	}

	analytics, schErr := s.monitor.Schedule(ctx, scheduleID, ownerID)
	if schErr != nil {
		return toolError(schErr), nil
	}
	return marshalResult(analytics)
}

// --- Internal helpers ---

// toolError renders an error as a tool result. Structured errors keep
// their code prefix so callers can branch on it.
func toolError(err error) *mcp.CallToolResult {
	var loomErr *schema.LoomError
	if errors.As(err, &loomErr) {
		return mcp.NewToolResultError(fmt.Sprintf("%s: %s", loomErr.Code, loomErr.Message))
	}
	return mcp.NewToolResultError(err.Error())
}

// extractInt64 reads an integer argument, reporting whether it was present.
func extractInt64(args map[string]any, key string) (int64, bool) {
	v, ok := args[key]
	if !ok {
		return 0, false
	}
	switch val := v.(type) {
	case float64:
		return int64(val), true
	case int:
		return int64(val), true
	case int64:
		return val, true
	case json.Number:
		if n, err := val.Int64(); err == nil {
			return n, true
		}
	}
	return 0, false
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
