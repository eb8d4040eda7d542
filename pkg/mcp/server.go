package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/loomery/loom/internal/dispatcher"
	"github.com/loomery/loom/internal/manager"
	"github.com/loomery/loom/internal/monitor"
	"github.com/loomery/loom/internal/store"
)

// LoomServerDeps holds the dependencies for creating a LoomServer.
type LoomServerDeps struct {
	Manager    *manager.Manager
	Dispatcher *dispatcher.Dispatcher
	Monitor    *monitor.Monitor
	Store      store.Store
	Logger     *slog.Logger
}

// LoomServer wraps an MCP server with loom-specific tool handlers.
type LoomServer struct {
	manager    *manager.Manager
	dispatcher *dispatcher.Dispatcher
	monitor    *monitor.Monitor
	store      store.Store
	logger     *slog.Logger
	mcpServer  *server.MCPServer
}

// NewLoomServer creates a LoomServer with all tools registered.
func NewLoomServer(deps LoomServerDeps) *LoomServer {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &LoomServer{
		manager:    deps.Manager,
		dispatcher: deps.Dispatcher,
		monitor:    deps.Monitor,
		store:      deps.Store,
		logger:     logger,
	}

	mcpSrv := server.NewMCPServer(
		"loom",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Loom schedules workflows on cron expressions and runs them step by step. Use workflow.define to register workflows, schedule.create to put them on a cron, run.invoke for one-off runs, and the metrics.* tools to inspect history and upcoming runs."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
func (s *LoomServer) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *LoomServer) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *LoomServer) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: workflowDefineTool(), Handler: s.handleWorkflowDefine},
		{Tool: workflowGetTool(), Handler: s.handleWorkflowGet},
		{Tool: workflowListTool(), Handler: s.handleWorkflowList},
		{Tool: scheduleCreateTool(), Handler: s.handleScheduleCreate},
		{Tool: scheduleGetTool(), Handler: s.handleScheduleGet},
		{Tool: scheduleListTool(), Handler: s.handleScheduleList},
		{Tool: scheduleUpdateTool(), Handler: s.handleScheduleUpdate},
		{Tool: scheduleDeleteTool(), Handler: s.handleScheduleDelete},
		{Tool: schedulePauseTool(), Handler: s.handleSchedulePause},
		{Tool: scheduleResumeTool(), Handler: s.handleScheduleResume},
		{Tool: validateCronTool(), Handler: s.handleValidateCron},
		{Tool: runInvokeTool(), Handler: s.handleRunInvoke},
		{Tool: runGetTool(), Handler: s.handleRunGet},
		{Tool: runListTool(), Handler: s.handleRunList},
		{Tool: metricsDashboardTool(), Handler: s.handleMetricsDashboard},
		{Tool: metricsWorkflowTool(), Handler: s.handleMetricsWorkflow},
		{Tool: metricsScheduleTool(), Handler: s.handleMetricsSchedule},
	}
}

// --- Tool definitions ---

func workflowDefineTool() mcp.Tool {
	return mcp.NewTool("workflow.define",
		mcp.WithDescription("Register a workflow definition, or replace one you own by passing its workflow_id"),
		mcp.WithString("name", mcp.Required(), mcp.Description("Human-readable workflow name")),
		mcp.WithObject("definition", mcp.Required(), mcp.Description("Workflow definition with steps, optional variables schema, and run policy")),
		mcp.WithString("workflow_id", mcp.Description("Existing workflow ID to replace (default: create a new workflow)")),
		mcp.WithString("owner_id", mcp.Required(), mcp.Description("ID of the calling owner")),
	)
}

func workflowGetTool() mcp.Tool {
	return mcp.NewTool("workflow.get",
		mcp.WithDescription("Fetch a workflow definition you own"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow")),
		mcp.WithString("owner_id", mcp.Required(), mcp.Description("ID of the calling owner")),
	)
}

func workflowListTool() mcp.Tool {
	return mcp.NewTool("workflow.list",
		mcp.WithDescription("List workflows you own"),
		mcp.WithString("owner_id", mcp.Required(), mcp.Description("ID of the calling owner")),
	)
}

func scheduleCreateTool() mcp.Tool {
	return mcp.NewTool("schedule.create",
		mcp.WithDescription("Create a cron schedule for a workflow you own"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow to schedule")),
		mcp.WithString("cron_expression", mcp.Required(), mcp.Description("Five-field cron expression (minute hour day-of-month month day-of-week)")),
		mcp.WithString("timezone", mcp.Description("IANA timezone name (default: UTC)")),
		mcp.WithObject("input_variables", mcp.Description("Input variables passed to every run, validated against the workflow's variables schema")),
		mcp.WithNumber("max_runs", mcp.Description("Retire the schedule after this many runs")),
		mcp.WithString("owner_id", mcp.Required(), mcp.Description("ID of the calling owner")),
	)
}

func scheduleGetTool() mcp.Tool {
	return mcp.NewTool("schedule.get",
		mcp.WithDescription("Fetch a schedule you own"),
		mcp.WithString("schedule_id", mcp.Required(), mcp.Description("ID of the schedule")),
		mcp.WithString("owner_id", mcp.Required(), mcp.Description("ID of the calling owner")),
	)
}

func scheduleListTool() mcp.Tool {
	return mcp.NewTool("schedule.list",
		mcp.WithDescription("List schedules you own"),
		mcp.WithString("owner_id", mcp.Required(), mcp.Description("ID of the calling owner")),
		mcp.WithString("workflow_id", mcp.Description("Only schedules for this workflow")),
		mcp.WithString("status", mcp.Description("Only schedules in this status"),
			mcp.Enum("active", "paused", "completed", "failed"),
		),
	)
}

func scheduleUpdateTool() mcp.Tool {
	return mcp.NewTool("schedule.update",
		mcp.WithDescription("Update a schedule you own. Requires the schedule's current version; a stale version is rejected"),
		mcp.WithString("schedule_id", mcp.Required(), mcp.Description("ID of the schedule")),
		mcp.WithNumber("version", mcp.Required(), mcp.Description("Version the caller last read; the update fails if the schedule changed since")),
		mcp.WithString("cron_expression", mcp.Description("New cron expression")),
		mcp.WithString("timezone", mcp.Description("New IANA timezone name")),
		mcp.WithObject("input_variables", mcp.Description("Replacement input variables")),
		mcp.WithNumber("max_runs", mcp.Description("New run limit; pass 0 to remove the limit")),
		mcp.WithString("owner_id", mcp.Required(), mcp.Description("ID of the calling owner")),
	)
}

func scheduleDeleteTool() mcp.Tool {
	return mcp.NewTool("schedule.delete",
		mcp.WithDescription("Delete a schedule you own. Past executions are kept"),
		mcp.WithString("schedule_id", mcp.Required(), mcp.Description("ID of the schedule")),
		mcp.WithString("owner_id", mcp.Required(), mcp.Description("ID of the calling owner")),
	)
}

func schedulePauseTool() mcp.Tool {
	return mcp.NewTool("schedule.pause",
		mcp.WithDescription("Pause an active schedule. Occurrences while paused are not replayed on resume"),
		mcp.WithString("schedule_id", mcp.Required(), mcp.Description("ID of the schedule")),
		mcp.WithString("owner_id", mcp.Required(), mcp.Description("ID of the calling owner")),
	)
}

func scheduleResumeTool() mcp.Tool {
	return mcp.NewTool("schedule.resume",
		mcp.WithDescription("Resume a paused schedule. The next fire time is computed from now"),
		mcp.WithString("schedule_id", mcp.Required(), mcp.Description("ID of the schedule")),
		mcp.WithString("owner_id", mcp.Required(), mcp.Description("ID of the calling owner")),
	)
}

func validateCronTool() mcp.Tool {
	return mcp.NewTool("schedule.validate_cron",
		mcp.WithDescription("Validate a cron expression and preview its next fire times without creating anything"),
		mcp.WithString("cron_expression", mcp.Required(), mcp.Description("Five-field cron expression to check")),
		mcp.WithString("timezone", mcp.Description("IANA timezone name (default: UTC)")),
	)
}

func runInvokeTool() mcp.Tool {
	return mcp.NewTool("run.invoke",
		mcp.WithDescription("Run a workflow you own once, immediately, outside any schedule"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow to run")),
		mcp.WithObject("input_variables", mcp.Description("Input variables for this run")),
		mcp.WithString("run_name", mcp.Description("Label for the run (default: derived from the workflow name)")),
		mcp.WithString("owner_id", mcp.Required(), mcp.Description("ID of the calling owner")),
	)
}

func runGetTool() mcp.Tool {
	return mcp.NewTool("run.get",
		mcp.WithDescription("Fetch one execution with its per-step results"),
		mcp.WithString("execution_id", mcp.Required(), mcp.Description("ID of the execution")),
		mcp.WithString("owner_id", mcp.Required(), mcp.Description("ID of the calling owner")),
	)
}

func runListTool() mcp.Tool {
	return mcp.NewTool("run.list",
		mcp.WithDescription("List executions you own"),
		mcp.WithString("owner_id", mcp.Required(), mcp.Description("ID of the calling owner")),
		mcp.WithString("workflow_id", mcp.Description("Only executions of this workflow")),
		mcp.WithString("schedule_id", mcp.Description("Only executions launched by this schedule")),
		mcp.WithString("status", mcp.Description("Only executions in this status"),
			mcp.Enum("pending", "running", "completed", "failed", "timed_out", "cancelled"),
		),
		mcp.WithNumber("limit", mcp.Description("Maximum rows to return (default: 50)")),
	)
}

func metricsDashboardTool() mcp.Tool {
	return mcp.NewTool("metrics.dashboard",
		mcp.WithDescription("Owner-wide overview: schedule counts, execution outcomes, success rate, recent activity"),
		mcp.WithString("owner_id", mcp.Required(), mcp.Description("ID of the calling owner")),
	)
}

func metricsWorkflowTool() mcp.Tool {
	return mcp.NewTool("metrics.workflow",
		mcp.WithDescription("Run history, average duration, and upcoming fire times for one workflow"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow")),
		mcp.WithString("owner_id", mcp.Required(), mcp.Description("ID of the calling owner")),
	)
}

func metricsScheduleTool() mcp.Tool {
	return mcp.NewTool("metrics.schedule",
		mcp.WithDescription("Run history and upcoming fire times for one schedule"),
		mcp.WithString("schedule_id", mcp.Required(), mcp.Description("ID of the schedule")),
		mcp.WithString("owner_id", mcp.Required(), mcp.Description("ID of the calling owner")),
	)
}
