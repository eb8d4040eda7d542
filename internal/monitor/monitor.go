// Package monitor aggregates schedule, execution, and step data into
// owner-scoped read models. It never mutates state: upcoming fire times
// are previewed from the cron expression, not written back.
package monitor

import (
	"context"
	"sort"
	"time"

	"github.com/loomery/loom/internal/cronx"
	"github.com/loomery/loom/internal/store"
	"github.com/loomery/loom/pkg/schema"
)

const (
	aggregationLimit    = 1000
	recentActivityLimit = 10
	lastRunCount        = 10
	upcomingRunCount    = 5
)

// Monitor computes read-only analytics over the store.
type Monitor struct {
	store store.Store
	cron  *cronx.Engine
	now   func() time.Time
}

// New creates a Monitor.
func New(st store.Store, cron *cronx.Engine) *Monitor {
	return &Monitor{
		store: st,
		cron:  cron,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// ScheduleCounts breaks schedules down by status.
type ScheduleCounts struct {
	Active    int `json:"active"`
	Paused    int `json:"paused"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Total     int `json:"total"`
}

// ExecutionCounts breaks executions down by outcome.
type ExecutionCounts struct {
	Total       int     `json:"total"`
	Open        int     `json:"open"`
	Completed   int     `json:"completed"`
	Failed      int     `json:"failed"`
	TimedOut    int     `json:"timed_out"`
	Cancelled   int     `json:"cancelled"`
	SuccessRate float64 `json:"success_rate"`
}

// DashboardMetrics is the owner-wide overview.
type DashboardMetrics struct {
	Schedules      ScheduleCounts         `json:"schedules"`
	Executions     ExecutionCounts        `json:"executions"`
	RecentActivity []*store.ActivityEvent `json:"recent_activity"`
	GeneratedAt    time.Time              `json:"generated_at"`
}

// TrendPoint is one day's failure rate within the aggregation window.
type TrendPoint struct {
	Day         string  `json:"day"`
	Total       int     `json:"total"`
	Failed      int     `json:"failed"`
	FailureRate float64 `json:"failure_rate"`
}

// WorkflowAnalytics describes one workflow's run history and what comes next.
type WorkflowAnalytics struct {
	WorkflowID       string            `json:"workflow_id"`
	Name             string            `json:"name"`
	Executions       ExecutionCounts   `json:"executions"`
	AvgDurationMs    *int64            `json:"avg_duration_ms,omitempty"`
	LastRunAt        *time.Time        `json:"last_run_at,omitempty"`
	LastRunStatus    string            `json:"last_run_status,omitempty"`
	FailureRateTrend []TrendPoint      `json:"failure_rate_trend"`
	UpcomingRuns     []time.Time       `json:"upcoming_runs"`
	Schedules        []*store.Schedule `json:"schedules"`
}

// ScheduleAnalytics describes one schedule's run history and what comes next.
type ScheduleAnalytics struct {
	Schedule     *store.Schedule    `json:"schedule"`
	Executions   ExecutionCounts    `json:"executions"`
	LastRuns     []*store.Execution `json:"last_runs"`
	UpcomingRuns []time.Time        `json:"upcoming_runs"`
}

// Dashboard returns the owner-wide overview.
func (m *Monitor) Dashboard(ctx context.Context, ownerID string) (*DashboardMetrics, error) {
	schedules, err := m.store.ListSchedules(ctx, store.ScheduleFilter{OwnerID: ownerID, Limit: aggregationLimit})
	if err != nil {
		return nil, err
	}
	executions, err := m.store.ListExecutions(ctx, store.ExecutionFilter{OwnerID: ownerID, Limit: aggregationLimit})
	if err != nil {
		return nil, err
	}
	activity, err := m.store.ListActivity(ctx, store.ActivityFilter{OwnerID: ownerID, Limit: recentActivityLimit})
	if err != nil {
		return nil, err
	}

	metrics := &DashboardMetrics{
		Executions:     countExecutions(executions),
		RecentActivity: activity,
		GeneratedAt:    m.now(),
	}
	for _, sch := range schedules {
		metrics.Schedules.Total++
		switch sch.Status {
		case schema.ScheduleStatusActive:
			metrics.Schedules.Active++
		case schema.ScheduleStatusPaused:
			metrics.Schedules.Paused++
		case schema.ScheduleStatusCompleted:
			metrics.Schedules.Completed++
		case schema.ScheduleStatusFailed:
			metrics.Schedules.Failed++
		}
	}
	return metrics, nil
}

// Workflow returns run history and upcoming fire times for one workflow.
func (m *Monitor) Workflow(ctx context.Context, workflowID, ownerID string) (*WorkflowAnalytics, error) {
	rec, err := m.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if rec.OwnerID != ownerID {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "workflow %q not found", workflowID)
	}

	executions, err := m.store.ListExecutions(ctx, store.ExecutionFilter{
		WorkflowID: workflowID,
		Limit:      aggregationLimit,
	})
	if err != nil {
		return nil, err
	}
	schedules, err := m.store.ListSchedules(ctx, store.ScheduleFilter{
		WorkflowID: workflowID,
		Limit:      aggregationLimit,
	})
	if err != nil {
		return nil, err
	}

	analytics := &WorkflowAnalytics{
		WorkflowID: workflowID,
		Name:       rec.Name,
		Executions: countExecutions(executions),
		Schedules:  schedules,
	}
	if avg, ok := averageDurationMs(executions); ok {
		analytics.AvgDurationMs = &avg
	}
	if last := latestExecution(executions); last != nil {
		started := last.StartedAt
		analytics.LastRunAt = &started
		analytics.LastRunStatus = string(last.Status)
	}
	analytics.FailureRateTrend = failureTrend(executions)
	analytics.UpcomingRuns = m.upcomingAcross(schedules)
	return analytics, nil
}

// Schedule returns run history and upcoming fire times for one schedule.
func (m *Monitor) Schedule(ctx context.Context, scheduleID, ownerID string) (*ScheduleAnalytics, error) {
	sch, err := m.store.GetSchedule(ctx, scheduleID)
	if err != nil {
		return nil, err
	}
	if sch.OwnerID != ownerID {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "schedule %q not found", scheduleID)
	}

	executions, err := m.store.ListExecutions(ctx, store.ExecutionFilter{
		ScheduleID: scheduleID,
		Limit:      aggregationLimit,
	})
	if err != nil {
		return nil, err
	}

	analytics := &ScheduleAnalytics{
		Schedule:     sch,
		Executions:   countExecutions(executions),
		LastRuns:     lastRuns(executions, lastRunCount),
		UpcomingRuns: m.upcoming(sch, upcomingRunCount),
	}
	return analytics, nil
}

// upcoming previews the next fire times for an active schedule. A schedule
// close to its run limit previews only the runs it has left.
func (m *Monitor) upcoming(sch *store.Schedule, count int) []time.Time {
	if sch.Status != schema.ScheduleStatusActive {
		return nil
	}
	if sch.MaxRuns != nil {
		remaining := *sch.MaxRuns - sch.RunCount
		if remaining <= 0 {
			return nil
		}
		if int64(count) > remaining {
			count = int(remaining)
		}
	}
	runs, err := m.cron.Preview(sch.CronExpression, sch.Timezone, m.now(), count)
	if err != nil {
		return nil
	}
	return runs
}

// upcomingAcross merges previews from every active schedule of a workflow
// into one sorted horizon.
func (m *Monitor) upcomingAcross(schedules []*store.Schedule) []time.Time {
	var merged []time.Time
	for _, sch := range schedules {
		merged = append(merged, m.upcoming(sch, upcomingRunCount)...)
	}
	sort.Slice(merged, func(i, j int) bool { return merged[i].Before(merged[j]) })
	if len(merged) > upcomingRunCount {
		merged = merged[:upcomingRunCount]
	}
	return merged
}

func countExecutions(executions []*store.Execution) ExecutionCounts {
	var counts ExecutionCounts
	for _, exec := range executions {
		counts.Total++
		switch exec.Status {
		case schema.ExecutionStatusCompleted:
			counts.Completed++
		case schema.ExecutionStatusFailed:
			counts.Failed++
		case schema.ExecutionStatusTimedOut:
			counts.TimedOut++
		case schema.ExecutionStatusCancelled:
			counts.Cancelled++
		default:
			counts.Open++
		}
	}
	finished := counts.Completed + counts.Failed + counts.TimedOut
	if finished > 0 {
		counts.SuccessRate = float64(counts.Completed) / float64(finished)
	}
	return counts
}

func averageDurationMs(executions []*store.Execution) (int64, bool) {
	var total int64
	var n int64
	for _, exec := range executions {
		if exec.CompletedAt == nil {
			continue
		}
		total += exec.CompletedAt.Sub(exec.StartedAt).Milliseconds()
		n++
	}
	if n == 0 {
		return 0, false
	}
	return total / n, true
}

// failureTrend buckets terminal executions by UTC day, oldest first.
// Timeouts count as failures.
func failureTrend(executions []*store.Execution) []TrendPoint {
	buckets := make(map[string]*TrendPoint)
	for _, exec := range executions {
		if !exec.Status.Terminal() {
			continue
		}
		day := exec.StartedAt.UTC().Format("2006-01-02")
		point, ok := buckets[day]
		if !ok {
			point = &TrendPoint{Day: day}
			buckets[day] = point
		}
		point.Total++
		if exec.Status != schema.ExecutionStatusCompleted {
			point.Failed++
		}
	}

	trend := make([]TrendPoint, 0, len(buckets))
	for _, point := range buckets {
		point.FailureRate = float64(point.Failed) / float64(point.Total)
		trend = append(trend, *point)
	}
	sort.Slice(trend, func(i, j int) bool { return trend[i].Day < trend[j].Day })
	return trend
}

// lastRuns returns the most recent executions, newest first.
func lastRuns(executions []*store.Execution, count int) []*store.Execution {
	sorted := make([]*store.Execution, len(executions))
	copy(sorted, executions)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].StartedAt.After(sorted[j].StartedAt) })
	if len(sorted) > count {
		sorted = sorted[:count]
	}
	return sorted
}

func latestExecution(executions []*store.Execution) *store.Execution {
	var latest *store.Execution
	for _, exec := range executions {
		if latest == nil || exec.StartedAt.After(latest.StartedAt) {
			latest = exec
		}
	}
	return latest
}
