package store

import (
	"encoding/json"
	"time"

	"github.com/loomery/loom/pkg/schema"
)

// WorkflowRecord is a stored workflow definition with ownership metadata.
// Definition is the raw WorkflowDefinition JSON; callers unmarshal it into
// schema.WorkflowDefinition when they need the parsed form.
type WorkflowRecord struct {
	ID         string          `json:"id"`
	OwnerID    string          `json:"owner_id"`
	Name       string          `json:"name"`
	Definition json.RawMessage `json:"definition"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// Schedule is a recurring trigger bound to one workflow. Version is a
// monotonic counter bumped on every write; conditional updates against it
// provide optimistic concurrency.
type Schedule struct {
	ID             string                `json:"id"`
	WorkflowID     string                `json:"workflow_id"`
	OwnerID        string                `json:"owner_id"`
	CronExpression string                `json:"cron_expression"`
	Timezone       string                `json:"timezone"`
	Status         schema.ScheduleStatus `json:"status"`
	NextRunAt      *time.Time            `json:"next_run_at,omitempty"`
	LastRunAt      *time.Time            `json:"last_run_at,omitempty"`
	RunCount       int64                 `json:"run_count"`
	MaxRuns        *int64                `json:"max_runs,omitempty"`
	InputVariables json.RawMessage       `json:"input_variables,omitempty"`
	Error          string                `json:"error,omitempty"`
	CreatedAt      time.Time             `json:"created_at"`
	UpdatedAt      time.Time             `json:"updated_at"`
	Version        int64                 `json:"version"`
}

// Exhausted reports whether the schedule has reached its run limit.
func (s *Schedule) Exhausted() bool {
	return s.MaxRuns != nil && s.RunCount >= *s.MaxRuns
}

// Execution is one concrete run of a workflow, scheduled or manual.
// ScheduleID is nil for manual runs.
type Execution struct {
	ID             string                 `json:"id"`
	ScheduleID     *string                `json:"schedule_id,omitempty"`
	WorkflowID     string                 `json:"workflow_id"`
	OwnerID        string                 `json:"owner_id"`
	RunName        string                 `json:"run_name"`
	Trigger        schema.TriggerKind     `json:"trigger"`
	Status         schema.ExecutionStatus `json:"status"`
	InputVariables json.RawMessage        `json:"input_variables,omitempty"`
	Error          string                 `json:"error,omitempty"`
	StartedAt      time.Time              `json:"started_at"`
	CompletedAt    *time.Time             `json:"completed_at,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
}

// StepResult records the outcome of one step within an execution.
// Position preserves the declared step order for listing.
type StepResult struct {
	ExecutionID  string            `json:"execution_id"`
	StepID       string            `json:"step_id"`
	Position     int               `json:"position"`
	Status       schema.StepStatus `json:"status"`
	Output       json.RawMessage   `json:"output,omitempty"`
	Error        string            `json:"error,omitempty"`
	AttemptCount int               `json:"attempt_count"`
	StartedAt    *time.Time        `json:"started_at,omitempty"`
	CompletedAt  *time.Time        `json:"completed_at,omitempty"`
	DurationMs   *int64            `json:"duration_ms,omitempty"`
}

// ActivityEvent is an append-only audit record of scheduler and engine
// lifecycle events.
type ActivityEvent struct {
	ID          int64           `json:"id"`
	OwnerID     string          `json:"owner_id"`
	Kind        string          `json:"kind"`
	ScheduleID  string          `json:"schedule_id,omitempty"`
	ExecutionID string          `json:"execution_id,omitempty"`
	WorkflowID  string          `json:"workflow_id,omitempty"`
	StepID      string          `json:"step_id,omitempty"`
	Detail      json.RawMessage `json:"detail,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// ScheduleFilter narrows ListSchedules. Zero values mean "any".
type ScheduleFilter struct {
	OwnerID    string
	WorkflowID string
	Status     schema.ScheduleStatus
	Limit      int
	Offset     int
}

// ScheduleUpdate is a partial update applied under optimistic concurrency.
// Nil pointer fields are left untouched; the Clear flags set their nullable
// column to NULL.
type ScheduleUpdate struct {
	CronExpression *string
	Timezone       *string
	Status         *schema.ScheduleStatus
	NextRunAt      *time.Time
	ClearNextRunAt bool
	LastRunAt      *time.Time
	InputVariables json.RawMessage
	MaxRuns        *int64
	ClearMaxRuns   bool
	Error          *string
}

// ScheduleClaim is the atomic state change applied when a dispatcher wins
// a due schedule occurrence: run accounting plus the recomputed next fire
// time. A nil NextRunAt with a non-active Status retires the schedule.
type ScheduleClaim struct {
	LastRunAt time.Time
	NextRunAt *time.Time
	Status    schema.ScheduleStatus
}

// ExecutionFilter narrows ListExecutions. Zero values mean "any".
type ExecutionFilter struct {
	OwnerID    string
	WorkflowID string
	ScheduleID string
	Status     schema.ExecutionStatus
	Limit      int
	Offset     int
}

// ExecutionUpdate is a partial update to an execution row.
type ExecutionUpdate struct {
	Status      *schema.ExecutionStatus
	Error       *string
	CompletedAt *time.Time
}

// ActivityFilter narrows ListActivity. Zero values mean "any".
type ActivityFilter struct {
	OwnerID     string
	ScheduleID  string
	ExecutionID string
	Kind        string
	Since       time.Time
	Limit       int
}
