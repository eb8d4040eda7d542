// Package store persists workflows, schedules, executions, step results,
// and activity events. The canonical implementation is LibSQLStore backed
// by a local libsql database file.
package store

import (
	"context"
	"time"
)

// Store is the persistence contract for the scheduler and engine.
type Store interface {
	// Migrate brings the database schema up to the current version.
	Migrate(ctx context.Context) error
	Close() error

	// Workflows.
	SaveWorkflow(ctx context.Context, rec *WorkflowRecord) error
	GetWorkflow(ctx context.Context, id string) (*WorkflowRecord, error)
	ListWorkflows(ctx context.Context, ownerID string) ([]*WorkflowRecord, error)
	DeleteWorkflow(ctx context.Context, id string) error

	// Schedules. UpdateSchedule and ClaimSchedule are conditional on the
	// schedule's version; a claim that returns (false, nil) means another
	// writer got there first.
	CreateSchedule(ctx context.Context, s *Schedule) error
	GetSchedule(ctx context.Context, id string) (*Schedule, error)
	ListSchedules(ctx context.Context, f ScheduleFilter) ([]*Schedule, error)
	ListDueSchedules(ctx context.Context, now time.Time, limit int) ([]*Schedule, error)
	ClaimSchedule(ctx context.Context, id string, expectedVersion int64, claim ScheduleClaim) (bool, error)
	UpdateSchedule(ctx context.Context, id string, expectedVersion int64, upd ScheduleUpdate) (*Schedule, error)
	DeleteSchedule(ctx context.Context, id string) error

	// Executions.
	CreateExecution(ctx context.Context, e *Execution) error
	GetExecution(ctx context.Context, id string) (*Execution, error)
	UpdateExecution(ctx context.Context, id string, upd ExecutionUpdate) error
	ListExecutions(ctx context.Context, f ExecutionFilter) ([]*Execution, error)
	CountOpenExecutions(ctx context.Context, scheduleID string) (int, error)

	// Step results.
	UpsertStepResult(ctx context.Context, r *StepResult) error
	ListStepResults(ctx context.Context, executionID string) ([]*StepResult, error)

	// Activity log.
	AppendActivity(ctx context.Context, ev *ActivityEvent) error
	ListActivity(ctx context.Context, f ActivityFilter) ([]*ActivityEvent, error)
}
