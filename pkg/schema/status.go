package schema

// ScheduleStatus represents the lifecycle state of a schedule.
type ScheduleStatus string

const (
	ScheduleStatusActive    ScheduleStatus = "active"
	ScheduleStatusPaused    ScheduleStatus = "paused"
	ScheduleStatusCompleted ScheduleStatus = "completed"
	ScheduleStatusFailed    ScheduleStatus = "failed"
)

// ExecutionStatus represents the lifecycle state of an execution.
type ExecutionStatus string

const (
	ExecutionStatusPending   ExecutionStatus = "pending"
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
	ExecutionStatusTimedOut  ExecutionStatus = "timed_out"
	ExecutionStatusCancelled ExecutionStatus = "cancelled"
)

// Terminal reports whether the execution status is final.
func (s ExecutionStatus) Terminal() bool {
	switch s {
	case ExecutionStatusCompleted, ExecutionStatusFailed, ExecutionStatusTimedOut, ExecutionStatusCancelled:
		return true
	}
	return false
}

// StepStatus represents the lifecycle state of a step result.
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusRunning   StepStatus = "running"
	StepStatusSucceeded StepStatus = "succeeded"
	StepStatusFailed    StepStatus = "failed"
	StepStatusSkipped   StepStatus = "skipped"
)

// Terminal reports whether the step status is final.
func (s StepStatus) Terminal() bool {
	return s == StepStatusSucceeded || s == StepStatusFailed || s == StepStatusSkipped
}

// TriggerKind distinguishes how an execution was started.
type TriggerKind string

const (
	TriggerScheduled TriggerKind = "scheduled"
	TriggerManual    TriggerKind = "manual"
)

// Activity event kinds for the activity log.
const (
	ActivityScheduleCreated   = "schedule_created"
	ActivityScheduleUpdated   = "schedule_updated"
	ActivitySchedulePaused    = "schedule_paused"
	ActivityScheduleResumed   = "schedule_resumed"
	ActivityScheduleDeleted   = "schedule_deleted"
	ActivityScheduleCompleted = "schedule_completed"
	ActivityScheduleFailed    = "schedule_failed"

	ActivityExecutionStarted   = "execution_started"
	ActivityExecutionCompleted = "execution_completed"
	ActivityExecutionFailed    = "execution_failed"
	ActivityExecutionTimedOut  = "execution_timed_out"

	ActivityStepStarted   = "step_started"
	ActivityStepSucceeded = "step_succeeded"
	ActivityStepFailed    = "step_failed"
	ActivityStepSkipped   = "step_skipped"
	ActivityStepRetrying  = "step_retrying"
)

// ValidExecutionTransitions defines the allowed state transitions for executions.
var ValidExecutionTransitions = map[ExecutionStatus][]ExecutionStatus{
	ExecutionStatusPending:   {ExecutionStatusRunning, ExecutionStatusCancelled},
	ExecutionStatusRunning:   {ExecutionStatusCompleted, ExecutionStatusFailed, ExecutionStatusTimedOut, ExecutionStatusCancelled},
	ExecutionStatusCompleted: {},
	ExecutionStatusFailed:    {},
	ExecutionStatusTimedOut:  {},
	ExecutionStatusCancelled: {},
}

// ValidStepTransitions defines the allowed state transitions for step results.
var ValidStepTransitions = map[StepStatus][]StepStatus{
	StepStatusPending:   {StepStatusRunning, StepStatusSkipped},
	StepStatusRunning:   {StepStatusSucceeded, StepStatusFailed, StepStatusSkipped},
	StepStatusSucceeded: {},
	StepStatusFailed:    {},
	StepStatusSkipped:   {},
}

// CanTransitionExecution reports whether from -> to is a legal execution transition.
func CanTransitionExecution(from, to ExecutionStatus) bool {
	for _, a := range ValidExecutionTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}

// CanTransitionStep reports whether from -> to is a legal step transition.
func CanTransitionStep(from, to StepStatus) bool {
	for _, a := range ValidStepTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}
