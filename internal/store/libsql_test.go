package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomery/loom/pkg/schema"
)

func newTestStore(t *testing.T) *LibSQLStore {
	t.Helper()
	dbPath := "file:" + filepath.Join(t.TempDir(), "loom_test.db")
	s, err := NewLibSQLStore(dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testSchedule(workflowID string) *Schedule {
	next := time.Now().UTC().Add(time.Hour).Truncate(time.Second)
	return &Schedule{
		ID:             uuid.NewString(),
		WorkflowID:     workflowID,
		OwnerID:        "user-1",
		CronExpression: "0 9 * * *",
		Timezone:       "UTC",
		Status:         schema.ScheduleStatusActive,
		NextRunAt:      &next,
		InputVariables: json.RawMessage(`{"region":"eu-west-1"}`),
	}
}

func TestWorkflowSaveGetList(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rec := &WorkflowRecord{
		ID:         uuid.NewString(),
		OwnerID:    "user-1",
		Name:       "nightly-report",
		Definition: json.RawMessage(`{"steps":[{"id":"fetch","type":"http"}]}`),
	}
	require.NoError(t, s.SaveWorkflow(ctx, rec))

	got, err := s.GetWorkflow(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "nightly-report", got.Name)
	assert.JSONEq(t, string(rec.Definition), string(got.Definition))

	// Save again acts as upsert.
	rec.Name = "nightly-report-v2"
	require.NoError(t, s.SaveWorkflow(ctx, rec))
	got, err = s.GetWorkflow(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "nightly-report-v2", got.Name)

	list, err := s.ListWorkflows(ctx, "user-1")
	require.NoError(t, err)
	assert.Len(t, list, 1)

	list, err = s.ListWorkflows(ctx, "someone-else")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestGetWorkflowNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetWorkflow(context.Background(), "nope")
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

func TestScheduleCreateGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sch := testSchedule("wf-1")
	require.NoError(t, s.CreateSchedule(ctx, sch))

	got, err := s.GetSchedule(ctx, sch.ID)
	require.NoError(t, err)
	assert.Equal(t, sch.CronExpression, got.CronExpression)
	assert.Equal(t, schema.ScheduleStatusActive, got.Status)
	assert.Equal(t, int64(1), got.Version)
	require.NotNil(t, got.NextRunAt)
	assert.WithinDuration(t, *sch.NextRunAt, *got.NextRunAt, time.Second)
	assert.JSONEq(t, `{"region":"eu-west-1"}`, string(got.InputVariables))
	assert.Nil(t, got.MaxRuns)
}

func TestListDueSchedules(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	due := testSchedule("wf-1")
	past := now.Add(-time.Minute)
	due.NextRunAt = &past
	require.NoError(t, s.CreateSchedule(ctx, due))

	future := testSchedule("wf-1")
	require.NoError(t, s.CreateSchedule(ctx, future))

	paused := testSchedule("wf-1")
	paused.Status = schema.ScheduleStatusPaused
	paused.NextRunAt = &past
	require.NoError(t, s.CreateSchedule(ctx, paused))

	got, err := s.ListDueSchedules(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, due.ID, got[0].ID)
}

func TestClaimScheduleExactlyOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sch := testSchedule("wf-1")
	require.NoError(t, s.CreateSchedule(ctx, sch))

	next := time.Now().UTC().Add(24 * time.Hour)
	claim := ScheduleClaim{
		LastRunAt: time.Now().UTC(),
		NextRunAt: &next,
		Status:    schema.ScheduleStatusActive,
	}

	ok, err := s.ClaimSchedule(ctx, sch.ID, 1, claim)
	require.NoError(t, err)
	assert.True(t, ok)

	// A second claimant holding the same observed version loses.
	ok, err = s.ClaimSchedule(ctx, sch.ID, 1, claim)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := s.GetSchedule(ctx, sch.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.RunCount)
	assert.Equal(t, int64(2), got.Version)
	require.NotNil(t, got.LastRunAt)
}

func TestClaimScheduleRetires(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sch := testSchedule("wf-1")
	maxRuns := int64(1)
	sch.MaxRuns = &maxRuns
	require.NoError(t, s.CreateSchedule(ctx, sch))

	ok, err := s.ClaimSchedule(ctx, sch.ID, 1, ScheduleClaim{
		LastRunAt: time.Now().UTC(),
		NextRunAt: nil,
		Status:    schema.ScheduleStatusCompleted,
	})
	require.NoError(t, err)
	require.True(t, ok)

	got, err := s.GetSchedule(ctx, sch.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ScheduleStatusCompleted, got.Status)
	assert.Nil(t, got.NextRunAt)

	// A retired schedule cannot be claimed again.
	ok, err = s.ClaimSchedule(ctx, sch.ID, got.Version, ScheduleClaim{LastRunAt: time.Now().UTC(), Status: schema.ScheduleStatusCompleted})
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestUpdateScheduleVersionConflict(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sch := testSchedule("wf-1")
	require.NoError(t, s.CreateSchedule(ctx, sch))

	paused := schema.ScheduleStatusPaused
	updated, err := s.UpdateSchedule(ctx, sch.ID, 1, ScheduleUpdate{Status: &paused, ClearNextRunAt: true})
	require.NoError(t, err)
	assert.Equal(t, schema.ScheduleStatusPaused, updated.Status)
	assert.Nil(t, updated.NextRunAt)
	assert.Equal(t, int64(2), updated.Version)

	// Stale version loses.
	_, err = s.UpdateSchedule(ctx, sch.ID, 1, ScheduleUpdate{Status: &paused})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeConflict))

	// Unknown schedule reports not found.
	_, err = s.UpdateSchedule(ctx, "nope", 1, ScheduleUpdate{Status: &paused})
	require.Error(t, err)
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

func TestDeleteSchedule(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sch := testSchedule("wf-1")
	require.NoError(t, s.CreateSchedule(ctx, sch))
	require.NoError(t, s.DeleteSchedule(ctx, sch.ID))

	_, err := s.GetSchedule(ctx, sch.ID)
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))

	err = s.DeleteSchedule(ctx, sch.ID)
	assert.True(t, schema.IsCode(err, schema.ErrCodeNotFound))
}

func TestExecutionLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	schedID := uuid.NewString()
	exec := &Execution{
		ID:         uuid.NewString(),
		ScheduleID: &schedID,
		WorkflowID: "wf-1",
		OwnerID:    "user-1",
		RunName:    "nightly-report #1",
		Trigger:    schema.TriggerScheduled,
	}
	require.NoError(t, s.CreateExecution(ctx, exec))

	got, err := s.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.ExecutionStatusPending, got.Status)
	require.NotNil(t, got.ScheduleID)
	assert.Equal(t, schedID, *got.ScheduleID)

	open, err := s.CountOpenExecutions(ctx, schedID)
	require.NoError(t, err)
	assert.Equal(t, 1, open)

	running := schema.ExecutionStatusRunning
	require.NoError(t, s.UpdateExecution(ctx, exec.ID, ExecutionUpdate{Status: &running}))

	completed := schema.ExecutionStatusCompleted
	now := time.Now().UTC()
	require.NoError(t, s.UpdateExecution(ctx, exec.ID, ExecutionUpdate{Status: &completed, CompletedAt: &now}))

	open, err = s.CountOpenExecutions(ctx, schedID)
	require.NoError(t, err)
	assert.Zero(t, open)

	list, err := s.ListExecutions(ctx, ExecutionFilter{ScheduleID: schedID})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, schema.ExecutionStatusCompleted, list[0].Status)
	require.NotNil(t, list[0].CompletedAt)
}

func TestManualExecutionHasNoSchedule(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	exec := &Execution{
		ID:         uuid.NewString(),
		WorkflowID: "wf-1",
		OwnerID:    "user-1",
		RunName:    "manual run",
		Trigger:    schema.TriggerManual,
	}
	require.NoError(t, s.CreateExecution(ctx, exec))

	got, err := s.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Nil(t, got.ScheduleID)
	assert.Equal(t, schema.TriggerManual, got.Trigger)
}

func TestStepResultUpsertAndOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	execID := uuid.NewString()

	first := &StepResult{ExecutionID: execID, StepID: "fetch", Position: 0, Status: schema.StepStatusRunning, AttemptCount: 1}
	second := &StepResult{ExecutionID: execID, StepID: "notify", Position: 1, Status: schema.StepStatusPending}
	require.NoError(t, s.UpsertStepResult(ctx, second))
	require.NoError(t, s.UpsertStepResult(ctx, first))

	// Second write for the same step replaces the row.
	done := time.Now().UTC()
	dur := int64(420)
	first.Status = schema.StepStatusSucceeded
	first.Output = json.RawMessage(`{"rows":12}`)
	first.CompletedAt = &done
	first.DurationMs = &dur
	require.NoError(t, s.UpsertStepResult(ctx, first))

	results, err := s.ListStepResults(ctx, execID)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "fetch", results[0].StepID)
	assert.Equal(t, schema.StepStatusSucceeded, results[0].Status)
	assert.JSONEq(t, `{"rows":12}`, string(results[0].Output))
	assert.Equal(t, 1, results[0].AttemptCount)
	assert.Equal(t, "notify", results[1].StepID)
}

func TestActivityLog(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, s.AppendActivity(ctx, &ActivityEvent{
			OwnerID:    "user-1",
			Kind:       schema.ActivityExecutionStarted,
			ScheduleID: "sched-1",
		}))
	}
	require.NoError(t, s.AppendActivity(ctx, &ActivityEvent{
		OwnerID: "user-2",
		Kind:    schema.ActivityScheduleCreated,
	}))

	events, err := s.ListActivity(ctx, ActivityFilter{OwnerID: "user-1"})
	require.NoError(t, err)
	assert.Len(t, events, 3)

	events, err = s.ListActivity(ctx, ActivityFilter{OwnerID: "user-1", Limit: 2})
	require.NoError(t, err)
	assert.Len(t, events, 2)
	// Newest first.
	assert.Greater(t, events[0].ID, events[1].ID)

	events, err = s.ListActivity(ctx, ActivityFilter{Kind: schema.ActivityScheduleCreated})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "user-2", events[0].OwnerID)
}
