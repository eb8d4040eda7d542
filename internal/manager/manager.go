// Package manager owns the schedule lifecycle: create, update, pause,
// resume, delete, and cron validation. Every operation is scoped to the
// owning user; a schedule owned by someone else reports not found rather
// than leaking its existence.
package manager

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/loomery/loom/internal/cronx"
	"github.com/loomery/loom/internal/logging"
	"github.com/loomery/loom/internal/store"
	"github.com/loomery/loom/pkg/schema"
)

// Manager coordinates schedule and workflow operations.
type Manager struct {
	store     store.Store
	cron      *cronx.Engine
	validator *schema.Validator
	logger    *slog.Logger

	now func() time.Time
}

// New creates a Manager.
func New(st store.Store, cron *cronx.Engine, validator *schema.Validator, logger *slog.Logger) *Manager {
	return &Manager{
		store:     st,
		cron:      cron,
		validator: validator,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// CreateScheduleParams carries the fields for a new schedule.
type CreateScheduleParams struct {
	WorkflowID     string
	OwnerID        string
	CronExpression string
	Timezone       string
	InputVariables map[string]any
	MaxRuns        *int64
}

// CreateSchedule validates the workflow, owner, cron expression, and input
// variables, computes the first fire time, and persists the schedule as
// active.
func (m *Manager) CreateSchedule(ctx context.Context, p CreateScheduleParams) (*store.Schedule, error) {
	if p.WorkflowID == "" || p.OwnerID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "workflow_id and owner are required")
	}
	if p.MaxRuns != nil && *p.MaxRuns < 1 {
		return nil, schema.NewError(schema.ErrCodeValidation, "max_runs must be at least 1")
	}

	def, err := m.ownedWorkflowDefinition(ctx, p.WorkflowID, p.OwnerID)
	if err != nil {
		return nil, err
	}
	if err := m.validator.ValidateVariables(p.InputVariables, def.Variables); err != nil {
		return nil, err
	}

	next, err := m.cron.Next(p.CronExpression, p.Timezone, m.now())
	if err != nil {
		return nil, err
	}

	tz := p.Timezone
	if tz == "" {
		tz = "UTC"
	}

	sch := &store.Schedule{
		ID:             uuid.NewString(),
		WorkflowID:     p.WorkflowID,
		OwnerID:        p.OwnerID,
		CronExpression: p.CronExpression,
		Timezone:       tz,
		Status:         schema.ScheduleStatusActive,
		NextRunAt:      &next,
		MaxRuns:        p.MaxRuns,
	}
	if p.InputVariables != nil {
		raw, err := json.Marshal(p.InputVariables)
		if err != nil {
			return nil, fmt.Errorf("marshal input variables: %w", err)
		}
		sch.InputVariables = raw
	}

	if err := m.store.CreateSchedule(ctx, sch); err != nil {
		return nil, schema.NewError(schema.ErrCodeStore, "persist schedule").WithCause(err)
	}

	m.recordActivity(ctx, sch, schema.ActivityScheduleCreated)
	m.logger.InfoContext(logging.WithScheduleID(ctx, sch.ID), "schedule created",
		slog.String("workflow_id", sch.WorkflowID), slog.String("cron", sch.CronExpression),
		slog.Time("next_run_at", next))
	return sch, nil
}

// UpdateScheduleParams is a partial schedule update. Nil fields are left
// unchanged. Version must match the caller's last-read version.
type UpdateScheduleParams struct {
	CronExpression *string
	Timezone       *string
	InputVariables map[string]any
	MaxRuns        *int64
	ClearMaxRuns   bool
	Version        int64
}

// UpdateSchedule re-validates changed cron and timezone fields, recomputes
// the next fire time from now when either changes, and bumps the version.
// A stale Version yields ErrCodeConflict.
func (m *Manager) UpdateSchedule(ctx context.Context, id, ownerID string, p UpdateScheduleParams) (*store.Schedule, error) {
	sch, err := m.ownedSchedule(ctx, id, ownerID)
	if err != nil {
		return nil, err
	}
	if p.Version <= 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "version is required for updates")
	}

	upd := store.ScheduleUpdate{
		CronExpression: p.CronExpression,
		Timezone:       p.Timezone,
		MaxRuns:        p.MaxRuns,
		ClearMaxRuns:   p.ClearMaxRuns,
	}

	if p.InputVariables != nil {
		def, err := m.ownedWorkflowDefinition(ctx, sch.WorkflowID, ownerID)
		if err != nil {
			return nil, err
		}
		if err := m.validator.ValidateVariables(p.InputVariables, def.Variables); err != nil {
			return nil, err
		}
		raw, err := json.Marshal(p.InputVariables)
		if err != nil {
			return nil, fmt.Errorf("marshal input variables: %w", err)
		}
		upd.InputVariables = raw
	}

	// A changed trigger recomputes the fire time from now, not from the
	// old schedule's next_run_at.
	if p.CronExpression != nil || p.Timezone != nil {
		expr := sch.CronExpression
		if p.CronExpression != nil {
			expr = *p.CronExpression
		}
		tz := sch.Timezone
		if p.Timezone != nil {
			tz = *p.Timezone
		}
		next, err := m.cron.Next(expr, tz, m.now())
		if err != nil {
			return nil, err
		}
		if sch.Status == schema.ScheduleStatusActive {
			upd.NextRunAt = &next
		}
	}

	updated, err := m.store.UpdateSchedule(ctx, id, p.Version, upd)
	if err != nil {
		return nil, err
	}

	m.recordActivity(ctx, updated, schema.ActivityScheduleUpdated)
	m.logger.InfoContext(logging.WithScheduleID(ctx, id), "schedule updated",
		slog.Int64("version", updated.Version))
	return updated, nil
}

// PauseSchedule stops future dispatching. The next fire time is cleared;
// in-flight executions are unaffected.
func (m *Manager) PauseSchedule(ctx context.Context, id, ownerID string) (*store.Schedule, error) {
	sch, err := m.ownedSchedule(ctx, id, ownerID)
	if err != nil {
		return nil, err
	}
	if sch.Status != schema.ScheduleStatusActive {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"cannot pause schedule in status %q", sch.Status)
	}

	paused := schema.ScheduleStatusPaused
	updated, err := m.store.UpdateSchedule(ctx, id, sch.Version, store.ScheduleUpdate{
		Status:         &paused,
		ClearNextRunAt: true,
	})
	if err != nil {
		return nil, err
	}

	m.recordActivity(ctx, updated, schema.ActivitySchedulePaused)
	m.logger.InfoContext(logging.WithScheduleID(ctx, id), "schedule paused")
	return updated, nil
}

// ResumeSchedule reactivates a paused schedule. The next fire time is
// recomputed from now; fire times missed while paused are not replayed.
func (m *Manager) ResumeSchedule(ctx context.Context, id, ownerID string) (*store.Schedule, error) {
	sch, err := m.ownedSchedule(ctx, id, ownerID)
	if err != nil {
		return nil, err
	}
	if sch.Status != schema.ScheduleStatusPaused {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"cannot resume schedule in status %q", sch.Status)
	}

	next, err := m.cron.Next(sch.CronExpression, sch.Timezone, m.now())
	if err != nil {
		return nil, err
	}

	active := schema.ScheduleStatusActive
	empty := ""
	updated, err := m.store.UpdateSchedule(ctx, id, sch.Version, store.ScheduleUpdate{
		Status:    &active,
		NextRunAt: &next,
		Error:     &empty,
	})
	if err != nil {
		return nil, err
	}

	m.recordActivity(ctx, updated, schema.ActivityScheduleResumed)
	m.logger.InfoContext(logging.WithScheduleID(ctx, id), "schedule resumed",
		slog.Time("next_run_at", next))
	return updated, nil
}

// DeleteSchedule removes the schedule. In-flight executions run to
// completion.
func (m *Manager) DeleteSchedule(ctx context.Context, id, ownerID string) error {
	sch, err := m.ownedSchedule(ctx, id, ownerID)
	if err != nil {
		return err
	}
	if err := m.store.DeleteSchedule(ctx, id); err != nil {
		return err
	}

	m.recordActivity(ctx, sch, schema.ActivityScheduleDeleted)
	m.logger.InfoContext(logging.WithScheduleID(ctx, id), "schedule deleted")
	return nil
}

// GetSchedule returns a schedule owned by ownerID.
func (m *Manager) GetSchedule(ctx context.Context, id, ownerID string) (*store.Schedule, error) {
	return m.ownedSchedule(ctx, id, ownerID)
}

// ListSchedules returns the owner's schedules, optionally filtered.
func (m *Manager) ListSchedules(ctx context.Context, ownerID string, workflowID string, status schema.ScheduleStatus) ([]*store.Schedule, error) {
	if ownerID == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "owner is required")
	}
	return m.store.ListSchedules(ctx, store.ScheduleFilter{
		OwnerID:    ownerID,
		WorkflowID: workflowID,
		Status:     status,
	})
}

// CronValidation is the result of a dry-run cron check.
type CronValidation struct {
	Valid    bool        `json:"valid"`
	Error    string      `json:"error,omitempty"`
	NextRuns []time.Time `json:"next_runs,omitempty"`
}

// ValidateCronExpression checks an expression and previews up to 5 upcoming
// fire times. Pure read; nothing is persisted.
func (m *Manager) ValidateCronExpression(expression, timezone string) CronValidation {
	times, err := m.cron.Preview(expression, timezone, m.now(), 5)
	if err != nil {
		return CronValidation{Valid: false, Error: err.Error()}
	}
	return CronValidation{Valid: true, NextRuns: times}
}

// ownedSchedule fetches a schedule and enforces ownership. A foreign owner
// gets not found, not forbidden.
func (m *Manager) ownedSchedule(ctx context.Context, id, ownerID string) (*store.Schedule, error) {
	sch, err := m.store.GetSchedule(ctx, id)
	if err != nil {
		return nil, err
	}
	if sch.OwnerID != ownerID {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "schedule %q not found", id)
	}
	return sch, nil
}

func (m *Manager) recordActivity(ctx context.Context, sch *store.Schedule, kind string) {
	if err := m.store.AppendActivity(ctx, &store.ActivityEvent{
		OwnerID:    sch.OwnerID,
		Kind:       kind,
		ScheduleID: sch.ID,
		WorkflowID: sch.WorkflowID,
	}); err != nil {
		m.logger.ErrorContext(ctx, "append activity failed",
			slog.String("kind", kind), slog.String("error", err.Error()))
	}
}
