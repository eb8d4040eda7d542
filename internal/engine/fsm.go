package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/loomery/loom/internal/store"
	"github.com/loomery/loom/pkg/schema"
)

// transitionExecution validates and persists an execution status change,
// updating the in-memory record on success.
func (e *Engine) transitionExecution(ctx context.Context, exec *store.Execution, to schema.ExecutionStatus, errMsg string) error {
	if !schema.CanTransitionExecution(exec.Status, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"execution %q cannot transition %s -> %s", exec.ID, exec.Status, to)
	}

	upd := store.ExecutionUpdate{Status: &to}
	if errMsg != "" {
		upd.Error = &errMsg
	}
	var completed time.Time
	if to.Terminal() {
		completed = time.Now().UTC()
		upd.CompletedAt = &completed
	}

	if err := e.store.UpdateExecution(ctx, exec.ID, upd); err != nil {
		return schema.NewErrorf(schema.ErrCodeStore,
			"persist execution %q status %s: %s", exec.ID, to, err.Error()).WithCause(err)
	}

	exec.Status = to
	if errMsg != "" {
		exec.Error = errMsg
	}
	if to.Terminal() {
		exec.CompletedAt = &completed
	}
	return nil
}

// persistStep upserts a step result. Persistence failures are logged and
// swallowed so a flaky store write cannot abort a running step.
func (e *Engine) persistStep(ctx context.Context, r *store.StepResult) {
	if err := e.store.UpsertStepResult(ctx, r); err != nil {
		e.logger.ErrorContext(ctx, "persist step result failed",
			slog.String("step_id", r.StepID), slog.String("error", err.Error()))
	}
}

// appendActivity records a lifecycle event on the activity log, best effort.
func (e *Engine) appendActivity(ctx context.Context, exec *store.Execution, kind, stepID string, loomErr *schema.LoomError) {
	ev := &store.ActivityEvent{
		OwnerID:     exec.OwnerID,
		Kind:        kind,
		ExecutionID: exec.ID,
		WorkflowID:  exec.WorkflowID,
		StepID:      stepID,
	}
	if exec.ScheduleID != nil {
		ev.ScheduleID = *exec.ScheduleID
	}
	if loomErr != nil {
		if detail, err := json.Marshal(loomErr); err == nil {
			ev.Detail = detail
		}
	}
	if err := e.store.AppendActivity(ctx, ev); err != nil {
		e.logger.ErrorContext(ctx, "append activity failed",
			slog.String("kind", kind), slog.String("error", err.Error()))
	}
}
