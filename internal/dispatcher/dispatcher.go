// Package dispatcher periodically scans for due schedules and launches
// executions for them. Claiming a due occurrence is a conditional update
// on the schedule's version, so any number of dispatcher replicas can scan
// the same database and each occurrence is dispatched at most once.
package dispatcher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/loomery/loom/internal/cronx"
	"github.com/loomery/loom/internal/engine"
	"github.com/loomery/loom/internal/logging"
	"github.com/loomery/loom/internal/store"
	"github.com/loomery/loom/pkg/schema"
)

const (
	// DefaultTickInterval is the scan period when none is configured.
	DefaultTickInterval = 30 * time.Second
	// defaultBatchSize bounds how many due schedules one tick processes.
	defaultBatchSize = 100
)

// Dispatcher scans for due schedules and hands executions to the engine
// through a bounded worker pool.
type Dispatcher struct {
	store  store.Store
	cron   *cronx.Engine
	engine *engine.Engine
	pool   *engine.WorkerPool
	logger *slog.Logger

	tickInterval time.Duration
	batchSize    int
	now          func() time.Time

	mu       sync.Mutex
	inflight map[string]bool
	running  bool
	cancel   context.CancelFunc
	done     chan struct{}
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithTickInterval sets the scan period.
func WithTickInterval(d time.Duration) Option {
	return func(disp *Dispatcher) {
		if d > 0 {
			disp.tickInterval = d
		}
	}
}

// WithBatchSize bounds the due schedules processed per tick.
func WithBatchSize(n int) Option {
	return func(disp *Dispatcher) {
		if n > 0 {
			disp.batchSize = n
		}
	}
}

// New creates a Dispatcher.
func New(st store.Store, cron *cronx.Engine, eng *engine.Engine, pool *engine.WorkerPool, logger *slog.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:        st,
		cron:         cron,
		engine:       eng,
		pool:         pool,
		logger:       logger,
		tickInterval: DefaultTickInterval,
		batchSize:    defaultBatchSize,
		now:          func() time.Time { return time.Now().UTC() },
		inflight:     make(map[string]bool),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Start launches the scan loop. The first scan runs immediately.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return schema.NewError(schema.ErrCodeScheduler, "dispatcher already running")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	d.running = true
	d.cancel = cancel
	d.done = make(chan struct{})
	d.mu.Unlock()

	go d.loop(loopCtx)
	d.logger.Info("dispatcher started", slog.Duration("tick_interval", d.tickInterval))
	return nil
}

// Stop halts scanning and waits for in-flight executions to drain.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	cancel, done := d.cancel, d.done
	d.mu.Unlock()

	cancel()
	<-done
	d.pool.Wait()
	d.logger.Info("dispatcher stopped")
}

func (d *Dispatcher) loop(ctx context.Context) {
	defer close(d.done)

	ticker := time.NewTicker(d.tickInterval)
	defer ticker.Stop()

	d.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.tick(ctx)
		}
	}
}

// tick runs one scan: list due schedules and dispatch each. A failure on
// one schedule never blocks the rest of the batch.
func (d *Dispatcher) tick(ctx context.Context) {
	now := d.now()
	due, err := d.store.ListDueSchedules(ctx, now, d.batchSize)
	if err != nil {
		d.logger.ErrorContext(ctx, "scan for due schedules failed", slog.String("error", err.Error()))
		return
	}

	for _, sch := range due {
		if ctx.Err() != nil {
			return
		}
		if err := d.dispatchOne(ctx, sch, now); err != nil {
			d.logger.ErrorContext(logging.WithScheduleID(ctx, sch.ID), "dispatch failed",
				slog.String("error", err.Error()))
		}
	}
}

// dispatchOne takes one due schedule through overlap check, claim, and
// launch.
func (d *Dispatcher) dispatchOne(ctx context.Context, sch *store.Schedule, now time.Time) error {
	if !d.tryAcquire(sch.ID) {
		return nil
	}
	defer d.release(sch.ID)

	ctx = logging.WithScheduleID(ctx, sch.ID)

	rec, err := d.store.GetWorkflow(ctx, sch.WorkflowID)
	if err != nil {
		d.markScheduleFailed(ctx, sch, fmt.Sprintf("workflow %q unavailable: %s", sch.WorkflowID, err))
		return nil
	}
	var def schema.WorkflowDefinition
	if err := json.Unmarshal(rec.Definition, &def); err != nil {
		d.markScheduleFailed(ctx, sch, fmt.Sprintf("workflow %q has an unreadable definition", sch.WorkflowID))
		return nil
	}

	// Mutual exclusion per schedule: while a prior run is still open, the
	// occurrence is deferred, not dropped. No claim happens, so the next
	// tick picks the schedule up again.
	if !def.AllowConcurrentRuns {
		open, err := d.store.CountOpenExecutions(ctx, sch.ID)
		if err != nil {
			return schema.NewError(schema.ErrCodeScheduler, "count open executions").WithCause(err)
		}
		if open > 0 {
			d.logger.InfoContext(ctx, "occurrence deferred, previous run still open",
				slog.Int("open_executions", open))
			return nil
		}
	}

	claim, retired, err := d.buildClaim(sch, now)
	if err != nil {
		d.markScheduleFailed(ctx, sch, err.Error())
		return nil
	}

	won, err := d.store.ClaimSchedule(ctx, sch.ID, sch.Version, claim)
	if err != nil {
		return schema.NewError(schema.ErrCodeScheduler, "claim schedule").WithCause(err)
	}
	if !won {
		// Another dispatcher claimed this occurrence first.
		return nil
	}

	if retired {
		d.recordActivity(ctx, sch, schema.ActivityScheduleCompleted, nil)
		d.logger.InfoContext(ctx, "schedule reached max_runs, retiring")
	}

	exec := &store.Execution{
		ID:             uuid.NewString(),
		ScheduleID:     &sch.ID,
		WorkflowID:     sch.WorkflowID,
		OwnerID:        sch.OwnerID,
		RunName:        fmt.Sprintf("%s #%d", rec.Name, sch.RunCount+1),
		Trigger:        schema.TriggerScheduled,
		Status:         schema.ExecutionStatusPending,
		InputVariables: sch.InputVariables,
		StartedAt:      now,
	}
	if _, err := d.engine.Start(ctx, d.pool, exec, &def); err != nil {
		// The occurrence was claimed but could not start. Surface it on
		// the schedule's error field without stopping future runs.
		msg := fmt.Sprintf("start execution: %s", err)
		if _, uerr := d.store.UpdateSchedule(ctx, sch.ID, 0, store.ScheduleUpdate{Error: &msg}); uerr != nil {
			d.logger.ErrorContext(ctx, "record dispatch fault failed", slog.String("error", uerr.Error()))
		}
		return schema.NewError(schema.ErrCodeScheduler, msg).WithCause(err)
	}
	return nil
}

// buildClaim computes the state the schedule moves to when this occurrence
// is won: the next fire time from now, or retirement once max_runs is hit.
func (d *Dispatcher) buildClaim(sch *store.Schedule, now time.Time) (store.ScheduleClaim, bool, error) {
	claim := store.ScheduleClaim{
		LastRunAt: now,
		Status:    schema.ScheduleStatusActive,
	}

	if sch.MaxRuns != nil && sch.RunCount+1 >= *sch.MaxRuns {
		claim.Status = schema.ScheduleStatusCompleted
		return claim, true, nil
	}

	// One missed window yields one run; the next fire time is computed
	// from now, never replayed per missed occurrence.
	next, err := d.cron.Next(sch.CronExpression, sch.Timezone, now)
	if err != nil {
		return claim, false, err
	}
	claim.NextRunAt = &next
	return claim, false, nil
}

// InvokeManual starts a one-off run of a workflow outside any schedule.
func (d *Dispatcher) InvokeManual(ctx context.Context, workflowID, ownerID, runName string, inputs map[string]any) (*store.Execution, error) {
	rec, err := d.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if rec.OwnerID != ownerID {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "workflow %q not found", workflowID)
	}
	var def schema.WorkflowDefinition
	if err := json.Unmarshal(rec.Definition, &def); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"workflow %q has an unreadable definition", workflowID).WithCause(err)
	}

	if runName == "" {
		runName = fmt.Sprintf("%s (manual)", rec.Name)
	}

	exec := &store.Execution{
		ID:         uuid.NewString(),
		WorkflowID: workflowID,
		OwnerID:    ownerID,
		RunName:    runName,
		Trigger:    schema.TriggerManual,
		Status:     schema.ExecutionStatusPending,
		StartedAt:  d.now(),
	}
	if inputs != nil {
		raw, err := json.Marshal(inputs)
		if err != nil {
			return nil, fmt.Errorf("marshal inputs: %w", err)
		}
		exec.InputVariables = raw
	}

	if _, err := d.engine.Start(ctx, d.pool, exec, &def); err != nil {
		return nil, err
	}
	return exec, nil
}

// markScheduleFailed retires a schedule that can no longer dispatch.
func (d *Dispatcher) markScheduleFailed(ctx context.Context, sch *store.Schedule, msg string) {
	failed := schema.ScheduleStatusFailed
	if _, err := d.store.UpdateSchedule(ctx, sch.ID, 0, store.ScheduleUpdate{
		Status:         &failed,
		ClearNextRunAt: true,
		Error:          &msg,
	}); err != nil {
		d.logger.ErrorContext(ctx, "mark schedule failed", slog.String("error", err.Error()))
		return
	}
	d.recordActivity(ctx, sch, schema.ActivityScheduleFailed,
		schema.NewError(schema.ErrCodeScheduler, msg))
	d.logger.WarnContext(ctx, "schedule marked failed", slog.String("reason", msg))
}

func (d *Dispatcher) recordActivity(ctx context.Context, sch *store.Schedule, kind string, loomErr *schema.LoomError) {
	ev := &store.ActivityEvent{
		OwnerID:    sch.OwnerID,
		Kind:       kind,
		ScheduleID: sch.ID,
		WorkflowID: sch.WorkflowID,
	}
	if loomErr != nil {
		if detail, err := json.Marshal(loomErr); err == nil {
			ev.Detail = detail
		}
	}
	if err := d.store.AppendActivity(ctx, ev); err != nil {
		d.logger.ErrorContext(ctx, "append activity failed", slog.String("error", err.Error()))
	}
}

// tryAcquire marks a schedule as being dispatched by this process.
func (d *Dispatcher) tryAcquire(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.inflight[id] {
		return false
	}
	d.inflight[id] = true
	return true
}

func (d *Dispatcher) release(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.inflight, id)
}
