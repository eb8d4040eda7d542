package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/loomery/loom/pkg/schema"
)

// LibSQLStore implements Store over a local libsql database.
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens (or creates) the database at dbPath.
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// --- Workflows ---

func (s *LibSQLStore) SaveWorkflow(ctx context.Context, rec *WorkflowRecord) error {
	if len(rec.Definition) == 0 {
		return schema.NewError(schema.ErrCodeValidation, "workflow definition is empty")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO workflows (id, owner_id, name, definition, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   name = excluded.name,
		   definition = excluded.definition,
		   updated_at = excluded.updated_at`,
		rec.ID, rec.OwnerID, rec.Name, string(rec.Definition),
		timeOrNow(rec.CreatedAt), timeOrNow(rec.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) GetWorkflow(ctx context.Context, id string) (*WorkflowRecord, error) {
	rec := &WorkflowRecord{}
	var def string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, owner_id, name, definition, created_at, updated_at
		 FROM workflows WHERE id = ?`, id,
	).Scan(&rec.ID, &rec.OwnerID, &rec.Name, &def, &rec.CreatedAt, &rec.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("workflow", id)
	}
	if err != nil {
		return nil, err
	}
	rec.Definition = json.RawMessage(def)
	return rec, nil
}

func (s *LibSQLStore) ListWorkflows(ctx context.Context, ownerID string) ([]*WorkflowRecord, error) {
	query := `SELECT id, owner_id, name, definition, created_at, updated_at FROM workflows`
	var args []any
	if ownerID != "" {
		query += ` WHERE owner_id = ?`
		args = append(args, ownerID)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []*WorkflowRecord
	for rows.Next() {
		rec := &WorkflowRecord{}
		var def string
		if err := rows.Scan(&rec.ID, &rec.OwnerID, &rec.Name, &def, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
			return nil, err
		}
		rec.Definition = json.RawMessage(def)
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func (s *LibSQLStore) DeleteWorkflow(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM workflows WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "workflow", id)
}

// --- Schedules ---

const scheduleColumns = `id, workflow_id, owner_id, cron_expression, timezone, status,
	next_run_at, last_run_at, run_count, max_runs, input_variables, error,
	created_at, updated_at, version`

func (s *LibSQLStore) CreateSchedule(ctx context.Context, sch *Schedule) error {
	if sch.Version == 0 {
		sch.Version = 1
	}
	if sch.Status == "" {
		sch.Status = schema.ScheduleStatusActive
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO schedules (`+scheduleColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sch.ID, sch.WorkflowID, sch.OwnerID, sch.CronExpression, sch.Timezone,
		string(sch.Status), nullTime(sch.NextRunAt), nullTime(sch.LastRunAt),
		sch.RunCount, nullInt(sch.MaxRuns), nullRaw(sch.InputVariables), nullStr(sch.Error),
		timeOrNow(sch.CreatedAt), timeOrNow(sch.UpdatedAt), sch.Version,
	)
	return err
}

func (s *LibSQLStore) GetSchedule(ctx context.Context, id string) (*Schedule, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+scheduleColumns+` FROM schedules WHERE id = ?`, id)
	sch, err := scanSchedule(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("schedule", id)
	}
	return sch, err
}

func (s *LibSQLStore) ListSchedules(ctx context.Context, f ScheduleFilter) ([]*Schedule, error) {
	query := `SELECT ` + scheduleColumns + ` FROM schedules`
	var conds []string
	var args []any
	if f.OwnerID != "" {
		conds = append(conds, "owner_id = ?")
		args = append(args, f.OwnerID)
	}
	if f.WorkflowID != "" {
		conds = append(conds, "workflow_id = ?")
		args = append(args, f.WorkflowID)
	}
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(f.Status))
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
		if f.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, f.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSchedules(rows)
}

func (s *LibSQLStore) ListDueSchedules(ctx context.Context, now time.Time, limit int) ([]*Schedule, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+scheduleColumns+` FROM schedules
		 WHERE status = 'active' AND next_run_at IS NOT NULL AND next_run_at <= ?
		 ORDER BY next_run_at ASC LIMIT ?`,
		now.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSchedules(rows)
}

// ClaimSchedule atomically advances the run accounting of a due schedule.
// The update is conditional on the version the dispatcher observed plus the
// schedule still being active, so of N concurrent claimants exactly one
// sees rows affected = 1.
func (s *LibSQLStore) ClaimSchedule(ctx context.Context, id string, expectedVersion int64, claim ScheduleClaim) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE schedules
		 SET last_run_at = ?, next_run_at = ?, run_count = run_count + 1,
		     status = ?, version = version + 1, updated_at = ?
		 WHERE id = ? AND version = ? AND status = 'active'`,
		claim.LastRunAt.UTC(), nullTime(claim.NextRunAt), string(claim.Status),
		time.Now().UTC(), id, expectedVersion,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// UpdateSchedule applies a partial update. A positive expectedVersion makes
// the write conditional; on mismatch the caller gets ErrCodeConflict.
// Returns the fresh row.
func (s *LibSQLStore) UpdateSchedule(ctx context.Context, id string, expectedVersion int64, upd ScheduleUpdate) (*Schedule, error) {
	var sets []string
	var args []any

	if upd.CronExpression != nil {
		sets = append(sets, "cron_expression = ?")
		args = append(args, *upd.CronExpression)
	}
	if upd.Timezone != nil {
		sets = append(sets, "timezone = ?")
		args = append(args, *upd.Timezone)
	}
	if upd.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*upd.Status))
	}
	switch {
	case upd.ClearNextRunAt:
		sets = append(sets, "next_run_at = NULL")
	case upd.NextRunAt != nil:
		sets = append(sets, "next_run_at = ?")
		args = append(args, upd.NextRunAt.UTC())
	}
	if upd.LastRunAt != nil {
		sets = append(sets, "last_run_at = ?")
		args = append(args, upd.LastRunAt.UTC())
	}
	if upd.InputVariables != nil {
		sets = append(sets, "input_variables = ?")
		args = append(args, string(upd.InputVariables))
	}
	switch {
	case upd.ClearMaxRuns:
		sets = append(sets, "max_runs = NULL")
	case upd.MaxRuns != nil:
		sets = append(sets, "max_runs = ?")
		args = append(args, *upd.MaxRuns)
	}
	if upd.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, nullStr(*upd.Error))
	}
	if len(sets) == 0 {
		return s.GetSchedule(ctx, id)
	}
	sets = append(sets, "version = version + 1", "updated_at = ?")
	args = append(args, time.Now().UTC(), id)

	query := "UPDATE schedules SET " + strings.Join(sets, ", ") + " WHERE id = ?"
	if expectedVersion > 0 {
		query += " AND version = ?"
		args = append(args, expectedVersion)
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if n == 0 {
		// Distinguish a missing row from a lost version race.
		current, getErr := s.GetSchedule(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		return nil, schema.NewErrorf(schema.ErrCodeConflict,
			"schedule %q changed concurrently (version %d, expected %d)", id, current.Version, expectedVersion)
	}
	return s.GetSchedule(ctx, id)
}

func (s *LibSQLStore) DeleteSchedule(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "schedule", id)
}

func scanSchedule(row *sql.Row) (*Schedule, error) {
	sch := &Schedule{}
	var (
		status                 string
		nextRun, lastRun       sql.NullTime
		maxRuns                sql.NullInt64
		inputVars, errText     sql.NullString
	)
	err := row.Scan(&sch.ID, &sch.WorkflowID, &sch.OwnerID, &sch.CronExpression, &sch.Timezone,
		&status, &nextRun, &lastRun, &sch.RunCount, &maxRuns, &inputVars, &errText,
		&sch.CreatedAt, &sch.UpdatedAt, &sch.Version)
	if err != nil {
		return nil, err
	}
	fillSchedule(sch, status, nextRun, lastRun, maxRuns, inputVars, errText)
	return sch, nil
}

func scanSchedules(rows *sql.Rows) ([]*Schedule, error) {
	var out []*Schedule
	for rows.Next() {
		sch := &Schedule{}
		var (
			status             string
			nextRun, lastRun   sql.NullTime
			maxRuns            sql.NullInt64
			inputVars, errText sql.NullString
		)
		if err := rows.Scan(&sch.ID, &sch.WorkflowID, &sch.OwnerID, &sch.CronExpression, &sch.Timezone,
			&status, &nextRun, &lastRun, &sch.RunCount, &maxRuns, &inputVars, &errText,
			&sch.CreatedAt, &sch.UpdatedAt, &sch.Version); err != nil {
			return nil, err
		}
		fillSchedule(sch, status, nextRun, lastRun, maxRuns, inputVars, errText)
		out = append(out, sch)
	}
	return out, rows.Err()
}

func fillSchedule(sch *Schedule, status string, nextRun, lastRun sql.NullTime, maxRuns sql.NullInt64, inputVars, errText sql.NullString) {
	sch.Status = schema.ScheduleStatus(status)
	if nextRun.Valid {
		t := nextRun.Time
		sch.NextRunAt = &t
	}
	if lastRun.Valid {
		t := lastRun.Time
		sch.LastRunAt = &t
	}
	if maxRuns.Valid {
		m := maxRuns.Int64
		sch.MaxRuns = &m
	}
	sch.InputVariables = rawOrNil(inputVars)
	sch.Error = errText.String
}

// --- Executions ---

const executionColumns = `id, schedule_id, workflow_id, owner_id, run_name, trigger_kind,
	status, input_variables, error, started_at, completed_at, created_at`

func (s *LibSQLStore) CreateExecution(ctx context.Context, e *Execution) error {
	if e.Status == "" {
		e.Status = schema.ExecutionStatusPending
	}
	if e.Trigger == "" {
		e.Trigger = schema.TriggerScheduled
	}
	var scheduleID any
	if e.ScheduleID != nil {
		scheduleID = *e.ScheduleID
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO executions (`+executionColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, scheduleID, e.WorkflowID, e.OwnerID, e.RunName, string(e.Trigger),
		string(e.Status), nullRaw(e.InputVariables), nullStr(e.Error),
		timeOrNow(e.StartedAt), nullTime(e.CompletedAt), timeOrNow(e.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) GetExecution(ctx context.Context, id string) (*Execution, error) {
	e := &Execution{}
	var (
		scheduleID, inputVars, errText sql.NullString
		trigger, status                string
		completedAt                    sql.NullTime
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT `+executionColumns+` FROM executions WHERE id = ?`, id,
	).Scan(&e.ID, &scheduleID, &e.WorkflowID, &e.OwnerID, &e.RunName, &trigger,
		&status, &inputVars, &errText, &e.StartedAt, &completedAt, &e.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("execution", id)
	}
	if err != nil {
		return nil, err
	}
	fillExecution(e, scheduleID, trigger, status, inputVars, errText, completedAt)
	return e, nil
}

func (s *LibSQLStore) UpdateExecution(ctx context.Context, id string, upd ExecutionUpdate) error {
	var sets []string
	var args []any
	if upd.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*upd.Status))
	}
	if upd.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, nullStr(*upd.Error))
	}
	if upd.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, upd.CompletedAt.UTC())
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, id)

	res, err := s.db.ExecContext(ctx,
		"UPDATE executions SET "+strings.Join(sets, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "execution", id)
}

func (s *LibSQLStore) ListExecutions(ctx context.Context, f ExecutionFilter) ([]*Execution, error) {
	query := `SELECT ` + executionColumns + ` FROM executions`
	var conds []string
	var args []any
	if f.OwnerID != "" {
		conds = append(conds, "owner_id = ?")
		args = append(args, f.OwnerID)
	}
	if f.WorkflowID != "" {
		conds = append(conds, "workflow_id = ?")
		args = append(args, f.WorkflowID)
	}
	if f.ScheduleID != "" {
		conds = append(conds, "schedule_id = ?")
		args = append(args, f.ScheduleID)
	}
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(f.Status))
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY started_at DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
		if f.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, f.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Execution
	for rows.Next() {
		e := &Execution{}
		var (
			scheduleID, inputVars, errText sql.NullString
			trigger, status                string
			completedAt                    sql.NullTime
		)
		if err := rows.Scan(&e.ID, &scheduleID, &e.WorkflowID, &e.OwnerID, &e.RunName, &trigger,
			&status, &inputVars, &errText, &e.StartedAt, &completedAt, &e.CreatedAt); err != nil {
			return nil, err
		}
		fillExecution(e, scheduleID, trigger, status, inputVars, errText, completedAt)
		out = append(out, e)
	}
	return out, rows.Err()
}

// CountOpenExecutions counts non-terminal executions for a schedule. The
// dispatcher uses this to defer overlapping occurrences.
func (s *LibSQLStore) CountOpenExecutions(ctx context.Context, scheduleID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM executions
		 WHERE schedule_id = ? AND status IN ('pending', 'running')`,
		scheduleID,
	).Scan(&n)
	return n, err
}

func fillExecution(e *Execution, scheduleID sql.NullString, trigger, status string, inputVars, errText sql.NullString, completedAt sql.NullTime) {
	if scheduleID.Valid {
		id := scheduleID.String
		e.ScheduleID = &id
	}
	e.Trigger = schema.TriggerKind(trigger)
	e.Status = schema.ExecutionStatus(status)
	e.InputVariables = rawOrNil(inputVars)
	e.Error = errText.String
	if completedAt.Valid {
		t := completedAt.Time
		e.CompletedAt = &t
	}
}

// --- Step results ---

func (s *LibSQLStore) UpsertStepResult(ctx context.Context, r *StepResult) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO step_results (execution_id, step_id, position, status, output, error, attempt_count, started_at, completed_at, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(execution_id, step_id) DO UPDATE SET
		   position = excluded.position,
		   status = excluded.status,
		   output = excluded.output,
		   error = excluded.error,
		   attempt_count = excluded.attempt_count,
		   started_at = excluded.started_at,
		   completed_at = excluded.completed_at,
		   duration_ms = excluded.duration_ms`,
		r.ExecutionID, r.StepID, r.Position, string(r.Status), nullRaw(r.Output),
		nullStr(r.Error), r.AttemptCount, nullTime(r.StartedAt), nullTime(r.CompletedAt),
		nullInt(r.DurationMs),
	)
	return err
}

func (s *LibSQLStore) ListStepResults(ctx context.Context, executionID string) ([]*StepResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT execution_id, step_id, position, status, output, error, attempt_count, started_at, completed_at, duration_ms
		 FROM step_results WHERE execution_id = ? ORDER BY position ASC`, executionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*StepResult
	for rows.Next() {
		r := &StepResult{}
		var (
			status                 string
			output, errText        sql.NullString
			startedAt, completedAt sql.NullTime
			durationMs             sql.NullInt64
		)
		if err := rows.Scan(&r.ExecutionID, &r.StepID, &r.Position, &status, &output, &errText,
			&r.AttemptCount, &startedAt, &completedAt, &durationMs); err != nil {
			return nil, err
		}
		r.Status = schema.StepStatus(status)
		r.Output = rawOrNil(output)
		r.Error = errText.String
		if startedAt.Valid {
			t := startedAt.Time
			r.StartedAt = &t
		}
		if completedAt.Valid {
			t := completedAt.Time
			r.CompletedAt = &t
		}
		if durationMs.Valid {
			d := durationMs.Int64
			r.DurationMs = &d
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// --- Activity log ---

func (s *LibSQLStore) AppendActivity(ctx context.Context, ev *ActivityEvent) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO activity_events (owner_id, kind, schedule_id, execution_id, workflow_id, step_id, detail, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.OwnerID, ev.Kind, nullStr(ev.ScheduleID), nullStr(ev.ExecutionID),
		nullStr(ev.WorkflowID), nullStr(ev.StepID), nullRaw(ev.Detail), timeOrNow(ev.CreatedAt),
	)
	if err != nil {
		return err
	}
	if id, err := res.LastInsertId(); err == nil {
		ev.ID = id
	}
	return nil
}

func (s *LibSQLStore) ListActivity(ctx context.Context, f ActivityFilter) ([]*ActivityEvent, error) {
	query := `SELECT id, owner_id, kind, schedule_id, execution_id, workflow_id, step_id, detail, created_at
		 FROM activity_events`
	var conds []string
	var args []any
	if f.OwnerID != "" {
		conds = append(conds, "owner_id = ?")
		args = append(args, f.OwnerID)
	}
	if f.ScheduleID != "" {
		conds = append(conds, "schedule_id = ?")
		args = append(args, f.ScheduleID)
	}
	if f.ExecutionID != "" {
		conds = append(conds, "execution_id = ?")
		args = append(args, f.ExecutionID)
	}
	if f.Kind != "" {
		conds = append(conds, "kind = ?")
		args = append(args, f.Kind)
	}
	if !f.Since.IsZero() {
		conds = append(conds, "created_at >= ?")
		args = append(args, f.Since.UTC())
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY id DESC"
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query += " LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*ActivityEvent
	for rows.Next() {
		ev := &ActivityEvent{}
		var scheduleID, executionID, workflowID, stepID, detail sql.NullString
		if err := rows.Scan(&ev.ID, &ev.OwnerID, &ev.Kind, &scheduleID, &executionID,
			&workflowID, &stepID, &detail, &ev.CreatedAt); err != nil {
			return nil, err
		}
		ev.ScheduleID = scheduleID.String
		ev.ExecutionID = executionID.String
		ev.WorkflowID = workflowID.String
		ev.StepID = stepID.String
		ev.Detail = rawOrNil(detail)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.LoomError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullInt(n *int64) any {
	if n == nil {
		return nil
	}
	return *n
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}
