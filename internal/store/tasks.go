package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/msageha/vmhealth/internal/model"
)

const taskColumns = `id, machine_id, check_type, priority, status, attempts, max_attempts,
	scheduled_for, payload, result, error, execution_time_ms, created_at, executed_at, completed_at`

var (
	waitingStatusSQL = statusList(model.WaitingStatuses)
	activeStatusSQL  = statusList(model.ActiveStatuses)
)

func statusList(statuses []model.Status) string {
	quoted := make([]string, len(statuses))
	for i, s := range statuses {
		quoted[i] = "'" + string(s) + "'"
	}
	return "(" + strings.Join(quoted, ", ") + ")"
}

func scanTask(r rowScanner) (*model.HealthCheckTask, error) {
	var (
		t                       model.HealthCheckTask
		checkType, status       string
		rank                    int
		scheduledFor, createdAt int64
		payload, result         sql.NullString
		executedAt, completedAt sql.NullInt64
	)
	if err := r.Scan(&t.ID, &t.MachineID, &checkType, &rank, &status, &t.Attempts, &t.MaxAttempts,
		&scheduledFor, &payload, &result, &t.Error, &t.ExecutionTimeMs, &createdAt, &executedAt, &completedAt); err != nil {
		return nil, err
	}
	t.CheckType = model.CheckType(checkType)
	t.Priority = model.PriorityFromRank(rank)
	t.Status = model.Status(status)
	t.ScheduledFor = fromMillis(scheduledFor)
	t.CreatedAt = fromMillis(createdAt)
	t.ExecutedAt = timePtr(executedAt)
	t.CompletedAt = timePtr(completedAt)

	var err error
	if t.Payload, err = decodeMap(payload); err != nil {
		return nil, fmt.Errorf("decode payload of %s: %w", t.ID, err)
	}
	if t.Result, err = decodeMap(result); err != nil {
		return nil, fmt.Errorf("decode result of %s: %w", t.ID, err)
	}
	return &t, nil
}

func scanTasks(rows *sql.Rows) ([]*model.HealthCheckTask, error) {
	defer rows.Close()
	var out []*model.HealthCheckTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// CreateTask inserts a new task. A concurrent insert of another active task
// for the same (machine, check type) fails with ErrActiveTaskExists.
func (s *Store) CreateTask(ctx context.Context, t *model.HealthCheckTask) error {
	payload, err := encodeJSON(t.Payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	result, err := encodeJSON(t.Result)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO health_check_tasks(`+taskColumns+`)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, t.ID, t.MachineID, string(t.CheckType), t.Priority.Rank(), string(t.Status), t.Attempts, t.MaxAttempts,
		toMillis(t.ScheduledFor), payload, result, t.Error, t.ExecutionTimeMs, toMillis(t.CreatedAt),
		nullMillis(t.ExecutedAt), nullMillis(t.CompletedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return ErrActiveTaskExists
		}
		return fmt.Errorf("insert task %s: %w", t.ID, err)
	}
	return nil
}

func (s *Store) GetTask(ctx context.Context, id string) (*model.HealthCheckTask, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM health_check_tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTaskNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	return t, nil
}

// FindActiveTask returns the non-terminal task for (machineID, checkType), or
// nil when there is none.
func (s *Store) FindActiveTask(ctx context.Context, machineID string, checkType model.CheckType) (*model.HealthCheckTask, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+taskColumns+`
		FROM health_check_tasks
		WHERE machine_id = ? AND check_type = ? AND status IN `+activeStatusSQL+`
		LIMIT 1
	`, machineID, string(checkType))
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find active task: %w", err)
	}
	return t, nil
}

// FindCompletedSince returns the most recently completed task of checkType
// for machineID whose completion is at or after since, or nil.
func (s *Store) FindCompletedSince(ctx context.Context, machineID string, checkType model.CheckType, since time.Time) (*model.HealthCheckTask, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+taskColumns+`
		FROM health_check_tasks
		WHERE machine_id = ? AND check_type = ? AND status = ? AND completed_at >= ?
		ORDER BY completed_at DESC
		LIMIT 1
	`, machineID, string(checkType), string(model.StatusCompleted), toMillis(since))
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find completed task: %w", err)
	}
	return t, nil
}

// CountOutstanding counts the machine's non-terminal tasks.
func (s *Store) CountOutstanding(ctx context.Context, machineID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM health_check_tasks
		WHERE machine_id = ? AND status IN `+activeStatusSQL,
		machineID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count outstanding tasks: %w", err)
	}
	return n, nil
}

// LoadWaiting returns the machine's PENDING and RETRY_SCHEDULED tasks in
// dispatch order.
func (s *Store) LoadWaiting(ctx context.Context, machineID string) ([]*model.HealthCheckTask, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+`
		FROM health_check_tasks
		WHERE machine_id = ? AND status IN `+waitingStatusSQL+`
		ORDER BY priority, scheduled_for, created_at, id
	`, machineID)
	if err != nil {
		return nil, fmt.Errorf("load waiting tasks: %w", err)
	}
	return scanTasks(rows)
}

// MachinesWithOutstanding lists machines owning at least one non-terminal task.
func (s *Store) MachinesWithOutstanding(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT machine_id FROM health_check_tasks
		WHERE status IN `+activeStatusSQL+`
		ORDER BY machine_id
	`)
	if err != nil {
		return nil, fmt.Errorf("list machines with outstanding tasks: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ClaimReady atomically moves up to limit ready tasks of machineID to
// RUNNING and returns them in dispatch order. At most heavyBudget heavy check
// types are claimed; heavy tasks beyond the budget are skipped so lighter
// work behind them still flows.
//
// The transaction holds the write lock from BEGIN (IMMEDIATE), and each row
// update re-checks the waiting status, so a task is handed to exactly one
// claimer across processes.
func (s *Store) ClaimReady(ctx context.Context, machineID string, now time.Time, limit, heavyBudget int) ([]*model.HealthCheckTask, error) {
	if limit <= 0 {
		return nil, nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin claim: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		SELECT `+taskColumns+`
		FROM health_check_tasks
		WHERE machine_id = ? AND status IN `+waitingStatusSQL+` AND scheduled_for <= ?
		ORDER BY priority, scheduled_for, created_at, id
	`, machineID, toMillis(now))
	if err != nil {
		return nil, fmt.Errorf("select ready tasks: %w", err)
	}
	candidates, err := scanTasks(rows)
	if err != nil {
		return nil, fmt.Errorf("scan ready tasks: %w", err)
	}

	executedAt := now.UTC()
	var claimed []*model.HealthCheckTask
	for _, t := range candidates {
		if len(claimed) >= limit {
			break
		}
		heavy := t.CheckType.IsHeavy()
		if heavy && heavyBudget <= 0 {
			continue
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE health_check_tasks
			SET status = ?, executed_at = ?
			WHERE id = ? AND status IN `+waitingStatusSQL,
			string(model.StatusRunning), toMillis(executedAt), t.ID)
		if err != nil {
			return nil, fmt.Errorf("claim task %s: %w", t.ID, err)
		}
		if n, err := res.RowsAffected(); err != nil || n != 1 {
			continue
		}
		if heavy {
			heavyBudget--
		}
		t.Status = model.StatusRunning
		t.ExecutedAt = &executedAt
		claimed = append(claimed, t)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit claim: %w", err)
	}
	return claimed, nil
}

// UpdateTask persists the mutable fields of t, provided the stored row is
// still in status from.
func (s *Store) UpdateTask(ctx context.Context, t *model.HealthCheckTask, from model.Status) error {
	result, err := encodeJSON(t.Result)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE health_check_tasks
		SET status = ?, attempts = ?, scheduled_for = ?, result = ?, error = ?,
			execution_time_ms = ?, executed_at = ?, completed_at = ?
		WHERE id = ? AND status = ?
	`, string(t.Status), t.Attempts, toMillis(t.ScheduledFor), result, t.Error,
		t.ExecutionTimeMs, nullMillis(t.ExecutedAt), nullMillis(t.CompletedAt), t.ID, string(from))
	if err != nil {
		return fmt.Errorf("update task %s: %w", t.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update task %s: %w", t.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("update task %s from %s: %w", t.ID, from, ErrStaleTask)
	}
	return nil
}

// DeleteUnstarted removes the machine's tasks that were never claimed
// (PENDING with zero attempts). Retrying and running tasks are kept.
func (s *Store) DeleteUnstarted(ctx context.Context, machineID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM health_check_tasks
		WHERE machine_id = ? AND status = ? AND attempts = 0 AND executed_at IS NULL
	`, machineID, string(model.StatusPending))
	if err != nil {
		return 0, fmt.Errorf("delete unstarted tasks: %w", err)
	}
	return res.RowsAffected()
}

// ListTasks returns tasks matching f, oldest first.
func (s *Store) ListTasks(ctx context.Context, f model.TaskFilter) ([]*model.HealthCheckTask, error) {
	var (
		where []string
		args  []any
	)
	if f.MachineID != "" {
		where = append(where, "machine_id = ?")
		args = append(args, f.MachineID)
	}
	if f.CheckType != "" {
		where = append(where, "check_type = ?")
		args = append(args, string(f.CheckType))
	}
	if len(f.Statuses) > 0 {
		marks := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			marks[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "status IN ("+strings.Join(marks, ", ")+")")
	}
	for _, r := range []struct {
		col string
		op  string
		t   time.Time
	}{
		{"scheduled_for", ">=", f.ScheduledAfter},
		{"scheduled_for", "<=", f.ScheduledUntil},
		{"created_at", ">=", f.CreatedAfter},
		{"created_at", "<", f.CreatedUntil},
	} {
		if !r.t.IsZero() {
			where = append(where, r.col+" "+r.op+" ?")
			args = append(args, toMillis(r.t))
		}
	}

	query := `SELECT ` + taskColumns + ` FROM health_check_tasks`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, id"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return scanTasks(rows)
}

// ScheduledCheckTypesForDay counts the distinct check types created for the
// machine on the given snapshot day (YYYY-MM-DD, UTC).
func (s *Store) ScheduledCheckTypesForDay(ctx context.Context, machineID, day string) (int, error) {
	start, err := time.ParseInLocation(model.SnapshotDateLayout, day, time.UTC)
	if err != nil {
		return 0, fmt.Errorf("parse snapshot day %q: %w", day, err)
	}
	var n int
	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(DISTINCT check_type) FROM health_check_tasks
		WHERE machine_id = ? AND created_at >= ? AND created_at < ?
	`, machineID, toMillis(start), toMillis(start.AddDate(0, 0, 1))).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count scheduled check types: %w", err)
	}
	return n, nil
}

// RecoverStaleRunning reschedules RUNNING tasks claimed before cutoff; their
// executor is assumed lost. Returns the number of recovered tasks.
func (s *Store) RecoverStaleRunning(ctx context.Context, cutoff, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE health_check_tasks
		SET status = ?, scheduled_for = ?,
			error = CASE WHEN error = '' THEN 'recovered from stale RUNNING state' ELSE error END
		WHERE status = ? AND (executed_at IS NULL OR executed_at < ?)
	`, string(model.StatusRetryScheduled), toMillis(now), string(model.StatusRunning), toMillis(cutoff))
	if err != nil {
		return 0, fmt.Errorf("recover stale running tasks: %w", err)
	}
	return res.RowsAffected()
}

// CountByStatus returns the machine's task counts keyed by status. An empty
// machineID counts across all machines.
func (s *Store) CountByStatus(ctx context.Context, machineID string) (map[model.Status]int, error) {
	query := `SELECT status, COUNT(*) FROM health_check_tasks`
	var args []any
	if machineID != "" {
		query += ` WHERE machine_id = ?`
		args = append(args, machineID)
	}
	query += ` GROUP BY status`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("count tasks by status: %w", err)
	}
	defer rows.Close()

	out := make(map[model.Status]int)
	for rows.Next() {
		var (
			st string
			n  int
		)
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		out[model.Status(st)] = n
	}
	return out, rows.Err()
}
