package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"muse/internal/logging"
	"muse/internal/types"
)

// =============================================================================
// SCHEDULED TASKS AND EXECUTIONS
// =============================================================================

// CreateTask inserts a new scheduled task.
func (s *Store) CreateTask(t types.ScheduledTask) error {
	cfg, err := json.Marshal(t.TemplateConfig)
	if err != nil {
		return fmt.Errorf("marshal template config: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	logging.Scheduler("Creating task: id=%s name=%q schedule=%q template=%s",
		t.ID, t.DisplayName, t.ScheduleExpression, t.TemplateName)

	_, err = s.db.Exec(
		`INSERT INTO scheduled_tasks
		 (id, display_name, schedule_expression, template_name, template_config,
		  enabled, created_at, last_run, next_run, run_count, success_count, failure_count)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.DisplayName, t.ScheduleExpression, t.TemplateName, string(cfg),
		t.Enabled, t.CreatedAt.UTC(), nullTime(t.LastRun), nullTime(t.NextRun),
		t.RunCount, t.SuccessCount, t.FailureCount,
	)
	if err != nil {
		return fmt.Errorf("%w: insert task: %v", ErrUnavailable, err)
	}
	return nil
}

// ListTasks returns all scheduled tasks ordered by creation time.
func (s *Store) ListTasks() ([]types.ScheduledTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT id, display_name, schedule_expression, template_name, template_config,
		        enabled, created_at, last_run, next_run, run_count, success_count, failure_count
		 FROM scheduled_tasks ORDER BY created_at ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: list tasks: %v", ErrUnavailable, err)
	}
	defer rows.Close()

	var tasks []types.ScheduledTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			logging.SchedulerDebug("Task scan failed: %v", err)
			continue
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// GetTask loads one task by ID.
func (s *Store) GetTask(id string) (*types.ScheduledTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(
		`SELECT id, display_name, schedule_expression, template_name, template_config,
		        enabled, created_at, last_run, next_run, run_count, success_count, failure_count
		 FROM scheduled_tasks WHERE id = ?`, id,
	)
	t, err := scanTaskRow(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get task: %v", ErrUnavailable, err)
	}
	return &t, nil
}

// DeleteTask removes a task and all of its executions (cascade).
func (s *Store) DeleteTask(id string) error {
	return s.WithTx(func(tx *sql.Tx) error {
		if _, err := tx.Exec("DELETE FROM task_executions WHERE task_id = ?", id); err != nil {
			return fmt.Errorf("%w: delete executions: %v", ErrUnavailable, err)
		}
		res, err := tx.Exec("DELETE FROM scheduled_tasks WHERE id = ?", id)
		if err != nil {
			return fmt.Errorf("%w: delete task: %v", ErrUnavailable, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// SetTaskEnabled toggles a task. Disabled tasks never tick.
func (s *Store) SetTaskEnabled(id string, enabled bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec("UPDATE scheduled_tasks SET enabled = ? WHERE id = ?", enabled, id)
	if err != nil {
		return fmt.Errorf("%w: set enabled: %v", ErrUnavailable, err)
	}
	return nil
}

// SetNextRun updates a task's next fire time.
func (s *Store) SetNextRun(id string, next *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec("UPDATE scheduled_tasks SET next_run = ? WHERE id = ?", nullTime(next), id)
	if err != nil {
		return fmt.Errorf("%w: set next_run: %v", ErrUnavailable, err)
	}
	return nil
}

// BeginExecution opens an execution record and bumps the task's run
// counter and last_run, atomically. Returns the execution row ID.
func (s *Store) BeginExecution(taskID string, startedAt time.Time) (int64, error) {
	var execID int64
	err := s.WithTx(func(tx *sql.Tx) error {
		res, err := tx.Exec(
			"INSERT INTO task_executions (task_id, started_at) VALUES (?, ?)",
			taskID, startedAt.UTC(),
		)
		if err != nil {
			return fmt.Errorf("%w: begin execution: %v", ErrUnavailable, err)
		}
		execID, err = res.LastInsertId()
		if err != nil {
			return fmt.Errorf("%w: execution id: %v", ErrUnavailable, err)
		}
		if _, err := tx.Exec(
			"UPDATE scheduled_tasks SET run_count = run_count + 1, last_run = ? WHERE id = ?",
			startedAt.UTC(), taskID,
		); err != nil {
			return fmt.Errorf("%w: bump run_count: %v", ErrUnavailable, err)
		}
		return nil
	})
	return execID, err
}

// FinishExecution finalizes an execution record and updates the task's
// success/failure counters and next fire time, atomically.
func (s *Store) FinishExecution(execID int64, taskID string, completedAt time.Time,
	success bool, errorMessage, output string, next *time.Time) error {

	return s.WithTx(func(tx *sql.Tx) error {
		var startedAt time.Time
		if err := tx.QueryRow(
			"SELECT started_at FROM task_executions WHERE id = ?", execID,
		).Scan(&startedAt); err != nil {
			return fmt.Errorf("%w: load execution: %v", ErrUnavailable, err)
		}
		duration := completedAt.Sub(startedAt).Seconds()
		if duration < 0 {
			duration = 0
		}

		if _, err := tx.Exec(
			`UPDATE task_executions
			 SET completed_at = ?, success = ?, error_message = ?, output = ?, duration_seconds = ?
			 WHERE id = ?`,
			completedAt.UTC(), success, errorMessage, output, duration, execID,
		); err != nil {
			return fmt.Errorf("%w: finish execution: %v", ErrUnavailable, err)
		}

		counter := "failure_count"
		if success {
			counter = "success_count"
		}
		if _, err := tx.Exec(
			fmt.Sprintf("UPDATE scheduled_tasks SET %s = %s + 1, next_run = ? WHERE id = ?", counter, counter),
			nullTime(next), taskID,
		); err != nil {
			return fmt.Errorf("%w: bump %s: %v", ErrUnavailable, counter, err)
		}
		return nil
	})
}

// RecoverInterrupted finalizes executions left open by a crash: each row
// without completed_at is marked failed with error "interrupted" and its
// task's failure counter is incremented. Returns the number recovered.
func (s *Store) RecoverInterrupted(now time.Time) (int, error) {
	timer := logging.StartTimer(logging.CategoryScheduler, "RecoverInterrupted")
	defer timer.Stop()

	recovered := 0
	err := s.WithTx(func(tx *sql.Tx) error {
		rows, err := tx.Query(
			"SELECT id, task_id, started_at FROM task_executions WHERE completed_at IS NULL",
		)
		if err != nil {
			return fmt.Errorf("%w: find interrupted: %v", ErrUnavailable, err)
		}

		type open struct {
			id        int64
			taskID    string
			startedAt time.Time
		}
		var opens []open
		for rows.Next() {
			var o open
			if err := rows.Scan(&o.id, &o.taskID, &o.startedAt); err != nil {
				continue
			}
			opens = append(opens, o)
		}
		rows.Close()

		for _, o := range opens {
			duration := now.Sub(o.startedAt).Seconds()
			if duration < 0 {
				duration = 0
			}
			if _, err := tx.Exec(
				`UPDATE task_executions
				 SET completed_at = ?, success = FALSE, error_message = 'interrupted', duration_seconds = ?
				 WHERE id = ?`,
				now.UTC(), duration, o.id,
			); err != nil {
				return fmt.Errorf("%w: recover execution %d: %v", ErrUnavailable, o.id, err)
			}
			if _, err := tx.Exec(
				"UPDATE scheduled_tasks SET failure_count = failure_count + 1 WHERE id = ?",
				o.taskID,
			); err != nil {
				return fmt.Errorf("%w: bump failure_count: %v", ErrUnavailable, err)
			}
			recovered++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if recovered > 0 {
		logging.Scheduler("Recovered %d interrupted execution(s)", recovered)
	}
	return recovered, nil
}

// TaskExecutions returns the most recent executions for a task.
func (s *Store) TaskExecutions(taskID string, limit int) ([]types.TaskExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.Query(
		`SELECT id, task_id, started_at, completed_at, success, error_message, output, duration_seconds
		 FROM task_executions WHERE task_id = ?
		 ORDER BY started_at DESC LIMIT ?`,
		taskID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: task executions: %v", ErrUnavailable, err)
	}
	defer rows.Close()

	var execs []types.TaskExecution
	for rows.Next() {
		var e types.TaskExecution
		var completedAt sql.NullTime
		var duration sql.NullFloat64
		if err := rows.Scan(&e.ID, &e.TaskID, &e.StartedAt, &completedAt,
			&e.Success, &e.ErrorMessage, &e.Output, &duration); err != nil {
			continue
		}
		if completedAt.Valid {
			t := completedAt.Time
			e.CompletedAt = &t
		}
		if duration.Valid {
			e.DurationSeconds = duration.Float64
		}
		execs = append(execs, e)
	}
	return execs, rows.Err()
}

// =============================================================================
// SCAN HELPERS
// =============================================================================

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(sc rowScanner) (types.ScheduledTask, error) {
	var t types.ScheduledTask
	var cfg string
	var lastRun, nextRun sql.NullTime
	err := sc.Scan(
		&t.ID, &t.DisplayName, &t.ScheduleExpression, &t.TemplateName, &cfg,
		&t.Enabled, &t.CreatedAt, &lastRun, &nextRun,
		&t.RunCount, &t.SuccessCount, &t.FailureCount,
	)
	if err != nil {
		return t, err
	}
	if err := json.Unmarshal([]byte(cfg), &t.TemplateConfig); err != nil {
		t.TemplateConfig = map[string]string{}
	}
	if lastRun.Valid {
		v := lastRun.Time
		t.LastRun = &v
	}
	if nextRun.Valid {
		v := nextRun.Time
		t.NextRun = &v
	}
	return t, nil
}

func scanTaskRow(row *sql.Row) (types.ScheduledTask, error) {
	return scanTask(row)
}

func nullTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.UTC()
}
