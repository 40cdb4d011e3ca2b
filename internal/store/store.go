// Package store is the durable catalog of tasks, executions, and script
// templates, backed by an embedded SQLite database. One mutex serializes all
// access so every operation observes a consistent snapshot.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/baishicoke/fn-scheduler/internal/cron"
	"github.com/baishicoke/fn-scheduler/internal/timefmt"
)

// schemaVersion is the current schema version kept in PRAGMA user_version.
const schemaVersion = 2

// Store owns the scheduler database.
type Store struct {
	db       *sqlx.DB
	mu       sync.Mutex
	accounts AccountChecker
	now      func() time.Time
}

// Open opens (or creates) the database at path and migrates it to the current
// schema version.
func Open(path string, accounts AccountChecker) (*Store, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}
	db, err := sqlx.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single connection keeps the writer serialized alongside the mutex.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, accounts: accounts, now: time.Now}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	slog.Info("task store opened", "path", path)
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

func (s *Store) migrate() error {
	var version int
	if err := s.db.Get(&version, "PRAGMA user_version"); err != nil {
		return fmt.Errorf("read user_version: %w", err)
	}
	if version < 1 {
		if err := s.createSchema(); err != nil {
			return err
		}
		if _, err := s.db.Exec(fmt.Sprintf("PRAGMA user_version=%d", schemaVersion)); err != nil {
			return err
		}
		version = schemaVersion
	}
	if version < 2 {
		_, err := s.db.Exec("ALTER TABLE tasks ADD COLUMN event_type TEXT NOT NULL DEFAULT 'script'")
		if err != nil && !strings.Contains(strings.ToLower(err.Error()), "duplicate column") {
			return fmt.Errorf("add event_type column: %w", err)
		}
		if _, err := s.db.Exec("PRAGMA user_version=2"); err != nil {
			return err
		}
		version = 2
	}
	if version < schemaVersion {
		if _, err := s.db.Exec(fmt.Sprintf("PRAGMA user_version=%d", schemaVersion)); err != nil {
			return err
		}
	}

	// Installations upgraded in place may predate the templates table.
	if err := s.ensureTemplatesTable(); err != nil {
		slog.Error("failed to ensure templates table", "error", err)
	}
	return nil
}

func (s *Store) createSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL UNIQUE,
			account TEXT NOT NULL,
			trigger_type TEXT NOT NULL,
			schedule_expression TEXT,
			condition_script TEXT,
			condition_interval INTEGER NOT NULL DEFAULT 60,
			event_type TEXT NOT NULL DEFAULT 'script',
			is_active INTEGER NOT NULL DEFAULT 1,
			pre_task_ids TEXT NOT NULL DEFAULT '[]',
			script_body TEXT NOT NULL,
			last_run_at TEXT,
			next_run_at TEXT,
			last_condition_check_at TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS task_results (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id INTEGER NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
			status TEXT NOT NULL,
			trigger_reason TEXT NOT NULL,
			started_at TEXT NOT NULL,
			finished_at TEXT,
			log TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_task_results_task ON task_results(task_id, started_at DESC)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	return s.ensureTemplatesTable()
}

func (s *Store) ensureTemplatesTable() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS templates (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		key TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		script_body TEXT NOT NULL,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`)
	return err
}

// integrityError converts a unique-constraint violation into the matching
// conflict sentinel.
func integrityError(err error, conflict error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "unique") || strings.Contains(msg, "constraint") {
		return conflict
	}
	return fmt.Errorf("database integrity error: %w", err)
}

// --- Tasks ---

// ListTasks returns all tasks ordered by id ascending.
func (s *Store) ListTasks() ([]Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var tasks []Task
	if err := s.db.Select(&tasks, "SELECT * FROM tasks ORDER BY id ASC"); err != nil {
		return nil, err
	}
	return tasks, nil
}

// GetTask returns one task or ErrNotFound.
func (s *Store) GetTask(id int64) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getTaskLocked(id)
}

func (s *Store) getTaskLocked(id int64) (*Task, error) {
	var task Task
	if err := s.db.Get(&task, "SELECT * FROM tasks WHERE id=?", id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &task, nil
}

// CreateTask validates the payload and inserts a new task.
func (s *Store) CreateTask(p TaskPayload) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	task, err := s.prepareTask(p, nil, now)
	if err != nil {
		return nil, err
	}
	stamp := timefmt.Format(now)
	task.CreatedAt = stamp
	task.UpdatedAt = stamp

	res, err := s.db.NamedExec(`INSERT INTO tasks (
			name, account, trigger_type, schedule_expression, condition_script,
			condition_interval, event_type, is_active, pre_task_ids, script_body,
			last_run_at, next_run_at, last_condition_check_at, created_at, updated_at
		) VALUES (
			:name, :account, :trigger_type, :schedule_expression, :condition_script,
			:condition_interval, :event_type, :is_active, :pre_task_ids, :script_body,
			:last_run_at, :next_run_at, :last_condition_check_at, :created_at, :updated_at
		)`, task)
	if err != nil {
		return nil, integrityError(err, ErrNameConflict)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	slog.Info("task created", "id", id, "name", task.Name, "trigger", task.TriggerType)
	return s.getTaskLocked(id)
}

// UpdateTask merges the payload over the existing row, re-validates, and
// writes the result. Returns ErrNotFound for a missing id.
func (s *Store) UpdateTask(id int64, p TaskPayload) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.getTaskLocked(id)
	if err != nil {
		return nil, err
	}

	// A changed cron expression forces next_run_at to be recomputed from the
	// current clock rather than preserved.
	if existing.TriggerType == TriggerSchedule && p.ScheduleExpression != nil {
		newExpr := strings.TrimSpace(*p.ScheduleExpression)
		oldExpr := ""
		if existing.ScheduleExpression != nil {
			oldExpr = *existing.ScheduleExpression
		}
		if newExpr != "" && newExpr != oldExpr {
			existing.NextRunAt = nil
		}
	}

	now := s.now()
	task, err := s.prepareTask(p, existing, now)
	if err != nil {
		return nil, err
	}
	task.UpdatedAt = timefmt.Format(now)

	if _, err := s.db.NamedExec(`UPDATE tasks SET
			name=:name, account=:account, trigger_type=:trigger_type,
			schedule_expression=:schedule_expression, condition_script=:condition_script,
			condition_interval=:condition_interval, event_type=:event_type,
			is_active=:is_active, pre_task_ids=:pre_task_ids, script_body=:script_body,
			last_run_at=:last_run_at, next_run_at=:next_run_at,
			last_condition_check_at=:last_condition_check_at, updated_at=:updated_at
		WHERE id=:id`, task); err != nil {
		return nil, integrityError(err, ErrNameConflict)
	}
	return s.getTaskLocked(id)
}

// DeleteTask removes a task; its results cascade.
func (s *Store) DeleteTask(id int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.Exec("DELETE FROM tasks WHERE id=?", id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		slog.Info("task deleted", "id", id)
	}
	return n > 0, nil
}

// FetchDueTasks returns active schedule tasks whose next_run_at is at or
// before moment, ordered by next_run_at.
func (s *Store) FetchDueTasks(moment time.Time) ([]Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var tasks []Task
	err := s.db.Select(&tasks, `SELECT * FROM tasks
		WHERE trigger_type='schedule' AND is_active=1
		  AND next_run_at IS NOT NULL AND next_run_at <= ?
		ORDER BY next_run_at ASC`, timefmt.Format(moment))
	if err != nil {
		return nil, err
	}
	return tasks, nil
}

// FetchEventTasks returns active event tasks, optionally filtered by event
// type ("" = all).
func (s *Store) FetchEventTasks(eventType string) ([]Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	query := "SELECT * FROM tasks WHERE trigger_type='event' AND is_active=1"
	args := []any{}
	if eventType != "" {
		query += " AND event_type=?"
		args = append(args, eventType)
	}
	query += " ORDER BY id ASC"
	var tasks []Task
	if err := s.db.Select(&tasks, query, args...); err != nil {
		return nil, err
	}
	return tasks, nil
}

// --- Results ---

// StartResult inserts a running result row and returns its id.
func (s *Store) StartResult(taskID int64, reason string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startResultLocked(taskID, reason)
}

// StartResultIfIdle atomically claims a run: the running-instance check and
// the result insert happen under the store mutex, so concurrent dispatchers
// cannot both start the same task. Returns ErrAlreadyRunning when a running
// result exists.
func (s *Store) StartResultIfIdle(taskID int64, reason string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	running, err := s.hasRunningLocked(taskID)
	if err != nil {
		return 0, err
	}
	if running {
		return 0, ErrAlreadyRunning
	}
	return s.startResultLocked(taskID, reason)
}

func (s *Store) startResultLocked(taskID int64, reason string) (int64, error) {
	res, err := s.db.Exec(`INSERT INTO task_results (task_id, status, trigger_reason, started_at)
		VALUES (?, 'running', ?, ?)`, taskID, reason, timefmt.Format(s.now()))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// FinalizeResult marks a result terminal and records its log.
func (s *Store) FinalizeResult(resultID int64, status, logText string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.Exec("UPDATE task_results SET status=?, finished_at=?, log=? WHERE id=?",
		status, timefmt.Format(s.now()), logText, resultID)
	return err
}

// FetchResults returns a task's results, newest first.
func (s *Store) FetchResults(taskID int64, limit, offset int) ([]TaskResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	var results []TaskResult
	err := s.db.Select(&results, `SELECT * FROM task_results WHERE task_id=?
		ORDER BY started_at DESC, id DESC LIMIT ? OFFSET ?`, taskID, limit, offset)
	if err != nil {
		return nil, err
	}
	return results, nil
}

// FetchResult returns one result of a task or ErrNotFound.
func (s *Store) FetchResult(taskID, resultID int64) (*TaskResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var result TaskResult
	err := s.db.Get(&result, "SELECT * FROM task_results WHERE task_id=? AND id=?", taskID, resultID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// DeleteResults purges a task's results; a non-nil resultID restricts the
// purge to one row. Returns the number of rows removed.
func (s *Store) DeleteResults(taskID int64, resultID *int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var (
		res sql.Result
		err error
	)
	if resultID == nil {
		res, err = s.db.Exec("DELETE FROM task_results WHERE task_id=?", taskID)
	} else {
		res, err = s.db.Exec("DELETE FROM task_results WHERE task_id=? AND id=?", taskID, *resultID)
	}
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// LatestResult returns the newest result of a task, or nil when it has none.
func (s *Store) LatestResult(taskID int64) (*TaskResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var result TaskResult
	err := s.db.Get(&result, `SELECT * FROM task_results WHERE task_id=?
		ORDER BY started_at DESC, id DESC LIMIT 1`, taskID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// HasRunningInstance reports whether the task has a running result.
func (s *Store) HasRunningInstance(taskID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hasRunningLocked(taskID)
}

func (s *Store) hasRunningLocked(taskID int64) (bool, error) {
	var count int
	if err := s.db.Get(&count, "SELECT COUNT(1) FROM task_results WHERE task_id=? AND status='running'", taskID); err != nil {
		return false, err
	}
	return count > 0, nil
}

// --- Task state stamps ---

// UpdateLastRun stamps last_run_at with the current clock.
func (s *Store) UpdateLastRun(taskID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stamp := timefmt.Format(s.now())
	_, err := s.db.Exec("UPDATE tasks SET last_run_at=?, updated_at=? WHERE id=?", stamp, stamp, taskID)
	return err
}

// ScheduleNextRun computes the next cron match after base and writes it to
// next_run_at. Returns the persisted timestamp.
func (s *Store) ScheduleNextRun(taskID int64, expression string, base time.Time) (string, error) {
	if expression == "" {
		return "", nil
	}
	expr, err := cron.Parse(expression)
	if err != nil {
		return "", err
	}
	next, err := expr.NextAfter(base)
	if err != nil {
		return "", err
	}
	nextStr := timefmt.Format(next)

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err = s.db.Exec("UPDATE tasks SET next_run_at=?, updated_at=? WHERE id=?",
		nextStr, timefmt.Format(s.now()), taskID)
	if err != nil {
		return "", err
	}
	return nextStr, nil
}

// UpdateConditionCheck stamps last_condition_check_at with the current clock.
func (s *Store) UpdateConditionCheck(taskID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stamp := timefmt.Format(s.now())
	_, err := s.db.Exec("UPDATE tasks SET last_condition_check_at=?, updated_at=? WHERE id=?", stamp, stamp, taskID)
	return err
}
