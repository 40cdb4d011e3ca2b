package store

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
)

type fakeAccounts struct {
	posix bool
}

func (f fakeAccounts) EnsureAllowed(name string) (string, error) {
	if name == "nobody" {
		return "", errors.New("account nobody is not allowed to run tasks")
	}
	return name, nil
}

func (f fakeAccounts) PosixSupported() bool { return f.posix }
func (f fakeAccounts) DefaultAccount() string { return "admin" }

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"), fakeAccounts{posix: true})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	s.now = func() time.Time { return time.Date(2025, 6, 1, 10, 0, 0, 0, time.Local) }
	return s
}

func strptr(s string) *string { return &s }

func scheduleTask(name string) TaskPayload {
	return TaskPayload{
		Name:               strptr(name),
		Account:            strptr("admin"),
		ScheduleExpression: strptr("*/5 * * * *"),
		ScriptBody:         strptr("echo hi"),
	}
}

func TestCreateScheduleTask(t *testing.T) {
	s := newTestStore(t)
	task, err := s.CreateTask(scheduleTask("backup"))
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if task.TriggerType != TriggerSchedule {
		t.Errorf("trigger = %q, want schedule", task.TriggerType)
	}
	if task.NextRunAt == nil || *task.NextRunAt != "2025-06-01 10:05:00" {
		t.Errorf("next_run_at = %v, want 2025-06-01 10:05:00", task.NextRunAt)
	}
	if task.ConditionScript != nil {
		t.Errorf("condition_script = %v, want nil on schedule task", *task.ConditionScript)
	}
	if !task.IsActive {
		t.Error("new task should default to active")
	}
}

func TestCreateTaskNameConflict(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.CreateTask(scheduleTask("backup")); err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	_, err := s.CreateTask(scheduleTask("backup"))
	if !errors.Is(err, ErrNameConflict) {
		t.Fatalf("duplicate name error = %v, want ErrNameConflict", err)
	}
}

func TestUpdateTaskRecomputesNextRun(t *testing.T) {
	s := newTestStore(t)
	task, err := s.CreateTask(scheduleTask("backup"))
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	before := *task.NextRunAt

	updated, err := s.UpdateTask(task.ID, TaskPayload{ScheduleExpression: strptr("0 12 * * *")})
	if err != nil {
		t.Fatalf("UpdateTask: %v", err)
	}
	if updated.NextRunAt == nil || *updated.NextRunAt == before {
		t.Errorf("next_run_at not recomputed after expression change: %v", updated.NextRunAt)
	}
	if *updated.NextRunAt != "2025-06-01 12:00:00" {
		t.Errorf("next_run_at = %q, want 2025-06-01 12:00:00", *updated.NextRunAt)
	}
}

func TestUpdateTaskSwitchToEvent(t *testing.T) {
	s := newTestStore(t)
	task, err := s.CreateTask(scheduleTask("watcher"))
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	updated, err := s.UpdateTask(task.ID, TaskPayload{
		TriggerType:     strptr(TriggerEvent),
		ConditionScript: strptr("test -f /tmp/flag"),
	})
	if err != nil {
		t.Fatalf("UpdateTask: %v", err)
	}
	if updated.ScheduleExpression != nil || updated.NextRunAt != nil {
		t.Errorf("schedule fields not cleared: expr=%v next=%v",
			updated.ScheduleExpression, updated.NextRunAt)
	}
	if updated.ConditionScript == nil || *updated.ConditionScript != "test -f /tmp/flag" {
		t.Errorf("condition_script = %v", updated.ConditionScript)
	}
}

func TestUpdateTaskNotFound(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.UpdateTask(99, TaskPayload{Name: strptr("x")}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestFetchDueTasks(t *testing.T) {
	s := newTestStore(t)
	first, err := s.CreateTask(scheduleTask("early"))
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	later := scheduleTask("late")
	later.ScheduleExpression = strptr("30 10 * * *")
	second, err := s.CreateTask(later)
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	due, err := s.FetchDueTasks(time.Date(2025, 6, 1, 10, 5, 0, 0, time.Local))
	if err != nil {
		t.Fatalf("FetchDueTasks: %v", err)
	}
	if len(due) != 1 || due[0].ID != first.ID {
		t.Fatalf("due = %+v, want only task %d", due, first.ID)
	}

	due, err = s.FetchDueTasks(time.Date(2025, 6, 1, 10, 30, 0, 0, time.Local))
	if err != nil {
		t.Fatalf("FetchDueTasks: %v", err)
	}
	if len(due) != 2 {
		t.Fatalf("due count = %d, want 2", len(due))
	}
	if due[0].ID != first.ID || due[1].ID != second.ID {
		t.Errorf("due not ordered by next_run_at: %d, %d", due[0].ID, due[1].ID)
	}
}

func TestFetchDueTasksSkipsInactive(t *testing.T) {
	s := newTestStore(t)
	task, err := s.CreateTask(scheduleTask("paused"))
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	inactive := false
	if _, err := s.UpdateTask(task.ID, TaskPayload{IsActive: &inactive}); err != nil {
		t.Fatalf("UpdateTask: %v", err)
	}
	due, err := s.FetchDueTasks(time.Date(2025, 6, 2, 0, 0, 0, 0, time.Local))
	if err != nil {
		t.Fatalf("FetchDueTasks: %v", err)
	}
	if len(due) != 0 {
		t.Fatalf("inactive task dispatched: %+v", due)
	}
}

func TestStartResultIfIdle(t *testing.T) {
	s := newTestStore(t)
	task, err := s.CreateTask(scheduleTask("job"))
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	resultID, err := s.StartResultIfIdle(task.ID, ReasonManual)
	if err != nil {
		t.Fatalf("first claim: %v", err)
	}
	if _, err := s.StartResultIfIdle(task.ID, ReasonManual); !errors.Is(err, ErrAlreadyRunning) {
		t.Fatalf("second claim err = %v, want ErrAlreadyRunning", err)
	}

	if err := s.FinalizeResult(resultID, StatusSuccess, "done"); err != nil {
		t.Fatalf("FinalizeResult: %v", err)
	}
	if _, err := s.StartResultIfIdle(task.ID, ReasonManual); err != nil {
		t.Fatalf("claim after finalize: %v", err)
	}
}

func TestResultsNewestFirst(t *testing.T) {
	s := newTestStore(t)
	task, err := s.CreateTask(scheduleTask("job"))
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}

	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.Local)
	for i := 0; i < 3; i++ {
		s.now = func() time.Time { return base.Add(time.Duration(i) * time.Minute) }
		id, err := s.StartResult(task.ID, ReasonSchedule)
		if err != nil {
			t.Fatalf("StartResult: %v", err)
		}
		if err := s.FinalizeResult(id, StatusSuccess, ""); err != nil {
			t.Fatalf("FinalizeResult: %v", err)
		}
	}

	results, err := s.FetchResults(task.ID, 0, 0)
	if err != nil {
		t.Fatalf("FetchResults: %v", err)
	}
	if len(results) != 3 {
		t.Fatalf("result count = %d, want 3", len(results))
	}
	if results[0].StartedAt < results[1].StartedAt || results[1].StartedAt < results[2].StartedAt {
		t.Errorf("results not newest first: %q %q %q",
			results[0].StartedAt, results[1].StartedAt, results[2].StartedAt)
	}

	latest, err := s.LatestResult(task.ID)
	if err != nil {
		t.Fatalf("LatestResult: %v", err)
	}
	if latest == nil || latest.ID != results[0].ID {
		t.Errorf("latest = %+v, want newest result", latest)
	}
}

func TestLatestResultNilWhenEmpty(t *testing.T) {
	s := newTestStore(t)
	task, err := s.CreateTask(scheduleTask("job"))
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	latest, err := s.LatestResult(task.ID)
	if err != nil {
		t.Fatalf("LatestResult: %v", err)
	}
	if latest != nil {
		t.Errorf("latest = %+v, want nil for task with no runs", latest)
	}
}

func TestDeleteResults(t *testing.T) {
	s := newTestStore(t)
	task, err := s.CreateTask(scheduleTask("job"))
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	var ids []int64
	for i := 0; i < 3; i++ {
		id, err := s.StartResult(task.ID, ReasonManual)
		if err != nil {
			t.Fatalf("StartResult: %v", err)
		}
		ids = append(ids, id)
	}

	n, err := s.DeleteResults(task.ID, &ids[0])
	if err != nil {
		t.Fatalf("DeleteResults one: %v", err)
	}
	if n != 1 {
		t.Errorf("deleted = %d, want 1", n)
	}
	n, err = s.DeleteResults(task.ID, nil)
	if err != nil {
		t.Fatalf("DeleteResults all: %v", err)
	}
	if n != 2 {
		t.Errorf("deleted = %d, want 2", n)
	}
}

func TestDeleteTaskCascadesResults(t *testing.T) {
	s := newTestStore(t)
	task, err := s.CreateTask(scheduleTask("job"))
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if _, err := s.StartResult(task.ID, ReasonManual); err != nil {
		t.Fatalf("StartResult: %v", err)
	}
	deleted, err := s.DeleteTask(task.ID)
	if err != nil || !deleted {
		t.Fatalf("DeleteTask = %v, %v", deleted, err)
	}
	results, err := s.FetchResults(task.ID, 0, 0)
	if err != nil {
		t.Fatalf("FetchResults: %v", err)
	}
	if len(results) != 0 {
		t.Errorf("results survived task delete: %+v", results)
	}
}

func TestScheduleNextRun(t *testing.T) {
	s := newTestStore(t)
	task, err := s.CreateTask(scheduleTask("job"))
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	next, err := s.ScheduleNextRun(task.ID, "*/5 * * * *", time.Date(2025, 6, 1, 10, 7, 0, 0, time.Local))
	if err != nil {
		t.Fatalf("ScheduleNextRun: %v", err)
	}
	if next != "2025-06-01 10:10:00" {
		t.Errorf("next = %q, want 2025-06-01 10:10:00", next)
	}
	got, err := s.GetTask(task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.NextRunAt == nil || *got.NextRunAt != next {
		t.Errorf("persisted next_run_at = %v, want %q", got.NextRunAt, next)
	}
}

func TestMigrateFromVersionOne(t *testing.T) {
	path := filepath.Join(t.TempDir(), "old.db")
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		t.Fatalf("open raw db: %v", err)
	}
	stmts := []string{
		`CREATE TABLE tasks (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			name TEXT NOT NULL UNIQUE,
			account TEXT NOT NULL,
			trigger_type TEXT NOT NULL,
			schedule_expression TEXT,
			condition_script TEXT,
			condition_interval INTEGER NOT NULL DEFAULT 60,
			is_active INTEGER NOT NULL DEFAULT 1,
			pre_task_ids TEXT NOT NULL DEFAULT '[]',
			script_body TEXT NOT NULL,
			last_run_at TEXT,
			next_run_at TEXT,
			last_condition_check_at TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE task_results (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id INTEGER NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
			status TEXT NOT NULL,
			trigger_reason TEXT NOT NULL,
			started_at TEXT NOT NULL,
			finished_at TEXT,
			log TEXT
		)`,
		`PRAGMA user_version=1`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			t.Fatalf("prepare v1 schema: %v", err)
		}
	}
	db.Close()

	s, err := Open(path, fakeAccounts{posix: true})
	if err != nil {
		t.Fatalf("Open over v1 db: %v", err)
	}
	defer s.Close()

	var version int
	if err := s.db.Get(&version, "PRAGMA user_version"); err != nil {
		t.Fatalf("read user_version: %v", err)
	}
	if version != schemaVersion {
		t.Errorf("user_version = %d, want %d", version, schemaVersion)
	}

	// event_type column added, templates table created.
	if _, err := s.db.Exec("SELECT event_type FROM tasks"); err != nil {
		t.Errorf("event_type column missing after migration: %v", err)
	}
	if _, err := s.db.Exec("SELECT COUNT(1) FROM templates"); err != nil {
		t.Errorf("templates table missing after migration: %v", err)
	}
}
