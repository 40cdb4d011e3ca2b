//go:build !windows

package runner

import (
	"errors"
	"os/user"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/baishicoke/fn-scheduler/internal/store"
)

type openAccounts struct{}

func (openAccounts) EnsureAllowed(name string) (string, error) { return name, nil }
func (openAccounts) PosixSupported() bool                      { return true }
func (openAccounts) DefaultAccount() string                    { return "admin" }

func currentUser(t *testing.T) string {
	t.Helper()
	u, err := user.Current()
	if err != nil {
		t.Skipf("cannot resolve current user: %v", err)
	}
	return u.Username
}

func newRunnerStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "runner.db"), openAccounts{})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func createTask(t *testing.T, s *store.Store, name, script string) *store.Task {
	t.Helper()
	account := currentUser(t)
	expr := "* * * * *"
	task, err := s.CreateTask(store.TaskPayload{
		Name:               &name,
		Account:            &account,
		ScheduleExpression: &expr,
		ScriptBody:         &script,
	})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	return task
}

func runAndFetch(t *testing.T, s *store.Store, r *Runner, task *store.Task) *store.TaskResult {
	t.Helper()
	resultID, err := s.StartResult(task.ID, store.ReasonManual)
	if err != nil {
		t.Fatalf("StartResult: %v", err)
	}
	r.Run(task, resultID, store.ReasonManual)
	result, err := s.FetchResult(task.ID, resultID)
	if err != nil {
		t.Fatalf("FetchResult: %v", err)
	}
	return result
}

func TestRunSuccessCapturesOutput(t *testing.T) {
	s := newRunnerStore(t)
	r := New(s, DefaultConfig())
	task := createTask(t, s, "hello", "echo hello; echo warn >&2")

	result := runAndFetch(t, s, r, task)
	if result.Status != store.StatusSuccess {
		t.Fatalf("status = %q, want success (log: %v)", result.Status, result.Log)
	}
	if result.Log == nil || !strings.Contains(*result.Log, "hello") || !strings.Contains(*result.Log, "warn") {
		t.Errorf("log = %v, want stdout and stderr captured", result.Log)
	}
	if result.FinishedAt == nil {
		t.Error("finished_at not stamped")
	}

	got, err := s.GetTask(task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.LastRunAt == nil {
		t.Error("last_run_at not stamped after run")
	}
}

func TestRunFailureRecordsOutput(t *testing.T) {
	s := newRunnerStore(t)
	r := New(s, DefaultConfig())
	task := createTask(t, s, "fails", "echo boom; exit 3")

	result := runAndFetch(t, s, r, task)
	if result.Status != store.StatusFailed {
		t.Fatalf("status = %q, want failed", result.Status)
	}
	if result.Log == nil || !strings.Contains(*result.Log, "boom") {
		t.Errorf("log = %v, want script output", result.Log)
	}
}

func TestRunTimeout(t *testing.T) {
	s := newRunnerStore(t)
	r := New(s, Config{TaskTimeout: time.Second, ConditionTimeout: time.Second})
	task := createTask(t, s, "slow", "sleep 5")

	result := runAndFetch(t, s, r, task)
	if result.Status != store.StatusFailed {
		t.Fatalf("status = %q, want failed", result.Status)
	}
	if result.Log == nil || !strings.Contains(*result.Log, "task execution timeout") {
		t.Errorf("log = %v, want timeout message", result.Log)
	}
}

func TestRunInjectsEnvironment(t *testing.T) {
	s := newRunnerStore(t)
	r := New(s, DefaultConfig())
	task := createTask(t, s, "env-probe", `echo "$SCHEDULER_TASK_NAME/$SCHEDULER_TRIGGER"`)

	result := runAndFetch(t, s, r, task)
	if result.Status != store.StatusSuccess {
		t.Fatalf("status = %q (log: %v)", result.Status, result.Log)
	}
	if result.Log == nil || !strings.Contains(*result.Log, "env-probe/manual") {
		t.Errorf("log = %v, want injected task name and trigger", result.Log)
	}
}

func TestRunUnknownAccountFails(t *testing.T) {
	s := newRunnerStore(t)
	r := New(s, DefaultConfig())
	task := createTask(t, s, "ghost", "true")
	task.Account = "no-such-user-here"

	result := runAndFetch(t, s, r, task)
	if result.Status != store.StatusFailed {
		t.Fatalf("status = %q, want failed", result.Status)
	}
	if result.Log == nil || !strings.Contains(*result.Log, "does not exist") {
		t.Errorf("log = %v, want account lookup failure", result.Log)
	}
}

func TestRunCondition(t *testing.T) {
	s := newRunnerStore(t)
	r := New(s, Config{TaskTimeout: time.Second, ConditionTimeout: time.Second})

	script := "exit 0"
	task := &store.Task{ID: 1, ConditionScript: &script}
	if !r.RunCondition(task) {
		t.Error("exit 0 condition reported unsatisfied")
	}

	script = "exit 1"
	if r.RunCondition(task) {
		t.Error("exit 1 condition reported satisfied")
	}

	script = "sleep 5"
	if r.RunCondition(task) {
		t.Error("timed-out condition reported satisfied")
	}

	if r.RunCondition(&store.Task{ID: 2}) {
		t.Error("nil condition script reported satisfied")
	}
}

func TestAccountContextRequiresRoot(t *testing.T) {
	u, err := user.Current()
	if err != nil {
		t.Skipf("cannot resolve current user: %v", err)
	}
	if u.Uid == "0" {
		t.Skip("running as root, switch would be permitted")
	}
	_, _, err = accountContext("root")
	if !errors.Is(err, ErrPermissionDenied) {
		t.Errorf("err = %v, want ErrPermissionDenied", err)
	}
}
