// Package runner executes a single task's script under its configured
// operating-system account, bounded by a hard timeout, and records the
// outcome in the store.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/baishicoke/fn-scheduler/internal/store"
)

// ErrPermissionDenied is returned when a task needs an account switch but the
// process is not running as the superuser.
var ErrPermissionDenied = errors.New("scheduler service must run as root to switch task execution account")

// Config bounds task and condition-script execution.
type Config struct {
	TaskTimeout      time.Duration
	ConditionTimeout time.Duration
}

// DefaultConfig returns the standard execution bounds.
func DefaultConfig() Config {
	return Config{
		TaskTimeout:      900 * time.Second,
		ConditionTimeout: 60 * time.Second,
	}
}

// Runner spawns task scripts and finalizes their results.
type Runner struct {
	store *store.Store
	cfg   Config
}

// New creates a runner writing outcomes to st.
func New(st *store.Store, cfg Config) *Runner {
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = DefaultConfig().TaskTimeout
	}
	if cfg.ConditionTimeout <= 0 {
		cfg.ConditionTimeout = DefaultConfig().ConditionTimeout
	}
	return &Runner{store: st, cfg: cfg}
}

// Run executes the task's script and finalizes the already-claimed result
// row. Errors never propagate: every failure becomes a failed result with an
// explanatory log. The result is always finalized before last_run_at is
// stamped.
func (r *Runner) Run(task *store.Task, resultID int64, reason string) {
	slog.Info("executing task", "task", task.ID, "name", task.Name, "reason", reason)

	logText, status := r.executeScript(task, reason)

	if err := r.store.FinalizeResult(resultID, status, logText); err != nil {
		slog.Error("failed to finalize result", "task", task.ID, "result", resultID, "error", err)
	}
	if err := r.store.UpdateLastRun(task.ID); err != nil {
		slog.Error("failed to stamp last run", "task", task.ID, "error", err)
	}
	slog.Info("task finished", "task", task.ID, "status", status)
}

func (r *Runner) executeScript(task *store.Task, reason string) (string, string) {
	cred, homeDir, err := accountContext(task.Account)
	if err != nil {
		return err.Error(), store.StatusFailed
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.TaskTimeout)
	defer cancel()

	name, args := shellCommand(task.ScriptBody)
	cmd := exec.CommandContext(ctx, name, args...)

	env := os.Environ()
	if homeDir != "" {
		env = append(env, "HOME="+homeDir)
	}
	env = append(env,
		fmt.Sprintf("SCHEDULER_TASK_ID=%d", task.ID),
		"SCHEDULER_TASK_NAME="+task.Name,
		"SCHEDULER_TASK_ACCOUNT="+task.Account,
		"SCHEDULER_TRIGGER="+reason,
	)
	cmd.Env = env
	applyCredential(cmd, cred)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		return fmt.Sprintf("task execution timeout (> %ds)", int(r.cfg.TaskTimeout.Seconds())), store.StatusFailed
	}

	output := strings.TrimSpace(stdout.String() + stderr.String())
	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			return output, store.StatusFailed
		}
		// Spawn failure: no process ran, report the raw error.
		return runErr.Error(), store.StatusFailed
	}
	return output, store.StatusSuccess
}

// RunCondition executes a task's condition script with the condition bound.
// The condition is satisfied iff the script exits 0 within the timeout; the
// script runs as the service account with no environment injection.
func (r *Runner) RunCondition(task *store.Task) bool {
	if task.ConditionScript == nil || strings.TrimSpace(*task.ConditionScript) == "" {
		return false
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.ConditionTimeout)
	defer cancel()

	name, args := shellCommand(*task.ConditionScript)
	cmd := exec.CommandContext(ctx, name, args...)
	var combined bytes.Buffer
	cmd.Stdout = &combined
	cmd.Stderr = &combined

	err := cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		slog.Warn("condition script timeout", "task", task.ID, "timeout", r.cfg.ConditionTimeout)
		return false
	}
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			slog.Warn("condition script failed to launch", "task", task.ID, "error", err)
		}
		return false
	}
	return true
}
