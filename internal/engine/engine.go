// Package engine drives task dispatch: a single 1-second loop handles
// due-time scheduling and condition polling, and one-shot hooks fire
// system_boot and system_shutdown tasks around the loop's lifetime.
package engine

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/baishicoke/fn-scheduler/internal/runner"
	"github.com/baishicoke/fn-scheduler/internal/store"
	"github.com/baishicoke/fn-scheduler/internal/timefmt"
)

// stopGrace bounds how long Stop waits for the loop to drain.
const stopGrace = 5 * time.Second

// Engine selects runnable tasks from the store and spawns runners.
type Engine struct {
	store  *store.Store
	runner *runner.Runner

	startedAt time.Time
	stopCh    chan struct{}
	done      chan struct{}
	stopOnce  sync.Once
	now       func() time.Time
}

// New creates an engine over the given store and runner.
func New(st *store.Store, rn *runner.Runner) *Engine {
	return &Engine{
		store:  st,
		runner: rn,
		now:    time.Now,
	}
}

// Start records the engine start time, launches the loop, and fires all
// active system_boot tasks, waiting for them before returning.
func (e *Engine) Start() {
	e.startedAt = e.now()
	e.stopCh = make(chan struct{})
	e.done = make(chan struct{})

	go e.loop()
	slog.Info("scheduler engine started", "started_at", timefmt.Format(e.startedAt))
	e.triggerSystemEvent(store.EventBoot)
}

// Stop sets the stop flag, fires all active system_shutdown tasks and awaits
// them, then joins the loop with a bounded grace period.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() {
		close(e.stopCh)
		e.triggerSystemEvent(store.EventShutdown)
		select {
		case <-e.done:
		case <-time.After(stopGrace):
			slog.Warn("scheduler loop did not stop within grace period")
		}
		slog.Info("scheduler engine stopped")
	})
}

func (e *Engine) loop() {
	defer close(e.done)
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			now := e.now()
			e.processDueTasks(now)
			e.processEventTasks(now)
		}
	}
}

// processDueTasks dispatches schedule tasks whose next_run_at has passed.
// Runs left over from before the engine started are never replayed; they are
// rescheduled forward instead.
func (e *Engine) processDueTasks(moment time.Time) {
	tasks, err := e.store.FetchDueTasks(moment)
	if err != nil {
		slog.Error("failed to fetch due tasks", "error", err)
		return
	}
	for i := range tasks {
		task := &tasks[i]
		expr := ""
		if task.ScheduleExpression != nil {
			expr = *task.ScheduleExpression
		}

		if next, ok := parseStamp(task.NextRunAt); ok && next.Before(e.startedAt) {
			slog.Info("skipping expired task", "task", task.ID,
				"next_run_at", *task.NextRunAt, "started_at", timefmt.Format(e.startedAt))
			if _, err := e.store.ScheduleNextRun(task.ID, expr, e.startedAt); err != nil {
				slog.Error("failed to reschedule expired task", "task", task.ID, "error", err)
			}
			continue
		}

		running, err := e.store.HasRunningInstance(task.ID)
		if err != nil {
			slog.Error("failed to check running instance", "task", task.ID, "error", err)
			continue
		}
		if running {
			// No reschedule: the due stamp stays put and the task retries on a
			// later tick once the running instance finishes.
			slog.Info("task still running, skip", "task", task.ID)
			continue
		}
		if !e.DependenciesMet(task) {
			slog.Info("task waiting for dependencies", "task", task.ID)
			if _, err := e.store.ScheduleNextRun(task.ID, expr, moment.Add(time.Minute)); err != nil {
				slog.Error("failed to reschedule blocked task", "task", task.ID, "error", err)
			}
			continue
		}

		e.dispatch(task, store.ReasonSchedule)
		if _, err := e.store.ScheduleNextRun(task.ID, expr, moment); err != nil {
			slog.Error("failed to schedule next run", "task", task.ID, "error", err)
		}
	}
}

// processEventTasks polls condition scripts for active script-event tasks,
// honoring each task's condition interval.
func (e *Engine) processEventTasks(moment time.Time) {
	tasks, err := e.store.FetchEventTasks(store.EventScript)
	if err != nil {
		slog.Error("failed to fetch event tasks", "error", err)
		return
	}
	for i := range tasks {
		task := &tasks[i]
		if last, ok := parseStamp(task.LastConditionCheckAt); ok {
			if moment.Sub(last) < time.Duration(task.ConditionInterval)*time.Second {
				continue
			}
		}
		if err := e.store.UpdateConditionCheck(task.ID); err != nil {
			slog.Error("failed to stamp condition check", "task", task.ID, "error", err)
			continue
		}
		if !e.runner.RunCondition(task) {
			continue
		}
		running, err := e.store.HasRunningInstance(task.ID)
		if err != nil || running {
			continue
		}
		if !e.DependenciesMet(task) {
			continue
		}
		e.dispatch(task, store.ReasonCondition)
	}
}

// DependenciesMet reports whether every pre-task's latest result is success.
// A missing task, a task with no results, or a non-success latest result all
// block.
func (e *Engine) DependenciesMet(task *store.Task) bool {
	for _, depID := range task.PreTaskIDs {
		result, err := e.store.LatestResult(depID)
		if err != nil {
			slog.Error("failed to check dependency", "task", task.ID, "dep", depID, "error", err)
			return false
		}
		if result == nil || result.Status != store.StatusSuccess {
			return false
		}
	}
	return true
}

// RunNow dispatches a manual (or API-batch) run. Returns ErrAlreadyRunning or
// ErrDependenciesNotMet when the run is refused.
func (e *Engine) RunNow(task *store.Task, reason string) error {
	if !e.DependenciesMet(task) {
		return store.ErrDependenciesNotMet
	}
	resultID, err := e.store.StartResultIfIdle(task.ID, reason)
	if err != nil {
		return err
	}
	clone := *task
	go e.runner.Run(&clone, resultID, reason)
	return nil
}

// dispatch claims a result row and spawns a detached runner. The claim is
// atomic in the store, so a concurrent manual run cannot double-start.
func (e *Engine) dispatch(task *store.Task, reason string) bool {
	resultID, err := e.store.StartResultIfIdle(task.ID, reason)
	if err != nil {
		if !errors.Is(err, store.ErrAlreadyRunning) {
			slog.Error("failed to claim result", "task", task.ID, "error", err)
		}
		return false
	}
	clone := *task
	go e.runner.Run(&clone, resultID, reason)
	return true
}

// triggerSystemEvent fires all eligible boot or shutdown tasks in parallel
// and waits for every one of them.
func (e *Engine) triggerSystemEvent(eventType string) {
	var reason string
	switch eventType {
	case store.EventBoot:
		reason = store.ReasonBoot
	case store.EventShutdown:
		reason = store.ReasonShutdown
	default:
		return
	}

	tasks, err := e.store.FetchEventTasks(eventType)
	if err != nil {
		slog.Error("failed to fetch system event tasks", "event", eventType, "error", err)
		return
	}

	var g errgroup.Group
	for i := range tasks {
		task := tasks[i]
		running, err := e.store.HasRunningInstance(task.ID)
		if err != nil || running {
			continue
		}
		if !e.DependenciesMet(&task) {
			continue
		}
		resultID, err := e.store.StartResultIfIdle(task.ID, reason)
		if err != nil {
			continue
		}
		g.Go(func() error {
			e.runner.Run(&task, resultID, reason)
			return nil
		})
	}
	g.Wait()
}

func parseStamp(value *string) (time.Time, bool) {
	if value == nil || *value == "" {
		return time.Time{}, false
	}
	t, err := timefmt.Parse(*value)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
