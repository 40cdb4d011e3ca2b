package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/baishicoke/fn-scheduler/internal/cron"
	"github.com/baishicoke/fn-scheduler/internal/timefmt"
)

// AccountChecker validates task account ownership. Implemented by
// accounts.Directory.
type AccountChecker interface {
	EnsureAllowed(name string) (string, error)
	PosixSupported() bool
	DefaultAccount() string
}

// prepareTask normalizes a raw payload into a storable task. For updates the
// payload is applied over the existing row and every mode-specific field is
// re-normalized, so the result always satisfies the trigger-type invariant.
func (s *Store) prepareTask(p TaskPayload, existing *Task, now time.Time) (*Task, error) {
	task := &Task{
		TriggerType:       TriggerSchedule,
		ConditionInterval: 60,
		EventType:         EventScript,
		IsActive:          true,
		PreTaskIDs:        IDList{},
	}
	if existing != nil {
		clone := *existing
		task = &clone
	}

	if p.TriggerType != nil {
		task.TriggerType = strings.TrimSpace(*p.TriggerType)
	}
	if task.TriggerType != TriggerSchedule && task.TriggerType != TriggerEvent {
		return nil, validationErrorf("trigger_type", "trigger_type must be 'schedule' or 'event'")
	}

	if p.Name != nil {
		task.Name = strings.TrimSpace(*p.Name)
	}
	if task.Name == "" {
		return nil, validationErrorf("name", "task name is required")
	}
	if p.ScriptBody != nil {
		task.ScriptBody = strings.TrimSpace(*p.ScriptBody)
	}
	if task.ScriptBody == "" {
		return nil, validationErrorf("script_body", "script body is required")
	}

	if p.Account != nil {
		task.Account = strings.TrimSpace(*p.Account)
	}
	if task.Account == "" && !s.accounts.PosixSupported() {
		task.Account = s.accounts.DefaultAccount()
	}
	if task.Account == "" {
		return nil, validationErrorf("account", "account is required")
	}
	resolved, err := s.accounts.EnsureAllowed(task.Account)
	if err != nil {
		return nil, &ValidationError{Field: "account", Msg: err.Error()}
	}
	task.Account = resolved

	if p.IsActive != nil {
		task.IsActive = *p.IsActive
	}
	if p.ConditionInterval != nil {
		task.ConditionInterval = *p.ConditionInterval
	}
	if task.ConditionInterval < MinConditionInterval {
		task.ConditionInterval = MinConditionInterval
	}
	if p.EventType != nil {
		task.EventType = strings.TrimSpace(*p.EventType)
	}
	if task.EventType == "" {
		task.EventType = EventScript
	}

	if len(p.PreTaskIDs) > 0 {
		ids, err := decodePreTaskIDs(p.PreTaskIDs)
		if err != nil {
			return nil, validationErrorf("pre_task_ids", "pre_task_ids format error")
		}
		task.PreTaskIDs = ids
	}
	task.PreTaskIDs = cleanPreTaskIDs(task.PreTaskIDs, task.ID)

	switch task.TriggerType {
	case TriggerSchedule:
		expr := ""
		if p.ScheduleExpression != nil {
			expr = strings.TrimSpace(*p.ScheduleExpression)
		} else if task.ScheduleExpression != nil {
			expr = strings.TrimSpace(*task.ScheduleExpression)
		}
		if expr == "" {
			return nil, validationErrorf("schedule_expression", "schedule expression is required")
		}
		parsed, err := cron.Parse(expr)
		if err != nil {
			return nil, &ValidationError{Field: "schedule_expression", Msg: err.Error()}
		}
		if existing == nil || task.NextRunAt == nil || *task.NextRunAt == "" {
			next, err := parsed.NextAfter(now)
			if err != nil {
				return nil, &ValidationError{Field: "schedule_expression", Msg: err.Error()}
			}
			nextStr := timefmt.Format(next)
			task.NextRunAt = &nextStr
		}
		task.ScheduleExpression = &expr
		task.ConditionScript = nil
		task.LastConditionCheckAt = nil
		task.EventType = EventScript

	case TriggerEvent:
		switch task.EventType {
		case EventScript, EventBoot, EventShutdown:
		default:
			return nil, validationErrorf("event_type", "event type is not supported")
		}
		if task.EventType == EventScript {
			script := ""
			if p.ConditionScript != nil {
				script = strings.TrimSpace(*p.ConditionScript)
			} else if task.ConditionScript != nil {
				script = strings.TrimSpace(*task.ConditionScript)
			}
			if script == "" {
				return nil, validationErrorf("condition_script", "event tasks require condition script")
			}
			task.ConditionScript = &script
		} else {
			task.ConditionScript = nil
			task.LastConditionCheckAt = nil
		}
		task.ScheduleExpression = nil
		task.NextRunAt = nil
	}

	return task, nil
}

// decodePreTaskIDs accepts a JSON array of ids, an array of numeric strings,
// or a JSON-encoded string holding such an array.
func decodePreTaskIDs(raw json.RawMessage) (IDList, error) {
	data := bytes.TrimSpace(raw)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return IDList{}, nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return nil, err
		}
		s = strings.TrimSpace(s)
		if s == "" {
			return IDList{}, nil
		}
		data = []byte(s)
	}
	var items []any
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, err
	}
	out := make(IDList, 0, len(items))
	for _, item := range items {
		switch v := item.(type) {
		case float64:
			out = append(out, int64(v))
		case json.Number:
			n, err := v.Int64()
			if err != nil {
				return nil, err
			}
			out = append(out, n)
		case string:
			n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
			if err != nil {
				return nil, err
			}
			out = append(out, n)
		default:
			return nil, fmt.Errorf("unsupported id element %T", item)
		}
	}
	return out, nil
}

// cleanPreTaskIDs drops self-references and duplicates, preserving order.
func cleanPreTaskIDs(ids IDList, selfID int64) IDList {
	cleaned := make(IDList, 0, len(ids))
	seen := make(map[int64]bool, len(ids))
	for _, id := range ids {
		if selfID != 0 && id == selfID {
			continue
		}
		if seen[id] {
			continue
		}
		seen[id] = true
		cleaned = append(cleaned, id)
	}
	return cleaned
}
