package store

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// Trigger types.
const (
	TriggerSchedule = "schedule"
	TriggerEvent    = "event"
)

// Event types for event-triggered tasks. Schedule tasks carry the inert
// EventScript value.
const (
	EventScript   = "script"
	EventBoot     = "system_boot"
	EventShutdown = "system_shutdown"
)

// Result statuses.
const (
	StatusRunning = "running"
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// Trigger reasons recorded with each result.
const (
	ReasonSchedule  = "schedule"
	ReasonCondition = "condition"
	ReasonManual    = "manual"
	ReasonBoot      = "system_boot"
	ReasonShutdown  = "system_shutdown"
)

// MinConditionInterval is the floor for condition polling intervals, seconds.
const MinConditionInterval = 10

// Task is a persisted scheduler task. Mode-specific fields are nil unless the
// trigger type requires them; the validator is the sole constructor of stored
// rows. Timestamps are local wall-clock strings (see timefmt).
type Task struct {
	ID                   int64   `db:"id" json:"id"`
	Name                 string  `db:"name" json:"name"`
	Account              string  `db:"account" json:"account"`
	TriggerType          string  `db:"trigger_type" json:"trigger_type"`
	ScheduleExpression   *string `db:"schedule_expression" json:"schedule_expression"`
	ConditionScript      *string `db:"condition_script" json:"condition_script"`
	ConditionInterval    int     `db:"condition_interval" json:"condition_interval"`
	EventType            string  `db:"event_type" json:"event_type"`
	IsActive             bool    `db:"is_active" json:"is_active"`
	PreTaskIDs           IDList  `db:"pre_task_ids" json:"pre_task_ids"`
	ScriptBody           string  `db:"script_body" json:"script_body"`
	LastRunAt            *string `db:"last_run_at" json:"last_run_at"`
	NextRunAt            *string `db:"next_run_at" json:"next_run_at"`
	LastConditionCheckAt *string `db:"last_condition_check_at" json:"last_condition_check_at"`
	CreatedAt            string  `db:"created_at" json:"created_at"`
	UpdatedAt            string  `db:"updated_at" json:"updated_at"`
}

// TaskResult records one execution of a task.
type TaskResult struct {
	ID            int64   `db:"id" json:"id"`
	TaskID        int64   `db:"task_id" json:"task_id"`
	Status        string  `db:"status" json:"status"`
	TriggerReason string  `db:"trigger_reason" json:"trigger_reason"`
	StartedAt     string  `db:"started_at" json:"started_at"`
	FinishedAt    *string `db:"finished_at" json:"finished_at"`
	Log           *string `db:"log" json:"log"`
}

// Template is a reusable script snippet in the catalog; it has no engine
// behavior.
type Template struct {
	ID         int64  `db:"id" json:"id"`
	Key        string `db:"key" json:"key"`
	Name       string `db:"name" json:"name"`
	ScriptBody string `db:"script_body" json:"script_body"`
	CreatedAt  string `db:"created_at" json:"created_at"`
	UpdatedAt  string `db:"updated_at" json:"updated_at"`
}

// TemplateEntry is the export/import wire shape, keyed by template key.
type TemplateEntry struct {
	Name       string `json:"name"`
	ScriptBody string `json:"script_body"`
}

// TaskPayload is a raw task create/update request. Nil fields are absent; on
// update they keep the existing value.
type TaskPayload struct {
	Name               *string         `json:"name"`
	Account            *string         `json:"account"`
	TriggerType        *string         `json:"trigger_type"`
	ScheduleExpression *string         `json:"schedule_expression"`
	ConditionScript    *string         `json:"condition_script"`
	ConditionInterval  *int            `json:"condition_interval"`
	EventType          *string         `json:"event_type"`
	IsActive           *bool           `json:"is_active"`
	PreTaskIDs         json.RawMessage `json:"pre_task_ids"`
	ScriptBody         *string         `json:"script_body"`
}

// TemplatePayload is a raw template create/update request.
type TemplatePayload struct {
	Key        *string `json:"key"`
	Name       *string `json:"name"`
	ScriptBody *string `json:"script_body"`
}

// IDList is an ordered set of task ids persisted as a JSON array in a TEXT
// column.
type IDList []int64

// Value implements driver.Valuer.
func (l IDList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	data, err := json.Marshal([]int64(l))
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// Scan implements sql.Scanner.
func (l *IDList) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*l = IDList{}
		return nil
	case string:
		return l.decode([]byte(v))
	case []byte:
		return l.decode(v)
	default:
		return fmt.Errorf("cannot scan %T into IDList", src)
	}
}

func (l *IDList) decode(data []byte) error {
	if len(data) == 0 {
		*l = IDList{}
		return nil
	}
	var ids []int64
	if err := json.Unmarshal(data, &ids); err != nil {
		return fmt.Errorf("decode pre_task_ids: %w", err)
	}
	if ids == nil {
		ids = []int64{}
	}
	*l = ids
	return nil
}

// MarshalJSON keeps an empty list rendered as [] rather than null.
func (l IDList) MarshalJSON() ([]byte, error) {
	if l == nil {
		return []byte("[]"), nil
	}
	return json.Marshal([]int64(l))
}
