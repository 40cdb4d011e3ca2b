package store

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a task, template, or result is missing.
	ErrNotFound = errors.New("not found")

	// ErrNameConflict is returned when a task name is already taken.
	ErrNameConflict = errors.New("task name already exists")

	// ErrTemplateKeyConflict is returned when a template key is already taken.
	ErrTemplateKeyConflict = errors.New("template key already exists")

	// ErrAlreadyRunning is returned when a run is requested for a task that
	// has a running result.
	ErrAlreadyRunning = errors.New("task is running")

	// ErrDependenciesNotMet is returned when a dispatch is blocked by a
	// pre-task whose latest result is not success.
	ErrDependenciesNotMet = errors.New("dependencies are not met")
)

// ValidationError reports a rejected payload, naming the offending field.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string { return e.Msg }

func validationErrorf(field, format string, args ...any) error {
	return &ValidationError{Field: field, Msg: fmt.Sprintf(format, args...)}
}
