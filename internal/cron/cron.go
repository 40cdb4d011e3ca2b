// Package cron parses and evaluates the 5-field cron dialect used by task
// schedules: minute, hour, day-of-month, month, weekday. Each field is a
// comma-separated list of "*", integers, or ranges, optionally with a "/n"
// step. Weekday 7 is normalized to 0 (Sunday).
package cron

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// maxLookaheadMinutes bounds NextAfter's forward probe at one leap year.
const maxLookaheadMinutes = 60 * 24 * 366

// ErrLookaheadExceeded is returned when no matching minute exists within the
// lookahead window.
var ErrLookaheadExceeded = errors.New("unable to compute next run within lookahead window")

// ParseError reports an invalid cron field.
type ParseError struct {
	Field string
	Msg   string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("invalid cron %s field: %s", e.Field, e.Msg)
}

type fieldSpec struct {
	name     string
	min, max int
	span     int
}

var fieldSpecs = [5]fieldSpec{
	{"minute", 0, 59, 60},
	{"hour", 0, 23, 24},
	{"day", 1, 31, 31},
	{"month", 1, 12, 12},
	{"weekday", 0, 6, 7},
}

// Expression is a parsed cron expression.
type Expression struct {
	fields    [5]map[int]bool
	wildcards [5]bool
}

// Parse validates and expands a 5-field cron expression.
func Parse(expr string) (*Expression, error) {
	parts := strings.Fields(expr)
	if len(parts) != 5 {
		return nil, &ParseError{Field: "expression", Msg: "must contain 5 fields"}
	}
	e := &Expression{}
	for i, part := range parts {
		values, wildcard, err := expandField(part, fieldSpecs[i])
		if err != nil {
			return nil, err
		}
		e.fields[i] = values
		e.wildcards[i] = wildcard
	}
	return e, nil
}

// expandField expands one comma-separated field into its value set. A field is
// tagged wildcard when it contains a literal "*" or its expansion covers the
// full range.
func expandField(token string, spec fieldSpec) (map[int]bool, bool, error) {
	values := make(map[int]bool)
	wildcard := false
	for _, rawItem := range strings.Split(token, ",") {
		item := strings.TrimSpace(rawItem)
		if item == "" {
			item = "*"
		}
		original := item
		step := 1
		if idx := strings.Index(item, "/"); idx >= 0 {
			base, stepStr := item[:idx], item[idx+1:]
			if base == "" {
				base = "*"
			}
			n, err := strconv.Atoi(stepStr)
			if err != nil || n <= 0 {
				return nil, false, &ParseError{Field: spec.name, Msg: fmt.Sprintf("invalid step %q", stepStr)}
			}
			item = base
			step = n
		}
		expanded, err := expandRange(item, spec)
		if err != nil {
			return nil, false, err
		}
		start := expanded[0]
		for _, v := range expanded {
			if (v-start)%step == 0 {
				values[v] = true
			}
		}
		if original == "*" {
			wildcard = true
		}
	}
	if len(values) == 0 {
		return nil, false, &ParseError{Field: spec.name, Msg: "no values computed"}
	}
	if spec.name == "weekday" {
		normalized := make(map[int]bool, len(values))
		for v := range values {
			if v == 7 {
				v = 0
			}
			normalized[v] = true
		}
		values = normalized
	}
	for v := range values {
		if v < spec.min || v > spec.max {
			return nil, false, &ParseError{Field: spec.name, Msg: fmt.Sprintf("value %d out of range", v)}
		}
	}
	return values, wildcard || len(values) == spec.span, nil
}

// expandRange expands a single "*", integer, or "a-b" item to its full range;
// step filtering is applied by the caller.
func expandRange(item string, spec fieldSpec) ([]int, error) {
	if item == "*" {
		out := make([]int, 0, spec.max-spec.min+1)
		for v := spec.min; v <= spec.max; v++ {
			out = append(out, v)
		}
		return out, nil
	}
	if v, err := strconv.Atoi(item); err == nil {
		return []int{v}, nil
	}
	if idx := strings.Index(item, "-"); idx > 0 {
		start, err1 := strconv.Atoi(item[:idx])
		end, err2 := strconv.Atoi(item[idx+1:])
		if err1 != nil || err2 != nil {
			return nil, &ParseError{Field: spec.name, Msg: fmt.Sprintf("unsupported token %q", item)}
		}
		if start > end {
			return nil, &ParseError{Field: spec.name, Msg: "range start greater than end"}
		}
		out := make([]int, 0, end-start+1)
		for v := start; v <= end; v++ {
			out = append(out, v)
		}
		return out, nil
	}
	return nil, &ParseError{Field: spec.name, Msg: fmt.Sprintf("unsupported token %q", item)}
}

// NextAfter returns the first matching minute strictly after moment.
func (e *Expression) NextAfter(moment time.Time) (time.Time, error) {
	candidate := moment.Truncate(time.Minute)
	for i := 0; i < maxLookaheadMinutes; i++ {
		candidate = candidate.Add(time.Minute)
		if e.matches(candidate) {
			return candidate, nil
		}
	}
	return time.Time{}, ErrLookaheadExceeded
}

// matches applies the standard cron calendar rule: when both day-of-month and
// weekday are restricted, a candidate matches if either matches.
func (e *Expression) matches(t time.Time) bool {
	if !e.fields[0][t.Minute()] || !e.fields[1][t.Hour()] || !e.fields[3][int(t.Month())] {
		return false
	}
	domMatch := e.fields[2][t.Day()]
	dowMatch := e.fields[4][int(t.Weekday())]
	domWild := e.wildcards[2]
	dowWild := e.wildcards[4]
	switch {
	case domWild && dowWild:
		return true
	case domWild:
		return dowMatch
	case dowWild:
		return domMatch
	default:
		return domMatch || dowMatch
	}
}

// Values returns the sorted value set of one field, 0=minute .. 4=weekday.
// Exposed for tests and diagnostics.
func (e *Expression) Values(field int) []int {
	out := make([]int, 0, len(e.fields[field]))
	for v := range e.fields[field] {
		out = append(out, v)
	}
	sort.Ints(out)
	return out
}
