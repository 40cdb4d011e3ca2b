// Package timefmt serializes scheduler timestamps as local wall-clock strings.
//
// Persisted databases store timestamps as "YYYY-MM-DD HH:MM:SS" with no
// timezone; values written by earlier installations must round-trip unchanged,
// so these strings are never reinterpreted as UTC.
package timefmt

import (
	"strings"
	"time"
)

// Layout is the canonical persisted form: space separator, second precision.
const Layout = "2006-01-02 15:04:05"

// Format renders t in the canonical layout, dropping sub-second precision.
func Format(t time.Time) string {
	return t.Format(Layout)
}

// Parse reads a persisted timestamp. A "T" separator is tolerated, as is an
// RFC 3339 value with an offset (converted to local time and stripped).
func Parse(value string) (time.Time, error) {
	s := strings.TrimSpace(value)
	if t, err := time.ParseInLocation(Layout, strings.Replace(s, "T", " ", 1), time.Local); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, err
	}
	local := t.Local()
	return time.Date(local.Year(), local.Month(), local.Day(), local.Hour(), local.Minute(), local.Second(), 0, time.Local), nil
}
