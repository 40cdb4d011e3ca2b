package timefmt

import (
	"testing"
	"time"
)

func TestFormatDropsSubseconds(t *testing.T) {
	stamp := time.Date(2025, 6, 1, 10, 0, 7, 987654321, time.Local)
	if got := Format(stamp); got != "2025-06-01 10:00:07" {
		t.Errorf("Format = %q, want 2025-06-01 10:00:07", got)
	}
}

func TestParseCanonical(t *testing.T) {
	got, err := Parse("2025-06-01 10:00:07")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	want := time.Date(2025, 6, 1, 10, 0, 7, 0, time.Local)
	if !got.Equal(want) {
		t.Errorf("Parse = %v, want %v", got, want)
	}
}

func TestParseTSeparator(t *testing.T) {
	got, err := Parse("2025-06-01T10:00:07")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if Format(got) != "2025-06-01 10:00:07" {
		t.Errorf("Parse T-form = %q", Format(got))
	}
}

func TestParseRFC3339ConvertsToLocal(t *testing.T) {
	got, err := Parse("2025-06-01T10:00:07+00:00")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	utc := time.Date(2025, 6, 1, 10, 0, 7, 0, time.UTC).Local()
	if Format(got) != Format(utc) {
		t.Errorf("Parse RFC3339 = %q, want %q", Format(got), Format(utc))
	}
	if got.Location() != time.Local {
		t.Errorf("location = %v, want local", got.Location())
	}
}

func TestParseRoundTrip(t *testing.T) {
	orig := "2031-12-31 23:59:59"
	parsed, err := Parse(orig)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if Format(parsed) != orig {
		t.Errorf("round trip = %q, want %q", Format(parsed), orig)
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	for _, bad := range []string{"", "not a time", "2025-13-01 00:00:00"} {
		if _, err := Parse(bad); err == nil {
			t.Errorf("Parse(%q) accepted", bad)
		}
	}
}
