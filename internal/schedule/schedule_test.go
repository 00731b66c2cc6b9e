package schedule

import (
	"fmt"
	"testing"
	"time"
)

func TestParseCron(t *testing.T) {
	s, err := Parse(`{"kind":"cron","cron":"0 9 * * *"}`)
	if err != nil {
		t.Fatalf("parse error: %v", err)
	}
	if s.Kind != "cron" || s.Cron != "0 9 * * *" {
		t.Errorf("unexpected result: %+v", s)
	}
}

func TestParseRejectsBadInput(t *testing.T) {
	cases := []string{
		`not json`,
		`{"kind":"bogus"}`,
		`{"kind":"cron","cron":"bad"}`,
		`{"kind":"interval","interval":"fast"}`,
		`{"kind":"interval","interval":"-5m"}`,
		`{"kind":"once","at":"tomorrow"}`,
	}
	for _, raw := range cases {
		if _, err := Parse(raw); err == nil {
			t.Errorf("expected error for %s", raw)
		}
	}
}

func TestNormalizeWrapsPlainCron(t *testing.T) {
	result, err := Normalize("  */5 * * * *  ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	s, err := Parse(result)
	if err != nil {
		t.Fatalf("result not a valid rule: %v", err)
	}
	if s.Kind != "cron" || s.Cron != "*/5 * * * *" {
		t.Errorf("unexpected result: %+v", s)
	}
}

func TestNormalizePassthroughJSON(t *testing.T) {
	input := `{"kind":"interval","interval":"5m"}`
	result, err := Normalize(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != input {
		t.Errorf("expected passthrough, got %s", result)
	}
}

func TestNormalizeInvalid(t *testing.T) {
	if _, err := Normalize("not a cron"); err == nil {
		t.Error("expected error for invalid input")
	}
	if _, err := Normalize(`{"kind":"cron","cron":"bad"}`); err == nil {
		t.Error("expected error for invalid cron in JSON")
	}
}

func TestNextRunCron(t *testing.T) {
	now := time.Date(2026, 3, 10, 8, 30, 0, 0, time.UTC)
	next := NextRun(`{"kind":"cron","cron":"0 9 * * *"}`, now)
	if next == nil {
		t.Fatal("expected next run, got nil")
	}
	want := time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("expected %v, got %v", want, next)
	}
}

func TestNextRunInterval(t *testing.T) {
	now := time.Now()
	next := NextRun(`{"kind":"interval","interval":"1m"}`, now)
	if next == nil {
		t.Fatal("expected next run, got nil")
	}
	if got := next.Sub(now); got != time.Minute {
		t.Errorf("expected 1m offset, got %v", got)
	}
}

func TestNextRunOnce(t *testing.T) {
	now := time.Now().UTC()
	future := now.Add(time.Hour).Format(time.RFC3339)
	next := NextRun(fmt.Sprintf(`{"kind":"once","at":"%s"}`, future), now)
	if next == nil {
		t.Fatal("expected next run for future timestamp")
	}

	past := now.Add(-time.Hour).Format(time.RFC3339)
	if next := NextRun(fmt.Sprintf(`{"kind":"once","at":"%s"}`, past), now); next != nil {
		t.Error("expected nil for elapsed once schedule")
	}
}

func TestNextRunInvalid(t *testing.T) {
	if next := NextRun(`invalid json`, time.Now()); next != nil {
		t.Error("expected nil for invalid rule")
	}
}

func TestDescribe(t *testing.T) {
	if got := Describe(`{"kind":"interval","interval":"5m"}`); got != "every 5m" {
		t.Errorf("unexpected description: %s", got)
	}
	if got := Describe("garbage"); got != "garbage" {
		t.Errorf("invalid input should pass through, got %s", got)
	}
}
