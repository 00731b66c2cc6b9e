// Package schedule parses and evaluates the recurrence rules carried
// by task schedules. A rule is stored as JSON with a kind of "cron",
// "interval" or "once"; plain cron expressions are accepted as input
// and wrapped.
package schedule

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/adhocore/gronx"
)

type Schedule struct {
	Kind     string `json:"kind"`
	Cron     string `json:"cron,omitempty"`     // cron expression (kind=cron)
	Interval string `json:"interval,omitempty"` // Go duration string (kind=interval)
	At       string `json:"at,omitempty"`       // RFC3339 timestamp (kind=once)
}

// Parse decodes and validates a stored schedule rule.
func Parse(raw string) (*Schedule, error) {
	var s Schedule
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return nil, fmt.Errorf("decode schedule: %w", err)
	}

	switch s.Kind {
	case "cron":
		if !gronx.New().IsValid(s.Cron) {
			return nil, fmt.Errorf("invalid cron expression: %s", s.Cron)
		}
	case "interval":
		d, err := time.ParseDuration(s.Interval)
		if err != nil {
			return nil, fmt.Errorf("invalid interval: %w", err)
		}
		if d <= 0 {
			return nil, fmt.Errorf("interval must be positive")
		}
	case "once":
		if _, err := time.Parse(time.RFC3339, s.At); err != nil {
			return nil, fmt.Errorf("invalid timestamp: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown schedule kind: %q", s.Kind)
	}
	return &s, nil
}

// Normalize accepts either a stored JSON rule or a plain cron
// expression and returns the validated JSON form.
func Normalize(raw string) (string, error) {
	raw = strings.TrimSpace(raw)

	if strings.HasPrefix(raw, "{") {
		if _, err := Parse(raw); err != nil {
			return "", err
		}
		return raw, nil
	}

	if !gronx.New().IsValid(raw) {
		return "", fmt.Errorf("invalid schedule: not a cron expression: %s", raw)
	}
	data, err := json.Marshal(Schedule{Kind: "cron", Cron: raw})
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// NextRun computes the first firing strictly after now. Nil means the
// schedule has nothing left to do.
func NextRun(raw string, now time.Time) *time.Time {
	s, err := Parse(raw)
	if err != nil {
		return nil
	}

	var next time.Time
	switch s.Kind {
	case "cron":
		next, err = gronx.NextTickAfter(s.Cron, now, false)
		if err != nil {
			return nil
		}
	case "interval":
		d, _ := time.ParseDuration(s.Interval)
		next = now.Add(d)
	case "once":
		t, _ := time.Parse(time.RFC3339, s.At)
		if !t.After(now) {
			return nil
		}
		next = t
	}
	return &next
}

// Describe renders a rule for display; invalid input comes back as-is.
func Describe(raw string) string {
	s, err := Parse(raw)
	if err != nil {
		return raw
	}
	switch s.Kind {
	case "cron":
		return "cron " + s.Cron
	case "interval":
		return "every " + s.Interval
	case "once":
		return "once at " + s.At
	}
	return raw
}
