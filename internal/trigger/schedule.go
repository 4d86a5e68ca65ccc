package trigger

import (
	"fmt"
	"strings"
	"time"

	"github.com/pulseworks/pulse/internal/model"
)

// Schedule is a parsed time-trigger schedule. Two forms are supported:
//
//	@every <duration>   e.g. "@every 1h30m"
//	@daily HH:MM        once per day at the given UTC time
//
// Occurrence times are deterministic functions of wall-clock time, so every
// evaluator instance derives the same triggering key for the same tick and
// the run-key uniqueness constraint collapses them to one run.
type Schedule struct {
	every time.Duration // zero for daily schedules
	hour  int
	min   int
}

// ParseSchedule parses a schedule string.
func ParseSchedule(s string) (Schedule, error) {
	if rest, ok := strings.CutPrefix(s, "@every "); ok {
		d, err := time.ParseDuration(strings.TrimSpace(rest))
		if err != nil {
			return Schedule{}, fmt.Errorf("%w: bad @every duration %q", model.ErrValidation, rest)
		}
		if d < time.Minute {
			return Schedule{}, fmt.Errorf("%w: @every interval must be at least 1m", model.ErrValidation)
		}
		return Schedule{every: d}, nil
	}
	if rest, ok := strings.CutPrefix(s, "@daily "); ok {
		t, err := time.Parse("15:04", strings.TrimSpace(rest))
		if err != nil {
			return Schedule{}, fmt.Errorf("%w: bad @daily time %q", model.ErrValidation, rest)
		}
		return Schedule{hour: t.Hour(), min: t.Minute()}, nil
	}
	return Schedule{}, fmt.Errorf("%w: unrecognized schedule %q", model.ErrValidation, s)
}

// Occurrence returns the most recent scheduled time at or before now.
func (s Schedule) Occurrence(now time.Time) time.Time {
	now = now.UTC()
	if s.every > 0 {
		return now.Truncate(s.every)
	}
	occ := time.Date(now.Year(), now.Month(), now.Day(), s.hour, s.min, 0, 0, time.UTC)
	if occ.After(now) {
		occ = occ.AddDate(0, 0, -1)
	}
	return occ
}
