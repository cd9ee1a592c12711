package cron

import (
	"fmt"
	"math"
	"strings"
	"time"
)

const (
	pastGrace    = time.Minute
	yearDuration = time.Duration(365.25 * 24 * float64(time.Hour))
	maxFuture    = 10 * yearDuration
)

// ValidationError carries a user-facing validation message.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

func invalidf(format string, args ...any) error {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// ValidateScheduleTimestamp checks the timestamp of an at schedule: it must
// parse, be no more than one minute in the past, and no more than ten years
// ahead. Other schedule kinds always pass.
func ValidateScheduleTimestamp(s Schedule, now time.Time) error {
	if s.Kind != ScheduleAt {
		return nil
	}
	raw := strings.TrimSpace(s.At)
	at, err := ParseAt(raw)
	if raw == "" || err != nil {
		return invalidf("Invalid schedule.at: expected ISO-8601 timestamp (got %s)", s.At)
	}

	diff := at.Sub(now)
	if diff < -pastGrace {
		minutesAgo := int64(math.Floor(float64(-diff) / float64(time.Minute)))
		return invalidf("schedule.at is in the past: %s (%d minutes ago). Current time: %s",
			FormatISO(at), minutesAgo, FormatISO(now))
	}
	if diff > maxFuture {
		yearsAhead := int64(math.Floor(float64(diff) / float64(yearDuration)))
		return invalidf("schedule.at is too far in the future: %s (%d years ahead). Maximum allowed: 10 years",
			FormatISO(at), yearsAhead)
	}
	return nil
}
