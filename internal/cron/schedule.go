package cron

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

var exprParser = cronlib.NewParser(
	cronlib.SecondOptional | cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

var atLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05Z0700",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseAt parses an absolute timestamp. Timestamps without a zone are UTC;
// a bare integer is epoch milliseconds.
func ParseAt(raw string) (time.Time, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return time.Time{}, errors.New("empty timestamp")
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	for _, layout := range atLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", raw)
}

// FormatISO renders t the way schedule timestamps are stored and reported.
func FormatISO(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}

// ParseExpr parses a cron expression, honoring an optional IANA zone.
func ParseExpr(expr, tz string) (cronlib.Schedule, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, errors.New("cron expression is required")
	}
	if tz = strings.TrimSpace(tz); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return nil, fmt.Errorf("invalid schedule.tz %q: %w", tz, err)
		}
		expr = "CRON_TZ=" + tz + " " + expr
	}
	sched, err := exprParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", expr, err)
	}
	return sched, nil
}

// NextRunAt computes the next time j should fire, in epoch milliseconds.
// ok is false when the job will not fire again.
//
// every jobs that never ran fire immediately (or at a future anchor); after
// a run they re-arm everyMs after that run completed. at jobs fire once.
func NextRunAt(j Job, now time.Time) (int64, bool) {
	nowMs := now.UnixMilli()
	s := j.Schedule
	switch s.Kind {
	case ScheduleAt:
		if j.State.LastStatus != "" {
			return 0, false
		}
		at, err := ParseAt(s.At)
		if err != nil {
			return 0, false
		}
		return at.UnixMilli(), true

	case ScheduleEvery:
		if s.EveryMs <= 0 {
			return 0, false
		}
		if j.State.LastRunAtMs == 0 {
			if s.AnchorMs != nil && *s.AnchorMs > nowMs {
				return *s.AnchorMs, true
			}
			return nowMs, true
		}
		finished := j.State.LastRunAtMs + j.State.LastDurationMs
		return finished + s.EveryMs, true

	case ScheduleCron:
		sched, err := ParseExpr(s.Expr, s.TZ)
		if err != nil {
			return 0, false
		}
		from := now
		if j.State.LastRunAtMs > 0 {
			if last := time.UnixMilli(j.State.LastRunAtMs); last.After(from) {
				from = last
			}
		}
		next := sched.Next(from)
		if next.IsZero() {
			return 0, false
		}
		return next.UnixMilli(), true
	}
	return 0, false
}

// IsDue reports whether j should be dispatched at now.
func IsDue(j Job, now time.Time) bool {
	return j.Enabled &&
		j.State.RunningAtMs == 0 &&
		j.State.NextRunAtMs > 0 &&
		j.State.NextRunAtMs <= now.UnixMilli()
}
