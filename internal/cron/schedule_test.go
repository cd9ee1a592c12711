package cron

import (
	"errors"
	"strings"
	"testing"
	"time"
)

var testNow = time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)

func TestValidateScheduleTimestamp(t *testing.T) {
	tests := []struct {
		name    string
		at      string
		wantErr string
	}{
		{"future", "2026-02-01T13:00:00Z", ""},
		{"within grace", "2026-02-01T11:59:30Z", ""},
		{"five years", "2031-02-01T12:00:00Z", ""},
		{"nine years", "2035-02-01T12:00:00Z", ""},
		{"garbage", "tomorrow-ish", "Invalid schedule.at: expected ISO-8601 timestamp (got tomorrow-ish)"},
		{"empty", "", "Invalid schedule.at: expected ISO-8601 timestamp (got )"},
		{"two minutes ago", "2026-02-01T11:58:00Z",
			"schedule.at is in the past: 2026-02-01T11:58:00.000Z (2 minutes ago). Current time: 2026-02-01T12:00:00.000Z"},
		{"past", "2026-02-01T11:55:00Z",
			"schedule.at is in the past: 2026-02-01T11:55:00.000Z (5 minutes ago). Current time: 2026-02-01T12:00:00.000Z"},
		{"too far", "2037-02-01T12:00:00Z",
			"schedule.at is too far in the future: 2037-02-01T12:00:00.000Z (11 years ahead). Maximum allowed: 10 years"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateScheduleTimestamp(Schedule{Kind: ScheduleAt, At: tt.at}, testNow)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("expected ValidationError, got %v", err)
			}
			if ve.Message != tt.wantErr {
				t.Fatalf("message:\n got %q\nwant %q", ve.Message, tt.wantErr)
			}
		})
	}
}

func TestValidateScheduleTimestampIgnoresOtherKinds(t *testing.T) {
	if err := ValidateScheduleTimestamp(Schedule{Kind: ScheduleEvery, At: "garbage"}, testNow); err != nil {
		t.Fatalf("every schedules should pass: %v", err)
	}
}

func TestNextRunAtEvery(t *testing.T) {
	j := Job{Schedule: Schedule{Kind: ScheduleEvery, EveryMs: 60_000}}
	next, ok := NextRunAt(j, testNow)
	if !ok || next != testNow.UnixMilli() {
		t.Fatalf("never-run every job should fire now, got %d %v", next, ok)
	}

	anchor := testNow.Add(10 * time.Minute).UnixMilli()
	j.Schedule.AnchorMs = &anchor
	if next, _ := NextRunAt(j, testNow); next != anchor {
		t.Fatalf("future anchor should be used, got %d", next)
	}

	j.State.LastRunAtMs = testNow.UnixMilli()
	j.State.LastDurationMs = 5_000
	next, _ = NextRunAt(j, testNow)
	if want := testNow.UnixMilli() + 5_000 + 60_000; next != want {
		t.Fatalf("every job should re-arm from completion: got %d want %d", next, want)
	}
}

func TestNextRunAtOneShot(t *testing.T) {
	at := testNow.Add(time.Hour)
	j := Job{Schedule: Schedule{Kind: ScheduleAt, At: FormatISO(at)}}
	next, ok := NextRunAt(j, testNow)
	if !ok || next != at.UnixMilli() {
		t.Fatalf("got %d %v", next, ok)
	}
	j.State.LastStatus = StatusOK
	if _, ok := NextRunAt(j, testNow); ok {
		t.Fatal("at jobs fire once")
	}
}

func TestNextRunAtCronExpr(t *testing.T) {
	j := Job{Schedule: Schedule{Kind: ScheduleCron, Expr: "30 9 * * *", TZ: "UTC"}}
	next, ok := NextRunAt(j, testNow)
	if !ok {
		t.Fatal("expected next run")
	}
	want := time.Date(2026, 2, 2, 9, 30, 0, 0, time.UTC)
	if next != want.UnixMilli() {
		t.Fatalf("next = %v, want %v", time.UnixMilli(next).UTC(), want)
	}

	if _, err := ParseExpr("61 * * * *", ""); err == nil {
		t.Fatal("expected invalid expression")
	}
	if _, err := ParseExpr("* * * * *", "Mars/Olympus"); err == nil || !strings.Contains(err.Error(), "schedule.tz") {
		t.Fatalf("expected tz error, got %v", err)
	}
}

func TestIsDue(t *testing.T) {
	j := Job{Enabled: true, State: JobState{NextRunAtMs: testNow.UnixMilli()}}
	if !IsDue(j, testNow) {
		t.Fatal("expected due")
	}
	j.State.RunningAtMs = 1
	if IsDue(j, testNow) {
		t.Fatal("running jobs are never due")
	}
	j.State.RunningAtMs = 0
	j.Enabled = false
	if IsDue(j, testNow) {
		t.Fatal("disabled jobs are never due")
	}
}

func TestParseAt(t *testing.T) {
	for _, raw := range []string{"2026-02-01T12:00:00Z", "2026-02-01T13:00:00+01:00", "2026-02-01T12:00:00", "1769947200000"} {
		got, err := ParseAt(raw)
		if err != nil {
			t.Fatalf("ParseAt(%q): %v", raw, err)
		}
		if !got.Equal(testNow) {
			t.Fatalf("ParseAt(%q) = %v", raw, got)
		}
	}
}
