package cron

import (
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/KafClaw/clawgate/internal/sessionkey"
)

const inferredNameMax = 40

// NormalizeSchedule lowercases the kind, infers it from the populated fields
// when missing, and rewrites parseable at timestamps in canonical ISO form.
func NormalizeSchedule(s Schedule) Schedule {
	s.Kind = ScheduleKind(strings.ToLower(strings.TrimSpace(string(s.Kind))))
	if s.Kind == "" {
		switch {
		case strings.TrimSpace(s.At) != "":
			s.Kind = ScheduleAt
		case s.EveryMs > 0:
			s.Kind = ScheduleEvery
		case strings.TrimSpace(s.Expr) != "":
			s.Kind = ScheduleCron
		}
	}
	s.At = strings.TrimSpace(s.At)
	if s.At != "" {
		if t, err := ParseAt(s.At); err == nil {
			s.At = FormatISO(t)
		}
	}
	s.Expr = strings.TrimSpace(s.Expr)
	s.TZ = strings.TrimSpace(s.TZ)
	return s
}

// NormalizePayload fixes kind spelling, infers the kind from message/text,
// and trims free-text fields.
func NormalizePayload(p Payload) Payload {
	switch strings.ToLower(strings.TrimSpace(string(p.Kind))) {
	case "agentturn":
		p.Kind = PayloadAgentTurn
	case "systemevent":
		p.Kind = PayloadSystemEvent
	case "":
		switch {
		case strings.TrimSpace(p.Message) != "":
			p.Kind = PayloadAgentTurn
		case strings.TrimSpace(p.Text) != "":
			p.Kind = PayloadSystemEvent
		}
	}
	p.Message = strings.TrimSpace(p.Message)
	p.Text = strings.TrimSpace(p.Text)
	p.Model = strings.TrimSpace(p.Model)
	p.Thinking = strings.TrimSpace(p.Thinking)
	p.Channel = strings.ToLower(strings.TrimSpace(p.Channel))
	p.To = strings.TrimSpace(p.To)
	if p.TimeoutSeconds < 0 {
		p.TimeoutSeconds = 0
	}
	return p
}

// NormalizeDelivery canonicalizes mode, channel and target.
func NormalizeDelivery(d *Delivery) *Delivery {
	if d == nil {
		return nil
	}
	out := *d
	out.Mode = NormalizeDeliveryMode(d.Mode)
	out.Channel = strings.ToLower(strings.TrimSpace(d.Channel))
	out.To = strings.TrimSpace(d.To)
	return &out
}

// NormalizeSessionTarget accepts "shared" as a synonym for main.
func NormalizeSessionTarget(t SessionTarget) SessionTarget {
	switch strings.ToLower(strings.TrimSpace(string(t))) {
	case "main", "shared":
		return TargetMain
	case "isolated":
		return TargetIsolated
	case "":
		return ""
	}
	return t
}

// NormalizeWakeMode lowercases the wake mode.
func NormalizeWakeMode(w WakeMode) WakeMode {
	return WakeMode(strings.ToLower(strings.TrimSpace(string(w))))
}

// NewJob normalizes in, applies defaults, validates, and returns a job with
// a fresh id and computed next run. at schedules are checked against now.
func NewJob(in JobCreate, now time.Time) (Job, error) {
	j := Job{
		ID:             uuid.NewString(),
		Name:           strings.TrimSpace(in.Name),
		Description:    strings.TrimSpace(in.Description),
		Enabled:        true,
		DeleteAfterRun: cloneBool(in.DeleteAfterRun),
		CreatedAtMs:    now.UnixMilli(),
		UpdatedAtMs:    now.UnixMilli(),
		Schedule:       NormalizeSchedule(in.Schedule),
		SessionTarget:  NormalizeSessionTarget(in.SessionTarget),
		WakeMode:       NormalizeWakeMode(in.WakeMode),
		Payload:        NormalizePayload(in.Payload),
		Delivery:       NormalizeDelivery(in.Delivery),
	}
	if in.Enabled != nil {
		j.Enabled = *in.Enabled
	}
	if id := strings.TrimSpace(in.AgentID); id != "" {
		j.AgentID = sessionkey.NormalizeAgentID(id)
	}
	if j.Name == "" {
		j.Name = inferName(j.Payload)
	}
	if j.SessionTarget == "" {
		j.SessionTarget = TargetIsolated
		if j.Payload.Kind == PayloadSystemEvent {
			j.SessionTarget = TargetMain
		}
	}
	if j.WakeMode == "" {
		j.WakeMode = WakeNow
	}
	if j.Schedule.Kind == ScheduleAt && j.DeleteAfterRun == nil {
		j.DeleteAfterRun = Bool(true)
	}
	if j.SessionTarget == TargetMain {
		j.Delivery = nil
	}

	if err := ValidateScheduleTimestamp(j.Schedule, now); err != nil {
		return Job{}, err
	}
	if err := Validate(j); err != nil {
		return Job{}, err
	}
	j.State.NextRunAtMs, _ = NextRunAt(j, now)
	return j, nil
}

// ApplyPatch returns j with patch applied and validated. Switching the
// session target to main drops any delivery configuration. A changed
// schedule resets the next run.
func ApplyPatch(j Job, patch JobPatch, now time.Time) (Job, error) {
	out := j.Clone()
	if patch.Name != nil {
		out.Name = strings.TrimSpace(*patch.Name)
	}
	if patch.Description != nil {
		out.Description = strings.TrimSpace(*patch.Description)
	}
	if patch.AgentID != nil {
		out.AgentID = ""
		if id := strings.TrimSpace(*patch.AgentID); id != "" {
			out.AgentID = sessionkey.NormalizeAgentID(id)
		}
	}
	if patch.Enabled != nil {
		out.Enabled = *patch.Enabled
	}
	if patch.DeleteAfterRun != nil {
		out.DeleteAfterRun = cloneBool(patch.DeleteAfterRun)
	}
	scheduleChanged := false
	if patch.Schedule != nil {
		out.Schedule = NormalizeSchedule(*patch.Schedule)
		out.State.LastStatus = ""
		scheduleChanged = true
		if err := ValidateScheduleTimestamp(out.Schedule, now); err != nil {
			return Job{}, err
		}
	}
	if patch.SessionTarget != nil {
		out.SessionTarget = NormalizeSessionTarget(*patch.SessionTarget)
	}
	if patch.WakeMode != nil {
		out.WakeMode = NormalizeWakeMode(*patch.WakeMode)
	}
	if patch.Payload != nil {
		out.Payload = NormalizePayload(*patch.Payload)
	}
	if patch.Delivery != nil {
		out.Delivery = NormalizeDelivery(patch.Delivery)
	}
	if out.SessionTarget == TargetMain {
		out.Delivery = nil
	}
	if err := Validate(out); err != nil {
		return Job{}, err
	}
	out.UpdatedAtMs = now.UnixMilli()
	if scheduleChanged || (patch.Enabled != nil && *patch.Enabled && !j.Enabled) {
		out.State.NextRunAtMs, _ = NextRunAt(out, now)
	}
	return out, nil
}

// Validate checks the structural rules of a normalized job.
func Validate(j Job) error {
	if j.Name == "" {
		return invalidf("name is required")
	}
	switch j.Schedule.Kind {
	case ScheduleAt:
		if _, err := ParseAt(j.Schedule.At); err != nil {
			return invalidf("Invalid schedule.at: expected ISO-8601 timestamp (got %s)", j.Schedule.At)
		}
	case ScheduleEvery:
		if j.Schedule.EveryMs <= 0 {
			return invalidf("schedule.everyMs must be a positive number of milliseconds")
		}
	case ScheduleCron:
		if _, err := ParseExpr(j.Schedule.Expr, j.Schedule.TZ); err != nil {
			return invalidf("%s", err.Error())
		}
	default:
		return invalidf("schedule.kind must be one of at, every, cron")
	}

	switch j.Payload.Kind {
	case PayloadAgentTurn:
		if j.Payload.Message == "" {
			return invalidf("payload.message is required for agentTurn jobs")
		}
	case PayloadSystemEvent:
		if j.Payload.Text == "" {
			return invalidf("payload.text is required for systemEvent jobs")
		}
	default:
		return invalidf("payload.kind must be agentTurn or systemEvent")
	}

	switch j.SessionTarget {
	case TargetMain:
		if j.Payload.Kind != PayloadSystemEvent {
			return invalidf(`main cron jobs require payload.kind="systemEvent"`)
		}
	case TargetIsolated:
		if j.Payload.Kind != PayloadAgentTurn {
			return invalidf(`isolated cron jobs require payload.kind="agentTurn"`)
		}
	default:
		return invalidf("sessionTarget must be isolated or main")
	}

	switch j.WakeMode {
	case WakeNow, WakeNextHeartbeat:
	default:
		return invalidf("wakeMode must be now or next-heartbeat")
	}
	return nil
}

func inferName(p Payload) string {
	src := p.Message
	if src == "" {
		src = p.Text
	}
	src = strings.Join(strings.Fields(src), " ")
	if src == "" {
		return ""
	}
	r := []rune(src)
	if len(r) > inferredNameMax {
		return strings.TrimSpace(string(r[:inferredNameMax])) + "…"
	}
	return src
}
