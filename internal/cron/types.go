// Package cron defines scheduled jobs, their on-disk store, schedule math,
// input normalization, and delivery planning. The scheduler that runs jobs
// lives in internal/scheduler.
package cron

// ScheduleKind selects how a job's next run time is computed.
type ScheduleKind string

const (
	ScheduleAt    ScheduleKind = "at"
	ScheduleEvery ScheduleKind = "every"
	ScheduleCron  ScheduleKind = "cron"
)

// SessionTarget selects where a job runs.
type SessionTarget string

const (
	// TargetIsolated runs each execution in a fresh run session.
	TargetIsolated SessionTarget = "isolated"
	// TargetMain injects into the agent's main (shared) session.
	TargetMain SessionTarget = "main"
)

// WakeMode controls when a main-session job wakes the agent.
type WakeMode string

const (
	WakeNow           WakeMode = "now"
	WakeNextHeartbeat WakeMode = "next-heartbeat"
)

// PayloadKind selects what a job does when it fires.
type PayloadKind string

const (
	PayloadAgentTurn   PayloadKind = "agentTurn"
	PayloadSystemEvent PayloadKind = "systemEvent"
)

// DeliveryMode selects whether run output is announced.
type DeliveryMode string

const (
	DeliveryAnnounce DeliveryMode = "announce"
	DeliveryNone     DeliveryMode = "none"
)

// RunStatus is the outcome of the last run.
type RunStatus string

const (
	StatusOK      RunStatus = "ok"
	StatusError   RunStatus = "error"
	StatusSkipped RunStatus = "skipped"
)

// Schedule describes when a job fires.
type Schedule struct {
	Kind     ScheduleKind `json:"kind"`
	At       string       `json:"at,omitempty"`
	EveryMs  int64        `json:"everyMs,omitempty"`
	AnchorMs *int64       `json:"anchorMs,omitempty"`
	Expr     string       `json:"expr,omitempty"`
	TZ       string       `json:"tz,omitempty"`
}

// Payload describes what a job does.
type Payload struct {
	Kind           PayloadKind `json:"kind"`
	Message        string      `json:"message,omitempty"`
	Text           string      `json:"text,omitempty"`
	Model          string      `json:"model,omitempty"`
	Thinking       string      `json:"thinking,omitempty"`
	TimeoutSeconds int         `json:"timeoutSeconds,omitempty"`

	// Legacy delivery fields, honored only when the job has no Delivery.
	Deliver           *bool  `json:"deliver,omitempty"`
	Channel           string `json:"channel,omitempty"`
	To                string `json:"to,omitempty"`
	BestEffortDeliver *bool  `json:"bestEffortDeliver,omitempty"`
}

// Delivery is the explicit delivery configuration of a job.
type Delivery struct {
	Mode       DeliveryMode `json:"mode,omitempty"`
	Channel    string       `json:"channel,omitempty"`
	To         string       `json:"to,omitempty"`
	BestEffort *bool        `json:"bestEffort,omitempty"`
}

// JobState is the mutable run bookkeeping of a job.
type JobState struct {
	NextRunAtMs       int64     `json:"nextRunAtMs,omitempty"`
	RunningAtMs       int64     `json:"runningAtMs,omitempty"`
	LastRunAtMs       int64     `json:"lastRunAtMs,omitempty"`
	LastStatus        RunStatus `json:"lastStatus,omitempty"`
	LastError         string    `json:"lastError,omitempty"`
	LastDurationMs    int64     `json:"lastDurationMs,omitempty"`
	RunCount          int64     `json:"runCount,omitempty"`
	ConsecutiveErrors int       `json:"consecutiveErrors,omitempty"`
}

// Job is a persisted scheduled job. Field names are part of the on-disk
// format.
type Job struct {
	ID             string        `json:"id"`
	AgentID        string        `json:"agentId,omitempty"`
	Name           string        `json:"name"`
	Description    string        `json:"description,omitempty"`
	Enabled        bool          `json:"enabled"`
	DeleteAfterRun *bool         `json:"deleteAfterRun,omitempty"`
	CreatedAtMs    int64         `json:"createdAtMs"`
	UpdatedAtMs    int64         `json:"updatedAtMs"`
	Schedule       Schedule      `json:"schedule"`
	SessionTarget  SessionTarget `json:"sessionTarget"`
	WakeMode       WakeMode      `json:"wakeMode"`
	Payload        Payload       `json:"payload"`
	Delivery       *Delivery     `json:"delivery,omitempty"`
	State          JobState      `json:"state"`
}

// Clone returns a deep copy of j.
func (j Job) Clone() Job {
	out := j
	out.DeleteAfterRun = cloneBool(j.DeleteAfterRun)
	if j.Schedule.AnchorMs != nil {
		v := *j.Schedule.AnchorMs
		out.Schedule.AnchorMs = &v
	}
	out.Payload.Deliver = cloneBool(j.Payload.Deliver)
	out.Payload.BestEffortDeliver = cloneBool(j.Payload.BestEffortDeliver)
	if j.Delivery != nil {
		d := *j.Delivery
		d.BestEffort = cloneBool(j.Delivery.BestEffort)
		out.Delivery = &d
	}
	return out
}

// ShouldDeleteAfterRun reports whether a one-shot job is removed, rather
// than disabled, after it runs.
func (j Job) ShouldDeleteAfterRun() bool {
	return j.DeleteAfterRun != nil && *j.DeleteAfterRun
}

// JobCreate is the input for adding a job.
type JobCreate struct {
	AgentID        string        `json:"agentId,omitempty"`
	Name           string        `json:"name"`
	Description    string        `json:"description,omitempty"`
	Enabled        *bool         `json:"enabled,omitempty"`
	DeleteAfterRun *bool         `json:"deleteAfterRun,omitempty"`
	Schedule       Schedule      `json:"schedule"`
	SessionTarget  SessionTarget `json:"sessionTarget,omitempty"`
	WakeMode       WakeMode      `json:"wakeMode,omitempty"`
	Payload        Payload       `json:"payload"`
	Delivery       *Delivery     `json:"delivery,omitempty"`
}

// JobPatch is a partial update. Nil fields are left unchanged.
type JobPatch struct {
	AgentID        *string        `json:"agentId,omitempty"`
	Name           *string        `json:"name,omitempty"`
	Description    *string        `json:"description,omitempty"`
	Enabled        *bool          `json:"enabled,omitempty"`
	DeleteAfterRun *bool          `json:"deleteAfterRun,omitempty"`
	Schedule       *Schedule      `json:"schedule,omitempty"`
	SessionTarget  *SessionTarget `json:"sessionTarget,omitempty"`
	WakeMode       *WakeMode      `json:"wakeMode,omitempty"`
	Payload        *Payload       `json:"payload,omitempty"`
	Delivery       *Delivery      `json:"delivery,omitempty"`
}

// StoreFile is the on-disk document.
type StoreFile struct {
	Version int   `json:"version"`
	Jobs    []Job `json:"jobs"`
}

// StoreVersion is the current store format version.
const StoreVersion = 1

func cloneBool(b *bool) *bool {
	if b == nil {
		return nil
	}
	v := *b
	return &v
}

// Bool returns a pointer to v.
func Bool(v bool) *bool { return &v }
