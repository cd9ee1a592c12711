// Package scheduler runs cron jobs from the cron store: a fixed-interval
// tick finds due jobs, a semaphore bounds concurrent runs, and a separate
// reaper prunes old run sessions.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/KafClaw/clawgate/internal/config"
	"github.com/KafClaw/clawgate/internal/cron"
	"github.com/KafClaw/clawgate/internal/events"
	"github.com/KafClaw/clawgate/internal/session"
	"github.com/KafClaw/clawgate/internal/sessionkey"
	"github.com/google/uuid"
)

var (
	// ErrJobNotFound is returned for unknown job ids.
	ErrJobNotFound = errors.New("cron job not found")
	// ErrStoreLocked means another process owns the cron store.
	ErrStoreLocked = errors.New("cron store is locked by another process")
	// ErrNotOpen is returned when the store has not been opened.
	ErrNotOpen = errors.New("cron service not open")
)

// RunMode selects how Run treats a job that is not due.
type RunMode string

const (
	RunForce RunMode = "force"
	RunDue   RunMode = "due"
)

// Reasons a manual run did not happen.
const (
	ReasonAlreadyRunning = "already-running"
	ReasonNotDue         = "not-due"
)

// RunResult reports the outcome of a manual run request.
type RunResult struct {
	Ran    bool   `json:"ran"`
	Reason string `json:"reason,omitempty"`
}

// Status is a snapshot of the scheduler.
type Status struct {
	Enabled      bool   `json:"enabled"`
	StorePath    string `json:"storePath"`
	Jobs         int    `json:"jobs"`
	Running      int    `json:"running"`
	NextWakeAtMs int64  `json:"nextWakeAtMs,omitempty"`
}

// Config holds scheduler settings.
type Config struct {
	Enabled           bool
	StorePath         string
	LockPath          string
	TickInterval      time.Duration
	MaxConcurrentRuns int
	// SessionRetention of zero disables run-session pruning.
	SessionRetention time.Duration
	SweepInterval    time.Duration
}

// ConfigFrom converts resolved cron settings, expanding the store path.
func ConfigFrom(rc config.ResolvedCron) (Config, error) {
	path, err := cron.ResolveStorePath(rc.StorePath)
	if err != nil {
		return Config{}, err
	}
	return Config{
		Enabled:           rc.Enabled,
		StorePath:         path,
		TickInterval:      rc.TickInterval,
		MaxConcurrentRuns: rc.MaxConcurrentRuns,
		SessionRetention:  rc.SessionRetention,
		SweepInterval:     rc.SweepInterval,
	}, nil
}

// Deps are the collaborators a Service calls out to. Nil members disable
// the corresponding behavior.
type Deps struct {
	Runner    Runner
	Events    SystemEvents
	Announcer Announcer
	Publisher events.Publisher
	Sessions  *session.Manager
	Now       func() time.Time
}

// Service owns the in-memory cron store and runs due jobs.
type Service struct {
	cfg  Config
	deps Deps
	sem  *Semaphore
	lock *FileLock

	mu      sync.Mutex
	store   *cron.StoreFile
	aborts  map[string]context.CancelFunc
	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a Service. Call Open or Start before use.
func New(cfg Config, deps Deps) *Service {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = config.DefaultCronTick
	}
	if cfg.MaxConcurrentRuns <= 0 {
		cfg.MaxConcurrentRuns = config.DefaultMaxConcurrentRuns
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = config.DefaultSweepInterval
	}
	if cfg.LockPath == "" {
		cfg.LockPath = cfg.StorePath + ".lock"
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Publisher == nil {
		deps.Publisher = events.Nop{}
	}
	return &Service{
		cfg:    cfg,
		deps:   deps,
		sem:    NewSemaphore(cfg.MaxConcurrentRuns),
		lock:   NewFileLock(cfg.LockPath),
		aborts: make(map[string]context.CancelFunc),
	}
}

// Open takes the store lock and loads the store. Running markers left by a
// previous process are cleared and missing next-run times recomputed.
func (s *Service) Open() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.store != nil {
		return nil
	}
	if err := ensureDir(s.cfg.LockPath); err != nil {
		return err
	}
	acquired, err := s.lock.TryLock()
	if err != nil {
		return fmt.Errorf("lock cron store: %w", err)
	}
	if !acquired {
		return ErrStoreLocked
	}
	sf, err := cron.Load(s.cfg.StorePath)
	if err != nil {
		s.lock.Unlock()
		return err
	}

	now := s.deps.Now()
	changed := false
	for i := range sf.Jobs {
		j := &sf.Jobs[i]
		if j.State.RunningAtMs != 0 {
			slog.Warn("Cron clearing stale running marker", "job", j.ID)
			j.State.RunningAtMs = 0
			changed = true
		}
		if j.Enabled && j.State.NextRunAtMs == 0 {
			if next, ok := cron.NextRunAt(*j, now); ok {
				j.State.NextRunAtMs = next
				changed = true
			}
		}
	}
	s.store = sf
	if changed {
		if err := cron.Save(s.cfg.StorePath, sf); err != nil {
			slog.Warn("Cron store save failed", "error", err)
		}
	}
	return nil
}

// Start opens the store and, when enabled, starts the tick and reaper loops.
func (s *Service) Start(ctx context.Context) error {
	if err := s.Open(); err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.baseCtx = ctx
	s.cancel = cancel
	s.mu.Unlock()

	if !s.cfg.Enabled {
		slog.Info("Cron scheduler disabled", "store", s.cfg.StorePath)
		return nil
	}
	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.runTicker(ctx)
	}()
	go func() {
		defer s.wg.Done()
		s.runReaper(ctx)
	}()
	slog.Info("Cron scheduler started", "store", s.cfg.StorePath, "tick", s.cfg.TickInterval, "maxConcurrentRuns", s.cfg.MaxConcurrentRuns)
	return nil
}

// Close stops the loops, waits for in-flight runs, and releases the lock.
func (s *Service) Close() error {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	s.wg.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.store = nil
	return s.lock.Unlock()
}

func (s *Service) runTicker(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	s.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			slog.Info("Cron scheduler stopped")
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick dispatches due jobs while semaphore slots are free. Jobs left over
// are picked up by a later tick.
func (s *Service) Tick(ctx context.Context) {
	now := s.deps.Now()
	s.mu.Lock()
	if s.store == nil {
		s.mu.Unlock()
		return
	}
	var due []cron.Job
	for i := range s.store.Jobs {
		j := &s.store.Jobs[i]
		if !cron.IsDue(*j, now) {
			continue
		}
		if !s.sem.TryAcquire() {
			slog.Debug("Cron tick saturated", "job", j.ID, "maxConcurrentRuns", s.sem.Cap())
			break
		}
		j.State.RunningAtMs = now.UnixMilli()
		due = append(due, j.Clone())
	}
	if len(due) > 0 {
		s.persistLocked()
	}
	s.mu.Unlock()

	for _, j := range due {
		s.wg.Add(1)
		go func(j cron.Job) {
			defer s.wg.Done()
			defer s.sem.Release()
			s.execute(ctx, j, now)
		}(j)
	}
}

// execute runs one job and records the outcome. The state update happens
// even when the run was aborted or timed out.
func (s *Service) execute(ctx context.Context, j cron.Job, start time.Time) {
	var (
		runCtx context.Context
		cancel context.CancelFunc
	)
	if secs := j.Payload.TimeoutSeconds; secs > 0 {
		runCtx, cancel = context.WithTimeout(ctx, time.Duration(secs)*time.Second)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()
	s.mu.Lock()
	s.aborts[j.ID] = cancel
	s.mu.Unlock()

	slog.Info("Cron job started", "job", j.ID, "name", j.Name, "target", j.SessionTarget)
	events.Emit(ctx, s.deps.Publisher, events.New(events.CronStarted, j.ID, map[string]any{"name": j.Name}))

	err := s.runJob(runCtx, j)
	switch {
	case err == nil:
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		err = fmt.Errorf("timed out after %ds", j.Payload.TimeoutSeconds)
	case runCtx.Err() != nil:
		err = errors.New("aborted")
	}
	s.finish(j, start, err)
}

func (s *Service) runJob(ctx context.Context, j cron.Job) error {
	agentID := sessionkey.NormalizeAgentID(j.AgentID)
	if j.SessionTarget == cron.TargetMain {
		if s.deps.Events == nil {
			return errors.New("system events unavailable")
		}
		return s.deps.Events.Enqueue(ctx, SystemEvent{
			AgentID:    agentID,
			SessionKey: sessionkey.Main(agentID),
			JobID:      j.ID,
			Text:       j.Payload.Text,
			WakeNow:    j.WakeMode == cron.WakeNow,
		})
	}

	if s.deps.Runner == nil {
		return errors.New("agent runner unavailable")
	}
	runID := uuid.NewString()
	key := sessionkey.CronRun(agentID, j.ID, runID)
	var sess *session.Session
	if s.deps.Sessions != nil {
		sess = s.deps.Sessions.GetOrCreate(key)
		sess.SetMetadata("jobId", j.ID)
		sess.AddMessage("user", j.Payload.Message)
	}

	res, err := s.deps.Runner.RunAgentTurn(ctx, AgentTurn{
		AgentID:    agentID,
		JobID:      j.ID,
		RunID:      runID,
		SessionKey: key,
		Message:    j.Payload.Message,
		Model:      j.Payload.Model,
		Thinking:   j.Payload.Thinking,
	})
	if sess != nil {
		if err == nil {
			sess.AddMessage("assistant", res.Summary)
		}
		if saveErr := s.deps.Sessions.Save(sess); saveErr != nil {
			slog.Warn("Cron run session save failed", "job", j.ID, "session", key, "error", saveErr)
		}
	}
	if err != nil {
		return err
	}
	return s.deliver(ctx, j, agentID, res.Summary)
}

func (s *Service) deliver(ctx context.Context, j cron.Job, agentID, summary string) error {
	plan := cron.ResolveDeliveryPlan(j)
	if !plan.Requested || strings.TrimSpace(summary) == "" || s.deps.Announcer == nil {
		return nil
	}
	err := s.deps.Announcer.Announce(ctx, Announcement{
		AgentID: agentID,
		JobID:   j.ID,
		JobName: j.Name,
		Channel: plan.Channel,
		To:      plan.To,
		Text:    summary,
	})
	if err == nil {
		return nil
	}
	if plan.BestEffort {
		slog.Warn("Cron delivery failed (best effort)", "job", j.ID, "channel", plan.Channel, "error", err)
		return nil
	}
	return fmt.Errorf("delivery failed: %w", err)
}

func (s *Service) finish(ran cron.Job, start time.Time, runErr error) {
	end := s.deps.Now()
	s.mu.Lock()
	delete(s.aborts, ran.ID)
	if s.store == nil {
		s.mu.Unlock()
		return
	}
	idx := s.indexLocked(ran.ID)
	if idx < 0 {
		// Removed while running.
		s.mu.Unlock()
		return
	}
	j := &s.store.Jobs[idx]
	j.State.RunningAtMs = 0
	j.State.LastRunAtMs = start.UnixMilli()
	j.State.LastDurationMs = end.Sub(start).Milliseconds()
	j.State.RunCount++
	if runErr == nil {
		j.State.LastStatus = cron.StatusOK
		j.State.LastError = ""
		j.State.ConsecutiveErrors = 0
	} else {
		j.State.LastStatus = cron.StatusError
		j.State.LastError = runErr.Error()
		j.State.ConsecutiveErrors++
	}

	removed := false
	if j.Schedule.Kind == cron.ScheduleAt {
		if runErr == nil && j.ShouldDeleteAfterRun() {
			s.store.Jobs = append(s.store.Jobs[:idx], s.store.Jobs[idx+1:]...)
			removed = true
		} else {
			j.Enabled = false
			j.State.NextRunAtMs = 0
		}
	} else if next, ok := cron.NextRunAt(*j, end); ok {
		j.State.NextRunAtMs = next
	} else {
		j.State.NextRunAtMs = 0
	}
	s.persistLocked()
	s.mu.Unlock()

	status := cron.StatusOK
	if runErr != nil {
		status = cron.StatusError
		slog.Warn("Cron job failed", "job", ran.ID, "name", ran.Name, "error", runErr)
	} else {
		slog.Info("Cron job finished", "job", ran.ID, "name", ran.Name, "duration", end.Sub(start))
	}
	data := map[string]any{"status": string(status), "durationMs": end.Sub(start).Milliseconds(), "removed": removed}
	if runErr != nil {
		data["error"] = runErr.Error()
	}
	events.Emit(context.Background(), s.deps.Publisher, events.New(events.CronFinished, ran.ID, data))
}

// Abort cancels a running job. It reports whether the job was running.
func (s *Service) Abort(id string) bool {
	s.mu.Lock()
	cancel, ok := s.aborts[id]
	s.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Add validates and stores a new job.
func (s *Service) Add(ctx context.Context, in cron.JobCreate) (cron.Job, error) {
	j, err := cron.NewJob(in, s.deps.Now())
	if err != nil {
		return cron.Job{}, err
	}
	s.mu.Lock()
	if s.store == nil {
		s.mu.Unlock()
		return cron.Job{}, ErrNotOpen
	}
	s.store.Jobs = append(s.store.Jobs, j)
	err = s.persistLocked()
	s.mu.Unlock()
	if err != nil {
		return cron.Job{}, err
	}
	slog.Info("Cron job added", "job", j.ID, "name", j.Name, "schedule", j.Schedule.Kind)
	events.Emit(ctx, s.deps.Publisher, events.New(events.CronAdded, j.ID, map[string]any{"name": j.Name}))
	return j.Clone(), nil
}

// Update applies a patch to a job.
func (s *Service) Update(ctx context.Context, id string, patch cron.JobPatch) (cron.Job, error) {
	s.mu.Lock()
	if s.store == nil {
		s.mu.Unlock()
		return cron.Job{}, ErrNotOpen
	}
	idx := s.indexLocked(id)
	if idx < 0 {
		s.mu.Unlock()
		return cron.Job{}, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	updated, err := cron.ApplyPatch(s.store.Jobs[idx], patch, s.deps.Now())
	if err != nil {
		s.mu.Unlock()
		return cron.Job{}, err
	}
	s.store.Jobs[idx] = updated
	err = s.persistLocked()
	s.mu.Unlock()
	if err != nil {
		return cron.Job{}, err
	}
	events.Emit(ctx, s.deps.Publisher, events.New(events.CronUpdated, id, map[string]any{"name": updated.Name}))
	return updated.Clone(), nil
}

// Remove deletes a job, aborting it if running. It reports whether the
// job existed.
func (s *Service) Remove(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	if s.store == nil {
		s.mu.Unlock()
		return false, ErrNotOpen
	}
	idx := s.indexLocked(id)
	if idx < 0 {
		s.mu.Unlock()
		return false, nil
	}
	s.store.Jobs = append(s.store.Jobs[:idx], s.store.Jobs[idx+1:]...)
	cancel := s.aborts[id]
	err := s.persistLocked()
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if err != nil {
		return true, err
	}
	slog.Info("Cron job removed", "job", id)
	events.Emit(ctx, s.deps.Publisher, events.New(events.CronRemoved, id, nil))
	return true, nil
}

// Get returns a job by id.
func (s *Service) Get(id string) (cron.Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.store == nil {
		return cron.Job{}, false
	}
	if idx := s.indexLocked(id); idx >= 0 {
		return s.store.Jobs[idx].Clone(), true
	}
	return cron.Job{}, false
}

// List returns jobs ordered by next run time, jobs with no next run last.
func (s *Service) List(includeDisabled bool) []cron.Job {
	s.mu.Lock()
	out := make([]cron.Job, 0)
	if s.store != nil {
		for _, j := range s.store.Jobs {
			if j.Enabled || includeDisabled {
				out = append(out, j.Clone())
			}
		}
	}
	s.mu.Unlock()

	sort.SliceStable(out, func(a, b int) bool {
		na, nb := out[a].State.NextRunAtMs, out[b].State.NextRunAtMs
		if (na == 0) != (nb == 0) {
			return nb == 0
		}
		if na != nb {
			return na < nb
		}
		return out[a].Name < out[b].Name
	})
	return out
}

// Run executes a job now and waits for it to finish. RunDue only runs a
// job that is due; RunForce runs it regardless of schedule or enabled state.
func (s *Service) Run(ctx context.Context, id string, mode RunMode) (RunResult, error) {
	s.mu.Lock()
	_, res, err := s.runnableLocked(id, mode, s.deps.Now())
	s.mu.Unlock()
	if err != nil || res.Reason != "" {
		return res, err
	}

	if err := s.sem.Acquire(ctx); err != nil {
		return RunResult{}, err
	}
	defer s.sem.Release()

	// Re-check: a tick may have started the job while we waited for a slot.
	now := s.deps.Now()
	s.mu.Lock()
	idx, res, err := s.runnableLocked(id, mode, now)
	if err != nil || res.Reason != "" {
		s.mu.Unlock()
		return res, err
	}
	j := &s.store.Jobs[idx]
	j.State.RunningAtMs = now.UnixMilli()
	snapshot := j.Clone()
	s.persistLocked()
	base := s.baseCtx
	s.mu.Unlock()

	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	if base != nil {
		// Close also aborts manual runs.
		go func() {
			select {
			case <-base.Done():
				stop()
			case <-runCtx.Done():
			}
		}()
	}
	s.execute(runCtx, snapshot, now)
	return RunResult{Ran: true}, nil
}

func (s *Service) runnableLocked(id string, mode RunMode, now time.Time) (int, RunResult, error) {
	if s.store == nil {
		return -1, RunResult{}, ErrNotOpen
	}
	idx := s.indexLocked(id)
	if idx < 0 {
		return -1, RunResult{}, fmt.Errorf("%w: %s", ErrJobNotFound, id)
	}
	j := s.store.Jobs[idx]
	if j.State.RunningAtMs != 0 {
		return idx, RunResult{Reason: ReasonAlreadyRunning}, nil
	}
	if mode != RunForce && !cron.IsDue(j, now) {
		return idx, RunResult{Reason: ReasonNotDue}, nil
	}
	return idx, RunResult{}, nil
}

// Status summarizes the scheduler.
func (s *Service) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{Enabled: s.cfg.Enabled, StorePath: s.cfg.StorePath, Running: len(s.aborts)}
	if s.store == nil {
		return st
	}
	st.Jobs = len(s.store.Jobs)
	for _, j := range s.store.Jobs {
		if !j.Enabled || j.State.NextRunAtMs == 0 {
			continue
		}
		if st.NextWakeAtMs == 0 || j.State.NextRunAtMs < st.NextWakeAtMs {
			st.NextWakeAtMs = j.State.NextRunAtMs
		}
	}
	return st
}

func (s *Service) indexLocked(id string) int {
	for i := range s.store.Jobs {
		if s.store.Jobs[i].ID == id {
			return i
		}
	}
	return -1
}

func ensureDir(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create cron dir: %w", err)
	}
	return nil
}

func (s *Service) persistLocked() error {
	if err := cron.Save(s.cfg.StorePath, s.store); err != nil {
		slog.Error("Cron store save failed", "path", s.cfg.StorePath, "error", err)
		return err
	}
	return nil
}
