package scheduler

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/KafClaw/clawgate/internal/bus"
	"github.com/KafClaw/clawgate/internal/cron"
	"github.com/KafClaw/clawgate/internal/session"
	"github.com/KafClaw/clawgate/internal/sessionkey"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type fakeRunner struct {
	mu      sync.Mutex
	turns   []AgentTurn
	started chan string
	block   chan struct{}
	onRun   func()
	summary string
	err     error
}

func (f *fakeRunner) RunAgentTurn(ctx context.Context, turn AgentTurn) (TurnResult, error) {
	f.mu.Lock()
	f.turns = append(f.turns, turn)
	f.mu.Unlock()
	if f.started != nil {
		f.started <- turn.JobID
	}
	if f.onRun != nil {
		f.onRun()
	}
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return TurnResult{}, ctx.Err()
		}
	}
	return TurnResult{Summary: f.summary}, f.err
}

func (f *fakeRunner) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.turns)
}

type fakeEvents struct {
	mu  sync.Mutex
	got []SystemEvent
}

func (f *fakeEvents) Enqueue(_ context.Context, ev SystemEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, ev)
	return nil
}

type fakeAnnouncer struct {
	mu  sync.Mutex
	got []Announcement
	err error
}

func (f *fakeAnnouncer) Announce(_ context.Context, a Announcement) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, a)
	return f.err
}

var testStart = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func newTestService(t *testing.T, maxRuns int, deps Deps) (*Service, *testClock) {
	t.Helper()
	clk := &testClock{t: testStart}
	deps.Now = clk.Now
	s := New(Config{
		Enabled:           true,
		StorePath:         filepath.Join(t.TempDir(), "cron", "jobs.json"),
		MaxConcurrentRuns: maxRuns,
		TickInterval:      time.Hour,
	}, deps)
	if err := s.Open(); err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s, clk
}

func addEvery(t *testing.T, s *Service, name string) cron.Job {
	t.Helper()
	j, err := s.Add(context.Background(), cron.JobCreate{
		Name:     name,
		Schedule: cron.Schedule{Kind: cron.ScheduleEvery, EveryMs: 60_000},
		Payload:  cron.Payload{Message: "run " + name},
	})
	if err != nil {
		t.Fatalf("add %s: %v", name, err)
	}
	return j
}

func mustGet(t *testing.T, s *Service, id string) cron.Job {
	t.Helper()
	j, ok := s.Get(id)
	if !ok {
		t.Fatalf("job %s not found", id)
	}
	return j
}

func TestTickBoundsConcurrentRuns(t *testing.T) {
	runner := &fakeRunner{started: make(chan string, 4), block: make(chan struct{})}
	s, _ := newTestService(t, 1, Deps{Runner: runner})
	a := addEvery(t, s, "a")
	b := addEvery(t, s, "b")

	s.Tick(context.Background())
	first := <-runner.started
	if st := s.Status(); st.Running != 1 {
		t.Fatalf("running = %d, want 1", st.Running)
	}
	other := b.ID
	if first == b.ID {
		other = a.ID
	}
	if mustGet(t, s, other).State.RunningAtMs != 0 {
		t.Fatal("second job must wait for a free slot")
	}

	close(runner.block)
	s.wg.Wait()
	s.Tick(context.Background())
	s.wg.Wait()

	for _, id := range []string{a.ID, b.ID} {
		j := mustGet(t, s, id)
		if j.State.RunCount != 1 || j.State.LastStatus != cron.StatusOK || j.State.RunningAtMs != 0 {
			t.Errorf("job %s state = %+v", j.Name, j.State)
		}
	}
}

func TestEveryJobRearmsFromCompletion(t *testing.T) {
	runner := &fakeRunner{}
	s, clk := newTestService(t, 1, Deps{Runner: runner})
	runner.onRun = func() { clk.Advance(5 * time.Second) }
	j := addEvery(t, s, "digest")

	s.Tick(context.Background())
	s.wg.Wait()

	got := mustGet(t, s, j.ID).State
	if got.LastRunAtMs != testStart.UnixMilli() || got.LastDurationMs != 5000 {
		t.Fatalf("state = %+v", got)
	}
	if want := testStart.UnixMilli() + 5000 + 60_000; got.NextRunAtMs != want {
		t.Fatalf("nextRunAtMs = %d, want %d", got.NextRunAtMs, want)
	}

	// Not due again until the re-armed time.
	clk.Advance(30 * time.Second)
	s.Tick(context.Background())
	s.wg.Wait()
	if runner.count() != 1 {
		t.Fatalf("runs = %d, want 1", runner.count())
	}
}

func TestDisabledJobsAreSkippedWithoutStateChange(t *testing.T) {
	runner := &fakeRunner{}
	s, _ := newTestService(t, 1, Deps{Runner: runner})
	j, err := s.Add(context.Background(), cron.JobCreate{
		Name:     "off",
		Enabled:  cron.Bool(false),
		Schedule: cron.Schedule{Kind: cron.ScheduleEvery, EveryMs: 1000},
		Payload:  cron.Payload{Message: "x"},
	})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	before := mustGet(t, s, j.ID).State
	s.Tick(context.Background())
	s.wg.Wait()
	if runner.count() != 0 || mustGet(t, s, j.ID).State != before {
		t.Fatal("disabled job must not run or change state")
	}
}

func TestOneShotDeletedOnSuccessDisabledOnFailure(t *testing.T) {
	runner := &fakeRunner{}
	s, clk := newTestService(t, 2, Deps{Runner: runner})
	at := cron.FormatISO(testStart.Add(time.Minute))
	ok, err := s.Add(context.Background(), cron.JobCreate{Name: "once", Schedule: cron.Schedule{At: at}, Payload: cron.Payload{Message: "x"}})
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	clk.Advance(2 * time.Minute)
	s.Tick(context.Background())
	s.wg.Wait()
	if _, found := s.Get(ok.ID); found {
		t.Fatal("successful one-shot with deleteAfterRun must be removed")
	}
	reloaded, err := cron.Load(s.cfg.StorePath)
	if err != nil || len(reloaded.Jobs) != 0 {
		t.Fatalf("store after delete: %+v %v", reloaded, err)
	}

	runner.err = errors.New("model unavailable")
	at = cron.FormatISO(clk.Now().Add(time.Minute))
	failing, err := s.Add(context.Background(), cron.JobCreate{Name: "once-fail", Schedule: cron.Schedule{At: at}, Payload: cron.Payload{Message: "x"}})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	clk.Advance(2 * time.Minute)
	s.Tick(context.Background())
	s.wg.Wait()

	j := mustGet(t, s, failing.ID)
	if j.Enabled || j.State.NextRunAtMs != 0 {
		t.Fatalf("failed one-shot must be disabled: %+v", j)
	}
	if j.State.LastStatus != cron.StatusError || j.State.LastError != "model unavailable" || j.State.ConsecutiveErrors != 1 {
		t.Fatalf("state = %+v", j.State)
	}
}

func TestFailureKeepsRecurringJobEnabled(t *testing.T) {
	runner := &fakeRunner{err: errors.New("boom")}
	s, _ := newTestService(t, 1, Deps{Runner: runner})
	j := addEvery(t, s, "flaky")
	s.Tick(context.Background())
	s.wg.Wait()

	got := mustGet(t, s, j.ID)
	if !got.Enabled || got.State.LastStatus != cron.StatusError || got.State.NextRunAtMs == 0 {
		t.Fatalf("job = %+v", got)
	}
}

func TestAbortRecordsState(t *testing.T) {
	runner := &fakeRunner{started: make(chan string, 1), block: make(chan struct{})}
	s, _ := newTestService(t, 1, Deps{Runner: runner})
	j := addEvery(t, s, "long")

	s.Tick(context.Background())
	<-runner.started
	if !s.Abort(j.ID) {
		t.Fatal("abort should find the running job")
	}
	s.wg.Wait()

	got := mustGet(t, s, j.ID).State
	if got.LastStatus != cron.StatusError || got.LastError != "aborted" || got.RunningAtMs != 0 {
		t.Fatalf("state = %+v", got)
	}
	if s.Abort(j.ID) {
		t.Fatal("nothing should be running after abort")
	}
}

func TestTimeoutRecordsState(t *testing.T) {
	runner := &fakeRunner{block: make(chan struct{})}
	s, _ := newTestService(t, 1, Deps{Runner: runner})
	j, err := s.Add(context.Background(), cron.JobCreate{
		Name:     "slow",
		Schedule: cron.Schedule{Kind: cron.ScheduleEvery, EveryMs: 60_000},
		Payload:  cron.Payload{Message: "x", TimeoutSeconds: 1},
	})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	s.Tick(context.Background())
	s.wg.Wait()
	if got := mustGet(t, s, j.ID).State.LastError; got != "timed out after 1s" {
		t.Fatalf("lastError = %q", got)
	}
}

func TestRunModes(t *testing.T) {
	runner := &fakeRunner{}
	s, _ := newTestService(t, 1, Deps{Runner: runner})
	anchor := testStart.Add(time.Hour).UnixMilli()
	j, err := s.Add(context.Background(), cron.JobCreate{
		Name:     "later",
		Schedule: cron.Schedule{Kind: cron.ScheduleEvery, EveryMs: 60_000, AnchorMs: &anchor},
		Payload:  cron.Payload{Message: "x"},
	})
	if err != nil {
		t.Fatalf("add: %v", err)
	}

	res, err := s.Run(context.Background(), j.ID, RunDue)
	if err != nil || res.Ran || res.Reason != ReasonNotDue {
		t.Fatalf("due run = %+v %v", res, err)
	}
	res, err = s.Run(context.Background(), j.ID, RunForce)
	if err != nil || !res.Ran {
		t.Fatalf("force run = %+v %v", res, err)
	}
	if runner.count() != 1 || mustGet(t, s, j.ID).State.RunCount != 1 {
		t.Fatal("forced run should execute synchronously")
	}
	if _, err := s.Run(context.Background(), "missing", RunForce); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("missing job err = %v", err)
	}
}

func TestRunReportsAlreadyRunning(t *testing.T) {
	runner := &fakeRunner{started: make(chan string, 1), block: make(chan struct{})}
	s, _ := newTestService(t, 1, Deps{Runner: runner})
	j := addEvery(t, s, "busy")

	done := make(chan RunResult, 1)
	go func() {
		res, _ := s.Run(context.Background(), j.ID, RunForce)
		done <- res
	}()
	<-runner.started

	res, err := s.Run(context.Background(), j.ID, RunForce)
	if err != nil || res.Ran || res.Reason != ReasonAlreadyRunning {
		t.Fatalf("second run = %+v %v", res, err)
	}
	close(runner.block)
	if first := <-done; !first.Ran {
		t.Fatalf("first run = %+v", first)
	}
}

func TestStoreLockAndStaleRunningMarker(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "jobs.json")
	sf := cron.NewStoreFile()
	sf.Jobs = append(sf.Jobs, cron.Job{
		ID:            "j1",
		Name:          "stale",
		Enabled:       true,
		Schedule:      cron.Schedule{Kind: cron.ScheduleEvery, EveryMs: 1000},
		SessionTarget: cron.TargetIsolated,
		WakeMode:      cron.WakeNow,
		Payload:       cron.Payload{Kind: cron.PayloadAgentTurn, Message: "x"},
		State:         cron.JobState{RunningAtMs: 123},
	})
	if err := cron.Save(path, sf); err != nil {
		t.Fatalf("save: %v", err)
	}

	s1 := New(Config{StorePath: path}, Deps{})
	if err := s1.Open(); err != nil {
		t.Fatalf("open: %v", err)
	}
	if got := mustGet(t, s1, "j1").State; got.RunningAtMs != 0 || got.NextRunAtMs == 0 {
		t.Fatalf("stale marker not cleared: %+v", got)
	}

	s2 := New(Config{StorePath: path}, Deps{})
	if err := s2.Open(); !errors.Is(err, ErrStoreLocked) {
		t.Fatalf("second open err = %v", err)
	}
	if err := s1.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := s2.Open(); err != nil {
		t.Fatalf("open after release: %v", err)
	}
	s2.Close()
}

func TestMainTargetEnqueuesSystemEvent(t *testing.T) {
	ev := &fakeEvents{}
	s, _ := newTestService(t, 1, Deps{Events: ev})
	if _, err := s.Add(context.Background(), cron.JobCreate{
		Name:     "nudge",
		AgentID:  "Ops",
		Schedule: cron.Schedule{Kind: cron.ScheduleEvery, EveryMs: 60_000},
		Payload:  cron.Payload{Text: "check the queue"},
	}); err != nil {
		t.Fatalf("add: %v", err)
	}
	s.Tick(context.Background())
	s.wg.Wait()

	if len(ev.got) != 1 {
		t.Fatalf("events = %+v", ev.got)
	}
	got := ev.got[0]
	if got.SessionKey != "agent:ops:main" || got.Text != "check the queue" || !got.WakeNow {
		t.Fatalf("event = %+v", got)
	}
}

func TestIsolatedRunAnnouncesPerDeliveryPlan(t *testing.T) {
	tests := []struct {
		name        string
		delivery    *cron.Delivery
		announceErr error
		wantStatus  cron.RunStatus
		wantCalls   int
	}{
		{"explicit target", &cron.Delivery{Channel: "Telegram", To: "42"}, nil, cron.StatusOK, 1},
		{"mode none", &cron.Delivery{Mode: cron.DeliveryNone}, nil, cron.StatusOK, 0},
		{"failure fails the run", &cron.Delivery{Channel: "telegram", To: "42"}, errors.New("offline"), cron.StatusError, 1},
		{"best effort failure", &cron.Delivery{Channel: "telegram", To: "42", BestEffort: cron.Bool(true)}, errors.New("offline"), cron.StatusOK, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ann := &fakeAnnouncer{err: tt.announceErr}
			s, _ := newTestService(t, 1, Deps{Runner: &fakeRunner{summary: "3 new mails"}, Announcer: ann})
			j, err := s.Add(context.Background(), cron.JobCreate{
				Name:     "mail",
				Schedule: cron.Schedule{Kind: cron.ScheduleEvery, EveryMs: 60_000},
				Payload:  cron.Payload{Message: "check mail"},
				Delivery: tt.delivery,
			})
			if err != nil {
				t.Fatalf("add: %v", err)
			}
			s.Tick(context.Background())
			s.wg.Wait()

			if len(ann.got) != tt.wantCalls {
				t.Fatalf("announcements = %+v", ann.got)
			}
			if tt.wantCalls > 0 {
				if a := ann.got[0]; a.Channel != "telegram" || a.To != "42" || a.Text != "3 new mails" {
					t.Fatalf("announcement = %+v", a)
				}
			}
			if got := mustGet(t, s, j.ID).State.LastStatus; got != tt.wantStatus {
				t.Fatalf("status = %s, want %s", got, tt.wantStatus)
			}
		})
	}
}

func TestBusRoundTripWritesRunSession(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b := bus.NewMessageBus()
	go b.DispatchOutbound(ctx)
	delivered := make(chan *bus.OutboundMessage, 1)
	b.Subscribe("telegram", func(m *bus.OutboundMessage) { delivered <- m })

	// Stand-in agent: echo every cron turn back on the cron channel.
	go func() {
		for {
			msg, err := b.ConsumeInbound(ctx)
			if err != nil {
				return
			}
			_ = b.PublishOutbound(ctx, &bus.OutboundMessage{Channel: ChannelCron, TraceID: msg.TraceID, Content: "echo: " + msg.Content})
		}
	}()

	sessions, err := session.NewManager(t.TempDir())
	if err != nil {
		t.Fatalf("sessions: %v", err)
	}
	runner := NewBusRunner(b)
	defer runner.Close()
	events := BusSystemEvents{Bus: b}
	s, _ := newTestService(t, 1, Deps{
		Runner:    runner,
		Events:    events,
		Announcer: BusAnnouncer{Bus: b, Events: events},
		Sessions:  sessions,
	})
	j, err := s.Add(ctx, cron.JobCreate{
		Name:     "ping",
		Schedule: cron.Schedule{Kind: cron.ScheduleEvery, EveryMs: 60_000},
		Payload:  cron.Payload{Message: "ping"},
		Delivery: &cron.Delivery{Channel: "telegram", To: "7"},
	})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if res, err := s.Run(ctx, j.ID, RunForce); err != nil || !res.Ran {
		t.Fatalf("run = %+v %v", res, err)
	}

	select {
	case m := <-delivered:
		if m.ChatID != "7" || m.Content != "echo: ping" {
			t.Fatalf("delivered = %+v", m)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no delivery")
	}

	list := sessions.List()
	if len(list) != 1 || !sessionkey.IsCronRun(list[0].Key) || !strings.Contains(list[0].Key, j.ID) {
		t.Fatalf("run sessions = %+v", list)
	}
	hist := sessions.GetOrCreate(list[0].Key).History()
	if len(hist) != 2 || hist[1].Content != "echo: ping" {
		t.Fatalf("history = %+v", hist)
	}
}

func TestSweepPrunesOnlyOldRunSessions(t *testing.T) {
	sessions, err := session.NewManager(t.TempDir())
	if err != nil {
		t.Fatalf("sessions: %v", err)
	}
	save := func(key string, updated time.Time) {
		sess := sessions.GetOrCreate(key)
		sess.AddMessage("user", "x")
		sess.UpdatedAt = updated
		if err := sessions.Save(sess); err != nil {
			t.Fatalf("save %s: %v", key, err)
		}
	}
	oldRun := sessionkey.CronRun("main", "job1", "r1")
	freshRun := sessionkey.CronRun("main", "job1", "r2")
	save(oldRun, testStart.Add(-48*time.Hour))
	save(freshRun, testStart.Add(-time.Hour))
	save(sessionkey.Main("main"), testStart.Add(-72*time.Hour))

	clk := &testClock{t: testStart}
	s := New(Config{StorePath: filepath.Join(t.TempDir(), "jobs.json"), SessionRetention: 24 * time.Hour}, Deps{Sessions: sessions, Now: clk.Now})
	if n := s.Sweep(); n != 1 {
		t.Fatalf("removed = %d, want 1", n)
	}
	keys := map[string]bool{}
	for _, info := range sessions.List() {
		keys[info.Key] = true
	}
	if keys[oldRun] || !keys[freshRun] || !keys[sessionkey.Main("main")] {
		t.Fatalf("remaining = %v", keys)
	}

	disabled := New(Config{StorePath: s.cfg.StorePath}, Deps{Sessions: sessions, Now: clk.Now})
	clk.Advance(72 * time.Hour)
	if n := disabled.Sweep(); n != 0 {
		t.Fatalf("retention disabled but removed %d", n)
	}
}
