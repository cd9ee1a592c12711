package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/KafClaw/clawgate/internal/config"
	"github.com/KafClaw/clawgate/internal/cron"
	"github.com/KafClaw/clawgate/internal/pairing"
)

func runRootCommand(t *testing.T, args ...string) (string, error) {
	t.Helper()
	buf := &bytes.Buffer{}
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetArgs(args)
	_, err := rootCmd.ExecuteC()
	rootCmd.SetArgs(nil)
	return strings.TrimSpace(buf.String()), err
}

// isolateHome points the state root at a temp dir and optionally writes a
// config file there.
func isolateHome(t *testing.T, cfgJSON string) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("CLAWGATE_HOME", home)
	t.Setenv("CLAWGATE_CONFIG", "")
	t.Setenv("CLAWGATE_ENV_FILE", "")
	dir := filepath.Join(home, config.ConfigDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("mkdir state dir: %v", err)
	}
	if cfgJSON != "" {
		if err := os.WriteFile(filepath.Join(dir, config.ConfigFile), []byte(cfgJSON), 0o600); err != nil {
			t.Fatalf("write config: %v", err)
		}
	}
	t.Cleanup(func() {
		cronAdd = cronAddFlags{}
		cronListAll = false
		cronJSON = false
		cronRunDue = false
		pairingJSON = false
		nodesJSON = false
		nodesPlatform = ""
		nodesDeviceFamily = ""
		setupCodeURL = ""
		setupCodeToken = ""
		setupCodePNG = ""
		setupCodeNoQR = false
		gatewayURL = ""
	})
	return home
}

func TestVersionCommand(t *testing.T) {
	out, err := runRootCommand(t, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if out != "clawgate "+version {
		t.Fatalf("version output = %q", out)
	}
}

func TestCronAddFlagsToJob(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name    string
		flags   cronAddFlags
		wantErr string
		check   func(t *testing.T, in cron.JobCreate)
	}{
		{
			name:    "no schedule",
			flags:   cronAddFlags{message: "hi"},
			wantErr: "exactly one of",
		},
		{
			name:    "two schedules",
			flags:   cronAddFlags{every: "1h", expr: "0 9 * * *", message: "hi"},
			wantErr: "exactly one of",
		},
		{
			name:    "no payload",
			flags:   cronAddFlags{every: "1h"},
			wantErr: "--message or --system-event",
		},
		{
			name:    "both payloads",
			flags:   cronAddFlags{every: "1h", message: "a", systemEvent: "b"},
			wantErr: "mutually exclusive",
		},
		{
			name:    "bad interval",
			flags:   cronAddFlags{every: "soon", message: "hi"},
			wantErr: "invalid --every",
		},
		{
			name:  "every agent turn",
			flags: cronAddFlags{every: "1d", message: "digest", timeout: 90},
			check: func(t *testing.T, in cron.JobCreate) {
				if in.Schedule.Kind != cron.ScheduleEvery || in.Schedule.EveryMs != 86400000 {
					t.Fatalf("schedule = %+v", in.Schedule)
				}
				if in.SessionTarget != cron.TargetIsolated || in.Payload.TimeoutSeconds != 90 {
					t.Fatalf("job = %+v", in)
				}
			},
		},
		{
			name:  "relative at keeps job",
			flags: cronAddFlags{at: "20m", systemEvent: "stand up", keep: true},
			check: func(t *testing.T, in cron.JobCreate) {
				if in.Schedule.At != cron.FormatISO(now.Add(20*time.Minute)) {
					t.Fatalf("at = %q", in.Schedule.At)
				}
				if in.SessionTarget != cron.TargetMain || in.DeleteAfterRun == nil || *in.DeleteAfterRun {
					t.Fatalf("job = %+v", in)
				}
			},
		},
		{
			name:  "cron with announce",
			flags: cronAddFlags{expr: "0 9 * * 1-5", tz: "Europe/Berlin", message: "news", channel: "telegram", to: "42", bestEffort: true},
			check: func(t *testing.T, in cron.JobCreate) {
				if in.Schedule.Kind != cron.ScheduleCron || in.Schedule.TZ != "Europe/Berlin" {
					t.Fatalf("schedule = %+v", in.Schedule)
				}
				d := in.Delivery
				if d == nil || d.Mode != cron.DeliveryAnnounce || d.To != "42" || d.BestEffort == nil || !*d.BestEffort {
					t.Fatalf("delivery = %+v", d)
				}
			},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			in, err := tc.flags.jobCreate(now)
			if tc.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
					t.Fatalf("err = %v, want %q", err, tc.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("jobCreate: %v", err)
			}
			tc.check(t, in)
		})
	}
}

func TestCronCommandsAgainstLocalStore(t *testing.T) {
	home := isolateHome(t, `{"logging":{"level":"error"}}`)

	out, err := runRootCommand(t, "cron", "add", "--name", "digest", "--every", "30m", "--message", "summarize inbox")
	if err != nil {
		t.Fatalf("cron add: %v (%s)", err, out)
	}
	fields := strings.Fields(out)
	if len(fields) < 3 || fields[0] != "Added" {
		t.Fatalf("add output = %q", out)
	}
	id := fields[2]

	if _, err := os.Stat(filepath.Join(home, ".clawgate", "cron", "jobs.json")); err != nil {
		t.Fatalf("store not written: %v", err)
	}

	out, err = runRootCommand(t, "cron", "list")
	if err != nil || !strings.Contains(out, "digest") || !strings.Contains(out, "every 30m0s") {
		t.Fatalf("cron list = %q, %v", out, err)
	}

	if out, err = runRootCommand(t, "cron", "disable", id); err != nil || !strings.Contains(out, "disabled") {
		t.Fatalf("cron disable = %q, %v", out, err)
	}
	if out, _ = runRootCommand(t, "cron", "list"); !strings.Contains(out, "No cron jobs.") {
		t.Fatalf("disabled job listed: %q", out)
	}
	if out, _ = runRootCommand(t, "cron", "list", "--all"); !strings.Contains(out, id) {
		t.Fatalf("--all missing job: %q", out)
	}
	cronListAll = false

	if out, err = runRootCommand(t, "cron", "enable", id); err != nil || !strings.Contains(out, "next run") {
		t.Fatalf("cron enable = %q, %v", out, err)
	}

	if _, err := runRootCommand(t, "cron", "add", "--every", "1h", "--system-event", "x", "--session", "isolated"); err == nil {
		t.Fatal("expected validation error for isolated system event")
	}
	cronAdd = cronAddFlags{}

	if out, err = runRootCommand(t, "cron", "rm", id); err != nil || !strings.Contains(out, "Removed") {
		t.Fatalf("cron rm = %q, %v", out, err)
	}
	if _, err := runRootCommand(t, "cron", "rm", id); err == nil {
		t.Fatal("removing a missing job should fail")
	}
}

func TestPairingCommands(t *testing.T) {
	home := isolateHome(t, `{"logging":{"level":"error"}}`)

	store, err := pairing.OpenStore(filepath.Join(home, ".clawgate", "pairing.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	m := pairing.NewManager(store, pairing.Options{})
	req, created, err := m.Upsert(context.Background(), "telegram", "42", pairing.IDLine("telegram", "42"))
	_ = store.Close()
	if err != nil || !created {
		t.Fatalf("upsert: %+v %v %v", req, created, err)
	}

	out, err := runRootCommand(t, "pairing", "list")
	if err != nil || !strings.Contains(out, req.Code) || !strings.Contains(out, "telegram") {
		t.Fatalf("pairing list = %q, %v", out, err)
	}

	out, err = runRootCommand(t, "pairing", "approve", "telegram", strings.ToLower(req.Code))
	if err != nil || !strings.Contains(out, "telegram sender 42") {
		t.Fatalf("pairing approve = %q, %v", out, err)
	}
	if _, err := runRootCommand(t, "pairing", "approve", "telegram", req.Code); err == nil || !strings.Contains(err.Error(), "already handled") {
		t.Fatalf("second approve err = %v", err)
	}

	out, err = runRootCommand(t, "pairing", "approved", "telegram")
	if err != nil || !strings.Contains(out, "42") {
		t.Fatalf("pairing approved = %q, %v", out, err)
	}
	if out, err = runRootCommand(t, "pairing", "revoke", "telegram", "42"); err != nil || !strings.Contains(out, "Revoked") {
		t.Fatalf("pairing revoke = %q, %v", out, err)
	}
	if _, err := runRootCommand(t, "pairing", "revoke", "telegram", "42"); err == nil {
		t.Fatal("revoking twice should fail")
	}
}

func TestPairingSetupCode(t *testing.T) {
	home := isolateHome(t, `{"logging":{"level":"error"},"gateway":{"authToken":"tok"}}`)
	png := filepath.Join(home, "setup.png")

	out, err := runRootCommand(t, "pairing", "setup-code", "--url", "wss://gw.example.com/ws", "--no-qr", "--png", png)
	if err != nil {
		t.Fatalf("setup-code: %v", err)
	}
	var code string
	for _, line := range strings.Split(out, "\n") {
		if rest, ok := strings.CutPrefix(line, "Setup code: "); ok {
			code = rest
		}
	}
	p, err := pairing.DecodeSetupCode(code)
	if err != nil {
		t.Fatalf("decode %q: %v", code, err)
	}
	if p.URL != "wss://gw.example.com/ws" || p.Token != "tok" {
		t.Fatalf("payload = %+v", p)
	}
	if _, err := os.Stat(png); err != nil {
		t.Fatalf("png not written: %v", err)
	}
}

func TestNodesAllowlistCommand(t *testing.T) {
	isolateHome(t, `{"logging":{"level":"error"},"gateway":{"nodes":{"allowCommands":["camera.snap"],"denyCommands":["location.get"]}}}`)

	out, err := runRootCommand(t, "nodes", "allowlist", "--platform", "iOS 26.0")
	if err != nil {
		t.Fatalf("allowlist: %v", err)
	}
	if !strings.Contains(out, "Family: ios") || !strings.Contains(out, "device.info") {
		t.Fatalf("allowlist = %q", out)
	}
	flagged := false
	for _, line := range strings.Split(out, "\n") {
		if strings.Contains(line, "camera.snap") && strings.Contains(line, "dangerous") {
			flagged = true
		}
	}
	if !flagged {
		t.Fatalf("granted dangerous command not flagged: %q", out)
	}
	if strings.Contains(out, "location.get") {
		t.Fatalf("denied command listed: %q", out)
	}
}

func TestStatusCommand(t *testing.T) {
	isolateHome(t, "")
	out, err := runRootCommand(t, "status")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	for _, want := range []string{"Version: " + version, "using defaults", "ws://127.0.0.1:18789/ws", "0 jobs", "no store yet"} {
		if !strings.Contains(out, want) {
			t.Fatalf("status output missing %q:\n%s", want, out)
		}
	}
}
