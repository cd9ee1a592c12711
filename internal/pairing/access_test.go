package pairing

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/KafClaw/clawgate/internal/config"
)

func TestBuildReply(t *testing.T) {
	got := BuildReply("telegram", "Your telegramUserId: 42", "ABCD2345")
	want := strings.Join([]string{
		"Clawgate: access not configured.",
		"",
		"Your telegramUserId: 42",
		"",
		"Pairing code: ABCD2345",
		"",
		"Ask the bot owner to approve with:",
		"clawgate pairing approve telegram ABCD2345",
	}, "\n")
	if got != want {
		t.Fatalf("reply mismatch:\n%s\n---\n%s", got, want)
	}
}

func TestIDLabel(t *testing.T) {
	if IDLabel("Telegram") != "telegramUserId" {
		t.Fatalf("telegram label = %q", IDLabel("Telegram"))
	}
	if IDLabel("zalo") != "userId" {
		t.Fatalf("fallback label = %q", IDLabel("zalo"))
	}
}

func TestGateEvaluate(t *testing.T) {
	m, _ := newTestManager(t, Options{})
	ctx := context.Background()
	policies := map[string]config.ChannelAccessConfig{
		"open":      {DmPolicy: config.DmPolicyOpen},
		"closed":    {DmPolicy: config.DmPolicyDisabled},
		"allowlist": {DmPolicy: config.DmPolicyAllowlist, AllowFrom: []string{"vip"}},
		"telegram":  {DmPolicy: config.DmPolicyPairing},
	}
	gate := NewGate(m, func(ch string) config.ChannelAccessConfig { return policies[ch] })

	tests := []struct {
		channel, sender string
		allowed         bool
		pairing         bool
	}{
		{"open", "anyone", true, false},
		{"closed", "anyone", false, false},
		{"allowlist", "vip", true, false},
		{"allowlist", "stranger", false, false},
	}
	for _, tt := range tests {
		d, err := gate.Evaluate(ctx, tt.channel, tt.sender, "")
		if err != nil {
			t.Fatalf("%s/%s: %v", tt.channel, tt.sender, err)
		}
		if d.Allowed != tt.allowed || d.RequiresPairing != tt.pairing {
			t.Errorf("%s/%s: %+v", tt.channel, tt.sender, d)
		}
	}

	first, err := gate.Evaluate(ctx, "telegram", "42", "")
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if first.Allowed || !first.RequiresPairing || first.Reply == "" {
		t.Fatalf("unexpected first decision: %+v", first)
	}
	if !strings.Contains(first.Reply, "Your telegramUserId: 42") || !strings.Contains(first.Reply, first.Code) {
		t.Fatalf("reply missing id line or code: %q", first.Reply)
	}

	repeat, err := gate.Evaluate(ctx, "telegram", "42", "")
	if err != nil {
		t.Fatalf("evaluate repeat: %v", err)
	}
	if repeat.Reply != "" || repeat.Code != first.Code {
		t.Fatalf("repeat message should reuse the code silently: %+v", repeat)
	}

	if _, err := m.Approve(ctx, "telegram", first.Code); err != nil {
		t.Fatalf("approve: %v", err)
	}
	after, err := gate.Evaluate(ctx, "telegram", "42", "")
	if err != nil || !after.Allowed {
		t.Fatalf("approved sender should pass: %+v %v", after, err)
	}
}

func TestSetupCodeAndQR(t *testing.T) {
	code, err := EncodeSetupCode(SetupPayload{URL: "wss://gw.example.com/ws", Token: "t0k"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	p, err := DecodeSetupCode(code)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.URL != "wss://gw.example.com/ws" || p.Token != "t0k" {
		t.Fatalf("payload = %+v", p)
	}
	if _, err := EncodeSetupCode(SetupPayload{}); err == nil {
		t.Fatal("expected error for empty url")
	}
	if _, err := DecodeSetupCode("%%%"); err == nil {
		t.Fatal("expected error for garbage")
	}

	art, err := RenderSetupQR(code)
	if err != nil || strings.TrimSpace(art) == "" {
		t.Fatalf("render: %q %v", art, err)
	}
	png := filepath.Join(t.TempDir(), "setup.png")
	if err := WriteSetupQRPNG(code, png, 128); err != nil {
		t.Fatalf("write png: %v", err)
	}
	if fi, err := os.Stat(png); err != nil || fi.Size() == 0 {
		t.Fatalf("png not written: %v", err)
	}
}
