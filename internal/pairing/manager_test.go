package pairing

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestManager(t *testing.T, opts Options) (*Manager, *fakeClock) {
	t.Helper()
	store, err := OpenStore(filepath.Join(t.TempDir(), "pairing.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	if opts.Now == nil {
		opts.Now = clock.Now
	}
	return NewManager(store, opts), clock
}

func TestUpsertReusesOutstandingCode(t *testing.T) {
	m, _ := newTestManager(t, Options{})
	ctx := context.Background()

	first, created, err := m.Upsert(ctx, "Telegram", "42", "Your telegramUserId: 42")
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if !created {
		t.Fatal("first upsert should create")
	}
	if len(first.Code) != codeLength {
		t.Fatalf("code length = %d", len(first.Code))
	}
	for _, r := range first.Code {
		if !strings.ContainsRune(codeAlphabet, r) {
			t.Fatalf("code %q contains %q", first.Code, r)
		}
	}

	second, created, err := m.Upsert(ctx, "telegram", "42", "")
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if created || second.Code != first.Code {
		t.Fatalf("expected reuse of %s, got %s (created=%v)", first.Code, second.Code, created)
	}

	pending, err := m.ListPending(ctx, "telegram")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("expected one pending request, got %d", len(pending))
	}
}

func TestExpiredRequestIsReplaced(t *testing.T) {
	m, clock := newTestManager(t, Options{TTL: time.Minute})
	ctx := context.Background()

	first, _, err := m.Upsert(ctx, "slack", "U1", "")
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}
	clock.Advance(2 * time.Minute)

	if st, _ := m.Status(ctx, "slack", "U1"); st != StatusUnpaired {
		t.Fatalf("expired request should read as unpaired, got %s", st)
	}
	if _, err := m.Approve(ctx, "slack", first.Code); !errors.Is(err, ErrNotFound) {
		t.Fatalf("approving an expired code should fail with ErrNotFound, got %v", err)
	}
	second, created, err := m.Upsert(ctx, "slack", "U1", "")
	if err != nil {
		t.Fatalf("upsert after expiry: %v", err)
	}
	if !created {
		t.Fatal("expected a new request after expiry")
	}
	if !second.ExpiresAt.After(clock.Now()) {
		t.Fatal("new request should be live")
	}
}

func TestMaxPendingPerChannel(t *testing.T) {
	m, _ := newTestManager(t, Options{MaxPendingPerChannel: 2})
	ctx := context.Background()
	for _, id := range []string{"a", "b"} {
		if _, _, err := m.Upsert(ctx, "discord", id, ""); err != nil {
			t.Fatalf("upsert %s: %v", id, err)
		}
	}
	if _, _, err := m.Upsert(ctx, "discord", "c", ""); !errors.Is(err, ErrTooManyPending) {
		t.Fatalf("expected ErrTooManyPending, got %v", err)
	}
	if _, _, err := m.Upsert(ctx, "slack", "c", ""); err != nil {
		t.Fatalf("other channels are unaffected: %v", err)
	}
}

func TestCodeCollisionRetries(t *testing.T) {
	zeros := bytes.Repeat([]byte{0}, codeLength)
	ones := bytes.Repeat([]byte{1}, codeLength)
	src := bytes.NewReader(bytes.Join([][]byte{zeros, zeros, ones}, nil))
	m, _ := newTestManager(t, Options{Rand: src})
	ctx := context.Background()

	a, _, err := m.Upsert(ctx, "telegram", "a", "")
	if err != nil {
		t.Fatalf("upsert a: %v", err)
	}
	b, _, err := m.Upsert(ctx, "telegram", "b", "")
	if err != nil {
		t.Fatalf("upsert b: %v", err)
	}
	if a.Code != "AAAAAAAA" || b.Code != "BBBBBBBB" {
		t.Fatalf("unexpected codes %s %s", a.Code, b.Code)
	}
}

func TestConcurrentApprovalsHaveOneWinner(t *testing.T) {
	m, _ := newTestManager(t, Options{})
	ctx := context.Background()
	req, _, err := m.Upsert(ctx, "whatsapp", "+15551234567", "")
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}

	var hooks atomic.Int32
	m.OnApprove(func(Request) { hooks.Add(1) })

	var wins, misses atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := m.Approve(ctx, "whatsapp", strings.ToLower(req.Code))
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, ErrNotFound):
				misses.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if wins.Load() != 1 || misses.Load() != 7 {
		t.Fatalf("wins=%d misses=%d", wins.Load(), misses.Load())
	}
	if hooks.Load() != 1 {
		t.Fatalf("approve hook ran %d times", hooks.Load())
	}
	st, err := m.Status(ctx, "whatsapp", "+15551234567")
	if err != nil || st != StatusApproved {
		t.Fatalf("status = %s, %v", st, err)
	}
	approved, err := m.ListApproved(ctx, "")
	if err != nil || len(approved) != 1 {
		t.Fatalf("approved = %+v, %v", approved, err)
	}
}

func TestDenyAllowsFreshRequest(t *testing.T) {
	m, _ := newTestManager(t, Options{})
	ctx := context.Background()
	req, _, _ := m.Upsert(ctx, "signal", "+1", "")

	denied, err := m.Deny(ctx, "signal", req.Code)
	if err != nil {
		t.Fatalf("deny: %v", err)
	}
	if denied.Status != StatusDenied {
		t.Fatalf("status = %s", denied.Status)
	}
	if _, err := m.Approve(ctx, "signal", req.Code); !errors.Is(err, ErrNotFound) {
		t.Fatalf("denied code must not be approvable, got %v", err)
	}
	again, created, err := m.Upsert(ctx, "signal", "+1", "")
	if err != nil || !created {
		t.Fatalf("expected new request, created=%v err=%v", created, err)
	}
	if again.Code == "" {
		t.Fatal("expected a code")
	}
}

func TestApproveWrongChannel(t *testing.T) {
	m, _ := newTestManager(t, Options{})
	ctx := context.Background()
	req, _, _ := m.Upsert(ctx, "telegram", "42", "")
	if _, err := m.Approve(ctx, "discord", req.Code); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := m.Approve(ctx, "telegram", ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound for empty code, got %v", err)
	}
}

func TestRevoke(t *testing.T) {
	m, _ := newTestManager(t, Options{})
	ctx := context.Background()
	req, _, _ := m.Upsert(ctx, "telegram", "42", "")
	if _, err := m.Approve(ctx, "telegram", req.Code); err != nil {
		t.Fatalf("approve: %v", err)
	}
	removed, err := m.Revoke(ctx, "telegram", "42")
	if err != nil || !removed {
		t.Fatalf("revoke = %v, %v", removed, err)
	}
	if ok, _ := m.IsApproved(ctx, "telegram", "42"); ok {
		t.Fatal("sender should no longer be approved")
	}
}

func TestUpsertRejectsEmptyIDs(t *testing.T) {
	m, _ := newTestManager(t, Options{})
	if _, _, err := m.Upsert(context.Background(), "", "42", ""); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
}
