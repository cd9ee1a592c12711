// Package pairing gates unknown chat senders behind an owner-approved,
// short-lived pairing code.
package pairing

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Status is the pairing state of one (channel, sender) pair.
type Status string

const (
	StatusUnpaired Status = "unpaired"
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusDenied   Status = "denied"
)

var (
	// ErrNotFound is returned when a code is unknown, expired, or already
	// resolved.
	ErrNotFound = errors.New("pairing code not found")
	// ErrTooManyPending is returned when a channel already has the maximum
	// number of outstanding requests.
	ErrTooManyPending = errors.New("too many pending pairing requests")
	// ErrInvalidRequest is returned for empty channel or sender ids.
	ErrInvalidRequest = errors.New("channel and sender are required")
)

// Request is an outstanding pairing request.
type Request struct {
	Channel   string    `json:"channel"`
	SenderID  string    `json:"senderId"`
	Code      string    `json:"code"`
	IDLine    string    `json:"idLine,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt"`
	Status    Status    `json:"status"`
}

// Approval records an approved sender.
type Approval struct {
	Channel    string    `json:"channel"`
	SenderID   string    `json:"senderId"`
	Code       string    `json:"code,omitempty"`
	ApprovedAt time.Time `json:"approvedAt"`
}

// Options tune a Manager.
type Options struct {
	TTL                  time.Duration
	MaxPendingPerChannel int
	Now                  func() time.Time
	Rand                 io.Reader
}

const (
	defaultTTL        = time.Hour
	defaultMaxPending = 3
	codeLength        = 8
	// Letters and digits without the easily confused 0/O and 1/I.
	codeAlphabet      = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	maxCodeAttempts   = 500
)

// Manager owns the pairing lifecycle. All mutations are serialized, and the
// store resolves each code at most once, so concurrent approvals of the same
// code yield exactly one success.
type Manager struct {
	mu        sync.Mutex
	store     *Store
	opts      Options
	onApprove []func(Request)
}

// NewManager creates a pairing manager backed by store.
func NewManager(store *Store, opts Options) *Manager {
	if opts.TTL <= 0 {
		opts.TTL = defaultTTL
	}
	if opts.MaxPendingPerChannel <= 0 {
		opts.MaxPendingPerChannel = defaultMaxPending
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Rand == nil {
		opts.Rand = rand.Reader
	}
	return &Manager{store: store, opts: opts}
}

// OnApprove registers a callback run after each successful approval.
func (m *Manager) OnApprove(fn func(Request)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onApprove = append(m.onApprove, fn)
}

// Upsert returns the outstanding request for (channel, sender), creating one
// when none is live. created reports whether a new code was minted. Expired
// requests are dropped before the lookup.
func (m *Manager) Upsert(ctx context.Context, channel, senderID, idLine string) (Request, bool, error) {
	channel, senderID = normalizeChannel(channel), strings.TrimSpace(senderID)
	if channel == "" || senderID == "" {
		return Request{}, false, ErrInvalidRequest
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.opts.Now()
	if _, err := m.store.purgeExpired(ctx, now); err != nil {
		return Request{}, false, fmt.Errorf("purge expired pairing requests: %w", err)
	}
	if existing, ok, err := m.store.pendingBySender(ctx, channel, senderID); err != nil {
		return Request{}, false, err
	} else if ok {
		return existing, false, nil
	}

	pending, err := m.store.countPending(ctx, channel)
	if err != nil {
		return Request{}, false, err
	}
	if pending >= m.opts.MaxPendingPerChannel {
		return Request{}, false, fmt.Errorf("%w on %s", ErrTooManyPending, channel)
	}

	code, err := m.uniqueCode(ctx)
	if err != nil {
		return Request{}, false, err
	}
	req := Request{
		Channel:   channel,
		SenderID:  senderID,
		Code:      code,
		IDLine:    idLine,
		CreatedAt: now,
		ExpiresAt: now.Add(m.opts.TTL),
		Status:    StatusPending,
	}
	if err := m.store.insertPending(ctx, req); err != nil {
		return Request{}, false, fmt.Errorf("store pairing request: %w", err)
	}
	slog.Info("Pairing request created", "channel", channel, "sender", senderID, "expires", req.ExpiresAt)
	return req, true, nil
}

// Approve resolves a pending code and adds its sender to the channel's
// approved set.
func (m *Manager) Approve(ctx context.Context, channel, code string) (Request, error) {
	req, err := m.resolve(ctx, channel, code, true)
	if err != nil {
		return Request{}, err
	}
	req.Status = StatusApproved
	slog.Info("Pairing approved", "channel", req.Channel, "sender", req.SenderID)

	m.mu.Lock()
	hooks := append([]func(Request){}, m.onApprove...)
	m.mu.Unlock()
	for _, fn := range hooks {
		fn(req)
	}
	return req, nil
}

// Deny resolves a pending code without approving it. The sender may start
// a fresh request by messaging again.
func (m *Manager) Deny(ctx context.Context, channel, code string) (Request, error) {
	req, err := m.resolve(ctx, channel, code, false)
	if err != nil {
		return Request{}, err
	}
	req.Status = StatusDenied
	slog.Info("Pairing denied", "channel", req.Channel, "sender", req.SenderID)
	return req, nil
}

func (m *Manager) resolve(ctx context.Context, channel, code string, approve bool) (Request, error) {
	channel = normalizeChannel(channel)
	code = NormalizeCode(code)
	if channel == "" || code == "" {
		return Request{}, ErrNotFound
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	req, ok, err := m.store.resolve(ctx, channel, code, m.opts.Now(), approve)
	if err != nil {
		return Request{}, err
	}
	if !ok {
		return Request{}, fmt.Errorf("%w: %s %s", ErrNotFound, channel, code)
	}
	return req, nil
}

// Status reports where (channel, sender) is in the pairing lifecycle.
func (m *Manager) Status(ctx context.Context, channel, senderID string) (Status, error) {
	channel, senderID = normalizeChannel(channel), strings.TrimSpace(senderID)
	approved, err := m.store.isApproved(ctx, channel, senderID)
	if err != nil {
		return "", err
	}
	if approved {
		return StatusApproved, nil
	}
	req, ok, err := m.store.pendingBySender(ctx, channel, senderID)
	if err != nil {
		return "", err
	}
	if ok && req.ExpiresAt.After(m.opts.Now()) {
		return StatusPending, nil
	}
	return StatusUnpaired, nil
}

// IsApproved reports whether sender has been approved on channel.
func (m *Manager) IsApproved(ctx context.Context, channel, senderID string) (bool, error) {
	return m.store.isApproved(ctx, normalizeChannel(channel), strings.TrimSpace(senderID))
}

// ListPending returns live requests, optionally filtered by channel.
func (m *Manager) ListPending(ctx context.Context, channel string) ([]Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.store.purgeExpired(ctx, m.opts.Now()); err != nil {
		return nil, err
	}
	return m.store.listPending(ctx, normalizeChannel(channel))
}

// ListApproved returns approved senders, optionally filtered by channel.
func (m *Manager) ListApproved(ctx context.Context, channel string) ([]Approval, error) {
	return m.store.listApproved(ctx, normalizeChannel(channel))
}

// Revoke removes an approved sender. It reports whether one was removed.
func (m *Manager) Revoke(ctx context.Context, channel, senderID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.store.revoke(ctx, normalizeChannel(channel), strings.TrimSpace(senderID))
}

func (m *Manager) uniqueCode(ctx context.Context) (string, error) {
	for i := 0; i < maxCodeAttempts; i++ {
		code, err := generateCode(m.opts.Rand)
		if err != nil {
			return "", err
		}
		used, err := m.store.codeInUse(ctx, code)
		if err != nil {
			return "", err
		}
		if !used {
			return code, nil
		}
	}
	return "", errors.New("failed to generate a unique pairing code")
}

func generateCode(r io.Reader) (string, error) {
	buf := make([]byte, codeLength)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", fmt.Errorf("read random: %w", err)
	}
	out := make([]byte, codeLength)
	for i, b := range buf {
		// len(codeAlphabet) is 32, so the modulo is unbiased.
		out[i] = codeAlphabet[int(b)%len(codeAlphabet)]
	}
	return string(out), nil
}

// NormalizeCode uppercases and trims a code typed by a human.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func normalizeChannel(channel string) string {
	return strings.ToLower(strings.TrimSpace(channel))
}
