package nodes

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/KafClaw/clawgate/internal/config"
)

// DefaultAccountID is the registry key used for nodes that connect without
// naming an account.
const DefaultAccountID = "default"

var (
	ErrNotConnected      = errors.New("node not connected")
	ErrCommandNotAllowed = errors.New("node command not permitted")
)

// InvokeRequest is a command forwarded to a node.
type InvokeRequest struct {
	ID      string          `json:"id"`
	NodeID  string          `json:"nodeId"`
	Command string          `json:"command"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Invoker delivers a command to a connected node and waits for its answer.
type Invoker interface {
	Invoke(ctx context.Context, req InvokeRequest) (json.RawMessage, error)
}

// Node is a device attached to the gateway.
type Node struct {
	ID          string
	DisplayName string
	Descriptor
	Version     string
	Commands    []string
	ConnectedAt time.Time
}

// Info is a snapshot of a node plus its current allowlist.
type Info struct {
	ID          string    `json:"nodeId"`
	DisplayName string    `json:"displayName,omitempty"`
	Platform    string    `json:"platform,omitempty"`
	Family      string    `json:"family"`
	Version     string    `json:"version,omitempty"`
	Commands    []string  `json:"commands,omitempty"`
	Allowed     []string  `json:"allowCommands"`
	ConnectedAt time.Time `json:"connectedAt"`
}

// PolicySource returns the node policy currently in effect. It is called on
// every check so config reloads apply without reconnecting nodes.
type PolicySource func() config.NodesConfig

type entry struct {
	node    Node
	invoker Invoker
}

// Registry tracks connected nodes. It is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	nodes  map[string]*entry
	policy PolicySource
	now    func() time.Time
}

// NewRegistry creates a registry. A nil policy source means no overrides.
func NewRegistry(policy PolicySource) *Registry {
	if policy == nil {
		policy = func() config.NodesConfig { return config.NodesConfig{} }
	}
	return &Registry{
		nodes:  make(map[string]*entry),
		policy: policy,
		now:    time.Now,
	}
}

// NormalizeID maps an empty account id onto DefaultAccountID.
func NormalizeID(id string) string {
	id = strings.TrimSpace(id)
	if id == "" {
		return DefaultAccountID
	}
	return id
}

// Register attaches a node, replacing any previous connection with the same
// id. It returns the normalized id.
func (r *Registry) Register(n Node, inv Invoker) string {
	n.ID = NormalizeID(n.ID)
	if n.ConnectedAt.IsZero() {
		n.ConnectedAt = r.now()
	}
	r.mu.Lock()
	r.nodes[n.ID] = &entry{node: n, invoker: inv}
	r.mu.Unlock()
	return n.ID
}

// Unregister detaches a node. It only removes the entry when inv is the
// invoker that registered it, so a stale connection cannot evict a newer one.
func (r *Registry) Unregister(id string, inv Invoker) {
	id = NormalizeID(id)
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.nodes[id]; ok && (inv == nil || e.invoker == inv) {
		delete(r.nodes, id)
	}
}

// Get returns a snapshot of one node.
func (r *Registry) Get(id string) (Info, bool) {
	r.mu.RLock()
	e, ok := r.nodes[NormalizeID(id)]
	r.mu.RUnlock()
	if !ok {
		return Info{}, false
	}
	return r.info(e.node), true
}

// List returns snapshots of all nodes ordered by id.
func (r *Registry) List() []Info {
	r.mu.RLock()
	out := make([]Info, 0, len(r.nodes))
	for _, e := range r.nodes {
		out = append(out, r.info(e.node))
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Authorize checks command for the node with the given id.
func (r *Registry) Authorize(id, command string) (Decision, error) {
	r.mu.RLock()
	e, ok := r.nodes[NormalizeID(id)]
	r.mu.RUnlock()
	if !ok {
		return Decision{}, fmt.Errorf("%w: %s", ErrNotConnected, NormalizeID(id))
	}
	allow := ResolveAllowlist(r.policy(), e.node.Descriptor)
	return CheckCommand(command, allow, e.node.Commands), nil
}

// Invoke authorizes command and forwards it to the node. Commands that fail
// authorization never reach the device.
func (r *Registry) Invoke(ctx context.Context, req InvokeRequest) (json.RawMessage, error) {
	req.NodeID = NormalizeID(req.NodeID)
	r.mu.RLock()
	e, ok := r.nodes[req.NodeID]
	r.mu.RUnlock()
	if !ok || e.invoker == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotConnected, req.NodeID)
	}
	d := CheckCommand(req.Command, ResolveAllowlist(r.policy(), e.node.Descriptor), e.node.Commands)
	if !d.Allowed {
		return nil, fmt.Errorf("%w: %s (%s)", ErrCommandNotAllowed, req.Command, d.Reason)
	}
	return e.invoker.Invoke(ctx, req)
}

func (r *Registry) info(n Node) Info {
	return Info{
		ID:          n.ID,
		DisplayName: n.DisplayName,
		Platform:    n.Platform,
		Family:      PlatformFamily(n.Descriptor),
		Version:     n.Version,
		Commands:    append([]string(nil), n.Commands...),
		Allowed:     ResolveAllowlist(r.policy(), n.Descriptor).Sorted(),
		ConnectedAt: n.ConnectedAt,
	}
}
