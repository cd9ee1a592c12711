package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/KafClaw/clawgate/internal/nodes"
	"github.com/google/uuid"
)

// Role is what a connection authenticated as.
type Role string

const (
	RoleOperator Role = "operator"
	RoleNode     Role = "node"
)

// EventNodeInvoke asks a node to run a command. The node answers with a
// node.invoke.result request.
const EventNodeInvoke = "node.invoke.request"

var errConnClosed = errors.New("connection closed")

// SendFunc writes one frame to the peer.
type SendFunc func(ctx context.Context, frame any) error

type invokeReply struct {
	payload json.RawMessage
	err     error
}

// Conn is the per-connection state the dispatcher and handlers share.
type Conn struct {
	ID string

	send SendFunc

	handshakeMu sync.Mutex

	mu         sync.Mutex
	firstSeen  bool
	handshaken bool
	authed     bool
	role       Role
	nodeID     string
	pending    map[string]chan invokeReply
	closed     bool
}

// NewConn creates connection state. authed reports whether the transport
// already verified the bearer token.
func NewConn(send SendFunc, authed bool) *Conn {
	return &Conn{
		ID:      uuid.NewString(),
		send:    send,
		authed:  authed,
		pending: make(map[string]chan invokeReply),
	}
}

// Role returns the role set by connect, or "" before the handshake.
func (c *Conn) Role() Role {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.role
}

// NodeID returns the registry id of a node connection.
func (c *Conn) NodeID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nodeID
}

func (c *Conn) isHandshaken() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handshaken
}

// claimFirst marks the first request as seen and reports whether this call
// was the one that did.
func (c *Conn) claimFirst() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.firstSeen {
		return false
	}
	c.firstSeen = true
	return true
}

func (c *Conn) isAuthed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authed
}

func (c *Conn) completeHandshake(role Role, nodeID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handshaken = true
	c.authed = true
	c.role = role
	c.nodeID = nodeID
}

// Send writes a frame to the peer.
func (c *Conn) Send(ctx context.Context, frame any) error {
	if c.send == nil {
		return errConnClosed
	}
	return c.send(ctx, frame)
}

// Invoke implements nodes.Invoker: the command is pushed as an event and
// the call blocks until the node reports a result or ctx is done.
func (c *Conn) Invoke(ctx context.Context, req nodes.InvokeRequest) (json.RawMessage, error) {
	if req.ID == "" {
		req.ID = uuid.NewString()
	}
	reply := make(chan invokeReply, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, errConnClosed
	}
	c.pending[req.ID] = reply
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, req.ID)
		c.mu.Unlock()
	}()

	if err := c.Send(ctx, EventFrame{Event: EventNodeInvoke, Payload: req}); err != nil {
		return nil, fmt.Errorf("send invoke: %w", err)
	}
	select {
	case r := <-reply:
		return r.payload, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// resolve completes a pending invoke. It reports whether id was pending.
func (c *Conn) resolve(id string, payload json.RawMessage, err error) bool {
	c.mu.Lock()
	ch, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if ok {
		ch <- invokeReply{payload: payload, err: err}
	}
	return ok
}

// close fails every pending invoke.
func (c *Conn) close() {
	c.mu.Lock()
	c.closed = true
	pending := c.pending
	c.pending = make(map[string]chan invokeReply)
	c.mu.Unlock()
	for _, ch := range pending {
		ch <- invokeReply{err: errConnClosed}
	}
}
