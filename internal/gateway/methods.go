package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/KafClaw/clawgate/internal/cron"
	"github.com/KafClaw/clawgate/internal/events"
	"github.com/KafClaw/clawgate/internal/nodes"
	"github.com/KafClaw/clawgate/internal/pairing"
	"github.com/KafClaw/clawgate/internal/scheduler"
	"github.com/KafClaw/clawgate/internal/sessionkey"
	"github.com/KafClaw/clawgate/internal/telemetry"
	"github.com/google/uuid"
)

// ProtocolVersion is reported in the connect response.
const ProtocolVersion = 1

// NodeChannel is the pairing channel device nodes are approved on.
const NodeChannel = "node"

const (
	defaultInvokeTimeout = 30 * time.Second
	maxInvokeTimeout     = 10 * time.Minute
)

// Services are the components the RPC methods operate on. Nil members make
// their methods answer UNAVAILABLE.
type Services struct {
	Cron      *scheduler.Service
	Nodes     *nodes.Registry
	Pairing   *pairing.Manager
	Gate      *pairing.Gate
	Publisher events.Publisher
	Telemetry *telemetry.Provider
	// AuthToken returns the token connect must present when the transport
	// has not verified one. An empty token disables the check.
	AuthToken func() string
	Version   string
}

// Gateway binds Services to a Dispatcher.
type Gateway struct {
	svc     Services
	d       *Dispatcher
	started time.Time
}

// New creates a gateway and registers every method.
func New(svc Services) *Gateway {
	var metrics *telemetry.Metrics
	if svc.Telemetry != nil {
		metrics = svc.Telemetry.Metrics
	}
	if svc.Publisher == nil {
		svc.Publisher = events.Nop{}
	}
	g := &Gateway{svc: svc, d: NewDispatcher(metrics), started: time.Now()}

	g.d.Register(MethodConnect, g.connect)
	g.d.Register("health", g.health, RoleOperator, RoleNode)
	g.d.Register("sessions.classify", g.classifySession)
	g.d.Register("cron.list", g.cronList)
	g.d.Register("cron.status", g.cronStatus)
	g.d.Register("cron.add", g.cronAdd)
	g.d.Register("cron.update", g.cronUpdate)
	g.d.Register("cron.remove", g.cronRemove)
	g.d.Register("cron.run", g.cronRun)
	g.d.Register("node.list", g.nodeList)
	g.d.Register("node.describe", g.nodeDescribe)
	g.d.Register("node.invoke", g.nodeInvoke)
	g.d.Register("node.invoke.result", g.nodeInvokeResult, RoleNode)
	g.d.Register("pairing.list", g.pairingList)
	g.d.Register("pairing.approve", g.pairingApprove)
	g.d.Register("pairing.deny", g.pairingDeny)
	g.d.Register("pairing.check", g.pairingCheck)
	return g
}

// Dispatcher returns the method table.
func (g *Gateway) Dispatcher() *Dispatcher { return g.d }

// Disconnect releases what a connection held: its node registration and
// any invokes waiting on it.
func (g *Gateway) Disconnect(ctx context.Context, c *Conn) {
	c.close()
	if c.Role() != RoleNode || g.svc.Nodes == nil {
		return
	}
	id := c.NodeID()
	g.svc.Nodes.Unregister(id, c)
	slog.Info("Node disconnected", "node", id, "conn", c.ID)
	events.Emit(ctx, g.svc.Publisher, events.New(events.NodeGone, id, nil))
}

type connectParams struct {
	Role   Role   `json:"role"`
	Token  string `json:"token,omitempty"`
	Client struct {
		Name    string `json:"name,omitempty"`
		Version string `json:"version,omitempty"`
	} `json:"client"`
	Node *struct {
		ID           string   `json:"nodeId"`
		DisplayName  string   `json:"displayName,omitempty"`
		Platform     string   `json:"platform,omitempty"`
		DeviceFamily string   `json:"deviceFamily,omitempty"`
		Version      string   `json:"version,omitempty"`
		Commands     []string `json:"commands,omitempty"`
	} `json:"node,omitempty"`
}

func (g *Gateway) connect(ctx context.Context, c *Conn, raw json.RawMessage) Result {
	var p connectParams
	if e := decodeParams(raw, &p); e != nil {
		return Result{Err: e}
	}
	if !c.isAuthed() && g.svc.AuthToken != nil {
		if want := g.svc.AuthToken(); want != "" && subtle.ConstantTimeCompare([]byte(p.Token), []byte(want)) != 1 {
			return Fail(CodeNotPermitted, "invalid auth token")
		}
	}

	hello := map[string]any{
		"protocol": ProtocolVersion,
		"server":   map[string]any{"name": "clawgate", "version": g.svc.Version},
		"connId":   c.ID,
		"methods":  g.d.Methods(),
	}
	role := p.Role
	if role == "" {
		role = RoleOperator
	}
	switch role {
	case RoleOperator:
		c.completeHandshake(RoleOperator, "")
		hello["role"] = RoleOperator
		slog.Info("Operator connected", "conn", c.ID, "client", p.Client.Name)
		return OK(hello)

	case RoleNode:
		if p.Node == nil {
			return Fail(CodeInvalidRequest, "node descriptor is required for role node")
		}
		if g.svc.Nodes == nil {
			return Fail(CodeUnavailable, "node registry unavailable")
		}
		id := nodes.NormalizeID(p.Node.ID)
		if g.svc.Gate != nil {
			dec, err := g.svc.Gate.Evaluate(ctx, NodeChannel, id, "")
			if err != nil {
				slog.Error("Node pairing check failed", "node", id, "error", err)
				return Fail(CodeUnavailable, "pairing check failed")
			}
			if !dec.Allowed {
				if dec.Code != "" {
					return Fail(CodeNotPaired, "node %s is not paired; approve with: %s pairing approve %s %s", id, pairing.CLIName, NodeChannel, dec.Code)
				}
				return Fail(CodeNotPaired, "node %s is not paired (%s)", id, dec.Reason)
			}
		}
		id = g.svc.Nodes.Register(nodes.Node{
			ID:          id,
			DisplayName: p.Node.DisplayName,
			Descriptor:  nodes.Descriptor{Platform: p.Node.Platform, DeviceFamily: p.Node.DeviceFamily},
			Version:     p.Node.Version,
			Commands:    p.Node.Commands,
		}, c)
		c.completeHandshake(RoleNode, id)
		info, _ := g.svc.Nodes.Get(id)
		hello["role"] = RoleNode
		hello["nodeId"] = id
		hello["allowCommands"] = info.Allowed
		slog.Info("Node connected", "node", id, "platform", info.Platform, "family", info.Family, "conn", c.ID)
		events.Emit(ctx, g.svc.Publisher, events.New(events.NodeConnected, id, map[string]any{"family": info.Family}))
		return OK(hello)
	}
	return Fail(CodeInvalidRequest, "unknown role: %s", role)
}

func (g *Gateway) health(ctx context.Context, _ *Conn, _ json.RawMessage) Result {
	out := map[string]any{
		"ok":       true,
		"version":  g.svc.Version,
		"uptimeMs": time.Since(g.started).Milliseconds(),
	}
	if g.svc.Nodes != nil {
		out["nodes"] = len(g.svc.Nodes.List())
	}
	if g.svc.Cron != nil {
		out["cron"] = g.svc.Cron.Status()
	}
	if g.svc.Telemetry != nil {
		if snap, err := g.svc.Telemetry.Snapshot(ctx); err == nil {
			out["metrics"] = snap
		}
	}
	return OK(out)
}

func (g *Gateway) classifySession(_ context.Context, _ *Conn, raw json.RawMessage) Result {
	var p struct {
		Key string `json:"key"`
	}
	if e := decodeParams(raw, &p); e != nil {
		return Result{Err: e}
	}
	out := map[string]any{"key": p.Key, "shape": sessionkey.Classify(p.Key)}
	if k, ok := sessionkey.Parse(p.Key); ok {
		out["canonical"] = k.String()
		out["agentId"] = k.AgentID
		out["kind"] = k.Kind
		switch k.Kind {
		case sessionkey.KindPeer:
			out["channel"] = k.Channel
			out["scope"] = sessionkey.NormalizeScope(k.Scope)
			out["peerId"] = k.PeerID
		case sessionkey.KindSubagent:
			out["subagent"] = k.Subagent
		case sessionkey.KindCron, sessionkey.KindCronRun:
			out["jobId"] = k.JobID
			if k.RunID != "" {
				out["runId"] = k.RunID
			}
		}
	}
	return OK(out)
}

func cronFailure(err error) Result {
	var ve *cron.ValidationError
	switch {
	case errors.As(err, &ve):
		return Fail(CodeInvalidRequest, "%s", ve.Message)
	case errors.Is(err, scheduler.ErrJobNotFound):
		return Fail(CodeNotFound, "%s", err.Error())
	case errors.Is(err, scheduler.ErrNotOpen):
		return Fail(CodeUnavailable, "cron scheduler unavailable")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return Fail(CodeUnavailable, "%s", err.Error())
	}
	slog.Error("Cron RPC failed", "error", err)
	return Fail(CodeInternal, "%s", err.Error())
}

func (g *Gateway) cronList(_ context.Context, _ *Conn, raw json.RawMessage) Result {
	if g.svc.Cron == nil {
		return Fail(CodeUnavailable, "cron scheduler unavailable")
	}
	var p struct {
		IncludeDisabled bool `json:"includeDisabled"`
	}
	if e := decodeParams(raw, &p); e != nil {
		return Result{Err: e}
	}
	return OK(map[string]any{"jobs": g.svc.Cron.List(p.IncludeDisabled)})
}

func (g *Gateway) cronStatus(_ context.Context, _ *Conn, _ json.RawMessage) Result {
	if g.svc.Cron == nil {
		return Fail(CodeUnavailable, "cron scheduler unavailable")
	}
	return OK(g.svc.Cron.Status())
}

func (g *Gateway) cronAdd(ctx context.Context, _ *Conn, raw json.RawMessage) Result {
	if g.svc.Cron == nil {
		return Fail(CodeUnavailable, "cron scheduler unavailable")
	}
	var in cron.JobCreate
	if e := decodeParams(raw, &in); e != nil {
		return Result{Err: e}
	}
	j, err := g.svc.Cron.Add(ctx, in)
	if err != nil {
		return cronFailure(err)
	}
	return OK(j)
}

func (g *Gateway) cronUpdate(ctx context.Context, _ *Conn, raw json.RawMessage) Result {
	if g.svc.Cron == nil {
		return Fail(CodeUnavailable, "cron scheduler unavailable")
	}
	var p struct {
		ID    string        `json:"id"`
		Patch cron.JobPatch `json:"patch"`
	}
	if e := decodeParams(raw, &p); e != nil {
		return Result{Err: e}
	}
	if strings.TrimSpace(p.ID) == "" {
		return Fail(CodeInvalidRequest, "id is required")
	}
	j, err := g.svc.Cron.Update(ctx, p.ID, p.Patch)
	if err != nil {
		return cronFailure(err)
	}
	return OK(j)
}

func (g *Gateway) cronRemove(ctx context.Context, _ *Conn, raw json.RawMessage) Result {
	if g.svc.Cron == nil {
		return Fail(CodeUnavailable, "cron scheduler unavailable")
	}
	var p struct {
		ID string `json:"id"`
	}
	if e := decodeParams(raw, &p); e != nil {
		return Result{Err: e}
	}
	if strings.TrimSpace(p.ID) == "" {
		return Fail(CodeInvalidRequest, "id is required")
	}
	removed, err := g.svc.Cron.Remove(ctx, p.ID)
	if err != nil {
		return cronFailure(err)
	}
	return OK(map[string]any{"id": p.ID, "removed": removed})
}

func (g *Gateway) cronRun(ctx context.Context, _ *Conn, raw json.RawMessage) Result {
	if g.svc.Cron == nil {
		return Fail(CodeUnavailable, "cron scheduler unavailable")
	}
	var p struct {
		ID   string            `json:"id"`
		Mode scheduler.RunMode `json:"mode"`
	}
	if e := decodeParams(raw, &p); e != nil {
		return Result{Err: e}
	}
	if strings.TrimSpace(p.ID) == "" {
		return Fail(CodeInvalidRequest, "id is required")
	}
	switch p.Mode {
	case "":
		p.Mode = scheduler.RunForce
	case scheduler.RunForce, scheduler.RunDue:
	default:
		return Fail(CodeInvalidRequest, "mode must be %q or %q", scheduler.RunForce, scheduler.RunDue)
	}
	res, err := g.svc.Cron.Run(ctx, p.ID, p.Mode)
	if err != nil {
		return cronFailure(err)
	}
	return OK(res)
}

func (g *Gateway) nodeList(_ context.Context, _ *Conn, _ json.RawMessage) Result {
	if g.svc.Nodes == nil {
		return Fail(CodeUnavailable, "node registry unavailable")
	}
	return OK(map[string]any{"nodes": g.svc.Nodes.List()})
}

func (g *Gateway) nodeDescribe(_ context.Context, _ *Conn, raw json.RawMessage) Result {
	if g.svc.Nodes == nil {
		return Fail(CodeUnavailable, "node registry unavailable")
	}
	var p struct {
		NodeID string `json:"nodeId"`
	}
	if e := decodeParams(raw, &p); e != nil {
		return Result{Err: e}
	}
	info, ok := g.svc.Nodes.Get(p.NodeID)
	if !ok {
		return Fail(CodeNotFound, "node not connected: %s", nodes.NormalizeID(p.NodeID))
	}
	return OK(info)
}

func (g *Gateway) nodeInvoke(ctx context.Context, _ *Conn, raw json.RawMessage) Result {
	if g.svc.Nodes == nil {
		return Fail(CodeUnavailable, "node registry unavailable")
	}
	var p struct {
		NodeID    string          `json:"nodeId"`
		Command   string          `json:"command"`
		Params    json.RawMessage `json:"params,omitempty"`
		TimeoutMs int64           `json:"timeoutMs,omitempty"`
	}
	if e := decodeParams(raw, &p); e != nil {
		return Result{Err: e}
	}
	id := nodes.NormalizeID(p.NodeID)
	command := strings.TrimSpace(p.Command)
	var metrics *telemetry.Metrics
	if g.svc.Telemetry != nil {
		metrics = g.svc.Telemetry.Metrics
	}

	dec, err := g.svc.Nodes.Authorize(id, command)
	if err != nil {
		return Fail(CodeUnavailable, "%s", err.Error())
	}
	if !dec.Allowed {
		metrics.RecordNodeInvoke(ctx, command, false)
		slog.Warn("Node command rejected", "node", id, "command", command, "reason", dec.Reason)
		return Fail(CodeNotPermitted, "command %q not permitted for node %s: %s", command, id, dec.Reason)
	}
	metrics.RecordNodeInvoke(ctx, command, true)

	timeout := defaultInvokeTimeout
	if p.TimeoutMs > 0 {
		timeout = min(time.Duration(p.TimeoutMs)*time.Millisecond, maxInvokeTimeout)
	}
	ictx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	payload, err := g.svc.Nodes.Invoke(ictx, nodes.InvokeRequest{
		ID:      uuid.NewString(),
		NodeID:  id,
		Command: command,
		Params:  p.Params,
	})
	var nodeErr *ErrorShape
	switch {
	case err == nil:
	case errors.Is(err, nodes.ErrCommandNotAllowed):
		return Fail(CodeNotPermitted, "%s", err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		return Fail(CodeUnavailable, "node %s did not answer within %s", id, timeout)
	case errors.As(err, &nodeErr):
		return Result{Err: nodeErr}
	default:
		return Fail(CodeUnavailable, "%s", err.Error())
	}
	return OK(map[string]any{"nodeId": id, "command": command, "payload": payload})
}

func (g *Gateway) nodeInvokeResult(_ context.Context, c *Conn, raw json.RawMessage) Result {
	var p struct {
		ID      string          `json:"id"`
		OK      bool            `json:"ok"`
		Payload json.RawMessage `json:"payload,omitempty"`
		Error   *ErrorShape     `json:"error,omitempty"`
	}
	if e := decodeParams(raw, &p); e != nil {
		return Result{Err: e}
	}
	var err error
	if !p.OK {
		shape := p.Error
		if shape == nil {
			shape = &ErrorShape{Message: "node reported failure"}
		}
		if shape.Code == "" {
			shape.Code = CodeUnavailable
		}
		err = shape
	}
	if !c.resolve(p.ID, p.Payload, err) {
		return Fail(CodeNotFound, "unknown invoke id: %s", p.ID)
	}
	return OK(map[string]any{"ok": true})
}

func pairingFailure(err error) Result {
	switch {
	case errors.Is(err, pairing.ErrNotFound):
		return Fail(CodeNotFound, "%s", err.Error())
	case errors.Is(err, pairing.ErrInvalidRequest):
		return Fail(CodeInvalidRequest, "%s", err.Error())
	}
	slog.Error("Pairing RPC failed", "error", err)
	return Fail(CodeInternal, "pairing store error")
}

type pairingParams struct {
	Channel string `json:"channel"`
	Code    string `json:"code"`
}

func (g *Gateway) pairingList(ctx context.Context, _ *Conn, raw json.RawMessage) Result {
	if g.svc.Pairing == nil {
		return Fail(CodeUnavailable, "pairing unavailable")
	}
	var p pairingParams
	if e := decodeParams(raw, &p); e != nil {
		return Result{Err: e}
	}
	reqs, err := g.svc.Pairing.ListPending(ctx, p.Channel)
	if err != nil {
		return pairingFailure(err)
	}
	if reqs == nil {
		reqs = []pairing.Request{}
	}
	return OK(map[string]any{"requests": reqs})
}

func (g *Gateway) pairingApprove(ctx context.Context, _ *Conn, raw json.RawMessage) Result {
	return g.pairingResolve(ctx, raw, true)
}

func (g *Gateway) pairingDeny(ctx context.Context, _ *Conn, raw json.RawMessage) Result {
	return g.pairingResolve(ctx, raw, false)
}

// pairingCheck lets a channel adapter gate an inbound message. A sender
// that just received a code gets reply set; the adapter sends it and drops
// the message unless allowed is true.
func (g *Gateway) pairingCheck(ctx context.Context, _ *Conn, raw json.RawMessage) Result {
	if g.svc.Gate == nil {
		return Fail(CodeUnavailable, "pairing unavailable")
	}
	var p struct {
		Channel  string `json:"channel"`
		SenderID string `json:"senderId"`
		IDLine   string `json:"idLine,omitempty"`
	}
	if e := decodeParams(raw, &p); e != nil {
		return Result{Err: e}
	}
	if strings.TrimSpace(p.Channel) == "" || strings.TrimSpace(p.SenderID) == "" {
		return Fail(CodeInvalidRequest, "channel and senderId are required")
	}
	if strings.EqualFold(strings.TrimSpace(p.Channel), NodeChannel) {
		return Fail(CodeInvalidRequest, "nodes pair through connect")
	}
	dec, err := g.svc.Gate.Evaluate(ctx, p.Channel, p.SenderID, p.IDLine)
	if err != nil {
		slog.Error("Pairing check failed", "channel", p.Channel, "sender", p.SenderID, "error", err)
		return Fail(CodeUnavailable, "pairing check failed")
	}
	return OK(map[string]any{
		"allowed":         dec.Allowed,
		"requiresPairing": dec.RequiresPairing,
		"reason":          dec.Reason,
		"code":            dec.Code,
		"reply":           dec.Reply,
	})
}

func (g *Gateway) pairingResolve(ctx context.Context, raw json.RawMessage, approve bool) Result {
	if g.svc.Pairing == nil {
		return Fail(CodeUnavailable, "pairing unavailable")
	}
	var p pairingParams
	if e := decodeParams(raw, &p); e != nil {
		return Result{Err: e}
	}
	if strings.TrimSpace(p.Channel) == "" || strings.TrimSpace(p.Code) == "" {
		return Fail(CodeInvalidRequest, "channel and code are required")
	}
	var (
		req pairing.Request
		err error
		typ = events.PairingDenied
	)
	if approve {
		req, err = g.svc.Pairing.Approve(ctx, p.Channel, p.Code)
		typ = events.PairingApproved
	} else {
		req, err = g.svc.Pairing.Deny(ctx, p.Channel, p.Code)
	}
	if err != nil {
		return pairingFailure(err)
	}
	events.Emit(ctx, g.svc.Publisher, events.New(typ, req.Channel+":"+req.SenderID, map[string]any{"channel": req.Channel}))
	return OK(map[string]any{"request": req})
}
