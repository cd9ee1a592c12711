package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"runtime/debug"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/KafClaw/clawgate/internal/telemetry"
)

// MethodConnect is the handshake method.
const MethodConnect = "connect"

// Handler serves one method.
type Handler func(ctx context.Context, c *Conn, params json.RawMessage) Result

type route struct {
	handler Handler
	roles   []Role
}

// Dispatcher routes requests through a method table. It holds no state
// beyond the table; per-connection state lives in Conn.
type Dispatcher struct {
	methods map[string]route
	metrics *telemetry.Metrics
}

// NewDispatcher creates an empty dispatcher. metrics may be nil.
func NewDispatcher(metrics *telemetry.Metrics) *Dispatcher {
	return &Dispatcher{methods: make(map[string]route), metrics: metrics}
}

// Register adds a method callable by roles, operators only when none are
// given. Registering a method twice replaces it. Register is not safe to
// call while requests are being dispatched.
func (d *Dispatcher) Register(method string, h Handler, roles ...Role) {
	if len(roles) == 0 {
		roles = []Role{RoleOperator}
	}
	d.methods[method] = route{handler: h, roles: roles}
}

// Methods lists registered method names.
func (d *Dispatcher) Methods() []string {
	out := make([]string, 0, len(d.methods))
	for m := range d.methods {
		out = append(out, m)
	}
	sort.Strings(out)
	return out
}

// Dispatch handles req and passes the response to respond exactly once.
func (d *Dispatcher) Dispatch(ctx context.Context, c *Conn, req RequestFrame, respond func(ResponseFrame)) {
	start := time.Now()
	res := d.route(ctx, c, req)

	code := ""
	resp := ResponseFrame{ID: req.ID, Success: res.Err == nil}
	if res.Err != nil {
		resp.Error = res.Err
		code = string(res.Err.Code)
	} else {
		resp.Result = res.Payload
	}
	d.metrics.RecordRPC(ctx, req.Method, code, time.Since(start))
	respond(resp)
}

func (d *Dispatcher) route(ctx context.Context, c *Conn, req RequestFrame) (res Result) {
	defer func() {
		if p := recover(); p != nil {
			slog.Error("Gateway handler panic", "method", req.Method, "panic", p, "stack", string(debug.Stack()))
			res = Fail(CodeInternal, "internal error")
		}
	}()

	method := strings.TrimSpace(req.Method)
	if method == "" {
		return Fail(CodeInvalidRequest, "method is required")
	}
	if method == MethodConnect {
		c.handshakeMu.Lock()
		defer c.handshakeMu.Unlock()
		// Only the very first request may connect, whether or not it succeeds.
		if !c.claimFirst() {
			return Fail(CodeInvalidRequest, "connect is only valid as the first request")
		}
		r, ok := d.methods[MethodConnect]
		if !ok {
			return Fail(CodeUnavailable, "connect is not available")
		}
		return r.handler(ctx, c, req.Params)
	}
	if !c.isHandshaken() {
		c.claimFirst()
		return Fail(CodeInvalidRequest, "first request must be connect")
	}
	r, ok := d.methods[method]
	if !ok {
		return Fail(CodeInvalidRequest, "unknown method: %s", method)
	}
	if role := c.Role(); !slices.Contains(r.roles, role) {
		return Fail(CodeNotPermitted, "method %s is not permitted for role %s", method, role)
	}
	return r.handler(ctx, c, req.Params)
}
