package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/KafClaw/clawgate/internal/events"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const (
	writeTimeout   = 10 * time.Second
	readLimitBytes = 4 << 20
)

// ServerConfig configures the HTTP and websocket transport.
type ServerConfig struct {
	Addr string
	// AuthToken returns the current bearer token. Empty disables auth.
	AuthToken func() string
	// AllowOrigins are extra Origin patterns accepted for browser clients.
	// Same-origin requests are always accepted.
	AllowOrigins []string
	Version      string
}

// Server carries gateway frames over websockets and fans control-plane
// events out to operator connections.
type Server struct {
	gw  *Gateway
	cfg ServerConfig

	mu    sync.RWMutex
	conns map[*Conn]context.CancelFunc
}

// NewServer wraps gw in a transport.
func NewServer(gw *Gateway, cfg ServerConfig) *Server {
	return &Server{gw: gw, cfg: cfg, conns: make(map[*Conn]context.CancelFunc)}
}

// Handler returns the HTTP routes: /healthz and /ws.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Get("/healthz", s.handleHealthz)
	r.Get("/ws", s.handleWS)
	return r
}

// ListenAndServe serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("Gateway listening", "addr", s.cfg.Addr)
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Warn("Gateway shutdown", "error", err)
		}
		// Shutdown does not wait for hijacked websocket connections.
		return s.Close()
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	s.mu.RLock()
	n := len(s.conns)
	s.mu.RUnlock()
	_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "version": s.cfg.Version, "connections": n})
}

// bearer reports whether the request may proceed and whether it already
// presented a valid token. A request with no Authorization header may
// still authenticate through connect.
func (s *Server) bearer(r *http.Request) (ok, authed bool) {
	want := ""
	if s.cfg.AuthToken != nil {
		want = s.cfg.AuthToken()
	}
	if want == "" {
		return true, true
	}
	authz := strings.TrimSpace(r.Header.Get("Authorization"))
	if authz == "" {
		return true, false
	}
	token, found := strings.CutPrefix(authz, "Bearer ")
	if !found {
		return false, false
	}
	token = strings.TrimSpace(token)
	if subtle.ConstantTimeCompare([]byte(token), []byte(want)) != 1 {
		return false, false
	}
	return true, true
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ok, authed := s.bearer(r)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.cfg.AllowOrigins})
	if err != nil {
		slog.Warn("Websocket accept failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	ws.SetReadLimit(readLimitBytes)

	ctx, cancel := context.WithCancel(r.Context())
	c := NewConn(func(ctx context.Context, frame any) error {
		wctx, wcancel := context.WithTimeout(ctx, writeTimeout)
		defer wcancel()
		return wsjson.Write(wctx, ws, frame)
	}, authed)
	s.add(c, cancel)
	slog.Info("Gateway connection opened", "conn", c.ID, "remote", r.RemoteAddr)

	var inflight sync.WaitGroup
	defer func() {
		cancel()
		s.remove(c)
		s.gw.Disconnect(context.Background(), c)
		inflight.Wait()
		_ = ws.Close(websocket.StatusNormalClosure, "bye")
		slog.Info("Gateway connection closed", "conn", c.ID)
	}()

	respond := func(resp ResponseFrame) {
		if err := c.Send(ctx, resp); err != nil {
			slog.Debug("Gateway write failed", "conn", c.ID, "id", resp.ID, "error", err)
		}
	}

	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == -1 && ctx.Err() == nil {
				slog.Debug("Gateway read failed", "conn", c.ID, "error", err)
			}
			return
		}
		var req RequestFrame
		if err := json.Unmarshal(data, &req); err != nil {
			respond(ResponseFrame{Error: &ErrorShape{Code: CodeInvalidRequest, Message: "malformed frame: " + err.Error()}})
			continue
		}

		// connect runs inline so nothing else can race the handshake. A
		// session gets exactly one attempt.
		if !c.isHandshaken() {
			s.gw.Dispatcher().Dispatch(ctx, c, req, respond)
			if strings.TrimSpace(req.Method) != MethodConnect {
				_ = ws.Close(websocket.StatusPolicyViolation, "first request must be connect")
				return
			}
			if !c.isHandshaken() {
				_ = ws.Close(websocket.StatusPolicyViolation, "connect failed")
				return
			}
			continue
		}
		inflight.Add(1)
		go func() {
			defer inflight.Done()
			s.gw.Dispatcher().Dispatch(ctx, c, req, respond)
		}()
	}
}

func (s *Server) add(c *Conn, cancel context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[c] = cancel
}

func (s *Server) remove(c *Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, c)
}

// Publish pushes ev to every handshaken operator connection.
func (s *Server) Publish(ctx context.Context, ev events.Event) error {
	s.mu.RLock()
	targets := make([]*Conn, 0, len(s.conns))
	for c := range s.conns {
		if c.isHandshaken() && c.Role() == RoleOperator {
			targets = append(targets, c)
		}
	}
	s.mu.RUnlock()

	frame := EventFrame{Event: ev.Type, Payload: ev}
	var errs []error
	for _, c := range targets {
		if err := c.Send(ctx, frame); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Close ends every open websocket session. Each session runs its normal
// disconnect path: node registrations are dropped and pending invokes fail.
func (s *Server) Close() error {
	s.mu.RLock()
	cancels := make([]context.CancelFunc, 0, len(s.conns))
	for _, cancel := range s.conns {
		cancels = append(cancels, cancel)
	}
	s.mu.RUnlock()
	for _, cancel := range cancels {
		cancel()
	}
	return nil
}
