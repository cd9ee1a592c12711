package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/KafClaw/clawgate/internal/events"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

func newTestServer(t *testing.T, token string) (*Server, *httptest.Server) {
	t.Helper()
	h := newHarness(t, token)
	srv := NewServer(h.gw, ServerConfig{AuthToken: func() string { return token }, Version: "test"})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, ts
}

func dial(t *testing.T, ts *httptest.Server, header http.Header) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	return websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: header})
}

func roundTrip(t *testing.T, ws *websocket.Conn, req RequestFrame) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := wsjson.Write(ctx, ws, req); err != nil {
		t.Fatalf("write %s: %v", req.Method, err)
	}
	for {
		var frame map[string]any
		if err := wsjson.Read(ctx, ws, &frame); err != nil {
			t.Fatalf("read %s: %v", req.Method, err)
		}
		if _, isEvent := frame["event"]; isEvent {
			continue
		}
		return frame
	}
}

func TestHealthzEndpoint(t *testing.T) {
	_, ts := newTestServer(t, "")
	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	var body struct {
		OK      bool   `json:"ok"`
		Version string `json:"version"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.StatusCode != http.StatusOK || !body.OK || body.Version != "test" {
		t.Fatalf("healthz = %d %+v", resp.StatusCode, body)
	}
}

func TestWebsocketBearerAuth(t *testing.T) {
	_, ts := newTestServer(t, "s3cret")

	_, resp, err := dial(t, ts, http.Header{"Authorization": []string{"Bearer nope"}})
	if err == nil {
		t.Fatal("dial with wrong bearer succeeded")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %v", resp)
	}

	ws, _, err := dial(t, ts, http.Header{"Authorization": []string{"Bearer s3cret"}})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close(websocket.StatusNormalClosure, "")
	frame := roundTrip(t, ws, RequestFrame{ID: "1", Method: MethodConnect, Params: json.RawMessage(`{"role":"operator"}`)})
	if frame["success"] != true {
		t.Fatalf("connect = %v", frame)
	}
}

func TestWebsocketSession(t *testing.T) {
	srv, ts := newTestServer(t, "")
	ws, _, err := dial(t, ts, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close(websocket.StatusNormalClosure, "")

	frame := roundTrip(t, ws, RequestFrame{ID: "c", Method: MethodConnect})
	if frame["success"] != true || frame["id"] != "c" {
		t.Fatalf("connect = %v", frame)
	}
	frame = roundTrip(t, ws, RequestFrame{ID: "h", Method: "health"})
	if frame["success"] != true || frame["id"] != "h" {
		t.Fatalf("health = %v", frame)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := srv.Publish(ctx, events.New(events.CronAdded, "job-1", nil)); err != nil {
		t.Fatalf("publish: %v", err)
	}
	var ev EventFrame
	if err := wsjson.Read(ctx, ws, &ev); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if ev.Event != events.CronAdded {
		t.Fatalf("event = %+v", ev)
	}
}

func TestWebsocketClosesWithoutConnect(t *testing.T) {
	_, ts := newTestServer(t, "")
	ws, _, err := dial(t, ts, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close(websocket.StatusNormalClosure, "")

	frame := roundTrip(t, ws, RequestFrame{ID: "1", Method: "cron.list"})
	errObj, _ := frame["error"].(map[string]any)
	if frame["success"] != false || errObj["code"] != string(CodeInvalidRequest) {
		t.Fatalf("frame = %v", frame)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, _, err = ws.Read(ctx)
	if websocket.CloseStatus(err) != websocket.StatusPolicyViolation {
		t.Fatalf("expected policy violation close, got %v", err)
	}
}

func TestWebsocketClosesAfterFailedConnect(t *testing.T) {
	_, ts := newTestServer(t, "s3cret")
	ws, _, err := dial(t, ts, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close(websocket.StatusNormalClosure, "")

	frame := roundTrip(t, ws, RequestFrame{ID: "1", Method: MethodConnect, Params: json.RawMessage(`{"role":"operator","token":"guess"}`)})
	errObj, _ := frame["error"].(map[string]any)
	if frame["success"] != false || errObj["code"] != string(CodeNotPermitted) {
		t.Fatalf("frame = %v", frame)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, _, err = ws.Read(ctx)
	if websocket.CloseStatus(err) != websocket.StatusPolicyViolation {
		t.Fatalf("expected policy violation close, got %v", err)
	}
}

func TestServerCloseEndsSessions(t *testing.T) {
	srv, ts := newTestServer(t, "")
	ws, _, err := dial(t, ts, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer ws.Close(websocket.StatusNormalClosure, "")
	if frame := roundTrip(t, ws, RequestFrame{ID: "c", Method: MethodConnect}); frame["success"] != true {
		t.Fatalf("connect = %v", frame)
	}

	if err := srv.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, _, err := ws.Read(ctx); err == nil {
		t.Fatal("session still open after Close")
	}
	if ctx.Err() != nil {
		t.Fatal("session was not closed before the deadline")
	}
}
