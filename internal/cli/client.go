package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/KafClaw/clawgate/internal/config"
	"github.com/KafClaw/clawgate/internal/gateway"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

var gatewayURL string

// gatewayClient is a one-connection operator client for the gateway RPC.
type gatewayClient struct {
	ws  *websocket.Conn
	seq int
}

type rpcResponse struct {
	ID      string              `json:"id"`
	Success bool                `json:"success"`
	Result  json.RawMessage     `json:"result,omitempty"`
	Error   *gateway.ErrorShape `json:"error,omitempty"`
	Event   string              `json:"event,omitempty"`
}

// gatewayEndpoint returns the websocket URL of the configured gateway.
func gatewayEndpoint(cfg *config.Config) string {
	if u := strings.TrimSpace(gatewayURL); u != "" {
		return u
	}
	host := cfg.Gateway.Host
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "ws://" + net.JoinHostPort(host, strconv.Itoa(cfg.Gateway.Port)) + "/ws"
}

// dialGateway connects and completes the operator handshake.
func dialGateway(ctx context.Context, cfg *config.Config) (*gatewayClient, error) {
	header := http.Header{}
	if tok := strings.TrimSpace(cfg.Gateway.AuthToken); tok != "" {
		header.Set("Authorization", "Bearer "+tok)
	}
	endpoint := gatewayEndpoint(cfg)
	ws, _, err := websocket.Dial(ctx, endpoint, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return nil, fmt.Errorf("gateway not reachable at %s (is `clawgate gateway` running?): %w", endpoint, err)
	}
	c := &gatewayClient{ws: ws}
	params := map[string]any{
		"role":   gateway.RoleOperator,
		"client": map[string]any{"name": "clawgate-cli", "version": version},
	}
	if err := c.call(ctx, gateway.MethodConnect, params, nil); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

// call sends one request and decodes its result into out when non-nil.
// Event frames received while waiting are skipped.
func (c *gatewayClient) call(ctx context.Context, method string, params any, out any) error {
	c.seq++
	id := strconv.Itoa(c.seq)
	req := map[string]any{"id": id, "method": method}
	if params != nil {
		req["params"] = params
	}
	if err := wsjson.Write(ctx, c.ws, req); err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	for {
		var resp rpcResponse
		if err := wsjson.Read(ctx, c.ws, &resp); err != nil {
			return fmt.Errorf("%s: %w", method, err)
		}
		if resp.Event != "" || resp.ID != id {
			continue
		}
		if !resp.Success {
			if resp.Error == nil {
				return fmt.Errorf("%s failed", method)
			}
			return resp.Error
		}
		if out == nil || len(resp.Result) == 0 {
			return nil
		}
		return json.Unmarshal(resp.Result, out)
	}
}

func (c *gatewayClient) Close() error {
	return c.ws.Close(websocket.StatusNormalClosure, "")
}

// rpcCode returns the gateway error code of err, or "".
func rpcCode(err error) gateway.ErrorCode {
	var shape *gateway.ErrorShape
	if errors.As(err, &shape) {
		return shape.Code
	}
	return ""
}
