// Package gateway is the control-plane RPC surface: a method table with
// the connect-first handshake rule, the handlers behind it, and the
// websocket transport that carries request, response, and event frames.
package gateway

import (
	"encoding/json"
	"fmt"
)

// ErrorCode is a machine-readable failure class.
type ErrorCode string

const (
	CodeInvalidRequest ErrorCode = "INVALID_REQUEST"
	CodeNotFound       ErrorCode = "NOT_FOUND"
	CodeNotPaired      ErrorCode = "NOT_PAIRED"
	CodeNotPermitted   ErrorCode = "NOT_PERMITTED"
	CodeUnavailable    ErrorCode = "UNAVAILABLE"
	CodeInternal       ErrorCode = "INTERNAL"
)

// ErrorShape is the error member of a failed response.
type ErrorShape struct {
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
}

func (e *ErrorShape) Error() string { return string(e.Code) + ": " + e.Message }

// RequestFrame is one client request.
type RequestFrame struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// ResponseFrame answers the request with the same id.
type ResponseFrame struct {
	ID      string      `json:"id"`
	Success bool        `json:"success"`
	Result  any         `json:"result,omitempty"`
	Error   *ErrorShape `json:"error,omitempty"`
}

// EventFrame is a server-initiated push.
type EventFrame struct {
	Event   string `json:"event"`
	Payload any    `json:"payload,omitempty"`
}

// Result is what a handler produced: a payload on success, or an error.
type Result struct {
	Payload any
	Err     *ErrorShape
}

// OK wraps a success payload.
func OK(payload any) Result { return Result{Payload: payload} }

// Fail builds a failed result.
func Fail(code ErrorCode, format string, args ...any) Result {
	return Result{Err: &ErrorShape{Code: code, Message: fmt.Sprintf(format, args...)}}
}

// decodeParams unmarshals params into v. Absent params decode as an empty
// object.
func decodeParams(params json.RawMessage, v any) *ErrorShape {
	if len(params) == 0 || string(params) == "null" {
		params = json.RawMessage("{}")
	}
	if err := json.Unmarshal(params, v); err != nil {
		return &ErrorShape{Code: CodeInvalidRequest, Message: "invalid params: " + err.Error()}
	}
	return nil
}
