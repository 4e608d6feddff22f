package network

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrConnectionClosed is reported to outstanding callbacks when the
// connection drops before their reply arrives.
var ErrConnectionClosed = errors.New("network: connection closed")

// Request is a single JSON-RPC call.
type Request struct {
	Method string
	Params []any
}

// RPCError is the error member of a JSON-RPC reply. Servers send it either as
// an object or as a bare string; both decode into this form.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != 0 {
		return fmt.Sprintf("%s (code %d)", e.Message, e.Code)
	}
	return e.Message
}

// UnmarshalJSON accepts object and string encodings.
func (e *RPCError) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		return json.Unmarshal(trimmed, &e.Message)
	}
	type plain RPCError
	var decoded plain
	if err := json.Unmarshal(trimmed, &decoded); err != nil {
		return err
	}
	*e = RPCError(decoded)
	return nil
}

// Response is the single parsed shape delivered to callbacks, for replies to
// requests as well as for subscription notifications.
//
// For replies, Method and Params echo the originating request. Notifications
// arrive as {"method": m, "params": [p0, ..., pN]}; they are normalised so
// that Params holds p0..pN-1 and Result holds pN, which makes a notification
// look like a fresh reply to the subscribe request it belongs to.
type Response struct {
	ID           string
	Method       string
	Params       []json.RawMessage
	Result       json.RawMessage
	Error        *RPCError
	Notification bool
}

// Err returns the RPC error, if any, as a Go error.
func (r Response) Err() error {
	if r.Error == nil {
		return nil
	}
	return r.Error
}

// HasResult reports whether a non-null result was delivered.
func (r Response) HasResult() bool {
	trimmed := bytes.TrimSpace(r.Result)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
}

// StringParam decodes the i-th parameter as a string.
func (r Response) StringParam(i int) (string, bool) {
	if i < 0 || i >= len(r.Params) {
		return "", false
	}
	var value string
	if err := json.Unmarshal(r.Params[i], &value); err != nil {
		return "", false
	}
	return value, true
}

// StringResult decodes the result as an optional string; nil means the
// result was null or absent.
func (r Response) StringResult() (*string, error) {
	if !r.HasResult() {
		return nil, nil
	}
	var value string
	if err := json.Unmarshal(r.Result, &value); err != nil {
		return nil, fmt.Errorf("network: result is not a string: %w", err)
	}
	return &value, nil
}

type wireMessage struct {
	JSONRPC string            `json:"jsonrpc,omitempty"`
	ID      json.RawMessage   `json:"id,omitempty"`
	Method  string            `json:"method,omitempty"`
	Params  []json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage   `json:"result,omitempty"`
	Error   *RPCError         `json:"error,omitempty"`
}

type wireRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      string `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

func decodeID(raw json.RawMessage) string {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return ""
	}
	var s string
	if err := json.Unmarshal(trimmed, &s); err == nil {
		return s
	}
	return string(trimmed)
}

func encodeParams(params []any) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, 0, len(params))
	for _, p := range params {
		raw, err := json.Marshal(p)
		if err != nil {
			return nil, err
		}
		out = append(out, raw)
	}
	return out, nil
}
