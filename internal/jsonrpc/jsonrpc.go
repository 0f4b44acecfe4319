// Package jsonrpc holds the JSON-RPC 2.0 message shapes exchanged with bridged
// tool servers, plus the helpers the transports and the correlation engine use
// to classify and key messages. The wire format is one UTF-8 JSON object per
// line; anything else on a subprocess's stdout is log noise, not protocol
// traffic.
package jsonrpc

import (
	"bytes"
	"encoding/json"
)

// Version is the fixed protocol version tag carried by every message.
const Version = "2.0"

// Synthetic error messages produced locally, never received over the wire.
const (
	MsgTimeout  = "timeout"
	MsgShutdown = "shutdown"
	MsgInvalid  = "invalid response"
)

// Request is an outbound call. A Request without an ID is a notification and
// is never answered.
type Request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      any    `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// Error is the error member of a failed Response.
type Error struct {
	Code    int             `json:"code,omitempty"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Response carries exactly one of Result or Error for a previously sent
// Request with the matching ID.
type Response struct {
	JSONRPC string          `json:"jsonrpc,omitempty"`
	ID      any             `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// NewRequest builds a Request with the protocol version filled in.
func NewRequest(id any, method string, params any) Request {
	return Request{JSONRPC: Version, ID: id, Method: method, Params: params}
}

// NewNotification builds a Request with no ID.
func NewNotification(method string, params any) Request {
	return Request{JSONRPC: Version, Method: method, Params: params}
}

// TimeoutResponse is the synthetic response returned when a request's
// deadline expires before a reply arrives.
func TimeoutResponse(id any) Response {
	return Response{ID: id, Error: &Error{Message: MsgTimeout}}
}

// ShutdownResponse is the synthetic response used to resolve requests still
// pending when their bridge stops.
func ShutdownResponse(id any) Response {
	return Response{ID: id, Error: &Error{Message: MsgShutdown}}
}

// InvalidResponse is the synthetic response used when a reply matched a
// pending id but could not be decoded as a Response.
func InvalidResponse(id any) Response {
	return Response{ID: id, Error: &Error{Message: MsgInvalid}}
}

// IDKey returns the canonical pending-table key for an id: its compact JSON
// encoding. The second return is false when the id is absent, null, or not
// encodable, in which case the message cannot be correlated.
func IDKey(id any) (string, bool) {
	if id == nil {
		return "", false
	}
	if raw, ok := id.(json.RawMessage); ok {
		return rawIDKey(raw)
	}
	b, err := json.Marshal(id)
	if err != nil {
		return "", false
	}
	return rawIDKey(b)
}

func rawIDKey(raw json.RawMessage) (string, bool) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return "", false
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, trimmed); err != nil {
		return "", false
	}
	return buf.String(), true
}

// IsObjectLine reports whether a line of subprocess output is a syntactically
// valid JSON object. Leading whitespace is tolerated; blank lines, non-JSON
// text, and JSON values that are not objects (arrays, numbers, strings) are
// all rejected.
func IsObjectLine(line []byte) bool {
	trimmed := bytes.TrimSpace(line)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return false
	}
	return json.Valid(trimmed)
}

// Envelope is the minimal view of an inbound message the demultiplexer needs:
// the raw id, if any.
type Envelope struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
}

// ParseEnvelope decodes just the id and method of an inbound line. The key is
// empty and ok false when the message carries no usable id (a notification).
func ParseEnvelope(line []byte) (env Envelope, key string, ok bool, err error) {
	if err = json.Unmarshal(line, &env); err != nil {
		return Envelope{}, "", false, err
	}
	key, ok = rawIDKey(env.ID)
	return env, key, ok, nil
}
