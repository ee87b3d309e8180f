// Package jsonrpc implements the JSON-RPC 2.0 envelope used between the
// app and a Core device: request encoding with UUID correlation ids,
// inbound message classification, and heartbeat detection.
package jsonrpc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	zapclient "github.com/ZaparooProject/zaparoo-app-go"
)

// Request is an outgoing JSON-RPC 2.0 request.
type Request struct {
	JSONRPC   string `json:"jsonrpc"`
	ID        string `json:"id"`
	Method    string `json:"method"`
	Params    any    `json:"params,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// Error is a JSON-RPC 2.0 error object.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// Message is a classified inbound frame: either a response to a pending
// call (HasID true, Result or Error set) or a server notification (HasID
// false, Method set).
type Message struct {
	ID     string
	HasID  bool
	Method string
	Params json.RawMessage
	Result json.RawMessage
	Error  *Error
}

// NewRequest builds a request for the given method with a fresh
// correlation id and the current epoch-millisecond timestamp.
func NewRequest(method string, params any) *Request {
	return &Request{
		JSONRPC:   zapclient.JSONRPCVersion,
		ID:        uuid.New().String(),
		Method:    method,
		Params:    params,
		Timestamp: time.Now().UnixMilli(),
	}
}

// Encode serializes the request to a single text frame.
func (r *Request) Encode() ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("encode request %s: %w", r.Method, err)
	}
	return data, nil
}

// IsHeartbeat reports whether the frame is an out-of-band "ping"/"pong"
// heartbeat rather than a JSON-RPC message.
func IsHeartbeat(data []byte) bool {
	text := bytes.TrimSpace(data)
	return bytes.Equal(text, []byte("ping")) || bytes.Equal(text, []byte("pong"))
}

// rawMessage mirrors the wire shape before classification. The id is kept
// raw so both string and numeric ids can be matched against pending calls.
type rawMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	Result  json.RawMessage `json:"result"`
	Error   *Error          `json:"error"`
}

// Decode parses and validates one inbound frame. A protocol version other
// than "2.0" is a fatal parse error.
func Decode(data []byte) (*Message, error) {
	var raw rawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", zapclient.ErrProtocol, err)
	}
	if raw.JSONRPC != zapclient.JSONRPCVersion {
		return nil, fmt.Errorf("%w: unsupported jsonrpc version %q", zapclient.ErrProtocol, raw.JSONRPC)
	}

	msg := &Message{
		Method: raw.Method,
		Params: raw.Params,
		Result: raw.Result,
		Error:  raw.Error,
	}

	id, ok, err := normalizeID(raw.ID)
	if err != nil {
		return nil, err
	}
	msg.ID = id
	msg.HasID = ok
	return msg, nil
}

// normalizeID stringifies the raw id so a server echoing a numeric id
// still matches the pending call it belongs to.
func normalizeID(raw json.RawMessage) (string, bool, error) {
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", false, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, true, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String(), true, nil
	}
	return "", false, fmt.Errorf("%w: invalid id %s", zapclient.ErrProtocol, strconv.Quote(string(raw)))
}
