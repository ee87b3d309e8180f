package zapclient

import (
	"context"
	"encoding/json"
)

// Transport is the narrow surface of a single physical connection to a Core
// device. Implementations deliver lifecycle events (open, close, error,
// inbound message) through callbacks registered by the connection registry;
// the RPC client only ever touches this interface.
//
// Send must accept a complete text frame and either hand it to the
// underlying connection or fail synchronously. It must never block
// indefinitely.
type Transport interface {
	// Send writes one text frame to the connection.
	//
	// Returns an error if the connection is closed or the frame cannot be
	// queued for delivery.
	Send(text string) error

	// IsConnected reports whether the connection is currently usable.
	// A false result makes the client queue calls instead of sending them.
	IsConnected() bool

	// CurrentState returns the transport-level connection state.
	CurrentState() ConnectionState

	// Close tears down the connection. Safe to call more than once.
	Close() error
}

// Client is the JSON-RPC protocol client for a single Core device.
//
// Calls made while the transport is disconnected are queued and replayed
// on reconnect, subject to a staleness TTL; see FlushQueue. All methods are
// safe for concurrent use.
//
// Example usage:
//
//	result, err := cli.Call(ctx, "launch", map[string]any{"uid": tokenUID})
//	if err != nil {
//	    return err
//	}
//	if result.Cancelled {
//	    return nil // dropped while offline, benign
//	}
type Client interface {
	// Call issues a correlated JSON-RPC request and blocks until the
	// matching response arrives, the call times out, the context is
	// cancelled, or the client is reset.
	//
	// A context that is already cancelled when Call is invoked yields
	// Result{Cancelled: true} and produces no network traffic. A context
	// cancelled while the call is queued resolves the same way at flush
	// time. Timeouts and resets are returned as errors.
	Call(ctx context.Context, method string, params any) (*Result, error)

	// CallWithTracking issues a request like Call but returns a handle
	// exposing the correlation id before the response arrives. Callers use
	// the id to issue an out-of-band cancel such as "write.cancel".
	CallWithTracking(ctx context.Context, method string, params any) (*PendingCall, error)

	// ProcessReceived parses one inbound frame. Heartbeat frames and
	// correlated responses yield (nil, nil); server-initiated notifications
	// are returned for the caller to route by method. Malformed payloads
	// and protocol-version mismatches return an error wrapping ErrProtocol.
	ProcessReceived(raw []byte) (*Notification, error)

	// FlushQueue drains calls queued while disconnected: entries older than
	// the queue TTL, or whose context was cancelled, resolve with the
	// cancellation sentinel; the rest are sent in enqueue order.
	FlushQueue()

	// Reset rejects every pending call with ErrConnectionReset and clears
	// all bookkeeping. Idempotent.
	Reset()

	// SetTransport swaps the transport used for subsequent sends.
	SetTransport(t Transport)

	// PendingCount returns the number of calls awaiting a response,
	// including queued ones.
	PendingCount() int

	// QueuedCount returns the number of calls waiting for a connection.
	QueuedCount() int
}

// PendingCall is an in-flight request handle returned by CallWithTracking.
type PendingCall struct {
	id   string
	wait func(ctx context.Context) (*Result, error)
}

// NewPendingCall builds a handle from a correlation id and a wait function.
// Intended for Client implementations, not for consumers.
func NewPendingCall(id string, wait func(ctx context.Context) (*Result, error)) *PendingCall {
	return &PendingCall{id: id, wait: wait}
}

// ID returns the request's correlation id.
func (p *PendingCall) ID() string {
	return p.id
}

// Wait blocks until the call completes, following the same rules as
// Client.Call.
func (p *PendingCall) Wait(ctx context.Context) (*Result, error) {
	return p.wait(ctx)
}

// Result is the outcome of a completed call.
//
// Cancelled is the cancellation sentinel: true means the call was dropped
// for a benign reason (stale in the offline queue, or context cancelled
// before send) and Raw is empty. Callers treat it as "nothing happened",
// not as a failure.
type Result struct {
	Raw       json.RawMessage
	Cancelled bool
}

// Decode unmarshals the result payload into v.
func (r *Result) Decode(v any) error {
	return json.Unmarshal(r.Raw, v)
}

// Notification is a server-initiated message carrying no correlation id.
// It is never matched against a pending call.
type Notification struct {
	Method string
	Params json.RawMessage
}

// ConnectionState is the externally visible state of a device connection.
type ConnectionState uint8

const (
	// StateIdle indicates no connection has been attempted yet.
	StateIdle ConnectionState = iota

	// StateConnecting indicates the first connection attempt is in progress.
	StateConnecting

	// StateConnected indicates an active, usable connection.
	StateConnected

	// StateReconnecting indicates the connection was lost and automatic
	// reconnection is in progress.
	StateReconnecting

	// StateError indicates an unrecoverable configuration or protocol
	// fault, such as an unparseable endpoint.
	StateError

	// StateDisconnected indicates the connection is down and no
	// reconnection is being attempted.
	StateDisconnected
)

// String returns a human-readable state name.
func (s ConnectionState) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateConnecting:
		return "CONNECTING"
	case StateConnected:
		return "CONNECTED"
	case StateReconnecting:
		return "RECONNECTING"
	case StateError:
		return "ERROR"
	case StateDisconnected:
		return "DISCONNECTED"
	default:
		return "UNKNOWN"
	}
}

// Connected reports whether the state counts as fully connected.
// Only StateConnected qualifies.
func (s ConnectionState) Connected() bool {
	return s == StateConnected
}
