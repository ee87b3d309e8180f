package zapclient

import "errors"

// Errors returned by the client. Send failures and parse errors wrap these
// sentinels with the underlying cause; match with errors.Is.
var (
	// ErrRequestTimeout means no response arrived within the call timeout.
	ErrRequestTimeout = errors.New("request timed out")

	// ErrConnectionReset means the call was rejected by Reset.
	ErrConnectionReset = errors.New("connection reset")

	// ErrSendFailed wraps a synchronous transport send failure.
	ErrSendFailed = errors.New("send failed")

	// ErrProtocol wraps malformed JSON and JSON-RPC version mismatches.
	ErrProtocol = errors.New("protocol error")

	// ErrConnectionClosed means the transport is closed.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrNoEndpoint means no device address is configured.
	ErrNoEndpoint = errors.New("no endpoint configured")

	// ErrDeviceNotFound means the registry has no device with the given id.
	ErrDeviceNotFound = errors.New("device not found")
)

// JSON-RPC version accepted on the wire. Anything else is a fatal parse
// error.
const JSONRPCVersion = "2.0"

// JSON-RPC error codes (following the JSON-RPC 2.0 specification).
const (
	JSONRPCParseError     = -32700
	JSONRPCInvalidRequest = -32600
	JSONRPCMethodNotFound = -32601
	JSONRPCInvalidParams  = -32602
	JSONRPCInternalError  = -32603
)

// Core API methods issued by the app.
const (
	MethodVersion       = "version"
	MethodLaunch        = "launch"
	MethodStop          = "stop"
	MethodTokensHistory = "tokens.history"
	MethodWrite         = "write"
	MethodWriteCancel   = "write.cancel"
)

// Notification methods pushed by the Core.
const (
	NotifTokensAdded  = "tokens.added"
	NotifMediaStarted = "media.started"
	NotifMediaStopped = "media.stopped"
)
