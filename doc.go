// Package zapclient provides the JSON-RPC 2.0 protocol client used by the
// Zaparoo app to drive a remote Core device over a persistent WebSocket
// connection.
//
// The library covers the request/response protocol and the connection
// lifecycle: correlated calls, offline queueing with a staleness TTL,
// automatic reconnection, and a connection state machine with a grace
// period so brief link loss does not flicker the reported state.
//
// # Quick Start
//
//	import (
//	    "github.com/ZaparooProject/zaparoo-app-go/client"
//	)
//
//	dev, err := client.New(client.NewConfig("10.0.0.17:7497"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer dev.Close()
//
//	dev.OnNotification(func(n zapclient.Notification) {
//	    if n.Method == zapclient.NotifTokensAdded {
//	        // a tag was scanned on the Core side
//	    }
//	})
//
//	dev.Connect()
//	result, err := dev.Call(ctx, zapclient.MethodVersion, nil)
//
// # Wire Protocol
//
// Requests are JSON-RPC 2.0 objects carrying a UUID correlation id and an
// epoch-millisecond timestamp:
//
//	{"jsonrpc":"2.0","id":"<uuid>","method":"launch","params":{...},"timestamp":1700000000000}
//
// Responses are matched to pending calls purely by id, so they may arrive
// in any order. Messages without an id are server notifications. The text
// frames "ping" and "pong" are an out-of-band heartbeat and are ignored by
// the protocol layer.
//
// # Offline Queue
//
// Calls issued while disconnected are queued in order. When the connection
// comes back the queue is flushed: entries older than 10 seconds, or whose
// context was cancelled, resolve with Result.Cancelled == true and are
// never sent. A fixed 30 second timeout guards every call.
//
// # Connection States
//
// A device reports one of IDLE, CONNECTING, CONNECTED, RECONNECTING, ERROR
// or DISCONNECTED. A transition away from CONNECTED is suppressed for a 2
// second grace period; if the link recovers within it, the state never
// leaves CONNECTED. ERROR and CONNECTING always apply immediately.
//
// # Multiple Devices
//
// The registry can hold several configured devices, each with its own
// transport, queue and state. Exactly one device is active at a time;
// switching the active device does not discard the others' queued calls.
// PauseAll suspends reconnection attempts while the app is backgrounded,
// ResumeAll picks them back up without losing queued work.
package zapclient
