// Package websocket provides the gorilla-websocket transport for a single
// Core device connection: dialing, a buffered write pump, a read pump with
// deadline handling, the text heartbeat, and inbound rate limiting.
package websocket

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	zapclient "github.com/ZaparooProject/zaparoo-app-go"
)

const (
	writeTimeout      = 10 * time.Second
	readTimeout       = 60 * time.Second
	dialTimeout       = 10 * time.Second
	heartbeatInterval = 25 * time.Second
	maxMessageSize    = 10 * 1024 * 1024
	sendBufferSize    = 256
)

// heartbeatFrame is the out-of-band keepalive text expected by the Core.
const heartbeatFrame = "ping"

// RateLimitConfig defines rate limiting for inbound messages.
type RateLimitConfig struct {
	// MessagesPerSecond defines how many inbound messages are processed
	// per second.
	MessagesPerSecond rate.Limit
	// Burst defines the maximum burst size (token bucket capacity).
	Burst int
	// Enabled determines if rate limiting is active.
	Enabled bool
}

// DefaultRateLimitConfig allows 100 messages per second with burst of 200.
func DefaultRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		MessagesPerSecond: 100,
		Burst:             200,
		Enabled:           true,
	}
}

// NoRateLimit returns a configuration with rate limiting disabled.
func NoRateLimit() *RateLimitConfig {
	return &RateLimitConfig{Enabled: false}
}

// Events are the lifecycle callbacks delivered by a Transport. All fields
// are optional. OnMessage receives every raw inbound text frame, including
// heartbeats; OnClose fires once per established connection.
type Events struct {
	OnOpen    func()
	OnClose   func(err error)
	OnError   func(err error)
	OnMessage func(data []byte)
}

// Config configures a Transport.
type Config struct {
	// URL is the fully resolved WebSocket endpoint, e.g.
	// "ws://10.0.0.17:7497".
	URL string

	// RateLimit bounds inbound message processing. Nil uses the default;
	// over-limit frames are dropped and logged, the connection stays up.
	RateLimit *RateLimitConfig

	// Logger receives transport events. Nil discards.
	Logger *slog.Logger

	Events Events
}

// Transport implements zapclient.Transport.
var _ zapclient.Transport = (*Transport)(nil)

// Transport is one physical WebSocket connection. A Transport is
// single-use: after Close or a read failure it cannot be redialed; the
// registry creates a fresh one per attempt.
type Transport struct {
	url     string
	log     *slog.Logger
	events  Events
	limiter *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex
	conn   *websocket.Conn
	state  zapclient.ConnectionState
	closed bool

	sendCh chan []byte

	closeOnce sync.Once
}

// New creates an undialed transport.
func New(cfg Config) *Transport {
	if cfg.RateLimit == nil {
		cfg.RateLimit = DefaultRateLimitConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	var limiter *rate.Limiter
	if cfg.RateLimit.Enabled {
		limiter = rate.NewLimiter(cfg.RateLimit.MessagesPerSecond, cfg.RateLimit.Burst)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Transport{
		url:     cfg.URL,
		log:     cfg.Logger,
		events:  cfg.Events,
		limiter: limiter,
		ctx:     ctx,
		cancel:  cancel,
		state:   zapclient.StateIdle,
		sendCh:  make(chan []byte, sendBufferSize),
	}
}

// Dial establishes the connection and starts the read and write pumps.
func (t *Transport) Dial(ctx context.Context) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return zapclient.ErrConnectionClosed
	}
	if t.conn != nil {
		t.mu.Unlock()
		return nil
	}
	t.state = zapclient.StateConnecting
	t.mu.Unlock()

	dialer := websocket.Dialer{HandshakeTimeout: dialTimeout}
	conn, _, err := dialer.DialContext(ctx, t.url, nil)
	if err != nil {
		t.mu.Lock()
		t.state = zapclient.StateDisconnected
		t.mu.Unlock()
		return fmt.Errorf("dial %s: %w", t.url, err)
	}

	conn.SetReadLimit(maxMessageSize)

	t.mu.Lock()
	t.conn = conn
	t.state = zapclient.StateConnected
	t.mu.Unlock()

	go t.writePump(conn)
	go t.readPump(conn)

	t.log.Debug("connected", "url", t.url)
	if t.events.OnOpen != nil {
		t.events.OnOpen()
	}
	return nil
}

// Send queues one text frame for delivery.
func (t *Transport) Send(text string) error {
	t.mu.RLock()
	if t.closed || t.conn == nil {
		t.mu.RUnlock()
		return zapclient.ErrConnectionClosed
	}
	t.mu.RUnlock()

	select {
	case t.sendCh <- []byte(text):
		return nil
	case <-t.ctx.Done():
		return zapclient.ErrConnectionClosed
	}
}

// IsConnected reports whether the connection is usable.
func (t *Transport) IsConnected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return !t.closed && t.state == zapclient.StateConnected
}

// CurrentState returns the transport-level connection state.
func (t *Transport) CurrentState() zapclient.ConnectionState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.state
}

// Close tears the connection down. Safe to call more than once; the
// OnClose event fires at most once.
func (t *Transport) Close() error {
	return t.shutdown(nil)
}

// shutdown closes the connection and reports the cause to OnClose. A nil
// err means a local, voluntary close.
func (t *Transport) shutdown(err error) error {
	var closeErr error
	t.closeOnce.Do(func() {
		t.mu.Lock()
		t.closed = true
		t.state = zapclient.StateDisconnected
		conn := t.conn
		t.mu.Unlock()

		t.cancel()

		if conn != nil {
			message := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			deadline := time.Now().Add(time.Second)
			_ = conn.WriteControl(websocket.CloseMessage, message, deadline)
			closeErr = conn.Close()
		}

		if err != nil {
			t.log.Debug("connection lost", "url", t.url, "err", err)
		}
		if t.events.OnClose != nil {
			t.events.OnClose(err)
		}
	})
	return closeErr
}

// writePump drains the send channel onto the wire and emits the text
// heartbeat while the connection is idle.
func (t *Transport) writePump(conn *websocket.Conn) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case message := <-t.sendCh:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, message); err != nil {
				t.reportError(err)
				t.shutdown(err)
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, []byte(heartbeatFrame)); err != nil {
				t.reportError(err)
				t.shutdown(err)
				return
			}

		case <-t.ctx.Done():
			return
		}
	}
}

// readPump reads frames until the connection dies, applying the inbound
// rate limit and resetting the read deadline after every frame.
func (t *Transport) readPump(conn *websocket.Conn) {
	conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				t.reportError(err)
			}
			t.shutdown(err)
			return
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))

		if t.limiter != nil && !t.limiter.Allow() {
			t.log.Warn("inbound rate limit exceeded, frame dropped", "url", t.url)
			continue
		}

		if t.events.OnMessage != nil {
			t.events.OnMessage(data)
		}
	}
}

func (t *Transport) reportError(err error) {
	if t.events.OnError != nil {
		t.events.OnError(err)
	}
}
