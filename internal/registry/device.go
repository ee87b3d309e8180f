package registry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	zapclient "github.com/ZaparooProject/zaparoo-app-go"
	"github.com/ZaparooProject/zaparoo-app-go/config"
	"github.com/ZaparooProject/zaparoo-app-go/internal/dispatcher"
	"github.com/ZaparooProject/zaparoo-app-go/internal/state"
	"github.com/ZaparooProject/zaparoo-app-go/internal/websocket"
)

const dialAttemptTimeout = 15 * time.Second

// Conn is a dialable transport. Satisfied by *websocket.Transport; tests
// substitute in-memory fakes through the registry's DialFunc.
type Conn interface {
	zapclient.Transport
	Dial(ctx context.Context) error
}

// DialFunc builds a fresh transport for one connection attempt.
type DialFunc func(cfg websocket.Config) Conn

// Device is one registered Core device: its endpoint, dispatcher, state
// store and reconnect loop. A device keeps its queue and state whether or
// not it is the registry's active device.
type Device struct {
	id       string
	endpoint string
	log      *slog.Logger
	dial     DialFunc

	dispatcher *dispatcher.Dispatcher
	state      *state.Store
	rateLimit  *websocket.RateLimitConfig
	backoff    *backoff

	onNotification func(deviceID string, n zapclient.Notification)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// reconnectCh coalesces reconnect triggers; at most one pending.
	reconnectCh chan struct{}

	mu            sync.Mutex
	transport     Conn
	paused        bool
	closed        bool
	everConnected bool
}

func newDevice(id, address string, r *Registry) *Device {
	ctx, cancel := context.WithCancel(context.Background())
	d := &Device{
		id:             id,
		log:            r.log.With("device", id),
		dial:           r.dialFunc,
		dispatcher:     dispatcher.New(r.dispatcherCfg),
		state:          state.New(r.stateCfg),
		rateLimit:      r.rateLimit,
		backoff:        newBackoff(r.reconnectMin, r.reconnectMax),
		onNotification: r.publishNotification,
		ctx:            ctx,
		cancel:         cancel,
		reconnectCh:    make(chan struct{}, 1),
	}
	d.state.OnChange(func(s zapclient.ConnectionState) {
		r.publishState(id, s)
	})

	endpoint, err := config.ParseEndpoint(address)
	if err != nil {
		// Configuration faults surface through the state machine, not as
		// a returned error; the device exists but cannot connect.
		d.state.Fail(err.Error())
	} else {
		d.endpoint = endpoint
	}

	d.wg.Add(1)
	go d.reconnectLoop()
	return d
}

// ID returns the registry key for the device.
func (d *Device) ID() string { return d.id }

// Endpoint returns the resolved WebSocket URL, or "" if the configured
// address was invalid.
func (d *Device) Endpoint() string { return d.endpoint }

// State returns the device's externally visible connection state.
func (d *Device) State() zapclient.ConnectionState { return d.state.State() }

// Connected reports whether the visible state is CONNECTED.
func (d *Device) Connected() bool { return d.state.Connected() }

// ErrorMessage returns the configuration/protocol fault message when the
// state is ERROR.
func (d *Device) ErrorMessage() string { return d.state.ErrorMessage() }

// Call issues a JSON-RPC request on this device. See zapclient.Client.
func (d *Device) Call(ctx context.Context, method string, params any) (*zapclient.Result, error) {
	return d.dispatcher.Call(ctx, method, params)
}

// CallWithTracking issues a request and exposes its correlation id.
func (d *Device) CallWithTracking(ctx context.Context, method string, params any) (*zapclient.PendingCall, error) {
	return d.dispatcher.CallWithTracking(ctx, method, params)
}

// PendingCount returns calls awaiting a response, including queued ones.
func (d *Device) PendingCount() int { return d.dispatcher.PendingCount() }

// QueuedCount returns calls waiting for a connection.
func (d *Device) QueuedCount() int { return d.dispatcher.QueuedCount() }

// Reset rejects every pending call on this device.
func (d *Device) Reset() { d.dispatcher.Reset() }

// FlushQueue drains the device's offline queue if its transport is
// connected. The registry does this automatically on reconnect.
func (d *Device) FlushQueue() { d.dispatcher.FlushQueue() }

// Connect starts connecting. The first attempt reports CONNECTING;
// later ones report RECONNECTING (debounced when the link was healthy).
func (d *Device) Connect() {
	d.mu.Lock()
	if d.closed || d.endpoint == "" {
		d.mu.Unlock()
		return
	}
	ever := d.everConnected
	d.mu.Unlock()

	if ever {
		d.state.Set(zapclient.StateReconnecting)
	} else {
		d.state.Set(zapclient.StateConnecting)
	}
	d.triggerReconnect()
}

// Disconnect tears down the transport without rejecting queued calls and
// stops reconnection until the next Connect.
func (d *Device) Disconnect() {
	d.mu.Lock()
	tr := d.transport
	d.transport = nil
	d.mu.Unlock()

	if tr != nil {
		tr.Close()
	}
	d.state.Set(zapclient.StateDisconnected)
}

// close shuts the device down for removal: every pending call rejects,
// the grace timer is cleared, and the reconnect loop exits.
func (d *Device) close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	tr := d.transport
	d.transport = nil
	d.mu.Unlock()

	d.cancel()
	if tr != nil {
		tr.Close()
	}
	d.dispatcher.Reset()
	// Teardown only clears the grace timer; no further state change is
	// published for a device that no longer exists.
	d.state.ClearGracePeriod()
	d.wg.Wait()
}

// pause suspends reconnect attempts; queued work is kept.
func (d *Device) pause() {
	d.mu.Lock()
	d.paused = true
	d.mu.Unlock()
}

// resume re-enables reconnects and kicks one off if the link is down.
func (d *Device) resume() {
	d.mu.Lock()
	d.paused = false
	connected := d.transport != nil && d.transport.IsConnected()
	ever := d.everConnected
	closed := d.closed || d.endpoint == ""
	d.mu.Unlock()

	if closed || connected || !ever {
		return
	}
	d.state.Set(zapclient.StateReconnecting)
	d.triggerReconnect()
}

func (d *Device) triggerReconnect() {
	select {
	case d.reconnectCh <- struct{}{}:
	default:
		// Already pending.
	}
}

// reconnectLoop runs for the device's lifetime and serializes connection
// attempts.
func (d *Device) reconnectLoop() {
	defer d.wg.Done()

	for {
		select {
		case <-d.ctx.Done():
			return
		case <-d.reconnectCh:
			d.attemptConnect()
		}
	}
}

// attemptConnect dials with backoff until connected, paused, or closed.
func (d *Device) attemptConnect() {
	for {
		d.mu.Lock()
		if d.closed || d.paused {
			d.mu.Unlock()
			return
		}
		if d.transport != nil && d.transport.IsConnected() {
			d.mu.Unlock()
			return
		}
		st := d.state.State()
		if st == zapclient.StateDisconnected || st == zapclient.StateError {
			// An explicit Disconnect or a configuration fault landed while
			// we were waiting; stop trying.
			d.mu.Unlock()
			return
		}
		d.mu.Unlock()

		tr := d.dial(websocket.Config{
			URL:       d.endpoint,
			RateLimit: d.rateLimit,
			Logger:    d.log,
			Events: websocket.Events{
				OnClose:   d.handleClose,
				OnError:   d.handleError,
				OnMessage: d.handleMessage,
			},
		})

		dialCtx, cancel := context.WithTimeout(d.ctx, dialAttemptTimeout)
		err := tr.Dial(dialCtx)
		cancel()

		if err == nil {
			d.mu.Lock()
			d.transport = tr
			d.everConnected = true
			d.mu.Unlock()

			d.backoff.Reset()
			d.dispatcher.SetTransport(tr)
			d.state.Set(zapclient.StateConnected)
			d.dispatcher.FlushQueue()
			return
		}

		delay := d.backoff.Next()
		d.log.Debug("connect attempt failed", "attempt", d.backoff.Attempts(), "retry_in", delay, "err", err)

		select {
		case <-d.ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// handleClose reacts to the transport dying underneath us.
func (d *Device) handleClose(err error) {
	d.mu.Lock()
	d.transport = nil
	paused := d.paused
	closed := d.closed
	d.mu.Unlock()

	if closed {
		return
	}
	if err == nil || paused {
		// Voluntary close, or backgrounded: no automatic reconnection.
		d.state.Set(zapclient.StateDisconnected)
		return
	}

	d.state.Set(zapclient.StateReconnecting)
	d.triggerReconnect()
}

func (d *Device) handleError(err error) {
	d.log.Warn("transport error", "err", err)
}

// handleMessage feeds every inbound frame through the dispatcher exactly
// once; notifications fan out to registry subscribers.
func (d *Device) handleMessage(data []byte) {
	note, err := d.dispatcher.ProcessReceived(data)
	if err != nil {
		d.log.Warn("discarding invalid frame", "err", err)
		return
	}
	if note != nil && d.onNotification != nil {
		d.onNotification(d.id, *note)
	}
}
