// Package dispatcher implements the JSON-RPC request/response core: call
// correlation, the offline queue with its staleness TTL, per-call
// timeouts, cancellation and reset.
package dispatcher

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	zapclient "github.com/ZaparooProject/zaparoo-app-go"
	"github.com/ZaparooProject/zaparoo-app-go/internal/jsonrpc"
)

// Config holds dispatcher tuning. Zero values fall back to the protocol
// defaults.
type Config struct {
	// CallTimeout bounds every call, sent or queued. Default 30s.
	CallTimeout time.Duration

	// QueueTTL is the maximum age a queued call may reach before it is
	// dropped instead of sent. Default 10s.
	QueueTTL time.Duration

	// Logger receives debug/warn events. Nil discards.
	Logger *slog.Logger
}

// DefaultConfig returns the protocol-default timeouts.
func DefaultConfig() Config {
	return Config{
		CallTimeout: 30 * time.Second,
		QueueTTL:    10 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.CallTimeout <= 0 {
		c.CallTimeout = d.CallTimeout
	}
	if c.QueueTTL <= 0 {
		c.QueueTTL = d.QueueTTL
	}
	if c.Logger == nil {
		c.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return c
}

// outcome is the terminal value of one call.
type outcome struct {
	result *zapclient.Result
	err    error
}

// pendingRequest tracks one outstanding correlation id. An entry is either
// queued (awaiting a connection) or sent (awaiting a response), never both.
type pendingRequest struct {
	id         string
	method     string
	frame      []byte
	enqueuedAt time.Time
	ctx        context.Context
	done       chan outcome
	timeout    *time.Timer
	queued     bool
}

// Dispatcher implements zapclient.Client.
var _ zapclient.Client = (*Dispatcher)(nil)

// Dispatcher owns the pending-request map and the offline queue. All
// mutation goes through its methods under a single mutex, so sends happen
// in call order and a flush can never interleave with another flush.
type Dispatcher struct {
	mu        sync.Mutex
	cfg       Config
	log       *slog.Logger
	transport zapclient.Transport
	pending   map[string]*pendingRequest
	queue     []*pendingRequest
}

// New creates a dispatcher with no transport attached. Calls made before
// SetTransport are queued.
func New(cfg Config) *Dispatcher {
	cfg = cfg.withDefaults()
	return &Dispatcher{
		cfg:     cfg,
		log:     cfg.Logger,
		pending: make(map[string]*pendingRequest),
	}
}

// SetTransport swaps the transport used for subsequent sends. It does not
// flush the queue; the registry does that once the transport reports
// connected.
func (d *Dispatcher) SetTransport(t zapclient.Transport) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.transport = t
}

// Call issues a request and blocks until it completes.
func (d *Dispatcher) Call(ctx context.Context, method string, params any) (*zapclient.Result, error) {
	pc, err := d.CallWithTracking(ctx, method, params)
	if err != nil {
		return nil, err
	}
	return pc.Wait(ctx)
}

// CallWithTracking issues a request and returns a handle carrying the
// correlation id, for callers that need to cancel out-of-band (such as
// "write.cancel" for an in-progress tag write).
func (d *Dispatcher) CallWithTracking(ctx context.Context, method string, params any) (*zapclient.PendingCall, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	// An already-cancelled context never touches the transport.
	if ctx.Err() != nil {
		return zapclient.NewPendingCall("", func(context.Context) (*zapclient.Result, error) {
			return &zapclient.Result{Cancelled: true}, nil
		}), nil
	}

	req := jsonrpc.NewRequest(method, params)
	frame, err := req.Encode()
	if err != nil {
		return nil, err
	}

	p := &pendingRequest{
		id:         req.ID,
		method:     method,
		frame:      frame,
		enqueuedAt: time.Now(),
		ctx:        ctx,
		done:       make(chan outcome, 1),
	}

	d.mu.Lock()
	d.pending[p.id] = p
	p.timeout = time.AfterFunc(d.cfg.CallTimeout, func() {
		d.expire(p.id)
	})

	if d.transport != nil && d.transport.IsConnected() {
		if err := d.transport.Send(string(p.frame)); err != nil {
			d.removeLocked(p)
			d.mu.Unlock()
			return nil, fmt.Errorf("%w: %s: %v", zapclient.ErrSendFailed, method, err)
		}
		d.log.Debug("request sent", "method", method, "id", p.id)
	} else {
		p.queued = true
		d.queue = append(d.queue, p)
		d.log.Debug("request queued", "method", method, "id", p.id)
	}
	d.mu.Unlock()

	return zapclient.NewPendingCall(p.id, func(waitCtx context.Context) (*zapclient.Result, error) {
		return d.wait(p, waitCtx)
	}), nil
}

// wait blocks until the request completes or one of its contexts is
// cancelled. Cancellation resolves with the sentinel, not an error, and
// drops the local entry; a response arriving later is logged as unmatched.
func (d *Dispatcher) wait(p *pendingRequest, waitCtx context.Context) (*zapclient.Result, error) {
	if waitCtx == nil {
		waitCtx = context.Background()
	}
	select {
	case out := <-p.done:
		return out.result, out.err
	case <-p.ctx.Done():
	case <-waitCtx.Done():
	}

	d.mu.Lock()
	d.removeLocked(p)
	d.mu.Unlock()

	// The completion may have raced the cancellation; prefer it.
	select {
	case out := <-p.done:
		return out.result, out.err
	default:
	}
	return &zapclient.Result{Cancelled: true}, nil
}

// ProcessReceived parses one inbound frame and routes it: heartbeats are
// dropped, responses complete their pending call, frames without an id are
// returned as notifications.
func (d *Dispatcher) ProcessReceived(raw []byte) (*zapclient.Notification, error) {
	if jsonrpc.IsHeartbeat(raw) {
		return nil, nil
	}

	msg, err := jsonrpc.Decode(raw)
	if err != nil {
		return nil, err
	}

	if !msg.HasID {
		return &zapclient.Notification{Method: msg.Method, Params: msg.Params}, nil
	}

	d.mu.Lock()
	p, ok := d.pending[msg.ID]
	if ok {
		d.removeLocked(p)
	}
	d.mu.Unlock()

	if !ok {
		// Expected after local cancellation or reset; not an error.
		d.log.Warn("unmatched response", "id", msg.ID)
		return nil, nil
	}

	if msg.Error != nil {
		d.complete(p, outcome{err: msg.Error})
	} else {
		d.complete(p, outcome{result: &zapclient.Result{Raw: msg.Result}})
	}
	return nil, nil
}

// FlushQueue drains the offline queue once. Entries whose context was
// cancelled or whose age reached the TTL resolve with the cancellation
// sentinel and are never sent; the rest go out in enqueue order and stay
// in the pending map awaiting their responses.
func (d *Dispatcher) FlushQueue() {
	d.mu.Lock()
	defer d.mu.Unlock()

	queue := d.queue
	d.queue = nil

	for _, p := range queue {
		if !p.queued {
			continue
		}
		p.queued = false

		if p.ctx.Err() != nil || time.Since(p.enqueuedAt) >= d.cfg.QueueTTL {
			delete(d.pending, p.id)
			p.timeout.Stop()
			d.log.Warn("stale queued request dropped", "method", p.method, "id", p.id)
			d.complete(p, outcome{result: &zapclient.Result{Cancelled: true}})
			continue
		}

		if d.transport == nil || !d.transport.IsConnected() {
			// Connection went away between the flush trigger and now; put
			// the entry back for the next flush.
			p.queued = true
			d.queue = append(d.queue, p)
			continue
		}

		if err := d.transport.Send(string(p.frame)); err != nil {
			delete(d.pending, p.id)
			p.timeout.Stop()
			d.complete(p, outcome{err: fmt.Errorf("%w: %s: %v", zapclient.ErrSendFailed, p.method, err)})
			continue
		}
		d.log.Debug("queued request sent", "method", p.method, "id", p.id)
	}
}

// Reset rejects every pending call, queued or awaiting a response, and
// clears all bookkeeping. Safe to call at any time, including twice.
func (d *Dispatcher) Reset() {
	d.mu.Lock()
	pending := d.pending
	d.pending = make(map[string]*pendingRequest)
	d.queue = nil
	d.mu.Unlock()

	for _, p := range pending {
		p.timeout.Stop()
		p.queued = false
		d.complete(p, outcome{err: zapclient.ErrConnectionReset})
	}
}

// PendingCount returns the number of calls awaiting a response, including
// queued ones.
func (d *Dispatcher) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// QueuedCount returns the number of calls waiting for a connection.
func (d *Dispatcher) QueuedCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, p := range d.queue {
		if p.queued {
			n++
		}
	}
	return n
}

// expire is the call-timeout path.
func (d *Dispatcher) expire(id string) {
	d.mu.Lock()
	p, ok := d.pending[id]
	if ok {
		d.removeLocked(p)
	}
	d.mu.Unlock()

	if ok {
		d.log.Warn("request timed out", "method", p.method, "id", id)
		d.complete(p, outcome{err: zapclient.ErrRequestTimeout})
	}
}

// removeLocked drops the entry from the pending map and, if still queued,
// from the queue. Caller holds d.mu.
func (d *Dispatcher) removeLocked(p *pendingRequest) {
	delete(d.pending, p.id)
	if p.timeout != nil {
		p.timeout.Stop()
	}
	if p.queued {
		p.queued = false
		for i, q := range d.queue {
			if q == p {
				d.queue = append(d.queue[:i], d.queue[i+1:]...)
				break
			}
		}
	}
}

// complete delivers the outcome exactly once; the channel is buffered so
// delivery never blocks even with no waiter.
func (d *Dispatcher) complete(p *pendingRequest, out outcome) {
	select {
	case p.done <- out:
	default:
	}
}
