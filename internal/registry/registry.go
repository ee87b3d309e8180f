// Package registry owns the set of configured Core devices: each gets its
// own transport, dispatcher and state store. Exactly one device is active
// at a time; switching does not discard the others' queued work. PauseAll
// and ResumeAll suspend reconnection while the app is backgrounded.
package registry

import (
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	zapclient "github.com/ZaparooProject/zaparoo-app-go"
	"github.com/ZaparooProject/zaparoo-app-go/internal/dispatcher"
	"github.com/ZaparooProject/zaparoo-app-go/internal/state"
	"github.com/ZaparooProject/zaparoo-app-go/internal/websocket"
)

// Config configures a Registry and the devices it creates.
type Config struct {
	// Logger is shared by the registry and its devices. Nil discards.
	Logger *slog.Logger

	// Dispatcher overrides the per-device dispatcher timeouts.
	Dispatcher dispatcher.Config

	// State overrides the grace-period duration.
	State state.Config

	// RateLimit bounds inbound messages per device connection.
	RateLimit *websocket.RateLimitConfig

	// ReconnectDelayMin/Max bound the reconnect backoff.
	ReconnectDelayMin time.Duration
	ReconnectDelayMax time.Duration

	// Dial replaces the websocket transport factory in tests.
	Dial DialFunc
}

// NotificationFunc receives server-initiated notifications from any
// registered device.
type NotificationFunc func(deviceID string, n zapclient.Notification)

// StateFunc receives visible state changes from any registered device.
type StateFunc func(deviceID string, s zapclient.ConnectionState)

// Subscription is an explicit handle for a registered callback. Cancel
// unregisters it; a cancelled subscription never fires again.
type Subscription struct {
	once   sync.Once
	cancel func()
}

// Cancel unregisters the subscription. Safe to call more than once.
func (s *Subscription) Cancel() {
	s.once.Do(s.cancel)
}

// Registry owns zero or more named devices and tracks the active one.
type Registry struct {
	log           *slog.Logger
	dispatcherCfg dispatcher.Config
	stateCfg      state.Config
	rateLimit     *websocket.RateLimitConfig
	reconnectMin  time.Duration
	reconnectMax  time.Duration
	dialFunc      DialFunc

	mu        sync.RWMutex
	devices   map[string]*Device
	activeID  string
	paused    bool
	nextSub   uint64
	noteSubs  map[uint64]NotificationFunc
	stateSubs map[uint64]StateFunc
}

// New creates an empty registry.
func New(cfg Config) *Registry {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.Dial == nil {
		cfg.Dial = func(wcfg websocket.Config) Conn {
			return websocket.New(wcfg)
		}
	}
	return &Registry{
		log:           cfg.Logger,
		dispatcherCfg: cfg.Dispatcher,
		stateCfg:      cfg.State,
		rateLimit:     cfg.RateLimit,
		reconnectMin:  cfg.ReconnectDelayMin,
		reconnectMax:  cfg.ReconnectDelayMax,
		dialFunc:      cfg.Dial,
		devices:       make(map[string]*Device),
		noteSubs:      make(map[uint64]NotificationFunc),
		stateSubs:     make(map[uint64]StateFunc),
	}
}

// AddDevice registers a device under id. An unparseable address does not
// fail the call; the device is created in the ERROR state so the fault is
// visible through the state machine. The first device added becomes
// active.
func (r *Registry) AddDevice(id, address string) (*Device, error) {
	if id == "" {
		return nil, fmt.Errorf("device id must not be empty")
	}

	r.mu.Lock()
	if _, exists := r.devices[id]; exists {
		r.mu.Unlock()
		return nil, fmt.Errorf("device %q already registered", id)
	}
	paused := r.paused
	r.mu.Unlock()

	// Created outside the lock: the device's state callback publishes
	// through the registry.
	d := newDevice(id, address, r)
	if paused {
		d.pause()
	}

	r.mu.Lock()
	if _, exists := r.devices[id]; exists {
		r.mu.Unlock()
		d.close()
		return nil, fmt.Errorf("device %q already registered", id)
	}
	r.devices[id] = d
	if r.activeID == "" {
		r.activeID = id
	}
	r.mu.Unlock()

	r.log.Debug("device registered", "device", id)
	return d, nil
}

// RemoveDevice destroys a device: its transport closes, every pending
// call rejects, and its grace timer is cleared. Removing the active
// device leaves the registry with no active device.
func (r *Registry) RemoveDevice(id string) error {
	r.mu.Lock()
	d, ok := r.devices[id]
	if !ok {
		r.mu.Unlock()
		return zapclient.ErrDeviceNotFound
	}
	delete(r.devices, id)
	if r.activeID == id {
		r.activeID = ""
	}
	r.mu.Unlock()

	d.close()
	r.log.Debug("device removed", "device", id)
	return nil
}

// Device returns the device registered under id.
func (r *Registry) Device(id string) (*Device, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.devices[id]
	return d, ok
}

// SetActive switches which device receives calls. The previous active
// device keeps its transport, queue and state.
func (r *Registry) SetActive(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.devices[id]; !ok {
		return zapclient.ErrDeviceNotFound
	}
	r.activeID = id
	return nil
}

// Active returns the active device, or nil if none is set.
func (r *Registry) Active() *Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.activeID == "" {
		return nil
	}
	return r.devices[r.activeID]
}

// Devices returns a snapshot of all registered devices.
func (r *Registry) Devices() []*Device {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Device, 0, len(r.devices))
	for _, d := range r.devices {
		out = append(out, d)
	}
	return out
}

// PauseAll suspends reconnection for every device, keeping queued work.
// Used when the app moves to the background.
func (r *Registry) PauseAll() {
	r.mu.Lock()
	r.paused = true
	devices := r.snapshotLocked()
	r.mu.Unlock()

	for _, d := range devices {
		d.pause()
	}
	r.log.Debug("registry paused")
}

// ResumeAll re-enables reconnection and kicks off attempts for devices
// whose link is down.
func (r *Registry) ResumeAll() {
	r.mu.Lock()
	r.paused = false
	devices := r.snapshotLocked()
	r.mu.Unlock()

	for _, d := range devices {
		d.resume()
	}
	r.log.Debug("registry resumed")
}

// OnNotification registers a callback for server notifications from any
// device. The returned subscription must be cancelled when the consumer
// goes away.
func (r *Registry) OnNotification(fn NotificationFunc) *Subscription {
	r.mu.Lock()
	id := r.nextSub
	r.nextSub++
	r.noteSubs[id] = fn
	r.mu.Unlock()

	return &Subscription{cancel: func() {
		r.mu.Lock()
		delete(r.noteSubs, id)
		r.mu.Unlock()
	}}
}

// OnStateChange registers a callback for visible connection-state changes
// on any device.
func (r *Registry) OnStateChange(fn StateFunc) *Subscription {
	r.mu.Lock()
	id := r.nextSub
	r.nextSub++
	r.stateSubs[id] = fn
	r.mu.Unlock()

	return &Subscription{cancel: func() {
		r.mu.Lock()
		delete(r.stateSubs, id)
		r.mu.Unlock()
	}}
}

// Close destroys every device and drops all subscriptions.
func (r *Registry) Close() {
	r.mu.Lock()
	devices := r.snapshotLocked()
	r.devices = make(map[string]*Device)
	r.activeID = ""
	r.noteSubs = make(map[uint64]NotificationFunc)
	r.stateSubs = make(map[uint64]StateFunc)
	r.mu.Unlock()

	for _, d := range devices {
		d.close()
	}
}

func (r *Registry) snapshotLocked() []*Device {
	out := make([]*Device, 0, len(r.devices))
	for _, d := range r.devices {
		out = append(out, d)
	}
	return out
}

func (r *Registry) publishNotification(deviceID string, n zapclient.Notification) {
	r.mu.RLock()
	subs := make([]NotificationFunc, 0, len(r.noteSubs))
	for _, fn := range r.noteSubs {
		subs = append(subs, fn)
	}
	r.mu.RUnlock()

	for _, fn := range subs {
		fn(deviceID, n)
	}
}

func (r *Registry) publishState(deviceID string, s zapclient.ConnectionState) {
	r.mu.RLock()
	subs := make([]StateFunc, 0, len(r.stateSubs))
	for _, fn := range r.stateSubs {
		subs = append(subs, fn)
	}
	r.mu.RUnlock()

	for _, fn := range subs {
		fn(deviceID, s)
	}
}
