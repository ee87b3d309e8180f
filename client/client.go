// Package client assembles the transport, dispatcher, state store and
// device registry into the client handle the app uses to talk to Core
// devices.
package client

import (
	"context"
	"log/slog"
	"time"

	zapclient "github.com/ZaparooProject/zaparoo-app-go"
	"github.com/ZaparooProject/zaparoo-app-go/config"
	"github.com/ZaparooProject/zaparoo-app-go/internal/dispatcher"
	"github.com/ZaparooProject/zaparoo-app-go/internal/registry"
	"github.com/ZaparooProject/zaparoo-app-go/internal/state"
	"github.com/ZaparooProject/zaparoo-app-go/internal/websocket"
)

// Re-exports so consumers only import this package.
type (
	RateLimitConfig  = websocket.RateLimitConfig
	Subscription     = registry.Subscription
	Device           = registry.Device
	NotificationFunc = registry.NotificationFunc
	StateFunc        = registry.StateFunc
)

// DefaultRateLimitConfig allows 100 inbound messages per second with burst
// of 200.
func DefaultRateLimitConfig() *RateLimitConfig {
	return websocket.DefaultRateLimitConfig()
}

// NoRateLimit disables inbound rate limiting.
func NoRateLimit() *RateLimitConfig {
	return websocket.NoRateLimit()
}

// Config configures a Client. Zero durations fall back to the protocol
// defaults (30s call timeout, 10s queue TTL, 2s grace period).
type Config struct {
	// Address is the initial device's "host[:port]" endpoint. Optional if
	// devices are added later.
	Address string

	// DeviceID names the initial device in the registry.
	DeviceID string

	// Logger receives client events. Nil discards.
	Logger *slog.Logger

	// CallTimeout bounds every call, sent or queued.
	CallTimeout time.Duration

	// QueueTTL is the maximum age of a queued call before it is dropped.
	QueueTTL time.Duration

	// GracePeriod debounces transitions away from CONNECTED.
	GracePeriod time.Duration

	// RateLimit bounds inbound message processing per connection.
	RateLimit *RateLimitConfig

	// ReconnectDelayMin/Max bound the reconnect backoff.
	ReconnectDelayMin time.Duration
	ReconnectDelayMax time.Duration
}

// NewConfig returns a Config for a single device at address.
func NewConfig(address string) *Config {
	return &Config{Address: address, DeviceID: "core"}
}

// Client drives one or more Core devices. Calls go to the active device;
// every registered device keeps its own connection, queue and state.
type Client struct {
	registry *registry.Registry
}

// New creates a Client. If cfg.Address is set, a device is registered and
// becomes active; an unparseable address is reported through that
// device's ERROR state rather than an error return.
func New(cfg *Config) (*Client, error) {
	if cfg == nil {
		cfg = &Config{}
	}

	c := &Client{
		registry: registry.New(registry.Config{
			Logger: cfg.Logger,
			Dispatcher: dispatcher.Config{
				CallTimeout: cfg.CallTimeout,
				QueueTTL:    cfg.QueueTTL,
				Logger:      cfg.Logger,
			},
			State: state.Config{
				GracePeriod: cfg.GracePeriod,
				Logger:      cfg.Logger,
			},
			RateLimit:         cfg.RateLimit,
			ReconnectDelayMin: cfg.ReconnectDelayMin,
			ReconnectDelayMax: cfg.ReconnectDelayMax,
		}),
	}

	if cfg.Address != "" {
		id := cfg.DeviceID
		if id == "" {
			id = "core"
		}
		if _, err := c.registry.AddDevice(id, cfg.Address); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// NewFromFile creates a Client from a YAML device configuration file.
func NewFromFile(path string, cfg *Config) (*Client, error) {
	f, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	if cfg == nil {
		cfg = &Config{}
	}
	cfg.Address = ""
	c, err := New(cfg)
	if err != nil {
		return nil, err
	}

	for _, d := range f.Devices {
		if _, err := c.registry.AddDevice(d.ID, d.Address); err != nil {
			c.Close()
			return nil, err
		}
	}
	if f.Active != "" {
		if err := c.registry.SetActive(f.Active); err != nil {
			c.Close()
			return nil, err
		}
	}
	return c, nil
}

// Connect starts connecting the active device.
func (c *Client) Connect() {
	if d := c.registry.Active(); d != nil {
		d.Connect()
	}
}

// Disconnect tears down the active device's transport without discarding
// its queued calls.
func (c *Client) Disconnect() {
	if d := c.registry.Active(); d != nil {
		d.Disconnect()
	}
}

// Close destroys every device; all pending calls reject.
func (c *Client) Close() {
	c.registry.Close()
}

// AddDevice registers an additional device.
func (c *Client) AddDevice(id, address string) (*Device, error) {
	return c.registry.AddDevice(id, address)
}

// RemoveDevice destroys a device and rejects its pending calls.
func (c *Client) RemoveDevice(id string) error {
	return c.registry.RemoveDevice(id)
}

// SetActive switches which device receives calls.
func (c *Client) SetActive(id string) error {
	return c.registry.SetActive(id)
}

// Device returns a registered device by id.
func (c *Client) Device(id string) (*Device, bool) {
	return c.registry.Device(id)
}

// Active returns the active device, or nil.
func (c *Client) Active() *Device {
	return c.registry.Active()
}

// State returns the active device's connection state, or IDLE with no
// device.
func (c *Client) State() zapclient.ConnectionState {
	if d := c.registry.Active(); d != nil {
		return d.State()
	}
	return zapclient.StateIdle
}

// Connected reports whether the active device is CONNECTED.
func (c *Client) Connected() bool {
	return c.State().Connected()
}

// Call issues a JSON-RPC request on the active device.
func (c *Client) Call(ctx context.Context, method string, params any) (*zapclient.Result, error) {
	d := c.registry.Active()
	if d == nil {
		return nil, zapclient.ErrNoEndpoint
	}
	return d.Call(ctx, method, params)
}

// CallWithTracking issues a request on the active device and exposes its
// correlation id.
func (c *Client) CallWithTracking(ctx context.Context, method string, params any) (*zapclient.PendingCall, error) {
	d := c.registry.Active()
	if d == nil {
		return nil, zapclient.ErrNoEndpoint
	}
	return d.CallWithTracking(ctx, method, params)
}

// Reset rejects every pending call on the active device.
func (c *Client) Reset() {
	if d := c.registry.Active(); d != nil {
		d.Reset()
	}
}

// PauseAll suspends reconnection for every device (app backgrounded).
func (c *Client) PauseAll() {
	c.registry.PauseAll()
}

// ResumeAll re-enables reconnection (app foregrounded).
func (c *Client) ResumeAll() {
	c.registry.ResumeAll()
}

// OnNotification subscribes to server notifications from every device.
func (c *Client) OnNotification(fn NotificationFunc) *Subscription {
	return c.registry.OnNotification(fn)
}

// OnStateChange subscribes to connection-state changes from every device.
func (c *Client) OnStateChange(fn StateFunc) *Subscription {
	return c.registry.OnStateChange(fn)
}
