// Package state holds the externally visible connection state for one
// device and applies the grace-period debounce: a transition away from
// CONNECTED is suppressed for a short window so transient link loss does
// not flicker the reported state.
package state

import (
	"io"
	"log/slog"
	"sync"
	"time"

	zapclient "github.com/ZaparooProject/zaparoo-app-go"
)

// DefaultGracePeriod is the delay before a loss of connection becomes
// visible when the link was previously healthy.
const DefaultGracePeriod = 2 * time.Second

// Config holds store tuning. Zero values fall back to defaults.
type Config struct {
	// GracePeriod is the debounce window. Default 2s.
	GracePeriod time.Duration

	// Logger receives state-change events. Nil discards.
	Logger *slog.Logger
}

// Store owns the connection state for one device and its single
// grace-period timer. All methods are safe for concurrent use.
type Store struct {
	mu sync.Mutex

	grace time.Duration
	log   *slog.Logger

	state  zapclient.ConnectionState
	errMsg string

	// Grace period bookkeeping. At most one timer exists at a time; the
	// generation counter makes a cancelled timer's late firing a no-op.
	timer         *time.Timer
	generation    uint64
	pendingTarget zapclient.ConnectionState
	pending       bool

	onChange func(zapclient.ConnectionState)
}

// New creates a store in the IDLE state.
func New(cfg Config) *Store {
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = DefaultGracePeriod
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Store{
		grace: cfg.GracePeriod,
		log:   cfg.Logger,
		state: zapclient.StateIdle,
	}
}

// State returns the externally visible state. While a grace period is
// pending this is still the previous CONNECTED state.
func (s *Store) State() zapclient.ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Connected reports whether the visible state is CONNECTED.
func (s *Store) Connected() bool {
	return s.State() == zapclient.StateConnected
}

// PendingDisconnection reports whether a grace-period timer is armed.
func (s *Store) PendingDisconnection() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

// ErrorMessage returns the human-readable message attached to the last
// transition into ERROR, or "" if the state is not ERROR.
func (s *Store) ErrorMessage() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != zapclient.StateError {
		return ""
	}
	return s.errMsg
}

// OnChange registers a callback invoked after each visible state change.
// The callback runs without the store lock held.
func (s *Store) OnChange(fn func(zapclient.ConnectionState)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = fn
}

// Set requests a transition to target.
//
// RECONNECTING and DISCONNECTED are delayed by the grace period when the
// current state is CONNECTED; every other combination applies immediately
// and cancels any armed grace timer. CONNECTED, CONNECTING and ERROR are
// never delayed.
func (s *Store) Set(target zapclient.ConnectionState) {
	s.mu.Lock()

	if s.delayable(target) {
		// The link was healthy; keep reporting CONNECTED and arm (or
		// re-aim) the single grace timer.
		s.pendingTarget = target
		if !s.pending {
			s.pending = true
			s.armLocked()
		}
		s.log.Debug("grace period armed", "target", target.String(), "delay", s.grace)
		s.mu.Unlock()
		return
	}

	s.cancelLocked()
	s.applyLocked(target, "")
}

// Fail transitions to ERROR with a human-readable message. Never delayed.
func (s *Store) Fail(msg string) {
	s.mu.Lock()
	s.cancelLocked()
	s.applyLocked(zapclient.StateError, msg)
}

// ClearGracePeriod cancels any armed timer without changing the current
// state. Used on teardown so a stale timer cannot fire afterwards.
func (s *Store) ClearGracePeriod() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelLocked()
}

// delayable reports whether the target transition gets a grace period.
// Caller holds s.mu.
func (s *Store) delayable(target zapclient.ConnectionState) bool {
	if target != zapclient.StateReconnecting && target != zapclient.StateDisconnected {
		return false
	}
	// Only a previously healthy link is worth protecting. A pending grace
	// period means the visible state is still CONNECTED.
	return s.state == zapclient.StateConnected
}

// armLocked starts the grace timer for the current generation. Caller
// holds s.mu and has set pending/pendingTarget.
func (s *Store) armLocked() {
	gen := s.generation
	s.timer = time.AfterFunc(s.grace, func() {
		s.fire(gen)
	})
}

// cancelLocked stops and forgets the timer. Bumping the generation makes
// an already-scheduled fire a no-op. Caller holds s.mu.
func (s *Store) cancelLocked() {
	s.generation++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.pending = false
}

// fire applies the delayed target when the grace period elapses.
func (s *Store) fire(gen uint64) {
	s.mu.Lock()
	if gen != s.generation || !s.pending {
		s.mu.Unlock()
		return
	}
	s.pending = false
	s.timer = nil
	s.applyLocked(s.pendingTarget, "")
}

// applyLocked commits the transition and releases the lock before the
// change callback runs.
func (s *Store) applyLocked(target zapclient.ConnectionState, errMsg string) {
	old := s.state
	s.state = target
	s.errMsg = errMsg
	fn := s.onChange
	s.mu.Unlock()

	if old != target {
		s.log.Debug("connection state changed", "from", old.String(), "to", target.String())
		if fn != nil {
			fn(target)
		}
	}
}
