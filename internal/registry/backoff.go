package registry

import "time"

// Reconnect delay bounds.
const (
	DefaultReconnectDelayMin = 1 * time.Second
	DefaultReconnectDelayMax = 30 * time.Second
)

// backoff computes exponential reconnect delays between a min and max.
// Not safe for concurrent use; each device owns one.
type backoff struct {
	min      time.Duration
	max      time.Duration
	attempts int
}

func newBackoff(min, max time.Duration) *backoff {
	if min <= 0 {
		min = DefaultReconnectDelayMin
	}
	if max < min {
		max = DefaultReconnectDelayMax
	}
	if max < min {
		max = min
	}
	return &backoff{min: min, max: max}
}

// Next returns the delay for the next attempt and advances the counter.
func (b *backoff) Next() time.Duration {
	shift := b.attempts
	if shift > 30 {
		shift = 30
	}
	d := b.min << shift
	if d <= 0 || d > b.max {
		d = b.max
	}
	b.attempts++
	return d
}

// Reset clears the attempt counter after a successful connection.
func (b *backoff) Reset() {
	b.attempts = 0
}

// Attempts returns the number of attempts since the last reset.
func (b *backoff) Attempts() int {
	return b.attempts
}
