package retry

import "time"

// Backoff produces a bounded, doubling delay for loops that retry forever,
// such as a watch loop that keeps polling an unreachable server.
// It is not safe for concurrent use.
type Backoff struct {
	Base time.Duration
	Max  time.Duration

	current time.Duration
}

// NewBackoff creates a Backoff starting at base and capped at max.
func NewBackoff(base, max time.Duration) *Backoff {
	return &Backoff{Base: base, Max: max}
}

// Next returns the delay to wait now and advances the sequence.
func (b *Backoff) Next() time.Duration {
	if b.current <= 0 {
		b.current = b.Base
	} else {
		b.current *= 2
	}
	if b.current > b.Max || b.current <= 0 {
		b.current = b.Max
	}
	return b.current
}

// Reset restarts the sequence from Base.
func (b *Backoff) Reset() {
	b.current = 0
}
