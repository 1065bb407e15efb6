package upstream

import (
	"math/rand"
	"time"
)

// Backoff computes bounded exponential reconnect delays with jitter.
// The zero value is not usable; construct with NewBackoff.
type Backoff struct {
	base    time.Duration
	max     time.Duration
	attempt int
}

// NewBackoff creates a backoff starting at base and capped at max.
func NewBackoff(base, max time.Duration) *Backoff {
	if base <= 0 {
		base = time.Second
	}
	if max < base {
		max = base
	}
	return &Backoff{base: base, max: max}
}

// Next returns the delay for the next attempt and advances the counter.
// Each delay is half fixed, half uniformly jittered, so a burst of
// disconnected sessions does not redial in lockstep.
func (b *Backoff) Next() time.Duration {
	d := b.base << b.attempt
	if d > b.max || d <= 0 {
		d = b.max
	}
	b.attempt++
	half := d / 2
	return half + time.Duration(rand.Int63n(int64(half)+1))
}

// Reset returns the backoff to its floor. Called after a successful
// handshake.
func (b *Backoff) Reset() {
	b.attempt = 0
}

// Attempts returns how many delays have been handed out since the last
// reset.
func (b *Backoff) Attempts() int {
	return b.attempt
}
