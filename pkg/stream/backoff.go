package stream

import (
	"math"
	"time"
)

// Backoff yields capped exponential reconnect delays:
// min(Initial * Multiplier^attempts, Max). It is not safe for concurrent use;
// the socket guards it with its own mutex.
type Backoff struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64

	attempts int
}

func NewBackoff(initial, max time.Duration, multiplier float64) *Backoff {
	if multiplier < 1 {
		multiplier = 1
	}
	return &Backoff{Initial: initial, Max: max, Multiplier: multiplier}
}

// Next returns the delay for the current attempt and advances the counter.
func (b *Backoff) Next() time.Duration {
	d := float64(b.Initial) * math.Pow(b.Multiplier, float64(b.attempts))
	if d > float64(b.Max) || math.IsInf(d, 0) {
		d = float64(b.Max)
	}
	b.attempts++
	return time.Duration(d)
}

// Reset is called only after a successful open.
func (b *Backoff) Reset() {
	b.attempts = 0
}

func (b *Backoff) Attempts() int {
	return b.attempts
}
