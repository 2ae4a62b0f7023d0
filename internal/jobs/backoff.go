package jobs

import "time"

// Poll backoff tuning. The delay grows geometrically from the base on every
// failed or progress-less poll and is capped at the max.
const (
	BackoffBase   = 1500 * time.Millisecond
	BackoffFactor = 1.6
	BackoffMax    = 30 * time.Second
)

// ResetBackoff returns a fresh backoff state at the base delay.
func ResetBackoff() *Backoff {
	return &Backoff{Attempts: 0, NextDelay: BackoffBase}
}

// NextBackoff advances the backoff state. A nil previous state advances from
// the base delay.
func NextBackoff(prev *Backoff) *Backoff {
	attempts := 1
	delay := BackoffBase
	if prev != nil {
		attempts = prev.Attempts + 1
		delay = prev.NextDelay
	}
	next := time.Duration(float64(delay) * BackoffFactor)
	if next > BackoffMax {
		next = BackoffMax
	}
	return &Backoff{Attempts: attempts, NextDelay: next}
}
