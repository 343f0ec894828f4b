// ABOUTME: Reconnect backoff schedule for the realtime client
// ABOUTME: Delay is min(base * 2^attempts, max), bounded by a maximum attempt count

package client

import "time"

// Backoff configures reconnect scheduling.
type Backoff struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
}

// Delay returns the wait before reconnect attempt number attempts (0-based).
func (b Backoff) Delay(attempts int) time.Duration {
	if b.BaseDelay <= 0 {
		return 0
	}
	if attempts < 0 {
		attempts = 0
	}
	delay := b.BaseDelay
	for i := 0; i < attempts; i++ {
		delay *= 2
		if b.MaxDelay > 0 && delay >= b.MaxDelay {
			return b.MaxDelay
		}
	}
	if b.MaxDelay > 0 && delay > b.MaxDelay {
		return b.MaxDelay
	}
	return delay
}

// Schedule returns every delay the client would wait before giving up.
func (b Backoff) Schedule() []time.Duration {
	out := make([]time.Duration, 0, b.MaxAttempts)
	for i := 0; i < b.MaxAttempts; i++ {
		out = append(out, b.Delay(i))
	}
	return out
}
