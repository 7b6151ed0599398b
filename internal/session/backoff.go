package session

import "time"

const (
	DefaultBaseDelay   = 1 * time.Second
	DefaultCapDelay    = 30 * time.Second
	DefaultMaxAttempts = 5
)

// Backoff is a capped exponential reconnect policy.
type Backoff struct {
	Base        time.Duration
	Cap         time.Duration
	MaxAttempts int
}

func (b Backoff) withDefaults() Backoff {
	if b.Base <= 0 {
		b.Base = DefaultBaseDelay
	}
	if b.Cap <= 0 {
		b.Cap = DefaultCapDelay
	}
	if b.MaxAttempts <= 0 {
		b.MaxAttempts = DefaultMaxAttempts
	}
	return b
}

// Delay returns min(Base * 2^(attempt-1), Cap) for attempt >= 1.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := b.Base
	for i := 1; i < attempt; i++ {
		if d >= b.Cap {
			break
		}
		d *= 2
	}
	if d > b.Cap {
		return b.Cap
	}
	return d
}
