// Package reconnect computes reconnection delays.
package reconnect

import "time"

const (
	DefaultBase = time.Second
	DefaultCap  = 300 * time.Second
)

// Delay returns min(base * 2^attempt, cap).
func Delay(attempt int, base, limit time.Duration) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	if base <= 0 {
		return 0
	}
	d := base
	for i := 0; i < attempt; i++ {
		if d >= limit {
			return limit
		}
		d *= 2
	}
	if d > limit {
		return limit
	}
	return d
}

// DefaultDelay is Delay with the 1s base and 300s cap.
func DefaultDelay(attempt int) time.Duration {
	return Delay(attempt, DefaultBase, DefaultCap)
}

// Counter tracks consecutive failed connection attempts.
// It is not safe for concurrent use; the connection manager owns it.
type Counter struct {
	Base        time.Duration
	Cap         time.Duration
	MaxAttempts int // 0 retries forever

	attempt int
}

// NewCounter returns a counter with the given policy. Zero values select defaults.
func NewCounter(base, limit time.Duration, maxAttempts int) *Counter {
	if base <= 0 {
		base = DefaultBase
	}
	if limit <= 0 {
		limit = DefaultCap
	}
	return &Counter{Base: base, Cap: limit, MaxAttempts: maxAttempts}
}

// Next returns the delay for the current attempt and advances the counter.
// ok is false once MaxAttempts delays have been handed out.
func (c *Counter) Next() (delay time.Duration, ok bool) {
	if c.MaxAttempts > 0 && c.attempt >= c.MaxAttempts {
		return 0, false
	}
	delay = Delay(c.attempt, c.Base, c.Cap)
	c.attempt++
	return delay, true
}

// Peek returns the delay Next would hand out without advancing.
func (c *Counter) Peek() time.Duration {
	return Delay(c.attempt, c.Base, c.Cap)
}

// Attempt is the number of delays handed out since the last Reset.
func (c *Counter) Attempt() int {
	return c.attempt
}

// Reset is called after every successful transition to Ready.
func (c *Counter) Reset() {
	c.attempt = 0
}
