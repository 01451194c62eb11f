package worker

import "time"

// circuitBreaker pauses delivery after repeated transient failures. It is
// owned by the dispatcher goroutine.
type circuitBreaker struct {
	threshold    int
	recoverAfter time.Duration
	failures     int
	lastFailure  time.Time
}

// retryAfter reports how long sending stays paused. Zero means closed.
func (c *circuitBreaker) retryAfter(now time.Time) time.Duration {
	if c.threshold <= 0 || c.failures < c.threshold {
		return 0
	}
	elapsed := now.Sub(c.lastFailure)
	if elapsed >= c.recoverAfter {
		c.failures = 0
		return 0
	}
	return c.recoverAfter - elapsed
}

func (c *circuitBreaker) recordFailure(now time.Time) {
	c.failures++
	c.lastFailure = now
}

func (c *circuitBreaker) reset() {
	c.failures = 0
}
