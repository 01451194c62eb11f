package clock

import (
	"sort"
	"sync"
	"time"
)

// FakeClock only moves when Advance is called. Safe for concurrent use.
type FakeClock struct {
	mu      sync.Mutex
	current time.Time
	waiters []*waiter
	changed *sync.Cond
}

type waiter struct {
	deadline time.Time
	ch       chan time.Time
	interval time.Duration
	stopped  bool
}

func Fake(initial time.Time) *FakeClock {
	c := &FakeClock{current: initial}
	c.changed = sync.NewCond(&c.mu)
	return c
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

func (c *FakeClock) NewTimer(d time.Duration) *Timer {
	c.mu.Lock()
	defer c.mu.Unlock()

	ch := make(chan time.Time, 1)
	if d <= 0 {
		ch <- c.current
		return &Timer{C: ch, stopFunc: func() bool { return false }}
	}

	w := &waiter{deadline: c.current.Add(d), ch: ch}
	c.add(w)
	return &Timer{C: ch, stopFunc: func() bool { return c.stop(w) }}
}

func (c *FakeClock) NewTicker(d time.Duration) *Ticker {
	if d <= 0 {
		panic("clock: non-positive interval for NewTicker")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	w := &waiter{deadline: c.current.Add(d), ch: make(chan time.Time, 1), interval: d}
	c.add(w)
	return &Ticker{C: w.ch, stopFunc: func() { c.stop(w) }}
}

// Advance moves the clock forward and fires every waiter whose deadline has
// passed, in deadline order. Sends never block.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.current = c.current.Add(d)

	var due, remaining []*waiter
	for _, w := range c.waiters {
		if !w.deadline.After(c.current) {
			due = append(due, w)
		} else {
			remaining = append(remaining, w)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].deadline.Before(due[j].deadline) })

	for _, w := range due {
		select {
		case w.ch <- c.current:
		default:
		}
		if w.interval > 0 {
			for !w.deadline.After(c.current) {
				w.deadline = w.deadline.Add(w.interval)
			}
			remaining = append(remaining, w)
		}
	}
	c.waiters = remaining
	c.changed.Broadcast()
}

// WaitForTimers blocks until at least n timers or tickers are pending.
func (c *FakeClock) WaitForTimers(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for len(c.waiters) < n {
		c.changed.Wait()
	}
}

func (c *FakeClock) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}

func (c *FakeClock) add(w *waiter) {
	c.waiters = append(c.waiters, w)
	c.changed.Broadcast()
}

func (c *FakeClock) stop(w *waiter) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, p := range c.waiters {
		if p == w {
			c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
			c.changed.Broadcast()
			return true
		}
	}
	return false
}
