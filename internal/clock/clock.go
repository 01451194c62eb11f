package clock

import "time"

// Clock abstracts time so the dispatcher can be driven deterministically in
// tests.
type Clock interface {
	Now() time.Time
	NewTimer(d time.Duration) *Timer
	NewTicker(d time.Duration) *Ticker
}

type Timer struct {
	C <-chan time.Time

	stopFunc func() bool
}

// Stop prevents the timer from firing. It reports whether the call stopped
// the timer.
func (t *Timer) Stop() bool { return t.stopFunc() }

type Ticker struct {
	C <-chan time.Time

	stopFunc func()
}

func (t *Ticker) Stop() { t.stopFunc() }

func Real() Clock { return realClock{} }

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) NewTimer(d time.Duration) *Timer {
	t := time.NewTimer(d)
	return &Timer{C: t.C, stopFunc: t.Stop}
}

func (realClock) NewTicker(d time.Duration) *Ticker {
	t := time.NewTicker(d)
	return &Ticker{C: t.C, stopFunc: t.Stop}
}
