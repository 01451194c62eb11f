package worker

import (
	"math"
	"math/rand"
	"time"
)

// backoffPolicy computes the wait before retrying a batch whose most attempted
// entry failed attempts times.
type backoffPolicy struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	// Jitter spreads each delay uniformly over [d*(1-Jitter), d*(1+Jitter)]
	// before capping. Zero keeps the curve monotonic.
	Jitter float64
	rand   func() float64
}

func (b backoffPolicy) Delay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}

	d := float64(b.Initial) * math.Pow(b.Multiplier, float64(attempts-1))
	if b.Jitter > 0 {
		r := rand.Float64
		if b.rand != nil {
			r = b.rand
		}
		d *= 1 - b.Jitter + 2*b.Jitter*r()
	}
	if d > float64(b.Max) || math.IsInf(d, 0) || math.IsNaN(d) {
		return b.Max
	}
	return time.Duration(d)
}
