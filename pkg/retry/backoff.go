// Package retry holds the exponential backoff policy shared by peer
// reconnection and relay reconnection.
package retry

import (
	"math"
	"time"
)

// Backoff doubles from Base per attempt and saturates at Max.
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// Delay returns min(Max, Base*2^attempts). attempts <= 0 yields Base. A
// zero Max leaves the delay unbounded short of overflow.
func (b Backoff) Delay(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	d := b.Base
	for i := 0; i < attempts; i++ {
		if b.Max > 0 && d > b.Max/2 {
			return b.Max
		}
		if d > math.MaxInt64/2 {
			return math.MaxInt64
		}
		d *= 2
	}
	if b.Max > 0 && d > b.Max {
		return b.Max
	}
	return d
}

// Eligible reports whether enough time has passed since last for another
// try after attempts consecutive failures.
func (b Backoff) Eligible(attempts int, last, now time.Time) bool {
	if attempts <= 0 || last.IsZero() {
		return true
	}
	return !now.Before(last.Add(b.Delay(attempts)))
}
