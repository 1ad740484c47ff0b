// Package backoff computes reconnect delays for peer connections and clients.
// Strategies are stateless and safe for concurrent use.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Strategy computes the delay before attempt n (1-indexed).
type Strategy interface {
	Delay(attempt int) time.Duration
}

// Constant always waits the same interval.
type Constant struct {
	Interval time.Duration
}

func (c Constant) Delay(int) time.Duration { return c.Interval }

// ExponentialWithJitter waits a random duration in [Initial/2, min(Initial*2^(n-1), Max)].
// The lower bound keeps a reconnect storm from collapsing onto zero-delay retries.
type ExponentialWithJitter struct {
	Initial time.Duration
	Max     time.Duration
}

// NewExponentialWithJitter creates an exponential strategy with jitter.
func NewExponentialWithJitter(initial, maxDelay time.Duration) *ExponentialWithJitter {
	return &ExponentialWithJitter{Initial: initial, Max: maxDelay}
}

func (e *ExponentialWithJitter) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	ceil := float64(e.Initial) * math.Pow(2, float64(attempt-1))
	if e.Max > 0 && ceil > float64(e.Max) {
		ceil = float64(e.Max)
	}
	floor := float64(e.Initial) / 2
	if floor > ceil {
		floor = ceil
	}
	return time.Duration(floor + rand.Float64()*(ceil-floor))
}

// Default is used by peer links when nothing is configured: 50ms up to 2s.
func Default() Strategy {
	return NewExponentialWithJitter(50*time.Millisecond, 2*time.Second)
}
