package connection

import (
	"math"
	"math/rand/v2"
	"time"
)

// Backoff returns the delay before reconnect attempt n (0-based, counted
// since the last connection that streamed successfully).
type Backoff interface {
	Next(attempt int) time.Duration
}

// ExponentialBackoff doubles Base per attempt up to Cap and applies full
// jitter: the delay is uniform in [0, min(Cap, Base*2^attempt)].
type ExponentialBackoff struct {
	Base time.Duration
	Cap  time.Duration
}

// Next implements Backoff.
func (b ExponentialBackoff) Next(attempt int) time.Duration {
	ceiling := b.ceiling(attempt)
	if ceiling <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(ceiling) + 1))
}

func (b ExponentialBackoff) ceiling(attempt int) time.Duration {
	if b.Base <= 0 {
		return 0
	}
	d := b.Base
	for i := 0; i < attempt && d <= math.MaxInt64/2; i++ {
		d *= 2
		if b.Cap > 0 && d >= b.Cap {
			return b.Cap
		}
	}
	if b.Cap > 0 && d > b.Cap {
		return b.Cap
	}
	return d
}

// ConstantBackoff waits the same delay before every attempt.
type ConstantBackoff time.Duration

// Next implements Backoff.
func (c ConstantBackoff) Next(int) time.Duration { return time.Duration(c) }
