package dispatch

import (
	"context"
	"math/rand/v2"
	"time"
)

// Backoff computes the delay before a retry. The delay doubles with every
// attempt and gets up to Jitter*delay of random extra wait. Jitter stays
// below 1, so successive delays strictly increase until Max caps them.
type Backoff struct {
	Base   time.Duration
	Max    time.Duration
	Jitter float64
}

// DefaultBackoff starts at one second.
func DefaultBackoff() Backoff {
	return Backoff{Base: time.Second, Max: 30 * time.Second, Jitter: 0.25}
}

// Delay returns the wait before retry n (1 for the first retry). rnd
// returns a value in [0, 1).
func (b Backoff) Delay(n int, rnd func() float64) time.Duration {
	if n < 1 {
		n = 1
	}
	base := b.Base
	if base <= 0 {
		base = time.Second
	}
	d := base
	for i := 1; i < n; i++ {
		d *= 2
		if b.Max > 0 && d >= b.Max {
			d = b.Max
			break
		}
	}
	jitter := min(max(b.Jitter, 0), 0.99)
	if jitter > 0 && rnd != nil {
		d += time.Duration(float64(d) * jitter * rnd())
	}
	return d
}

// sleepCtx waits for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func defaultRand() float64 { return rand.Float64() }
