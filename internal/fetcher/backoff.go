package fetcher

import (
	"math/rand/v2"
	"time"
)

// Policy computes the wait before the next poll of a chunk. The wait
// doubles with every consecutive poll that reports no progress, up to
// Cap.
type Policy struct {
	Base   time.Duration
	Cap    time.Duration
	Jitter bool
}

// Delay returns the wait after misses consecutive no-progress polls.
func (p Policy) Delay(misses int) time.Duration {
	if misses < 1 {
		misses = 1
	}

	d := p.Cap
	if misses <= 32 {
		d = p.Base * time.Duration(1<<uint(misses-1))
		if d <= 0 || d > p.Cap {
			d = p.Cap
		}
	}

	if p.Jitter {
		// 0.5 to 1.5 of the computed delay
		d = time.Duration(float64(d) * (0.5 + rand.Float64()))
	}
	return d
}
