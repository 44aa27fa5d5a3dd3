// Package backoff computes capped exponential retry delays.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Policy parameterizes an exponential backoff curve. Initial must be
// set; the other fields have workable zero values.
type Policy struct {
	// Initial is the delay before the first retry.
	Initial time.Duration
	// Max caps the computed delay. Zero means no cap.
	Max time.Duration
	// Factor is the per-attempt growth multiplier. Zero means 2.
	Factor float64
	// Jitter adds up to this fraction of the base delay at random so
	// concurrent retriers spread out. Zero disables it.
	Jitter float64
}

// Delay returns the wait before retry attempt n. Attempts are 1-indexed;
// values below 1 count as 1.
func (p Policy) Delay(attempt int) time.Duration {
	return p.DelayWithRand(attempt, rand.Float64()) // #nosec G404 -- jitter needs no cryptographic randomness
}

// DelayWithRand is Delay with the jitter draw supplied by the caller, so
// tests can pin the result. rnd must be in [0, 1).
func (p Policy) DelayWithRand(attempt int, rnd float64) time.Duration {
	factor := p.Factor
	if factor <= 0 {
		factor = 2
	}
	exp := math.Max(float64(attempt-1), 0)
	base := float64(p.Initial) * math.Pow(factor, exp)
	total := base + base*p.Jitter*rnd
	if p.Max > 0 {
		total = math.Min(total, float64(p.Max))
	}
	return time.Duration(total)
}
