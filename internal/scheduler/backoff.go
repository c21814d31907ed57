package scheduler

import (
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// jitterFraction is the upper bound of the random jitter, as a fraction of
// the exponential delay.
const jitterFraction = 0.3

// jitteredExponential yields min(base*2^(n-1) + jitter, max) for the n-th
// retry, jitter being up to 30% of the exponential term.
type jitteredExponential struct {
	base    time.Duration
	max     time.Duration
	rand    func() float64
	attempt int
}

var _ backoff.BackOff = (*jitteredExponential)(nil)

func (b *jitteredExponential) NextBackOff() time.Duration {
	b.attempt++
	return retryDelay(b.base, b.max, b.attempt, b.rand())
}

func (b *jitteredExponential) Reset() { b.attempt = 0 }

func retryDelay(base, maxDelay time.Duration, attempt int, r float64) time.Duration {
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	d := exp + r*jitterFraction*exp
	if d >= float64(maxDelay) {
		return maxDelay
	}
	return time.Duration(d)
}
