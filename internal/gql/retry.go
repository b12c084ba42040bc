package gql

import (
	"context"
	"math"
	"time"
)

// Default network retry policy: 300ms, doubling, five attempts in total.
const (
	DefaultInitialDelay = 300 * time.Millisecond
	DefaultFactor       = 2.0
	DefaultMaxAttempts  = 5
)

// RetryPolicy bounds retries of transport-level failures. MaxAttempts counts
// every transmission, including the first. A zero MaxDelay leaves delays
// uncapped.
type RetryPolicy struct {
	InitialDelay time.Duration
	Factor       float64
	MaxAttempts  int
	MaxDelay     time.Duration
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialDelay: DefaultInitialDelay,
		Factor:       DefaultFactor,
		MaxAttempts:  DefaultMaxAttempts,
	}
}

// Delay returns the wait before retry number n (0-based): InitialDelay *
// Factor^n, capped at MaxDelay when set. No jitter is applied, so successive
// delays are strictly increasing until the cap.
func (p RetryPolicy) Delay(n int) time.Duration {
	factor := p.Factor
	if factor < 1 {
		factor = 1
	}

	d := float64(p.InitialDelay) * math.Pow(factor, float64(n))
	if p.MaxDelay > 0 && d > float64(p.MaxDelay) {
		return p.MaxDelay
	}

	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}

	return time.Duration(d)
}

// grow returns the wait following prev: prev * Factor, capped at MaxDelay
// unless prev already exceeds it.
func (p RetryPolicy) grow(prev time.Duration) time.Duration {
	d := float64(prev) * max(p.Factor, 1)

	if p.MaxDelay > 0 && d > float64(p.MaxDelay) && prev <= p.MaxDelay {
		return p.MaxDelay
	}

	if d > math.MaxInt64 {
		return time.Duration(math.MaxInt64)
	}

	return time.Duration(d)
}

func (p RetryPolicy) attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}

	return p.MaxAttempts
}

// timeSleep waits for the given duration or until the context is canceled.
func timeSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
