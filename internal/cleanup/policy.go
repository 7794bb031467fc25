package cleanup

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"

	"europa/internal/blob"
)

// RetryPolicy bounds how often a per-transfer blob delete is attempted.
// Only transient storage errors are retried.
type RetryPolicy struct {
	MaxAttempts int
	NewBackOff  func() backoff.BackOff
}

// DefaultRetryPolicy tries three times, waiting 2s then 4s.
func DefaultRetryPolicy() RetryPolicy {
	return ExponentialPolicy(3, 2*time.Second)
}

// ExponentialPolicy doubles the wait after every failed attempt, starting
// at initial.
func ExponentialPolicy(attempts int, initial time.Duration) RetryPolicy {
	return RetryPolicy{
		MaxAttempts: attempts,
		NewBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = initial
			b.Multiplier = 2
			b.RandomizationFactor = 0.1
			b.MaxElapsedTime = 0
			b.Reset()
			return b
		},
	}
}

// NoWait retries up to attempts times without sleeping.
func NoWait(attempts int) RetryPolicy {
	return RetryPolicy{
		MaxAttempts: attempts,
		NewBackOff:  func() backoff.BackOff { return &backoff.ZeroBackOff{} },
	}
}

// Do runs op until it succeeds, fails permanently, or the attempts run out.
func (p RetryPolicy) Do(ctx context.Context, op func() error) error {
	attempts := max(p.MaxAttempts, 1)
	newBackOff := p.NewBackOff
	if newBackOff == nil {
		newBackOff = func() backoff.BackOff { return &backoff.ZeroBackOff{} }
	}

	b := backoff.WithContext(backoff.WithMaxRetries(newBackOff(), uint64(attempts-1)), ctx)
	return backoff.Retry(func() error {
		err := op()
		if err != nil && !blob.IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}, b)
}
