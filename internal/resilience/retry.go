package resilience

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"time"
)

// RetryPolicy configures retry behavior for transient failures.
type RetryPolicy struct {
	// MaxAttempts is the maximum number of attempts (including the first).
	MaxAttempts int
	// InitialDelay is the delay after the first failure.
	InitialDelay time.Duration
	// MaxDelay caps the delay between attempts.
	MaxDelay time.Duration
	// Factor is the multiplier for exponential backoff.
	Factor float64
	// Jitter randomizes each delay to delay * [0.5, 1.5).
	Jitter bool
}

// DefaultRetryPolicy returns the policy used for model and tool calls.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  3,
		InitialDelay: 250 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Factor:       2.0,
		Jitter:       true,
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 1
	}
	if p.InitialDelay <= 0 {
		p.InitialDelay = 100 * time.Millisecond
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 10 * time.Second
	}
	if p.Factor <= 0 {
		p.Factor = 2.0
	}
	return p
}

// Backoff returns the un-jittered delay before attempt+1.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	p = p.withDefaults()
	if attempt <= 0 {
		attempt = 1
	}
	delay := float64(p.InitialDelay) * math.Pow(p.Factor, float64(attempt-1))
	if delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	return time.Duration(delay)
}

// RetryResult contains the outcome of a retried operation.
type RetryResult struct {
	Attempts int
	Err      error
	Duration time.Duration
}

// Retry runs op until it succeeds, returns a non-transient error, attempts
// are exhausted, or ctx is done. Sleeping never outlives ctx, so retries do
// not extend the caller's deadline. onRetry, if set, is called before each
// sleep.
func Retry(ctx context.Context, policy RetryPolicy, op func(ctx context.Context, attempt int) error, onRetry func(attempt int, err error, delay time.Duration)) RetryResult {
	policy = policy.withDefaults()
	start := time.Now()
	result := RetryResult{}

	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		result.Attempts = attempt

		if err := ctx.Err(); err != nil {
			result.Err = deadlineError(err, result.Err)
			break
		}

		err := op(ctx, attempt)
		if err == nil {
			result.Err = nil
			break
		}
		result.Err = err

		if !IsTransient(err) || attempt >= policy.MaxAttempts {
			break
		}

		sleep := policy.Backoff(attempt)
		if policy.Jitter {
			jitter := 0.5 + rand.Float64() // #nosec G404 -- jitter does not require cryptographic randomness
			sleep = time.Duration(float64(sleep) * jitter)
		}
		if onRetry != nil {
			onRetry(attempt, err, sleep)
		}

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			result.Err = deadlineError(ctx.Err(), err)
			result.Duration = time.Since(start)
			return result
		case <-timer.C:
		}
	}

	result.Duration = time.Since(start)
	return result
}

// deadlineError converts an expired caller context into a timeout failure,
// keeping the last attempt's error in the chain. Cancellation is returned as is.
func deadlineError(ctxErr, last error) error {
	if ctxErr == context.DeadlineExceeded {
		if last != nil {
			return Transient(KindTimeout, fmt.Errorf("%w: %w", ErrCallTimeout, last))
		}
		return Transient(KindTimeout, ErrCallTimeout)
	}
	return ctxErr
}
