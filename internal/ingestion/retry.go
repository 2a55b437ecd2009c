package ingestion

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/Dean-Rough/transferjuice/internal/config"
)

// RetryPolicy defines how retries should be handled.
type RetryPolicy struct {
	// MaxAttempts is the total number of attempts, including the first.
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffFactor  float64
	Jitter         bool
}

// DefaultRetryPolicy returns a sensible default retry policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		InitialBackoff: 1 * time.Second,
		MaxBackoff:     30 * time.Second,
		BackoffFactor:  2.0,
		Jitter:         true,
	}
}

// RetryPolicyFromConfig builds the primary-path policy from configuration.
func RetryPolicyFromConfig(cfg config.RetryConfig) RetryPolicy {
	policy := DefaultRetryPolicy()
	policy.MaxAttempts = cfg.MaxAttempts
	policy.InitialBackoff = cfg.BackoffBase
	policy.MaxBackoff = cfg.BackoffMax
	return policy
}

// RetryableError wraps an error to indicate it should be retried.
type RetryableError struct {
	Err        error
	RetryAfter time.Duration
}

func (e *RetryableError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%v (retry after %v)", e.Err, e.RetryAfter)
	}
	return e.Err.Error()
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// IsRetryable checks if an error should trigger a retry.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var retryable *RetryableError
	return errors.As(err, &retryable)
}

// Retry executes fn with exponential backoff until it succeeds, returns a
// non-retryable error or the attempt ceiling is reached.
func Retry(ctx context.Context, policy RetryPolicy, fn func() error) error {
	var lastErr error
	attempts := max(policy.MaxAttempts, 1)

	for attempt := 0; attempt < attempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		lastErr = err

		if !IsRetryable(err) {
			return err
		}

		if attempt == attempts-1 {
			break
		}

		backoff := calculateBackoff(policy, attempt)

		var retryErr *RetryableError
		if errors.As(err, &retryErr) && retryErr.RetryAfter > 0 {
			backoff = retryErr.RetryAfter
		}

		if err := sleep(ctx, backoff); err != nil {
			return fmt.Errorf("retry cancelled: %w", err)
		}
	}

	return fmt.Errorf("max attempts exceeded (%d): %w", attempts, lastErr)
}

// RetryOutcome repeats fn while it reports OutcomeTransient. Quota and fatal
// outcomes return immediately: retrying would not change them.
func RetryOutcome(ctx context.Context, policy RetryPolicy, fn func() FetchOutcome) FetchOutcome {
	attempts := max(policy.MaxAttempts, 1)

	var out FetchOutcome
	for attempt := 0; attempt < attempts; attempt++ {
		out = fn()
		if out.Kind != OutcomeTransient || attempt == attempts-1 {
			break
		}

		backoff := calculateBackoff(policy, attempt)
		if out.RetryAfter > 0 {
			backoff = out.RetryAfter
		}

		if err := sleep(ctx, backoff); err != nil {
			return transientOutcome(fmt.Errorf("retry cancelled: %w (last error: %v)", err, out.Err), 0)
		}
	}

	if out.Kind == OutcomeTransient {
		out.Err = fmt.Errorf("max attempts exceeded (%d): %w", attempts, out.Err)
	}
	return out
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// calculateBackoff computes the backoff duration for a given attempt.
func calculateBackoff(policy RetryPolicy, attempt int) time.Duration {
	factor := policy.BackoffFactor
	if factor < 1 {
		factor = 1
	}

	// Exponential backoff: initialBackoff * (factor ^ attempt)
	backoff := float64(policy.InitialBackoff) * math.Pow(factor, float64(attempt))

	if policy.MaxBackoff > 0 && backoff > float64(policy.MaxBackoff) {
		backoff = float64(policy.MaxBackoff)
	}

	duration := time.Duration(backoff)

	// Add jitter to prevent thundering herd
	if policy.Jitter {
		jitter := time.Duration(float64(duration) * 0.1 * (2*rand.Float64() - 1))
		duration += jitter
	}

	return duration
}

// NewRetryableError creates a new retryable error.
func NewRetryableError(err error) error {
	return &RetryableError{Err: err}
}

// NewRetryableErrorWithDelay creates a retryable error with a specific retry delay.
func NewRetryableErrorWithDelay(err error, delay time.Duration) error {
	return &RetryableError{Err: err, RetryAfter: delay}
}
