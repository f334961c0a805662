package resilience

import (
	"context"
	"fmt"
	"time"

	"github.com/zipsa-ai/zipsa/core"
)

// BackoffKind selects how the delay grows between attempts
type BackoffKind string

const (
	BackoffConstant    BackoffKind = "constant"
	BackoffLinear      BackoffKind = "linear"
	BackoffExponential BackoffKind = "exponential"
)

// RetryConfig configures retry behavior
type RetryConfig struct {
	MaxRetries   int
	Backoff      BackoffKind
	InitialDelay time.Duration
	MaxDelay     time.Duration
}

// DefaultRetryConfig provides sensible defaults
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxRetries:   2,
		Backoff:      BackoffExponential,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     10 * time.Second,
	}
}

// Delay computes the backoff before the given attempt (1-based).
//
//	constant:    initial_delay
//	linear:      initial_delay * attempt
//	exponential: initial_delay * 2^(attempt-1)
//
// The result is capped at MaxDelay.
func (c *RetryConfig) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	var delay time.Duration
	switch c.Backoff {
	case BackoffLinear:
		delay = c.InitialDelay * time.Duration(attempt)
	case BackoffExponential:
		// Cap the shift to prevent integer overflow
		shift := attempt - 1
		if shift > 30 {
			shift = 30
		}
		delay = c.InitialDelay * time.Duration(int64(1)<<uint(shift))
	default:
		delay = c.InitialDelay
	}

	if c.MaxDelay > 0 && delay > c.MaxDelay {
		delay = c.MaxDelay
	}
	return delay
}

// Sleep waits for the backoff of the given attempt, honoring cancellation.
func (c *RetryConfig) Sleep(ctx context.Context, attempt int) error {
	timer := time.NewTimer(c.Delay(attempt))
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Retry executes a function with retry logic. The function runs at most
// MaxRetries+1 times.
func Retry(ctx context.Context, config *RetryConfig, fn func() error) error {
	if config == nil {
		config = DefaultRetryConfig()
	}

	var lastErr error
	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := fn(); err == nil {
			return nil
		} else {
			lastErr = err
		}

		if attempt == config.MaxRetries {
			break
		}

		if err := config.Sleep(ctx, attempt+1); err != nil {
			return err
		}
	}

	return fmt.Errorf("max retry attempts (%d) exceeded for %v: %w", config.MaxRetries, lastErr, core.ErrMaxRetriesExceeded)
}

// RetryWithCircuitBreaker combines retry logic with a circuit breaker
func RetryWithCircuitBreaker(ctx context.Context, config *RetryConfig, cb *CircuitBreaker, fn func() error) error {
	return Retry(ctx, config, func() error {
		if !cb.CanExecute() {
			return core.ErrCircuitBreakerOpen
		}

		err := fn()
		if err != nil {
			cb.RecordFailure()
			return err
		}

		cb.RecordSuccess()
		return nil
	})
}
