// Package retry retries an operation with exponential backoff.
//
// It is used where a resource appears asynchronously, such as the driver
// control device that only exists once the driver has started:
//
//	err := retry.Do(ctx, retry.DefaultConfig(5), func() error {
//	    return open()
//	}, func(err error) bool {
//	    return errors.Is(err, fs.ErrNotExist)
//	})
//
// The wait before attempt n (n >= 1) is InitialBackoff * 2^(n-1), capped at
// MaxBackoff, plus a jitter that grows linearly with n. Context cancellation
// ends a backoff immediately.
package retry

import (
	"context"
	"fmt"
	"math"
	"time"
)

// Config defines the backoff schedule. MaxRetries and InitialBackoff must be
// positive.
type Config struct {
	// MaxRetries is the number of times fn is called at most.
	MaxRetries int

	// InitialBackoff is the wait before the first retry.
	InitialBackoff time.Duration

	// MaxBackoff caps a single wait. Zero means no cap.
	MaxBackoff time.Duration

	// Jitter in [0, 1] adds backoff * Jitter * attempt / MaxRetries.
	Jitter float64
}

// DefaultConfig returns the schedule used for opening devices.
func DefaultConfig(retries int) Config {
	return Config{
		MaxRetries:     max(retries, 1),
		InitialBackoff: 50 * time.Millisecond,
		MaxBackoff:     2 * time.Second,
		Jitter:         0.1,
	}
}

// ShouldRetryFunc reports whether err is transient. A nil ShouldRetryFunc
// retries every error.
type ShouldRetryFunc func(error) bool

// Do calls fn until it succeeds, returns a non retryable error, the retries
// are exhausted or ctx is done. Exhaustion wraps the last error of fn.
func Do(ctx context.Context, cfg Config, fn func() error, shouldRetry ShouldRetryFunc) error {
	var lastErr error

	for attempt := 0; attempt < cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(calculateBackoff(cfg, attempt))
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}

		err := fn()
		if err == nil {
			return nil
		}
		if shouldRetry != nil && !shouldRetry(err) {
			return err
		}
		lastErr = err
	}

	return fmt.Errorf("failed after %d retries: %w", cfg.MaxRetries, lastErr)
}

func calculateBackoff(cfg Config, attempt int) time.Duration {
	backoff := time.Duration(math.Pow(2, float64(attempt-1)) * float64(cfg.InitialBackoff))

	if cfg.MaxBackoff > 0 && backoff > cfg.MaxBackoff {
		backoff = cfg.MaxBackoff
	}

	if cfg.Jitter > 0 {
		backoff += time.Duration(float64(backoff) * cfg.Jitter * float64(attempt) / float64(cfg.MaxRetries))
	}

	return backoff
}
