package client

import (
	"context"
	"fmt"
	"math/rand"
	"time"
)

// RetryConfig holds the configuration for retry logic.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts, including the first request.
	MaxAttempts int

	// InitialBackoff is the delay after the first failed attempt.
	InitialBackoff time.Duration

	// MaxBackoff caps the delay between attempts.
	MaxBackoff time.Duration

	// BackoffMultiplier is the multiplier for exponential backoff.
	BackoffMultiplier float64

	// Jitter spreads each delay by ±Jitter (0.2 = ±20%). Zero keeps delays exact.
	Jitter float64
}

// DefaultRetryConfig returns the default retry configuration:
// three attempts, waiting 0.5s and then 1s between them.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		InitialBackoff:    500 * time.Millisecond,
		MaxBackoff:        30 * time.Second,
		BackoffMultiplier: 2.0,
	}
}

// Backoff returns the delay to wait after the given failed attempt (1-based),
// before jitter.
func (rc RetryConfig) Backoff(attempt int) time.Duration {
	backoff := rc.InitialBackoff
	for i := 1; i < attempt; i++ {
		backoff = time.Duration(float64(backoff) * rc.BackoffMultiplier)
		if rc.MaxBackoff > 0 && backoff >= rc.MaxBackoff {
			return rc.MaxBackoff
		}
	}
	if rc.MaxBackoff > 0 && backoff > rc.MaxBackoff {
		return rc.MaxBackoff
	}
	return backoff
}

func (rc RetryConfig) withJitter(d time.Duration) time.Duration {
	if rc.Jitter <= 0 {
		return d
	}
	return time.Duration(float64(d) * (1 - rc.Jitter + rand.Float64()*2*rc.Jitter))
}

func (rc RetryConfig) validate() error {
	if rc.MaxAttempts < 1 {
		return fmt.Errorf("retry max_attempts must be >= 1 (got %d)", rc.MaxAttempts)
	}
	if rc.InitialBackoff < 0 {
		return fmt.Errorf("retry initial_backoff must not be negative (got %s)", rc.InitialBackoff)
	}
	if rc.BackoffMultiplier < 1 {
		return fmt.Errorf("retry backoff_multiplier must be >= 1 (got %v)", rc.BackoffMultiplier)
	}
	return nil
}

// sleepContext waits for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: %w", ErrContextCancelled, ctx.Err())
	case <-timer.C:
		return nil
	}
}
