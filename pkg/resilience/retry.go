package resilience

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"time"

	"issueagent/pkg/errclass"
)

// RetryConfig configures a RetryPolicy.
type RetryConfig struct {
	MaxAttempts   int           `yaml:"max_attempts" json:"max_attempts"` // including the first call
	InitialDelay  time.Duration `yaml:"initial_delay" json:"initial_delay"`
	MaxDelay      time.Duration `yaml:"max_delay" json:"max_delay"`
	BackoffFactor float64       `yaml:"backoff_factor" json:"backoff_factor"`
	Jitter        bool          `yaml:"jitter" json:"jitter"`
}

// DefaultRetryConfig is used for notifier calls.
//
//nolint:gochecknoglobals
var DefaultRetryConfig = RetryConfig{
	MaxAttempts:   3,
	InitialDelay:  500 * time.Millisecond,
	MaxDelay:      10 * time.Second,
	BackoffFactor: 2.0,
	Jitter:        true,
}

// ShouldRetry decides whether an error is worth another attempt.
type ShouldRetry func(error) bool

// RetryClassified retries whatever the error classifier marks retryable,
// except open breakers and caller cancellation.
func RetryClassified(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var open *OpenError
	if errors.As(err, &open) {
		return false
	}
	return errclass.Classify(err, errclass.Context{}).Retryable
}

// RetryPolicy runs a call with exponential backoff.
type RetryPolicy struct {
	Config      RetryConfig
	ShouldRetry ShouldRetry
}

// NewRetryPolicy creates a policy; a nil classifier means RetryClassified.
func NewRetryPolicy(config RetryConfig, shouldRetry ShouldRetry) *RetryPolicy {
	if config.MaxAttempts < 1 {
		config.MaxAttempts = 1
	}
	if config.BackoffFactor < 1 {
		config.BackoffFactor = 1
	}
	if shouldRetry == nil {
		shouldRetry = RetryClassified
	}
	return &RetryPolicy{Config: config, ShouldRetry: shouldRetry}
}

// CalculateDelay returns the wait before attempt (1-based; attempt 1 has no wait).
func (p *RetryPolicy) CalculateDelay(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}
	delay := time.Duration(float64(p.Config.InitialDelay) * math.Pow(p.Config.BackoffFactor, float64(attempt-2)))
	if p.Config.MaxDelay > 0 && delay > p.Config.MaxDelay {
		delay = p.Config.MaxDelay
	}
	if p.Config.Jitter && delay > 0 {
		delay += time.Duration(float64(delay) * 0.1 * (rand.Float64()*2 - 1)) //nolint:gosec // jitter only
	}
	return delay
}

// Do runs fn until it succeeds, returns a non-retryable error, or attempts run out.
func (p *RetryPolicy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= p.Config.MaxAttempts; attempt++ {
		if delay := p.CalculateDelay(attempt); delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !p.ShouldRetry(lastErr) {
			return lastErr
		}
	}
	return lastErr
}

// Guarded wraps fn with a breaker and a retry policy.
func Guarded(ctx context.Context, b *Breaker, p *RetryPolicy, fn func(ctx context.Context) error) error {
	return p.Do(ctx, func(ctx context.Context) error {
		if err := b.Allow(); err != nil {
			return err
		}
		err := fn(ctx)
		b.Record(err == nil || !RetryClassified(err))
		return err
	})
}
