// Package retry runs an operation with bounded exponential backoff.
package retry

import (
	"context"
	"math"
	"time"

	"github.com/pkg/errors"
)

type Config struct {
	// MaxRetries bounds the number of attempts after the first call.
	MaxRetries int `yaml:"maxRetries"`
	// InitialDelay is the wait before the first retry.
	InitialDelay time.Duration `yaml:"initialDelay"`
	// Multiplier grows the delay on every further retry. Values below 1 are treated as 1.
	Multiplier float64 `yaml:"multiplier"`
	// MaxDelay caps a single delay. Zero means no cap.
	MaxDelay time.Duration `yaml:"maxDelay"`
}

func DefaultConfig() Config {
	return Config{
		MaxRetries:   5,
		InitialDelay: time.Second,
		Multiplier:   2,
		MaxDelay:     30 * time.Second,
	}
}

// ShouldRetryFunc decides whether err is transient. A nil func retries everything.
type ShouldRetryFunc func(err error) bool

// Do calls fn until it succeeds, fails with a non-retryable error, the retries
// are exhausted or ctx is done.
func Do(ctx context.Context, cfg Config, fn func() error, shouldRetry ShouldRetryFunc) error {
	var lastErr error
	for attempt := 0; attempt <= cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(Delay(cfg, attempt))
			select {
			case <-ctx.Done():
				timer.Stop()
				if lastErr != nil {
					return errors.Wrap(ctx.Err(), lastErr.Error())
				}
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
	return errors.Wrapf(lastErr, "failed after %d retries", cfg.MaxRetries)
}

// Delay is the wait before the given retry (1-based): InitialDelay * Multiplier^(attempt-1).
func Delay(cfg Config, attempt int) time.Duration {
	if attempt < 1 {
		return 0
	}
	multiplier := cfg.Multiplier
	if multiplier < 1 {
		multiplier = 1
	}
	delay := time.Duration(float64(cfg.InitialDelay) * math.Pow(multiplier, float64(attempt-1)))
	if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
		delay = cfg.MaxDelay
	}
	return delay
}
