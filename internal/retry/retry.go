// Package retry provides the two waiting strategies dlinject needs:
// exponential backoff for operations that fail transiently (finding a
// freshly launched app's pid) and fixed-interval polling for conditions
// that become true on their own (the trigger firing in the target).
//
// # Backoff
//
//	cfg := retry.Config{
//	    MaxRetries:     10,
//	    InitialBackoff: 50 * time.Millisecond,
//	    MaxBackoff:     time.Second,
//	}
//
//	err := retry.Do(ctx, cfg, func() error {
//	    pid, err = proc.FindPidByName(ctx, name)
//	    return err
//	}, nil)
//
// The backoff before attempt n is InitialBackoff * 2^(n-1), capped at
// MaxBackoff, plus optional jitter that grows with the attempt number.
//
// # Polling
//
//	err := retry.Poll(ctx, retry.PollConfig{Interval: time.Millisecond}, func() (bool, error) {
//	    return ready()
//	})
//
// Both strategies return the context error as soon as ctx is done.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"
)

// Config defines exponential backoff for Do. MaxRetries and
// InitialBackoff must be set.
type Config struct {
	// MaxRetries is the maximum number of calls to fn.
	MaxRetries int

	// InitialBackoff is the wait before the second attempt; each later wait
	// doubles it.
	InitialBackoff time.Duration

	// MaxBackoff caps a single wait. Zero means no cap.
	MaxBackoff time.Duration

	// Jitter (0.0 to 1.0) adds up to backoff*Jitter*attempt/MaxRetries to
	// each wait.
	Jitter float64
}

// ShouldRetryFunc decides whether an error is transient. A nil
// ShouldRetryFunc retries every error.
type ShouldRetryFunc func(error) bool

// Do calls fn until it succeeds, returns an error shouldRetry rejects, or
// MaxRetries attempts are used up. The last error is wrapped with the
// number of attempts. ctx cancellation during a backoff returns ctx.Err().
func Do(ctx context.Context, cfg Config, fn func() error, shouldRetry ShouldRetryFunc) error {
	var lastErr error

	for attempt := 0; attempt < cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(calculateBackoff(cfg, attempt)):
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

// calculateBackoff returns InitialBackoff * 2^(attempt-1), capped at
// MaxBackoff, plus jitter.
func calculateBackoff(cfg Config, attempt int) time.Duration {
	multiplier := math.Pow(2, float64(attempt-1))
	backoff := time.Duration(multiplier * float64(cfg.InitialBackoff))

	if cfg.MaxBackoff > 0 && backoff > cfg.MaxBackoff {
		backoff = cfg.MaxBackoff
	}

	if cfg.Jitter > 0 {
		jitterAmount := float64(backoff) * cfg.Jitter * float64(attempt) / float64(cfg.MaxRetries)
		backoff += time.Duration(jitterAmount)
	}

	return backoff
}

// ErrTimeout is returned by Poll when PollConfig.Timeout elapses.
var ErrTimeout = errors.New("timed out")

// PollConfig controls Poll.
type PollConfig struct {
	// Interval between checks. Must be greater than 0.
	Interval time.Duration
	// Timeout bounds the whole poll. Zero waits until ctx is done.
	Timeout time.Duration
}

// Poll calls check immediately and then once per Interval until it reports
// done or fails. A check error is returned unchanged. Poll returns ctx.Err()
// if ctx ends first, and an error wrapping ErrTimeout if Timeout elapses.
func Poll(ctx context.Context, cfg PollConfig, check func() (bool, error)) error {
	if cfg.Interval <= 0 {
		return fmt.Errorf("poll interval must be positive, got %s", cfg.Interval)
	}

	var deadline <-chan time.Time
	if cfg.Timeout > 0 {
		timer := time.NewTimer(cfg.Timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	ticker := time.NewTicker(cfg.Interval)
	defer ticker.Stop()

	for {
		done, err := check()
		if err != nil {
			return err
		}
		if done {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			return fmt.Errorf("%w after %s", ErrTimeout, cfg.Timeout)
		case <-ticker.C:
		}
	}
}
