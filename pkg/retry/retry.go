// Package retry provides simple retry logic for transient failures.
//
// Reconnect policy across the bridge is deliberately explicit: every caller
// passes a Config, and the two policies the system uses (unbounded
// fixed-interval for the output sink, bounded fixed-interval for TCP client
// sources) are plain Config values owned by the settings layer, not
// hard-coded here.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"
)

var (
	// Thread-safe random source for jitter.
	randMu     sync.Mutex
	randSource = rand.New(rand.NewSource(time.Now().UnixNano()))
)

// NonRetryableError wraps errors that should not be retried.
type NonRetryableError struct {
	Err error
}

func (e *NonRetryableError) Error() string {
	return fmt.Sprintf("non-retryable: %v", e.Err)
}

func (e *NonRetryableError) Unwrap() error {
	return e.Err
}

// NonRetryable wraps an error to indicate it should not be retried.
func NonRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &NonRetryableError{Err: err}
}

// IsNonRetryable checks if an error is marked as non-retryable.
func IsNonRetryable(err error) bool {
	var nre *NonRetryableError
	return errors.As(err, &nre)
}

// Config provides retry configuration.
type Config struct {
	MaxAttempts  int           `yaml:"max_attempts"`  // Total attempts; <= 0 retries until ctx cancellation
	InitialDelay time.Duration `yaml:"initial_delay"` // Delay before the second attempt
	MaxDelay     time.Duration `yaml:"max_delay"`     // Upper bound on the delay between attempts
	Multiplier   float64       `yaml:"multiplier"`    // Backoff multiplier; 1.0 keeps the delay fixed
	AddJitter    bool          `yaml:"add_jitter"`    // Add randomness to prevent thundering herd
}

// DefaultConfig returns sensible defaults for one-shot setup operations.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		AddJitter:    true,
	}
}

// Fixed returns a fixed-interval policy with a bounded attempt count.
// attempts <= 0 means retry until the context is cancelled.
func Fixed(interval time.Duration, attempts int) Config {
	return Config{
		MaxAttempts:  attempts,
		InitialDelay: interval,
		MaxDelay:     interval,
		Multiplier:   1.0,
	}
}

// Do executes fn, retrying per cfg until success, a non-retryable error,
// context cancellation, or attempt exhaustion.
func Do(ctx context.Context, cfg Config, fn func() error) error {
	if cfg.InitialDelay <= 0 {
		cfg.InitialDelay = 100 * time.Millisecond
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = cfg.InitialDelay
	}
	if cfg.MaxDelay < cfg.InitialDelay {
		return errors.New("retry: MaxDelay must be >= InitialDelay")
	}
	if cfg.Multiplier < 1.0 {
		cfg.Multiplier = 1.0
	}

	unbounded := cfg.MaxAttempts <= 0

	var lastErr error
	delay := cfg.InitialDelay

	for attempt := 1; unbounded || attempt <= cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if lastErr != nil {
				return fmt.Errorf("retry cancelled after attempt %d: %w", attempt-1, lastErr)
			}
			return fmt.Errorf("retry cancelled before first attempt: %w", err)
		}

		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if IsNonRetryable(err) {
			return err
		}

		if !unbounded && attempt == cfg.MaxAttempts {
			break
		}

		sleep := delay
		if cfg.AddJitter {
			// Up to 25% jitter on top of the base delay.
			randMu.Lock()
			sleep += time.Duration(randSource.Int63n(int64(delay)/4 + 1))
			randMu.Unlock()
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("retry cancelled after attempt %d: %w", attempt, lastErr)
		case <-time.After(sleep):
		}

		delay = time.Duration(float64(delay) * cfg.Multiplier)
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}

	return fmt.Errorf("retry exhausted after %d attempts: %w", cfg.MaxAttempts, lastErr)
}

// DoWithResult executes fn with retry, returning both result and error.
func DoWithResult[T any](ctx context.Context, cfg Config, fn func() (T, error)) (T, error) {
	var result T
	err := Do(ctx, cfg, func() error {
		var fnErr error
		result, fnErr = fn()
		return fnErr
	})
	return result, err
}
