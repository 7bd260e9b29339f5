package resilience

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"
)

// Permanent wraps an error so [Retry] stops immediately instead of retrying.
// Use it for failures that more attempts cannot fix (malformed request,
// authentication).
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

type permanentError struct {
	err error
}

func (p *permanentError) Error() string { return p.err.Error() }
func (p *permanentError) Unwrap() error { return p.err }

// RetryConfig holds tuning knobs for [Retry].
type RetryConfig struct {
	// Attempts is the total number of tries, including the first.
	// Default: 3.
	Attempts int

	// BaseDelay is the wait after the first failure. Default: 2s.
	BaseDelay time.Duration

	// MaxDelay caps the exponential growth. Default: 8s.
	MaxDelay time.Duration

	// Jitter is the fraction of the delay randomised each wait, in [0, 1].
	// 0.25 turns a 2s wait into 1.5–2.5s. Default: 0.25.
	Jitter float64
}

func (cfg *RetryConfig) applyDefaults() {
	if cfg.Attempts <= 0 {
		cfg.Attempts = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = 2 * time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 8 * time.Second
	}
	if cfg.Jitter <= 0 || cfg.Jitter > 1 {
		cfg.Jitter = 0.25
	}
}

// Retry runs fn up to cfg.Attempts times with exponential backoff between
// tries. It returns nil on the first success, the last error once attempts
// are exhausted, and stops early on context cancellation, [ErrCircuitOpen],
// or an error wrapped with [Permanent].
func Retry(ctx context.Context, cfg RetryConfig, fn func() error) error {
	cfg.applyDefaults()

	var lastErr error
	delay := cfg.BaseDelay
	for attempt := 1; attempt <= cfg.Attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		var perm *permanentError
		if errors.As(lastErr, &perm) {
			return perm.err
		}
		if errors.Is(lastErr, ErrCircuitOpen) {
			return lastErr
		}
		if attempt == cfg.Attempts {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(jittered(delay, cfg.Jitter)):
		}

		delay *= 2
		if delay > cfg.MaxDelay {
			delay = cfg.MaxDelay
		}
	}
	return fmt.Errorf("all %d attempts failed: %w", cfg.Attempts, lastErr)
}

// jittered spreads d by ±(frac/2) so simultaneous retriers desynchronise.
func jittered(d time.Duration, frac float64) time.Duration {
	spread := float64(d) * frac
	return time.Duration(float64(d) - spread/2 + rand.Float64()*spread)
}
