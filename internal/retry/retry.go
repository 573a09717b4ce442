// Package retry wraps transient-failure handling: an exponential backoff
// executor for immediate retries and a persistent failed-operation queue for
// deferred ones.
package retry

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/agentoven/postpilot/internal/config"
	"github.com/cenkalti/backoff/v4"
)

// Options configures WithRetry.
type Options struct {
	// MaxRetries is the number of retries after the first attempt.
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64

	// RetryablePatterns are matched case-insensitively against the error
	// text. An error matching none of them is returned immediately.
	RetryablePatterns []string

	// Sleep waits between attempts. Defaults to a context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// OptionsFromConfig builds Options from the retry section of the config.
func OptionsFromConfig(cfg config.RetryConfig) Options {
	return Options{
		MaxRetries:        cfg.MaxRetries,
		InitialDelay:      cfg.InitialDelay,
		MaxDelay:          cfg.MaxDelay,
		Multiplier:        cfg.Multiplier,
		RetryablePatterns: cfg.RetryablePatterns,
	}
}

// Result is the outcome of WithRetry.
type Result[T any] struct {
	Success  bool
	Value    T
	Err      error
	Attempts int
	// Delays holds the wait before each retry, in order.
	Delays []time.Duration
}

// Retryable marks an error as retryable regardless of its text.
type Retryable struct{ Err error }

func (e *Retryable) Error() string { return e.Err.Error() }
func (e *Retryable) Unwrap() error { return e.Err }

// Transient wraps err so WithRetry always retries it.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &Retryable{Err: err}
}

// IsRetryable reports whether err is worth another attempt.
func IsRetryable(err error, patterns []string) bool {
	if err == nil {
		return false
	}
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return false
	}
	var r *Retryable
	if errors.As(err, &r) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, p := range patterns {
		if p != "" && strings.Contains(msg, strings.ToLower(p)) {
			return true
		}
	}
	return false
}

// WithRetry runs op until it succeeds, fails with a non-retryable error, or
// MaxRetries retries have been spent. The wait before retry k is
// min(InitialDelay * Multiplier^(k-1), MaxDelay).
func WithRetry[T any](ctx context.Context, opts Options, op func(ctx context.Context) (T, error)) Result[T] {
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepContext
	}
	delays := newDelays(opts)

	var res Result[T]
	for {
		res.Attempts++
		v, err := op(ctx)
		if err == nil {
			res.Success = true
			res.Value = v
			res.Err = nil
			return res
		}
		res.Err = err

		if res.Attempts > opts.MaxRetries || !IsRetryable(err, opts.RetryablePatterns) {
			return res
		}

		d := delays.NextBackOff()
		if opts.MaxDelay > 0 && d > opts.MaxDelay {
			d = opts.MaxDelay
		}
		res.Delays = append(res.Delays, d)
		if err := opts.Sleep(ctx, d); err != nil {
			res.Err = errors.Join(res.Err, err)
			return res
		}
	}
}

// newDelays returns a deterministic exponential schedule (no jitter, no
// elapsed-time cutoff).
func newDelays(opts Options) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = opts.InitialDelay
	if b.InitialInterval < 0 {
		b.InitialInterval = 0
	}
	b.Multiplier = opts.Multiplier
	if b.Multiplier < 1 {
		b.Multiplier = 1
	}
	b.MaxInterval = opts.MaxDelay
	if b.MaxInterval <= 0 {
		b.MaxInterval = time.Duration(1<<63 - 1)
	}
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
