package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
)

func recordSleep(got *[]time.Duration) func(context.Context, time.Duration) error {
	return func(_ context.Context, d time.Duration) error {
		*got = append(*got, d)
		return nil
	}
}

func TestWithRetry_DelaysAreGeometricAndClamped(t *testing.T) {
	var slept []time.Duration
	opts := Options{
		MaxRetries:        5,
		InitialDelay:      100 * time.Millisecond,
		MaxDelay:          time.Second,
		Multiplier:        3,
		RetryablePatterns: []string{"rate limit"},
		Sleep:             recordSleep(&slept),
	}

	res := WithRetry(context.Background(), opts, func(context.Context) (int, error) {
		return 0, errors.New("rate limit exceeded")
	})

	if res.Success {
		t.Fatal("WithRetry() succeeded for an always-failing op")
	}
	if res.Attempts != opts.MaxRetries+1 {
		t.Errorf("Attempts = %d, want %d", res.Attempts, opts.MaxRetries+1)
	}
	want := []time.Duration{
		100 * time.Millisecond,
		300 * time.Millisecond,
		900 * time.Millisecond,
		time.Second,
		time.Second,
	}
	if len(slept) != len(want) {
		t.Fatalf("slept %v, want %v", slept, want)
	}
	for i := range want {
		if slept[i] != want[i] || res.Delays[i] != want[i] {
			t.Errorf("delay before retry %d = %v (recorded %v), want %v", i+1, slept[i], res.Delays[i], want[i])
		}
	}
}

func TestWithRetry_SucceedsAfterTransientFailures(t *testing.T) {
	var slept []time.Duration
	calls := 0
	res := WithRetry(context.Background(), Options{
		MaxRetries:        3,
		InitialDelay:      time.Millisecond,
		MaxDelay:          time.Second,
		Multiplier:        2,
		RetryablePatterns: []string{"ETIMEDOUT"},
		Sleep:             recordSleep(&slept),
	}, func(context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", errors.New("connect ETIMEDOUT")
		}
		return "posted", nil
	})

	if !res.Success || res.Value != "posted" || res.Err != nil {
		t.Errorf("WithRetry() = %+v, want success", res)
	}
	if res.Attempts != 3 {
		t.Errorf("Attempts = %d, want 3", res.Attempts)
	}
}

func TestWithRetry_NonRetryableReturnsImmediately(t *testing.T) {
	var slept []time.Duration
	res := WithRetry(context.Background(), Options{
		MaxRetries:        5,
		InitialDelay:      time.Millisecond,
		Multiplier:        2,
		RetryablePatterns: []string{"429"},
		Sleep:             recordSleep(&slept),
	}, func(context.Context) (int, error) {
		return 0, errors.New("invalid account id")
	})

	if res.Attempts != 1 || len(slept) != 0 {
		t.Errorf("Attempts = %d, slept = %v; want 1 attempt and no sleep", res.Attempts, slept)
	}
}

func TestWithRetry_ContextCancelledDuringSleep(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := WithRetry(ctx, Options{
		MaxRetries:   3,
		InitialDelay: time.Hour,
		Multiplier:   2,
	}, func(context.Context) (int, error) {
		return 0, Transient(errors.New("boom"))
	})
	if res.Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", res.Attempts)
	}
	if !errors.Is(res.Err, context.Canceled) {
		t.Errorf("Err = %v, want context.Canceled", res.Err)
	}
}

func TestIsRetryable(t *testing.T) {
	patterns := []string{"429", "rate limit"}
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"pattern", errors.New("HTTP 429"), true},
		{"case insensitive", errors.New("Rate Limit hit"), true},
		{"unmatched", errors.New("bad request"), false},
		{"marked transient", Transient(errors.New("bad request")), true},
		{"permanent wins", backoff.Permanent(errors.New("429")), false},
	}
	for _, tt := range tests {
		if got := IsRetryable(tt.err, patterns); got != tt.want {
			t.Errorf("IsRetryable(%s) = %v, want %v", tt.name, got, tt.want)
		}
	}
}
