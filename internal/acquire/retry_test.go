package acquire

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"
)

func fastPolicy(maxAttempts int) RetryPolicy {
	return RetryPolicy{
		MaxAttempts: maxAttempts,
		BaseDelay:   time.Millisecond,
		MaxDelay:    5 * time.Millisecond,
		Retryable:   IsTransient,
	}
}

func TestRetryPolicy_SucceedsFirstTry(t *testing.T) {
	calls := 0
	err := fastPolicy(3).Do(context.Background(), func(context.Context) error {
		calls++
		return nil
	})

	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestRetryPolicy_RetriesTransient(t *testing.T) {
	calls := 0
	err := fastPolicy(3).Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 3 {
			return &StatusError{Code: http.StatusBadGateway, URL: "http://example.com"}
		}
		return nil
	})

	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestRetryPolicy_ExhaustsAttempts(t *testing.T) {
	calls := 0
	transient := &StatusError{Code: http.StatusServiceUnavailable, URL: "http://example.com"}
	err := fastPolicy(3).Do(context.Background(), func(context.Context) error {
		calls++
		return transient
	})

	if err == nil {
		t.Fatal("expected error after exhausting attempts")
	}
	if !errors.Is(err, transient) {
		t.Errorf("expected wrapped last error, got %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestRetryPolicy_NonRetryableStops(t *testing.T) {
	calls := 0
	notFound := &StatusError{Code: http.StatusNotFound, URL: "http://example.com"}
	err := fastPolicy(5).Do(context.Background(), func(context.Context) error {
		calls++
		return notFound
	})

	if !errors.Is(err, notFound) {
		t.Fatalf("expected original error, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call for non-retryable error, got %d", calls)
	}
}

func TestRetryPolicy_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := fastPolicy(10).Do(ctx, func(context.Context) error {
		calls++
		cancel()
		return &StatusError{Code: http.StatusBadGateway, URL: "http://example.com"}
	})

	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call after cancellation, got %d", calls)
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		expected bool
	}{
		{"500", &StatusError{Code: 500}, true},
		{"502", &StatusError{Code: 502}, true},
		{"429", &StatusError{Code: 429}, true},
		{"404", &StatusError{Code: 404}, false},
		{"403", &StatusError{Code: 403}, false},
		{"plain error", errors.New("boom"), false},
		{"nil", nil, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsTransient(tc.err); got != tc.expected {
				t.Errorf("IsTransient(%v) = %v; want %v", tc.err, got, tc.expected)
			}
		})
	}
}

func TestDelayRange_Sleep(t *testing.T) {
	r := DelayRange{Min: time.Millisecond, Max: 3 * time.Millisecond}

	start := time.Now()
	if err := r.Sleep(context.Background()); err != nil {
		t.Fatalf("Sleep failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed < time.Millisecond {
		t.Errorf("slept less than minimum: %v", elapsed)
	}
}

func TestDelayRange_SleepCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := DelayRange{Min: time.Minute, Max: 2 * time.Minute}
	if err := r.Sleep(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
