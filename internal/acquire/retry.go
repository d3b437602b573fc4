package acquire

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"time"
)

// StatusError is an HTTP response with a non-success status code.
type StatusError struct {
	Code int
	URL  string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("request to %s failed with status %d", e.URL, e.Code)
}

// RetryPolicy is the single retry abstraction used for all acquisition
// requests: bounded attempts, exponential backoff with jitter, and a
// predicate deciding which errors are worth retrying.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Retryable   func(error) bool
}

// DefaultRetryPolicy returns the policy used for image downloads: transient
// network failures are retried, everything else fails fast.
func DefaultRetryPolicy(maxAttempts int, baseDelay, maxDelay time.Duration) RetryPolicy {
	return RetryPolicy{
		MaxAttempts: maxAttempts,
		BaseDelay:   baseDelay,
		MaxDelay:    maxDelay,
		Retryable:   IsTransient,
	}
}

// Do runs fn until it succeeds, the error is not retryable, the attempt cap
// is reached, or the context is cancelled.
func (p RetryPolicy) Do(ctx context.Context, fn func(context.Context) error) error {
	attempts := p.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if err := sleepContext(ctx, p.backoff(attempt)); err != nil {
				return err
			}
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if p.Retryable != nil && !p.Retryable(lastErr) {
			return lastErr
		}
	}

	return fmt.Errorf("giving up after %d attempts: %w", attempts, lastErr)
}

// backoff computes the delay before the given attempt (1-based), doubling
// the base delay each time with up to 25% jitter, capped at MaxDelay.
func (p RetryPolicy) backoff(attempt int) time.Duration {
	delay := p.BaseDelay
	if delay <= 0 {
		delay = time.Second
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if p.MaxDelay > 0 && delay >= p.MaxDelay {
			delay = p.MaxDelay
			break
		}
	}
	jitter := time.Duration(rand.Int63n(int64(delay)/4 + 1))
	return delay + jitter
}

// IsTransient reports whether an error is a transient network failure:
// timeouts, connection errors, and 5xx/429 HTTP responses.
func IsTransient(err error) bool {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Code >= 500 || statusErr.Code == http.StatusTooManyRequests
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	// url.Error wraps dial/read failures that don't implement net.Error.
	var opErr *net.OpError
	return errors.As(err, &opErr)
}

// sleepContext waits for the duration or until the context is cancelled.
func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// DelayRange is the mandatory inter-request delay window used to respect
// source rate limits.
type DelayRange struct {
	Min time.Duration
	Max time.Duration
}

// Sleep waits for a random duration within the range, or until the context
// is cancelled.
func (r DelayRange) Sleep(ctx context.Context) error {
	if r.Max <= r.Min {
		return sleepContext(ctx, r.Min)
	}
	d := r.Min + time.Duration(rand.Int63n(int64(r.Max-r.Min)))
	return sleepContext(ctx, d)
}
