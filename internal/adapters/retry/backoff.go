package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"syscall"
	"time"
)

// Policy describes exponential backoff for provider calls
type Policy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxRetries      int
	Multiplier      float64
}

// ProviderPolicy is used for ASR, TTS, judge and optimizer calls
func ProviderPolicy() Policy {
	return Policy{
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     10 * time.Second,
		MaxRetries:      3,
		Multiplier:      2.0,
	}
}

// NoRetry performs exactly one attempt
func NoRetry() Policy {
	return Policy{MaxRetries: 0, Multiplier: 1}
}

// StatusError is returned by HTTP adapters for non-2xx responses
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("unexpected status %d", e.StatusCode)
	}
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Body)
}

func IsRetryableHTTPStatus(statusCode int) bool {
	switch {
	case statusCode == http.StatusTooManyRequests, statusCode == http.StatusRequestTimeout:
		return true
	case statusCode >= 500 && statusCode < 600:
		return true
	}
	return false
}

// IsRetryable reports whether err is transient
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return IsRetryableHTTPStatus(statusErr.StatusCode)
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		// NXDOMAIN is definitive
		return !dnsErr.IsNotFound
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return errors.Is(opErr.Err, syscall.ECONNREFUSED) ||
			errors.Is(opErr.Err, syscall.ECONNRESET) ||
			errors.Is(opErr.Err, syscall.EPIPE)
	}

	return false
}

// Retrier runs a function under a Policy. sleep is replaceable in tests.
type Retrier struct {
	policy Policy
	sleep  func(ctx context.Context, d time.Duration) error
}

func New(policy Policy) *Retrier {
	return &Retrier{policy: policy, sleep: sleepCtx}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Do calls fn until it succeeds, returns a non-retryable error, or the policy is exhausted
func (r *Retrier) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	var lastErr error
	interval := r.policy.InitialInterval

	for attempt := 0; attempt <= r.policy.MaxRetries; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !IsRetryable(err) {
			return err
		}
		if attempt == r.policy.MaxRetries {
			break
		}

		if err := r.sleep(ctx, interval); err != nil {
			return err
		}

		interval = time.Duration(float64(interval) * r.policy.Multiplier)
		if r.policy.MaxInterval > 0 && interval > r.policy.MaxInterval {
			interval = r.policy.MaxInterval
		}
	}

	return fmt.Errorf("max retries (%d) exceeded: %w", r.policy.MaxRetries, lastErr)
}
