// Package retry provides the bounded retry policy shared by the venue REST
// client, the inference adapter and the feed reconnect loop.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy bounds how often and how patiently an operation is retried.
type Policy struct {
	// MaxAttempts is the total number of tries, including the first.
	MaxAttempts int
	// Delay returns the wait after the given failed attempt (1-based).
	Delay func(attempt int) time.Duration
	// Retryable classifies errors. Nil means every error is retryable.
	Retryable func(err error) bool
	// OnRetry is called before each wait.
	OnRetry func(err error, attempt int, wait time.Duration)
}

// Exponential returns base * 2^(attempt-1).
func Exponential(base time.Duration) func(int) time.Duration {
	return func(attempt int) time.Duration {
		if attempt < 1 {
			attempt = 1
		}
		return base << (attempt - 1)
	}
}

// PowerOfTwo returns unit * 2^attempt.
func PowerOfTwo(unit time.Duration) func(int) time.Duration {
	return func(attempt int) time.Duration {
		if attempt < 0 {
			attempt = 0
		}
		return unit << attempt
	}
}

// Linear returns step * attempt.
func Linear(step time.Duration) func(int) time.Duration {
	return func(attempt int) time.Duration {
		return step * time.Duration(attempt)
	}
}

// HTTP is the request/response policy: 3 attempts, unit*2^attempt between
// them.
func HTTP(unit time.Duration, retryable func(error) bool) Policy {
	return Policy{MaxAttempts: 3, Delay: PowerOfTwo(unit), Retryable: retryable}
}

// HTTPStatuser is implemented by errors that carry an HTTP response status.
type HTTPStatuser interface {
	HTTPStatus() int
}

// RetryableHTTP reports whether a request error is worth retrying: no
// response was received, or the server answered 5xx. Cancellation is final.
func RetryableHTTP(err error) bool {
	if errors.Is(err, context.Canceled) {
		return false
	}
	var se HTTPStatuser
	if errors.As(err, &se) {
		return se.HTTPStatus() >= 500
	}
	return true
}

// Inference is the inference-call policy: 3 attempts, step*attempt between
// them.
func Inference(step time.Duration) Policy {
	return Policy{MaxAttempts: 3, Delay: Linear(step)}
}

// Reconnect is the stream reconnect policy: maxAttempts tries,
// base*2^(attempt-1) before each.
func Reconnect(base time.Duration, maxAttempts int) Policy {
	return Policy{MaxAttempts: maxAttempts, Delay: Exponential(base)}
}

// Do runs op until it succeeds, returns a non-retryable error, the attempt
// budget is spent, or ctx is done. The last error is returned.
func (p Policy) Do(ctx context.Context, op func(ctx context.Context) error) error {
	b := &schedule{policy: p}
	operation := func() error {
		b.attempt++
		err := op(ctx)
		if err != nil && p.Retryable != nil && !p.Retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	var notify backoff.Notify
	if p.OnRetry != nil {
		notify = func(err error, wait time.Duration) {
			p.OnRetry(err, b.attempt, wait)
		}
	}
	return backoff.RetryNotify(operation, backoff.WithContext(b, ctx), notify)
}

// Wait sleeps for the delay after attempt, returning early with ctx.Err()
// when ctx is cancelled.
func (p Policy) Wait(ctx context.Context, attempt int) error {
	t := time.NewTimer(p.Delay(attempt))
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// schedule adapts a Policy to backoff.BackOff.
type schedule struct {
	policy  Policy
	attempt int
}

func (s *schedule) NextBackOff() time.Duration {
	if s.attempt >= s.policy.MaxAttempts {
		return backoff.Stop
	}
	return s.policy.Delay(s.attempt)
}

func (s *schedule) Reset() {
	s.attempt = 0
}

var _ backoff.BackOff = (*schedule)(nil)
