// Package retry runs fallible operations with bounded exponential backoff.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const (
	defaultMaxRetries   = 3
	defaultInitialDelay = time.Second
	defaultMaxDelay     = 10 * time.Second
	defaultMultiplier   = 2.0
)

// ErrInvalidPolicy indicates a policy with negative bounds.
var ErrInvalidPolicy = errors.New("retry: invalid policy")

// Policy bounds a retry loop. A zero Policy retries three times starting at
// one second, doubling up to ten seconds.
type Policy struct {
	MaxRetries   int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	// Retryable decides whether a failure is retried. Nil retries every error.
	Retryable func(error) bool
	// OnRetry observes each scheduled retry.
	OnRetry func(attempt int, delay time.Duration, err error)
	// Sleep waits between attempts. Nil waits on the backoff timer, which
	// returns early when ctx is done.
	Sleep func(ctx context.Context, delay time.Duration) error
}

// Default returns the write policy used for record and quota writes.
func Default() Policy {
	return Policy{
		MaxRetries:   defaultMaxRetries,
		InitialDelay: defaultInitialDelay,
		MaxDelay:     defaultMaxDelay,
		Multiplier:   defaultMultiplier,
	}
}

// WithMaxRetries returns a copy of the policy with a different retry budget.
func (p Policy) WithMaxRetries(maxRetries int) Policy {
	p.MaxRetries = maxRetries
	return p
}

// WithRetryable returns a copy of the policy with a retry predicate.
func (p Policy) WithRetryable(retryable func(error) bool) Policy {
	p.Retryable = retryable
	return p
}

func (p Policy) normalized() (Policy, error) {
	if p.MaxRetries < 0 || p.InitialDelay < 0 || p.MaxDelay < 0 || p.Multiplier < 0 {
		return Policy{}, ErrInvalidPolicy
	}
	if p.InitialDelay == 0 && p.MaxDelay == 0 && p.Multiplier == 0 && p.MaxRetries == 0 {
		defaults := Default()
		p.MaxRetries = defaults.MaxRetries
		p.InitialDelay = defaults.InitialDelay
		p.MaxDelay = defaults.MaxDelay
		p.Multiplier = defaults.Multiplier
	}
	if p.Multiplier < 1 {
		p.Multiplier = 1
	}
	if p.MaxDelay == 0 {
		p.MaxDelay = p.InitialDelay
	}
	return p, nil
}

// backOff builds the deterministic exponential schedule of a normalized policy.
func (p Policy) backOff() *backoff.ExponentialBackOff {
	delays := &backoff.ExponentialBackOff{
		InitialInterval: p.InitialDelay,
		Multiplier:      p.Multiplier,
		MaxInterval:     p.MaxDelay,
	}
	delays.Reset()
	return delays
}

// Delay returns the wait before retry number attempt (zero-based).
func (p Policy) Delay(attempt int) time.Duration {
	delays := p.backOff()
	delay := delays.NextBackOff()
	for step := 0; step < attempt; step++ {
		delay = delays.NextBackOff()
	}
	return delay
}

// schedule hands the exponential delays to backoff.Retry. When the policy
// injects its own Sleep the wait happens in the notify hook and the timer
// fires immediately.
type schedule struct {
	delays   *backoff.ExponentialBackOff
	injected bool
	last     time.Duration
}

func (s *schedule) NextBackOff() time.Duration {
	s.last = s.delays.NextBackOff()
	if s.injected {
		return 0
	}
	return s.last
}

func (s *schedule) Reset() {
	s.delays.Reset()
	s.last = 0
}

// Do runs operation until it succeeds, returns a non-retryable error, or the
// retry budget is spent. The last error is returned unchanged.
func Do(ctx context.Context, policy Policy, operation func(context.Context) error) error {
	_, err := DoValue(ctx, policy, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, operation(ctx)
	})
	return err
}

// DoValue is Do for operations that produce a value. When ctx ends between
// attempts the result joins the last operation error with the context error.
func DoValue[T any](ctx context.Context, policy Policy, operation func(context.Context) (T, error)) (T, error) {
	var zero T
	normalized, err := policy.normalized()
	if err != nil {
		return zero, err
	}

	delays := &schedule{delays: normalized.backOff(), injected: normalized.Sleep != nil}
	var (
		lastErr  error
		sleepErr error
		retries  int
	)
	value, err := backoff.Retry(ctx, func() (T, error) {
		if sleepErr != nil {
			return zero, backoff.Permanent(sleepErr)
		}
		value, opErr := operation(ctx)
		if opErr == nil {
			return value, nil
		}
		lastErr = opErr
		if normalized.Retryable != nil && !normalized.Retryable(opErr) {
			return zero, backoff.Permanent(opErr)
		}
		return zero, opErr
	},
		backoff.WithBackOff(delays),
		backoff.WithMaxTries(uint(normalized.MaxRetries)+1),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(opErr error, _ time.Duration) {
			retries++
			if normalized.OnRetry != nil {
				normalized.OnRetry(retries, delays.last, opErr)
			}
			if normalized.Sleep != nil {
				sleepErr = normalized.Sleep(ctx, delays.last)
			}
		}),
	)
	switch {
	case err == nil:
		return value, nil
	case sleepErr != nil:
		return zero, errors.Join(lastErr, sleepErr)
	case errors.Is(err, lastErr):
		return zero, lastErr
	default:
		return zero, errors.Join(lastErr, err)
	}
}
