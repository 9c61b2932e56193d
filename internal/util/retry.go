package util

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

// BackoffPolicy is an exponential backoff with jitter. Only errors accepted
// by Retryable are retried; anything else is returned immediately.
type BackoffPolicy struct {
	Initial     time.Duration
	Multiplier  float64
	Max         time.Duration
	MaxAttempts int
	// Jitter is the fraction of the current delay added at random.
	Jitter    float64
	Retryable func(error) bool

	// Sleep and Rand are replaced in tests.
	Sleep func(ctx context.Context, d time.Duration) error
	Rand  func() float64
}

// DefaultBackoffPolicy starts at 20s, doubles per attempt with up to 25%
// jitter, caps at 300s and gives up after 5 attempts.
func DefaultBackoffPolicy(retryable func(error) bool) BackoffPolicy {
	return BackoffPolicy{
		Initial:     20 * time.Second,
		Multiplier:  2,
		Max:         300 * time.Second,
		MaxAttempts: 5,
		Jitter:      0.25,
		Retryable:   retryable,
	}
}

// Delay returns the wait before retry number attempt (0-based).
func (p BackoffPolicy) Delay(attempt int) time.Duration {
	mult := p.Multiplier
	if mult < 1 {
		mult = 2
	}
	d := float64(p.Initial)
	for i := 0; i < attempt; i++ {
		d *= mult
		if p.Max > 0 && d >= float64(p.Max) {
			d = float64(p.Max)
			break
		}
	}
	if p.Jitter > 0 {
		r := rand.Float64
		if p.Rand != nil {
			r = p.Rand
		}
		d += d * p.Jitter * r()
	}
	if p.Max > 0 && d > float64(p.Max) {
		d = float64(p.Max)
	}
	return time.Duration(d)
}

// RetryBackoff runs fn under policy p.
func RetryBackoff[T any](ctx context.Context, p BackoffPolicy, fn func(context.Context) (T, error)) (T, error) {
	attempts := p.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}
	sleep := p.Sleep
	if sleep == nil {
		sleep = sleepContext
	}

	var zero T
	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		if isContextErr(err) {
			return zero, err
		}
		lastErr = err
		if p.Retryable == nil || !p.Retryable(err) {
			return zero, err
		}
		if attempt == attempts-1 {
			break
		}
		if err := sleep(ctx, p.Delay(attempt)); err != nil {
			return zero, err
		}
	}
	return zero, lastErr
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
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

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
