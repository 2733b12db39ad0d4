// Package retry runs an operation a bounded number of times with a fixed
// pause between attempts.
package retry

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

var ErrNoAttempts = errors.New("retry policy allows no attempts")

// Policy bounds a retry loop.
type Policy struct {
	Attempts int           // Attempts is the total number of calls, first one included
	Interval time.Duration // Interval is the fixed pause between calls

	// Timer overrides the wall clock. Tests use it to skip the pauses.
	Timer backoff.Timer
	// Notify is called after each failed attempt that will be retried.
	Notify func(err error, next time.Duration)
}

// Permanent stops the loop and returns err unchanged.
func Permanent(err error) error {
	return backoff.Permanent(err)
}

// Do calls fn until it succeeds, the attempts run out or ctx is done. The
// last error is returned on failure.
func Do[T any](ctx context.Context, p Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if p.Attempts <= 0 {
		return zero, ErrNoAttempts
	}

	// WithMaxRetries treats zero as unlimited.
	var policy backoff.BackOff = &backoff.StopBackOff{}
	if p.Attempts > 1 {
		policy = backoff.WithMaxRetries(backoff.NewConstantBackOff(p.Interval), uint64(p.Attempts-1))
	}
	b := backoff.WithContext(policy, ctx)

	var result T
	op := func() error {
		v, err := fn(ctx)
		if err != nil {
			return err
		}
		result = v
		return nil
	}

	if err := backoff.RetryNotifyWithTimer(op, b, p.Notify, p.Timer); err != nil {
		return zero, err
	}
	return result, nil
}
