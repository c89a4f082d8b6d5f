package work

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// scheduleBackOff implements backoff.BackOff with the fixed
// multiplier*i^exponent+constant schedule: attempt i (0-indexed) waits
// multiplier*i^exponent+constant seconds before the next try.
type scheduleBackOff struct {
	attempt    int
	multiplier float64
	exponent   float64
	constant   float64
}

var _ backoff.BackOff = (*scheduleBackOff)(nil)

func (b *scheduleBackOff) NextBackOff() time.Duration {
	seconds := b.multiplier*math.Pow(float64(b.attempt), b.exponent) + b.constant
	b.attempt++
	return time.Duration(seconds * float64(time.Second))
}

func (b *scheduleBackOff) Reset() { b.attempt = 0 }

// Retry wraps a Work item so that a failed run is retried up to attempts
// times total, waiting between tries per the multiplier/exponent/constant
// schedule. Only errors satisfying errors.As(*CommandFailedError) are
// retried; any other error is returned immediately.
type Retry struct {
	Inner      Work
	Attempts   int
	Multiplier float64
	Exponent   float64
	Constant   float64
}

// NewRetry wraps inner with the given retry schedule.
func NewRetry(inner Work, attempts int, multiplier, exponent, constant float64) *Retry {
	return &Retry{Inner: inner, Attempts: attempts, Multiplier: multiplier, Exponent: exponent, Constant: constant}
}

func (r *Retry) String() string { return r.Inner.String() }

func (r *Retry) Run(ctx context.Context) error {
	b := &scheduleBackOff{multiplier: r.Multiplier, exponent: r.Exponent, constant: r.Constant}

	attempt := 0
	operation := func() (struct{}, error) {
		attempt++
		err := r.Inner.Run(ctx)
		if err == nil {
			return struct{}{}, nil
		}
		var cmdErr *CommandFailedError
		if !errors.As(err, &cmdErr) {
			// Not a kind we retry; backoff.Permanent stops the loop and
			// err is returned as-is below, not as a RetryExhaustedError.
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}

	_, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(r.Attempts)),
		backoff.WithNotify(func(err error, wait time.Duration) {
			slog.WarnContext(ctx, "work.Retry backing off", "work", r.Inner.String(), "attempt", attempt, "wait", wait, "error", err)
		}),
	)
	if err == nil {
		return nil
	}

	var permErr *backoff.PermanentError
	if errors.As(err, &permErr) {
		return permErr.Err
	}
	var cmdErr *CommandFailedError
	if !errors.As(err, &cmdErr) {
		return err
	}

	return &RetryExhaustedError{Attempts: r.Attempts, Last: err}
}
