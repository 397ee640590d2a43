package util

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Backoff describes a bounded retry schedule. At least one of MaxAttempts or
// MaxElapsed must be set; with neither, Retry makes a single attempt.
//
// A zero or 1 Multiplier gives a fixed Interval between attempts.
type Backoff struct {
	Interval    time.Duration
	Multiplier  float64
	MaxInterval time.Duration
	MaxAttempts int
	MaxElapsed  time.Duration

	// Sleep, when set, performs the wait between attempts in place of the
	// timer. A non-nil error ends the retry. Tests use it to observe
	// spacing without waiting.
	Sleep func(ctx context.Context, d time.Duration) error
}

// Fixed returns a schedule of attempts spaced by a constant delay.
func Fixed(attempts int, delay time.Duration) Backoff {
	return Backoff{Interval: delay, MaxAttempts: attempts}
}

// Within returns a schedule polling every interval until maxWait elapses.
func Within(maxWait, interval time.Duration) Backoff {
	return Backoff{Interval: interval, MaxElapsed: maxWait}
}

// RetryError is returned when a schedule is exhausted without success.
type RetryError struct {
	Attempts int
	Elapsed  time.Duration
	Last     error // last error returned by the attempt, nil if it only reported not-done
}

func (e *RetryError) Error() string {
	if e.Last == nil {
		return fmt.Sprintf("condition not met after %d attempts (%s)", e.Attempts, e.Elapsed.Round(time.Millisecond))
	}
	return fmt.Sprintf("gave up after %d attempts (%s): %v", e.Attempts, e.Elapsed.Round(time.Millisecond), e.Last)
}

func (e *RetryError) Unwrap() []error {
	if e.Last == nil {
		return []error{ErrRetryExhausted}
	}
	return []error{ErrRetryExhausted, e.Last}
}

// Permanent wraps err so that Retry stops immediately and returns err.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return backoff.Permanent(err)
}

var errNotDone = errors.New("condition not met")

// Retry calls fn until it reports done, returns a Permanent error, the
// schedule is exhausted, or ctx is cancelled. fn receives the 1-based
// attempt number. The returned int is the number of attempts made.
func Retry(ctx context.Context, b Backoff, fn func(ctx context.Context, attempt int) (done bool, err error)) (int, error) {
	var (
		attempts int
		last     error
		stop     error
		slept    error
	)
	start := time.Now()

	op := func() (struct{}, error) {
		attempts++
		done, err := fn(ctx, attempts)
		switch {
		case err != nil:
			var perm *backoff.PermanentError
			if errors.As(err, &perm) {
				stop = perm.Err
				return struct{}{}, err
			}
			last = err
			return struct{}{}, err
		case done:
			return struct{}{}, nil
		}
		return struct{}{}, errNotDone
	}

	opts := []backoff.RetryOption{
		backoff.WithBackOff(b.schedule(ctx, &slept)),
		backoff.WithMaxElapsedTime(b.MaxElapsed),
	}
	switch {
	case b.MaxAttempts > 0:
		opts = append(opts, backoff.WithMaxTries(uint(b.MaxAttempts)))
	case b.MaxElapsed <= 0:
		opts = append(opts, backoff.WithMaxTries(1))
	}

	_, err := backoff.Retry(ctx, op, opts...)
	switch {
	case err == nil:
		return attempts, nil
	case stop != nil:
		return attempts, stop
	case slept != nil:
		return attempts, cancelled(slept, last)
	case ctx.Err() != nil:
		return attempts, cancelled(ctx.Err(), last)
	}
	return attempts, &RetryError{Attempts: attempts, Elapsed: time.Since(start), Last: last}
}

// schedule builds the library back-off for b. With Sleep set, the returned
// back-off performs the wait itself and hands a zero delay to the retry
// loop; a failed Sleep is stored in slept and stops the loop.
func (b Backoff) schedule(ctx context.Context, slept *error) backoff.BackOff {
	var bo backoff.BackOff = backoff.NewConstantBackOff(b.Interval)
	if b.Multiplier > 1 {
		exp := backoff.NewExponentialBackOff()
		exp.InitialInterval = b.Interval
		exp.Multiplier = b.Multiplier
		exp.RandomizationFactor = 0
		exp.MaxInterval = b.MaxInterval
		if exp.MaxInterval <= 0 {
			exp.MaxInterval = time.Duration(math.MaxInt64)
		}
		bo = exp
	}
	if b.Sleep == nil {
		return bo
	}
	return &sleepBackOff{next: bo, ctx: ctx, sleep: b.Sleep, err: slept}
}

// sleepBackOff runs an injected sleep for each delay of the wrapped schedule.
type sleepBackOff struct {
	next  backoff.BackOff
	ctx   context.Context
	sleep func(ctx context.Context, d time.Duration) error
	err   *error
}

func (s *sleepBackOff) NextBackOff() time.Duration {
	d := s.next.NextBackOff()
	if d == backoff.Stop {
		return d
	}
	if err := s.sleep(s.ctx, d); err != nil {
		*s.err = err
		return backoff.Stop
	}
	return 0
}

func (s *sleepBackOff) Reset() { s.next.Reset() }

func cancelled(ctxErr, last error) error {
	if last == nil {
		return ctxErr
	}
	return fmt.Errorf("%w (last error: %v)", ctxErr, last)
}
