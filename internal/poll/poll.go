// Package poll implements bounded polling loops shared by the fleet driver.
//
// Every loop is parameterized by an interval and a timeout and reads time
// through a Clock, so tests can drive the loops without sleeping.
package poll

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrTimeout matches every *TimeoutError via errors.Is.
var ErrTimeout = errors.New("timed out")

// TimeoutError reports that an operation did not reach its expected state
// within its budget.
type TimeoutError struct {
	Op    string
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout waiting for %s after %s", e.Op, e.After)
}

func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

// Clock abstracts time for polling loops.
type Clock interface {
	Now() time.Time
	Sleep(ctx context.Context, d time.Duration) error
}

// RealClock uses the wall clock.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

func (RealClock) Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Options configures Until.
type Options struct {
	Op       string
	Interval time.Duration
	Timeout  time.Duration
	Clock    Clock
}

// Check reports whether the awaited condition holds. A non-nil error aborts
// the loop; transient failures should be logged by the check and reported as
// (false, nil) so the loop retries.
type Check func(ctx context.Context) (bool, error)

// Until calls check every Interval until it reports done, returns an error,
// ctx ends, or Timeout elapses. The check always runs at least once and its
// context carries the Timeout deadline, so a hung check is cut off too.
func Until(ctx context.Context, opts Options, check Check) error {
	if check == nil {
		return errors.New("poll check is required")
	}
	if opts.Interval <= 0 {
		return errors.New("poll interval must be positive")
	}
	if opts.Timeout <= 0 {
		return errors.New("poll timeout must be positive")
	}
	clock := opts.Clock
	if clock == nil {
		clock = RealClock{}
	}
	pollCtx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()
	expired := func(err error) error {
		if ctx.Err() == nil && errors.Is(pollCtx.Err(), context.DeadlineExceeded) {
			return &TimeoutError{Op: opts.Op, After: opts.Timeout}
		}
		return err
	}

	start := clock.Now()
	for {
		done, err := check(pollCtx)
		if err != nil {
			return expired(err)
		}
		if done {
			return nil
		}
		if clock.Now().Sub(start) >= opts.Timeout {
			return &TimeoutError{Op: opts.Op, After: opts.Timeout}
		}
		if err := clock.Sleep(pollCtx, opts.Interval); err != nil {
			return expired(err)
		}
	}
}

// Retry calls fn up to attempts times with a fixed backoff between calls and
// returns nil on the first success or the last error.
func Retry(ctx context.Context, clock Clock, attempts int, backoff time.Duration, fn func(attempt int) error) error {
	if attempts <= 0 {
		attempts = 1
	}
	if clock == nil {
		clock = RealClock{}
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = fn(attempt)
		if lastErr == nil {
			return nil
		}
		if attempt == attempts {
			break
		}
		if err := clock.Sleep(ctx, backoff); err != nil {
			return err
		}
	}
	return lastErr
}
